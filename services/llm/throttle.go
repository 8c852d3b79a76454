// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Throttle caps the request rate sent to a single provider account.
//
// Description:
//
//	Separate from the per-visitor daily quota: this protects the provider
//	account itself from bursts (index warm-up embeds every passage at once).
//	Callers block until a token is available or ctx is done. A nil
//	*Throttle never blocks.
//
// Thread Safety: Safe for concurrent use.
type Throttle struct {
	limiter *rate.Limiter
}

// NewThrottle allows perMinute requests per minute with the given burst.
// perMinute <= 0 returns nil (unlimited).
func NewThrottle(perMinute, burst int) *Throttle {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst)}
}

// Wait blocks until one request may proceed.
func (t *Throttle) Wait(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("provider throttle: %w", err)
	}
	return nil
}

// ThrottleEmbedder gates every Embed call on t.
func ThrottleEmbedder(t *Throttle, next Embedder) Embedder {
	if t == nil {
		return next
	}
	return EmbedderFunc(func(ctx context.Context, text string) ([]float32, error) {
		if err := t.Wait(ctx); err != nil {
			return nil, err
		}
		return next.Embed(ctx, text)
	})
}

// ThrottleCompleter gates every Complete call on t.
func ThrottleCompleter(t *Throttle, next Completer) Completer {
	if t == nil {
		return next
	}
	return CompleterFunc(func(ctx context.Context, systemPrompt, userPrompt string, maxTokens int, temperature float32) (string, error) {
		if err := t.Wait(ctx); err != nil {
			return "", err
		}
		return next.Complete(ctx, systemPrompt, userPrompt, maxTokens, temperature)
	})
}
