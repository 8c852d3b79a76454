// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm contains the clients for the external language-model services
// the chat service depends on: text embedding and text completion.
//
// Every client talks to its provider over raw net/http, without vendor SDKs,
// and redacts provider error bodies before they reach an error string or a
// log line.
package llm

import (
	"context"
	"errors"
)

// ErrUpstream marks a failure that originated in an external provider
// (transport error, non-200 status, malformed or empty response).
//
// Callers test for it with errors.Is and surface it as a generic server
// error; the wrapped detail is for server-side logs only.
var ErrUpstream = errors.New("upstream provider failure")

// Embedder turns text into an embedding vector.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Embedder interface {
	// Embed returns the embedding vector for text.
	//
	// Outputs:
	//   - []float32: Non-empty vector on success.
	//   - error: Wraps ErrUpstream on provider failure.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Completer generates text from a system instruction and a user prompt.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Completer interface {
	// Complete sends one non-streaming completion request.
	//
	// Inputs:
	//   - systemPrompt: Instruction placed in the system role.
	//   - userPrompt: The user turn (already augmented with context).
	//   - maxTokens: Upper bound on generated tokens. Zero leaves the
	//     provider default in place.
	//   - temperature: Sampling temperature.
	//
	// Outputs:
	//   - string: The generated text.
	//   - error: Wraps ErrUpstream on provider failure.
	Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int, temperature float32) (string, error)
}

// EmbedderFunc adapts a function to the Embedder interface.
type EmbedderFunc func(ctx context.Context, text string) ([]float32, error)

// Embed implements Embedder.
func (f EmbedderFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

// CompleterFunc adapts a function to the Completer interface.
type CompleterFunc func(ctx context.Context, systemPrompt, userPrompt string, maxTokens int, temperature float32) (string, error)

// Complete implements Completer.
func (f CompleterFunc) Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int, temperature float32) (string, error) {
	return f(ctx, systemPrompt, userPrompt, maxTokens, temperature)
}
