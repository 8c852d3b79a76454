// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/portfolio-chat/services/chat/config"
	"github.com/AleutianAI/portfolio-chat/services/chat/index"
	"github.com/AleutianAI/portfolio-chat/services/chat/queue"
	"github.com/AleutianAI/portfolio-chat/services/llm"
)

// DefaultMaxTokens bounds a reply when ProcessorConfig leaves it unset.
const DefaultMaxTokens = 150

// Retriever is the part of the similarity index the processor needs.
type Retriever interface {
	Initialize(ctx context.Context) error
	Query(ctx context.Context, text string, k int) (string, error)
}

// ProcessorConfig configures a Processor. Zero values take defaults, except
// Temperature where zero is a valid setting.
type ProcessorConfig struct {
	SystemPrompt string
	MaxTokens    int
	Temperature  float32
	TopK         int
	Logger       *slog.Logger
}

// Processor answers one admitted chat request: it retrieves context from
// the index and asks the completion provider for a reply.
//
// Thread Safety: Safe for concurrent use.
type Processor struct {
	retriever Retriever
	completer llm.Completer
	cfg       ProcessorConfig
}

var _ queue.Processor = (*Processor)(nil)

// NewProcessor creates a Processor.
func NewProcessor(retriever Retriever, completer llm.Completer, cfg ProcessorConfig) *Processor {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = config.DefaultSystemPrompt
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.TopK <= 0 {
		cfg.TopK = index.DefaultTopK
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Processor{retriever: retriever, completer: completer, cfg: cfg}
}

// BuildPrompt renders the user turn sent to the completion provider.
func BuildPrompt(contextText, message string) string {
	return fmt.Sprintf("Context:\n%s\n\nUser Query:\n%s\n\nAssistant Answer:", contextText, message)
}

// Process implements queue.Processor.
//
// Description:
//
//	Initializes the index if needed, retrieves the TopK passages for the
//	message and sends one completion request. Nothing is retried.
//
// Outputs:
//   - string: The assistant reply.
//   - error: Index or provider failure, wrapped.
func (p *Processor) Process(ctx context.Context, req queue.Request) (string, error) {
	start := time.Now()
	logger := p.cfg.Logger.With(slog.String("request_id", req.ID))

	if err := p.retriever.Initialize(ctx); err != nil {
		return "", fmt.Errorf("initializing index: %w", err)
	}
	contextText, err := p.retriever.Query(ctx, req.Message, p.cfg.TopK)
	if err != nil {
		return "", fmt.Errorf("retrieving context: %w", err)
	}

	reply, err := p.completer.Complete(ctx, p.cfg.SystemPrompt, BuildPrompt(contextText, req.Message),
		p.cfg.MaxTokens, p.cfg.Temperature)
	if err != nil {
		return "", fmt.Errorf("generating reply: %w", err)
	}

	logger.Debug("Chat request processed",
		slog.Int("context_len", len(contextText)),
		slog.Int("reply_len", len(reply)),
		slog.Duration("duration", time.Since(start)))
	return reply, nil
}
