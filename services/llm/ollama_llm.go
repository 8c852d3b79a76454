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
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	defaultOllamaBaseURL        = "http://localhost:11434"
	defaultOllamaModel          = "llama3.2"
	defaultOllamaEmbeddingModel = "nomic-embed-text"
)

// ollamaEmbedReq is the Ollama /api/embed request body.
type ollamaEmbedReq struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// ollamaEmbedResp is the Ollama /api/embed response body.
type ollamaEmbedResp struct {
	Embeddings [][]float32 `json:"embeddings"`
}

type ollamaChatReq struct {
	Model    string          `json:"model"`
	Messages []openaiMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaChatResp struct {
	Message    openaiMessage `json:"message"`
	DoneReason string        `json:"done_reason"`
	Error      string        `json:"error,omitempty"`
}

// OllamaClient implements Completer and Embedder against a local Ollama
// server. No API key is involved.
//
// Thread Safety: OllamaClient is safe for concurrent use.
type OllamaClient struct {
	httpClient     *http.Client
	model          string
	embeddingModel string
	baseURL        string
}

// NewOllamaClient creates an OllamaClient. Empty fields take defaults.
func NewOllamaClient(model, embeddingModel, baseURL string, timeout time.Duration) *OllamaClient {
	if model == "" {
		model = defaultOllamaModel
	}
	if embeddingModel == "" {
		embeddingModel = defaultOllamaEmbeddingModel
	}
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	slog.Info("Initializing Ollama client",
		slog.String("model", model),
		slog.String("embedding_model", embeddingModel),
		slog.String("url", baseURL))
	return &OllamaClient{
		httpClient:     newHTTPClient(timeout),
		model:          model,
		embeddingModel: embeddingModel,
		baseURL:        strings.TrimRight(baseURL, "/"),
	}
}

// Embed calls /api/embed and returns the first embedding vector.
func (c *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := postJSON(ctx, c.httpClient, "ollama", c.baseURL+"/api/embed", nil,
		ollamaEmbedReq{Model: c.embeddingModel, Input: text})
	if err != nil {
		return nil, err
	}

	var resp ollamaEmbedResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("ollama: parse embed response: %w: %s", ErrUpstream, err.Error())
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("ollama: embed service returned empty vector: %w", ErrUpstream)
	}
	return resp.Embeddings[0], nil
}

// Complete calls /api/chat with streaming disabled.
func (c *OllamaClient) Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int, temperature float32) (string, error) {
	options := map[string]any{"temperature": temperature}
	if maxTokens > 0 {
		options["num_predict"] = maxTokens
	}
	body, err := postJSON(ctx, c.httpClient, "ollama", c.baseURL+"/api/chat", nil, ollamaChatReq{
		Model: c.model,
		Messages: []openaiMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Options: options,
	})
	if err != nil {
		return "", err
	}

	var resp ollamaChatResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("ollama: parse chat response: %w: %s", ErrUpstream, err.Error())
	}
	if resp.Error != "" {
		return "", fmt.Errorf("ollama: %w: %s", ErrUpstream, resp.Error)
	}
	if strings.TrimSpace(resp.Message.Content) == "" {
		return "", fmt.Errorf("ollama: returned empty content: %w", ErrUpstream)
	}
	return resp.Message.Content, nil
}

// EmbeddingModel returns the configured embedding model name.
func (c *OllamaClient) EmbeddingModel() string {
	return c.embeddingModel
}
