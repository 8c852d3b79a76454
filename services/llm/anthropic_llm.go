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
	anthropicAPIVersion      = "2023-06-01"
	defaultAnthropicBaseURL  = "https://api.anthropic.com/v1/messages"
	defaultAnthropicModel    = "claude-3-5-haiku-latest"
	defaultAnthropicMaxToken = 1024
)

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float32           `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Error      *anthropicError    `json:"error,omitempty"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// AnthropicClient implements Completer for the Anthropic Messages API.
//
// Description:
//
//	Anthropic has no embeddings endpoint, so this client is only usable as
//	the completion provider; pair it with an OpenAI, Gemini or Ollama
//	embedder.
//
// Thread Safety: AnthropicClient is safe for concurrent use.
type AnthropicClient struct {
	httpClient *http.Client
	apiKey     *APIKey
	model      string
	baseURL    string
}

// NewAnthropicClient creates an AnthropicClient. Empty model and baseURL
// take defaults.
func NewAnthropicClient(apiKey *APIKey, model, baseURL string, timeout time.Duration) (*AnthropicClient, error) {
	if apiKey.Empty() {
		return nil, fmt.Errorf("anthropic: API key is missing")
	}
	if model == "" {
		model = defaultAnthropicModel
	}
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	slog.Info("Initializing Anthropic client", slog.String("model", model))
	return &AnthropicClient{
		httpClient: newHTTPClient(timeout),
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
	}, nil
}

// Complete implements Completer.
//
// Thread Safety: This method is safe for concurrent use.
func (a *AnthropicClient) Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int, temperature float32) (string, error) {
	// max_tokens is mandatory for the Messages API.
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxToken
	}
	reqPayload := anthropicRequest{
		Model:       a.model,
		Messages:    []anthropicMessage{{Role: "user", Content: userPrompt}},
		System:      systemPrompt,
		MaxTokens:   maxTokens,
		Temperature: &temperature,
	}

	var body []byte
	err := a.apiKey.Use(func(key string) error {
		var err error
		body, err = postJSON(ctx, a.httpClient, "anthropic", a.baseURL, map[string]string{
			"x-api-key":         key,
			"anthropic-version": anthropicAPIVersion,
		}, reqPayload)
		return err
	})
	if err != nil {
		return "", err
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return "", fmt.Errorf("anthropic: parsing response JSON: %w: %s", ErrUpstream, err.Error())
	}
	if apiResp.Error != nil {
		return "", fmt.Errorf("anthropic: API error: %w: %s - %s", ErrUpstream, apiResp.Error.Type, SafeLogString(apiResp.Error.Message))
	}

	var sb strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if strings.TrimSpace(sb.String()) == "" {
		return "", fmt.Errorf("anthropic: returned empty text content: %w", ErrUpstream)
	}

	slog.Debug("Received Anthropic completion",
		slog.String("stop_reason", apiResp.StopReason),
		slog.Int("response_len", sb.Len()),
	)
	return sb.String(), nil
}
