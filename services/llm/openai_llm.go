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

// =============================================================================
// OpenAI Wire Types
// =============================================================================

const (
	defaultOpenAIBaseURL        = "https://api.openai.com/v1"
	defaultOpenAIChatModel      = "gpt-4o-mini"
	defaultOpenAIEmbeddingModel = "text-embedding-ada-002"
)

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Temperature *float32        `json:"temperature,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Choices []openaiChoice `json:"choices"`
	Usage   *openaiUsage   `json:"usage,omitempty"`
	Error   *openaiError   `json:"error,omitempty"`
}

type openaiChoice struct {
	Index        int           `json:"index"`
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openaiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type openaiEmbeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type openaiEmbeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *openaiError `json:"error,omitempty"`
}

// =============================================================================
// Client Implementation
// =============================================================================

// OpenAIClient implements Completer and Embedder for the OpenAI REST API.
//
// Description:
//
//	Completions go to {baseURL}/chat/completions, embeddings to
//	{baseURL}/embeddings. Any OpenAI-compatible server can be targeted by
//	changing baseURL.
//
// Thread Safety: OpenAIClient is safe for concurrent use.
type OpenAIClient struct {
	httpClient     *http.Client
	apiKey         *APIKey
	chatModel      string
	embeddingModel string
	baseURL        string
}

// OpenAIConfig configures an OpenAIClient. Empty fields take defaults.
type OpenAIConfig struct {
	APIKey         *APIKey
	ChatModel      string
	EmbeddingModel string
	BaseURL        string
	Timeout        time.Duration
}

// NewOpenAIClient creates an OpenAIClient.
//
// Outputs:
//   - *OpenAIClient: The configured client.
//   - error: Non-nil if no API key is supplied.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey.Empty() {
		return nil, fmt.Errorf("openai: API key is missing")
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = defaultOpenAIChatModel
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = defaultOpenAIEmbeddingModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenAIBaseURL
	}
	slog.Info("Initializing OpenAI client",
		slog.String("chat_model", cfg.ChatModel),
		slog.String("embedding_model", cfg.EmbeddingModel))
	return &OpenAIClient{
		httpClient:     newHTTPClient(cfg.Timeout),
		apiKey:         cfg.APIKey,
		chatModel:      cfg.ChatModel,
		embeddingModel: cfg.EmbeddingModel,
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
	}, nil
}

// Complete implements Completer using the chat completions API.
//
// Thread Safety: This method is safe for concurrent use.
func (o *OpenAIClient) Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int, temperature float32) (string, error) {
	reqPayload := openaiRequest{
		Model: o.chatModel,
		Messages: []openaiMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: &temperature,
	}
	if maxTokens > 0 {
		reqPayload.MaxTokens = &maxTokens
	}

	slog.Debug("Sending completion request to OpenAI", slog.String("model", o.chatModel))

	var body []byte
	err := o.apiKey.Use(func(key string) error {
		var err error
		body, err = postJSON(ctx, o.httpClient, "openai", o.baseURL+"/chat/completions",
			map[string]string{"Authorization": "Bearer " + key}, reqPayload)
		return err
	})
	if err != nil {
		return "", err
	}

	var apiResp openaiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return "", fmt.Errorf("openai: parsing response JSON: %w: %s", ErrUpstream, err.Error())
	}
	if apiResp.Error != nil {
		return "", fmt.Errorf("openai: API error: %w: %s - %s", ErrUpstream, apiResp.Error.Type, SafeLogString(apiResp.Error.Message))
	}
	if len(apiResp.Choices) == 0 {
		return "", fmt.Errorf("openai: returned no choices: %w", ErrUpstream)
	}

	content := apiResp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("openai: returned empty content: %w", ErrUpstream)
	}

	slog.Debug("Received OpenAI completion",
		slog.String("finish_reason", apiResp.Choices[0].FinishReason),
		slog.Int("response_len", len(content)),
	)
	return content, nil
}

// Embed implements Embedder using the embeddings API.
//
// Thread Safety: This method is safe for concurrent use.
func (o *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	var body []byte
	err := o.apiKey.Use(func(key string) error {
		var err error
		body, err = postJSON(ctx, o.httpClient, "openai", o.baseURL+"/embeddings",
			map[string]string{"Authorization": "Bearer " + key},
			openaiEmbeddingRequest{Model: o.embeddingModel, Input: text})
		return err
	})
	if err != nil {
		return nil, err
	}

	var apiResp openaiEmbeddingResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("openai: parsing embedding JSON: %w: %s", ErrUpstream, err.Error())
	}
	if apiResp.Error != nil {
		return nil, fmt.Errorf("openai: API error: %w: %s - %s", ErrUpstream, apiResp.Error.Type, SafeLogString(apiResp.Error.Message))
	}
	if len(apiResp.Data) == 0 || len(apiResp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("openai: returned empty embedding: %w", ErrUpstream)
	}
	return apiResp.Data[0].Embedding, nil
}

// EmbeddingModel returns the configured embedding model name.
func (o *OpenAIClient) EmbeddingModel() string {
	return o.embeddingModel
}
