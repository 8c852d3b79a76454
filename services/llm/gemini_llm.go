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
	defaultGeminiBaseURL        = "https://generativelanguage.googleapis.com/v1beta"
	defaultGeminiModel          = "gemini-1.5-flash"
	defaultGeminiEmbeddingModel = "text-embedding-004"
)

// geminiRequest is the request payload for the generateContent API.
type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature     *float32 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates []geminiCandidate `json:"candidates"`
	Error      *geminiError      `json:"error,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

type geminiEmbedRequest struct {
	Content geminiContent `json:"content"`
}

type geminiEmbedResponse struct {
	Embedding struct {
		Values []float32 `json:"values"`
	} `json:"embedding"`
	Error *geminiError `json:"error,omitempty"`
}

// GeminiClient implements Completer and Embedder for Google Gemini.
//
// Thread Safety: GeminiClient is safe for concurrent use.
type GeminiClient struct {
	httpClient     *http.Client
	apiKey         *APIKey
	model          string
	embeddingModel string
	baseURL        string
}

// NewGeminiClient creates a GeminiClient. Empty models and baseURL take
// defaults.
func NewGeminiClient(apiKey *APIKey, model, embeddingModel, baseURL string, timeout time.Duration) (*GeminiClient, error) {
	if apiKey.Empty() {
		return nil, fmt.Errorf("gemini: API key is missing")
	}
	if model == "" {
		model = defaultGeminiModel
	}
	if embeddingModel == "" {
		embeddingModel = defaultGeminiEmbeddingModel
	}
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	slog.Info("Initializing Gemini client",
		slog.String("model", model),
		slog.String("embedding_model", embeddingModel))
	return &GeminiClient{
		httpClient:     newHTTPClient(timeout),
		apiKey:         apiKey,
		model:          model,
		embeddingModel: embeddingModel,
		baseURL:        strings.TrimRight(baseURL, "/"),
	}, nil
}

// Complete implements Completer using generateContent.
func (g *GeminiClient) Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int, temperature float32) (string, error) {
	req := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: userPrompt}}}},
		GenerationConfig: &geminiGenerationConfig{
			Temperature: &temperature,
		},
	}
	if systemPrompt != "" {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: systemPrompt}}}
	}
	if maxTokens > 0 {
		req.GenerationConfig.MaxOutputTokens = &maxTokens
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, g.model)
	var body []byte
	err := g.apiKey.Use(func(key string) error {
		var err error
		body, err = postJSON(ctx, g.httpClient, "gemini", url, map[string]string{"x-goog-api-key": key}, req)
		return err
	})
	if err != nil {
		return "", err
	}

	var apiResp geminiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return "", fmt.Errorf("gemini: parsing response JSON: %w: %s", ErrUpstream, err.Error())
	}
	if apiResp.Error != nil {
		return "", fmt.Errorf("gemini: API error [%d] %s: %w: %s",
			apiResp.Error.Code, apiResp.Error.Status, ErrUpstream, SafeLogString(apiResp.Error.Message))
	}
	if len(apiResp.Candidates) == 0 {
		return "", fmt.Errorf("gemini: returned no candidates: %w", ErrUpstream)
	}

	var textParts []string
	for _, part := range apiResp.Candidates[0].Content.Parts {
		if part.Text != "" {
			textParts = append(textParts, part.Text)
		}
	}
	result := strings.Join(textParts, "")
	if result == "" {
		return "", fmt.Errorf("gemini: returned empty text content: %w", ErrUpstream)
	}

	slog.Debug("Received Gemini completion",
		slog.String("model", g.model),
		slog.Int("response_len", len(result)),
		slog.String("finish_reason", apiResp.Candidates[0].FinishReason),
	)
	return result, nil
}

// Embed implements Embedder using embedContent.
func (g *GeminiClient) Embed(ctx context.Context, text string) ([]float32, error) {
	url := fmt.Sprintf("%s/models/%s:embedContent", g.baseURL, g.embeddingModel)
	var body []byte
	err := g.apiKey.Use(func(key string) error {
		var err error
		body, err = postJSON(ctx, g.httpClient, "gemini", url, map[string]string{"x-goog-api-key": key},
			geminiEmbedRequest{Content: geminiContent{Parts: []geminiPart{{Text: text}}}})
		return err
	})
	if err != nil {
		return nil, err
	}

	var apiResp geminiEmbedResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("gemini: parsing embedding JSON: %w: %s", ErrUpstream, err.Error())
	}
	if apiResp.Error != nil {
		return nil, fmt.Errorf("gemini: API error [%d] %s: %w: %s",
			apiResp.Error.Code, apiResp.Error.Status, ErrUpstream, SafeLogString(apiResp.Error.Message))
	}
	if len(apiResp.Embedding.Values) == 0 {
		return nil, fmt.Errorf("gemini: returned empty embedding: %w", ErrUpstream)
	}
	return apiResp.Embedding.Values, nil
}

// EmbeddingModel returns the configured embedding model name.
func (g *GeminiClient) EmbeddingModel() string {
	return g.embeddingModel
}
