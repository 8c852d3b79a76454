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
	"fmt"
	"time"
)

// Provider names accepted in configuration.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderOllama    = "ollama"
)

// defaultKeyEnv maps each provider to the environment variable its key is
// read from when APIKeyEnv is not set.
var defaultKeyEnv = map[string]string{
	ProviderOpenAI:    "OPENAI_API_KEY",
	ProviderAnthropic: "ANTHROPIC_API_KEY",
	ProviderGemini:    "GEMINI_API_KEY",
}

// ProviderConfig selects and configures one provider.
type ProviderConfig struct {
	Provider          string        `yaml:"provider" validate:"required,oneof=openai anthropic gemini ollama"`
	Model             string        `yaml:"model"`
	EmbeddingModel    string        `yaml:"embedding_model"`
	BaseURL           string        `yaml:"base_url" validate:"omitempty,url"`
	APIKeyEnv         string        `yaml:"api_key_env"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerMinute int           `yaml:"requests_per_minute" validate:"gte=0"`
}

// EffectiveTimeout returns the per-request HTTP timeout the client uses.
func (c ProviderConfig) EffectiveTimeout() time.Duration {
	if c.Timeout <= 0 {
		return defaultHTTPTimeout
	}
	return c.Timeout
}

func (c ProviderConfig) apiKey(vault *KeyVault) (*APIKey, error) {
	if c.Provider == ProviderOllama {
		return nil, nil
	}
	env := c.APIKeyEnv
	if env == "" {
		env = defaultKeyEnv[c.Provider]
	}
	return vault.Key(env)
}

// NewEmbedder builds the instrumented, throttled Embedder described by cfg.
//
// Outputs:
//   - Embedder: Ready to use.
//   - string: The effective embedding model name, used to key the vector cache.
//   - error: Unknown provider, a provider without embeddings, or a missing key.
func NewEmbedder(vault *KeyVault, cfg ProviderConfig) (Embedder, string, error) {
	key, err := cfg.apiKey(vault)
	if err != nil {
		return nil, "", fmt.Errorf("embedding provider %s: %w", cfg.Provider, err)
	}

	var (
		inner Embedder
		model string
	)
	switch cfg.Provider {
	case ProviderOpenAI:
		c, err := NewOpenAIClient(OpenAIConfig{
			APIKey:         key,
			EmbeddingModel: cfg.EmbeddingModel,
			BaseURL:        cfg.BaseURL,
			Timeout:        cfg.Timeout,
		})
		if err != nil {
			return nil, "", err
		}
		inner, model = c, c.EmbeddingModel()
	case ProviderGemini:
		c, err := NewGeminiClient(key, cfg.Model, cfg.EmbeddingModel, cfg.BaseURL, cfg.Timeout)
		if err != nil {
			return nil, "", err
		}
		inner, model = c, c.EmbeddingModel()
	case ProviderOllama:
		c := NewOllamaClient(cfg.Model, cfg.EmbeddingModel, cfg.BaseURL, cfg.Timeout)
		inner, model = c, c.EmbeddingModel()
	case ProviderAnthropic:
		return nil, "", fmt.Errorf("embedding provider %s: no embeddings API", cfg.Provider)
	default:
		return nil, "", fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}

	throttled := ThrottleEmbedder(NewThrottle(cfg.RequestsPerMinute, cfg.RequestsPerMinute), inner)
	return InstrumentEmbedder(cfg.Provider, throttled), cfg.Provider + "/" + model, nil
}

// NewCompleter builds the instrumented, throttled Completer described by cfg.
func NewCompleter(vault *KeyVault, cfg ProviderConfig) (Completer, error) {
	key, err := cfg.apiKey(vault)
	if err != nil {
		return nil, fmt.Errorf("completion provider %s: %w", cfg.Provider, err)
	}

	var inner Completer
	switch cfg.Provider {
	case ProviderOpenAI:
		inner, err = NewOpenAIClient(OpenAIConfig{
			APIKey:    key,
			ChatModel: cfg.Model,
			BaseURL:   cfg.BaseURL,
			Timeout:   cfg.Timeout,
		})
	case ProviderAnthropic:
		inner, err = NewAnthropicClient(key, cfg.Model, cfg.BaseURL, cfg.Timeout)
	case ProviderGemini:
		inner, err = NewGeminiClient(key, cfg.Model, cfg.EmbeddingModel, cfg.BaseURL, cfg.Timeout)
	case ProviderOllama:
		inner = NewOllamaClient(cfg.Model, cfg.EmbeddingModel, cfg.BaseURL, cfg.Timeout)
	default:
		return nil, fmt.Errorf("unknown completion provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	throttled := ThrottleCompleter(NewThrottle(cfg.RequestsPerMinute, cfg.RequestsPerMinute), inner)
	return InstrumentCompleter(cfg.Provider, throttled), nil
}
