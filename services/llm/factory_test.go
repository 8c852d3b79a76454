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
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVault(env map[string]string) *KeyVault {
	v := NewKeyVault()
	v.lookup = func(name string) string { return env[name] }
	return v
}

func TestNewEmbedder(t *testing.T) {
	tests := []struct {
		name      string
		cfg       ProviderConfig
		env       map[string]string
		wantModel string
		wantErr   bool
	}{
		{"openai", ProviderConfig{Provider: ProviderOpenAI}, map[string]string{"OPENAI_API_KEY": "k"}, "openai/text-embedding-ada-002", false},
		{"openai custom env", ProviderConfig{Provider: ProviderOpenAI, APIKeyEnv: "MY_KEY"}, map[string]string{"MY_KEY": "k"}, "openai/text-embedding-ada-002", false},
		{"openai missing key", ProviderConfig{Provider: ProviderOpenAI}, nil, "", true},
		{"gemini", ProviderConfig{Provider: ProviderGemini}, map[string]string{"GEMINI_API_KEY": "k"}, "gemini/text-embedding-004", false},
		{"ollama needs no key", ProviderConfig{Provider: ProviderOllama, EmbeddingModel: "mxbai"}, nil, "ollama/mxbai", false},
		{"anthropic has no embeddings", ProviderConfig{Provider: ProviderAnthropic}, map[string]string{"ANTHROPIC_API_KEY": "k"}, "", true},
		{"unknown", ProviderConfig{Provider: "cohere"}, nil, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			emb, model, err := NewEmbedder(testVault(tt.env), tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, emb)
			assert.Equal(t, tt.wantModel, model)
		})
	}
}

func TestNewCompleter(t *testing.T) {
	for _, p := range []string{ProviderOpenAI, ProviderAnthropic, ProviderGemini, ProviderOllama} {
		t.Run(p, func(t *testing.T) {
			env := map[string]string{"OPENAI_API_KEY": "a", "ANTHROPIC_API_KEY": "b", "GEMINI_API_KEY": "c"}
			c, err := NewCompleter(testVault(env), ProviderConfig{Provider: p})
			require.NoError(t, err)
			assert.NotNil(t, c)
		})
	}

	_, err := NewCompleter(testVault(nil), ProviderConfig{Provider: ProviderAnthropic})
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestNewCompleter_EndToEnd(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer server.Close()

	c, err := NewCompleter(testVault(map[string]string{"OPENAI_API_KEY": "k"}), ProviderConfig{
		Provider:          ProviderOpenAI,
		BaseURL:           server.URL,
		Timeout:           time.Second,
		RequestsPerMinute: 600,
	})
	require.NoError(t, err)

	out, err := c.Complete(context.Background(), "s", "u", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{context.DeadlineExceeded, "timeout"},
		{errors.New("openai: API returned 401: upstream"), "auth"},
		{errors.New("openai: API returned 429: upstream"), "rate_limit"},
		{errors.New("gemini: API returned 503: upstream"), "server"},
		{errors.New("openai: returned empty content"), "empty_response"},
		{errors.New("weird"), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classifyError(tt.err), "classifyError(%v)", tt.err)
	}
}

func TestProviderConfig_EffectiveTimeout(t *testing.T) {
	assert.Equal(t, defaultHTTPTimeout, ProviderConfig{}.EffectiveTimeout())
	assert.Equal(t, 5*time.Second, ProviderConfig{Timeout: 5 * time.Second}.EffectiveTimeout())
}
