// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the chat service configuration from an optional
// YAML file, applies CHAT_* environment overrides, fills defaults and
// validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/portfolio-chat/services/llm"
)

// Rate limit backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendBadger = "badger"
)

// Tracing exporters.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// DefaultSystemPrompt is the instruction sent with every completion.
const DefaultSystemPrompt = "You are a helpful assistant that answers questions about Idan Assis based on the provided context. Keep your answers concise and relevant."

// Config is the root configuration.
type Config struct {
	Server     ServerConfig       `yaml:"server"`
	Chat       ChatConfig         `yaml:"chat"`
	RateLimit  RateLimitConfig    `yaml:"rate_limit"`
	Queue      QueueConfig        `yaml:"queue"`
	Storage    StorageConfig      `yaml:"storage"`
	Embedding  llm.ProviderConfig `yaml:"embedding"`
	Completion llm.ProviderConfig `yaml:"completion"`
	Tracing    TracingConfig      `yaml:"tracing"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`

	// TrustRemoteAddr lets the TCP peer address identify a caller when no
	// address header is present.
	TrustRemoteAddr bool `yaml:"trust_remote_addr"`
}

// ChatConfig configures prompt assembly and request validation.
type ChatConfig struct {
	SystemPrompt     string  `yaml:"system_prompt" validate:"required"`
	MaxTokens        int     `yaml:"max_tokens" validate:"gt=0"`
	Temperature      float32 `yaml:"temperature" validate:"gte=0,lte=2"`
	TopK             int     `yaml:"top_k" validate:"gt=0"`
	MaxMessageLength int     `yaml:"max_message_length" validate:"gt=0"`

	// CorpusPath points at a YAML corpus; empty uses the built-in one.
	CorpusPath string `yaml:"corpus_path"`

	// WarmUp embeds the corpus in the background at startup, retrying
	// failures with exponential backoff until it succeeds.
	WarmUp               bool          `yaml:"warm_up"`
	WarmUpInitialBackoff time.Duration `yaml:"warm_up_initial_backoff" validate:"gte=0"`
	WarmUpMaxBackoff     time.Duration `yaml:"warm_up_max_backoff" validate:"gtefield=WarmUpInitialBackoff"`
}

// RateLimitConfig configures the per-identifier quota.
type RateLimitConfig struct {
	Backend          string        `yaml:"backend" validate:"oneof=memory file redis badger"`
	MaxRequests      int           `yaml:"max_requests" validate:"gt=0"`
	Window           time.Duration `yaml:"window" validate:"gt=0"`
	SweepProbability float64       `yaml:"sweep_probability" validate:"gte=0,lte=1"`
	SweepInterval    time.Duration `yaml:"sweep_interval" validate:"gte=0"`
	FilePath         string        `yaml:"file_path" validate:"required_if=Backend file"`
	RedisURL         string        `yaml:"redis_url" validate:"required_if=Backend redis"`
	RedisKeyPrefix   string        `yaml:"redis_key_prefix"`
}

// QueueConfig configures the bounded concurrency queue.
type QueueConfig struct {
	MaxConcurrent  int           `yaml:"max_concurrent" validate:"gt=0"`
	MaxQueueSize   int           `yaml:"max_queue_size" validate:"gt=0"`
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gt=0"`
}

// StorageConfig configures the embedded BadgerDB shared by the badger
// rate-limit backend and the vector cache.
type StorageConfig struct {
	BadgerPath  string        `yaml:"badger_path"`
	VectorCache bool          `yaml:"vector_cache"`
	CacheTTL    time.Duration `yaml:"cache_ttl" validate:"gte=0"`
}

// NeedsBadger reports whether any component uses BadgerDB.
func (c *Config) NeedsBadger() bool {
	return c.RateLimit.Backend == BackendBadger || c.Storage.VectorCache
}

// TracingConfig selects the OpenTelemetry span exporter.
type TracingConfig struct {
	Exporter    string  `yaml:"exporter" validate:"oneof=none stdout otlp"`
	Endpoint    string  `yaml:"endpoint" validate:"required_if=Exporter otlp"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name" validate:"required"`
	SampleRatio float64 `yaml:"sample_ratio" validate:"gte=0,lte=1"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    3 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Chat: ChatConfig{
			SystemPrompt:         DefaultSystemPrompt,
			MaxTokens:            150,
			Temperature:          0.7,
			TopK:                 2,
			MaxMessageLength:     2000,
			WarmUp:               true,
			WarmUpInitialBackoff: time.Second,
			WarmUpMaxBackoff:     time.Minute,
		},
		RateLimit: RateLimitConfig{
			Backend:          BackendMemory,
			MaxRequests:      10,
			Window:           24 * time.Hour,
			SweepProbability: 0.01,
			RedisKeyPrefix:   "rate-limit:",
		},
		Queue: QueueConfig{
			MaxConcurrent:  2,
			MaxQueueSize:   100,
			RequestTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			CacheTTL: 7 * 24 * time.Hour,
		},
		Embedding:  llm.ProviderConfig{Provider: llm.ProviderOpenAI},
		Completion: llm.ProviderConfig{Provider: llm.ProviderOpenAI},
		Tracing: TracingConfig{
			Exporter:    ExporterNone,
			ServiceName: "portfolio-chat",
			SampleRatio: 1,
		},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates. A missing file is an error when path is given
// explicitly.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if err := applyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s failed %q", ErrInvalid, verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %s", ErrInvalid, err.Error())
	}
	if c.NeedsBadger() && c.Storage.BadgerPath == "" {
		return fmt.Errorf("%w: storage.badger_path is required for the badger backend or vector cache", ErrInvalid)
	}
	if c.Embedding.Provider == llm.ProviderAnthropic {
		return fmt.Errorf("%w: embedding.provider anthropic has no embeddings API", ErrInvalid)
	}
	if c.Chat.WarmUp && c.Chat.WarmUpInitialBackoff <= 0 {
		return fmt.Errorf("%w: chat.warm_up_initial_backoff must be positive when warm_up is on", ErrInvalid)
	}
	if budget := c.RequestBudget(); c.Server.WriteTimeout > 0 && c.Server.WriteTimeout <= budget {
		return fmt.Errorf("%w: server.write_timeout %s must exceed queue wait plus provider timeouts (%s)",
			ErrInvalid, c.Server.WriteTimeout, budget)
	}
	return nil
}

// RequestBudget is the longest a chat request can take before its handler
// writes a response: the queue wait, one query embedding and one completion.
func (c *Config) RequestBudget() time.Duration {
	return c.Queue.RequestTimeout + c.Embedding.EffectiveTimeout() + c.Completion.EffectiveTimeout()
}
