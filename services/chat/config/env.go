// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"strconv"
	"time"
)

// Environment overrides. Set variables win over the file.
const (
	EnvAddr             = "CHAT_ADDR"
	EnvTrustRemoteAddr  = "CHAT_TRUST_REMOTE_ADDR"
	EnvCorpusPath       = "CHAT_CORPUS_PATH"
	EnvRateLimitBackend = "CHAT_RATE_LIMIT_BACKEND"
	EnvRateLimitMax     = "CHAT_RATE_LIMIT_MAX"
	EnvRateLimitFile    = "CHAT_RATE_LIMIT_FILE"
	EnvRedisURL         = "CHAT_REDIS_URL"
	EnvBadgerPath       = "CHAT_BADGER_PATH"
	EnvVectorCache      = "CHAT_VECTOR_CACHE"
	EnvMaxConcurrent    = "CHAT_QUEUE_MAX_CONCURRENT"
	EnvMaxQueueSize     = "CHAT_QUEUE_MAX_SIZE"
	EnvQueueTimeout     = "CHAT_QUEUE_TIMEOUT"
	EnvEmbeddingProv    = "CHAT_EMBEDDING_PROVIDER"
	EnvEmbeddingModel   = "CHAT_EMBEDDING_MODEL"
	EnvCompletionProv   = "CHAT_COMPLETION_PROVIDER"
	EnvCompletionModel  = "CHAT_COMPLETION_MODEL"
	EnvTracingExporter  = "CHAT_TRACING_EXPORTER"
	EnvOTLPEndpoint     = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

// envReader applies typed overrides and remembers the first parse error.
type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (r *envReader) str(key string, dst *string) {
	if v, ok := r.lookup(key); ok && v != "" {
		*dst = v
	}
}

func (r *envReader) integer(key string, dst *int) {
	v, ok := r.lookup(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, v, err)
		return
	}
	*dst = n
}

func (r *envReader) boolean(key string, dst *bool) {
	v, ok := r.lookup(key)
	if !ok || v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, v, err)
		return
	}
	*dst = b
}

func (r *envReader) duration(key string, dst *time.Duration) {
	v, ok := r.lookup(key)
	if !ok || v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, v, err)
		return
	}
	*dst = d
}

func (r *envReader) fail(key, val string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s=%q: %s", ErrInvalid, key, val, err.Error())
	}
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	r := &envReader{lookup: lookup}

	r.str(EnvAddr, &cfg.Server.Addr)
	r.boolean(EnvTrustRemoteAddr, &cfg.Server.TrustRemoteAddr)
	r.str(EnvCorpusPath, &cfg.Chat.CorpusPath)

	r.str(EnvRateLimitBackend, &cfg.RateLimit.Backend)
	r.integer(EnvRateLimitMax, &cfg.RateLimit.MaxRequests)
	r.str(EnvRateLimitFile, &cfg.RateLimit.FilePath)
	r.str(EnvRedisURL, &cfg.RateLimit.RedisURL)

	r.str(EnvBadgerPath, &cfg.Storage.BadgerPath)
	r.boolean(EnvVectorCache, &cfg.Storage.VectorCache)

	r.integer(EnvMaxConcurrent, &cfg.Queue.MaxConcurrent)
	r.integer(EnvMaxQueueSize, &cfg.Queue.MaxQueueSize)
	r.duration(EnvQueueTimeout, &cfg.Queue.RequestTimeout)

	r.str(EnvEmbeddingProv, &cfg.Embedding.Provider)
	r.str(EnvEmbeddingModel, &cfg.Embedding.EmbeddingModel)
	r.str(EnvCompletionProv, &cfg.Completion.Provider)
	r.str(EnvCompletionModel, &cfg.Completion.Model)

	r.str(EnvTracingExporter, &cfg.Tracing.Exporter)
	r.str(EnvOTLPEndpoint, &cfg.Tracing.Endpoint)

	return r.err
}
