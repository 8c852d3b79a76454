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
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// llmTracerName is the OTel tracer name shared by all provider clients.
const llmTracerName = "portfolio_chat.llm"

var (
	// llmCallDuration measures provider call latency.
	//
	// Labels:
	//   - provider: "openai", "anthropic", "gemini", "ollama"
	//   - operation: "embed" or "complete"
	//   - status: "success" or "error"
	llmCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "portfolio_chat",
			Subsystem: "llm",
			Name:      "call_duration_seconds",
			Help:      "Duration of LLM provider calls in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "operation", "status"},
	)

	llmErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portfolio_chat",
			Subsystem: "llm",
			Name:      "errors_total",
			Help:      "Total LLM provider errors by type.",
		},
		[]string{"provider", "operation", "error_type"},
	)

	llmActiveRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "portfolio_chat",
			Subsystem: "llm",
			Name:      "active_requests",
			Help:      "Number of in-flight LLM provider requests.",
		},
		[]string{"provider"},
	)
)

// classifyError maps an error to a low-cardinality label value.
//
// Outputs:
//
//	string - One of "timeout", "auth", "rate_limit", "server", "empty_response",
//	         "unknown". Empty for a nil error.
func classifyError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return "timeout"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "context canceled"):
		return "timeout"
	case strings.Contains(msg, "returned 401") ||
		strings.Contains(msg, "returned 403") ||
		strings.Contains(msg, "api key"):
		return "auth"
	case strings.Contains(msg, "returned 429") || strings.Contains(msg, "rate limit"):
		return "rate_limit"
	case strings.Contains(msg, "returned 5"):
		return "server"
	case strings.Contains(msg, "empty") || strings.Contains(msg, "no choices") || strings.Contains(msg, "no candidates"):
		return "empty_response"
	default:
		return "unknown"
	}
}

func recordLLMCall(span trace.Span, provider, operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
		llmErrorsTotal.WithLabelValues(provider, operation, classifyError(err)).Inc()
		safe := SafeLogString(err.Error())
		span.RecordError(errors.New(safe))
		span.SetStatus(codes.Error, safe)
	}
	llmCallDuration.WithLabelValues(provider, operation, status).Observe(time.Since(start).Seconds())
}

// InstrumentedEmbedder wraps an Embedder with a span and Prometheus metrics.
type InstrumentedEmbedder struct {
	provider string
	next     Embedder
	tracer   trace.Tracer
}

// InstrumentEmbedder returns next wrapped with tracing and metrics under
// the given provider label.
func InstrumentEmbedder(provider string, next Embedder) *InstrumentedEmbedder {
	return &InstrumentedEmbedder{provider: provider, next: next, tracer: otel.Tracer(llmTracerName)}
}

// Embed implements Embedder.
func (e *InstrumentedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := e.tracer.Start(ctx, "llm.Embed", trace.WithAttributes(
		attribute.String("llm.provider", e.provider),
		attribute.Int("llm.input_len", len(text)),
	))
	defer span.End()

	llmActiveRequests.WithLabelValues(e.provider).Inc()
	defer llmActiveRequests.WithLabelValues(e.provider).Dec()

	start := time.Now()
	vec, err := e.next.Embed(ctx, text)
	recordLLMCall(span, e.provider, "embed", start, err)
	if err == nil {
		span.SetAttributes(attribute.Int("llm.embedding_dim", len(vec)))
	}
	return vec, err
}

// InstrumentedCompleter wraps a Completer with a span and Prometheus metrics.
type InstrumentedCompleter struct {
	provider string
	next     Completer
	tracer   trace.Tracer
}

// InstrumentCompleter returns next wrapped with tracing and metrics.
func InstrumentCompleter(provider string, next Completer) *InstrumentedCompleter {
	return &InstrumentedCompleter{provider: provider, next: next, tracer: otel.Tracer(llmTracerName)}
}

// Complete implements Completer.
func (c *InstrumentedCompleter) Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int, temperature float32) (string, error) {
	ctx, span := c.tracer.Start(ctx, "llm.Complete", trace.WithAttributes(
		attribute.String("llm.provider", c.provider),
		attribute.Int("llm.max_tokens", maxTokens),
		attribute.Float64("llm.temperature", float64(temperature)),
		attribute.Int("llm.prompt_len", len(userPrompt)),
	))
	defer span.End()

	llmActiveRequests.WithLabelValues(c.provider).Inc()
	defer llmActiveRequests.WithLabelValues(c.provider).Dec()

	start := time.Now()
	out, err := c.next.Complete(ctx, systemPrompt, userPrompt, maxTokens, temperature)
	recordLLMCall(span, c.provider, "complete", start, err)
	if err == nil {
		span.SetAttributes(attribute.Int("llm.response_len", len(out)))
	}
	return out, err
}
