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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/portfolio-chat/services/chat/queue"
	"github.com/AleutianAI/portfolio-chat/services/chat/ratelimit"
	"github.com/AleutianAI/portfolio-chat/services/llm"
)

// maxBodyBytes caps the request body read by HandleChat.
const maxBodyBytes = 64 << 10

// statusClientClosedRequest is logged when the caller disconnects first.
const statusClientClosedRequest = 499

// Response texts.
const (
	msgRateLimited   = "You have reached your daily message limit. Please try again tomorrow."
	msgInvalidFormat = "Message is required and must be a string"
	msgBusy          = "The assistant is busy. Please try again in a moment."
	msgTimedOut      = "Your request waited too long in the queue. Please try again."
	msgProcessing    = "Unable to process request"
	msgUnexpected    = "An unexpected error occurred"
)

// Submitter is the part of the request queue the handlers need.
type Submitter interface {
	Submit(ctx context.Context, req queue.Request) (string, error)
	Stats() queue.Stats
}

// ReadinessChecker reports whether the similarity index can serve queries.
type ReadinessChecker interface {
	Initialized() bool
}

// HandlersConfig configures NewHandlers.
type HandlersConfig struct {
	// MaxMessageLength caps a message in runes. Zero uses
	// DefaultMaxMessageLength.
	MaxMessageLength int

	// TrustRemoteAddr lets the TCP peer identify a caller when no address
	// header is present.
	TrustRemoteAddr bool

	Logger *slog.Logger
}

// Handlers serves the chat API.
//
// Thread Safety: Safe for concurrent use.
type Handlers struct {
	limiter   *ratelimit.Limiter
	queue     Submitter
	readiness ReadinessChecker
	cfg       HandlersConfig
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewHandlers creates Handlers. readiness may be nil, in which case
// /readyz only checks the rate-limit store.
func NewHandlers(limiter *ratelimit.Limiter, q Submitter, readiness ReadinessChecker, cfg HandlersConfig) *Handlers {
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = DefaultMaxMessageLength
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handlers{
		limiter:   limiter,
		queue:     q,
		readiness: readiness,
		cfg:       cfg,
		logger:    cfg.Logger,
		tracer:    otel.Tracer(chatTracerName),
	}
}

// HandleChat handles POST /api/chat and POST /v1/chat.
//
// Description:
//
//	Validates the body, derives the caller identifier, consumes one unit
//	of the caller's daily quota and submits the message to the request
//	queue. Validation runs first so a malformed body never costs quota.
//
// Response:
//
//	200 OK: ChatResponse
//	400 Bad Request: missing, non-string, empty or oversized message
//	429 Too Many Requests: quota exhausted
//	500 Internal Server Error: store, index or provider failure
//	503 Service Unavailable: queue full or shutting down
//	504 Gateway Timeout: request waited longer than the queue timeout
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleChat(c *gin.Context) {
	start := time.Now()
	requestID := uuid.NewString()

	ctx, span := h.tracer.Start(c.Request.Context(), "chat.HandleChat",
		trace.WithAttributes(attribute.String("request_id", requestID)))
	defer span.End()
	defer func() {
		code := strconv.Itoa(c.Writer.Status())
		chatRequestsTotal.WithLabelValues(code).Inc()
		chatRequestDuration.WithLabelValues(code).Observe(time.Since(start).Seconds())
		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
	}()

	traceID := traceIDFrom(span)
	logger := h.logger.With(
		slog.String("request_id", requestID),
		slog.String("trace_id", traceID))

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		h.fail(c, span, http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request", Message: "Request body could not be read", TraceID: traceID,
		}, err)
		return
	}
	message, err := parseMessage(body, h.cfg.MaxMessageLength)
	if err != nil {
		resp := ErrorResponse{Error: "Invalid request", Message: msgInvalidFormat, TraceID: traceID}
		if errors.Is(err, errMessageTooLong) {
			resp.Message = fmt.Sprintf("Message must be at most %d characters", h.cfg.MaxMessageLength)
		}
		h.fail(c, span, http.StatusBadRequest, resp, err)
		return
	}

	identifier, source := DeriveIdentifier(c.Request, h.cfg.TrustRemoteAddr)
	identifierSourceTotal.WithLabelValues(source).Inc()
	span.SetAttributes(attribute.String("identifier_source", source))
	logger = logger.With(slog.String("identifier", identifier))
	if source == sourceAnonymous {
		logger.Warn("No client address available, using anonymous identifier")
	}
	logger.Info("Chat request received",
		slog.String("identifier_source", source),
		slog.Int("message_len", len(message)))

	decision, err := h.limiter.CheckAndConsume(ctx, identifier)
	if err != nil {
		logger.Error("Rate limit check failed", slog.String("error", llm.SafeLogString(err.Error())))
		h.fail(c, span, http.StatusInternalServerError, ErrorResponse{
			Error: "Internal Server Error", Message: msgUnexpected, TraceID: traceID,
		}, err)
		return
	}
	setRateLimitHeaders(c, decision)
	if !decision.Allowed {
		remaining := 0
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(decision.ResetAt, time.Now())))
		logger.Info("Rate limit exceeded", slog.Int("count", decision.Count))
		h.fail(c, span, http.StatusTooManyRequests, ErrorResponse{
			Error:             "Rate limit exceeded",
			Message:           msgRateLimited,
			RemainingMessages: &remaining,
			TraceID:           traceID,
		}, decision.Err())
		return
	}

	reply, err := h.queue.Submit(ctx, queue.Request{
		ID:               requestID,
		Message:          message,
		CallerIdentifier: identifier,
	})
	if err != nil {
		h.failSubmit(c, span, logger, traceID, err)
		return
	}

	logger.Info("Chat request completed",
		slog.Int("remaining", decision.Remaining),
		slog.Duration("duration", time.Since(start)))
	c.JSON(http.StatusOK, ChatResponse{Response: reply, RemainingMessages: decision.Remaining})
}

// failSubmit maps a queue or processing error to a response.
func (h *Handlers) failSubmit(c *gin.Context, span trace.Span, logger *slog.Logger, traceID string, err error) {
	switch {
	case errors.Is(err, queue.ErrCapacityExceeded), errors.Is(err, queue.ErrClosed):
		logger.Warn("Chat request rejected by queue", slog.String("error", err.Error()))
		c.Header("Retry-After", "5")
		h.fail(c, span, http.StatusServiceUnavailable, ErrorResponse{
			Error: "Service busy", Message: msgBusy, TraceID: traceID,
		}, err)
	case errors.Is(err, queue.ErrTimeout):
		logger.Warn("Chat request timed out in queue")
		h.fail(c, span, http.StatusGatewayTimeout, ErrorResponse{
			Error: "Request timeout", Message: msgTimedOut, TraceID: traceID,
		}, err)
	case errors.Is(err, context.Canceled):
		logger.Info("Client went away before the reply was ready")
		span.SetStatus(codes.Error, "client closed request")
		c.AbortWithStatus(statusClientClosedRequest)
	default:
		logger.Error("Chat request processing failed", slog.String("error", llm.SafeLogString(err.Error())))
		h.fail(c, span, http.StatusInternalServerError, ErrorResponse{
			Error: "Request processing failed", Message: msgProcessing, TraceID: traceID,
		}, err)
	}
}

// fail writes resp and records err on the span. Only the redacted error
// text reaches the span; resp carries none of it.
func (h *Handlers) fail(c *gin.Context, span trace.Span, status int, resp ErrorResponse, err error) {
	if err != nil {
		safe := llm.SafeLogString(err.Error())
		span.RecordError(errors.New(safe))
		span.SetStatus(codes.Error, safe)
	}
	c.AbortWithStatusJSON(status, resp)
}

// HandleQuota handles GET /v1/chat/quota. It reports the caller's quota
// without consuming any of it.
func (h *Handlers) HandleQuota(c *gin.Context) {
	identifier, _ := DeriveIdentifier(c.Request, h.cfg.TrustRemoteAddr)
	decision, err := h.limiter.Peek(c.Request.Context(), identifier)
	if err != nil {
		h.logger.Error("Rate limit peek failed", slog.String("error", llm.SafeLogString(err.Error())))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Internal Server Error", Message: msgUnexpected})
		return
	}
	setRateLimitHeaders(c, decision)
	c.JSON(http.StatusOK, QuotaResponse{
		Limit:             decision.Limit,
		RemainingMessages: decision.Remaining,
		ResetAt:           decision.ResetAt.UTC(),
	})
}

// HandleQueueStats handles GET /v1/chat/queue.
func (h *Handlers) HandleQueueStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.queue.Stats())
}

func setRateLimitHeaders(c *gin.Context, d ratelimit.Decision) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// retryAfterSeconds rounds up so a client never retries before the reset.
func retryAfterSeconds(resetAt, now time.Time) int {
	d := resetAt.Sub(now)
	if d <= 0 {
		return 1
	}
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}

func traceIDFrom(span trace.Span) string {
	sc := span.SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
