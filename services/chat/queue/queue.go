// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package queue bounds how many chat requests are processed at once.
//
// Requests beyond the concurrency cap wait in a FIFO of bounded length.
// A request that waits longer than its timeout is dropped and never
// processed. Each caller learns its outcome from a one-shot channel that
// the queue fills exactly once.
package queue

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultMaxConcurrent  = 2
	DefaultMaxQueueSize   = 100
	DefaultRequestTimeout = 30 * time.Second
)

var (
	// ErrCapacityExceeded is returned synchronously when the wait queue is
	// full. Nothing was enqueued.
	ErrCapacityExceeded = errors.New("queue is full, please try again later")

	// ErrTimeout is returned when a request waited longer than the request
	// timeout without being admitted. It was never processed.
	ErrTimeout = errors.New("request timed out in queue")

	// ErrClosed is returned for submissions after Close, and for requests
	// still waiting when Close was called.
	ErrClosed = errors.New("queue is closed")

	// ErrProcessorPanic wraps a recovered panic from the Processor.
	ErrProcessorPanic = errors.New("request processor panicked")
)

// State is a request's lifecycle position.
type State int

const (
	StateQueued State = iota
	StateProcessing
	StateCompleted
	StateFailed
	StateTimedOut
	StateCancelled
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateProcessing:
		return "processing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	case StateCancelled:
		return "cancelled"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Request is one chat message waiting for, or undergoing, processing.
type Request struct {
	ID               string
	Message          string
	CallerIdentifier string
	EnqueuedAt       time.Time
}

// Processor turns an admitted request into a reply.
type Processor interface {
	Process(ctx context.Context, req Request) (string, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, req Request) (string, error)

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Config configures a Queue. Zero values take defaults.
type Config struct {
	MaxConcurrent  int
	MaxQueueSize   int
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// Stats is a point-in-time snapshot.
type Stats struct {
	Queued        int `json:"queued"`
	InFlight      int `json:"inFlight"`
	MaxConcurrent int `json:"maxConcurrent"`
	MaxQueueSize  int `json:"maxQueueSize"`
}

type result struct {
	value string
	err   error
}

// entry is a request owned by the queue. state, elem and timer are
// guarded by Queue.mu.
type entry struct {
	req   Request
	ctx   context.Context
	state State
	elem  *list.Element
	timer *time.Timer
	done  chan result
}

// Queue is the bounded concurrency queue.
//
// Thread Safety: Safe for concurrent use.
type Queue struct {
	processor Processor
	cfg       Config
	logger    *slog.Logger
	tracer    trace.Tracer

	mu       sync.Mutex
	pending  *list.List
	inFlight int
	closed   bool

	wg sync.WaitGroup
}

// New creates a Queue that hands admitted requests to processor.
func New(processor Processor, cfg Config) *Queue {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultMaxQueueSize
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Queue{
		processor: processor,
		cfg:       cfg,
		logger:    cfg.Logger,
		tracer:    otel.Tracer(queueTracerName),
		pending:   list.New(),
	}
}

// Submit enqueues req and blocks until its outcome is known.
//
// Description:
//
//	Rejects immediately with ErrCapacityExceeded when MaxQueueSize
//	requests are already waiting. Otherwise the request waits in FIFO
//	order until one of MaxConcurrent processing slots is free. If it is
//	still waiting after RequestTimeout it is removed and ErrTimeout is
//	returned. If ctx ends while the request is waiting, it is removed and
//	ctx.Err() is returned. Once processing has started it runs to the
//	end; a caller whose ctx ends meanwhile gets ctx.Err() and the result
//	is discarded.
//
// Inputs:
//   - ctx: Caller context. Its values (trace span) reach the Processor;
//     its cancellation does not.
//   - req: ID and EnqueuedAt are filled in when empty.
//
// Outputs:
//   - string: The Processor's reply.
//   - error: One of the package errors, ctx.Err(), or the Processor error.
func (q *Queue) Submit(ctx context.Context, req Request) (string, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.EnqueuedAt = time.Now()

	e := &entry{
		req:   req,
		ctx:   context.WithoutCancel(ctx),
		state: StateQueued,
		done:  make(chan result, 1),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		queueOutcomes.WithLabelValues(StateRejected.String()).Inc()
		return "", ErrClosed
	}
	if q.pending.Len() >= q.cfg.MaxQueueSize {
		q.mu.Unlock()
		queueOutcomes.WithLabelValues(StateRejected.String()).Inc()
		q.logger.Warn("Queue full, rejecting request",
			slog.String("request_id", req.ID),
			slog.Int("max_queue_size", q.cfg.MaxQueueSize))
		return "", ErrCapacityExceeded
	}
	e.elem = q.pending.PushBack(e)
	e.timer = time.AfterFunc(q.cfg.RequestTimeout, func() {
		q.abandon(e, StateTimedOut, ErrTimeout)
	})
	q.dispatchLocked()
	q.observeLocked()
	q.mu.Unlock()

	select {
	case r := <-e.done:
		return r.value, r.err
	case <-ctx.Done():
		q.abandon(e, StateCancelled, ctx.Err())
		return "", ctx.Err()
	}
}

// abandon removes e if it is still waiting and publishes err as its
// outcome. It is a no-op once e has left the wait queue.
func (q *Queue) abandon(e *entry, state State, err error) {
	q.mu.Lock()
	if e.state != StateQueued {
		q.mu.Unlock()
		return
	}
	q.pending.Remove(e.elem)
	e.elem = nil
	e.state = state
	e.timer.Stop()
	q.observeLocked()
	q.mu.Unlock()

	queueOutcomes.WithLabelValues(state.String()).Inc()
	queueWaitDuration.Observe(time.Since(e.req.EnqueuedAt).Seconds())
	if state == StateTimedOut {
		q.logger.Warn("Request timed out in queue",
			slog.String("request_id", e.req.ID),
			slog.Duration("timeout", q.cfg.RequestTimeout))
	}
	e.done <- result{err: err}
}

// dispatchLocked admits waiting requests while processing slots are free.
// Callers hold q.mu.
func (q *Queue) dispatchLocked() {
	for q.inFlight < q.cfg.MaxConcurrent && q.pending.Len() > 0 {
		e := q.pending.Remove(q.pending.Front()).(*entry)
		e.elem = nil
		e.timer.Stop()
		e.state = StateProcessing
		q.inFlight++
		q.wg.Add(1)
		go q.run(e)
	}
}

func (q *Queue) observeLocked() {
	queueDepth.Set(float64(q.pending.Len()))
	queueInFlight.Set(float64(q.inFlight))
}

func (q *Queue) run(e *entry) {
	defer q.wg.Done()

	wait := time.Since(e.req.EnqueuedAt)
	queueWaitDuration.Observe(wait.Seconds())

	ctx, span := q.tracer.Start(e.ctx, "queue.Process", trace.WithAttributes(
		attribute.String("queue.request_id", e.req.ID),
		attribute.Int64("queue.wait_ms", wait.Milliseconds()),
	))
	start := time.Now()
	value, err := q.process(ctx, e.req)
	queueProcessDuration.Observe(time.Since(start).Seconds())

	state := StateCompleted
	if err != nil {
		state = StateFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, "processing failed")
	}
	span.End()

	q.mu.Lock()
	e.state = state
	q.inFlight--
	q.dispatchLocked()
	q.observeLocked()
	q.mu.Unlock()

	queueOutcomes.WithLabelValues(state.String()).Inc()
	e.done <- result{value: value, err: err}
}

// process runs the Processor, turning a panic into an error for this
// request only.
func (q *Queue) process(ctx context.Context, req Request) (value string, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Request processor panicked",
				slog.String("request_id", req.ID),
				slog.Any("panic", r))
			value, err = "", fmt.Errorf("%w: %v", ErrProcessorPanic, r)
		}
	}()
	return q.processor.Process(ctx, req)
}

// Stats returns current queue occupancy.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Queued:        q.pending.Len(),
		InFlight:      q.inFlight,
		MaxConcurrent: q.cfg.MaxConcurrent,
		MaxQueueSize:  q.cfg.MaxQueueSize,
	}
}

// Close stops accepting requests and fails every waiting request with
// ErrClosed. Requests already processing are not interrupted.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	var dropped []*entry
	for el := q.pending.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		e.timer.Stop()
		e.state = StateRejected
		e.elem = nil
		dropped = append(dropped, e)
	}
	q.pending.Init()
	q.observeLocked()
	q.mu.Unlock()

	for _, e := range dropped {
		queueOutcomes.WithLabelValues(StateRejected.String()).Inc()
		e.done <- result{err: ErrClosed}
	}
	if len(dropped) > 0 {
		q.logger.Info("Queue closed, dropped waiting requests", slog.Int("dropped", len(dropped)))
	}
}

// Shutdown closes the queue and waits for in-flight requests to finish or
// ctx to end.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.Close()
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue drain: %w", ctx.Err())
	}
}
