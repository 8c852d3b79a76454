// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ratelimit enforces a per-identifier message quota over fixed
// windows (one UTC day by default) on top of a pluggable Store.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

const (
	// DefaultMaxRequests is the daily message quota per identifier.
	DefaultMaxRequests = 10

	// DefaultWindow is one calendar day in UTC.
	DefaultWindow = 24 * time.Hour

	// DefaultSweepProbability is the chance that a call also sweeps.
	DefaultSweepProbability = 0.01
)

// ErrQuotaExceeded describes a denied Decision for callers that prefer an
// error value.
var ErrQuotaExceeded = errors.New("rate limit exceeded")

// Decision is the outcome of CheckAndConsume.
type Decision struct {
	Allowed   bool
	Remaining int
	Count     int
	Limit     int
	ResetAt   time.Time
}

// Err returns ErrQuotaExceeded for a denied decision, nil otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return ErrQuotaExceeded
}

// Config configures a Limiter. Zero values take defaults.
type Config struct {
	MaxRequests int
	Window      time.Duration

	// SweepProbability is the chance that a CheckAndConsume call also
	// sweeps stale records. Zero disables opportunistic sweeping; a
	// negative value is treated as zero.
	SweepProbability float64

	// Now and Rand are replaceable for tests.
	Now  func() time.Time
	Rand func() float64

	Logger *slog.Logger
}

// Limiter enforces the quota.
//
// Thread Safety: Safe for concurrent use; atomicity across processes
// depends on the Store.
type Limiter struct {
	store     Store
	max       int
	window    time.Duration
	sweepProb float64
	now       func() time.Time
	rand      func() float64
	logger    *slog.Logger
}

// New creates a Limiter over store.
func New(store Store, cfg Config) *Limiter {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = DefaultMaxRequests
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.SweepProbability < 0 {
		cfg.SweepProbability = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Limiter{
		store:     store,
		max:       cfg.MaxRequests,
		window:    cfg.Window,
		sweepProb: cfg.SweepProbability,
		now:       cfg.Now,
		rand:      cfg.Rand,
		logger:    cfg.Logger,
	}
}

// Limit returns the per-window quota.
func (l *Limiter) Limit() int { return l.max }

// Store returns the backing store.
func (l *Limiter) Store() Store { return l.store }

// Window returns the [start, end) window containing t. Windows are aligned
// to the UTC epoch, so a 24h window is a UTC calendar day.
func (l *Limiter) Window(t time.Time) (time.Time, time.Time) {
	start := t.UTC().Truncate(l.window)
	return start, start.Add(l.window)
}

// CheckAndConsume counts one request for identifier.
//
// Description:
//
//	The first request in a window creates a record with count 1. Within
//	a window, a record already at the limit is denied with Remaining 0
//	and left untouched; otherwise the count is incremented. A request in
//	a later window starts over at 1.
//
// Outputs:
//   - Decision: Allowed and Remaining (max minus the new count).
//   - error: Store failure. The decision is meaningless in that case.
func (l *Limiter) CheckAndConsume(ctx context.Context, identifier string) (Decision, error) {
	now := l.now()
	start, end := l.Window(now)

	count, allowed, err := l.store.Consume(ctx, identifier, start, end, l.max)
	if err != nil {
		rateLimitStoreErrors.WithLabelValues("consume").Inc()
		return Decision{}, fmt.Errorf("rate limit check for %q: %w", identifier, err)
	}

	d := Decision{Allowed: allowed, Count: count, Limit: l.max, ResetAt: end}
	if allowed {
		d.Remaining = l.max - count
		rateLimitDecisions.WithLabelValues("allowed").Inc()
	} else {
		rateLimitDecisions.WithLabelValues("denied").Inc()
	}

	if l.sweepProb > 0 && l.rand() < l.sweepProb {
		l.sweep(ctx, now)
	}
	return d, nil
}

// Peek returns the identifier's current record without consuming.
func (l *Limiter) Peek(ctx context.Context, identifier string) (Decision, error) {
	start, end := l.Window(l.now())
	rec, found, err := l.store.Get(ctx, identifier, start, end)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit peek for %q: %w", identifier, err)
	}
	d := Decision{Limit: l.max, ResetAt: end, Allowed: true, Remaining: l.max}
	if found {
		d.Count = rec.Count
		d.Remaining = max(l.max-rec.Count, 0)
		d.Allowed = rec.Count < l.max
	}
	return d, nil
}

// Sweep removes records whose window ended more than one full window
// before now.
func (l *Limiter) Sweep(ctx context.Context) (int, error) {
	return l.store.Sweep(ctx, l.sweepCutoff(l.now()))
}

func (l *Limiter) sweepCutoff(now time.Time) time.Time {
	return now.Add(-l.window)
}

func (l *Limiter) sweep(ctx context.Context, now time.Time) {
	removed, err := l.store.Sweep(ctx, l.sweepCutoff(now))
	if err != nil {
		rateLimitStoreErrors.WithLabelValues("sweep").Inc()
		l.logger.Warn("Rate limit sweep failed", slog.String("error", err.Error()))
		return
	}
	if removed > 0 {
		rateLimitSwept.Add(float64(removed))
		l.logger.Debug("Rate limit sweep removed stale records", slog.Int("removed", removed))
	}
}

// RunSweeper sweeps every interval until ctx is done. It is the scheduled
// alternative to opportunistic sweeping and can run alongside it.
func (l *Limiter) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep(ctx, l.now())
		}
	}
}

// Pinger is implemented by stores that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks the store if it supports it.
func (l *Limiter) Ping(ctx context.Context) error {
	if p, ok := l.store.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close closes the store.
func (l *Limiter) Close() error {
	return l.store.Close()
}
