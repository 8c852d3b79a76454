// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrStoreClosed is returned by a Store after Close.
var ErrStoreClosed = errors.New("rate limit store closed")

// Record is one identifier's usage in one window.
type Record struct {
	Identifier  string    `json:"identifier"`
	Count       int       `json:"count"`
	WindowStart time.Time `json:"windowStart"`
	WindowEnd   time.Time `json:"windowEnd"`
}

// Store persists rate-limit records.
//
// Description:
//
//	Consume is the only write path and carries the whole admission policy
//	so that backends with an atomic primitive (redis, badger) can apply it
//	in one step. Backends without one (file) are best-effort under
//	concurrent writers from different processes.
//
// Thread Safety: Implementations must be safe for concurrent use within
// one process.
type Store interface {
	// Consume applies one request for identifier in the window
	// [windowStart, windowEnd).
	//
	// Outputs:
	//   - count: The record's count after this call.
	//   - allowed: False when count had already reached max. The record is
	//     not modified in that case.
	//   - err: Storage failure.
	Consume(ctx context.Context, identifier string, windowStart, windowEnd time.Time, max int) (count int, allowed bool, err error)

	// Get returns the identifier's record for the window, if any.
	Get(ctx context.Context, identifier string, windowStart, windowEnd time.Time) (Record, bool, error)

	// List returns every stored record. Intended for operator tooling.
	List(ctx context.Context) ([]Record, error)

	// Sweep deletes records whose window ended before cutoff and returns
	// how many were removed. Backends with native expiry return 0.
	Sweep(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}

// applyConsume is the admission policy shared by the read-modify-write
// backends. It returns the updated record and whether it must be written.
func applyConsume(rec Record, found bool, identifier string, windowStart, windowEnd time.Time, max int) (Record, bool, bool) {
	if !found || !rec.WindowStart.Equal(windowStart) {
		return Record{
			Identifier:  identifier,
			Count:       1,
			WindowStart: windowStart,
			WindowEnd:   windowEnd,
		}, true, true
	}
	if rec.Count >= max {
		return rec, false, false
	}
	rec.Count++
	return rec, true, true
}
