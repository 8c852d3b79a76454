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
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory. Counts are lost on restart.
//
// Thread Safety: Safe for concurrent use via sync.Mutex.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	closed  bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Consume implements Store.
func (s *MemoryStore) Consume(_ context.Context, identifier string, windowStart, windowEnd time.Time, max int) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, false, ErrStoreClosed
	}
	rec, found := s.records[identifier]
	rec, allowed, write := applyConsume(rec, found, identifier, windowStart, windowEnd, max)
	if write {
		s.records[identifier] = rec
	}
	return rec.Count, allowed, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, identifier string, windowStart, _ time.Time) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, false, ErrStoreClosed
	}
	rec, ok := s.records[identifier]
	if !ok || !rec.WindowStart.Equal(windowStart) {
		return Record{}, false, nil
	}
	return rec, true, nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return sortedRecords(s.records), nil
}

// Sweep implements Store.
func (s *MemoryStore) Sweep(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	return sweepRecords(s.records, cutoff), nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func sweepRecords(records map[string]Record, cutoff time.Time) int {
	removed := 0
	for id, rec := range records {
		if rec.WindowEnd.Before(cutoff) {
			delete(records, id)
			removed++
		}
	}
	return removed
}

func sortedRecords(records map[string]Record) []Record {
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}
