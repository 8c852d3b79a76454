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
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// fileDocument is the on-disk layout of a FileStore.
type fileDocument struct {
	Records map[string]Record `json:"records"`
}

// FileStore keeps every record in a single JSON file.
//
// Description:
//
//	Each call loads the whole document, mutates it and writes it back via
//	a temp file and rename, so readers never observe a torn file. The
//	mutex serializes writers in this process only. Two processes sharing
//	one file can both read a stale count near the limit and both admit;
//	that race is accepted for a low-traffic deployment.
//
// Thread Safety: Safe for concurrent use within one process.
type FileStore struct {
	path string

	mu     sync.Mutex
	closed bool
}

// NewFileStore creates a FileStore at path, creating parent directories.
// The file itself is created on first write.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("file store: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("file store: creating directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) load() (fileDocument, error) {
	doc := fileDocument{Records: make(map[string]Record)}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return doc, fmt.Errorf("file store: reading %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("file store: parsing %s: %w", s.path, err)
	}
	if doc.Records == nil {
		doc.Records = make(map[string]Record)
	}
	return doc, nil
}

func (s *FileStore) save(doc fileDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("file store: encoding: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".ratelimit-*.tmp")
	if err != nil {
		return fmt.Errorf("file store: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("file store: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("file store: syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("file store: closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("file store: replacing %s: %w", s.path, err)
	}
	return nil
}

// Consume implements Store.
func (s *FileStore) Consume(_ context.Context, identifier string, windowStart, windowEnd time.Time, max int) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, false, ErrStoreClosed
	}

	doc, err := s.load()
	if err != nil {
		return 0, false, err
	}
	rec, found := doc.Records[identifier]
	rec, allowed, write := applyConsume(rec, found, identifier, windowStart, windowEnd, max)
	if write {
		doc.Records[identifier] = rec
		if err := s.save(doc); err != nil {
			return 0, false, err
		}
	}
	return rec.Count, allowed, nil
}

// Get implements Store.
func (s *FileStore) Get(_ context.Context, identifier string, windowStart, _ time.Time) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, false, ErrStoreClosed
	}
	doc, err := s.load()
	if err != nil {
		return Record{}, false, err
	}
	rec, ok := doc.Records[identifier]
	if !ok || !rec.WindowStart.Equal(windowStart) {
		return Record{}, false, nil
	}
	return rec, true, nil
}

// List implements Store.
func (s *FileStore) List(_ context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	return sortedRecords(doc.Records), nil
}

// Sweep implements Store. The file is only rewritten when something was
// removed.
func (s *FileStore) Sweep(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	doc, err := s.load()
	if err != nil {
		return 0, err
	}
	removed := sweepRecords(doc.Records, cutoff)
	if removed == 0 {
		return 0, nil
	}
	if err := s.save(doc); err != nil {
		return 0, err
	}
	return removed, nil
}

// Close implements Store.
func (s *FileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
