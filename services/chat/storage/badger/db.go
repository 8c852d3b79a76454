// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger wraps BadgerDB with the open/close and transaction helpers
// shared by the rate-limit store and the embedding vector cache.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
)

// ErrClosed is returned by transaction helpers after Close.
var ErrClosed = errors.New("badger db is closed")

// maxConflictRetries bounds how often WithTxn re-runs fn after ErrConflict.
const maxConflictRetries = 10

// Config configures OpenDB.
type Config struct {
	// Path is the data directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool

	// ReadOnly opens an existing directory without write access.
	ReadOnly bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// GCInterval controls the value-log GC loop. Zero disables it.
	GCInterval time.Duration
}

// DefaultConfig returns the production configuration. Path must be set by
// the caller.
func DefaultConfig() Config {
	return Config{
		SyncWrites: true,
		GCInterval: 10 * time.Minute,
	}
}

// InMemoryConfig returns a configuration suitable for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// DB is an opened BadgerDB instance.
//
// Thread Safety: Safe for concurrent use.
type DB struct {
	db     *dgbadger.DB
	stopGC context.CancelFunc
	gcDone chan struct{}
}

// OpenDB opens (or creates) the database described by cfg.
func OpenDB(cfg Config) (*DB, error) {
	var opts dgbadger.Options
	if cfg.InMemory {
		opts = dgbadger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("badger: path is required unless in-memory")
		}
		opts = dgbadger.DefaultOptions(cfg.Path).
			WithSyncWrites(cfg.SyncWrites).
			WithReadOnly(cfg.ReadOnly)
	}
	opts = opts.WithLogger(nil)

	raw, err := dgbadger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: opening %q: %w", cfg.Path, err)
	}

	d := &DB{db: raw}
	if cfg.GCInterval > 0 && !cfg.InMemory && !cfg.ReadOnly {
		ctx, cancel := context.WithCancel(context.Background())
		d.stopGC = cancel
		d.gcDone = make(chan struct{})
		go d.gcLoop(ctx, cfg.GCInterval)
	}
	return d, nil
}

func (d *DB) gcLoop(ctx context.Context, interval time.Duration) {
	defer close(d.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// RunValueLogGC rewrites at most one file per call; loop until
			// there is nothing left worth rewriting.
			for {
				if err := d.db.RunValueLogGC(0.5); err != nil {
					if !errors.Is(err, dgbadger.ErrNoRewrite) {
						slog.Debug("badger value log GC stopped", slog.String("error", err.Error()))
					}
					break
				}
			}
		}
	}
}

// WithTxn runs fn in a read-write transaction and commits it. On
// ErrConflict the whole transaction is retried, so fn must be idempotent
// with respect to its own side effects outside the transaction.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	if d.db.IsClosed() {
		return ErrClosed
	}
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = d.db.Update(fn)
		if !errors.Is(err, dgbadger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("badger: transaction conflicted %d times: %w", maxConflictRetries, err)
}

// WithReadTxn runs fn in a read-only transaction.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	if d.db.IsClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.View(fn)
}

// Raw exposes the underlying handle for iteration-heavy callers.
func (d *DB) Raw() *dgbadger.DB {
	return d.db
}

// Close stops the GC loop and closes the database.
func (d *DB) Close() error {
	if d.stopGC != nil {
		d.stopGC()
		<-d.gcDone
	}
	return d.db.Close()
}
