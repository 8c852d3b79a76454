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
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"

	badgerstore "github.com/AleutianAI/portfolio-chat/services/chat/storage/badger"
)

// BadgerKeyPrefix namespaces rate-limit records in a shared BadgerDB.
const BadgerKeyPrefix = "ratelimit/v1/"

// BadgerStore keeps records in an embedded BadgerDB.
//
// Description:
//
//	Consume is a read-modify-write inside one update transaction. Badger's
//	optimistic concurrency turns a lost update into ErrConflict, which the
//	DB wrapper retries, so counts are exact within one process. Each entry
//	expires at its window end.
//
// Thread Safety: Safe for concurrent use.
type BadgerStore struct {
	db *badgerstore.DB
}

// NewBadgerStore creates a store on an opened DB. The caller owns the DB.
func NewBadgerStore(db *badgerstore.DB) *BadgerStore {
	if db == nil {
		panic("NewBadgerStore: db must not be nil")
	}
	return &BadgerStore{db: db}
}

func badgerKey(identifier string) []byte {
	return []byte(BadgerKeyPrefix + identifier)
}

func readRecord(txn *dgbadger.Txn, key []byte) (Record, bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var rec Record
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("decoding %s: %w", key, err)
	}
	return rec, true, nil
}

// Consume implements Store.
func (s *BadgerStore) Consume(ctx context.Context, identifier string, windowStart, windowEnd time.Time, max int) (int, bool, error) {
	var (
		count   int
		allowed bool
	)
	key := badgerKey(identifier)
	err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		rec, found, err := readRecord(txn, key)
		if err != nil {
			return err
		}
		rec, ok, write := applyConsume(rec, found, identifier, windowStart, windowEnd, max)
		count, allowed = rec.Count, ok
		if !write {
			return nil
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		entry := dgbadger.NewEntry(key, raw)
		entry.ExpiresAt = uint64(windowEnd.Unix())
		return txn.SetEntry(entry)
	})
	if err != nil {
		return 0, false, fmt.Errorf("badger store: consume: %w", err)
	}
	return count, allowed, nil
}

// Get implements Store.
func (s *BadgerStore) Get(ctx context.Context, identifier string, windowStart, _ time.Time) (Record, bool, error) {
	var (
		rec   Record
		found bool
	)
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		var err error
		rec, found, err = readRecord(txn, badgerKey(identifier))
		return err
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("badger store: get: %w", err)
	}
	if !found || !rec.WindowStart.Equal(windowStart) {
		return Record{}, false, nil
	}
	return rec, true, nil
}

// List implements Store.
func (s *BadgerStore) List(ctx context.Context) ([]Record, error) {
	var out []Record
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = []byte(BadgerKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decoding %s: %w", it.Item().Key(), err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger store: list: %w", err)
	}
	return out, nil
}

// Sweep implements Store. Entries carry their own TTL.
func (s *BadgerStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}

// Ping reports whether the DB is still open.
func (s *BadgerStore) Ping(ctx context.Context) error {
	return s.db.WithReadTxn(ctx, func(*dgbadger.Txn) error { return nil })
}

// Close implements Store. The DB itself is closed by its owner.
func (s *BadgerStore) Close() error {
	return nil
}
