// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package index

import (
	"context"
	"fmt"
	"strings"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"

	badgerstore "github.com/AleutianAI/portfolio-chat/services/chat/storage/badger"
)

// CacheEntry describes one stored corpus embedding.
type CacheEntry struct {
	Key        string
	CorpusHash string

	// ExpiresAt is zero when the entry has no TTL.
	ExpiresAt time.Time
	RawSize   int

	// Vectors is nil when DecodeErr is set.
	Vectors   [][]float32
	DecodeErr error
}

// InspectVectorCache lists every corpus embedding stored in db, including
// entries that fail to decode.
func InspectVectorCache(ctx context.Context, db *badgerstore.DB) ([]CacheEntry, error) {
	var entries []CacheEntry
	err := db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(VectorCacheKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			e := CacheEntry{
				Key:        string(item.Key()),
				CorpusHash: strings.TrimPrefix(string(item.Key()), VectorCacheKeyPrefix),
			}
			if exp := item.ExpiresAt(); exp > 0 {
				e.ExpiresAt = time.Unix(int64(exp), 0)
			}

			raw, err := item.ValueCopy(nil)
			if err != nil {
				e.DecodeErr = fmt.Errorf("copy value: %w", err)
				entries = append(entries, e)
				continue
			}
			e.RawSize = len(raw)
			e.Vectors, e.DecodeErr = DecodeVectors(raw)
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("inspect vector cache: %w", err)
	}
	return entries, nil
}
