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
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/portfolio-chat/services/chat/corpus"
	badgerstore "github.com/AleutianAI/portfolio-chat/services/chat/storage/badger"
)

// vectorCacheDefaultTTL bounds how long a cached corpus embedding lives.
const vectorCacheDefaultTTL = 7 * 24 * time.Hour

// VectorCacheKeyPrefix namespaces cached corpus embeddings in BadgerDB.
const VectorCacheKeyPrefix = "chat/emb/v1/"

var errCacheMiss = errors.New("cache miss")

// VectorCache persists corpus embeddings across restarts so a redeploy
// does not re-embed an unchanged corpus.
//
// Description:
//
//	Entries are keyed by CorpusHash, which covers every passage and the
//	embedding model. Editing the corpus or switching models produces a new
//	key; the old entry simply expires.
//
// Thread Safety: Implementations must be safe for concurrent use.
type VectorCache interface {
	// Load returns (nil, nil) on a miss.
	Load(ctx context.Context, corpusHash string) ([][]float32, error)

	// Save stores vectors in corpus order.
	Save(ctx context.Context, corpusHash string, vectors [][]float32) error
}

// BadgerVectorCache implements VectorCache on BadgerDB with native TTL.
//
// Thread Safety: Safe for concurrent use.
type BadgerVectorCache struct {
	db     *badgerstore.DB
	ttl    time.Duration
	logger *slog.Logger
}

// NewBadgerVectorCache creates a cache on an already opened DB. The caller
// owns the DB lifecycle. ttl <= 0 uses the 7 day default.
func NewBadgerVectorCache(db *badgerstore.DB, ttl time.Duration, logger *slog.Logger) *BadgerVectorCache {
	if db == nil {
		panic("NewBadgerVectorCache: db must not be nil")
	}
	if ttl <= 0 {
		ttl = vectorCacheDefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerVectorCache{db: db, ttl: ttl, logger: logger}
}

// Load implements VectorCache.
func (s *BadgerVectorCache) Load(ctx context.Context, corpusHash string) ([][]float32, error) {
	var raw []byte
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(vectorCacheKey(corpusHash))
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return errCacheMiss
		}
		if err != nil {
			return fmt.Errorf("get cache key: %w", err)
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, errCacheMiss) {
		s.logger.Debug("vector cache: miss", slog.String("hash", shortHash(corpusHash)))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vector cache load: %w", err)
	}

	vectors, err := DecodeVectors(raw)
	if err != nil {
		return nil, fmt.Errorf("vector cache decode: %w", err)
	}
	s.logger.Debug("vector cache: hit",
		slog.String("hash", shortHash(corpusHash)),
		slog.Int("passages", len(vectors)))
	return vectors, nil
}

// Save implements VectorCache.
func (s *BadgerVectorCache) Save(ctx context.Context, corpusHash string, vectors [][]float32) error {
	if len(vectors) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(vectors); err != nil {
		return fmt.Errorf("vector cache encode: %w", err)
	}

	err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.SetEntry(dgbadger.NewEntry(vectorCacheKey(corpusHash), buf.Bytes()).WithTTL(s.ttl))
	})
	if err != nil {
		return fmt.Errorf("vector cache save: %w", err)
	}
	s.logger.Debug("vector cache: saved",
		slog.String("hash", shortHash(corpusHash)),
		slog.Int("passages", len(vectors)),
		slog.Duration("ttl", s.ttl))
	return nil
}

// DecodeVectors decodes a gob-encoded cache value.
func DecodeVectors(data []byte) ([][]float32, error) {
	var vectors [][]float32
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&vectors); err != nil {
		return nil, fmt.Errorf("gob decode: %w", err)
	}
	return vectors, nil
}

// CorpusHash returns the hex SHA256 of every passage (id and text, in
// order) plus the embedding model name.
func CorpusHash(c *corpus.Corpus, model string) string {
	h := sha256.New()
	for _, p := range c.Passages() {
		// Tab-delimited, newline-terminated.
		fmt.Fprintf(h, "%s\t%s\n", p.ID, p.Text)
	}
	fmt.Fprintf(h, "model=%s\n", model)
	return hex.EncodeToString(h.Sum(nil))
}

func vectorCacheKey(corpusHash string) []byte {
	return []byte(VectorCacheKeyPrefix + corpusHash)
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8] + "..."
	}
	return h
}
