// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package index ranks corpus passages against a query by cosine similarity
// of their embeddings.
//
// The corpus is embedded once per process, lazily, on the first Initialize
// call. Concurrent first callers share a single in-flight initialization.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/portfolio-chat/services/chat/corpus"
	"github.com/AleutianAI/portfolio-chat/services/llm"
)

// DefaultTopK is used when a caller asks for k <= 0.
const DefaultTopK = 2

// defaultParallelism bounds concurrent embedding calls during initialization.
const defaultParallelism = 4

// PassageSeparator joins retrieved passages in Query output.
const PassageSeparator = "\n\n"

var (
	// ErrNotInitialized is returned by Query and Search before Initialize
	// has completed successfully.
	ErrNotInitialized = errors.New("similarity index not initialized")

	// ErrDimensionMismatch is returned when vectors of different lengths
	// would be compared.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Match is one scored passage.
type Match struct {
	Position int
	Passage  corpus.Passage
	Score    float64
}

// Options configures New. All fields are optional.
type Options struct {
	// Cache persists corpus vectors across restarts. Nil disables it.
	Cache VectorCache

	// EmbeddingModel participates in the cache key.
	EmbeddingModel string

	// Parallelism bounds concurrent embedding calls during Initialize.
	Parallelism int

	Logger *slog.Logger
}

// Index is the similarity index over a fixed corpus.
//
// Thread Safety: Safe for concurrent use. Vectors are written once under mu
// and never mutated afterwards.
type Index struct {
	corpus      *corpus.Corpus
	embedder    llm.Embedder
	cache       VectorCache
	cacheKey    string
	parallelism int
	logger      *slog.Logger
	tracer      trace.Tracer

	group singleflight.Group

	mu      sync.RWMutex
	vectors [][]float32
	norms   []float64
}

// New creates an uninitialized Index.
func New(c *corpus.Corpus, embedder llm.Embedder, opts Options) *Index {
	if opts.Parallelism <= 0 {
		opts.Parallelism = defaultParallelism
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Index{
		corpus:      c,
		embedder:    embedder,
		cache:       opts.Cache,
		cacheKey:    CorpusHash(c, opts.EmbeddingModel),
		parallelism: opts.Parallelism,
		logger:      opts.Logger,
		tracer:      otel.Tracer(indexTracerName),
	}
}

// Initialized reports whether corpus vectors are available.
func (x *Index) Initialized() bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.vectors != nil
}

// Initialize embeds the corpus if that has not happened yet.
//
// Description:
//
//	Idempotent. Concurrent callers share one initialization; each embeds
//	every passage exactly once. The shared work is detached from any one
//	caller's cancellation, so a caller that gives up does not fail the
//	others. On failure nothing is cached and the next call retries.
//
// Outputs:
//   - error: The embedding failure, or ctx.Err() if this caller stopped
//     waiting.
func (x *Index) Initialize(ctx context.Context) error {
	if x.Initialized() {
		return nil
	}

	ch := x.group.DoChan("init", func() (any, error) {
		return nil, x.initialize(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (x *Index) initialize(ctx context.Context) (err error) {
	if x.Initialized() {
		return nil
	}

	ctx, span := x.tracer.Start(ctx, "index.Initialize", trace.WithAttributes(
		attribute.Int("index.passages", x.corpus.Len()),
	))
	defer span.End()

	start := time.Now()
	source := "provider"
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, "initialization failed")
		}
		indexInitDuration.WithLabelValues(source, status).Observe(time.Since(start).Seconds())
	}()

	if vectors := x.loadCached(ctx); vectors != nil {
		source = "cache"
		x.publish(vectors)
		x.logger.Info("Similarity index initialized from cache",
			slog.Int("passages", len(vectors)),
			slog.Duration("duration", time.Since(start)))
		return nil
	}

	x.logger.Info("Initializing document embeddings", slog.Int("passages", x.corpus.Len()))

	vectors := make([][]float32, x.corpus.Len())
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.parallelism)
	for i := 0; i < x.corpus.Len(); i++ {
		g.Go(func() error {
			vec, err := x.embedder.Embed(gctx, x.corpus.Passage(i).Text)
			if err != nil {
				return fmt.Errorf("embedding passage %s: %w", x.corpus.Passage(i).ID, err)
			}
			indexPassagesEmbedded.Inc()
			vectors[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := checkDimensions(vectors); err != nil {
		return err
	}

	if x.cache != nil {
		if err := x.cache.Save(ctx, x.cacheKey, vectors); err != nil {
			x.logger.Warn("Failed to persist corpus embeddings", slog.String("error", err.Error()))
		}
	}

	x.publish(vectors)
	x.logger.Info("Document embeddings initialized",
		slog.Int("passages", len(vectors)),
		slog.Int("dimensions", len(vectors[0])),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// loadCached returns cached vectors that fit the corpus, or nil.
func (x *Index) loadCached(ctx context.Context) [][]float32 {
	if x.cache == nil {
		return nil
	}
	vectors, err := x.cache.Load(ctx, x.cacheKey)
	if err != nil {
		x.logger.Warn("Vector cache unavailable, embedding corpus", slog.String("error", err.Error()))
		return nil
	}
	if vectors == nil {
		return nil
	}
	if len(vectors) != x.corpus.Len() || checkDimensions(vectors) != nil {
		x.logger.Warn("Ignoring cached vectors that do not fit the corpus",
			slog.Int("cached", len(vectors)),
			slog.Int("passages", x.corpus.Len()))
		return nil
	}
	return vectors
}

func (x *Index) publish(vectors [][]float32) {
	norms := make([]float64, len(vectors))
	for i, v := range vectors {
		norms[i] = l2Norm(v)
	}
	x.mu.Lock()
	x.vectors = vectors
	x.norms = norms
	x.mu.Unlock()
	indexReady.Set(1)
}

func checkDimensions(vectors [][]float32) error {
	if len(vectors) == 0 {
		return nil
	}
	dim := len(vectors[0])
	for i, v := range vectors {
		if len(v) == 0 || len(v) != dim {
			return fmt.Errorf("passage %d has %d dimensions, want %d: %w", i, len(v), dim, ErrDimensionMismatch)
		}
	}
	return nil
}

// Search embeds text and returns the k most similar passages, highest score
// first. Equal scores keep corpus order. k <= 0 means DefaultTopK; k larger
// than the corpus returns every passage.
func (x *Index) Search(ctx context.Context, text string, k int) ([]Match, error) {
	x.mu.RLock()
	vectors, norms := x.vectors, x.norms
	x.mu.RUnlock()
	if vectors == nil {
		return nil, ErrNotInitialized
	}

	ctx, span := x.tracer.Start(ctx, "index.Search", trace.WithAttributes(attribute.Int("index.k", k)))
	defer span.End()
	start := time.Now()
	defer func() { indexSearchDuration.Observe(time.Since(start).Seconds()) }()

	query, err := x.embedder.Embed(ctx, text)
	if err != nil {
		span.SetStatus(codes.Error, "query embedding failed")
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(query) != len(vectors[0]) {
		span.SetStatus(codes.Error, "dimension mismatch")
		return nil, fmt.Errorf("query has %d dimensions, corpus has %d: %w", len(query), len(vectors[0]), ErrDimensionMismatch)
	}

	queryNorm := l2Norm(query)
	matches := make([]Match, len(vectors))
	for i, v := range vectors {
		matches[i] = Match{
			Position: i,
			Passage:  x.corpus.Passage(i),
			Score:    cosineWithNorms(query, v, queryNorm, norms[i]),
		}
	}
	sort.SliceStable(matches, func(a, b int) bool {
		return matches[a].Score > matches[b].Score
	})

	if k <= 0 {
		k = DefaultTopK
	}
	if k > len(matches) {
		k = len(matches)
	}
	matches = matches[:k]

	if len(matches) > 0 {
		span.SetAttributes(attribute.Float64("index.top_score", matches[0].Score))
	}
	return matches, nil
}

// Query returns the texts of the top k passages joined by a blank line.
func (x *Index) Query(ctx context.Context, text string, k int) (string, error) {
	matches, err := x.Search(ctx, text, k)
	if err != nil {
		return "", err
	}
	texts := make([]string, len(matches))
	for i, m := range matches {
		texts[i] = m.Passage.Text
	}
	return strings.Join(texts, PassageSeparator), nil
}
