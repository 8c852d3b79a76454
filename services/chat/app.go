// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/portfolio-chat/services/chat/config"
	"github.com/AleutianAI/portfolio-chat/services/chat/corpus"
	"github.com/AleutianAI/portfolio-chat/services/chat/index"
	"github.com/AleutianAI/portfolio-chat/services/chat/queue"
	"github.com/AleutianAI/portfolio-chat/services/chat/ratelimit"
	badgerstore "github.com/AleutianAI/portfolio-chat/services/chat/storage/badger"
	"github.com/AleutianAI/portfolio-chat/services/llm"
)

// Providers are the upstream model clients the application talks to.
type Providers struct {
	Embedder llm.Embedder

	// EmbeddingModel identifies the embedder in the vector cache key.
	EmbeddingModel string

	Completer llm.Completer
}

// NewProviders builds instrumented, throttled providers from cfg with API
// keys taken from vault.
func NewProviders(vault *llm.KeyVault, cfg *config.Config) (Providers, error) {
	embedder, model, err := llm.NewEmbedder(vault, cfg.Embedding)
	if err != nil {
		return Providers{}, err
	}
	completer, err := llm.NewCompleter(vault, cfg.Completion)
	if err != nil {
		return Providers{}, err
	}
	return Providers{Embedder: embedder, EmbeddingModel: model, Completer: completer}, nil
}

// Application wires the chat service together.
//
// Description:
//
//	Owns the optional BadgerDB, the rate limiter and its store, the
//	similarity index, the request queue and the HTTP router. Start runs
//	the background index warm-up and the periodic sweeper; Shutdown
//	drains the queue and releases storage.
//
// Thread Safety: Start and Shutdown must not race each other. Handler is
// safe for concurrent use.
type Application struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      *badgerstore.DB
	index   *index.Index
	limiter *ratelimit.Limiter
	queue   *queue.Queue
	router  *gin.Engine

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewApplication builds an Application. Nothing runs until Start.
//
// Inputs:
//   - ctx: Bounds store connection setup only.
//   - cfg: Validated configuration.
//   - providers: Upstream clients, see NewProviders.
//   - logger: Base logger. Nil uses slog.Default().
//
// Outputs:
//   - *Application: Ready to Start.
//   - error: Corpus, storage or rate-limit store setup failure. Anything
//     opened before the failure is closed again.
func NewApplication(ctx context.Context, cfg *config.Config, providers Providers, logger *slog.Logger) (_ *Application, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	app := &Application{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.closeStorage()
		}
	}()

	c := corpus.Default()
	if cfg.Chat.CorpusPath != "" {
		if c, err = corpus.Load(cfg.Chat.CorpusPath); err != nil {
			return nil, err
		}
	}

	if cfg.NeedsBadger() {
		dbCfg := badgerstore.DefaultConfig()
		dbCfg.Path = cfg.Storage.BadgerPath
		if app.db, err = badgerstore.OpenDB(dbCfg); err != nil {
			return nil, fmt.Errorf("opening badger at %s: %w", cfg.Storage.BadgerPath, err)
		}
	}

	var cache index.VectorCache
	if cfg.Storage.VectorCache {
		cache = index.NewBadgerVectorCache(app.db, cfg.Storage.CacheTTL, logger)
	}
	app.index = index.New(c, providers.Embedder, index.Options{
		Cache:          cache,
		EmbeddingModel: providers.EmbeddingModel,
		Logger:         logger,
	})

	store, err := openStore(ctx, cfg.RateLimit, app.db)
	if err != nil {
		return nil, err
	}
	app.limiter = ratelimit.New(store, ratelimit.Config{
		MaxRequests:      cfg.RateLimit.MaxRequests,
		Window:           cfg.RateLimit.Window,
		SweepProbability: cfg.RateLimit.SweepProbability,
		Logger:           logger,
	})

	processor := NewProcessor(app.index, providers.Completer, ProcessorConfig{
		SystemPrompt: cfg.Chat.SystemPrompt,
		MaxTokens:    cfg.Chat.MaxTokens,
		Temperature:  cfg.Chat.Temperature,
		TopK:         cfg.Chat.TopK,
		Logger:       logger,
	})
	app.queue = queue.New(processor, queue.Config{
		MaxConcurrent:  cfg.Queue.MaxConcurrent,
		MaxQueueSize:   cfg.Queue.MaxQueueSize,
		RequestTimeout: cfg.Queue.RequestTimeout,
		Logger:         logger,
	})

	handlers := NewHandlers(app.limiter, app.queue, app.index, HandlersConfig{
		MaxMessageLength: cfg.Chat.MaxMessageLength,
		TrustRemoteAddr:  cfg.Server.TrustRemoteAddr,
		Logger:           logger,
	})
	app.router = NewRouter(handlers, cfg.Tracing.ServiceName, logger)

	logger.Info("Chat application configured",
		slog.Int("passages", c.Len()),
		slog.String("rate_limit_backend", cfg.RateLimit.Backend),
		slog.Int("max_requests", cfg.RateLimit.MaxRequests),
		slog.Int("max_concurrent", cfg.Queue.MaxConcurrent),
		slog.Int("max_queue_size", cfg.Queue.MaxQueueSize),
		slog.Bool("vector_cache", cfg.Storage.VectorCache))
	return app, nil
}

// openStore builds the configured rate-limit store.
func openStore(ctx context.Context, cfg config.RateLimitConfig, db *badgerstore.DB) (ratelimit.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory, "":
		return ratelimit.NewMemoryStore(), nil
	case config.BackendFile:
		return ratelimit.NewFileStore(cfg.FilePath)
	case config.BackendRedis:
		return ratelimit.NewRedisStoreFromURL(ctx, cfg.RedisURL, cfg.RedisKeyPrefix)
	case config.BackendBadger:
		if db == nil {
			return nil, errors.New("badger rate-limit backend needs an open database")
		}
		return ratelimit.NewBadgerStore(db), nil
	default:
		return nil, fmt.Errorf("unknown rate-limit backend %q", cfg.Backend)
	}
}

// Handler returns the HTTP handler.
func (a *Application) Handler() http.Handler { return a.router }

// Index returns the similarity index.
func (a *Application) Index() *index.Index { return a.index }

// Limiter returns the rate limiter.
func (a *Application) Limiter() *ratelimit.Limiter { return a.limiter }

// Start launches the background work: index warm-up when enabled and the
// periodic sweeper when an interval is set. It returns immediately.
func (a *Application) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)

	if a.cfg.Chat.WarmUp {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.warmUp(ctx); err != nil {
				a.logger.Warn("Index warm-up abandoned",
					slog.String("error", llm.SafeLogString(err.Error())))
				return
			}
			a.logger.Info("Index warm-up complete")
		}()
	}

	if a.cfg.RateLimit.SweepInterval > 0 {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.limiter.RunSweeper(ctx, a.cfg.RateLimit.SweepInterval)
		}()
	}
}

// warmUp initializes the index, retrying with exponential backoff until it
// succeeds or ctx is done.
func (a *Application) warmUp(ctx context.Context) error {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     a.cfg.Chat.WarmUpInitialBackoff,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         a.cfg.Chat.WarmUpMaxBackoff,
	}
	b.Reset()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, a.index.Initialize(ctx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			a.logger.Warn("Index warm-up failed, retrying",
				slog.String("error", llm.SafeLogString(err.Error())),
				slog.Duration("retry_in", next))
		}),
	)
	return err
}

// Shutdown drains the queue, stops background work and closes storage.
func (a *Application) Shutdown(ctx context.Context) error {
	drainErr := a.queue.Shutdown(ctx)
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	return errors.Join(drainErr, a.closeStorage())
}

func (a *Application) closeStorage() error {
	var errs []error
	if a.limiter != nil {
		if err := a.limiter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing rate-limit store: %w", err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing badger: %w", err))
		}
	}
	return errors.Join(errs...)
}
