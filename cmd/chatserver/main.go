// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command chatserver runs the portfolio chat API.
//
// It answers questions about the site owner from a small biography corpus:
// each message is matched against the corpus by embedding similarity, the
// best passages are handed to a completion model as context, and callers
// are limited to a daily message quota.
//
// Usage:
//
//	go run ./cmd/chatserver
//	go run ./cmd/chatserver -config chat.yaml -debug
//
// Provider keys come from the environment (or a .env file):
//
//	OPENAI_API_KEY=sk-... go run ./cmd/chatserver
//
// Example request:
//
//	curl -X POST http://localhost:8080/api/chat \
//	  -H "Content-Type: application/json" \
//	  -d '{"message": "What does Idan do?"}'
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/AleutianAI/portfolio-chat/services/chat"
	"github.com/AleutianAI/portfolio-chat/services/chat/config"
	"github.com/AleutianAI/portfolio-chat/services/llm"
)

func main() {
	configPath := flag.String("config", os.Getenv("CHAT_CONFIG"), "Path to YAML config file")
	envFile := flag.String("env-file", ".env", "Optional .env file to load before reading config")
	debug := flag.Bool("debug", false, "Enable debug logging and gin debug mode")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to load env file", slog.String("path", *envFile), slog.String("error", err.Error()))
	}

	logger := newLogger(*debug)
	slog.SetDefault(logger)
	if *debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(*configPath, logger); err != nil {
		logger.Error("Chat server exited with error", slog.String("error", llm.SafeLogString(err.Error())))
		os.Exit(1)
	}
}

func newLogger(debug bool) *slog.Logger {
	if debug {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func run(configPath string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	shutdownTracing, err := chat.SetupTracing(ctx, cfg.Tracing, nil)
	if err != nil {
		return err
	}

	vault := llm.NewKeyVault()
	defer vault.Purge()

	providers, err := chat.NewProviders(vault, cfg)
	if err != nil {
		return err
	}
	app, err := chat.NewApplication(ctx, cfg, providers, logger)
	if err != nil {
		return err
	}
	app.Start(ctx)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting chat server", slog.String("address", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err = <-serveErr:
	case <-ctx.Done():
		logger.Info("Shutting down chat server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return errors.Join(
		err,
		srv.Shutdown(shutdownCtx),
		app.Shutdown(shutdownCtx),
		shutdownTracing(shutdownCtx),
	)
}
