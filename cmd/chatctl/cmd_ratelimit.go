// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/portfolio-chat/services/chat/config"
	"github.com/AleutianAI/portfolio-chat/services/chat/ratelimit"
	badgerstore "github.com/AleutianAI/portfolio-chat/services/chat/storage/badger"
)

var inspectIdentifier string

func newRateLimitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ratelimit",
		Short: "Inspect or maintain the rate-limit store",
	}

	inspect := &cobra.Command{
		Use:   "inspect",
		Short: "List quota records in the configured store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withLimiter(cmd.Context(), func(l *ratelimit.Limiter) error {
				return runInspect(cmd.Context(), cmd.OutOrStdout(), l, inspectIdentifier)
			})
		},
	}
	inspect.Flags().StringVar(&inspectIdentifier, "identifier", "", "Show a single identifier's current window")

	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Remove records whose window has ended",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withLimiter(cmd.Context(), func(l *ratelimit.Limiter) error {
				n, err := l.Sweep(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d stale record%s\n", n, plural(n, "", "s"))
				return nil
			})
		},
	}

	cmd.AddCommand(inspect, sweep)
	return cmd
}

// withLimiter opens the store named by --config, runs fn and closes it.
func withLimiter(ctx context.Context, fn func(*ratelimit.Limiter) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	rl := cfg.RateLimit

	var (
		store ratelimit.Store
		db    *badgerstore.DB
	)
	switch rl.Backend {
	case config.BackendMemory:
		return fmt.Errorf("the memory backend lives inside the server process; nothing to inspect")
	case config.BackendFile:
		store, err = ratelimit.NewFileStore(rl.FilePath)
	case config.BackendRedis:
		store, err = ratelimit.NewRedisStoreFromURL(ctx, rl.RedisURL, rl.RedisKeyPrefix)
	case config.BackendBadger:
		dbCfg := badgerstore.DefaultConfig()
		dbCfg.Path = cfg.Storage.BadgerPath
		dbCfg.GCInterval = 0
		if db, err = badgerstore.OpenDB(dbCfg); err == nil {
			store = ratelimit.NewBadgerStore(db)
		}
	default:
		err = fmt.Errorf("unknown rate-limit backend %q", rl.Backend)
	}
	if err != nil {
		return err
	}

	l := ratelimit.New(store, ratelimit.Config{MaxRequests: rl.MaxRequests, Window: rl.Window})
	defer func() {
		_ = l.Close()
		if db != nil {
			_ = db.Close()
		}
	}()
	return fn(l)
}

// runInspect prints quota records, newest window first.
func runInspect(ctx context.Context, out io.Writer, l *ratelimit.Limiter, identifier string) error {
	if identifier != "" {
		d, err := l.Peek(ctx, identifier)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Identifier: %s\nUsed:       %d/%d\nRemaining:  %d\nResets at:  %s\n",
			identifier, d.Count, d.Limit, d.Remaining, d.ResetAt.UTC().Format(time.RFC3339))
		return nil
	}

	records, err := l.Store().List(ctx)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "No rate-limit records.")
		return nil
	}
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].WindowStart.Equal(records[j].WindowStart) {
			return records[i].WindowStart.After(records[j].WindowStart)
		}
		return records[i].Identifier < records[j].Identifier
	})

	width := len("Identifier")
	for _, r := range records {
		width = max(width, len(r.Identifier))
	}
	fmt.Fprintf(out, "%-*s  %5s  %-20s  %s\n", width, "Identifier", "Count", "Window start", "Status")
	fmt.Fprintf(out, "%s  %s  %s  %s\n", strings.Repeat("─", width), strings.Repeat("─", 5),
		strings.Repeat("─", 20), strings.Repeat("─", 8))

	now := time.Now()
	for _, r := range records {
		status := "active"
		switch {
		case !now.Before(r.WindowEnd):
			status = "stale"
		case r.Count >= l.Limit():
			status = "exhausted"
		}
		fmt.Fprintf(out, "%-*s  %5d  %-20s  %s\n", width, r.Identifier, r.Count,
			r.WindowStart.UTC().Format(time.RFC3339), status)
	}
	fmt.Fprintf(out, "\n%d record%s\n", len(records), plural(len(records), "", "s"))
	return nil
}
