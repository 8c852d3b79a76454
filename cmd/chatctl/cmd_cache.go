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
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/portfolio-chat/services/chat/config"
	"github.com/AleutianAI/portfolio-chat/services/chat/corpus"
	"github.com/AleutianAI/portfolio-chat/services/chat/index"
	badgerstore "github.com/AleutianAI/portfolio-chat/services/chat/storage/badger"
)

var cachePath string

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the corpus embedding cache",
	}
	dump := &cobra.Command{
		Use:   "dump",
		Short: "Print every cached corpus embedding",
		Long: `Opens the BadgerDB read-only and prints each cached corpus embedding:
corpus hash, TTL remaining, and per-passage vector dimensions, L2 norm and
a short sample. Passages are labelled with corpus IDs when the entry
belongs to the configured corpus.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCacheDump(cmd)
		},
	}
	dump.Flags().StringVar(&cachePath, "path", "", "BadgerDB directory (overrides storage.badger_path)")
	cmd.AddCommand(dump)
	return cmd
}

func runCacheDump(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()

	path := cachePath
	var c *corpus.Corpus
	if cfg, err := config.Load(configPath); err == nil {
		if path == "" {
			path = cfg.Storage.BadgerPath
		}
		if cfg.Chat.CorpusPath != "" {
			c, _ = corpus.Load(cfg.Chat.CorpusPath)
		}
	} else if path == "" {
		return err
	}
	if path == "" {
		return fmt.Errorf("no cache path: pass --path or set storage.badger_path")
	}
	if c == nil {
		c = corpus.Default()
	}

	fmt.Fprintf(out, "Vector cache path: %s\n", path)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Fprintln(out, "Cache directory does not exist. The server has not written any embeddings yet.")
		return nil
	}

	dbCfg := badgerstore.Config{Path: path, ReadOnly: true}
	db, err := badgerstore.OpenDB(dbCfg)
	if err != nil {
		return fmt.Errorf("open BadgerDB at %s: %w", path, err)
	}
	defer func() { _ = db.Close() }()

	entries, err := index.InspectVectorCache(cmd.Context(), db)
	if err != nil {
		return err
	}
	printCacheEntries(out, entries, c, time.Now())
	return nil
}

// printCacheEntries renders entries. Passage labels come from c when the
// vector count matches it.
func printCacheEntries(out io.Writer, entries []index.CacheEntry, c *corpus.Corpus, now time.Time) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "\nNo vector cache entries found.")
		fmt.Fprintln(out, "The vector cache is disabled, or the index has not finished initializing.")
		return
	}

	fmt.Fprintf(out, "\nFound %d cache entr%s:\n", len(entries), plural(len(entries), "y", "ies"))
	fmt.Fprintln(out, strings.Repeat("─", 80))

	for i, e := range entries {
		fmt.Fprintf(out, "\n[%d] Key:         %s\n", i+1, e.Key)
		fmt.Fprintf(out, "    Corpus hash: %s\n", e.CorpusHash)
		fmt.Fprintf(out, "    TTL:         %s\n", formatTTL(e.ExpiresAt, now))
		fmt.Fprintf(out, "    Raw size:    %s\n", formatBytes(e.RawSize))

		if e.DecodeErr != nil {
			fmt.Fprintf(out, "    DECODE ERROR: %v\n", e.DecodeErr)
			continue
		}
		fmt.Fprintf(out, "    Passages:    %d vectors\n", len(e.Vectors))

		labels := passageLabels(c, len(e.Vectors))
		colWidth := len("Passage")
		for _, l := range labels {
			colWidth = max(colWidth, len(l))
		}

		fmt.Fprintf(out, "\n    %-*s  %5s  %7s  %s\n", colWidth, "Passage", "Dims", "L2Norm", "Sample (first 4 values)")
		fmt.Fprintf(out, "    %s  %s  %s  %s\n",
			strings.Repeat("─", colWidth), strings.Repeat("─", 5),
			strings.Repeat("─", 7), strings.Repeat("─", 40))
		for j, vec := range e.Vectors {
			fmt.Fprintf(out, "    %-*s  %5d  %7.4f  %s\n", colWidth, labels[j], len(vec), l2Norm(vec), formatSample(vec, 4))
		}
	}
	fmt.Fprintf(out, "\n%s\n", strings.Repeat("─", 80))
}

func passageLabels(c *corpus.Corpus, n int) []string {
	labels := make([]string, n)
	for i := range labels {
		if c != nil && c.Len() == n {
			labels[i] = c.Passage(i).ID
		} else {
			labels[i] = fmt.Sprintf("#%d", i)
		}
	}
	return labels
}

func formatTTL(expiresAt, now time.Time) string {
	if expiresAt.IsZero() {
		return "no expiry set"
	}
	remaining := expiresAt.Sub(now)
	if remaining < 0 {
		return fmt.Sprintf("EXPIRED (%s ago)", (-remaining).Round(time.Second))
	}
	return fmt.Sprintf("%s remaining (expires %s)", remaining.Round(time.Second),
		expiresAt.UTC().Format("2006-01-02 15:04:05 MST"))
}

// l2Norm of a unit-normalized vector prints as 1.0000.
func l2Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// formatSample returns the first n values of a vector as a bracketed string.
func formatSample(v []float32, n int) string {
	if len(v) == 0 {
		return "[]"
	}
	n = min(n, len(v))
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf("%+.4f", v[i])
	}
	suffix := ""
	if len(v) > n {
		suffix = " ..."
	}
	return "[" + strings.Join(parts, ", ") + suffix + "]"
}

func formatBytes(n int) string {
	switch {
	case n >= 1024*1024:
		return fmt.Sprintf("%.1f MB (%d bytes)", float64(n)/1024/1024, n)
	case n >= 1024:
		return fmt.Sprintf("%.1f KB (%d bytes)", float64(n)/1024, n)
	default:
		return fmt.Sprintf("%d bytes", n)
	}
}

func plural(n int, singular, pluralSuffix string) string {
	if n == 1 {
		return singular
	}
	return pluralSuffix
}
