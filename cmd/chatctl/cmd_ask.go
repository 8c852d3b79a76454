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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/portfolio-chat/services/chat"
)

var (
	serverURL string
	clientID  string
	askTimeout time.Duration
)

func newAskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Send one question to a running chat server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), askTimeout)
			defer cancel()
			return runAsk(ctx, cmd.OutOrStdout(), serverURL, strings.Join(args, " "), clientID)
		},
	}
	defaultURL := os.Getenv("CHAT_SERVER_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8080"
	}
	cmd.Flags().StringVar(&serverURL, "server", defaultURL, "Chat server base URL")
	cmd.Flags().StringVar(&clientID, "as", "", "Send this value as X-Forwarded-For")
	cmd.Flags().DurationVar(&askTimeout, "timeout", 60*time.Second, "Overall request timeout")
	return cmd
}

// runAsk posts question to {baseURL}/api/chat and prints the answer.
func runAsk(ctx context.Context, out io.Writer, baseURL, question, asIdentifier string) error {
	body, err := json.Marshal(map[string]string{"message": question})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(baseURL, "/")+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if asIdentifier != "" {
		req.Header.Set(chat.HeaderForwardedFor, asIdentifier)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling chat server: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var e chat.ErrorResponse
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return fmt.Errorf("server returned %d: %s: %s", resp.StatusCode, e.Error, e.Message)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	var cr chat.ChatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	fmt.Fprintf(out, "%s\n\n(%d messages left today)\n", cr.Response, cr.RemainingMessages)
	return nil
}
