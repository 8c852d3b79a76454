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
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrValidation marks a request body the handler refuses with 400.
var ErrValidation = errors.New("invalid request")

var errMessageTooLong = errors.New("message too long")

// DefaultMaxMessageLength caps a message in runes.
const DefaultMaxMessageLength = 2000

// ChatRequest is the POST /api/chat body. Message is kept raw so a
// non-string value can be told apart from a missing one.
type ChatRequest struct {
	Message json.RawMessage `json:"message"`
}

// ChatResponse is the 200 body.
type ChatResponse struct {
	Response          string `json:"response"`
	RemainingMessages int    `json:"remainingMessages"`
}

// ErrorResponse is the body of every non-200 reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`

	// RemainingMessages is only set on 429.
	RemainingMessages *int `json:"remainingMessages,omitempty"`

	TraceID string `json:"trace_id,omitempty"`
}

// QuotaResponse is the GET /v1/chat/quota body.
type QuotaResponse struct {
	Limit             int       `json:"limit"`
	RemainingMessages int       `json:"remainingMessages"`
	ResetAt           time.Time `json:"resetAt"`
}

// HealthResponse is returned by /healthz and /readyz.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// parseMessage validates a raw request body and returns the message with
// surrounding whitespace removed.
//
// Outputs:
//   - string: The trimmed message.
//   - error: Wraps ErrValidation for malformed JSON, a missing, null or
//     non-string message, an empty message, or one longer than maxRunes.
func parseMessage(body []byte, maxRunes int) (string, error) {
	var req ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return "", fmt.Errorf("%w: body is not a JSON object", ErrValidation)
	}
	if len(req.Message) == 0 || string(req.Message) == "null" {
		return "", fmt.Errorf("%w: message is required", ErrValidation)
	}

	var msg string
	if err := json.Unmarshal(req.Message, &msg); err != nil {
		return "", fmt.Errorf("%w: message must be a string", ErrValidation)
	}
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "", fmt.Errorf("%w: message is empty", ErrValidation)
	}
	if maxRunes > 0 && utf8.RuneCountInString(msg) > maxRunes {
		return "", fmt.Errorf("%w: %w: limit is %d characters", ErrValidation, errMessageTooLong, maxRunes)
	}
	return msg, nil
}
