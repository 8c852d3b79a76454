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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const chatTracerName = "portfolio_chat.handler"

var (
	chatRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portfolio_chat",
			Subsystem: "http",
			Name:      "chat_requests_total",
			Help:      "Chat requests by response status code.",
		},
		[]string{"code"},
	)

	chatRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "portfolio_chat",
			Subsystem: "http",
			Name:      "chat_request_duration_seconds",
			Help:      "End-to-end chat request latency by response status code.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"code"},
	)

	identifierSourceTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portfolio_chat",
			Subsystem: "http",
			Name:      "identifier_source_total",
			Help:      "Where the rate-limit identifier came from.",
		},
		[]string{"source"},
	)

	panicsRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "portfolio_chat",
			Subsystem: "http",
			Name:      "panics_recovered_total",
			Help:      "Handler panics converted to 500 responses.",
		},
	)
)
