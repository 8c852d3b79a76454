// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portfolio_chat",
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Rate limit decisions by outcome.",
		},
		[]string{"outcome"}, // "allowed" | "denied"
	)

	rateLimitStoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portfolio_chat",
			Subsystem: "ratelimit",
			Name:      "store_errors_total",
			Help:      "Rate limit store failures by operation.",
		},
		[]string{"operation"},
	)

	rateLimitSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "portfolio_chat",
			Subsystem: "ratelimit",
			Name:      "swept_records_total",
			Help:      "Stale records removed by sweeps.",
		},
	)
)
