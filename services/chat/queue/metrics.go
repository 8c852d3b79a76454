// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const queueTracerName = "portfolio_chat.queue"

var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "portfolio_chat",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Requests waiting for a processing slot.",
	})

	queueInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "portfolio_chat",
		Subsystem: "queue",
		Name:      "in_flight",
		Help:      "Requests currently being processed.",
	})

	// queueOutcomes labels: completed, failed, timed_out, cancelled, rejected.
	queueOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "portfolio_chat",
		Subsystem: "queue",
		Name:      "outcomes_total",
		Help:      "Final request outcomes.",
	}, []string{"outcome"})

	queueWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "portfolio_chat",
		Subsystem: "queue",
		Name:      "wait_duration_seconds",
		Help:      "Time spent waiting for a processing slot.",
		Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
	})

	queueProcessDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "portfolio_chat",
		Subsystem: "queue",
		Name:      "process_duration_seconds",
		Help:      "Time spent in the request processor.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	})
)
