// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package index

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const indexTracerName = "portfolio_chat.index"

var (
	indexInitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "portfolio_chat",
			Subsystem: "index",
			Name:      "init_duration_seconds",
			Help:      "Duration of corpus embedding initialization.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"source", "status"}, // source: "provider" | "cache"
	)

	indexSearchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "portfolio_chat",
			Subsystem: "index",
			Name:      "search_duration_seconds",
			Help:      "Duration of query embedding plus similarity ranking.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
	)

	indexPassagesEmbedded = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "portfolio_chat",
			Subsystem: "index",
			Name:      "passages_embedded_total",
			Help:      "Corpus passages sent to the embedding provider.",
		},
	)

	indexReady = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "portfolio_chat",
			Subsystem: "index",
			Name:      "ready",
			Help:      "1 once corpus embeddings are available.",
		},
	)
)
