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
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/portfolio-chat/services/llm"
)

// readinessTimeout bounds the store ping in /readyz.
const readinessTimeout = 2 * time.Second

// HandleHealth handles GET /healthz. It only reports that the process is
// serving.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// HandleReady handles GET /readyz.
//
// Description:
//
//	Ready means the similarity index holds corpus vectors and the
//	rate-limit store answers a ping. A not-yet-initialized index makes the
//	service unready even though chat requests would still initialize it
//	lazily.
//
// Response:
//
//	200 OK: all checks pass
//	503 Service Unavailable: at least one check failed
func (h *Handlers) HandleReady(c *gin.Context) {
	checks := make(map[string]string, 2)
	ready := true

	if h.readiness != nil {
		if h.readiness.Initialized() {
			checks["index"] = "ok"
		} else {
			checks["index"] = "initializing"
			ready = false
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
	defer cancel()
	if err := h.limiter.Ping(ctx); err != nil {
		h.logger.Warn("Rate limit store unreachable", slog.String("error", llm.SafeLogString(err.Error())))
		checks["rate_limit_store"] = "unreachable"
		ready = false
	} else {
		checks["rate_limit_store"] = "ok"
	}

	if !ready {
		c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Checks: checks})
		return
	}
	c.JSON(http.StatusOK, HealthResponse{Status: "ok", Checks: checks})
}
