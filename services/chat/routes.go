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
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RegisterRoutes registers the chat API with the router.
//
// Endpoints:
//
//	POST /api/chat        - Ask a question (primary route)
//	POST /v1/chat         - Same handler, versioned path
//	GET  /v1/chat/quota   - Caller's remaining daily messages
//	GET  /v1/chat/queue   - Queue depth and in-flight count
//	GET  /healthz         - Liveness
//	GET  /readyz          - Readiness (index + rate-limit store)
//	GET  /metrics         - Prometheus metrics
//
// Example:
//
//	handlers := chat.NewHandlers(limiter, q, idx, chat.HandlersConfig{})
//	router := gin.New()
//	chat.RegisterRoutes(router, handlers)
func RegisterRoutes(r *gin.Engine, handlers *Handlers) {
	r.POST("/api/chat", handlers.HandleChat)

	v1 := r.Group("/v1")
	{
		v1.POST("/chat", handlers.HandleChat)
		v1.GET("/chat/quota", handlers.HandleQuota)
		v1.GET("/chat/queue", handlers.HandleQueueStats)
	}

	r.GET("/healthz", handlers.HandleHealth)
	r.GET("/readyz", handlers.HandleReady)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// NewRouter builds a gin engine with recovery, tracing and request logging
// in front of the chat routes.
func NewRouter(handlers *Handlers, serviceName string, logger *slog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(otelgin.Middleware(serviceName))
	router.Use(RecoveryMiddleware(logger))
	router.Use(RequestLogger(logger))
	RegisterRoutes(router, handlers)
	return router
}
