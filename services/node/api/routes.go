// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/docnode/services/node/telemetry"
)

// RegisterRoutes registers all node routes under the given router group.
//
// Description:
//
//	Registers the following endpoints:
//	  GET  /node/health                              - Health check
//	  GET  /node/documents/:document_id              - Latest document view
//	  GET  /node/documents/:document_id/operations   - Operations of a document
//	  POST /node/documents/:document_id/lists/:field - Page a relation list
//	  GET  /node/views/:view_id                      - Specific document view
//	  POST /node/collections/:schema_id              - Query a collection
//	  POST /node/operations                          - Publish an operation
//	  GET  /node/operations/:operation_id            - Stored operation
//
// Inputs:
//
//	rg - The router group to register routes under (e.g., /v1).
//	handlers - The handlers instance.
//	publish - Middleware run before HandlePublish only.
//
// Every node route carries an X-Request-ID response header.
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers, publish ...gin.HandlerFunc) {
	node := rg.Group("/node", RequestID())
	{
		node.GET("/health", handlers.HandleHealth)

		node.GET("/documents/:document_id", handlers.HandleGetDocument)
		node.GET("/documents/:document_id/operations", handlers.HandleListDocumentOperations)
		node.POST("/documents/:document_id/lists/:field", handlers.HandleQueryRelationList)
		node.GET("/views/:view_id", handlers.HandleGetView)

		node.POST("/collections/:schema_id", handlers.HandleQueryCollection)

		node.POST("/operations", append(publish, handlers.HandlePublish)...)
		node.GET("/operations/:operation_id", handlers.HandleGetOperation)
	}
}

// RouterConfig configures NewRouter.
type RouterConfig struct {
	// ServiceName labels server spans.
	ServiceName string

	// Metrics records request metrics. Nil disables them.
	Metrics *telemetry.Metrics

	// PublishPerMinute limits publish requests per client IP. 0 disables it.
	PublishPerMinute int

	// PublishBurst is the per client burst allowance.
	PublishBurst int
}

// NewRouter builds the HTTP engine with recovery, tracing and metrics
// middleware, the /metrics endpoint when a Prometheus exporter is
// active, and every node route under /v1. Publishing is rate limited per
// client when cfg.PublishPerMinute is set.
func NewRouter(handlers *Handlers, cfg RouterConfig) *gin.Engine {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "docnode"
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(telemetry.Middleware(cfg.Metrics))

	if h := telemetry.MetricsHandler(); h != nil {
		router.GET("/metrics", gin.WrapH(h))
	}

	RegisterRoutes(router.Group("/v1"), handlers, RateLimit(cfg.PublishPerMinute, cfg.PublishBurst))
	return router
}
