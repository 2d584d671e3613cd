// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the node's OpenTelemetry instruments.
//
// Description:
//
//	All instruments use the "docnode_" prefix. Storage call metrics live
//	with the storage package as promauto collectors and share the default
//	prometheus registry with these.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// --- HTTP Metrics ---

	// HTTPRequestsTotal counts requests by method, route and status.
	HTTPRequestsTotal metric.Int64Counter

	// HTTPRequestDuration records request latency in seconds.
	HTTPRequestDuration metric.Float64Histogram

	// HTTPActiveRequests tracks in-flight requests.
	HTTPActiveRequests metric.Int64UpDownCounter

	// --- Document Metrics ---

	// OperationsPublishedTotal counts publish attempts by action and status.
	OperationsPublishedTotal metric.Int64Counter

	// MaterializationsTotal counts document materializations by status.
	MaterializationsTotal metric.Int64Counter

	// MaterializationDuration records materialization latency in seconds.
	MaterializationDuration metric.Float64Histogram

	// CollectionQueriesTotal counts collection queries by status.
	CollectionQueriesTotal metric.Int64Counter

	// --- Error Metrics ---

	// ErrorsTotal counts errors by component and kind.
	ErrorsTotal metric.Int64Counter
}

// NewMetrics registers every instrument on meter.
//
// Inputs:
//
//	meter - The meter, usually otel.Meter("docnode").
//
// Outputs:
//
//	*Metrics - The instruments.
//	error - Non-nil if any registration fails.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	// --- HTTP Metrics ---
	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"docnode_http_requests_total",
		metric.WithDescription("Total HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_requests_total: %w", err)
	}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"docnode_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_request_duration: %w", err)
	}

	m.HTTPActiveRequests, err = meter.Int64UpDownCounter(
		"docnode_http_active_requests",
		metric.WithDescription("Currently active HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_active_requests: %w", err)
	}

	// --- Document Metrics ---
	m.OperationsPublishedTotal, err = meter.Int64Counter(
		"docnode_operations_published_total",
		metric.WithDescription("Total publish attempts"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create operations_published_total: %w", err)
	}

	m.MaterializationsTotal, err = meter.Int64Counter(
		"docnode_materializations_total",
		metric.WithDescription("Total document materializations"),
		metric.WithUnit("{document}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create materializations_total: %w", err)
	}

	m.MaterializationDuration, err = meter.Float64Histogram(
		"docnode_materialization_duration_seconds",
		metric.WithDescription("Document materialization duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1),
	)
	if err != nil {
		return nil, fmt.Errorf("create materialization_duration: %w", err)
	}

	m.CollectionQueriesTotal, err = meter.Int64Counter(
		"docnode_collection_queries_total",
		metric.WithDescription("Total collection queries"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create collection_queries_total: %w", err)
	}

	// --- Error Metrics ---
	m.ErrorsTotal, err = meter.Int64Counter(
		"docnode_errors_total",
		metric.WithDescription("Total errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create errors_total: %w", err)
	}

	return m, nil
}

// RecordMaterialization records one materialization outcome. Nil m is a
// no-op.
func (m *Metrics) RecordMaterialization(ctx context.Context, start time.Time, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status(err)))
	m.MaterializationsTotal.Add(ctx, 1, attrs)
	m.MaterializationDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	if err != nil {
		m.ErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("component", "materializer")))
	}
}

// RecordPublish records one publish outcome. Nil m is a no-op.
func (m *Metrics) RecordPublish(ctx context.Context, action string, err error) {
	if m == nil {
		return
	}
	m.OperationsPublishedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("status", status(err)),
	))
	if err != nil {
		m.ErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("component", "publish")))
	}
}

// RecordQuery records one collection query outcome. Nil m is a no-op.
func (m *Metrics) RecordQuery(ctx context.Context, err error) {
	if m == nil {
		return
	}
	m.CollectionQueriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status(err))))
	if err != nil {
		m.ErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("component", "executor")))
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
