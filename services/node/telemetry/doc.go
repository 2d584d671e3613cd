// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry wires OpenTelemetry tracing and metrics for the node.
//
// # Description
//
// Init installs the global tracer and meter providers once at startup.
// Components then create spans with StartSpan and record failures with
// RecordError; the HTTP layer records request metrics through Middleware.
//
// # Exporters
//
// Traces go to an OTLP collector or stdout. Metrics go to the default
// Prometheus registry, served by MetricsHandler, or to stdout. Either may
// be disabled with "none", which is what tests use.
package telemetry
