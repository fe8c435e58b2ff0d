// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package router

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for router operations.
var (
	tracer = otel.Tracer("aleutian.index.router")
	meter  = otel.Meter("aleutian.index.router")
)

// Metrics for router operations.
var (
	workersConnected   metric.Int64UpDownCounter
	handshakesRejected metric.Int64Counter
	indexRuns          metric.Int64Counter
	indexRunLatency    metric.Float64Histogram
	fileUpdates        metric.Int64Counter
	searchLatency      metric.Float64Histogram
	workerRestarts     metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		workersConnected, err = meter.Int64UpDownCounter(
			"router_workers_connected",
			metric.WithDescription("Number of workers currently bound to a shard"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		handshakesRejected, err = meter.Int64Counter(
			"router_handshakes_rejected_total",
			metric.WithDescription("Total number of rejected worker handshakes"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		indexRuns, err = meter.Int64Counter(
			"router_index_runs_total",
			metric.WithDescription("Total number of workspace index runs"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		indexRunLatency, err = meter.Float64Histogram(
			"router_index_run_duration_seconds",
			metric.WithDescription("Duration of workspace index runs"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		fileUpdates, err = meter.Int64Counter(
			"router_file_updates_total",
			metric.WithDescription("Total number of single-file index updates"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		searchLatency, err = meter.Float64Histogram(
			"router_symbol_search_duration_seconds",
			metric.WithDescription("Duration of workspace symbol searches"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		workerRestarts, err = meter.Int64Counter(
			"router_worker_restarts_total",
			metric.WithDescription("Total number of supervised worker restarts"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordWorkerConnected adjusts the connected worker gauge.
func recordWorkerConnected(ctx context.Context, delta int64) {
	if err := initMetrics(); err != nil {
		return
	}
	workersConnected.Add(ctx, delta)
}

// recordHandshakeRejected records a rejected handshake by reason code.
func recordHandshakeRejected(ctx context.Context, code string) {
	if err := initMetrics(); err != nil {
		return
	}
	handshakesRejected.Add(ctx, 1,
		metric.WithAttributes(attribute.String("code", code)),
	)
}

// recordIndexRun records a completed or failed workspace index run.
func recordIndexRun(ctx context.Context, duration time.Duration, ok bool) {
	if err := initMetrics(); err != nil {
		return
	}
	indexRuns.Add(ctx, 1,
		metric.WithAttributes(attribute.Bool("ok", ok)),
	)
	indexRunLatency.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.Bool("ok", ok)),
	)
}

// recordFileUpdate records a single-file update routed to a shard.
func recordFileUpdate(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	fileUpdates.Add(ctx, 1)
}

// recordSearchLatency records the latency of a workspace symbol search.
func recordSearchLatency(ctx context.Context, duration time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	searchLatency.Record(ctx, duration.Seconds())
}

// recordWorkerRestart records a supervised worker restart for a shard.
func recordWorkerRestart(ctx context.Context, shard uint32) {
	if err := initMetrics(); err != nil {
		return
	}
	workerRestarts.Add(ctx, 1,
		metric.WithAttributes(attribute.Int("shard", int(shard))),
	)
}

// startRouterSpan creates a span for a router operation.
func startRouterSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Router."+operation,
		trace.WithAttributes(
			attribute.String("router.operation", operation),
		),
	)
}
