// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package watch

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("drupalls.watch")
	meter  = otel.Meter("drupalls.watch")
)

var (
	scanDuration   metric.Float64Histogram
	scanFiles      metric.Int64Counter
	deliveries     metric.Int64Counter
	droppedEvents  metric.Int64Counter
	fsnotifyErrors metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		scanDuration, err = meter.Float64Histogram(
			"drupalls_watch_scan_duration_seconds",
			metric.WithDescription("Duration of initial workspace scans"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		scanFiles, err = meter.Int64Counter(
			"drupalls_watch_scan_files_total",
			metric.WithDescription("Files seen by workspace scans by result"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		deliveries, err = meter.Int64Counter(
			"drupalls_watch_deliveries_total",
			metric.WithDescription("Watcher notifications delivered to the index"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		droppedEvents, err = meter.Int64Counter(
			"drupalls_watch_dropped_events_total",
			metric.WithDescription("Events dropped because the change buffer was full"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		fsnotifyErrors, err = meter.Int64Counter(
			"drupalls_watch_errors_total",
			metric.WithDescription("Errors reported by fsnotify"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordScanMetrics(ctx context.Context, stats ScanStats) {
	if err := initMetrics(); err != nil {
		return
	}
	scanDuration.Record(ctx, stats.Duration.Seconds())
	scanFiles.Add(ctx, int64(stats.Applied), metric.WithAttributes(attribute.String("result", "applied")))
	scanFiles.Add(ctx, int64(stats.Skipped), metric.WithAttributes(attribute.String("result", "skipped")))
	scanFiles.Add(ctx, int64(stats.Failed), metric.WithAttributes(attribute.String("result", "failed")))
}

func recordDelivery(ctx context.Context, kind string) {
	if err := initMetrics(); err != nil {
		return
	}
	deliveries.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func recordDroppedEvent(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	droppedEvents.Add(ctx, 1)
}

func recordWatchError(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	fsnotifyErrors.Add(ctx, 1)
}

func startScanSpan(ctx context.Context, root string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Scanner.Scan",
		trace.WithAttributes(attribute.String("watch.root", root)),
	)
}
