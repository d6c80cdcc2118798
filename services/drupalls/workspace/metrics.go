// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workspace

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("drupalls.workspace")
	meter  = otel.Meter("drupalls.workspace")
)

var (
	applyLatency      metric.Float64Histogram
	applyTotal        metric.Int64Counter
	parseFailureCount metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		applyLatency, err = meter.Float64Histogram(
			"drupalls_workspace_apply_duration_seconds",
			metric.WithDescription("Duration of file change and delete application"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		applyTotal, err = meter.Int64Counter(
			"drupalls_workspace_apply_total",
			metric.WithDescription("Total file updates by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		parseFailureCount, err = meter.Int64Counter(
			"drupalls_workspace_parse_failures_total",
			metric.WithDescription("Extractor failures that kept previous facts"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordApplyMetrics records one change or delete. outcome is one of
// applied, partial, noop or deleted.
func recordApplyMetrics(ctx context.Context, outcome string, duration time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	applyLatency.Record(ctx, duration.Seconds(), attrs)
	applyTotal.Add(ctx, 1, attrs)
}

func recordParseFailure(ctx context.Context, extractor string) {
	if err := initMetrics(); err != nil {
		return
	}
	parseFailureCount.Add(ctx, 1, metric.WithAttributes(attribute.String("extractor", extractor)))
}

func startApplySpan(ctx context.Context, name, path string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attribute.String("workspace.file", path)),
	)
}
