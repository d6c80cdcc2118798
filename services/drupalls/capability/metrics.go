// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package capability

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
	tracer = otel.Tracer("drupalls.capability")
	meter  = otel.Meter("drupalls.capability")
)

var (
	queryLatency metric.Float64Histogram
	queryTotal   metric.Int64Counter
	queryResults metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		queryLatency, err = meter.Float64Histogram(
			"drupalls_capability_query_duration_seconds",
			metric.WithDescription("Duration of completion, hover and definition queries"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		queryTotal, err = meter.Int64Counter(
			"drupalls_capability_queries_total",
			metric.WithDescription("Total queries by type and outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		queryResults, err = meter.Int64Histogram(
			"drupalls_capability_completion_items",
			metric.WithDescription("Completion items returned per request"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordQueryMetrics records one query.
//
// Parameters:
//   - queryType: completion, hover or definition
//   - outcome: idle, results, found or absent
func recordQueryMetrics(ctx context.Context, queryType, outcome string, duration time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("type", queryType),
		attribute.String("outcome", outcome),
	)
	queryLatency.Record(ctx, duration.Seconds(), attrs)
	queryTotal.Add(ctx, 1, attrs)
}

func startQuerySpan(ctx context.Context, name string, q Query) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(
			attribute.String("capability.uri", q.URI),
			attribute.Int("capability.line", q.Position.Line),
			attribute.Int("capability.character", q.Position.Character),
		),
	)
}

func setQuerySpanResult(span trace.Span, items int) {
	span.SetAttributes(attribute.Int("capability.items", items))
	if err := initMetrics(); err == nil {
		queryResults.Record(context.Background(), int64(items))
	}
}
