// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extract

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
	tracer = otel.Tracer("drupalls.extract")
	meter  = otel.Meter("drupalls.extract")
)

var (
	extractLatency metric.Float64Histogram
	extractTotal   metric.Int64Counter
	factsExtracted metric.Int64Histogram
	extractErrors  metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		extractLatency, err = meter.Float64Histogram(
			"drupalls_extract_duration_seconds",
			metric.WithDescription("Duration of fact extraction"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		extractTotal, err = meter.Int64Counter(
			"drupalls_extract_total",
			metric.WithDescription("Total number of extractor runs"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		factsExtracted, err = meter.Int64Histogram(
			"drupalls_extract_facts",
			metric.WithDescription("Number of facts produced per extractor run"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		extractErrors, err = meter.Int64Counter(
			"drupalls_extract_errors_total",
			metric.WithDescription("Total number of failed extractor runs"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordExtractMetrics records one extractor run.
func recordExtractMetrics(ctx context.Context, extractor string, duration time.Duration, factCount int, success bool) {
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("extractor", extractor),
		attribute.Bool("success", success),
	)
	extractLatency.Record(ctx, duration.Seconds(), attrs)
	extractTotal.Add(ctx, 1, attrs)

	byName := metric.WithAttributes(attribute.String("extractor", extractor))
	if success {
		factsExtracted.Record(ctx, int64(factCount), byName)
	} else {
		extractErrors.Add(ctx, 1, byName)
	}
}

// startExtractSpan creates a span for one extractor run.
//
// Returns:
//   - ctx: Context with span
//   - span: The created span (caller must call span.End())
func startExtractSpan(ctx context.Context, extractor, path string, size int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Extractor.Extract",
		trace.WithAttributes(
			attribute.String("extract.extractor", extractor),
			attribute.String("extract.file", path),
			attribute.Int("extract.content_size", size),
		),
	)
}

func setExtractSpanResult(span trace.Span, factCount int) {
	span.SetAttributes(attribute.Int("extract.fact_count", factCount))
}
