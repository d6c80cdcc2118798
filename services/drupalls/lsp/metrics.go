// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("drupalls.lsp")
	meter  = otel.Meter("drupalls.lsp")
)

var (
	messageLatency   metric.Float64Histogram
	messageTotal     metric.Int64Counter
	diagnosticsTotal metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		messageLatency, err = meter.Float64Histogram(
			"drupalls_lsp_message_duration_seconds",
			metric.WithDescription("Time to handle one LSP message"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		messageTotal, err = meter.Int64Counter(
			"drupalls_lsp_messages_total",
			metric.WithDescription("LSP messages handled by method and outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		diagnosticsTotal, err = meter.Int64Counter(
			"drupalls_lsp_diagnostics_published_total",
			metric.WithDescription("publishDiagnostics notifications sent"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordMessage records one handled message. outcome is "ok" or the
// JSON-RPC error code name.
func recordMessage(ctx context.Context, method, outcome string, d time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("outcome", outcome),
	)
	messageLatency.Record(ctx, d.Seconds(), attrs)
	messageTotal.Add(ctx, 1, attrs)
}

func recordDiagnosticsPublished(ctx context.Context, cleared bool) {
	if err := initMetrics(); err != nil {
		return
	}
	diagnosticsTotal.Add(ctx, 1, metric.WithAttributes(attribute.Bool("cleared", cleared)))
}

func startMessageSpan(ctx context.Context, method string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "lsp."+method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("rpc.method", method)),
	)
}

func endMessageSpan(span trace.Span, rerr *ResponseError) {
	if rerr != nil {
		span.SetAttributes(attribute.Int("rpc.jsonrpc.error_code", rerr.Code))
		span.SetStatus(codes.Error, rerr.Message)
	}
	span.End()
}
