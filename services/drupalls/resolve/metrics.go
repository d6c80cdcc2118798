// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resolve

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("drupalls.resolve")

var (
	resolveCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drupalls_resolve_cache_hits_total",
		Help: "Class resolutions served from the validated cache",
	})

	resolveCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drupalls_resolve_cache_misses_total",
		Help: "Class resolutions that required a filesystem search",
	})

	resolveStaleEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drupalls_resolve_stale_evictions_total",
		Help: "Cached class locations evicted because the file no longer exists",
	})

	resolveSearchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "drupalls_resolve_search_duration_seconds",
		Help:    "Time spent in bounded PSR-4 searches",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})

	resolveVisitedDirs = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "drupalls_resolve_visited_dirs",
		Help:    "Directories listed per PSR-4 search",
		Buckets: []float64{0, 1, 10, 50, 100, 500, 1000, 5000},
	})
)
