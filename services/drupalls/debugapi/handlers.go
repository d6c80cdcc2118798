// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package debugapi exposes a running DrupalLS index over HTTP for
// inspection: health, index statistics, shadowed declarations, fact
// search, class resolution and Prometheus metrics.
package debugapi

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/DrupalLS/services/drupalls/facts"
	"github.com/AleutianAI/DrupalLS/services/drupalls/resolve"
	"github.com/AleutianAI/DrupalLS/services/drupalls/workspace"
)

const (
	// requestIDHeader carries the request ID in and out.
	requestIDHeader = "X-Request-ID"

	defaultSearchLimit = 20
	maxSearchLimit     = 500
)

// Index is the part of a workspace the API reads.
//
// *workspace.Coordinator implements it.
type Index interface {
	Stats() workspace.Stats
	Read(fn func(workspace.Snapshot))
	ResolveClassLocation(ctx context.Context, fqcn string) (resolve.Location, bool)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`

	// Ready is false until a workspace has been opened.
	Ready bool `json:"ready"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// SupersessionsResponse is the body of GET /supersessions.
type SupersessionsResponse struct {
	Supersessions []facts.Supersession `json:"supersessions"`
}

// FactsResponse is the body of GET /facts.
type FactsResponse struct {
	Kind  facts.Kind   `json:"kind"`
	Query string       `json:"query"`
	Facts []facts.Fact `json:"facts"`
}

// Handlers serves the debug endpoints.
//
// Thread Safety: Safe for concurrent use.
type Handlers struct {
	index   func() Index
	version string
}

// NewHandlers creates handlers reading from index. index may return nil
// while no workspace is open; data endpoints then answer 503.
func NewHandlers(index func() Index, version string) *Handlers {
	return &Handlers{index: index, version: version}
}

// requireIndex returns the index or writes 503.
func (h *Handlers) requireIndex(c *gin.Context) (Index, bool) {
	idx := h.index()
	if idx == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "no workspace is open yet",
			Code:  "NOT_READY",
		})
		return nil, false
	}
	return idx, true
}

// HandleHealth handles GET /v1/drupalls/health.
//
// Response:
//
//	200 OK: HealthResponse
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Ready:   h.index() != nil,
	})
}

// HandleStats handles GET /v1/drupalls/stats.
//
// Response:
//
//	200 OK: workspace.Stats
//	503 Service Unavailable: no workspace open
func (h *Handlers) HandleStats(c *gin.Context) {
	idx, ok := h.requireIndex(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, idx.Stats())
}

// HandleSupersessions handles GET /v1/drupalls/supersessions.
//
// Query Parameters:
//
//	kind: Fact kind (optional). All kinds when absent.
//
// Response:
//
//	200 OK: SupersessionsResponse, oldest first within each kind
//	503 Service Unavailable: no workspace open
func (h *Handlers) HandleSupersessions(c *gin.Context) {
	idx, ok := h.requireIndex(c)
	if !ok {
		return
	}
	kind := facts.Kind(c.Query("kind"))

	resp := SupersessionsResponse{Supersessions: []facts.Supersession{}}
	idx.Read(func(snap workspace.Snapshot) {
		kinds := []facts.Kind{kind}
		if kind == "" {
			kinds = snap.Kinds()
			sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
		}
		for _, k := range kinds {
			resp.Supersessions = append(resp.Supersessions, snap.Supersessions(k)...)
		}
	})
	c.JSON(http.StatusOK, resp)
}

// HandleFacts handles GET /v1/drupalls/facts.
//
// Query Parameters:
//
//	kind: Fact kind (required).
//	q: Search text (optional). Empty lists every fact in insertion order.
//	limit: Maximum results, 1 to 500 (default 20).
//
// Response:
//
//	200 OK: FactsResponse
//	400 Bad Request: missing kind or bad limit
//	503 Service Unavailable: no workspace open
func (h *Handlers) HandleFacts(c *gin.Context) {
	logger := requestLogger(c, "HandleFacts")

	kind := facts.Kind(c.Query("kind"))
	if kind == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "kind parameter is required", Code: "MISSING_PARAMETER"})
		return
	}
	limit := defaultSearchLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxSearchLimit {
			logger.Warn("bad limit", slog.String("limit", raw))
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be between 1 and 500", Code: "INVALID_PARAMETER"})
			return
		}
		limit = n
	}

	idx, ok := h.requireIndex(c)
	if !ok {
		return
	}
	resp := FactsResponse{Kind: kind, Query: c.Query("q")}
	idx.Read(func(snap workspace.Snapshot) {
		resp.Facts = snap.Search(kind, resp.Query, limit)
	})
	c.JSON(http.StatusOK, resp)
}

// HandleResolve handles GET /v1/drupalls/resolve.
//
// Query Parameters:
//
//	fqcn: Fully qualified class name (required).
//
// Response:
//
//	200 OK: resolve.Location
//	400 Bad Request: missing fqcn
//	404 Not Found: class not resolvable
//	503 Service Unavailable: no workspace open
func (h *Handlers) HandleResolve(c *gin.Context) {
	logger := requestLogger(c, "HandleResolve")

	fqcn := c.Query("fqcn")
	if fqcn == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "fqcn parameter is required", Code: "MISSING_PARAMETER"})
		return
	}
	idx, ok := h.requireIndex(c)
	if !ok {
		return
	}

	loc, found := idx.ResolveClassLocation(c.Request.Context(), fqcn)
	if !found {
		logger.Info("class not resolved", slog.String("fqcn", fqcn))
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "class not found: " + fqcn, Code: "NOT_FOUND"})
		return
	}
	c.JSON(http.StatusOK, loc)
}

// requestID returns the request's ID, assigning one when the client sent
// none.
func requestID(c *gin.Context) string {
	if id, ok := c.Get(requestIDHeader); ok {
		if s, ok := id.(string); ok {
			return s
		}
	}
	id := c.GetHeader(requestIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	c.Set(requestIDHeader, id)
	return id
}

func requestLogger(c *gin.Context, handler string) *slog.Logger {
	return slog.With(slog.String("request_id", requestID(c)), slog.String("handler", handler))
}
