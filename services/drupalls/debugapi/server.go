// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package debugapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/DrupalLS/services/drupalls/telemetry"
)

// shutdownTimeout bounds graceful shutdown of the HTTP server.
const shutdownTimeout = 5 * time.Second

// RegisterRoutes registers the /drupalls endpoints on rg.
//
// Endpoints:
//
//	GET /v1/drupalls/health        - Liveness and readiness
//	GET /v1/drupalls/stats         - Index statistics
//	GET /v1/drupalls/supersessions - Shadowed declarations (?kind=)
//	GET /v1/drupalls/facts         - Fact search (?kind=&q=&limit=)
//	GET /v1/drupalls/resolve       - PSR-4 class resolution (?fqcn=)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	drupalls := rg.Group("/drupalls")
	{
		drupalls.GET("/health", handlers.HandleHealth)
		drupalls.GET("/stats", handlers.HandleStats)
		drupalls.GET("/supersessions", handlers.HandleSupersessions)
		drupalls.GET("/facts", handlers.HandleFacts)
		drupalls.GET("/resolve", handlers.HandleResolve)
	}
}

// NewRouter builds the debug API engine with tracing and request IDs.
// /metrics is mounted when the Prometheus exporter is installed.
func NewRouter(handlers *Handlers) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("drupalls-debug"))
	router.Use(func(c *gin.Context) {
		c.Header(requestIDHeader, requestID(c))
		c.Next()
	})

	RegisterRoutes(router.Group("/v1"), handlers)

	if h := telemetry.MetricsHandler(); h != nil {
		router.GET("/metrics", gin.WrapH(h))
	}
	return router
}

// Server runs the debug API.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer creates a server for addr (host:port).
func NewServer(addr string, handler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Run listens and serves until ctx is canceled, then shuts down
// gracefully.
//
// Outputs:
//
//	error - Listen errors, or nil after a clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("debug api listen %s: %w", s.srv.Addr, err)
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("debug api listening", slog.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("debug api: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("debug api shutdown: %w", err)
	}
	s.logger.Info("debug api stopped")
	return nil
}
