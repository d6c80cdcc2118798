// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/DrupalLS/services/drupalls"
	"github.com/AleutianAI/DrupalLS/services/drupalls/config"
	"github.com/AleutianAI/DrupalLS/services/drupalls/debugapi"
	"github.com/AleutianAI/DrupalLS/services/drupalls/lsp"
	"github.com/AleutianAI/DrupalLS/services/drupalls/telemetry"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var root string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the language server over stdin/stdout",
		Long: `Run the language server over stdin/stdout.

The workspace root comes from the client's initialize request. --root is
used only when the client sends none, and to locate the configuration
file read at startup for logging and telemetry.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if root == "" {
				wd, err := rootArg(nil)
				if err != nil {
					return err
				}
				root = wd
			}
			return runServe(cmd.Context(), opts, root)
		},
	}
	cmd.Flags().StringVar(&root, "root", "", "fallback workspace root (default the working directory)")
	return cmd
}

// trackedSession clears the current-session pointer when the LSP server
// closes the backend, so the debug API stops serving a closed index.
type trackedSession struct {
	*drupalls.Session
	current *atomic.Pointer[drupalls.Session]
}

func (t trackedSession) Close() error {
	t.current.CompareAndSwap(t.Session, nil)
	return t.Session.Close()
}

func runServe(parent context.Context, opts *rootOptions, root string) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := opts.loadConfig(root)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := initTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	var current atomic.Pointer[drupalls.Session]
	base := drupalls.Factory(func(clientRoot string) (config.Config, error) {
		return opts.loadConfig(clientRoot)
	}, logger.Slog())
	factory := func(ctx context.Context, root string, publisher lsp.Publisher) (lsp.Backend, error) {
		backend, err := base(ctx, root, publisher)
		if err != nil {
			return nil, err
		}
		s, ok := backend.(*drupalls.Session)
		if !ok {
			return backend, nil
		}
		current.Store(s)
		return trackedSession{Session: s, current: &current}, nil
	}

	server := lsp.NewServer(lsp.NewConn(os.Stdin, os.Stdout), factory,
		lsp.WithLogger(logger.Slog()),
		lsp.WithDefaultRoot(cfg.Workspace.Root),
		lsp.WithVersion(version),
	)

	// ReadMessage blocks on stdin; closing it is the only way to unblock
	// the loop on a signal.
	stopStdin := context.AfterFunc(ctx, func() { _ = os.Stdin.Close() })
	defer stopStdin()

	serveCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(serveCtx)
	g.Go(func() error {
		defer cancel()
		err := server.Serve(gctx)
		if ctx.Err() != nil {
			logger.Info("interrupted, shutting down")
			return nil
		}
		return err
	})

	if cfg.Debug.Addr != "" {
		if cfg.Logging.Level != "debug" {
			gin.SetMode(gin.ReleaseMode)
		}
		handlers := debugapi.NewHandlers(func() debugapi.Index {
			if s := current.Load(); s != nil {
				return s.Index()
			}
			return nil
		}, version)
		debugServer := debugapi.NewServer(cfg.Debug.Addr, debugapi.NewRouter(handlers), logger.Slog())
		g.Go(func() error {
			if err := debugServer.Run(gctx); err != nil {
				logger.Error("debug api stopped", "error", err)
			}
			return nil
		})
	}

	err = g.Wait()
	if errors.Is(err, lsp.ErrExitWithoutShutdown) {
		logger.Warn("client exited without shutdown")
	}
	return err
}

// initTelemetry maps the telemetry section onto telemetry.Config.
// Exporter output never goes to stdout.
func initTelemetry(ctx context.Context, tc config.TelemetryConfig) (func(context.Context) error, error) {
	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceVersion = version
	tcfg.TraceExporter = tc.Traces
	tcfg.MetricExporter = tc.Metrics
	if tc.OTLPEndpoint != "" {
		tcfg.OTLPEndpoint = tc.OTLPEndpoint
	}
	tcfg.Writer = os.Stderr
	return telemetry.Init(ctx, tcfg)
}
