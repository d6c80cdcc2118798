// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package drupalls assembles one opened Drupal workspace: the index, class
// resolution, capabilities, the watcher and the persisted snapshot.
package drupalls

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/DrupalLS/services/drupalls/capability"
	"github.com/AleutianAI/DrupalLS/services/drupalls/config"
	"github.com/AleutianAI/DrupalLS/services/drupalls/extract"
	"github.com/AleutianAI/DrupalLS/services/drupalls/lsp"
	"github.com/AleutianAI/DrupalLS/services/drupalls/resolve"
	badgerstore "github.com/AleutianAI/DrupalLS/services/drupalls/storage/badger"
	"github.com/AleutianAI/DrupalLS/services/drupalls/watch"
	"github.com/AleutianAI/DrupalLS/services/drupalls/workspace"
)

// IndexStats summarizes Session.Index.
type IndexStats struct {
	// Restore is the snapshot restore, zero when no snapshot was used.
	Restore badgerstore.RestoreStats `json:"restore"`

	// RestoreSkipped explains why no snapshot was used, or is empty.
	RestoreSkipped string `json:"restore_skipped,omitempty"`

	Scan     watch.ScanStats `json:"scan"`
	Duration time.Duration   `json:"duration"`
}

// SessionOption configures a Session.
type SessionOption func(*sessionOptions)

type sessionOptions struct {
	logger   *slog.Logger
	reporter workspace.Reporter
}

// WithLogger sets the session logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) SessionOption {
	return func(o *sessionOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithReporter sets where parse diagnostics go.
func WithReporter(r workspace.Reporter) SessionOption {
	return func(o *sessionOptions) { o.reporter = r }
}

// Session is one opened workspace.
//
// Description:
//
//	Owns every per-workspace component. Nothing is global, so several
//	sessions can coexist in one process (tests do this).
//
// Thread Safety:
//
//	Safe for concurrent use after Open returns.
type Session struct {
	cfg      config.Config
	logger   *slog.Logger
	registry *extract.Registry

	resolver *resolve.Resolver
	index    *workspace.Coordinator
	caps     *capability.Resolver
	scanner  *watch.Scanner

	db        *badgerstore.DB
	snapshots *badgerstore.SnapshotStore

	mu      sync.Mutex
	watcher *watch.Watcher

	// docMu serializes editor document updates with watcher deliveries so
	// an open buffer is never overwritten by disk content.
	docMu sync.Mutex
	open  map[string][]byte

	closeOnce sync.Once
	closeErr  error
}

// Open creates the components for cfg.Workspace.Root.
//
// Description:
//
//	Builds the resolver, the index coordinator and the capability
//	resolver, and opens the snapshot database when snapshots are enabled.
//	The index is empty until Build is called.
//
// Outputs:
//
//	*Session - The session. Close it when done.
//	error - resolve.ErrInvalidRoot (wrapped) or a snapshot open error.
func Open(cfg config.Config, opts ...SessionOption) (*Session, error) {
	o := sessionOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	resolver, err := resolve.New(cfg.ResolveConfig(), resolve.WithLogger(o.logger))
	if err != nil {
		return nil, fmt.Errorf("open workspace: %w", err)
	}
	root := resolver.Root()
	cfg.Workspace.Root = root

	registry := extract.DefaultRegistry()
	wsOpts := []workspace.Option{workspace.WithLogger(o.logger)}
	if o.reporter != nil {
		wsOpts = append(wsOpts, workspace.WithReporter(o.reporter))
	}
	index := workspace.New(root, registry, resolver, wsOpts...)

	s := &Session{
		cfg:      cfg,
		logger:   o.logger.With(slog.String("workspace_id", index.ID().String())),
		registry: registry,
		resolver: resolver,
		index:    index,
		caps: capability.NewResolver(index, nil,
			capability.WithLogger(o.logger),
			capability.WithMaxResults(cfg.Completion.MaxResults),
		),
		scanner: watch.NewScanner(append(cfg.ScannerOptions(), watch.WithScanLogger(o.logger))...),
		open:    make(map[string][]byte),
	}

	if cfg.Snapshot.Enabled {
		dbCfg := badgerstore.DefaultConfig(cfg.SnapshotPath())
		dbCfg.GCInterval = cfg.Snapshot.GCInterval
		dbCfg.Logger = o.logger
		db, err := badgerstore.OpenDB(dbCfg)
		if err != nil {
			_ = index.Close()
			return nil, fmt.Errorf("open snapshot: %w", err)
		}
		s.db = db
		s.snapshots = badgerstore.NewSnapshotStore(db, o.logger)
	}

	s.logger.Info("workspace opened", slog.String("root", root), slog.Bool("snapshot", cfg.Snapshot.Enabled))
	return s, nil
}

// Root returns the absolute workspace root.
func (s *Session) Root() string { return s.index.Root() }

// Index returns the index coordinator.
func (s *Session) Index() *workspace.Coordinator { return s.index }

// Resolver returns the class resolver.
func (s *Session) Resolver() *resolve.Resolver { return s.resolver }

// Build fills the index.
//
// Description:
//
//	Restores the persisted snapshot when one matches this root and
//	extractor version, then scans the workspace. Files restored from the
//	snapshot with unchanged content are fingerprint no-ops during the
//	scan, so only new and changed files are extracted. An unusable
//	snapshot is logged and ignored.
//
// Outputs:
//
//	IndexStats - Restore and scan counters.
//	error - Context errors or watch.ErrRootInaccessible (wrapped).
func (s *Session) Build(ctx context.Context) (IndexStats, error) {
	start := time.Now()
	var stats IndexStats

	if s.snapshots != nil {
		rs, err := s.snapshots.Restore(ctx, s.registry.VersionTag(), s.Root(), s.index, nil)
		switch {
		case err == nil:
			stats.Restore = rs
		case errors.Is(err, badgerstore.ErrNoSnapshot), errors.Is(err, badgerstore.ErrVersionMismatch):
			stats.RestoreSkipped = err.Error()
			s.logger.Info("snapshot not used", slog.String("reason", err.Error()))
		case ctx.Err() != nil:
			return stats, ctx.Err()
		default:
			stats.RestoreSkipped = err.Error()
			s.logger.Warn("snapshot restore failed", slog.String("error", err.Error()))
		}
	} else {
		stats.RestoreSkipped = "snapshots disabled"
	}

	scan, err := s.scanner.Scan(ctx, s.Root(), s.index)
	stats.Scan = scan
	stats.Duration = time.Since(start)
	if err != nil {
		return stats, err
	}

	s.logger.Info("workspace indexed",
		slog.Int("restored", stats.Restore.Restored),
		slog.Int("files", scan.Files),
		slog.Int("applied", scan.Applied),
		slog.Int("failed", scan.Failed),
		slog.Duration("duration", stats.Duration),
	)
	return stats, nil
}

// Watch starts the file watcher, when enabled in the configuration.
// Calling Watch again is a no-op.
func (s *Session) Watch(ctx context.Context) error {
	if !s.cfg.Watcher.Enabled {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		return nil
	}

	opts := s.cfg.WatcherOptions()
	opts.Logger = s.logger
	w, err := watch.NewWatcher(s.Root(), watchSink{s: s}, &opts)
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	s.watcher = w
	return nil
}

// SaveSnapshot persists the current index. A no-op when snapshots are
// disabled.
func (s *Session) SaveSnapshot(ctx context.Context) error {
	if s.snapshots == nil {
		return nil
	}
	files := s.index.Export()
	if err := s.snapshots.Save(ctx, s.registry.VersionTag(), s.Root(), files); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	s.logger.Info("snapshot saved", slog.Int("files", len(files)))
	return nil
}

// Close stops the watcher, saves the snapshot and releases everything.
// Safe to call multiple times.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.watcher != nil {
			s.watcher.Stop()
			s.watcher = nil
		}
		s.mu.Unlock()

		var errs []error
		if err := s.SaveSnapshot(context.Background()); err != nil {
			errs = append(errs, err)
		}
		if err := s.index.Close(); err != nil {
			errs = append(errs, err)
		}
		if s.db != nil {
			if err := s.db.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// =============================================================================
// lsp.Backend
// =============================================================================

var _ lsp.Backend = (*Session)(nil)

// DocumentChanged indexes an editor buffer. Files no extractor handles
// are ignored. Until the document is closed, watcher deliveries for path
// are skipped.
func (s *Session) DocumentChanged(ctx context.Context, path string, text []byte) error {
	if !s.index.Handles(path) {
		return nil
	}
	path = filepath.Clean(path)

	s.docMu.Lock()
	defer s.docMu.Unlock()
	s.open[path] = slices.Clone(text)
	return s.index.ApplyChange(ctx, path, text)
}

// DocumentClosed re-reads path from disk, since the closed buffer may have
// held unsaved edits.
func (s *Session) DocumentClosed(ctx context.Context, path string) error {
	if !s.index.Handles(path) {
		return nil
	}
	path = filepath.Clean(path)

	s.docMu.Lock()
	defer s.docMu.Unlock()
	delete(s.open, path)
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return s.index.ApplyDelete(ctx, path)
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	return s.index.ApplyChange(ctx, path, content)
}

// Complete implements lsp.Backend.
func (s *Session) Complete(ctx context.Context, q capability.Query) capability.CompletionResult {
	return s.caps.Complete(ctx, q, 0)
}

// Hover implements lsp.Backend.
func (s *Session) Hover(ctx context.Context, q capability.Query) (capability.Hover, bool) {
	return s.caps.Hover(ctx, q)
}

// Definition implements lsp.Backend.
func (s *Session) Definition(ctx context.Context, q capability.Query) (capability.Location, bool) {
	return s.caps.Definition(ctx, q)
}

// Factory returns an lsp.Factory that opens, builds and watches a session
// for the root the client sends. loadConfig is called with that root, so a
// .drupalls.yaml in the client's workspace is honored.
func Factory(loadConfig func(root string) (config.Config, error), logger *slog.Logger) lsp.Factory {
	return func(ctx context.Context, root string, publisher lsp.Publisher) (lsp.Backend, error) {
		cfg, err := loadConfig(root)
		if err != nil {
			return nil, err
		}
		s, err := Open(cfg, WithLogger(logger), WithReporter(workspace.ReporterFunc(publisher.Publish)))
		if err != nil {
			return nil, err
		}
		if _, err := s.Build(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		if err := s.Watch(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("watcher unavailable, relying on editor notifications", slog.String("error", err.Error()))
		}
		return s, nil
	}
}

// =============================================================================
// Watcher sink
// =============================================================================

// watchSink forwards watcher deliveries to the index, except for documents
// open in the editor: their buffer wins until they are closed.
type watchSink struct {
	s *Session
}

func (w watchSink) Handles(path string) bool {
	return w.s.index.Handles(path)
}

func (w watchSink) NotifyChanged(ctx context.Context, path string, content []byte) error {
	path = filepath.Clean(path)

	w.s.docMu.Lock()
	defer w.s.docMu.Unlock()
	if _, open := w.s.open[path]; open {
		w.s.logger.Debug("disk change ignored, document is open", slog.String("path", path))
		return nil
	}
	return w.s.index.NotifyChanged(ctx, path, content)
}

// NotifyDeleted removes path. Open documents at or below a deleted
// directory are re-applied from their buffers afterwards.
func (w watchSink) NotifyDeleted(ctx context.Context, path string) error {
	path = filepath.Clean(path)

	w.s.docMu.Lock()
	defer w.s.docMu.Unlock()
	if _, open := w.s.open[path]; open {
		w.s.logger.Debug("disk delete ignored, document is open", slog.String("path", path))
		return nil
	}
	if err := w.s.index.NotifyDeleted(ctx, path); err != nil {
		return err
	}
	prefix := path + string(filepath.Separator)
	for p, text := range w.s.open {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		if err := w.s.index.ApplyChange(ctx, p, text); err != nil {
			return err
		}
	}
	return nil
}
