// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workspace coordinates the fact index of one opened workspace.
//
// The Coordinator owns every fact store and the per-file contribution
// records. It applies file changes and deletions, answers read-only queries
// through short-lived snapshots, and delegates class resolution to the
// resolver.
//
// # Concurrency
//
// Writers are serialized by an update mutex. Extraction runs without the
// index lock; only the final diff is applied under a short write lock, so
// readers observe either the state before or the state after a file's
// update and never a mixture.
package workspace

import (
	"context"
	"log/slog"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/DrupalLS/services/drupalls/extract"
	"github.com/AleutianAI/DrupalLS/services/drupalls/facts"
	"github.com/AleutianAI/DrupalLS/services/drupalls/resolve"
)

// ClassResolver resolves class names to locations and forgets deleted paths.
//
// *resolve.Resolver implements it.
type ClassResolver interface {
	Resolve(ctx context.Context, fqcn string) (resolve.Location, bool)
	InvalidatePath(path string) int
}

// FileContribution records what one file contributed to the index.
type FileContribution struct {
	// Path is the file.
	Path string `json:"path"`

	// Fingerprint is the hash of the last content applied without any
	// extractor failure. Empty while the file has failing extractors.
	Fingerprint string `json:"fingerprint"`

	// Keys lists the keys declared by the file, per kind.
	Keys map[facts.Kind][]string `json:"keys"`

	// Diagnostics is the current diagnostic list of the file.
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`

	// UpdatedAt is when the contribution last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

func (c *FileContribution) clone() *FileContribution {
	out := *c
	out.Keys = make(map[facts.Kind][]string, len(c.Keys))
	for k, v := range c.Keys {
		out.Keys[k] = slices.Clone(v)
	}
	out.Diagnostics = slices.Clone(c.Diagnostics)
	return &out
}

// FileExport is a file's contribution together with its facts, as needed to
// persist and later restore it.
type FileExport struct {
	Path        string       `json:"path"`
	Fingerprint string       `json:"fingerprint"`
	Facts       []facts.Fact `json:"facts"`
}

// Stats summarizes the coordinator state.
type Stats struct {
	WorkspaceID   string                          `json:"workspace_id"`
	Root          string                          `json:"root"`
	Files         int                             `json:"files"`
	FilesInError  int                             `json:"files_in_error"`
	ParseFailures int64                           `json:"parse_failures"`
	Changes       int64                           `json:"changes"`
	Stores        map[facts.Kind]facts.StoreStats `json:"stores"`
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithReporter sets the diagnostics reporter.
func WithReporter(r Reporter) Option {
	return func(c *Coordinator) {
		if r != nil {
			c.reporter = r
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithStoreOptions passes options to every fact store.
func WithStoreOptions(opts ...facts.StoreOption) Option {
	return func(c *Coordinator) {
		c.storeOpts = append(c.storeOpts, opts...)
	}
}

// Coordinator is the index of one workspace.
//
// Description:
//
//	Coordinator is created per opened workspace and closed with Close.
//	There is no global instance. It implements the change sink used by the
//	scanner and the file watcher.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Coordinator struct {
	id        uuid.UUID
	root      string
	registry  *extract.Registry
	resolver  ClassResolver
	reporter  Reporter
	logger    *slog.Logger
	now       func() time.Time
	storeOpts []facts.StoreOption

	// updateMu serializes writers. It is always acquired before mu.
	updateMu sync.Mutex

	mu     sync.RWMutex
	stores map[facts.Kind]*facts.Store
	files  map[string]*FileContribution

	parseFailures atomic.Int64
	changes       atomic.Int64
	closed        atomic.Bool
}

// New creates a Coordinator for the workspace at root.
//
// Inputs:
//
//	root - The workspace root.
//	registry - The extractors to run. Must not be nil.
//	resolver - Class resolver. May be nil, in which case class resolution
//	  always reports absent.
//	opts - Optional configuration.
func New(root string, registry *extract.Registry, resolver ClassResolver, opts ...Option) *Coordinator {
	c := &Coordinator{
		id:       uuid.New(),
		root:     filepath.Clean(root),
		registry: registry,
		resolver: resolver,
		reporter: nopReporter{},
		logger:   slog.Default(),
		now:      time.Now,
		stores:   make(map[facts.Kind]*facts.Store),
		files:    make(map[string]*FileContribution),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("workspace_id", c.id.String()))
	for _, kind := range registry.Kinds() {
		c.stores[kind] = facts.NewStore(kind, c.storeOpts...)
	}
	return c
}

// ID returns the workspace identifier.
func (c *Coordinator) ID() uuid.UUID {
	return c.id
}

// Root returns the workspace root.
func (c *Coordinator) Root() string {
	return c.root
}

// Handles reports whether any extractor is interested in path.
func (c *Coordinator) Handles(path string) bool {
	return c.registry.Handles(path)
}

// ApplyChange indexes new content for path.
//
// Description:
//
//	Content identical to the last successfully applied content is a no-op.
//	Each matching extractor runs without the index lock. A failing
//	extractor leaves its kind's previous contribution from this file
//	untouched and produces a diagnostic. The remaining kinds are updated:
//	keys the file no longer declares are removed and the rest are upserted,
//	all under one write lock. Resolver cache entries pointing at path are
//	evicted afterwards.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	path - The changed file.
//	content - Its full content.
//
// Outputs:
//
//	error - ErrClosed or a context error. Parse failures are never returned.
//
// Thread Safety: Safe for concurrent use. Concurrent writers are serialized.
func (c *Coordinator) ApplyChange(ctx context.Context, path string, content []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	path = filepath.Clean(path)
	extractors := c.registry.Matching(path)
	if len(extractors) == 0 {
		return nil
	}

	ctx, span := startApplySpan(ctx, "Coordinator.ApplyChange", path)
	defer span.End()
	start := time.Now()

	c.updateMu.Lock()
	defer c.updateMu.Unlock()

	fp := facts.Fingerprint(content)
	c.mu.RLock()
	prev := c.files[path]
	c.mu.RUnlock()
	if prev != nil && prev.Fingerprint == fp {
		recordApplyMetrics(ctx, "noop", time.Since(start))
		return nil
	}

	now := c.now()
	succeeded := make(map[facts.Kind][]facts.Fact)
	failed := make(map[facts.Kind]bool)
	var diags []Diagnostic
	for _, e := range extractors {
		out, err := extract.Run(ctx, e, path, content)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			failed[e.Kind()] = true
			diags = append(diags, diagnosticFromError(path, e.Name(), err, now))
			c.parseFailures.Add(1)
			recordParseFailure(ctx, e.Name())
			c.logger.Warn("extraction failed, keeping previous facts",
				slog.String("path", path),
				slog.String("extractor", e.Name()),
				slog.String("error", err.Error()))
			continue
		}
		for _, f := range out {
			if verr := f.Validate(); verr != nil {
				diags = append(diags, Diagnostic{
					Path: path, Extractor: e.Name(), Line: f.Line,
					Message: verr.Error(), Severity: SeverityWarning, At: now,
				})
				continue
			}
			succeeded[e.Kind()] = append(succeeded[e.Kind()], f)
		}
		if _, ok := succeeded[e.Kind()]; !ok {
			succeeded[e.Kind()] = nil
		}
	}
	for kind := range failed {
		delete(succeeded, kind)
	}

	newFP := fp
	if len(failed) > 0 {
		newFP = ""
	}

	c.mu.Lock()
	hadDiagnostics := c.applyLocked(path, newFP, succeeded, diags, now)
	c.mu.Unlock()

	// Cached class locations carry a declaration line that this edit may
	// have moved.
	if c.resolver != nil {
		c.resolver.InvalidatePath(path)
	}

	c.changes.Add(1)
	outcome := "applied"
	if len(failed) > 0 {
		outcome = "partial"
	}
	recordApplyMetrics(ctx, outcome, time.Since(start))
	if len(diags) > 0 || hadDiagnostics {
		c.reporter.Report(path, diags)
	}
	return nil
}

// applyLocked replaces path's contribution for every kind in byKind. It
// reports whether the file had diagnostics before. Caller holds mu.
func (c *Coordinator) applyLocked(path, fingerprint string, byKind map[facts.Kind][]facts.Fact, diags []Diagnostic, now time.Time) bool {
	prev := c.files[path]
	var contrib *FileContribution
	hadDiagnostics := false
	if prev != nil {
		contrib = prev.clone()
		hadDiagnostics = len(prev.Diagnostics) > 0
	} else {
		contrib = &FileContribution{Path: path, Keys: make(map[facts.Kind][]string)}
	}

	for kind, fs := range byKind {
		store := c.storeLocked(kind)
		keys := make([]string, 0, len(fs))
		declared := make(map[string]bool, len(fs))
		for _, f := range fs {
			if !declared[f.Key] {
				declared[f.Key] = true
				keys = append(keys, f.Key)
			}
		}
		for _, old := range contrib.Keys[kind] {
			if !declared[old] {
				store.RemoveDeclaration(old, path)
			}
		}
		for _, f := range fs {
			if sup, superseded := store.Upsert(f); superseded {
				c.logger.Debug("fact superseded",
					slog.String("kind", string(kind)),
					slog.String("key", sup.Key),
					slog.String("previous", sup.Previous.Path),
					slog.String("current", sup.Current.Path))
			}
		}
		if len(keys) == 0 {
			delete(contrib.Keys, kind)
		} else {
			contrib.Keys[kind] = keys
		}
	}

	contrib.Fingerprint = fingerprint
	contrib.Diagnostics = diags
	contrib.UpdatedAt = now
	c.files[path] = contrib
	return hadDiagnostics
}

func (c *Coordinator) storeLocked(kind facts.Kind) *facts.Store {
	s, ok := c.stores[kind]
	if !ok {
		s = facts.NewStore(kind, c.storeOpts...)
		c.stores[kind] = s
	}
	return s
}

// ApplyDelete removes everything path contributed.
//
// Description:
//
//	path may be a file or a directory; for a directory every tracked file
//	below it is removed. Declarations shadowed by the removed ones become
//	effective again. Cached class locations pointing into path are evicted.
//	Deleting an untracked path is a no-op.
//
// Outputs:
//
//	error - ErrClosed or a context error.
func (c *Coordinator) ApplyDelete(ctx context.Context, path string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	path = filepath.Clean(path)

	ctx, span := startApplySpan(ctx, "Coordinator.ApplyDelete", path)
	defer span.End()
	start := time.Now()

	c.updateMu.Lock()
	defer c.updateMu.Unlock()

	prefix := path + string(filepath.Separator)
	var cleared []string

	c.mu.Lock()
	removed := 0
	for p, contrib := range c.files {
		if p != path && !strings.HasPrefix(p, prefix) {
			continue
		}
		for kind, keys := range contrib.Keys {
			store := c.storeLocked(kind)
			for _, key := range keys {
				store.RemoveDeclaration(key, p)
			}
		}
		if len(contrib.Diagnostics) > 0 {
			cleared = append(cleared, p)
		}
		delete(c.files, p)
		removed++
	}
	c.mu.Unlock()

	if c.resolver != nil {
		c.resolver.InvalidatePath(path)
	}
	if removed > 0 {
		c.changes.Add(1)
		c.logger.Debug("removed file contributions",
			slog.String("path", path),
			slog.Int("files", removed))
	}
	recordApplyMetrics(ctx, "deleted", time.Since(start))
	for _, p := range cleared {
		c.reporter.Report(p, nil)
	}
	return nil
}

// Restore applies facts loaded from a validated persisted snapshot for path
// without running the extractors.
func (c *Coordinator) Restore(path, fingerprint string, fs []facts.Fact) error {
	if c.closed.Load() {
		return ErrClosed
	}
	path = filepath.Clean(path)
	byKind := make(map[facts.Kind][]facts.Fact)
	for _, f := range fs {
		if err := f.Validate(); err != nil {
			continue
		}
		f.Path = path
		f.Fingerprint = fingerprint
		byKind[f.Kind] = append(byKind[f.Kind], f)
	}

	c.updateMu.Lock()
	defer c.updateMu.Unlock()
	c.mu.Lock()
	if prev := c.files[path]; prev != nil {
		for kind := range prev.Keys {
			if _, ok := byKind[kind]; !ok {
				byKind[kind] = nil
			}
		}
	}
	c.applyLocked(path, fingerprint, byKind, nil, c.now())
	c.mu.Unlock()
	c.changes.Add(1)
	return nil
}

// NotifyChanged implements the change sink used by the file watcher.
func (c *Coordinator) NotifyChanged(ctx context.Context, path string, content []byte) error {
	return c.ApplyChange(ctx, path, content)
}

// NotifyDeleted implements the change sink used by the file watcher.
func (c *Coordinator) NotifyDeleted(ctx context.Context, path string) error {
	return c.ApplyDelete(ctx, path)
}

// Read runs fn with a consistent read-only view of the index.
//
// The Snapshot is valid only during fn and must not be retained. fn must
// not call back into the Coordinator's write operations.
func (c *Coordinator) Read(fn func(Snapshot)) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn(Snapshot{c: c})
}

// ResolveClassLocation resolves a class name through the resolver. It does
// not hold the index lock.
func (c *Coordinator) ResolveClassLocation(ctx context.Context, fqcn string) (resolve.Location, bool) {
	if c.resolver == nil || c.closed.Load() {
		return resolve.Location{}, false
	}
	return c.resolver.Resolve(ctx, fqcn)
}

// Export returns every cleanly indexed file with its facts, sorted by path.
// Files with failing extractors are omitted so they are re-extracted on
// the next restore.
func (c *Coordinator) Export() []FileExport {
	c.mu.RLock()
	defer c.mu.RUnlock()

	paths := make([]string, 0, len(c.files))
	for p, contrib := range c.files {
		if contrib.Fingerprint != "" {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)

	out := make([]FileExport, 0, len(paths))
	for _, p := range paths {
		contrib := c.files[p]
		exp := FileExport{Path: p, Fingerprint: contrib.Fingerprint, Facts: []facts.Fact{}}
		kinds := make([]string, 0, len(contrib.Keys))
		for kind := range contrib.Keys {
			kinds = append(kinds, string(kind))
		}
		sort.Strings(kinds)
		for _, kind := range kinds {
			store := c.stores[facts.Kind(kind)]
			for _, key := range contrib.Keys[facts.Kind(kind)] {
				if f, ok := store.Declaration(key, p); ok {
					exp.Facts = append(exp.Facts, f)
				}
			}
		}
		out = append(out, exp)
	}
	return out
}

// Stats returns a summary of the index.
func (c *Coordinator) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := Stats{
		WorkspaceID:   c.id.String(),
		Root:          c.root,
		Files:         len(c.files),
		ParseFailures: c.parseFailures.Load(),
		Changes:       c.changes.Load(),
		Stores:        make(map[facts.Kind]facts.StoreStats, len(c.stores)),
	}
	for kind, s := range c.stores {
		st.Stores[kind] = s.Stats()
	}
	for _, contrib := range c.files {
		if len(contrib.Diagnostics) > 0 {
			st.FilesInError++
		}
	}
	return st
}

// Close marks the coordinator closed. Further writes return ErrClosed.
// Close is idempotent.
func (c *Coordinator) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.logger.Info("workspace index closed")
	}
	return nil
}
