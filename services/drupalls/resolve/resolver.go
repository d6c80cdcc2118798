// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resolve maps fully qualified PHP class names to source files.
//
// Resolution follows Drupal's PSR-4 layout. Core and component classes live
// directly under core/lib; module classes live under <module>/src, where the
// module directory is found by a breadth-first search bounded by depth and
// by a budget of visited directories.
//
// Successful resolutions are cached. Every cache hit is re-validated against
// the filesystem so a deleted file is never returned.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/DrupalLS/services/drupalls/extract"
)

// ErrInvalidRoot is returned by New when the workspace root is unusable.
var ErrInvalidRoot = errors.New("invalid workspace root")

// Config controls where the resolver looks for classes.
type Config struct {
	// Root is the absolute workspace root.
	Root string

	// CorePrefixes are namespace prefixes resolved directly under CoreDir.
	CorePrefixes [][]string

	// CoreDir is the PSR-4 base directory for core prefixes, relative to Root.
	CoreDir string

	// ModuleRoots are searched in order for module directories, relative to Root.
	ModuleRoots []string

	// SourceDir is the PSR-4 directory inside a module.
	SourceDir string

	// MaxDepth is the deepest directory level, below a module root, at which
	// a module directory is recognized.
	MaxDepth int

	// MaxVisitedDirs bounds the directories listed by one search.
	MaxVisitedDirs int

	// SkipDirs are directory names never descended into.
	SkipDirs []string
}

// DefaultConfig returns the standard Drupal layout for root.
func DefaultConfig(root string) Config {
	return Config{
		Root: root,
		CorePrefixes: [][]string{
			{"Drupal", "Core"},
			{"Drupal", "Component"},
		},
		CoreDir:        "core/lib",
		ModuleRoots:    []string{"modules", "core/modules", "profiles"},
		SourceDir:      "src",
		MaxDepth:       3,
		MaxVisitedDirs: 5000,
		SkipDirs:       []string{".git", "vendor", "node_modules", "tests", "files"},
	}
}

// Location is a resolved class declaration.
type Location struct {
	// FQCN is the class name without a leading backslash.
	FQCN string `json:"fqcn"`

	// Path is the absolute path of the declaring file.
	Path string `json:"path"`

	// Line is the 1-indexed declaration line, or 0 if it was not found.
	Line int `json:"line"`
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Resolver resolves class names with a validated cache.
//
// Thread Safety:
//
//	Safe for concurrent use. The cache has its own mutex, and concurrent
//	misses for the same class are collapsed into one search.
type Resolver struct {
	cfg    Config
	logger *slog.Logger
	skip   map[string]bool

	mu     sync.Mutex
	cache  map[string]Location
	byPath map[string]map[string]struct{}

	flight singleflight.Group
}

// New creates a Resolver for cfg.
//
// Outputs:
//
//	*Resolver - The resolver.
//	error - ErrInvalidRoot if cfg.Root is empty or not a directory.
func New(cfg Config, opts ...Option) (*Resolver, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("%w: empty root", ErrInvalidRoot)
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRoot, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRoot, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrInvalidRoot, root)
	}
	cfg.Root = root

	defaults := DefaultConfig(root)
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = defaults.MaxDepth
	}
	if cfg.MaxVisitedDirs <= 0 {
		cfg.MaxVisitedDirs = defaults.MaxVisitedDirs
	}
	if cfg.SourceDir == "" {
		cfg.SourceDir = defaults.SourceDir
	}

	r := &Resolver{
		cfg:    cfg,
		logger: slog.Default(),
		skip:   make(map[string]bool, len(cfg.SkipDirs)),
		cache:  make(map[string]Location),
		byPath: make(map[string]map[string]struct{}),
	}
	for _, d := range cfg.SkipDirs {
		r.skip[d] = true
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Root returns the absolute workspace root.
func (r *Resolver) Root() string {
	return r.cfg.Root
}

// Resolve returns the location of the class fqcn.
//
// Description:
//
//	A cached location is returned only if its file still exists. A stale
//	entry is evicted and the lookup falls through to a fresh search. On a
//	miss the bounded search runs once per class even under concurrent
//	callers, and a successful result is cached. Negative results are not
//	cached.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	fqcn - Class name with backslash or dot separators. A leading separator is ignored.
//
// Outputs:
//
//	Location - The resolved location. Zero value when absent.
//	bool - True if the class was found.
func (r *Resolver) Resolve(ctx context.Context, fqcn string) (Location, bool) {
	segments := SplitFQCN(fqcn)
	if len(segments) < 2 {
		return Location{}, false
	}
	key := strings.Join(segments, `\`)

	ctx, span := tracer.Start(ctx, "Resolver.Resolve")
	span.SetAttributes(attribute.String("resolve.fqcn", key))
	defer span.End()

	if loc, ok := r.cached(key); ok {
		if _, err := os.Stat(loc.Path); err == nil {
			resolveCacheHits.Inc()
			span.SetAttributes(attribute.String("resolve.outcome", "hit"))
			return loc, true
		}
		r.Invalidate(key)
		resolveStaleEvictions.Inc()
		r.logger.Debug("evicted stale class location",
			slog.String("fqcn", key),
			slog.String("path", loc.Path))
	}
	resolveCacheMisses.Inc()

	v, _, _ := r.flight.Do(key, func() (interface{}, error) {
		start := time.Now()
		path, visited, found := r.search(ctx, segments)
		resolveSearchDuration.Observe(time.Since(start).Seconds())
		resolveVisitedDirs.Observe(float64(visited))
		if !found {
			return nil, nil
		}
		loc := Location{FQCN: key, Path: path, Line: r.declarationLine(ctx, path, key)}
		r.store(loc)
		return loc, nil
	})
	loc, ok := v.(Location)
	if !ok {
		span.SetAttributes(attribute.String("resolve.outcome", "absent"))
		r.logger.Debug("class not resolved", slog.String("fqcn", key))
		return Location{}, false
	}
	span.SetAttributes(attribute.String("resolve.outcome", "found"))
	return loc, true
}

// Invalidate evicts the cache entry for fqcn.
func (r *Resolver) Invalidate(fqcn string) bool {
	key := strings.Join(SplitFQCN(fqcn), `\`)

	r.mu.Lock()
	defer r.mu.Unlock()
	loc, ok := r.cache[key]
	if !ok {
		return false
	}
	r.evictLocked(key, loc.Path)
	return true
}

// InvalidatePath evicts every cache entry whose file is path or lies below
// the directory path. It returns the number of evicted entries.
func (r *Resolver) InvalidatePath(path string) int {
	path = filepath.Clean(path)
	prefix := path + string(filepath.Separator)

	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for p, keys := range r.byPath {
		if p != path && !strings.HasPrefix(p, prefix) {
			continue
		}
		for key := range keys {
			delete(r.cache, key)
			n++
		}
		delete(r.byPath, p)
	}
	return n
}

// Len returns the number of cached locations.
func (r *Resolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}

func (r *Resolver) cached(key string) (Location, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	loc, ok := r.cache[key]
	return loc, ok
}

func (r *Resolver) store(loc Location) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.cache[loc.FQCN]; ok {
		r.evictLocked(loc.FQCN, old.Path)
	}
	r.cache[loc.FQCN] = loc
	keys := r.byPath[loc.Path]
	if keys == nil {
		keys = make(map[string]struct{})
		r.byPath[loc.Path] = keys
	}
	keys[loc.FQCN] = struct{}{}
}

func (r *Resolver) evictLocked(key, path string) {
	delete(r.cache, key)
	if keys := r.byPath[path]; keys != nil {
		delete(keys, key)
		if len(keys) == 0 {
			delete(r.byPath, path)
		}
	}
}

func (r *Resolver) declarationLine(ctx context.Context, path, fqcn string) int {
	content, err := os.ReadFile(path)
	if err != nil {
		r.logger.Debug("reading resolved class file",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return 0
	}
	line, _ := extract.DeclarationLine(ctx, content, fqcn)
	return line
}

// search runs the bounded PSR-4 lookup. It also returns the number of
// directories listed, which never exceeds MaxVisitedDirs.
func (r *Resolver) search(ctx context.Context, segments []string) (string, int, bool) {
	for _, prefix := range r.cfg.CorePrefixes {
		if !hasPrefixFold(segments, prefix) {
			continue
		}
		candidate := filepath.Join(append([]string{r.cfg.Root, r.cfg.CoreDir}, segments...)...) + ".php"
		if isFile(candidate) {
			return candidate, 0, true
		}
		return "", 0, false
	}

	if len(segments) < 3 {
		return "", 0, false
	}
	module := strings.ToLower(segments[1])
	rest := filepath.Join(segments[2:]...) + ".php"

	visited := 0
	for _, moduleRoot := range r.cfg.ModuleRoots {
		path, found, exhausted := r.searchRoot(ctx, filepath.Join(r.cfg.Root, moduleRoot), module, rest, &visited)
		if found {
			return path, visited, true
		}
		if exhausted {
			r.logger.Debug("class search budget exhausted",
				slog.String("module", module),
				slog.Int("visited", visited))
			break
		}
	}
	return "", visited, false
}

type queued struct {
	dir   string
	depth int
}

// searchRoot walks base breadth-first looking for a directory named module
// that contains rest under the source directory.
func (r *Resolver) searchRoot(ctx context.Context, base, module, rest string, visited *int) (string, bool, bool) {
	if !isDir(base) {
		return "", false, false
	}
	queue := []queued{{dir: base}}
	for len(queue) > 0 {
		if ctx.Err() != nil {
			return "", false, true
		}
		if *visited >= r.cfg.MaxVisitedDirs {
			return "", false, true
		}
		cur := queue[0]
		queue = queue[1:]
		*visited++

		entries, err := os.ReadDir(cur.dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			name := entry.Name()
			if r.skip[name] || strings.HasPrefix(name, ".") {
				continue
			}
			child := filepath.Join(cur.dir, name)
			if name == module {
				candidate := filepath.Join(child, r.cfg.SourceDir, rest)
				if isFile(candidate) {
					return candidate, true, false
				}
			}
			if cur.depth+1 < r.cfg.MaxDepth {
				queue = append(queue, queued{dir: child, depth: cur.depth + 1})
			}
		}
	}
	return "", false, false
}

// SplitFQCN splits a class name on backslashes or dots, ignoring a leading
// separator and empty segments.
func SplitFQCN(fqcn string) []string {
	fqcn = strings.TrimSpace(fqcn)
	parts := strings.FieldsFunc(fqcn, func(r rune) bool {
		return r == '\\' || r == '.'
	})
	return parts
}

func hasPrefixFold(segments, prefix []string) bool {
	if len(prefix) == 0 || len(segments) <= len(prefix) {
		return false
	}
	for i := range prefix {
		if !strings.EqualFold(segments[i], prefix[i]) {
			return false
		}
	}
	return true
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
