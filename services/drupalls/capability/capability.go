// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package capability answers completion, hover and definition queries
// against the workspace index.
//
// Capabilities are small, independent units registered in an explicit
// Registry. The Resolver selects the capabilities whose trigger matches the
// cursor context and runs them against a read-only snapshot of the index.
// Capabilities never mutate the index, never retain snapshots, and never
// surface errors to the editor: failures are logged and produce an empty
// answer.
package capability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/DrupalLS/services/drupalls/resolve"
	"github.com/AleutianAI/DrupalLS/services/drupalls/workspace"
)

// DefaultMaxResults caps completion lists when the caller passes no maximum.
const DefaultMaxResults = 50

// ItemKind classifies a completion item.
type ItemKind int

const (
	ItemService ItemKind = iota + 1
	ItemParameter
	ItemClass
)

// CompletionItem is one completion proposal.
type CompletionItem struct {
	Label         string   `json:"label"`
	Detail        string   `json:"detail,omitempty"`
	Documentation string   `json:"documentation,omitempty"`
	InsertText    string   `json:"insert_text"`
	Kind          ItemKind `json:"kind"`
}

// Hover is hover content. Documentation is Markdown.
type Hover struct {
	Detail        string `json:"detail"`
	Documentation string `json:"documentation"`
}

// Location is a definition target. Line and Character are 0-indexed.
type Location struct {
	URI       string `json:"uri"`
	Line      int    `json:"line"`
	Character int    `json:"character"`
}

// CompletionState tracks how far a completion request got.
type CompletionState int

const (
	// StateIdle means no completion trigger matched.
	StateIdle CompletionState = iota

	// StateContextDetected means a trigger matched and completers ran.
	StateContextDetected

	// StateResultsReady means the result list is final.
	StateResultsReady
)

// String returns the state name.
func (s CompletionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateContextDetected:
		return "context_detected"
	case StateResultsReady:
		return "results_ready"
	default:
		return fmt.Sprintf("CompletionState(%d)", int(s))
	}
}

// CompletionResult is the outcome of a completion request.
type CompletionResult struct {
	// State is StateIdle when nothing matched, otherwise StateResultsReady.
	State CompletionState `json:"state"`

	// Items holds at most the requested maximum. Never nil.
	Items []CompletionItem `json:"items"`

	// Triggers names the completers whose trigger matched.
	Triggers []string `json:"triggers,omitempty"`
}

// Index is the part of the workspace coordinator capabilities use.
//
// *workspace.Coordinator implements it.
type Index interface {
	Read(fn func(workspace.Snapshot))
	ResolveClassLocation(ctx context.Context, fqcn string) (resolve.Location, bool)
}

// Completer proposes completion items.
type Completer interface {
	Name() string

	// CanComplete reports whether the completer's trigger matches c.
	CanComplete(c *Context) bool

	// Complete returns at most limit items.
	Complete(ctx context.Context, c *Context, snap workspace.Snapshot, limit int) []CompletionItem
}

// Hoverer produces hover content.
type Hoverer interface {
	Name() string
	CanHover(c *Context) bool
	Hover(ctx context.Context, c *Context, snap workspace.Snapshot) (Hover, bool)
}

// Definer finds definition locations.
//
// Define receives the whole Index because some definers resolve classes
// outside of the index read lock.
type Definer interface {
	Name() string
	CanDefine(c *Context) bool
	Define(ctx context.Context, c *Context, idx Index) (Location, bool)
}

// Registry is the ordered set of capabilities.
type Registry struct {
	Completers []Completer
	Hoverers   []Hoverer
	Definers   []Definer
}

// DefaultRegistry returns the built-in capabilities in their standard order.
func DefaultRegistry() *Registry {
	return &Registry{
		Completers: []Completer{
			&ServiceCompletion{},
			&ParameterCompletion{},
			&ClassCompletion{},
		},
		Hoverers: []Hoverer{
			&ParameterHover{},
			&ServiceHover{},
			&ClassHover{},
		},
		Definers: []Definer{
			&ServiceDefinition{},
			&ClassDefinition{},
		},
	}
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

// WithMaxResults sets the default completion maximum.
func WithMaxResults(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxResults = n
		}
	}
}

// Resolver dispatches editor queries to capabilities.
//
// Thread Safety: Safe for concurrent use.
type Resolver struct {
	index      Index
	registry   *Registry
	logger     *slog.Logger
	maxResults int
}

// NewResolver creates a Resolver. A nil registry means DefaultRegistry().
func NewResolver(index Index, registry *Registry, opts ...Option) *Resolver {
	if registry == nil {
		registry = DefaultRegistry()
	}
	r := &Resolver{
		index:      index,
		registry:   registry,
		logger:     slog.Default(),
		maxResults: DefaultMaxResults,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Complete answers a completion request.
//
// Description:
//
//	If no completer's trigger matches, the result is empty with state
//	StateIdle. Otherwise every matching completer runs in registration
//	order against one snapshot, and the concatenated list is truncated to
//	limit (DefaultMaxResults or the configured value when limit <= 0).
func (r *Resolver) Complete(ctx context.Context, q Query, limit int) CompletionResult {
	ctx, span := startQuerySpan(ctx, "Resolver.Complete", q)
	defer span.End()
	start := time.Now()

	if limit <= 0 {
		limit = r.maxResults
	}
	result := CompletionResult{State: StateIdle, Items: []CompletionItem{}}
	c := NewContext(q)

	var matched []Completer
	for _, comp := range r.registry.Completers {
		if r.safeBool(comp.Name(), func() bool { return comp.CanComplete(c) }) {
			matched = append(matched, comp)
			result.Triggers = append(result.Triggers, comp.Name())
		}
	}
	if len(matched) == 0 {
		recordQueryMetrics(ctx, "completion", "idle", time.Since(start))
		return result
	}
	result.State = StateContextDetected

	r.index.Read(func(snap workspace.Snapshot) {
		for _, comp := range matched {
			remaining := limit - len(result.Items)
			if remaining <= 0 {
				break
			}
			items := r.safeItems(comp.Name(), func() []CompletionItem {
				return comp.Complete(ctx, c, snap, remaining)
			})
			result.Items = append(result.Items, items...)
		}
	})
	if len(result.Items) > limit {
		result.Items = result.Items[:limit]
	}
	result.State = StateResultsReady
	setQuerySpanResult(span, len(result.Items))
	recordQueryMetrics(ctx, "completion", "results", time.Since(start))
	return result
}

// Hover answers a hover request with the first matching hoverer that
// produces content.
func (r *Resolver) Hover(ctx context.Context, q Query) (Hover, bool) {
	ctx, span := startQuerySpan(ctx, "Resolver.Hover", q)
	defer span.End()
	start := time.Now()

	c := NewContext(q)
	var out Hover
	found := false
	r.index.Read(func(snap workspace.Snapshot) {
		for _, h := range r.registry.Hoverers {
			if !r.safeBool(h.Name(), func() bool { return h.CanHover(c) }) {
				continue
			}
			r.safely(h.Name(), func() { out, found = h.Hover(ctx, c, snap) })
			if found {
				return
			}
		}
	})
	recordQueryMetrics(ctx, "hover", outcome(found), time.Since(start))
	return out, found
}

// Definition answers a definition request with the first matching definer
// that finds a location.
func (r *Resolver) Definition(ctx context.Context, q Query) (Location, bool) {
	ctx, span := startQuerySpan(ctx, "Resolver.Definition", q)
	defer span.End()
	start := time.Now()

	c := NewContext(q)
	for _, d := range r.registry.Definers {
		if !r.safeBool(d.Name(), func() bool { return d.CanDefine(c) }) {
			continue
		}
		var loc Location
		found := false
		r.safely(d.Name(), func() { loc, found = d.Define(ctx, c, r.index) })
		if found {
			recordQueryMetrics(ctx, "definition", "found", time.Since(start))
			return loc, true
		}
	}
	recordQueryMetrics(ctx, "definition", "absent", time.Since(start))
	return Location{}, false
}

// safely runs fn and logs a panic instead of propagating it.
func (r *Resolver) safely(name string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("capability failed",
				slog.String("capability", name),
				slog.Any("panic", rec))
		}
	}()
	fn()
}

func (r *Resolver) safeBool(name string, fn func() bool) bool {
	var ok bool
	r.safely(name, func() { ok = fn() })
	return ok
}

func (r *Resolver) safeItems(name string, fn func() []CompletionItem) []CompletionItem {
	var items []CompletionItem
	r.safely(name, func() { items = fn() })
	return items
}

func outcome(found bool) string {
	if found {
		return "found"
	}
	return "absent"
}

// definitionLocation converts a 1-indexed line to a Location.
func definitionLocation(path string, line int) Location {
	if line > 0 {
		line--
	}
	return Location{URI: PathToURI(path), Line: line}
}
