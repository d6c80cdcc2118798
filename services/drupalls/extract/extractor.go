// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extract turns workspace source files into facts.
//
// Each Extractor recognizes a set of files by name and produces facts of a
// single kind. Extractors are pure functions of (path, content): they do no
// I/O and hold no state, so the coordinator can run them without holding
// the index lock.
//
// The set of extractors is an explicit Registry built by the composing code.
// There is no global registration.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/AleutianAI/DrupalLS/services/drupalls/facts"
)

const (
	// MaxFileSize is the largest file the built-in extractors accept (4MB).
	MaxFileSize = 4 * 1024 * 1024

	// WarnFileSize triggers a warning log for unusually large inputs (1MB).
	WarnFileSize = 1 * 1024 * 1024

	// SchemaVersion is bumped whenever fact attributes change shape. It is
	// part of the persisted snapshot version tag.
	SchemaVersion = 1
)

// Extractor produces facts of one kind from matching files.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Extractor interface {
	// Name identifies the extractor in diagnostics and snapshot tags.
	Name() string

	// Kind is the fact kind this extractor produces.
	Kind() facts.Kind

	// Match reports whether the extractor handles the file at path.
	Match(path string) bool

	// Extract parses content and returns the facts it declares.
	//
	// On malformed input it returns a *ParseError and no facts.
	Extract(ctx context.Context, path string, content []byte) ([]facts.Fact, error)
}

// Registry is an ordered set of extractors.
type Registry struct {
	extractors []Extractor
}

// NewRegistry creates a registry holding extractors in the given order.
func NewRegistry(extractors ...Extractor) *Registry {
	r := &Registry{}
	for _, e := range extractors {
		r.Register(e)
	}
	return r
}

// DefaultRegistry returns the services, parameters and class extractors.
func DefaultRegistry() *Registry {
	return NewRegistry(NewServicesExtractor(), NewParametersExtractor(), NewClassExtractor())
}

// Register appends an extractor. Registering a second extractor with the
// same name panics, since kinds and snapshot tags would become ambiguous.
func (r *Registry) Register(e Extractor) {
	for _, existing := range r.extractors {
		if existing.Name() == e.Name() {
			panic(fmt.Sprintf("extract: duplicate extractor %q", e.Name()))
		}
	}
	r.extractors = append(r.extractors, e)
}

// Matching returns the extractors that handle path, in registration order.
func (r *Registry) Matching(path string) []Extractor {
	var out []Extractor
	for _, e := range r.extractors {
		if e.Match(path) {
			out = append(out, e)
		}
	}
	return out
}

// Handles reports whether any extractor matches path.
func (r *Registry) Handles(path string) bool {
	for _, e := range r.extractors {
		if e.Match(path) {
			return true
		}
	}
	return false
}

// All returns every extractor in registration order.
func (r *Registry) All() []Extractor {
	out := make([]Extractor, len(r.extractors))
	copy(out, r.extractors)
	return out
}

// Kinds returns the distinct fact kinds produced, in registration order.
func (r *Registry) Kinds() []facts.Kind {
	var out []facts.Kind
	seen := make(map[facts.Kind]bool)
	for _, e := range r.extractors {
		if !seen[e.Kind()] {
			seen[e.Kind()] = true
			out = append(out, e.Kind())
		}
	}
	return out
}

// VersionTag identifies the extractor set for persisted snapshots.
//
// A snapshot written under a different tag must not be trusted.
func (r *Registry) VersionTag() string {
	names := make([]string, len(r.extractors))
	for i, e := range r.extractors {
		names[i] = e.Name()
	}
	return fmt.Sprintf("v%d:%s", SchemaVersion, strings.Join(names, ","))
}

// Run validates content and invokes e with tracing and metrics.
//
// Description:
//
//	Content larger than MaxFileSize or not valid UTF-8 is rejected before
//	the extractor runs. Every returned fact is stamped with the path and
//	the content fingerprint.
//
// Outputs:
//
//	[]facts.Fact - The extracted facts.
//	error - ErrFileTooLarge, ErrInvalidContent, a *ParseError, or a context error.
func Run(ctx context.Context, e Extractor, path string, content []byte) ([]facts.Fact, error) {
	ctx, span := startExtractSpan(ctx, e.Name(), path, len(content))
	defer span.End()

	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateContent(path, content); err != nil {
		recordExtractMetrics(ctx, e.Name(), time.Since(start), 0, false)
		return nil, err
	}

	out, err := e.Extract(ctx, path, content)
	if err != nil {
		recordExtractMetrics(ctx, e.Name(), time.Since(start), 0, false)
		span.RecordError(err)
		return nil, err
	}

	fp := facts.Fingerprint(content)
	for i := range out {
		out[i].Path = path
		out[i].Fingerprint = fp
	}
	recordExtractMetrics(ctx, e.Name(), time.Since(start), len(out), true)
	setExtractSpanResult(span, len(out))
	return out, nil
}

func validateContent(path string, content []byte) error {
	if len(content) > MaxFileSize {
		return fmt.Errorf("%w: %s is %d bytes, limit %d", ErrFileTooLarge, path, len(content), MaxFileSize)
	}
	if len(content) > WarnFileSize {
		slog.Warn("extracting large file",
			slog.String("file", path),
			slog.Int("size_bytes", len(content)))
	}
	if !utf8.Valid(content) {
		return fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalidContent, path)
	}
	return nil
}

// suffixMatcher matches base names ending in one of the suffixes.
type suffixMatcher []string

func (m suffixMatcher) match(path string) bool {
	base := strings.ToLower(filepath.Base(path))
	for _, s := range m {
		if strings.HasSuffix(base, s) && len(base) > len(s) {
			return true
		}
	}
	return false
}
