// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/DrupalLS/services/drupalls/extract"
)

const (
	// DefaultScanConcurrency is the number of files read in parallel.
	DefaultScanConcurrency = 8

	// scanBatchSize bounds how many file contents are held in memory
	// between reading and applying.
	scanBatchSize = 64
)

// ScanStats summarizes one scan.
type ScanStats struct {
	// Files is the number of indexable files found.
	Files int `json:"files"`

	// Applied is the number of files delivered to the sink.
	Applied int `json:"applied"`

	// Skipped counts files that could not be read or were too large.
	Skipped int `json:"skipped"`

	// Failed counts files the sink returned an error for.
	Failed int `json:"failed"`

	// Duration is the wall time of the scan.
	Duration time.Duration `json:"duration"`
}

// ScannerOption configures a Scanner.
type ScannerOption func(*Scanner)

// WithScanLogger sets the logger. Defaults to slog.Default().
func WithScanLogger(logger *slog.Logger) ScannerOption {
	return func(s *Scanner) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSkipDirs replaces the skipped directory names.
func WithSkipDirs(names ...string) ScannerOption {
	return func(s *Scanner) {
		s.skip = make(map[string]bool, len(names))
		for _, n := range names {
			s.skip[n] = true
		}
	}
}

// WithConcurrency sets how many files are read in parallel.
func WithConcurrency(n int) ScannerOption {
	return func(s *Scanner) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// Scanner walks a workspace once and delivers every indexable file.
//
// Thread Safety: Safe for concurrent use; each Scan is independent.
type Scanner struct {
	skip        map[string]bool
	concurrency int
	logger      *slog.Logger
}

// NewScanner creates a Scanner skipping DefaultSkipDirs.
func NewScanner(opts ...ScannerOption) *Scanner {
	s := &Scanner{
		concurrency: DefaultScanConcurrency,
		logger:      slog.Default(),
	}
	WithSkipDirs(DefaultSkipDirs...)(s)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan walks root and delivers every file the sink handles.
//
// Description:
//
//	Files are read concurrently (bounded by the configured concurrency)
//	but delivered to the sink one at a time in lexical path order, so the
//	resulting index does not depend on read timing. Unreadable and
//	oversized files are logged and skipped. Sink errors are logged and
//	counted.
//
// Inputs:
//
//	ctx - Cancellation. A canceled scan returns ctx.Err().
//	root - Workspace root directory.
//	sink - Receives NotifyChanged for each file.
//
// Outputs:
//
//	ScanStats - Counters for the scan.
//	error - ErrRootInaccessible (wrapped) when root cannot be read.
func (s *Scanner) Scan(ctx context.Context, root string, sink Sink) (ScanStats, error) {
	ctx, span := startScanSpan(ctx, root)
	defer span.End()
	start := time.Now()

	info, err := os.Stat(root)
	if err != nil {
		return ScanStats{}, fmt.Errorf("%w: %w", ErrRootInaccessible, err)
	}
	if !info.IsDir() {
		return ScanStats{}, fmt.Errorf("%w: %s is not a directory", ErrRootInaccessible, root)
	}

	paths, err := s.collect(ctx, root, sink)
	if err != nil {
		return ScanStats{}, err
	}
	stats := ScanStats{Files: len(paths)}

	for lo := 0; lo < len(paths); lo += scanBatchSize {
		hi := min(lo+scanBatchSize, len(paths))
		batch := paths[lo:hi]
		contents := s.readBatch(ctx, batch)
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		for i, path := range batch {
			if contents[i] == nil {
				stats.Skipped++
				continue
			}
			if err := sink.NotifyChanged(ctx, path, contents[i]); err != nil {
				s.logger.Warn("scan: apply failed",
					slog.String("path", path),
					slog.String("error", err.Error()))
				stats.Failed++
				continue
			}
			stats.Applied++
		}
	}

	stats.Duration = time.Since(start)
	recordScanMetrics(ctx, stats)
	s.logger.Info("scan complete",
		slog.String("root", root),
		slog.Int("files", stats.Files),
		slog.Int("applied", stats.Applied),
		slog.Int("skipped", stats.Skipped),
		slog.Duration("duration", stats.Duration))
	return stats, nil
}

// collect returns the sorted paths under root the sink handles.
func (s *Scanner) collect(ctx context.Context, root string, sink Sink) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == root {
				return fmt.Errorf("%w: %w", ErrRootInaccessible, err)
			}
			s.logger.Debug("scan: skipping unreadable entry",
				slog.String("path", path),
				slog.String("error", err.Error()))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != root && s.skip[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if sink.Handles(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// readBatch reads paths concurrently. A nil entry marks a skipped file.
func (s *Scanner) readBatch(ctx context.Context, paths []string) [][]byte {
	contents := make([][]byte, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, path := range paths {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			content, err := readIndexable(path)
			if err != nil {
				s.logger.Warn("scan: skipping file",
					slog.String("path", path),
					slog.String("error", err.Error()))
				return nil
			}
			contents[i] = content
			return nil
		})
	}
	_ = g.Wait()
	return contents
}

// readIndexable reads a regular file no larger than extract.MaxFileSize.
// An empty file yields a non-nil empty slice.
func readIndexable(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file")
	}
	if info.Size() > extract.MaxFileSize {
		return nil, fmt.Errorf("%w: %d bytes", extract.ErrFileTooLarge, info.Size())
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if content == nil {
		content = []byte{}
	}
	return content, nil
}
