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
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileChange represents a file system change event.
type FileChange struct {
	// Path is the absolute path to the changed file.
	Path string

	// Op is the type of change.
	Op FileOp

	// Time is when the change was detected.
	Time time.Time
}

// FileOp represents the type of file operation.
type FileOp int

const (
	// FileOpCreate indicates a file was created.
	FileOpCreate FileOp = iota

	// FileOpWrite indicates a file was modified.
	FileOpWrite

	// FileOpRemove indicates a file was deleted.
	FileOpRemove

	// FileOpRename indicates a file was renamed away.
	FileOpRename
)

// String returns the string representation of the operation.
func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "create"
	case FileOpWrite:
		return "write"
	case FileOpRemove:
		return "remove"
	case FileOpRename:
		return "rename"
	default:
		return "unknown"
	}
}

// WatcherOptions configures the Watcher.
type WatcherOptions struct {
	// DebounceWindow is how long to wait for more changes before delivering.
	// Default: 100ms
	DebounceWindow time.Duration

	// IgnorePatterns are directory names or glob patterns matched against
	// each path component below the root.
	// Default: DefaultSkipDirs plus editor swap files.
	IgnorePatterns []string

	// BufferSize is the size of the change buffer channel.
	// Default: 1000
	BufferSize int

	// Logger receives watcher logs. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultWatcherOptions returns sensible defaults.
func DefaultWatcherOptions() WatcherOptions {
	return WatcherOptions{
		DebounceWindow: 100 * time.Millisecond,
		IgnorePatterns: append(append([]string{}, DefaultSkipDirs...), "*.swp", "*.tmp", "*~"),
		BufferSize:     1000,
	}
}

// Watcher follows file changes under a workspace root and delivers them to
// a Sink.
//
// # Description
//
// Watches the root directory recursively and batches changes using a
// debounce window, so a burst of writes to one file during active editing
// becomes a single delivery. Within a batch only the newest change per path
// is kept. Create and write events read the file and call NotifyChanged;
// remove and rename events call NotifyDeleted. Directories created after
// Start are added to the watch list and their existing files delivered.
//
// # Thread Safety
//
// Safe for concurrent use. The sink is called from a single goroutine.
type Watcher struct {
	root          string
	watcher       *fsnotify.Watcher
	sink          Sink
	debounce      time.Duration
	ignorePattern []string
	logger        *slog.Logger

	// Channels for communication
	changes  chan FileChange
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu       sync.RWMutex
	watching bool
}

// NewWatcher creates a watcher for root delivering to sink.
//
// # Inputs
//
//   - root: Absolute path to the directory to watch.
//   - sink: Receives debounced changes.
//   - opts: Optional configuration (nil uses defaults).
//
// # Outputs
//
//   - *Watcher: Ready-to-use watcher (call Start to begin watching).
//   - error: Non-nil if the fsnotify watcher could not be created.
func NewWatcher(root string, sink Sink, opts *WatcherOptions) (*Watcher, error) {
	defaults := DefaultWatcherOptions()
	if opts == nil {
		opts = &defaults
	}
	debounce := opts.DebounceWindow
	if debounce <= 0 {
		debounce = defaults.DebounceWindow
	}
	buffer := opts.BufferSize
	if buffer <= 0 {
		buffer = defaults.BufferSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		root:          filepath.Clean(root),
		watcher:       fw,
		sink:          sink,
		debounce:      debounce,
		ignorePattern: opts.IgnorePatterns,
		logger:        logger,
		changes:       make(chan FileChange, buffer),
		done:          make(chan struct{}),
	}, nil
}

// Start begins watching for file changes.
//
// # Description
//
// Recursively watches the root directory and all subdirectories not
// matched by an ignore pattern.
//
// # Inputs
//
//   - ctx: Context for cancellation. When canceled, watching stops.
//
// # Outputs
//
//   - error: ErrRootInaccessible (wrapped) if the root cannot be watched.
//
// # Behavior
//
// Spawns two goroutines:
//   - Event processor: Converts fsnotify events to FileChange
//   - Debouncer: Batches changes and delivers them to the sink
//
// Both goroutines exit when Stop() is called or context is canceled.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil // Already watching
	}
	w.watching = true
	w.mu.Unlock()

	if err := w.addRecursive(w.root); err != nil {
		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
		return errors.Join(ErrRootInaccessible, err)
	}

	w.wg.Add(2)
	go w.processEvents(ctx)
	go w.debounceLoop(ctx)

	w.logger.Info("watching workspace",
		slog.String("root", w.root),
		slog.Duration("debounce", w.debounce))
	return nil
}

// Stop stops the watcher and waits for pending deliveries to finish.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.watcher.Close()
		w.wg.Wait()

		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	})
}

// IsWatching returns true if the watcher is currently active.
func (w *Watcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.watching
}

// addRecursive adds a directory and all subdirectories to the watch list.
func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil // Ignore errors below the root, continue walking
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && w.shouldIgnore(path) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			if path == root {
				return err
			}
			w.logger.Warn("watch: cannot add directory",
				slog.String("path", path),
				slog.String("error", err.Error()))
		}
		return nil
	})
}

// shouldIgnore reports whether any path component below the root matches
// an ignore pattern.
func (w *Watcher) shouldIgnore(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return false
	}

	w.mu.RLock()
	patterns := w.ignorePattern
	w.mu.RUnlock()

	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		for _, pattern := range patterns {
			if part == pattern {
				return true
			}
			if matched, _ := filepath.Match(pattern, part); matched {
				return true
			}
		}
	}
	return false
}

// processEvents converts fsnotify events to FileChange and sends to channel.
func (w *Watcher) processEvents(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.shouldIgnore(event.Name) {
				continue
			}

			w.enqueue(FileChange{
				Path: event.Name,
				Time: time.Now(),
				Op:   convertOp(event.Op),
			})

			// A new directory is watched, and files already inside it
			// (created before the watch was added) are delivered.
			if event.Has(fsnotify.Create) {
				if isDir, err := isDirectory(event.Name); err == nil && isDir {
					w.adoptDirectory(event.Name)
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch: fsnotify error", slog.String("error", err.Error()))
			recordWatchError(ctx)
		}
	}
}

// enqueue sends a change to the debouncer without blocking. A full buffer
// drops the change; the next change to the same file recovers it.
func (w *Watcher) enqueue(change FileChange) {
	select {
	case w.changes <- change:
	default:
		w.logger.Warn("watch: change buffer full, dropping event",
			slog.String("path", change.Path),
			slog.String("op", change.Op.String()))
		recordDroppedEvent(context.Background())
	}
}

// adoptDirectory watches a newly created directory tree and enqueues the
// files already present in it.
func (w *Watcher) adoptDirectory(dir string) {
	if err := w.addRecursive(dir); err != nil {
		w.logger.Warn("watch: cannot watch new directory",
			slog.String("path", dir),
			slog.String("error", err.Error()))
		return
	}
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir && w.shouldIgnore(path) {
				return filepath.SkipDir
			}
			return nil
		}
		w.enqueue(FileChange{Path: path, Op: FileOpCreate, Time: time.Now()})
		return nil
	})
}

// isDirectory returns true if path is a directory.
func isDirectory(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

// convertOp converts fsnotify.Op to FileOp.
func convertOp(op fsnotify.Op) FileOp {
	switch {
	case op.Has(fsnotify.Remove):
		return FileOpRemove
	case op.Has(fsnotify.Rename):
		return FileOpRename
	case op.Has(fsnotify.Create):
		return FileOpCreate
	case op.Has(fsnotify.Write):
		return FileOpWrite
	default:
		return FileOpWrite // Chmod and friends re-check the file
	}
}

// debounceLoop batches changes and delivers them after the debounce window.
func (w *Watcher) debounceLoop(ctx context.Context) {
	defer w.wg.Done()

	var batch []FileChange
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if len(batch) > 0 {
			w.deliver(ctx, deduplicateChanges(batch))
			batch = batch[:0]
		}
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			flush()
			return
		case change := <-w.changes:
			batch = append(batch, change)

			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case <-timerC:
			flush()
		}
	}
}

// deliver hands a deduplicated batch to the sink.
//
// Description:
//
//	The file system is consulted at delivery time rather than trusting the
//	event type: a path that no longer exists is reported deleted, a path
//	that exists is read and reported changed. This makes rename pairs and
//	create-then-delete bursts converge on the final state.
func (w *Watcher) deliver(ctx context.Context, changes []FileChange) {
	// Delivery uses a detached context so Stop can flush the final batch
	// after the caller's context is gone.
	ctx = context.WithoutCancel(ctx)
	for _, change := range changes {
		info, err := os.Stat(change.Path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			if err := w.sink.NotifyDeleted(ctx, change.Path); err != nil {
				w.logger.Debug("watch: delete not applied",
					slog.String("path", change.Path),
					slog.String("error", err.Error()))
			}
			recordDelivery(ctx, "deleted")
		case err != nil:
			w.logger.Warn("watch: cannot stat changed path",
				slog.String("path", change.Path),
				slog.String("error", err.Error()))
		case info.IsDir():
			continue
		case !w.sink.Handles(change.Path):
			continue
		default:
			content, err := readIndexable(change.Path)
			if err != nil {
				w.logger.Warn("watch: cannot read changed file",
					slog.String("path", change.Path),
					slog.String("error", err.Error()))
				continue
			}
			if err := w.sink.NotifyChanged(ctx, change.Path, content); err != nil {
				w.logger.Debug("watch: change not applied",
					slog.String("path", change.Path),
					slog.String("error", err.Error()))
			}
			recordDelivery(ctx, "changed")
		}
	}
}

// deduplicateChanges removes duplicate changes for the same file.
// Keeps the most recent change per path at the position of the first.
func deduplicateChanges(changes []FileChange) []FileChange {
	seen := make(map[string]int) // path -> index in result
	result := make([]FileChange, 0, len(changes))

	for _, change := range changes {
		if idx, exists := seen[change.Path]; exists {
			result[idx] = change
		} else {
			seen[change.Path] = len(result)
			result = append(result, change)
		}
	}

	return result
}

// AddPattern adds an ignore pattern.
func (w *Watcher) AddPattern(pattern string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ignorePattern = append(w.ignorePattern, pattern)
}
