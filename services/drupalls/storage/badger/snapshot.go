// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/DrupalLS/services/drupalls/facts"
	"github.com/AleutianAI/DrupalLS/services/drupalls/workspace"
)

var tracer = otel.Tracer("drupalls.storage")

var (
	// ErrNoSnapshot is returned when no complete snapshot is stored.
	ErrNoSnapshot = errors.New("no snapshot")

	// ErrVersionMismatch is returned when the stored snapshot was written by
	// a different extractor set or for a different workspace root.
	ErrVersionMismatch = errors.New("snapshot version mismatch")
)

// Key layout.
//
// meta/version is written last on save and deleted first, so a snapshot
// without it is incomplete.
var (
	keyVersion = []byte("meta/version")
	keyRoot    = []byte("meta/root")
	keySavedAt = []byte("meta/saved_at")
	keyCount   = []byte("meta/count")
	filePrefix = []byte("file/")
)

func fileKey(path string) []byte {
	return append(append([]byte{}, filePrefix...), path...)
}

// fileRecord is the persisted form of one file's contribution.
type fileRecord struct {
	Fingerprint string       `json:"fingerprint"`
	Facts       []facts.Fact `json:"facts"`
}

// Snapshot is a loaded snapshot.
type Snapshot struct {
	Version string
	Root    string
	SavedAt time.Time
	Files   []workspace.FileExport
}

// RestoreStats summarizes a restore.
type RestoreStats struct {
	// Entries is the number of files in the snapshot.
	Entries int `json:"entries"`

	// Restored files matched their fingerprint and were loaded as-is.
	Restored int `json:"restored"`

	// Reextracted files had changed and were run through the extractors.
	Reextracted int `json:"reextracted"`

	// Dropped files no longer exist or could not be read.
	Dropped int `json:"dropped"`

	// Failed counts files the target rejected.
	Failed int `json:"failed"`

	Duration time.Duration `json:"duration"`
}

// Target receives restored files.
//
// *workspace.Coordinator implements it.
type Target interface {
	Restore(path, fingerprint string, declared []facts.Fact) error
	ApplyChange(ctx context.Context, path string, content []byte) error
}

// SnapshotStore saves and restores workspace index snapshots.
//
// Thread Safety: Safe for concurrent use. Saves are serialized.
type SnapshotStore struct {
	db     *DB
	logger *slog.Logger
	saveMu sync.Mutex
}

// NewSnapshotStore wraps db. A nil logger means slog.Default().
func NewSnapshotStore(db *DB, logger *slog.Logger) *SnapshotStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotStore{db: db, logger: logger}
}

// Save replaces the stored snapshot with files.
//
// Description:
//
//	The version marker is removed first and written last. Files go through
//	a Badger write batch, which splits them into as many transactions as
//	the size limit requires; if the process dies part way, the missing
//	marker makes Load report ErrNoSnapshot instead of returning a partial
//	snapshot. Files of the previous snapshot not present in files are
//	deleted.
//
// Inputs:
//
//	ctx - Cancellation.
//	version - Extractor version tag (extract.Registry.VersionTag).
//	root - Workspace root the snapshot belongs to.
//	files - The files to persist, typically Coordinator.Export().
func (s *SnapshotStore) Save(ctx context.Context, version, root string, files []workspace.FileExport) error {
	ctx, span := tracer.Start(ctx, "SnapshotStore.Save",
		trace.WithAttributes(attribute.Int("snapshot.files", len(files))))
	defer span.End()
	start := time.Now()

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Delete(keyVersion)
	})
	if err != nil {
		return fmt.Errorf("invalidate snapshot: %w", err)
	}
	stale, err := s.fileKeys(ctx)
	if err != nil {
		return fmt.Errorf("list snapshot files: %w", err)
	}

	if err := s.writeFiles(ctx, files, stale); err != nil {
		return err
	}

	err = s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		for k, v := range map[string]string{
			string(keyRoot):    root,
			string(keySavedAt): time.Now().UTC().Format(time.RFC3339Nano),
			string(keyCount):   strconv.Itoa(len(files)),
		} {
			if err := txn.Set([]byte(k), []byte(v)); err != nil {
				return err
			}
		}
		return txn.Set(keyVersion, []byte(version))
	})
	if err != nil {
		return fmt.Errorf("write snapshot metadata: %w", err)
	}

	s.logger.Info("snapshot saved",
		slog.Int("files", len(files)),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// Load reads the stored snapshot.
//
// Outputs:
//
//	Snapshot - Files sorted by path.
//	error - ErrNoSnapshot if nothing complete is stored.
func (s *SnapshotStore) Load(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		version, err := getString(txn, keyVersion)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNoSnapshot
		}
		if err != nil {
			return err
		}
		snap.Version = version
		if snap.Root, err = getString(txn, keyRoot); err != nil {
			return fmt.Errorf("%w: missing root: %w", ErrNoSnapshot, err)
		}
		savedAt, err := getString(txn, keySavedAt)
		if err == nil {
			snap.SavedAt, _ = time.Parse(time.RFC3339Nano, savedAt)
		}
		countStr, err := getString(txn, keyCount)
		if err != nil {
			return fmt.Errorf("%w: missing count: %w", ErrNoSnapshot, err)
		}
		count, err := strconv.Atoi(countStr)
		if err != nil {
			return fmt.Errorf("%w: bad count %q", ErrNoSnapshot, countStr)
		}

		it := txn.NewIterator(badger.IteratorOptions{Prefix: filePrefix, PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()
		snap.Files = make([]workspace.FileExport, 0, count)
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			path := string(item.Key()[len(filePrefix):])
			var rec fileRecord
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", path, err)
			}
			snap.Files = append(snap.Files, workspace.FileExport{
				Path:        path,
				Fingerprint: rec.Fingerprint,
				Facts:       rec.Facts,
			})
		}
		if len(snap.Files) != count {
			return fmt.Errorf("%w: expected %d files, found %d", ErrNoSnapshot, count, len(snap.Files))
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Restore loads the snapshot into target, validating every file against
// the live file system.
//
// Description:
//
//	If the stored version or root differs from the given ones, nothing is
//	restored and ErrVersionMismatch is returned. Otherwise each file is
//	read: when the hash of the live content equals the stored fingerprint
//	the stored facts are restored without extraction; when it differs the
//	live content is applied through the extractors; when the file is gone
//	or unreadable it is dropped.
//
// Inputs:
//
//	ctx - Cancellation.
//	version, root - Expected version tag and workspace root.
//	target - Receives the files.
//	readFile - Reads live content. Nil means os.ReadFile.
//
// Outputs:
//
//	RestoreStats - Counters for the restore.
//	error - ErrNoSnapshot, ErrVersionMismatch, or a storage error.
func (s *SnapshotStore) Restore(ctx context.Context, version, root string, target Target, readFile func(string) ([]byte, error)) (RestoreStats, error) {
	ctx, span := tracer.Start(ctx, "SnapshotStore.Restore")
	defer span.End()
	start := time.Now()

	if readFile == nil {
		readFile = os.ReadFile
	}

	snap, err := s.Load(ctx)
	if err != nil {
		return RestoreStats{}, err
	}
	stats := RestoreStats{Entries: len(snap.Files)}
	if snap.Version != version || snap.Root != root {
		return stats, fmt.Errorf("%w: stored %q for %s, want %q for %s",
			ErrVersionMismatch, snap.Version, snap.Root, version, root)
	}

	for _, f := range snap.Files {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		content, err := readFile(f.Path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				s.logger.Warn("snapshot: cannot read file",
					slog.String("path", f.Path),
					slog.String("error", err.Error()))
			}
			stats.Dropped++
			continue
		}

		if facts.Fingerprint(content) == f.Fingerprint {
			if err := target.Restore(f.Path, f.Fingerprint, f.Facts); err != nil {
				stats.Failed++
				continue
			}
			stats.Restored++
			continue
		}
		if err := target.ApplyChange(ctx, f.Path, content); err != nil {
			stats.Failed++
			continue
		}
		stats.Reextracted++
	}

	stats.Duration = time.Since(start)
	span.SetAttributes(
		attribute.Int("snapshot.restored", stats.Restored),
		attribute.Int("snapshot.reextracted", stats.Reextracted),
		attribute.Int("snapshot.dropped", stats.Dropped),
	)
	s.logger.Info("snapshot restored",
		slog.Int("entries", stats.Entries),
		slog.Int("restored", stats.Restored),
		slog.Int("reextracted", stats.Reextracted),
		slog.Int("dropped", stats.Dropped),
		slog.Duration("duration", stats.Duration))
	return stats, nil
}

// writeFiles writes files and deletes the stale paths in one write batch.
func (s *SnapshotStore) writeFiles(ctx context.Context, files []workspace.FileExport, stale map[string]struct{}) error {
	wb := s.db.NewWriteBatch()
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			wb.Cancel()
			return err
		}
		value, err := json.Marshal(fileRecord{Fingerprint: f.Fingerprint, Facts: f.Facts})
		if err != nil {
			wb.Cancel()
			return fmt.Errorf("encode %s: %w", f.Path, err)
		}
		if err := wb.Set(fileKey(f.Path), value); err != nil {
			wb.Cancel()
			return fmt.Errorf("write %s: %w", f.Path, err)
		}
		delete(stale, f.Path)
	}
	for path := range stale {
		if err := wb.Delete(fileKey(path)); err != nil {
			wb.Cancel()
			return fmt.Errorf("delete %s: %w", path, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush snapshot files: %w", err)
	}
	return nil
}

// fileKeys returns the paths currently stored.
func (s *SnapshotStore) fileKeys(ctx context.Context) (map[string]struct{}, error) {
	keys := make(map[string]struct{})
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: filePrefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys[string(it.Item().Key()[len(filePrefix):])] = struct{}{}
		}
		return nil
	})
	return keys, err
}

func getString(txn *badger.Txn, key []byte) (string, error) {
	item, err := txn.Get(key)
	if err != nil {
		return "", err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return "", err
	}
	return string(val), nil
}
