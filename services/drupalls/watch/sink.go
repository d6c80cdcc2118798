// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch feeds file changes from disk into the workspace index.
//
// The Scanner performs the initial bounded walk of a workspace; the Watcher
// follows fsnotify events afterwards. Both deliver through a Sink, which the
// workspace coordinator implements. Delivery is at-least-once: the sink must
// tolerate repeated notifications for the same content.
package watch

import (
	"context"
	"errors"
)

// ErrRootInaccessible is returned when the workspace root cannot be read.
var ErrRootInaccessible = errors.New("workspace root inaccessible")

// Sink receives file notifications.
//
// *workspace.Coordinator implements it.
type Sink interface {
	// Handles reports whether path is a file the sink indexes.
	Handles(path string) bool

	// NotifyChanged delivers the current content of path.
	NotifyChanged(ctx context.Context, path string, content []byte) error

	// NotifyDeleted reports that path (a file or a directory) is gone.
	NotifyDeleted(ctx context.Context, path string) error
}

// DefaultSkipDirs are directory names never walked or watched.
var DefaultSkipDirs = []string{".git", "vendor", "node_modules", ".idea", "files"}
