// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workspace

import (
	"path/filepath"

	"github.com/AleutianAI/DrupalLS/services/drupalls/facts"
)

// Snapshot is a read-only view of the index, valid only inside the
// function passed to Coordinator.Read.
type Snapshot struct {
	c *Coordinator
}

// Get returns the effective fact of kind for key.
func (s Snapshot) Get(kind facts.Kind, key string) (facts.Fact, bool) {
	store, ok := s.c.stores[kind]
	if !ok {
		return facts.Fact{}, false
	}
	return store.Get(key)
}

// Search runs a ranked search over the facts of kind.
func (s Snapshot) Search(kind facts.Kind, query string, limit int) []facts.Fact {
	store, ok := s.c.stores[kind]
	if !ok {
		return []facts.Fact{}
	}
	return store.Search(query, limit)
}

// Declarations returns every live declaration of key, the effective one last.
func (s Snapshot) Declarations(kind facts.Kind, key string) []facts.Fact {
	store, ok := s.c.stores[kind]
	if !ok {
		return nil
	}
	return store.Declarations(key)
}

// Supersessions returns the recorded supersessions of kind, oldest first.
func (s Snapshot) Supersessions(kind facts.Kind) []facts.Supersession {
	store, ok := s.c.stores[kind]
	if !ok {
		return nil
	}
	return store.Supersessions()
}

// Len returns the number of keys of kind.
func (s Snapshot) Len(kind facts.Kind) int {
	store, ok := s.c.stores[kind]
	if !ok {
		return 0
	}
	return store.Len()
}

// Contribution returns a copy of what path contributed.
func (s Snapshot) Contribution(path string) (FileContribution, bool) {
	contrib, ok := s.c.files[filepath.Clean(path)]
	if !ok {
		return FileContribution{}, false
	}
	return *contrib.clone(), true
}

// Kinds returns the kinds that currently have a store.
func (s Snapshot) Kinds() []facts.Kind {
	out := make([]facts.Kind, 0, len(s.c.stores))
	for kind := range s.c.stores {
		out = append(out, kind)
	}
	return out
}
