// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package facts

import (
	"strings"
	"time"
)

const (
	// DefaultSearchLimit is used when Search is called with limit <= 0.
	DefaultSearchLimit = 50

	// DefaultMaxSupersessions bounds the supersession history of a store.
	DefaultMaxSupersessions = 256

	// compactThreshold is the minimum number of tombstones before the
	// insertion order slice is compacted.
	compactThreshold = 64
)

// Supersession records that a declaration of Key from one file replaced the
// effective declaration from another file.
type Supersession struct {
	// Kind is the kind of the store that recorded the event.
	Kind Kind `json:"kind"`

	// Key is the contested fact key.
	Key string `json:"key"`

	// Previous is the declaration that stopped being effective.
	Previous Fact `json:"previous"`

	// Current is the declaration that became effective.
	Current Fact `json:"current"`

	// At is when the supersession happened.
	At time.Time `json:"at"`

	// Restored is true when Current became effective again because the
	// Previous owner's declaration was removed.
	Restored bool `json:"restored"`
}

// StoreStats summarizes a store for diagnostics.
type StoreStats struct {
	Kind          Kind `json:"kind"`
	Keys          int  `json:"keys"`
	Declarations  int  `json:"declarations"`
	Shadowed      int  `json:"shadowed"`
	Supersessions int  `json:"supersessions"`
}

// entry holds every live declaration of a key. The last declaration is the
// effective one. Each path appears at most once.
type entry struct {
	key          string
	decls        []Fact
	lowerKey     string
	lowerDisplay string
	removed      bool
}

func (e *entry) owner() Fact {
	return e.decls[len(e.decls)-1]
}

func (e *entry) indexOf(path string) int {
	for i := range e.decls {
		if e.decls[i].Path == path {
			return i
		}
	}
	return -1
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithMaxSupersessions sets the size of the supersession ring.
func WithMaxSupersessions(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.maxSupersessions = n
		}
	}
}

// WithClock overrides the time source used for supersession timestamps.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithDisplayAttribute overrides the attribute Search matches besides the key.
func WithDisplayAttribute(name string) StoreOption {
	return func(s *Store) {
		s.display = name
	}
}

// Store is the fact table for a single kind.
//
// Description:
//
//	Store maps a key to its effective fact with O(1) lookup, keeps the keys
//	in insertion order for stable search ranking, and retains shadowed
//	declarations from other files so they can be restored.
//
// Thread Safety:
//
//	NOT safe for concurrent use. Callers must provide external locking.
type Store struct {
	kind    Kind
	display string

	entries map[string]*entry
	order   []*entry
	dead    int

	supersessions    []Supersession
	supersessionHead int
	maxSupersessions int

	now func() time.Time
}

// NewStore creates an empty store for kind.
func NewStore(kind Kind, opts ...StoreOption) *Store {
	s := &Store{
		kind:             kind,
		display:          DisplayAttributes[kind],
		entries:          make(map[string]*entry),
		maxSupersessions: DefaultMaxSupersessions,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Kind returns the kind of facts held by the store.
func (s *Store) Kind() Kind {
	return s.kind
}

// Upsert inserts or replaces a declaration.
//
// Description:
//
//	If the key is new, the fact becomes effective. If the same file already
//	declares the key with identical content, the declaration is refreshed in
//	place and ownership does not change. Otherwise the fact becomes the
//	effective declaration, and if a different file owned the key before, a
//	Supersession is recorded and the old declaration is kept as shadowed.
//
// Outputs:
//
//	Supersession - The recorded supersession, valid only when the bool is true.
//	bool - True if a different file's declaration was superseded.
func (s *Store) Upsert(f Fact) (Supersession, bool) {
	f = f.Clone()
	e, ok := s.entries[f.Key]
	if !ok {
		e = &entry{key: f.Key, lowerKey: strings.ToLower(f.Key)}
		e.decls = []Fact{f}
		e.lowerDisplay = strings.ToLower(f.StringAttr(s.display))
		s.entries[f.Key] = e
		s.order = append(s.order, e)
		return Supersession{}, false
	}

	prev := e.owner()
	idx := e.indexOf(f.Path)
	if idx >= 0 && e.decls[idx].SameDeclaration(f) {
		e.decls[idx] = f
		if idx == len(e.decls)-1 {
			e.lowerDisplay = strings.ToLower(f.StringAttr(s.display))
		}
		return Supersession{}, false
	}
	if idx >= 0 {
		e.decls = append(e.decls[:idx], e.decls[idx+1:]...)
	}
	e.decls = append(e.decls, f)
	e.lowerDisplay = strings.ToLower(f.StringAttr(s.display))

	if prev.Path == f.Path {
		return Supersession{}, false
	}
	sup := Supersession{Kind: s.kind, Key: f.Key, Previous: prev, Current: f, At: s.now()}
	s.recordSupersession(sup)
	return sup, true
}

// Remove drops the key and every declaration of it. Removing an absent key
// is a no-op.
func (s *Store) Remove(key string) bool {
	e, ok := s.entries[key]
	if !ok {
		return false
	}
	s.dropEntry(e)
	return true
}

// RemoveDeclaration drops the declaration of key made by path.
//
// Description:
//
//	If path owned the key and another file still declares it, that
//	declaration becomes effective again and a restoring Supersession is
//	recorded. If path was the only declarer, the key disappears.
//
// Outputs:
//
//	bool - True if a declaration was removed.
func (s *Store) RemoveDeclaration(key, path string) bool {
	e, ok := s.entries[key]
	if !ok {
		return false
	}
	idx := e.indexOf(path)
	if idx < 0 {
		return false
	}
	removed := e.decls[idx]
	wasOwner := idx == len(e.decls)-1
	e.decls = append(e.decls[:idx], e.decls[idx+1:]...)

	if len(e.decls) == 0 {
		s.dropEntry(e)
		return true
	}
	if wasOwner {
		current := e.owner()
		e.lowerDisplay = strings.ToLower(current.StringAttr(s.display))
		s.recordSupersession(Supersession{
			Kind:     s.kind,
			Key:      key,
			Previous: removed,
			Current:  current,
			At:       s.now(),
			Restored: true,
		})
	}
	return true
}

// Get returns a copy of the effective fact for key.
func (s *Store) Get(key string) (Fact, bool) {
	e, ok := s.entries[key]
	if !ok {
		return Fact{}, false
	}
	return e.owner().Clone(), true
}

// Declaration returns the declaration of key made by path, effective or not.
func (s *Store) Declaration(key, path string) (Fact, bool) {
	e, ok := s.entries[key]
	if !ok {
		return Fact{}, false
	}
	if idx := e.indexOf(path); idx >= 0 {
		return e.decls[idx].Clone(), true
	}
	return Fact{}, false
}

// Declarations returns every live declaration of key, oldest first. The last
// element is the effective fact.
func (s *Store) Declarations(key string) []Fact {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	out := make([]Fact, len(e.decls))
	for i := range e.decls {
		out[i] = e.decls[i].Clone()
	}
	return out
}

// Search finds facts whose key or display attribute contains query.
//
// Description:
//
//	Matching is case-insensitive. Results are ranked with prefix matches
//	(on key or display attribute) first, then substring matches, each group
//	in insertion order. The scan stops early once limit prefix matches have
//	been found. An empty query matches every fact.
//
// Inputs:
//
//	query - The text to match.
//	limit - Maximum results. Values <= 0 use DefaultSearchLimit.
//
// Outputs:
//
//	[]Fact - Copies of the matching effective facts. Never nil.
func (s *Store) Search(query string, limit int) []Fact {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	q := strings.ToLower(query)

	prefix := make([]*entry, 0, min(limit, len(s.entries)))
	var substring []*entry
	for _, e := range s.order {
		if e.removed {
			continue
		}
		switch {
		case strings.HasPrefix(e.lowerKey, q) || strings.HasPrefix(e.lowerDisplay, q):
			prefix = append(prefix, e)
		case len(substring) < limit &&
			(strings.Contains(e.lowerKey, q) || strings.Contains(e.lowerDisplay, q)):
			substring = append(substring, e)
		}
		if len(prefix) >= limit {
			break
		}
	}

	out := make([]Fact, 0, min(limit, len(prefix)+len(substring)))
	for _, group := range [][]*entry{prefix, substring} {
		for _, e := range group {
			if len(out) >= limit {
				return out
			}
			out = append(out, e.owner().Clone())
		}
	}
	return out
}

// Supersessions returns the recorded supersessions, oldest first.
func (s *Store) Supersessions() []Supersession {
	n := len(s.supersessions)
	out := make([]Supersession, 0, n)
	if n < s.maxSupersessions {
		return append(out, s.supersessions...)
	}
	out = append(out, s.supersessions[s.supersessionHead:]...)
	return append(out, s.supersessions[:s.supersessionHead]...)
}

// Len returns the number of keys in the store.
func (s *Store) Len() int {
	return len(s.entries)
}

// All returns the effective facts in insertion order.
func (s *Store) All() []Fact {
	out := make([]Fact, 0, len(s.entries))
	for _, e := range s.order {
		if !e.removed {
			out = append(out, e.owner().Clone())
		}
	}
	return out
}

// Stats returns counts describing the store.
func (s *Store) Stats() StoreStats {
	st := StoreStats{Kind: s.kind, Keys: len(s.entries), Supersessions: len(s.supersessions)}
	for _, e := range s.entries {
		st.Declarations += len(e.decls)
		st.Shadowed += len(e.decls) - 1
	}
	return st
}

func (s *Store) dropEntry(e *entry) {
	delete(s.entries, e.key)
	e.removed = true
	e.decls = nil
	s.dead++
	if s.dead >= compactThreshold && s.dead*2 > len(s.order) {
		s.compact()
	}
}

func (s *Store) compact() {
	live := make([]*entry, 0, len(s.entries))
	for _, e := range s.order {
		if !e.removed {
			live = append(live, e)
		}
	}
	s.order = live
	s.dead = 0
}

func (s *Store) recordSupersession(sup Supersession) {
	if len(s.supersessions) < s.maxSupersessions {
		s.supersessions = append(s.supersessions, sup)
		return
	}
	s.supersessions[s.supersessionHead] = sup
	s.supersessionHead = (s.supersessionHead + 1) % s.maxSupersessions
}
