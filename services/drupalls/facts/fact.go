// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package facts holds the keyed, per-kind fact tables of the workspace index.
//
// A Fact is one extracted piece of structured information about the
// workspace, such as a service definition from a *.services.yml file.
// Facts of the same kind live in a Store, keyed by a string that is unique
// within that kind.
//
// # Ownership Model
//
// Every fact records the file that declared it. When two files declare the
// same key, the later-processed declaration wins and the loser is kept as a
// shadowed declaration together with a Supersession record, so conflicts
// remain diagnosable and the shadowed declaration takes effect again if the
// winner goes away.
//
// # Thread Safety
//
// Store is NOT safe for concurrent use on its own. The workspace coordinator
// owns every Store and guards all of them with a single read/write lock.
package facts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"maps"
	"reflect"
	"strings"
)

// Kind tags the category of a fact.
type Kind string

// Fact kinds produced by the built-in extractors.
const (
	// KindService is a container service declared in a *.services.yml file.
	KindService Kind = "service"

	// KindParameter is a container parameter from the parameters: section.
	KindParameter Kind = "parameter"

	// KindClass is a PHP class, interface, trait or enum declaration.
	KindClass Kind = "class"
)

// DisplayAttributes names, per kind, the attribute that Search matches in
// addition to the key.
var DisplayAttributes = map[Kind]string{
	KindService:   "class",
	KindParameter: "value",
	KindClass:     "name",
}

// Fact is the generic envelope for one extracted declaration.
//
// Attribute values are strings, lists of strings, or nested mappings. After a
// JSON round trip lists come back as []any, which the accessors handle.
type Fact struct {
	// Kind is the category of the fact.
	Kind Kind `json:"kind"`

	// Key identifies the fact within its kind (e.g. a service ID).
	Key string `json:"key"`

	// Attributes holds the kind-specific payload.
	Attributes map[string]any `json:"attributes,omitempty"`

	// Path is the source file that declared the fact.
	Path string `json:"path"`

	// Line is the 1-indexed line of the primary declaration (0 if unknown).
	Line int `json:"line"`

	// Fingerprint is the content hash of Path when the fact was extracted.
	Fingerprint string `json:"fingerprint"`
}

// Validate checks that the fact carries the fields the index relies on.
func (f Fact) Validate() error {
	if f.Kind == "" {
		return fmt.Errorf("%w: kind is empty", ErrInvalidFact)
	}
	if strings.TrimSpace(f.Key) == "" {
		return fmt.Errorf("%w: key is empty", ErrInvalidFact)
	}
	if f.Path == "" {
		return fmt.Errorf("%w: path is empty for key %q", ErrInvalidFact, f.Key)
	}
	if f.Line < 0 {
		return fmt.Errorf("%w: negative line %d for key %q", ErrInvalidFact, f.Line, f.Key)
	}
	return nil
}

// StringAttr returns the string attribute name, or "" when absent or not a string.
func (f Fact) StringAttr(name string) string {
	if s, ok := f.Attributes[name].(string); ok {
		return s
	}
	return ""
}

// ListAttr returns the list attribute name as strings.
//
// A plain string attribute is returned as a one-element list. Non-string
// elements are formatted with %v.
func (f Fact) ListAttr(name string) []string {
	switch v := f.Attributes[name].(type) {
	case []string:
		out := make([]string, len(v))
		copy(out, v)
		return out
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			} else {
				out = append(out, fmt.Sprint(item))
			}
		}
		return out
	case string:
		return []string{v}
	default:
		return nil
	}
}

// BoolAttr returns the boolean attribute name and whether it was set.
func (f Fact) BoolAttr(name string) (bool, bool) {
	switch v := f.Attributes[name].(type) {
	case bool:
		return v, true
	case string:
		switch strings.ToLower(v) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
	}
	return false, false
}

// Clone returns a copy whose top-level attribute map can be modified freely.
func (f Fact) Clone() Fact {
	if f.Attributes != nil {
		f.Attributes = maps.Clone(f.Attributes)
	}
	return f
}

// SameDeclaration reports whether two facts describe the same declaration,
// ignoring the fingerprint.
func (f Fact) SameDeclaration(other Fact) bool {
	if f.Kind != other.Kind || f.Key != other.Key || f.Path != other.Path || f.Line != other.Line {
		return false
	}
	if len(f.Attributes) == 0 && len(other.Attributes) == 0 {
		return true
	}
	return reflect.DeepEqual(normalize(f.Attributes), normalize(other.Attributes))
}

// normalize rewrites []string values as []any so that attributes compare
// equal before and after a JSON round trip.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = normalize(item)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = item
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalize(item)
		}
		return out
	default:
		return v
	}
}

// Fingerprint returns the hex-encoded SHA-256 of content.
func Fingerprint(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
