// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package capability

import (
	"testing"
)

func TestNewContext(t *testing.T) {
	tests := []struct {
		name       string
		q          Query
		wantLine   string
		wantPrefix string
		wantLang   Language
	}{
		{
			name:       "middle of line",
			q:          Query{Path: "/a/a.services.yml", Text: "a\nhello world\nz", Position: Position{Line: 1, Character: 5}},
			wantLine:   "hello world",
			wantPrefix: "hello",
			wantLang:   LanguageYAML,
		},
		{
			name:       "character counted in runes",
			q:          Query{Path: "/a/x.php", Text: "héllo", Position: Position{Line: 0, Character: 2}},
			wantLine:   "héllo",
			wantPrefix: "hé",
			wantLang:   LanguagePHP,
		},
		{
			name:       "character clamped",
			q:          Query{Path: "/a/x.module", Text: "abc", Position: Position{Line: 0, Character: 99}},
			wantLine:   "abc",
			wantPrefix: "abc",
			wantLang:   LanguagePHP,
		},
		{
			name:       "line beyond document",
			q:          Query{Path: "/a/x.txt", Text: "abc", Position: Position{Line: 5, Character: 1}},
			wantLine:   "",
			wantPrefix: "",
			wantLang:   LanguageUnknown,
		},
		{
			name:       "crlf stripped",
			q:          Query{Path: "/a/x.yml", Text: "ab\r\ncd", Position: Position{Line: 0, Character: 9}},
			wantLine:   "ab",
			wantPrefix: "ab",
			wantLang:   LanguageYAML,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewContext(tt.q)
			if c.Line != tt.wantLine {
				t.Errorf("Line = %q, want %q", c.Line, tt.wantLine)
			}
			if c.Prefix != tt.wantPrefix {
				t.Errorf("Prefix = %q, want %q", c.Prefix, tt.wantPrefix)
			}
			if c.Language != tt.wantLang {
				t.Errorf("Language = %q, want %q", c.Language, tt.wantLang)
			}
		})
	}
}

func TestContext_Token(t *testing.T) {
	c := NewContext(Query{Path: "/a/x.php", Text: "get('logger.factory');", Position: Position{Character: 10}})
	if got := c.Token(isServiceIDRune); got != "logger.factory" {
		t.Errorf("Token = %q, want %q", got, "logger.factory")
	}

	c = NewContext(Query{Path: "/a/x.php", Text: `use \Drupal\Core\Foo;`, Position: Position{Character: 8}})
	if got := c.Token(isClassRune); got != `\Drupal\Core\Foo` {
		t.Errorf("Token = %q", got)
	}
}

func TestContext_PathFromURI(t *testing.T) {
	c := NewContext(Query{URI: "file:///srv/site/web/core/core.services.yml"})
	if c.Path != "/srv/site/web/core/core.services.yml" {
		t.Errorf("Path = %q", c.Path)
	}
	if c.Language != LanguageYAML {
		t.Errorf("Language = %q", c.Language)
	}
}

func TestURIRoundTrip(t *testing.T) {
	paths := []string{"/srv/site/core.services.yml", "/srv/my site/ünï.php"}
	for _, p := range paths {
		uri := PathToURI(p)
		if got := URIToPath(uri); got != p {
			t.Errorf("URIToPath(PathToURI(%q)) = %q", p, got)
		}
	}
	if got := PathToURI("/srv/my site/a.php"); got != "file:///srv/my%20site/a.php" {
		t.Errorf("PathToURI = %q", got)
	}
}
