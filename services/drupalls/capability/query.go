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
	"net/url"
	"path/filepath"
	"strings"
	"unicode"
)

// Position is a 0-indexed line and character offset. Character counts
// Unicode code points from the start of the line.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Query is one editor request: a document, its current text and the
// cursor position.
type Query struct {
	// URI is the document URI (file://...).
	URI string

	// Path is the document path. Derived from URI when empty.
	Path string

	// Text is the full current document text.
	Text string

	// Position is the cursor.
	Position Position
}

// Language is the document language as derived from the file name.
type Language string

const (
	LanguageUnknown Language = ""
	LanguagePHP     Language = "php"
	LanguageYAML    Language = "yaml"
)

var phpExtensions = map[string]bool{
	".php": true, ".module": true, ".inc": true, ".install": true,
	".theme": true, ".profile": true, ".engine": true,
}

// LanguageOf returns the language of path by extension.
func LanguageOf(path string) Language {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case phpExtensions[ext]:
		return LanguagePHP
	case ext == ".yml" || ext == ".yaml":
		return LanguageYAML
	default:
		return LanguageUnknown
	}
}

// Context is the cursor context derived from a Query.
type Context struct {
	// Query is the originating query.
	Query Query

	// Path is the document path.
	Path string

	// Language is the document language.
	Language Language

	// Line is the text of the cursor line without the line terminator.
	Line string

	// Prefix is the text of the cursor line before the cursor.
	Prefix string

	// cursor is the rune offset of the cursor within Line.
	cursor int
	runes  []rune
}

// NewContext derives the cursor context of q. Positions beyond the end of
// the document or line are clamped.
func NewContext(q Query) *Context {
	path := q.Path
	if path == "" && q.URI != "" {
		path = URIToPath(q.URI)
	}

	lines := strings.Split(q.Text, "\n")
	lineIdx := q.Position.Line
	if lineIdx < 0 {
		lineIdx = 0
	}
	line := ""
	if lineIdx < len(lines) {
		line = strings.TrimSuffix(lines[lineIdx], "\r")
	}

	runes := []rune(line)
	cursor := q.Position.Character
	if cursor < 0 {
		cursor = 0
	}
	if cursor > len(runes) {
		cursor = len(runes)
	}

	return &Context{
		Query:    q,
		Path:     path,
		Language: LanguageOf(path),
		Line:     line,
		Prefix:   string(runes[:cursor]),
		cursor:   cursor,
		runes:    runes,
	}
}

// Token returns the run of characters satisfying isPart that contains or
// touches the cursor.
func (c *Context) Token(isPart func(rune) bool) string {
	start, end := c.TokenRange(isPart)
	return string(c.runes[start:end])
}

// TokenRange returns the rune offsets [start, end) of Token.
func (c *Context) TokenRange(isPart func(rune) bool) (int, int) {
	start := c.cursor
	for start > 0 && isPart(c.runes[start-1]) {
		start--
	}
	end := c.cursor
	for end < len(c.runes) && isPart(c.runes[end]) {
		end++
	}
	return start, end
}

// RuneAt returns the rune at offset i of the line, or 0 when out of range.
func (c *Context) RuneAt(i int) rune {
	if i < 0 || i >= len(c.runes) {
		return 0
	}
	return c.runes[i]
}

// isServiceIDRune matches characters of service and parameter names.
func isServiceIDRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '_' || r == '-'
}

// isClassRune matches characters of a possibly qualified class name.
func isClassRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '\\'
}

// PathToURI converts an absolute file path to a file:// URI.
//
// Description:
//
//	Properly encodes the path for use in a file:// URI, handling special
//	characters like spaces, unicode, and other reserved characters.
func PathToURI(path string) string {
	if !filepath.IsAbs(path) {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}
	u := &url.URL{Scheme: "file", Path: filepath.ToSlash(path)}
	return u.String()
}

// URIToPath converts a file:// URI to a file path, decoding escapes.
func URIToPath(uri string) string {
	if u, err := url.Parse(uri); err == nil && u.Scheme == "file" {
		return filepath.FromSlash(u.Path)
	}
	return strings.TrimPrefix(uri, "file://")
}
