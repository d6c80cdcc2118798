// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extract

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// Sentinel errors for extraction failures.
var (
	// ErrFileTooLarge indicates the content exceeds MaxFileSize.
	ErrFileTooLarge = errors.New("file too large")

	// ErrInvalidContent indicates the content is not valid UTF-8.
	ErrInvalidContent = errors.New("invalid content")

	// ErrMalformed indicates the source could not be parsed.
	//
	// It is the cause of every ParseError produced by the built-in
	// extractors, so errors.Is(err, ErrMalformed) matches them.
	ErrMalformed = errors.New("malformed source")
)

// ParseError describes where an extractor failed to parse a file.
//
// A ParseError never removes facts: the coordinator keeps the previous
// contribution of the failing extractor and reports the error as a
// diagnostic.
type ParseError struct {
	// Path is the file that failed to parse.
	Path string

	// Line is the 1-indexed line of the problem, or 0 if unknown.
	Line int

	// Message describes the problem.
	Message string

	// Cause is the underlying error.
	Cause error
}

// Error returns "path:line: message", omitting the line when unknown.
func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Unwrap returns the underlying cause.
func (e *ParseError) Unwrap() error {
	return e.Cause
}

// yamlLine matches the location yaml.v3 embeds in its error messages,
// e.g. "yaml: line 4: mapping values are not allowed in this context".
var yamlLine = regexp.MustCompile(`line (\d+)`)

// newYAMLParseError wraps a yaml.v3 decode error.
func newYAMLParseError(path string, err error) *ParseError {
	pe := &ParseError{
		Path:    path,
		Message: err.Error(),
		Cause:   fmt.Errorf("%w: %w", ErrMalformed, err),
	}
	if m := yamlLine.FindStringSubmatch(err.Error()); m != nil {
		if n, convErr := strconv.Atoi(m[1]); convErr == nil {
			pe.Line = n
		}
	}
	return pe
}

// newParseError creates a ParseError caused by ErrMalformed.
func newParseError(path string, line int, format string, args ...any) *ParseError {
	msg := fmt.Sprintf(format, args...)
	return &ParseError{Path: path, Line: line, Message: msg, Cause: ErrMalformed}
}
