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
	"errors"
	"time"

	"github.com/AleutianAI/DrupalLS/services/drupalls/extract"
)

// ErrClosed is returned by operations on a closed Coordinator.
var ErrClosed = errors.New("workspace closed")

// Severity follows the LSP DiagnosticSeverity numbering.
type Severity int

const (
	SeverityError   Severity = 1
	SeverityWarning Severity = 2
)

// Diagnostic reports a problem found while indexing a file.
type Diagnostic struct {
	// Path is the file the diagnostic belongs to.
	Path string `json:"path"`

	// Extractor names the extractor that failed, if any.
	Extractor string `json:"extractor,omitempty"`

	// Line is the 1-indexed line, or 0 for the whole file.
	Line int `json:"line"`

	// Message describes the problem.
	Message string `json:"message"`

	// Severity is SeverityError for parse failures.
	Severity Severity `json:"severity"`

	// At is when the problem was detected.
	At time.Time `json:"at"`
}

// Reporter receives the complete diagnostic list of a file after each
// update. An empty list clears earlier diagnostics for the file.
//
// Report is called without any index lock held.
type Reporter interface {
	Report(path string, diagnostics []Diagnostic)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(path string, diagnostics []Diagnostic)

// Report implements Reporter.
func (f ReporterFunc) Report(path string, diagnostics []Diagnostic) {
	f(path, diagnostics)
}

type nopReporter struct{}

func (nopReporter) Report(string, []Diagnostic) {}

// diagnosticFromError converts an extractor failure into a Diagnostic.
func diagnosticFromError(path, extractor string, err error, at time.Time) Diagnostic {
	d := Diagnostic{
		Path:      path,
		Extractor: extractor,
		Message:   err.Error(),
		Severity:  SeverityError,
		At:        at,
	}
	var pe *extract.ParseError
	if errors.As(err, &pe) {
		d.Line = pe.Line
		d.Message = pe.Message
	}
	return d
}
