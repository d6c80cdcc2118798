// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides terminal output styling for the drupalls CLI.
//
// Output goes through a Printer so commands can write to any writer. A
// machine Printer drops colors and decoration and prints one stable
// line per item, for scripts.
package ux

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Color palette.
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // Bright teal - highlights, success
	ColorTealPrimary = lipgloss.Color("#20B9B4") // Primary teal - main brand color
	ColorTealDeep    = lipgloss.Color("#16858E") // Deep teal - borders, accents
	ColorSlate       = lipgloss.Color("#2C4A54") // Slate - muted text, borders

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title     lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style
	Label     lipgloss.Style

	Box        lipgloss.Style
	WarningBox lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorTealBright).Bold(true),
	Label:     lipgloss.NewStyle().Foreground(ColorTealPrimary).Width(16),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	WarningBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorWarning).
		Padding(0, 1),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
)

// Render returns the icon with appropriate styling
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	default:
		return string(i)
	}
}

// Field is one labeled value in a box or a machine record.
type Field struct {
	Label string
	Value any
}

// Printer writes styled or machine-readable output.
//
// # Thread Safety
//
// Not safe for concurrent use. Commands print from one goroutine.
type Printer struct {
	w       io.Writer
	machine bool
}

// NewPrinter creates a printer writing to w. When machine is true the
// output is plain "KEY: value" style lines without colors or boxes.
func NewPrinter(w io.Writer, machine bool) *Printer {
	return &Printer{w: w, machine: machine}
}

// Machine reports whether the printer emits machine output.
func (p *Printer) Machine() bool {
	return p.machine
}

// Title prints a styled title. Machine printers print nothing.
func (p *Printer) Title(text string) {
	if p.machine {
		return
	}
	fmt.Fprintln(p.w, Styles.Title.Render(text))
}

// Success prints a success message with checkmark
func (p *Printer) Success(text string) {
	if p.machine {
		fmt.Fprintf(p.w, "OK: %s\n", text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
}

// Warning prints a warning message
func (p *Printer) Warning(text string) {
	if p.machine {
		fmt.Fprintf(p.w, "WARN: %s\n", text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
}

// Error prints an error message
func (p *Printer) Error(text string) {
	if p.machine {
		fmt.Fprintf(p.w, "ERROR: %s\n", text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", IconError.Render(), Styles.Error.Render(text))
}

// Info prints an informational message
func (p *Printer) Info(text string) {
	if p.machine {
		fmt.Fprintln(p.w, text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", Styles.Muted.Render("│"), text)
}

// Fields prints labeled values in a rounded box. Machine printers print
// one "title.label=value" line per field, with labels lowercased and
// spaces replaced by underscores.
func (p *Printer) Fields(title string, fields []Field) {
	if p.machine {
		prefix := machineKey(title)
		for _, f := range fields {
			fmt.Fprintf(p.w, "%s.%s=%v\n", prefix, machineKey(f.Label), f.Value)
		}
		return
	}
	lines := make([]string, 0, len(fields)+1)
	lines = append(lines, Styles.Title.Render(title))
	for _, f := range fields {
		lines = append(lines, Styles.Label.Render(f.Label)+fmt.Sprint(f.Value))
	}
	fmt.Fprintln(p.w, Styles.Box.Render(strings.Join(lines, "\n")))
}

// List prints a bulleted list under a title. Machine printers print the
// items one per line.
func (p *Printer) List(title string, items []string) {
	if p.machine {
		for _, item := range items {
			fmt.Fprintln(p.w, item)
		}
		return
	}
	if len(items) == 0 {
		return
	}
	fmt.Fprintln(p.w, Styles.Bold.Render(title))
	for _, item := range items {
		fmt.Fprintf(p.w, "  %s %s\n", Styles.Muted.Render(string(IconBullet)), item)
	}
}

func machineKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "_")
}
