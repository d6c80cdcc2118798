// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrinter_Machine(t *testing.T) {
	tests := []struct {
		name  string
		print func(p *Printer)
		want  string
	}{
		{"title hidden", func(p *Printer) { p.Title("Index") }, ""},
		{"success", func(p *Printer) { p.Success("indexed") }, "OK: indexed\n"},
		{"warning", func(p *Printer) { p.Warning("slow") }, "WARN: slow\n"},
		{"error", func(p *Printer) { p.Error("failed") }, "ERROR: failed\n"},
		{"info", func(p *Printer) { p.Info("root /ws") }, "root /ws\n"},
		{"fields", func(p *Printer) {
			p.Fields("Index Stats", []Field{{"Files", 3}, {"Files in error", 0}})
		}, "index_stats.files=3\nindex_stats.files_in_error=0\n"},
		{"list", func(p *Printer) { p.List("Errors", []string{"a.yml", "b.yml"}) }, "a.yml\nb.yml\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			p := NewPrinter(&buf, true)
			assert.True(t, p.Machine())
			tt.print(p)
			assert.Equal(t, tt.want, buf.String())
		})
	}
}

func TestPrinter_Styled(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, false)

	p.Title("DrupalLS")
	p.Success("indexed")
	p.Fields("Index", []Field{{"Files", 42}})
	p.List("Errors", nil)

	out := buf.String()
	assert.Contains(t, out, "DrupalLS")
	assert.Contains(t, out, string(IconSuccess))
	assert.Contains(t, out, "Files")
	assert.Contains(t, out, "42")
	assert.NotContains(t, out, "Errors", "an empty list prints nothing")
}

func TestIcon_Render(t *testing.T) {
	for _, icon := range []Icon{IconSuccess, IconWarning, IconError, IconArrow, IconBullet} {
		assert.Contains(t, icon.Render(), string(icon))
	}
}
