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
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/AleutianAI/DrupalLS/services/drupalls/facts"
	"github.com/AleutianAI/DrupalLS/services/drupalls/workspace"
)

var (
	yamlClassTrigger = regexp.MustCompile(`^\s*class:\s*['"]?\\?([\w\\]*)$`)
	phpUseTrigger    = regexp.MustCompile(`^\s*use\s+\\?([\w\\]*)$`)

	// yamlClassLine matches a class: entry of a service definition.
	yamlClassLine = regexp.MustCompile(`^\s*class:\s*\S`)
)

func classTrigger(c *Context) (string, bool) {
	var re *regexp.Regexp
	switch c.Language {
	case LanguageYAML:
		re = yamlClassTrigger
	case LanguagePHP:
		re = phpUseTrigger
	default:
		return "", false
	}
	m := re.FindStringSubmatch(c.Prefix)
	if m == nil {
		return "", false
	}
	return strings.ReplaceAll(m[1], `\\`, `\`), true
}

// classToken returns the class name under the cursor without a leading
// backslash. Doubled backslashes from quoted YAML are collapsed.
func classToken(c *Context) string {
	tok := strings.ReplaceAll(c.Token(isClassRune), `\\`, `\`)
	return strings.Trim(tok, `\`)
}

// ClassCompletion completes class names after "class:" in services files
// and after "use" in PHP files.
type ClassCompletion struct{}

// Name implements Completer.
func (cc *ClassCompletion) Name() string { return "class_completion" }

// CanComplete implements Completer.
func (cc *ClassCompletion) CanComplete(c *Context) bool {
	_, ok := classTrigger(c)
	return ok
}

// Complete implements Completer.
func (cc *ClassCompletion) Complete(_ context.Context, c *Context, snap workspace.Snapshot, limit int) []CompletionItem {
	partial, ok := classTrigger(c)
	if !ok {
		return nil
	}
	found := snap.Search(facts.KindClass, partial, limit)
	items := make([]CompletionItem, 0, len(found))
	for _, f := range found {
		items = append(items, CompletionItem{
			Label:         f.Key,
			Detail:        f.StringAttr("type"),
			Documentation: "Declared in " + f.Path,
			InsertText:    f.Key,
			Kind:          ItemClass,
		})
	}
	return items
}

// ClassHover describes an indexed class under the cursor.
type ClassHover struct{}

// Name implements Hoverer.
func (h *ClassHover) Name() string { return "class_hover" }

// CanHover implements Hoverer.
func (h *ClassHover) CanHover(c *Context) bool {
	return strings.Contains(classToken(c), `\`)
}

// Hover implements Hoverer.
func (h *ClassHover) Hover(_ context.Context, c *Context, snap workspace.Snapshot) (Hover, bool) {
	f, ok := snap.Get(facts.KindClass, classToken(c))
	if !ok {
		return Hover{}, false
	}
	var doc strings.Builder
	if parent := f.StringAttr("extends"); parent != "" {
		fmt.Fprintf(&doc, "**Extends:** `%s`\n\n", parent)
	}
	if ifaces := f.ListAttr("implements"); len(ifaces) > 0 {
		fmt.Fprintf(&doc, "**Implements:** `%s`\n\n", strings.Join(ifaces, "`, `"))
	}
	fmt.Fprintf(&doc, "Declared in `%s:%d`", f.Path, f.Line)
	return Hover{Detail: f.StringAttr("type") + " " + f.Key, Documentation: doc.String()}, true
}

// ClassDefinition jumps from a class name to its declaring file.
//
// The class is resolved through PSR-4 resolution first; if that fails the
// class facts of the index are consulted.
type ClassDefinition struct{}

// Name implements Definer.
func (d *ClassDefinition) Name() string { return "class_definition" }

// CanDefine implements Definer.
func (d *ClassDefinition) CanDefine(c *Context) bool {
	tok := classToken(c)
	if tok == "" {
		return false
	}
	if strings.Contains(tok, `\`) {
		return true
	}
	return c.Language == LanguageYAML && yamlClassLine.MatchString(c.Line)
}

// Define implements Definer.
func (d *ClassDefinition) Define(ctx context.Context, c *Context, idx Index) (Location, bool) {
	fqcn := classToken(c)
	if loc, ok := idx.ResolveClassLocation(ctx, fqcn); ok {
		return definitionLocation(loc.Path, loc.Line), true
	}

	var f facts.Fact
	var ok bool
	idx.Read(func(snap workspace.Snapshot) {
		f, ok = snap.Get(facts.KindClass, fqcn)
	})
	if !ok {
		return Location{}, false
	}
	return definitionLocation(f.Path, f.Line), true
}
