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

// Service reference triggers. The last capture group is the partially typed
// service ID.
var (
	phpServiceTriggers = []*regexp.Regexp{
		regexp.MustCompile(`\\Drupal::service\(\s*['"]([\w.\-]*)$`),
		regexp.MustCompile(`->get\(\s*['"]([\w.\-]*)$`),
	}
	yamlServiceTriggers = []*regexp.Regexp{
		regexp.MustCompile(`['"]@([\w.\-]*)$`),
		regexp.MustCompile(`^\s*-\s*@([\w.\-]*)$`),
		regexp.MustCompile(`^\s*(?:parent|decorates):\s*['"]?([\w.\-]*)$`),
		regexp.MustCompile(`^\s*alias:\s*['"]?@?([\w.\-]*)$`),
	}
)

// matchTrigger returns the typed partial of the first matching trigger.
func matchTrigger(prefix string, triggers []*regexp.Regexp) (string, bool) {
	for _, re := range triggers {
		if m := re.FindStringSubmatch(prefix); m != nil {
			return m[len(m)-1], true
		}
	}
	return "", false
}

// serviceTrigger returns the partial service ID typed at the cursor.
func serviceTrigger(c *Context) (string, bool) {
	switch c.Language {
	case LanguagePHP:
		return matchTrigger(c.Prefix, phpServiceTriggers)
	case LanguageYAML:
		return matchTrigger(c.Prefix, yamlServiceTriggers)
	default:
		return "", false
	}
}

// ServiceCompletion completes container service IDs.
//
// PHP triggers: \Drupal::service(' and ->get('. YAML triggers: '@ or "@
// inside arguments, "- @" list items, and parent:, decorates: and alias:
// values.
type ServiceCompletion struct{}

// Name implements Completer.
func (s *ServiceCompletion) Name() string { return "service_completion" }

// CanComplete implements Completer.
func (s *ServiceCompletion) CanComplete(c *Context) bool {
	_, ok := serviceTrigger(c)
	return ok
}

// Complete implements Completer.
func (s *ServiceCompletion) Complete(_ context.Context, c *Context, snap workspace.Snapshot, limit int) []CompletionItem {
	partial, ok := serviceTrigger(c)
	if !ok {
		return nil
	}
	found := snap.Search(facts.KindService, partial, limit)
	items := make([]CompletionItem, 0, len(found))
	for _, f := range found {
		items = append(items, CompletionItem{
			Label:         f.Key,
			Detail:        serviceDetail(f),
			Documentation: "Defined in " + f.Path,
			InsertText:    f.Key,
			Kind:          ItemService,
		})
	}
	return items
}

func serviceDetail(f facts.Fact) string {
	if class := f.StringAttr("class"); class != "" {
		return class
	}
	if alias := f.StringAttr("alias"); alias != "" {
		return "alias of " + alias
	}
	if parent := f.StringAttr("parent"); parent != "" {
		return "child of " + parent
	}
	return ""
}

// serviceToken returns the service ID under the cursor with a leading "@"
// removed.
func serviceToken(c *Context) string {
	return strings.TrimPrefix(c.Token(isServiceIDRune), "@")
}

// ServiceHover describes the service under the cursor.
type ServiceHover struct{}

// Name implements Hoverer.
func (s *ServiceHover) Name() string { return "service_hover" }

// CanHover implements Hoverer.
func (s *ServiceHover) CanHover(c *Context) bool {
	return c.Language != LanguageUnknown && serviceToken(c) != ""
}

// Hover implements Hoverer.
func (s *ServiceHover) Hover(_ context.Context, c *Context, snap workspace.Snapshot) (Hover, bool) {
	key := serviceToken(c)
	f, ok := snap.Get(facts.KindService, key)
	if !ok {
		return Hover{}, false
	}

	var doc strings.Builder
	if class := f.StringAttr("class"); class != "" {
		fmt.Fprintf(&doc, "**Class:** `%s`\n\n", class)
	}
	for _, attr := range []string{"alias", "parent", "factory", "decorates"} {
		if v := f.StringAttr(attr); v != "" {
			fmt.Fprintf(&doc, "**%s:** `%s`\n\n", strings.ToUpper(attr[:1])+attr[1:], v)
		}
	}
	if args := f.ListAttr("arguments"); len(args) > 0 {
		doc.WriteString("**Arguments:**\n")
		for _, a := range args {
			fmt.Fprintf(&doc, "- `%s`\n", a)
		}
		doc.WriteString("\n")
	}
	if tags := f.ListAttr("tags"); len(tags) > 0 {
		fmt.Fprintf(&doc, "**Tags:** %s\n\n", strings.Join(tags, ", "))
	}
	fmt.Fprintf(&doc, "Defined in `%s:%d`", f.Path, f.Line)

	decls := snap.Declarations(facts.KindService, key)
	if len(decls) > 1 {
		doc.WriteString("\n\nAlso declared in:\n")
		for _, d := range decls[:len(decls)-1] {
			fmt.Fprintf(&doc, "- `%s:%d`\n", d.Path, d.Line)
		}
	}

	return Hover{Detail: "service " + f.Key, Documentation: strings.TrimRight(doc.String(), "\n")}, true
}

// ServiceDefinition jumps from a service reference to its declaration.
type ServiceDefinition struct{}

// Name implements Definer.
func (s *ServiceDefinition) Name() string { return "service_definition" }

// CanDefine implements Definer.
func (s *ServiceDefinition) CanDefine(c *Context) bool {
	return c.Language != LanguageUnknown && serviceToken(c) != ""
}

// Define implements Definer.
func (s *ServiceDefinition) Define(_ context.Context, c *Context, idx Index) (Location, bool) {
	key := serviceToken(c)
	var f facts.Fact
	var ok bool
	idx.Read(func(snap workspace.Snapshot) {
		f, ok = snap.Get(facts.KindService, key)
	})
	if !ok {
		return Location{}, false
	}
	return definitionLocation(f.Path, f.Line), true
}
