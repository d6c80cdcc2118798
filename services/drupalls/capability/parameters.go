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
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/AleutianAI/DrupalLS/services/drupalls/facts"
	"github.com/AleutianAI/DrupalLS/services/drupalls/workspace"
)

var (
	yamlParameterTriggers = []*regexp.Regexp{
		regexp.MustCompile(`['"]%([\w.\-]*)$`),
		regexp.MustCompile(`^\s*-\s*%([\w.\-]*)$`),
	}
	phpParameterTriggers = []*regexp.Regexp{
		regexp.MustCompile(`->getParameter\(\s*['"]([\w.\-]*)$`),
	}
)

func parameterTrigger(c *Context) (string, bool) {
	switch c.Language {
	case LanguageYAML:
		return matchTrigger(c.Prefix, yamlParameterTriggers)
	case LanguagePHP:
		return matchTrigger(c.Prefix, phpParameterTriggers)
	default:
		return "", false
	}
}

// ParameterCompletion completes container parameter names after '% in YAML
// and inside ->getParameter(' in PHP. In YAML the closing % is inserted.
type ParameterCompletion struct{}

// Name implements Completer.
func (p *ParameterCompletion) Name() string { return "parameter_completion" }

// CanComplete implements Completer.
func (p *ParameterCompletion) CanComplete(c *Context) bool {
	_, ok := parameterTrigger(c)
	return ok
}

// Complete implements Completer.
func (p *ParameterCompletion) Complete(_ context.Context, c *Context, snap workspace.Snapshot, limit int) []CompletionItem {
	partial, ok := parameterTrigger(c)
	if !ok {
		return nil
	}
	suffix := ""
	if c.Language == LanguageYAML {
		suffix = "%"
	}
	found := snap.Search(facts.KindParameter, partial, limit)
	items := make([]CompletionItem, 0, len(found))
	for _, f := range found {
		items = append(items, CompletionItem{
			Label:         f.Key,
			Detail:        parameterValue(f),
			Documentation: "Defined in " + f.Path,
			InsertText:    f.Key + suffix,
			Kind:          ItemParameter,
		})
	}
	return items
}

// parameterValue renders the value attribute on one line.
func parameterValue(f facts.Fact) string {
	v, ok := f.Attributes["value"]
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}

// parameterToken returns the parameter name when the token under the
// cursor is wrapped in % signs.
func parameterToken(c *Context) (string, bool) {
	start, end := c.TokenRange(isServiceIDRune)
	if start == end {
		return "", false
	}
	if c.RuneAt(start-1) != '%' || c.RuneAt(end) != '%' {
		return "", false
	}
	return c.Token(isServiceIDRune), true
}

// ParameterHover shows the value of the %parameter% under the cursor.
type ParameterHover struct{}

// Name implements Hoverer.
func (p *ParameterHover) Name() string { return "parameter_hover" }

// CanHover implements Hoverer.
func (p *ParameterHover) CanHover(c *Context) bool {
	_, ok := parameterToken(c)
	return ok
}

// Hover implements Hoverer.
func (p *ParameterHover) Hover(_ context.Context, c *Context, snap workspace.Snapshot) (Hover, bool) {
	key, ok := parameterToken(c)
	if !ok {
		return Hover{}, false
	}
	f, ok := snap.Get(facts.KindParameter, key)
	if !ok {
		return Hover{}, false
	}
	doc := fmt.Sprintf("**Value:** `%s`\n\nDefined in `%s:%d`", parameterValue(f), f.Path, f.Line)
	return Hover{Detail: "parameter " + f.Key, Documentation: doc}, true
}
