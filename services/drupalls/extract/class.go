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
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/php"

	"github.com/AleutianAI/DrupalLS/services/drupalls/facts"
)

// phpSuffixes covers PHP sources and the Drupal extension files that hold
// PHP code.
var phpSuffixes = suffixMatcher{".php", ".module", ".inc", ".install", ".theme", ".profile", ".engine"}

// declarationTypes maps tree-sitter node types to the "type" attribute.
var declarationTypes = map[string]string{
	"class_declaration":     "class",
	"interface_declaration": "interface",
	"trait_declaration":     "trait",
	"enum_declaration":      "enum",
}

// ClassExtractor emits a "class" fact for each class, interface, trait and
// enum declared in a PHP file.
//
// Description:
//
//	Facts are keyed by fully qualified class name without the leading
//	backslash. Attributes:
//	  name       - short name
//	  namespace  - declaring namespace ("" for the global namespace)
//	  type       - class, interface, trait or enum
//	  extends    - parent class FQCN (classes only)
//	  implements - interface FQCNs (or parent interfaces for interfaces)
//	  abstract   - "true" for abstract classes
//
//	Names in extends and implements are resolved against the file's
//	namespace and use statements.
//
//	A file with syntax errors yields a *ParseError so the previous facts of
//	the file survive while it is being edited.
//
// Thread Safety:
//
//	Safe for concurrent use. A new tree-sitter parser is created per call.
type ClassExtractor struct{}

// NewClassExtractor creates a ClassExtractor.
func NewClassExtractor() *ClassExtractor {
	return &ClassExtractor{}
}

// Name implements Extractor.
func (e *ClassExtractor) Name() string { return "classes" }

// Kind implements Extractor.
func (e *ClassExtractor) Kind() facts.Kind { return facts.KindClass }

// Match implements Extractor.
func (e *ClassExtractor) Match(path string) bool { return phpSuffixes.match(path) }

// Extract implements Extractor.
func (e *ClassExtractor) Extract(ctx context.Context, path string, content []byte) ([]facts.Fact, error) {
	tree, err := parsePHP(ctx, content)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil {
		return nil, newParseError(path, 0, "tree-sitter returned nil root node")
	}
	if root.HasError() {
		return nil, newParseError(path, firstErrorLine(root), "PHP syntax error")
	}

	w := &phpWalker{src: content, uses: make(map[string]string)}
	w.walk(root)
	return w.out, nil
}

// DeclarationLine returns the 1-indexed line where fqcn is declared in
// content.
//
// Unlike Extract it tolerates syntax errors, so a location can still be
// reported for a file that is being edited.
func DeclarationLine(ctx context.Context, content []byte, fqcn string) (int, bool) {
	tree, err := parsePHP(ctx, content)
	if err != nil {
		return 0, false
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil {
		return 0, false
	}
	w := &phpWalker{src: content, uses: make(map[string]string)}
	w.walk(root)

	want := strings.TrimPrefix(fqcn, `\`)
	for _, f := range w.out {
		if strings.EqualFold(f.Key, want) {
			return f.Line, true
		}
	}
	return 0, false
}

// parsePHP parses content with a fresh parser.
func parsePHP(ctx context.Context, content []byte) (*sitter.Tree, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(php.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse failed: %w", err)
	}
	return tree, nil
}

// firstErrorLine returns the 1-indexed line of the first ERROR or missing
// node, or 0 if none is found.
func firstErrorLine(n *sitter.Node) int {
	if n == nil {
		return 0
	}
	if n.Type() == "ERROR" || n.IsMissing() {
		return int(n.StartPoint().Row) + 1
	}
	if !n.HasError() {
		return 0
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		if line := firstErrorLine(n.Child(i)); line > 0 {
			return line
		}
	}
	return 0
}

// phpWalker collects declarations while tracking the current namespace and
// use imports.
type phpWalker struct {
	src       []byte
	namespace string
	uses      map[string]string
	out       []facts.Fact
}

// walk visits the statements of a program or namespace body.
func (w *phpWalker) walk(n *sitter.Node) {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		switch child.Type() {
		case "namespace_definition":
			w.enterNamespace(child)
		case "namespace_use_declaration":
			w.addUses(child)
		case "class_declaration", "interface_declaration", "trait_declaration", "enum_declaration":
			w.addDeclaration(child)
		case "compound_statement":
			w.walk(child)
		}
	}
}

// enterNamespace handles both "namespace A\B;" which applies to the rest
// of the file, and "namespace A\B { ... }" which scopes a block.
func (w *phpWalker) enterNamespace(n *sitter.Node) {
	name := ""
	if nameNode := n.ChildByFieldName("name"); nameNode != nil {
		name = nameNode.Content(w.src)
	}
	body := n.ChildByFieldName("body")
	if body == nil {
		w.namespace = name
		w.uses = make(map[string]string)
		return
	}

	outerNS, outerUses := w.namespace, w.uses
	w.namespace, w.uses = name, make(map[string]string)
	w.walk(body)
	w.namespace, w.uses = outerNS, outerUses
}

// addUses records "use A\B\C;", "use A\B\C as D;" and group uses.
func (w *phpWalker) addUses(n *sitter.Node) {
	text := strings.TrimSpace(n.Content(w.src))
	text = strings.TrimSuffix(strings.TrimPrefix(text, "use"), ";")
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "function ") || strings.HasPrefix(text, "const ") {
		return
	}

	prefix := ""
	if open := strings.Index(text, "{"); open >= 0 {
		prefix = strings.TrimSpace(text[:open])
		text = strings.TrimSuffix(strings.TrimSpace(text[open+1:]), "}")
	}
	for _, clause := range strings.Split(text, ",") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		full, alias := clause, ""
		if idx := strings.Index(strings.ToLower(clause), " as "); idx >= 0 {
			full, alias = strings.TrimSpace(clause[:idx]), strings.TrimSpace(clause[idx+4:])
		}
		full = strings.TrimPrefix(prefix+full, `\`)
		if alias == "" {
			alias = lastSegment(full)
		}
		w.uses[strings.ToLower(alias)] = full
	}
}

func (w *phpWalker) addDeclaration(n *sitter.Node) {
	nameNode := n.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	name := nameNode.Content(w.src)
	fqcn := name
	if w.namespace != "" {
		fqcn = w.namespace + `\` + name
	}

	attrs := map[string]any{
		"name":      name,
		"namespace": w.namespace,
		"type":      declarationTypes[n.Type()],
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		switch child.Type() {
		case "base_clause":
			parents := w.names(child)
			if n.Type() == "interface_declaration" {
				if len(parents) > 0 {
					attrs["implements"] = parents
				}
			} else if len(parents) > 0 {
				attrs["extends"] = parents[0]
			}
		case "class_interface_clause":
			if ifaces := w.names(child); len(ifaces) > 0 {
				attrs["implements"] = ifaces
			}
		case "abstract_modifier":
			attrs["abstract"] = "true"
		}
	}

	w.out = append(w.out, facts.Fact{
		Kind:       facts.KindClass,
		Key:        fqcn,
		Attributes: attrs,
		Line:       int(nameNode.StartPoint().Row) + 1,
	})
}

// names resolves every name listed in a base or interface clause.
func (w *phpWalker) names(clause *sitter.Node) []string {
	var out []string
	for i := 0; i < int(clause.NamedChildCount()); i++ {
		child := clause.NamedChild(i)
		switch child.Type() {
		case "name", "qualified_name":
			out = append(out, w.resolve(child.Content(w.src)))
		}
	}
	return out
}

// resolve turns a class reference into a fully qualified name.
func (w *phpWalker) resolve(ref string) string {
	if strings.HasPrefix(ref, `\`) {
		return strings.TrimPrefix(ref, `\`)
	}
	first, rest, qualified := strings.Cut(ref, `\`)
	if full, ok := w.uses[strings.ToLower(first)]; ok {
		if qualified {
			return full + `\` + rest
		}
		return full
	}
	if w.namespace == "" {
		return ref
	}
	return w.namespace + `\` + ref
}

func lastSegment(fqcn string) string {
	if idx := strings.LastIndex(fqcn, `\`); idx >= 0 {
		return fqcn[idx+1:]
	}
	return fqcn
}
