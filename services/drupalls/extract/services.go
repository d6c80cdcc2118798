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
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/DrupalLS/services/drupalls/facts"
)

// servicesSuffix matches Drupal container definition files.
var servicesSuffix = suffixMatcher{".services.yml"}

// ServicesExtractor reads service definitions from *.services.yml files.
//
// Description:
//
//	Every entry under the top-level services: mapping becomes a fact of kind
//	"service" keyed by the service ID. Entries whose ID starts with "_"
//	(such as _defaults) are container directives and are skipped.
//
//	Recognized attributes:
//	  class, parent, factory, alias, decorates - strings
//	  arguments, tags                          - lists of strings
//	  public, abstract                         - "true" or "false"
//
//	"id: '@other'" is the short alias form and sets alias. A null value
//	under a fully qualified class name key sets class to the key.
//
// Thread Safety: Safe for concurrent use.
type ServicesExtractor struct{}

// NewServicesExtractor creates a ServicesExtractor.
func NewServicesExtractor() *ServicesExtractor {
	return &ServicesExtractor{}
}

// Name implements Extractor.
func (e *ServicesExtractor) Name() string { return "services" }

// Kind implements Extractor.
func (e *ServicesExtractor) Kind() facts.Kind { return facts.KindService }

// Match implements Extractor.
func (e *ServicesExtractor) Match(path string) bool { return servicesSuffix.match(path) }

// Extract implements Extractor.
func (e *ServicesExtractor) Extract(ctx context.Context, path string, content []byte) ([]facts.Fact, error) {
	section, err := topLevelSection(path, content, "services")
	if err != nil || section == nil {
		return nil, err
	}

	out := make([]facts.Fact, 0, len(section.Content)/2)
	for i := 0; i+1 < len(section.Content); i += 2 {
		if i%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		keyNode, valNode := section.Content[i], resolveAlias(section.Content[i+1])
		id := keyNode.Value
		if id == "" || strings.HasPrefix(id, "_") {
			continue
		}
		attrs, err := serviceAttributes(path, id, valNode)
		if err != nil {
			return nil, err
		}
		out = append(out, facts.Fact{
			Kind:       facts.KindService,
			Key:        id,
			Attributes: attrs,
			Line:       keyNode.Line,
		})
	}
	return out, nil
}

func serviceAttributes(path, id string, n *yaml.Node) (map[string]any, error) {
	attrs := make(map[string]any)
	switch n.Kind {
	case yaml.ScalarNode:
		switch {
		case isNull(n):
			if looksLikeClass(id) {
				attrs["class"] = id
			}
		case strings.HasPrefix(n.Value, "@"):
			attrs["alias"] = strings.TrimPrefix(n.Value, "@")
		default:
			return nil, newParseError(path, n.Line, "service %q: unexpected scalar %q", id, n.Value)
		}
		return attrs, nil
	case yaml.MappingNode:
	default:
		return nil, newParseError(path, n.Line, "service %q: definition must be a mapping", id)
	}

	for i := 0; i+1 < len(n.Content); i += 2 {
		key, val := n.Content[i].Value, resolveAlias(n.Content[i+1])
		switch key {
		case "class", "parent", "decorates":
			if val.Kind == yaml.ScalarNode && !isNull(val) {
				attrs[key] = strings.TrimPrefix(val.Value, "@")
			}
		case "alias":
			if val.Kind == yaml.ScalarNode {
				attrs["alias"] = strings.TrimPrefix(val.Value, "@")
			}
		case "factory":
			attrs["factory"] = factoryString(val)
		case "public", "abstract":
			if val.Kind == yaml.ScalarNode {
				attrs[key] = strings.ToLower(val.Value)
			}
		case "arguments":
			if val.Kind != yaml.SequenceNode {
				if isNull(val) {
					continue
				}
				return nil, newParseError(path, val.Line, "service %q: arguments must be a sequence", id)
			}
			args := make([]string, 0, len(val.Content))
			for _, item := range val.Content {
				args = append(args, renderNode(item))
			}
			attrs["arguments"] = args
		case "tags":
			if val.Kind == yaml.SequenceNode {
				attrs["tags"] = tagNames(val)
			}
		}
	}
	if _, ok := attrs["class"]; !ok && looksLikeClass(id) {
		attrs["class"] = id
	}
	return attrs, nil
}

// tagNames returns the name of each tag entry. Entries may be mappings with
// a name key or bare strings.
func tagNames(seq *yaml.Node) []string {
	names := make([]string, 0, len(seq.Content))
	for _, item := range seq.Content {
		item = resolveAlias(item)
		switch item.Kind {
		case yaml.ScalarNode:
			names = append(names, item.Value)
		case yaml.MappingNode:
			for i := 0; i+1 < len(item.Content); i += 2 {
				if item.Content[i].Value == "name" {
					names = append(names, item.Content[i+1].Value)
				}
			}
		}
	}
	return names
}

// factoryString renders "service:method", "Class::method" and the sequence
// form ['@service', 'method'] as a single string.
func factoryString(n *yaml.Node) string {
	if n.Kind == yaml.SequenceNode {
		parts := make([]string, 0, len(n.Content))
		for _, item := range n.Content {
			parts = append(parts, strings.TrimPrefix(renderNode(item), "@"))
		}
		return strings.Join(parts, ":")
	}
	return strings.TrimPrefix(n.Value, "@")
}

// ParametersExtractor reads container parameters from *.services.yml files.
//
// Every entry under the top-level parameters: mapping becomes a fact of
// kind "parameter" with a single "value" attribute. Scalars are kept as
// strings, sequences and mappings keep their structure.
type ParametersExtractor struct{}

// NewParametersExtractor creates a ParametersExtractor.
func NewParametersExtractor() *ParametersExtractor {
	return &ParametersExtractor{}
}

// Name implements Extractor.
func (e *ParametersExtractor) Name() string { return "parameters" }

// Kind implements Extractor.
func (e *ParametersExtractor) Kind() facts.Kind { return facts.KindParameter }

// Match implements Extractor.
func (e *ParametersExtractor) Match(path string) bool { return servicesSuffix.match(path) }

// Extract implements Extractor.
func (e *ParametersExtractor) Extract(ctx context.Context, path string, content []byte) ([]facts.Fact, error) {
	section, err := topLevelSection(path, content, "parameters")
	if err != nil || section == nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]facts.Fact, 0, len(section.Content)/2)
	for i := 0; i+1 < len(section.Content); i += 2 {
		keyNode := section.Content[i]
		if keyNode.Value == "" {
			continue
		}
		out = append(out, facts.Fact{
			Kind:       facts.KindParameter,
			Key:        keyNode.Value,
			Attributes: map[string]any{"value": nodeValue(section.Content[i+1])},
			Line:       keyNode.Line,
		})
	}
	return out, nil
}

// topLevelSection decodes content and returns the mapping stored under name.
//
// It returns (nil, nil) for empty documents and documents without the
// section, and a *ParseError for malformed YAML or a section that is neither
// a mapping nor null.
func topLevelSection(path string, content []byte, name string) (*yaml.Node, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, newYAMLParseError(path, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, nil
	}
	root := resolveAlias(doc.Content[0])
	if isNull(root) {
		return nil, nil
	}
	if root.Kind != yaml.MappingNode {
		return nil, newParseError(path, root.Line, "top level must be a mapping")
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value != name {
			continue
		}
		section := resolveAlias(root.Content[i+1])
		if isNull(section) {
			return nil, nil
		}
		if section.Kind != yaml.MappingNode {
			return nil, newParseError(path, section.Line, "%s: must be a mapping", name)
		}
		return section, nil
	}
	return nil, nil
}

func resolveAlias(n *yaml.Node) *yaml.Node {
	for n != nil && n.Kind == yaml.AliasNode && n.Alias != nil {
		n = n.Alias
	}
	return n
}

func isNull(n *yaml.Node) bool {
	return n == nil || (n.Kind == yaml.ScalarNode && (n.ShortTag() == "!!null"))
}

// nodeValue converts a node into strings, []any and map[string]any.
func nodeValue(n *yaml.Node) any {
	n = resolveAlias(n)
	switch n.Kind {
	case yaml.SequenceNode:
		out := make([]any, 0, len(n.Content))
		for _, item := range n.Content {
			out = append(out, nodeValue(item))
		}
		return out
	case yaml.MappingNode:
		out := make(map[string]any, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			out[n.Content[i].Value] = nodeValue(n.Content[i+1])
		}
		return out
	default:
		if isNull(n) {
			return ""
		}
		return n.Value
	}
}

// renderNode renders a node as a compact single-line string.
func renderNode(n *yaml.Node) string {
	n = resolveAlias(n)
	switch n.Kind {
	case yaml.SequenceNode:
		parts := make([]string, 0, len(n.Content))
		for _, item := range n.Content {
			parts = append(parts, renderNode(item))
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case yaml.MappingNode:
		parts := make([]string, 0, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			parts = append(parts, n.Content[i].Value+": "+renderNode(n.Content[i+1]))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		if n.ShortTag() == "!!null" {
			return "null"
		}
		return n.Value
	}
}

// looksLikeClass reports whether s is a namespaced PHP class name.
func looksLikeClass(s string) bool {
	return strings.Contains(s, `\`) && !strings.ContainsAny(s, " @%")
}
