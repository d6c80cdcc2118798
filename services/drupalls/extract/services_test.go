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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/DrupalLS/services/drupalls/facts"
)

const coreServices = `parameters:
  session.storage.options:
    gc_probability: 1
  twig.config:
    debug: false
  app.root: /var/www

services:
  _defaults:
    autoconfigure: true
  logger.factory:
    class: Drupal\Core\Logger\LoggerChannelFactory
    parent: container.trait
    tags:
      - { name: service_collector, tag: logger, call: addLogger }
  logger.channel.default:
    parent: logger.channel_base
    arguments: ['system']
  cache.default:
    class: Drupal\Core\Cache\CacheBackendInterface
    factory: cache_factory:get
    arguments: [default, '@config.factory', ['a', 'b']]
    public: false
  Drupal\Core\Session\AccountProxyInterface: '@current_user'
  Drupal\Core\Datetime\DateFormatter: ~
  current_user:
    alias: '@account_proxy'
`

func factsByKey(fs []facts.Fact) map[string]facts.Fact {
	out := make(map[string]facts.Fact, len(fs))
	for _, f := range fs {
		out[f.Key] = f
	}
	return out
}

func TestServicesExtractor_Extract(t *testing.T) {
	e := NewServicesExtractor()
	got, err := e.Extract(context.Background(), "core/core.services.yml", []byte(coreServices))
	require.NoError(t, err)

	byKey := factsByKey(got)
	require.Len(t, byKey, 6)
	assert.NotContains(t, byKey, "_defaults")

	logger := byKey["logger.factory"]
	assert.Equal(t, facts.KindService, logger.Kind)
	assert.Equal(t, `Drupal\Core\Logger\LoggerChannelFactory`, logger.StringAttr("class"))
	assert.Equal(t, "container.trait", logger.StringAttr("parent"))
	assert.Equal(t, []string{"service_collector"}, logger.ListAttr("tags"))
	assert.Equal(t, 11, logger.Line)

	channel := byKey["logger.channel.default"]
	assert.Equal(t, []string{"system"}, channel.ListAttr("arguments"))

	cache := byKey["cache.default"]
	assert.Equal(t, "cache_factory:get", cache.StringAttr("factory"))
	assert.Equal(t, []string{"default", "@config.factory", "[a, b]"}, cache.ListAttr("arguments"))
	assert.Equal(t, "false", cache.StringAttr("public"))

	proxy := byKey[`Drupal\Core\Session\AccountProxyInterface`]
	assert.Equal(t, "current_user", proxy.StringAttr("alias"))

	formatter := byKey[`Drupal\Core\Datetime\DateFormatter`]
	assert.Equal(t, `Drupal\Core\Datetime\DateFormatter`, formatter.StringAttr("class"))

	assert.Equal(t, "account_proxy", byKey["current_user"].StringAttr("alias"))
}

func TestServicesExtractor_EmptyAndMissingSections(t *testing.T) {
	e := NewServicesExtractor()
	tests := []struct {
		name    string
		content string
	}{
		{"empty file", ""},
		{"comment only", "# nothing here\n"},
		{"no services key", "parameters:\n  a: b\n"},
		{"null services", "services:\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Extract(context.Background(), "x.services.yml", []byte(tt.content))
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestServicesExtractor_Malformed(t *testing.T) {
	e := NewServicesExtractor()
	tests := []struct {
		name     string
		content  string
		wantLine int
	}{
		{"broken yaml", "services:\n  a:\n    class: [unclosed\n", 0},
		{"services not a mapping", "services:\n  - a\n  - b\n", 2},
		{"definition not a mapping", "services:\n  a: [1, 2]\n", 2},
		{"top level sequence", "- a\n", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Extract(context.Background(), "x.services.yml", []byte(tt.content))
			require.Error(t, err)

			var pe *ParseError
			require.True(t, errors.As(err, &pe))
			assert.True(t, errors.Is(err, ErrMalformed))
			assert.Equal(t, "x.services.yml", pe.Path)
			if tt.wantLine > 0 {
				assert.Equal(t, tt.wantLine, pe.Line)
			}
		})
	}
}

func TestServicesExtractor_YAMLErrorLine(t *testing.T) {
	content := "services:\n  a:\n    class: Foo\n   bad: indent\n"
	_, err := NewServicesExtractor().Extract(context.Background(), "x.services.yml", []byte(content))

	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.Greater(t, pe.Line, 0)
}

func TestParametersExtractor_Extract(t *testing.T) {
	e := NewParametersExtractor()
	got, err := e.Extract(context.Background(), "core/core.services.yml", []byte(coreServices))
	require.NoError(t, err)

	byKey := factsByKey(got)
	require.Len(t, byKey, 3)

	root := byKey["app.root"]
	assert.Equal(t, facts.KindParameter, root.Kind)
	assert.Equal(t, "/var/www", root.StringAttr("value"))
	assert.Equal(t, 6, root.Line)

	opts, ok := byKey["session.storage.options"].Attributes["value"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "1", opts["gc_probability"])
}

func TestMatch(t *testing.T) {
	tests := []struct {
		path       string
		services   bool
		parameters bool
		class      bool
	}{
		{"core/core.services.yml", true, true, false},
		{"modules/foo/foo.services.yml", true, true, false},
		{"modules/foo/foo.SERVICES.YML", true, true, false},
		{".services.yml", false, false, false},
		{"modules/foo/foo.routing.yml", false, false, false},
		{"modules/foo/src/Foo.php", false, false, true},
		{"modules/foo/foo.module", false, false, true},
		{"modules/foo/foo.install", false, false, true},
		{"themes/bar/bar.theme", false, false, true},
		{"README.md", false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.services, NewServicesExtractor().Match(tt.path))
			assert.Equal(t, tt.parameters, NewParametersExtractor().Match(tt.path))
			assert.Equal(t, tt.class, NewClassExtractor().Match(tt.path))
		})
	}
}
