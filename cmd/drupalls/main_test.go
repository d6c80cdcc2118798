// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/DrupalLS/services/drupalls/config"
)

func writeFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func fixtureWorkspace(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, "core/core.services.yml",
		"parameters:\n  session.storage.options: {}\nservices:\n  logger.factory:\n    class: Drupal\\Core\\Logger\\LoggerChannelFactory\n")
	writeFile(t, root, "modules/custom/foo/foo.services.yml",
		"services:\n  foo.bar:\n    class: Drupal\\foo\\Bar\n")
	writeFile(t, root, "modules/custom/foo/src/Bar.php",
		"<?php\nnamespace Drupal\\foo;\n\nclass Bar {}\n")
	return root
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestIndexCommand_Plain(t *testing.T) {
	root := fixtureWorkspace(t)

	out, err := execute(t, "index", root, "--plain", "--log-level", "error")
	require.NoError(t, err)

	assert.Contains(t, out, "index.files=3\n")
	assert.Contains(t, out, "index.files_in_error=0\n")
	assert.Contains(t, out, "index.service=2\n")
	assert.Contains(t, out, "OK: indexed 3 file(s)\n")
	assert.NotContains(t, out, "snapshot not used", "plain output omits informational lines")
}

func TestIndexCommand_ParseFailureWarns(t *testing.T) {
	root := fixtureWorkspace(t)
	writeFile(t, root, "modules/custom/broken/broken.services.yml", "services:\n  broken: [\n")

	out, err := execute(t, "index", root, "--plain", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "index.files_in_error=1\n")
	assert.Contains(t, out, "WARN: 1 file(s) failed to parse")
}

func TestIndexCommand_Styled(t *testing.T) {
	root := fixtureWorkspace(t)

	out, err := execute(t, "index", root, "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "DrupalLS index")
	assert.Contains(t, out, "snapshot not used: snapshots disabled")
}

func TestResolveCommand(t *testing.T) {
	root := fixtureWorkspace(t)

	out, err := execute(t, "resolve", `Drupal\foo\Bar`, "--root", root, "--plain", "--log-level", "error")
	require.NoError(t, err)
	path := strings.TrimSpace(out)
	assert.True(t, strings.HasSuffix(path, filepath.Join("modules", "custom", "foo", "src", "Bar.php")+":4"), path)

	_, err = execute(t, "resolve", `Drupal\foo\Missing`, "--root", root, "--plain", "--log-level", "error")
	assert.ErrorIs(t, err, errNotResolved)
}

func TestLoadConfig_Overrides(t *testing.T) {
	root := t.TempDir()
	opts := &rootOptions{logLevel: "debug", debugAddr: "127.0.0.1:7070"}

	cfg, err := opts.loadConfig(root)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "127.0.0.1:7070", cfg.Debug.Addr)
	assert.Equal(t, root, cfg.Workspace.Root)

	opts.logLevel = "loud"
	_, err = opts.loadConfig(root)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestLoadConfig_ExplicitFile(t *testing.T) {
	root := t.TempDir()
	path := writeFile(t, root, "custom.yaml", "completion:\n  max_results: 7\n")

	cfg, err := (&rootOptions{configPath: path}).loadConfig(root)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Completion.MaxResults)

	_, err = (&rootOptions{configPath: filepath.Join(root, "missing.yaml")}).loadConfig(root)
	assert.Error(t, err)
}

func TestInitTelemetry_None(t *testing.T) {
	shutdown, err := initTelemetry(context.Background(), config.TelemetryConfig{Traces: "none", Metrics: "none"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestVersionFlag(t *testing.T) {
	out, err := execute(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, version)
}
