// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the DrupalLS configuration file.
//
// Configuration is read from .drupalls.yaml at the workspace root, or from
// an explicit path. A missing default file means built-in defaults; values
// present in the file override the defaults field by field.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/DrupalLS/services/drupalls/resolve"
	"github.com/AleutianAI/DrupalLS/services/drupalls/watch"
)

// FileName is the configuration file looked up at the workspace root.
const FileName = ".drupalls.yaml"

// ErrInvalidConfig is returned when the file parses but fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete DrupalLS configuration.
type Config struct {
	Workspace  WorkspaceConfig  `yaml:"workspace"`
	Resolver   ResolverConfig   `yaml:"resolver"`
	Completion CompletionConfig `yaml:"completion"`
	Watcher    WatcherConfig    `yaml:"watcher"`
	Snapshot   SnapshotConfig   `yaml:"snapshot"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Debug      DebugConfig      `yaml:"debug"`
}

// WorkspaceConfig controls the initial scan.
type WorkspaceConfig struct {
	// Root is the workspace root. Set from the command line, never read
	// from the file.
	Root string `yaml:"-"`

	// SkipDirs are directory names never scanned or watched.
	SkipDirs []string `yaml:"skip_dirs" validate:"dive,required"`

	// ScanConcurrency is the number of files read in parallel.
	ScanConcurrency int `yaml:"scan_concurrency" validate:"gte=1,lte=64"`
}

// ResolverConfig controls PSR-4 class resolution.
type ResolverConfig struct {
	CorePrefixes   []string `yaml:"core_prefixes" validate:"min=1,dive,required"`
	CoreDir        string   `yaml:"core_dir" validate:"required"`
	ModuleRoots    []string `yaml:"module_roots" validate:"min=1,dive,required"`
	SourceDir      string   `yaml:"source_dir" validate:"required"`
	MaxDepth       int      `yaml:"max_depth" validate:"gte=1,lte=10"`
	MaxVisitedDirs int      `yaml:"max_visited_dirs" validate:"gte=1"`
	SkipDirs       []string `yaml:"skip_dirs" validate:"dive,required"`
}

// CompletionConfig controls completion lists.
type CompletionConfig struct {
	MaxResults int `yaml:"max_results" validate:"gte=1,lte=1000"`
}

// WatcherConfig controls the file watcher.
type WatcherConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Debounce       time.Duration `yaml:"debounce" validate:"gte=0"`
	BufferSize     int           `yaml:"buffer_size" validate:"gte=1"`
	IgnorePatterns []string      `yaml:"ignore_patterns"`
}

// SnapshotConfig controls the persisted index snapshot.
type SnapshotConfig struct {
	Enabled bool `yaml:"enabled"`

	// Path is the Badger directory. Relative paths are resolved against
	// the workspace root.
	Path string `yaml:"path" validate:"required_if=Enabled true"`

	GCInterval time.Duration `yaml:"gc_interval" validate:"gte=0"`
}

// LoggingConfig controls logging.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=auto text json"`
	Dir    string `yaml:"dir"`
	Quiet  bool   `yaml:"quiet"`
}

// TelemetryConfig controls OpenTelemetry exporters.
type TelemetryConfig struct {
	Traces       string `yaml:"traces" validate:"oneof=none stdout otlp"`
	Metrics      string `yaml:"metrics" validate:"oneof=none stdout prometheus"`
	OTLPEndpoint string `yaml:"otlp_endpoint" validate:"required_if=Traces otlp"`
}

// DebugConfig controls the debug HTTP API.
type DebugConfig struct {
	// Addr is the listen address. Empty disables the API.
	Addr string `yaml:"addr" validate:"omitempty,hostname_port"`
}

// Default returns the built-in configuration for root.
func Default(root string) Config {
	rc := resolve.DefaultConfig(root)
	prefixes := make([]string, len(rc.CorePrefixes))
	for i, p := range rc.CorePrefixes {
		prefixes[i] = strings.Join(p, `\`)
	}
	wo := watch.DefaultWatcherOptions()

	return Config{
		Workspace: WorkspaceConfig{
			Root:            root,
			SkipDirs:        append([]string{}, watch.DefaultSkipDirs...),
			ScanConcurrency: watch.DefaultScanConcurrency,
		},
		Resolver: ResolverConfig{
			CorePrefixes:   prefixes,
			CoreDir:        rc.CoreDir,
			ModuleRoots:    rc.ModuleRoots,
			SourceDir:      rc.SourceDir,
			MaxDepth:       rc.MaxDepth,
			MaxVisitedDirs: rc.MaxVisitedDirs,
			SkipDirs:       rc.SkipDirs,
		},
		Completion: CompletionConfig{MaxResults: 50},
		Watcher: WatcherConfig{
			Enabled:        true,
			Debounce:       wo.DebounceWindow,
			BufferSize:     wo.BufferSize,
			IgnorePatterns: wo.IgnorePatterns,
		},
		Snapshot: SnapshotConfig{
			Enabled:    false,
			Path:       filepath.Join(".drupalls", "index"),
			GCInterval: 10 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
		Telemetry: TelemetryConfig{
			Traces:  "none",
			Metrics: "prometheus",
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads the configuration for root.
//
// Description:
//
//	When path is empty, root/.drupalls.yaml is used and a missing file
//	yields Default(root). An explicit path must exist. Unknown keys are
//	rejected so typos surface instead of being silently ignored.
//
// Inputs:
//
//	path - Explicit configuration file, or "".
//	root - Absolute workspace root.
//
// Outputs:
//
//	Config - The validated configuration.
//	error - Read or parse errors, or ErrInvalidConfig (wrapped).
func Load(path, root string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = filepath.Join(root, FileName)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			cfg := Default(root)
			return cfg, cfg.Validate()
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data, root)
}

// Parse decodes data over the defaults for root and validates the result.
func Parse(data []byte, root string) (Config, error) {
	cfg := Default(root)
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.Workspace.Root = root
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the struct constraints.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
}

// ResolveConfig converts the resolver section for the workspace root.
func (c Config) ResolveConfig() resolve.Config {
	prefixes := make([][]string, 0, len(c.Resolver.CorePrefixes))
	for _, p := range c.Resolver.CorePrefixes {
		if parts := resolve.SplitFQCN(p); len(parts) > 0 {
			prefixes = append(prefixes, parts)
		}
	}
	return resolve.Config{
		Root:           c.Workspace.Root,
		CorePrefixes:   prefixes,
		CoreDir:        c.Resolver.CoreDir,
		ModuleRoots:    c.Resolver.ModuleRoots,
		SourceDir:      c.Resolver.SourceDir,
		MaxDepth:       c.Resolver.MaxDepth,
		MaxVisitedDirs: c.Resolver.MaxVisitedDirs,
		SkipDirs:       c.Resolver.SkipDirs,
	}
}

// WatcherOptions converts the watcher section.
func (c Config) WatcherOptions() watch.WatcherOptions {
	return watch.WatcherOptions{
		DebounceWindow: c.Watcher.Debounce,
		IgnorePatterns: c.Watcher.IgnorePatterns,
		BufferSize:     c.Watcher.BufferSize,
	}
}

// SnapshotPath returns the snapshot directory, absolute.
func (c Config) SnapshotPath() string {
	if filepath.IsAbs(c.Snapshot.Path) {
		return c.Snapshot.Path
	}
	return filepath.Join(c.Workspace.Root, c.Snapshot.Path)
}

// ScannerOptions converts the workspace section.
func (c Config) ScannerOptions() []watch.ScannerOption {
	return []watch.ScannerOption{
		watch.WithSkipDirs(c.Workspace.SkipDirs...),
		watch.WithConcurrency(c.Workspace.ScanConcurrency),
	}
}
