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
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/DrupalLS/pkg/logging"
	"github.com/AleutianAI/DrupalLS/services/drupalls/config"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
	debugAddr  string
	plain      bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "drupalls",
		Short: "Language server for Drupal workspaces",
		Long: `drupalls indexes the services, parameters and classes declared in a
Drupal workspace and serves completion, hover and go-to-definition to
editors over the Language Server Protocol.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "configuration file (default <root>/"+config.FileName+")")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides the config file)")
	flags.StringVar(&opts.debugAddr, "debug-addr", "", "listen address for the debug HTTP API (overrides the config file)")
	flags.BoolVar(&opts.plain, "plain", false, "plain key=value output for scripts")

	cmd.AddCommand(
		newServeCmd(opts),
		newIndexCmd(opts),
		newResolveCmd(opts),
	)
	return cmd
}

// loadConfig reads the configuration for root and applies flag overrides.
func (o *rootOptions) loadConfig(root string) (config.Config, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return config.Config{}, fmt.Errorf("resolve root %s: %w", root, err)
	}
	cfg, err := config.Load(o.configPath, abs)
	if err != nil {
		return config.Config{}, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.debugAddr != "" {
		cfg.Debug.Addr = o.debugAddr
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// newLogger builds the process logger from the logging section. Logs
// always go to stderr; stdout belongs to the protocol stream.
func newLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Config{
		Level:   level,
		Format:  logging.Format(cfg.Format),
		LogDir:  cfg.Dir,
		Service: "drupalls",
		Quiet:   cfg.Quiet,
		Writer:  os.Stderr,
	}), nil
}

// rootArg returns args[0], or the working directory when absent.
func rootArg(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("working directory: %w", err)
	}
	return wd, nil
}
