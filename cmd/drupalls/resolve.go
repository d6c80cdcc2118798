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
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/DrupalLS/pkg/ux"
	"github.com/AleutianAI/DrupalLS/services/drupalls/resolve"
)

// errNotResolved is returned when a class has no file in the workspace.
var errNotResolved = errors.New("class not resolved")

func newResolveCmd(opts *rootOptions) *cobra.Command {
	var root string
	cmd := &cobra.Command{
		Use:   "resolve <fqcn>",
		Short: "Print the file that declares a class",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if root == "" {
				wd, err := rootArg(nil)
				if err != nil {
					return err
				}
				root = wd
			}
			return runResolve(cmd.Context(), opts, root, args[0], ux.NewPrinter(cmd.OutOrStdout(), opts.plain))
		},
	}
	cmd.Flags().StringVar(&root, "root", "", "workspace root (default the working directory)")
	return cmd
}

func runResolve(ctx context.Context, opts *rootOptions, root, fqcn string, p *ux.Printer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := opts.loadConfig(root)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Close()

	resolver, err := resolve.New(cfg.ResolveConfig(), resolve.WithLogger(logger.Slog()))
	if err != nil {
		return err
	}
	loc, ok := resolver.Resolve(ctx, fqcn)
	if !ok {
		return fmt.Errorf("%w: %s", errNotResolved, fqcn)
	}
	if p.Machine() {
		p.Info(fmt.Sprintf("%s:%d", loc.Path, loc.Line))
		return nil
	}
	p.Fields(loc.FQCN, []ux.Field{
		{Label: "File", Value: loc.Path},
		{Label: "Line", Value: loc.Line},
	})
	return nil
}
