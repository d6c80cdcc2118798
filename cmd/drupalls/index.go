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
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/DrupalLS/pkg/ux"
	"github.com/AleutianAI/DrupalLS/services/drupalls"
	"github.com/AleutianAI/DrupalLS/services/drupalls/facts"
)

func newIndexCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "index [root]",
		Short: "Build the workspace index and print a summary",
		Long: `Build the workspace index and print a summary.

When snapshots are enabled in the configuration the index is restored
from the snapshot first and saved again on exit, so running this before
starting the editor warms the language server.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := rootArg(args)
			if err != nil {
				return err
			}
			return runIndex(cmd.Context(), opts, root, ux.NewPrinter(cmd.OutOrStdout(), opts.plain))
		},
	}
}

func runIndex(ctx context.Context, opts *rootOptions, root string, p *ux.Printer) (err error) {
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

	s, err := drupalls.Open(cfg, drupalls.WithLogger(logger.Slog()))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	built, err := s.Build(ctx)
	if err != nil {
		return err
	}
	stats := s.Index().Stats()

	p.Title("DrupalLS index")
	fields := []ux.Field{
		{Label: "Root", Value: stats.Root},
		{Label: "Files", Value: stats.Files},
		{Label: "Files in error", Value: stats.FilesInError},
		{Label: "Restored", Value: built.Restore.Restored},
		{Label: "Reextracted", Value: built.Restore.Reextracted},
		{Label: "Skipped", Value: built.Scan.Skipped},
		{Label: "Duration", Value: built.Duration.Round(time.Millisecond)},
	}
	kinds := make([]facts.Kind, 0, len(stats.Stores))
	for k := range stats.Stores {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	for _, k := range kinds {
		st := stats.Stores[k]
		fields = append(fields, ux.Field{Label: string(k), Value: st.Keys})
		if st.Supersessions > 0 {
			fields = append(fields, ux.Field{Label: string(k) + " overrides", Value: st.Supersessions})
		}
	}
	p.Fields("Index", fields)

	if built.RestoreSkipped != "" && !p.Machine() {
		p.Info("snapshot not used: " + built.RestoreSkipped)
	}
	if stats.FilesInError > 0 {
		p.Warning(fmt.Sprintf("%d file(s) failed to parse; see the log for details", stats.FilesInError))
		return nil
	}
	p.Success(fmt.Sprintf("indexed %d file(s)", stats.Files))
	return nil
}
