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
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianASR/services/asr/checkpoint"
	"github.com/AleutianAI/AleutianASR/services/asr/pipeline"
	"github.com/AleutianAI/AleutianASR/services/asr/report"
	"github.com/AleutianAI/AleutianASR/services/asr/tree"
)

type exportOptions struct {
	driver string
	dsn    string
	fasta  string
	alt    bool
}

func newExportCmd(c *cli) *cobra.Command {
	var opts exportOptions
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export records and ancestors of the last checkpoint",
		Long: `Export writes the record table and the ancestral sequence summaries of the
last checkpoint to a SQL database, replacing any earlier export of the same
run. With --fasta the ancestors are also written as FASTA.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.driver == "" {
				opts.driver = c.cfg.Report.Driver
			}
			if opts.dsn == "" {
				opts.dsn = c.cfg.Report.DSN
			}
			return c.export(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.driver, "driver", "", "sqlite or pgx (default: report.driver)")
	cmd.Flags().StringVar(&opts.dsn, "dsn", "", "database path or connection string (default: report.dsn)")
	cmd.Flags().StringVar(&opts.fasta, "fasta", "", "also write ancestors to this FASTA file")
	cmd.Flags().BoolVar(&opts.alt, "alt", false, "write the altAll sequences to the FASTA file")
	return cmd
}

func (c *cli) export(ctx context.Context, opts exportOptions) error {
	marker, snap, err := pipeline.Snapshot(ctx, c.cfg.Run.CheckpointDir)
	if err != nil {
		return err
	}
	ancestors, err := ancestorsOf(snap, c.cfg.Tools.Ancestors.AltCutoff)
	if err != nil {
		return err
	}

	sink, err := report.OpenSQL(ctx, opts.driver, opts.dsn, c.logger)
	if err != nil {
		return err
	}
	defer sink.Close()
	if err := sink.Export(ctx, marker.RunID, slices.Collect(snap.Store.All()), ancestors); err != nil {
		return err
	}

	if opts.fasta != "" {
		f, err := os.Create(opts.fasta)
		if err != nil {
			return fmt.Errorf("create fasta: %w", err)
		}
		if err := report.WriteFASTA(f, ancestors, opts.alt); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	fmt.Fprintf(c.stdout, "exported run %s: %d records, %d ancestors\n", marker.RunID, snap.Store.Len(), len(ancestors))
	return nil
}

// ancestorsOf summarizes the reconciled tree, or the gene tree when the
// run has no reconciliation. A checkpoint before the ancestors stage has
// none.
func ancestorsOf(snap checkpoint.Snapshot, altCutoff float64) ([]report.Ancestor, error) {
	for _, kind := range []tree.Kind{tree.KindReconciled, tree.KindGene} {
		out, err := report.Ancestors(snap.Trees.Get(kind), altCutoff)
		if errors.Is(err, report.ErrNoStates) {
			continue
		}
		return out, err
	}
	slog.Default().Info("no ancestral states in checkpoint; exporting records only")
	return nil, nil
}
