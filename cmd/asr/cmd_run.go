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
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianASR/services/asr/pipeline"
)

func newRunCmd(c *cli) *cobra.Command {
	var (
		rng   pipeline.Range
		seeds string
		runID string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline, resuming from the last checkpoint",
		Long: `Run executes every stage that has no checkpoint yet. Completed stages are
restored from the checkpoint directory and skipped.

--from may not name a stage later than the resume point; use rerun to
redo a completed stage.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runPipeline(cmd.Context(), rng, seeds, runID)
		},
	}
	cmd.Flags().StringVar(&rng.From, "from", "", "first stage (default: resume point)")
	cmd.Flags().StringVar(&rng.To, "to", "", "last stage (default: ancestors)")
	cmd.Flags().StringVar(&seeds, "seeds", "", "seed table (overrides run.seeds)")
	cmd.Flags().StringVar(&runID, "run-id", "", "run identifier (default: random)")
	return cmd
}

func newRerunCmd(c *cli) *cobra.Command {
	var (
		to    string
		runID string
	)
	cmd := &cobra.Command{
		Use:   "rerun STAGE",
		Short: "Invalidate STAGE and everything after it, then run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runPipeline(cmd.Context(), pipeline.Range{Force: args[0], To: to}, "", runID)
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "last stage (default: ancestors)")
	cmd.Flags().StringVar(&runID, "run-id", "", "run identifier (default: random)")
	return cmd
}

func (c *cli) runPipeline(ctx context.Context, rng pipeline.Range, seeds, runID string) (err error) {
	w, err := wire(ctx, c.cfg, c.logger, wireOptions{
		seeds:   seeds,
		runID:   runID,
		journal: true,
		mirror:  true,
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := w.close(context.WithoutCancel(ctx)); cerr != nil {
			c.logger.Warn("shutdown", slog.String("error", cerr.Error()))
		}
	}()

	summary, err := w.pipeline.Run(ctx, rng)
	if summary.RunID != "" {
		renderSummary(c.stdout, summary, isTerminal(c.stdout))
	}
	return err
}
