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
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianASR/services/asr/api"
	"github.com/AleutianAI/AleutianASR/services/asr/pipeline"
	"github.com/AleutianAI/AleutianASR/services/asr/tree"
)

func newStatusCmd(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show which stages have a checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			w, err := wire(ctx, c.cfg, c.logger, wireOptions{})
			if err != nil {
				return err
			}
			defer w.close(context.WithoutCancel(ctx))

			stages, marker, err := w.pipeline.Status()
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(c.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"run_id": marker.RunID, "stages": stages})
			}
			renderStatus(c.stdout, w.pipeline.CheckpointDir(), marker.RunID, stages, isTerminal(c.stdout))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newTreeCmd(c *cli) *cobra.Command {
	var kind, format string
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Print a tree from the last checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, snap, err := pipeline.Snapshot(cmd.Context(), c.cfg.Run.CheckpointDir)
			if err != nil {
				return err
			}
			t := snap.Trees.Get(tree.Kind(kind))
			if t == nil {
				return fmt.Errorf("checkpoint has no %s tree", kind)
			}
			return printTree(c, t, format)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(tree.KindGene), "gene, species or reconciled")
	cmd.Flags().StringVar(&format, "format", "newick", "newick or edges")
	return cmd
}

func printTree(c *cli, t *tree.Tree, format string) error {
	switch format {
	case "newick":
		_, err := fmt.Fprintln(c.stdout, t.Newick(tree.WithInternalIDs()))
		return err
	case "edges":
		enc := json.NewEncoder(c.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(api.EdgesOf(t))
	default:
		return fmt.Errorf("unknown format %q (want newick or edges)", format)
	}
}
