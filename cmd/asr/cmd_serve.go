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

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianASR/services/asr/api"
	"github.com/AleutianAI/AleutianASR/services/asr/telemetry"
)

func newServeCmd(c *cli) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a read-only status API for the checkpoint directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if addr == "" {
				addr = c.cfg.API.Addr
			}
			w, err := wire(ctx, c.cfg, c.logger, wireOptions{journal: true, journalOptional: true})
			if err != nil {
				return err
			}
			defer w.close(context.WithoutCancel(ctx))

			gin.SetMode(gin.ReleaseMode)
			deps := api.Deps{
				Status:  w.pipeline,
				Metrics: telemetry.MetricsHandler(),
				Logger:  c.logger,
			}
			if w.journal != nil {
				deps.Journal = w.journal
			}
			return api.Serve(ctx, addr, api.NewRouter(deps), c.logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: api.addr)")
	return cmd
}
