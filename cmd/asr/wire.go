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
	"path/filepath"

	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianASR/services/asr/adapters"
	"github.com/AleutianAI/AleutianASR/services/asr/config"
	"github.com/AleutianAI/AleutianASR/services/asr/journal"
	"github.com/AleutianAI/AleutianASR/services/asr/mirror"
	"github.com/AleutianAI/AleutianASR/services/asr/nickname"
	"github.com/AleutianAI/AleutianASR/services/asr/pipeline"
	"github.com/AleutianAI/AleutianASR/services/asr/records"
	"github.com/AleutianAI/AleutianASR/services/asr/species"
	"github.com/AleutianAI/AleutianASR/services/asr/stage"
	"github.com/AleutianAI/AleutianASR/services/asr/telemetry"
)

// wiring is everything a command needs from the configuration. close must
// be called once.
type wiring struct {
	pipeline *pipeline.Pipeline
	journal  *journal.Journal
	mirror   *mirror.Syncer
	closers  []func(context.Context) error
}

func (w *wiring) close(ctx context.Context) error {
	var errs []error
	for i := len(w.closers) - 1; i >= 0; i-- {
		if err := w.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// wireOptions selects the optional collaborators of a command.
type wireOptions struct {
	seeds   string
	runID   string
	journal bool
	mirror  bool

	// journalOptional downgrades a journal open failure to a warning, for
	// read-only commands that may run beside a live pipeline holding it.
	journalOptional bool

	executor adapters.Executor
}

// wire builds the pipeline and its collaborators from cfg.
func wire(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts wireOptions) (w *wiring, err error) {
	w = &wiring{}
	defer func() {
		if err != nil {
			_ = w.close(context.WithoutCancel(ctx))
		}
	}()

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	w.closers = append(w.closers, shutdown)
	metrics, err := telemetry.NewMetrics(otel.Meter("aleutian.asr"))
	if err != nil {
		return nil, err
	}

	src, err := speciesSource(cfg.Species, logger)
	if err != nil {
		return nil, err
	}
	stages, err := buildStages(cfg, src, opts.executor, logger)
	if err != nil {
		return nil, err
	}

	deps := pipeline.Deps{Stages: stages, Metrics: metrics, Logger: logger}
	if opts.seeds == "" {
		opts.seeds = cfg.Run.Seeds
	}
	if opts.seeds != "" {
		deps.Seeds = pipeline.SeedFile(opts.seeds)
	}

	if opts.journal && cfg.Journal.Enabled {
		jcfg := journal.DefaultConfig(cfg.Journal.Path)
		jcfg.SyncWrites = cfg.Journal.SyncWrites
		jcfg.Logger = logger
		j, jerr := journal.Open(jcfg)
		switch {
		case jerr == nil:
			w.journal = j
			deps.Journal = j
			w.closers = append(w.closers, func(context.Context) error { return j.Close() })
		case opts.journalOptional:
			logger.Warn("journal unavailable", slog.String("path", cfg.Journal.Path), slog.String("error", jerr.Error()))
		default:
			return nil, fmt.Errorf("open journal: %w", jerr)
		}
	}

	if opts.mirror {
		m, merr := mirror.Open(ctx, cfg.Mirror, logger)
		if merr != nil {
			return nil, fmt.Errorf("open mirror: %w", merr)
		}
		if m != nil {
			w.mirror = m
			deps.Mirror = m
			w.closers = append(w.closers, func(context.Context) error { return m.Close() })
		}
	}

	p, err := pipeline.New(pipeline.Config{
		CheckpointDir: cfg.Run.CheckpointDir,
		RunID:         opts.runID,
		LockTTL:       cfg.Run.LockTTL,
	}, deps)
	if err != nil {
		return nil, err
	}
	w.pipeline = p
	return w, nil
}

func speciesSource(cfg config.SpeciesConfig, logger *slog.Logger) (species.Source, error) {
	if cfg.StaticTree != "" {
		return species.LoadStatic(cfg.StaticTree)
	}
	return species.NewClient(species.Config{
		Endpoint: cfg.Endpoint,
		Rate:     cfg.Rate,
		Burst:    cfg.Burst,
		Timeout:  cfg.Timeout,
		Logger:   logger,
	}), nil
}

// buildStages turns the tool sections into the five pipeline stages.
func buildStages(cfg *config.Config, src species.Source, ex adapters.Executor, logger *slog.Logger) ([]stage.Stage, error) {
	tools := cfg.Tools
	invocation := func(name string, t config.ToolConfig) adapters.Invocation {
		return adapters.Invocation{
			Stage:      name,
			Executable: t.Executable,
			Args:       t.Args,
			Threads:    t.Threads,
			Timeout:    t.Timeout,
			WorkDir:    filepath.Join(cfg.Run.WorkDir, name),
			Logger:     logger,
		}
	}
	policy := func(name string) stage.Policy { return stage.Policy(cfg.Run.Policy(name)) }

	search, err := adapters.NewSearch(adapters.SearchConfig{
		Database:    tools.Search.Database,
		Program:     tools.Search.Program,
		HitlistSize: tools.Search.HitlistSize,
		EValue:      tools.Search.EValue,
		GapOpen:     tools.Search.GapOpen,
		GapExtend:   tools.Search.GapExtend,
		BlockSize:   tools.Search.BlockSize,
	}, ex)
	if err != nil {
		return nil, err
	}
	searchStage := stage.Stage{
		Name:       string(adapters.KindSearch),
		Adapter:    search,
		Invocation: invocation(string(adapters.KindSearch), tools.Search.ToolConfig),
		Policy:     policy(string(adapters.KindSearch)),
	}
	if len(cfg.Nicknames.Patterns) > 0 {
		m, err := compileNicknames(cfg.Nicknames)
		if err != nil {
			return nil, err
		}
		searchStage.Enrich = m.Apply
	}

	stages := []stage.Stage{
		searchStage,
		{
			Name:       string(adapters.KindAlign),
			Adapter:    adapters.NewAlign(adapters.AlignConfig{Options: tools.Align.Options}, ex),
			Invocation: invocation(string(adapters.KindAlign), tools.Align.ToolConfig),
		},
		{
			Name:       string(adapters.KindInfer),
			Adapter:    adapters.NewInfer(adapters.InferConfig{Model: tools.Infer.Model, Seed: tools.Infer.Seed}, ex),
			Invocation: invocation(string(adapters.KindInfer), tools.Infer.ToolConfig),
		},
		{
			Name:       string(adapters.KindReconcile),
			Adapter:    adapters.NewReconcile(adapters.ReconcileConfig{
				Model:     tools.Reconcile.Model,
				RecModel:  tools.Reconcile.RecModel,
				Launcher:  tools.Reconcile.Launcher,
				ProcsFlag: tools.Reconcile.ProcsFlag,
			}, src, ex),
			Invocation: invocation(string(adapters.KindReconcile), tools.Reconcile.ToolConfig),
		},
		{
			Name:       string(adapters.KindAncestors),
			Adapter:    adapters.NewAncestors(adapters.AncestorsConfig{Model: tools.Ancestors.Model, AltCutoff: tools.Ancestors.AltCutoff}, ex),
			Invocation: invocation(string(adapters.KindAncestors), tools.Ancestors.ToolConfig),
		},
	}
	for i := 1; i < len(stages); i++ {
		stages[i].Policy = policy(stages[i].Name)
	}
	return stages, nil
}

func compileNicknames(cfg config.NicknameConfig) (*nickname.Matcher, error) {
	var opts []nickname.Option
	if cfg.Separator != "" {
		opts = append(opts, nickname.WithSeparator(cfg.Separator))
	}
	if cfg.Unassigned != "" {
		opts = append(opts, nickname.WithUnassigned(cfg.Unassigned))
	}
	if cfg.SourceField != "" || cfg.OutputField != "" {
		source, output := cfg.SourceField, cfg.OutputField
		if source == "" {
			source = records.FieldName
		}
		if output == "" {
			output = records.FieldNickname
		}
		opts = append(opts, nickname.WithFields(source, output))
	}
	return nickname.Compile(cfg.Patterns, cfg.IgnoreCase, opts...)
}
