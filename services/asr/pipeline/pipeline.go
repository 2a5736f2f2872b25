// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline runs the ordered ASR stages over a checkpoint directory.
//
// A Pipeline holds configuration only. Every call to Run builds its own run
// value (store, trees, run ID, logger) and threads it through the stages,
// so pipelines on different checkpoint directories can run side by side in
// one process.
//
// Resume policy: the stages listed in the completion marker are restored
// from the last snapshot and skipped; the first stage without a checkpoint
// is the resume point. Forcing a stage invalidates its checkpoint and every
// downstream checkpoint before the run starts.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianASR/services/asr/adapters"
	"github.com/AleutianAI/AleutianASR/services/asr/checkpoint"
	"github.com/AleutianAI/AleutianASR/services/asr/journal"
	"github.com/AleutianAI/AleutianASR/services/asr/records"
	"github.com/AleutianAI/AleutianASR/services/asr/stage"
	"github.com/AleutianAI/AleutianASR/services/asr/telemetry"
)

var tracer = otel.Tracer("aleutian.asr.pipeline")

// Order is the canonical stage order.
var Order = []string{
	string(adapters.KindSearch),
	string(adapters.KindAlign),
	string(adapters.KindInfer),
	string(adapters.KindReconcile),
	string(adapters.KindAncestors),
}

var (
	// ErrUnknownStage is returned for a stage name outside the pipeline.
	ErrUnknownStage = errors.New("unknown stage")

	// ErrNoSeeds is returned when a run starts without a checkpoint and
	// without a seed source.
	ErrNoSeeds = errors.New("no checkpoint and no seed source")
)

// SeedSource loads the seed records of a fresh run.
type SeedSource func(ctx context.Context) ([]records.Record, error)

// SeedFile returns a SeedSource reading a seed table from path.
func SeedFile(path string) SeedSource {
	return func(ctx context.Context) ([]records.Record, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open seeds: %w", err)
		}
		defer f.Close()
		return records.LoadSeeds(f)
	}
}

// SeedReader returns a SeedSource reading a seed table from r once.
func SeedReader(r io.Reader) SeedSource {
	return func(ctx context.Context) ([]records.Record, error) {
		return records.LoadSeeds(r)
	}
}

// Journal records stage attempts.
type Journal interface {
	Record(ctx context.Context, a journal.Attempt) (journal.Attempt, error)
}

// Mirror copies a committed snapshot off host.
type Mirror interface {
	Sync(ctx context.Context, dir, snapshot string) error
}

// Config is the static pipeline configuration.
type Config struct {
	// CheckpointDir holds the marker, the snapshots and the run lock.
	CheckpointDir string

	// RunID overrides the generated run identifier.
	RunID string

	// LockTTL bounds the advertised lock hold time. Zero uses the lock
	// package default.
	LockTTL time.Duration
}

// Deps are the collaborators of a pipeline. Only Stages is required.
type Deps struct {
	// Stages must follow Order. A pipeline may omit trailing or inner
	// stages, but never reorder them.
	Stages []stage.Stage

	// Seeds loads the records of a run that starts without a checkpoint.
	Seeds SeedSource

	Journal Journal
	Mirror  Mirror
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// Range selects the stages of one run.
type Range struct {
	// From must not be later than the resume point. Empty means the resume
	// point.
	From string

	// To is the last stage to run. Empty means the last stage.
	To string

	// Force invalidates the checkpoint of this stage and every later stage
	// before resuming.
	Force string
}

// Pipeline runs stages in order over one checkpoint directory.
//
// Thread Safety:
//
//	Run may be called concurrently; concurrent runs on the same directory
//	are refused by the run lock.
type Pipeline struct {
	cfg    Config
	deps   Deps
	runner *stage.Runner
	logger *slog.Logger
	names  []string
	now    func() time.Time
}

// New validates the stage list and returns a pipeline.
//
// Outputs:
//
//	*Pipeline - Ready to Run.
//	error - Non-nil if the checkpoint directory is missing, a stage is
//	        unknown, duplicated, out of order, or has no adapter.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if cfg.CheckpointDir == "" {
		return nil, errors.New("checkpoint directory is required")
	}
	if len(deps.Stages) == 0 {
		return nil, errors.New("pipeline needs at least one stage")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	names := make([]string, 0, len(deps.Stages))
	last := -1
	for _, st := range deps.Stages {
		pos := slices.Index(Order, st.Name)
		if pos < 0 {
			return nil, fmt.Errorf("%w: %q", ErrUnknownStage, st.Name)
		}
		if pos <= last {
			return nil, fmt.Errorf("stage %q is duplicated or out of order", st.Name)
		}
		if st.Adapter == nil {
			return nil, fmt.Errorf("stage %q has no adapter", st.Name)
		}
		last = pos
		names = append(names, st.Name)
	}

	return &Pipeline{
		cfg:    cfg,
		deps:   deps,
		runner: stage.NewRunner(logger, deps.Metrics),
		logger: logger,
		names:  names,
		now:    time.Now,
	}, nil
}

// Stages returns the configured stage names in run order.
func (p *Pipeline) Stages() []string { return slices.Clone(p.names) }

// CheckpointDir returns the directory the pipeline runs over.
func (p *Pipeline) CheckpointDir() string { return p.cfg.CheckpointDir }

func (p *Pipeline) index(name string) (int, error) {
	if name == "" {
		return -1, nil
	}
	i := slices.Index(p.names, name)
	if i < 0 {
		return -1, fmt.Errorf("%w: %q", ErrUnknownStage, name)
	}
	return i, nil
}

// Status reads the checkpoint directory and reports every stage as
// completed (with its marker entry) or pending, without taking the lock.
func (p *Pipeline) Status() ([]StageSummary, *checkpoint.Marker, error) {
	dir, err := checkpoint.Open(p.cfg.CheckpointDir, p.logger)
	if err != nil {
		return nil, nil, err
	}
	marker, err := dir.Marker("")
	if err != nil {
		return nil, nil, err
	}
	out := make([]StageSummary, len(p.names))
	for i, name := range p.names {
		out[i] = StageSummary{Name: name, Status: stage.StatusPending}
		if e, ok := marker.Stage(name); ok {
			out[i] = fromEntry(e, dir)
		}
	}
	return out, marker, nil
}
