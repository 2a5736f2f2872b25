// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianASR/services/asr/asrerr"
	"github.com/AleutianAI/AleutianASR/services/asr/checkpoint"
	"github.com/AleutianAI/AleutianASR/services/asr/journal"
	"github.com/AleutianAI/AleutianASR/services/asr/lock"
	"github.com/AleutianAI/AleutianASR/services/asr/records"
	"github.com/AleutianAI/AleutianASR/services/asr/stage"
	"github.com/AleutianAI/AleutianASR/services/asr/telemetry"
)

// run is the state of one Run call.
type run struct {
	id      string
	dir     *checkpoint.Dir
	state   *stage.State
	log     *slog.Logger
	summary *Summary

	mu       sync.Mutex
	warnings []string
}

func (r *run) warn(msg string) {
	r.mu.Lock()
	r.warnings = append(r.warnings, msg)
	r.mu.Unlock()
}

// Run executes the selected stages.
//
// Description:
//
//	Takes the run lock, applies Force, restores the last checkpoint and
//	runs every stage from the resume point through rng.To. Each successful
//	stage is checkpointed before the next one starts. Every attempt is
//	journaled and every new snapshot is mirrored; neither can fail the run.
//
// Inputs:
//
//	ctx - Cancels the running stage. Its output is discarded.
//	rng - Stage selection.
//
// Outputs:
//
//	Summary - Always populated, including on failure.
//	error - lock.ErrLocked if another run holds the directory, otherwise
//	        PipelineAborted wrapping the cause of the failure.
func (p *Pipeline) Run(ctx context.Context, rng Range) (Summary, error) {
	id := p.cfg.RunID
	if id == "" {
		id = uuid.NewString()
	}
	start := p.now()

	ctx, span := tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("asr.run_id", id),
			attribute.String("asr.checkpoint_dir", p.cfg.CheckpointDir),
		),
	)
	defer span.End()

	r := &run{
		id:      id,
		log:     telemetry.LoggerWithTrace(ctx, p.logger).With(slog.String("run_id", id)),
		summary: &Summary{RunID: id},
	}

	err := p.locked(ctx, r, rng)

	sum := *r.summary
	sum.Warnings = slices.Clone(r.warnings)
	sum.Duration = p.now().Sub(start)
	sum.total()

	if err != nil {
		telemetry.RecordError(span, err)
		r.log.Error("pipeline aborted",
			slog.String("failed_stage", sum.FailedStage),
			slog.String("error", err.Error()),
			slog.Duration("duration", sum.Duration),
		)
		return sum, err
	}
	span.SetStatus(codes.Ok, "")
	r.log.Info("pipeline finished",
		slog.Int("dropped", sum.Dropped),
		slog.Int("conflicts", sum.Conflicts),
		slog.String("checkpoint", sum.Checkpoint),
		slog.Duration("duration", sum.Duration),
	)
	return sum, nil
}

// locked holds the run lock around execute. The lock is released before
// returning, which also stops the marker watcher, so no warning arrives
// after the summary is assembled.
func (p *Pipeline) locked(ctx context.Context, r *run, rng Range) error {
	from, to, force, err := p.bounds(rng)
	if err != nil {
		return abort("", err)
	}

	lk, err := lock.Acquire(lock.Config{
		Dir:    p.cfg.CheckpointDir,
		RunID:  r.id,
		TTL:    p.cfg.LockTTL,
		Watch:  []string{checkpoint.MarkerFile},
		Logger: r.log,
		OnChange: func(e lock.ChangeEvent) {
			r.warn(fmt.Sprintf("checkpoint marker modified externally (%s)", e.Op))
		},
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := lk.Release(); err != nil {
			r.log.Warn("release run lock", slog.String("error", err.Error()))
		}
	}()

	r.dir, err = checkpoint.Open(p.cfg.CheckpointDir, r.log)
	if err != nil {
		return abort("", err)
	}
	r.summary.Marker = r.dir.MarkerPath()

	if force >= 0 {
		m, err := r.dir.Invalidate(rng.Force)
		if err != nil {
			return abort(rng.Force, err)
		}
		r.log.Info("checkpoints invalidated",
			slog.String("from_stage", rng.Force),
			slog.Int("remaining", len(m.Stages)),
		)
	}

	resume, err := p.restore(ctx, r)
	if err != nil {
		return abort("", err)
	}
	if from > resume {
		return abort(p.names[from], fmt.Errorf("cannot start at %s: %s has not completed", p.names[from], p.names[resume]))
	}
	return p.execute(ctx, r, resume, to)
}

// bounds resolves the range to stage positions. force is -1 when unset.
func (p *Pipeline) bounds(rng Range) (from, to, force int, err error) {
	if from, err = p.index(rng.From); err != nil {
		return
	}
	if from < 0 {
		from = 0
	}
	if to, err = p.index(rng.To); err != nil {
		return
	}
	if to < 0 {
		to = len(p.names) - 1
	}
	if force, err = p.index(rng.Force); err != nil {
		return
	}
	if from > to {
		err = fmt.Errorf("stage range %s..%s is empty", p.names[from], p.names[to])
	}
	return
}

// restore loads the checkpoint state and returns the resume point: the
// number of leading stages the marker lists in order. Marker entries after
// the resume point are stale and are invalidated before loading.
func (p *Pipeline) restore(ctx context.Context, r *run) (int, error) {
	marker, err := r.dir.Marker(r.id)
	if err != nil {
		return 0, err
	}
	resume := 0
	for resume < len(p.names) && resume < len(marker.Stages) && marker.Stages[resume].Name == p.names[resume] {
		resume++
	}
	if resume < len(p.names) && len(marker.Stages) > resume {
		stale := marker.Stages[resume].Name
		r.log.Warn("invalidating checkpoints past the resume point", slog.String("from_stage", stale))
		if _, err := r.dir.Invalidate(stale); err != nil {
			return 0, err
		}
	}

	marker, snap, err := r.dir.Load(ctx)
	switch {
	case errors.Is(err, checkpoint.ErrNoCheckpoint):
		store, err := p.seed(ctx)
		if err != nil {
			return 0, err
		}
		r.state = &stage.State{Store: store}
	case err != nil:
		return 0, err
	default:
		r.state = &stage.State{Store: snap.Store, Trees: snap.Trees}
	}
	for i := range resume {
		e, _ := marker.Stage(p.names[i])
		r.summary.Stages = append(r.summary.Stages, fromEntry(e, r.dir))
	}
	if last, ok := marker.Last(); ok {
		r.summary.Checkpoint = r.dir.SnapshotPath(last.Snapshot)
	}
	if resume > 0 {
		r.log.Info("resuming from checkpoint",
			slog.String("last_stage", p.names[resume-1]),
			slog.Int("records", r.state.Store.Len()),
		)
	}
	return resume, nil
}

func (p *Pipeline) seed(ctx context.Context) (*records.Store, error) {
	if p.deps.Seeds == nil {
		return nil, ErrNoSeeds
	}
	seeds, err := p.deps.Seeds(ctx)
	if err != nil {
		return nil, err
	}
	store := records.NewStore()
	if _, err := store.Add(seeds...); err != nil {
		return nil, err
	}
	return store, nil
}

// execute runs stages resume..to. Stages after a failure, or after to,
// are reported pending.
func (p *Pipeline) execute(ctx context.Context, r *run, resume, to int) error {
	var failure error
	for i := resume; i < len(p.names); i++ {
		if i > to || failure != nil {
			r.summary.Stages = append(r.summary.Stages, StageSummary{Name: p.names[i], Status: stage.StatusPending})
			continue
		}
		failure = p.step(ctx, r, p.deps.Stages[i])
	}
	return failure
}

// step runs one stage, checkpoints it and records the attempt.
func (p *Pipeline) step(ctx context.Context, r *run, st stage.Stage) error {
	started := p.now()
	oc := p.runner.Run(ctx, st, r.state)

	ss := StageSummary{
		Name:      st.Name,
		Status:    oc.Status,
		Dropped:   len(oc.Dropped),
		Conflicts: len(oc.Conflicts),
		Duration:  oc.Duration,
	}
	attempt := journal.Attempt{
		RunID:     r.id,
		Stage:     st.Name,
		Status:    string(oc.Status),
		StartedAt: started.UTC(),
		Duration:  oc.Duration,
		Dropped:   ss.Dropped,
		Conflicts: ss.Conflicts,
	}

	err := oc.Err
	if oc.Status.Succeeded() {
		var entry checkpoint.StageEntry
		entry, err = p.commit(ctx, r, st.Name, ss)
		if err == nil {
			ss.Snapshot = r.dir.SnapshotPath(entry.Snapshot)
			attempt.Snapshot = entry.Snapshot
			r.summary.Checkpoint = ss.Snapshot
		}
	}
	if err != nil {
		ss.Status = stage.StatusFailed
		ss.Error = err.Error()
		attempt.Status = string(stage.StatusFailed)
		attempt.Error = err.Error()
		if k := asrerr.KindOf(err); k != asrerr.KindUnknown {
			attempt.ErrorKind = k.String()
		}
		r.summary.FailedStage = st.Name
		r.summary.FailureReason = err.Error()
	}
	r.summary.Stages = append(r.summary.Stages, ss)
	p.journal(ctx, r, attempt)

	if err != nil {
		return abort(st.Name, err)
	}
	p.mirror(ctx, r, attempt.Snapshot)
	return nil
}

func (p *Pipeline) commit(ctx context.Context, r *run, name string, ss StageSummary) (checkpoint.StageEntry, error) {
	entry := checkpoint.StageEntry{
		Name:      name,
		Status:    string(ss.Status),
		Dropped:   ss.Dropped,
		Conflicts: ss.Conflicts,
	}
	marker, err := r.dir.Save(ctx, r.id, slices.Index(Order, name), entry, checkpoint.Snapshot{
		Store: r.state.Store,
		Trees: r.state.Trees,
	})
	if err != nil {
		return checkpoint.StageEntry{}, fmt.Errorf("checkpoint %s: %w", name, err)
	}
	p.deps.Metrics.RecordCheckpoint(ctx, name)
	saved, _ := marker.Stage(name)
	return saved, nil
}

func (p *Pipeline) journal(ctx context.Context, r *run, a journal.Attempt) {
	if p.deps.Journal == nil {
		return
	}
	// The attempt is journaled even when ctx is done: a cancellation is
	// exactly what an operator looks for afterwards.
	if _, err := p.deps.Journal.Record(context.WithoutCancel(ctx), a); err != nil {
		r.log.Warn("journal attempt", slog.String("stage", a.Stage), slog.String("error", err.Error()))
		r.warn(fmt.Sprintf("journal %s: %v", a.Stage, err))
	}
}

func (p *Pipeline) mirror(ctx context.Context, r *run, snapshot string) {
	if p.deps.Mirror == nil || snapshot == "" {
		return
	}
	if err := p.deps.Mirror.Sync(ctx, r.dir.Root(), snapshot); err != nil {
		r.log.Warn("mirror checkpoint", slog.String("snapshot", snapshot), slog.String("error", err.Error()))
		r.warn(fmt.Sprintf("mirror %s: %v", snapshot, err))
	}
}

// abort wraps a failure as PipelineAborted, keeping the stage that failed.
func abort(stageName string, cause error) error {
	if asrerr.KindOf(cause) == asrerr.KindPipelineAborted {
		return cause
	}
	e := asrerr.Wrap(asrerr.KindPipelineAborted, cause, "pipeline aborted")
	if stageName != "" {
		e = e.WithStage(stageName)
	}
	return e
}

// Snapshot restores the last completed checkpoint in dir without taking the
// run lock. It serves read-only consumers such as exports and the status
// API.
func Snapshot(ctx context.Context, dir string) (*checkpoint.Marker, checkpoint.Snapshot, error) {
	d, err := checkpoint.Open(dir, nil)
	if err != nil {
		return nil, checkpoint.Snapshot{}, err
	}
	return d.Load(ctx)
}
