// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianASR/services/asr/adapters"
	"github.com/AleutianAI/AleutianASR/services/asr/asrerr"
	"github.com/AleutianAI/AleutianASR/services/asr/records"
	"github.com/AleutianAI/AleutianASR/services/asr/telemetry"
)

var tracer = otel.Tracer("aleutian.asr.stage")

// Runner executes stages.
//
// Thread Safety: Safe for concurrent use on distinct States.
type Runner struct {
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// NewRunner creates a runner. Both arguments may be nil.
func NewRunner(logger *slog.Logger, metrics *telemetry.Metrics) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{logger: logger, metrics: metrics}
}

// Run executes one stage end to end.
//
// Description:
//
//	Prepares the adapter input from the non-dropped records and current
//	trees, invokes the tool under the stage timeout, parses the output and
//	merges it in a single store transaction. Trees in state are replaced
//	only after that transaction commits. Cancellation at any point before
//	the commit discards everything the stage produced.
//
// Inputs:
//
//	ctx - Cancels the tool and the merge.
//	st - The stage to run.
//	state - Store and trees. Updated in place on success only.
//
// Outputs:
//
//	Outcome - Never has StatusPending or StatusRunning. Err is set exactly
//	          when Status is StatusFailed.
func (r *Runner) Run(ctx context.Context, st Stage, state *State) Outcome {
	ctx, span := tracer.Start(ctx, "stage."+st.Name,
		trace.WithAttributes(
			attribute.String("asr.stage", st.Name),
			attribute.String("asr.tool", string(st.Adapter.Kind())),
			attribute.String("asr.policy", string(st.policy())),
		),
	)
	defer span.End()

	log := telemetry.LoggerWithTrace(ctx, r.logger).With(slog.String("stage", st.Name))
	start := time.Now()
	out := r.run(ctx, st, state, log)
	out.Stage = st.Name
	out.Duration = time.Since(start)

	r.metrics.RecordStage(ctx, st.Name, string(out.Status), out.Duration, len(out.Conflicts), len(out.Dropped))
	span.SetAttributes(
		attribute.String("asr.status", string(out.Status)),
		attribute.Int("asr.dropped", len(out.Dropped)),
		attribute.Int("asr.conflicts", len(out.Conflicts)),
	)

	if out.Status == StatusFailed {
		telemetry.RecordError(span, out.Err)
		log.Error("stage failed",
			slog.Duration("duration", out.Duration),
			slog.String("error", out.Err.Error()),
		)
		return out
	}
	span.SetStatus(codes.Ok, "")
	log.Info("stage finished",
		slog.String("status", string(out.Status)),
		slog.Int("dropped", len(out.Dropped)),
		slog.Int("conflicts", len(out.Conflicts)),
		slog.Duration("duration", out.Duration),
	)
	return out
}

func (r *Runner) run(ctx context.Context, st Stage, state *State, log *slog.Logger) Outcome {
	failed := func(err error) Outcome {
		return Outcome{Status: StatusFailed, Err: tagStage(err, st.Name)}
	}
	if err := ctx.Err(); err != nil {
		return failed(err)
	}
	if state == nil || state.Store == nil {
		return failed(asrerr.New(asrerr.KindMissingInput, "no record store"))
	}

	view := adapters.View{Records: state.Store.View(), Trees: state.Trees}
	log.Debug("stage running", slog.Int("records", view.Records.Len()))

	in, err := st.Adapter.PrepareInput(view)
	if err != nil {
		return failed(err)
	}

	inv := st.Invocation
	inv.Stage = st.Name
	if inv.Logger == nil {
		inv.Logger = log
	}
	toolStart := time.Now()
	raw, err := st.Adapter.Invoke(ctx, in, inv)
	r.metrics.RecordTool(ctx, st.Name, toolOutcome(err), time.Since(toolStart))
	if err != nil {
		return failed(err)
	}
	if err := ctx.Err(); err != nil {
		return failed(err)
	}

	res, err := st.Adapter.ParseOutput(raw)
	if err != nil {
		return failed(err)
	}

	conflicts := append(append([]adapters.Conflict(nil), in.Rejected...), adapters.Conflicts(res)...)
	if len(conflicts) > 0 && st.policy() == PolicyFatal {
		return Outcome{
			Status:    StatusFailed,
			Conflicts: conflicts,
			Err:       conflictError(st.Name, conflicts),
		}
	}

	m := &merger{
		ctx:       ctx,
		stage:     st,
		trees:     state.Trees,
		conflicts: conflicts,
		log:       log,
	}
	if err := state.Store.UpdateStage(st.Name, func(tx *records.Tx) error {
		return m.apply(tx, res)
	}); err != nil {
		return Outcome{Status: StatusFailed, Conflicts: m.conflicts, Err: tagStage(err, st.Name)}
	}
	state.Trees = m.trees

	status := StatusCompleted
	if len(m.conflicts) > 0 {
		status = StatusPartiallyCompleted
		for _, c := range m.conflicts {
			log.Warn("merge conflict",
				slog.String("record", c.Record),
				slog.String("node", c.Node),
				slog.String("reason", c.Reason),
			)
		}
	}
	return Outcome{Status: status, Dropped: m.dropped, Conflicts: m.conflicts}
}

// toolOutcome is the metric label of an invocation result.
func toolOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	if k := asrerr.KindOf(err); k != asrerr.KindUnknown {
		return k.String()
	}
	return "error"
}

// tagStage attaches the stage name to an untagged pipeline error.
func tagStage(err error, stage string) error {
	if e, ok := err.(*asrerr.Error); ok && e.Stage == "" {
		return e.WithStage(stage)
	}
	return err
}

func conflictError(stage string, conflicts []adapters.Conflict) error {
	c := conflicts[0]
	e := asrerr.Newf(asrerr.KindResultMergeConflict, "%d conflict(s); first: %s", len(conflicts), describe(c)).WithStage(stage)
	if c.Record != "" {
		e = e.WithRecord(c.Record)
	}
	return e
}

// describe renders a conflict for errors and logs.
func describe(c adapters.Conflict) string {
	switch {
	case c.Record != "" && c.Node != "":
		return fmt.Sprintf("%s (%s): %s", c.Record, c.Node, c.Reason)
	case c.Record != "":
		return c.Record + ": " + c.Reason
	default:
		return c.Node + ": " + c.Reason
	}
}
