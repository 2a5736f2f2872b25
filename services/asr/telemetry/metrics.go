// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the pipeline instruments. All names use the "asr_" prefix.
//
// A nil *Metrics is valid; every recording method is then a no-op.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// StageRunsTotal counts stage runs by stage and final status.
	StageRunsTotal metric.Int64Counter

	// StageDuration records end-to-end stage duration in seconds.
	StageDuration metric.Float64Histogram

	// ToolInvocationsTotal counts tool invocations by stage and outcome.
	ToolInvocationsTotal metric.Int64Counter

	// ToolDuration records external tool wall time in seconds.
	ToolDuration metric.Float64Histogram

	// MergeConflictsTotal counts merge conflicts by stage.
	MergeConflictsTotal metric.Int64Counter

	// DroppedRecordsTotal counts records dropped by stage.
	DroppedRecordsTotal metric.Int64Counter

	// CheckpointsTotal counts checkpoint writes by stage.
	CheckpointsTotal metric.Int64Counter
}

// NewMetrics registers every instrument with meter.
//
// Inputs:
//
//	meter - Typically otel.Meter("aleutian.asr").
//
// Outputs:
//
//	*Metrics - Registered instruments.
//	error - Non-nil if any registration fails.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.StageRunsTotal, err = meter.Int64Counter("asr_stage_runs_total",
		metric.WithDescription("Stage runs by final status"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, fmt.Errorf("create stage_runs_total: %w", err)
	}
	if m.StageDuration, err = meter.Float64Histogram("asr_stage_duration_seconds",
		metric.WithDescription("Stage duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create stage_duration_seconds: %w", err)
	}
	if m.ToolInvocationsTotal, err = meter.Int64Counter("asr_tool_invocations_total",
		metric.WithDescription("External tool invocations by outcome"),
		metric.WithUnit("{invocation}"),
	); err != nil {
		return nil, fmt.Errorf("create tool_invocations_total: %w", err)
	}
	if m.ToolDuration, err = meter.Float64Histogram("asr_tool_duration_seconds",
		metric.WithDescription("External tool wall time in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create tool_duration_seconds: %w", err)
	}
	if m.MergeConflictsTotal, err = meter.Int64Counter("asr_merge_conflicts_total",
		metric.WithDescription("Tool output entries that could not be merged"),
		metric.WithUnit("{conflict}"),
	); err != nil {
		return nil, fmt.Errorf("create merge_conflicts_total: %w", err)
	}
	if m.DroppedRecordsTotal, err = meter.Int64Counter("asr_dropped_records_total",
		metric.WithDescription("Records dropped by a stage"),
		metric.WithUnit("{record}"),
	); err != nil {
		return nil, fmt.Errorf("create dropped_records_total: %w", err)
	}
	if m.CheckpointsTotal, err = meter.Int64Counter("asr_checkpoints_total",
		metric.WithDescription("Checkpoints written"),
		metric.WithUnit("{checkpoint}"),
	); err != nil {
		return nil, fmt.Errorf("create checkpoints_total: %w", err)
	}
	return m, nil
}

func stageAttr(stage string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("stage", stage))
}

// RecordStage records one finished stage run.
func (m *Metrics) RecordStage(ctx context.Context, stage, status string, d time.Duration, conflicts, dropped int) {
	if m == nil {
		return
	}
	m.StageRunsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("status", status),
	))
	m.StageDuration.Record(ctx, d.Seconds(), stageAttr(stage))
	if conflicts > 0 {
		m.MergeConflictsTotal.Add(ctx, int64(conflicts), stageAttr(stage))
	}
	if dropped > 0 {
		m.DroppedRecordsTotal.Add(ctx, int64(dropped), stageAttr(stage))
	}
}

// RecordTool records one external tool invocation. outcome is "ok" or the
// failure kind.
func (m *Metrics) RecordTool(ctx context.Context, stage, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("outcome", outcome),
	)
	m.ToolInvocationsTotal.Add(ctx, 1, attrs)
	m.ToolDuration.Record(ctx, d.Seconds(), stageAttr(stage))
}

// RecordCheckpoint counts one checkpoint write.
func (m *Metrics) RecordCheckpoint(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	m.CheckpointsTotal.Add(ctx, 1, stageAttr(stage))
}
