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
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianASR/services/asr/config"
	"github.com/AleutianAI/AleutianASR/services/asr/pipeline"
	"github.com/AleutianAI/AleutianASR/services/asr/records"
	"github.com/AleutianAI/AleutianASR/services/asr/stage"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func validConfig(t *testing.T) string {
	t.Helper()
	cfg := config.Default()
	cfg.Tools.Search.Database = "/data/refseq"
	data, err := cfg.Marshal()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "asr.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "warn", "json")
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "stage", "align")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"stage":"align"`)

	_, err = newLogger(&buf, "loud", "text")
	require.Error(t, err)
	_, err = newLogger(&buf, "info", "xml")
	require.Error(t, err)
}

func TestInit_WritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "asr.yaml")

	out, err := execute(t, "--config", path, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "tools.search.database")

	_, err = execute(t, "--config", path, "init")
	require.Error(t, err)

	// the starter file is complete apart from the search database
	_, err = config.Load(path)
	require.ErrorIs(t, err, config.ErrInvalid)
	assert.Contains(t, err.Error(), "Tools.Search.Database")
}

func TestStatus_FreshDirectory(t *testing.T) {
	out, err := execute(t, "--config", validConfig(t), "status")
	require.NoError(t, err)
	for _, name := range pipeline.Order {
		assert.Contains(t, out, name)
	}
	assert.Contains(t, out, string(stage.StatusPending))
}

func TestTree_NoCheckpoint(t *testing.T) {
	_, err := execute(t, "--config", validConfig(t), "tree", "--kind", "gene")
	require.Error(t, err)
}

func TestMissingConfig(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "none.yaml"), "status")
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestBuildStages(t *testing.T) {
	cfg, err := config.Load(validConfig(t))
	require.NoError(t, err)
	cfg.Run.StagePolicies = map[string]string{"align": "warn"}
	cfg.Nicknames.Patterns = map[string][]string{"LY96": {"MD-2"}}

	stages, err := buildStages(cfg, nil, nil, nil)
	require.NoError(t, err)

	names := make([]string, len(stages))
	for i, st := range stages {
		names[i] = st.Name
		assert.NotNil(t, st.Adapter, st.Name)
		assert.Equal(t, filepath.Join(cfg.Run.WorkDir, st.Name), st.Invocation.WorkDir)
		assert.Positive(t, st.Invocation.Timeout)
	}
	assert.Equal(t, pipeline.Order, names)
	assert.Equal(t, stage.PolicyWarn, stages[1].Policy)
	assert.Equal(t, stage.PolicyFatal, stages[2].Policy)
	assert.NotNil(t, stages[0].Enrich)
	assert.Nil(t, stages[1].Enrich)
	assert.Equal(t, "blastp", stages[0].Invocation.Executable)
}

func TestCompileNicknames_Fields(t *testing.T) {
	m, err := compileNicknames(config.NicknameConfig{
		Patterns:    map[string][]string{"LY96": {"md-2"}},
		IgnoreCase:  true,
		OutputField: "paralog",
	})
	require.NoError(t, err)
	assert.Equal(t, "LY96", m.Nickname("MD-2 protein"))

	_, err = compileNicknames(config.NicknameConfig{
		Patterns:    map[string][]string{"LY96": {"md-2"}},
		OutputField: records.ColumnKeep,
	})
	require.Error(t, err)
}

func TestRenderSummary_Plain(t *testing.T) {
	var buf bytes.Buffer
	renderSummary(&buf, pipeline.Summary{
		RunID: "run-1",
		Stages: []pipeline.StageSummary{
			{Name: "search", Status: stage.StatusCompleted, Restored: true},
			{Name: "align", Status: stage.StatusPartiallyCompleted, Dropped: 2, Duration: 1500 * time.Millisecond},
			{Name: "infer", Status: stage.StatusFailed},
			{Name: "reconcile", Status: stage.StatusPending},
		},
		Dropped:       2,
		FailedStage:   "infer",
		FailureReason: "tool timed out",
		Checkpoint:    "/runs/ckpt/snapshots/02-align",
		Warnings:      []string{"mirror: bucket unreachable"},
	}, false)

	out := buf.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Equal(t, "run run-1", lines[0])
	assert.Contains(t, lines[1], "restored")
	assert.Contains(t, lines[2], "dropped=2")
	assert.Contains(t, lines[2], "1.5s")
	assert.Contains(t, out, "checkpoint /runs/ckpt/snapshots/02-align")
	assert.Contains(t, out, "warning: mirror: bucket unreachable")
	assert.Contains(t, out, "FAILED at infer: tool timed out")
	assert.NotContains(t, out, "✓")
}

func TestRenderSummary_Styled(t *testing.T) {
	var buf bytes.Buffer
	renderSummary(&buf, pipeline.Summary{
		RunID:  "run-2",
		Stages: []pipeline.StageSummary{{Name: "search", Status: stage.StatusCompleted}},
	}, true)
	assert.Contains(t, buf.String(), "✓")
	assert.Contains(t, buf.String(), "run-2")
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, isTerminal(&bytes.Buffer{}))
	f, err := os.CreateTemp(t.TempDir(), "out")
	require.NoError(t, err)
	defer f.Close()
	assert.False(t, isTerminal(f))
}

func TestWiring_CloseJoinsErrors(t *testing.T) {
	w := &wiring{}
	var order []int
	w.closers = append(w.closers,
		func(context.Context) error { order = append(order, 1); return errors.New("a") },
		func(context.Context) error { order = append(order, 2); return nil },
	)
	err := w.close(t.Context())
	require.EqualError(t, err, "a")
	assert.Equal(t, []int{2, 1}, order)
}
