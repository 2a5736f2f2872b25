// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianASR/services/asr/checkpoint"
	"github.com/AleutianAI/AleutianASR/services/asr/journal"
	"github.com/AleutianAI/AleutianASR/services/asr/pipeline"
	"github.com/AleutianAI/AleutianASR/services/asr/records"
	"github.com/AleutianAI/AleutianASR/services/asr/stage"
	"github.com/AleutianAI/AleutianASR/services/asr/tree"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type dirStatus struct{ dir string }

func (s dirStatus) CheckpointDir() string { return s.dir }

func (s dirStatus) Status() ([]pipeline.StageSummary, *checkpoint.Marker, error) {
	d, err := checkpoint.Open(s.dir, nil)
	if err != nil {
		return nil, nil, err
	}
	m, err := d.Marker("")
	if err != nil {
		return nil, nil, err
	}
	var out []pipeline.StageSummary
	for _, name := range pipeline.Order {
		st := pipeline.StageSummary{Name: name, Status: stage.StatusPending}
		if e, ok := m.Stage(name); ok {
			st.Status = stage.StatusCompleted
			st.Dropped = e.Dropped
		}
		out = append(out, st)
	}
	return out, m, nil
}

func seededDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	d, err := checkpoint.Open(dir, nil)
	require.NoError(t, err)

	store := records.NewStore()
	_, err = store.Add(
		records.Record{ID: "r000000000001", Sequence: "MKV", Keep: true},
		records.Record{ID: "r000000000002", Sequence: "MKL", Keep: true},
	)
	require.NoError(t, err)
	gt, err := tree.ParseNewick("(r000000000001:0.1,r000000000002:0.2);", tree.KindGene)
	require.NoError(t, err)

	_, err = d.Save(context.Background(), "run-7", 2,
		checkpoint.StageEntry{Name: "infer", Status: string(stage.StatusCompleted), Dropped: 1},
		checkpoint.Snapshot{Store: store, Trees: tree.Set{}.With(tree.KindGene, gt)})
	require.NoError(t, err)
	return dir
}

func get(t *testing.T, router http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandleHealth(t *testing.T) {
	router := NewRouter(Deps{Status: dirStatus{t.TempDir()}})
	w := get(t, router, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
}

func TestHandleStatus(t *testing.T) {
	dir := seededDir(t)
	w := get(t, NewRouter(Deps{Status: dirStatus{dir}}), "/v1/status")
	require.Equal(t, http.StatusOK, w.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, dir, resp.CheckpointDir)
	assert.Equal(t, "run-7", resp.RunID)
	assert.Equal(t, "infer", resp.LastStage)
	assert.Nil(t, resp.Lock)
	require.Len(t, resp.Stages, len(pipeline.Order))
	st, ok := pipeline.Summary{Stages: resp.Stages}.Stage("infer")
	require.True(t, ok)
	assert.Equal(t, stage.StatusCompleted, st.Status)
	assert.Equal(t, 1, st.Dropped)
}

func TestHandleTree(t *testing.T) {
	router := NewRouter(Deps{Status: dirStatus{seededDir(t)}})

	w := get(t, router, "/v1/trees/gene")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "r000000000001:0.1")

	w = get(t, router, "/v1/trees/gene?format=edges")
	require.Equal(t, http.StatusOK, w.Code)
	var edges []EdgeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &edges))
	require.Len(t, edges, 3)
	assert.Empty(t, edges[0].Parent)
	require.NotNil(t, edges[1].Length)
	assert.InDelta(t, 0.1, *edges[1].Length, 1e-9)

	assert.Equal(t, http.StatusNotFound, get(t, router, "/v1/trees/reconciled").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, router, "/v1/trees/bush").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, router, "/v1/trees/gene?format=xml").Code)
}

func TestHandleTree_NoCheckpoint(t *testing.T) {
	router := NewRouter(Deps{Status: dirStatus{t.TempDir()}})
	assert.Equal(t, http.StatusNotFound, get(t, router, "/v1/trees/gene").Code)
}

func TestHandleAttempts(t *testing.T) {
	j, err := journal.Open(journal.InMemoryConfig())
	require.NoError(t, err)
	defer j.Close()

	ctx := context.Background()
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, a := range []journal.Attempt{
		{RunID: "old", Stage: "search", Status: "completed", StartedAt: t0},
		{RunID: "new", Stage: "search", Status: "completed", StartedAt: t0.Add(time.Hour)},
		{RunID: "new", Stage: "align", Status: "failed", StartedAt: t0.Add(2 * time.Hour)},
	} {
		_, err := j.Record(ctx, a)
		require.NoError(t, err)
	}

	router := NewRouter(Deps{Status: dirStatus{t.TempDir()}, Journal: j})

	var resp struct {
		RunID    string            `json:"run_id"`
		Attempts []journal.Attempt `json:"attempts"`
	}
	w := get(t, router, "/v1/attempts")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "new", resp.RunID)
	require.Len(t, resp.Attempts, 2)
	assert.Equal(t, "align", resp.Attempts[1].Stage)

	w = get(t, router, "/v1/attempts?run=old")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Attempts, 1)
}

func TestHandleAttempts_NoJournal(t *testing.T) {
	router := NewRouter(Deps{Status: dirStatus{t.TempDir()}})
	assert.Equal(t, http.StatusNotFound, get(t, router, "/v1/attempts").Code)
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("asr_stage_runs_total 3\n"))
	})
	router := NewRouter(Deps{Status: dirStatus{t.TempDir()}, Metrics: metrics})
	w := get(t, router, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "asr_stage_runs_total")

	router = NewRouter(Deps{Status: dirStatus{t.TempDir()}})
	assert.Equal(t, http.StatusNotFound, get(t, router, "/metrics").Code)
}
