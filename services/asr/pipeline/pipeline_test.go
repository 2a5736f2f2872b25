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
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianASR/services/asr/adapters"
	"github.com/AleutianAI/AleutianASR/services/asr/asrerr"
	"github.com/AleutianAI/AleutianASR/services/asr/checkpoint"
	"github.com/AleutianAI/AleutianASR/services/asr/journal"
	"github.com/AleutianAI/AleutianASR/services/asr/lock"
	"github.com/AleutianAI/AleutianASR/services/asr/records"
	"github.com/AleutianAI/AleutianASR/services/asr/stage"
	"github.com/AleutianAI/AleutianASR/services/asr/tree"
)

// scripted is an adapter whose result is computed from the view it was
// prepared with.
type scripted struct {
	kind     adapters.Kind
	build    func(v adapters.View) (adapters.ParsedResult, error)
	rejected func(v adapters.View) []adapters.Conflict
	fail     error

	mu    sync.Mutex
	calls int
	seen  [][]string
	last  adapters.View
}

func (s *scripted) Kind() adapters.Kind { return s.kind }

func (s *scripted) PrepareInput(v adapters.View) (*adapters.ToolInput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = v
	s.seen = append(s.seen, v.Records.IDs())
	in := &adapters.ToolInput{Records: v.Records.IDs()}
	if s.rejected != nil {
		in.Rejected = s.rejected(v)
	}
	return in, nil
}

func (s *scripted) Invoke(ctx context.Context, in *adapters.ToolInput, inv adapters.Invocation) (*adapters.RawOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail != nil {
		return nil, s.fail
	}
	return &adapters.RawOutput{Input: in}, nil
}

func (s *scripted) ParseOutput(raw *adapters.RawOutput) (adapters.ParsedResult, error) {
	s.mu.Lock()
	v := s.last
	s.mu.Unlock()
	return s.build(v)
}

func (s *scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// caterpillar builds "(a,(b,(c,d)));" over the live records.
func caterpillar(ids []string) string {
	if len(ids) == 1 {
		return ids[0]
	}
	return "(" + ids[0] + "," + caterpillar(ids[1:]) + ")"
}

func geneTree(v adapters.View) (*tree.Tree, error) {
	return tree.ParseNewick(caterpillar(v.Records.IDs())+";", tree.KindGene)
}

type fixture struct {
	search, align, infer, reconcile, ancestors *scripted
}

func newFixture() *fixture {
	return &fixture{
		search: &scripted{kind: adapters.KindSearch, build: func(v adapters.View) (adapters.ParsedResult, error) {
			return &adapters.SearchResult{Hits: []adapters.Hit{{
				Accession: "XP_000001.1", Name: "S100A9", Species: "s2",
				Sequence: "MRL", EValue: 1e-20, BitScore: 80, Length: 3,
				Queries: []string{"A"},
			}}}, nil
		}},
		align: &scripted{kind: adapters.KindAlign, build: func(v adapters.View) (adapters.ParsedResult, error) {
			res := &adapters.AlignmentResult{Rows: map[string]string{}, Width: 3}
			for _, r := range v.Records.Records {
				res.Rows[r.ID] = r.Sequence
				res.Order = append(res.Order, r.ID)
			}
			return res, nil
		}},
		infer: &scripted{kind: adapters.KindInfer, build: func(v adapters.View) (adapters.ParsedResult, error) {
			t, err := geneTree(v)
			return &adapters.TreeResult{Tree: t}, err
		}},
		reconcile: &scripted{kind: adapters.KindReconcile, build: func(v adapters.View) (adapters.ParsedResult, error) {
			gene, err := geneTree(v)
			if err != nil {
				return nil, err
			}
			sp, err := tree.ParseNewick("(s1,s2);", tree.KindSpecies)
			if err != nil {
				return nil, err
			}
			mapping := make(map[string]string)
			for _, r := range v.Records.Records {
				mapping[r.ID] = r.Annotations[records.FieldSpecies]
			}
			return &adapters.ReconciliationResult{Gene: gene, Species: sp, Mapping: mapping}, nil
		}},
		ancestors: &scripted{kind: adapters.KindAncestors, build: func(v adapters.View) (adapters.ParsedResult, error) {
			return &adapters.AncestorResult{
				Target: tree.KindReconciled,
				States: map[string]tree.Distribution{"n0": {1: {"M": 1}}},
				Model:  "LG",
			}, nil
		}},
	}
}

func (f *fixture) stages(policy stage.Policy) []stage.Stage {
	return []stage.Stage{
		{Name: "search", Adapter: f.search, Policy: policy},
		{Name: "align", Adapter: f.align, Policy: policy},
		{Name: "infer", Adapter: f.infer, Policy: policy},
		{Name: "reconcile", Adapter: f.reconcile, Policy: policy},
		{Name: "ancestors", Adapter: f.ancestors, Policy: policy},
	}
}

func seedRecord(id, species, seq string) records.Record {
	return records.Record{ID: id, Sequence: seq, Annotations: map[string]string{
		records.FieldOrigin:  records.OriginSeed,
		records.FieldName:    id,
		records.FieldSpecies: species,
	}}
}

func seeds(ctx context.Context) ([]records.Record, error) {
	return []records.Record{
		seedRecord("A", "s1", "MKV"),
		seedRecord("B", "s1", "MKL"),
		seedRecord("C", "s2", "MRV"),
	}, nil
}

type fakeMirror struct {
	mu        sync.Mutex
	snapshots []string
	err       error
}

func (m *fakeMirror) Sync(ctx context.Context, dir, snapshot string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, snapshot)
	return m.err
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newPipeline(t *testing.T, dir string, deps Deps) *Pipeline {
	t.Helper()
	if deps.Seeds == nil {
		deps.Seeds = seeds
	}
	deps.Logger = quiet()
	p, err := New(Config{CheckpointDir: dir}, deps)
	require.NoError(t, err)
	return p
}

func statuses(s Summary) []stage.Status {
	out := make([]stage.Status, len(s.Stages))
	for i, st := range s.Stages {
		out[i] = st.Status
	}
	return out
}

func TestRun_FullPipeline(t *testing.T) {
	dir := t.TempDir()
	f := newFixture()
	j, err := journal.Open(journal.InMemoryConfig())
	require.NoError(t, err)
	defer j.Close()
	mirror := &fakeMirror{}

	p := newPipeline(t, dir, Deps{Stages: f.stages(stage.PolicyFatal), Journal: j, Mirror: mirror})
	sum, err := p.Run(context.Background(), Range{})
	require.NoError(t, err)

	assert.False(t, sum.Failed())
	assert.NotEmpty(t, sum.RunID)
	assert.Equal(t, []stage.Status{
		stage.StatusCompleted, stage.StatusCompleted, stage.StatusCompleted,
		stage.StatusCompleted, stage.StatusCompleted,
	}, statuses(sum))
	assert.Equal(t, filepath.Join(dir, checkpoint.SnapshotsDir, "05-ancestors"), sum.Checkpoint)
	assert.Equal(t, filepath.Join(dir, checkpoint.MarkerFile), sum.Marker)
	assert.Empty(t, sum.Warnings)

	assert.Equal(t, []string{"01-search", "02-align", "03-infer", "04-reconcile", "05-ancestors"}, mirror.snapshots)

	attempts, err := j.Attempts(context.Background(), sum.RunID)
	require.NoError(t, err)
	require.Len(t, attempts, 5)
	assert.Equal(t, "ancestors", attempts[4].Stage)
	assert.Equal(t, "05-ancestors", attempts[4].Snapshot)

	marker, snap, err := Snapshot(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, Order, marker.Completed())
	assert.Equal(t, 4, snap.Store.Len())
	require.NotNil(t, snap.Trees.Reconciled)
	_, ok := snap.Trees.Reconciled.States("n0")
	assert.True(t, ok)

	info, err := lock.Inspect(dir)
	require.NoError(t, err)
	assert.Nil(t, info, "lock released after the run")
}

func TestRun_ResumesAfterFailure(t *testing.T) {
	dir := t.TempDir()
	f := newFixture()
	f.infer.fail = asrerr.New(asrerr.KindToolTimeout, "raxml-ng exceeded 1s")
	j, err := journal.Open(journal.InMemoryConfig())
	require.NoError(t, err)
	defer j.Close()

	p := newPipeline(t, dir, Deps{Stages: f.stages(stage.PolicyFatal), Journal: j})
	sum, err := p.Run(context.Background(), Range{})
	require.Error(t, err)
	assert.ErrorIs(t, err, asrerr.ErrPipelineAborted)
	assert.ErrorIs(t, err, asrerr.ErrToolTimeout)
	assert.Equal(t, "infer", asrerr.StageOf(err))

	assert.True(t, sum.Failed())
	assert.Equal(t, "infer", sum.FailedStage)
	assert.Contains(t, sum.FailureReason, "raxml-ng exceeded 1s")
	assert.Equal(t, []stage.Status{
		stage.StatusCompleted, stage.StatusCompleted, stage.StatusFailed,
		stage.StatusPending, stage.StatusPending,
	}, statuses(sum))
	assert.Equal(t, filepath.Join(dir, checkpoint.SnapshotsDir, "02-align"), sum.Checkpoint)

	latest, ok, err := j.Latest(context.Background(), "infer")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "failed", latest.Status)
	assert.Equal(t, "ToolTimeout", latest.ErrorKind)

	f.infer.fail = nil
	sum, err = p.Run(context.Background(), Range{})
	require.NoError(t, err)
	assert.Equal(t, 1, f.search.Calls())
	assert.Equal(t, 1, f.align.Calls())
	assert.Equal(t, 2, f.infer.Calls())

	searchSum, _ := sum.Stage("search")
	assert.True(t, searchSum.Restored)
	inferSum, _ := sum.Stage("infer")
	assert.False(t, inferSum.Restored)
	assert.Equal(t, stage.StatusCompleted, inferSum.Status)
}

func TestRun_ForceInvalidatesDownstream(t *testing.T) {
	dir := t.TempDir()
	f := newFixture()
	p := newPipeline(t, dir, Deps{Stages: f.stages(stage.PolicyFatal)})
	_, err := p.Run(context.Background(), Range{})
	require.NoError(t, err)

	upstream := func() []byte {
		data, err := os.ReadFile(filepath.Join(dir, checkpoint.SnapshotsDir, "02-align", checkpoint.RecordsFile))
		require.NoError(t, err)
		return data
	}
	before := upstream()

	sum, err := p.Run(context.Background(), Range{Force: "infer", To: "infer"})
	require.NoError(t, err)
	assert.Equal(t, []stage.Status{
		stage.StatusCompleted, stage.StatusCompleted, stage.StatusCompleted,
		stage.StatusPending, stage.StatusPending,
	}, statuses(sum))
	assert.Equal(t, 1, f.search.Calls())
	assert.Equal(t, 1, f.align.Calls())
	assert.Equal(t, 2, f.infer.Calls())
	assert.Equal(t, 1, f.reconcile.Calls())

	assert.Equal(t, before, upstream())
	assert.NoDirExists(t, filepath.Join(dir, checkpoint.SnapshotsDir, "04-reconcile"))
	assert.NoDirExists(t, filepath.Join(dir, checkpoint.SnapshotsDir, "05-ancestors"))

	marker, _, err := Snapshot(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"search", "align", "infer"}, marker.Completed())
}

func TestRun_IdentityStable(t *testing.T) {
	ids := func() []string {
		dir := t.TempDir()
		p := newPipeline(t, dir, Deps{Stages: newFixture().stages(stage.PolicyFatal)})
		_, err := p.Run(context.Background(), Range{To: "align"})
		require.NoError(t, err)
		_, snap, err := Snapshot(context.Background(), dir)
		require.NoError(t, err)
		return snap.Store.IDs()
	}
	first := ids()
	assert.Len(t, first, 4)
	assert.Equal(t, first, ids())
}

func TestRun_DropPropagation(t *testing.T) {
	dir := t.TempDir()
	f := newFixture()
	f.align.rejected = func(v adapters.View) []adapters.Conflict {
		return []adapters.Conflict{{Record: "C", Reason: "invalid residue"}}
	}
	p := newPipeline(t, dir, Deps{Stages: f.stages(stage.PolicyWarn)})

	sum, err := p.Run(context.Background(), Range{})
	require.NoError(t, err)
	alignSum, _ := sum.Stage("align")
	assert.Equal(t, stage.StatusPartiallyCompleted, alignSum.Status)
	assert.Equal(t, 1, alignSum.Dropped)
	assert.Equal(t, 1, sum.Dropped)

	require.Len(t, f.infer.seen, 1)
	assert.NotContains(t, f.infer.seen[0], "C")

	_, snap, err := Snapshot(context.Background(), dir)
	require.NoError(t, err)
	for _, kind := range []tree.Kind{tree.KindGene, tree.KindReconciled} {
		assert.NotContains(t, snap.Trees.Get(kind).Leaves(), "C", kind)
	}
	c, ok := snap.Store.Get("C")
	require.True(t, ok)
	assert.False(t, c.Keep)
	assert.Equal(t, "invalid residue", c.DropReason)
}

func TestRun_FromBeyondResumePoint(t *testing.T) {
	f := newFixture()
	p := newPipeline(t, t.TempDir(), Deps{Stages: f.stages(stage.PolicyFatal)})
	sum, err := p.Run(context.Background(), Range{From: "infer"})
	assert.ErrorIs(t, err, asrerr.ErrPipelineAborted)
	assert.Equal(t, 0, f.search.Calls())
	assert.Empty(t, sum.Stages)
}

func TestRun_RangeValidation(t *testing.T) {
	p := newPipeline(t, t.TempDir(), Deps{Stages: newFixture().stages(stage.PolicyFatal)})
	_, err := p.Run(context.Background(), Range{From: "polish"})
	assert.ErrorIs(t, err, ErrUnknownStage)
	_, err = p.Run(context.Background(), Range{From: "infer", To: "align"})
	assert.ErrorIs(t, err, asrerr.ErrPipelineAborted)
}

func TestRun_RefusesLockedDirectory(t *testing.T) {
	dir := t.TempDir()
	held, err := lock.Acquire(lock.Config{Dir: dir, RunID: "other", Logger: quiet()})
	require.NoError(t, err)
	defer held.Release()

	f := newFixture()
	p := newPipeline(t, dir, Deps{Stages: f.stages(stage.PolicyFatal)})
	_, err = p.Run(context.Background(), Range{})
	assert.ErrorIs(t, err, lock.ErrLocked)
	assert.Equal(t, 0, f.search.Calls())
}

func TestRun_CorruptCheckpointIsFatal(t *testing.T) {
	dir := t.TempDir()
	f := newFixture()
	p := newPipeline(t, dir, Deps{Stages: f.stages(stage.PolicyFatal)})
	_, err := p.Run(context.Background(), Range{To: "align"})
	require.NoError(t, err)

	path := filepath.Join(dir, checkpoint.SnapshotsDir, "02-align", checkpoint.RecordsFile)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(string(data), "MKV", "MKW", 1)), 0o644))

	_, err = p.Run(context.Background(), Range{})
	assert.ErrorIs(t, err, asrerr.ErrCorruptCheckpoint)
	assert.True(t, asrerr.Fatal(err))
	assert.Equal(t, 0, f.infer.Calls())
}

func TestRun_NoSeeds(t *testing.T) {
	f := newFixture()
	p, err := New(Config{CheckpointDir: t.TempDir()}, Deps{Stages: f.stages(stage.PolicyFatal), Logger: quiet()})
	require.NoError(t, err)
	_, err = p.Run(context.Background(), Range{})
	assert.ErrorIs(t, err, ErrNoSeeds)
}

func TestRun_MirrorFailureIsAWarning(t *testing.T) {
	mirror := &fakeMirror{err: errors.New("bucket unreachable")}
	p := newPipeline(t, t.TempDir(), Deps{Stages: newFixture().stages(stage.PolicyFatal), Mirror: mirror})
	sum, err := p.Run(context.Background(), Range{To: "search"})
	require.NoError(t, err)
	require.Len(t, sum.Warnings, 1)
	assert.Contains(t, sum.Warnings[0], "bucket unreachable")
}

func TestRun_CancelledStageIsNotCheckpointed(t *testing.T) {
	dir := t.TempDir()
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.align.build = func(v adapters.View) (adapters.ParsedResult, error) {
		cancel()
		return &adapters.AlignmentResult{Rows: map[string]string{}}, nil
	}
	p := newPipeline(t, dir, Deps{Stages: f.stages(stage.PolicyFatal)})
	sum, err := p.Run(ctx, Range{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "align", sum.FailedStage)

	marker, _, err := Snapshot(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"search"}, marker.Completed())
}

func TestRun_SeparateDirectoriesRunConcurrently(t *testing.T) {
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		p := newPipeline(t, t.TempDir(), Deps{Stages: newFixture().stages(stage.PolicyFatal)})
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = p.Run(context.Background(), Range{})
		}()
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func TestNew_Validation(t *testing.T) {
	f := newFixture()
	all := f.stages(stage.PolicyFatal)
	tests := map[string]struct {
		cfg    Config
		stages []stage.Stage
	}{
		"no directory": {Config{}, all},
		"no stages":    {Config{CheckpointDir: "x"}, nil},
		"out of order": {Config{CheckpointDir: "x"}, []stage.Stage{all[1], all[0]}},
		"duplicate":    {Config{CheckpointDir: "x"}, []stage.Stage{all[0], all[0]}},
		"unknown":      {Config{CheckpointDir: "x"}, []stage.Stage{{Name: "polish", Adapter: f.search}}},
		"no adapter":   {Config{CheckpointDir: "x"}, []stage.Stage{{Name: "search"}}},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := New(tt.cfg, Deps{Stages: tt.stages})
			assert.Error(t, err)
		})
	}

	p, err := New(Config{CheckpointDir: "x"}, Deps{Stages: []stage.Stage{all[0], all[2]}})
	require.NoError(t, err)
	assert.Equal(t, []string{"search", "infer"}, p.Stages())
}

func TestStatus(t *testing.T) {
	dir := t.TempDir()
	p := newPipeline(t, dir, Deps{Stages: newFixture().stages(stage.PolicyFatal)})
	_, err := p.Run(context.Background(), Range{To: "align"})
	require.NoError(t, err)

	stages, marker, err := p.Status()
	require.NoError(t, err)
	assert.Equal(t, "align", marker.LastStage)
	assert.Equal(t, []stage.Status{
		stage.StatusCompleted, stage.StatusCompleted, stage.StatusPending,
		stage.StatusPending, stage.StatusPending,
	}, statuses(Summary{Stages: stages}))
}

func TestSeedReader(t *testing.T) {
	table := "name\tspecies\tsequence\nS100A9\tHomo sapiens\tmtc kme\n"
	recs, err := SeedReader(strings.NewReader(table))(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "MTCKME", recs[0].Sequence)
}
