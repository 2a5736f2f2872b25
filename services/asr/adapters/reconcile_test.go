// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package adapters

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianASR/services/asr/asrerr"
	"github.com/AleutianAI/AleutianASR/services/asr/records"
	"github.com/AleutianAI/AleutianASR/services/asr/species"
	"github.com/AleutianAI/AleutianASR/services/asr/tree"
)

const (
	human = "Homo sapiens"
	mouse = "Mus musculus"
)

func reconcileView(t *testing.T) View {
	t.Helper()
	gene, err := tree.ParseNewick("(((A:1,B:1):1,E:1):1,(C:1,D:1):1);", tree.KindGene)
	require.NoError(t, err)
	return View{
		Records: records.NewView([]records.Record{
			aligned(rec("A", "MK", records.FieldSpecies, human), "MK"),
			aligned(rec("B", "MK", records.FieldSpecies, mouse), "MK"),
			aligned(rec("C", "MK", records.FieldSpecies, human), "MK"),
			aligned(rec("D", "MK", records.FieldSpecies, mouse), "MK"),
			aligned(rec("E", "MK"), "MK"),
		}),
		Trees: tree.Set{Gene: gene},
	}
}

func staticSpecies(t *testing.T) *species.Static {
	t.Helper()
	src, err := species.NewStatic("(('Homo sapiens','Mus musculus'),'Danio rerio');")
	require.NoError(t, err)
	return src
}

func TestReconcile_PrepareInput(t *testing.T) {
	a := NewReconcile(ReconcileConfig{}, staticSpecies(t), nil)
	in, err := a.PrepareInput(reconcileView(t))
	require.NoError(t, err)

	assert.Equal(t, []Conflict{{Record: "E", Reason: "no species annotation"}}, in.Rejected)
	assert.Equal(t, []string{"A", "B", "C", "D"}, in.Records)
	assert.ElementsMatch(t, []string{"A", "B", "C", "D"}, in.Tree.Leaves())
	assert.Equal(t, map[string]string{"A": human, "B": mouse, "C": human, "D": mouse}, in.Species)
	assert.Contains(t, in.Files, reconcileAlignment)
	assert.NotContains(t, string(in.Files[reconcileGeneTree]), "A")
	assert.Contains(t, string(in.Files[reconcileGeneTree]), "g3")
}

func TestReconcile_PrepareInputNeedsGeneTree(t *testing.T) {
	a := NewReconcile(ReconcileConfig{}, staticSpecies(t), nil)
	view := reconcileView(t)
	view.Trees = tree.Set{}
	_, err := a.PrepareInput(view)
	require.Error(t, err)
	assert.ErrorIs(t, err, asrerr.ErrMissingInput)
}

func TestReconcile_InvokeAndParse(t *testing.T) {
	ex := &fakeExecutor{fn: func(ctx context.Context, cmd Command) (*ProcessResult, error) {
		writeOut(t, cmd.Dir, reconcileOutput, "((g0:1,g1:1):1,(g2:1,g3:1):1);")
		return &ProcessResult{}, nil
	}}
	a := NewReconcile(ReconcileConfig{Launcher: []string{"mpiexec"}}, staticSpecies(t), ex)
	in, err := a.PrepareInput(reconcileView(t))
	require.NoError(t, err)

	inv := invocation(t, KindReconcile)
	raw, err := a.Invoke(context.Background(), in, inv)
	require.NoError(t, err)

	calls := ex.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "mpiexec", calls[0].Path)
	assert.Equal(t, []string{"-np", "2", "generax"}, calls[0].Args[:3])

	mapping, err := os.ReadFile(filepath.Join(inv.WorkDir, reconcileMapping))
	require.NoError(t, err)
	assert.Equal(t, "sp0:g0;g2\nsp1:g1;g3\n", string(mapping))

	families, err := os.ReadFile(filepath.Join(inv.WorkDir, reconcileFamilies))
	require.NoError(t, err)
	assert.Contains(t, string(families), "alignment = alignment.fasta")
	assert.Contains(t, string(families), "subst_model = LG")

	speciesNewick, err := os.ReadFile(filepath.Join(inv.WorkDir, reconcileSpeciesTree))
	require.NoError(t, err)
	assert.Contains(t, string(speciesNewick), "sp0")
	assert.NotContains(t, string(speciesNewick), "Danio")

	parsed, err := a.ParseOutput(raw)
	require.NoError(t, err)
	res := parsed.(*ReconciliationResult)
	assert.Empty(t, Conflicts(parsed))
	assert.Equal(t, map[string]string{"A": human, "B": mouse, "C": human, "D": mouse}, res.Mapping)
	assert.ElementsMatch(t, []string{human, mouse}, res.Species.Leaves())

	// The result feeds straight into event inference.
	reconciled, err := tree.Reconcile(res.Gene, res.Species, res.Mapping)
	require.NoError(t, err)
	assert.Equal(t, tree.KindReconciled, reconciled.Kind())
}

func TestReconcile_SpeciesNotFound(t *testing.T) {
	src, err := species.NewStatic("('Homo sapiens','Danio rerio');")
	require.NoError(t, err)
	ex := &fakeExecutor{}
	a := NewReconcile(ReconcileConfig{}, src, ex)
	in, err := a.PrepareInput(reconcileView(t))
	require.NoError(t, err)

	_, err = a.Invoke(context.Background(), in, invocation(t, KindReconcile))
	require.Error(t, err)
	assert.ErrorIs(t, err, asrerr.ErrSpeciesNotFound)
	assert.Equal(t, string(KindReconcile), asrerr.StageOf(err))
	assert.Empty(t, ex.Calls())
}

type failingSource struct{ err error }

func (f failingSource) Resolve(ctx context.Context, names []string) (*tree.Tree, error) {
	return nil, f.err
}

func TestReconcile_SourceFailureIsInvocationFailure(t *testing.T) {
	a := NewReconcile(ReconcileConfig{}, failingSource{err: errors.New("connection refused")}, &fakeExecutor{})
	in, err := a.PrepareInput(reconcileView(t))
	require.NoError(t, err)

	_, err = a.Invoke(context.Background(), in, invocation(t, KindReconcile))
	require.Error(t, err)
	assert.ErrorIs(t, err, asrerr.ErrToolInvocationFailed)
}

func TestReconcile_Command(t *testing.T) {
	tests := []struct {
		name     string
		cfg      ReconcileConfig
		threads  int
		wantPath string
		wantArgs []string
	}{
		{"no launcher", ReconcileConfig{}, 4, "generax", []string{"--families", "f"}},
		{"single thread", ReconcileConfig{Launcher: []string{"mpiexec"}}, 1, "generax", []string{"--families", "f"}},
		{"mpiexec", ReconcileConfig{Launcher: []string{"mpiexec"}}, 4, "mpiexec",
			[]string{"-np", "4", "generax", "--families", "f"}},
		{"srun with flags", ReconcileConfig{Launcher: []string{"srun", "--mpi=pmix"}, ProcsFlag: "-n"}, 8, "srun",
			[]string{"--mpi=pmix", "-n", "8", "generax", "--families", "f"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewReconcile(tt.cfg, staticSpecies(t), &fakeExecutor{})
			cmd := a.command(Invocation{Threads: tt.threads, WorkDir: "/w"}, []string{"--families", "f"})
			assert.Equal(t, tt.wantPath, cmd.Path)
			assert.Equal(t, tt.wantArgs, cmd.Args)
			assert.Equal(t, "/w", cmd.Dir)
		})
	}
}
