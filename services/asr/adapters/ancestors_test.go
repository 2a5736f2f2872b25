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
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianASR/services/asr/asrerr"
	"github.com/AleutianAI/AleutianASR/services/asr/records"
	"github.com/AleutianAI/AleutianASR/services/asr/tree"
)

func ancestorsView(t *testing.T, withReconciled bool) View {
	t.Helper()
	gene, err := tree.ParseNewick("((r1:1,r2:1):1,(r3:1,r4:1):1);", tree.KindGene)
	require.NoError(t, err)
	view := View{
		Records: records.NewView([]records.Record{
			aligned(rec("r1", "MK"), "MK"),
			aligned(rec("r2", "MK"), "MK"),
			aligned(rec("r3", "MK"), "M-"),
			aligned(rec("r4", "MK"), "MK"),
		}),
		Trees: tree.Set{Gene: gene},
	}
	if withReconciled {
		sp, err := tree.ParseNewick("(s1,s2);", tree.KindSpecies)
		require.NoError(t, err)
		reconciled, err := tree.Reconcile(gene, sp, map[string]string{"r1": "s1", "r2": "s2", "r3": "s1", "r4": "s2"})
		require.NoError(t, err)
		view.Trees.Species = sp
		view.Trees.Reconciled = reconciled
	}
	return view
}

func TestAncestors_PrepareInputTarget(t *testing.T) {
	a := NewAncestors(AncestorsConfig{}, nil)

	in, err := a.PrepareInput(ancestorsView(t, true))
	require.NoError(t, err)
	assert.Equal(t, tree.KindReconciled, in.Tree.Kind())

	in, err = a.PrepareInput(ancestorsView(t, false))
	require.NoError(t, err)
	assert.Equal(t, tree.KindGene, in.Tree.Kind())
	assert.Equal(t, []string{"r1", "r2", "r3", "r4"}, in.Records)
	assert.Contains(t, string(in.Files[ancestorsTree]), "seq0")
	assert.Equal(t, ">seq0\nMK\n>seq1\nMK\n>seq2\nM-\n>seq3\nMK\n", string(in.Files[ancestorsAlignment]))

	_, err = a.PrepareInput(View{Records: ancestorsView(t, false).Records})
	require.Error(t, err)
	assert.ErrorIs(t, err, asrerr.ErrMissingInput)
}

func TestAncestors_PrepareInputPrunesUnaligned(t *testing.T) {
	view := ancestorsView(t, false)
	view.Records = records.NewView([]records.Record{
		aligned(rec("r1", "MK"), "MK"),
		aligned(rec("r2", "MK"), "MK"),
		rec("r3", "MK"),
	})
	in, err := NewAncestors(AncestorsConfig{}, nil).PrepareInput(view)
	require.NoError(t, err)
	assert.Equal(t, []Conflict{{Record: "r3", Reason: "not aligned"}}, in.Rejected)
	assert.ElementsMatch(t, []string{"r1", "r2"}, in.Tree.Leaves())
}

const ancestralProbs = `Node	Site	State	p_A	p_C
Node1	1	A	0.9	0.1
Node1	2	C	0.3	0.7
Node2	1	C	0.2	0.8
Node2	2	C	0.0	1.0
`

func TestAncestors_InvokeAndParse(t *testing.T) {
	ex := &fakeExecutor{fn: func(ctx context.Context, cmd Command) (*ProcessResult, error) {
		writeOut(t, cmd.Dir, ancestorsLabelTree, "(seq0:1,seq1:1,(seq2:1,seq3:1)Node2:2)Node1;")
		writeOut(t, cmd.Dir, ancestorsProbs, ancestralProbs)
		return &ProcessResult{}, nil
	}}
	a := NewAncestors(AncestorsConfig{Model: "JTT"}, ex)
	view := ancestorsView(t, true)
	in, err := a.PrepareInput(view)
	require.NoError(t, err)

	inv := invocation(t, KindAncestors)
	raw, err := a.Invoke(context.Background(), in, inv)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(inv.WorkDir, ancestorsParameters))
	require.NoError(t, err)
	var params RunParameters
	require.NoError(t, json.Unmarshal(data, &params))
	assert.Equal(t, RunParameters{Model: "JTT", AltCutoff: DefaultAltCutoff, Tree: tree.KindReconciled}, params)

	calls := ex.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "JTT", argValue(calls[0].Args, "--model"))
	assert.Contains(t, calls[0].Args, "--ancestral")

	parsed, err := a.ParseOutput(raw)
	require.NoError(t, err)
	res := parsed.(*AncestorResult)
	assert.Empty(t, Conflicts(parsed))
	assert.Equal(t, tree.KindReconciled, res.Target)

	// Node1 splits {r1},{r2},{r3,r4}; Node2 splits {r1,r2},{r3},{r4}.
	require.Contains(t, res.States, "n1")
	require.Contains(t, res.States, "n4")
	assert.InDelta(t, 0.9, res.States["n1"][1]["A"], 1e-9)
	assert.InDelta(t, 0.8, res.States["n4"][1]["C"], 1e-9)

	assigned, err := tree.AssignAncestralStates(res.Tree, res.States)
	require.NoError(t, err)
	d, ok := assigned.States("n4")
	require.True(t, ok)
	assert.InDelta(t, 1.0, d[2]["C"], 1e-9)
}

func TestAncestors_UnmatchedLabelKeptVerbatim(t *testing.T) {
	a := NewAncestors(AncestorsConfig{}, nil)
	view := ancestorsView(t, false)
	in, err := a.PrepareInput(view)
	require.NoError(t, err)

	raw := &RawOutput{Input: in, Files: map[string][]byte{
		ancestorsLabelTree: []byte("(seq0,seq1,(seq2,seq3)Node2)Node1;"),
		ancestorsProbs:     []byte(ancestralProbs + "Node9\t1\tA\t1.0\t0.0\n"),
	}}
	parsed, err := a.ParseOutput(raw)
	require.NoError(t, err)
	res := parsed.(*AncestorResult)
	assert.Contains(t, res.States, "Node9")

	_, err = tree.AssignAncestralStates(res.Tree, res.States)
	require.Error(t, err)
	assert.ErrorIs(t, err, asrerr.ErrUnknownNode)
}

func TestParseAncestralProbs_Malformed(t *testing.T) {
	tests := map[string]string{
		"no header":    "Node1\t1\tA\t0.9\t0.1\n",
		"bad site":     "Node\tSite\tState\tp_A\nNode1\tx\tA\t1\n",
		"zero site":    "Node\tSite\tState\tp_A\nNode1\t0\tA\t1\n",
		"short row":    "Node\tSite\tState\tp_A\tp_C\nNode1\t1\tA\t1\n",
		"bad prob":     "Node\tSite\tState\tp_A\nNode1\t1\tA\tzz\n",
		"empty output": "",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := parseAncestralProbs([]byte(data), nil)
			assert.Error(t, err)
		})
	}
}
