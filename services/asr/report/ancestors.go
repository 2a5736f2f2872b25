// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package report turns a finished run into outputs people read: ancestral
// sequences as FASTA and the record table as SQL rows.
package report

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/AleutianAI/AleutianASR/services/asr/tree"
)

// ErrNoStates is returned when a tree carries no ancestral states.
var ErrNoStates = errors.New("tree has no ancestral states")

// Ancestor summarizes the state distribution of one internal node.
type Ancestor struct {
	Node string `json:"node"`

	// Sequence takes the most probable residue at every position.
	Sequence string `json:"sequence"`

	// AltAll swaps in the runner-up residue wherever its posterior reaches
	// the cutoff. It equals Sequence when no position is ambiguous.
	AltAll string `json:"alt_all"`

	// MeanPP is the mean posterior of the Sequence residues.
	MeanPP float64 `json:"mean_pp"`

	// Ambiguous counts the positions where AltAll differs.
	Ambiguous int `json:"ambiguous"`

	Event   tree.Event `json:"event,omitempty"`
	Support float64    `json:"support,omitempty"`
}

// Ancestors summarizes every internal node of t that carries states.
//
// Description:
//
//	Positions are taken in ascending order. Ties between residues break
//	alphabetically so the output is stable. Nodes are returned in preorder.
//
// Inputs:
//
//	t - Tree with assigned states.
//	altCutoff - Posterior at or above which the runner-up residue enters
//	            AltAll. Must be in (0, 1].
//
// Outputs:
//
//	[]Ancestor - One entry per node with states.
//	error - ErrNoStates if no node has states, or a bad cutoff.
func Ancestors(t *tree.Tree, altCutoff float64) ([]Ancestor, error) {
	if t == nil {
		return nil, ErrNoStates
	}
	if altCutoff <= 0 || altCutoff > 1 {
		return nil, fmt.Errorf("alt cutoff %v outside (0, 1]", altCutoff)
	}

	var out []Ancestor
	for _, i := range t.PreOrder() {
		n := t.Node(i)
		if n.IsLeaf() || len(n.States) == 0 {
			continue
		}
		a := summarize(n.States, altCutoff)
		a.Node = n.ID
		a.Event = n.Event
		if n.HasSupport {
			a.Support = n.Support
		}
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil, ErrNoStates
	}
	return out, nil
}

type residue struct {
	name string
	p    float64
}

func summarize(d tree.Distribution, altCutoff float64) Ancestor {
	positions := make([]int, 0, len(d))
	for pos := range d {
		positions = append(positions, pos)
	}
	slices.Sort(positions)

	ml := make([]byte, 0, len(positions))
	alt := make([]byte, 0, len(positions))
	var sum float64
	var ambiguous int
	for _, pos := range positions {
		ranked := rank(d[pos])
		if len(ranked) == 0 {
			continue
		}
		best := ranked[0]
		ml = append(ml, best.name...)
		sum += best.p
		if len(ranked) > 1 && ranked[1].p >= altCutoff {
			alt = append(alt, ranked[1].name...)
			ambiguous++
			continue
		}
		alt = append(alt, best.name...)
	}

	a := Ancestor{Sequence: string(ml), AltAll: string(alt), Ambiguous: ambiguous}
	if len(ml) > 0 {
		a.MeanPP = sum / float64(len(ml))
	}
	return a
}

func rank(probs map[string]float64) []residue {
	out := make([]residue, 0, len(probs))
	for name, p := range probs {
		out = append(out, residue{name, p})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].p != out[j].p {
			return out[i].p > out[j].p
		}
		return out[i].name < out[j].name
	})
	return out
}
