// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tree

import (
	"sort"

	"github.com/AleutianAI/AleutianASR/services/asr/asrerr"
)

// AssignAncestralStates attaches per-position state distributions to
// internal nodes.
//
// Description:
//
//	All identifiers are checked before anything is assigned; the input tree
//	is never modified. Nodes not named in dists keep whatever states they
//	already had.
//
// Inputs:
//
//	t - Gene or reconciled tree.
//	dists - Internal node identifier to its distribution.
//
// Outputs:
//
//	*Tree - A copy carrying the distributions.
//	error - UnknownNode listing every identifier that is not an internal
//	        node of t.
func AssignAncestralStates(t *Tree, dists map[string]Distribution) (*Tree, error) {
	var bad []string
	for id := range dists {
		i, ok := t.index[id]
		if !ok || t.IsLeaf(i) {
			bad = append(bad, id)
		}
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return nil, asrerr.Newf(asrerr.KindUnknownNode, "not internal nodes of the %s tree: %v", t.kind, bad)
	}

	out := t.Clone()
	for id, d := range dists {
		out.nodes[out.index[id]].States = d.Clone()
	}
	return out, nil
}

// States returns the distribution stored on a node, if any.
func (t *Tree) States(id string) (Distribution, bool) {
	i, ok := t.index[id]
	if !ok || t.nodes[i].States == nil {
		return nil, false
	}
	return t.nodes[i].States.Clone(), true
}
