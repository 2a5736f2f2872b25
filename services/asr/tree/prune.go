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
	"fmt"
	"sort"
)

// Prune removes leaves and collapses the internal nodes left with a single
// child.
//
// Description:
//
//	Internal nodes that lose all their children are removed too. When a
//	node is left with one child it is collapsed into that child, whose
//	branch length becomes the sum of both, so root-to-leaf path lengths are
//	preserved. The surviving child keeps its own identifier and metadata.
//
// Inputs:
//
//	ids - Leaf identifiers to remove.
//
// Outputs:
//
//	*Tree - A new tree of the same kind.
//	error - ErrNotLeaf if an identifier is not a leaf, ErrEmptyTree if
//	        nothing would remain.
func (t *Tree) Prune(ids []string) (*Tree, error) {
	remove := make(map[int]bool, len(ids))
	var bad []string
	for _, id := range ids {
		i, ok := t.index[id]
		if !ok || !t.IsLeaf(i) {
			bad = append(bad, id)
			continue
		}
		remove[i] = true
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return nil, fmt.Errorf("%w: %v", ErrNotLeaf, bad)
	}
	if len(remove) == 0 {
		return t.Clone(), nil
	}

	var keep func(int) *proto
	keep = func(i int) *proto {
		n := t.nodes[i]
		if n.IsLeaf() {
			if remove[i] {
				return nil
			}
			return &proto{node: n.clone()}
		}

		var kids []*proto
		for _, c := range n.Children {
			if k := keep(c); k != nil {
				kids = append(kids, k)
			}
		}
		switch len(kids) {
		case 0:
			return nil
		case 1:
			only := kids[0]
			if n.HasLength {
				only.node.Length += n.Length
				only.node.HasLength = true
			}
			return only
		default:
			return &proto{node: n.clone(), children: kids}
		}
	}

	root := keep(0)
	if root == nil {
		return nil, ErrEmptyTree
	}
	return flatten(t.kind, root)
}

// Restrict prunes every leaf not in keep.
func (t *Tree) Restrict(keep map[string]bool) (*Tree, error) {
	var drop []string
	for _, id := range t.Leaves() {
		if !keep[id] {
			drop = append(drop, id)
		}
	}
	return t.Prune(drop)
}
