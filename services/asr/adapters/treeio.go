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
	"slices"

	"github.com/AleutianAI/AleutianASR/services/asr/records"
	"github.com/AleutianAI/AleutianASR/services/asr/tree"
)

// readToolTree parses tool Newick output and renames aliased leaves back to
// record identifiers.
//
// Description:
//
//	Leaves without an alias keep their tool-native name and are reported
//	as conflicts. Submitted records that do not appear as leaves are
//	reported as conflicts too.
//
// Outputs:
//
//	*tree.Tree - Tree with record identifiers on mapped leaves.
//	[]Conflict - Unmapped leaves and missing records.
//	error - ToolOutputUnparseable if the Newick text is malformed.
func readToolTree(stage Kind, data []byte, kind tree.Kind, in *ToolInput) (*tree.Tree, []Conflict, error) {
	native, err := tree.ParseNewick(string(data), kind)
	if err != nil {
		return nil, nil, unparseable(stage, "tree: %v", err)
	}

	var conflicts []Conflict
	seen := make(map[string]bool)
	edges := native.Edges()
	for i, e := range edges {
		idx, _ := native.Index(e.Node)
		if !native.IsLeaf(idx) {
			continue
		}
		id, ok := in.Aliases[e.Node]
		if !ok {
			conflicts = append(conflicts, Conflict{Node: e.Node, Reason: "tree leaf matches no record"})
			continue
		}
		edges[i].Node = id
		edges[i].Label = id
		seen[id] = true
	}
	for _, id := range in.Records {
		if !seen[id] {
			conflicts = append(conflicts, Conflict{Record: id, Reason: "missing from tool tree"})
		}
	}

	renamed, err := tree.FromEdges(edges, kind)
	if err != nil {
		return nil, nil, unparseable(stage, "tree: %v", err)
	}
	return renamed, conflicts, nil
}

// restrictToView prunes leaves that are no longer live records, or that
// fail keep. It returns the pruned tree and the rejected leaves.
func restrictToView(t *tree.Tree, view records.View, keep func(records.Record) (bool, string)) (*tree.Tree, []Conflict, error) {
	var drop []string
	var rejected []Conflict
	for _, leaf := range t.Leaves() {
		r, ok := view.Get(leaf)
		if !ok {
			drop = append(drop, leaf)
			continue
		}
		if ok, reason := keep(r); !ok {
			drop = append(drop, leaf)
			rejected = append(rejected, Conflict{Record: leaf, Reason: reason})
		}
	}
	if len(drop) == 0 {
		return t, nil, nil
	}
	pruned, err := t.Prune(drop)
	if err != nil {
		return nil, rejected, err
	}
	return pruned, rejected, nil
}

// alignedEntries renders the aligned rows of ids under their aliases.
func alignedEntries(view records.View, ids []string, toAlias map[string]string) []fastaEntry {
	entries := make([]fastaEntry, 0, len(ids))
	for _, id := range ids {
		r, _ := view.Get(id)
		entries = append(entries, fastaEntry{Name: toAlias[id], Sequence: r.Aligned})
	}
	return entries
}

func isAligned(r records.Record) (bool, string) {
	if r.Aligned == "" {
		return false, "not aligned"
	}
	return true, ""
}

// sortedLeaves returns the leaves of t in sorted order, for stable aliases.
func sortedLeaves(t *tree.Tree) []string {
	leaves := t.Leaves()
	slices.Sort(leaves)
	return leaves
}
