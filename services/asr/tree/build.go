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
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/AleutianAI/AleutianASR/services/asr/asrerr"
)

// Sentinel errors for tree operations that are not topology failures.
var (
	ErrNotLeaf   = errors.New("not a leaf of the tree")
	ErrEmptyTree = errors.New("tree would be empty")
)

// Parsed is a tree as produced by an adapter, before validation.
// Exactly one of Newick or Edges is expected to be set.
type Parsed struct {
	Newick string
	Edges  []Edge

	// BlankUnderscores reads "_" in unquoted Newick labels as a space, the
	// convention of hand-curated taxonomy trees ("Homo_sapiens"). Quoted
	// labels are kept verbatim.
	BlankUnderscores bool
}

// BuildOptions controls validation in Build.
type BuildOptions struct {
	Kind Kind

	// Leaves, when non-nil, is the set of identifiers leaves may carry.
	// Internal nodes may not carry any of them.
	Leaves map[string]bool
}

// proto is a mutable node used while assembling a tree.
type proto struct {
	node     Node
	children []*proto
}

// Build constructs a validated tree from adapter output.
//
// Description:
//
//	Parses the Newick or edge-list representation, assigns deterministic
//	identifiers ("n<preorder index>") to unlabeled internal nodes, and
//	validates the result.
//
// Inputs:
//
//	p - Parsed representation.
//	opts - Tree kind and optional leaf whitelist.
//
// Outputs:
//
//	*Tree - The built tree.
//	error - MalformedTopology on syntax errors, cycles, multiple or missing
//	        roots, duplicate identifiers, or leaves outside opts.Leaves.
func Build(p Parsed, opts BuildOptions) (*Tree, error) {
	var root *proto
	var err error
	switch {
	case p.Newick != "":
		root, err = parseNewick(p.Newick, p.BlankUnderscores)
	case len(p.Edges) > 0:
		root, err = protoFromEdges(p.Edges)
	default:
		err = malformed("no topology supplied")
	}
	if err != nil {
		return nil, err
	}

	t, err := flatten(opts.Kind, root)
	if err != nil {
		return nil, err
	}

	if opts.Leaves != nil {
		var bad []string
		for _, n := range t.nodes {
			if n.IsLeaf() != opts.Leaves[n.ID] {
				bad = append(bad, n.ID)
			}
		}
		if len(bad) > 0 {
			sort.Strings(bad)
			return nil, malformed(fmt.Sprintf("nodes do not match sequence records: %v", bad))
		}
	}
	return t, nil
}

// ParseNewick builds a tree of the given kind from a Newick string.
func ParseNewick(s string, kind Kind) (*Tree, error) {
	return Build(Parsed{Newick: s}, BuildOptions{Kind: kind})
}

// FromEdges builds a tree of the given kind from an edge list.
func FromEdges(edges []Edge, kind Kind) (*Tree, error) {
	return Build(Parsed{Edges: edges}, BuildOptions{Kind: kind})
}

func malformed(diag string) error {
	return asrerr.New(asrerr.KindMalformedTopology, diag)
}

// flatten lays protos out in preorder and indexes them.
func flatten(kind Kind, root *proto) (*Tree, error) {
	t := &Tree{kind: kind, index: make(map[string]int)}

	var walk func(p *proto, parent int) int
	walk = func(p *proto, parent int) int {
		i := len(t.nodes)
		n := p.node
		n.Parent = parent
		n.Children = nil
		t.nodes = append(t.nodes, n)
		children := make([]int, 0, len(p.children))
		for _, c := range p.children {
			children = append(children, walk(c, i))
		}
		t.nodes[i].Children = children
		return i
	}
	walk(root, -1)

	for i := range t.nodes {
		n := &t.nodes[i]
		if n.ID == "" {
			if n.IsLeaf() {
				return nil, malformed("unlabeled leaf")
			}
			n.ID = "n" + strconv.Itoa(i)
		}
	}
	for i, n := range t.nodes {
		if prev, dup := t.index[n.ID]; dup {
			return nil, malformed(fmt.Sprintf("duplicate node identifier %q at %d and %d", n.ID, prev, i))
		}
		t.index[n.ID] = i
	}
	return t, nil
}

// toProto converts a built subtree back into protos.
func (t *Tree) toProto(i int) *proto {
	p := &proto{node: t.nodes[i].clone()}
	for _, c := range t.nodes[i].Children {
		p.children = append(p.children, t.toProto(c))
	}
	return p
}
