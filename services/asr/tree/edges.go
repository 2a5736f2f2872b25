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

import "fmt"

// Edge is one row of the edge-list representation: a node and its parent.
// The root is the row with an empty Parent.
type Edge struct {
	Node       string
	Parent     string
	Label      string
	Length     float64
	HasLength  bool
	Support    float64
	HasSupport bool
	Event      Event
	Species    string
	States     Distribution
}

// Edges returns the edge list in preorder, root first.
func (t *Tree) Edges() []Edge {
	edges := make([]Edge, len(t.nodes))
	for i, n := range t.nodes {
		e := Edge{
			Node:       n.ID,
			Label:      n.Label,
			Length:     n.Length,
			HasLength:  n.HasLength,
			Support:    n.Support,
			HasSupport: n.HasSupport,
			Event:      n.Event,
			Species:    n.Species,
			States:     n.States.Clone(),
		}
		if n.Parent >= 0 {
			e.Parent = t.nodes[n.Parent].ID
		}
		edges[i] = e
	}
	return edges
}

// protoFromEdges assembles protos from an edge list, rejecting duplicate
// nodes, dangling parents, zero or multiple roots, and cycles.
func protoFromEdges(edges []Edge) (*proto, error) {
	protos := make(map[string]*proto, len(edges))
	for _, e := range edges {
		if e.Node == "" {
			return nil, malformed("edge with empty node identifier")
		}
		if _, dup := protos[e.Node]; dup {
			return nil, malformed(fmt.Sprintf("node %q listed twice", e.Node))
		}
		protos[e.Node] = &proto{node: Node{
			ID:         e.Node,
			Label:      e.Label,
			Length:     e.Length,
			HasLength:  e.HasLength,
			Support:    e.Support,
			HasSupport: e.HasSupport,
			Event:      e.Event,
			Species:    e.Species,
			States:     e.States.Clone(),
		}}
	}

	var root *proto
	for _, e := range edges {
		if e.Parent == "" {
			if root != nil {
				return nil, malformed(fmt.Sprintf("multiple roots: %q and %q", root.node.ID, e.Node))
			}
			root = protos[e.Node]
			continue
		}
		parent, ok := protos[e.Parent]
		if !ok {
			return nil, malformed(fmt.Sprintf("node %q has unknown parent %q", e.Node, e.Parent))
		}
		if e.Parent == e.Node {
			return nil, malformed(fmt.Sprintf("node %q is its own parent", e.Node))
		}
		parent.children = append(parent.children, protos[e.Node])
	}
	if root == nil {
		return nil, malformed("no root: every node has a parent (cycle)")
	}

	// Every node has exactly one parent, so anything unreachable from the
	// root sits on a cycle.
	seen := make(map[*proto]bool, len(protos))
	stack := []*proto{root}
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[p] {
			return nil, malformed(fmt.Sprintf("cycle through %q", p.node.ID))
		}
		seen[p] = true
		stack = append(stack, p.children...)
	}
	if len(seen) != len(protos) {
		return nil, malformed(fmt.Sprintf("cycle: %d of %d nodes unreachable from root", len(protos)-len(seen), len(protos)))
	}
	return root, nil
}
