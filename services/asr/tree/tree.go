// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tree models rooted phylogenetic trees.
//
// # Ownership Model
//
// A Tree stores its nodes in an arena (a slice) in preorder. Children are
// owned through index lists; the parent of a node is a plain index used for
// lookup only, so there are no ownership cycles. Traversal from the root is
// the only ownership-following direction.
//
// Trees are immutable once built. Operations that change topology or
// metadata (Prune, Reconcile, AssignAncestralStates) return new trees.
package tree

import (
	"maps"
	"slices"
	"sort"
	"strings"
)

// Kind distinguishes the trees a run holds.
type Kind string

const (
	KindGene       Kind = "gene"
	KindSpecies    Kind = "species"
	KindReconciled Kind = "reconciled"
)

// Event is a reconciliation event on an internal gene-tree node.
type Event string

const (
	EventNone        Event = ""
	EventDuplication Event = "duplication"
	EventSpeciation  Event = "speciation"
	EventLoss        Event = "loss"
)

// Distribution maps an alignment position to a probability per residue.
type Distribution map[int]map[string]float64

// Clone returns a deep copy.
func (d Distribution) Clone() Distribution {
	if d == nil {
		return nil
	}
	c := make(Distribution, len(d))
	for pos, probs := range d {
		c[pos] = maps.Clone(probs)
	}
	return c
}

// Node is one tree node.
type Node struct {
	// ID is unique within the tree. Gene-tree leaves carry record
	// identifiers; species-tree leaves carry species names.
	ID string

	// Label is the text label the node was read with, if any.
	Label string

	// Parent is the arena index of the parent, or -1 for the root.
	Parent int

	// Children are arena indices in their original order.
	Children []int

	Length     float64
	HasLength  bool
	Support    float64
	HasSupport bool

	// States is the ancestral-state distribution, internal nodes only.
	States Distribution

	// Event is set on internal nodes of reconciled trees.
	Event Event

	// Species is the species-tree node a reconciled node maps to.
	Species string
}

// IsLeaf reports whether the node has no children.
func (n Node) IsLeaf() bool {
	return len(n.Children) == 0
}

func (n Node) clone() Node {
	c := n
	c.Children = slices.Clone(n.Children)
	c.States = n.States.Clone()
	return c
}

// Tree is a single-rooted, acyclic, labeled topology.
//
// Invariants:
//   - nodes[0] is the root and nodes[0].Parent == -1
//   - nodes are stored in preorder
//   - every node ID is unique and index[nodes[i].ID] == i
//
// Thread Safety:
//
//	Read-only after construction. Safe for concurrent use.
type Tree struct {
	kind  Kind
	nodes []Node
	index map[string]int
}

// Kind returns the tree kind.
func (t *Tree) Kind() Kind {
	return t.kind
}

// Len returns the number of nodes.
func (t *Tree) Len() int {
	return len(t.nodes)
}

// Root returns the arena index of the root.
func (t *Tree) Root() int {
	return 0
}

// Node returns a copy of the node at index i.
func (t *Tree) Node(i int) Node {
	return t.nodes[i].clone()
}

// Index returns the arena index of a node identifier.
func (t *Tree) Index(id string) (int, bool) {
	i, ok := t.index[id]
	return i, ok
}

// Has reports whether id names a node in the tree.
func (t *Tree) Has(id string) bool {
	_, ok := t.index[id]
	return ok
}

// ID returns the identifier of the node at index i.
func (t *Tree) ID(i int) string {
	return t.nodes[i].ID
}

// Parent returns the parent index of node i, or -1.
func (t *Tree) Parent(i int) int {
	return t.nodes[i].Parent
}

// Children returns the child indices of node i.
func (t *Tree) Children(i int) []int {
	return slices.Clone(t.nodes[i].Children)
}

// IsLeaf reports whether node i is a leaf.
func (t *Tree) IsLeaf(i int) bool {
	return len(t.nodes[i].Children) == 0
}

// PreOrder returns all indices root first.
func (t *Tree) PreOrder() []int {
	order := make([]int, len(t.nodes))
	for i := range order {
		order[i] = i
	}
	return order
}

// PostOrder returns all indices with every child before its parent.
func (t *Tree) PostOrder() []int {
	order := make([]int, 0, len(t.nodes))
	var walk func(int)
	walk = func(i int) {
		for _, c := range t.nodes[i].Children {
			walk(c)
		}
		order = append(order, i)
	}
	walk(0)
	return order
}

// Leaves returns leaf identifiers in preorder.
func (t *Tree) Leaves() []string {
	var out []string
	for _, n := range t.nodes {
		if n.IsLeaf() {
			out = append(out, n.ID)
		}
	}
	return out
}

// Internal returns internal-node identifiers in preorder.
func (t *Tree) Internal() []string {
	var out []string
	for _, n := range t.nodes {
		if !n.IsLeaf() {
			out = append(out, n.ID)
		}
	}
	return out
}

// LeafSets returns, for every node, the sorted leaf identifiers below it.
func (t *Tree) LeafSets() [][]string {
	sets := make([][]string, len(t.nodes))
	for _, i := range t.PostOrder() {
		n := t.nodes[i]
		if n.IsLeaf() {
			sets[i] = []string{n.ID}
			continue
		}
		var s []string
		for _, c := range n.Children {
			s = append(s, sets[c]...)
		}
		sort.Strings(s)
		sets[i] = s
	}
	return sets
}

// LeafSet returns the sorted leaf identifiers below a node.
func (t *Tree) LeafSet(id string) ([]string, bool) {
	i, ok := t.index[id]
	if !ok {
		return nil, false
	}
	return t.LeafSets()[i], true
}

// Clades maps every split key to its node identifier.
func (t *Tree) Clades() map[string]string {
	keys := t.SplitKeys()
	out := make(map[string]string, len(keys))
	for i, k := range keys {
		out[k] = t.nodes[i].ID
	}
	return out
}

// SplitKeys returns a rooting-independent key for every node.
//
// Description:
//
//	Removing a node splits the leaves into one part per child plus, for
//	non-root nodes, the remainder above it. The key is the sorted list of
//	those parts. The same node keeps its key when the tree is re-rooted or
//	written unrooted by an external tool, which is how tool-native node
//	labels are mapped back onto this tree.
//
// Outputs:
//
//	[]string - Key per arena index.
func (t *Tree) SplitKeys() []string {
	sets := t.LeafSets()
	all := sets[0]
	keys := make([]string, len(t.nodes))
	for i, n := range t.nodes {
		parts := make([]string, 0, len(n.Children)+1)
		for _, c := range n.Children {
			parts = append(parts, strings.Join(sets[c], ","))
		}
		if n.Parent >= 0 {
			parts = append(parts, strings.Join(difference(all, sets[i]), ","))
		}
		sort.Strings(parts)
		keys[i] = strings.Join(parts, "|")
	}
	return keys
}

// difference returns sorted a minus sorted b.
func difference(a, b []string) []string {
	out := make([]string, 0, len(a)-len(b))
	j := 0
	for _, x := range a {
		for j < len(b) && b[j] < x {
			j++
		}
		if j < len(b) && b[j] == x {
			continue
		}
		out = append(out, x)
	}
	return out
}

// Clone returns a deep copy.
func (t *Tree) Clone() *Tree {
	return t.cloneAs(t.kind)
}

func (t *Tree) cloneAs(kind Kind) *Tree {
	c := &Tree{
		kind:  kind,
		nodes: make([]Node, len(t.nodes)),
		index: maps.Clone(t.index),
	}
	for i, n := range t.nodes {
		c.nodes[i] = n.clone()
	}
	return c
}

// Mapping returns the gene leaf to species mapping of a reconciled tree.
func (t *Tree) Mapping() map[string]string {
	m := make(map[string]string)
	for _, n := range t.nodes {
		if n.IsLeaf() && n.Species != "" {
			m[n.ID] = n.Species
		}
	}
	return m
}

// EventCounts tallies reconciliation events.
func (t *Tree) EventCounts() map[Event]int {
	counts := make(map[Event]int)
	for _, n := range t.nodes {
		if n.Event != EventNone {
			counts[n.Event]++
		}
	}
	return counts
}
