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
	"math"
	"math/bits"
	"sort"

	"github.com/AleutianAI/AleutianASR/services/asr/asrerr"
)

// maxExactPolytomy bounds the subset search used to resolve polytomies.
const maxExactPolytomy = 12

// speciesSet is a sorted list of species-tree leaf indices.
type speciesSet []int

func (a speciesSet) overlaps(b speciesSet) bool {
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			return true
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return false
}

func (a speciesSet) union(b speciesSet) speciesSet {
	out := make(speciesSet, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		switch {
		case j >= len(b) || (i < len(a) && a[i] < b[j]):
			out = append(out, a[i])
			i++
		case i >= len(a) || b[j] < a[i]:
			out = append(out, b[j])
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	return out
}

// Reconcile labels every internal gene-tree node with an event.
//
// Description:
//
//	Each gene leaf is mapped to a species leaf. Walking the gene tree
//	bottom-up, every internal node gets the set of species below it and
//	exactly one event:
//	  - loss when that set is empty (all its leaves map to species absent
//	    from the species tree, e.g. after pruning),
//	  - duplication when the species sets of its children overlap,
//	  - speciation when they are disjoint.
//	Polytomies are resolved by choosing the binary resolution with the
//	fewest duplications; when a minimal resolution exists whose top split
//	is a speciation, the node is labeled speciation. Internal nodes also
//	record the species-tree node they map to (the LCA of their species).
//
// Inputs:
//
//	gene - Gene tree. Not modified.
//	species - Species tree whose leaves are species identifiers.
//	mapping - Gene leaf identifier to species identifier.
//
// Outputs:
//
//	*Tree - A reconciled copy of the gene tree (KindReconciled).
//	error - IncompleteLeafMapping if any gene leaf has no mapping.
func Reconcile(gene, species *Tree, mapping map[string]string) (*Tree, error) {
	var missing []string
	for _, leaf := range gene.Leaves() {
		if mapping[leaf] == "" {
			missing = append(missing, leaf)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, asrerr.Newf(asrerr.KindIncompleteLeafMapping, "gene leaves without species: %v", missing)
	}

	out := gene.cloneAs(KindReconciled)
	sets := make([]speciesSet, len(out.nodes))
	lca := newLCA(species)

	for _, i := range out.PostOrder() {
		n := &out.nodes[i]
		if n.IsLeaf() {
			n.Species = mapping[n.ID]
			n.Event = EventNone
			if si, ok := species.index[n.Species]; ok && species.IsLeaf(si) {
				sets[i] = speciesSet{si}
			}
			continue
		}

		childSets := make([]speciesSet, len(n.Children))
		var all speciesSet
		for k, c := range n.Children {
			childSets[k] = sets[c]
			all = all.union(sets[c])
		}
		sets[i] = all

		if len(all) == 0 {
			n.Event = EventLoss
			n.Species = ""
			continue
		}
		n.Event = resolveEvent(childSets)
		n.Species = species.nodes[lca.ofSet(all)].ID
	}
	return out, nil
}

// resolveEvent labels a node from the species sets of its children.
func resolveEvent(children []speciesSet) Event {
	switch {
	case len(children) < 2:
		return EventSpeciation
	case len(children) == 2:
		if children[0].overlaps(children[1]) {
			return EventDuplication
		}
		return EventSpeciation
	case len(children) <= maxExactPolytomy:
		return resolvePolytomy(children)
	default:
		return resolveWidePolytomy(children)
	}
}

// resolvePolytomy searches all binary resolutions of a polytomy.
//
// f[mask] is the minimum number of duplications needed to resolve the
// children in mask into a binary subtree. The node is a speciation when
// some split of the full set into two species-disjoint groups reaches that
// minimum.
func resolvePolytomy(children []speciesSet) Event {
	k := len(children)
	full := 1<<k - 1
	union := make([]speciesSet, full+1)
	f := make([]int, full+1)

	for mask := 1; mask <= full; mask++ {
		low := bits.TrailingZeros(uint(mask))
		rest := mask &^ (1 << low)
		union[mask] = union[rest].union(children[low])
		if rest == 0 {
			continue
		}

		best := math.MaxInt
		// Submasks containing the lowest bit enumerate each split once.
		for a := rest; ; a = (a - 1) & rest {
			left := a | 1<<low
			right := mask &^ left
			if right != 0 {
				cost := f[left] + f[right]
				if union[left].overlaps(union[right]) {
					cost++
				}
				best = min(best, cost)
			}
			if a == 0 {
				break
			}
		}
		f[mask] = best
	}

	low := 0
	rest := full &^ 1
	for a := rest; ; a = (a - 1) & rest {
		left := a | 1<<low
		right := full &^ left
		if right != 0 && !union[left].overlaps(union[right]) && f[left]+f[right] == f[full] {
			return EventSpeciation
		}
		if a == 0 {
			break
		}
	}
	return EventDuplication
}

// resolveWidePolytomy handles polytomies too wide for the exact search:
// the node is a speciation when its children fall into at least two groups
// whose species sets do not overlap.
func resolveWidePolytomy(children []speciesSet) Event {
	parent := make([]int, len(children))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	for i := range children {
		for j := i + 1; j < len(children); j++ {
			if children[i].overlaps(children[j]) {
				parent[find(i)] = find(j)
			}
		}
	}
	groups := make(map[int]bool)
	for i := range children {
		groups[find(i)] = true
	}
	if len(groups) >= 2 {
		return EventSpeciation
	}
	return EventDuplication
}

// lcaIndex answers lowest-common-ancestor queries by climbing parents.
type lcaIndex struct {
	t     *Tree
	depth []int
}

func newLCA(t *Tree) *lcaIndex {
	depth := make([]int, len(t.nodes))
	for i := 1; i < len(t.nodes); i++ {
		// Preorder guarantees the parent's depth is already known.
		depth[i] = depth[t.nodes[i].Parent] + 1
	}
	return &lcaIndex{t: t, depth: depth}
}

func (l *lcaIndex) of(a, b int) int {
	for l.depth[a] > l.depth[b] {
		a = l.t.nodes[a].Parent
	}
	for l.depth[b] > l.depth[a] {
		b = l.t.nodes[b].Parent
	}
	for a != b {
		a = l.t.nodes[a].Parent
		b = l.t.nodes[b].Parent
	}
	return a
}

func (l *lcaIndex) ofSet(s speciesSet) int {
	if len(s) == 0 {
		panic(fmt.Sprintf("lca of empty species set in %s tree", l.t.kind))
	}
	acc := s[0]
	for _, x := range s[1:] {
		acc = l.of(acc, x)
	}
	return acc
}
