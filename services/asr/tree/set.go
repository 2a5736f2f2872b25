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

// Kinds lists the tree kinds in checkpoint order.
var Kinds = []Kind{KindGene, KindSpecies, KindReconciled}

// Set holds the current tree of each kind. Nil means not built yet.
type Set struct {
	Gene       *Tree
	Species    *Tree
	Reconciled *Tree
}

// Get returns the tree of a kind.
func (s Set) Get(kind Kind) *Tree {
	switch kind {
	case KindGene:
		return s.Gene
	case KindSpecies:
		return s.Species
	case KindReconciled:
		return s.Reconciled
	default:
		return nil
	}
}

// With returns a copy of the set holding t under kind.
func (s Set) With(kind Kind, t *Tree) Set {
	switch kind {
	case KindGene:
		s.Gene = t
	case KindSpecies:
		s.Species = t
	case KindReconciled:
		s.Reconciled = t
	}
	return s
}

// Empty reports whether no tree is set.
func (s Set) Empty() bool {
	return s.Gene == nil && s.Species == nil && s.Reconciled == nil
}

// WithoutLeaves prunes leaves from the gene and reconciled trees.
//
// Description:
//
//	Used when records are dropped after trees were built, so that every
//	gene-tree leaf keeps matching a live record. The reconciled tree is
//	re-derived from its pruned topology rather than pruned in place, so its
//	events stay consistent with the new topology. A tree that would become
//	empty is cleared.
//
// Inputs:
//
//	ids - Record identifiers to remove. Identifiers that are not leaves of
//	      a tree are ignored for that tree.
//
// Outputs:
//
//	Set - The updated set.
//	error - Propagated from Reconcile.
func (s Set) WithoutLeaves(ids []string) (Set, error) {
	out := s
	if s.Gene != nil {
		out.Gene = pruneMembers(s.Gene, ids)
	}
	if s.Reconciled != nil {
		pruned := pruneMembers(s.Reconciled, ids)
		if pruned == s.Reconciled || pruned == nil || s.Species == nil {
			out.Reconciled = pruned
			return out, nil
		}
		rec, err := Reconcile(pruned, s.Species, s.Reconciled.Mapping())
		if err != nil {
			return s, err
		}
		out.Reconciled = rec
	}
	return out, nil
}

// pruneMembers removes the leaves of t named in ids. It returns t itself
// when nothing changes and nil when nothing would remain.
func pruneMembers(t *Tree, ids []string) *Tree {
	var present []string
	for _, id := range ids {
		if i, ok := t.index[id]; ok && t.IsLeaf(i) {
			present = append(present, id)
		}
	}
	if len(present) == 0 {
		return t
	}
	pruned, err := t.Prune(present)
	if err != nil {
		return nil
	}
	return pruned
}
