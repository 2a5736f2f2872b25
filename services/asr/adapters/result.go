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

import "github.com/AleutianAI/AleutianASR/services/asr/tree"

// ParsedResult is the closed set of adapter results. The stage runner
// switches on the concrete type; no other package can add variants.
type ParsedResult interface {
	Kind() Kind
	conflicts() []Conflict
}

// Conflicts returns the unmergeable entries of a result.
func Conflicts(r ParsedResult) []Conflict {
	if r == nil {
		return nil
	}
	return r.conflicts()
}

// Hit is one database search hit, merged across queries by accession.
type Hit struct {
	Accession string
	Name      string
	Species   string
	Sequence  string
	EValue    float64
	BitScore  float64
	Length    int

	// Queries are the record identifiers whose search found this hit.
	Queries []string
}

// SearchResult is the output of the database search.
type SearchResult struct {
	Hits      []Hit
	Conflicts []Conflict
}

// AlignmentResult maps record identifiers to aligned rows of equal length.
type AlignmentResult struct {
	Rows      map[string]string
	Order     []string
	Width     int
	Conflicts []Conflict
}

// TreeResult is an inferred gene tree whose leaves carry record
// identifiers. Leaves listed in Conflicts keep their tool-native names.
type TreeResult struct {
	Tree      *tree.Tree
	Conflicts []Conflict
}

// ReconciliationResult carries the reconciled gene topology, the species
// tree it was reconciled against, and the leaf mapping.
type ReconciliationResult struct {
	Gene      *tree.Tree
	Species   *tree.Tree
	Mapping   map[string]string
	Conflicts []Conflict
}

// AncestorResult carries ancestral state distributions keyed by node
// identifiers of Tree. Nodes that could not be matched keep the
// tool-native label, so assigning them fails with UnknownNode.
type AncestorResult struct {
	Target    tree.Kind
	Tree      *tree.Tree
	States    map[string]tree.Distribution
	Model     string
	AltCutoff float64
	Conflicts []Conflict
}

func (*SearchResult) Kind() Kind         { return KindSearch }
func (*AlignmentResult) Kind() Kind      { return KindAlign }
func (*TreeResult) Kind() Kind           { return KindInfer }
func (*ReconciliationResult) Kind() Kind { return KindReconcile }
func (*AncestorResult) Kind() Kind       { return KindAncestors }

func (r *SearchResult) conflicts() []Conflict         { return r.Conflicts }
func (r *AlignmentResult) conflicts() []Conflict      { return r.Conflicts }
func (r *TreeResult) conflicts() []Conflict           { return r.Conflicts }
func (r *ReconciliationResult) conflicts() []Conflict { return r.Conflicts }
func (r *AncestorResult) conflicts() []Conflict       { return r.Conflicts }
