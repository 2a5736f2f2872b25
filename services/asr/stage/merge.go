// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"

	"github.com/AleutianAI/AleutianASR/services/asr/adapters"
	"github.com/AleutianAI/AleutianASR/services/asr/asrerr"
	"github.com/AleutianAI/AleutianASR/services/asr/records"
	"github.com/AleutianAI/AleutianASR/services/asr/tree"
)

// OriginSearch marks records added from database search hits.
const OriginSearch = "blast"

// Drop reasons set by the merge itself.
const (
	ReasonUnknownNode = "unknown node"
	ReasonNoSpecies   = "no species mapping"
)

// merger applies one parsed result inside a store transaction. Trees are
// staged on the merger and published by the runner after the commit.
type merger struct {
	ctx       context.Context
	stage     Stage
	tx        *records.Tx
	trees     tree.Set
	conflicts []adapters.Conflict
	dropped   []string
	log       *slog.Logger
}

// apply is the transaction body.
func (m *merger) apply(tx *records.Tx, res adapters.ParsedResult) error {
	m.tx = tx
	if err := m.dropConflicted(m.conflicts); err != nil {
		return err
	}

	var err error
	switch r := res.(type) {
	case *adapters.SearchResult:
		err = m.search(r)
	case *adapters.AlignmentResult:
		err = m.alignment(r)
	case *adapters.TreeResult:
		err = m.geneTree(r)
	case *adapters.ReconciliationResult:
		err = m.reconciliation(r)
	case *adapters.AncestorResult:
		err = m.ancestors(r)
	default:
		err = fmt.Errorf("stage %s: unsupported result %T", m.stage.Name, res)
	}
	if err != nil {
		return err
	}

	if m.stage.Enrich != nil {
		if err := m.stage.Enrich(tx); err != nil {
			return fmt.Errorf("enrich: %w", err)
		}
	}

	if len(m.dropped) > 0 {
		trees, err := m.trees.WithoutLeaves(m.dropped)
		if err != nil {
			return err
		}
		m.trees = trees
	}
	return m.ctx.Err()
}

// dropConflicted drops the records named by conflicts. Conflicts that name
// only a tool-native entry concern output that is discarded, not a record.
func (m *merger) dropConflicted(conflicts []adapters.Conflict) error {
	for _, c := range conflicts {
		if c.Record == "" || c.Node != "" {
			continue
		}
		if err := m.drop(c.Record, c.Reason); err != nil {
			return err
		}
	}
	return nil
}

func (m *merger) drop(id, reason string) error {
	r, ok := m.tx.Get(id)
	if !ok {
		return asrerr.New(asrerr.KindUnknownIdentifier, id).WithRecord(id)
	}
	if !r.Keep {
		return nil
	}
	if err := m.tx.Drop(id, reason); err != nil {
		return err
	}
	m.dropped = append(m.dropped, id)
	return nil
}

// conflict records a conflict found during the merge itself and drops
// the record it names.
func (m *merger) conflict(c adapters.Conflict) error {
	m.conflicts = append(m.conflicts, c)
	if c.Record != "" && c.Node == "" {
		return m.drop(c.Record, c.Reason)
	}
	return nil
}

// kept returns the identifiers of non-dropped records in the transaction.
func (m *merger) kept() map[string]bool {
	set := make(map[string]bool)
	for _, id := range m.tx.IDs() {
		if r, _ := m.tx.Get(id); r.Keep {
			set[id] = true
		}
	}
	return set
}

// search adds every hit as a record, or extends the lineage of the record
// already holding its accession. The new lineage is the union of the
// lineages of the queries that found the hit.
func (m *merger) search(res *adapters.SearchResult) error {
	byAccession := make(map[string]string)
	for _, id := range m.tx.IDs() {
		r, _ := m.tx.Get(id)
		if acc := r.Get(records.FieldAccession); acc != "" {
			byAccession[acc] = id
		}
	}

	added := 0
	for _, h := range res.Hits {
		var lineage []string
		for _, q := range h.Queries {
			if r, ok := m.tx.Get(q); ok {
				lineage = append(lineage, r.Lineage...)
			}
		}
		slices.Sort(lineage)
		lineage = slices.Compact(lineage)

		if id, ok := byAccession[h.Accession]; ok {
			if err := m.tx.ExtendLineage(id, lineage...); err != nil {
				return err
			}
			continue
		}
		ids, err := m.tx.Add(records.Record{
			Sequence: h.Sequence,
			Annotations: map[string]string{
				records.FieldOrigin:    OriginSearch,
				records.FieldAccession: h.Accession,
				records.FieldName:      h.Name,
				records.FieldSpecies:   h.Species,
				records.FieldEValue:    strconv.FormatFloat(h.EValue, 'g', -1, 64),
				records.FieldBitScore:  strconv.FormatFloat(h.BitScore, 'g', -1, 64),
				records.FieldLength:    strconv.Itoa(h.Length),
			},
			Lineage: lineage,
		})
		if err != nil {
			return err
		}
		byAccession[h.Accession] = ids[0]
		added++
	}
	m.log.Debug("search hits merged", slog.Int("hits", len(res.Hits)), slog.Int("added", added))
	return nil
}

// alignment stores each surviving record's row.
func (m *merger) alignment(res *adapters.AlignmentResult) error {
	live := m.kept()
	for _, id := range res.Order {
		if !live[id] {
			continue
		}
		if err := m.tx.SetAligned(id, res.Rows[id]); err != nil {
			return err
		}
	}
	return nil
}

// validated rebuilds t through tree.Build so that its leaves are exactly
// live records and no internal node borrows a record identifier.
func (m *merger) validated(t *tree.Tree, kind tree.Kind) (*tree.Tree, error) {
	return tree.Build(tree.Parsed{Edges: t.Edges()}, tree.BuildOptions{Kind: kind, Leaves: m.kept()})
}

// pruneLeaves removes leaves named by output-only conflicts and leaves of
// records no longer live.
func (m *merger) pruneLeaves(t *tree.Tree, conflicts []adapters.Conflict) (*tree.Tree, error) {
	live := m.kept()
	var drop []string
	for _, c := range conflicts {
		if c.Record == "" && c.Node != "" {
			if i, ok := t.Index(c.Node); ok && t.IsLeaf(i) {
				drop = append(drop, c.Node)
			}
		}
	}
	for _, leaf := range t.Leaves() {
		if _, isRecord := m.tx.Get(leaf); isRecord && !live[leaf] {
			drop = append(drop, leaf)
		}
	}
	if len(drop) == 0 {
		return t, nil
	}
	slices.Sort(drop)
	drop = slices.Compact(drop)
	pruned, err := t.Prune(drop)
	if errors.Is(err, tree.ErrEmptyTree) {
		return nil, asrerr.Wrap(asrerr.KindMalformedTopology, err, "no leaves left after removing conflicts")
	}
	return pruned, err
}

// geneTree installs a freshly inferred gene tree. Trees derived from the
// previous gene tree no longer apply and are cleared.
func (m *merger) geneTree(res *adapters.TreeResult) error {
	t, err := m.pruneLeaves(res.Tree, res.Conflicts)
	if err != nil {
		return err
	}
	t, err = m.validated(t, tree.KindGene)
	if err != nil {
		return err
	}
	m.trees = tree.Set{Gene: t}
	return nil
}

// reconciliation restricts the species tree to the species present in the
// gene tree and labels every gene node with an event.
func (m *merger) reconciliation(res *adapters.ReconciliationResult) error {
	gene, err := m.pruneLeaves(res.Gene, res.Conflicts)
	if err != nil {
		return err
	}

	var unmapped []string
	for _, leaf := range gene.Leaves() {
		if res.Mapping[leaf] == "" {
			unmapped = append(unmapped, leaf)
		}
	}
	if len(unmapped) > 0 && m.stage.policy() == PolicyWarn {
		for _, id := range unmapped {
			if err := m.conflict(adapters.Conflict{Record: id, Reason: ReasonNoSpecies}); err != nil {
				return err
			}
		}
		if gene, err = m.pruneLeaves(gene, nil); err != nil {
			return err
		}
	}
	if gene, err = m.validated(gene, tree.KindGene); err != nil {
		return err
	}

	present := make(map[string]bool)
	for _, leaf := range gene.Leaves() {
		if sp := res.Mapping[leaf]; sp != "" {
			present[sp] = true
		}
	}
	species, err := res.Species.Restrict(present)
	if err != nil {
		return asrerr.Wrap(asrerr.KindMalformedTopology, err, "restricting species tree")
	}

	reconciled, err := tree.Reconcile(gene, species, res.Mapping)
	if err != nil {
		return err
	}
	m.trees = tree.Set{Gene: gene, Species: species, Reconciled: reconciled}
	m.log.Debug("reconciled",
		slog.Int("duplications", reconciled.EventCounts()[tree.EventDuplication]),
		slog.Int("speciations", reconciled.EventCounts()[tree.EventSpeciation]),
	)
	return nil
}

// ancestors attaches state distributions to the tree they were inferred
// on. Under the warn policy, distributions for nodes that are not internal
// nodes of that tree are discarded as conflicts.
func (m *merger) ancestors(res *adapters.AncestorResult) error {
	target := m.trees.Get(res.Target)
	if target == nil {
		return asrerr.Newf(asrerr.KindMissingInput, "no %s tree to attach ancestral states to", res.Target)
	}

	states := make(map[string]tree.Distribution, len(res.States))
	ids := make([]string, 0, len(res.States))
	for id := range res.States {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		i, ok := target.Index(id)
		if (!ok || target.IsLeaf(i)) && m.stage.policy() == PolicyWarn {
			if err := m.conflict(adapters.Conflict{Node: id, Reason: ReasonUnknownNode}); err != nil {
				return err
			}
			continue
		}
		states[id] = res.States[id]
	}

	assigned, err := tree.AssignAncestralStates(target, states)
	if err != nil {
		return err
	}
	m.trees = m.trees.With(res.Target, assigned)
	return nil
}
