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
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianASR/services/asr/asrerr"
	"github.com/AleutianAI/AleutianASR/services/asr/records"
	"github.com/AleutianAI/AleutianASR/services/asr/species"
	"github.com/AleutianAI/AleutianASR/services/asr/tree"
)

const (
	reconcileGeneTree    = "gene.newick"
	reconcileSpeciesTree = "species.newick"
	reconcileMapping     = "mapping.link"
	reconcileFamilies    = "families.txt"
	reconcileAlignment   = "alignment.fasta"
	reconcileFamily      = "family"
	reconcilePrefix      = "generax"
)

var reconcileOutput = path.Join(reconcilePrefix, "results", reconcileFamily, "geneTree.newick")

// ReconcileConfig configures GeneRax.
type ReconcileConfig struct {
	Model    string
	RecModel string

	// Launcher is the MPI launcher GeneRax runs under when more than one
	// thread is requested, e.g. ["mpiexec"] or ["srun", "--mpi=pmix"].
	// Empty runs GeneRax as a single process regardless of threads.
	Launcher []string

	// ProcsFlag passes the process count to the launcher. Defaults to "-np".
	ProcsFlag string
}

// Reconcile runs GeneRax to reconcile the gene tree with a species tree
// fetched from a species source during Invoke.
type Reconcile struct {
	cfg    ReconcileConfig
	exec   Executor
	source species.Source
}

// NewReconcile returns a reconciliation adapter.
func NewReconcile(cfg ReconcileConfig, src species.Source, ex Executor) *Reconcile {
	if cfg.Model == "" {
		cfg.Model = "LG"
	}
	if cfg.RecModel == "" {
		cfg.RecModel = "UndatedDL"
	}
	if cfg.ProcsFlag == "" {
		cfg.ProcsFlag = "-np"
	}
	if ex == nil {
		ex = DefaultExecutor{}
	}
	return &Reconcile{cfg: cfg, exec: ex, source: src}
}

// Kind implements Adapter.
func (a *Reconcile) Kind() Kind { return KindReconcile }

func hasSpecies(r records.Record) (bool, string) {
	if r.Get(records.FieldSpecies) == "" {
		return false, "no species annotation"
	}
	return true, ""
}

// PrepareInput submits the gene tree restricted to live records that carry
// a species annotation.
func (a *Reconcile) PrepareInput(view View) (*ToolInput, error) {
	if view.Trees.Gene == nil {
		return nil, asrerr.New(asrerr.KindMissingInput, "no gene tree to reconcile").WithStage(string(KindReconcile))
	}
	gene, rejected, err := restrictToView(view.Trees.Gene, view.Records, hasSpecies)
	if err != nil {
		return nil, asrerr.Wrap(asrerr.KindMissingInput, err, "no gene tree leaves left").WithStage(string(KindReconcile))
	}

	in := &ToolInput{Rejected: rejected, Tree: gene, Species: make(map[string]string)}
	in.Records = sortedLeaves(gene)
	var toAlias map[string]string
	in.Aliases, toAlias = aliasTable("g", in.Records)

	aligned := true
	for _, id := range in.Records {
		r, _ := view.Records.Get(id)
		in.Species[id] = r.Get(records.FieldSpecies)
		aligned = aligned && r.Aligned != ""
	}

	in.Files = map[string][]byte{
		reconcileGeneTree: []byte(gene.Newick(tree.WithoutSupport(), tree.WithLeafNames(func(id string) string {
			return toAlias[id]
		}))),
	}
	if aligned {
		in.Files[reconcileAlignment] = writeFASTA(alignedEntries(view.Records, in.Records, toAlias))
	}
	in.Args = []string{
		"--families", reconcileFamilies,
		"--species-tree", reconcileSpeciesTree,
		"--rec-model", a.cfg.RecModel,
		"--prefix", reconcilePrefix,
	}
	return in, nil
}

// speciesAliases names each distinct species sp<i> in sorted order.
func speciesAliases(in *ToolInput) map[string]string {
	var names []string
	for _, s := range in.Species {
		names = append(names, s)
	}
	slices.Sort(names)
	names = slices.Compact(names)
	out := make(map[string]string, len(names))
	for i, n := range names {
		out[n] = "sp" + strconv.Itoa(i)
	}
	return out
}

// Invoke resolves the species tree, writes the GeneRax family description
// and runs the reconciliation.
func (a *Reconcile) Invoke(ctx context.Context, in *ToolInput, inv Invocation) (*RawOutput, error) {
	ctx, cancel, err := withTimeout(ctx, inv)
	if err != nil {
		return nil, err
	}
	defer cancel()

	spAlias := speciesAliases(in)
	names := make([]string, 0, len(spAlias))
	for n := range spAlias {
		names = append(names, n)
	}
	slices.Sort(names)

	st, err := a.source.Resolve(ctx, names)
	if err != nil {
		var classified *asrerr.Error
		if errors.As(err, &classified) {
			return nil, classified.WithStage(inv.Stage)
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("stage %s: %w", inv.Stage, ctx.Err())
		}
		return nil, asrerr.Wrap(asrerr.KindToolInvocationFailed, err, "species tree source").WithStage(inv.Stage)
	}

	files := make(map[string][]byte, len(in.Files)+3)
	for k, v := range in.Files {
		files[k] = v
	}
	files[reconcileSpeciesTree] = []byte(st.Newick(tree.WithoutSupport(), tree.WithLeafNames(func(name string) string {
		return spAlias[name]
	})))
	files[reconcileMapping] = a.mappingFile(in, spAlias)
	files[reconcileFamilies] = a.familiesFile(in)
	if err := materialize(inv, files); err != nil {
		return nil, err
	}

	args := slices.Clone(in.Args)
	args = append(args, inv.Args...)
	cmd := a.command(inv, args)
	res, err := run(ctx, a.exec, inv, cmd)
	if err != nil {
		return nil, err
	}
	out, err := collect(inv, reconcileOutput)
	if err != nil {
		return nil, err
	}
	return &RawOutput{Input: in, Files: out, Stdout: res.Stdout, Stderr: res.Stderr, Species: st}, nil
}

// command builds the GeneRax command line. GeneRax parallelizes through
// MPI only, so threads beyond one need the configured launcher.
func (a *Reconcile) command(inv Invocation, args []string) Command {
	generax := executable(inv, "generax")
	if inv.Threads <= 1 || len(a.cfg.Launcher) == 0 {
		return Command{Path: generax, Args: args, Dir: inv.WorkDir}
	}
	launch := slices.Clone(a.cfg.Launcher[1:])
	launch = append(launch, a.cfg.ProcsFlag, strconv.Itoa(inv.Threads), generax)
	return Command{Path: a.cfg.Launcher[0], Args: append(launch, args...), Dir: inv.WorkDir}
}

// mappingFile writes the "species:gene1;gene2" link format.
func (a *Reconcile) mappingFile(in *ToolInput, spAlias map[string]string) []byte {
	genes := make(map[string][]string)
	geneAlias := make(map[string]string, len(in.Aliases))
	for alias, id := range in.Aliases {
		geneAlias[id] = alias
	}
	for _, id := range in.Records {
		sp := spAlias[in.Species[id]]
		genes[sp] = append(genes[sp], geneAlias[id])
	}
	keys := make([]string, 0, len(genes))
	for k := range genes {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b bytes.Buffer
	for _, sp := range keys {
		fmt.Fprintf(&b, "%s:%s\n", sp, strings.Join(genes[sp], ";"))
	}
	return b.Bytes()
}

func (a *Reconcile) familiesFile(in *ToolInput) []byte {
	var b bytes.Buffer
	b.WriteString("[FAMILIES]\n")
	fmt.Fprintf(&b, "- %s\n", reconcileFamily)
	fmt.Fprintf(&b, "starting_gene_tree = %s\n", reconcileGeneTree)
	fmt.Fprintf(&b, "mapping = %s\n", reconcileMapping)
	if _, ok := in.Files[reconcileAlignment]; ok {
		fmt.Fprintf(&b, "alignment = %s\n", reconcileAlignment)
	}
	fmt.Fprintf(&b, "subst_model = %s\n", a.cfg.Model)
	return b.Bytes()
}

// ParseOutput reads the reconciled gene topology and returns it with the
// species tree and the leaf mapping.
func (a *Reconcile) ParseOutput(raw *RawOutput) (ParsedResult, error) {
	if raw.Species == nil {
		return nil, unparseable(KindReconcile, "no species tree recorded for reconciliation")
	}
	gene, conflicts, err := readToolTree(KindReconcile, raw.Files[reconcileOutput], tree.KindGene, raw.Input)
	if err != nil {
		return nil, err
	}
	mapping := make(map[string]string)
	for _, leaf := range gene.Leaves() {
		if sp, ok := raw.Input.Species[leaf]; ok {
			mapping[leaf] = sp
		}
	}
	return &ReconciliationResult{
		Gene:      gene,
		Species:   raw.Species,
		Mapping:   mapping,
		Conflicts: conflicts,
	}, nil
}
