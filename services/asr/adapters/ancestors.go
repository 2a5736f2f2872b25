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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianASR/services/asr/asrerr"
	"github.com/AleutianAI/AleutianASR/services/asr/tree"
)

const (
	ancestorsAlignment  = "alignment.fasta"
	ancestorsTree       = "tree.newick"
	ancestorsPrefix     = "asr"
	ancestorsLabelTree  = ancestorsPrefix + ".raxml.ancestralTree"
	ancestorsProbs      = ancestorsPrefix + ".raxml.ancestralProbs"
	ancestorsParameters = "run_parameters.json"

	// DefaultAltCutoff is the posterior above which a non-ML residue counts
	// as a plausible alternative.
	DefaultAltCutoff = 0.25
)

// AncestorsConfig configures RAxML-NG ancestral reconstruction.
type AncestorsConfig struct {
	Model     string
	AltCutoff float64
}

// RunParameters is written next to the tool output so that reports can be
// regenerated with the settings that produced them.
type RunParameters struct {
	Model     string    `json:"model"`
	AltCutoff float64   `json:"alt_cutoff"`
	Tree      tree.Kind `json:"tree"`
}

// Ancestors runs RAxML-NG --ancestral on the reconciled tree, or on the
// gene tree when no reconciliation exists.
type Ancestors struct {
	cfg  AncestorsConfig
	exec Executor
}

// NewAncestors returns an ancestral reconstruction adapter.
func NewAncestors(cfg AncestorsConfig, ex Executor) *Ancestors {
	if cfg.Model == "" {
		cfg.Model = "LG"
	}
	if cfg.AltCutoff <= 0 {
		cfg.AltCutoff = DefaultAltCutoff
	}
	if ex == nil {
		ex = DefaultExecutor{}
	}
	return &Ancestors{cfg: cfg, exec: ex}
}

// Kind implements Adapter.
func (a *Ancestors) Kind() Kind { return KindAncestors }

// PrepareInput picks the target tree, restricts it to live aligned records
// and writes it with the alignment.
func (a *Ancestors) PrepareInput(view View) (*ToolInput, error) {
	target := view.Trees.Reconciled
	if target == nil {
		target = view.Trees.Gene
	}
	if target == nil {
		return nil, asrerr.New(asrerr.KindMissingInput, "neither a reconciled nor a gene tree is available").
			WithStage(string(KindAncestors))
	}
	t, rejected, err := restrictToView(target, view.Records, isAligned)
	if err != nil {
		return nil, asrerr.Wrap(asrerr.KindMissingInput, err, "no tree leaves left").WithStage(string(KindAncestors))
	}

	in := &ToolInput{Rejected: rejected, Tree: t}
	in.Records = sortedLeaves(t)
	var toAlias map[string]string
	in.Aliases, toAlias = aliasTable("seq", in.Records)
	in.Files = map[string][]byte{
		ancestorsAlignment: writeFASTA(alignedEntries(view.Records, in.Records, toAlias)),
		ancestorsTree: []byte(t.Newick(tree.WithoutSupport(), tree.WithLeafNames(func(id string) string {
			return toAlias[id]
		}))),
	}
	in.Args = []string{
		"--ancestral",
		"--msa", ancestorsAlignment,
		"--tree", ancestorsTree,
		"--model", a.cfg.Model,
		"--prefix", ancestorsPrefix,
		"--redo",
	}
	return in, nil
}

// Invoke records the run parameters and runs the reconstruction.
func (a *Ancestors) Invoke(ctx context.Context, in *ToolInput, inv Invocation) (*RawOutput, error) {
	ctx, cancel, err := withTimeout(ctx, inv)
	if err != nil {
		return nil, err
	}
	defer cancel()

	params, err := json.MarshalIndent(RunParameters{
		Model:     a.cfg.Model,
		AltCutoff: a.cfg.AltCutoff,
		Tree:      in.Tree.Kind(),
	}, "", "  ")
	if err != nil {
		return nil, asrerr.Wrap(asrerr.KindToolInvocationFailed, err, "encoding run parameters").WithStage(inv.Stage)
	}
	files := make(map[string][]byte, len(in.Files)+1)
	for k, v := range in.Files {
		files[k] = v
	}
	files[ancestorsParameters] = params
	if err := materialize(inv, files); err != nil {
		return nil, err
	}

	args := slices.Clone(in.Args)
	if inv.Threads > 0 {
		args = append(args, "--threads", strconv.Itoa(inv.Threads))
	}
	args = append(args, inv.Args...)
	res, err := run(ctx, a.exec, inv, Command{Path: executable(inv, "raxml-ng"), Args: args, Dir: inv.WorkDir})
	if err != nil {
		return nil, err
	}
	out, err := collect(inv, ancestorsLabelTree, ancestorsProbs)
	if err != nil {
		return nil, err
	}
	return &RawOutput{Input: in, Files: out, Stdout: res.Stdout, Stderr: res.Stderr}, nil
}

// ParseOutput maps RAxML-NG node labels onto the submitted tree and reads
// the per-site posterior distributions.
//
// Description:
//
//	RAxML-NG writes the tree unrooted with its own internal labels
//	("Node1", ...). Each labeled node is matched to the submitted node that
//	induces the same leaf split. A label with no match is kept verbatim,
//	so that assigning it fails with UnknownNode rather than being lost.
func (a *Ancestors) ParseOutput(raw *RawOutput) (ParsedResult, error) {
	in := raw.Input
	labeled, conflicts, err := readToolTree(KindAncestors, raw.Files[ancestorsLabelTree], in.Tree.Kind(), in)
	if err != nil {
		return nil, err
	}

	ours := in.Tree.Clades()
	toNode := make(map[string]string)
	keys := labeled.SplitKeys()
	for i := 0; i < labeled.Len(); i++ {
		if labeled.IsLeaf(i) {
			continue
		}
		label := labeled.ID(i)
		if id, ok := ours[keys[i]]; ok {
			toNode[label] = id
		} else {
			toNode[label] = label
		}
	}

	states, err := parseAncestralProbs(raw.Files[ancestorsProbs], toNode)
	if err != nil {
		return nil, unparseable(KindAncestors, "%s: %v", ancestorsProbs, err)
	}
	return &AncestorResult{
		Target:    in.Tree.Kind(),
		Tree:      in.Tree,
		States:    states,
		Model:     a.cfg.Model,
		AltCutoff: a.cfg.AltCutoff,
		Conflicts: conflicts,
	}, nil
}

// parseAncestralProbs reads the tab-separated table
//
//	Node  Site  State  p_A  p_R  ...
//
// into one distribution per node. Sites are 1-based.
func parseAncestralProbs(data []byte, toNode map[string]string) (map[string]tree.Distribution, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var residues []string
	out := make(map[string]tree.Distribution)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		fields := strings.Fields(text)
		if residues == nil {
			if len(fields) < 4 || fields[0] != "Node" || fields[1] != "Site" {
				return nil, fmt.Errorf("line %d: missing Node/Site header", line)
			}
			for _, col := range fields[3:] {
				residues = append(residues, strings.TrimPrefix(col, "p_"))
			}
			continue
		}
		if len(fields) != 3+len(residues) {
			return nil, fmt.Errorf("line %d: %d columns, expected %d", line, len(fields), 3+len(residues))
		}
		site, err := strconv.Atoi(fields[1])
		if err != nil || site < 1 {
			return nil, fmt.Errorf("line %d: bad site %q", line, fields[1])
		}
		node, ok := toNode[fields[0]]
		if !ok {
			node = fields[0]
		}
		probs := make(map[string]float64, len(residues))
		for k, col := range fields[3:] {
			p, err := strconv.ParseFloat(col, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: bad probability %q", line, col)
			}
			probs[residues[k]] = p
		}
		if out[node] == nil {
			out[node] = make(tree.Distribution)
		}
		out[node][site] = probs
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if residues == nil {
		return nil, fmt.Errorf("empty table")
	}
	return out, nil
}
