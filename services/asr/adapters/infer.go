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
	"context"
	"slices"
	"strconv"

	"github.com/AleutianAI/AleutianASR/services/asr/asrerr"
	"github.com/AleutianAI/AleutianASR/services/asr/tree"
)

const (
	inferAlignmentFile = "alignment.fasta"
	inferPrefix        = "asr"
	inferBestTree      = inferPrefix + ".raxml.bestTree"

	// minTreeTaxa is the smallest alignment RAxML-NG will search.
	minTreeTaxa = 4
)

// InferConfig configures the RAxML-NG tree search.
type InferConfig struct {
	Model string
	Seed  int64
}

// Infer runs a RAxML-NG maximum-likelihood tree search on the alignment.
type Infer struct {
	cfg  InferConfig
	exec Executor
}

// NewInfer returns a tree inference adapter. Model defaults to LG.
func NewInfer(cfg InferConfig, ex Executor) *Infer {
	if cfg.Model == "" {
		cfg.Model = "LG"
	}
	if cfg.Seed == 0 {
		cfg.Seed = 1
	}
	if ex == nil {
		ex = DefaultExecutor{}
	}
	return &Infer{cfg: cfg, exec: ex}
}

// Kind implements Adapter.
func (a *Infer) Kind() Kind { return KindInfer }

// PrepareInput writes the aligned rows. Unaligned records are rejected.
func (a *Infer) PrepareInput(view View) (*ToolInput, error) {
	in := &ToolInput{}
	for _, r := range view.Records.Records {
		if ok, reason := isAligned(r); !ok {
			in.Rejected = append(in.Rejected, Conflict{Record: r.ID, Reason: reason})
			continue
		}
		in.Records = append(in.Records, r.ID)
	}
	if len(in.Records) < minTreeTaxa {
		return nil, asrerr.Newf(asrerr.KindMissingInput, "tree search needs at least %d aligned sequences, have %d",
			minTreeTaxa, len(in.Records)).WithStage(string(KindInfer))
	}

	var toAlias map[string]string
	in.Aliases, toAlias = aliasTable("seq", in.Records)
	in.Files = map[string][]byte{
		inferAlignmentFile: writeFASTA(alignedEntries(view.Records, in.Records, toAlias)),
	}
	in.Args = []string{
		"--search",
		"--msa", inferAlignmentFile,
		"--model", a.cfg.Model,
		"--prefix", inferPrefix,
		"--seed", strconv.FormatInt(a.cfg.Seed, 10),
		"--redo",
	}
	return in, nil
}

// Invoke runs the search and reads the best tree.
func (a *Infer) Invoke(ctx context.Context, in *ToolInput, inv Invocation) (*RawOutput, error) {
	ctx, cancel, err := withTimeout(ctx, inv)
	if err != nil {
		return nil, err
	}
	defer cancel()
	if err := materialize(inv, in.Files); err != nil {
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
	files, err := collect(inv, inferBestTree)
	if err != nil {
		return nil, err
	}
	return &RawOutput{Input: in, Files: files, Stdout: res.Stdout, Stderr: res.Stderr}, nil
}

// ParseOutput reads the best tree and maps leaves back to records.
func (a *Infer) ParseOutput(raw *RawOutput) (ParsedResult, error) {
	t, conflicts, err := readToolTree(KindInfer, raw.Files[inferBestTree], tree.KindGene, raw.Input)
	if err != nil {
		return nil, err
	}
	return &TreeResult{Tree: t, Conflicts: conflicts}, nil
}
