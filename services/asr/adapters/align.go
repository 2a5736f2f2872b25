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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianASR/services/asr/asrerr"
)

const (
	alignInputFile  = "input.fasta"
	alignOutputFile = "aligned.fasta"
)

// AlignConfig configures MAFFT.
type AlignConfig struct {
	// Options precede the input file; defaults to "--auto".
	Options []string
}

// Align runs MAFFT over every live record.
type Align struct {
	cfg  AlignConfig
	exec Executor
}

// NewAlign returns an alignment adapter. A nil executor runs real
// processes.
func NewAlign(cfg AlignConfig, ex Executor) *Align {
	if len(cfg.Options) == 0 {
		cfg.Options = []string{"--auto"}
	}
	if ex == nil {
		ex = DefaultExecutor{}
	}
	return &Align{cfg: cfg, exec: ex}
}

// Kind implements Adapter.
func (a *Align) Kind() Kind { return KindAlign }

// PrepareInput writes live records as seq<i>. Records that are empty or
// contain characters outside the residue alphabet are rejected.
func (a *Align) PrepareInput(view View) (*ToolInput, error) {
	in := &ToolInput{}
	for _, r := range view.Records.Records {
		switch pos := validResidues(r.Sequence); {
		case r.Sequence == "":
			in.Rejected = append(in.Rejected, Conflict{Record: r.ID, Reason: ReasonEmptySequence})
		case pos >= 0:
			in.Rejected = append(in.Rejected, Conflict{
				Record: r.ID,
				Reason: fmt.Sprintf("invalid residue %q at position %d", r.Sequence[pos], pos+1),
			})
		default:
			in.Records = append(in.Records, r.ID)
		}
	}
	if len(in.Records) < 2 {
		return nil, asrerr.Newf(asrerr.KindMissingInput, "alignment needs at least 2 sequences, have %d", len(in.Records)).
			WithStage(string(KindAlign))
	}

	var toAlias map[string]string
	in.Aliases, toAlias = aliasTable("seq", in.Records)
	entries := make([]fastaEntry, 0, len(in.Records))
	for _, id := range in.Records {
		r, _ := view.Records.Get(id)
		entries = append(entries, fastaEntry{Name: toAlias[id], Sequence: r.Sequence})
	}
	in.Files = map[string][]byte{alignInputFile: writeFASTA(entries)}
	in.Args = slices.Clone(a.cfg.Options)
	return in, nil
}

// Invoke runs MAFFT; the alignment is read from stdout and kept in the
// work directory for provenance.
func (a *Align) Invoke(ctx context.Context, in *ToolInput, inv Invocation) (*RawOutput, error) {
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
		args = append(args, "--thread", strconv.Itoa(inv.Threads))
	}
	args = append(args, inv.Args...)
	args = append(args, alignInputFile)

	res, err := run(ctx, a.exec, inv, Command{Path: executable(inv, "mafft"), Args: args, Dir: inv.WorkDir})
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(inv.WorkDir, alignOutputFile), res.Stdout, 0o644); err != nil {
		inv.logger().Warn("could not keep alignment output", slog.String("error", err.Error()))
	}
	return &RawOutput{
		Input:  in,
		Files:  map[string][]byte{alignOutputFile: res.Stdout},
		Stdout: res.Stdout,
		Stderr: res.Stderr,
	}, nil
}

// ParseOutput reads the aligned FASTA. Rows of differing length make the
// whole output unparseable; rows with unknown names are conflicts.
func (a *Align) ParseOutput(raw *RawOutput) (ParsedResult, error) {
	entries, err := parseFASTA(raw.Files[alignOutputFile])
	if err != nil {
		return nil, unparseable(KindAlign, "aligned fasta: %v", err)
	}
	if len(entries) == 0 {
		return nil, unparseable(KindAlign, "aligned fasta is empty")
	}

	res := &AlignmentResult{Rows: make(map[string]string, len(entries))}
	res.Width = len(entries[0].Sequence)
	for _, e := range entries {
		if len(e.Sequence) != res.Width {
			return nil, unparseable(KindAlign, "row %s has length %d, expected %d", e.Name, len(e.Sequence), res.Width)
		}
		id, ok := raw.Input.Aliases[e.Name]
		if !ok {
			res.Conflicts = append(res.Conflicts, Conflict{Node: e.Name, Reason: "aligned row matches no record"})
			continue
		}
		res.Rows[id] = strings.ToUpper(e.Sequence)
		res.Order = append(res.Order, id)
	}
	for _, id := range raw.Input.Records {
		if _, ok := res.Rows[id]; !ok {
			res.Conflicts = append(res.Conflicts, Conflict{Record: id, Reason: "missing from alignment"})
		}
	}
	return res, nil
}
