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
	"os"
	"slices"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianASR/services/asr/asrerr"
)

// Search defaults, matching the BLAST+ settings the pipeline was tuned on.
const (
	DefaultSearchProgram = "blastp"
	DefaultHitlistSize   = 100
	DefaultEValue        = 0.001
	DefaultGapOpen       = 11
	DefaultGapExtend     = 1
	DefaultBlockSize     = 20
)

// SearchPrograms are the BLAST+ executables the search adapter accepts.
var SearchPrograms = []string{
	"blastp", "blastn", "blastx", "tblastn", "tblastx",
	"psiblast", "rpsblast", "rpstblastn", "deltablast",
}

// ReasonEmptySequence is the drop reason for records with no residues.
const ReasonEmptySequence = "empty sequence"

// SearchConfig configures the database search.
type SearchConfig struct {
	Database    string
	Program     string
	HitlistSize int
	EValue      float64
	GapOpen     int
	GapExtend   int
	BlockSize   int
}

func (c SearchConfig) withDefaults() SearchConfig {
	if c.Program == "" {
		c.Program = DefaultSearchProgram
	}
	if c.HitlistSize <= 0 {
		c.HitlistSize = DefaultHitlistSize
	}
	if c.EValue <= 0 {
		c.EValue = DefaultEValue
	}
	if c.GapOpen <= 0 {
		c.GapOpen = DefaultGapOpen
	}
	if c.GapExtend <= 0 {
		c.GapExtend = DefaultGapExtend
	}
	if c.BlockSize <= 0 {
		c.BlockSize = DefaultBlockSize
	}
	return c
}

// Search runs BLAST+ against a local database, one query per record.
//
// Thread Safety:
//
//	Safe for concurrent use; it holds configuration only.
type Search struct {
	cfg  SearchConfig
	exec Executor
}

// NewSearch validates cfg and returns a search adapter. A nil executor
// runs real processes.
func NewSearch(cfg SearchConfig, ex Executor) (*Search, error) {
	cfg = cfg.withDefaults()
	if !slices.Contains(SearchPrograms, cfg.Program) {
		return nil, fmt.Errorf("blast program %q not recognized (allowed: %s)", cfg.Program, strings.Join(SearchPrograms, ", "))
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("blast database not configured")
	}
	if ex == nil {
		ex = DefaultExecutor{}
	}
	return &Search{cfg: cfg, exec: ex}, nil
}

// Kind implements Adapter.
func (s *Search) Kind() Kind { return KindSearch }

// splitBlocks partitions n queries into [start, end) blocks of size.
//
// A remainder of at least half a block forms its own block; a smaller one
// is spread one query at a time over the earlier blocks.
func splitBlocks(n, size int) [][2]int {
	if n == 0 {
		return nil
	}
	windows := n / size
	if windows == 0 {
		return [][2]int{{0, n}}
	}
	lens := make([]int, windows)
	for i := range lens {
		lens[i] = size
	}
	rem := n % size
	if 2*rem >= size {
		lens = append(lens, rem)
	} else {
		for i := 0; rem > 0; i = (i + 1) % len(lens) {
			lens[i]++
			rem--
		}
	}

	blocks := make([][2]int, len(lens))
	start := 0
	for i, l := range lens {
		blocks[i] = [2]int{start, start + l}
		start += l
	}
	return blocks
}

func blockName(i int) string {
	return fmt.Sprintf("block-%03d", i)
}

// PrepareInput writes every record with residues as query count<i>, split
// into blocks. Records with an empty sequence are rejected.
func (s *Search) PrepareInput(view View) (*ToolInput, error) {
	in := &ToolInput{Files: make(map[string][]byte)}

	var queries []string
	for _, r := range view.Records.Records {
		if r.Sequence == "" {
			in.Rejected = append(in.Rejected, Conflict{Record: r.ID, Reason: ReasonEmptySequence})
			continue
		}
		queries = append(queries, r.ID)
	}
	in.Records = queries
	in.Aliases, _ = aliasTable("count", queries)

	for b, blk := range splitBlocks(len(queries), s.cfg.BlockSize) {
		entries := make([]fastaEntry, 0, blk[1]-blk[0])
		for i := blk[0]; i < blk[1]; i++ {
			r, _ := view.Records.Get(queries[i])
			entries = append(entries, fastaEntry{Name: "count" + strconv.Itoa(i), Sequence: r.Sequence})
		}
		in.Files[blockName(b)+".fasta"] = writeFASTA(entries)
	}

	in.Args = []string{
		"-db", s.cfg.Database,
		"-outfmt", "5",
		"-max_target_seqs", strconv.Itoa(s.cfg.HitlistSize),
		"-evalue", strconv.FormatFloat(s.cfg.EValue, 'g', -1, 64),
		"-gapopen", strconv.Itoa(s.cfg.GapOpen),
		"-gapextend", strconv.Itoa(s.cfg.GapExtend),
	}
	return in, nil
}

// checkDatabase looks for the files makeblastdb leaves behind.
func (s *Search) checkDatabase() error {
	for _, ext := range []string{".psq", ".pin", ".pal", ".nal"} {
		if _, err := os.Stat(s.cfg.Database + ext); err == nil {
			return nil
		}
	}
	return fmt.Errorf("blast database %s not found (no .psq or .pin)", s.cfg.Database)
}

// Invoke runs one BLAST process per block, concurrently, under a single
// timeout. The first failing block cancels the rest.
func (s *Search) Invoke(ctx context.Context, in *ToolInput, inv Invocation) (*RawOutput, error) {
	if err := s.checkDatabase(); err != nil {
		return nil, asrerr.Wrap(asrerr.KindToolInvocationFailed, err, "").WithStage(inv.Stage)
	}
	ctx, cancel, err := withTimeout(ctx, inv)
	if err != nil {
		return nil, err
	}
	defer cancel()

	if err := materialize(inv, in.Files); err != nil {
		return nil, err
	}

	var queries []string
	for name := range in.Files {
		if strings.HasSuffix(name, ".fasta") {
			queries = append(queries, name)
		}
	}
	sort.Strings(queries)

	exe := executable(inv, s.cfg.Program)
	g, gctx := errgroup.WithContext(ctx)
	if inv.Threads > 0 {
		g.SetLimit(inv.Threads)
	}
	outputs := make([]string, len(queries))
	for i, q := range queries {
		outputs[i] = strings.TrimSuffix(q, ".fasta") + ".xml"
		out := outputs[i]
		g.Go(func() error {
			args := slices.Clone(in.Args)
			args = append(args, "-query", q, "-out", out)
			args = append(args, inv.Args...)
			_, err := run(gctx, s.exec, inv, Command{Path: exe, Args: args, Dir: inv.WorkDir})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	files, err := collect(inv, outputs...)
	if err != nil {
		return nil, err
	}
	return &RawOutput{Input: in, Files: files}, nil
}

// ParseOutput reads every block's XML report and merges hits by accession.
func (s *Search) ParseOutput(raw *RawOutput) (ParsedResult, error) {
	res := &SearchResult{}
	byAccession := make(map[string]int)

	names := make([]string, 0, len(raw.Files))
	for name := range raw.Files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		report, err := parseBlastXML(raw.Files[name])
		if err != nil {
			return nil, unparseable(KindSearch, "%s: %v", name, err)
		}
		for _, it := range report.Iterations {
			query := it.queryName()
			id, ok := raw.Input.Aliases[query]
			if !ok {
				res.Conflicts = append(res.Conflicts, Conflict{Node: query, Reason: "hits for unknown query"})
				continue
			}
			for _, h := range it.Hits {
				hit, ok := h.toHit(id)
				if !ok {
					res.Conflicts = append(res.Conflicts, Conflict{Record: id, Node: h.ID, Reason: "hit without accession or sequence"})
					continue
				}
				if i, dup := byAccession[hit.Accession]; dup {
					res.Hits[i] = mergeHits(res.Hits[i], hit)
					continue
				}
				byAccession[hit.Accession] = len(res.Hits)
				res.Hits = append(res.Hits, hit)
			}
		}
	}
	return res, nil
}

// mergeHits combines the same accession found by different queries. The
// best-scoring alignment wins; the query lists are unioned.
func mergeHits(a, b Hit) Hit {
	out := a
	if b.EValue < a.EValue {
		out = b
	}
	queries := append(slices.Clone(a.Queries), b.Queries...)
	slices.Sort(queries)
	out.Queries = slices.Compact(queries)
	return out
}
