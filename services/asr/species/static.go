// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package species

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/AleutianAI/AleutianASR/services/asr/asrerr"
	"github.com/AleutianAI/AleutianASR/services/asr/tree"
)

// Static resolves names against a fixed species tree, for offline runs
// with a curated tree file.
type Static struct {
	tree *tree.Tree
}

// NewStatic parses a Newick species tree. Underscores in unquoted labels
// read as spaces, so Homo_sapiens and 'Homo sapiens' name the same leaf.
func NewStatic(newick string) (*Static, error) {
	t, err := tree.Build(tree.Parsed{Newick: newick, BlankUnderscores: true}, tree.BuildOptions{Kind: tree.KindSpecies})
	if err != nil {
		return nil, err
	}
	return &Static{tree: t}, nil
}

// LoadStatic reads a Newick species tree from a file.
func LoadStatic(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read species tree: %w", err)
	}
	return NewStatic(string(data))
}

// Resolve restricts the tree to names.
func (s *Static) Resolve(ctx context.Context, names []string) (*tree.Tree, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	uniq := normalize(names)
	keep := make(map[string]bool, len(uniq))
	var missing []string
	for _, n := range uniq {
		i, ok := s.tree.Index(n)
		if !ok || !s.tree.IsLeaf(i) {
			missing = append(missing, n)
			continue
		}
		keep[n] = true
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, asrerr.Newf(asrerr.KindSpeciesNotFound, "not in species tree: %v", missing)
	}
	return s.tree.Restrict(keep)
}
