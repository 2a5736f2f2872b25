// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkpoint

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"

	"github.com/AleutianAI/AleutianASR/services/asr/asrerr"
	"github.com/AleutianAI/AleutianASR/services/asr/tree"
)

var treeColumns = []string{"tree", "node", "parent", "length", "support", "label", "event", "species", "states"}

// WriteTrees writes every set tree as edge-list rows, in tree.Kinds order.
func WriteTrees(w io.Writer, set tree.Set) error {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	if err := cw.Write(treeColumns); err != nil {
		return fmt.Errorf("write tree header: %w", err)
	}

	for _, kind := range tree.Kinds {
		t := set.Get(kind)
		if t == nil {
			continue
		}
		for _, e := range t.Edges() {
			row := []string{string(kind), e.Node, e.Parent, "", "", e.Label, string(e.Event), e.Species, ""}
			if e.HasLength {
				row[3] = strconv.FormatFloat(e.Length, 'g', -1, 64)
			}
			if e.HasSupport {
				row[4] = strconv.FormatFloat(e.Support, 'g', -1, 64)
			}
			if e.States != nil {
				data, err := json.Marshal(e.States)
				if err != nil {
					return fmt.Errorf("encode states of %s: %w", e.Node, err)
				}
				row[8] = string(data)
			}
			if err := cw.Write(row); err != nil {
				return fmt.Errorf("write %s node %s: %w", kind, e.Node, err)
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadTrees reads rows written by WriteTrees. Any malformed row or
// topology is CorruptCheckpoint.
func ReadTrees(r io.Reader) (tree.Set, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.FieldsPerRecord = len(treeColumns)

	corrupt := func(err error, format string, args ...any) (tree.Set, error) {
		return tree.Set{}, asrerr.Wrap(asrerr.KindCorruptCheckpoint, err, fmt.Sprintf(format, args...))
	}

	header, err := cr.Read()
	if err != nil {
		return corrupt(err, "read tree table header")
	}
	if !slices.Equal(header, treeColumns) {
		return corrupt(nil, "unexpected tree table header %q", header)
	}

	edges := make(map[tree.Kind][]tree.Edge)
	line := 1
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return corrupt(err, "tree table line %d", line)
		}

		kind := tree.Kind(row[0])
		if !slices.Contains(tree.Kinds, kind) {
			return corrupt(nil, "tree table line %d: unknown tree %q", line, row[0])
		}
		e := tree.Edge{Node: row[1], Parent: row[2], Label: row[5], Event: tree.Event(row[6]), Species: row[7]}
		if row[3] != "" {
			if e.Length, err = strconv.ParseFloat(row[3], 64); err != nil {
				return corrupt(err, "tree table line %d: length", line)
			}
			e.HasLength = true
		}
		if row[4] != "" {
			if e.Support, err = strconv.ParseFloat(row[4], 64); err != nil {
				return corrupt(err, "tree table line %d: support", line)
			}
			e.HasSupport = true
		}
		if row[8] != "" {
			if err := json.Unmarshal([]byte(row[8]), &e.States); err != nil {
				return corrupt(err, "tree table line %d: states", line)
			}
		}
		switch e.Event {
		case tree.EventNone, tree.EventDuplication, tree.EventSpeciation, tree.EventLoss:
		default:
			return corrupt(nil, "tree table line %d: unknown event %q", line, row[6])
		}
		edges[kind] = append(edges[kind], e)
	}

	var set tree.Set
	for kind, es := range edges {
		t, err := tree.FromEdges(es, kind)
		if err != nil {
			return corrupt(err, "%s tree", kind)
		}
		set = set.With(kind, t)
	}
	return set, nil
}
