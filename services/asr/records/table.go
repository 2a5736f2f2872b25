// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package records

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianASR/services/asr/asrerr"
)

const lineageSeparator = ","

// Export writes the store as a tab-separated table.
//
// Description:
//
//	The header is the fixed columns followed by every annotation field in
//	use, sorted. Rows follow insertion order. Unset annotations are written
//	as empty cells, which is why annotations cannot hold empty values.
//
// Inputs:
//
//	w - Destination. Not closed.
//
// Outputs:
//
//	error - Non-nil if writing fails.
func (s *Store) Export(w io.Writer) error {
	st := s.snapshot()

	fieldSet := make(map[string]struct{})
	for _, r := range st.byID {
		for f := range r.Annotations {
			fieldSet[f] = struct{}{}
		}
	}
	fields := slices.Sorted(maps.Keys(fieldSet))

	cw := csv.NewWriter(w)
	cw.Comma = '\t'

	header := append(slices.Clone(fixedColumns), fields...)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	row := make([]string, len(header))
	for _, id := range st.order {
		r := st.byID[id]
		row[0] = r.ID
		row[1] = r.Sequence
		row[2] = r.Aligned
		row[3] = strconv.FormatBool(r.Keep)
		row[4] = r.DropReason
		row[5] = r.DropStage
		row[6] = strings.Join(r.Lineage, lineageSeparator)
		for i, f := range fields {
			row[len(fixedColumns)+i] = r.Annotations[f]
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write record %s: %w", id, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// Import reads a table written by Export into a new store.
//
// Description:
//
//	Rejects anything Export could not have produced: a missing or
//	reordered fixed header, duplicate or reserved annotation columns,
//	ragged rows, malformed or duplicate identifiers, and unparseable keep
//	flags. Row order becomes insertion order. The change log of the new
//	store is empty.
//
// Inputs:
//
//	r - Table source.
//
// Outputs:
//
//	*Store - The reconstructed store.
//	error - CorruptCheckpoint on any rejected input.
func Import(r io.Reader) (*Store, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.ReuseRecord = false

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, asrerr.New(asrerr.KindCorruptCheckpoint, "record table is empty")
		}
		return nil, asrerr.Wrap(asrerr.KindCorruptCheckpoint, err, "read record table header")
	}
	if len(header) < len(fixedColumns) || !slices.Equal(header[:len(fixedColumns)], fixedColumns) {
		return nil, asrerr.Newf(asrerr.KindCorruptCheckpoint, "unexpected record table header %q", header)
	}
	fields := header[len(fixedColumns):]
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if f == "" || IsReservedField(f) || seen[f] {
			return nil, asrerr.Newf(asrerr.KindCorruptCheckpoint, "bad annotation column %q", f)
		}
		seen[f] = true
	}
	cr.FieldsPerRecord = len(header)

	st := newState()
	line := 1
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, asrerr.Wrap(asrerr.KindCorruptCheckpoint, err, fmt.Sprintf("record table line %d", line))
		}

		id := row[0]
		if !ValidID(id) {
			return nil, asrerr.Newf(asrerr.KindCorruptCheckpoint, "line %d: malformed identifier %q", line, id)
		}
		if _, dup := st.byID[id]; dup {
			return nil, asrerr.Newf(asrerr.KindCorruptCheckpoint, "line %d: duplicate identifier %q", line, id)
		}
		keep, err := strconv.ParseBool(row[3])
		if err != nil {
			return nil, asrerr.Newf(asrerr.KindCorruptCheckpoint, "line %d: bad keep flag %q", line, row[3])
		}

		rec := &Record{
			ID:          id,
			Sequence:    row[1],
			Aligned:     row[2],
			Keep:        keep,
			DropReason:  row[4],
			DropStage:   row[5],
			Annotations: make(map[string]string),
		}
		if row[6] != "" {
			rec.Lineage = strings.Split(row[6], lineageSeparator)
		}
		for i, f := range fields {
			if v := row[len(fixedColumns)+i]; v != "" {
				rec.Annotations[f] = v
			}
		}

		st.byID[id] = rec
		st.order = append(st.order, id)
	}

	return &Store{current: st}, nil
}
