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
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/AleutianAI/AleutianASR/services/asr/asrerr"
)

// OriginSeed marks records loaded from the seed table.
const OriginSeed = "seed"

// LoadSeeds parses a seed table into records ready for Store.Add.
//
// Description:
//
//	Accepts comma- or tab-separated input with a header row. The name,
//	species and sequence columns are required; accession is optional and
//	every other column becomes an annotation. Whitespace is stripped from
//	sequences and residues are upper-cased. Empty sequences are accepted
//	here: they are rejected per record by the search stage so that they
//	surface as drops instead of aborting the run.
//
// Inputs:
//
//	r - Seed table source.
//
// Outputs:
//
//	[]Record - Seed records with always_keep set, in file order.
//	error - MalformedSeed for structural problems or duplicate seeds.
func LoadSeeds(r io.Reader) ([]Record, error) {
	br := bufio.NewReader(r)
	first, err := br.Peek(4096)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, asrerr.Wrap(asrerr.KindMalformedSeed, err, "read seed table")
	}
	firstLine, _, _ := strings.Cut(string(first), "\n")

	cr := csv.NewReader(br)
	if strings.Contains(firstLine, "\t") {
		cr.Comma = '\t'
	}
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, asrerr.Wrap(asrerr.KindMalformedSeed, err, "read seed header")
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(h))
		if _, dup := col[h]; dup {
			return nil, asrerr.Newf(asrerr.KindMalformedSeed, "duplicate seed column %q", h)
		}
		col[h] = i
	}
	for _, required := range []string{FieldName, FieldSpecies, ColumnSequence} {
		if _, ok := col[required]; !ok {
			return nil, asrerr.Newf(asrerr.KindMalformedSeed, "seed table lacks %q column", required)
		}
	}
	for h := range col {
		if h != ColumnSequence && IsReservedField(h) {
			return nil, asrerr.Newf(asrerr.KindMalformedSeed, "seed column %q is reserved", h)
		}
	}
	cr.FieldsPerRecord = len(header)

	var out []Record
	seen := make(map[string]int)
	line := 1
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, asrerr.Wrap(asrerr.KindMalformedSeed, err, fmt.Sprintf("seed line %d", line))
		}

		for _, cell := range row {
			if !tableSafe(cell) {
				return nil, asrerr.Newf(asrerr.KindMalformedSeed, "seed line %d contains a carriage return inside a field", line)
			}
		}

		name := strings.TrimSpace(row[col[FieldName]])
		species := strings.TrimSpace(row[col[FieldSpecies]])
		if name == "" || species == "" {
			return nil, asrerr.Newf(asrerr.KindMalformedSeed, "seed line %d: name and species are required", line)
		}
		key := name + "|" + species
		if prev, dup := seen[key]; dup {
			return nil, asrerr.Newf(asrerr.KindMalformedSeed, "seed line %d duplicates line %d (%s)", line, prev, key)
		}
		seen[key] = line

		rec := Record{
			Sequence:    cleanSequence(row[col[ColumnSequence]]),
			Annotations: map[string]string{FieldOrigin: OriginSeed, FieldAlwaysKeep: "true"},
		}
		for h, i := range col {
			if h == ColumnSequence {
				continue
			}
			if v := strings.TrimSpace(row[i]); v != "" {
				rec.Annotations[h] = v
			}
		}
		out = append(out, rec)
	}

	if len(out) == 0 {
		return nil, asrerr.New(asrerr.KindMalformedSeed, "seed table has no rows")
	}
	return out, nil
}

func cleanSequence(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToUpper(r)
	}, s)
}
