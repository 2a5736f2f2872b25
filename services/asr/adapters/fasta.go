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
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	errFASTANoHeader  = errors.New("sequence data before first header")
	errFASTAEmptyName = errors.New("empty sequence name")
	errFASTADuplicate = errors.New("duplicate sequence name")
)

// fastaEntry is one named sequence.
type fastaEntry struct {
	Name     string
	Sequence string
}

// writeFASTA renders entries with one sequence line each.
func writeFASTA(entries []fastaEntry) []byte {
	var b bytes.Buffer
	for _, e := range entries {
		b.WriteByte('>')
		b.WriteString(e.Name)
		b.WriteByte('\n')
		b.WriteString(e.Sequence)
		b.WriteByte('\n')
	}
	return b.Bytes()
}

// parseFASTA reads entries in file order. The name is the first word of
// the header; sequence lines are concatenated with whitespace removed.
func parseFASTA(data []byte) ([]fastaEntry, error) {
	var out []fastaEntry
	seen := make(map[string]bool)
	var seq strings.Builder

	flush := func() {
		if len(out) > 0 {
			out[len(out)-1].Sequence = seq.String()
		}
		seq.Reset()
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		if text[0] == '>' {
			flush()
			fields := strings.Fields(text[1:])
			if len(fields) == 0 {
				return nil, fmt.Errorf("line %d: %w", line, errFASTAEmptyName)
			}
			name := fields[0]
			if seen[name] {
				return nil, fmt.Errorf("line %d: %w %q", line, errFASTADuplicate, name)
			}
			seen[name] = true
			out = append(out, fastaEntry{Name: name})
			continue
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("line %d: %w", line, errFASTANoHeader)
		}
		seq.WriteString(strings.Join(strings.Fields(text), ""))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	flush()
	return out, nil
}

// aliasTable assigns tool-native names prefix<i> to record identifiers.
// It returns native name to record and record to native name.
func aliasTable(prefix string, ids []string) (map[string]string, map[string]string) {
	toID := make(map[string]string, len(ids))
	toAlias := make(map[string]string, len(ids))
	for i, id := range ids {
		alias := prefix + strconv.Itoa(i)
		toID[alias] = id
		toAlias[id] = alias
	}
	return toID, toAlias
}

// validResidues reports the first character outside the residue alphabet,
// or -1. Sequences are stored upper-case; '*' marks a stop codon.
func validResidues(seq string) int {
	for i := 0; i < len(seq); i++ {
		c := seq[i]
		if (c < 'A' || c > 'Z') && c != '*' {
			return i
		}
	}
	return -1
}
