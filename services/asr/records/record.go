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
	"maps"
	"regexp"
	"slices"
	"strings"
)

// Well-known annotation fields.
const (
	FieldName       = "name"
	FieldSpecies    = "species"
	FieldAccession  = "accession"
	FieldNickname   = "nickname"
	FieldAlwaysKeep = "always_keep"
	FieldOrigin     = "origin"
	FieldEValue     = "evalue"
	FieldBitScore   = "bitscore"
	FieldLength     = "length"
)

// Fixed table columns. These names cannot be used as annotation fields.
const (
	ColumnID         = "id"
	ColumnSequence   = "sequence"
	ColumnAligned    = "aligned"
	ColumnKeep       = "keep"
	ColumnDropReason = "drop_reason"
	ColumnDropStage  = "drop_stage"
	ColumnLineage    = "lineage"
)

var fixedColumns = []string{
	ColumnID,
	ColumnSequence,
	ColumnAligned,
	ColumnKeep,
	ColumnDropReason,
	ColumnDropStage,
	ColumnLineage,
}

// validIDPattern restricts identifiers to characters every external tool
// passes through unchanged.
var validIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// IsReservedField reports whether name is a fixed table column.
func IsReservedField(name string) bool {
	return slices.Contains(fixedColumns, name)
}

// tableSafe reports whether v is stored by the record table unchanged. The
// TSV reader folds a carriage return before a line feed into the line
// feed, so no stored value may contain one.
func tableSafe(v string) bool {
	return !strings.ContainsRune(v, '\r')
}

// ValidID reports whether id is a well-formed record identifier.
func ValidID(id string) bool {
	return validIDPattern.MatchString(id)
}

// Record is one sequence and everything the pipeline has learned about it.
//
// Records are owned by a Store. Values handed out by the store are copies;
// mutating them has no effect on the store.
type Record struct {
	// ID is unique and immutable for the whole run.
	ID string

	// Sequence is the raw, ungapped sequence.
	Sequence string

	// Aligned is the gapped alignment row once the record has been aligned.
	Aligned string

	// Annotations holds source and quality annotations keyed by field.
	Annotations map[string]string

	// Keep is false once the record has been dropped.
	Keep bool

	// DropReason and DropStage explain a drop.
	DropReason string
	DropStage  string

	// Lineage lists the seed identifiers this record descends from.
	// Seeds list themselves.
	Lineage []string
}

// Get returns an annotation value, or "" when unset.
func (r Record) Get(field string) string {
	return r.Annotations[field]
}

// Dropped reports whether the record has been flagged dropped.
func (r Record) Dropped() bool {
	return !r.Keep
}

// Columns maps each residue of Sequence to its alignment column.
//
// Description:
//
//	Returns nil when the record has not been aligned. Gap characters ('-'
//	and '.') occupy columns but map to no residue.
//
// Outputs:
//
//	[]int - Entry i is the zero-based column of residue i.
func (r Record) Columns() []int {
	if r.Aligned == "" {
		return nil
	}
	cols := make([]int, 0, len(r.Sequence))
	for i, c := range r.Aligned {
		if c == '-' || c == '.' {
			continue
		}
		cols = append(cols, i)
	}
	return cols
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	c := r
	c.Annotations = make(map[string]string, len(r.Annotations))
	maps.Copy(c.Annotations, r.Annotations)
	if r.Lineage != nil {
		c.Lineage = slices.Clone(r.Lineage)
	}
	return c
}

// Change is one committed mutation of the store.
type Change struct {
	Seq    int
	Stage  string
	Action Action
	Record string
	Field  string
	Before string
	After  string
}

// Action names a kind of mutation.
type Action string

const (
	ActionAdd      Action = "add"
	ActionAnnotate Action = "annotate"
	ActionAlign    Action = "align"
	ActionDrop     Action = "drop"
	ActionLineage  Action = "lineage"
)
