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

import "errors"

// ErrReservedField is returned when annotating a fixed table column.
var ErrReservedField = errors.New("reserved field")

// View is a materialized, read-only list of non-dropped records.
//
// Adapters only ever see a View, which is how dropped records are kept out
// of every downstream tool input.
type View struct {
	Records []Record
	index   map[string]int
}

// NewView builds a view from records, skipping dropped ones.
func NewView(recs []Record) View {
	v := View{index: make(map[string]int, len(recs))}
	for _, r := range recs {
		if !r.Keep {
			continue
		}
		v.index[r.ID] = len(v.Records)
		v.Records = append(v.Records, r.Clone())
	}
	return v
}

// Len returns the number of records in the view.
func (v View) Len() int {
	return len(v.Records)
}

// Get returns the record with the given identifier.
func (v View) Get(id string) (Record, bool) {
	i, ok := v.index[id]
	if !ok {
		return Record{}, false
	}
	return v.Records[i], true
}

// Has reports whether id is in the view.
func (v View) Has(id string) bool {
	_, ok := v.index[id]
	return ok
}

// IDs returns the identifiers in view order.
func (v View) IDs() []string {
	ids := make([]string, len(v.Records))
	for i, r := range v.Records {
		ids[i] = r.ID
	}
	return ids
}

// IDSet returns the identifiers as a set.
func (v View) IDSet() map[string]bool {
	set := make(map[string]bool, len(v.Records))
	for _, r := range v.Records {
		set[r.ID] = true
	}
	return set
}
