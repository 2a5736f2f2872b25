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
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// idNamespace seeds the name-based UUIDs record identifiers derive from.
var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://aleutian.ai/asr/records"))

// contentKey is the part of a record that determines its identifier.
func contentKey(r Record) string {
	return strings.Join([]string{
		r.Annotations[FieldOrigin],
		r.Annotations[FieldAccession],
		r.Annotations[FieldName],
		r.Annotations[FieldSpecies],
		r.Sequence,
	}, "|")
}

// deriveID returns a deterministic identifier for r that is not in taken.
//
// The same record content added to the same store state always yields the
// same identifier, so re-running a stage on an unchanged checkpoint
// reproduces its identifiers. Identical content gets ordinal suffixes.
func deriveID(r Record, taken func(string) bool) string {
	u := uuid.NewSHA1(idNamespace, []byte(contentKey(r)))
	base := "r" + strings.ReplaceAll(u.String(), "-", "")[:12]
	if !taken(base) {
		return base
	}
	for n := 2; ; n++ {
		candidate := base + "-" + strconv.Itoa(n)
		if !taken(candidate) {
			return candidate
		}
	}
}
