// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package nickname

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianASR/services/asr/records"
)

var s100 = map[string][]string{
	"S100A9": {"S100-A9", "S100 A9", "MRP14"},
	"S100A8": {"S100-A8", "S100 A8", "MRP8"},
	"calgranulin": {"calgranulin"},
}

func TestNickname(t *testing.T) {
	m, err := Compile(s100, true)
	require.NoError(t, err)

	tests := []struct {
		name string
		want string
	}{
		{"protein S100-A9 isoform X1", "S100A9"},
		{"mrp14", "S100A9"},
		{"S100 A8", "S100A8"},
		{"calgranulin / MRP8", "S100A8/calgranulin"},
		{"hypothetical protein", "unassigned"},
		{"", "unassigned"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Nickname(tt.name))
		})
	}
}

func TestNickname_CaseSensitive(t *testing.T) {
	m, err := Compile(s100, false, WithSeparator("|"), WithUnassigned("none"))
	require.NoError(t, err)
	assert.Equal(t, "none", m.Nickname("mrp14"))
	assert.Equal(t, "S100A8|calgranulin", m.Nickname("calgranulin MRP8"))
}

func TestCompile_Errors(t *testing.T) {
	_, err := Compile(nil, true)
	assert.ErrorIs(t, err, ErrNoPatterns)

	_, err = Compile(s100, true, WithFields(records.FieldName, records.ColumnKeep))
	assert.ErrorIs(t, err, ErrReservedField)

	_, err = Compile(map[string][]string{"x": {"("}}, true)
	assert.Error(t, err)

	_, err = Compile(map[string][]string{"x": {}}, true)
	assert.Error(t, err)
}

func TestMatcher_Apply(t *testing.T) {
	store := records.NewStore()
	ids, err := store.Add(
		records.Record{ID: "a", Sequence: "MK", Annotations: map[string]string{records.FieldName: "S100-A9"}},
		records.Record{ID: "b", Sequence: "MK", Annotations: map[string]string{records.FieldName: "other"}},
		records.Record{ID: "c", Sequence: "MK", Annotations: map[string]string{records.FieldName: "MRP8"}},
	)
	require.NoError(t, err)
	require.NoError(t, store.Drop(ids[2], "test"))

	m, err := Compile(s100, true)
	require.NoError(t, err)
	require.NoError(t, store.Update(m.Apply))

	a, _ := store.Get("a")
	b, _ := store.Get("b")
	c, _ := store.Get("c")
	assert.Equal(t, "S100A9", a.Get(records.FieldNickname))
	assert.Equal(t, "unassigned", b.Get(records.FieldNickname))
	assert.Empty(t, c.Get(records.FieldNickname))
}
