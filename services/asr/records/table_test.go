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
	"bytes"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianASR/services/asr/asrerr"
)

func populated(t *testing.T) *Store {
	t.Helper()
	s := NewStore()
	ids, err := s.Add(
		seed("LY96", "Homo sapiens", "MLPFLFFSTLFSSIFTEA"),
		seed("LY86", "Mus musculus", "MKGFTATLFLWTLIFPSC"),
		Record{Sequence: "", Annotations: map[string]string{FieldName: "broken\tname", FieldSpecies: "Danio rerio"}},
	)
	require.NoError(t, err)
	require.NoError(t, s.UpdateStage("align", func(tx *Tx) error {
		if err := tx.SetAligned(ids[0], "MLPFLFFSTLFSSIFTEA"); err != nil {
			return err
		}
		if err := tx.Annotate(ids[1], FieldEValue, "1e-30"); err != nil {
			return err
		}
		return tx.Drop(ids[2], "empty sequence")
	}))
	_, err = s.Add(Record{Sequence: "MKV", Lineage: []string{ids[0], ids[1]}, Annotations: map[string]string{"note": `quoted "value"`}})
	require.NoError(t, err)
	return s
}

func records(s *Store) []Record {
	return slices.Collect(s.All())
}

func TestExportImport_RoundTrip(t *testing.T) {
	s := populated(t)

	var buf bytes.Buffer
	require.NoError(t, s.Export(&buf))

	got, err := Import(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	if diff := cmp.Diff(records(s), records(got)); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, s.IDs(), got.IDs())

	// Export of the import is byte-identical.
	var again bytes.Buffer
	require.NoError(t, got.Export(&again))
	assert.Equal(t, buf.String(), again.String())
}

func TestExport_Header(t *testing.T) {
	s := populated(t)
	var buf bytes.Buffer
	require.NoError(t, s.Export(&buf))

	header, _, _ := strings.Cut(buf.String(), "\n")
	assert.Equal(t, "id\tsequence\taligned\tkeep\tdrop_reason\tdrop_stage\tlineage\tevalue\tname\tnote\torigin\tspecies", header)
}

func TestImport_Rejects(t *testing.T) {
	header := "id\tsequence\taligned\tkeep\tdrop_reason\tdrop_stage\tlineage\tname\n"

	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"wrong header", "id\tsequence\n"},
		{"reserved annotation column", "id\tsequence\taligned\tkeep\tdrop_reason\tdrop_stage\tlineage\tkeep\n"},
		{"duplicate annotation column", "id\tsequence\taligned\tkeep\tdrop_reason\tdrop_stage\tlineage\tname\tname\n"},
		{"malformed id", header + "bad id\tMK\t\ttrue\t\t\t\tx\n"},
		{"empty id", header + "\tMK\t\ttrue\t\t\t\tx\n"},
		{"duplicate id", header + "a\tMK\t\ttrue\t\t\ta\tx\na\tMK\t\ttrue\t\t\ta\ty\n"},
		{"ragged row", header + "a\tMK\t\ttrue\n"},
		{"bad keep", header + "a\tMK\t\tmaybe\t\t\ta\tx\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Import(strings.NewReader(tt.input))
			require.Error(t, err)
			assert.ErrorIs(t, err, asrerr.ErrCorruptCheckpoint)
			assert.ErrorIs(t, err, asrerr.ErrStateError)
		})
	}
}

func TestImport_PreservesOrder(t *testing.T) {
	input := "id\tsequence\taligned\tkeep\tdrop_reason\tdrop_stage\tlineage\n" +
		"z\tM\t\ttrue\t\t\tz\n" +
		"a\tMK\t\tfalse\tshort\tsearch\ta\n" +
		"m\tMKV\t\ttrue\t\t\tz,a\n"

	s, err := Import(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "a", "m"}, s.IDs())

	r, _ := s.Get("m")
	assert.Equal(t, []string{"z", "a"}, r.Lineage)
	dropped, _ := s.Get("a")
	assert.True(t, dropped.Dropped())
	assert.Equal(t, "search", dropped.DropStage)
	assert.Empty(t, s.Changes())
}

func TestExportImport_LineBreaksSurvive(t *testing.T) {
	s := NewStore()
	ids, err := s.Add(Record{Sequence: "MK", Annotations: map[string]string{FieldName: "a\nb", "note": "x\n\ny"}})
	require.NoError(t, err)
	require.NoError(t, s.UpdateStage("search", func(tx *Tx) error {
		return tx.Drop(ids[0], "blastp: exit 1\r\nstderr tail")
	}))

	var buf bytes.Buffer
	require.NoError(t, s.Export(&buf))
	got, err := Import(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	if diff := cmp.Diff(records(s), records(got)); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	r, _ := got.Get(ids[0])
	assert.Equal(t, "blastp: exit 1\nstderr tail", r.DropReason)
}

func TestStore_RejectsCarriageReturns(t *testing.T) {
	s := NewStore()
	ids, err := s.Add(seed("LY96", "Homo sapiens", "MK"))
	require.NoError(t, err)
	before := records(s)

	tests := []struct {
		name string
		fn   func() error
	}{
		{"add annotation", func() error {
			_, err := s.Add(Record{Sequence: "MK", Annotations: map[string]string{FieldName: "a\r\nb"}})
			return err
		}},
		{"add sequence", func() error {
			_, err := s.Add(Record{Sequence: "M\rK"})
			return err
		}},
		{"annotate", func() error { return s.Annotate(ids[0], FieldName, "a\r\nb") }},
		{"set aligned", func() error {
			return s.Update(func(tx *Tx) error { return tx.SetAligned(ids[0], "M\r-K") })
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fn()
			require.Error(t, err)
			assert.ErrorIs(t, err, asrerr.ErrMalformedSeed)
			assert.ErrorIs(t, err, asrerr.ErrInputError)
		})
	}
	assert.Equal(t, before, records(s))
}
