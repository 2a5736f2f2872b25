// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package asrerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesKindAndCategory(t *testing.T) {
	tests := []struct {
		kind     Kind
		sentinel error
		category error
	}{
		{KindDuplicateIdentifier, ErrDuplicateIdentifier, ErrInputError},
		{KindToolTimeout, ErrToolTimeout, ErrToolError},
		{KindToolInvocationFailed, ErrToolInvocationFailed, ErrToolError},
		{KindToolOutputUnparseable, ErrToolOutputUnparseable, ErrToolError},
		{KindResultMergeConflict, ErrResultMergeConflict, ErrMergeConflictError},
		{KindUnknownNode, ErrUnknownNode, ErrMergeConflictError},
		{KindIncompleteLeafMapping, ErrIncompleteLeafMapping, ErrMergeConflictError},
		{KindCorruptCheckpoint, ErrCorruptCheckpoint, ErrStateError},
		{KindMalformedTopology, ErrMalformedTopology, ErrStateError},
		{KindSpeciesNotFound, ErrSpeciesNotFound, ErrCollaboratorError},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			err := fmt.Errorf("outer: %w", New(tt.kind, "diag"))
			assert.ErrorIs(t, err, tt.sentinel)
			assert.ErrorIs(t, err, tt.category)
			assert.Equal(t, tt.kind, KindOf(err))
		})
	}
}

func TestError_ToolKindsNotConflated(t *testing.T) {
	err := New(KindToolTimeout, "")
	assert.False(t, errors.Is(err, ErrToolInvocationFailed))
	assert.False(t, errors.Is(err, ErrToolOutputUnparseable))
}

func TestError_Message(t *testing.T) {
	cause := errors.New("exit status 2")
	err := Wrap(KindToolInvocationFailed, cause, "stderr: bad db").WithStage("search").WithRecord("r1")
	assert.Equal(t, `ToolInvocationFailed in stage "search" for record "r1": stderr: bad db: exit status 2`, err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "search", StageOf(err))
}

func TestFatal(t *testing.T) {
	assert.True(t, Fatal(New(KindCorruptCheckpoint, "")))
	assert.True(t, Fatal(New(KindMalformedTopology, "")))
	assert.False(t, Fatal(New(KindResultMergeConflict, "")))
	assert.False(t, Fatal(errors.New("plain")))
}

func TestWithStage_DoesNotMutate(t *testing.T) {
	base := New(KindUnknownNode, "n3")
	tagged := base.WithStage("ancestors")
	assert.Empty(t, base.Stage)
	assert.Equal(t, "ancestors", tagged.Stage)
}
