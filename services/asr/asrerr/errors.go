// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package asrerr defines the error taxonomy shared by every stage of the
// reconstruction pipeline.
//
// Errors are grouped into categories (input, tool, merge conflict, state,
// collaborator, aborted). Each concrete failure carries a Kind, and an
// *Error matches both its kind sentinel and its category sentinel under
// errors.Is:
//
//	if errors.Is(err, asrerr.ErrToolError) { ... }     // any tool failure
//	if errors.Is(err, asrerr.ErrToolTimeout) { ... }   // only timeouts
package asrerr

import (
	"errors"
	"fmt"
	"strings"
)

// Category groups failure kinds by how the pipeline reacts to them.
type Category int

const (
	// CategoryUnknown is the zero value.
	CategoryUnknown Category = iota
	// CategoryInput covers malformed seed data and identifier misuse.
	// Rejected before any external call.
	CategoryInput
	// CategoryTool covers failures of an external tool invocation.
	CategoryTool
	// CategoryMergeConflict covers tool output that cannot be merged.
	// Fatal or warning depending on configuration.
	CategoryMergeConflict
	// CategoryState covers corrupted checkpoints and topologies. Always fatal.
	CategoryState
	// CategoryCollaborator covers failures reported by external services.
	CategoryCollaborator
	// CategoryAborted marks a halted run.
	CategoryAborted
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryInput:
		return "InputError"
	case CategoryTool:
		return "ToolError"
	case CategoryMergeConflict:
		return "MergeConflictError"
	case CategoryState:
		return "StateError"
	case CategoryCollaborator:
		return "CollaboratorError"
	case CategoryAborted:
		return "PipelineAborted"
	default:
		return "UnknownError"
	}
}

// Kind identifies a concrete failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindDuplicateIdentifier
	KindUnknownIdentifier
	KindMalformedSeed
	KindMissingInput
	KindToolTimeout
	KindToolInvocationFailed
	KindToolOutputUnparseable
	KindResultMergeConflict
	KindUnknownNode
	KindIncompleteLeafMapping
	KindCorruptCheckpoint
	KindMalformedTopology
	KindSpeciesNotFound
	KindPipelineAborted
)

var kindNames = map[Kind]string{
	KindDuplicateIdentifier:   "DuplicateIdentifier",
	KindUnknownIdentifier:     "UnknownIdentifier",
	KindMalformedSeed:         "MalformedSeed",
	KindMissingInput:          "MissingInput",
	KindToolTimeout:           "ToolTimeout",
	KindToolInvocationFailed:  "ToolInvocationFailed",
	KindToolOutputUnparseable: "ToolOutputUnparseable",
	KindResultMergeConflict:   "ResultMergeConflict",
	KindUnknownNode:           "UnknownNode",
	KindIncompleteLeafMapping: "IncompleteLeafMapping",
	KindCorruptCheckpoint:     "CorruptCheckpoint",
	KindMalformedTopology:     "MalformedTopology",
	KindSpeciesNotFound:       "SpeciesNotFound",
	KindPipelineAborted:       "PipelineAborted",
}

// String returns the kind name.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// Category returns the category the kind belongs to.
func (k Kind) Category() Category {
	switch k {
	case KindDuplicateIdentifier, KindUnknownIdentifier, KindMalformedSeed, KindMissingInput:
		return CategoryInput
	case KindToolTimeout, KindToolInvocationFailed, KindToolOutputUnparseable:
		return CategoryTool
	case KindResultMergeConflict, KindUnknownNode, KindIncompleteLeafMapping:
		return CategoryMergeConflict
	case KindCorruptCheckpoint, KindMalformedTopology:
		return CategoryState
	case KindSpeciesNotFound:
		return CategoryCollaborator
	case KindPipelineAborted:
		return CategoryAborted
	default:
		return CategoryUnknown
	}
}

// Category sentinels.
var (
	ErrInputError         = errors.New("input error")
	ErrToolError          = errors.New("tool error")
	ErrMergeConflictError = errors.New("merge conflict error")
	ErrStateError         = errors.New("state error")
	ErrCollaboratorError  = errors.New("collaborator error")
)

// Kind sentinels.
var (
	ErrDuplicateIdentifier   = errors.New("duplicate identifier")
	ErrUnknownIdentifier     = errors.New("unknown identifier")
	ErrMalformedSeed         = errors.New("malformed seed data")
	ErrMissingInput          = errors.New("required stage input missing")
	ErrToolTimeout           = errors.New("tool timed out")
	ErrToolInvocationFailed  = errors.New("tool invocation failed")
	ErrToolOutputUnparseable = errors.New("tool output unparseable")
	ErrResultMergeConflict   = errors.New("result merge conflict")
	ErrUnknownNode           = errors.New("unknown tree node")
	ErrIncompleteLeafMapping = errors.New("incomplete leaf mapping")
	ErrCorruptCheckpoint     = errors.New("corrupt checkpoint")
	ErrMalformedTopology     = errors.New("malformed topology")
	ErrSpeciesNotFound       = errors.New("species not found")
	ErrPipelineAborted       = errors.New("pipeline aborted")
)

var kindSentinels = map[Kind]error{
	KindDuplicateIdentifier:   ErrDuplicateIdentifier,
	KindUnknownIdentifier:     ErrUnknownIdentifier,
	KindMalformedSeed:         ErrMalformedSeed,
	KindMissingInput:          ErrMissingInput,
	KindToolTimeout:           ErrToolTimeout,
	KindToolInvocationFailed:  ErrToolInvocationFailed,
	KindToolOutputUnparseable: ErrToolOutputUnparseable,
	KindResultMergeConflict:   ErrResultMergeConflict,
	KindUnknownNode:           ErrUnknownNode,
	KindIncompleteLeafMapping: ErrIncompleteLeafMapping,
	KindCorruptCheckpoint:     ErrCorruptCheckpoint,
	KindMalformedTopology:     ErrMalformedTopology,
	KindSpeciesNotFound:       ErrSpeciesNotFound,
	KindPipelineAborted:       ErrPipelineAborted,
}

var categorySentinels = map[Category]error{
	CategoryInput:         ErrInputError,
	CategoryTool:          ErrToolError,
	CategoryMergeConflict: ErrMergeConflictError,
	CategoryState:         ErrStateError,
	CategoryCollaborator:  ErrCollaboratorError,
	CategoryAborted:       ErrPipelineAborted,
}

// Error is a classified pipeline failure.
//
// Description:
//
//	Carries the failure kind, the stage it surfaced in (empty outside a
//	stage), the record it concerns (empty when not record specific), and a
//	raw diagnostic such as a stderr tail. Err is the optional cause.
//
// Thread Safety:
//
//	Immutable after construction.
type Error struct {
	Kind       Kind
	Stage      string
	Record     string
	Diagnostic string
	Err        error
}

// Error returns the error message.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Stage != "" {
		fmt.Fprintf(&b, " in stage %q", e.Stage)
	}
	if e.Record != "" {
		fmt.Fprintf(&b, " for record %q", e.Record)
	}
	if e.Diagnostic != "" {
		b.WriteString(": ")
		b.WriteString(e.Diagnostic)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinel and the category sentinel.
func (e *Error) Is(target error) bool {
	if target == kindSentinels[e.Kind] {
		return true
	}
	return target == categorySentinels[e.Kind.Category()]
}

// New creates an Error of the given kind.
func New(kind Kind, diagnostic string) *Error {
	return &Error{Kind: kind, Diagnostic: diagnostic}
}

// Newf creates an Error with a formatted diagnostic.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Diagnostic: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind around a cause.
func Wrap(kind Kind, err error, diagnostic string) *Error {
	return &Error{Kind: kind, Diagnostic: diagnostic, Err: err}
}

// WithStage returns a copy of the error tagged with a stage name.
func (e *Error) WithStage(stage string) *Error {
	c := *e
	c.Stage = stage
	return &c
}

// WithRecord returns a copy of the error tagged with a record identifier.
func (e *Error) WithRecord(id string) *Error {
	c := *e
	c.Record = id
	return &c
}

// KindOf returns the kind of the first *Error in the chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CategoryOf returns the category of the first *Error in the chain.
func CategoryOf(err error) Category {
	return KindOf(err).Category()
}

// Fatal reports whether err must halt the run regardless of configuration.
func Fatal(err error) bool {
	return errors.Is(err, ErrStateError)
}

// StageOf returns the stage recorded on the first *Error in the chain.
func StageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Stage
	}
	return ""
}
