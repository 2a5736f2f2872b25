// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package adapters translates pipeline state to and from external tools.
//
// Each adapter owns one tool. PrepareInput and ParseOutput are pure; Invoke
// is the only call that blocks or touches the filesystem, and it always runs
// under the caller's timeout. Errors leave this package already classified
// by asrerr, never as raw exec or os errors.
package adapters

import (
	"context"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianASR/services/asr/records"
	"github.com/AleutianAI/AleutianASR/services/asr/tree"
)

// Kind names an adapter, and the pipeline stage that runs it.
type Kind string

const (
	KindSearch    Kind = "search"
	KindAlign     Kind = "align"
	KindInfer     Kind = "infer"
	KindReconcile Kind = "reconcile"
	KindAncestors Kind = "ancestors"
)

// View is everything an adapter may read: the non-dropped records and the
// current trees.
type View struct {
	Records records.View
	Trees   tree.Set
}

// Conflict is one output entry, or one input record, that could not be
// merged. Record is empty when the entry maps to no known record; Node
// then carries the tool-native name.
type Conflict struct {
	Record string
	Node   string
	Reason string
}

// ToolInput is the materialized input of one invocation.
type ToolInput struct {
	// Files are written into the work directory before the tool runs.
	Files map[string][]byte

	// Args are the tool arguments derived from the view. Invocation.Args
	// are appended after them.
	Args []string

	// Aliases maps tool-native sequence names to record identifiers.
	Aliases map[string]string

	// Rejected are records the adapter refused before invoking the tool.
	Rejected []Conflict

	// Records are the identifiers submitted to the tool, in order.
	Records []string

	// Species maps record identifiers to species names (reconciliation).
	Species map[string]string

	// Tree is the topology submitted to the tool, if any.
	Tree *tree.Tree
}

// Invocation is the runtime environment of one tool call.
type Invocation struct {
	Stage      string
	Executable string
	Args       []string
	Threads    int
	Timeout    time.Duration
	WorkDir    string
	Logger     *slog.Logger
}

func (inv Invocation) logger() *slog.Logger {
	if inv.Logger != nil {
		return inv.Logger
	}
	return slog.Default()
}

// RawOutput is what a tool produced, before parsing.
type RawOutput struct {
	Input  *ToolInput
	Files  map[string][]byte
	Stdout []byte
	Stderr []byte

	// Species is the species tree fetched during reconciliation.
	Species *tree.Tree
}

// Adapter is the contract every external tool implements.
type Adapter interface {
	// Kind identifies the adapter.
	Kind() Kind

	// PrepareInput builds the tool input from the current view. It performs
	// no I/O.
	PrepareInput(view View) (*ToolInput, error)

	// Invoke runs the tool. It is the only blocking call and enforces
	// inv.Timeout.
	Invoke(ctx context.Context, in *ToolInput, inv Invocation) (*RawOutput, error)

	// ParseOutput turns raw tool output into a typed result. Entries that
	// cannot be mapped to a record become conflicts.
	ParseOutput(raw *RawOutput) (ParsedResult, error)
}
