// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stage runs one pipeline stage: one adapter end to end, followed
// by a transactional merge of its result into the record store and trees.
//
// # State Machine
//
//	Pending → Running → Completed
//	                  → PartiallyCompleted  (conflicts under the warn policy)
//	                  → Failed              (tool error, state error, fatal
//	                                         conflict, cancellation)
//
// Either the whole merge commits or nothing does. The runner never writes
// checkpoints; the orchestrator does after a successful outcome.
package stage

import (
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianASR/services/asr/adapters"
	"github.com/AleutianAI/AleutianASR/services/asr/records"
	"github.com/AleutianAI/AleutianASR/services/asr/tree"
)

// Status is the lifecycle state of a stage.
type Status string

const (
	StatusPending            Status = "pending"
	StatusRunning            Status = "running"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
	StatusPartiallyCompleted Status = "partially_completed"
)

// Succeeded reports whether the stage committed its output.
func (s Status) Succeeded() bool {
	return s == StatusCompleted || s == StatusPartiallyCompleted
}

// ParseStatus converts a stored status name.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusPartiallyCompleted:
		return st, nil
	}
	return "", fmt.Errorf("unknown stage status %q", s)
}

// Policy decides what merge conflicts do to a stage.
type Policy string

const (
	// PolicyFatal fails the stage on the first conflict.
	PolicyFatal Policy = "fatal"

	// PolicyWarn drops the affected records and completes partially.
	PolicyWarn Policy = "warn"
)

// Stage is one configured step of the pipeline.
type Stage struct {
	// Name is the stage name recorded on changes, errors and checkpoints.
	Name string

	// Adapter runs the stage's external tool.
	Adapter adapters.Adapter

	// Invocation carries the executable, timeout and work directory. Its
	// Stage field is overwritten with Name.
	Invocation adapters.Invocation

	// Policy defaults to PolicyFatal when empty.
	Policy Policy

	// Enrich, when set, runs inside the merge transaction after the
	// adapter's own updates. The search stage uses it for nicknames.
	Enrich func(tx *records.Tx) error
}

func (s Stage) policy() Policy {
	if s.Policy == "" {
		return PolicyFatal
	}
	return s.Policy
}

// State is the mutable run state a stage reads and merges into.
//
// Thread Safety: Not safe for concurrent use. Stages run sequentially.
type State struct {
	Store *records.Store
	Trees tree.Set
}

// Outcome is the result of running one stage.
type Outcome struct {
	Stage  string
	Status Status

	// Dropped lists records this stage flagged dropped, in drop order.
	Dropped []string

	// Conflicts lists every rejected input and unmergeable output entry.
	Conflicts []adapters.Conflict

	// Err is set when Status is StatusFailed.
	Err error

	Duration time.Duration
}
