// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"time"

	"github.com/AleutianAI/AleutianASR/services/asr/checkpoint"
	"github.com/AleutianAI/AleutianASR/services/asr/stage"
)

// StageSummary is the state of one stage at the end of a run.
type StageSummary struct {
	Name      string        `json:"name"`
	Status    stage.Status  `json:"status"`
	Dropped   int           `json:"dropped"`
	Conflicts int           `json:"conflicts"`
	Duration  time.Duration `json:"duration,omitempty"`

	// Snapshot is the checkpoint directory of a completed stage.
	Snapshot string `json:"snapshot,omitempty"`

	// Restored is set for stages completed by an earlier run.
	Restored bool `json:"restored,omitempty"`

	Error string `json:"error,omitempty"`
}

// Summary reports a run. It is returned even when the run fails.
type Summary struct {
	RunID  string         `json:"run_id"`
	Stages []StageSummary `json:"stages"`

	// Dropped and Conflicts total every completed stage, restored or not.
	Dropped   int `json:"dropped"`
	Conflicts int `json:"conflicts"`

	FailedStage   string `json:"failed_stage,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`

	// Checkpoint is the snapshot directory of the last completed stage.
	Checkpoint string `json:"checkpoint,omitempty"`

	// Marker is the completion marker path.
	Marker string `json:"marker,omitempty"`

	Duration time.Duration `json:"duration"`

	// Warnings collects non-fatal problems: mirror failures, journal
	// failures and external modifications of the checkpoint directory.
	Warnings []string `json:"warnings,omitempty"`
}

// Failed reports whether a stage failed.
func (s Summary) Failed() bool { return s.FailedStage != "" }

// Stage returns the summary of a stage.
func (s Summary) Stage(name string) (StageSummary, bool) {
	for _, st := range s.Stages {
		if st.Name == name {
			return st, true
		}
	}
	return StageSummary{}, false
}

func (s *Summary) total() {
	s.Dropped, s.Conflicts = 0, 0
	for _, st := range s.Stages {
		if st.Status.Succeeded() {
			s.Dropped += st.Dropped
			s.Conflicts += st.Conflicts
		}
	}
}

func fromEntry(e checkpoint.StageEntry, dir *checkpoint.Dir) StageSummary {
	status, err := stage.ParseStatus(e.Status)
	if err != nil || !status.Succeeded() {
		status = stage.StatusCompleted
	}
	return StageSummary{
		Name:      e.Name,
		Status:    status,
		Dropped:   e.Dropped,
		Conflicts: e.Conflicts,
		Snapshot:  dir.SnapshotPath(e.Snapshot),
		Restored:  true,
	}
}
