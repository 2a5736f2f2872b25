// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkpoint

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"golang.org/x/mod/semver"

	"github.com/AleutianAI/AleutianASR/services/asr/asrerr"
)

// FormatVersion is the checkpoint format version. Checkpoints whose major
// version differs cannot be loaded.
const FormatVersion = "v1.0.0"

// StageEntry is the completion record of one stage.
type StageEntry struct {
	Name          string    `json:"name"`
	Status        string    `json:"status"`
	Snapshot      string    `json:"snapshot"`
	RecordsSHA256 string    `json:"records_sha256"`
	TreesSHA256   string    `json:"trees_sha256"`
	Dropped       int       `json:"dropped"`
	Conflicts     int       `json:"conflicts"`
	CompletedAt   time.Time `json:"completed_at"`
}

// Marker is the completion marker. It is the commit point of a checkpoint:
// a snapshot exists for the run only once the marker lists it.
type Marker struct {
	Version     string       `json:"version"`
	RunID       string       `json:"run_id"`
	LastStage   string       `json:"last_stage,omitempty"`
	CompletedAt time.Time    `json:"completed_at,omitzero"`
	Stages      []StageEntry `json:"stages"`
}

// Stage returns the entry of a completed stage.
func (m *Marker) Stage(name string) (StageEntry, bool) {
	if m == nil {
		return StageEntry{}, false
	}
	for _, e := range m.Stages {
		if e.Name == name {
			return e, true
		}
	}
	return StageEntry{}, false
}

// Last returns the most recently completed stage.
func (m *Marker) Last() (StageEntry, bool) {
	if m == nil || len(m.Stages) == 0 {
		return StageEntry{}, false
	}
	return m.Stages[len(m.Stages)-1], true
}

// Completed returns the names of completed stages in completion order.
func (m *Marker) Completed() []string {
	if m == nil {
		return nil
	}
	names := make([]string, len(m.Stages))
	for i, e := range m.Stages {
		names[i] = e.Name
	}
	return names
}

// truncate drops the entry named stage and every entry after it.
func (m *Marker) truncate(stage string) []StageEntry {
	i := slices.IndexFunc(m.Stages, func(e StageEntry) bool { return e.Name == stage })
	if i < 0 {
		return nil
	}
	removed := slices.Clone(m.Stages[i:])
	m.Stages = slices.Clip(m.Stages[:i])
	m.touch()
	return removed
}

// touch refreshes the summary fields from the stage list.
func (m *Marker) touch() {
	if last, ok := m.Last(); ok {
		m.LastStage = last.Name
		m.CompletedAt = last.CompletedAt
		return
	}
	m.LastStage = ""
	m.CompletedAt = time.Time{}
}

func decodeMarker(data []byte) (*Marker, error) {
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, asrerr.Wrap(asrerr.KindCorruptCheckpoint, err, "decode completion marker")
	}
	if !semver.IsValid(m.Version) {
		return nil, asrerr.Newf(asrerr.KindCorruptCheckpoint, "invalid marker version %q", m.Version)
	}
	if semver.Major(m.Version) != semver.Major(FormatVersion) {
		return nil, asrerr.Newf(asrerr.KindCorruptCheckpoint, "marker version %s is incompatible with %s", m.Version, FormatVersion)
	}
	seen := make(map[string]bool, len(m.Stages))
	for _, e := range m.Stages {
		if e.Name == "" || e.Snapshot == "" || seen[e.Name] {
			return nil, asrerr.Newf(asrerr.KindCorruptCheckpoint, "bad marker entry %q", e.Name)
		}
		seen[e.Name] = true
	}
	if last, ok := m.Last(); ok && last.Name != m.LastStage {
		return nil, asrerr.Newf(asrerr.KindCorruptCheckpoint, "marker last stage %q does not match entries (%q)", m.LastStage, last.Name)
	}
	return &m, nil
}

func encodeMarker(m *Marker) ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal marker: %w", err)
	}
	return append(data, '\n'), nil
}
