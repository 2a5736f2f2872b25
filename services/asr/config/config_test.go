// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "asr.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const minimal = `
tools:
  search:
    database: db/refseq
`

func TestLoad_Minimal(t *testing.T) {
	path := writeConfig(t, minimal)

	cfg, err := Load(path)
	require.NoError(t, err)

	base := filepath.Dir(path)
	assert.Equal(t, filepath.Join(base, "db/refseq"), cfg.Tools.Search.Database)
	assert.Equal(t, filepath.Join(base, "asr-run/checkpoints"), cfg.Run.CheckpointDir)
	assert.Equal(t, filepath.Join(base, "asr-run/report.db"), cfg.Report.DSN)
	assert.Equal(t, "blastp", cfg.Tools.Search.Executable)
	assert.Equal(t, 2*time.Hour, cfg.Tools.Search.Timeout)
	assert.Equal(t, "fatal", cfg.Run.Policy("align"))
	assert.Equal(t, []string{"mpiexec"}, cfg.Tools.Reconcile.Launcher)
}

func TestLoad_Overrides(t *testing.T) {
	path := writeConfig(t, `
run:
  checkpoint_dir: /data/run1/ckpt
  conflict_policy: warn
  stage_policies:
    reconcile: fatal
tools:
  search:
    database: /data/db
    timeout: 45m
    hitlist_size: 500
  reconcile:
    launcher: [srun, --mpi=pmix]
    procs_flag: -n
  ancestors:
    alt_cutoff: 0.2
nicknames:
  patterns:
    LY96: ["lymphocyte antigen 96", "MD-2"]
mirror:
  backend: s3
  bucket: asr-checkpoints
  region: us-west-2
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/data/run1/ckpt", cfg.Run.CheckpointDir)
	assert.Equal(t, 45*time.Minute, cfg.Tools.Search.Timeout)
	assert.Equal(t, 500, cfg.Tools.Search.HitlistSize)
	assert.Equal(t, 0.2, cfg.Tools.Ancestors.AltCutoff)
	assert.Equal(t, []string{"srun", "--mpi=pmix"}, cfg.Tools.Reconcile.Launcher)
	assert.Equal(t, "-n", cfg.Tools.Reconcile.ProcsFlag)
	assert.Equal(t, "warn", cfg.Run.Policy("align"))
	assert.Equal(t, "fatal", cfg.Run.Policy("reconcile"))
	assert.Equal(t, []string{"lymphocyte antigen 96", "MD-2"}, cfg.Nicknames.Patterns["LY96"])
	// untouched defaults survive a partial section
	assert.Equal(t, "blastp", cfg.Tools.Search.Program)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing database", `run: {conflict_policy: warn}`, "Tools.Search.Database"},
		{"zero timeout", minimal + "  align:\n    timeout: 0s\n", "Timeout: failed required"},
		{"bad policy", minimal + "run:\n  conflict_policy: ignore\n", "Run.ConflictPolicy"},
		{"unknown stage policy", minimal + "run:\n  stage_policies:\n    polish: warn\n", "asrstage"},
		{"alt cutoff range", minimal + "  ancestors:\n    alt_cutoff: 1.5\n", "Tools.Ancestors.AltCutoff"},
		{"mirror without bucket", minimal + "mirror:\n  backend: gcs\n", "Mirror.Bucket"},
		{"s3 without region", minimal + "mirror:\n  backend: s3\n  bucket: b\n", "Mirror.Region"},
		{"empty nickname", minimal + "nicknames:\n  patterns:\n    LY96: []\n", "Nicknames.Patterns"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_UnknownKey(t *testing.T) {
	_, err := Load(writeConfig(t, minimal+"colour: blue\n"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalid)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestMarshal_RoundTrips(t *testing.T) {
	cfg := Default()
	cfg.Tools.Search.Database = "/db"

	data, err := cfg.Marshal()
	require.NoError(t, err)

	cfg2, err := Load(writeConfig(t, string(data)))
	require.NoError(t, err)
	assert.Equal(t, cfg.Tools, cfg2.Tools)
}
