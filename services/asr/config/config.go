// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the YAML run configuration.
//
// There is no global instance: Load returns a *Config that callers thread
// through explicitly. Every field has a default, so an empty file is a
// valid configuration apart from the required seed table and database.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianASR/services/asr/telemetry"
)

// Config is the complete run configuration.
type Config struct {
	Run       RunConfig        `yaml:"run"`
	Tools     ToolsConfig      `yaml:"tools"`
	Species   SpeciesConfig    `yaml:"species"`
	Nicknames NicknameConfig   `yaml:"nicknames"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Journal   JournalConfig    `yaml:"journal"`
	Mirror    MirrorConfig     `yaml:"mirror"`
	Report    ReportConfig     `yaml:"report"`
	API       APIConfig        `yaml:"api"`
}

// RunConfig locates the run on disk and sets the conflict policy.
type RunConfig struct {
	// CheckpointDir holds the completion marker and snapshots.
	CheckpointDir string `yaml:"checkpoint_dir" validate:"required"`

	// WorkDir is where tools run. Each stage gets a subdirectory.
	WorkDir string `yaml:"work_dir" validate:"required"`

	// Seeds is the seed table loaded when no checkpoint exists.
	Seeds string `yaml:"seeds"`

	// ConflictPolicy applies to stages without an override.
	ConflictPolicy string `yaml:"conflict_policy" validate:"oneof=fatal warn"`

	// StagePolicies overrides ConflictPolicy per stage.
	StagePolicies map[string]string `yaml:"stage_policies" validate:"dive,keys,asrstage,endkeys,oneof=fatal warn"`

	LockTTL time.Duration `yaml:"lock_ttl" validate:"gte=0"`
}

// Policy returns the conflict policy of a stage.
func (r RunConfig) Policy(stage string) string {
	if p, ok := r.StagePolicies[stage]; ok {
		return p
	}
	return r.ConflictPolicy
}

// ToolConfig is shared by every external tool.
type ToolConfig struct {
	Executable string        `yaml:"executable" validate:"required"`
	Args       []string      `yaml:"args,omitempty"`
	Threads    int           `yaml:"threads" validate:"gte=0"`
	Timeout    time.Duration `yaml:"timeout" validate:"required,gt=0"`
}

// SearchTool configures the BLAST database search.
type SearchTool struct {
	ToolConfig `yaml:",inline"`

	Database    string  `yaml:"database" validate:"required"`
	Program     string  `yaml:"program" validate:"oneof=blastp blastn blastx tblastn tblastx"`
	HitlistSize int     `yaml:"hitlist_size" validate:"gt=0"`
	EValue      float64 `yaml:"evalue" validate:"gt=0"`
	GapOpen     int     `yaml:"gap_open" validate:"gte=0"`
	GapExtend   int     `yaml:"gap_extend" validate:"gte=0"`
	BlockSize   int     `yaml:"block_size" validate:"gt=0"`
}

// AlignTool configures MAFFT.
type AlignTool struct {
	ToolConfig `yaml:",inline"`

	Options []string `yaml:"options"`
}

// InferTool configures gene tree inference.
type InferTool struct {
	ToolConfig `yaml:",inline"`

	Model string `yaml:"model" validate:"required"`
	Seed  int64  `yaml:"seed"`
}

// ReconcileTool configures gene/species tree reconciliation.
type ReconcileTool struct {
	ToolConfig `yaml:",inline"`

	Model    string `yaml:"model" validate:"required"`
	RecModel string `yaml:"rec_model" validate:"required"`

	// Launcher runs GeneRax under MPI when Threads > 1. Empty runs one
	// process.
	Launcher  []string `yaml:"launcher,omitempty" validate:"dive,required"`
	ProcsFlag string   `yaml:"procs_flag"`
}

// AncestorsTool configures ancestral state inference.
type AncestorsTool struct {
	ToolConfig `yaml:",inline"`

	Model     string  `yaml:"model" validate:"required"`
	AltCutoff float64 `yaml:"alt_cutoff" validate:"gte=0,lte=1"`
}

// ToolsConfig holds one section per stage.
type ToolsConfig struct {
	Search    SearchTool    `yaml:"search"`
	Align     AlignTool     `yaml:"align"`
	Infer     InferTool     `yaml:"infer"`
	Reconcile ReconcileTool `yaml:"reconcile"`
	Ancestors AncestorsTool `yaml:"ancestors"`
}

// SpeciesConfig selects the species tree source. A StaticTree file takes
// precedence over the remote service.
type SpeciesConfig struct {
	Endpoint   string        `yaml:"endpoint" validate:"omitempty,url"`
	StaticTree string        `yaml:"static_tree"`
	Rate       float64       `yaml:"rate" validate:"gt=0"`
	Burst      int           `yaml:"burst" validate:"gt=0"`
	Timeout    time.Duration `yaml:"timeout" validate:"gt=0"`
}

// NicknameConfig configures paralog nicknames. Empty Patterns disables
// them.
type NicknameConfig struct {
	Patterns    map[string][]string `yaml:"patterns" validate:"dive,keys,required,endkeys,min=1,dive,required"`
	IgnoreCase  bool                `yaml:"ignore_case"`
	Separator   string              `yaml:"separator"`
	Unassigned  string              `yaml:"unassigned"`
	SourceField string              `yaml:"source_field"`
	OutputField string              `yaml:"output_field"`
}

// JournalConfig configures the attempt journal.
type JournalConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path" validate:"required_if=Enabled true"`
	SyncWrites bool   `yaml:"sync_writes"`
}

// MirrorConfig configures off-host checkpoint copies.
type MirrorConfig struct {
	Backend string `yaml:"backend" validate:"oneof=none gcs s3"`
	Bucket  string `yaml:"bucket" validate:"required_unless=Backend none"`
	Prefix  string `yaml:"prefix"`

	// GCS
	CredentialsFile string `yaml:"credentials_file"`

	// S3 and S3-compatible stores
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint" validate:"omitempty,url"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// ReportConfig configures SQL export.
type ReportConfig struct {
	Driver string `yaml:"driver" validate:"oneof=sqlite pgx"`
	DSN    string `yaml:"dsn"`
}

// APIConfig configures the status service.
type APIConfig struct {
	Addr string `yaml:"addr" validate:"required,hostname_port"`
}

// Default returns the configuration used for any field a file leaves out.
func Default() *Config {
	tool := func(exe string, timeout time.Duration) ToolConfig {
		return ToolConfig{Executable: exe, Threads: 1, Timeout: timeout}
	}
	return &Config{
		Run: RunConfig{
			CheckpointDir:  "asr-run/checkpoints",
			WorkDir:        "asr-run/work",
			ConflictPolicy: "fatal",
			LockTTL:        24 * time.Hour,
		},
		Tools: ToolsConfig{
			Search: SearchTool{
				ToolConfig:  tool("blastp", 2*time.Hour),
				Program:     "blastp",
				HitlistSize: 50,
				EValue:      0.001,
				GapOpen:     11,
				GapExtend:   1,
				BlockSize:   20,
			},
			Align:     AlignTool{ToolConfig: tool("mafft", time.Hour), Options: []string{"--auto"}},
			Infer:     InferTool{ToolConfig: tool("raxml-ng", 6*time.Hour), Model: "LG"},
			Reconcile: ReconcileTool{
				ToolConfig: tool("generax", 6*time.Hour),
				Model:      "LG",
				RecModel:   "UndatedDL",
				Launcher:   []string{"mpiexec"},
				ProcsFlag:  "-np",
			},
			Ancestors: AncestorsTool{ToolConfig: tool("raxml-ng", 2*time.Hour), Model: "LG", AltCutoff: 0.25},
		},
		Species: SpeciesConfig{
			Endpoint: "https://api.opentreeoflife.org",
			Rate:     2,
			Burst:    1,
			Timeout:  30 * time.Second,
		},
		Nicknames: NicknameConfig{IgnoreCase: true},
		Telemetry: telemetry.DefaultConfig(),
		Journal:   JournalConfig{Enabled: true, Path: "asr-run/journal", SyncWrites: true},
		Mirror:    MirrorConfig{Backend: "none"},
		Report:    ReportConfig{Driver: "sqlite", DSN: "asr-run/report.db"},
		API:       APIConfig{Addr: "127.0.0.1:8080"},
	}
}

// Load reads a YAML file over Default and validates the result.
//
// Description:
//
//	Relative paths in the file are resolved against the file's directory,
//	so a run directory can be moved as a whole.
//
// Inputs:
//
//	path - YAML file. Unknown keys are rejected.
//
// Outputs:
//
//	*Config - The validated configuration.
//	error - Read, parse or validation failure. Validation failures wrap
//	        ErrInvalid.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg := Default()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	cfg.resolve(filepath.Dir(abs))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolve makes relative paths absolute against base.
func (c *Config) resolve(base string) {
	for _, p := range []*string{
		&c.Run.CheckpointDir,
		&c.Run.WorkDir,
		&c.Run.Seeds,
		&c.Tools.Search.Database,
		&c.Species.StaticTree,
		&c.Journal.Path,
		&c.Mirror.CredentialsFile,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	if c.Report.Driver == "sqlite" && c.Report.DSN != "" && !filepath.IsAbs(c.Report.DSN) {
		c.Report.DSN = filepath.Join(base, c.Report.DSN)
	}
}

// Marshal renders the configuration as YAML, for `asr config` style dumps
// and for writing a starter file.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
