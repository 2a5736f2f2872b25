// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package checkpoint persists the pipeline state after each stage.
//
// # Layout
//
//	<dir>/COMPLETED.json                  completion marker
//	<dir>/snapshots/<NN>-<stage>/records.tsv
//	<dir>/snapshots/<NN>-<stage>/trees.tsv
//
// Snapshots are written into a staging directory, synced, and renamed into
// place. The marker is replaced last with a synced temp file and a rename,
// so a crash at any point leaves the previous marker and every snapshot it
// lists intact.
package checkpoint

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianASR/services/asr/asrerr"
	"github.com/AleutianAI/AleutianASR/services/asr/records"
	"github.com/AleutianAI/AleutianASR/services/asr/telemetry"
	"github.com/AleutianAI/AleutianASR/services/asr/tree"
)

// File and directory names inside a checkpoint directory.
const (
	MarkerFile   = "COMPLETED.json"
	SnapshotsDir = "snapshots"
	RecordsFile  = "records.tsv"
	TreesFile    = "trees.tsv"
)

// ErrNoCheckpoint is returned by Load when no stage has completed.
var ErrNoCheckpoint = errors.New("no checkpoint")

var tracer = otel.Tracer("aleutian.asr.checkpoint")

// Snapshot is the restorable pipeline state.
type Snapshot struct {
	Store *records.Store
	Trees tree.Set
}

// Dir is a checkpoint directory.
//
// Thread Safety:
//
//	Not safe for concurrent writers. The orchestrator serializes runs on a
//	directory with a run lock.
type Dir struct {
	root   string
	logger *slog.Logger
	now    func() time.Time
}

// Open prepares a checkpoint directory, creating it if needed.
func Open(root string, logger *slog.Logger) (*Dir, error) {
	if root == "" {
		return nil, fmt.Errorf("checkpoint directory must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Join(root, SnapshotsDir), 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	return &Dir{root: root, logger: logger, now: time.Now}, nil
}

// Root returns the directory path.
func (d *Dir) Root() string { return d.root }

// MarkerPath returns the path of the completion marker.
func (d *Dir) MarkerPath() string { return filepath.Join(d.root, MarkerFile) }

// SnapshotPath returns the absolute path of a snapshot directory named in
// the marker.
func (d *Dir) SnapshotPath(snapshot string) string {
	return filepath.Join(d.root, SnapshotsDir, snapshot)
}

// Marker reads the completion marker. A missing marker yields an empty
// marker for runID.
func (d *Dir) Marker(runID string) (*Marker, error) {
	data, err := os.ReadFile(d.MarkerPath())
	if errors.Is(err, os.ErrNotExist) {
		return &Marker{Version: FormatVersion, RunID: runID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read completion marker: %w", err)
	}
	return decodeMarker(data)
}

// Save writes a snapshot for a completed stage and commits it to the
// marker.
//
// Description:
//
//	Entries for stage and any stage after it are invalidated first, so the
//	marker never lists a snapshot older than one of its predecessors.
//
// Inputs:
//
//	ctx - Checked before the marker is replaced.
//	runID - Recorded on a new marker.
//	index - Zero-based stage position, used in the snapshot name.
//	entry - Name, Status, Dropped and Conflicts. Other fields are filled in.
//	snap - State to persist.
//
// Outputs:
//
//	*Marker - The committed marker.
//	error - Non-nil if nothing was committed. A gene or reconciled tree
//	        whose leaves are not live records is MalformedTopology.
func (d *Dir) Save(ctx context.Context, runID string, index int, entry StageEntry, snap Snapshot) (*Marker, error) {
	ctx, span := tracer.Start(ctx, "checkpoint.save",
		trace.WithAttributes(attribute.String("asr.stage", entry.Name)),
	)
	defer span.End()

	if entry.Name == "" || snap.Store == nil {
		return nil, fmt.Errorf("checkpoint save: stage name and store are required")
	}
	if _, err := liveLeaves(snap.Trees, snap.Store); err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("checkpoint save: %w", err)
	}

	var recs, trees bytes.Buffer
	if err := snap.Store.Export(&recs); err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("export records: %w", err)
	}
	if err := WriteTrees(&trees, snap.Trees); err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("export trees: %w", err)
	}

	marker, err := d.Marker(runID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if _, ok := marker.Stage(entry.Name); ok {
		if marker, err = d.Invalidate(entry.Name); err != nil {
			return nil, err
		}
	}

	entry.Snapshot = fmt.Sprintf("%02d-%s", index+1, entry.Name)
	entry.RecordsSHA256 = digest(recs.Bytes())
	entry.TreesSHA256 = digest(trees.Bytes())
	entry.CompletedAt = d.now().UTC()

	if err := d.writeSnapshot(entry.Snapshot, recs.Bytes(), trees.Bytes()); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if runID != "" {
		marker.RunID = runID
	}
	marker.Version = FormatVersion
	marker.Stages = append(marker.Stages, entry)
	marker.touch()
	if err := d.writeMarker(marker); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	d.logger.Info("checkpoint written",
		slog.String("stage", entry.Name),
		slog.String("snapshot", entry.Snapshot),
		slog.String("run_id", marker.RunID),
	)
	return marker, nil
}

// Load restores the state of the last completed stage.
//
// Outputs:
//
//	*Marker - The verified marker.
//	Snapshot - Restored store and trees.
//	error - ErrNoCheckpoint if no stage completed; CorruptCheckpoint on a
//	        version mismatch, checksum mismatch, malformed table or
//	        malformed topology.
func (d *Dir) Load(ctx context.Context) (*Marker, Snapshot, error) {
	marker, err := d.Marker("")
	if err != nil {
		return nil, Snapshot{}, err
	}
	last, ok := marker.Last()
	if !ok {
		return marker, Snapshot{}, ErrNoCheckpoint
	}
	snap, err := d.LoadStage(ctx, last)
	if err != nil {
		return nil, Snapshot{}, err
	}
	return marker, snap, nil
}

// LoadStage restores and verifies the snapshot of one marker entry.
func (d *Dir) LoadStage(ctx context.Context, entry StageEntry) (Snapshot, error) {
	_, span := tracer.Start(ctx, "checkpoint.load",
		trace.WithAttributes(attribute.String("asr.stage", entry.Name)),
	)
	defer span.End()

	dir := d.SnapshotPath(entry.Snapshot)
	recs, err := readVerified(filepath.Join(dir, RecordsFile), entry.RecordsSHA256)
	if err != nil {
		telemetry.RecordError(span, err)
		return Snapshot{}, err
	}
	treeData, err := readVerified(filepath.Join(dir, TreesFile), entry.TreesSHA256)
	if err != nil {
		telemetry.RecordError(span, err)
		return Snapshot{}, err
	}

	store, err := records.Import(bytes.NewReader(recs))
	if err != nil {
		telemetry.RecordError(span, err)
		return Snapshot{}, err
	}
	trees, err := ReadTrees(bytes.NewReader(treeData))
	if err != nil {
		telemetry.RecordError(span, err)
		return Snapshot{}, err
	}
	if trees, err = liveLeaves(trees, store); err != nil {
		err = asrerr.Wrap(asrerr.KindCorruptCheckpoint, err, fmt.Sprintf("snapshot %s", entry.Snapshot))
		telemetry.RecordError(span, err)
		return Snapshot{}, err
	}
	return Snapshot{Store: store, Trees: trees}, nil
}

// liveLeaves rebuilds the gene and reconciled trees against the kept
// records of store: every leaf must be exactly one live record and no
// internal node may carry a record identifier.
func liveLeaves(set tree.Set, store *records.Store) (tree.Set, error) {
	kept := store.View().IDSet()
	for _, kind := range []tree.Kind{tree.KindGene, tree.KindReconciled} {
		t := set.Get(kind)
		if t == nil {
			continue
		}
		rebuilt, err := tree.Build(tree.Parsed{Edges: t.Edges()}, tree.BuildOptions{Kind: kind, Leaves: kept})
		if err != nil {
			return set, fmt.Errorf("%s tree: %w", kind, err)
		}
		set = set.With(kind, rebuilt)
	}
	return set, nil
}

// Invalidate removes stage and every later stage from the marker, then
// deletes their snapshots. Earlier snapshots are untouched. Invalidating a
// stage that has no entry is a no-op.
func (d *Dir) Invalidate(stage string) (*Marker, error) {
	marker, err := d.Marker("")
	if err != nil {
		return nil, err
	}
	removed := marker.truncate(stage)
	if len(removed) == 0 {
		return marker, nil
	}
	if err := d.writeMarker(marker); err != nil {
		return nil, err
	}
	for _, e := range removed {
		if err := os.RemoveAll(d.SnapshotPath(e.Snapshot)); err != nil {
			// The marker no longer lists it; a leftover directory is only
			// disk space.
			d.logger.Warn("could not remove invalidated snapshot",
				slog.String("snapshot", e.Snapshot),
				slog.String("error", err.Error()),
			)
		}
	}
	d.logger.Info("checkpoints invalidated",
		slog.String("from_stage", stage),
		slog.Int("stages", len(removed)),
	)
	return marker, nil
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func readVerified(path, want string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, asrerr.Wrap(asrerr.KindCorruptCheckpoint, err, "read "+filepath.Base(path))
	}
	if got := digest(data); got != want {
		return nil, asrerr.Newf(asrerr.KindCorruptCheckpoint, "%s checksum %s, marker says %s", filepath.Base(path), got, want)
	}
	return data, nil
}

// writeSnapshot stages both tables in a temp directory and renames it to
// its final name, replacing any leftover directory the marker does not
// reference.
func (d *Dir) writeSnapshot(name string, recs, trees []byte) error {
	parent := filepath.Join(d.root, SnapshotsDir)
	staging, err := os.MkdirTemp(parent, ".staging-*")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	success := false
	defer func() {
		if !success {
			os.RemoveAll(staging)
		}
	}()

	if err := writeSynced(filepath.Join(staging, RecordsFile), recs); err != nil {
		return err
	}
	if err := writeSynced(filepath.Join(staging, TreesFile), trees); err != nil {
		return err
	}
	if err := syncDir(staging); err != nil {
		return err
	}

	final := filepath.Join(parent, name)
	if err := os.RemoveAll(final); err != nil {
		return fmt.Errorf("remove stale snapshot: %w", err)
	}
	if err := os.Rename(staging, final); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	success = true
	return syncDir(parent)
}

// writeMarker replaces the marker atomically: temp file, sync, rename.
func (d *Dir) writeMarker(m *Marker) error {
	data, err := encodeMarker(m)
	if err != nil {
		return err
	}
	tempFile, err := os.CreateTemp(d.root, ".marker-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp marker: %w", err)
	}
	tempPath := tempFile.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("write marker: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return fmt.Errorf("sync marker: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close marker: %w", err)
	}
	if err := os.Rename(tempPath, d.MarkerPath()); err != nil {
		return fmt.Errorf("rename marker: %w", err)
	}
	success = true
	return syncDir(d.root)
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

// syncDir makes a rename inside dir durable.
func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open %s: %w", dir, err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", dir, err)
	}
	return nil
}
