// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package journal keeps a persistent log of stage attempts.
//
// Checkpoints only describe stages that succeeded. The journal records every
// attempt, including failures and cancellations, so operators can see why a
// run stopped and how often a stage was retried. It is stored in BadgerDB
// next to the checkpoint directory.
//
// Key layout:
//
//	attempt/<run id>/<seq>    JSON Attempt, seq zero-padded for ordering
//	latest/<stage>            JSON Attempt, most recent attempt of a stage
//	run/<run id>              first attempt time of a run
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Attempt is one execution of a stage.
type Attempt struct {
	Seq       uint64        `json:"seq"`
	RunID     string        `json:"run_id"`
	Stage     string        `json:"stage"`
	Status    string        `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Dropped   int           `json:"dropped"`
	Conflicts int           `json:"conflicts"`
	Snapshot  string        `json:"snapshot,omitempty"`
	Error     string        `json:"error,omitempty"`
	ErrorKind string        `json:"error_kind,omitempty"`
}

// Run summarizes the attempts of one run.
type Run struct {
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
}

// Config holds journal storage options.
type Config struct {
	// Path is the BadgerDB directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps the journal in memory, for tests.
	InMemory bool

	// SyncWrites fsyncs every attempt. Default: true.
	SyncWrites bool

	// GCInterval triggers value log GC periodically. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the garbage ratio that triggers a rewrite.
	GCDiscardRatio float64

	// Logger defaults to slog.Default(). BadgerDB's internal logging is
	// bridged only when Logger is set.
	Logger *slog.Logger
}

// DefaultConfig returns durable production settings for a journal at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a journal configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// Journal is a badger-backed attempt log.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Journal struct {
	db     *badger.DB
	seq    *badger.Sequence
	logger *slog.Logger
	stop   chan struct{}
	done   chan struct{}
}

// Open opens or creates a journal.
//
// Description:
//
//	Opens BadgerDB with the configured durability and starts value log GC
//	when GCInterval is set on a persistent journal.
//
// Inputs:
//
//	cfg - Journal configuration. Path is required unless InMemory is true.
//
// Outputs:
//
//	*Journal - The opened journal. Call Close when done.
//	error - Non-nil if the database cannot be opened.
func Open(cfg Config) (*Journal, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("journal path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create journal directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger.With(slog.String("component", "badger"))})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	seq, err := db.GetSequence([]byte("seq/attempt"), 64)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open attempt sequence: %w", err)
	}

	j := &Journal{db: db, seq: seq, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		j.stop = make(chan struct{})
		j.done = make(chan struct{})
		go j.gcLoop(cfg.GCInterval, ratio)
	}
	return j, nil
}

// Close stops GC, releases the sequence lease and closes the database.
func (j *Journal) Close() error {
	if j.stop != nil {
		close(j.stop)
		<-j.done
	}
	if err := j.seq.Release(); err != nil {
		j.logger.Warn("release attempt sequence", slog.String("error", err.Error()))
	}
	return j.db.Close()
}

// Record appends an attempt and updates the stage's latest attempt.
//
// Outputs:
//
//	Attempt - The stored attempt with its sequence number.
//	error - Non-nil if the attempt was not stored.
func (j *Journal) Record(ctx context.Context, a Attempt) (Attempt, error) {
	if err := ctx.Err(); err != nil {
		return Attempt{}, err
	}
	if a.RunID == "" || a.Stage == "" {
		return Attempt{}, errors.New("attempt needs a run id and a stage")
	}
	next, err := j.seq.Next()
	if err != nil {
		return Attempt{}, fmt.Errorf("next attempt sequence: %w", err)
	}
	// Sequence numbers start at 0; keep 0 free as "unset".
	a.Seq = next + 1

	data, err := json.Marshal(a)
	if err != nil {
		return Attempt{}, fmt.Errorf("marshal attempt: %w", err)
	}
	err = j.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(attemptKey(a.RunID, a.Seq), data); err != nil {
			return err
		}
		if err := txn.Set(latestKey(a.Stage), data); err != nil {
			return err
		}
		runKey := []byte("run/" + a.RunID)
		if _, err := txn.Get(runKey); errors.Is(err, badger.ErrKeyNotFound) {
			started, _ := a.StartedAt.UTC().MarshalText()
			return txn.Set(runKey, started)
		} else if err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return Attempt{}, fmt.Errorf("record attempt: %w", err)
	}
	j.logger.Debug("attempt recorded",
		slog.String("run_id", a.RunID),
		slog.String("stage", a.Stage),
		slog.String("status", a.Status),
	)
	return a, nil
}

// Attempts returns the attempts of a run in recording order.
func (j *Journal) Attempts(ctx context.Context, runID string) ([]Attempt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := []byte("attempt/" + runID + "/")
	var out []Attempt
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var a Attempt
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &a) }); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Latest returns the most recent attempt of a stage across runs.
func (j *Journal) Latest(ctx context.Context, stage string) (Attempt, bool, error) {
	if err := ctx.Err(); err != nil {
		return Attempt{}, false, err
	}
	var a Attempt
	found := false
	err := j.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(latestKey(stage))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &a) })
	})
	if err != nil {
		return Attempt{}, false, fmt.Errorf("latest attempt of %s: %w", stage, err)
	}
	return a, found, nil
}

// Runs lists the journaled runs, most recent first.
func (j *Journal) Runs(ctx context.Context) ([]Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var runs []Run
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("run/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			r := Run{RunID: string(it.Item().Key()[len("run/"):])}
			if err := it.Item().Value(func(v []byte) error { return r.StartedAt.UnmarshalText(v) }); err != nil {
				return err
			}
			runs = append(runs, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	sort.SliceStable(runs, func(a, b int) bool { return runs[a].StartedAt.After(runs[b].StartedAt) })
	return runs, nil
}

func attemptKey(runID string, seq uint64) []byte {
	return fmt.Appendf(nil, "attempt/%s/%020d", runID, seq)
}

func latestKey(stage string) []byte {
	return []byte("latest/" + stage)
}

func (j *Journal) gcLoop(interval time.Duration, ratio float64) {
	defer close(j.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-j.stop:
			return
		case <-ticker.C:
			// ErrNoRewrite only means nothing was worth collecting.
			if err := j.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				j.logger.Warn("journal value log GC", slog.String("error", err.Error()))
			}
		}
	}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
