// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock serializes pipeline runs on a checkpoint directory.
//
// A RunLock is an advisory flock(2) on <dir>/.asr.lock. The lock file also
// carries a JSON description of the holder, so a refused caller can report
// who holds the directory and a new holder can notice that the previous one
// died without releasing. While held, the lock watches the completion
// marker and reports modifications that did not come from an atomic
// replacement, which is how the checkpoint writer commits.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileName is the lock file created inside the locked directory.
const FileName = ".asr.lock"

// DefaultTTL bounds how long a holder's lock info is considered current.
const DefaultTTL = 24 * time.Hour

var (
	// ErrLocked is returned when another run holds the directory.
	ErrLocked = errors.New("checkpoint directory is locked by another run")

	// ErrReleased is returned by operations on a released lock.
	ErrReleased = errors.New("run lock already released")
)

// Info describes the holder of a lock.
type Info struct {
	PID        int       `json:"pid"`
	RunID      string    `json:"run_id"`
	Host       string    `json:"host,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the holder's TTL has passed.
func (i Info) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && now.After(i.ExpiresAt)
}

// Stale reports whether the info describes a holder that can no longer
// hold the lock: its process is gone or its TTL has passed.
func (i Info) Stale(now time.Time) bool {
	return i.Expired(now) || !processAlive(i.PID)
}

// LockError reports a refused acquisition.
type LockError struct {
	Dir    string
	Holder *Info
	Err    error
}

func (e *LockError) Error() string {
	if e.Holder == nil {
		return fmt.Sprintf("%s: %v", e.Dir, e.Err)
	}
	return fmt.Sprintf("%s: %v (pid %d, run %s, since %s)",
		e.Dir, e.Err, e.Holder.PID, e.Holder.RunID, e.Holder.AcquiredAt.Format(time.RFC3339))
}

func (e *LockError) Unwrap() error { return e.Err }

// ChangeEvent reports an external modification of a watched file.
type ChangeEvent struct {
	Path string
	Op   string
}

// Config configures Acquire.
type Config struct {
	// Dir is the directory to lock. Required.
	Dir string

	// RunID identifies the holder in the lock info.
	RunID string

	// TTL bounds the advertised hold time. Default: DefaultTTL.
	TTL time.Duration

	// Watch lists file names inside Dir to watch while the lock is held.
	Watch []string

	// OnChange is called from the watcher goroutine for every external
	// modification of a watched file. Optional.
	OnChange func(ChangeEvent)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// RunLock is a held directory lock.
//
// Thread Safety:
//
//	Release is safe to call concurrently and more than once.
type RunLock struct {
	path    string
	file    *os.File
	info    Info
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	watch   map[string]bool
	notify  func(ChangeEvent)
	done    chan struct{}

	mu       sync.Mutex
	released bool
}

// Acquire takes the run lock on cfg.Dir without blocking.
//
// Description:
//
//	Creates the lock file if needed and takes an exclusive flock on it. On
//	success the holder info is written into the file and the watcher is
//	started. Lock info left behind by a holder that died is logged and
//	overwritten.
//
// Inputs:
//
//	cfg - Lock configuration. Dir is required.
//
// Outputs:
//
//	*RunLock - The held lock. Call Release when done.
//	error - A *LockError wrapping ErrLocked if another run holds the lock.
func Acquire(cfg Config) (*RunLock, error) {
	if cfg.Dir == "" {
		return nil, errors.New("lock directory must not be empty")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory %s: %w", cfg.Dir, err)
	}

	path := filepath.Join(cfg.Dir, FileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}

	if err := flock(f); err != nil {
		previous, _ := readInfo(f)
		f.Close()
		if errors.Is(err, errWouldBlock) {
			return nil, &LockError{Dir: cfg.Dir, Holder: previous, Err: ErrLocked}
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	if previous, _ := readInfo(f); previous != nil {
		logger.Warn("replacing stale run lock",
			slog.String("dir", cfg.Dir),
			slog.Int("pid", previous.PID),
			slog.String("run_id", previous.RunID),
			slog.Bool("expired", previous.Expired(time.Now())),
		)
	}

	host, _ := os.Hostname()
	now := time.Now().UTC()
	l := &RunLock{
		path:   path,
		file:   f,
		logger: logger,
		notify: cfg.OnChange,
		info: Info{
			PID:        os.Getpid(),
			RunID:      cfg.RunID,
			Host:       host,
			AcquiredAt: now,
			ExpiresAt:  now.Add(cfg.TTL),
		},
	}
	if err := writeInfo(f, l.info); err != nil {
		l.unlock()
		return nil, fmt.Errorf("write lock info: %w", err)
	}
	if len(cfg.Watch) > 0 {
		if err := l.startWatch(cfg.Dir, cfg.Watch); err != nil {
			l.unlock()
			return nil, err
		}
	}

	logger.Debug("run lock acquired", slog.String("dir", cfg.Dir), slog.String("run_id", cfg.RunID))
	return l, nil
}

// Info returns the holder info written at acquisition.
func (l *RunLock) Info() Info { return l.info }

// Path returns the lock file path.
func (l *RunLock) Path() string { return l.path }

// Release stops the watcher, clears the holder info and unlocks.
//
// The lock file itself is kept: removing it would let a waiter that already
// opened the old inode and a new caller both hold a lock.
func (l *RunLock) Release() error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return nil
	}
	l.released = true
	l.mu.Unlock()

	if l.watcher != nil {
		if err := l.watcher.Close(); err != nil {
			l.logger.Warn("close marker watcher", slog.String("error", err.Error()))
		}
		<-l.done
	}
	if err := l.file.Truncate(0); err != nil {
		l.logger.Warn("clear lock info", slog.String("path", l.path), slog.String("error", err.Error()))
	}
	return l.unlock()
}

func (l *RunLock) unlock() error {
	err := funlock(l.file)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("release %s: %w", l.path, err)
	}
	return nil
}

// Inspect reads the holder info of dir's lock without acquiring it.
// It returns nil when the directory is not locked or the info is stale.
func Inspect(dir string) (*Info, error) {
	f, err := os.Open(filepath.Join(dir, FileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := readInfo(f)
	if err != nil || info == nil {
		return nil, err
	}
	if info.Stale(time.Now()) {
		return nil, nil
	}
	return info, nil
}

func (l *RunLock) startWatch(dir string, names []string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create marker watcher: %w", err)
	}
	// Watch the directory: atomic replacement swaps the inode, which would
	// silently end a watch on the file itself.
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	l.watch = make(map[string]bool, len(names))
	for _, n := range names {
		l.watch[n] = true
	}
	l.watcher = w
	l.done = make(chan struct{})
	go l.watchLoop()
	return nil
}

func (l *RunLock) watchLoop() {
	defer close(l.done)
	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			l.handle(event)
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("marker watcher error", slog.String("error", err.Error()))
		}
	}
}

// handle reports in-place writes, removals and permission changes. A Create
// on a watched name is an atomic replacement and belongs to the holder.
func (l *RunLock) handle(event fsnotify.Event) {
	if !l.watch[filepath.Base(event.Name)] {
		return
	}
	var op string
	switch {
	case event.Has(fsnotify.Write):
		op = "write"
	case event.Has(fsnotify.Remove):
		op = "remove"
	case event.Has(fsnotify.Chmod):
		op = "chmod"
	default:
		return
	}
	l.logger.Warn("external modification of locked checkpoint",
		slog.String("path", event.Name),
		slog.String("op", op),
		slog.String("run_id", l.info.RunID),
	)
	if l.notify != nil {
		l.notify(ChangeEvent{Path: event.Name, Op: op})
	}
}

func readInfo(f *os.File) (*Info, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(f)
	if err != nil || len(data) == 0 {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decode lock info: %w", err)
	}
	return &info, nil
}

func writeInfo(f *os.File, info Info) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt(append(data, '\n'), 0); err != nil {
		return err
	}
	return f.Sync()
}
