// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package adapters

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianASR/services/asr/asrerr"
	"github.com/AleutianAI/AleutianASR/services/asr/records"
)

// fakeExecutor records commands and delegates to fn.
type fakeExecutor struct {
	mu    sync.Mutex
	calls []Command
	fn    func(ctx context.Context, cmd Command) (*ProcessResult, error)
}

func (f *fakeExecutor) Run(ctx context.Context, cmd Command) (*ProcessResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	f.mu.Unlock()
	if f.fn == nil {
		return &ProcessResult{}, nil
	}
	return f.fn(ctx, cmd)
}

func (f *fakeExecutor) Calls() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.calls...)
}

// argValue returns the value following flag in args.
func argValue(args []string, flag string) string {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func writeOut(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func rec(id, seq string, fields ...string) records.Record {
	r := records.Record{ID: id, Sequence: seq, Keep: true, Annotations: map[string]string{}}
	for i := 0; i+1 < len(fields); i += 2 {
		r.Annotations[fields[i]] = fields[i+1]
	}
	return r
}

func aligned(r records.Record, row string) records.Record {
	r.Aligned = row
	return r
}

func invocation(t *testing.T, stage Kind) Invocation {
	return Invocation{
		Stage:   string(stage),
		Timeout: 5 * time.Second,
		WorkDir: t.TempDir(),
		Threads: 2,
	}
}

func TestRun_ClassifiesFailures(t *testing.T) {
	inv := Invocation{Stage: "align", Timeout: 20 * time.Millisecond}

	t.Run("timeout", func(t *testing.T) {
		ex := &fakeExecutor{fn: func(ctx context.Context, cmd Command) (*ProcessResult, error) {
			<-ctx.Done()
			return &ProcessResult{ExitCode: -1}, errors.New("signal: killed")
		}}
		ctx, cancel, err := withTimeout(context.Background(), inv)
		require.NoError(t, err)
		defer cancel()

		_, err = run(ctx, ex, inv, Command{Path: "/usr/bin/mafft"})
		require.Error(t, err)
		assert.ErrorIs(t, err, asrerr.ErrToolTimeout)
		assert.NotErrorIs(t, err, asrerr.ErrToolInvocationFailed)
		assert.Equal(t, "align", asrerr.StageOf(err))
	})

	t.Run("non-zero exit", func(t *testing.T) {
		ex := &fakeExecutor{fn: func(ctx context.Context, cmd Command) (*ProcessResult, error) {
			return &ProcessResult{Stderr: []byte("fatal: bad input\n"), ExitCode: 1}, errors.New("exit status 1")
		}}
		_, err := run(context.Background(), ex, inv, Command{Path: "mafft"})
		require.Error(t, err)
		assert.ErrorIs(t, err, asrerr.ErrToolInvocationFailed)
		assert.Contains(t, err.Error(), "fatal: bad input")
	})

	t.Run("caller cancellation is not a tool error", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		ex := &fakeExecutor{fn: func(ctx context.Context, cmd Command) (*ProcessResult, error) {
			cancel()
			return nil, ctx.Err()
		}}
		_, err := run(ctx, ex, inv, Command{Path: "mafft"})
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, asrerr.ErrToolError)
	})
}

func TestWithTimeout_RequiresTimeout(t *testing.T) {
	_, _, err := withTimeout(context.Background(), Invocation{Stage: "search"})
	require.Error(t, err)
	assert.ErrorIs(t, err, asrerr.ErrToolInvocationFailed)
}

func TestCollect_MissingOutputIsUnparseable(t *testing.T) {
	inv := Invocation{Stage: "infer", WorkDir: t.TempDir()}
	_, err := collect(inv, "asr.raxml.bestTree")
	require.Error(t, err)
	assert.ErrorIs(t, err, asrerr.ErrToolOutputUnparseable)
}

func TestTailWriter_KeepsLastBytes(t *testing.T) {
	w := &tailWriter{limit: 4}
	_, _ = w.Write([]byte("abc"))
	_, _ = w.Write([]byte("defg"))
	assert.Equal(t, "defg", string(w.Bytes()))
}

func TestParseFASTA(t *testing.T) {
	entries, err := parseFASTA([]byte(">a desc\nMK\nVL\n\n>b\nmk v\n"))
	require.NoError(t, err)
	assert.Equal(t, []fastaEntry{{Name: "a", Sequence: "MKVL"}, {Name: "b", Sequence: "mkv"}}, entries)

	_, err = parseFASTA([]byte("MK\n>a\nMK\n"))
	assert.ErrorIs(t, err, errFASTANoHeader)
	_, err = parseFASTA([]byte(">a\nMK\n>a\nMK\n"))
	assert.ErrorIs(t, err, errFASTADuplicate)
	_, err = parseFASTA([]byte(">\nMK\n"))
	assert.ErrorIs(t, err, errFASTAEmptyName)
}
