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
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianASR/services/asr/asrerr"
)

// stderrTailBytes bounds the diagnostic kept from a failing tool.
const stderrTailBytes = 4096

// Command is one external process invocation.
type Command struct {
	Path  string
	Args  []string
	Dir   string
	Stdin []byte
}

// String renders the command line for logs.
func (c Command) String() string {
	return strings.TrimSpace(c.Path + " " + strings.Join(c.Args, " "))
}

// ProcessResult is the captured outcome of a process.
type ProcessResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Executor runs external processes.
//
// Description:
//
//	Abstracts os/exec so adapters can be tested without the real tools.
//	Run must honor ctx cancellation and return a non-nil error for a
//	non-zero exit, together with whatever output was captured.
//
// Thread Safety:
//
//	Implementations must be safe for concurrent use; the search adapter
//	runs blocks in parallel.
type Executor interface {
	Run(ctx context.Context, cmd Command) (*ProcessResult, error)
}

// DefaultExecutor runs real processes with os/exec.
type DefaultExecutor struct{}

// Run executes the command and waits for it to exit.
func (DefaultExecutor) Run(ctx context.Context, c Command) (*ProcessResult, error) {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	if c.Stdin != nil {
		cmd.Stdin = bytes.NewReader(c.Stdin)
	}

	var stdout bytes.Buffer
	stderr := &tailWriter{limit: stderrTailBytes}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	res := &ProcessResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
		return res, err
	}
	return res, nil
}

// tailWriter keeps the last limit bytes written to it.
type tailWriter struct {
	buf   []byte
	limit int
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	if over := len(w.buf) - w.limit; over > 0 {
		w.buf = w.buf[over:]
	}
	return len(p), nil
}

func (w *tailWriter) Bytes() []byte {
	return w.buf
}

// withTimeout derives the invocation context. A missing timeout is a
// configuration error; tools never wait forever.
func withTimeout(ctx context.Context, inv Invocation) (context.Context, context.CancelFunc, error) {
	if inv.Timeout <= 0 {
		return nil, nil, asrerr.New(asrerr.KindToolInvocationFailed, "no timeout configured").WithStage(inv.Stage)
	}
	ctx, cancel := context.WithTimeout(ctx, inv.Timeout)
	return ctx, cancel, nil
}

// run executes one command and classifies its failure.
//
// Description:
//
//	The classification order matters: a process killed because the
//	deadline passed also reports a non-zero exit, so the context is
//	checked first. Cancellation by the caller is returned as the context
//	error rather than a tool failure.
//
// Outputs:
//
//	*ProcessResult - Captured output, also on failure when available.
//	error - ToolTimeout, ToolInvocationFailed, or the context error.
func run(ctx context.Context, ex Executor, inv Invocation, cmd Command) (*ProcessResult, error) {
	log := inv.logger()
	start := time.Now()
	log.Debug("running tool",
		slog.String("stage", inv.Stage),
		slog.String("command", cmd.String()),
		slog.Duration("timeout", inv.Timeout),
	)

	res, err := ex.Run(ctx, cmd)
	if res == nil {
		res = &ProcessResult{}
	}
	if err == nil {
		log.Debug("tool finished",
			slog.String("stage", inv.Stage),
			slog.Duration("elapsed", time.Since(start)),
		)
		return res, nil
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		log.Warn("tool timed out",
			slog.String("stage", inv.Stage),
			slog.Duration("timeout", inv.Timeout),
		)
		return res, asrerr.Wrap(asrerr.KindToolTimeout, ctx.Err(),
			fmt.Sprintf("%s exceeded %s", filepath.Base(cmd.Path), inv.Timeout)).WithStage(inv.Stage)
	case errors.Is(ctx.Err(), context.Canceled):
		return res, fmt.Errorf("stage %s: %w", inv.Stage, ctx.Err())
	}

	diag := strings.TrimSpace(string(res.Stderr))
	if diag == "" {
		diag = fmt.Sprintf("%s exited with code %d", filepath.Base(cmd.Path), res.ExitCode)
	}
	log.Warn("tool failed",
		slog.String("stage", inv.Stage),
		slog.Int("exit_code", res.ExitCode),
		slog.String("error", err.Error()),
	)
	return res, asrerr.Wrap(asrerr.KindToolInvocationFailed, err, diag).WithStage(inv.Stage)
}

// materialize writes input files into the work directory.
func materialize(inv Invocation, files map[string][]byte) error {
	if err := os.MkdirAll(inv.WorkDir, 0o755); err != nil {
		return asrerr.Wrap(asrerr.KindToolInvocationFailed, err, "creating work dir").WithStage(inv.Stage)
	}
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		path := filepath.Join(inv.WorkDir, name)
		if err := os.WriteFile(path, files[name], 0o644); err != nil {
			return asrerr.Wrap(asrerr.KindToolInvocationFailed, err, "writing "+name).WithStage(inv.Stage)
		}
	}
	return nil
}

// collect reads tool output files from the work directory. A missing file
// after a zero exit means the output is not what the tool documents.
func collect(inv Invocation, names ...string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(inv.WorkDir, name))
		if err != nil {
			return nil, asrerr.Wrap(asrerr.KindToolOutputUnparseable, err, "missing output "+name).WithStage(inv.Stage)
		}
		out[name] = data
	}
	return out, nil
}

// unparseable builds a ToolOutputUnparseable error.
func unparseable(stage Kind, format string, args ...any) error {
	return asrerr.Newf(asrerr.KindToolOutputUnparseable, format, args...).WithStage(string(stage))
}

func executable(inv Invocation, fallback string) string {
	if inv.Executable != "" {
		return inv.Executable
	}
	return fallback
}
