// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/AleutianASR/services/asr/pipeline"
	"github.com/AleutianAI/AleutianASR/services/asr/stage"
)

var (
	colorOK      = lipgloss.Color("#2CD7C7")
	colorTitle   = lipgloss.Color("#20B9B4")
	colorBorder  = lipgloss.Color("#16858E")
	colorWarning = lipgloss.Color("#F4D03F")
	colorError   = lipgloss.Color("#E74C3C")
	colorMuted   = lipgloss.Color("#2C4A54")

	styleTitle    = lipgloss.NewStyle().Bold(true).Foreground(colorTitle)
	styleMuted    = lipgloss.NewStyle().Foreground(colorMuted)
	styleBox      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorBorder).Padding(0, 1)
	styleErrorBox = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorError).Padding(0, 1)
)

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func statusIcon(s stage.Status) (string, lipgloss.Color) {
	switch s {
	case stage.StatusCompleted:
		return "✓", colorOK
	case stage.StatusPartiallyCompleted:
		return "⚠", colorWarning
	case stage.StatusFailed:
		return "✗", colorError
	case stage.StatusRunning:
		return "→", colorTitle
	default:
		return "○", colorMuted
	}
}

func stageLine(st pipeline.StageSummary, styled bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-10s %-20s dropped=%-4d conflicts=%-4d", st.Name, st.Status, st.Dropped, st.Conflicts)
	switch {
	case st.Restored:
		b.WriteString(" restored")
	case st.Duration > 0:
		b.WriteString(" " + st.Duration.Round(time.Millisecond).String())
	}
	if !styled {
		return b.String()
	}
	icon, color := statusIcon(st.Status)
	return lipgloss.NewStyle().Foreground(color).Render(icon) + " " + b.String()
}

// renderSummary writes a run summary, boxed when styled.
func renderSummary(w io.Writer, s pipeline.Summary, styled bool) {
	var lines []string
	for _, st := range s.Stages {
		lines = append(lines, stageLine(st, styled))
	}
	lines = append(lines, "",
		fmt.Sprintf("dropped %d, conflicts %d, %s", s.Dropped, s.Conflicts, s.Duration.Round(time.Millisecond)))
	if s.Checkpoint != "" {
		lines = append(lines, "checkpoint "+s.Checkpoint)
	}
	for _, warn := range s.Warnings {
		lines = append(lines, "warning: "+warn)
	}

	title := "run " + s.RunID
	if !styled {
		fmt.Fprintln(w, title)
		for _, l := range lines {
			fmt.Fprintln(w, l)
		}
		if s.Failed() {
			fmt.Fprintf(w, "FAILED at %s: %s\n", s.FailedStage, s.FailureReason)
		}
		return
	}

	fmt.Fprintln(w, styleTitle.Render(title))
	fmt.Fprintln(w, styleBox.Render(strings.Join(lines, "\n")))
	if s.Failed() {
		fmt.Fprintln(w, styleErrorBox.Render(fmt.Sprintf("failed at %s\n%s", s.FailedStage, s.FailureReason)))
	}
}

// renderStatus writes per-stage completion of a checkpoint directory.
func renderStatus(w io.Writer, dir, runID string, stages []pipeline.StageSummary, styled bool) {
	header := "checkpoint " + dir
	if runID != "" {
		header += " (run " + runID + ")"
	}
	var lines []string
	for _, st := range stages {
		line := stageLine(st, styled)
		if st.Snapshot != "" {
			line += "  " + st.Snapshot
		}
		lines = append(lines, line)
	}
	if !styled {
		fmt.Fprintln(w, header)
		for _, l := range lines {
			fmt.Fprintln(w, l)
		}
		return
	}
	fmt.Fprintln(w, styleTitle.Render(header))
	fmt.Fprintln(w, styleBox.Render(strings.Join(lines, "\n")))
	fmt.Fprintln(w, styleMuted.Render(fmt.Sprintf("%d of %d stages complete", completed(stages), len(stages))))
}

func completed(stages []pipeline.StageSummary) int {
	n := 0
	for _, st := range stages {
		if st.Status.Succeeded() {
			n++
		}
	}
	return n
}
