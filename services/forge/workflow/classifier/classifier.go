// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package classifier decides whether one execution attempt of generated code
// actually succeeded.
//
// "Exited zero" is necessary but not sufficient: generated programs routinely
// swallow exceptions and print them, or run to completion while producing
// numerically worthless output (NaN losses, accuracy stuck at chance, a "GPU"
// kernel slower than the CPU baseline). Classification therefore runs three
// checks in order: a crash check on the raised flag, a hidden-error scan over
// stdout, and a battery of output-quality heuristics. The first check that
// produces a finding determines the outcome.
//
// The package also hosts the verdict interpreter (verdict.go), which maps the
// free-form prose of Tester/Reviewer/Debugger turns onto named outcomes.
package classifier

import (
	"fmt"
	"strings"
)

// Kind identifies which check classified an attempt as a failure.
type Kind string

const (
	// KindClean means all checks passed.
	KindClean Kind = "clean"

	// KindCrash means the process raised (non-zero exit / uncaught error).
	KindCrash Kind = "crash"

	// KindHiddenError means the process exited cleanly but printed
	// error-shaped text to stdout.
	KindHiddenError Kind = "hidden_error"

	// KindQuality means the output looked plausible but failed one or more
	// quality heuristics.
	KindQuality Kind = "quality"
)

// Stderr tail truncation bounds. Long stack traces are cut to the first few
// frames (the entry point) plus the last frames (the actual error site) so a
// single diagnostic cannot dominate the repair prompt.
const (
	traceMaxLines  = 20
	traceHeadLines = 3
	traceTailLines = 12
)

// Outcome is the verdict for a single execution attempt.
//
// Thread Safety: This type is immutable and safe for concurrent read access.
type Outcome struct {
	// Success is true only when every check passed.
	Success bool

	// Kind names the check that failed (KindClean on success).
	Kind Kind

	// Diagnostic is the failure text fed to the repair loop. Empty on
	// success. For crashes this is the (possibly tail-truncated) stderr;
	// for hidden errors the full stdout; for quality failures the joined
	// findings.
	Diagnostic string

	// Findings holds the individual quality findings. Nil unless
	// Kind == KindQuality.
	Findings []string
}

// Classifier inspects captured process output and decides clean success,
// hidden error, or quality failure.
//
// Thread Safety: Classifier is immutable after construction and safe for
// concurrent use.
type Classifier struct {
	thresholds QualityThresholds
}

// New creates a Classifier with the given quality thresholds.
//
// Inputs:
//
//	thresholds - Heuristic knobs. Zero values are replaced with defaults.
//
// Outputs:
//
//	*Classifier - Ready to use. Never nil.
func New(thresholds QualityThresholds) *Classifier {
	return &Classifier{thresholds: thresholds.withDefaults()}
}

// NewDefault creates a Classifier with DefaultQualityThresholds.
func NewDefault() *Classifier {
	return New(DefaultQualityThresholds())
}

// Classify evaluates one execution attempt.
//
// Description:
//
//	Pure function of its inputs: the same (stdout, raised, stderr) triple
//	always yields the same Outcome. Checks run in order — crash, hidden
//	error, quality — and the first failing check wins.
//
// Inputs:
//
//	stdout - Captured standard output of the attempt.
//	raised - True when the process raised (non-zero exit, signal, timeout).
//	stderr - Captured standard error; only consulted when raised is true.
//
// Outputs:
//
//	Outcome - Success or a classified failure with diagnostic text.
//
// Thread Safety: Safe for concurrent use.
func (c *Classifier) Classify(stdout string, raised bool, stderr string) Outcome {
	if raised {
		return Outcome{
			Success:    false,
			Kind:       KindCrash,
			Diagnostic: TruncateTrace(stderr),
		}
	}

	if pattern := scanHiddenErrors(stdout); pattern != "" {
		return Outcome{
			Success:    false,
			Kind:       KindHiddenError,
			Diagnostic: stdout,
		}
	}

	findings := c.validateQuality(stdout)
	if len(findings) > 0 {
		return Outcome{
			Success:    false,
			Kind:       KindQuality,
			Diagnostic: joinFindings(findings),
			Findings:   findings,
		}
	}

	return Outcome{Success: true, Kind: KindClean}
}

// TruncateTrace bounds a stack trace for prompt inclusion.
//
// Description:
//
//	Keeps the first traceHeadLines and last traceTailLines lines when the
//	trace exceeds traceMaxLines, replacing the middle with an elision
//	marker. Short traces pass through verbatim. The head carries the entry
//	point, the tail carries the error site; the frames in between are the
//	least useful part of a deep trace.
//
// Inputs:
//
//	trace - Raw stderr text.
//
// Outputs:
//
//	string - The bounded trace.
func TruncateTrace(trace string) string {
	lines := strings.Split(trace, "\n")
	if len(lines) <= traceMaxLines {
		return trace
	}

	head := lines[:traceHeadLines]
	tail := lines[len(lines)-traceTailLines:]
	omitted := len(lines) - traceHeadLines - traceTailLines

	var b strings.Builder
	b.WriteString(strings.Join(head, "\n"))
	fmt.Fprintf(&b, "\n[...%d lines omitted...]\n", omitted)
	b.WriteString(strings.Join(tail, "\n"))
	return b.String()
}

func joinFindings(findings []string) string {
	var b strings.Builder
	b.WriteString("Output quality validation failed:\n")
	for _, f := range findings {
		b.WriteString("- ")
		b.WriteString(f)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
