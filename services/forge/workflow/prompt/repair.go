// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package prompt

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianForge/services/forge/workflow/errtrack"
)

// RepairContext carries everything a Phase-3 repair turn needs to see.
type RepairContext struct {
	// Task is the immutable task statement.
	Task string

	// Environment is the opaque environment block.
	Environment string

	// Plan is the current architecture plan (the first Architect turn).
	Plan string

	// LastReview is the most recent Reviewer verdict, "" if none.
	LastReview string

	// Code is the exact latest code artifact set, rendered as text.
	Code string

	// Diagnostic is the current failure text from the classifier.
	Diagnostic string

	// Stdout is the captured stdout of the failing attempt; only the tail
	// survives truncation, failures print last.
	Stdout string

	// Attempt is the cumulative failed-attempt count.
	Attempt int

	// ConsecutiveRepeats counts trailing occurrences of the current
	// signature.
	ConsecutiveRepeats int

	// Log is the full error history in record order.
	Log []errtrack.Record

	// Unique is the deduplicated error summary.
	Unique []errtrack.UniqueError

	// Instruction is the tier-specific ask appended at the end.
	Instruction string
}

// ReArchitectContext carries the inputs for a from-scratch redesign. The old
// plan is deliberately absent: the Architect must not anchor on the design
// that produced the error history.
type ReArchitectContext struct {
	// Task is the immutable task statement.
	Task string

	// Environment is the opaque environment block.
	Environment string

	// Code is the current failing code, rendered as text.
	Code string

	// Log is the full error history in record order.
	Log []errtrack.Record

	// Unique is the deduplicated error summary.
	Unique []errtrack.UniqueError
}

// reArchitectInstruction forces a genuinely different design and bounds the
// response so the fresh history starts small.
const reArchitectInstruction = `The current implementation has failed repeatedly; every error above came from it. Design a NEW solution from scratch.
- Pick a DIFFERENT algorithm or approach from the one that produced these errors. If the errors cluster around one library or technique, avoid it.
- Do not patch the old design; replace it.
- Keep the plan short: at most 25 lines.`

// BuildRepair assembles the Phase-3 repair context.
//
// Description:
//
//	Prepends the architecture plan, the last Reviewer verdict, the exact
//	latest code, the bounded current failure plus partial stdout, the
//	numbered error history, and the unique-error summary; then the
//	escalation banners keyed to repeat and log counts; then the
//	tier-specific instruction. Banners textually order the next call to
//	change strategy rather than repeat a failed fix.
//
// Inputs:
//
//	rc - The repair inputs. Empty optional fields omit their sections.
//
// Outputs:
//
//	string - The assembled prompt text.
//
// Thread Safety: Safe for concurrent use.
func (b *Builder) BuildRepair(rc RepairContext) string {
	var sb strings.Builder
	writeHeader(&sb, rc.Task, rc.Environment)

	if rc.Plan != "" {
		sb.WriteString("## Architecture Plan\n")
		sb.WriteString(strings.TrimRight(rc.Plan, "\n"))
		sb.WriteString("\n\n")
	}
	if rc.LastReview != "" {
		sb.WriteString("## Last Review\n")
		sb.WriteString(strings.TrimRight(rc.LastReview, "\n"))
		sb.WriteString("\n\n")
	}
	if rc.Code != "" {
		sb.WriteString("## Current Code\n")
		sb.WriteString(strings.TrimRight(rc.Code, "\n"))
		sb.WriteString("\n\n")
	}

	fmt.Fprintf(&sb, "## Execution Failure (attempt %d)\n", rc.Attempt)
	sb.WriteString(strings.TrimRight(truncateHead(rc.Diagnostic, b.cfg.MaxDiagnosticChars), "\n"))
	sb.WriteString("\n\n")

	if rc.Stdout != "" {
		sb.WriteString("### Partial stdout\n")
		sb.WriteString(strings.TrimRight(truncateTail(rc.Stdout, b.cfg.MaxStdoutChars), "\n"))
		sb.WriteString("\n\n")
	}

	writeErrorHistory(&sb, rc.Log, rc.Unique)

	for _, banner := range b.banners(rc.ConsecutiveRepeats, len(rc.Log), len(rc.Unique)) {
		sb.WriteString(banner)
		sb.WriteString("\n\n")
	}

	if rc.Instruction != "" {
		sb.WriteString("## Instruction\n")
		sb.WriteString(strings.TrimRight(rc.Instruction, "\n"))
		sb.WriteString("\n\n")
	}
	return strings.TrimRight(sb.String(), "\n") + "\n"
}

// BuildReArchitect assembles the redesign context: task, environment, the
// full error history, and the current failing code — never the old plan.
func (b *Builder) BuildReArchitect(rc ReArchitectContext) string {
	var sb strings.Builder
	writeHeader(&sb, rc.Task, rc.Environment)

	writeErrorHistory(&sb, rc.Log, rc.Unique)

	if rc.Code != "" {
		sb.WriteString("## Current Failing Code\n")
		sb.WriteString(strings.TrimRight(rc.Code, "\n"))
		sb.WriteString("\n\n")
	}

	sb.WriteString("## Instruction\n")
	sb.WriteString(reArchitectInstruction)
	sb.WriteString("\n")
	return sb.String()
}

// writeErrorHistory renders the numbered log and the unique-error summary.
func writeErrorHistory(sb *strings.Builder, log []errtrack.Record, unique []errtrack.UniqueError) {
	if len(log) > 0 {
		fmt.Fprintf(sb, "## Error History (%d failed attempts)\n", len(log))
		for i, rec := range log {
			fmt.Fprintf(sb, "%d. [attempt %d] %s\n", i+1, rec.Attempt, rec.Signature)
		}
		sb.WriteString("\n")
	}
	if len(unique) > 0 {
		fmt.Fprintf(sb, "## Unique Errors (%d distinct)\n", len(unique))
		for _, u := range unique {
			fmt.Fprintf(sb, "- %s (x%d)\n", u.Signature, u.Count)
		}
		sb.WriteString("\n")
	}
}

// banners returns the escalation banners that apply, strongest repeat banner
// first. Each one instructs the next call to change strategy.
func (b *Builder) banners(repeats, logSize, uniqueCount int) []string {
	var banners []string

	switch {
	case repeats >= b.cfg.RepeatCriticalAt:
		banners = append(banners, fmt.Sprintf(
			"WARNING: THE SAME ERROR HAS NOW OCCURRED %d TIMES IN A ROW. Every previous fix for it failed. Do NOT repeat any earlier fix; change the approach for the failing section entirely.",
			repeats))
	case repeats >= b.cfg.RepeatWarnAt:
		banners = append(banners, fmt.Sprintf(
			"NOTE: this exact error also occurred on the previous attempt (%d in a row). The last fix did not reach the root cause; look for a different explanation before patching again.",
			repeats))
	}

	if logSize >= b.cfg.PersistenceWarnAt {
		banners = append(banners, fmt.Sprintf(
			"PERSISTENT FAILURE: %d failed attempts so far across %d distinct errors. Stop polishing details; prefer the simplest, most defensive version of the failing section over clever code.",
			logSize, uniqueCount))
	}
	return banners
}
