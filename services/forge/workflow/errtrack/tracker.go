// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package errtrack maintains the append-only error log of a workflow run.
//
// Every failed execution attempt is canonicalized into a short signature and
// recorded. The log is the run's only long-term memory of what has already
// failed: conversation history is wiped on re-architecture, the error log
// never is. Repeat counting and thrashing detection over this log drive the
// escalation policy.
package errtrack

import (
	"strings"
	"sync"
)

// maxSignatureLength caps canonical signatures. Long enough to keep the
// distinguishing tail of an error line, short enough to compare and print.
const maxSignatureLength = 160

// thrashWindow is how many trailing entries must be pairwise distinct for
// the log to count as thrashing.
const thrashWindow = 5

// errorLineMarkers identify error-like lines during signature extraction.
// "error occurred" is matched case-insensitively in extractSignature.
var errorLineMarkers = []string{"Error:", "Exception:", "FAILED"}

// Record is one entry in the error log.
//
// Thread Safety: Records are immutable once appended.
type Record struct {
	// Signature is the canonical equality key for this failure.
	Signature string `json:"signature"`

	// FullText is the complete diagnostic the signature was extracted from.
	FullText string `json:"full_text"`

	// Attempt is the execution attempt number that produced the failure.
	Attempt int `json:"attempt"`
}

// UniqueError aggregates all occurrences of one signature.
type UniqueError struct {
	// Signature is the shared equality key.
	Signature string `json:"signature"`

	// FullText is the diagnostic of the first occurrence.
	FullText string `json:"full_text"`

	// Count is how many times the signature was recorded.
	Count int `json:"count"`
}

// Tracker is the append-only error log with derived failure statistics.
//
// Thread Safety: All methods are safe for concurrent use. The workflow
// mutates the tracker from a single goroutine; readers (event consumers,
// status endpoints) may inspect it concurrently.
type Tracker struct {
	mu  sync.RWMutex
	log []Record
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Record canonicalizes diagnostic into a signature and appends an entry.
//
// Description:
//
//	Entries are never mutated or removed; the log only grows. Recording
//	the byte-identical diagnostic twice produces two entries with equal
//	signatures, which is exactly what repeat counting consumes.
//
// Inputs:
//
//	diagnostic - Raw failure text from the classifier.
//	attempt - The execution attempt number (1-based).
//
// Outputs:
//
//	string - The extracted signature, usable with ConsecutiveRepeats.
func (t *Tracker) Record(diagnostic string, attempt int) string {
	sig := extractSignature(diagnostic)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.log = append(t.log, Record{
		Signature: sig,
		FullText:  diagnostic,
		Attempt:   attempt,
	})
	return sig
}

// ConsecutiveRepeats counts how many trailing log entries share signature.
//
// Description:
//
//	Counts backward from the end of the log while signatures equal the
//	queried one, stopping at the first mismatch. A signature that is not
//	the most recent entry therefore reports 0 even if it appeared earlier.
func (t *Tracker) ConsecutiveRepeats(signature string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	count := 0
	for i := len(t.log) - 1; i >= 0; i-- {
		if t.log[i].Signature != signature {
			break
		}
		count++
	}
	return count
}

// UniqueErrors groups the log by signature in first-seen order.
func (t *Tracker) UniqueErrors() []UniqueError {
	t.mu.RLock()
	defer t.mu.RUnlock()

	index := make(map[string]int, len(t.log))
	var unique []UniqueError
	for _, rec := range t.log {
		if i, seen := index[rec.Signature]; seen {
			unique[i].Count++
			continue
		}
		index[rec.Signature] = len(unique)
		unique = append(unique, UniqueError{
			Signature: rec.Signature,
			FullText:  rec.FullText,
			Count:     1,
		})
	}
	return unique
}

// IsThrashing reports whether recent fixes each introduced a new failure.
//
// Description:
//
//	True iff the log holds at least thrashWindow entries AND the last
//	thrashWindow signatures are pairwise distinct. Distinct recent errors
//	mean patching is not converging; the escalation policy responds with a
//	full re-architecture.
func (t *Tracker) IsThrashing() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.log) < thrashWindow {
		return false
	}
	seen := make(map[string]struct{}, thrashWindow)
	for _, rec := range t.log[len(t.log)-thrashWindow:] {
		if _, dup := seen[rec.Signature]; dup {
			return false
		}
		seen[rec.Signature] = struct{}{}
	}
	return true
}

// Len returns the number of recorded failures.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.log)
}

// Log returns a copy of the full error log in record order.
func (t *Tracker) Log() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Record, len(t.log))
	copy(out, t.log)
	return out
}

// LastSignature returns the most recent signature, or "" on an empty log.
func (t *Tracker) LastSignature() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.log) == 0 {
		return ""
	}
	return t.log[len(t.log)-1].Signature
}

// Signature canonicalizes a diagnostic into its signature without
// recording anything. Consumers that label failures outside a Tracker
// (event collectors, archives) use it so their signatures compare equal
// to the tracker's.
func Signature(diagnostic string) string {
	return extractSignature(diagnostic)
}

// extractSignature canonicalizes a diagnostic into its signature.
//
// Scans the non-empty trimmed lines from the end for the first error-like
// line (contains "Error:", "Exception:", "FAILED", or "error occurred"
// case-insensitively) and caps it at maxSignatureLength. Falls back to the
// last non-empty line when nothing matches, and to the whole trimmed text
// when there are no lines at all.
func extractSignature(diagnostic string) string {
	lines := nonEmptyLines(diagnostic)
	if len(lines) == 0 {
		return truncateSignature(strings.TrimSpace(diagnostic))
	}

	for i := len(lines) - 1; i >= 0; i-- {
		if isErrorLine(lines[i]) {
			return truncateSignature(lines[i])
		}
	}
	return truncateSignature(lines[len(lines)-1])
}

func isErrorLine(line string) bool {
	for _, marker := range errorLineMarkers {
		if strings.Contains(line, marker) {
			return true
		}
	}
	return strings.Contains(strings.ToLower(line), "error occurred")
}

func nonEmptyLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return lines
}

func truncateSignature(s string) string {
	if len(s) <= maxSignatureLength {
		return s
	}
	return s[:maxSignatureLength]
}
