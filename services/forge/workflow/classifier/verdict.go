// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package classifier

import "regexp"

// Verdict is a named interpretation of a persona's free-form assessment.
type Verdict string

const (
	// VerdictPass means the assessment signals success (tests pass, review
	// approved).
	VerdictPass Verdict = "pass"

	// VerdictFail means the assessment reports problems.
	VerdictFail Verdict = "fail"

	// VerdictNeedsRevision means a reviewer demands changes before
	// proceeding.
	VerdictNeedsRevision Verdict = "needs_revision"

	// VerdictClean means a debugger declares the code free of bugs.
	VerdictClean Verdict = "clean"
)

// VerdictInterpreter maps free-form persona prose onto named verdicts.
//
// Phrase matching against model output is inherently fragile; keeping it
// behind this interface lets the heuristics be swapped or hardened without
// touching orchestration logic. False negatives fall through to the safe
// default for each phase: keep iterating.
//
// Thread Safety: Implementations must be safe for concurrent use.
type VerdictInterpreter interface {
	// TestVerdict reads a Tester turn. Returns VerdictPass when the text
	// declares all tests passing, VerdictFail otherwise.
	TestVerdict(text string) Verdict

	// ReviewVerdict reads a Reviewer turn. Returns VerdictPass when the
	// text approves the work; anything else, including a reply matching
	// no phrase at all, counts as VerdictNeedsRevision.
	ReviewVerdict(text string) Verdict

	// DebugVerdict reads a Debugger turn. Returns VerdictClean when the
	// text declares the code already correct, VerdictFail otherwise.
	DebugVerdict(text string) Verdict
}

// Verdict phrase patterns. Deliberately loose: models phrase the same
// judgment a dozen ways, and a missed match only costs one extra cycle.
var (
	allPassPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\ball\s+(?:\d+\s+)?tests?\s+(?:pass|passed|passing|succeed|succeeded)\b`),
		regexp.MustCompile(`(?i)\ball\s+tests?\s+(?:are|were)\s+passing\b`),
		regexp.MustCompile(`(?i)\bevery\s+test\s+passe[sd]\b`),
		regexp.MustCompile(`(?i)\bno\s+(?:test\s+)?failures?\b`),
		regexp.MustCompile(`(?i)\b100%\s+pass(?:ing|ed)?\b`),
	}

	needsRevisionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\brevisions?\s+(?:needed|required)\b`),
		regexp.MustCompile(`(?i)\bneeds?\s+(?:revision|rework|changes|fixing)\b`),
		regexp.MustCompile(`(?i)\bmust\s+(?:be\s+)?(?:fix|fixed|change|changed|revise|revised)\b`),
		regexp.MustCompile(`(?i)\bchanges?\s+(?:are\s+)?required\b`),
		regexp.MustCompile(`(?i)\b(?:critical|major|serious)\s+(?:issue|problem|bug|flaw)s?\b`),
		regexp.MustCompile(`(?i)\bdo(?:es)?\s+not\s+approve\b`),
		regexp.MustCompile(`(?i)\breject(?:ed)?\b`),
	}

	approvalPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bapprov(?:ed?|al)\b`),
		regexp.MustCompile(`(?i)\blgtm\b`),
		regexp.MustCompile(`(?i)\blooks?\s+good\b`),
		regexp.MustCompile(`(?i)\bno\s+concerns?\b`),
		regexp.MustCompile(`(?i)\b(?:otherwise|overall|is)\s+fine\b`),
		regexp.MustCompile(`(?i)\bship\s+it\b`),
	}

	cleanCodePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bcode\s+(?:is|looks)\s+(?:already\s+)?(?:clean|correct|fine|good)\b`),
		regexp.MustCompile(`(?i)\bno\s+bugs?\s+(?:found|detected|present)\b`),
		regexp.MustCompile(`(?i)\bno\s+issues?\s+(?:found|detected|remain(?:ing)?)\b`),
		regexp.MustCompile(`(?i)\bnothing\s+to\s+fix\b`),
		regexp.MustCompile(`(?i)\bno\s+(?:changes|fixes)\s+(?:are\s+)?(?:needed|necessary|required)\b`),
	}
)

// PhraseInterpreter is the default VerdictInterpreter, built on the loose
// phrase patterns above.
//
// Thread Safety: Stateless; safe for concurrent use.
type PhraseInterpreter struct{}

var _ VerdictInterpreter = (*PhraseInterpreter)(nil)

// NewPhraseInterpreter creates the default phrase-based interpreter.
func NewPhraseInterpreter() *PhraseInterpreter {
	return &PhraseInterpreter{}
}

// TestVerdict returns VerdictPass when text declares all tests passing.
func (p *PhraseInterpreter) TestVerdict(text string) Verdict {
	if matchAny(allPassPatterns, text) {
		return VerdictPass
	}
	return VerdictFail
}

// ReviewVerdict returns VerdictPass only for explicit approval. A reply
// matching neither direction is treated as a demand for revision rather
// than silent approval.
func (p *PhraseInterpreter) ReviewVerdict(text string) Verdict {
	if matchAny(needsRevisionPatterns, text) {
		return VerdictNeedsRevision
	}
	if matchAny(approvalPatterns, text) {
		return VerdictPass
	}
	return VerdictNeedsRevision
}

// DebugVerdict returns VerdictClean when text declares the code correct.
func (p *PhraseInterpreter) DebugVerdict(text string) Verdict {
	if matchAny(cleanCodePatterns, text) {
		return VerdictClean
	}
	return VerdictFail
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}
