// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package escalation decides how hard to swing at the next repair.
//
// The policy is pure: given the cumulative attempt count and the tracker's
// thrashing flag it selects a tier — quick fix, deep review, or full
// re-architecture — plus the soft cap for the pre-execution mental loop.
// Nothing here holds state; the orchestrator feeds it fresh numbers each
// iteration.
package escalation

import "fmt"

// Tier is the repair strategy level for one execution-debug iteration.
type Tier int

const (
	// TierQuickFix has the Debugger diagnose and the Developer apply all
	// fixes in one round.
	TierQuickFix Tier = 1

	// TierDeepReview adds a Reviewer pass (with one inline fix round)
	// before re-execution.
	TierDeepReview Tier = 2

	// TierReArchitect wipes the conversation history and has the Architect
	// redesign from scratch against the error history.
	TierReArchitect Tier = 3
)

// String returns a human-readable tier name.
func (t Tier) String() string {
	switch t {
	case TierQuickFix:
		return "quick-fix"
	case TierDeepReview:
		return "deep-review"
	case TierReArchitect:
		return "re-architecture"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Policy holds the escalation thresholds.
//
// The constants are knobs, not contracts: any monotonically spaced values
// work, and thrashing always forces re-architecture regardless of attempt
// count.
type Policy struct {
	// DeepReviewAfter is the attempt count above which tier 2 applies.
	DeepReviewAfter int `json:"deep_review_after" yaml:"deep_review_after"`

	// ReArchitectAt is the attempt count at which the first scheduled
	// re-architecture fires.
	ReArchitectAt int `json:"rearchitect_at" yaml:"rearchitect_at"`

	// ReArchitectEvery is the recurrence interval beyond ReArchitectAt.
	ReArchitectEvery int `json:"rearchitect_every" yaml:"rearchitect_every"`

	// MaxEvolutionCycles is the Phase-2 soft cap: the mental test/fix loop
	// proceeds to real execution after this many cycles regardless of the
	// Tester's opinion.
	MaxEvolutionCycles int `json:"max_evolution_cycles" yaml:"max_evolution_cycles"`
}

// DefaultPolicy returns the tuned defaults.
func DefaultPolicy() Policy {
	return Policy{
		DeepReviewAfter:    5,
		ReArchitectAt:      15,
		ReArchitectEvery:   10,
		MaxEvolutionCycles: 3,
	}
}

// Validate checks that the thresholds are usable and monotonically spaced.
func (p Policy) Validate() error {
	if p.DeepReviewAfter < 1 {
		return fmt.Errorf("%w: deep_review_after must be >= 1, got %d", ErrInvalidPolicy, p.DeepReviewAfter)
	}
	if p.ReArchitectAt <= p.DeepReviewAfter {
		return fmt.Errorf("%w: rearchitect_at (%d) must exceed deep_review_after (%d)",
			ErrInvalidPolicy, p.ReArchitectAt, p.DeepReviewAfter)
	}
	if p.ReArchitectEvery < 1 {
		return fmt.Errorf("%w: rearchitect_every must be >= 1, got %d", ErrInvalidPolicy, p.ReArchitectEvery)
	}
	if p.MaxEvolutionCycles < 1 {
		return fmt.Errorf("%w: max_evolution_cycles must be >= 1, got %d", ErrInvalidPolicy, p.MaxEvolutionCycles)
	}
	return nil
}

// ShouldReArchitect reports whether this iteration warrants a full redesign.
//
// Description:
//
//	True when the tracker reports thrashing (immediately, at any attempt
//	count), or when the cumulative attempt count hits ReArchitectAt and
//	every ReArchitectEvery attempts thereafter. The attempt counter is
//	cumulative across the whole run and never reset by re-architecture;
//	re-architecture is triggered BY the count, not the other way around.
//
// Inputs:
//
//	attempt - Cumulative failed execution attempts (1-based).
//	thrashing - The tracker's IsThrashing result.
func (p Policy) ShouldReArchitect(attempt int, thrashing bool) bool {
	if thrashing {
		return true
	}
	if attempt < p.ReArchitectAt {
		return false
	}
	return (attempt-p.ReArchitectAt)%p.ReArchitectEvery == 0
}

// TierFor selects the repair tier for the given iteration.
//
// Description:
//
//	Tier 3 exactly when ShouldReArchitect; tier 2 once attempt exceeds
//	DeepReviewAfter; tier 1 otherwise.
func (p Policy) TierFor(attempt int, thrashing bool) Tier {
	if p.ShouldReArchitect(attempt, thrashing) {
		return TierReArchitect
	}
	if attempt > p.DeepReviewAfter {
		return TierDeepReview
	}
	return TierQuickFix
}

// State is the derived escalation snapshot for one iteration. Recomputed
// from the error log each time, never stored.
type State struct {
	// Attempt is the cumulative failed-attempt count.
	Attempt int `json:"attempt"`

	// ConsecutiveRepeats counts trailing occurrences of the current
	// signature.
	ConsecutiveRepeats int `json:"consecutive_repeats"`

	// UniqueErrors is the number of distinct signatures seen so far.
	UniqueErrors int `json:"unique_errors"`

	// Thrashing is the tracker's convergence verdict.
	Thrashing bool `json:"thrashing"`

	// Tier is the selected repair strategy.
	Tier Tier `json:"tier"`

	// ReArchitect is true when Tier is TierReArchitect.
	ReArchitect bool `json:"rearchitect"`
}

// Evaluate assembles the full escalation snapshot for one iteration.
func (p Policy) Evaluate(attempt, consecutiveRepeats, uniqueErrors int, thrashing bool) State {
	tier := p.TierFor(attempt, thrashing)
	return State{
		Attempt:            attempt,
		ConsecutiveRepeats: consecutiveRepeats,
		UniqueErrors:       uniqueErrors,
		Thrashing:          thrashing,
		Tier:               tier,
		ReArchitect:        tier == TierReArchitect,
	}
}
