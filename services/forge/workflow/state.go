// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package workflow

import (
	"fmt"
	"sync"
)

// Phase represents a state in the workflow state machine.
//
// Valid transitions are enforced by the StateMachine. Invalid transitions
// return ErrInvalidTransition.
type Phase string

const (
	// PhaseIdle is the initial state before a task is received.
	PhaseIdle Phase = "IDLE"

	// PhaseInitialBuild is the linear architect/develop/review/test
	// pipeline that produces the first code artifact.
	PhaseInitialBuild Phase = "INITIAL_BUILD"

	// PhaseMentalEvolution is the bounded simulated debug loop that runs
	// before any code touches a real interpreter.
	PhaseMentalEvolution Phase = "MENTAL_EVOLUTION"

	// PhaseExecutionDebug is the save/execute/classify/escalate/repair
	// loop against real executions.
	PhaseExecutionDebug Phase = "EXECUTION_DEBUG"

	// PhaseDone indicates the run finished, successfully or gracefully.
	PhaseDone Phase = "DONE"

	// PhaseError indicates an unrecoverable failure, always a transport
	// or environment fault, never a failing execution.
	PhaseError Phase = "ERROR"
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	return string(p)
}

// IsTerminal returns true when the phase is DONE or ERROR.
func (p Phase) IsTerminal() bool {
	return p == PhaseDone || p == PhaseError
}

// AllPhases returns all valid phases.
func AllPhases() []Phase {
	return []Phase{
		PhaseIdle,
		PhaseInitialBuild,
		PhaseMentalEvolution,
		PhaseExecutionDebug,
		PhaseDone,
		PhaseError,
	}
}

// StateMachine manages valid phase transitions for the workflow.
//
// The state machine enforces the following transition graph:
//
//	IDLE → INITIAL_BUILD                 : Task received
//	INITIAL_BUILD → MENTAL_EVOLUTION     : First build pipeline finished
//	MENTAL_EVOLUTION → EXECUTION_DEBUG   : Tester passed, debugger declared
//	                                       clean, or cycle cap reached
//	EXECUTION_DEBUG → EXECUTION_DEBUG    : Repair cycle completed, re-execute
//	EXECUTION_DEBUG → DONE               : Execution succeeded or nothing
//	                                       left to execute
//	* → ERROR                            : Any non-terminal phase can fail
//
// Thread Safety:
//
//	StateMachine is safe for concurrent use.
type StateMachine struct {
	mu sync.RWMutex

	// transitions maps (from, to) pairs that are valid.
	transitions map[Phase]map[Phase]bool
}

// NewStateMachine creates a state machine with all valid transitions.
//
// Outputs:
//
//	*StateMachine - Configured state machine
func NewStateMachine() *StateMachine {
	sm := &StateMachine{
		transitions: make(map[Phase]map[Phase]bool),
	}

	for _, phase := range AllPhases() {
		sm.transitions[phase] = make(map[Phase]bool)
	}

	sm.addTransition(PhaseIdle, PhaseInitialBuild)
	sm.addTransition(PhaseInitialBuild, PhaseMentalEvolution)
	sm.addTransition(PhaseMentalEvolution, PhaseExecutionDebug)
	sm.addTransition(PhaseExecutionDebug, PhaseExecutionDebug)
	sm.addTransition(PhaseExecutionDebug, PhaseDone)

	// Any non-terminal phase can abort.
	for _, phase := range AllPhases() {
		if !phase.IsTerminal() {
			sm.addTransition(phase, PhaseError)
		}
	}

	return sm
}

// addTransition registers a valid transition.
func (sm *StateMachine) addTransition(from, to Phase) {
	sm.transitions[from][to] = true
}

// CanTransition checks if a transition from one phase to another is valid.
//
// Inputs:
//
//	from - Current phase
//	to - Target phase
//
// Outputs:
//
//	bool - True if the transition is valid
//
// Thread Safety: This method is safe for concurrent use.
func (sm *StateMachine) CanTransition(from, to Phase) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if toMap, ok := sm.transitions[from]; ok {
		return toMap[to]
	}
	return false
}

// Transition validates a phase change.
//
// Inputs:
//
//	from - Current phase
//	to - Target phase
//
// Outputs:
//
//	error - Wrapped ErrInvalidTransition when the transition is not allowed
//
// Thread Safety: This method is safe for concurrent use.
func (sm *StateMachine) Transition(from, to Phase) error {
	if !sm.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ValidTransitionsFrom returns all valid transitions from a given phase.
//
// Inputs:
//
//	from - The source phase
//
// Outputs:
//
//	[]Phase - All valid target phases
//
// Thread Safety: This method is safe for concurrent use.
func (sm *StateMachine) ValidTransitionsFrom(from Phase) []Phase {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	var result []Phase
	if toMap, ok := sm.transitions[from]; ok {
		for phase, valid := range toMap {
			if valid {
				result = append(result, phase)
			}
		}
	}
	return result
}

// TransitionReason provides a human-readable description of a transition.
//
// Inputs:
//
//	from - Source phase
//	to - Target phase
//
// Outputs:
//
//	string - Description of why this transition occurs
func (sm *StateMachine) TransitionReason(from, to Phase) string {
	key := from.String() + "->" + to.String()

	reasons := map[string]string{
		"IDLE->INITIAL_BUILD":               "task received",
		"INITIAL_BUILD->MENTAL_EVOLUTION":   "first build pipeline finished",
		"MENTAL_EVOLUTION->EXECUTION_DEBUG": "simulated debugging concluded",
		"EXECUTION_DEBUG->EXECUTION_DEBUG":  "repair cycle completed, re-executing",
		"EXECUTION_DEBUG->DONE":             "execution concluded",
	}

	if reason, ok := reasons[key]; ok {
		return reason
	}
	if to == PhaseError {
		return "unrecoverable failure"
	}
	return "unknown transition"
}

// DefaultStateMachine is the shared state machine instance.
var DefaultStateMachine = NewStateMachine()

// CanTransition is a convenience function using the default state machine.
func CanTransition(from, to Phase) bool {
	return DefaultStateMachine.CanTransition(from, to)
}
