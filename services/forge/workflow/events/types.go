// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events provides the typed event stream for workflow runs.
//
// Events allow external systems to observe run progress, collect metrics,
// and implement rendering without coupling to the workflow implementation.
// One run produces one ordered stream, ending in exactly one terminal
// event (workflow_complete or workflow_error).
//
// Thread Safety:
//
//	All types in this package are designed for concurrent use.
package events

import (
	"time"
)

// Type identifies the kind of event.
type Type string

const (
	// TypeAgentStart is emitted when an agent turn begins.
	TypeAgentStart Type = "agent_start"

	// TypeAgentChunk is emitted for each streamed text fragment of a turn.
	TypeAgentChunk Type = "agent_chunk"

	// TypeAgentComplete is emitted when an agent turn finishes, carrying
	// the full accumulated text.
	TypeAgentComplete Type = "agent_complete"

	// TypeCodeUpdate is emitted when a code artifact is extracted from an
	// agent's output. One event per artifact.
	TypeCodeUpdate Type = "code_update"

	// TypeFilesSaved is emitted after artifacts are persisted to the
	// staging root.
	TypeFilesSaved Type = "files_saved"

	// TypeExecutionStart is emitted just before the entry file runs.
	TypeExecutionStart Type = "execution_start"

	// TypeExecutionResult is emitted with the classified outcome of an
	// execution attempt.
	TypeExecutionResult Type = "execution_result"

	// TypeEvolutionCycle is emitted at the top of each repair cycle,
	// mental or execution-driven.
	TypeEvolutionCycle Type = "evolution_cycle"

	// TypeWorkflowComplete is the terminal event of a successful run.
	TypeWorkflowComplete Type = "workflow_complete"

	// TypeWorkflowError is the terminal event of an aborted run.
	TypeWorkflowError Type = "workflow_error"
)

// IsTerminal reports whether the type ends a run's stream.
func (t Type) IsTerminal() bool {
	return t == TypeWorkflowComplete || t == TypeWorkflowError
}

// Event represents one workflow event.
//
// Description:
//
//	Events are the primary mechanism for observing run behavior. Each
//	event has a type that determines the structure of its Data field.
//	Use the matching typed data struct (AgentStartData, ExecutionResultData,
//	etc.) when setting the Data field.
//
// Thread Safety:
//
//	Event structs should be treated as immutable after creation.
type Event struct {
	// ID is a unique identifier for this event.
	ID string `json:"id"`

	// Type identifies the kind of event.
	Type Type `json:"type"`

	// RunID links the event to a workflow run.
	RunID string `json:"run_id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Step is the global agent-call index when this event occurred.
	Step int `json:"step"`

	// Data contains event-specific data. Should be one of the typed
	// data structs: AgentStartData, AgentChunkData, AgentCompleteData,
	// CodeUpdateData, FilesSavedData, ExecutionStartData,
	// ExecutionResultData, EvolutionCycleData, WorkflowCompleteData,
	// or WorkflowErrorData.
	Data any `json:"data,omitempty"`

	// Metadata contains typed additional context for the event.
	Metadata *EventMetadata `json:"metadata,omitempty"`
}

// AgentStartData is the data for agent start events.
type AgentStartData struct {
	// Role is the persona taking the turn (architect, developer, ...).
	Role string `json:"role"`

	// Model is the backing model identity for this turn.
	Model string `json:"model,omitempty"`
}

// AgentChunkData is the data for agent chunk events.
type AgentChunkData struct {
	// Role is the persona taking the turn.
	Role string `json:"role"`

	// Text is the streamed fragment as it arrived.
	Text string `json:"text"`
}

// AgentCompleteData is the data for agent completion events.
type AgentCompleteData struct {
	// Role is the persona that finished.
	Role string `json:"role"`

	// Text is the full accumulated response.
	Text string `json:"text"`

	// Duration is how long the turn took.
	Duration time.Duration `json:"duration"`
}

// CodeUpdateData is the data for code update events.
type CodeUpdateData struct {
	// Role is the persona whose output produced the artifact.
	Role string `json:"role"`

	// Language is the fenced-region language tag.
	Language string `json:"language"`

	// Filename is the declared or generated file name.
	Filename string `json:"filename,omitempty"`

	// Code is the extracted artifact text.
	Code string `json:"code"`
}

// FilesSavedData is the data for files saved events.
type FilesSavedData struct {
	// Paths are the relative paths persisted under the staging root.
	Paths []string `json:"paths"`

	// Root is the staging root directory.
	Root string `json:"root"`
}

// ExecutionStartData is the data for execution start events.
type ExecutionStartData struct {
	// TargetFile is the entry file about to be executed.
	TargetFile string `json:"target_file"`

	// Attempt is the 1-based execution attempt number.
	Attempt int `json:"attempt"`
}

// ExecutionResultData is the data for execution result events.
type ExecutionResultData struct {
	// Success is the classified verdict for this attempt.
	Success bool `json:"success"`

	// Stdout is the captured standard output.
	Stdout string `json:"stdout,omitempty"`

	// Diagnostic carries the failure text when Success is false.
	Diagnostic string `json:"diagnostic,omitempty"`

	// Attempt is the 1-based execution attempt number.
	Attempt int `json:"attempt"`

	// CreatedFiles lists files the program wrote during the attempt,
	// relative to the staging root. Populated only when the artifact
	// watcher is enabled.
	CreatedFiles []string `json:"created_files,omitempty"`
}

// EvolutionCycleData is the data for evolution cycle events.
type EvolutionCycleData struct {
	// Cycle is the 1-based cycle number within its loop.
	Cycle int `json:"cycle"`

	// Tier is the escalation tier driving the cycle, when applicable.
	Tier int `json:"tier,omitempty"`

	// Label distinguishes mental cycles from execution-debug cycles.
	Label string `json:"label,omitempty"`

	// Repeats counts trailing attempts that failed with the same error
	// signature. Zero for mental cycles.
	Repeats int `json:"repeats,omitempty"`
}

// WorkflowCompleteData is the data for the successful terminal event.
// It carries the run summary as flat counters.
type WorkflowCompleteData struct {
	// Success is true when the generated program ran and validated.
	Success bool `json:"success"`

	// TotalAgentCalls is the number of completed model calls.
	TotalAgentCalls int `json:"total_agent_calls"`

	// CallsPerModel counts completed calls per model identity.
	CallsPerModel map[string]int `json:"calls_per_model,omitempty"`

	// EvolutionCycles is the number of mental evolution cycles.
	EvolutionCycles int `json:"evolution_cycles"`

	// ExecutionAttempts is the number of failed execution attempts.
	ExecutionAttempts int `json:"execution_attempts"`

	// ReArchitectCount is the number of tier-3 redesigns.
	ReArchitectCount int `json:"re_architect_count"`

	// Duration is the wall-clock run time.
	Duration time.Duration `json:"duration"`

	// Message is a short human-readable closing line.
	Message string `json:"message,omitempty"`
}

// WorkflowErrorData is the data for the failing terminal event.
type WorkflowErrorData struct {
	// Error is the human-readable failure message.
	Error string `json:"error"`

	// Role names the persona whose call failed, if any.
	Role string `json:"role,omitempty"`
}
