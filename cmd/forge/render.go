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
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianForge/pkg/ux"
	"github.com/AleutianAI/AleutianForge/services/forge/workflow/events"
)

// bindRunRenderer subscribes a renderer to the run's event stream.
//
// # Description
//
// Renderers only render; this bridge owns the mapping from typed events
// to renderer updates. Emission is synchronous, so updates arrive in
// program order and the renderer's streaming output stays coherent.
func bindRunRenderer(em *events.Emitter, r ux.RunRenderer) {
	em.Subscribe(func(ev *events.Event) {
		ctx := context.Background()
		switch d := ev.Data.(type) {
		case events.AgentStartData:
			r.OnAgentStart(ctx, d.Role, d.Model)
		case events.AgentChunkData:
			r.OnAgentChunk(ctx, d.Role, d.Text)
		case events.AgentCompleteData:
			r.OnAgentComplete(ctx, d.Role, d.Duration, len(d.Text))
		case events.FilesSavedData:
			r.OnFilesSaved(ctx, d.Root, len(d.Paths))
		case events.ExecutionStartData:
			r.OnExecutionStart(ctx, d.Attempt, d.TargetFile)
		case events.ExecutionResultData:
			r.OnExecutionResult(ctx, d.Success, executionSummary(d))
		case events.EvolutionCycleData:
			r.OnPhase(ctx, cyclePhrase(d))
			if d.Tier > 0 {
				r.OnEvolutionCycle(ctx, d.Cycle, d.Tier, d.Repeats)
			}
		case events.WorkflowCompleteData:
			r.OnComplete(ctx, d.Success, completionMessage(d))
		case events.WorkflowErrorData:
			r.OnError(ctx, workflowError(d))
		}
	},
		events.TypeAgentStart,
		events.TypeAgentChunk,
		events.TypeAgentComplete,
		events.TypeFilesSaved,
		events.TypeExecutionStart,
		events.TypeExecutionResult,
		events.TypeEvolutionCycle,
		events.TypeWorkflowComplete,
		events.TypeWorkflowError,
	)
}

// executionSummary is the one-line verdict for an execution attempt.
func executionSummary(d events.ExecutionResultData) string {
	if d.Success {
		line := fmt.Sprintf("attempt %d passed", d.Attempt)
		if len(d.CreatedFiles) > 0 {
			line += fmt.Sprintf(", %d file(s) created", len(d.CreatedFiles))
		}
		return line
	}
	headline := lastLine(d.Diagnostic)
	if headline == "" {
		return fmt.Sprintf("attempt %d failed", d.Attempt)
	}
	return fmt.Sprintf("attempt %d failed: %s", d.Attempt, headline)
}

// cyclePhrase names the loop a cycle event belongs to.
func cyclePhrase(d events.EvolutionCycleData) string {
	switch d.Label {
	case "mental evolution":
		return fmt.Sprintf("mental evolution, cycle %d", d.Cycle)
	case "re-architecture":
		return fmt.Sprintf("re-architecture after attempt %d", d.Cycle)
	default:
		return fmt.Sprintf("execution repair, attempt %d", d.Cycle)
	}
}

func completionMessage(d events.WorkflowCompleteData) string {
	if d.Message != "" {
		return d.Message
	}
	if d.Success {
		return fmt.Sprintf("program ran and validated after %d agent call(s)", d.TotalAgentCalls)
	}
	return "run ended without a passing execution"
}

func workflowError(d events.WorkflowErrorData) error {
	if d.Role != "" {
		return fmt.Errorf("%s turn failed: %s", d.Role, d.Error)
	}
	return errors.New(d.Error)
}

// lastLine returns the trimmed final non-empty line of s, capped for
// one-line display. Interpreter tracebacks put the identifying error at
// the end.
func lastLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if len(line) > 120 {
			return line[:120] + "..."
		}
		return line
	}
	return ""
}
