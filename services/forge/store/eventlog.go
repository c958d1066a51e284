// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"sync"

	"github.com/AleutianAI/AleutianForge/services/forge/workflow/errtrack"
	"github.com/AleutianAI/AleutianForge/services/forge/workflow/events"
)

// ErrorLogCollector folds a run's failure events into archive error
// entries.
//
// Description:
//
//	A failed execution_result event carries the attempt number and
//	diagnostic; the evolution_cycle event that follows it carries the
//	escalation tier. The collector pairs the two by attempt number and
//	appends one ErrorEntry per failed attempt. Mental evolution cycles
//	(tier 0) never pair, so only real execution failures are recorded.
//	Signatures come from errtrack, keeping archived entries comparable
//	to the run's own repeat counting.
//
// Thread Safety: safe for concurrent use; the emitter may fan events
// out from any goroutine.
type ErrorLogCollector struct {
	mu      sync.Mutex
	pending *ErrorEntry
	log     []ErrorEntry
}

// NewErrorLogCollector creates an empty collector. Subscribe its Handle
// method to TypeExecutionResult and TypeEvolutionCycle.
func NewErrorLogCollector() *ErrorLogCollector {
	return &ErrorLogCollector{}
}

// Handle consumes one event. Events of other types are ignored.
func (c *ErrorLogCollector) Handle(ev *events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch d := ev.Data.(type) {
	case events.ExecutionResultData:
		if d.Success {
			return
		}
		c.pending = &ErrorEntry{
			Attempt:    d.Attempt,
			Signature:  errtrack.Signature(d.Diagnostic),
			Diagnostic: d.Diagnostic,
			RecordedAt: ev.Timestamp,
		}
	case events.EvolutionCycleData:
		if c.pending == nil || d.Tier == 0 || d.Cycle != c.pending.Attempt {
			return
		}
		c.pending.Tier = d.Tier
		c.log = append(c.log, *c.pending)
		c.pending = nil
	}
}

// Entries returns a copy of the collected error log in event order.
func (c *ErrorLogCollector) Entries() []ErrorEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ErrorEntry, len(c.log))
	copy(out, c.log)
	return out
}
