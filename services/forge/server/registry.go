// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package server

import (
	"sync"
	"time"

	"github.com/AleutianAI/AleutianForge/services/forge/store"
	"github.com/AleutianAI/AleutianForge/services/forge/workflow"
)

// StatusRunning marks an in-flight run. Finished runs reuse the archive
// status vocabulary.
const StatusRunning = "running"

// runState is the live view of one run. Finished states keep the final
// summary so status queries work even without an archive.
type runState struct {
	ID         string
	Task       string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
	Summary    *workflow.Summary
	Err        string
}

// registry tracks runs the server has accepted, including those still
// executing. The archive only sees finished runs; the registry is what
// answers status queries in between.
//
// Thread Safety: safe for concurrent use.
type registry struct {
	mu   sync.RWMutex
	runs map[string]*runState
}

func newRegistry() *registry {
	return &registry{runs: make(map[string]*runState)}
}

// begin records a newly accepted run as running.
func (r *registry) begin(id, task string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[id] = &runState{
		ID:        id,
		Task:      task,
		Status:    StatusRunning,
		StartedAt: time.Now(),
	}
}

// finish moves a run to its terminal status.
func (r *registry) finish(id string, summary *workflow.Summary, runErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.runs[id]
	if !ok {
		return
	}
	st.FinishedAt = time.Now()
	st.Summary = summary
	switch {
	case runErr != nil:
		st.Status = store.StatusError
		st.Err = runErr.Error()
	case summary != nil && summary.Success:
		st.Status = store.StatusSucceeded
	default:
		st.Status = store.StatusFailed
		if summary != nil {
			st.Err = summary.Message
		}
	}
}

// get returns a copy of a run's state.
func (r *registry) get(id string) (runState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.runs[id]
	if !ok {
		return runState{}, false
	}
	return *st, true
}

// active counts runs still executing.
func (r *registry) active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, st := range r.runs {
		if st.Status == StatusRunning {
			n++
		}
	}
	return n
}
