// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package server

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/AleutianForge/services/forge/store"
	"github.com/AleutianAI/AleutianForge/services/forge/workflow"
)

// MaxTaskBytes bounds the task description. Tasks are prompt material;
// an unbounded task would blow the context budget before the first turn.
const MaxTaskBytes = 16 * 1024

// MaxEnvironmentBytes bounds a caller-supplied environment block.
const MaxEnvironmentBytes = 8 * 1024

var runValidate *validator.Validate

func init() {
	runValidate = validator.New()
	_ = runValidate.RegisterValidation("maxbytes_task", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= MaxTaskBytes
	})
	_ = runValidate.RegisterValidation("maxbytes_env", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= MaxEnvironmentBytes
	})
}

// RunRequest is a task submission, accepted both by POST /v1/run and as
// the first WebSocket frame on /v1/run/ws.
//
// Validation uses go-playground/validator tags plus byte-length custom
// validators (byte length, not rune count, is what reaches the models).
// Model override keys are checked separately against the known roles.
type RunRequest struct {
	// Task is the natural-language description of the program to build.
	Task string `json:"task" validate:"required,maxbytes_task"`

	// Environment optionally replaces the probed host description.
	Environment string `json:"environment,omitempty" validate:"omitempty,maxbytes_env"`

	// Models optionally overrides model bindings per role. Keys:
	// default, architect, developer, reviewer, tester, debugger.
	Models map[string]string `json:"models,omitempty" validate:"omitempty,max=6,dive,required"`
}

// Validate checks the request against its tags and verifies model
// override keys name known roles.
func (r *RunRequest) Validate() error {
	if err := runValidate.Struct(r); err != nil {
		return err
	}
	for role := range r.Models {
		switch role {
		case "default", "architect", "developer", "reviewer", "tester", "debugger":
		default:
			return fmt.Errorf("unknown role %q in model overrides", role)
		}
	}
	return nil
}

// RunResponse is the blocking-run reply: the run's identity plus the
// full workflow summary.
type RunResponse struct {
	RunID   string            `json:"run_id"`
	Status  string            `json:"status"`
	Summary *workflow.Summary `json:"summary,omitempty"`
}

// RunStatusResponse reports one run, in-flight or archived.
type RunStatusResponse struct {
	RunID      string            `json:"run_id"`
	Status     string            `json:"status"`
	Task       string            `json:"task,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Summary    *workflow.Summary `json:"summary,omitempty"`
	Error      string            `json:"error,omitempty"`

	// Archived is true when the run came from the archive rather than
	// the in-flight registry.
	Archived bool `json:"archived"`

	// Record carries the archived form when Archived is true.
	Record *store.RunRecord `json:"record,omitempty"`
}

// RunListResponse is the archive listing.
type RunListResponse struct {
	Runs  []store.RunRecord `json:"runs"`
	Count int               `json:"count"`
}
