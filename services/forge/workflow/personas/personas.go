// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package personas defines the five agent roles and their backing models.
//
// A persona is a role name bound to a system prompt and a model identity.
// The prompts pin down the output conventions the rest of the pipeline
// parses: fenced code blocks with filename comments from the Developer,
// verdict phrases from the Reviewer/Tester/Debugger.
package personas

import (
	"fmt"
	"sort"
)

// Role identifies one agent persona.
type Role string

const (
	// Architect designs the solution before any code exists.
	Architect Role = "architect"

	// Developer writes and rewrites the code artifact.
	Developer Role = "developer"

	// Reviewer audits code for correctness and demands revisions.
	Reviewer Role = "reviewer"

	// Tester mentally executes the code and reports pass/fail.
	Tester Role = "tester"

	// Debugger diagnoses failures from real or simulated runs.
	Debugger Role = "debugger"
)

// All returns every role in pipeline order.
func All() []Role {
	return []Role{Architect, Developer, Reviewer, Tester, Debugger}
}

// String returns the lowercase wire name.
func (r Role) String() string {
	return string(r)
}

// Title returns the display name ("architect" -> "Architect").
func (r Role) Title() string {
	switch r {
	case Architect:
		return "Architect"
	case Developer:
		return "Developer"
	case Reviewer:
		return "Reviewer"
	case Tester:
		return "Tester"
	case Debugger:
		return "Debugger"
	default:
		return string(r)
	}
}

// Valid reports whether r is one of the five defined roles.
func (r Role) Valid() bool {
	switch r {
	case Architect, Developer, Reviewer, Tester, Debugger:
		return true
	}
	return false
}

// SystemPrompt returns the persona's system prompt.
func (r Role) SystemPrompt() string {
	switch r {
	case Architect:
		return architectSystemPrompt
	case Developer:
		return developerSystemPrompt
	case Reviewer:
		return reviewerSystemPrompt
	case Tester:
		return testerSystemPrompt
	case Debugger:
		return debuggerSystemPrompt
	default:
		return ""
	}
}

// ModelMap binds each role to a backing model identifier. Distinct personas
// may use different models; the invoker consults this map per call.
//
// Thread Safety: Treat as immutable after construction.
type ModelMap map[Role]string

// UniformModelMap binds every role to the same model.
func UniformModelMap(model string) ModelMap {
	m := make(ModelMap, len(All()))
	for _, role := range All() {
		m[role] = model
	}
	return m
}

// ModelFor returns the model bound to role, falling back to the Developer
// binding and then to fallback when the role is unmapped.
func (m ModelMap) ModelFor(role Role, fallback string) string {
	if model, ok := m[role]; ok && model != "" {
		return model
	}
	if model, ok := m[Developer]; ok && model != "" {
		return model
	}
	return fallback
}

// Validate rejects maps that bind unknown roles or empty model names.
func (m ModelMap) Validate() error {
	for role, model := range m {
		if !role.Valid() {
			return fmt.Errorf("%w: %q", ErrUnknownRole, role)
		}
		if model == "" {
			return fmt.Errorf("%w: role %q has an empty model", ErrInvalidModelMap, role)
		}
	}
	return nil
}

// Models returns the distinct model identifiers in sorted order.
func (m ModelMap) Models() []string {
	seen := make(map[string]struct{}, len(m))
	var models []string
	for _, model := range m {
		if _, dup := seen[model]; dup {
			continue
		}
		seen[model] = struct{}{}
		models = append(models, model)
	}
	sort.Strings(models)
	return models
}
