// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package personas

import (
	"errors"
	"strings"
	"testing"
)

func TestAll_PipelineOrder(t *testing.T) {
	roles := All()

	want := []Role{Architect, Developer, Reviewer, Tester, Debugger}
	if len(roles) != len(want) {
		t.Fatalf("All() returned %d roles, want %d", len(roles), len(want))
	}
	for i, r := range want {
		if roles[i] != r {
			t.Errorf("All()[%d] = %s, want %s", i, roles[i], r)
		}
	}
}

func TestRole_Valid(t *testing.T) {
	for _, r := range All() {
		if !r.Valid() {
			t.Errorf("%s.Valid() = false", r)
		}
	}
	if Role("manager").Valid() {
		t.Error(`Role("manager").Valid() = true`)
	}
	if Role("").Valid() {
		t.Error(`Role("").Valid() = true`)
	}
}

func TestRole_Title(t *testing.T) {
	if Architect.Title() != "Architect" {
		t.Errorf("Architect.Title() = %q", Architect.Title())
	}
	if Debugger.Title() != "Debugger" {
		t.Errorf("Debugger.Title() = %q", Debugger.Title())
	}
}

func TestSystemPrompts_CarryParsedConventions(t *testing.T) {
	// The pipeline parses these exact conventions out of persona output;
	// the prompts must keep demanding them.
	tests := []struct {
		role     Role
		fragment string
	}{
		{role: Developer, fragment: "filename:"},
		{role: Reviewer, fragment: "REVISION NEEDED"},
		{role: Reviewer, fragment: "APPROVED"},
		{role: Tester, fragment: "ALL TESTS PASS"},
		{role: Debugger, fragment: "NO BUGS FOUND"},
	}

	for _, tt := range tests {
		t.Run(string(tt.role)+"/"+tt.fragment, func(t *testing.T) {
			if !strings.Contains(tt.role.SystemPrompt(), tt.fragment) {
				t.Errorf("%s system prompt lost the %q convention", tt.role, tt.fragment)
			}
		})
	}

	for _, r := range All() {
		if r.SystemPrompt() == "" {
			t.Errorf("%s has an empty system prompt", r)
		}
	}
}

func TestUniformModelMap(t *testing.T) {
	m := UniformModelMap("qwen2.5-coder:32b")

	if err := m.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	for _, r := range All() {
		if got := m.ModelFor(r, "fallback"); got != "qwen2.5-coder:32b" {
			t.Errorf("ModelFor(%s) = %q", r, got)
		}
	}
	if models := m.Models(); len(models) != 1 {
		t.Errorf("Models() = %v, want one distinct entry", models)
	}
}

func TestModelMap_Fallbacks(t *testing.T) {
	m := ModelMap{Developer: "coder-model"}

	// Unmapped role falls back to the Developer binding.
	if got := m.ModelFor(Tester, "last-resort"); got != "coder-model" {
		t.Errorf("ModelFor(Tester) = %q, want developer binding", got)
	}

	// No developer binding either: the explicit fallback wins.
	empty := ModelMap{}
	if got := empty.ModelFor(Architect, "last-resort"); got != "last-resort" {
		t.Errorf("ModelFor on empty map = %q, want fallback", got)
	}
}

func TestModelMap_Validate(t *testing.T) {
	bad := ModelMap{Role("manager"): "some-model"}
	if err := bad.Validate(); !errors.Is(err, ErrUnknownRole) {
		t.Errorf("Validate() = %v, want ErrUnknownRole", err)
	}

	blank := ModelMap{Tester: ""}
	if err := blank.Validate(); !errors.Is(err, ErrInvalidModelMap) {
		t.Errorf("Validate() = %v, want ErrInvalidModelMap", err)
	}
}
