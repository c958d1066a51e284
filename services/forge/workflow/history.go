// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package workflow

import (
	"github.com/AleutianAI/AleutianForge/services/forge/workflow/personas"
	"github.com/AleutianAI/AleutianForge/services/forge/workflow/prompt"
)

// History is one run's ordered conversation of agent turns.
//
// A turn is appended after every completed model call and the whole
// sequence is wiped on re-architecture. The error log lives separately in
// the tracker and survives such wipes.
//
// Thread Safety: History is owned by a single run, which mutates it
// strictly sequentially; it is not safe for concurrent use.
type History struct {
	turns []prompt.Turn
}

// NewHistory creates an empty conversation history.
func NewHistory() *History {
	return &History{}
}

// Append records one completed agent turn.
func (h *History) Append(role personas.Role, content string) {
	h.turns = append(h.turns, prompt.Turn{Role: role, Content: content})
}

// Turns returns a copy of the ordered turn sequence.
func (h *History) Turns() []prompt.Turn {
	out := make([]prompt.Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Len returns the number of recorded turns.
func (h *History) Len() int {
	return len(h.turns)
}

// Clear discards every turn. Called on re-architecture, which restarts the
// conversation from a blank slate.
func (h *History) Clear() {
	h.turns = nil
}

// LastByRole returns the most recent turn taken by the given role.
//
// Outputs:
//
//	prompt.Turn - The newest matching turn.
//	bool - False when the role has not spoken yet.
func (h *History) LastByRole(role personas.Role) (prompt.Turn, bool) {
	for i := len(h.turns) - 1; i >= 0; i-- {
		if h.turns[i].Role == role {
			return h.turns[i], true
		}
	}
	return prompt.Turn{}, false
}
