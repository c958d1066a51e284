// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package prompt assembles the bounded-size context for each agent call.
//
// Conversation history grows without limit; model context does not. The
// builder enforces an explicit retention policy instead of an unstructured
// string-budget hack: the environment/task header, the first Architect turn
// (the founding design), and the last few turns are always kept verbatim,
// and everything between them collapses into a one-line elision notice.
//
// Two specialized variants serve Phase 3: the repair context (plan, last
// review, latest code, error history, escalation banners) and the
// re-architecture context, which deliberately withholds the old plan so the
// Architect cannot anchor on the design that is failing.
package prompt

import (
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/AleutianAI/AleutianForge/services/forge/workflow/personas"
)

// CharsPerToken approximates characters per token for budget math.
const CharsPerToken = 4.0

const (
	// DefaultTokenBudget bounds the assembled prompt.
	DefaultTokenBudget = 8000

	// DefaultRetainLastTurns is how many trailing turns survive elision.
	DefaultRetainLastTurns = 3

	// DefaultMaxDiagnosticChars bounds the failure text in repair prompts.
	DefaultMaxDiagnosticChars = 4000

	// DefaultMaxStdoutChars bounds the partial stdout in repair prompts.
	DefaultMaxStdoutChars = 2000

	// DefaultRepeatWarnAt and DefaultRepeatCriticalAt key the escalating
	// repeat banners; DefaultPersistenceWarnAt keys the log-size banner.
	DefaultRepeatWarnAt      = 2
	DefaultRepeatCriticalAt  = 3
	DefaultPersistenceWarnAt = 5
)

// Turn is one completed agent exchange in the conversation history.
type Turn struct {
	// Role is the persona that produced the content.
	Role personas.Role `json:"role"`

	// Content is the full model output of the turn.
	Content string `json:"content"`
}

// Config holds the builder knobs.
type Config struct {
	// TokenBudget is the approximate token cap for assembled prompts.
	TokenBudget int `json:"token_budget" yaml:"token_budget"`

	// RetainLastTurns is how many trailing turns are kept verbatim when
	// the history must be elided.
	RetainLastTurns int `json:"retain_last_turns" yaml:"retain_last_turns"`

	// MaxDiagnosticChars bounds the current-failure text in repair
	// prompts.
	MaxDiagnosticChars int `json:"max_diagnostic_chars" yaml:"max_diagnostic_chars"`

	// MaxStdoutChars bounds the partial stdout in repair prompts. The
	// tail is kept; failures print last.
	MaxStdoutChars int `json:"max_stdout_chars" yaml:"max_stdout_chars"`

	// RepeatWarnAt and RepeatCriticalAt are the consecutive-repeat counts
	// that trigger the warning and critical banners.
	RepeatWarnAt     int `json:"repeat_warn_at" yaml:"repeat_warn_at"`
	RepeatCriticalAt int `json:"repeat_critical_at" yaml:"repeat_critical_at"`

	// PersistenceWarnAt is the error-log size that triggers the
	// persistent-failure banner.
	PersistenceWarnAt int `json:"persistence_warn_at" yaml:"persistence_warn_at"`
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		TokenBudget:        DefaultTokenBudget,
		RetainLastTurns:    DefaultRetainLastTurns,
		MaxDiagnosticChars: DefaultMaxDiagnosticChars,
		MaxStdoutChars:     DefaultMaxStdoutChars,
		RepeatWarnAt:       DefaultRepeatWarnAt,
		RepeatCriticalAt:   DefaultRepeatCriticalAt,
		PersistenceWarnAt:  DefaultPersistenceWarnAt,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TokenBudget <= 0 {
		c.TokenBudget = d.TokenBudget
	}
	if c.RetainLastTurns <= 0 {
		c.RetainLastTurns = d.RetainLastTurns
	}
	if c.MaxDiagnosticChars <= 0 {
		c.MaxDiagnosticChars = d.MaxDiagnosticChars
	}
	if c.MaxStdoutChars <= 0 {
		c.MaxStdoutChars = d.MaxStdoutChars
	}
	if c.RepeatWarnAt <= 0 {
		c.RepeatWarnAt = d.RepeatWarnAt
	}
	if c.RepeatCriticalAt <= 0 {
		c.RepeatCriticalAt = d.RepeatCriticalAt
	}
	if c.PersistenceWarnAt <= 0 {
		c.PersistenceWarnAt = d.PersistenceWarnAt
	}
	return c
}

// Builder assembles token-budgeted prompt contexts.
//
// Thread Safety: Builder is immutable after construction and safe for
// concurrent use.
type Builder struct {
	cfg Config
}

// NewBuilder creates a Builder; zero config fields take defaults.
func NewBuilder(cfg Config) *Builder {
	return &Builder{cfg: cfg.withDefaults()}
}

// Build assembles the general-phase context.
//
// Description:
//
//	Renders environment, task, the full conversation, and the optional
//	note. When the naive rendering fits the token budget it is returned
//	verbatim. Otherwise the header, the first Architect turn, and the
//	last RetainLastTurns turns are kept verbatim and the middle collapses
//	into an elision notice naming the omitted turn count and roles.
//
// Inputs:
//
//	task - The immutable task statement.
//	environment - The opaque environment block ("" to omit the section).
//	history - Conversation turns in order.
//	extraNote - Optional trailing instruction ("" to omit).
//
// Outputs:
//
//	string - The assembled prompt text.
//
// Thread Safety: Safe for concurrent use.
func (b *Builder) Build(task, environment string, history []Turn, extraNote string) string {
	full := b.render(task, environment, history, extraNote)
	if estimateTokens(full) <= b.cfg.TokenBudget {
		return full
	}

	keepFrom := len(history) - b.cfg.RetainLastTurns
	if keepFrom < 0 {
		keepFrom = 0
	}
	firstArchitect := firstArchitectIndex(history)
	if firstArchitect >= keepFrom {
		// Nothing sits between the founding turn and the tail; the
		// retention policy cannot shrink this history further.
		return full
	}
	return b.renderElided(task, environment, history, firstArchitect, keepFrom, extraNote)
}

// EstimateTokens exposes the budget heuristic used by the builder.
func EstimateTokens(s string) int {
	return estimateTokens(s)
}

func estimateTokens(s string) int {
	return int(float64(len(s)) / CharsPerToken)
}

// render produces the naive full prompt with every turn verbatim.
func (b *Builder) render(task, environment string, history []Turn, extraNote string) string {
	var sb strings.Builder
	writeHeader(&sb, task, environment)

	if len(history) > 0 {
		sb.WriteString("## Conversation\n\n")
		for _, turn := range history {
			writeTurn(&sb, turn)
		}
	}
	writeNote(&sb, extraNote)
	return strings.TrimRight(sb.String(), "\n") + "\n"
}

// renderElided keeps history[firstArchitect] and history[keepFrom:], replacing
// the span between them with the elision notice.
func (b *Builder) renderElided(task, environment string, history []Turn, firstArchitect, keepFrom int, extraNote string) string {
	var sb strings.Builder
	writeHeader(&sb, task, environment)
	sb.WriteString("## Conversation\n\n")

	var omitted []Turn
	if firstArchitect >= 0 {
		writeTurn(&sb, history[firstArchitect])
		omitted = append(omitted, history[:firstArchitect]...)
		omitted = append(omitted, history[firstArchitect+1:keepFrom]...)
	} else {
		omitted = history[:keepFrom]
	}
	if len(omitted) > 0 {
		sb.WriteString(elisionNotice(omitted))
		sb.WriteString("\n\n")
	}

	for _, turn := range history[keepFrom:] {
		writeTurn(&sb, turn)
	}
	writeNote(&sb, extraNote)
	return strings.TrimRight(sb.String(), "\n") + "\n"
}

func writeHeader(sb *strings.Builder, task, environment string) {
	if environment != "" {
		sb.WriteString("## Environment\n")
		sb.WriteString(strings.TrimRight(environment, "\n"))
		sb.WriteString("\n\n")
	}
	sb.WriteString("## Task\n")
	sb.WriteString(strings.TrimRight(task, "\n"))
	sb.WriteString("\n\n")
}

func writeTurn(sb *strings.Builder, turn Turn) {
	fmt.Fprintf(sb, "### %s\n", turn.Role.Title())
	sb.WriteString(strings.TrimRight(turn.Content, "\n"))
	sb.WriteString("\n\n")
}

func writeNote(sb *strings.Builder, note string) {
	if note == "" {
		return
	}
	sb.WriteString("## Note\n")
	sb.WriteString(strings.TrimRight(note, "\n"))
	sb.WriteString("\n\n")
}

// elisionNotice summarizes omitted turns: count plus per-role tallies in
// first-seen order.
func elisionNotice(omitted []Turn) string {
	counts := make(map[personas.Role]int, len(omitted))
	var order []personas.Role
	for _, turn := range omitted {
		if counts[turn.Role] == 0 {
			order = append(order, turn.Role)
		}
		counts[turn.Role]++
	}

	parts := make([]string, 0, len(order))
	for _, role := range order {
		parts = append(parts, fmt.Sprintf("%s x%d", role.Title(), counts[role]))
	}
	noun := "turns"
	if len(omitted) == 1 {
		noun = "turn"
	}
	return fmt.Sprintf("[... %d earlier %s omitted: %s ...]", len(omitted), noun, strings.Join(parts, ", "))
}

func firstArchitectIndex(history []Turn) int {
	for i, turn := range history {
		if turn.Role == personas.Architect {
			return i
		}
	}
	return -1
}

// truncateTail keeps the newest maxChars of s, cutting at a text boundary
// via the recursive splitter and prefixing a truncation indicator.
func truncateTail(s string, maxChars int) string {
	if maxChars <= 0 || len(s) <= maxChars {
		return s
	}

	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(maxChars),
		textsplitter.WithChunkOverlap(0),
		textsplitter.WithSeparators([]string{"\n\n", "\n", " ", ""}),
	)
	chunks, err := splitter.SplitText(s)
	if err != nil || len(chunks) == 0 {
		cut := len(s) - maxChars
		return fmt.Sprintf("[...truncated %d chars]\n", cut) + s[cut:]
	}
	tail := chunks[len(chunks)-1]
	return fmt.Sprintf("[...truncated %d chars]\n", len(s)-len(tail)) + tail
}

// truncateHead keeps the oldest maxChars of s at a text boundary, appending
// a truncation indicator.
func truncateHead(s string, maxChars int) string {
	if maxChars <= 0 || len(s) <= maxChars {
		return s
	}

	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(maxChars),
		textsplitter.WithChunkOverlap(0),
		textsplitter.WithSeparators([]string{"\n\n", "\n", " ", ""}),
	)
	chunks, err := splitter.SplitText(s)
	if err != nil || len(chunks) == 0 {
		return s[:maxChars] + fmt.Sprintf("\n[...truncated %d chars]", len(s)-maxChars)
	}
	head := chunks[0]
	return head + fmt.Sprintf("\n[...truncated %d chars]", len(s)-len(head))
}
