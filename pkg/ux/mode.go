// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

// Mode defines the richness of CLI output
type Mode string

const (
	// ModeRich enables colors, icons, boxes, and animated spinners
	ModeRich Mode = "rich"

	// ModePlain uses icons and basic formatting without animation
	ModePlain Mode = "plain"

	// ModeMachine outputs plain text suitable for scripting and parsing
	ModeMachine Mode = "machine"
)

var (
	currentMode = ModeRich
	modeMu      sync.RWMutex
)

// GetMode returns the current output mode
func GetMode() Mode {
	modeMu.RLock()
	defer modeMu.RUnlock()
	return currentMode
}

// SetMode updates the current output mode
func SetMode(m Mode) {
	modeMu.Lock()
	defer modeMu.Unlock()
	currentMode = m
}

// ParseMode converts a string to a Mode
func ParseMode(s string) Mode {
	switch strings.ToLower(s) {
	case "rich", "r", "full":
		return ModeRich
	case "plain", "p", "min":
		return ModePlain
	case "machine", "quiet", "q":
		return ModeMachine
	default:
		return ModePlain
	}
}

// InitMode initializes the output mode from environment and terminal state.
//
// Precedence: FORGE_OUTPUT env var, then terminal detection. Non-terminal
// stdout (pipes, redirects) selects machine mode so output stays parseable.
func InitMode() {
	if envMode := os.Getenv("FORGE_OUTPUT"); envMode != "" {
		SetMode(ParseMode(envMode))
		return
	}

	if !isTerminal() {
		SetMode(ModeMachine)
		return
	}

	SetMode(ModeRich)
}

// isTerminal checks if stdout is a terminal
func isTerminal() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// IsInteractive returns true if we should show interactive prompts
func IsInteractive() bool {
	return GetMode() != ModeMachine && isTerminal()
}

// ShouldAnimate returns true if we should show animated progress indicators
func ShouldAnimate() bool {
	return GetMode() == ModeRich
}

// ShouldShowColors returns true if we should use colors
func ShouldShowColors() bool {
	return GetMode() != ModeMachine
}
