// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package workflow

import "errors"

var (
	// ErrEmptyTask indicates Run was called without a task description.
	ErrEmptyTask = errors.New("task must not be empty")

	// ErrNilClient indicates New was called without an LLM client.
	ErrNilClient = errors.New("llm client must not be nil")

	// ErrNilEmitter indicates New was called without an event emitter.
	ErrNilEmitter = errors.New("event emitter must not be nil")

	// ErrInvalidConfig indicates the configuration failed validation.
	ErrInvalidConfig = errors.New("invalid workflow config")

	// ErrInvalidTransition indicates a phase transition not present in the
	// state machine's transition graph.
	ErrInvalidTransition = errors.New("invalid phase transition")
)
