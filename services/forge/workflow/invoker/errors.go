// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package invoker

import (
	"fmt"

	"github.com/AleutianAI/AleutianForge/services/forge/workflow/personas"
)

// AgentError reports a failed model invocation. Transport failures abort
// the run, so the error names the persona whose call failed for the
// terminal workflow_error event and the operator's logs.
type AgentError struct {
	// Role is the persona whose invocation failed.
	Role personas.Role

	// Model is the backing model identity that was addressed.
	Model string

	// Err is the underlying transport or backend error.
	Err error
}

// Error implements the error interface.
func (e *AgentError) Error() string {
	return fmt.Sprintf("agent %s (model %s): %v", e.Role, e.Model, e.Err)
}

// Unwrap exposes the underlying error for errors.Is/As checks.
func (e *AgentError) Unwrap() error {
	return e.Err
}
