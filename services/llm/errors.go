// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import "errors"

// Sentinel errors for LLM client failures. Wrap with fmt.Errorf("%w: ...")
// to add context while keeping errors.Is checks working.
var (
	// ErrMissingConfig indicates a required setting (API key, base URL) is absent.
	ErrMissingConfig = errors.New("missing client configuration")

	// ErrModelNotFound indicates the backend does not have the requested model.
	ErrModelNotFound = errors.New("model not found")

	// ErrEmptyResponse indicates the backend returned no usable content.
	ErrEmptyResponse = errors.New("empty response from model")

	// ErrStreamInterrupted indicates the stream ended before the done marker.
	ErrStreamInterrupted = errors.New("stream interrupted")
)
