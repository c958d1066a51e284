// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm provides client implementations for LLM backends.
//
// All clients implement the Client interface for whole-response
// generation. Backends that support incremental delivery additionally
// implement StreamingClient; callers that want streaming should type
// assert and fall back to Generate when the assertion fails.
package llm

import "context"

// GenerationParams carries optional sampling parameters.
//
// Nil pointer fields mean "use the backend default". Model overrides
// the client's default model for a single request, which lets one
// client serve several personas without reconnecting.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`

	// NumCtx is the context window size. Must be passed on every Ollama
	// request or the server resets to its 4096 default.
	NumCtx *int `json:"num_ctx,omitempty"`

	// Model overrides the client's default model for this request.
	Model string `json:"model,omitempty"`
}

// ChunkHandler receives streamed response fragments in arrival order.
//
// Returning a non-nil error aborts the stream; the error is propagated
// to the GenerateStream caller.
type ChunkHandler func(chunk string) error

// Client defines the standard interface for any LLM backend.
type Client interface {
	// Generate produces a complete response for the prompt.
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)

	// Model returns the client's default model name.
	Model() string
}

// StreamingClient extends Client with incremental delivery.
//
// GenerateStream invokes onChunk for each fragment as it arrives and
// returns the full accumulated response when the stream completes.
type StreamingClient interface {
	Client
	GenerateStream(ctx context.Context, prompt string, params GenerationParams, onChunk ChunkHandler) (string, error)
}
