// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"fmt"
	"sync"
)

// ScriptedCall records one invocation of a ScriptedClient.
type ScriptedCall struct {
	Prompt   string
	Params   GenerationParams
	Streamed bool
}

// ScriptedClient is a deterministic Client for tests. It returns queued
// responses in order and records every prompt it was given. Streaming
// delivers each response in fixed-size chunks so handlers see multiple
// callbacks per call.
//
// Thread Safety: safe for concurrent use.
type ScriptedClient struct {
	mu        sync.Mutex
	model     string
	turns     []scriptedTurn
	calls     []ScriptedCall
	chunkSize int
}

type scriptedTurn struct {
	text string
	err  error
}

// NewScriptedClient creates a client that will return the given responses
// in order.
func NewScriptedClient(model string, responses ...string) *ScriptedClient {
	s := &ScriptedClient{
		model:     model,
		chunkSize: 16,
	}
	for _, r := range responses {
		s.turns = append(s.turns, scriptedTurn{text: r})
	}
	return s
}

// QueueResponse appends a successful response to the script.
func (s *ScriptedClient) QueueResponse(text string) *ScriptedClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, scriptedTurn{text: text})
	return s
}

// QueueError appends a failing turn to the script.
func (s *ScriptedClient) QueueError(err error) *ScriptedClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, scriptedTurn{err: err})
	return s
}

// SetChunkSize controls how many bytes each streamed chunk carries.
func (s *ScriptedClient) SetChunkSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > 0 {
		s.chunkSize = n
	}
}

// Model returns the scripted model name.
func (s *ScriptedClient) Model() string {
	return s.model
}

// Generate implements the Client interface.
func (s *ScriptedClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	turn, err := s.next(prompt, params, false)
	if err != nil {
		return "", err
	}
	return turn.text, turn.err
}

// GenerateStream implements the StreamingClient interface.
func (s *ScriptedClient) GenerateStream(ctx context.Context, prompt string,
	params GenerationParams, onChunk ChunkHandler) (string, error) {

	if err := ctx.Err(); err != nil {
		return "", err
	}
	turn, err := s.next(prompt, params, true)
	if err != nil {
		return "", err
	}
	if turn.err != nil {
		return "", turn.err
	}

	s.mu.Lock()
	size := s.chunkSize
	s.mu.Unlock()

	if onChunk != nil {
		for start := 0; start < len(turn.text); start += size {
			end := start + size
			if end > len(turn.text) {
				end = len(turn.text)
			}
			if err := onChunk(turn.text[start:end]); err != nil {
				return "", fmt.Errorf("chunk handler aborted stream: %w", err)
			}
		}
	}
	return turn.text, nil
}

// next pops the next scripted turn and records the call.
func (s *ScriptedClient) next(prompt string, params GenerationParams, streamed bool) (scriptedTurn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, ScriptedCall{Prompt: prompt, Params: params, Streamed: streamed})
	if len(s.turns) == 0 {
		return scriptedTurn{}, fmt.Errorf("scripted client: no response queued for call %d", len(s.calls))
	}
	turn := s.turns[0]
	s.turns = s.turns[1:]
	return turn, nil
}

// Calls returns a copy of all recorded invocations.
func (s *ScriptedClient) Calls() []ScriptedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScriptedCall, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns how many times the client was invoked.
func (s *ScriptedClient) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// LastPrompt returns the most recent prompt, or "" if none.
func (s *ScriptedClient) LastPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		return ""
	}
	return s.calls[len(s.calls)-1].Prompt
}

// Reset clears recorded calls and any remaining script.
func (s *ScriptedClient) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
	s.turns = nil
}

var (
	_ Client          = (*ScriptedClient)(nil)
	_ StreamingClient = (*ScriptedClient)(nil)
)
