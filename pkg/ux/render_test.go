// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Terminal Run Renderer Tests (machine mode - deterministic output)
// =============================================================================

func TestTerminalRunRenderer_MachineMode(t *testing.T) {
	var buf bytes.Buffer
	r := NewTerminalRunRenderer(&buf, ModeMachine)
	ctx := context.Background()

	r.OnPhase(ctx, "initial build")
	r.OnAgentStart(ctx, "Engineer", "gpt-oss")
	r.OnAgentChunk(ctx, "Engineer", "hello ")
	r.OnAgentChunk(ctx, "Engineer", "world")
	r.OnAgentComplete(ctx, "Engineer", 120*time.Millisecond, 11)
	r.OnFilesSaved(ctx, "/tmp/out", 2)
	r.OnExecutionStart(ctx, 1, "main.py")
	r.OnExecutionResult(ctx, false, "execution failed")
	r.OnEvolutionCycle(ctx, 1, 1, 0)
	r.OnComplete(ctx, true, "workflow finished")
	r.Finalize()

	out := buf.String()
	wantLines := []string{
		"PHASE: initial build",
		"AGENT: Engineer model=gpt-oss",
		"AGENT_DONE: Engineer duration_ms=120 chars=11",
		"FILES: count=2 dir=/tmp/out",
		"EXEC: attempt=1 entry=main.py",
		"RESULT: passed=false execution failed",
		"CYCLE: attempt=1 tier=1 repeats=0",
		"DONE: success=true workflow finished",
		"TRANSCRIPT: hello world",
	}
	for _, want := range wantLines {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q\ngot:\n%s", want, out)
		}
	}
}

func TestTerminalRunRenderer_MachineMode_BuffersChunks(t *testing.T) {
	var buf bytes.Buffer
	r := NewTerminalRunRenderer(&buf, ModeMachine)
	ctx := context.Background()

	r.OnAgentChunk(ctx, "Engineer", "partial")

	// Chunks are buffered in machine mode; nothing printed yet
	if strings.Contains(buf.String(), "partial") {
		t.Error("machine mode should buffer chunks until Finalize")
	}

	r.Finalize()
	if !strings.Contains(buf.String(), "TRANSCRIPT: partial") {
		t.Errorf("Finalize should flush transcript, got: %s", buf.String())
	}
}

func TestTerminalRunRenderer_PlainMode_StreamsChunks(t *testing.T) {
	var buf bytes.Buffer
	r := NewTerminalRunRenderer(&buf, ModePlain)
	ctx := context.Background()

	r.OnAgentChunk(ctx, "Engineer", "streamed ")
	r.OnAgentChunk(ctx, "Engineer", "text")

	if !strings.Contains(buf.String(), "streamed text") {
		t.Errorf("plain mode should stream chunks immediately, got: %s", buf.String())
	}
	r.Finalize()
}

func TestTerminalRunRenderer_OnError(t *testing.T) {
	var buf bytes.Buffer
	r := NewTerminalRunRenderer(&buf, ModeMachine)

	r.OnError(context.Background(), errors.New("agent transport down"))
	r.Finalize()

	if !strings.Contains(buf.String(), "ERROR: agent transport down") {
		t.Errorf("expected error line, got: %s", buf.String())
	}
}

func TestTerminalRunRenderer_NoOutputAfterFinalize(t *testing.T) {
	var buf bytes.Buffer
	r := NewTerminalRunRenderer(&buf, ModeMachine)
	r.Finalize()

	before := buf.Len()
	r.OnPhase(context.Background(), "late phase")
	r.OnAgentChunk(context.Background(), "Engineer", "late chunk")

	if buf.Len() != before {
		t.Error("renderer should ignore updates after Finalize")
	}
}

func TestTerminalRunRenderer_FinalizeIdempotent(t *testing.T) {
	var buf bytes.Buffer
	r := NewTerminalRunRenderer(&buf, ModeMachine)
	r.OnAgentChunk(context.Background(), "Engineer", "x")

	r.Finalize()
	first := buf.String()
	r.Finalize()

	if buf.String() != first {
		t.Error("second Finalize should be a no-op")
	}
}

func TestTerminalRunRenderer_Stats(t *testing.T) {
	var buf bytes.Buffer
	r := NewTerminalRunRenderer(&buf, ModeMachine)
	ctx := context.Background()

	r.OnPhase(ctx, "build")
	r.OnAgentChunk(ctx, "Engineer", "a")
	r.OnAgentChunk(ctx, "Engineer", "b")
	r.Finalize()

	stats := r.Stats()
	if stats.TotalChunks != 2 {
		t.Errorf("TotalChunks = %d, want 2", stats.TotalChunks)
	}
	if stats.TotalEvents != 3 {
		t.Errorf("TotalEvents = %d, want 3", stats.TotalEvents)
	}
	if stats.Transcript != "ab" {
		t.Errorf("Transcript = %q, want \"ab\"", stats.Transcript)
	}
	if stats.FirstChunkAt == 0 {
		t.Error("FirstChunkAt should be set after first chunk")
	}
	if stats.Id == "" {
		t.Error("Id should be set")
	}
}

func TestTerminalRunRenderer_NilWriterDefaultsToStdout(t *testing.T) {
	r := NewTerminalRunRenderer(nil, ModeMachine)
	if r == nil {
		t.Fatal("NewTerminalRunRenderer(nil, ...) returned nil")
	}
	r.Finalize()
}

func TestTerminalRunRenderer_ConcurrentChunks(t *testing.T) {
	var buf bytes.Buffer
	r := NewTerminalRunRenderer(&buf, ModeMachine)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.OnAgentChunk(ctx, "Engineer", "x")
		}()
	}
	wg.Wait()
	r.Finalize()

	stats := r.Stats()
	if stats.TotalChunks != 50 {
		t.Errorf("TotalChunks = %d, want 50", stats.TotalChunks)
	}
	if len(stats.Transcript) != 50 {
		t.Errorf("Transcript length = %d, want 50", len(stats.Transcript))
	}
}

// =============================================================================
// Buffer Run Renderer Tests
// =============================================================================

func TestBufferRunRenderer_RecordsLines(t *testing.T) {
	r := NewBufferRunRenderer()
	ctx := context.Background()

	r.OnPhase(ctx, "execution debug")
	r.OnAgentStart(ctx, "Reviewer", "llama3")
	r.OnExecutionResult(ctx, true, "all good")
	r.OnComplete(ctx, true, "done")
	r.Finalize()

	if len(r.Lines) != 4 {
		t.Fatalf("expected 4 lines, got %d: %v", len(r.Lines), r.Lines)
	}
	if r.Lines[0] != "phase: execution debug" {
		t.Errorf("Lines[0] = %q", r.Lines[0])
	}
	if !strings.Contains(r.Lines[1], "Reviewer") {
		t.Errorf("Lines[1] = %q, want Reviewer mention", r.Lines[1])
	}
}

func TestBufferRunRenderer_Transcript(t *testing.T) {
	r := NewBufferRunRenderer()
	ctx := context.Background()

	r.OnAgentChunk(ctx, "Engineer", "def main():\n")
	r.OnAgentChunk(ctx, "Engineer", "    pass\n")

	if got := r.Transcript(); got != "def main():\n    pass\n" {
		t.Errorf("Transcript() = %q", got)
	}
}

func TestBufferRunRenderer_IgnoresAfterFinalize(t *testing.T) {
	r := NewBufferRunRenderer()
	r.Finalize()

	r.OnPhase(context.Background(), "late")
	r.OnAgentChunk(context.Background(), "Engineer", "late")

	if len(r.Lines) != 0 {
		t.Errorf("expected no lines after Finalize, got %v", r.Lines)
	}
	if r.Transcript() != "" {
		t.Error("expected empty transcript after Finalize")
	}
}

func TestBufferRunRenderer_ConcurrentAccess(t *testing.T) {
	r := NewBufferRunRenderer()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.OnAgentChunk(ctx, "Engineer", "c")
			r.OnEvolutionCycle(ctx, 1, 1, 0)
		}()
	}
	wg.Wait()

	stats := r.Stats()
	if stats.TotalChunks != 100 {
		t.Errorf("TotalChunks = %d, want 100", stats.TotalChunks)
	}
	if len(r.Lines) != 100 {
		t.Errorf("len(Lines) = %d, want 100", len(r.Lines))
	}
}
