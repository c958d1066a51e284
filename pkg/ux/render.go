// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides user experience components for the Forge CLI.
//
// This file contains run renderers that display workflow activity to
// various outputs (terminal, buffer, etc.).
//
// Single Responsibility:
//
//	Renderers ONLY render. They do not subscribe to events, manage
//	workflow state, or perform I/O beyond their writer. Each method
//	handles exactly one kind of update, enabling clean composition.
//
// Renderer Types:
//
//   - TerminalRunRenderer: Interactive terminal with spinners and colors
//   - MachineRunRenderer: Machine-readable KEY: value format
//   - BufferRunRenderer: In-memory buffer for testing
package ux

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Run Renderer Interface
// =============================================================================

// RenderStats captures aggregate metrics about a rendered run.
type RenderStats struct {
	// Id uniquely identifies this render session.
	Id string

	// CreatedAt is when the renderer was created (Unix milliseconds).
	CreatedAt int64

	// FirstChunkAt is when the first agent chunk arrived (Unix milliseconds).
	FirstChunkAt int64

	// TotalChunks is the number of agent chunks rendered.
	TotalChunks int

	// TotalEvents is the number of updates rendered across all types.
	TotalEvents int

	// Transcript is the accumulated agent output (machine/buffer modes).
	Transcript string
}

// RunRenderer renders workflow updates to an output destination.
//
// Each method handles exactly one kind of update. The renderer owns all
// output-related state (spinners, buffers, formatters). Callers should
// invoke methods in the order updates are received.
//
// Thread Safety:
//
//	Implementations must be safe for concurrent calls. Multiple goroutines
//	may invoke methods simultaneously when processing events from channels.
//
// Lifecycle:
//
//  1. Create renderer with New*RunRenderer()
//  2. Call On* methods as updates arrive
//  3. Call Finalize() when the run ends (always, even on error)
//  4. Call Stats() to inspect aggregate metrics
type RunRenderer interface {
	// OnPhase renders a phase change (e.g., "mental evolution").
	//
	// In interactive mode, may start or update a spinner.
	// In machine mode, prints "PHASE: name".
	OnPhase(ctx context.Context, phase string)

	// OnAgentStart announces that an agent role began generating.
	OnAgentStart(ctx context.Context, role, model string)

	// OnAgentChunk renders a streamed fragment of agent output.
	//
	// In interactive mode, prints immediately for streaming effect.
	// In machine mode, buffers until Finalize(). Chunks should be
	// rendered in order; out-of-order rendering garbles output.
	OnAgentChunk(ctx context.Context, role, chunk string)

	// OnAgentComplete announces that an agent role finished generating.
	OnAgentComplete(ctx context.Context, role string, duration time.Duration, chars int)

	// OnFilesSaved reports code files written to the staging directory.
	OnFilesSaved(ctx context.Context, dir string, fileCount int)

	// OnExecutionStart announces a program execution attempt.
	OnExecutionStart(ctx context.Context, attempt int, entryFile string)

	// OnExecutionResult reports the classified outcome of an execution.
	OnExecutionResult(ctx context.Context, passed bool, summary string)

	// OnEvolutionCycle reports debug-loop counters after a failed attempt.
	OnEvolutionCycle(ctx context.Context, attempt, tier, repeats int)

	// OnComplete signals run completion.
	//
	// Stops spinners, flushes buffers, prints the final status line.
	OnComplete(ctx context.Context, success bool, message string)

	// OnError renders a fatal run error.
	//
	// Stops spinners and displays the error. After OnError, only
	// Finalize() should be called.
	OnError(ctx context.Context, err error)

	// Finalize performs cleanup (stop spinners, flush output).
	//
	// MUST be called when the run ends, even if abnormally.
	// Safe to call multiple times; subsequent calls are no-ops.
	Finalize()

	// Stats returns aggregate metrics for the rendered run.
	Stats() *RenderStats
}

// =============================================================================
// Terminal Run Renderer
// =============================================================================

// terminalRunRenderer renders workflow updates to an interactive terminal.
//
// This is the primary renderer for user-facing output. It provides a rich
// experience with spinners, colors, and real-time chunk streaming.
//
// Features:
//   - Spinners for phase updates (stop automatically when chunks arrive)
//   - Real-time chunk streaming (each fragment printed as it arrives)
//   - Role headers so interleaved agent output stays readable
//   - Styled verdict and counter lines for the debug loop
//
// Thread Safety:
//
//	All methods are protected by a mutex. Safe for concurrent calls.
type terminalRunRenderer struct {
	writer io.Writer
	mode   Mode
	spin   *Spinner
	stats  *RenderStats
	mu     sync.Mutex

	// State tracking
	transcript  strings.Builder
	currentRole string
	streaming   bool
	finalized   bool
}

// NewTerminalRunRenderer creates a renderer for interactive terminal output.
//
// Parameters:
//   - w: The output writer. If nil, defaults to os.Stdout.
//   - mode: Controls output styling. Use GetMode() for the user's
//     configured mode, or hardcode for specific behavior.
func NewTerminalRunRenderer(w io.Writer, mode Mode) RunRenderer {
	if w == nil {
		w = os.Stdout
	}
	return &terminalRunRenderer{
		writer: w,
		mode:   mode,
		stats: &RenderStats{
			Id:        uuid.New().String(),
			CreatedAt: time.Now().UnixMilli(),
		},
	}
}

func (r *terminalRunRenderer) OnPhase(ctx context.Context, phase string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}
	r.stats.TotalEvents++
	r.endStreamLocked()

	if r.mode == ModeMachine {
		fmt.Fprintf(r.writer, "PHASE: %s\n", phase)
		return
	}

	if r.mode == ModeRich {
		if r.spin == nil {
			r.spin = NewSpinner(phase)
			r.spin.Start()
		} else {
			r.spin.UpdateMessage(phase)
		}
		return
	}

	fmt.Fprintf(r.writer, "%s %s\n", IconArrow, phase)
}

func (r *terminalRunRenderer) OnAgentStart(ctx context.Context, role, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}
	r.stats.TotalEvents++
	r.stopSpinnerLocked()
	r.endStreamLocked()
	r.currentRole = role

	if r.mode == ModeMachine {
		fmt.Fprintf(r.writer, "AGENT: %s model=%s\n", role, model)
		return
	}

	fmt.Fprintf(r.writer, "\n%s %s %s\n",
		Styles.Highlight.Render(string(IconHammer)),
		Styles.Role.Render(role),
		Styles.Muted.Render("("+model+")"),
	)
}

func (r *terminalRunRenderer) OnAgentChunk(ctx context.Context, role, chunk string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}

	if r.stats.TotalChunks == 0 {
		r.stats.FirstChunkAt = time.Now().UnixMilli()
	}
	r.stats.TotalChunks++
	r.stats.TotalEvents++
	r.stopSpinnerLocked()

	r.transcript.WriteString(chunk)

	if r.mode == ModeMachine {
		// Buffered until Finalize
		return
	}

	r.streaming = true
	fmt.Fprint(r.writer, chunk)
}

func (r *terminalRunRenderer) OnAgentComplete(ctx context.Context, role string, duration time.Duration, chars int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}
	r.stats.TotalEvents++
	r.endStreamLocked()

	if r.mode == ModeMachine {
		fmt.Fprintf(r.writer, "AGENT_DONE: %s duration_ms=%d chars=%d\n",
			role, duration.Milliseconds(), chars)
		return
	}

	fmt.Fprintf(r.writer, "%s %s\n",
		Styles.Muted.Render("└"),
		Styles.Muted.Render(fmt.Sprintf("%s finished in %s (%d chars)", role, duration.Round(time.Millisecond), chars)),
	)
}

func (r *terminalRunRenderer) OnFilesSaved(ctx context.Context, dir string, fileCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}
	r.stats.TotalEvents++
	r.endStreamLocked()

	if r.mode == ModeMachine {
		fmt.Fprintf(r.writer, "FILES: count=%d dir=%s\n", fileCount, dir)
		return
	}

	fmt.Fprintf(r.writer, "%s %s\n",
		IconSuccess.Render(),
		fmt.Sprintf("saved %d file(s) to %s", fileCount, Styles.Bold.Render(dir)),
	)
}

func (r *terminalRunRenderer) OnExecutionStart(ctx context.Context, attempt int, entryFile string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}
	r.stats.TotalEvents++
	r.endStreamLocked()

	if r.mode == ModeMachine {
		fmt.Fprintf(r.writer, "EXEC: attempt=%d entry=%s\n", attempt, entryFile)
		return
	}

	if r.mode == ModeRich {
		msg := fmt.Sprintf("running %s (attempt %d)", entryFile, attempt)
		if r.spin == nil {
			r.spin = NewSpinner(msg).WithType(SpinnerEmber)
			r.spin.Start()
		} else {
			r.spin.UpdateMessage(msg)
		}
		return
	}

	fmt.Fprintf(r.writer, "%s running %s (attempt %d)\n", IconGear, entryFile, attempt)
}

func (r *terminalRunRenderer) OnExecutionResult(ctx context.Context, passed bool, summary string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}
	r.stats.TotalEvents++
	r.stopSpinnerLocked()
	r.endStreamLocked()

	if r.mode == ModeMachine {
		fmt.Fprintf(r.writer, "RESULT: passed=%t %s\n", passed, summary)
		return
	}

	if passed {
		fmt.Fprintf(r.writer, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(summary))
	} else {
		fmt.Fprintf(r.writer, "%s %s\n", IconError.Render(), Styles.Error.Render(summary))
	}
}

func (r *terminalRunRenderer) OnEvolutionCycle(ctx context.Context, attempt, tier, repeats int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}
	r.stats.TotalEvents++

	if r.mode == ModeMachine {
		fmt.Fprintf(r.writer, "CYCLE: attempt=%d tier=%d repeats=%d\n", attempt, tier, repeats)
		return
	}

	fmt.Fprintf(r.writer, "%s %s\n",
		Styles.Muted.Render(string(IconBullet)),
		Styles.Muted.Render(fmt.Sprintf("debug cycle: attempt %d, tier %d, error repeated %dx", attempt, tier, repeats)),
	)
}

func (r *terminalRunRenderer) OnComplete(ctx context.Context, success bool, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}
	r.stats.TotalEvents++
	r.stopSpinnerLocked()
	r.endStreamLocked()

	if r.mode == ModeMachine {
		fmt.Fprintf(r.writer, "DONE: success=%t %s\n", success, message)
		return
	}

	fmt.Fprintln(r.writer)
	if success {
		fmt.Fprintf(r.writer, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(message))
	} else {
		fmt.Fprintf(r.writer, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(message))
	}
}

func (r *terminalRunRenderer) OnError(ctx context.Context, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}
	r.stats.TotalEvents++
	r.stopSpinnerLocked()
	r.endStreamLocked()

	if r.mode == ModeMachine {
		fmt.Fprintf(r.writer, "ERROR: %v\n", err)
		return
	}

	fmt.Fprintf(r.writer, "%s %s\n", IconError.Render(), Styles.Error.Render(err.Error()))
}

func (r *terminalRunRenderer) Finalize() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}
	r.finalized = true
	r.stopSpinnerLocked()

	if r.mode == ModeMachine && r.transcript.Len() > 0 {
		fmt.Fprintf(r.writer, "TRANSCRIPT: %s\n", r.transcript.String())
	}
	r.stats.Transcript = r.transcript.String()
}

func (r *terminalRunRenderer) Stats() *RenderStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := *r.stats
	stats.Transcript = r.transcript.String()
	return &stats
}

// stopSpinnerLocked stops any running spinner. Caller must hold r.mu.
func (r *terminalRunRenderer) stopSpinnerLocked() {
	if r.spin != nil {
		r.spin.Stop()
		r.spin = nil
	}
}

// endStreamLocked terminates an in-progress chunk stream with a newline
// so the next status line starts clean. Caller must hold r.mu.
func (r *terminalRunRenderer) endStreamLocked() {
	if r.streaming {
		fmt.Fprintln(r.writer)
		r.streaming = false
	}
}

// =============================================================================
// Buffer Run Renderer
// =============================================================================

// BufferRunRenderer records updates in memory for testing.
//
// Every On* call is captured as a formatted line in Lines, and chunk
// content is accumulated in the transcript. Not intended for production.
//
// Thread Safety: safe for concurrent use.
type BufferRunRenderer struct {
	mu         sync.Mutex
	Lines      []string
	transcript strings.Builder
	stats      *RenderStats
	finalized  bool
}

// NewBufferRunRenderer creates a renderer that records updates in memory.
func NewBufferRunRenderer() *BufferRunRenderer {
	return &BufferRunRenderer{
		stats: &RenderStats{
			Id:        uuid.New().String(),
			CreatedAt: time.Now().UnixMilli(),
		},
	}
}

func (r *BufferRunRenderer) record(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}
	r.stats.TotalEvents++
	r.Lines = append(r.Lines, line)
}

func (r *BufferRunRenderer) OnPhase(ctx context.Context, phase string) {
	r.record("phase: " + phase)
}

func (r *BufferRunRenderer) OnAgentStart(ctx context.Context, role, model string) {
	r.record(fmt.Sprintf("agent_start: %s (%s)", role, model))
}

func (r *BufferRunRenderer) OnAgentChunk(ctx context.Context, role, chunk string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}
	if r.stats.TotalChunks == 0 {
		r.stats.FirstChunkAt = time.Now().UnixMilli()
	}
	r.stats.TotalChunks++
	r.stats.TotalEvents++
	r.transcript.WriteString(chunk)
}

func (r *BufferRunRenderer) OnAgentComplete(ctx context.Context, role string, duration time.Duration, chars int) {
	r.record(fmt.Sprintf("agent_complete: %s chars=%d", role, chars))
}

func (r *BufferRunRenderer) OnFilesSaved(ctx context.Context, dir string, fileCount int) {
	r.record(fmt.Sprintf("files_saved: %d -> %s", fileCount, dir))
}

func (r *BufferRunRenderer) OnExecutionStart(ctx context.Context, attempt int, entryFile string) {
	r.record(fmt.Sprintf("execution_start: attempt=%d entry=%s", attempt, entryFile))
}

func (r *BufferRunRenderer) OnExecutionResult(ctx context.Context, passed bool, summary string) {
	r.record(fmt.Sprintf("execution_result: passed=%t %s", passed, summary))
}

func (r *BufferRunRenderer) OnEvolutionCycle(ctx context.Context, attempt, tier, repeats int) {
	r.record(fmt.Sprintf("evolution_cycle: attempt=%d tier=%d repeats=%d", attempt, tier, repeats))
}

func (r *BufferRunRenderer) OnComplete(ctx context.Context, success bool, message string) {
	r.record(fmt.Sprintf("complete: success=%t %s", success, message))
}

func (r *BufferRunRenderer) OnError(ctx context.Context, err error) {
	r.record("error: " + err.Error())
}

func (r *BufferRunRenderer) Finalize() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalized = true
	r.stats.Transcript = r.transcript.String()
}

func (r *BufferRunRenderer) Stats() *RenderStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := *r.stats
	stats.Transcript = r.transcript.String()
	return &stats
}

// Transcript returns the accumulated chunk content.
func (r *BufferRunRenderer) Transcript() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transcript.String()
}

var (
	_ RunRenderer = (*terminalRunRenderer)(nil)
	_ RunRenderer = (*BufferRunRenderer)(nil)
)
