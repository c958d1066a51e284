// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package runner executes staged code in a subprocess and captures the
// evidence the debug loop needs.
//
// Each attempt runs the entry file under its interpreter in the staging
// directory, in its own process group so runaway children die with it.
// Output is capped per stream, a generous per-attempt timeout turns hangs
// into crash-shaped results, and an optional watcher reports files the
// program created while it ran.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

var tracer = otel.Tracer("forge.runner")

const (
	// DefaultTimeout bounds one execution attempt. Deliberately generous;
	// generated code that computes for minutes is not a failure.
	DefaultTimeout = 5 * time.Minute

	// DefaultMaxOutputBytes caps each captured stream.
	DefaultMaxOutputBytes = 1 << 20

	// pipeDrainGrace is how long readers may lag after the child exits
	// before lingering group members are killed and the pipes forced shut.
	pipeDrainGrace = 2 * time.Second
)

// Result is the evidence from one execution attempt.
type Result struct {
	// ExitedCleanly is true when the process exited with status 0. A
	// timeout is never clean.
	ExitedCleanly bool

	// ExitCode is the process exit status (-1 when killed by signal).
	ExitCode int

	// Stdout holds up to MaxOutputBytes of standard output.
	Stdout string

	// Stderr holds up to MaxOutputBytes of standard error. On timeout a
	// synthetic diagnostic line is appended so the repair loop sees why
	// the attempt died.
	Stderr string

	// Duration is wall time from start to reaped exit.
	Duration time.Duration

	// TimedOut is true when the attempt hit the per-attempt timeout.
	TimedOut bool

	// CreatedFiles lists paths (relative to the work directory) created
	// while the process ran. Populated only with the artifact watcher.
	CreatedFiles []string
}

// Runner executes entry files.
//
// Thread Safety: Runner is immutable after construction and safe for
// concurrent use; each Run owns its subprocess.
type Runner struct {
	timeout   time.Duration
	maxOutput int
	watch     bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithTimeout overrides the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithMaxOutputBytes overrides the per-stream capture cap.
func WithMaxOutputBytes(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxOutput = n
		}
	}
}

// WithArtifactWatcher enables collection of files created during
// execution.
func WithArtifactWatcher() Option {
	return func(r *Runner) {
		r.watch = true
	}
}

// New creates a Runner.
func New(opts ...Option) *Runner {
	r := &Runner{
		timeout:   DefaultTimeout,
		maxOutput: DefaultMaxOutputBytes,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes one entry file inside workDir.
//
// Description:
//
//	The interpreter is chosen by extension. The child runs in its own
//	process group; on timeout or caller cancellation the whole group is
//	killed. Failures of the program under test (non-zero exit, missing
//	interpreter, timeout) come back as a Result, not an error: they are
//	evidence for the debug loop. The error return is reserved for caller
//	cancellation and runner-internal faults.
//
// Inputs:
//
//	ctx - Caller context; cancellation aborts the attempt.
//	workDir - The staging root the process runs in.
//	entry - Entry file path relative to workDir.
//
// Outputs:
//
//	Result - Captured outcome of the attempt.
//	error - Non-nil on cancellation or setup failure.
func (r *Runner) Run(ctx context.Context, workDir, entry string) (Result, error) {
	ctx, span := tracer.Start(ctx, "execute.attempt")
	defer span.End()
	span.SetAttributes(
		attribute.String("entry.file", entry),
		attribute.String("timeout", r.timeout.String()),
	)

	attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd, err := r.buildCommand(attemptCtx, workDir, entry)
	if err != nil {
		// Unknown extension: evidence, not an infrastructure fault.
		return Result{ExitedCleanly: false, ExitCode: -1, Stderr: err.Error()}, nil
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		return Result{}, fmt.Errorf("creating stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return Result{}, fmt.Errorf("creating stderr pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	var watcher *artifactWatcher
	if r.watch {
		if w, werr := newArtifactWatcher(workDir); werr == nil {
			watcher = w
			watcher.start()
			defer watcher.stop()
		}
		// Watch failures degrade to an attempt without artifact capture.
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		outR.Close()
		outW.Close()
		errR.Close()
		errW.Close()
		// Missing interpreter lands here; the debug loop can react to it.
		return Result{
			ExitedCleanly: false,
			ExitCode:      -1,
			Stderr:        fmt.Sprintf("failed to start %s: %v", entry, err),
		}, nil
	}
	// The child owns its write ends now.
	outW.Close()
	errW.Close()

	var stdout, stderr bytes.Buffer
	var readers errgroup.Group
	readers.Go(func() error { return readCapped(outR, &stdout, r.maxOutput) })
	readers.Go(func() error { return readCapped(errR, &stderr, r.maxOutput) })
	readersDone := make(chan error, 1)
	go func() { readersDone <- readers.Wait() }()

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var exitErr error
	timedOut := false
	select {
	case <-attemptCtx.Done():
		killGroup(cmd)
		exitErr = <-waitErr
		r.reapReaders(cmd, outR, errR, readersDone)
		if ctx.Err() != nil {
			// The caller aborted the run, not the timeout.
			return Result{}, fmt.Errorf("execution aborted: %w", ctx.Err())
		}
		timedOut = true
	case exitErr = <-waitErr:
		r.reapReaders(cmd, outR, errR, readersDone)
	}
	duration := time.Since(started)

	result := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
		TimedOut: timedOut,
	}
	if timedOut {
		result.ExitCode = -1
		result.Stderr = appendLine(result.Stderr,
			fmt.Sprintf("[process killed: exceeded %s execution timeout]", r.timeout))
	} else if exitErr == nil {
		result.ExitedCleanly = true
	} else {
		var ee *exec.ExitError
		if errors.As(exitErr, &ee) {
			result.ExitCode = ee.ExitCode()
		} else {
			result.ExitCode = -1
			result.Stderr = appendLine(result.Stderr, exitErr.Error())
		}
	}

	if watcher != nil {
		result.CreatedFiles = watcher.stop()
	}

	span.SetAttributes(
		attribute.Bool("exited.cleanly", result.ExitedCleanly),
		attribute.Int("exit.code", result.ExitCode),
		attribute.Bool("timed.out", result.TimedOut),
	)
	return result, nil
}

// buildCommand selects the interpreter invocation for the entry file.
func (r *Runner) buildCommand(ctx context.Context, workDir, entry string) (*exec.Cmd, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(entry), "."))

	var cmd *exec.Cmd
	switch ext {
	case "py":
		cmd = exec.CommandContext(ctx, pythonBinary(), entry)
	case "go":
		if _, err := os.Stat(filepath.Join(workDir, "go.mod")); err == nil {
			cmd = exec.CommandContext(ctx, "go", "run", ".")
		} else {
			cmd = exec.CommandContext(ctx, "go", "run", entry)
		}
	case "js", "mjs":
		cmd = exec.CommandContext(ctx, "node", entry)
	case "sh":
		cmd = exec.CommandContext(ctx, "sh", entry)
	case "rb":
		cmd = exec.CommandContext(ctx, "ruby", entry)
	default:
		return nil, fmt.Errorf("no interpreter for %q files", ext)
	}

	cmd.Dir = workDir
	// Own process group so the whole tree can be killed at once.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")
	return cmd, nil
}

// pythonBinary prefers python3 and falls back to python.
func pythonBinary() string {
	if _, err := exec.LookPath("python3"); err == nil {
		return "python3"
	}
	return "python"
}

// killGroup SIGKILLs the child's whole process group.
func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
}

// reapReaders waits for the capped readers, forcing the pipes shut when a
// surviving group member keeps them open past the grace period. It is the
// sole owner of the read ends; both are closed exactly once.
func (r *Runner) reapReaders(cmd *exec.Cmd, outR, errR *os.File, readersDone <-chan error) {
	grace := time.NewTimer(pipeDrainGrace)
	defer grace.Stop()
	select {
	case <-readersDone:
		outR.Close()
		errR.Close()
	case <-grace.C:
		killGroup(cmd)
		outR.Close()
		errR.Close()
		<-readersDone
	}
}

// readCapped keeps the first max bytes and drains the rest so the child
// never blocks on a full pipe.
func readCapped(r io.Reader, buf *bytes.Buffer, max int) error {
	if _, err := io.Copy(buf, io.LimitReader(r, int64(max))); err != nil {
		return ignoreClosed(err)
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return ignoreClosed(err)
	}
	return nil
}

// ignoreClosed swallows the errors produced by force-closing a pipe that a
// reader is blocked on.
func ignoreClosed(err error) error {
	if errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}

func appendLine(s, line string) string {
	if s == "" {
		return line
	}
	if strings.HasSuffix(s, "\n") {
		return s + line
	}
	return s + "\n" + line
}
