// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package runner

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return name
}

func TestRun_CleanExit(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	entry := writeScript(t, dir, "main.sh", "echo hello\necho oops 1>&2\n")

	result, err := New().Run(context.Background(), dir, entry)
	require.NoError(t, err)

	assert.True(t, result.ExitedCleanly)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "hello\n", result.Stdout)
	assert.Equal(t, "oops\n", result.Stderr)
	assert.False(t, result.TimedOut)
	assert.Greater(t, result.Duration, time.Duration(0))
}

func TestRun_NonZeroExit(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	entry := writeScript(t, dir, "main.sh", "echo before failure\nexit 3\n")

	result, err := New().Run(context.Background(), dir, entry)
	require.NoError(t, err)

	assert.False(t, result.ExitedCleanly)
	assert.Equal(t, 3, result.ExitCode)
	assert.Equal(t, "before failure\n", result.Stdout)
}

func TestRun_Timeout(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	entry := writeScript(t, dir, "main.sh", "sleep 30\n")

	r := New(WithTimeout(200 * time.Millisecond))
	start := time.Now()
	result, err := r.Run(context.Background(), dir, entry)
	require.NoError(t, err)

	assert.True(t, result.TimedOut)
	assert.False(t, result.ExitedCleanly)
	assert.Contains(t, result.Stderr, "execution timeout")
	assert.Less(t, time.Since(start), 5*time.Second, "timeout should not wait for the sleep")
}

func TestRun_TimeoutKillsProcessGroup(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	// The background child shares the stdout pipe; only a group kill
	// releases it before the 30s sleep finishes.
	entry := writeScript(t, dir, "main.sh", "sleep 30 &\nsleep 30\n")

	r := New(WithTimeout(200 * time.Millisecond))
	start := time.Now()
	result, err := r.Run(context.Background(), dir, entry)
	require.NoError(t, err)

	assert.True(t, result.TimedOut)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRun_LingeringChildDoesNotBlockCleanExit(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	// Parent exits immediately; the orphan holds the pipe until the
	// drain grace forces it shut.
	entry := writeScript(t, dir, "main.sh", "sleep 30 &\necho done\n")

	start := time.Now()
	result, err := New().Run(context.Background(), dir, entry)
	require.NoError(t, err)

	assert.True(t, result.ExitedCleanly)
	assert.Contains(t, result.Stdout, "done")
	assert.Less(t, time.Since(start), 15*time.Second)
}

func TestRun_OutputCapped(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	script := "i=0\nwhile [ $i -lt 500 ]; do\n  echo 0123456789012345678901234567890123456789\n  i=$((i+1))\ndone\n"
	entry := writeScript(t, dir, "main.sh", script)

	r := New(WithMaxOutputBytes(1024))
	result, err := r.Run(context.Background(), dir, entry)
	require.NoError(t, err)

	assert.True(t, result.ExitedCleanly, "a capped stream must not block the child")
	assert.Len(t, result.Stdout, 1024)
}

func TestRun_CallerCancellation(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	entry := writeScript(t, dir, "main.sh", "sleep 30\n")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := New().Run(ctx, dir, entry)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_UnknownExtension(t *testing.T) {
	dir := t.TempDir()
	entry := writeScript(t, dir, "main.zig", "const x = 1;\n")

	result, err := New().Run(context.Background(), dir, entry)
	require.NoError(t, err)

	assert.False(t, result.ExitedCleanly)
	assert.Contains(t, result.Stderr, "no interpreter")
}

func TestRun_MissingInterpreter(t *testing.T) {
	if _, err := exec.LookPath("ruby"); err == nil {
		t.Skip("ruby is installed; cannot exercise the missing-interpreter path")
	}
	dir := t.TempDir()
	entry := writeScript(t, dir, "main.rb", "puts 'hi'\n")

	result, err := New().Run(context.Background(), dir, entry)
	require.NoError(t, err)

	assert.False(t, result.ExitedCleanly)
	assert.Contains(t, result.Stderr, "failed to start")
}

func TestRun_ArtifactWatcher(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	entry := writeScript(t, dir, "main.sh",
		"echo result > output.txt\nmkdir reports\necho r > reports/run.txt\nsleep 0.3\n")

	r := New(WithArtifactWatcher())
	result, err := r.Run(context.Background(), dir, entry)
	require.NoError(t, err)

	require.True(t, result.ExitedCleanly)
	assert.Contains(t, result.CreatedFiles, "output.txt")
	assert.Contains(t, result.CreatedFiles, filepath.Join("reports", "run.txt"))
	assert.NotContains(t, result.CreatedFiles, "main.sh", "pre-existing files are not artifacts")
}

func TestRun_PythonEntry(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	dir := t.TempDir()
	entry := writeScript(t, dir, "main.py", "print('from python')\n")

	result, err := New().Run(context.Background(), dir, entry)
	require.NoError(t, err)

	assert.True(t, result.ExitedCleanly)
	assert.Contains(t, result.Stdout, "from python")
}
