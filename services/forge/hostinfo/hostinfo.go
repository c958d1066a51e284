// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package hostinfo probes the local machine for the facts agents need to
// reason about the execution environment: platform, CPU count, and which
// language toolchains are installed.
//
// The probe is caller-owned. Construct a Prober, pass it where it is
// needed, and call Info or Block. There is no package-level singleton;
// two runs with different probers never share state. Probing happens at
// most once per Prober and the result is cached.
package hostinfo

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"
)

// probeTimeout bounds each toolchain version command.
const probeTimeout = 5 * time.Second

// CommandRunner executes one probe command and returns its combined output.
// The default uses os/exec; tests inject canned outputs.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Info holds the probed facts about the host.
type Info struct {
	// OS is the operating system identifier ("linux", "darwin", ...).
	OS string `json:"os"`

	// Arch is the CPU architecture ("amd64", "arm64", ...).
	Arch string `json:"arch"`

	// CPUCount is the number of logical CPUs.
	CPUCount int `json:"cpu_count"`

	// GoVersion is the installed Go toolchain version ("go1.24.1").
	// Falls back to the version this binary was built with when the
	// toolchain is not on PATH.
	GoVersion string `json:"go_version"`

	// PythonVersion is the installed interpreter version ("3.12.4").
	// Empty when no python3 or python binary is on PATH.
	PythonVersion string `json:"python_version,omitempty"`
}

// Block renders the info as the environment section agents receive.
//
// Outputs:
//
//	string - One fact per line; toolchains the host lacks are omitted.
func (i Info) Block() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "OS: %s/%s\n", i.OS, i.Arch)
	fmt.Fprintf(&sb, "CPUs: %d\n", i.CPUCount)
	if i.GoVersion != "" {
		fmt.Fprintf(&sb, "Go: %s\n", i.GoVersion)
	}
	if i.PythonVersion != "" {
		fmt.Fprintf(&sb, "Python: %s\n", i.PythonVersion)
	}
	return sb.String()
}

// Prober detects host facts lazily and caches the result.
//
// Thread Safety: safe for concurrent use; the probe runs at most once.
type Prober struct {
	run  CommandRunner
	once sync.Once
	info Info
}

// Option configures a Prober.
type Option func(*Prober)

// WithCommandRunner overrides how probe commands execute.
func WithCommandRunner(run CommandRunner) Option {
	return func(p *Prober) {
		if run != nil {
			p.run = run
		}
	}
}

// NewProber creates a Prober backed by os/exec.
func NewProber(opts ...Option) *Prober {
	p := &Prober{run: execRunner}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Info returns the probed host facts, probing on first use.
//
// Description:
//
//	Version commands run with a short per-command timeout so a hung
//	interpreter cannot stall the caller. Probe failures degrade to
//	omitted fields rather than errors; the platform facts come from
//	the runtime and cannot fail.
//
// Thread Safety: safe for concurrent use.
func (p *Prober) Info(ctx context.Context) Info {
	p.once.Do(func() {
		p.info = Info{
			OS:            runtime.GOOS,
			Arch:          runtime.GOARCH,
			CPUCount:      runtime.NumCPU(),
			GoVersion:     p.probeGo(ctx),
			PythonVersion: p.probePython(ctx),
		}
	})
	return p.info
}

// Block returns the rendered environment section, probing on first use.
func (p *Prober) Block(ctx context.Context) string {
	return p.Info(ctx).Block()
}

// probeGo reads the installed toolchain version, falling back to the
// compile-time version when the go binary is unavailable.
func (p *Prober) probeGo(ctx context.Context) string {
	out, err := p.probe(ctx, "go", "version")
	if err != nil {
		return runtime.Version()
	}
	// "go version go1.24.1 linux/amd64"
	fields := strings.Fields(out)
	if len(fields) >= 3 && strings.HasPrefix(fields[2], "go") {
		return fields[2]
	}
	return runtime.Version()
}

// probePython tries python3 then python, returning "" when neither exists.
func (p *Prober) probePython(ctx context.Context) string {
	for _, name := range []string{"python3", "python"} {
		out, err := p.probe(ctx, name, "--version")
		if err != nil {
			continue
		}
		// "Python 3.12.4"
		fields := strings.Fields(out)
		if len(fields) >= 2 && strings.EqualFold(fields[0], "Python") {
			return fields[1]
		}
	}
	return ""
}

func (p *Prober) probe(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	out, err := p.run(ctx, name, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// execRunner is the production CommandRunner.
func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}
