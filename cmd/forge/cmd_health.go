// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianForge/pkg/ux"
	"github.com/AleutianAI/AleutianForge/services/forge/hostinfo"
	"github.com/AleutianAI/AleutianForge/services/forge/staging"
	"github.com/AleutianAI/AleutianForge/services/forge/store"
	"github.com/AleutianAI/AleutianForge/services/forge/workflow"
	"github.com/AleutianAI/AleutianForge/services/llm"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	healthNoLLM   bool          // Skip the model round-trip
	healthTimeout time.Duration // Bound for the whole preflight
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// healthCmd checks every collaborator a run depends on before any tokens
// are spent.
//
// # Description
//
// Validates the merged configuration, round-trips the configured LLM
// backend with a one-token generation, probes the host toolchains the
// generated code will run on, verifies the staging root is writable, and
// opens the run archive. The model round-trip is the expensive check
// (a cold model loads into VRAM); --no-llm skips it.
//
// # Examples
//
//	forge health
//	forge health --no-llm
//	forge health -m qwen3-coder:30b --provider ollama
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Preflight the LLM backend, host toolchains, staging root, and archive",
	Long: `Checks everything a run needs before it starts:

  - configuration merges and validates
  - the LLM backend answers a one-token generation with the default model
  - the host has runnable toolchains for generated code
  - the staging root is writable
  - the run archive opens

The exit code is 0 only when every critical check passes, so scripts can
gate on it before queueing work.`,
	Run: runHealthCommand,
}

// =============================================================================
// COMMAND INITIALIZATION
// =============================================================================

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().BoolVar(&healthNoLLM, "no-llm", false,
		"Skip the LLM backend round-trip")
	healthCmd.Flags().DurationVar(&healthTimeout, "timeout", 2*time.Minute,
		"Overall preflight time limit (the model round-trip dominates)")
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

func runHealthCommand(cmd *cobra.Command, args []string) {
	if code := executeHealthCommand(); code != 0 {
		exitCLI(code)
	}
}

// executeHealthCommand is the body of the health command. All cleanup is
// deferred inside so it completes before the caller decides to exit.
func executeHealthCommand() int {
	ctx, cancel := context.WithTimeout(context.Background(), healthTimeout)
	defer cancel()

	ux.Title("Forge preflight")
	failed := false

	cfg, err := workflow.LoadConfig(forgeConfigPath)
	if err != nil {
		ux.Error("configuration: " + err.Error())
		return 1
	}
	applyModelFlag(&cfg)
	ux.Success("configuration valid")

	if healthNoLLM {
		ux.Muted("llm backend: skipped (--no-llm)")
	} else if !checkLLM(ctx, cfg) {
		failed = true
	}

	checkToolchains(ctx)

	if !checkStagingRoot(cfg.Staging.Root) {
		failed = true
	}
	if !checkArchive(ctx) {
		failed = true
	}

	fmt.Println()
	if failed {
		ux.Error("preflight failed")
		return 1
	}
	ux.Success("all checks passed")
	return 0
}

// checkLLM round-trips the backend with a one-token generation. This is
// the only check that proves the default model actually answers, not
// just that a server is listening.
func checkLLM(ctx context.Context, cfg workflow.Config) bool {
	client, err := buildLLMClient(cfg)
	if err != nil {
		ux.Error("llm backend: " + err.Error())
		return false
	}

	one := 1
	start := time.Now()
	_, err = client.Generate(ctx, "Reply with the single word: ok", llm.GenerationParams{
		MaxTokens: &one,
	})
	if err != nil {
		ux.Error("llm backend: " + err.Error())
		return false
	}
	ux.Success(fmt.Sprintf("llm backend answered with %s in %s",
		client.Model(), time.Since(start).Round(time.Millisecond)))
	return true
}

// checkToolchains reports which runtimes staged code can execute under.
// A missing interpreter is a warning, not a failure: the task decides
// which language the developer emits.
func checkToolchains(ctx context.Context) {
	info := hostinfo.NewProber().Info(ctx)
	ux.Info(fmt.Sprintf("host: %s/%s, %s CPUs", info.OS, info.Arch, strconv.Itoa(info.CPUCount)))
	if info.GoVersion != "" {
		ux.Success("go toolchain: " + info.GoVersion)
	} else {
		ux.Warning("go toolchain not found on PATH")
	}
	if info.PythonVersion != "" {
		ux.Success("python interpreter: " + info.PythonVersion)
	} else {
		ux.Warning("python interpreter not found on PATH")
	}
}

// checkStagingRoot verifies the root accepts writes without disturbing
// whatever a previous run left there.
func checkStagingRoot(root string) bool {
	if _, err := staging.New(root); err != nil {
		ux.Error("staging root: " + err.Error())
		return false
	}
	if err := os.MkdirAll(root, 0750); err != nil {
		ux.Error("staging root: " + err.Error())
		return false
	}
	probe := filepath.Join(root, ".forge_health")
	if err := os.WriteFile(probe, []byte("probe"), 0600); err != nil {
		ux.Error("staging root not writable: " + err.Error())
		return false
	}
	if err := os.Remove(probe); err != nil {
		ux.Warning("staging probe file left behind: " + err.Error())
	}
	ux.Success("staging root writable: " + root)
	return true
}

// checkArchive opens the run archive and reports its size. A missing
// archive directory is created by Open, so first runs pass too.
func checkArchive(ctx context.Context) bool {
	archive, err := store.Open(store.DefaultConfig(forgeDataDir))
	if err != nil {
		ux.Error("run archive: " + err.Error())
		return false
	}
	defer archive.Close()

	runs, err := archive.ListRuns(ctx, 1)
	if err != nil {
		ux.Error("run archive unreadable: " + err.Error())
		return false
	}
	if len(runs) == 0 {
		ux.Success("run archive ready (empty): " + forgeDataDir)
	} else {
		ux.Success("run archive ready: " + forgeDataDir)
	}
	return true
}
