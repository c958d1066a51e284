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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianForge/pkg/ux"
	"github.com/AleutianAI/AleutianForge/services/forge/store"
	"github.com/AleutianAI/AleutianForge/services/forge/telemetry"
	"github.com/AleutianAI/AleutianForge/services/forge/workflow"
	"github.com/AleutianAI/AleutianForge/services/forge/workflow/events"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	runTaskFile    string        // Read the task from a file instead of args
	runEnvFile     string        // Extra environment block for the architect
	runStagingRoot string        // Override the staging directory
	runExecTimeout time.Duration // Override the per-attempt execution timeout
	runNoArchive   bool          // Skip archiving this run
	runNoWarm      bool          // Skip model pre-loading
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// runCmd executes one full workflow in the terminal.
//
// # Description
//
// Streams every agent turn, staged file, execution attempt, and debug
// cycle live, then archives the finished run unless --no-archive is set.
//
// # Examples
//
//	forge run "write a script that prints the first 20 primes"
//	forge run --task-file task.txt
//	forge run -m qwen3-coder:30b --staging /tmp/out "sort a CSV by column 2"
var runCmd = &cobra.Command{
	Use:   "run [task...]",
	Short: "Run the full workflow for one task",
	Long: `Runs the three-phase workflow for a single task and renders its
progress live. The task is taken from the command arguments, or from
--task-file when given.

The exit code is 0 only when the generated program actually ran and
passed output validation.`,
	Args: cobra.ArbitraryArgs,
	Run:  runRunCommand,
}

// =============================================================================
// COMMAND INITIALIZATION
// =============================================================================

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runTaskFile, "task-file", "f", "",
		"Read the task from this file")
	runCmd.Flags().StringVar(&runEnvFile, "env-file", "",
		"File whose contents are given to the architect as environment notes")
	runCmd.Flags().StringVar(&runStagingRoot, "staging", "",
		"Directory to stage and execute generated code in (overrides config)")
	runCmd.Flags().DurationVar(&runExecTimeout, "exec-timeout", 0,
		"Per-attempt execution timeout, e.g. 90s (overrides config)")
	runCmd.Flags().BoolVar(&runNoArchive, "no-archive", false,
		"Do not record this run in the archive")
	runCmd.Flags().BoolVar(&runNoWarm, "no-warm", false,
		"Do not pre-load persona models into VRAM")
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

func runRunCommand(cmd *cobra.Command, args []string) {
	if code := executeRunCommand(args); code != 0 {
		exitCLI(code)
	}
}

// executeRunCommand is the body of the run command. All cleanup is
// deferred inside so it completes before the caller decides to exit.
func executeRunCommand(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	task, err := resolveTask(args)
	if err != nil {
		ux.Error(err.Error())
		return 1
	}
	envBlock, err := resolveEnvironment()
	if err != nil {
		ux.Error(err.Error())
		return 1
	}

	cfg, err := workflow.LoadConfig(forgeConfigPath)
	if err != nil {
		ux.Error("invalid configuration: " + err.Error())
		return 1
	}
	applyModelFlag(&cfg)
	if runStagingRoot != "" {
		cfg.Staging.Root = runStagingRoot
	}
	if runExecTimeout > 0 {
		cfg.Execution.Timeout = runExecTimeout
	}

	// One-shot runs have no scrape surface; traces still export when
	// OTEL_TRACES_EXPORTER asks for them.
	tcfg := telemetry.DefaultConfig()
	tcfg.MetricExporter = "none"
	shutdownTel, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		slog.Warn("telemetry disabled", slog.Any("error", err))
	} else {
		defer func() {
			shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTel(shCtx); err != nil {
				slog.Warn("telemetry shutdown failed", slog.Any("error", err))
			}
		}()
	}

	client, err := buildLLMClient(cfg)
	if err != nil {
		ux.Error("LLM backend unavailable: " + err.Error())
		return 1
	}
	if !runNoWarm {
		warmPersonaModels(ctx, cfg, client, "30m")
	}

	var archive *store.Archive
	if !runNoArchive {
		archive, err = store.Open(store.DefaultConfig(forgeDataDir))
		if err != nil {
			ux.Warning("run archive unavailable, continuing without it: " + err.Error())
			archive = nil
		} else {
			defer archive.Close()
		}
	}

	runID := uuid.NewString()
	emitter := events.NewEmitter(events.WithRunID(runID))
	renderer := ux.NewTerminalRunRenderer(os.Stdout, ux.GetMode())
	bindRunRenderer(emitter, renderer)
	errLog := store.NewErrorLogCollector()
	emitter.Subscribe(errLog.Handle, events.TypeExecutionResult, events.TypeEvolutionCycle)

	var opts []workflow.Option
	if envBlock != "" {
		opts = append(opts, workflow.WithEnvironment(envBlock))
	}
	orch, err := workflow.New(cfg, client, emitter, opts...)
	if err != nil {
		ux.Error("workflow setup failed: " + err.Error())
		return 1
	}

	ux.Title("Forge " + version)
	ux.Muted("run " + runID)
	ux.Muted("staging root: " + cfg.Staging.Root)

	summary, runErr := orch.Run(ctx, task)
	renderer.Finalize()

	archiveCLIRun(archive, runID, task, summary, runErr, errLog.Entries())

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			ux.Warning("run cancelled")
		}
		return 1
	}

	printRunSummary(runID, summary)
	if !summary.Success {
		return 1
	}
	return 0
}

func resolveTask(args []string) (string, error) {
	fromArgs := strings.TrimSpace(strings.Join(args, " "))
	if runTaskFile != "" {
		if fromArgs != "" {
			return "", errors.New("give the task either as arguments or via --task-file, not both")
		}
		data, err := os.ReadFile(runTaskFile)
		if err != nil {
			return "", fmt.Errorf("reading task file: %w", err)
		}
		if strings.TrimSpace(string(data)) == "" {
			return "", fmt.Errorf("task file %s is empty", runTaskFile)
		}
		return strings.TrimSpace(string(data)), nil
	}
	if fromArgs == "" {
		return "", errors.New("no task given: pass it as arguments or use --task-file")
	}
	return fromArgs, nil
}

func resolveEnvironment() (string, error) {
	if runEnvFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(runEnvFile)
	if err != nil {
		return "", fmt.Errorf("reading environment file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// printRunSummary prints the closing counters after a completed run.
func printRunSummary(runID string, s *workflow.Summary) {
	fmt.Println()
	ux.Counter("agent calls", strconv.Itoa(s.TotalAgentCalls))
	ux.Counter("mental cycles", strconv.Itoa(s.EvolutionCycles))
	ux.Counter("failed attempts", strconv.Itoa(s.ExecutionAttempts))
	if s.ReArchitectCount > 0 {
		ux.Counter("re-architectures", strconv.Itoa(s.ReArchitectCount))
	}
	if s.HighestTier > 0 {
		ux.Counter("highest tier", strconv.Itoa(s.HighestTier))
	}
	ux.Counter("duration", s.Duration.Round(time.Millisecond).String())
	if s.EntryFile != "" {
		ux.Info("entry file: " + s.EntryFile)
	}
	if len(s.StagedFiles) > 0 {
		ux.Info("staged files: " + strings.Join(s.StagedFiles, ", "))
	}
	if !runNoArchive {
		ux.Muted("archived as " + runID)
	}
}

// archiveCLIRun persists a finished run the same way serve mode does.
// Archive failures are logged, never fatal: the run result already went
// to the terminal.
func archiveCLIRun(archive *store.Archive, runID, task string, summary *workflow.Summary, runErr error, errLog []store.ErrorEntry) {
	if archive == nil {
		return
	}

	rec := store.RunRecord{
		ID:         runID,
		Task:       task,
		StartedAt:  time.Now(),
		FinishedAt: time.Now(),
	}
	switch {
	case runErr != nil:
		rec.Status = store.StatusError
		rec.Error = runErr.Error()
	case summary.Success:
		rec.Status = store.StatusSucceeded
	default:
		rec.Status = store.StatusFailed
		rec.Error = summary.Message
	}
	if summary != nil {
		rec.EntryFile = summary.EntryFile
		rec.Artifacts = summary.StagedFiles
		rec.EvolutionCycles = summary.EvolutionCycles
		rec.ExecutionAttempts = summary.ExecutionAttempts
		rec.Escalations = summary.ExecutionAttempts
		rec.HighestTier = summary.HighestTier
		rec.StartedAt = time.Now().Add(-summary.Duration)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := archive.SaveRun(ctx, rec); err != nil {
		slog.Error("failed to archive run", slog.String("run_id", runID), slog.Any("error", err))
		return
	}
	for _, entry := range errLog {
		if err := archive.AppendError(ctx, runID, entry); err != nil {
			slog.Warn("failed to append run error entry",
				slog.String("run_id", runID),
				slog.Any("error", err),
			)
			return
		}
	}
}
