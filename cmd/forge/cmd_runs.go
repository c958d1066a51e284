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
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianForge/pkg/ux"
	"github.com/AleutianAI/AleutianForge/services/forge/store"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	runsListLimit int  // Maximum runs to list
	runsShowFull  bool // Print full diagnostics in the error log
)

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

// runsCmd groups the archive query commands.
var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect archived runs",
	Long: `Queries the local run archive. Every finished run is recorded in a
hash-chained store; 'runs verify' recomputes the whole chain and reports
the first broken link, if any.`,
}

// runsListCmd lists archived runs, newest first.
//
// # Examples
//
//	forge runs list
//	forge runs list --limit 5
var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived runs, newest first",
	Run:   runRunsListCommand,
}

// runsShowCmd prints one archived run with its error log.
//
// # Examples
//
//	forge runs show 4f90914d
//	forge runs show 4f90914d-3f4f-47de-ad2e-33fbf600e000 --full
var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one archived run and its error log",
	Args:  cobra.ExactArgs(1),
	Run:   runRunsShowCommand,
}

// runsVerifyCmd audits the archive's hash chain.
//
// # Description
//
// Recomputes every record hash and checks each link to the record saved
// before it. A broken chain means an archived record was modified after
// the fact; the report names the first bad sequence number.
var runsVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the archive's hash chain",
	Run:   runRunsVerifyCommand,
}

// =============================================================================
// COMMAND INITIALIZATION
// =============================================================================

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsVerifyCmd)

	runsListCmd.Flags().IntVar(&runsListLimit, "limit", 20,
		"Maximum number of runs to list (0 for all)")
	runsShowCmd.Flags().BoolVar(&runsShowFull, "full", false,
		"Print the full diagnostic for each logged error")
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

func runRunsListCommand(cmd *cobra.Command, args []string) {
	if code := executeRunsList(); code != 0 {
		exitCLI(code)
	}
}

func runRunsShowCommand(cmd *cobra.Command, args []string) {
	if code := executeRunsShow(args[0]); code != 0 {
		exitCLI(code)
	}
}

func runRunsVerifyCommand(cmd *cobra.Command, args []string) {
	if code := executeRunsVerify(); code != 0 {
		exitCLI(code)
	}
}

func executeRunsList() int {
	archive, ctx, cleanup, ok := openArchiveForQuery()
	if !ok {
		return 1
	}
	defer cleanup()

	runs, err := archive.ListRuns(ctx, runsListLimit)
	if err != nil {
		ux.Error("listing runs failed: " + err.Error())
		return 1
	}
	if len(runs) == 0 {
		ux.Muted("archive is empty")
		return 0
	}

	fmt.Printf("%-10s %-10s %5s %9s  %-19s  %s\n",
		"ID", "STATUS", "TIER", "ATTEMPTS", "FINISHED", "TASK")
	for _, rec := range runs {
		fmt.Printf("%-10s %-10s %5d %9d  %-19s  %s\n",
			shortRunID(rec.ID),
			rec.Status,
			rec.HighestTier,
			rec.ExecutionAttempts,
			formatWhen(rec.FinishedAt),
			truncateTask(rec.Task, 48),
		)
	}
	return 0
}

func executeRunsShow(runID string) int {
	archive, ctx, cleanup, ok := openArchiveForQuery()
	if !ok {
		return 1
	}
	defer cleanup()

	rec, err := findRun(ctx, archive, runID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			ux.Error("no archived run matches " + runID)
			return 1
		}
		ux.Error("reading run failed: " + err.Error())
		return 1
	}

	ux.Title("Run " + rec.ID)
	ux.Counter("status", rec.Status)
	ux.Counter("mental cycles", strconv.Itoa(rec.EvolutionCycles))
	ux.Counter("failed attempts", strconv.Itoa(rec.ExecutionAttempts))
	if rec.HighestTier > 0 {
		ux.Counter("highest tier", strconv.Itoa(rec.HighestTier))
	}
	ux.Counter("started", formatWhen(rec.StartedAt))
	ux.Counter("finished", formatWhen(rec.FinishedAt))
	if rec.EntryFile != "" {
		ux.Info("entry file: " + rec.EntryFile)
	}
	if len(rec.Artifacts) > 0 {
		ux.Info("artifacts: " + strings.Join(rec.Artifacts, ", "))
	}
	if rec.Error != "" {
		ux.ErrorBox("failure", rec.Error)
	}

	ux.Section("task")
	fmt.Println(rec.Task)

	entries, err := archive.Errors(ctx, rec.ID)
	if err != nil {
		ux.Warning("error log unreadable: " + err.Error())
	} else if len(entries) > 0 {
		ux.Section("error log")
		for _, e := range entries {
			fmt.Printf("  attempt %-3d tier %d  %s\n", e.Attempt, e.Tier, e.Signature)
			if runsShowFull && e.Diagnostic != "" {
				fmt.Println(indentBlock(e.Diagnostic, "    "))
			}
		}
	}

	ux.Muted(fmt.Sprintf("seq %d  hash %s", rec.Seq, rec.Hash))
	return 0
}

func executeRunsVerify() int {
	archive, ctx, cleanup, ok := openArchiveForQuery()
	if !ok {
		return 1
	}
	defer cleanup()

	report, err := archive.VerifyChain(ctx)
	if err != nil {
		ux.Error("verification failed: " + err.Error())
		return 1
	}
	if !report.Valid {
		ux.ErrorBox("archive hash chain broken", report.Message)
		return 1
	}
	if report.Length == 0 {
		ux.Muted("archive is empty, nothing to verify")
		return 0
	}
	ux.Success(fmt.Sprintf("hash chain intact: %d record(s), final hash %s",
		report.Length, report.FinalHash))
	return 0
}

// =============================================================================
// HELPERS
// =============================================================================

// openArchiveForQuery opens the run archive read-style for the query
// commands. The returned cleanup closes both the archive and the
// context; ok is false when the archive could not be opened.
func openArchiveForQuery() (*store.Archive, context.Context, func(), bool) {
	archive, err := store.Open(store.DefaultConfig(forgeDataDir))
	if err != nil {
		ux.Error("cannot open run archive at " + forgeDataDir + ": " + err.Error())
		return nil, nil, nil, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	cleanup := func() {
		cancel()
		archive.Close()
	}
	return archive, ctx, cleanup, true
}

// findRun resolves a possibly-shortened run ID. An exact match wins;
// otherwise a unique prefix of an archived ID is accepted.
func findRun(ctx context.Context, archive *store.Archive, runID string) (store.RunRecord, error) {
	rec, err := archive.GetRun(ctx, runID)
	if err == nil || !errors.Is(err, store.ErrRunNotFound) {
		return rec, err
	}

	runs, listErr := archive.ListRuns(ctx, 0)
	if listErr != nil {
		return store.RunRecord{}, listErr
	}
	var match *store.RunRecord
	for i := range runs {
		if strings.HasPrefix(runs[i].ID, runID) {
			if match != nil {
				return store.RunRecord{}, fmt.Errorf("run ID prefix %q is ambiguous", runID)
			}
			match = &runs[i]
		}
	}
	if match == nil {
		return store.RunRecord{}, err
	}
	return *match, nil
}

func shortRunID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func formatWhen(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// truncateTask flattens a task to one line and caps its width for the
// list table.
func truncateTask(task string, width int) string {
	flat := strings.Join(strings.Fields(task), " ")
	if len(flat) <= width {
		return flat
	}
	return flat[:width-3] + "..."
}

func indentBlock(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
