// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// forge is the command-line entry point for the AleutianForge workflow
// engine.
//
// A team of LLM personas (architect, developer, reviewer, tester,
// debugger) designs, builds, mentally tests, and then actually executes
// a program for the task you give it, repairing failures in an
// escalating debug loop until the program runs.
//
// Usage:
//
//	forge run "write a script that prints the first 20 primes"
//	forge run --task-file task.txt --model qwen3-coder:30b
//	forge serve --port 12230
//	forge runs list --limit 10
//	forge runs show <run-id>
//	forge runs verify
//
// Configuration merges, highest priority first: command flags, FORGE_*
// environment variables, the --config YAML/JSON file, built-in defaults.
package main

import (
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianForge/pkg/logging"
	"github.com/AleutianAI/AleutianForge/pkg/ux"
	"github.com/AleutianAI/AleutianForge/services/forge/workflow/invoker"
)

// version is stamped by the release build.
var version = "dev"

var (
	forgeConfigPath string
	forgeDataDir    string
	forgeOutput     string
	forgeLogLevel   string
	forgeLogDir     string

	cliLogger *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "Multi-agent code generation with a real execution debug loop",
	Long: `Forge turns a natural-language task into a working program.

Five LLM personas collaborate in three phases: an initial build (design,
implement, review, mental test), a bounded mental evolution loop that
repairs failures the tester can find without running anything, and an
execution debug loop that runs the program for real, classifies every
failure, and escalates stuck repairs up to a full re-architecture.

Every run streams typed events; finished runs are archived in a
hash-chained local store that 'forge runs verify' can audit.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&forgeConfigPath, "config", "",
		"Path to a YAML or JSON config file")
	rootCmd.PersistentFlags().StringVar(&forgeDataDir, "data-dir", defaultDataDir(),
		"Directory holding the run archive")
	rootCmd.PersistentFlags().StringVarP(&forgeOutput, "output", "o", "",
		"Output mode: rich, plain, or machine (default: auto-detect)")
	rootCmd.PersistentFlags().StringVar(&forgeLogLevel, "log-level", "warn",
		"Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&forgeLogDir, "log-dir", "",
		"Also write JSON logs to this directory")

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		cliLogger = logging.New(logging.Config{
			Level:   parseLogLevel(forgeLogLevel),
			LogDir:  forgeLogDir,
			Service: "forge",
		})
		slog.SetDefault(cliLogger.Slog())

		if forgeOutput != "" {
			ux.SetMode(ux.ParseMode(forgeOutput))
		} else {
			ux.InitMode()
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		closeCLI()
		log.Fatalf("forge: %v", err)
	}
	closeCLI()
}

// closeCLI releases process-wide resources: model output buffers held in
// secure memory and the log file handle.
func closeCLI() {
	invoker.PurgeSecureMemory()
	if cliLogger != nil {
		cliLogger.Close()
	}
}

// exitCLI is for command handlers that need a non-zero exit code after
// their deferred cleanup has already run.
func exitCLI(code int) {
	closeCLI()
	os.Exit(code)
}

func parseLogLevel(s string) logging.Level {
	switch strings.ToLower(s) {
	case "debug":
		return logging.LevelDebug
	case "info":
		return logging.LevelInfo
	case "error":
		return logging.LevelError
	default:
		return logging.LevelWarn
	}
}

// defaultDataDir resolves the archive directory: FORGE_DATA_DIR when
// set, a relative forge_data next to the staging root otherwise.
func defaultDataDir() string {
	if dir := os.Getenv("FORGE_DATA_DIR"); dir != "" {
		return dir
	}
	return "forge_data"
}
