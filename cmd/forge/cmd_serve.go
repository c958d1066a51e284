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
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianForge/pkg/logging"
	"github.com/AleutianAI/AleutianForge/pkg/ux"
	"github.com/AleutianAI/AleutianForge/services/forge/server"
	"github.com/AleutianAI/AleutianForge/services/forge/store"
	"github.com/AleutianAI/AleutianForge/services/forge/telemetry"
	"github.com/AleutianAI/AleutianForge/services/forge/workflow"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	servePort        int    // HTTP listen port
	serveDebug       bool   // Gin debug mode with request logging
	serveNoMetrics   bool   // Do not mount /metrics or record workflow metrics
	serveMaxRuns     int    // Cap on simultaneous workflow runs
	serveEphemeral   bool   // In-memory archive, discarded on exit
	serveStagingRoot string // Parent directory for per-run staging roots
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// serveCmd runs the HTTP API server.
//
// # Description
//
// Exposes the workflow over HTTP: a blocking POST /v1/run, a WebSocket
// at /v1/run/ws that streams run events live, the archived-runs query
// surface, and Prometheus metrics at /metrics. Every run stages under
// its own run-ID subdirectory, so concurrent submissions never share a
// working directory.
//
// # Examples
//
//	forge serve
//	forge serve --port 9000 --max-runs 4
//	forge serve --ephemeral --no-metrics
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the workflow over HTTP",
	Long: `Starts the forge API server and blocks until interrupted.

Persona models are pinned in VRAM for the lifetime of the server, and
finished runs land in the hash-chained archive under --data-dir unless
--ephemeral keeps them in memory.`,
	Run: runServeCommand,
}

// =============================================================================
// COMMAND INITIALIZATION
// =============================================================================

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 12230,
		"HTTP listen port")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false,
		"Enable gin debug mode with request logging")
	serveCmd.Flags().BoolVar(&serveNoMetrics, "no-metrics", false,
		"Do not expose Prometheus metrics")
	serveCmd.Flags().IntVar(&serveMaxRuns, "max-runs", 2,
		"Maximum simultaneous workflow runs")
	serveCmd.Flags().BoolVar(&serveEphemeral, "ephemeral", false,
		"Keep the run archive in memory instead of on disk")
	serveCmd.Flags().StringVar(&serveStagingRoot, "staging", "",
		"Parent directory for per-run staging roots (overrides config)")
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

func runServeCommand(cmd *cobra.Command, args []string) {
	if code := executeServeCommand(cmd); code != 0 {
		exitCLI(code)
	}
}

// executeServeCommand is the body of the serve command. All cleanup is
// deferred inside so it completes before the caller decides to exit.
func executeServeCommand(cmd *cobra.Command) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A server wants operational logs. The quiet CLI default only
	// applies when the user did not pick a level themselves.
	if !cmd.Flags().Changed("log-level") {
		if cliLogger != nil {
			cliLogger.Close()
		}
		cliLogger = logging.New(logging.Config{
			Level:   logging.LevelInfo,
			LogDir:  forgeLogDir,
			Service: "forge-server",
		})
		slog.SetDefault(cliLogger.Slog())
	}

	cfg, err := workflow.LoadConfig(forgeConfigPath)
	if err != nil {
		ux.Error("invalid configuration: " + err.Error())
		return 1
	}
	applyModelFlag(&cfg)
	if serveStagingRoot != "" {
		cfg.Staging.Root = serveStagingRoot
	}

	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceName = "forge-server"
	if serveNoMetrics {
		tcfg.MetricExporter = "none"
	}
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
	// Pin persona models for the lifetime of the server.
	warmPersonaModels(ctx, cfg, client, "-1")

	storeCfg := store.DefaultConfig(forgeDataDir)
	if serveEphemeral {
		storeCfg = store.InMemoryConfig()
	}
	archive, err := store.Open(storeCfg)
	if err != nil {
		ux.Error("run archive unavailable: " + err.Error())
		return 1
	}
	defer archive.Close()

	ginMode := gin.ReleaseMode
	if serveDebug {
		ginMode = gin.DebugMode
	}
	srv, err := server.New(server.Config{
		Port:              servePort,
		GinMode:           ginMode,
		EnableMetrics:     !serveNoMetrics,
		MaxConcurrentRuns: serveMaxRuns,
		Workflow:          cfg,
	}, client, archive)
	if err != nil {
		ux.Error("server setup failed: " + err.Error())
		return 1
	}

	printServeBanner(servePort, serveMaxRuns, !serveNoMetrics, serveEphemeral)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	select {
	case <-ctx.Done():
		slog.Info("signal received, draining in-flight runs")
		if err := srv.Shutdown(context.Background()); err != nil {
			slog.Error("shutdown failed", slog.Any("error", err))
			return 1
		}
		<-errCh
		return 0
	case err := <-errCh:
		if err != nil {
			ux.Error("server failed: " + err.Error())
			return 1
		}
		return 0
	}
}

func printServeBanner(port, maxRuns int, metrics, ephemeral bool) {
	archiveMode := "disk (" + forgeDataDir + ")"
	if ephemeral {
		archiveMode = "in-memory (lost on exit)"
	}
	metricsMode := "disabled"
	if metrics {
		metricsMode = fmt.Sprintf("http://localhost:%d/metrics", port)
	}

	banner := `
╔═══════════════════════════════════════════════════════════════════╗
║                       ALEUTIAN FORGE SERVER                       ║
╠═══════════════════════════════════════════════════════════════════╣
║                                                                   ║
║  Multi-agent code generation with a real execution debug loop.    ║
║                                                                   ║
║  Port:            %-6d                                          ║
║  Concurrent runs: %-6d                                          ║
║  Archive:         %-45s ║
║  Metrics:         %-45s ║
║                                                                   ║
║  Submit a task:                                                   ║
║  ┌─────────────────────────────────────────────────────────────┐  ║
║  │ curl -X POST http://localhost:%d/v1/run \                 │  ║
║  │   -H "Content-Type: application/json" \                     │  ║
║  │   -d '{"task": "print the first 20 primes"}'                │  ║
║  └─────────────────────────────────────────────────────────────┘  ║
║                                                                   ║
║  Endpoints:                                                       ║
║  ├── POST /v1/run          Submit a task, block for the summary   ║
║  ├── GET  /v1/run/ws       Stream run events over WebSocket       ║
║  ├── GET  /v1/runs         List archived runs                     ║
║  ├── GET  /v1/runs/:id     One run, live or archived              ║
║  └── GET  /v1/runs/verify  Audit the archive hash chain           ║
║                                                                   ║
║  Press Ctrl+C to stop                                             ║
╚═══════════════════════════════════════════════════════════════════╝
`
	fmt.Printf(banner, port, maxRuns, archiveMode, metricsMode, port)
}
