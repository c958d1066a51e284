// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package server exposes the forge workflow over HTTP.
//
// Serve mode accepts task submissions, runs the agent workflow, and
// reports progress three ways: a blocking JSON endpoint, a status/archive
// query surface, and a WebSocket that streams run events live. Each run
// gets a private staging root derived from its run ID, so concurrent
// submissions never share a working directory.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianForge/services/forge/observability"
	"github.com/AleutianAI/AleutianForge/services/forge/staging"
	"github.com/AleutianAI/AleutianForge/services/forge/store"
	"github.com/AleutianAI/AleutianForge/services/forge/telemetry"
	"github.com/AleutianAI/AleutianForge/services/forge/workflow"
	"github.com/AleutianAI/AleutianForge/services/forge/workflow/events"
	"github.com/AleutianAI/AleutianForge/services/llm"
)

// ErrNilLLMClient is returned by New when no model client is supplied.
var ErrNilLLMClient = errors.New("server: llm client must not be nil")

// =============================================================================
// Configuration
// =============================================================================

// Config holds the serve-mode settings.
//
// Zero values get defaults from applyConfigDefaults; a zero Config is a
// runnable local server.
type Config struct {
	// Port is the HTTP listen port. Default: 12230.
	Port int

	// GinMode sets the gin framework mode ("debug", "release", "test").
	// Empty leaves gin's own default in place.
	GinMode string

	// EnableMetrics mounts /metrics and records workflow metrics.
	EnableMetrics bool

	// MaxConcurrentRuns caps simultaneous workflow runs. Each run spawns
	// subprocesses and holds a model busy, so the cap is small.
	// Default: 2.
	MaxConcurrentRuns int

	// ShutdownGrace bounds how long Shutdown waits for in-flight
	// requests. Default: 10s.
	ShutdownGrace time.Duration

	// Workflow is the base workflow configuration. Staging.Root acts as
	// the parent directory; every run stages under a run-ID-suffixed
	// subdirectory.
	Workflow workflow.Config
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12230
	}
	if cfg.MaxConcurrentRuns == 0 {
		cfg.MaxConcurrentRuns = 2
	}
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	return cfg
}

// =============================================================================
// Service
// =============================================================================

// Service is the serve-mode lifecycle contract.
//
// Thread Safety: implementations are safe for concurrent use. Run blocks
// and is called at most once per instance.
type Service interface {
	// Run starts the HTTP server and blocks until it stops.
	Run() error

	// Shutdown stops the server gracefully, waiting for in-flight
	// requests up to the configured grace period.
	Shutdown(ctx context.Context) error

	// Router returns the configured gin engine for tests.
	Router() *gin.Engine
}

// service wires the HTTP surface to the workflow.
type service struct {
	cfg      Config
	client   llm.Client
	archive  *store.Archive
	metrics  *observability.WorkflowMetrics
	registry *registry
	runSem   chan struct{}
	router   *gin.Engine
	httpSrv  *http.Server

	// execFactory overrides the per-run executor; tests inject scripted
	// results here. Nil means the orchestrator builds its own runner.
	execFactory func() workflow.Executor
}

// New builds a ready-to-run serve-mode service.
//
// Inputs:
//
//	cfg - Serve settings; zero values get defaults.
//	client - Model backend shared by all runs.
//	archive - Run archive; nil disables persistence and the runs
//	          query surface falls back to in-flight state only.
//
// Outputs:
//
//	Service - Ready to Run.
//	error - Nil client or invalid workflow config.
func New(cfg Config, client llm.Client, archive *store.Archive) (Service, error) {
	if client == nil {
		return nil, ErrNilLLMClient
	}
	cfg = applyConfigDefaults(cfg)
	if err := cfg.Workflow.Validate(); err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	s := &service{
		cfg:      cfg,
		client:   client,
		archive:  archive,
		registry: newRegistry(),
		runSem:   make(chan struct{}, cfg.MaxConcurrentRuns),
	}
	if cfg.EnableMetrics {
		s.metrics = observability.InitMetrics()
	}
	s.initRouter()

	return s, nil
}

// Run starts the HTTP server and blocks until it stops.
func (s *service) Run() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("starting forge server",
		slog.Int("port", s.cfg.Port),
		slog.Int("max_concurrent_runs", s.cfg.MaxConcurrentRuns),
		slog.Bool("archive", s.archive != nil),
	)

	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *service) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownGrace)
	defer cancel()
	slog.Info("shutting down forge server")
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the configured gin engine.
func (s *service) Router() *gin.Engine {
	return s.router
}

// initRouter builds the gin engine and registers all routes.
func (s *service) initRouter() {
	if s.cfg.GinMode != "" {
		gin.SetMode(s.cfg.GinMode)
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware("forge-service"))

	s.router.GET("/health", HealthCheck)
	if s.cfg.EnableMetrics {
		s.router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))
	}

	v1 := s.router.Group("/v1")
	{
		v1.POST("/run", HandleRunSubmit(s))
		v1.GET("/run/ws", HandleRunWebSocket(s))
		runs := v1.Group("/runs")
		{
			runs.GET("", HandleRunList(s))
			runs.GET("/verify", HandleChainVerify(s))
			runs.GET("/:runId", HandleRunStatus(s))
		}
	}
}

// =============================================================================
// Per-run execution
// =============================================================================

// tryAcquire reserves a run slot without blocking.
func (s *service) tryAcquire() bool {
	select {
	case s.runSem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *service) release() {
	<-s.runSem
}

// executeRun runs one workflow against its own staging root, streaming
// events through the given emitter. Blocking; the caller owns the slot.
func (s *service) executeRun(ctx context.Context, runID string, req RunRequest, emitter events.Publisher) (*workflow.Summary, error) {
	cfg := s.cfg.Workflow
	cfg.Staging.Root = staging.ForRun(cfg.Staging.Root, runID)
	if err := applyModelOverrides(&cfg, req.Models); err != nil {
		return nil, err
	}

	area, err := staging.New(cfg.Staging.Root)
	if err != nil {
		return nil, err
	}

	opts := []workflow.Option{workflow.WithStagingArea(area)}
	if s.metrics != nil {
		opts = append(opts, workflow.WithMetrics(s.metrics))
	}
	if req.Environment != "" {
		opts = append(opts, workflow.WithEnvironment(req.Environment))
	}
	if s.execFactory != nil {
		opts = append(opts, workflow.WithExecutor(s.execFactory()))
	}

	o, err := workflow.New(cfg, s.client, emitter, opts...)
	if err != nil {
		return nil, err
	}
	return o.Run(ctx, req.Task)
}

// applyModelOverrides folds a role→model map from the request into the
// workflow's model bindings. Unknown role keys are rejected.
func applyModelOverrides(cfg *workflow.Config, models map[string]string) error {
	for role, model := range models {
		switch role {
		case "default":
			cfg.Models.Default = model
		case "architect":
			cfg.Models.Architect = model
		case "developer":
			cfg.Models.Developer = model
		case "reviewer":
			cfg.Models.Reviewer = model
		case "tester":
			cfg.Models.Tester = model
		case "debugger":
			cfg.Models.Debugger = model
		default:
			return fmt.Errorf("unknown role %q in model overrides", role)
		}
	}
	return nil
}

// archiveRun persists a finished run and its error log. Archive failures
// are logged, not surfaced; the run result already went to the caller.
func (s *service) archiveRun(runID, task string, summary *workflow.Summary, runErr error, errLog []store.ErrorEntry) {
	if s.archive == nil {
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

	if _, err := s.archive.SaveRun(ctx, rec); err != nil {
		slog.Error("failed to archive run", slog.String("run_id", runID), slog.Any("error", err))
		return
	}
	for _, entry := range errLog {
		if err := s.archive.AppendError(ctx, runID, entry); err != nil {
			slog.Warn("failed to append run error entry",
				slog.String("run_id", runID),
				slog.Any("error", err),
			)
			return
		}
	}
}

var _ Service = (*service)(nil)
