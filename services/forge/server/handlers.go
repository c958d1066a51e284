// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianForge/services/forge/store"
	"github.com/AleutianAI/AleutianForge/services/forge/workflow/events"
	"github.com/AleutianAI/AleutianForge/services/forge/workflow/invoker"
)

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "forge",
	})
}

// HandleRunSubmit accepts a task and runs the full workflow before
// responding.
//
// Description:
//
//	The response blocks until the run finishes; the connection is the
//	caller's progress bar.
//	Clients that want live events use the WebSocket route instead. The
//	request context drives the workflow, so a dropped connection cancels
//	the run.
func HandleRunSubmit(s *service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RunRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if !s.tryAcquire() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, retry later"})
			return
		}
		defer s.release()

		runID := uuid.NewString()
		s.registry.begin(runID, req.Task)
		slog.Info("run accepted",
			slog.String("run_id", runID),
			slog.Int("task_chars", len(req.Task)),
		)

		emitter := events.NewEmitter(events.WithRunID(runID))
		collector := store.NewErrorLogCollector()
		emitter.Subscribe(collector.Handle, events.TypeExecutionResult, events.TypeEvolutionCycle)

		summary, err := s.executeRun(c.Request.Context(), runID, req, emitter)
		s.registry.finish(runID, summary, err)
		s.archiveRun(runID, req.Task, summary, err, collector.Entries())

		if err != nil {
			var agentErr *invoker.AgentError
			if errors.As(err, &agentErr) {
				c.JSON(http.StatusBadGateway, gin.H{
					"error":  "Model backend failed: " + err.Error(),
					"run_id": runID,
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":  err.Error(),
				"run_id": runID,
			})
			return
		}

		status := store.StatusFailed
		if summary.Success {
			status = store.StatusSucceeded
		}
		c.JSON(http.StatusOK, RunResponse{
			RunID:   runID,
			Status:  status,
			Summary: summary,
		})
	}
}

// HandleRunStatus reports one run by ID, live or archived.
func HandleRunStatus(s *service) gin.HandlerFunc {
	return func(c *gin.Context) {
		runID := c.Param("runId")

		if st, ok := s.registry.get(runID); ok {
			resp := RunStatusResponse{
				RunID:     st.ID,
				Status:    st.Status,
				Task:      st.Task,
				StartedAt: st.StartedAt,
				Summary:   st.Summary,
				Error:     st.Err,
			}
			if !st.FinishedAt.IsZero() {
				finished := st.FinishedAt
				resp.FinishedAt = &finished
			}
			c.JSON(http.StatusOK, resp)
			return
		}

		if s.archive != nil {
			rec, err := s.archive.GetRun(c.Request.Context(), runID)
			if err == nil {
				finished := rec.FinishedAt
				c.JSON(http.StatusOK, RunStatusResponse{
					RunID:      rec.ID,
					Status:     rec.Status,
					Task:       rec.Task,
					StartedAt:  rec.StartedAt,
					FinishedAt: &finished,
					Error:      rec.Error,
					Archived:   true,
					Record:     &rec,
				})
				return
			}
			if !errors.Is(err, store.ErrRunNotFound) {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}

		c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
	}
}

// HandleRunList lists archived runs, newest first.
func HandleRunList(s *service) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 20
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
				return
			}
			if n > 100 {
				n = 100
			}
			limit = n
		}

		if s.archive == nil {
			c.JSON(http.StatusOK, RunListResponse{Runs: []store.RunRecord{}})
			return
		}

		runs, err := s.archive.ListRuns(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, RunListResponse{Runs: runs, Count: len(runs)})
	}
}

// HandleChainVerify checks the archive's hash chain and reports the
// result. A broken chain is a 200 with Valid false; the verification
// itself succeeded.
func HandleChainVerify(s *service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.archive == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Archive not configured"})
			return
		}
		report, err := s.archive.VerifyChain(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

