// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianForge/services/forge/store"
	"github.com/AleutianAI/AleutianForge/services/forge/workflow/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 256 * 1024,
}

func sendJSON(ws *websocket.Conn, v interface{}) error {
	err := ws.WriteJSON(v)
	if err != nil {
		slog.Warn("failed to write WebSocket JSON", slog.Any("error", err))
	}
	return err
}

// wsControl is a non-event control frame sent to the client.
type wsControl struct {
	Action string `json:"action"`
	RunID  string `json:"run_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// HandleRunWebSocket runs a task while streaming every workflow event to
// the client as it happens.
//
// Description:
//
//	Protocol: on connect the server sends {action: "run_created",
//	run_id}. The client answers with one RunRequest frame. From then on
//	the server streams events.Event frames; the stream always ends with
//	workflow_complete or workflow_error, after which the connection
//	closes. A client disconnect cancels the run.
func HandleRunWebSocket(s *service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", slog.Any("error", err))
			return
		}
		defer ws.Close()

		runID := uuid.NewString()
		slog.Info("websocket client connected", slog.String("run_id", runID))

		if err := sendJSON(ws, wsControl{Action: "run_created", RunID: runID}); err != nil {
			return
		}

		var req RunRequest
		if err := ws.ReadJSON(&req); err != nil {
			slog.Info("websocket client disconnected before submitting", slog.Any("error", err))
			return
		}
		if err := req.Validate(); err != nil {
			_ = sendJSON(ws, wsControl{Action: "run_rejected", RunID: runID, Error: err.Error()})
			return
		}

		if !s.tryAcquire() {
			_ = sendJSON(ws, wsControl{Action: "run_rejected", RunID: runID, Error: "Server at capacity, retry later"})
			return
		}
		defer s.release()

		ctx, cancel := context.WithCancel(c.Request.Context())
		defer cancel()

		// The reader's only job after the request frame is disconnect
		// detection. Any read error cancels the run.
		go func() {
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					cancel()
					return
				}
			}
		}()

		s.registry.begin(runID, req.Task)

		emitter := events.NewEmitter(events.WithRunID(runID))
		collector := store.NewErrorLogCollector()
		emitter.Subscribe(collector.Handle, events.TypeExecutionResult, events.TypeEvolutionCycle)
		emitter.Subscribe(func(ev *events.Event) {
			if err := ws.WriteJSON(ev); err != nil {
				cancel()
			}
		})

		summary, runErr := s.executeRun(ctx, runID, req, emitter)
		s.registry.finish(runID, summary, runErr)
		s.archiveRun(runID, req.Task, summary, runErr, collector.Entries())

		if runErr != nil {
			slog.Info("websocket run ended with error",
				slog.String("run_id", runID),
				slog.Any("error", runErr),
			)
		} else {
			slog.Info("websocket run finished",
				slog.String("run_id", runID),
				slog.Bool("success", summary.Success),
			)
		}
	}
}
