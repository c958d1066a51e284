// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package invoker

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianForge/services/forge/observability"
	"github.com/AleutianAI/AleutianForge/services/forge/workflow/events"
	"github.com/AleutianAI/AleutianForge/services/forge/workflow/personas"
	"github.com/AleutianAI/AleutianForge/services/llm"
)

func plainFactory() (Accumulator, error) {
	return newPlainAccumulator(), nil
}

func newTestInvoker(client llm.Client, models personas.ModelMap, emitter events.Publisher, opts ...Option) *Invoker {
	opts = append([]Option{WithAccumulatorFactory(plainFactory)}, opts...)
	return New(client, models, emitter, opts...)
}

// generateOnlyClient hides the streaming capability of the scripted client
// so tests can exercise the whole-response path.
type generateOnlyClient struct {
	inner *llm.ScriptedClient
}

func (c *generateOnlyClient) Generate(ctx context.Context, prompt string, params llm.GenerationParams) (string, error) {
	return c.inner.Generate(ctx, prompt, params)
}

func (c *generateOnlyClient) Model() string {
	return c.inner.Model()
}

func TestInvoke_StreamingEventOrder(t *testing.T) {
	response := "def main():\n    print('hello from the developer')\n"
	client := llm.NewScriptedClient("test-model", response)
	emitter := events.NewMockEmitter()

	inv := newTestInvoker(client, personas.UniformModelMap("test-model"), emitter)

	text, err := inv.Invoke(context.Background(), personas.Developer, "write hello world")
	require.NoError(t, err)
	assert.Equal(t, response, text)

	order := emitter.TypesInOrder()
	require.GreaterOrEqual(t, len(order), 3, "expected start, chunks, complete")
	assert.Equal(t, events.TypeAgentStart, order[0])
	assert.Equal(t, events.TypeAgentComplete, order[len(order)-1])
	for _, typ := range order[1 : len(order)-1] {
		assert.Equal(t, events.TypeAgentChunk, typ)
	}

	// Chunks reassemble into the full response.
	var rebuilt strings.Builder
	for _, ev := range emitter.GetEventsByType(events.TypeAgentChunk) {
		data, ok := ev.Data.(events.AgentChunkData)
		require.True(t, ok)
		assert.Equal(t, "developer", data.Role)
		rebuilt.WriteString(data.Text)
	}
	assert.Equal(t, response, rebuilt.String())

	starts := emitter.GetEventsByType(events.TypeAgentStart)
	require.Len(t, starts, 1)
	startData, ok := starts[0].Data.(events.AgentStartData)
	require.True(t, ok)
	assert.Equal(t, "developer", startData.Role)
	assert.Equal(t, "test-model", startData.Model)

	completes := emitter.GetEventsByType(events.TypeAgentComplete)
	require.Len(t, completes, 1)
	completeData, ok := completes[0].Data.(events.AgentCompleteData)
	require.True(t, ok)
	assert.Equal(t, response, completeData.Text)
}

func TestInvoke_ModelResolution(t *testing.T) {
	tests := []struct {
		name      string
		models    personas.ModelMap
		role      personas.Role
		wantModel string
	}{
		{
			name:      "explicit binding wins",
			models:    personas.ModelMap{personas.Architect: "reasoning-model"},
			role:      personas.Architect,
			wantModel: "reasoning-model",
		},
		{
			name:      "unbound role inherits developer binding",
			models:    personas.ModelMap{personas.Developer: "coding-model"},
			role:      personas.Reviewer,
			wantModel: "coding-model",
		},
		{
			name:      "empty map falls back to client default",
			models:    personas.ModelMap{},
			role:      personas.Tester,
			wantModel: "default-model",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := llm.NewScriptedClient("default-model", "ok")
			emitter := events.NewMockEmitter()
			inv := newTestInvoker(client, tt.models, emitter)

			_, err := inv.Invoke(context.Background(), tt.role, "prompt")
			require.NoError(t, err)

			calls := client.Calls()
			require.Len(t, calls, 1)
			assert.Equal(t, tt.wantModel, calls[0].Params.Model,
				"per-call model override should carry the resolved model")

			starts := emitter.GetEventsByType(events.TypeAgentStart)
			require.Len(t, starts, 1)
			data := starts[0].Data.(events.AgentStartData)
			assert.Equal(t, tt.wantModel, data.Model)
		})
	}
}

func TestInvoke_TransportError(t *testing.T) {
	client := llm.NewScriptedClient("test-model")
	client.QueueError(errors.New("connection refused"))
	emitter := events.NewMockEmitter()

	inv := newTestInvoker(client, personas.UniformModelMap("test-model"), emitter)

	_, err := inv.Invoke(context.Background(), personas.Tester, "run the tests")
	require.Error(t, err)

	var agentErr *AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, personas.Tester, agentErr.Role)
	assert.Equal(t, "test-model", agentErr.Model)
	assert.Contains(t, err.Error(), "tester")

	// The turn started but never completed.
	assert.Len(t, emitter.GetEventsByType(events.TypeAgentStart), 1)
	assert.Empty(t, emitter.GetEventsByType(events.TypeAgentComplete))
}

func TestInvoke_NonStreamingClient(t *testing.T) {
	client := &generateOnlyClient{inner: llm.NewScriptedClient("test-model", "whole response")}
	emitter := events.NewMockEmitter()

	inv := newTestInvoker(client, personas.UniformModelMap("test-model"), emitter)

	text, err := inv.Invoke(context.Background(), personas.Architect, "design it")
	require.NoError(t, err)
	assert.Equal(t, "whole response", text)

	assert.Empty(t, emitter.GetEventsByType(events.TypeAgentChunk),
		"non-streaming client should not produce chunk events")
	assert.Len(t, emitter.GetEventsByType(events.TypeAgentComplete), 1)
}

func TestInvoke_WithoutStreaming(t *testing.T) {
	client := llm.NewScriptedClient("test-model", "whole response")
	emitter := events.NewMockEmitter()

	inv := newTestInvoker(client, personas.UniformModelMap("test-model"), emitter, WithoutStreaming())

	text, err := inv.Invoke(context.Background(), personas.Developer, "write it")
	require.NoError(t, err)
	assert.Equal(t, "whole response", text)

	assert.Empty(t, emitter.GetEventsByType(events.TypeAgentChunk))

	calls := client.Calls()
	require.Len(t, calls, 1)
	assert.False(t, calls[0].Streamed)
}

func TestInvoke_CanceledContext(t *testing.T) {
	client := llm.NewScriptedClient("test-model", "never delivered")
	emitter := events.NewMockEmitter()

	inv := newTestInvoker(client, personas.UniformModelMap("test-model"), emitter)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := inv.Invoke(ctx, personas.Debugger, "diagnose")
	require.Error(t, err)

	var agentErr *AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInvoke_RecordsMetrics(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	client := llm.NewScriptedClient("test-model", "ok")
	emitter := events.NewMockEmitter()

	inv := newTestInvoker(client, personas.UniformModelMap("test-model"), emitter,
		WithMetrics(metrics))

	_, err := inv.Invoke(context.Background(), personas.Developer, "prompt text")
	require.NoError(t, err)

	got := testutil.ToFloat64(metrics.AgentCallsTotal.WithLabelValues("developer", "test-model", "success"))
	assert.Equal(t, 1.0, got)

	inTokens := testutil.ToFloat64(metrics.AgentTokensTotal.WithLabelValues("input", "test-model"))
	assert.Greater(t, inTokens, 0.0)
}

func TestInvoke_GenerationParamsPreserved(t *testing.T) {
	temp := float32(0.2)
	params := llm.GenerationParams{Temperature: &temp}

	client := llm.NewScriptedClient("test-model", "ok")
	emitter := events.NewMockEmitter()

	inv := newTestInvoker(client, personas.ModelMap{personas.Developer: "coding-model"}, emitter,
		WithGenerationParams(params))

	_, err := inv.Invoke(context.Background(), personas.Developer, "prompt")
	require.NoError(t, err)

	calls := client.Calls()
	require.Len(t, calls, 1)
	require.NotNil(t, calls[0].Params.Temperature)
	assert.InDelta(t, 0.2, float64(*calls[0].Params.Temperature), 1e-6)
	assert.Equal(t, "coding-model", calls[0].Params.Model)
}
