// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package invoker runs single agent turns against an LLM backend.
//
// The invoker owns the per-turn mechanics the orchestrator should not see:
// resolving the persona's model, streaming when the backend supports it,
// accumulating fragments in locked memory, and emitting the
// agent_start/agent_chunk/agent_complete event triplet. Any transport
// failure surfaces as an *AgentError naming the persona, which the
// orchestrator treats as fatal for the run.
package invoker

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianForge/services/forge/observability"
	"github.com/AleutianAI/AleutianForge/services/forge/workflow/events"
	"github.com/AleutianAI/AleutianForge/services/forge/workflow/personas"
	"github.com/AleutianAI/AleutianForge/services/forge/workflow/prompt"
	"github.com/AleutianAI/AleutianForge/services/llm"
)

var tracer = otel.Tracer("forge.invoker")

// AccumulatorFactory creates the accumulator for one turn. The default is
// NewAccumulator; tests inject plain accumulators to stay independent of
// system mlock limits.
type AccumulatorFactory func() (Accumulator, error)

// Invoker executes one agent turn at a time.
//
// Description:
//
//	Invoke resolves the role's model from the ModelMap, emits agent_start,
//	streams the response when the client implements llm.StreamingClient
//	(emitting agent_chunk per fragment), and emits agent_complete with the
//	accumulated text. Responses pass through a secure accumulator so model
//	output does not swap to disk mid-turn.
//
// Thread Safety: Invoker is immutable after construction and safe for
// concurrent use; each Invoke call owns its accumulator.
type Invoker struct {
	client     llm.Client
	models     personas.ModelMap
	emitter    events.Publisher
	params     llm.GenerationParams
	metrics    *observability.WorkflowMetrics
	newAccum   AccumulatorFactory
	disableStr bool
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithGenerationParams sets the base sampling parameters applied to every
// turn. The per-turn model override is filled in by Invoke.
func WithGenerationParams(params llm.GenerationParams) Option {
	return func(inv *Invoker) {
		inv.params = params
	}
}

// WithMetrics attaches a metrics sink; nil disables recording.
func WithMetrics(m *observability.WorkflowMetrics) Option {
	return func(inv *Invoker) {
		inv.metrics = m
	}
}

// WithAccumulatorFactory overrides how per-turn accumulators are created.
func WithAccumulatorFactory(factory AccumulatorFactory) Option {
	return func(inv *Invoker) {
		if factory != nil {
			inv.newAccum = factory
		}
	}
}

// WithoutStreaming forces whole-response generation even when the client
// supports streaming. agent_chunk events are not emitted in this mode.
func WithoutStreaming() Option {
	return func(inv *Invoker) {
		inv.disableStr = true
	}
}

// New creates an Invoker.
//
// Inputs:
//
//	client - The LLM backend; streaming is used when available.
//	models - Role to model bindings; the client default fills gaps.
//	emitter - Event sink for the agent_* events.
//	opts - Optional configuration.
func New(client llm.Client, models personas.ModelMap, emitter events.Publisher, opts ...Option) *Invoker {
	inv := &Invoker{
		client:   client,
		models:   models,
		emitter:  emitter,
		newAccum: NewAccumulator,
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Invoke runs one agent turn and returns the full response text.
//
// Description:
//
//	The returned error is always an *AgentError naming the persona; the
//	caller decides run-level consequences. The context bounds the whole
//	turn including streaming.
//
// Inputs:
//
//	ctx - Context for cancellation and deadlines.
//	role - The persona taking the turn.
//	promptText - The fully assembled prompt for this turn.
//
// Outputs:
//
//	string - The complete response text.
//	error - Non-nil *AgentError on any failure.
//
// Thread Safety: Safe for concurrent use.
func (inv *Invoker) Invoke(ctx context.Context, role personas.Role, promptText string) (string, error) {
	model := inv.models.ModelFor(role, inv.client.Model())

	ctx, span := tracer.Start(ctx, "agent.invoke")
	defer span.End()
	span.SetAttributes(
		attribute.String("agent.role", role.String()),
		attribute.String("llm.model", model),
		attribute.Int("prompt.chars", len(promptText)),
	)

	inv.emitter.Emit(events.TypeAgentStart, events.AgentStartData{
		Role:  role.String(),
		Model: model,
	})
	slog.Debug("invoking agent",
		slog.String("role", role.String()),
		slog.String("model", model),
		slog.Int("prompt_chars", len(promptText)),
	)

	params := inv.params
	params.Model = model

	started := time.Now()
	text, err := inv.generate(ctx, role, promptText, params)
	elapsed := time.Since(started)

	if inv.metrics != nil {
		inv.metrics.RecordAgentCall(role.String(), model, err == nil, elapsed.Seconds())
		if err == nil {
			inv.metrics.RecordTokens(prompt.EstimateTokens(promptText), prompt.EstimateTokens(text), model)
		}
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "agent invocation failed")
		slog.Error("agent invocation failed",
			slog.String("role", role.String()),
			slog.String("model", model),
			slog.Any("error", err),
		)
		return "", &AgentError{Role: role, Model: model, Err: err}
	}

	span.SetAttributes(attribute.Int("response.chars", len(text)))
	inv.emitter.Emit(events.TypeAgentComplete, events.AgentCompleteData{
		Role:     role.String(),
		Text:     text,
		Duration: elapsed,
	})
	slog.Debug("agent turn complete",
		slog.String("role", role.String()),
		slog.Int("response_chars", len(text)),
		slog.Duration("duration", elapsed),
	)
	return text, nil
}

// generate runs the backend call, streaming through an accumulator when the
// client supports it.
func (inv *Invoker) generate(ctx context.Context, role personas.Role, promptText string, params llm.GenerationParams) (string, error) {
	streamer, ok := inv.client.(llm.StreamingClient)
	if !ok || inv.disableStr {
		return inv.client.Generate(ctx, promptText, params)
	}

	acc, err := inv.newAccum()
	if err != nil {
		return "", err
	}
	defer acc.Destroy()

	_, err = streamer.GenerateStream(ctx, promptText, params, func(chunk string) error {
		if werr := acc.Write(chunk); werr != nil {
			return werr
		}
		inv.emitter.Emit(events.TypeAgentChunk, events.AgentChunkData{
			Role: role.String(),
			Text: chunk,
		})
		return nil
	})
	if err != nil {
		return "", err
	}

	text, digest, err := acc.Finalize()
	if err != nil {
		return "", err
	}
	slog.Debug("accumulated streamed response",
		slog.String("role", role.String()),
		slog.String("digest", digest[:16]),
	)
	return text, nil
}
