// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package workflow sequences the multi-agent build and auto-debug pipeline.
//
// A run moves through an explicit state machine: INITIAL_BUILD (architect,
// develop, review, test in a straight line), MENTAL_EVOLUTION (a bounded
// simulated debug loop before any code executes), and EXECUTION_DEBUG (stage
// the code, run it, classify the outcome, and escalate repairs through three
// tiers until an execution passes). Execution failures drive the loop and
// are never fatal; only model-transport failures and caller cancellation
// abort a run.
//
// The orchestrator owns no global state. Every collaborator (LLM client,
// event emitter, staging area, executor, environment probe) is passed in,
// and each run keeps its history and error log private, so concurrent runs
// only need distinct staging roots.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianForge/services/forge/extract"
	"github.com/AleutianAI/AleutianForge/services/forge/hostinfo"
	"github.com/AleutianAI/AleutianForge/services/forge/observability"
	"github.com/AleutianAI/AleutianForge/services/forge/runner"
	"github.com/AleutianAI/AleutianForge/services/forge/staging"
	"github.com/AleutianAI/AleutianForge/services/forge/workflow/classifier"
	"github.com/AleutianAI/AleutianForge/services/forge/workflow/errtrack"
	"github.com/AleutianAI/AleutianForge/services/forge/workflow/escalation"
	"github.com/AleutianAI/AleutianForge/services/forge/workflow/events"
	"github.com/AleutianAI/AleutianForge/services/forge/workflow/invoker"
	"github.com/AleutianAI/AleutianForge/services/forge/workflow/personas"
	"github.com/AleutianAI/AleutianForge/services/forge/workflow/prompt"
	"github.com/AleutianAI/AleutianForge/services/llm"
)

var tracer = otel.Tracer("forge.workflow")

// Executor runs one staged entry file and reports what happened.
//
// *runner.Runner is the production implementation; tests substitute fakes.
type Executor interface {
	Run(ctx context.Context, workDir, entry string) (runner.Result, error)
}

// Summary is the aggregate accounting for one finished run.
//
// Thread Safety: Treat as immutable once returned.
type Summary struct {
	// Success is true when an execution attempt passed classification.
	Success bool `json:"success"`

	// Message explains non-successful graceful endings, such as the
	// developer producing no extractable code.
	Message string `json:"message,omitempty"`

	// TotalAgentCalls counts every model invocation across all phases.
	TotalAgentCalls int `json:"total_agent_calls"`

	// CallsPerModel breaks the call count down by model identity.
	CallsPerModel map[string]int `json:"calls_per_model"`

	// EvolutionCycles counts mental-evolution cycles actually run.
	EvolutionCycles int `json:"evolution_cycles"`

	// ExecutionAttempts counts failed execution attempts. A run whose
	// first execution passes reports zero.
	ExecutionAttempts int `json:"execution_attempts"`

	// ReArchitectCount counts tier-3 resets.
	ReArchitectCount int `json:"re_architect_count"`

	// HighestTier is the highest escalation tier reached, 0 when no
	// execution failed.
	HighestTier int `json:"highest_tier"`

	// Duration is run wall-clock time.
	Duration time.Duration `json:"duration"`

	// EntryFile is the staged file that was executed, relative to Root.
	EntryFile string `json:"entry_file,omitempty"`

	// StagedFiles lists the staged artifact paths, relative to Root.
	StagedFiles []string `json:"staged_files,omitempty"`
}

// run is the mutable state of one Run call. Confined to the calling
// goroutine; phases mutate it in program order.
type run struct {
	task string
	env  string

	phase   Phase
	history *History
	tracker *errtrack.Tracker

	// artifacts is the current code set, always the most recent Developer
	// turn's extraction. codeText is its flattened form for prompts.
	artifacts []extract.Artifact
	codeText  string

	plan       string
	lastReview string
	lastTest   string

	started       time.Time
	totalCalls    int
	callsPerModel map[string]int

	evolutionCycles int
	execCount       int
	failedAttempts  int
	reArchitects    int
	highestTier     int

	entryFile   string
	stagedFiles []string
}

// Orchestrator drives the three-phase workflow.
//
// Description:
//
//	One Orchestrator serves one staging root. It may run tasks one after
//	another; for concurrent runs create one Orchestrator per run with
//	distinct roots (staging.ForRun derives them).
//
// Thread Safety: Run must not be called concurrently on one Orchestrator.
type Orchestrator struct {
	cfg     Config
	client  llm.Client
	emitter events.Publisher

	invoker   *invoker.Invoker
	builder   *prompt.Builder
	extractor *extract.Extractor
	classify  *classifier.Classifier
	verdicts  classifier.VerdictInterpreter
	policy    escalation.Policy
	models    personas.ModelMap
	machine   *StateMachine

	area   *staging.Area
	exec   Executor
	prober *hostinfo.Prober

	environment string
	metrics     *observability.WorkflowMetrics
	genParams   llm.GenerationParams
	hasParams   bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithEnvironment supplies a pre-built environment block, skipping the
// host probe.
func WithEnvironment(block string) Option {
	return func(o *Orchestrator) {
		o.environment = block
	}
}

// WithMetrics attaches workflow metrics, threaded through to the invoker.
func WithMetrics(m *observability.WorkflowMetrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithExecutor replaces the subprocess runner.
func WithExecutor(exec Executor) Option {
	return func(o *Orchestrator) {
		o.exec = exec
	}
}

// WithStagingArea replaces the staging area built from config.
func WithStagingArea(area *staging.Area) Option {
	return func(o *Orchestrator) {
		o.area = area
	}
}

// WithVerdictInterpreter replaces the phrase-based verdict interpreter.
func WithVerdictInterpreter(v classifier.VerdictInterpreter) Option {
	return func(o *Orchestrator) {
		o.verdicts = v
	}
}

// WithGenerationParams sets sampling parameters for every agent call.
func WithGenerationParams(params llm.GenerationParams) Option {
	return func(o *Orchestrator) {
		o.genParams = params
		o.hasParams = true
	}
}

// WithProber replaces the host environment probe.
func WithProber(p *hostinfo.Prober) Option {
	return func(o *Orchestrator) {
		o.prober = p
	}
}

// New creates an Orchestrator.
//
// Description:
//
//	Builds the prompt builder, extractor, classifier, staging area, and
//	subprocess runner from config; options replace individual pieces.
//
// Inputs:
//
//	cfg - Validated workflow configuration.
//	client - The LLM backend shared by all personas.
//	emitter - Event sink for the run's stream.
//	opts - Optional overrides.
//
// Outputs:
//
//	*Orchestrator - Ready to run tasks.
//	error - Non-nil on nil collaborators or invalid config.
func New(cfg Config, client llm.Client, emitter events.Publisher, opts ...Option) (*Orchestrator, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	if emitter == nil {
		return nil, ErrNilEmitter
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:       cfg,
		client:    client,
		emitter:   emitter,
		builder:   prompt.NewBuilder(cfg.Prompt),
		extractor: extract.NewExtractor(),
		classify:  classifier.New(cfg.Quality),
		verdicts:  classifier.NewPhraseInterpreter(),
		policy:    cfg.Escalation,
		models:    cfg.Models.Map(),
		machine:   DefaultStateMachine,
		prober:    hostinfo.NewProber(),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.area == nil {
		area, err := staging.New(cfg.Staging.Root)
		if err != nil {
			return nil, err
		}
		o.area = area
	}
	if o.exec == nil {
		ropts := []runner.Option{
			runner.WithTimeout(cfg.Execution.Timeout),
			runner.WithMaxOutputBytes(cfg.Execution.MaxOutputBytes),
		}
		if cfg.Execution.WatchArtifacts {
			ropts = append(ropts, runner.WithArtifactWatcher())
		}
		o.exec = runner.New(ropts...)
	}

	iopts := []invoker.Option{}
	if o.metrics != nil {
		iopts = append(iopts, invoker.WithMetrics(o.metrics))
	}
	if o.hasParams {
		iopts = append(iopts, invoker.WithGenerationParams(o.genParams))
	}
	o.invoker = invoker.New(client, o.models, emitter, iopts...)

	return o, nil
}

// Run executes the full workflow for one task.
//
// Description:
//
//	Drives INITIAL_BUILD, MENTAL_EVOLUTION, and EXECUTION_DEBUG to a
//	terminal state. The execution-debug loop has no attempt cap; it ends
//	on a passing execution, when no code artifact remains to execute, or
//	when ctx is cancelled. A terminal workflow_complete or workflow_error
//	event is always emitted.
//
// Inputs:
//
//	ctx - Bounds the whole run including every model call and execution.
//	task - The natural-language build request.
//
// Outputs:
//
//	*Summary - Aggregate accounting; nil when error is non-nil.
//	error - Transport or environment failure, or ctx's error.
//
// Thread Safety: Not safe for concurrent use on one Orchestrator.
func (o *Orchestrator) Run(ctx context.Context, task string) (*Summary, error) {
	if strings.TrimSpace(task) == "" {
		return nil, ErrEmptyTask
	}

	ctx, span := tracer.Start(ctx, "workflow.run")
	defer span.End()
	span.SetAttributes(attribute.Int("task.chars", len(task)))

	if o.metrics != nil {
		o.metrics.RunStarted()
		defer o.metrics.RunEnded()
	}

	r := &run{
		task:          task,
		phase:         PhaseIdle,
		history:       NewHistory(),
		tracker:       errtrack.NewTracker(),
		started:       time.Now(),
		callsPerModel: make(map[string]int),
	}

	r.env = o.environment
	if r.env == "" {
		r.env = o.prober.Block(ctx)
	}

	slog.Info("workflow starting",
		slog.Int("task_chars", len(task)),
		slog.String("staging_root", o.area.Root()),
	)

	if err := o.transition(r, PhaseInitialBuild); err != nil {
		return nil, o.abort(r, span, err)
	}
	if err := o.runInitialBuild(ctx, r); err != nil {
		return nil, o.abort(r, span, err)
	}

	if err := o.transition(r, PhaseMentalEvolution); err != nil {
		return nil, o.abort(r, span, err)
	}
	if err := o.runMentalEvolution(ctx, r); err != nil {
		return nil, o.abort(r, span, err)
	}

	if err := o.transition(r, PhaseExecutionDebug); err != nil {
		return nil, o.abort(r, span, err)
	}
	success, message, err := o.runExecutionDebug(ctx, r)
	if err != nil {
		return nil, o.abort(r, span, err)
	}

	if err := o.transition(r, PhaseDone); err != nil {
		return nil, o.abort(r, span, err)
	}
	span.SetAttributes(attribute.Bool("run.success", success))
	return o.complete(r, success, message), nil
}

// call runs one agent turn: compose the persona prompt, invoke, account,
// and append the turn to history. A returned error is always the invoker's
// *AgentError; the turn is not appended.
func (o *Orchestrator) call(ctx context.Context, r *run, role personas.Role, body string) (string, error) {
	promptText := role.SystemPrompt() + "\n\n" + body

	r.totalCalls++
	r.callsPerModel[o.models.ModelFor(role, o.client.Model())]++

	text, err := o.invoker.Invoke(ctx, role, promptText)
	if err != nil {
		return "", err
	}
	r.history.Append(role, text)
	return text, nil
}

// refreshArtifacts re-extracts the current code set from a Developer turn.
//
// Description:
//
//	The latest Developer output defines the current code: a turn with
//	fenced regions replaces the set and emits one code_update per
//	artifact; a turn with none clears it, which ends the run gracefully
//	at the next staging step.
func (o *Orchestrator) refreshArtifacts(ctx context.Context, r *run, role personas.Role, text string) {
	artifacts, err := o.extractor.Extract(ctx, text)
	if err != nil {
		slog.Warn("artifact extraction failed, keeping previous code",
			slog.String("role", role.String()),
			slog.Any("error", err),
		)
		return
	}

	r.artifacts = artifacts
	r.codeText = flattenArtifacts(artifacts)

	for _, a := range artifacts {
		o.emitter.Emit(events.TypeCodeUpdate, events.CodeUpdateData{
			Role:     role.String(),
			Language: a.Language,
			Filename: a.Filename,
			Code:     a.Code,
		})
	}
	slog.Debug("current code set refreshed",
		slog.String("role", role.String()),
		slog.Int("artifacts", len(artifacts)),
	)
}

// flattenArtifacts joins a code set into the single block repair and
// re-architecture prompts quote.
func flattenArtifacts(artifacts []extract.Artifact) string {
	if len(artifacts) == 0 {
		return ""
	}
	var b strings.Builder
	for i, a := range artifacts {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "# %s\n%s", a.Filename, strings.TrimRight(a.Code, "\n"))
	}
	return b.String()
}

// transition validates and applies a phase change.
func (o *Orchestrator) transition(r *run, to Phase) error {
	if err := o.machine.Transition(r.phase, to); err != nil {
		return err
	}
	slog.Info("phase transition",
		slog.String("from", r.phase.String()),
		slog.String("to", to.String()),
		slog.String("reason", o.machine.TransitionReason(r.phase, to)),
	)
	r.phase = to
	return nil
}

// verdict interprets a persona turn and records the reading.
func (o *Orchestrator) verdict(role personas.Role, text string) classifier.Verdict {
	var v classifier.Verdict
	switch role {
	case personas.Tester:
		v = o.verdicts.TestVerdict(text)
	case personas.Reviewer:
		v = o.verdicts.ReviewVerdict(text)
	case personas.Debugger:
		v = o.verdicts.DebugVerdict(text)
	default:
		v = classifier.VerdictFail
	}
	if o.metrics != nil {
		o.metrics.RecordVerdict(role.String(), string(v))
	}
	return v
}

// summary assembles the final accounting for a run.
func (r *run) summary(success bool, message string) *Summary {
	return &Summary{
		Success:           success,
		Message:           message,
		TotalAgentCalls:   r.totalCalls,
		CallsPerModel:     r.callsPerModel,
		EvolutionCycles:   r.evolutionCycles,
		ExecutionAttempts: r.failedAttempts,
		ReArchitectCount:  r.reArchitects,
		HighestTier:       r.highestTier,
		Duration:          time.Since(r.started),
		EntryFile:         r.entryFile,
		StagedFiles:       r.stagedFiles,
	}
}

// complete finishes a run on the DONE path and emits the terminal
// workflow_complete event.
func (o *Orchestrator) complete(r *run, success bool, message string) *Summary {
	s := r.summary(success, message)

	if o.metrics != nil {
		o.metrics.RecordRun(success, s.Duration.Seconds())
	}
	slog.Info("workflow complete",
		slog.Bool("success", success),
		slog.Int("agent_calls", s.TotalAgentCalls),
		slog.Int("evolution_cycles", s.EvolutionCycles),
		slog.Int("failed_attempts", s.ExecutionAttempts),
		slog.Int("re_architectures", s.ReArchitectCount),
		slog.Duration("duration", s.Duration),
	)

	o.emitter.Emit(events.TypeWorkflowComplete, events.WorkflowCompleteData{
		Success:           s.Success,
		TotalAgentCalls:   s.TotalAgentCalls,
		CallsPerModel:     s.CallsPerModel,
		EvolutionCycles:   s.EvolutionCycles,
		ExecutionAttempts: s.ExecutionAttempts,
		ReArchitectCount:  s.ReArchitectCount,
		Duration:          s.Duration,
		Message:           s.Message,
	})
	return s
}

// abort finishes a run on the ERROR path and emits the terminal
// workflow_error event. Returns err for the caller to surface.
func (o *Orchestrator) abort(r *run, span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, "workflow aborted")

	role := ""
	var agentErr *invoker.AgentError
	if errors.As(err, &agentErr) {
		role = agentErr.Role.String()
	}

	if transErr := o.machine.Transition(r.phase, PhaseError); transErr == nil {
		r.phase = PhaseError
	}

	if o.metrics != nil {
		o.metrics.RecordRun(false, time.Since(r.started).Seconds())
	}
	slog.Error("workflow aborted",
		slog.String("phase", r.phase.String()),
		slog.String("role", role),
		slog.Any("error", err),
	)

	o.emitter.Emit(events.TypeWorkflowError, events.WorkflowErrorData{
		Error: err.Error(),
		Role:  role,
	})
	return err
}
