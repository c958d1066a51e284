// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package workflow

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianForge/services/forge/runner"
	"github.com/AleutianAI/AleutianForge/services/forge/workflow/events"
	"github.com/AleutianAI/AleutianForge/services/forge/workflow/invoker"
	"github.com/AleutianAI/AleutianForge/services/forge/workflow/personas"
	"github.com/AleutianAI/AleutianForge/services/llm"
)

// Canned persona responses. The verdict interpreter reads these, so the
// phrasing is deliberate: approvals avoid revision-demand phrases, the
// pass response declares all tests passing, and the clean diagnosis hits
// the no-bugs pattern.
const (
	planResponse     = "SIEVE-PLAN-ALPHA: one script computes primes below 30 with a sieve and prints them."
	codeResponse     = "Implementation:\n\n```python\nprint('2 3 5 7')\n```\n"
	approveResponse  = "The implementation is solid and matches the plan. Approved."
	passResponse     = "I traced the program mentally. All tests pass."
	failTestResponse = "Mental run: 2 of 5 checks FAILED; the loop bound is off by one."
	diagnosisItem    = "DIAG-NOTE-7: the loop bound drops the last candidate; extend the range by one."
	fixResponse      = "```python\nprint('2 3 5 7 11')\n```"
	cleanDiagnosis   = "No bugs found. The logic already handles every case."
	objectionText    = "Revision needed: the accumulator is never reset between batches."
	redesignResponse = "NEW-PLAN-BRAVO: process the records with a single linear pass instead of the recursive scheme."
	rewriteResponse  = "```python\nprint('rewritten')\n```"
)

// fakeExecutor replays canned execution results in order. Calls past the
// scripted results succeed.
type fakeExecutor struct {
	results  []runner.Result
	errs     []error
	calls    int
	workDirs []string
	entries  []string
	onRun    func()
}

func (f *fakeExecutor) Run(_ context.Context, workDir, entry string) (runner.Result, error) {
	i := f.calls
	f.calls++
	f.workDirs = append(f.workDirs, workDir)
	f.entries = append(f.entries, entry)
	if f.onRun != nil {
		f.onRun()
	}
	if i < len(f.errs) && f.errs[i] != nil {
		return runner.Result{}, f.errs[i]
	}
	if i < len(f.results) {
		return f.results[i], nil
	}
	return runner.Result{ExitedCleanly: true, Stdout: "ok\n", Duration: 5 * time.Millisecond}, nil
}

func crash(stderr string) runner.Result {
	return runner.Result{ExitedCleanly: false, ExitCode: 1, Stderr: stderr, Duration: 30 * time.Millisecond}
}

func execPass(stdout string) runner.Result {
	return runner.Result{ExitedCleanly: true, Stdout: stdout, Duration: 30 * time.Millisecond}
}

func pythonTrace(last string) string {
	return "Traceback (most recent call last):\n  File \"main.py\", line 3, in <module>\n" + last + "\n"
}

func newTestOrchestrator(t *testing.T, client llm.Client, exec Executor, mutate ...func(*Config)) (*Orchestrator, *events.MockEmitter) {
	t.Helper()

	// Streamed turns pass through the secure accumulator; allow the heap
	// fallback so the tests do not depend on the host's mlock limit.
	t.Setenv("ALEUTIAN_INSECURE_MEMORY", "true")

	cfg := DefaultConfig()
	cfg.Staging.Root = filepath.Join(t.TempDir(), "stage")
	for _, m := range mutate {
		m(&cfg)
	}

	emitter := events.NewMockEmitter()
	o, err := New(cfg, client, emitter,
		WithExecutor(exec),
		WithEnvironment("OS: linux/amd64\nPython: 3.12.1"),
	)
	require.NoError(t, err)
	return o, emitter
}

func lastType(t *testing.T, emitter *events.MockEmitter) events.Type {
	t.Helper()
	types := emitter.TypesInOrder()
	require.NotEmpty(t, types)
	return types[len(types)-1]
}

func TestNew_Validation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Staging.Root = filepath.Join(t.TempDir(), "stage")
	client := llm.NewScriptedClient("test-model")
	emitter := events.NewMockEmitter()

	t.Run("nil client", func(t *testing.T) {
		_, err := New(cfg, nil, emitter)
		assert.ErrorIs(t, err, ErrNilClient)
	})

	t.Run("nil emitter", func(t *testing.T) {
		_, err := New(cfg, client, nil)
		assert.ErrorIs(t, err, ErrNilEmitter)
	})

	t.Run("invalid config", func(t *testing.T) {
		bad := cfg
		bad.Execution.Timeout = 0
		_, err := New(bad, client, emitter)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestRun_EmptyTask(t *testing.T) {
	o, _ := newTestOrchestrator(t, llm.NewScriptedClient("test-model"), &fakeExecutor{})

	_, err := o.Run(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyTask)
}

// A trivial task: the tester passes immediately and the first execution
// succeeds, so every loop counter stays at zero.
func TestRun_TrivialTaskFirstExecutionPasses(t *testing.T) {
	client := llm.NewScriptedClient("test-model",
		planResponse, codeResponse, approveResponse, passResponse)
	exec := &fakeExecutor{results: []runner.Result{execPass("2 3 5 7\n")}}
	o, emitter := newTestOrchestrator(t, client, exec)

	summary, err := o.Run(context.Background(), "print the primes below 30")
	require.NoError(t, err)

	assert.True(t, summary.Success)
	assert.Empty(t, summary.Message)
	assert.Equal(t, 4, summary.TotalAgentCalls)
	assert.Equal(t, map[string]int{"test-model": 4}, summary.CallsPerModel)
	assert.Zero(t, summary.EvolutionCycles)
	assert.Zero(t, summary.ExecutionAttempts)
	assert.Zero(t, summary.ReArchitectCount)
	assert.Zero(t, summary.HighestTier)
	assert.Equal(t, "main.py", summary.EntryFile)
	assert.Equal(t, []string{"main.py"}, summary.StagedFiles)
	assert.Positive(t, summary.Duration)
	assert.Equal(t, 1, exec.calls)

	assert.Equal(t, events.TypeWorkflowComplete, lastType(t, emitter))
	assert.Len(t, emitter.GetEventsByType(events.TypeAgentStart), 4)
	assert.Len(t, emitter.GetEventsByType(events.TypeFilesSaved), 1)
	assert.Len(t, emitter.GetEventsByType(events.TypeExecutionStart), 1)
	assert.Empty(t, emitter.GetEventsByType(events.TypeEvolutionCycle))

	results := emitter.GetEventsByType(events.TypeExecutionResult)
	require.Len(t, results, 1)
	data := results[0].Data.(events.ExecutionResultData)
	assert.True(t, data.Success)
	assert.Equal(t, 1, data.Attempt)
}

// The same exception three attempts running: consecutive repeats climb to
// three (surfacing the critical banner), the tier never leaves one, and
// the fourth execution succeeds.
func TestRun_RepeatedErrorRepairedAfterThreeAttempts(t *testing.T) {
	responses := []string{planResponse, codeResponse, approveResponse, passResponse}
	for i := 0; i < 3; i++ {
		responses = append(responses, diagnosisItem, fixResponse)
	}
	client := llm.NewScriptedClient("test-model", responses...)

	tb := pythonTrace("ValueError: negative step")
	exec := &fakeExecutor{results: []runner.Result{crash(tb), crash(tb), crash(tb), execPass("ok\n")}}
	o, emitter := newTestOrchestrator(t, client, exec)

	summary, err := o.Run(context.Background(), "sort the list without negatives")
	require.NoError(t, err)

	assert.True(t, summary.Success)
	assert.Equal(t, 3, summary.ExecutionAttempts)
	assert.Zero(t, summary.ReArchitectCount)
	assert.Equal(t, 1, summary.HighestTier)
	assert.Equal(t, 10, summary.TotalAgentCalls)
	assert.Equal(t, 4, exec.calls)

	calls := client.Calls()
	require.Len(t, calls, 10)
	// First repair: no banner yet. Third repair: critical banner.
	assert.NotContains(t, calls[4].Prompt, "IN A ROW")
	assert.Contains(t, calls[8].Prompt, "3 TIMES IN A ROW")

	for _, ev := range emitter.GetEventsByType(events.TypeEvolutionCycle) {
		data := ev.Data.(events.EvolutionCycleData)
		assert.Less(t, data.Tier, 3)
		assert.Equal(t, "execution repair", data.Label)
	}
}

// Five pairwise-distinct exceptions: thrashing fires exactly after the
// fifth, the repair for that attempt is a tier-3 re-architecture, and the
// architect works from a wiped history that carries the error log but not
// the old plan.
func TestRun_ThrashingTriggersReArchitecture(t *testing.T) {
	responses := []string{planResponse, codeResponse, approveResponse, passResponse}
	for i := 0; i < 4; i++ {
		responses = append(responses, diagnosisItem, fixResponse)
	}
	responses = append(responses, redesignResponse, rewriteResponse, approveResponse)
	client := llm.NewScriptedClient("test-model", responses...)

	traces := []string{
		"ValueError: alpha",
		"TypeError: beta",
		"IndexError: gamma",
		"KeyError: delta",
		"RuntimeError: epsilon",
	}
	exec := &fakeExecutor{}
	for _, tr := range traces {
		exec.results = append(exec.results, crash(pythonTrace(tr)))
	}
	exec.results = append(exec.results, execPass("ok\n"))

	o, emitter := newTestOrchestrator(t, client, exec)
	summary, err := o.Run(context.Background(), "stream the records")
	require.NoError(t, err)

	assert.True(t, summary.Success)
	assert.Equal(t, 5, summary.ExecutionAttempts)
	assert.Equal(t, 1, summary.ReArchitectCount)
	assert.Equal(t, 3, summary.HighestTier)
	assert.Equal(t, 15, summary.TotalAgentCalls)
	assert.Equal(t, 6, exec.calls)

	calls := client.Calls()
	require.Len(t, calls, 15)

	rearch := calls[12].Prompt
	for _, tr := range traces {
		assert.Contains(t, rearch, tr)
	}
	assert.NotContains(t, rearch, "SIEVE-PLAN-ALPHA")

	rewritePrompt := calls[13].Prompt
	assert.Contains(t, rewritePrompt, "NEW-PLAN-BRAVO")
	assert.NotContains(t, rewritePrompt, "DIAG-NOTE-7")

	var sawTier3 bool
	for _, ev := range emitter.GetEventsByType(events.TypeEvolutionCycle) {
		data := ev.Data.(events.EvolutionCycleData)
		if data.Tier == 3 {
			sawTier3 = true
			assert.Equal(t, 5, data.Cycle)
			assert.Equal(t, "re-architecture", data.Label)
		}
	}
	assert.True(t, sawTier3, "expected a tier-3 cycle event")
}

// Attempts past the deep-review threshold add a reviewer pass to the
// repair sequence, with one inline fix round when it objects.
func TestRun_DeepReviewTierAddsReviewer(t *testing.T) {
	responses := []string{planResponse, codeResponse, approveResponse, passResponse}
	for i := 0; i < 5; i++ {
		responses = append(responses, diagnosisItem, fixResponse)
	}
	responses = append(responses, diagnosisItem, fixResponse, objectionText, fixResponse)
	client := llm.NewScriptedClient("test-model", responses...)

	tb := pythonTrace("ValueError: negative step")
	exec := &fakeExecutor{}
	for i := 0; i < 6; i++ {
		exec.results = append(exec.results, crash(tb))
	}
	exec.results = append(exec.results, execPass("ok\n"))

	o, emitter := newTestOrchestrator(t, client, exec)
	summary, err := o.Run(context.Background(), "sort the list")
	require.NoError(t, err)

	assert.True(t, summary.Success)
	assert.Equal(t, 6, summary.ExecutionAttempts)
	assert.Equal(t, 2, summary.HighestTier)
	assert.Zero(t, summary.ReArchitectCount)
	assert.Equal(t, 18, summary.TotalAgentCalls)

	var tiers []int
	for _, ev := range emitter.GetEventsByType(events.TypeEvolutionCycle) {
		tiers = append(tiers, ev.Data.(events.EvolutionCycleData).Tier)
	}
	assert.Equal(t, []int{1, 1, 1, 1, 1, 2}, tiers)

	// The tier-2 repair runs debugger, developer, reviewer, developer.
	var roles []string
	for _, ev := range emitter.GetEventsByType(events.TypeAgentStart) {
		roles = append(roles, ev.Data.(events.AgentStartData).Role)
	}
	require.Len(t, roles, 18)
	assert.Equal(t, []string{"debugger", "developer", "reviewer", "developer"}, roles[14:])
}

func TestRun_MentalEvolutionCycle(t *testing.T) {
	client := llm.NewScriptedClient("test-model",
		planResponse, codeResponse, approveResponse, failTestResponse,
		diagnosisItem, fixResponse, approveResponse, passResponse)
	exec := &fakeExecutor{results: []runner.Result{execPass("ok\n")}}
	o, emitter := newTestOrchestrator(t, client, exec)

	summary, err := o.Run(context.Background(), "sum the squares")
	require.NoError(t, err)

	assert.True(t, summary.Success)
	assert.Equal(t, 1, summary.EvolutionCycles)
	assert.Equal(t, 8, summary.TotalAgentCalls)

	cycles := emitter.GetEventsByType(events.TypeEvolutionCycle)
	require.Len(t, cycles, 1)
	data := cycles[0].Data.(events.EvolutionCycleData)
	assert.Equal(t, 1, data.Cycle)
	assert.Equal(t, "mental evolution", data.Label)
	assert.Zero(t, data.Tier)
}

func TestRun_DebuggerCleanEndsEvolutionEarly(t *testing.T) {
	client := llm.NewScriptedClient("test-model",
		planResponse, codeResponse, approveResponse, failTestResponse,
		cleanDiagnosis)
	exec := &fakeExecutor{results: []runner.Result{execPass("ok\n")}}
	o, _ := newTestOrchestrator(t, client, exec)

	summary, err := o.Run(context.Background(), "sum the squares")
	require.NoError(t, err)

	assert.True(t, summary.Success)
	assert.Equal(t, 1, summary.EvolutionCycles)
	assert.Equal(t, 5, summary.TotalAgentCalls)
}

func TestRun_EvolutionCycleCapStops(t *testing.T) {
	responses := []string{planResponse, codeResponse, approveResponse, failTestResponse}
	for i := 0; i < 2; i++ {
		responses = append(responses, diagnosisItem, fixResponse, approveResponse, failTestResponse)
	}
	client := llm.NewScriptedClient("test-model", responses...)
	exec := &fakeExecutor{results: []runner.Result{execPass("ok\n")}}
	o, _ := newTestOrchestrator(t, client, exec, func(c *Config) {
		c.Escalation.MaxEvolutionCycles = 2
	})

	summary, err := o.Run(context.Background(), "sum the squares")
	require.NoError(t, err)

	// The cap forces progression to execution even with the tester still
	// objecting; the execution itself then passes.
	assert.True(t, summary.Success)
	assert.Equal(t, 2, summary.EvolutionCycles)
	assert.Equal(t, 12, summary.TotalAgentCalls)
}

func TestRun_InitialReviewDemandsRevision(t *testing.T) {
	client := llm.NewScriptedClient("test-model",
		planResponse, codeResponse, objectionText, fixResponse, passResponse)
	exec := &fakeExecutor{results: []runner.Result{execPass("ok\n")}}
	o, emitter := newTestOrchestrator(t, client, exec)

	summary, err := o.Run(context.Background(), "batch the records")
	require.NoError(t, err)

	assert.True(t, summary.Success)
	assert.Equal(t, 5, summary.TotalAgentCalls)

	var roles []string
	for _, ev := range emitter.GetEventsByType(events.TypeAgentStart) {
		roles = append(roles, ev.Data.(events.AgentStartData).Role)
	}
	assert.Equal(t, []string{"architect", "developer", "reviewer", "developer", "tester"}, roles)
}

// A developer turn with no fenced code leaves nothing to execute; the run
// ends gracefully rather than erroring.
func TestRun_NoArtifactEndsGracefully(t *testing.T) {
	client := llm.NewScriptedClient("test-model",
		planResponse,
		"I would implement this with a sieve, but first let me describe the approach in prose.",
		approveResponse, passResponse)
	exec := &fakeExecutor{}
	o, emitter := newTestOrchestrator(t, client, exec)

	summary, err := o.Run(context.Background(), "print the primes")
	require.NoError(t, err)

	assert.False(t, summary.Success)
	assert.Equal(t, noArtifactMessage, summary.Message)
	assert.Zero(t, exec.calls)

	assert.Equal(t, events.TypeWorkflowComplete, lastType(t, emitter))
	complete := emitter.GetEventsByType(events.TypeWorkflowComplete)
	require.Len(t, complete, 1)
	data := complete[0].Data.(events.WorkflowCompleteData)
	assert.False(t, data.Success)
	assert.Contains(t, data.Message, "nothing to execute")
}

// A model transport failure is fatal: the workflow aborts naming the
// persona, the turn is not appended, and nothing executes.
func TestRun_TransportFailureAborts(t *testing.T) {
	client := llm.NewScriptedClient("test-model", planResponse)
	client.QueueError(errors.New("connection refused"))
	exec := &fakeExecutor{}
	o, emitter := newTestOrchestrator(t, client, exec)

	summary, err := o.Run(context.Background(), "print the primes")
	require.Error(t, err)
	assert.Nil(t, summary)

	var agentErr *invoker.AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, personas.Developer, agentErr.Role)

	assert.Equal(t, events.TypeWorkflowError, lastType(t, emitter))
	errEvents := emitter.GetEventsByType(events.TypeWorkflowError)
	require.Len(t, errEvents, 1)
	data := errEvents[0].Data.(events.WorkflowErrorData)
	assert.Equal(t, "developer", data.Role)
	assert.Contains(t, data.Error, "connection refused")
	assert.Zero(t, exec.calls)
}

// Caller cancellation is the only way out of the otherwise unbounded
// execution-debug loop.
func TestRun_CancellationStopsRepairLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	client := llm.NewScriptedClient("test-model",
		planResponse, codeResponse, approveResponse, passResponse)
	exec := &fakeExecutor{
		results: []runner.Result{crash(pythonTrace("ValueError: boom"))},
		onRun:   cancel,
	}
	o, emitter := newTestOrchestrator(t, client, exec)

	summary, err := o.Run(ctx, "print the primes")
	require.Error(t, err)
	assert.Nil(t, summary)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, events.TypeWorkflowError, lastType(t, emitter))
}

func TestRun_ExecutorFailureIsFatal(t *testing.T) {
	client := llm.NewScriptedClient("test-model",
		planResponse, codeResponse, approveResponse, passResponse)
	exec := &fakeExecutor{errs: []error{errors.New("python3: not found")}}
	o, emitter := newTestOrchestrator(t, client, exec)

	summary, err := o.Run(context.Background(), "print the primes")
	require.Error(t, err)
	assert.Nil(t, summary)
	assert.Contains(t, err.Error(), "python3: not found")
	assert.Equal(t, events.TypeWorkflowError, lastType(t, emitter))
}
