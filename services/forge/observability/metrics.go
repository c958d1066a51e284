// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for workflow runs.
//
// Description:
//
//	Counters, histograms, and gauges covering the full control loop:
//	runs, per-persona agent calls and token volume, execution attempts by
//	classified outcome, escalation tiers, and parsed verdicts. Metrics
//	are exposed through the telemetry package's /metrics handler and are
//	meant for Prometheus + Grafana.
//
// Thread Safety:
//
//	All metric operations are thread-safe via Prometheus's internal
//	locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace and subsystem for all workflow metrics.
const (
	metricsNamespace = "aleutian"
	forgeSubsystem   = "forge"
)

// WorkflowMetrics holds all Prometheus metrics for workflow runs.
//
// Thread Safety: All operations are thread-safe.
type WorkflowMetrics struct {
	// RunsTotal counts completed workflow runs.
	// Labels: status (success, error)
	RunsTotal *prometheus.CounterVec

	// RunDurationSeconds measures wall-clock run time.
	// Labels: status (success, error)
	RunDurationSeconds *prometheus.HistogramVec

	// ActiveRuns tracks currently executing runs.
	ActiveRuns prometheus.Gauge

	// AgentCallsTotal counts model invocations.
	// Labels: role (architect, developer, ...), model, status (success, error)
	AgentCallsTotal *prometheus.CounterVec

	// AgentCallDurationSeconds measures one model invocation.
	// Labels: role
	AgentCallDurationSeconds *prometheus.HistogramVec

	// AgentTokensTotal counts estimated tokens by direction and model.
	// Labels: direction (input, output), model
	AgentTokensTotal *prometheus.CounterVec

	// ExecutionAttemptsTotal counts subprocess attempts by classified outcome.
	// Labels: outcome (success, crash, hidden_error, quality, timeout)
	ExecutionAttemptsTotal *prometheus.CounterVec

	// ExecutionDurationSeconds measures one subprocess attempt.
	// Labels: outcome
	ExecutionDurationSeconds *prometheus.HistogramVec

	// EscalationsTotal counts repair cycles by tier.
	// Labels: tier (1, 2, 3)
	EscalationsTotal *prometheus.CounterVec

	// VerdictsTotal counts parsed agent verdicts.
	// Labels: role, verdict (pass, fail, needs_revision, clean, none)
	VerdictsTotal *prometheus.CounterVec
}

// DefaultMetrics is the shared metrics instance, set by InitMetrics.
var DefaultMetrics *WorkflowMetrics

// InitMetrics initializes DefaultMetrics against the default Prometheus
// registry. Idempotent: repeated calls return the existing instance.
//
// Outputs:
//
//	*WorkflowMetrics - The initialized metrics instance.
func InitMetrics() *WorkflowMetrics {
	if DefaultMetrics != nil {
		return DefaultMetrics
	}
	DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// NewMetrics creates a metrics set registered against reg. Tests pass a
// private prometheus.NewRegistry() to avoid duplicate-registration panics.
//
// Inputs:
//
//	reg - The registry to register all collectors with.
//
// Outputs:
//
//	*WorkflowMetrics - The registered metrics instance.
func NewMetrics(reg prometheus.Registerer) *WorkflowMetrics {
	factory := promauto.With(reg)

	return &WorkflowMetrics{
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: forgeSubsystem,
				Name:      "runs_total",
				Help:      "Total workflow runs by terminal status",
			},
			[]string{"status"},
		),

		RunDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: forgeSubsystem,
				Name:      "run_duration_seconds",
				Help:      "Wall-clock workflow run duration in seconds",
				Buckets:   []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"status"},
		),

		ActiveRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: forgeSubsystem,
				Name:      "active_runs",
				Help:      "Number of currently executing workflow runs",
			},
		),

		AgentCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: forgeSubsystem,
				Name:      "agent_calls_total",
				Help:      "Total model invocations by role, model, and status",
			},
			[]string{"role", "model", "status"},
		),

		AgentCallDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: forgeSubsystem,
				Name:      "agent_call_duration_seconds",
				Help:      "Single model invocation duration in seconds",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"role"},
		),

		AgentTokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: forgeSubsystem,
				Name:      "agent_tokens_total",
				Help:      "Estimated tokens processed by direction and model",
			},
			[]string{"direction", "model"},
		),

		ExecutionAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: forgeSubsystem,
				Name:      "execution_attempts_total",
				Help:      "Total subprocess execution attempts by classified outcome",
			},
			[]string{"outcome"},
		),

		ExecutionDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: forgeSubsystem,
				Name:      "execution_duration_seconds",
				Help:      "Single subprocess execution duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 120, 300},
			},
			[]string{"outcome"},
		),

		EscalationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: forgeSubsystem,
				Name:      "escalations_total",
				Help:      "Total repair cycles entered by escalation tier",
			},
			[]string{"tier"},
		),

		VerdictsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: forgeSubsystem,
				Name:      "verdicts_total",
				Help:      "Total parsed agent verdicts by role and outcome",
			},
			[]string{"role", "verdict"},
		),
	}
}

// Outcome categorizes one execution attempt for metrics labeling.
type Outcome string

const (
	// OutcomeSuccess is a clean exit with healthy output.
	OutcomeSuccess Outcome = "success"

	// OutcomeCrash is a non-zero exit.
	OutcomeCrash Outcome = "crash"

	// OutcomeHiddenError is a zero exit with error-shaped stdout.
	OutcomeHiddenError Outcome = "hidden_error"

	// OutcomeQuality is a clean run whose output fails quality heuristics.
	OutcomeQuality Outcome = "quality"

	// OutcomeTimeout is an attempt killed at the deadline.
	OutcomeTimeout Outcome = "timeout"
)

// RecordRun records a finished workflow run.
//
// Inputs:
//
//	success - Whether the run reached a successful terminal state.
//	seconds - Wall-clock duration.
func (m *WorkflowMetrics) RecordRun(success bool, seconds float64) {
	status := statusLabel(success)
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDurationSeconds.WithLabelValues(status).Observe(seconds)
}

// RunStarted increments the active-runs gauge.
func (m *WorkflowMetrics) RunStarted() {
	m.ActiveRuns.Inc()
}

// RunEnded decrements the active-runs gauge.
func (m *WorkflowMetrics) RunEnded() {
	m.ActiveRuns.Dec()
}

// RecordAgentCall records one finished model invocation.
//
// Inputs:
//
//	role - The persona making the call.
//	model - The backing model identity.
//	success - Whether the call returned a response.
//	seconds - Invocation duration.
func (m *WorkflowMetrics) RecordAgentCall(role, model string, success bool, seconds float64) {
	m.AgentCallsTotal.WithLabelValues(role, model, statusLabel(success)).Inc()
	m.AgentCallDurationSeconds.WithLabelValues(role).Observe(seconds)
}

// RecordTokens records estimated token usage for one invocation.
//
// Inputs:
//
//	inputTokens - Estimated prompt tokens.
//	outputTokens - Estimated response tokens.
//	model - The model used.
func (m *WorkflowMetrics) RecordTokens(inputTokens, outputTokens int, model string) {
	m.AgentTokensTotal.WithLabelValues("input", model).Add(float64(inputTokens))
	m.AgentTokensTotal.WithLabelValues("output", model).Add(float64(outputTokens))
}

// RecordExecution records one classified subprocess attempt.
//
// Inputs:
//
//	outcome - The classified outcome label.
//	seconds - Subprocess duration.
func (m *WorkflowMetrics) RecordExecution(outcome Outcome, seconds float64) {
	m.ExecutionAttemptsTotal.WithLabelValues(string(outcome)).Inc()
	m.ExecutionDurationSeconds.WithLabelValues(string(outcome)).Observe(seconds)
}

// RecordEscalation records entry into a repair cycle at the given tier.
func (m *WorkflowMetrics) RecordEscalation(tier int) {
	m.EscalationsTotal.WithLabelValues(tierLabel(tier)).Inc()
}

// RecordVerdict records one parsed agent verdict.
//
// Inputs:
//
//	role - The persona whose output was parsed.
//	verdict - The named verdict outcome ("pass", "fail", ...).
func (m *WorkflowMetrics) RecordVerdict(role, verdict string) {
	m.VerdictsTotal.WithLabelValues(role, verdict).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func tierLabel(tier int) string {
	switch tier {
	case 1:
		return "1"
	case 2:
		return "2"
	case 3:
		return "3"
	default:
		return "0"
	}
}
