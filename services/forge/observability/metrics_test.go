// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// newTestMetrics creates a WorkflowMetrics instance on a private registry so
// tests never collide with the default registry or each other.
func newTestMetrics(t *testing.T) *WorkflowMetrics {
	t.Helper()
	return NewMetrics(prometheus.NewRegistry())
}

func TestNewMetrics_AllCollectorsSet(t *testing.T) {
	m := newTestMetrics(t)

	if m.RunsTotal == nil {
		t.Error("RunsTotal should not be nil")
	}
	if m.RunDurationSeconds == nil {
		t.Error("RunDurationSeconds should not be nil")
	}
	if m.ActiveRuns == nil {
		t.Error("ActiveRuns should not be nil")
	}
	if m.AgentCallsTotal == nil {
		t.Error("AgentCallsTotal should not be nil")
	}
	if m.AgentCallDurationSeconds == nil {
		t.Error("AgentCallDurationSeconds should not be nil")
	}
	if m.AgentTokensTotal == nil {
		t.Error("AgentTokensTotal should not be nil")
	}
	if m.ExecutionAttemptsTotal == nil {
		t.Error("ExecutionAttemptsTotal should not be nil")
	}
	if m.ExecutionDurationSeconds == nil {
		t.Error("ExecutionDurationSeconds should not be nil")
	}
	if m.EscalationsTotal == nil {
		t.Error("EscalationsTotal should not be nil")
	}
	if m.VerdictsTotal == nil {
		t.Error("VerdictsTotal should not be nil")
	}
}

func TestInitMetrics_Idempotent(t *testing.T) {
	first := InitMetrics()
	if first == nil {
		t.Fatal("InitMetrics() returned nil")
	}
	if DefaultMetrics != first {
		t.Error("DefaultMetrics should equal the returned value")
	}

	second := InitMetrics()
	if second != first {
		t.Error("second InitMetrics() should return the existing instance")
	}
}

func TestRecordRun(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRun(true, 42.0)
	m.RecordRun(true, 10.0)
	m.RecordRun(false, 300.0)

	successVal := testutil.ToFloat64(m.RunsTotal.WithLabelValues("success"))
	if successVal != 2 {
		t.Errorf("RunsTotal[success] = %f, want 2", successVal)
	}
	errorVal := testutil.ToFloat64(m.RunsTotal.WithLabelValues("error"))
	if errorVal != 1 {
		t.Errorf("RunsTotal[error] = %f, want 1", errorVal)
	}
}

func TestRunStartedEnded(t *testing.T) {
	m := newTestMetrics(t)

	m.RunStarted()
	m.RunStarted()
	if val := testutil.ToFloat64(m.ActiveRuns); val != 2 {
		t.Errorf("ActiveRuns = %f, want 2", val)
	}

	m.RunEnded()
	m.RunEnded()
	if val := testutil.ToFloat64(m.ActiveRuns); val != 0 {
		t.Errorf("ActiveRuns = %f, want 0", val)
	}
}

func TestRecordAgentCall(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordAgentCall("developer", "qwen2.5-coder", true, 3.2)
	m.RecordAgentCall("developer", "qwen2.5-coder", true, 1.1)
	m.RecordAgentCall("tester", "qwen2.5-coder", false, 0.2)

	devVal := testutil.ToFloat64(m.AgentCallsTotal.WithLabelValues("developer", "qwen2.5-coder", "success"))
	if devVal != 2 {
		t.Errorf("AgentCallsTotal[developer,success] = %f, want 2", devVal)
	}
	testerVal := testutil.ToFloat64(m.AgentCallsTotal.WithLabelValues("tester", "qwen2.5-coder", "error"))
	if testerVal != 1 {
		t.Errorf("AgentCallsTotal[tester,error] = %f, want 1", testerVal)
	}
}

func TestRecordTokens(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordTokens(100, 50, "qwen2.5-coder")
	m.RecordTokens(200, 100, "qwen2.5-coder")

	inputVal := testutil.ToFloat64(m.AgentTokensTotal.WithLabelValues("input", "qwen2.5-coder"))
	if inputVal != 300 {
		t.Errorf("AgentTokensTotal[input] = %f, want 300", inputVal)
	}
	outputVal := testutil.ToFloat64(m.AgentTokensTotal.WithLabelValues("output", "qwen2.5-coder"))
	if outputVal != 150 {
		t.Errorf("AgentTokensTotal[output] = %f, want 150", outputVal)
	}
}

func TestRecordExecution(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordExecution(OutcomeSuccess, 1.5)
	m.RecordExecution(OutcomeCrash, 0.3)
	m.RecordExecution(OutcomeCrash, 0.4)
	m.RecordExecution(OutcomeHiddenError, 2.0)
	m.RecordExecution(OutcomeQuality, 10.0)
	m.RecordExecution(OutcomeTimeout, 300.0)

	tests := []struct {
		outcome Outcome
		want    float64
	}{
		{OutcomeSuccess, 1},
		{OutcomeCrash, 2},
		{OutcomeHiddenError, 1},
		{OutcomeQuality, 1},
		{OutcomeTimeout, 1},
	}
	for _, tt := range tests {
		val := testutil.ToFloat64(m.ExecutionAttemptsTotal.WithLabelValues(string(tt.outcome)))
		if val != tt.want {
			t.Errorf("ExecutionAttemptsTotal[%s] = %f, want %f", tt.outcome, val, tt.want)
		}
	}
}

func TestRecordEscalation(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordEscalation(1)
	m.RecordEscalation(1)
	m.RecordEscalation(2)
	m.RecordEscalation(3)
	m.RecordEscalation(99)

	if val := testutil.ToFloat64(m.EscalationsTotal.WithLabelValues("1")); val != 2 {
		t.Errorf("EscalationsTotal[1] = %f, want 2", val)
	}
	if val := testutil.ToFloat64(m.EscalationsTotal.WithLabelValues("2")); val != 1 {
		t.Errorf("EscalationsTotal[2] = %f, want 1", val)
	}
	if val := testutil.ToFloat64(m.EscalationsTotal.WithLabelValues("3")); val != 1 {
		t.Errorf("EscalationsTotal[3] = %f, want 1", val)
	}
	if val := testutil.ToFloat64(m.EscalationsTotal.WithLabelValues("0")); val != 1 {
		t.Errorf("EscalationsTotal[0] = %f, want 1", val)
	}
}

func TestRecordVerdict(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordVerdict("tester", "pass")
	m.RecordVerdict("tester", "fail")
	m.RecordVerdict("reviewer", "needs_revision")

	if val := testutil.ToFloat64(m.VerdictsTotal.WithLabelValues("tester", "pass")); val != 1 {
		t.Errorf("VerdictsTotal[tester,pass] = %f, want 1", val)
	}
	if val := testutil.ToFloat64(m.VerdictsTotal.WithLabelValues("reviewer", "needs_revision")); val != 1 {
		t.Errorf("VerdictsTotal[reviewer,needs_revision] = %f, want 1", val)
	}
}

func TestMetrics_ConcurrentSafety(t *testing.T) {
	m := newTestMetrics(t)

	done := make(chan bool, 60)
	for i := 0; i < 20; i++ {
		go func() {
			m.RecordAgentCall("developer", "m", true, 1.0)
			done <- true
		}()
	}
	for i := 0; i < 20; i++ {
		go func() {
			m.RecordExecution(OutcomeCrash, 0.5)
			done <- true
		}()
	}
	for i := 0; i < 20; i++ {
		go func() {
			m.RunStarted()
			m.RunEnded()
			done <- true
		}()
	}
	for i := 0; i < 60; i++ {
		<-done
	}

	callsVal := testutil.ToFloat64(m.AgentCallsTotal.WithLabelValues("developer", "m", "success"))
	if callsVal != 20 {
		t.Errorf("AgentCallsTotal = %f, want 20", callsVal)
	}
	crashVal := testutil.ToFloat64(m.ExecutionAttemptsTotal.WithLabelValues("crash"))
	if crashVal != 20 {
		t.Errorf("ExecutionAttemptsTotal[crash] = %f, want 20", crashVal)
	}
	if val := testutil.ToFloat64(m.ActiveRuns); val != 0 {
		t.Errorf("ActiveRuns = %f, want 0", val)
	}
}
