// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"errors"
	"testing"
)

// Tests run in machine mode so no animation goroutines are started
// and no control sequences hit the test output.

func withMachineMode(t *testing.T) {
	t.Helper()
	original := GetMode()
	SetMode(ModeMachine)
	t.Cleanup(func() { SetMode(original) })
}

func TestNewSpinner(t *testing.T) {
	s := NewSpinner("loading")
	if s == nil {
		t.Fatal("NewSpinner() returned nil")
	}
	if s.message != "loading" {
		t.Errorf("message = %q, want \"loading\"", s.message)
	}
	if s.spinType != SpinnerDots {
		t.Errorf("default spinType = %v, want SpinnerDots", s.spinType)
	}
}

func TestSpinner_WithType(t *testing.T) {
	s := NewSpinner("msg").WithType(SpinnerEmber)
	if s.spinType != SpinnerEmber {
		t.Errorf("spinType = %v, want SpinnerEmber", s.spinType)
	}
}

func TestSpinner_StartStop_MachineMode(t *testing.T) {
	withMachineMode(t)

	s := NewSpinner("working")
	s.Start()
	s.Stop()
	// No goroutine was started; Stop must not block or panic.
}

func TestSpinner_DoubleStart(t *testing.T) {
	withMachineMode(t)

	s := NewSpinner("working")
	s.Start()
	s.Start() // Second start is a no-op
	s.Stop()
}

func TestSpinner_StopWithoutStart(t *testing.T) {
	withMachineMode(t)

	s := NewSpinner("never started")
	s.Stop() // Must not panic or block
}

func TestSpinner_UpdateMessage(t *testing.T) {
	s := NewSpinner("first")
	s.UpdateMessage("second")
	s.mu.Lock()
	got := s.message
	s.mu.Unlock()
	if got != "second" {
		t.Errorf("message = %q, want \"second\"", got)
	}
}

func TestSpinnerFrames_AllTypesDefined(t *testing.T) {
	types := []SpinnerType{SpinnerDots, SpinnerLine, SpinnerHammer, SpinnerEmber}
	for _, st := range types {
		frames, ok := spinnerFrames[st]
		if !ok || len(frames) == 0 {
			t.Errorf("spinner type %v has no frames", st)
		}
	}
}

func TestWithSpinner_Success(t *testing.T) {
	withMachineMode(t)

	called := false
	err := WithSpinner("task", func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Errorf("WithSpinner() returned error: %v", err)
	}
	if !called {
		t.Error("function was not called")
	}
}

func TestWithSpinner_Error(t *testing.T) {
	withMachineMode(t)

	wantErr := errors.New("task failed")
	err := WithSpinner("task", func() error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("WithSpinner() error = %v, want %v", err, wantErr)
	}
}
