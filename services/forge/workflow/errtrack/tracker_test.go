// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package errtrack

import (
	"fmt"
	"strings"
	"sync"
	"testing"
)

func TestRecord_SignatureFromErrorLine(t *testing.T) {
	tests := []struct {
		name       string
		diagnostic string
		want       string
	}{
		{
			name:       "python traceback picks error line",
			diagnostic: "Traceback (most recent call last):\n  File \"main.py\", line 7\nValueError: shapes (3,2) and (3,2) not aligned",
			want:       "ValueError: shapes (3,2) and (3,2) not aligned",
		},
		{
			name:       "exception marker",
			diagnostic: "run started\nCustomException: widget overflow\ncleanup done",
			want:       "CustomException: widget overflow",
		},
		{
			name:       "failed marker",
			diagnostic: "collecting tests\ntest_shapes FAILED\n2 passed",
			want:       "test_shapes FAILED",
		},
		{
			name:       "error occurred phrase case-insensitive",
			diagnostic: "loading data\nAn ERROR OCCURRED in the pipeline\ndone",
			want:       "An ERROR OCCURRED in the pipeline",
		},
		{
			name:       "fallback to last non-empty line",
			diagnostic: "something odd happened\nprocess exited unexpectedly\n\n\n",
			want:       "process exited unexpectedly",
		},
		{
			name:       "last matching line wins over earlier one",
			diagnostic: "TypeError: first\nretrying\nTypeError: second",
			want:       "TypeError: second",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker()
			if got := tr.Record(tt.diagnostic, 1); got != tt.want {
				t.Errorf("Record() signature = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSignature_Stateless(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"traceback tail", "Traceback (most recent call last):\n  File x\nKeyError: 'k'\n", "KeyError: 'k'"},
		{"single line", "exit code 3", "exit code 3"},
		{"empty", "", ""},
		{"whitespace only", "  \n\t\n", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Signature(tt.in); got != tt.want {
				t.Errorf("Signature(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRecord_SignatureCapped(t *testing.T) {
	tr := NewTracker()
	long := "ValueError: " + strings.Repeat("x", 500)

	sig := tr.Record(long, 1)

	if len(sig) != maxSignatureLength {
		t.Errorf("signature length = %d, want %d", len(sig), maxSignatureLength)
	}
	if !strings.HasPrefix(sig, "ValueError: ") {
		t.Errorf("signature lost its prefix: %q", sig)
	}
}

func TestConsecutiveRepeats(t *testing.T) {
	tr := NewTracker()

	// Record, then immediately query: must be >= 1.
	sig := tr.Record("IndexError: list index out of range", 1)
	if got := tr.ConsecutiveRepeats(sig); got != 1 {
		t.Errorf("ConsecutiveRepeats after first record = %d, want 1", got)
	}

	// Byte-identical re-record increments by exactly 1.
	tr.Record("IndexError: list index out of range", 2)
	if got := tr.ConsecutiveRepeats(sig); got != 2 {
		t.Errorf("ConsecutiveRepeats after identical re-record = %d, want 2", got)
	}
	tr.Record("IndexError: list index out of range", 3)
	if got := tr.ConsecutiveRepeats(sig); got != 3 {
		t.Errorf("ConsecutiveRepeats after third record = %d, want 3", got)
	}

	// A different failure breaks the streak.
	other := tr.Record("KeyError: 'batch_size'", 4)
	if got := tr.ConsecutiveRepeats(sig); got != 0 {
		t.Errorf("ConsecutiveRepeats for displaced signature = %d, want 0", got)
	}
	if got := tr.ConsecutiveRepeats(other); got != 1 {
		t.Errorf("ConsecutiveRepeats for new signature = %d, want 1", got)
	}
}

func TestUniqueErrors(t *testing.T) {
	tr := NewTracker()
	tr.Record("TypeError: a", 1)
	tr.Record("KeyError: b", 2)
	tr.Record("TypeError: a", 3)
	tr.Record("TypeError: a", 4)

	unique := tr.UniqueErrors()

	if len(unique) != 2 {
		t.Fatalf("UniqueErrors() returned %d groups, want 2", len(unique))
	}
	// First-seen order.
	if unique[0].Signature != "TypeError: a" || unique[0].Count != 3 {
		t.Errorf("unique[0] = %+v, want TypeError x3", unique[0])
	}
	if unique[1].Signature != "KeyError: b" || unique[1].Count != 1 {
		t.Errorf("unique[1] = %+v, want KeyError x1", unique[1])
	}
}

func TestIsThrashing(t *testing.T) {
	t.Run("five distinct signatures thrash", func(t *testing.T) {
		tr := NewTracker()
		for i := 0; i < 5; i++ {
			tr.Record(fmt.Sprintf("Error: failure mode %d", i), i+1)
		}
		if !tr.IsThrashing() {
			t.Error("IsThrashing() = false after 5 pairwise-distinct errors")
		}
	})

	t.Run("repeat inside window is not thrashing", func(t *testing.T) {
		tr := NewTracker()
		tr.Record("Error: a", 1)
		tr.Record("Error: b", 2)
		tr.Record("Error: a", 3)
		tr.Record("Error: c", 4)
		tr.Record("Error: d", 5)
		if tr.IsThrashing() {
			t.Error("IsThrashing() = true with a repeated signature in the window")
		}
	})

	t.Run("fewer than five entries never thrash", func(t *testing.T) {
		tr := NewTracker()
		for i := 0; i < 4; i++ {
			tr.Record(fmt.Sprintf("Error: failure mode %d", i), i+1)
		}
		if tr.IsThrashing() {
			t.Error("IsThrashing() = true with only 4 entries")
		}
	})

	t.Run("only the trailing window counts", func(t *testing.T) {
		tr := NewTracker()
		// Early repeats followed by five fresh distinct failures.
		tr.Record("Error: a", 1)
		tr.Record("Error: a", 2)
		for i := 0; i < 5; i++ {
			tr.Record(fmt.Sprintf("Error: fresh %d", i), i+3)
		}
		if !tr.IsThrashing() {
			t.Error("IsThrashing() = false although the last 5 are distinct")
		}
	})
}

func TestLog_AppendOnlyCopy(t *testing.T) {
	tr := NewTracker()
	tr.Record("Error: a", 1)
	tr.Record("Error: b", 2)

	log := tr.Log()
	if len(log) != 2 {
		t.Fatalf("Log() length = %d, want 2", len(log))
	}

	// Mutating the copy must not reach the tracker.
	log[0].Signature = "tampered"
	if tr.Log()[0].Signature != "Error: a" {
		t.Error("Log() leaked internal state")
	}

	if tr.Len() != 2 {
		t.Errorf("Len() = %d, want 2", tr.Len())
	}
	if tr.LastSignature() != "Error: b" {
		t.Errorf("LastSignature() = %q, want %q", tr.LastSignature(), "Error: b")
	}
}

func TestTracker_ConcurrentReadersDuringRecords(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			tr.Record(fmt.Sprintf("Error: %d", i%7), i)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			tr.IsThrashing()
			tr.UniqueErrors()
			tr.ConsecutiveRepeats("Error: 0")
			tr.Len()
		}
	}()
	wg.Wait()

	if tr.Len() != 200 {
		t.Errorf("Len() = %d after concurrent records, want 200", tr.Len())
	}
}
