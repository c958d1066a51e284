// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package invoker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const (
	// ResponseBufferSize bounds one accumulated agent response. 512 KB is
	// roughly 131k tokens at 4 bytes per token, ample for a single turn.
	ResponseBufferSize = 512 * 1024

	// MinMlockLimitKB is the mlock limit required for secure accumulation.
	MinMlockLimitKB = 512
)

var (
	memguardInitOnce    sync.Once
	mlockSufficient     bool
	currentMlockLimitKB int64
)

// Accumulator collects streamed response fragments for one agent turn.
//
// Description:
//
//	Fragments are hashed incrementally as they arrive, so the digest
//	covers exactly the bytes that were streamed. Finalize returns the
//	assembled text and its SHA-256 hex digest and wipes the buffer; an
//	accumulator cannot be reused afterward. Destroy wipes without
//	returning data and is safe to call repeatedly, including after
//	Finalize.
//
// Thread Safety: Implementations are safe for concurrent use.
type Accumulator interface {
	Write(fragment string) error
	Finalize() (text string, digest string, err error)
	Destroy()
	ID() string
}

// NewAccumulator creates an accumulator backed by mlocked memory.
//
// Description:
//
//	Allocates a memguard buffer of ResponseBufferSize bytes so agent
//	responses never swap to disk. When the system's mlock limit is too
//	low the behavior depends on ALEUTIAN_INSECURE_MEMORY: "true" falls
//	back to a plain heap accumulator with a warning, anything else is an
//	error telling the operator to raise the limit or opt out.
//
// Outputs:
//
//	Accumulator - Ready for use; may be the plain fallback.
//	error - Non-nil if secure memory is unavailable and not opted out.
func NewAccumulator() (Accumulator, error) {
	initMemguard()

	if !mlockSufficient {
		if os.Getenv("ALEUTIAN_INSECURE_MEMORY") == "true" {
			slog.Warn("using plain memory accumulator, mlock limit insufficient",
				slog.Int64("current_limit_kb", currentMlockLimitKB),
				slog.Int("required_kb", MinMlockLimitKB),
			)
			return newPlainAccumulator(), nil
		}
		return nil, fmt.Errorf(
			"mlock limit insufficient: have %d KB, need %d KB; raise the limit or set ALEUTIAN_INSECURE_MEMORY=true",
			currentMlockLimitKB, MinMlockLimitKB)
	}

	buf := memguard.NewBuffer(ResponseBufferSize)
	if buf == nil {
		return nil, fmt.Errorf("allocate secure buffer of %d bytes", ResponseBufferSize)
	}
	buf.Melt()

	return &secureAccumulator{
		id:     uuid.NewString(),
		buffer: buf,
		hasher: sha256.New(),
	}, nil
}

// MlockAvailable reports whether secure accumulation is possible and the
// current mlock limit in KB (-1 when unlimited).
func MlockAvailable() (bool, int64) {
	initMemguard()
	return mlockSufficient, currentMlockLimitKB
}

// PurgeSecureMemory wipes all memguard-allocated memory. Call during
// graceful shutdown; existing accumulators are invalid afterward.
func PurgeSecureMemory() {
	memguard.Purge()
	slog.Info("purged all secure memory")
}

// initMemguard performs one-time memguard setup and the mlock limit probe.
func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()
		if mlockSufficient {
			slog.Info("secure memory initialized",
				slog.Int64("mlock_limit_kb", currentMlockLimitKB),
				slog.Int("required_kb", MinMlockLimitKB),
			)
		} else {
			slog.Warn("mlock limit insufficient for secure memory",
				slog.Int64("current_limit_kb", currentMlockLimitKB),
				slog.Int("required_kb", MinMlockLimitKB),
			)
		}
	})
}

// checkMlockLimit queries RLIMIT_MEMLOCK. An unreadable limit counts as
// sufficient; memguard allocation will surface any real shortfall.
func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("could not determine mlock limit", slog.Any("error", err))
		return true, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= MinMlockLimitKB, limitKB
}

// secureAccumulator stores fragments in an mlocked memguard buffer: the
// memory never swaps, overflows hit guard pages, and Finalize/Destroy zero
// the contents.
type secureAccumulator struct {
	id        string
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

func (a *secureAccumulator) Write(fragment string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("secure buffer overflow, response too large")
	}

	b := []byte(fragment)
	if a.offset+len(b) > ResponseBufferSize {
		a.overflow = true
		return fmt.Errorf("secure buffer overflow: need %d bytes, have %d remaining",
			len(b), ResponseBufferSize-a.offset)
	}

	copy(a.buffer.Bytes()[a.offset:], b)
	a.offset += len(b)
	a.hasher.Write(b)
	return nil
}

func (a *secureAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}

	text := string(a.buffer.Bytes()[:a.offset])
	digest := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()

	slog.Debug("finalized secure accumulator",
		slog.String("accumulator_id", a.id),
		slog.Int("text_length", len(text)),
	)
	return text, digest, nil
}

func (a *secureAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.wipe()
}

func (a *secureAccumulator) ID() string {
	return a.id
}

func (a *secureAccumulator) wipe() {
	if a.buffer != nil {
		a.buffer.Destroy()
	}
	a.destroyed = true
}

// plainAccumulator is the heap fallback for systems without usable mlock.
// Zeroing on wipe is best effort; the GC may keep copies.
type plainAccumulator struct {
	id        string
	mu        sync.Mutex
	data      []byte
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

func newPlainAccumulator() Accumulator {
	return &plainAccumulator{
		id:     uuid.NewString(),
		data:   make([]byte, 0, 4096),
		hasher: sha256.New(),
	}
}

func (a *plainAccumulator) Write(fragment string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("buffer overflow, response too large")
	}

	b := []byte(fragment)
	if len(a.data)+len(b) > ResponseBufferSize {
		a.overflow = true
		return fmt.Errorf("buffer overflow: need %d bytes, have %d remaining",
			len(b), ResponseBufferSize-len(a.data))
	}

	a.data = append(a.data, b...)
	a.hasher.Write(b)
	return nil
}

func (a *plainAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}

	text := string(a.data)
	digest := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()
	return text, digest, nil
}

func (a *plainAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.wipe()
}

func (a *plainAccumulator) ID() string {
	return a.id
}

func (a *plainAccumulator) wipe() {
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
	a.destroyed = true
}
