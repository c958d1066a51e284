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
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Tests exercise the plain accumulator directly so they do not depend on
// the host's mlock limits. The secure variant shares the validation logic.

func TestPlainAccumulator_WriteAndFinalize(t *testing.T) {
	acc := newPlainAccumulator()
	defer acc.Destroy()

	require.NoError(t, acc.Write("Hello "))
	require.NoError(t, acc.Write("world!"))

	text, digest, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "Hello world!", text)

	expected := sha256.Sum256([]byte("Hello world!"))
	assert.Equal(t, hex.EncodeToString(expected[:]), digest)
}

func TestPlainAccumulator_EmptyFinalize(t *testing.T) {
	acc := newPlainAccumulator()

	text, digest, err := acc.Finalize()
	require.NoError(t, err)
	assert.Empty(t, text)

	expected := sha256.Sum256(nil)
	assert.Equal(t, hex.EncodeToString(expected[:]), digest)
}

func TestPlainAccumulator_UniqueIDs(t *testing.T) {
	acc1 := newPlainAccumulator()
	defer acc1.Destroy()
	acc2 := newPlainAccumulator()
	defer acc2.Destroy()

	assert.NotEqual(t, acc1.ID(), acc2.ID())

	_, err := uuid.Parse(acc1.ID())
	assert.NoError(t, err, "ID should be a valid UUID")
}

func TestPlainAccumulator_WriteAfterDestroy(t *testing.T) {
	acc := newPlainAccumulator()
	acc.Destroy()

	err := acc.Write("too late")
	assert.Error(t, err)
}

func TestPlainAccumulator_FinalizeAfterFinalize(t *testing.T) {
	acc := newPlainAccumulator()

	require.NoError(t, acc.Write("once"))
	_, _, err := acc.Finalize()
	require.NoError(t, err)

	_, _, err = acc.Finalize()
	assert.Error(t, err, "second Finalize should fail")
}

func TestPlainAccumulator_DestroyIdempotent(t *testing.T) {
	acc := newPlainAccumulator()
	acc.Destroy()
	acc.Destroy()
	acc.Destroy()
}

func TestPlainAccumulator_Overflow(t *testing.T) {
	acc := newPlainAccumulator()
	defer acc.Destroy()

	big := strings.Repeat("a", ResponseBufferSize)
	require.NoError(t, acc.Write(big))

	err := acc.Write("x")
	require.Error(t, err, "write past capacity should fail")

	// Overflow poisons the accumulator.
	_, _, err = acc.Finalize()
	assert.Error(t, err)
}

func TestPlainAccumulator_ConcurrentWrites(t *testing.T) {
	acc := newPlainAccumulator()
	defer acc.Destroy()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = acc.Write("token")
			}
		}()
	}
	wg.Wait()

	text, _, err := acc.Finalize()
	require.NoError(t, err)
	assert.Len(t, text, 10*100*len("token"))
}

func TestMlockAvailable_Consistent(t *testing.T) {
	available1, limit1 := MlockAvailable()
	available2, limit2 := MlockAvailable()

	assert.Equal(t, available1, available2)
	assert.Equal(t, limit1, limit2)
}
