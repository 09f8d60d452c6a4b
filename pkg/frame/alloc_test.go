// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package frame

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocBlockSkipsReservedFrameZero(t *testing.T) {
	a := New(8)
	f := a.AllocBlock()
	assert.NotEqual(t, NoFrame, f)
	assert.NotEqual(t, Frame(0), f)
}

func TestAllocBlockExhaustion(t *testing.T) {
	a := New(4) // frame 0 reserved, 3 usable
	var got []Frame
	for i := 0; i < 3; i++ {
		f := a.AllocBlock()
		require.NotEqual(t, NoFrame, f)
		got = append(got, f)
	}
	assert.Equal(t, NoFrame, a.AllocBlock())

	a.FreeBlock(got[0])
	assert.Equal(t, got[0], a.AllocBlock())
}

func TestAllocBlocksContiguousRun(t *testing.T) {
	a := New(64)
	// fragment frames 1..3
	f1 := a.AllocBlock()
	f2 := a.AllocBlock()
	a.FreeBlock(f1)
	a.FreeBlock(f2)

	start, err := a.AllocBlocks(context.Background(), 8)
	require.NoError(t, err)
	require.NotEqual(t, NoFrame, start)
	for i := uint64(0); i < 8; i++ {
		assert.True(t, a.testBit(start+Frame(i)))
	}
}

func TestShareCountGatesFree(t *testing.T) {
	a := New(8)
	f := a.AllocBlock()
	require.Equal(t, uint32(1), a.Shares(f))

	a.IncShares(f) // simulate fork duplicating the mapping
	assert.Equal(t, uint32(2), a.Shares(f))

	assert.False(t, a.DecShares(f)) // parent still holds a reference
	assert.True(t, a.DecShares(f))  // last reference dropped
}

func TestDecSharesUnderflowPanics(t *testing.T) {
	a := New(4)
	f := a.AllocBlock()
	require.True(t, a.DecShares(f))
	assert.Panics(t, func() { a.DecShares(f) })
}
