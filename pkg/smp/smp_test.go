// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package smp

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kcore-project/kcore/pkg/frame"
	"github.com/kcore-project/kcore/pkg/vmm"
)

func TestBringUpAllMarksOnline(t *testing.T) {
	table := NewTable(4)
	frames := frame.New(256)
	pd := vmm.NewPageDirectory(vmm.Layout64)
	stacks := vmm.NewKernelRegion("kstack", 0x400000, 0x400000+64*frame.PageSize, pd, frames)

	b := NewBringup(table, pd, stacks, logr.Discard())
	require.NoError(t, b.BringUpAll(context.Background(), []int32{1, 2, 3}))

	for _, id := range []int32{1, 2, 3} {
		assert.True(t, table.CPU(id).Online())
		assert.Same(t, pd, table.CPU(id).PageDirectory.Load())
	}
	assert.False(t, table.CPU(0).Online(), "BSP is brought up separately, not via BringUpAll")
}

func TestThisCorePanicsWithoutContext(t *testing.T) {
	table := NewTable(2)
	assert.Panics(t, func() {
		table.ThisCore(context.Background())
	})
}

func TestThisCoreResolves(t *testing.T) {
	table := NewTable(2)
	ctx := WithCPU(context.Background(), 1)
	assert.Same(t, table.CPU(1), table.ThisCore(ctx))
}

func TestSchedLockIsExclusive(t *testing.T) {
	l := NewSchedLock()
	require.True(t, l.TryAcquire(0))
	assert.False(t, l.TryAcquire(1))
	l.Release()
	assert.True(t, l.TryAcquire(1))
	assert.Equal(t, int32(1), l.Holder())
}

func TestOnlineBitmap(t *testing.T) {
	table := NewTable(3)
	table.CPU(0).SetOnline(true)
	table.CPU(2).SetOnline(true)
	assert.Equal(t, vmm.CPUSet(0b101), table.Online())
}
