// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package memregion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kcore-project/kcore/pkg/frame"
	"github.com/kcore-project/kcore/pkg/vmm"
)

func TestInsertRejectsOverlap(t *testing.T) {
	m := NewTaskMem(vmm.NewPageDirectory(vmm.Layout64), frame.New(16), 0)
	require.NoError(t, m.Insert(&MemRegion{Start: 0x1000, End: 0x3000}))
	assert.Error(t, m.Insert(&MemRegion{Start: 0x2000, End: 0x4000}))
	require.NoError(t, m.Insert(&MemRegion{Start: 0x3000, End: 0x4000}))
}

func TestFindReturnsContainingRegion(t *testing.T) {
	m := NewTaskMem(vmm.NewPageDirectory(vmm.Layout64), frame.New(16), 0)
	stack := &MemRegion{Start: 0x5000, End: 0x6000, Type: RegionStack}
	require.NoError(t, m.Insert(stack))

	assert.Same(t, stack, m.Find(0x5500))
	assert.Nil(t, m.Find(0x6000))
	assert.Nil(t, m.Find(0x4000))
}

func TestToVMAsReflectsProtAndPrivacy(t *testing.T) {
	m := NewTaskMem(vmm.NewPageDirectory(vmm.Layout64), frame.New(16), 0)
	require.NoError(t, m.Insert(&MemRegion{Start: 0, End: 0x1000, Private: true, Prot: vmm.Writable}))

	vmas := m.ToVMAs()
	require.Len(t, vmas, 1)
	assert.True(t, vmas[0].Private)
	assert.True(t, vmas[0].Writable)
	assert.False(t, vmas[0].Kernel)
	assert.False(t, vmas[0].Shmem)

	require.NoError(t, m.Insert(&MemRegion{Start: 0x2000, End: 0x3000, Type: RegionShmem, Prot: vmm.Writable}))
	vmas = m.ToVMAs()
	require.Len(t, vmas, 2)
	assert.True(t, vmas[1].Shmem, "shmem attachments must be flagged so fork never COW-marks them")
}

func TestFreeUserPagesReturnsUniquelyOwnedFrames(t *testing.T) {
	frames := frame.New(16)
	pd := vmm.NewPageDirectory(vmm.Layout64)
	m := NewTaskMem(pd, frames, 0)

	f := frames.AllocBlock()
	pd.Map(0x1000, func(p *vmm.PTE) { p.Frame = f; p.Set(vmm.Present) })
	require.NoError(t, m.Insert(&MemRegion{Start: 0x1000, End: 0x2000}))

	before := frames.Free()
	m.FreeUserPages()
	assert.Equal(t, before+1, frames.Free())
	assert.Empty(t, m.Regions())
}

func TestFreeUserPagesKeepsSharedFrameUntilLastRef(t *testing.T) {
	frames := frame.New(16)
	pd := vmm.NewPageDirectory(vmm.Layout64)
	m := NewTaskMem(pd, frames, 0)

	f := frames.AllocBlock()
	frames.IncShares(f) // simulate a second mapping elsewhere (e.g. CoW sibling)
	pd.Map(0x1000, func(p *vmm.PTE) { p.Frame = f; p.Set(vmm.Present) })
	require.NoError(t, m.Insert(&MemRegion{Start: 0x1000, End: 0x2000}))

	before := frames.Free()
	m.FreeUserPages()
	assert.Equal(t, before, frames.Free(), "shared frame must not be freed while another ref remains")
}
