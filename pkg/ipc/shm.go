// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ipc

import (
	"sync"

	"github.com/kcore-project/kcore/pkg/errors"
	"github.com/kcore-project/kcore/pkg/frame"
	"github.com/kcore-project/kcore/pkg/memregion"
	"github.com/kcore-project/kcore/pkg/vmm"
)

// ShmSegment is one SysV shared memory segment: a fixed set of physical
// frames shared, via PTE installation, across every attaching task.
type ShmSegment struct {
	mu       sync.Mutex
	id       int32
	perm     Perm
	frames   []frame.Frame
	attaches int
	rmid     bool
}

type ShmTable struct {
	mu    sync.Mutex
	slots [MaxSets]*ShmSegment
	next  int32
}

func NewShmTable() *ShmTable { return &ShmTable{next: 1} }

// Create allocates the segment's backing frames up front (no demand
// paging for shm) and registers it in the slot table.
func (t *ShmTable) Create(perm Perm, size uint64, frames *frame.Allocator) (*ShmSegment, error) {
	n := (size + frame.PageSize - 1) / frame.PageSize
	fs := make([]frame.Frame, 0, n)
	for i := uint64(0); i < n; i++ {
		f := frames.AllocBlock()
		if f == frame.NoFrame {
			for _, got := range fs {
				frames.FreeBlock(got)
			}
			return nil, errors.ENOMEM
		}
		fs = append(fs, f)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.next
	t.next++
	seg := &ShmSegment{id: id, perm: perm, frames: fs}
	t.slots[slot(id)] = seg
	return seg, nil
}

func (t *ShmTable) Get(id int32) (*ShmSegment, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.slots[slot(id)]
	if s == nil || s.id != id {
		return nil, errors.EIDRM
	}
	return s, nil
}

// Attach implements shmat_internal: map the segment's frames into mem
// starting at addr, bumping each frame's share count, and registering a
// MemRegion so fork/exit bookkeeping sees it like any other mapping.
// The segment keeps its own reference (the share count AllocBlock
// granted at Create) so a fully detached segment's frames survive until
// IPC_RMID, per SysV semantics.
func (s *ShmSegment) Attach(mem *memregion.TaskMem, pd *vmm.PageDirectory, frames *frame.Allocator, addr uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	end := addr + uint64(len(s.frames))*frame.PageSize
	if err := mem.Insert(&memregion.MemRegion{
		Start: addr, End: end, Type: memregion.RegionShmem, Prot: vmm.Writable,
	}); err != nil {
		return err
	}
	for i, f := range s.frames {
		va := addr + uint64(i)*frame.PageSize
		pd.Map(va, func(p *vmm.PTE) { p.Frame = f; p.Set(vmm.Present | vmm.Writable | vmm.User) })
		frames.IncShares(f)
	}
	s.attaches++
	return nil
}

// Detach reverses Attach: unmap the range and drop each frame's share
// count. If IPC_RMID was issued and this was the last attach, the
// segment is destroyed and its base references released, freeing the
// frames.
func (s *ShmSegment) Detach(mem *memregion.TaskMem, pd *vmm.PageDirectory, frames *frame.Allocator, addr uint64, table *ShmTable) {
	s.mu.Lock()
	for i := range s.frames {
		va := addr + uint64(i)*frame.PageSize
		if pte, ok := pd.Unmap(va); ok && frames.DecShares(pte.Frame) {
			frames.FreeBlock(pte.Frame)
		}
	}
	mem.Remove(addr, addr+uint64(len(s.frames))*frame.PageSize)
	s.attaches--
	destroy := s.rmid && s.attaches <= 0
	s.mu.Unlock()

	if destroy {
		table.destroy(s, frames)
	}
}

// destroy clears the segment's slot and drops the base reference Create
// granted each frame, freeing any whose count reaches zero.
func (t *ShmTable) destroy(s *ShmSegment, frames *frame.Allocator) {
	t.mu.Lock()
	t.slots[slot(s.id)] = nil
	t.mu.Unlock()
	for _, f := range s.frames {
		if frames.DecShares(f) {
			frames.FreeBlock(f)
		}
	}
}

// MarkRMID flags the segment for destruction once attaches drop to
// zero; if it is already detached from everyone, destroy immediately.
func (t *ShmTable) MarkRMID(id int32, frames *frame.Allocator) error {
	s, err := t.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.rmid = true
	destroy := s.attaches <= 0
	s.mu.Unlock()
	if destroy {
		t.destroy(s, frames)
	}
	return nil
}
