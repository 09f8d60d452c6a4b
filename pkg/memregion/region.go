// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package memregion implements per-task virtual memory areas and the
// fault-driven demand-paging path.
package memregion

import (
	"sort"
	"sync"

	"github.com/kcore-project/kcore/pkg/errors"
	"github.com/kcore-project/kcore/pkg/frame"
	"github.com/kcore-project/kcore/pkg/vmm"
)

// Backing is the minimal file-node contract a MemRegion needs to demand
// page from: ReadAt at the region's file offset plus the faulting
// page's offset within the region. pkg/vfs.Node satisfies this without
// memregion importing pkg/vfs, keeping the dependency one-directional
// (vfs depends on memregion for mmap bookkeeping, not the reverse).
type Backing interface {
	ReadAt(p []byte, off int64) (int, error)
}

// RegionType classifies a MemRegion.
type RegionType int

const (
	RegionText RegionType = iota
	RegionData
	RegionStack
	RegionShmem
	RegionKernel
)

// MemRegion is one VMA: a page-aligned [Start, End) range, protection,
// and optional file backing.
type MemRegion struct {
	Start, End uint64
	Prot       vmm.PTEFlags
	Private    bool
	Type       RegionType
	Backing    Backing
	FileOffset int64
	refs       int
}

func (r *MemRegion) Contains(addr uint64) bool { return addr >= r.Start && addr < r.End }

// TaskMem owns the ordered, non-overlapping VMA list for one task plus
// the page directory it maps those VMAs into.
type TaskMem struct {
	mu      sync.Mutex
	regions []*MemRegion
	pd      *vmm.PageDirectory
	frames  *frame.Allocator

	// StackRLimit bounds automatic stack-growth on fault.
	StackRLimit uint64
}

func NewTaskMem(pd *vmm.PageDirectory, frames *frame.Allocator, stackRLimit uint64) *TaskMem {
	return &TaskMem{pd: pd, frames: frames, StackRLimit: stackRLimit}
}

func (m *TaskMem) PageDirectory() *vmm.PageDirectory { return m.pd }

// Insert adds a region, keeping the list sorted by Start and rejecting
// overlaps.
func (m *TaskMem) Insert(r *MemRegion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].Start >= r.Start })
	if idx > 0 && m.regions[idx-1].End > r.Start {
		return errors.EINVAL
	}
	if idx < len(m.regions) && m.regions[idx].Start < r.End {
		return errors.EINVAL
	}
	m.regions = append(m.regions, nil)
	copy(m.regions[idx+1:], m.regions[idx:])
	m.regions[idx] = r
	return nil
}

// Remove deletes a region by exact [start,end) match.
func (m *TaskMem) Remove(start, end uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.regions {
		if r.Start == start && r.End == end {
			m.regions = append(m.regions[:i], m.regions[i+1:]...)
			return true
		}
	}
	return false
}

// Find returns the region containing addr, or nil.
func (m *TaskMem) Find(addr uint64) *MemRegion {
	m.mu.Lock()
	defer m.mu.Unlock()
	// regions are sorted and non-overlapping: binary search for the
	// last region whose Start <= addr, then check containment.
	idx := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].Start > addr }) - 1
	if idx < 0 || idx >= len(m.regions) {
		return nil
	}
	r := m.regions[idx]
	if r.Contains(addr) {
		return r
	}
	return nil
}

// Regions returns a snapshot of the current VMA list, for fork and for
// /proc/<pid>/maps.
func (m *TaskMem) Regions() []*MemRegion {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*MemRegion, len(m.regions))
	copy(out, m.regions)
	return out
}

// ToVMAs converts the VMA list to the shape vmm.Fork expects.
func (m *TaskMem) ToVMAs() []vmm.VMA {
	regions := m.Regions()
	out := make([]vmm.VMA, len(regions))
	for i, r := range regions {
		out[i] = vmm.VMA{
			Start:    r.Start,
			End:      r.End,
			Kernel:   r.Type == RegionKernel,
			Private:  r.Private,
			Writable: r.Prot&vmm.Writable != 0,
			Shmem:    r.Type == RegionShmem,
		}
	}
	return out
}

// FreeUserPages releases every non-kernel region's physical frames: a
// uniquely-owned frame (share count drops to zero) is returned to the
// allocator, a shared one only has its reference dropped.
func (m *TaskMem) FreeUserPages() {
	for _, r := range m.Regions() {
		if r.Type == RegionKernel {
			continue
		}
		for addr := r.Start; addr < r.End; addr += frame.PageSize {
			pte, ok := m.pd.Unmap(addr)
			if !ok || !pte.IsPresent() {
				continue
			}
			if m.frames.DecShares(pte.Frame) {
				m.frames.FreeBlock(pte.Frame)
			}
		}
	}
	m.mu.Lock()
	m.regions = nil
	m.mu.Unlock()
}
