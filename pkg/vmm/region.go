// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package vmm

import (
	"context"
	"sync"

	"github.com/kcore-project/kcore/pkg/errors"
	"github.com/kcore-project/kcore/pkg/frame"
)

// KernelRegion is a named reservation within kernel virtual address
// space. The named regions (pagetable, kstack, kmodule, vbe-frontbuf,
// vbe-backbuf, pipe, pcache, dma, acpi, mmio) are each one
// KernelRegion instance, created by the boot sequence and handed to
// the subsystem that owns them.
type KernelRegion struct {
	Name  string
	Start uint64
	End   uint64

	mu     sync.Mutex
	cursor uint64
	pd     *PageDirectory
	frames *frame.Allocator
}

func NewKernelRegion(name string, start, end uint64, pd *PageDirectory, frames *frame.Allocator) *KernelRegion {
	return &KernelRegion{Name: name, Start: start, End: end, cursor: start, pd: pd, frames: frames}
}

// GetNextAddr returns the region's next free page: advance the cursor
// from its last position, wrapping once, until a free PTE slot is
// found; allocate a frame, map it with the requested flags, and return
// the address. It fails if the whole region is exhausted, or with
// ENOMEM if no physical frame is free.
func (r *KernelRegion) GetNextAddr(flags PTEFlags) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wrapped := false
	for {
		for v := r.cursor; v < r.End; v += frame.PageSize {
			if _, ok := r.pd.Lookup(v); ok {
				continue
			}
			f := r.frames.AllocBlock()
			if f == frame.NoFrame {
				return 0, errors.ENOMEM
			}
			r.pd.Map(v, func(pte *PTE) {
				pte.Frame = f
				pte.Flags = flags
			})
			r.cursor = v + frame.PageSize
			return v, nil
		}
		if wrapped {
			return 0, errors.ENOMEM
		}
		wrapped = true
		r.cursor = r.Start
	}
}

// AllocAndMap reserves ceil(sz/PageSize) consecutive unmapped pages and
// maps them, rolling back any partial mapping on failure. If contiguous
// is true the backing frames are a single physical run from the PMM;
// otherwise each page gets an independently allocated frame.
func (r *KernelRegion) AllocAndMap(ctx context.Context, sz uint64, contiguous bool, flags PTEFlags) (uint64, error) {
	npages := (sz + frame.PageSize - 1) / frame.PageSize
	if npages == 0 {
		npages = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	start, ok := r.findFreeRun(npages)
	if !ok {
		return 0, errors.ENOMEM
	}

	var frames []frame.Frame
	if contiguous {
		base, err := r.frames.AllocBlocks(ctx, npages)
		if err != nil || base == frame.NoFrame {
			return 0, errors.ENOMEM
		}
		for i := uint64(0); i < npages; i++ {
			frames = append(frames, base+frame.Frame(i))
		}
	} else {
		for i := uint64(0); i < npages; i++ {
			f := r.frames.AllocBlock()
			if f == frame.NoFrame {
				r.rollback(frames)
				return 0, errors.ENOMEM
			}
			frames = append(frames, f)
		}
	}

	// AllocBlock/AllocBlocks hand frames over with share count 1: that
	// reference belongs to the mapping installed here, so no further
	// IncShares. Unmap paths DecShares and free on last.
	for i, f := range frames {
		v := start + uint64(i)*frame.PageSize
		r.pd.Map(v, func(pte *PTE) {
			pte.Frame = f
			pte.Flags = flags
		})
	}
	if end := start + npages*frame.PageSize; end > r.cursor && end <= r.End {
		r.cursor = end
	}
	return start, nil
}

func (r *KernelRegion) rollback(frames []frame.Frame) {
	for _, f := range frames {
		if r.frames.DecShares(f) {
			r.frames.FreeBlock(f)
		}
	}
}

func (r *KernelRegion) findFreeRun(npages uint64) (uint64, bool) {
	var runStart uint64
	var runLen uint64
	for v := r.Start; v < r.End; v += frame.PageSize {
		if _, ok := r.pd.Lookup(v); ok {
			runLen = 0
			continue
		}
		if runLen == 0 {
			runStart = v
		}
		runLen++
		if runLen == npages {
			return runStart, true
		}
	}
	return 0, false
}

// PhysToVirtOff maps [pstart, pend) into this region at an arbitrary
// freshly chosen virtual run, preserving the sub-page offset of pstart
// in the returned virtual address (used for mapping device MMIO/DMA
// ranges that don't start on a page boundary).
func (r *KernelRegion) PhysToVirtOff(pstart, pend uint64, flags PTEFlags) (uint64, error) {
	off := pstart % frame.PageSize
	base := pstart - off
	size := pend - base
	v, err := r.AllocAndMapPhys(base, size, flags)
	if err != nil {
		return 0, err
	}
	return v + off, nil
}

// AllocAndMapPhys maps an already-known physical range [pstart, pstart+sz)
// into a fresh virtual run without consulting the frame allocator's
// bitmap (the physical pages are owned by a device, not by the PMM).
func (r *KernelRegion) AllocAndMapPhys(pstart, sz uint64, flags PTEFlags) (uint64, error) {
	npages := (sz + frame.PageSize - 1) / frame.PageSize
	r.mu.Lock()
	defer r.mu.Unlock()
	start, ok := r.findFreeRun(npages)
	if !ok {
		return 0, errors.ENOMEM
	}
	for i := uint64(0); i < npages; i++ {
		v := start + i*frame.PageSize
		p := frame.Frame((pstart + i*frame.PageSize) / frame.PageSize)
		r.pd.Map(v, func(pte *PTE) {
			pte.Frame = p
			pte.Flags = flags
		})
	}
	return start, nil
}
