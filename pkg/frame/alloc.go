// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package frame implements the physical frame allocator: a fixed
// bitmap over installed RAM plus a per-frame share counter used by
// the copy-on-write fork path to decide copy-vs-reuse on a write fault.
package frame

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// PageSize is the platform page size assumed throughout kcore (4 KiB,
// the page size of both x86 targets).
const PageSize = 4096

// Frame is a physical frame number (physical address / PageSize). Frame 0
// is reserved and never handed out; it doubles as the sentinel returned
// on exhaustion.
type Frame uint64

const NoFrame Frame = 0

// Allocator tracks free physical frames with a bitmap and services
// single and contiguous block allocations.
type Allocator struct {
	mu     sync.Mutex
	bitmap []uint64 // one bit per frame; 1 == allocated
	total  uint64
	shares *ShareTable

	// bulk gates large contiguous allocations so a flood of them can't
	// starve single-frame callers while the bitmap scan is in progress.
	bulk *semaphore.Weighted

	content *content
}

// New creates an allocator over total physical frames, with frame 0
// pre-marked allocated (reserved, never returned to a caller).
func New(total uint64) *Allocator {
	words := (total + 63) / 64
	a := &Allocator{
		bitmap: make([]uint64, words),
		total:  total,
		shares:  newShareTable(total),
		bulk:    semaphore.NewWeighted(int64(max64(total/4, 1))),
		content: newContent(),
	}
	a.setBit(0)
	return a
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func (a *Allocator) setBit(f Frame) { a.bitmap[f/64] |= 1 << (f % 64) }
func (a *Allocator) clearBit(f Frame) { a.bitmap[f/64] &^= 1 << (f % 64) }
func (a *Allocator) testBit(f Frame) bool {
	return a.bitmap[f/64]&(1<<(f%64)) != 0
}

// AllocBlock returns one free physical frame, or NoFrame on exhaustion.
func (a *Allocator) AllocBlock() Frame {
	a.mu.Lock()
	defer a.mu.Unlock()
	for f := Frame(1); f < Frame(a.total); f++ {
		if !a.testBit(f) {
			a.setBit(f)
			a.shares.set(f, 1)
			return f
		}
	}
	return NoFrame
}

// AllocBlocks returns the first physical frame of a contiguous run of n
// free frames, or NoFrame if no such run exists. n>1 callers (e.g.
// VMM.AllocAndMap with contiguous=true) rely on the single-run guarantee.
func (a *Allocator) AllocBlocks(ctx context.Context, n uint64) (Frame, error) {
	if n == 0 {
		return NoFrame, nil
	}
	if n == 1 {
		return a.AllocBlock(), nil
	}
	if err := a.bulk.Acquire(ctx, 1); err != nil {
		return NoFrame, err
	}
	defer a.bulk.Release(1)

	a.mu.Lock()
	defer a.mu.Unlock()

	var runStart Frame
	var runLen uint64
	for f := Frame(1); f < Frame(a.total); f++ {
		if a.testBit(f) {
			runLen = 0
			continue
		}
		if runLen == 0 {
			runStart = f
		}
		runLen++
		if runLen == n {
			for i := uint64(0); i < n; i++ {
				a.setBit(runStart + Frame(i))
				a.shares.set(runStart+Frame(i), 1)
			}
			return runStart, nil
		}
	}
	return NoFrame, nil
}

// FreeBlock releases a single frame. It does not check or reset the
// frame's share count; the CoW paths call it only once DecShares has
// reported that the count reached zero.
func (a *Allocator) FreeBlock(f Frame) {
	if f == NoFrame {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clearBit(f)
}

// FreeBlocks releases a contiguous run starting at f.
func (a *Allocator) FreeBlocks(f Frame, n uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := uint64(0); i < n; i++ {
		a.clearBit(f + Frame(i))
	}
}

// IncShares increments f's reference count; called whenever a PTE is
// made to point at f (a fresh mapping, or a CoW fork duplicating a
// mapping across parent and child).
func (a *Allocator) IncShares(f Frame) uint32 { return a.shares.inc(f) }

// DecShares decrements f's reference count and reports whether this was
// the last reference. The frame is only returned to the bitmap by the
// caller calling FreeBlock after observing last==true; DecShares never
// frees frames itself so callers can still read the frame (e.g. during
// a CoW copy) between the decrement and the free.
func (a *Allocator) DecShares(f Frame) (last bool) {
	return a.shares.dec(f) == 0
}

// Shares returns f's current reference count (used by the CoW fault
// handler to choose between "flip writable" and "copy").
func (a *Allocator) Shares(f Frame) uint32 { return a.shares.get(f) }

// Total is the number of frames tracked (installed RAM / PageSize).
func (a *Allocator) Total() uint64 { return a.total }

// Free reports the number of frames not currently allocated.
func (a *Allocator) Free() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var free uint64
	for f := Frame(1); f < Frame(a.total); f++ {
		if !a.testBit(f) {
			free++
		}
	}
	return free
}

// ShareTable is a typed, atomic per-frame reference counter.
// sum(ShareTable) across all frames must equal the count of present
// PTEs across every page table in the system.
type ShareTable struct {
	counts []atomic.Uint32
}

func newShareTable(n uint64) *ShareTable {
	return &ShareTable{counts: make([]atomic.Uint32, n)}
}

func (s *ShareTable) set(f Frame, v uint32) { s.counts[f].Store(v) }
func (s *ShareTable) get(f Frame) uint32     { return s.counts[f].Load() }
func (s *ShareTable) inc(f Frame) uint32     { return s.counts[f].Add(1) }

// dec decrements and returns the new value. A frame whose count reaches
// zero is free; it is a logic error for it to be decremented below
// zero.
func (s *ShareTable) dec(f Frame) uint32 {
	for {
		old := s.counts[f].Load()
		if old == 0 {
			panic("frame: share count underflow")
		}
		if s.counts[f].CompareAndSwap(old, old-1) {
			return old - 1
		}
	}
}
