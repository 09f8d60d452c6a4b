// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package memregion

import (
	"github.com/kcore-project/kcore/pkg/errors"
	"github.com/kcore-project/kcore/pkg/frame"
	"github.com/kcore-project/kcore/pkg/vmm"
)

// FaultInfo mirrors the error-code bits a real x86 #PF pushes onto the
// trap frame: which access was attempted, and
// whether a translation already existed (a protection/CoW violation)
// versus simply being absent (demand paging).
type FaultInfo struct {
	Write   bool
	Present bool
}

// FaultOutcome reports what HandleFault did, so the trap-return path
// (pkg/task) knows whether to retry the faulting instruction or
// synthesize a SIGSEGV with si_addr set to the faulting address.
type FaultOutcome int

const (
	// FaultResolved means a mapping now exists and the instruction can
	// simply be retried.
	FaultResolved FaultOutcome = iota
	// FaultSegv means no region covers addr (or the access violates the
	// covering region's protection with no CoW escape hatch); the
	// caller delivers SIGSEGV.
	FaultSegv
)

// HandleFault is the page fault handler: locate the
// region containing addr (extending the stack downward first if addr
// falls just below it, within StackRLimit), check the access against
// the region's protection, then dispatch to the CoW or demand-page
// path. addr need not be page-aligned; the handler always operates on
// its containing page.
//
// frames is the same allocator instance PTEs in this directory were
// populated from; it also holds the simulated byte content CoW copies
// and demand-page zero-fill operate on (pkg/frame's ReadAt/WriteAt/
// CopyPage/ZeroPage).
func (m *TaskMem) HandleFault(addr uint64, info FaultInfo, frames *frame.Allocator) (FaultOutcome, error) {
	page := addr &^ (frame.PageSize - 1)

	r := m.Find(addr)
	if r == nil {
		r = m.tryExtendStack(addr)
		if r == nil {
			return FaultSegv, errors.EFAULT
		}
		if err := m.populate(page, r, frames); err != nil {
			return FaultSegv, err
		}
		return FaultResolved, nil
	}

	pte, present := m.pd.Lookup(page)

	if info.Write {
		if present && pte.Has(vmm.COW) {
			if err := m.resolveCOW(page, pte, frames); err != nil {
				return FaultSegv, err
			}
			return FaultResolved, nil
		}
		if r.Prot&vmm.Writable == 0 {
			return FaultSegv, errors.EACCES
		}
	}

	if !present {
		if err := m.populate(page, r, frames); err != nil {
			return FaultSegv, err
		}
	}
	return FaultResolved, nil
}

// resolveCOW services a write fault on a CoW-marked PTE. When the
// frame's share count is already 1, this task is its sole mapping (a
// sibling that shared it at fork time has since unmapped or exited), so
// no copy is needed: just reclaim the writable bit. Otherwise the frame
// is still shared, so a fresh private copy is made and this PTE is
// retargeted at it, dropping one reference from the old frame.
//
// Decrementing on the share==1 path would drop the count to 0 and
// free a frame still in active use, breaking the rule that share
// counts sum to the number of present PTEs across all page tables.
// The decrement is applied only to the >1 branch
// (the old frame genuinely loses one mapping when this PTE is
// retargeted); the ==1 branch leaves the count at 1, matching the
// single PTE that still maps it.
func (m *TaskMem) resolveCOW(page uint64, pte vmm.PTE, frames *frame.Allocator) error {
	old := pte.Frame

	if frames.Shares(old) == 1 {
		m.pd.Mutate(page, func(p *vmm.PTE) {
			p.Set(vmm.Writable)
			p.Clear(vmm.COW)
		})
		return nil
	}

	fresh := frames.AllocBlock()
	if fresh == frame.NoFrame {
		return errors.ENOMEM
	}
	frames.CopyPage(fresh, old)

	m.pd.Mutate(page, func(p *vmm.PTE) {
		p.Frame = fresh
		p.Set(vmm.Writable)
		p.Clear(vmm.COW)
	})
	if frames.DecShares(old) {
		frames.FreeBlock(old)
	}
	return nil
}

// populate demand-pages one page: allocate a fresh
// frame, fill it from the region's backing file at the faulting page's
// offset (or zero it for an anonymous mapping), and map it with the
// region's protection.
func (m *TaskMem) populate(page uint64, r *MemRegion, frames *frame.Allocator) error {
	f := frames.AllocBlock()
	if f == frame.NoFrame {
		return errors.ENOMEM
	}

	if r.Backing != nil {
		buf := make([]byte, frame.PageSize)
		off := r.FileOffset + int64(page-r.Start)
		n, err := r.Backing.ReadAt(buf, off)
		if err != nil && n == 0 {
			n = 0 // short/sparse read past EOF: rest of the page reads as zero
		}
		frames.WriteAt(f, 0, buf)
	} else {
		frames.ZeroPage(f)
	}

	ok := m.pd.Map(page, func(p *vmm.PTE) {
		p.Frame = f
		if r.Prot&vmm.Writable != 0 {
			p.Set(vmm.Writable)
		}
	})
	if !ok {
		// Another fault raced us and already populated this page.
		frames.FreeBlock(f)
	}
	return nil
}

// tryExtendStack grows the stack on fault: a fault just below the
// task's stack region, within StackRLimit, grows the region downward to
// cover the faulting page instead of raising SIGSEGV.
func (m *TaskMem) tryExtendStack(addr uint64) *MemRegion {
	page := addr &^ (frame.PageSize - 1)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.regions {
		if r.Type != RegionStack || addr >= r.Start {
			continue
		}
		if r.Start-page > m.StackRLimit {
			return nil
		}
		r.Start = page
		return r
	}
	return nil
}
