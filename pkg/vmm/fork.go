// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package vmm

import "github.com/kcore-project/kcore/pkg/frame"

// VMA is the minimal view of a memory region that the fork path needs:
// its address range and whether it is kernel-shared, private, or
// writable. pkg/memregion.MemRegion is converted to this shape when
// calling Fork so vmm does not need to import the task-memory package.
type VMA struct {
	Start, End uint64
	Kernel     bool
	Private    bool
	Writable   bool

	// Shmem marks a SysV shared-memory attachment: the child maps the
	// same frames and both sides keep writing to them, so the COW flip
	// below must never apply.
	Shmem bool
}

// ForkResult reports, per faulting-relevant address, which PTEs had
// their writable bit cleared on the parent side — the caller uses this
// to drive TLB shootdown if the parent's page directory is active on
// more than one CPU.
type ForkResult struct {
	Child         *PageDirectory
	ParentDirtied []uint64
}

// Fork clones a page directory for a forked task: allocate a child page
// directory, then for every VMA in the parent, walk its pages and
// either share the mapping read-only-COW (private or writable+cow) or
// copy the PDE as-is for kernel regions (shared by design, the walk
// stops at the directory level for those). Shmem attachments copy their
// leaf PTEs without the COW flip: the segment stays writable and shared
// on both sides.
//
// The frame share count is incremented once per copied leaf mapping so
// that sum(share_count) continues to equal the number of present PTEs
// across parent and child.
func Fork(parent *PageDirectory, vmas []VMA, frames *frame.Allocator, cow bool) *ForkResult {
	child := NewPageDirectory(parent.Layout())
	res := &ForkResult{Child: child}

	parent.Lock()
	defer parent.Unlock()

	for _, region := range vmas {
		for v := region.Start; v < region.End; v += frame.PageSize {
			pe, ok := parent.walkLocked(v, false)
			if !ok || !pe.present {
				continue
			}

			if region.Kernel {
				// Kernel regions are shared by design: copy the
				// directory-level reference, not the leaf, and never
				// touch its writable bit.
				top := parent.layout.indices(v)[0]
				child.root.entries[top] = parent.root.entries[top]
				continue
			}

			if !pe.pte.IsPresent() {
				continue
			}

			ce, _ := child.walkLocked(v, true)
			ce.present = true
			ce.user = pe.user
			ce.pte = pe.pte
			frames.IncShares(pe.pte.Frame)

			if region.Shmem {
				continue
			}
			if region.Private || (region.Writable && cow) {
				pe.pte.Set(COW)
				pe.pte.Clear(Writable)
				ce.pte.Set(COW)
				ce.pte.Clear(Writable)
				res.ParentDirtied = append(res.ParentDirtied, v)
			}
		}
	}
	return res
}
