// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package frame

import "sync"

// content simulates the byte contents of physical RAM, addressed by
// Frame. Real kernel code reaches physical memory through the identity
// map; kcore has no identity map to walk, so the page fault handler
// (pkg/memregion) reads and writes frame contents through the same
// Allocator that owns the frame's bookkeeping, rather than through a
// second "physical memory" handle.
type content struct {
	mu    sync.RWMutex
	pages map[Frame]*[PageSize]byte
}

func newContent() *content {
	return &content{pages: make(map[Frame]*[PageSize]byte)}
}

func (c *content) page(f Frame, create bool) *[PageSize]byte {
	c.mu.RLock()
	p := c.pages[f]
	c.mu.RUnlock()
	if p != nil || !create {
		return p
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if p = c.pages[f]; p != nil {
		return p
	}
	p = &[PageSize]byte{}
	c.pages[f] = p
	return p
}

// ReadAt copies f's content starting at off into p, returning the
// number of bytes copied. A frame that was never written reads as
// zero, matching freshly-allocated physical memory.
func (a *Allocator) ReadAt(f Frame, off int, p []byte) int {
	page := a.content.page(f, false)
	if page == nil {
		for i := range p {
			p[i] = 0
		}
		return len(p)
	}
	a.content.mu.RLock()
	defer a.content.mu.RUnlock()
	return copy(p, page[off:])
}

// WriteAt stores p into f's content starting at off.
func (a *Allocator) WriteAt(f Frame, off int, p []byte) int {
	page := a.content.page(f, true)
	a.content.mu.Lock()
	defer a.content.mu.Unlock()
	return copy(page[off:], p)
}

// CopyPage duplicates src's bytes into dst: the byte-level half of a
// CoW fault's allocate-new-frame-and-copy step.
func (a *Allocator) CopyPage(dst, src Frame) {
	srcPage := a.content.page(src, false)
	dstPage := a.content.page(dst, true)
	a.content.mu.Lock()
	defer a.content.mu.Unlock()
	if srcPage != nil {
		*dstPage = *srcPage
	}
}

// ZeroPage clears f's content, the anonymous demand-page fill.
func (a *Allocator) ZeroPage(f Frame) {
	page := a.content.page(f, true)
	a.content.mu.Lock()
	defer a.content.mu.Unlock()
	for i := range page {
		page[i] = 0
	}
}
