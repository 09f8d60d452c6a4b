// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package vmm implements the virtual memory manager: page
// table lifecycle, kernel address regions, copy-on-write fork, and
// cross-core TLB shootdown.
package vmm

import "github.com/kcore-project/kcore/pkg/frame"

// PTEFlags mirrors the flag bits of a hardware page table entry.
type PTEFlags uint32

const (
	Present PTEFlags = 1 << iota
	Writable
	User
	WriteThrough
	NoCache
	COW
)

// PTE is the kernel's in-memory view of a leaf page table entry: a frame
// number plus flag bits. Real hardware packs this into one machine word;
// kcore keeps the fields split for clarity since nothing here ever needs
// to hand the word to a real MMU.
type PTE struct {
	Frame frame.Frame
	Flags PTEFlags
}

func (p PTE) Has(f PTEFlags) bool { return p.Flags&f != 0 }

func (p *PTE) Set(f PTEFlags)   { p.Flags |= f }
func (p *PTE) Clear(f PTEFlags) { p.Flags &^= f }

func (p PTE) IsPresent() bool { return p.Has(Present) }
