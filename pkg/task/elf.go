// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package task

import (
	"debug/elf"
	"encoding/binary"
	"io"

	"github.com/kcore-project/kcore/pkg/errors"
	"github.com/kcore-project/kcore/pkg/frame"
	"github.com/kcore-project/kcore/pkg/memregion"
	"github.com/kcore-project/kcore/pkg/vmm"
)

// Image is a validated executable: its entry point and loadable
// segments, ready to be turned into demand-paged regions.
type Image struct {
	Entry    uint64
	Segments []Segment
}

// Segment is one PT_LOAD program header.
type Segment struct {
	Vaddr    uint64
	MemSize  uint64
	FileSize uint64
	Offset   int64
	Writable bool
	Exec     bool
}

// Base returns the lowest segment start address, page-aligned down.
func (img Image) Base() uint64 {
	base := ^uint64(0)
	for _, s := range img.Segments {
		if v := s.Vaddr &^ (frame.PageSize - 1); v < base {
			base = v
		}
	}
	return base
}

// MemSize returns the span from Base to the highest segment end,
// page-aligned up.
func (img Image) MemSize() uint64 {
	var top uint64
	for _, s := range img.Segments {
		if end := pageAlignUp(s.Vaddr + s.MemSize); end > top {
			top = end
		}
	}
	return top - img.Base()
}

func pageAlignUp(v uint64) uint64 {
	return (v + frame.PageSize - 1) &^ (frame.PageSize - 1)
}

// ParseExecutable validates an executable image against the paging
// layout it will run under: ELF class and machine must match the
// layout, byte order must be little-endian, and the file type must be
// EXEC or DYN. Anything else is ENOEXEC. The returned Image carries
// only PT_LOAD segments.
func ParseExecutable(r io.ReaderAt, layout vmm.Layout) (Image, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return Image{}, errors.ENOEXEC
	}
	defer f.Close()

	wantClass, wantMachine := elf.ELFCLASS64, elf.EM_X86_64
	if layout.Levels == 2 {
		wantClass, wantMachine = elf.ELFCLASS32, elf.EM_386
	}
	if f.Class != wantClass || f.Data != elf.ELFDATA2LSB || f.Machine != wantMachine {
		return Image{}, errors.ENOEXEC
	}
	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return Image{}, errors.ENOEXEC
	}

	img := Image{Entry: f.Entry}
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		img.Segments = append(img.Segments, Segment{
			Vaddr:    p.Vaddr,
			MemSize:  p.Memsz,
			FileSize: p.Filesz,
			Offset:   int64(p.Off),
			Writable: p.Flags&elf.PF_W != 0,
			Exec:     p.Flags&elf.PF_X != 0,
		})
	}
	if len(img.Segments) == 0 {
		return Image{}, errors.ENOEXEC
	}
	return img, nil
}

// Stack geometry for a fresh image: sixteen demand-paged stack pages
// ending just below the top of the user half.
const (
	execStackTop   uint64 = 0x00007FFFFFFFF000
	execStackPages uint64 = 16
)

// Execve replaces t's address space with the executable read from r:
// validate the image, drop the old user mappings, install demand-paged
// regions for each load segment (the zero-filled tail past a segment's
// file size gets its own anonymous region), build the argv/envp block
// on a fresh stack, and reset caught signal dispositions. It returns
// the entry point and initial stack pointer for the new image.
//
// backing is the open executable the text/data regions fault their
// contents in from; it is typically the same object as r.
func (t *Task) Execve(r io.ReaderAt, backing memregion.Backing, argv, envp []string, comm string) (entry, sp uint64, err error) {
	img, err := ParseExecutable(r, vmm.Layout64)
	if err != nil {
		return 0, 0, err
	}
	if t.frameAllocator == nil {
		return 0, 0, errors.ENOMEM
	}

	pd := vmm.NewPageDirectory(vmm.Layout64)
	mem := memregion.NewTaskMem(pd, t.frameAllocator, execStackPages*frame.PageSize)

	for _, seg := range img.Segments {
		if err := insertSegment(mem, backing, seg); err != nil {
			return 0, 0, err
		}
	}

	stackLow := execStackTop - execStackPages*frame.PageSize
	if err := mem.Insert(&memregion.MemRegion{
		Start: stackLow, End: execStackTop,
		Prot: vmm.Writable | vmm.User, Private: true, Type: memregion.RegionStack,
	}); err != nil {
		return 0, 0, err
	}

	sp, err = buildArgBlock(mem, t.frameAllocator, argv, envp)
	if err != nil {
		return 0, 0, err
	}

	t.Exec(mem, comm)
	return img.Entry, sp, nil
}

// insertSegment adds the file-backed portion of a load segment and, if
// MemSize exceeds FileSize by at least a page, a separate anonymous
// zero-filled region for the remainder (bss).
func insertSegment(mem *memregion.TaskMem, backing memregion.Backing, seg Segment) error {
	start := seg.Vaddr &^ (frame.PageSize - 1)
	fileEnd := pageAlignUp(seg.Vaddr + seg.FileSize)
	memEnd := pageAlignUp(seg.Vaddr + seg.MemSize)

	typ := memregion.RegionText
	prot := vmm.PTEFlags(vmm.User)
	if seg.Writable {
		typ = memregion.RegionData
		prot |= vmm.Writable
	}

	if fileEnd > start {
		if err := mem.Insert(&memregion.MemRegion{
			Start: start, End: fileEnd, Prot: prot, Private: true, Type: typ,
			Backing: backing, FileOffset: seg.Offset - int64(seg.Vaddr-start),
		}); err != nil {
			return err
		}
	}
	if memEnd > fileEnd {
		if err := mem.Insert(&memregion.MemRegion{
			Start: fileEnd, End: memEnd, Prot: prot, Private: true, Type: memregion.RegionData,
		}); err != nil {
			return err
		}
	}
	return nil
}

// buildArgBlock materializes the top stack page and lays out the
// process arguments the way the platform ABI expects at entry:
// NUL-terminated strings packed downward from the top, then the
// 8-byte-aligned word vector [argc, argv..., 0, envp..., 0] below them.
// The returned address is the initial stack pointer (pointing at argc).
// Everything must fit in the one page; E2BIG otherwise.
func buildArgBlock(mem *memregion.TaskMem, frames *frame.Allocator, argv, envp []string) (uint64, error) {
	var strBytes uint64
	for _, s := range argv {
		strBytes += uint64(len(s)) + 1
	}
	for _, s := range envp {
		strBytes += uint64(len(s)) + 1
	}
	vecBytes := uint64(1+len(argv)+1+len(envp)+1) * 8
	if strBytes+vecBytes+8 > frame.PageSize {
		return 0, errors.E2BIG
	}

	f := frames.AllocBlock()
	if f == frame.NoFrame {
		return 0, errors.ENOMEM
	}
	pageVA := execStackTop - frame.PageSize
	mem.PageDirectory().Map(pageVA, func(p *vmm.PTE) {
		p.Frame = f
		p.Set(vmm.Writable | vmm.User)
	})

	buf := make([]byte, frame.PageSize)
	cursor := uint64(frame.PageSize)
	place := func(s string) uint64 {
		cursor -= uint64(len(s)) + 1
		copy(buf[cursor:], s)
		return pageVA + cursor
	}
	envPtrs := make([]uint64, len(envp))
	for i := len(envp) - 1; i >= 0; i-- {
		envPtrs[i] = place(envp[i])
	}
	argPtrs := make([]uint64, len(argv))
	for i := len(argv) - 1; i >= 0; i-- {
		argPtrs[i] = place(argv[i])
	}

	cursor &^= 7
	words := make([]uint64, 0, vecBytes/8)
	words = append(words, uint64(len(argv)))
	words = append(words, argPtrs...)
	words = append(words, 0)
	words = append(words, envPtrs...)
	words = append(words, 0)

	cursor -= uint64(len(words)) * 8
	for i, w := range words {
		binary.LittleEndian.PutUint64(buf[cursor+uint64(i)*8:], w)
	}

	frames.WriteAt(f, 0, buf)
	return pageVA + cursor, nil
}
