// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package task

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kcore-project/kcore/pkg/errors"
	"github.com/kcore-project/kcore/pkg/frame"
	"github.com/kcore-project/kcore/pkg/vmm"
)

// buildELF64 assembles a minimal static x86-64 executable: one PT_LOAD
// covering [0x401000, +filesz) in the file at offset 0x1000, with memsz
// extending past filesz to exercise the zero-filled tail.
func buildELF64(typ uint16, machine uint16, class byte) []byte {
	const (
		entry  = 0x401000
		phoff  = 64
		off    = 0x1000
		filesz = 0x100
		memsz  = 0x2100
	)
	buf := make([]byte, off+filesz)
	le := binary.LittleEndian

	copy(buf, []byte{0x7f, 'E', 'L', 'F', class, 1, 1})
	le.PutUint16(buf[16:], typ)
	le.PutUint16(buf[18:], machine)
	le.PutUint32(buf[20:], 1)
	le.PutUint64(buf[24:], entry)
	le.PutUint64(buf[32:], phoff)
	le.PutUint16(buf[52:], 64) // ehsize
	le.PutUint16(buf[54:], 56) // phentsize
	le.PutUint16(buf[56:], 1)  // phnum

	ph := buf[phoff:]
	le.PutUint32(ph[0:], 1) // PT_LOAD
	le.PutUint32(ph[4:], 5) // R+X
	le.PutUint64(ph[8:], off)
	le.PutUint64(ph[16:], entry)
	le.PutUint64(ph[24:], entry)
	le.PutUint64(ph[32:], filesz)
	le.PutUint64(ph[40:], memsz)
	le.PutUint64(ph[48:], 0x1000)

	copy(buf[off:], "\x48\x31\xc0\xc3 text bytes")
	return buf
}

func TestParseExecutableAcceptsStaticBinary(t *testing.T) {
	data := buildELF64(2, 62, 2) // ET_EXEC, EM_X86_64, ELFCLASS64
	img, err := ParseExecutable(bytes.NewReader(data), vmm.Layout64)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x401000), img.Entry)
	require.Len(t, img.Segments, 1)
	assert.Equal(t, uint64(0x401000), img.Base())
	assert.Equal(t, uint64(0x3000), img.MemSize())
}

func TestParseExecutableRejectsMismatches(t *testing.T) {
	cases := map[string][]byte{
		"relocatable object": buildELF64(1, 62, 2),  // ET_REL
		"wrong machine":      buildELF64(2, 3, 2),   // EM_386 body in a 64-bit file
		"wrong class":        buildELF64(2, 62, 1),  // ELFCLASS32 ident
		"not an ELF":         []byte("#!/bin/sh\n"),
	}
	for name, data := range cases {
		_, err := ParseExecutable(bytes.NewReader(data), vmm.Layout64)
		assert.ErrorIs(t, err, errors.ENOEXEC, name)
	}
}

func TestExecveBuildsAddressSpaceAndArgBlock(t *testing.T) {
	tb := NewTable()
	tsk := tb.New()
	tsk.frameAllocator = frame.New(256)
	tsk.Mem = nil

	data := buildELF64(2, 62, 2)
	r := bytes.NewReader(data)
	entry, sp, err := tsk.Execve(r, r, []string{"init", "-s"}, []string{"TERM=linux"}, "init")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x401000), entry)
	assert.Equal(t, "init", tsk.Comm)

	// Text faults in from the file at the segment's offset.
	require.NoError(t, tsk.PageFault(0x401000, false))
	pte, ok := tsk.Mem.PageDirectory().Lookup(0x401000)
	require.True(t, ok)
	head := make([]byte, 4)
	tsk.frameAllocator.ReadAt(pte.Frame, 0, head)
	assert.Equal(t, []byte{0x48, 0x31, 0xc0, 0xc3}, head)

	// The zero-filled tail past filesz is its own anonymous region.
	bss := tsk.Mem.Find(0x403000)
	require.NotNil(t, bss)
	assert.Nil(t, bss.Backing)

	// The arg block page is already materialized; sp points at argc.
	pageVA := execStackTop - frame.PageSize
	stackPTE, ok := tsk.Mem.PageDirectory().Lookup(pageVA)
	require.True(t, ok)

	word := make([]byte, 8)
	readWord := func(va uint64) uint64 {
		tsk.frameAllocator.ReadAt(stackPTE.Frame, int(va-pageVA), word)
		return binary.LittleEndian.Uint64(word)
	}
	assert.Equal(t, uint64(2), readWord(sp), "argc")

	argv0 := readWord(sp + 8)
	str := make([]byte, 5)
	tsk.frameAllocator.ReadAt(stackPTE.Frame, int(argv0-pageVA), str)
	assert.Equal(t, "init\x00", string(str))

	assert.Equal(t, uint64(0), readWord(sp+8*3), "argv terminator")
	envp0 := readWord(sp + 8*4)
	assert.NotZero(t, envp0)
	assert.Equal(t, uint64(0), readWord(sp+8*5), "envp terminator")
}

func TestExecveArgBlockTooLargeIsE2BIG(t *testing.T) {
	tb := NewTable()
	tsk := tb.New()
	tsk.frameAllocator = frame.New(256)

	data := buildELF64(2, 62, 2)
	r := bytes.NewReader(data)
	huge := string(make([]byte, frame.PageSize))
	_, _, err := tsk.Execve(r, r, []string{huge}, nil, "init")
	assert.ErrorIs(t, err, errors.E2BIG)
}
