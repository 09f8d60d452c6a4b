// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package boot

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCmdLineRecognizesFlagsAndKeyValues(t *testing.T) {
	opts := ParseCmdLine("nosmp target=qemu root=/dev/sda1 quiet loglevel=3")
	assert.True(t, opts.NoSMP)
	assert.Equal(t, "qemu", opts.Target)
	assert.Equal(t, "/dev/sda1", opts.Root)
	assert.Equal(t, "3", opts.Extra["loglevel"])
	_, ok := opts.Extra["quiet"]
	assert.True(t, ok)
}

func TestParseCmdLineEmptyInput(t *testing.T) {
	opts := ParseCmdLine("")
	assert.False(t, opts.NoSMP)
	assert.Empty(t, opts.Target)
}

func TestTotalMemorySumsOnlyAvailableRegions(t *testing.T) {
	info := Info{MemoryMap: []MemoryMapEntry{
		{BaseAddr: 0, Length: 0x9fc00, Type: 1},
		{BaseAddr: 0x9fc00, Length: 0x400, Type: 2},
		{BaseAddr: 0x100000, Length: 0x7f00000, Type: 1},
	}}
	assert.Equal(t, uint64(0x9fc00+0x7f00000), info.TotalMemory())
}

func TestParseUint(t *testing.T) {
	v, ok := ParseUint("0x1f")
	assert.True(t, ok)
	assert.Equal(t, uint64(31), v)

	_, ok = ParseUint("not-a-number")
	assert.False(t, ok)
}
