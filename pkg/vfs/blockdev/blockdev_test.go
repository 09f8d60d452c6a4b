// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package blockdev

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDevice(t *testing.T) *Device {
	t.Helper()
	d, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestReadUnwrittenBlockReturnsZeroedPage(t *testing.T) {
	d := openTestDevice(t)
	page, err := d.ReadBlock(7)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, BlockSize), page)
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	d := openTestDevice(t)
	page := bytes.Repeat([]byte{0xAB}, BlockSize)

	require.NoError(t, d.WriteBlock(3, page))
	got, err := d.ReadBlock(3)
	require.NoError(t, err)
	assert.Equal(t, page, got)
}

func TestWriteBlockRejectsWrongSize(t *testing.T) {
	d := openTestDevice(t)
	err := d.WriteBlock(0, []byte{1, 2, 3})
	assert.Error(t, err)
}

func TestFreeBlockResetsToZeroedPage(t *testing.T) {
	d := openTestDevice(t)
	page := bytes.Repeat([]byte{0xFF}, BlockSize)
	require.NoError(t, d.WriteBlock(1, page))

	require.NoError(t, d.FreeBlock(1))
	got, err := d.ReadBlock(1)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, BlockSize), got)
}
