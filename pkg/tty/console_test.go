// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package tty

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func feedString(c *Console, s string) {
	for i := 0; i < len(s); i++ {
		c.Feed(s[i])
	}
}

func TestConsolePrintableAdvancesCursor(t *testing.T) {
	c := NewConsole(New(), 24, 80)
	feedString(c, "hi")
	row, col := c.Cursor()
	require.Equal(t, 0, row)
	require.Equal(t, 2, col)
	require.Equal(t, 'h', c.CellAt(0, 0).Ch)
	require.Equal(t, 'i', c.CellAt(0, 1).Ch)
}

func TestConsoleAutowrap(t *testing.T) {
	c := NewConsole(New(), 24, 4)
	feedString(c, "abcd")
	row, col := c.Cursor()
	require.Equal(t, 1, row)
	require.Equal(t, 0, col)
}

func TestConsoleCursorPositioning(t *testing.T) {
	c := NewConsole(New(), 24, 80)
	feedString(c, "\x1b[5;10H")
	row, col := c.Cursor()
	require.Equal(t, 4, row)
	require.Equal(t, 9, col)
}

func TestConsoleEraseLine(t *testing.T) {
	c := NewConsole(New(), 24, 80)
	feedString(c, "hello")
	feedString(c, "\x1b[1;1H\x1b[K")
	require.Equal(t, ' ', c.CellAt(0, 0).Ch)
}

func TestConsoleSGRColors(t *testing.T) {
	c := NewConsole(New(), 24, 80)
	feedString(c, "\x1b[31;1mX")
	cell := c.CellAt(0, 0)
	require.Equal(t, uint8(1), cell.Fg)
	require.True(t, cell.Bold)
}

func TestConsoleScrollRegion(t *testing.T) {
	c := NewConsole(New(), 3, 10)
	feedString(c, "\x1b[1;2r") // scroll region rows 1-2 (0-indexed 0-1)
	feedString(c, "line1\n")
	feedString(c, "line2\n") // scrolls within region, row 2 untouched
	row, _ := c.Cursor()
	require.Equal(t, 1, row)
}

func TestConsoleLineDrawingCharset(t *testing.T) {
	c := NewConsole(New(), 24, 80)
	feedString(c, "\x1b(0q")
	require.Equal(t, '─', c.CellAt(0, 0).Ch)
}

func TestConsoleAltBufferToggle(t *testing.T) {
	c := NewConsole(New(), 24, 80)
	feedString(c, "primary")
	feedString(c, "\x1b[?1049h")
	require.True(t, c.usingAlt)
	require.Equal(t, ' ', c.CellAt(0, 0).Ch)
	feedString(c, "\x1b[?1049l")
	require.Equal(t, 'p', c.CellAt(0, 0).Ch)
}
