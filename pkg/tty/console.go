// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package tty

import "context"

// NPAR bounds the CSI parameter vector.
const NPAR = 16

// Charset selects between the Latin default font and VT100 line-drawing
// glyphs for G0/G1.
type Charset int

const (
	CharsetLatin Charset = iota
	CharsetLineDraw
)

var lineDrawGlyphs = map[byte]rune{
	'q': '─', 'x': '│', 'l': '┌', 'k': '┐', 'm': '└', 'j': '┘', 'n': '┼',
	't': '├', 'u': '┤', 'v': '┴', 'w': '┬', '~': '·', '`': '◆', 'a': '▒',
}

// Cell is one screen position: glyph plus graphic rendition.
type Cell struct {
	Ch        rune
	Fg, Bg    uint8
	Bold      bool
	Underline bool
	Reverse   bool
}

const (
	defaultFg uint8 = 7
	defaultBg uint8 = 0
)

func blankCell() Cell { return Cell{Ch: ' ', Fg: defaultFg, Bg: defaultBg} }

type screen struct {
	rows, cols int
	cells      []Cell
}

func newScreen(rows, cols int) *screen {
	s := &screen{rows: rows, cols: cols, cells: make([]Cell, rows*cols)}
	s.clear(0, rows-1)
	return s
}

func (s *screen) at(row, col int) *Cell { return &s.cells[row*s.cols+col] }

func (s *screen) clear(fromRow, toRow int) {
	for r := fromRow; r <= toRow && r < s.rows; r++ {
		for c := 0; c < s.cols; c++ {
			*s.at(r, c) = blankCell()
		}
	}
}

func (s *screen) clearRange(row, fromCol, toCol int) {
	for c := fromCol; c <= toCol && c < s.cols; c++ {
		*s.at(row, c) = blankCell()
	}
}

// scrollUp copies rows [top+1, bottom] up by one into [top, bottom-1]
// and blanks the row that scrolled off.
func (s *screen) scrollUp(top, bottom int) {
	for r := top; r < bottom; r++ {
		copy(s.cells[r*s.cols:(r+1)*s.cols], s.cells[(r+1)*s.cols:(r+2)*s.cols])
	}
	s.clear(bottom, bottom)
}

// Console is the CSI-interpreting output half of the line discipline:
// it drains a TTY's write_q and renders it into a cell-addressable
// screen buffer.
type Console struct {
	tty *TTY

	rows, cols int
	primary    *screen
	alt        *screen
	active     *screen
	usingAlt   bool

	cursorRow, cursorCol int
	savedRow, savedCol   int

	autoWrap     bool
	cursorVisibl bool

	attr Cell

	scrollTop, scrollBottom int

	g0, g1  Charset
	shiftG1 bool

	// CSI parser state.
	inEsc, inCSI, inCharsetSel bool
	private                    bool
	npar                       int
	par                        [NPAR]int
	charsetTarget              byte
}

func NewConsole(t *TTY, rows, cols int) *Console {
	c := &Console{
		tty:          t,
		rows:         rows,
		cols:         cols,
		primary:      newScreen(rows, cols),
		alt:          newScreen(rows, cols),
		autoWrap:     true,
		cursorVisibl: true,
		attr:         Cell{Fg: defaultFg, Bg: defaultBg},
		scrollTop:    0,
		scrollBottom: rows - 1,
	}
	c.active = c.primary
	return c
}

// Run drains the tty's write queue and feeds every byte to the parser
// until ctx is done.
func (c *Console) Run(ctx context.Context) error {
	buf := make([]byte, 256)
	for {
		n, err := c.tty.DrainOutput(ctx, buf)
		for i := 0; i < n; i++ {
			c.Feed(buf[i])
		}
		if err != nil {
			return err
		}
	}
}

// Feed processes one output byte through the line-discipline output
// semantics: printable glyphs, \n\r\t\b, and the CSI family.
func (c *Console) Feed(b byte) {
	switch {
	case c.inCharsetSel:
		c.selectCharset(b)
		return
	case c.inCSI:
		c.feedCSI(b)
		return
	case c.inEsc:
		c.feedEsc(b)
		return
	}

	switch b {
	case 0x1b:
		c.inEsc = true
		return
	case 0x0e: // SO: shift to G1
		c.shiftG1 = true
		return
	case 0x0f: // SI: shift to G0
		c.shiftG1 = false
		return
	case '\n':
		c.newline()
		return
	case '\r':
		c.cursorCol = 0
		return
	case '\t':
		c.cursorCol = (c.cursorCol/8 + 1) * 8
		if c.cursorCol >= c.cols {
			c.cursorCol = c.cols - 1
		}
		return
	case '\b':
		if c.cursorCol > 0 {
			c.cursorCol--
		}
		return
	}

	c.putChar(b)
}

func (c *Console) charset() Charset {
	if c.shiftG1 {
		return c.g1
	}
	return c.g0
}

func (c *Console) putChar(b byte) {
	ch := rune(b)
	if c.charset() == CharsetLineDraw {
		if g, ok := lineDrawGlyphs[b]; ok {
			ch = g
		}
	}
	cell := c.attr
	cell.Ch = ch
	*c.active.at(c.cursorRow, c.cursorCol) = cell

	c.cursorCol++
	if c.cursorCol >= c.cols {
		if c.autoWrap {
			c.cursorCol = 0
			c.newline()
		} else {
			c.cursorCol = c.cols - 1
		}
	}
}

func (c *Console) newline() {
	if c.cursorRow == c.scrollBottom {
		c.active.scrollUp(c.scrollTop, c.scrollBottom)
		return
	}
	if c.cursorRow < c.rows-1 {
		c.cursorRow++
	}
}

func (c *Console) feedEsc(b byte) {
	c.inEsc = false
	switch b {
	case '[':
		c.inCSI = true
		c.npar = 0
		c.private = false
		for i := range c.par {
			c.par[i] = 0
		}
	case '(':
		c.inCharsetSel = true
		c.charsetTarget = 0
	case ')':
		c.inCharsetSel = true
		c.charsetTarget = 1
	case '7':
		c.savedRow, c.savedCol = c.cursorRow, c.cursorCol
	case '8':
		c.cursorRow, c.cursorCol = c.savedRow, c.savedCol
	}
}

func (c *Console) selectCharset(b byte) {
	c.inCharsetSel = false
	var cs Charset
	switch b {
	case '0':
		cs = CharsetLineDraw
	default:
		cs = CharsetLatin
	}
	if c.charsetTarget == 0 {
		c.g0 = cs
	} else {
		c.g1 = cs
	}
}

func (c *Console) feedCSI(b byte) {
	switch {
	case b == '?':
		c.private = true
		return
	case b == ';':
		if c.npar < NPAR-1 {
			c.npar++
		}
		return
	case b >= '0' && b <= '9':
		c.par[c.npar] = c.par[c.npar]*10 + int(b-'0')
		return
	}
	c.inCSI = false
	c.dispatchCSI(b)
}

func (c *Console) param(i, def int) int {
	if i > c.npar || c.par[i] == 0 {
		return def
	}
	return c.par[i]
}

func (c *Console) dispatchCSI(final byte) {
	if c.private {
		c.dispatchPrivateMode(final)
		return
	}
	switch final {
	case 'A':
		c.cursorRow = clamp(c.cursorRow-c.param(0, 1), 0, c.rows-1)
	case 'B':
		c.cursorRow = clamp(c.cursorRow+c.param(0, 1), 0, c.rows-1)
	case 'C':
		c.cursorCol = clamp(c.cursorCol+c.param(0, 1), 0, c.cols-1)
	case 'D':
		c.cursorCol = clamp(c.cursorCol-c.param(0, 1), 0, c.cols-1)
	case 'H', 'f':
		c.cursorRow = clamp(c.param(0, 1)-1, 0, c.rows-1)
		c.cursorCol = clamp(c.param(1, 1)-1, 0, c.cols-1)
	case 'J':
		c.eraseDisplay(c.param(0, 0))
	case 'K':
		c.eraseLine(c.param(0, 0))
	case 'm':
		c.setGraphicRendition()
	case 'r':
		top := clamp(c.param(0, 1)-1, 0, c.rows-1)
		bottom := clamp(c.param(1, c.rows)-1, 0, c.rows-1)
		if top < bottom {
			c.scrollTop, c.scrollBottom = top, bottom
		}
	}
}

func (c *Console) dispatchPrivateMode(final byte) {
	set := final == 'h'
	if final != 'h' && final != 'l' {
		return
	}
	for i := 0; i <= c.npar; i++ {
		switch c.par[i] {
		case 7:
			c.autoWrap = set
		case 25:
			c.cursorVisibl = set
		case 47, 1049:
			c.switchAltBuffer(set)
		}
	}
}

func (c *Console) switchAltBuffer(useAlt bool) {
	if useAlt == c.usingAlt {
		return
	}
	c.usingAlt = useAlt
	if useAlt {
		c.alt.clear(0, c.rows-1)
		c.active = c.alt
	} else {
		c.active = c.primary
	}
}

func (c *Console) eraseDisplay(mode int) {
	switch mode {
	case 0:
		c.active.clearRange(c.cursorRow, c.cursorCol, c.cols-1)
		c.active.clear(c.cursorRow+1, c.rows-1)
	case 1:
		c.active.clear(0, c.cursorRow-1)
		c.active.clearRange(c.cursorRow, 0, c.cursorCol)
	default:
		c.active.clear(0, c.rows-1)
	}
}

func (c *Console) eraseLine(mode int) {
	switch mode {
	case 0:
		c.active.clearRange(c.cursorRow, c.cursorCol, c.cols-1)
	case 1:
		c.active.clearRange(c.cursorRow, 0, c.cursorCol)
	default:
		c.active.clearRange(c.cursorRow, 0, c.cols-1)
	}
}

func (c *Console) setGraphicRendition() {
	if c.npar == 0 && c.par[0] == 0 {
		c.attr = Cell{Fg: defaultFg, Bg: defaultBg}
		return
	}
	for i := 0; i <= c.npar; i++ {
		p := c.par[i]
		switch {
		case p == 0:
			c.attr = Cell{Fg: defaultFg, Bg: defaultBg}
		case p == 1:
			c.attr.Bold = true
		case p == 4:
			c.attr.Underline = true
		case p == 7:
			c.attr.Reverse = true
		case p == 39:
			c.attr.Fg = defaultFg
		case p == 49:
			c.attr.Bg = defaultBg
		case p >= 30 && p <= 37:
			c.attr.Fg = uint8(p - 30)
		case p >= 40 && p <= 47:
			c.attr.Bg = uint8(p - 40)
		case p == 38 && i+2 <= c.npar && c.par[i+1] == 5:
			c.attr.Fg = uint8(c.par[i+2])
			i += 2
		case p == 48 && i+2 <= c.npar && c.par[i+1] == 5:
			c.attr.Bg = uint8(c.par[i+2])
			i += 2
		}
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Cursor returns the current cursor position, for VT_SWITCH_TTY-style
// consumers that need to know where the caret is without reading the
// whole screen.
func (c *Console) Cursor() (row, col int) { return c.cursorRow, c.cursorCol }

// CellAt returns the rendered cell at (row, col) on the active buffer.
func (c *Console) CellAt(row, col int) Cell { return *c.active.at(row, col) }
