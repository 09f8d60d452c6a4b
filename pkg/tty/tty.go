// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package tty implements the line discipline: keyboard-to-secondary-
// queue canonical processing, signal-generating control characters,
// echo, and job-control ioctls. Output rendering (the console's CSI
// interpreter) lives in console.go.
package tty

import (
	"context"
	"sync"

	"github.com/kcore-project/kcore/pkg/errors"
	"github.com/kcore-project/kcore/pkg/performance/ringbuffer"
)

// Control-character indices into Termios.Cc, matching POSIX's VINTR..
const (
	VINTR = iota
	VQUIT
	VERASE
	VKILL
	VEOF
	VEOL
	VWERASE
	VSUSP
	NCCS
)

// Local mode flags (Termios.Lflag).
const (
	ICANON uint32 = 1 << iota
	ISIG
	ECHO
	ECHOCTL
)

type Termios struct {
	Lflag uint32
	Cc    [NCCS]byte
}

func DefaultTermios() Termios {
	t := Termios{Lflag: ICANON | ISIG | ECHO}
	t.Cc[VINTR] = 3    // ^C
	t.Cc[VQUIT] = 28   // ^\
	t.Cc[VERASE] = 127 // DEL
	t.Cc[VKILL] = 21   // ^U
	t.Cc[VEOF] = 4     // ^D
	t.Cc[VEOL] = 0
	t.Cc[VWERASE] = 23 // ^W
	t.Cc[VSUSP] = 26   // ^Z
	return t
}

// blockingQueue is a byte queue where the writer blocks while full and
// the reader blocks while empty, both interruptibly via ctx - used for
// write_q, where backpressure (not drop-oldest) is the correct behavior
// since output must not silently lose bytes.
type blockingQueue struct {
	mu    sync.Mutex
	buf   []byte
	cap   int
	notEmpty chan struct{}
	notFull  chan struct{}
}

func newBlockingQueue(capacity int) *blockingQueue {
	return &blockingQueue{cap: capacity, notEmpty: make(chan struct{}), notFull: make(chan struct{})}
}

func (q *blockingQueue) Write(ctx context.Context, p []byte) (int, error) {
	written := 0
	for written < len(p) {
		q.mu.Lock()
		room := q.cap - len(q.buf)
		if room == 0 {
			wait := q.notFull
			q.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return written, errors.ERESTARTSYS
			}
		}
		n := min(room, len(p)-written)
		q.buf = append(q.buf, p[written:written+n]...)
		written += n
		old := q.notEmpty
		q.notEmpty = make(chan struct{})
		q.mu.Unlock()
		close(old)
	}
	return written, nil
}

func (q *blockingQueue) Read(ctx context.Context, p []byte) (int, error) {
	for {
		q.mu.Lock()
		if len(q.buf) > 0 {
			n := copy(p, q.buf)
			q.buf = q.buf[n:]
			old := q.notFull
			q.notFull = make(chan struct{})
			q.mu.Unlock()
			close(old)
			return n, nil
		}
		wait := q.notEmpty
		q.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return 0, errors.ERESTARTSYS
		}
	}
}

func (q *blockingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

func (q *blockingQueue) SpaceAvailable() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf) < q.cap
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// SignalSender delivers a control signal to a process group (wired to
// pkg/signal by the task layer).
type SignalSender func(pgrp int32, sig int)

const readQCapacity = 256
const writeQCapacity = 4096

// TTY is one terminal: the three queues, discipline state, and
// job-control fields.
type TTY struct {
	mu sync.Mutex

	Termios Termios

	readQ     *ringbuffer.RingBuffer[byte]
	secondary []byte
	writeQ    *blockingQueue

	lineReady chan struct{}

	// eofAt marks where a VEOF terminated input mid-line: bytes up to
	// it are delivered without a trailing delimiter. -1 means no EOF
	// pending.
	eofAt int

	Pgrp    int32
	SID     int32
	HasCtty bool
	winsize Winsize

	SendSignal SignalSender
}

func New() *TTY {
	rq, _ := ringbuffer.New[byte](readQCapacity)
	return &TTY{
		Termios:   DefaultTermios(),
		readQ:     rq,
		writeQ:    newBlockingQueue(writeQCapacity),
		lineReady: make(chan struct{}),
		eofAt:     -1,
	}
}

// KeyInput enqueues translated keymap bytes from the keyboard driver
// into read_q; overflow drops the oldest unconsumed byte, matching a
// real tty's interrupt-context input queue (it cannot block the
// keyboard IRQ waiting for a reader).
func (t *TTY) KeyInput(b []byte) {
	t.mu.Lock()
	for _, c := range b {
		t.readQ.Push(c)
	}
	t.mu.Unlock()
	t.copyToBuf()
}

// copyToBuf drains read_q into secondary, applying canonical-mode
// editing and signal generation, then echoing as configured.
func (t *TTY) copyToBuf() {
	t.mu.Lock()
	pending := t.readQ.GetAll()
	t.readQ.Clear()
	canonical := t.Termios.Lflag&ICANON != 0
	var echoed []byte
	lineCompleted := false

	for _, c := range pending {
		if t.Termios.Lflag&ISIG != 0 {
			switch c {
			case t.Termios.Cc[VINTR]:
				t.signalLocked(2) // SIGINT
				continue
			case t.Termios.Cc[VQUIT]:
				t.signalLocked(3) // SIGQUIT
				continue
			case t.Termios.Cc[VSUSP]:
				t.signalLocked(20) // SIGTSTP
				continue
			}
		}

		if canonical {
			switch c {
			case t.Termios.Cc[VERASE]:
				if n := len(t.secondary); n > 0 && t.secondary[n-1] != '\n' {
					t.secondary = t.secondary[:n-1]
				}
				continue
			case t.Termios.Cc[VWERASE]:
				t.secondary = eraseWord(t.secondary)
				continue
			case t.Termios.Cc[VKILL]:
				t.secondary = currentLineTrim(t.secondary)
				continue
			case t.Termios.Cc[VEOF]:
				if t.eofAt < 0 {
					t.eofAt = len(t.secondary)
				}
				lineCompleted = true
				continue
			}
		}

		t.secondary = append(t.secondary, c)
		echoed = append(echoed, c)
		if canonical && (c == '\n' || c == '\r' || c == t.Termios.Cc[VEOL]) {
			lineCompleted = true
		}
	}

	if lineCompleted || (!canonical && len(echoed) > 0) {
		old := t.lineReady
		t.lineReady = make(chan struct{})
		t.mu.Unlock()
		close(old)
	} else {
		t.mu.Unlock()
	}

	if t.Termios.Lflag&ECHO != 0 && len(echoed) > 0 {
		_, _ = t.writeQ.Write(context.Background(), renderEcho(echoed, t.Termios.Lflag&ECHOCTL != 0))
	}
}

func (t *TTY) signalLocked(sig int) {
	if t.SendSignal != nil && t.Pgrp != 0 {
		pgrp := t.Pgrp
		sender := t.SendSignal
		t.mu.Unlock()
		sender(pgrp, sig)
		t.mu.Lock()
	}
}

func eraseWord(line []byte) []byte {
	i := len(line)
	for i > 0 && line[i-1] == ' ' {
		i--
	}
	for i > 0 && line[i-1] != ' ' {
		i--
	}
	return line[:i]
}

func currentLineTrim(line []byte) []byte {
	for i := len(line) - 1; i >= 0; i-- {
		if line[i] == '\n' {
			return line[:i+1]
		}
	}
	return line[:0]
}

func renderEcho(b []byte, ctl bool) []byte {
	if !ctl {
		return b
	}
	var out []byte
	for _, c := range b {
		if c < 32 && c != '\n' && c != '\r' && c != '\t' {
			out = append(out, '^', c+64)
			continue
		}
		out = append(out, c)
	}
	return out
}

// ReadCanonicalLine reads one completed line from secondary, blocking
// until ICANON processing marks one ready. A line terminated by VEOF is
// returned without the delimiter (an EOF at the start of a line reads
// as zero bytes, which is how read(2) reports end-of-input).
func (t *TTY) ReadCanonicalLine(ctx context.Context) ([]byte, error) {
	for {
		t.mu.Lock()
		idx := indexLineEnd(t.secondary)
		if t.eofAt >= 0 && (idx < 0 || t.eofAt <= idx) {
			line := t.secondary[:t.eofAt]
			t.secondary = t.secondary[t.eofAt:]
			t.eofAt = -1
			t.mu.Unlock()
			return line, nil
		}
		if idx >= 0 {
			line := t.secondary[:idx+1]
			t.secondary = t.secondary[idx+1:]
			if t.eofAt >= 0 {
				t.eofAt -= idx + 1
			}
			t.mu.Unlock()
			return line, nil
		}
		wait := t.lineReady
		t.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, errors.ERESTARTSYS
		}
	}
}

func indexLineEnd(b []byte) int {
	for i, c := range b {
		if c == '\n' {
			return i
		}
	}
	return -1
}

// ReadRaw reads up to len(p) bytes without waiting for a full line
// (non-canonical mode).
func (t *TTY) ReadRaw(ctx context.Context, p []byte) (int, error) {
	for {
		t.mu.Lock()
		if len(t.secondary) > 0 {
			n := copy(p, t.secondary)
			t.secondary = t.secondary[n:]
			t.mu.Unlock()
			return n, nil
		}
		wait := t.lineReady
		t.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return 0, errors.ERESTARTSYS
		}
	}
}

// Write enqueues output bytes for draining to the console.
func (t *TTY) Write(ctx context.Context, p []byte) (int, error) {
	return t.writeQ.Write(ctx, p)
}

// DrainOutput reads queued output bytes, for the console writer.
func (t *TTY) DrainOutput(ctx context.Context, p []byte) (int, error) {
	return t.writeQ.Read(ctx, p)
}

// Readable/Writable implement select/poll readiness.
func (t *TTY) Readable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Termios.Lflag&ICANON != 0 {
		return indexLineEnd(t.secondary) >= 0 || t.eofAt >= 0
	}
	return len(t.secondary) > 0
}

func (t *TTY) Writable() bool { return t.writeQ.SpaceAvailable() }

// Job-control ioctls.

func (t *TTY) TIOCSPGRP(pgrp int32) { t.mu.Lock(); t.Pgrp = pgrp; t.mu.Unlock() }
func (t *TTY) TIOCGPGRP() int32     { t.mu.Lock(); defer t.mu.Unlock(); return t.Pgrp }

// TIOCSCTTY sets the controlling tty: the caller must be a session
// leader without a controlling tty already, unless force is set by a
// root-privileged caller.
func (t *TTY) TIOCSCTTY(callerSID int32, isSessionLeader, force bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.HasCtty && !force {
		return errors.EPERM
	}
	if !isSessionLeader && !force {
		return errors.EPERM
	}
	t.SID = callerSID
	t.HasCtty = true
	return nil
}

type Winsize struct {
	Rows, Cols, XPixel, YPixel uint16
}

// TIOCSWINSZ rejects a 0x0 window size:
// a terminal with no rows or columns can never report a sane cursor
// position to the console writer.
func (t *TTY) TIOCSWINSZ(ws Winsize) error {
	if ws.Rows == 0 || ws.Cols == 0 {
		return errors.EINVAL
	}
	t.mu.Lock()
	t.winsize = ws
	t.mu.Unlock()
	return nil
}

func (t *TTY) TIOCGWINSZ() Winsize { t.mu.Lock(); defer t.mu.Unlock(); return t.winsize }
