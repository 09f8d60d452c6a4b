// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package task implements the task table, state machine, and the
// priority-biased scheduler that picks the next task to run on a core.
package task

import (
	"context"
	"sync"

	"github.com/kcore-project/kcore/pkg/errors"
	"github.com/kcore-project/kcore/pkg/frame"
	"github.com/kcore-project/kcore/pkg/memregion"
	"github.com/kcore-project/kcore/pkg/signal"
	"github.com/kcore-project/kcore/pkg/vfs"
)

// State is a task's scheduling state.
type State int

const (
	StateRunning State = iota
	StateReady
	StateSleeping
	StateWaiting
	StateStopped
	StateZombie
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateReady:
		return "ready"
	case StateSleeping:
		return "sleeping"
	case StateWaiting:
		return "waiting"
	case StateStopped:
		return "stopped"
	case StateZombie:
		return "zombie"
	default:
		return "unknown"
	}
}

// validTransitions enumerates the state machine's legal edges. Anything
// not listed here (e.g. Zombie -> Running) is a caller bug, not a
// recoverable runtime condition, and SetState panics on it rather than
// silently clamping the state.
var validTransitions = map[State]map[State]bool{
	StateRunning:  {StateReady: true, StateSleeping: true, StateWaiting: true, StateStopped: true, StateZombie: true},
	StateReady:    {StateRunning: true, StateZombie: true},
	StateSleeping: {StateReady: true, StateRunning: true, StateZombie: true},
	StateWaiting:  {StateReady: true, StateRunning: true, StateZombie: true},
	StateStopped:  {StateReady: true, StateRunning: true, StateZombie: true},
}

// BlockOutcome is how a blocked task resumed.
type BlockOutcome int

const (
	Woken BlockOutcome = iota
	Interrupted
	TimedOut
)

// NumPriorityBands is the number of scheduling priority levels. Band 0
// is highest priority; tasks woken from sleep are requeued at the front
// of their band (an interactivity boost) rather than the back.
const NumPriorityBands = 8

const (
	PriorityDefault  = 4
	PriorityRealtime = 0
	PriorityIdle     = NumPriorityBands - 1
)

// Task is one schedulable unit: a thread of control with its own signal
// state and a shared-or-private view of process memory.
//
// Parent/Children use live pointers rather than PID-indexed weak
// handles: Go's garbage collector reclaims a cycle of Tasks fine once
// the Table drops its own reference, so there's no dangling-pointer
// hazard a weak handle would be guarding against in an unmanaged
// language.
type Task struct {
	mu sync.Mutex

	PID  int32
	TGID int32
	SID  int32
	PGID int32

	UID, GID, EUID, EGID int32

	state    State
	Priority int
	CPU      int32

	Mem     *memregion.TaskMem
	Signals *signal.State
	Timers  *Timers

	// frameAllocator is the physical frame pool this task's address
	// space draws from; carried here (rather than inside TaskMem) so
	// Fork/Exec can hand it to a freshly built TaskMem without TaskMem
	// needing to expose an allocator getter nothing else uses.
	frameAllocator *frame.Allocator

	Parent   *Task
	Children []*Task

	ExitStatus int
	exited     chan struct{}

	wake chan BlockOutcome

	// sigFrames is the stack of in-progress user signal handlers; the
	// top is what Sigreturn unwinds.
	sigFrames []*DeliveredSignal

	Comm string

	// Files is the task's indexed open-file slot array. Sharing across
	// fork is handled by FDTable.Clone, not by sharing the pointer:
	// each task gets its own table whose slots alias the same
	// underlying OpenFile.
	Files *vfs.FDTable
}

func newTask(pid int32) *Task {
	t := &Task{
		PID:      pid,
		TGID:     pid,
		state:    StateReady,
		Priority: PriorityDefault,
		Signals:  signal.New(),
		Files:    vfs.NewFDTable(),
		exited:   make(chan struct{}),
		wake:     make(chan BlockOutcome, 1),
	}
	t.Timers = NewTimers(
		func(signo int) {
			_, _ = t.Signals.Add(signal.Siginfo{Signo: signo, PID: t.PID, UID: t.UID}, false, t.UID, t.UID)
		},
		func(signo int) bool { return t.Signals.Pending().Has(signo) },
	)
	return t
}

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetState performs a checked state transition, panicking on an edge
// the state machine does not allow so bugs surface immediately rather
// than leaving a task wedged in an inconsistent state.
func (t *Task) SetState(next State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == next {
		return
	}
	if !validTransitions[t.state][next] {
		panic("task: illegal state transition " + t.state.String() + " -> " + next.String())
	}
	t.state = next
}

// Block parks the calling goroutine until Wake or Interrupt is called,
// or ctxDone fires first (used for timed sleeps). The caller is
// responsible for having already set state to Sleeping or Waiting.
func (t *Task) Block(ctxDone <-chan struct{}) BlockOutcome {
	select {
	case o := <-t.wake:
		return o
	case <-ctxDone:
		return TimedOut
	}
}

func (t *Task) Wake() {
	select {
	case t.wake <- Woken:
	default:
	}
}

func (t *Task) Interrupt() {
	select {
	case t.wake <- Interrupted:
	default:
	}
}

// AttachMem binds a freshly built address space and the frame pool it
// draws from to the task. Fork copies both automatically; this is for
// PID 1 and kernel threads whose memory is built by the boot path.
func (t *Task) AttachMem(mem *memregion.TaskMem, frames *frame.Allocator) {
	t.Mem = mem
	t.frameAllocator = frames
}

// Exit marks the task a zombie and releases its address space, then
// signals the parent with SIGCHLD and wakes it in case it is blocked in
// Wait4 collecting ExitStatus.
func (t *Task) Exit(status int) {
	t.mu.Lock()
	t.state = StateZombie
	t.ExitStatus = status
	t.mu.Unlock()
	if t.Timers != nil {
		t.Timers.StopAll()
	}
	if t.Mem != nil {
		t.Mem.FreeUserPages()
	}
	close(t.exited)

	if p := t.Parent; p != nil {
		info := signal.Siginfo{Signo: signal.SIGCHLD, PID: t.PID, UID: t.UID}
		_, _ = p.Signals.Add(info, false, t.UID, p.UID)
		p.Wake()
	}
}

func (t *Task) Exited() <-chan struct{} { return t.exited }

// PageFault services a page fault raised while this task was running,
// dispatching to Mem.HandleFault for the CoW/demand-page/
// stack-extension logic. A fault HandleFault could not resolve is
// delivered as a synchronous SIGSEGV with si_addr set to the faulting
// address, the way a real fault handler delivers synchronous signals
// in the trap path instead of returning an error to whatever was
// dereferencing the bad pointer.
func (t *Task) PageFault(addr uint64, write bool) error {
	outcome, err := t.Mem.HandleFault(addr, memregion.FaultInfo{Write: write}, t.frameAllocator)
	if outcome == memregion.FaultSegv {
		info := signal.Siginfo{Signo: signal.SIGSEGV, Addr: addr, PID: t.PID, UID: t.UID}
		if _, sigErr := t.Signals.Add(info, true, t.UID, t.UID); sigErr != nil {
			return sigErr
		}
	}
	return err
}

// Table is the global task table: PID allocation, lookup, and the
// parent/child bookkeeping, including reparenting a reaped task's
// children to PID 1.
type Table struct {
	mu      sync.RWMutex
	tasks   map[int32]*Task
	nextPID int32
}

func NewTable() *Table {
	return &Table{tasks: make(map[int32]*Task), nextPID: 1}
}

// New allocates and registers a fresh task with no parent (used only
// for PID 1 / kernel threads; all other tasks arrive via Fork).
func (tb *Table) New() *Task {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	pid := tb.nextPID
	tb.nextPID++
	t := newTask(pid)
	tb.tasks[pid] = t
	return t
}

func (tb *Table) Get(pid int32) (*Task, bool) {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	t, ok := tb.tasks[pid]
	return t, ok
}

// PIDs returns every live PID, for callers (pkg/vfs/procfs's root
// directory listing) that need to enumerate the table rather than look
// up one entry at a time.
func (tb *Table) PIDs() []int32 {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	out := make([]int32, 0, len(tb.tasks))
	for pid := range tb.tasks {
		out = append(out, pid)
	}
	return out
}

// Reap removes a zombie from the table after its parent has collected
// its exit status (wait4 semantics). It errors ESRCH-equivalent via
// errors.EINVAL if called on a non-zombie.
func (tb *Table) Reap(pid int32) error {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	t, ok := tb.tasks[pid]
	if !ok {
		return errors.ENOENT
	}
	if t.State() != StateZombie {
		return errors.EINVAL
	}
	delete(tb.tasks, pid)
	return nil
}

// Reparent moves every child of pid onto initPID, the orphan-adoption
// step Wait4 runs when it reaps a child that still has children.
func (tb *Table) Reparent(pid, initPID int32) {
	parent, ok := tb.Get(pid)
	if !ok {
		return
	}
	initTask, ok := tb.Get(initPID)
	if !ok {
		return
	}
	parent.mu.Lock()
	children := parent.Children
	parent.Children = nil
	parent.mu.Unlock()

	initTask.mu.Lock()
	for _, c := range children {
		c.Parent = initTask
	}
	initTask.Children = append(initTask.Children, children...)
	initTask.mu.Unlock()
}

// Wait4 implements wait4(2) for the table: collect the exit status of a
// zombie child of parent and reap it. pid > 0 selects that child, pid
// == -1 any child. With no matching children it fails ECHILD. noHang
// returns (0, 0, nil) instead of blocking when no child is a zombie
// yet; otherwise the caller blocks until a child's Exit wakes it, and a
// wake by signal surfaces as EINTR.
func (tb *Table) Wait4(ctx context.Context, parent *Task, pid int32, noHang bool) (int32, int, error) {
	for {
		parent.mu.Lock()
		children := append([]*Task(nil), parent.Children...)
		parent.mu.Unlock()

		matched := false
		for _, c := range children {
			if pid > 0 && c.PID != pid {
				continue
			}
			matched = true
			if c.State() != StateZombie {
				continue
			}
			status := c.ExitStatus
			tb.Reparent(c.PID, 1)
			parent.mu.Lock()
			for i, sib := range parent.Children {
				if sib == c {
					parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
					break
				}
			}
			parent.mu.Unlock()
			if err := tb.Reap(c.PID); err != nil {
				return 0, 0, err
			}
			return c.PID, status, nil
		}
		if !matched {
			return 0, 0, errors.ECHILD
		}
		if noHang {
			return 0, 0, nil
		}

		select {
		case o := <-parent.wake:
			if o == Interrupted {
				return 0, 0, errors.EINTR
			}
		case <-ctx.Done():
			return 0, 0, errors.ERESTARTSYS
		}
	}
}
