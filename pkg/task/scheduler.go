// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package task

import (
	"sync"

	"github.com/kcore-project/kcore/pkg/vmm"
)

// Scheduler holds the ready queues: one FIFO per priority band, scanned
// from band 0 (highest) down. A task woken from sleep or finishing an
// I/O wait is requeued at the front of its band rather than the back,
// giving interactive tasks a latency edge over CPU-bound ones without a
// separate feedback mechanism.
type Scheduler struct {
	mu    sync.Mutex
	bands [NumPriorityBands][]*Task
	idle  map[int32]*Task
}

func NewScheduler() *Scheduler {
	return &Scheduler{idle: make(map[int32]*Task)}
}

func (s *Scheduler) SetIdle(cpu int32, t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idle[cpu] = t
}

// Enqueue places t on its priority band. front is true for tasks
// resuming after a block (interactivity boost) and false for a task
// that simply used up its time slice.
func (s *Scheduler) Enqueue(t *Task, front bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.SetState(StateReady)
	band := clampBand(t.Priority)
	if front {
		s.bands[band] = append([]*Task{t}, s.bands[band]...)
	} else {
		s.bands[band] = append(s.bands[band], t)
	}
}

func clampBand(p int) int {
	if p < 0 {
		return 0
	}
	if p >= NumPriorityBands {
		return NumPriorityBands - 1
	}
	return p
}

// Pick removes and returns the highest-priority ready task, falling
// back to cpu's idle task if every band is empty. Picking is the
// simulator's return-to-user edge, so pending signals are delivered
// here: a task whose ready set terminates or stops it never reaches
// the CPU, and the scan restarts for the next runnable task.
func (s *Scheduler) Pick(cpu int32) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	for band := 0; band < NumPriorityBands; band++ {
		q := s.bands[band]
		if len(q) == 0 {
			continue
		}
		t := q[0]
		s.bands[band] = q[1:]

		t.SetState(StateRunning)
		t.DeliverSignals()
		if t.State() != StateRunning {
			band = -1 // delivery zombified or stopped it; rescan
			continue
		}
		return t
	}
	return s.idle[cpu]
}

// Remove drops t from whatever band it sits in, used when a task is
// killed while still ready (e.g. a forced SIGKILL).
func (s *Scheduler) Remove(t *Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	band := clampBand(t.Priority)
	q := s.bands[band]
	for i, c := range q {
		if c == t {
			s.bands[band] = append(q[:i], q[i+1:]...)
			return true
		}
	}
	return false
}

// Switcher tracks the active page directory per core so ContextSwitch
// can skip the CR3 reload when two kernel tasks share the kernel
// directory (lazy CR3, here just an equality
// check against the last-loaded pointer since there's no real MMU
// register to avoid touching).
type Switcher struct {
	mu     sync.Mutex
	active map[int32]*vmm.PageDirectory
}

func NewSwitcher() *Switcher {
	return &Switcher{active: make(map[int32]*vmm.PageDirectory)}
}

// ContextSwitch runs the bookkeeping for a core changing from prev to
// next: it reports whether a page directory reload would be needed so
// callers modeling cycle cost can account for it, and records next's
// directory as active.
func (sw *Switcher) ContextSwitch(cpu int32, next *Task) (reloadedPD bool) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	var nextPD *vmm.PageDirectory
	if next.Mem != nil {
		nextPD = next.Mem.PageDirectory()
	}
	if cur, ok := sw.active[cpu]; !ok || cur != nextPD {
		sw.active[cpu] = nextPD
		reloadedPD = true
	}
	next.CPU = cpu
	return reloadedPD
}
