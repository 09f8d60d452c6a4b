// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ipc

import (
	"context"
	"sync"

	"github.com/kcore-project/kcore/pkg/errors"
)

// SemOp is one operation in a semop(2) vector: add positive (V),
// subtract positive (P, blocks if insufficient), or wait-for-zero.
type SemOp struct {
	Num   int
	Delta int16
	Undo  bool
}

type undoEntry struct {
	pid   int32
	num   int
	delta int16
}

// SemSet is one semaphore array.
type SemSet struct {
	mu     sync.Mutex
	id     int32
	perm   Perm
	values []int16
	undo   []undoEntry
	notify chan struct{}
}

type SemTable struct {
	mu    sync.Mutex
	slots [MaxSets]*SemSet
	next  int32
}

func NewSemTable() *SemTable { return &SemTable{next: 1} }

func (t *SemTable) Create(perm Perm, n int) *SemSet {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.next
	t.next++
	s := &SemSet{id: id, perm: perm, values: make([]int16, n), notify: newNotify()}
	t.slots[slot(id)] = s
	return s
}

func (t *SemTable) Get(id int32) (*SemSet, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.slots[slot(id)]
	if s == nil || s.id != id {
		return nil, errors.EIDRM
	}
	return s, nil
}

func (t *SemTable) Remove(id int32) error {
	s, err := t.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	close(s.notify)
	s.mu.Unlock()
	t.mu.Lock()
	t.slots[slot(id)] = nil
	t.mu.Unlock()
	return nil
}

// wouldSucceed reports whether every op in ops can apply to values
// without any going negative, without mutating values.
func wouldSucceed(values []int16, ops []SemOp) bool {
	scratch := append([]int16(nil), values...)
	for _, op := range ops {
		switch {
		case op.Delta > 0:
			scratch[op.Num] += op.Delta
		case op.Delta < 0:
			if scratch[op.Num]+op.Delta < 0 {
				return false
			}
			scratch[op.Num] += op.Delta
		default:
			if scratch[op.Num] != 0 {
				return false
			}
		}
	}
	return true
}

// Op implements semop(2): the whole vector applies atomically or not at
// all; if it can't apply yet, the caller blocks until woken by another
// task's Op and retries, unless noWait is set.
func (s *SemSet) Op(ctx context.Context, pid int32, ops []SemOp, noWait bool) error {
	for {
		s.mu.Lock()
		if wouldSucceed(s.values, ops) {
			for _, op := range ops {
				s.values[op.Num] += op.Delta
				if op.Undo {
					s.undo = append(s.undo, undoEntry{pid: pid, num: op.Num, delta: -op.Delta})
				}
			}
			old := s.notify
			s.notify = newNotify()
			s.mu.Unlock()
			close(old)
			return nil
		}
		if noWait {
			s.mu.Unlock()
			return errors.EAGAIN
		}
		wait := s.notify
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return errors.ERESTARTSYS
		}
	}
}

// UndoExit replays pid's recorded undo entries (SEM_UNDO), run when a
// task exits while holding semaphore adjustments.
func (s *SemSet) UndoExit(pid int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var remaining []undoEntry
	var old chan struct{}
	for _, u := range s.undo {
		if u.pid == pid {
			s.values[u.num] += u.delta
			if old == nil {
				old = s.notify
				s.notify = newNotify()
			}
			continue
		}
		remaining = append(remaining, u)
	}
	s.undo = remaining
	if old != nil {
		close(old)
	}
}

func (s *SemSet) Values() []int16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int16, len(s.values))
	copy(out, s.values)
	return out
}
