// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package spinlock provides cross-core synchronization primitives: a
// holder-tracked spin mutex and an elevated
// variant that disables local preemption while held.
package spinlock

import (
	"runtime"
	"sync/atomic"
)

const noHolder = -1

// Mutex is a spin mutex that records its holding CPU id so a second
// acquisition attempt by the same holder can be detected and reported
// as a reentrancy bug rather than deadlocking silently.
type Mutex struct {
	locked atomic.Bool
	holder atomic.Int32
}

func New() *Mutex {
	m := &Mutex{}
	m.holder.Store(noHolder)
	return m
}

// Lock spins until the lock is acquired. Reentrant acquisition by the
// same cpuID panics immediately instead of spinning forever.
func (m *Mutex) Lock(cpuID int32) {
	if m.holder.Load() == cpuID && m.locked.Load() {
		panic("spinlock: reentrant Lock by current holder")
	}
	for !m.locked.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
	m.holder.Store(cpuID)
}

// TryLock attempts a single non-blocking acquisition.
func (m *Mutex) TryLock(cpuID int32) bool {
	if m.locked.CompareAndSwap(false, true) {
		m.holder.Store(cpuID)
		return true
	}
	return false
}

func (m *Mutex) Unlock() {
	m.holder.Store(noHolder)
	m.locked.Store(false)
}

// Holder returns the cpuID currently holding the lock, or noHolder (-1).
func (m *Mutex) Holder() int32 { return m.holder.Load() }

// Elevated is a spin mutex whose Lock also disables preemption on the
// calling CPU for the duration of the critical section, by
// recording the caller's prior preemption-enabled flag and restoring it
// on Unlock. disable/enable are injected so pkg/smp can wire them to its
// own per-CPU preemption flag without pkg/spinlock depending on it.
type Elevated struct {
	Mutex
	saved atomic.Bool
}

func NewElevated() *Elevated {
	e := &Elevated{}
	e.holder.Store(noHolder)
	return e
}

func (e *Elevated) Lock(cpuID int32, disablePreempt func() (prev bool)) {
	e.Mutex.Lock(cpuID)
	e.saved.Store(disablePreempt())
}

func (e *Elevated) Unlock(restorePreempt func(prev bool)) {
	restorePreempt(e.saved.Load())
	e.Mutex.Unlock()
}
