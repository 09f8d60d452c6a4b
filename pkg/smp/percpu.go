// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package smp implements AP bringup, per-CPU state, and the
// cross-core synchronization primitives.
package smp

import (
	"context"
	"sync/atomic"

	"github.com/kcore-project/kcore/pkg/vmm"
)

// Flag bits for ProcessorLocal.Flags.
const (
	FlagOnline uint32 = 1 << iota
	FlagSchedulerBusy
)

// ProcessorLocal is one CPU's private state block. Real hardware
// reaches "this CPU's" slot through a dedicated segment base register
// (gs on x86) set once at bringup; kcore instead threads the CPU id
// explicitly through context.Context (see ThisCore), since Go gives
// goroutines no pinned per-thread register to hijack.
type ProcessorLocal struct {
	CPUID      int32
	CurrentPID atomic.Int32
	IdlePID    int32

	// PageDirectory is the active page directory on this CPU. The real
	// kernel tracks separate physical/virtual pointers; the simulator
	// needs only the one Go pointer vmm.PageDirectory already unifies.
	PageDirectory atomic.Pointer[vmm.PageDirectory]

	Flags atomic.Uint32

	Vendor, Model string
	Features      uint64
}

func (p *ProcessorLocal) Online() bool {
	return p.Flags.Load()&FlagOnline != 0
}

func (p *ProcessorLocal) SetOnline(v bool) {
	setFlag(&p.Flags, FlagOnline, v)
}

func (p *ProcessorLocal) SchedulerBusy() bool {
	return p.Flags.Load()&FlagSchedulerBusy != 0
}

func (p *ProcessorLocal) SetSchedulerBusy(v bool) {
	setFlag(&p.Flags, FlagSchedulerBusy, v)
}

func setFlag(f *atomic.Uint32, bit uint32, v bool) {
	for {
		old := f.Load()
		var next uint32
		if v {
			next = old | bit
		} else {
			next = old &^ bit
		}
		if f.CompareAndSwap(old, next) {
			return
		}
	}
}

// Table is the fixed-size array of ProcessorLocal indexed by CPU id.
type Table struct {
	cpus []*ProcessorLocal
}

func NewTable(maxCPUs int) *Table {
	t := &Table{cpus: make([]*ProcessorLocal, maxCPUs)}
	for i := range t.cpus {
		t.cpus[i] = &ProcessorLocal{CPUID: int32(i)}
	}
	return t
}

func (t *Table) Len() int { return len(t.cpus) }

func (t *Table) CPU(id int32) *ProcessorLocal { return t.cpus[id] }

// Online returns the bitmap of CPUs currently marked ONLINE, used by the
// VMM to compute TLB shootdown targets.
func (t *Table) Online() vmm.CPUSet {
	var s vmm.CPUSet
	for _, c := range t.cpus {
		if c.Online() {
			s |= 1 << uint(c.CPUID)
		}
	}
	return s
}

type cpuKey struct{}

// WithCPU attaches cpuID to ctx, the way entering an interrupt handler
// or the scheduler tick on a given core would establish "this core" for
// everything called beneath it.
func WithCPU(ctx context.Context, cpuID int32) context.Context {
	return context.WithValue(ctx, cpuKey{}, cpuID)
}

// ThisCore resolves the ProcessorLocal for the CPU id attached to ctx.
// It panics if ctx was never tagged with WithCPU, matching the
// assumption that every code path reachable from an interrupt or
// syscall entry point runs with "this core" already established.
func (t *Table) ThisCore(ctx context.Context) *ProcessorLocal {
	id, ok := ctx.Value(cpuKey{}).(int32)
	if !ok {
		panic("smp: ThisCore called without smp.WithCPU in context")
	}
	return t.cpus[id]
}

// SchedLock is the single-CPU-exclusive scheduler lock: a
// single CPU id stored via CAS; release writes -1.
type SchedLock struct {
	holder atomic.Int32
}

func NewSchedLock() *SchedLock {
	l := &SchedLock{}
	l.holder.Store(-1)
	return l
}

func (l *SchedLock) TryAcquire(cpuID int32) bool {
	return l.holder.CompareAndSwap(-1, cpuID)
}

func (l *SchedLock) Release() { l.holder.Store(-1) }

func (l *SchedLock) Holder() int32 { return l.holder.Load() }
