// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package vmm

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/kcore-project/kcore/pkg/spinlock"
)

// CPUSet is a bitmap of online CPU ids, up to 64 cores.
type CPUSet uint64

func (s CPUSet) Has(cpu int) bool  { return s&(1<<uint(cpu)) != 0 }
func (s CPUSet) Without(cpu int) CPUSet { return s &^ (1 << uint(cpu)) }
func (s CPUSet) Empty() bool       { return s == 0 }

// shootdownEntries sizes the fixed ring of in-flight invalidations.
const shootdownEntries = 32

type shootdownSlot struct {
	addr    uint64
	pending atomic.Uint64 // bit per CPU still owing an invalidate
	inUse   atomic.Bool
}

// Broadcaster delivers the TLB IPI vector to a target CPU set. pkg/smp
// supplies the real implementation; tests supply a fake that records
// calls or directly invokes the handler inline.
type Broadcaster interface {
	SendTLBIPI(targets CPUSet)
}

// Shootdown coordinates cross-core TLB invalidation. Each
// CPU's IPI handler calls HandleIPI on its own id, which clears its bit
// in every pending slot and performs the local invalidate via the
// supplied invlpg callback.
type Shootdown struct {
	ring [shootdownEntries]shootdownSlot
	sem  *spinlock.Mutex
	bus  Broadcaster
}

func NewShootdown(bus Broadcaster) *Shootdown {
	return &Shootdown{sem: spinlock.New(), bus: bus}
}

// Invalidate shoots down address v across targets (already computed by
// the caller as online CPUs minus self, filtered to CPUs whose active
// page directory matches the caller's when v is a user address). It
// blocks until every target has acknowledged.
func (s *Shootdown) Invalidate(ctx context.Context, selfCPU int32, v uint64, targets CPUSet) error {
	if targets.Empty() {
		return nil
	}

	s.sem.Lock(selfCPU)
	defer s.sem.Unlock()

	slot, err := s.claimSlot(ctx, v, targets)
	if err != nil {
		return err
	}
	defer slot.inUse.Store(false)

	s.bus.SendTLBIPI(targets)

	for slot.pending.Load() != 0 {
		time.Sleep(time.Microsecond)
	}
	return nil
}

// claimSlot retries with bounded backoff if the ring is momentarily
// full, bounding what would otherwise be an open-ended spin.
func (s *Shootdown) claimSlot(ctx context.Context, v uint64, targets CPUSet) (*shootdownSlot, error) {
	var claimed *shootdownSlot
	op := func() (*shootdownSlot, error) {
		for i := range s.ring {
			slot := &s.ring[i]
			if slot.inUse.CompareAndSwap(false, true) {
				slot.addr = v
				slot.pending.Store(uint64(targets))
				return slot, nil
			}
		}
		return nil, backoff.RetryAfter(1) // ring full: retry after one second (RetryAfter takes seconds)
	}
	result, err := backoff.Retry(ctx, op, backoff.WithMaxTries(64))
	if err != nil {
		return nil, err
	}
	claimed = result
	return claimed, nil
}

// HandleIPI runs on each target CPU when the TLB vector fires: it scans
// every slot, and for any whose pending bitmap still has this CPU's bit
// set, invokes invlpg(addr) and atomically clears the bit.
func (s *Shootdown) HandleIPI(cpu int32, invlpg func(addr uint64)) {
	bit := uint64(1) << uint(cpu)
	for i := range s.ring {
		slot := &s.ring[i]
		if !slot.inUse.Load() {
			continue
		}
		for {
			old := slot.pending.Load()
			if old&bit == 0 {
				break
			}
			if slot.pending.CompareAndSwap(old, old&^bit) {
				invlpg(slot.addr)
				break
			}
		}
	}
}
