// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package smp

import (
	"sync"

	"github.com/kcore-project/kcore/pkg/vmm"
)

// Bus is the IPI fabric: it implements vmm.Broadcaster by invoking each
// online target CPU's registered TLB-vector handler. A real LAPIC
// delivers the interrupt asynchronously; the handler here runs on its
// own goroutine to preserve that "other CPUs act concurrently,
// independent of the sender" property without needing real interrupt
// hardware.
type Bus struct {
	mu       sync.RWMutex
	handlers map[int32]func()
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[int32]func())}
}

// RegisterTLBHandler installs the per-CPU handler invoked when the TLB
// vector fires for that CPU (normally smp.Table's owner wiring it to
// vmm.Shootdown.HandleIPI for that cpu id).
func (b *Bus) RegisterTLBHandler(cpu int32, h func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[cpu] = h
}

func (b *Bus) SendTLBIPI(targets vmm.CPUSet) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for cpu, h := range b.handlers {
		if targets.Has(int(cpu)) {
			go h()
		}
	}
}
