// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package smp

import (
	"context"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/kcore-project/kcore/pkg/vmm"
)

// Bringup drives AP bringup. Each AP's real INIT/STARTUP IPI
// sequence and 16→32→64-bit transition is outside what a hosted Go
// process can perform; kcore models the bringup protocol's ordering and
// synchronization instead: every AP gets its own kernel stack and the
// shared kernel page directory as its active one, then is marked
// ONLINE. Per-AP GDT/TSS state is not modeled.
type Bringup struct {
	table      *Table
	kernelPD   *vmm.PageDirectory
	kstacks    *vmm.KernelRegion
	logger     logr.Logger
}

func NewBringup(table *Table, kernelPD *vmm.PageDirectory, kstacks *vmm.KernelRegion, logger logr.Logger) *Bringup {
	return &Bringup{table: table, kernelPD: kernelPD, kstacks: kstacks, logger: logger.WithName("smp")}
}

// BringUpAll brings every listed AP online concurrently: each AP
// allocates its own kernel stack, installs the shared kernel page
// directory as its active one, and signals the BSP by flipping its
// ONLINE flag before the next AP is started, the signal-then-proceed
// handshake a real BSP performs, but parallelized since nothing here
// actually shares hardware INIT/STARTUP IPI delivery order.
func (b *Bringup) BringUpAll(ctx context.Context, apIDs []int32) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range apIDs {
		id := id
		g.Go(func() error {
			return b.bringUpOne(ctx, id)
		})
	}
	return g.Wait()
}

func (b *Bringup) bringUpOne(ctx context.Context, cpuID int32) error {
	if _, err := b.kstacks.GetNextAddr(vmm.Present | vmm.Writable); err != nil {
		return err
	}
	cpu := b.table.CPU(cpuID)
	cpu.PageDirectory.Store(b.kernelPD)
	cpu.IdlePID = -cpuID - 1 // idle tasks are negative sentinels until pkg/task assigns real pids
	cpu.SetOnline(true)
	b.logger.Info("AP online", "cpu", cpuID)
	return nil
}
