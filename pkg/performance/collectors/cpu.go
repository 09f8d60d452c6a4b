// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package collectors

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/kcore-project/kcore/pkg/performance"
	"github.com/kcore-project/kcore/pkg/smp"
)

var _ performance.PointCollector = (*CPUCollector)(nil)

// userHZ is the simulated tick rate /proc/stat's cpu lines are counted
// in, matching Linux's usual USER_HZ of 100.
const userHZ = 100

// CPUCollector renders /proc/stat's cpu lines from kcore's own per-CPU
// state (pkg/smp.ProcessorLocal) instead of a host's real /proc/stat.
// Wall-clock time elapsed between two Collect calls is attributed to
// idle, system, or user ticks for each core depending on what pkg/smp
// last observed that core doing: parked (offline) or running its idle
// task counts as idle, inside the scheduler's critical section counts
// as system (whichever task is current), anything else counts as user. This is a coarse sampling
// model, not real per-task accounting, but it gives /proc/stat numbers
// that move with the simulator's own activity instead of a real host's.
type CPUCollector struct {
	performance.BaseCollector
	cpus *smp.Table

	mu       sync.Mutex
	lastPoll []time.Time
	counters []cpuCounters
}

type cpuCounters struct {
	user, system, idle uint64
}

func NewCPUCollector(logger logr.Logger, config performance.CollectionConfig, cpus *smp.Table) (*CPUCollector, error) {
	capabilities := performance.CollectorCapabilities{
		SupportsOneShot:    true,
		SupportsContinuous: false,
	}

	now := time.Now()
	n := cpus.Len()
	lastPoll := make([]time.Time, n)
	for i := range lastPoll {
		lastPoll[i] = now
	}

	return &CPUCollector{
		BaseCollector: performance.NewBaseCollector(
			performance.MetricTypeCPU,
			"Simulated CPU Collector",
			logger,
			config,
			capabilities,
		),
		cpus:     cpus,
		lastPoll: lastPoll,
		counters: make([]cpuCounters, n),
	}, nil
}

func (c *CPUCollector) Collect(ctx context.Context) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	n := c.cpus.Len()
	cpuStats := make([]*performance.CPUStats, 0, n+1)

	var agg cpuCounters
	for i := 0; i < n; i++ {
		cpu := c.cpus.CPU(int32(i))
		elapsed := now.Sub(c.lastPoll[i])
		c.lastPoll[i] = now
		ticks := uint64(elapsed * userHZ / time.Second)

		switch {
		case !cpu.Online():
			c.counters[i].idle += ticks
		case cpu.SchedulerBusy():
			c.counters[i].system += ticks
		case cpu.CurrentPID.Load() == cpu.IdlePID:
			c.counters[i].idle += ticks
		default:
			c.counters[i].user += ticks
		}

		cnt := c.counters[i]
		agg.user += cnt.user
		agg.system += cnt.system
		agg.idle += cnt.idle

		cpuStats = append(cpuStats, &performance.CPUStats{
			CPUIndex: int32(i),
			User:     cnt.user,
			System:   cnt.system,
			Idle:     cnt.idle,
		})
	}

	aggregate := &performance.CPUStats{
		CPUIndex: -1,
		User:     agg.user,
		System:   agg.system,
		Idle:     agg.idle,
	}
	cpuStats = append([]*performance.CPUStats{aggregate}, cpuStats...)

	c.Logger().V(1).Info("collected CPU statistics", "cpus", n)
	return cpuStats, nil
}
