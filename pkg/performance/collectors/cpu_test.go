// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package collectors_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kcore-project/kcore/pkg/performance"
	"github.com/kcore-project/kcore/pkg/performance/collectors"
	"github.com/kcore-project/kcore/pkg/smp"
)

func findCPU(stats []*performance.CPUStats, index int32) *performance.CPUStats {
	for _, s := range stats {
		if s.CPUIndex == index {
			return s
		}
	}
	return nil
}

func TestCPUCollector_AggregateLineLeadsAndHasNegativeOneIndex(t *testing.T) {
	cpus := smp.NewTable(2)
	cpus.CPU(0).SetOnline(true)
	cpus.CPU(1).SetOnline(true)

	collector, err := collectors.NewCPUCollector(logr.Discard(), performance.CollectionConfig{}, cpus)
	require.NoError(t, err)

	result, err := collector.Collect(context.Background())
	require.NoError(t, err)
	stats, ok := result.([]*performance.CPUStats)
	require.True(t, ok, "Expected []*performance.CPUStats")

	require.Len(t, stats, 3) // aggregate + 2 cpus
	assert.Equal(t, int32(-1), stats[0].CPUIndex)
	assert.NotNil(t, findCPU(stats, 0))
	assert.NotNil(t, findCPU(stats, 1))
}

func TestCPUCollector_OfflineCPUAccumulatesIdle(t *testing.T) {
	cpus := smp.NewTable(1)
	cpus.CPU(0).SetOnline(false)

	collector, err := collectors.NewCPUCollector(logr.Discard(), performance.CollectionConfig{}, cpus)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	result, err := collector.Collect(context.Background())
	require.NoError(t, err)
	stats := result.([]*performance.CPUStats)

	cpu0 := findCPU(stats, 0)
	require.NotNil(t, cpu0)
	assert.Greater(t, cpu0.Idle, uint64(0))
	assert.Equal(t, uint64(0), cpu0.User)
	assert.Equal(t, uint64(0), cpu0.System)
}

func TestCPUCollector_SchedulerBusyAccumulatesSystem(t *testing.T) {
	cpus := smp.NewTable(1)
	cpus.CPU(0).SetOnline(true)
	cpus.CPU(0).SetSchedulerBusy(true)

	collector, err := collectors.NewCPUCollector(logr.Discard(), performance.CollectionConfig{}, cpus)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	result, err := collector.Collect(context.Background())
	require.NoError(t, err)
	stats := result.([]*performance.CPUStats)

	cpu0 := findCPU(stats, 0)
	require.NotNil(t, cpu0)
	assert.Greater(t, cpu0.System, uint64(0))
	assert.Equal(t, uint64(0), cpu0.User)
	assert.Equal(t, uint64(0), cpu0.Idle)
}

func TestCPUCollector_RunningNonIdleTaskAccumulatesUser(t *testing.T) {
	cpus := smp.NewTable(1)
	cpu0 := cpus.CPU(0)
	cpu0.SetOnline(true)
	cpu0.IdlePID = 0
	cpu0.CurrentPID.Store(42)

	collector, err := collectors.NewCPUCollector(logr.Discard(), performance.CollectionConfig{}, cpus)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	result, err := collector.Collect(context.Background())
	require.NoError(t, err)
	stats := result.([]*performance.CPUStats)

	got := findCPU(stats, 0)
	require.NotNil(t, got)
	assert.Greater(t, got.User, uint64(0))
	assert.Equal(t, uint64(0), got.System)
	assert.Equal(t, uint64(0), got.Idle)
}

func TestCPUCollector_CountersAccumulateAcrossCalls(t *testing.T) {
	cpus := smp.NewTable(1)
	cpu0 := cpus.CPU(0)
	cpu0.SetOnline(true)
	cpu0.SetSchedulerBusy(true)

	collector, err := collectors.NewCPUCollector(logr.Discard(), performance.CollectionConfig{}, cpus)
	require.NoError(t, err)

	time.Sleep(15 * time.Millisecond)
	first, err := collector.Collect(context.Background())
	require.NoError(t, err)
	firstSystem := findCPU(first.([]*performance.CPUStats), 0).System

	time.Sleep(15 * time.Millisecond)
	second, err := collector.Collect(context.Background())
	require.NoError(t, err)
	secondSystem := findCPU(second.([]*performance.CPUStats), 0).System

	assert.Greater(t, secondSystem, firstSystem)
}
