// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package collectors

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kcore-project/kcore/pkg/frame"
	"github.com/kcore-project/kcore/pkg/performance"
)

func TestMemoryCollector_ReflectsAllocatorState(t *testing.T) {
	frames := frame.New(1000)

	collector, err := NewMemoryCollector(logr.Discard(), performance.CollectionConfig{}, frames)
	require.NoError(t, err)

	result, err := collector.Collect(context.Background())
	require.NoError(t, err)
	stats, ok := result.(*performance.MemoryStats)
	require.True(t, ok, "Expected *performance.MemoryStats")

	assert.Equal(t, frames.Total()*pageSizeKB, stats.MemTotal)
	assert.Equal(t, frames.Free()*pageSizeKB, stats.MemFree)
	assert.Equal(t, stats.MemFree, stats.MemAvailable)
}

func TestMemoryCollector_FreeShrinksAfterAllocation(t *testing.T) {
	frames := frame.New(1000)
	collector, err := NewMemoryCollector(logr.Discard(), performance.CollectionConfig{}, frames)
	require.NoError(t, err)

	before, err := collector.Collect(context.Background())
	require.NoError(t, err)
	beforeStats := before.(*performance.MemoryStats)

	const allocated = 10
	for i := 0; i < allocated; i++ {
		require.NotEqual(t, frame.NoFrame, frames.AllocBlock())
	}

	after, err := collector.Collect(context.Background())
	require.NoError(t, err)
	afterStats := after.(*performance.MemoryStats)

	assert.Equal(t, beforeStats.MemTotal, afterStats.MemTotal)
	assert.Equal(t, beforeStats.MemFree-allocated*pageSizeKB, afterStats.MemFree)
	assert.Equal(t, afterStats.MemFree, afterStats.MemAvailable)
}

func TestMemoryCollector_ImplementsCollector(t *testing.T) {
	frames := frame.New(64)
	collector, err := NewMemoryCollector(logr.Discard(), performance.CollectionConfig{}, frames)
	require.NoError(t, err)

	var _ performance.Collector = collector
	assert.Equal(t, performance.MetricTypeMemory, collector.Type())
}
