// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package collectors

import (
	"context"
	"errors"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kcore-project/kcore/pkg/performance"
)

func TestKernelCollector_SinkAppendsLoggedMessages(t *testing.T) {
	collector, err := NewKernelCollector(logr.Discard(), performance.CollectionConfig{})
	require.NoError(t, err)

	logger := logr.New(collector.Sink())
	logger.Info("frame allocator initialized", "total", 1024)
	logger.Error(errors.New("boom"), "page fault handling failed")

	result, err := collector.Collect(context.Background())
	require.NoError(t, err)
	messages, ok := result.([]*performance.KernelMessage)
	require.True(t, ok, "Expected []*performance.KernelMessage")
	require.Len(t, messages, 2)

	assert.Contains(t, messages[0].Message, "frame allocator initialized")
	assert.Equal(t, uint8(performance.KernelSeverityInfo), messages[0].Severity)
	assert.Equal(t, uint64(1), messages[0].SequenceNum)

	assert.Contains(t, messages[1].Message, "page fault handling failed")
	assert.Contains(t, messages[1].Message, "boom")
	assert.Equal(t, uint8(performance.KernelSeverityError), messages[1].Severity)
	assert.Equal(t, uint64(2), messages[1].SequenceNum)
}

func TestKernelCollector_WithNameTagsSubsystem(t *testing.T) {
	collector, err := NewKernelCollector(logr.Discard(), performance.CollectionConfig{})
	require.NoError(t, err)

	logger := logr.New(collector.Sink()).WithName("vmm").WithName("fault")
	logger.Info("resolved copy-on-write fault")

	result, err := collector.Collect(context.Background())
	require.NoError(t, err)
	messages := result.([]*performance.KernelMessage)
	require.Len(t, messages, 1)
	assert.Equal(t, "vmm.fault", messages[0].Subsystem)
}

func TestKernelCollector_RingDropsOldestOnOverflow(t *testing.T) {
	collector, err := NewKernelCollector(logr.Discard(), performance.CollectionConfig{}, WithMessageLimit(2))
	require.NoError(t, err)

	logger := logr.New(collector.Sink())
	logger.Info("first")
	logger.Info("second")
	logger.Info("third")

	result, err := collector.Collect(context.Background())
	require.NoError(t, err)
	messages := result.([]*performance.KernelMessage)
	require.Len(t, messages, 2)
	assert.Contains(t, messages[0].Message, "second")
	assert.Contains(t, messages[1].Message, "third")
}

func TestKernelCollector_ImplementsCollector(t *testing.T) {
	collector, err := NewKernelCollector(logr.Discard(), performance.CollectionConfig{})
	require.NoError(t, err)

	var _ performance.Collector = collector
	assert.Equal(t, performance.MetricTypeKernel, collector.Type())
}
