// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package collectors

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/kcore-project/kcore/pkg/frame"
	"github.com/kcore-project/kcore/pkg/performance"
)

var _ performance.PointCollector = (*MemoryCollector)(nil)

// MemoryCollector renders /proc/meminfo content from kcore's own
// physical frame allocator (pkg/frame) rather than a host's real
// /proc/meminfo: kcore has no page cache, swap, or hugepage subsystem
// of its own, so those fields report zero instead of being parsed from
// somewhere that doesn't exist in the simulator.
type MemoryCollector struct {
	performance.BaseCollector
	frames *frame.Allocator
}

func NewMemoryCollector(logger logr.Logger, config performance.CollectionConfig, frames *frame.Allocator) (*MemoryCollector, error) {
	capabilities := performance.CollectorCapabilities{
		SupportsOneShot:    true,
		SupportsContinuous: false,
	}

	return &MemoryCollector{
		BaseCollector: performance.NewBaseCollector(
			performance.MetricTypeMemory,
			"Simulated Memory Collector",
			logger,
			config,
			capabilities,
		),
		frames: frames,
	}, nil
}

// pageSizeKB is pkg/frame's PageSize expressed in kB, the unit every
// /proc/meminfo field is rendered in (see pkg/vfs/procfs's renderMeminfo).
const pageSizeKB = frame.PageSize / 1024

func (c *MemoryCollector) Collect(ctx context.Context) (any, error) {
	total := c.frames.Total() * pageSizeKB
	free := c.frames.Free() * pageSizeKB

	stats := &performance.MemoryStats{
		MemTotal: total,
		MemFree:  free,
		// No page cache or reclaimable-on-pressure accounting exists in
		// the simulator, so everything free is immediately available.
		MemAvailable: free,
	}

	c.Logger().V(1).Info("collected memory statistics", "totalKB", total, "freeKB", free)
	return stats, nil
}
