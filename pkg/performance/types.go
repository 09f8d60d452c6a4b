// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package performance

import (
	"time"
)

// MetricType represents the type of performance metric
type MetricType string

const (
	MetricTypeMemory MetricType = "memory"
	MetricTypeCPU    MetricType = "cpu"
	MetricTypeKernel MetricType = "kernel"
)

// CollectorStatus represents the operational status of a collector
type CollectorStatus string

const (
	CollectorStatusActive   CollectorStatus = "active"
	CollectorStatusDegraded CollectorStatus = "degraded"
	CollectorStatusFailed   CollectorStatus = "failed"
	CollectorStatusDisabled CollectorStatus = "disabled"
)

// Snapshot represents a complete performance snapshot at a point in time
type Snapshot struct {
	Timestamp    time.Time
	Hostname     string
	CollectorRun CollectorRunInfo
	Metrics      Metrics
}

// CollectorRunInfo contains metadata about a collector run
type CollectorRunInfo struct {
	Duration       time.Duration
	CollectorStats map[MetricType]CollectorStat
}

// CollectorStat tracks individual collector performance
type CollectorStat struct {
	Status   CollectorStatus
	Duration time.Duration
	Error    error
	Data     any // The actual collected data
}

// Metrics contains all collected performance metrics
type Metrics struct {
	Memory *MemoryStats
	CPU    []CPUStats
	Kernel []KernelMessage
}

// MemoryStats represents memory usage information, rendered by
// MemoryCollector from pkg/frame's physical frame allocator (see
// pkg/performance/collectors).
type MemoryStats struct {
	// Basic memory stats (all values in kB, matching /proc/meminfo's units)
	MemTotal     uint64 // MemTotal: Total usable RAM
	MemFree      uint64 // MemFree: Free memory
	MemAvailable uint64 // MemAvailable: Available memory for starting new applications
	Buffers      uint64 // Buffers: Memory in buffer cache
	Cached       uint64 // Cached: Memory in page cache (excluding SwapCached)
	SwapCached   uint64 // SwapCached: Memory that was swapped out and is now back in RAM
	// Active/Inactive memory
	Active   uint64 // Active: Memory that has been used recently
	Inactive uint64 // Inactive: Memory that hasn't been used recently
	// Swap stats
	SwapTotal uint64 // SwapTotal: Total swap space
	SwapFree  uint64 // SwapFree: Unused swap space
	// Dirty pages
	Dirty     uint64 // Dirty: Memory waiting to be written back to disk
	Writeback uint64 // Writeback: Memory actively being written back to disk
	// Anonymous memory
	AnonPages uint64 // AnonPages: Non-file backed pages mapped into userspace
	Mapped    uint64 // Mapped: Files which have been mapped into memory
	Shmem     uint64 // Shmem: Total shared memory
	// Slab allocator
	Slab         uint64 // Slab: Total slab allocator memory
	SReclaimable uint64 // SReclaimable: Reclaimable slab memory
	SUnreclaim   uint64 // SUnreclaim: Unreclaimable slab memory
	// Kernel memory
	KernelStack uint64 // KernelStack: Memory used by kernel stacks
	PageTables  uint64 // PageTables: Memory used by page tables
	// Memory commit
	CommitLimit uint64 // CommitLimit: Total amount of memory that can be allocated
	CommittedAS uint64 // Committed_AS: Total committed memory
	// Virtual memory
	VmallocTotal uint64 // VmallocTotal: Total size of vmalloc virtual address space
	VmallocUsed  uint64 // VmallocUsed: Used vmalloc area
	// HugePages
	HugePages_Total uint64 // HugePages_Total: Total number of hugepages
	HugePages_Free  uint64 // HugePages_Free: Number of free hugepages
	HugePagesize    uint64 // Hugepagesize: Default hugepage size (in kB)
}

// CPUStats represents per-CPU statistics, rendered by CPUCollector from
// pkg/smp's per-CPU state (see pkg/performance/collectors).
type CPUStats struct {
	// CPU index (-1 for aggregate "cpu" line, 0+ for "cpu0", "cpu1", etc.)
	CPUIndex int32
	// Time spent in different CPU states (USER_HZ units, matching /proc/stat)
	User    uint64 // Time in user mode
	Nice    uint64 // Time in user mode with low priority (nice)
	System  uint64 // Time in system mode
	Idle    uint64 // Time spent idle
	IOWait  uint64 // Time waiting for I/O completion
	IRQ     uint64 // Time servicing interrupts
	SoftIRQ uint64 // Time servicing softirqs
	// Calculated fields
	Utilization float64 // Percentage 0-100
	// Delta values for rate calculation
	DeltaTotal uint64
}

// KernelMessage represents one entry in the simulated kernel log ring
// (see pkg/performance/collectors's KernelCollector), rendered at
// /proc/kmsg by pkg/vfs/procfs.
type KernelMessage struct {
	Timestamp   time.Time
	Facility    uint8
	Severity    uint8
	SequenceNum uint64
	Message     string
	Subsystem   string
}

// KernelSeverity represents kernel message severity levels
type KernelSeverity uint8

const (
	KernelSeverityEmergency KernelSeverity = 0
	KernelSeverityAlert     KernelSeverity = 1
	KernelSeverityCritical  KernelSeverity = 2
	KernelSeverityError     KernelSeverity = 3
	KernelSeverityWarning   KernelSeverity = 4
	KernelSeverityNotice    KernelSeverity = 5
	KernelSeverityInfo      KernelSeverity = 6
	KernelSeverityDebug     KernelSeverity = 7
)

// CollectionConfig represents configuration for performance collection
type CollectionConfig struct {
	Interval          time.Duration
	EnabledCollectors map[MetricType]bool
}

// DefaultCollectionConfig returns a default configuration
func DefaultCollectionConfig() CollectionConfig {
	return CollectionConfig{
		Interval: time.Second,
		EnabledCollectors: map[MetricType]bool{
			MetricTypeMemory: true,
			MetricTypeCPU:    true,
			MetricTypeKernel: true,
		},
	}
}

// ApplyDefaults fills in zero values with defaults
func (c *CollectionConfig) ApplyDefaults() {
	defaults := DefaultCollectionConfig()

	if c.Interval == 0 {
		c.Interval = defaults.Interval
	}
	if c.EnabledCollectors == nil {
		c.EnabledCollectors = defaults.EnabledCollectors
	}
}
