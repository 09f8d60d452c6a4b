// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package collectors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/kcore-project/kcore/pkg/performance"
	"github.com/kcore-project/kcore/pkg/performance/ringbuffer"
)

var _ performance.PointCollector = (*KernelCollector)(nil)

const defaultMessageLimit = 256

// KernelCollector is the simulator's printk ring: it IS a logr.LogSink
// (see Sink), not a reader of a real /dev/kmsg. Every subsystem that
// logs through the sink returned by Sink appends a KernelMessage here;
// Collect renders the bounded ring for /proc/kmsg the way the real
// kernel's log buffer backs dmesg.
type KernelCollector struct {
	performance.BaseCollector

	mu   sync.Mutex
	ring *ringbuffer.RingBuffer[*performance.KernelMessage]
	seq  uint64
}

type KernelCollectorOption func(*KernelCollector)

func WithMessageLimit(limit int) KernelCollectorOption {
	return func(c *KernelCollector) {
		if limit <= 0 {
			return
		}
		ring, err := ringbuffer.New[*performance.KernelMessage](limit)
		if err == nil {
			c.ring = ring
		}
	}
}

func NewKernelCollector(logger logr.Logger, config performance.CollectionConfig, opts ...KernelCollectorOption) (*KernelCollector, error) {
	capabilities := performance.CollectorCapabilities{
		SupportsOneShot:    true,
		SupportsContinuous: false,
	}

	ring, err := ringbuffer.New[*performance.KernelMessage](defaultMessageLimit)
	if err != nil {
		return nil, err
	}

	c := &KernelCollector{
		BaseCollector: performance.NewBaseCollector(
			performance.MetricTypeKernel,
			"Kernel Message Ring",
			logger,
			config,
			capabilities,
		),
		ring: ring,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Collect returns every buffered message, oldest first. It does not
// remove them from the ring.
func (c *KernelCollector) Collect(ctx context.Context) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ring.GetAll(), nil
}

// Sink returns a logr.LogSink that appends every record logged through
// it to this collector's ring, the simulated analogue of printk()
// writing into the kernel's log buffer. cmd/kcore tees its zap-backed
// logger through this sink so every subsystem's log calls also show up
// at /proc/kmsg.
func (c *KernelCollector) Sink() logr.LogSink {
	return &kernelSink{collector: c}
}

// kernelSink implements logr.LogSink. WithName/WithValues return a new
// kernelSink carrying the accumulated name/key-value context, the same
// way zapr threads WithName calls through nested loggers.
type kernelSink struct {
	collector *KernelCollector
	name      string
	kv        []any
}

func (s *kernelSink) Init(info logr.RuntimeInfo) {}

func (s *kernelSink) Enabled(level int) bool { return true }

func (s *kernelSink) Info(level int, msg string, kv ...any) {
	severity := uint8(performance.KernelSeverityInfo)
	if level > 0 {
		severity = uint8(performance.KernelSeverityDebug)
	}
	s.push(severity, msg, kv)
}

func (s *kernelSink) Error(err error, msg string, kv ...any) {
	s.push(uint8(performance.KernelSeverityError), fmt.Sprintf("%s: %v", msg, err), kv)
}

func (s *kernelSink) WithValues(kv ...any) logr.LogSink {
	return &kernelSink{collector: s.collector, name: s.name, kv: append(append([]any{}, s.kv...), kv...)}
}

func (s *kernelSink) WithName(name string) logr.LogSink {
	full := name
	if s.name != "" {
		full = s.name + "." + name
	}
	return &kernelSink{collector: s.collector, name: full, kv: s.kv}
}

func (s *kernelSink) push(severity uint8, msg string, kv []any) {
	all := kv
	if len(s.kv) > 0 {
		all = append(append([]any{}, s.kv...), kv...)
	}
	if len(all) > 0 {
		msg = fmt.Sprintf("%s %v", msg, all)
	}

	c := s.collector
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.ring.Push(&performance.KernelMessage{
		Timestamp:   time.Now(),
		Severity:    severity,
		SequenceNum: c.seq,
		Message:     msg,
		Subsystem:   s.name,
	})
}
