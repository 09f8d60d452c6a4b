// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package performance

import (
	"context"
	"fmt"
	"os"

	"github.com/go-logr/logr"
)

// Manager coordinates the collectors kcore points at its own host and
// feeds procfs's renderers (see pkg/vfs/procfs). There is exactly one
// Manager per kernel instance.
type Manager struct {
	config   CollectionConfig
	logger   logr.Logger
	registry *CollectorRegistry
	hostname string
}

type ManagerOptions struct {
	Config   CollectionConfig
	Logger   logr.Logger
	Hostname string
}

func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Logger.GetSink() == nil {
		return nil, fmt.Errorf("logger is required")
	}

	hostname := opts.Hostname
	if hostname == "" {
		hostname = os.Getenv("NODE_NAME")
		if hostname == "" {
			h, err := os.Hostname()
			if err != nil {
				return nil, fmt.Errorf("failed to get hostname: %w", err)
			}
			hostname = h
		}
	}

	// Apply defaults to config
	config := opts.Config
	config.ApplyDefaults()

	m := &Manager{
		config:   config,
		logger:   opts.Logger.WithName("performance-manager"),
		registry: NewCollectorRegistry(opts.Logger),
		hostname: hostname,
	}

	return m, nil
}

func (m *Manager) RegisterPointCollector(collector PointCollector) error {
	return m.registry.RegisterPoint(collector)
}

func (m *Manager) RegisterContinuousCollector(collector ContinuousCollector) error {
	return m.registry.RegisterContinuous(collector)
}

// GetRegistry returns the collector registry for inspection
func (m *Manager) GetRegistry() *CollectorRegistry {
	return m.registry
}

// GetConfig returns the current configuration
func (m *Manager) GetConfig() CollectionConfig {
	return m.config
}

// GetHostname returns the hostname this manager's collectors observe.
func (m *Manager) GetHostname() string {
	return m.hostname
}

// CollectAll runs every enabled point collector once and returns its
// result keyed by MetricType. A collector that fails is logged and left
// out of the map rather than aborting the rest, since procfs content
// generators (pkg/vfs/procfs) call this per-read and one failing
// collector shouldn't blank out every other synthetic file in the same
// pass.
func (m *Manager) CollectAll(ctx context.Context) map[MetricType]any {
	results := make(map[MetricType]any)
	for _, c := range m.registry.GetEnabledPoint(m.config) {
		data, err := c.Collect(ctx)
		if err != nil {
			m.logger.Error(err, "collector failed", "type", c.Type())
			continue
		}
		results[c.Type()] = data
	}
	return results
}
