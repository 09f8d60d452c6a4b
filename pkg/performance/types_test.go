// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package performance

import (
	"testing"
	"time"
)

func TestCollectionConfig_ApplyDefaults(t *testing.T) {
	tests := []struct {
		name     string
		input    CollectionConfig
		expected CollectionConfig
	}{
		{
			name:  "empty config gets all defaults",
			input: CollectionConfig{},
			expected: CollectionConfig{
				Interval: time.Second,
				EnabledCollectors: map[MetricType]bool{
					MetricTypeMemory: true,
					MetricTypeCPU:    true,
					MetricTypeKernel: true,
				},
			},
		},
		{
			name: "partial config keeps user values",
			input: CollectionConfig{
				Interval: 5 * time.Second,
			},
			expected: CollectionConfig{
				Interval: 5 * time.Second, // User value kept
				EnabledCollectors: map[MetricType]bool{ // Default applied
					MetricTypeMemory: true,
					MetricTypeCPU:    true,
					MetricTypeKernel: true,
				},
			},
		},
		{
			name: "enabled collectors partial override",
			input: CollectionConfig{
				EnabledCollectors: map[MetricType]bool{
					MetricTypeMemory: false,
					MetricTypeCPU:    true,
				},
			},
			expected: CollectionConfig{
				Interval: time.Second,
				EnabledCollectors: map[MetricType]bool{
					MetricTypeMemory: false, // User override
					MetricTypeCPU:    true,  // User value
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := tt.input
			config.ApplyDefaults()

			if config.Interval != tt.expected.Interval {
				t.Errorf("Interval = %v, want %v", config.Interval, tt.expected.Interval)
			}

			if len(config.EnabledCollectors) != len(tt.expected.EnabledCollectors) {
				t.Errorf("EnabledCollectors length = %v, want %v", len(config.EnabledCollectors), len(tt.expected.EnabledCollectors))
			}
			for k, v := range tt.expected.EnabledCollectors {
				if config.EnabledCollectors[k] != v {
					t.Errorf("EnabledCollectors[%v] = %v, want %v", k, config.EnabledCollectors[k], v)
				}
			}
		})
	}
}
