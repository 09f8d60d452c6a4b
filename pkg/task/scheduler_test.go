// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPickScansHighestBandFirst(t *testing.T) {
	s := NewScheduler()
	tb := NewTable()

	low := tb.New()
	low.Priority = PriorityIdle
	high := tb.New()
	high.Priority = PriorityRealtime

	s.Enqueue(low, false)
	s.Enqueue(high, false)

	assert.Same(t, high, s.Pick(0))
	assert.Same(t, low, s.Pick(0))
}

func TestEnqueueFrontGivesWokenTaskPriorityWithinBand(t *testing.T) {
	s := NewScheduler()
	tb := NewTable()

	a := tb.New()
	b := tb.New()
	a.Priority, b.Priority = PriorityDefault, PriorityDefault

	s.Enqueue(a, false)
	s.Enqueue(b, true) // woken: jumps to the front of its band

	assert.Same(t, b, s.Pick(0))
	assert.Same(t, a, s.Pick(0))
}

func TestPickFallsBackToIdleWhenEmpty(t *testing.T) {
	s := NewScheduler()
	tb := NewTable()
	idle := tb.New()
	s.SetIdle(0, idle)

	assert.Same(t, idle, s.Pick(0))
}

func TestRemoveDropsFromBand(t *testing.T) {
	s := NewScheduler()
	tb := NewTable()
	a := tb.New()
	s.Enqueue(a, false)

	assert.True(t, s.Remove(a))
	assert.False(t, s.Remove(a), "already removed")
}

func TestContextSwitchReportsReloadOnlyOnPDChange(t *testing.T) {
	sw := NewSwitcher()
	tb := NewTable()
	a := tb.New()
	b := tb.New()

	assert.True(t, sw.ContextSwitch(0, a), "first switch on a core always reloads")
	assert.False(t, sw.ContextSwitch(0, b), "both tasks share the nil (kernel) page directory")
}
