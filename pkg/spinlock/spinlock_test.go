// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package spinlock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutexTracksHolder(t *testing.T) {
	m := New()
	assert.Equal(t, int32(-1), m.Holder())

	m.Lock(2)
	assert.Equal(t, int32(2), m.Holder())
	m.Unlock()
	assert.Equal(t, int32(-1), m.Holder())
}

func TestMutexReentrantLockPanics(t *testing.T) {
	m := New()
	m.Lock(0)
	assert.Panics(t, func() { m.Lock(0) })
}

func TestTryLockFailsWhileHeld(t *testing.T) {
	m := New()
	require.True(t, m.TryLock(0))
	assert.False(t, m.TryLock(1))
	m.Unlock()
	assert.True(t, m.TryLock(1))
}

func TestMutexExcludesConcurrentHolders(t *testing.T) {
	m := New()
	var counter int
	var wg sync.WaitGroup
	for cpu := int32(0); cpu < 8; cpu++ {
		wg.Add(1)
		go func(id int32) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				m.Lock(id)
				counter++
				m.Unlock()
			}
		}(cpu)
	}
	wg.Wait()
	assert.Equal(t, 8000, counter)
}

func TestElevatedSavesAndRestoresPreemptFlag(t *testing.T) {
	e := NewElevated()
	preemptEnabled := true
	disable := func() bool {
		prev := preemptEnabled
		preemptEnabled = false
		return prev
	}
	restore := func(prev bool) { preemptEnabled = prev }

	e.Lock(0, disable)
	assert.False(t, preemptEnabled, "preemption disabled while held")
	e.Unlock(restore)
	assert.True(t, preemptEnabled, "prior preemption state restored")
}
