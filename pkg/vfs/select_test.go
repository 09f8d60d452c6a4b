// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package vfs

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollReturnsImmediatelyWhenReady(t *testing.T) {
	a := newNode(Ident{Dev: 1, Ino: 1}, nil)
	b := newNode(Ident{Dev: 1, Ino: 2}, nil)

	readyMap := map[*Node]bool{b: true}
	out, err := Poll(nil, time.Time{}, []*Node{a, b}, func(n *Node) bool { return readyMap[n] })
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Same(t, b, out[0])
}

func TestPollWakesOnNotify(t *testing.T) {
	n := newNode(Ident{Dev: 1, Ino: 1}, nil)

	var mu sync.Mutex
	isReady := false

	done := make(chan []*Node, 1)
	go func() {
		out, _ := Poll(nil, time.Time{}, []*Node{n}, func(*Node) bool {
			mu.Lock()
			defer mu.Unlock()
			return isReady
		})
		done <- out
	}()

	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	isReady = true
	mu.Unlock()
	n.NotifySelect()

	out := <-done
	require.Len(t, out, 1)
	assert.Same(t, n, out[0])
}

func TestPollTimesOutAtDeadline(t *testing.T) {
	n := newNode(Ident{Dev: 1, Ino: 1}, nil)
	start := time.Now()
	out, err := Poll(nil, start.Add(20*time.Millisecond), []*Node{n}, func(*Node) bool { return false })
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestPollInterruptedReturnsRestartable(t *testing.T) {
	n := newNode(Ident{Dev: 1, Ino: 1}, nil)
	ctxDone := make(chan struct{})
	close(ctxDone)
	_, err := Poll(ctxDone, time.Time{}, []*Node{n}, func(*Node) bool { return false })
	assert.Error(t, err)
}
