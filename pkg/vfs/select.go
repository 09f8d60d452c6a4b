// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package vfs

import (
	"time"

	"github.com/kcore-project/kcore/pkg/errors"
)

// selectChan snapshots the node's current wake channel. Grabbing the
// channel before testing readiness is what makes Poll race-free: a
// NotifySelect that fires after the snapshot closes the snapshotted
// channel, so the waiter cannot sleep through it.
func (n *Node) selectChan() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.selectWake
}

// Poll is the select/poll core: it returns the subset of nodes that
// satisfy ready, blocking until at least one does, the deadline passes
// (nil result, nil error), or ctxDone fires first (ERESTARTSYS, so the
// syscall layer can apply the usual restart-vs-EINTR decision). A zero
// deadline means no timeout.
func Poll(ctxDone <-chan struct{}, deadline time.Time, nodes []*Node, ready func(*Node) bool) ([]*Node, error) {
	for {
		quit := make(chan struct{})
		agg := make(chan struct{}, 1)
		for _, n := range nodes {
			go func(ch <-chan struct{}) {
				select {
				case <-ch:
					select {
					case agg <- struct{}{}:
					default:
					}
				case <-quit:
				}
			}(n.selectChan())
		}

		var out []*Node
		for _, n := range nodes {
			if ready(n) {
				out = append(out, n)
			}
		}
		if len(out) > 0 {
			close(quit)
			return out, nil
		}

		var timeout <-chan time.Time
		var timer *time.Timer
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d <= 0 {
				close(quit)
				return nil, nil
			}
			timer = time.NewTimer(d)
			timeout = timer.C
		}

		select {
		case <-agg:
		case <-timeout:
			close(quit)
			return nil, nil
		case <-ctxDone:
			close(quit)
			if timer != nil {
				timer.Stop()
			}
			return nil, errors.ERESTARTSYS
		}
		close(quit)
		if timer != nil {
			timer.Stop()
		}
	}
}
