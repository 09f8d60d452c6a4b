// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package irq implements the driver interrupt-handler contract: a
// bounded queue of fired interrupts consumed by a kernel worker, with
// each registered handler reporting whether it recognized the
// interrupt as its own.
package irq

import (
	"context"

	"github.com/kcore-project/kcore/pkg/errors"
)

// Result is a driver handler's verdict for one interrupt line.
type Result int

const (
	Handled Result = iota
	NotMine
)

// Handler is a driver's top-half: it must not block.
type Handler func(line int) Result

const queueCap = 256

// Event is one fired interrupt queued for the worker.
type Event struct {
	Line int
}

// Dispatcher routes fired lines to registered handlers in registration
// order, stopping at the first one that claims Handled; an unclaimed
// interrupt is a spurious-interrupt condition the worker drops.
type Dispatcher struct {
	handlers map[int][]Handler
	queue    chan Event
	wake     map[int]chan struct{}
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[int][]Handler),
		queue:    make(chan Event, queueCap),
		wake:     make(map[int]chan struct{}),
	}
}

// Register adds h as a candidate handler for line (shared lines support
// multiple drivers probing in order).
func (d *Dispatcher) Register(line int, h Handler) {
	d.handlers[line] = append(d.handlers[line], h)
}

// RegisterWake associates a wake channel with line: the worker closes and
// replaces it whenever a handler claims an interrupt on the line (an
// unclaimed one leaves it open), letting a blocked reader (e.g. a
// device's waitqueue) notice without polling.
func (d *Dispatcher) RegisterWake(line int) <-chan struct{} {
	ch := make(chan struct{})
	d.wake[line] = ch
	return ch
}

// Fire enqueues an interrupt for the worker; it never blocks the
// "hardware" caller, matching a real top-half's non-blocking contract.
// An event dropped because the queue is full is a lost interrupt, which
// callers should treat as a hardware-overrun condition to log.
func (d *Dispatcher) Fire(line int) bool {
	select {
	case d.queue <- Event{Line: line}:
		return true
	default:
		return false
	}
}

// Run is the kernel worker: it drains queued events, invokes handlers
// in order until one claims the interrupt, and wakes any registered
// waiter. It returns when ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-d.queue:
			d.dispatch(ev)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Dispatcher) dispatch(ev Event) {
	claimed := false
	for _, h := range d.handlers[ev.Line] {
		if h(ev.Line) == Handled {
			claimed = true
			break
		}
	}
	if ch, ok := d.wake[ev.Line]; ok && claimed {
		close(ch)
		d.wake[ev.Line] = make(chan struct{})
	}
}

// Drain processes every currently queued event without blocking on ctx,
// for tests and for a one-shot poll mode.
func (d *Dispatcher) Drain() (processed int, err error) {
	for {
		select {
		case ev := <-d.queue:
			d.dispatch(ev)
			processed++
		default:
			if processed == 0 {
				return 0, errors.EAGAIN
			}
			return processed, nil
		}
	}
}
