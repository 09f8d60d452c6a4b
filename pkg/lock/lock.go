// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package lock implements POSIX advisory byte-range locking: add/remove
// with overlap-driven splitting and merging, and conflict detection
// with an optional interruptible wait.
package lock

import (
	"context"
	"sync"

	"github.com/kcore-project/kcore/pkg/errors"
)

type Type int

const (
	ReadLock Type = iota
	WriteLock
)

// Record is one lock record in a node's range-lock list.
type Record struct {
	Start, End int64 // End == -1 means "to EOF"
	Type       Type
	PID        int32
}

func (r Record) overlaps(start, end int64) bool {
	if r.End == -1 && end == -1 {
		return true
	}
	if r.End == -1 {
		return end >= r.Start
	}
	if end == -1 {
		return r.End >= start
	}
	return start <= r.End && end >= r.Start
}

// Table is one file node's advisory-lock list plus the wait channel
// woken on release or removal.
type Table struct {
	mu      sync.Mutex
	records []Record
	waiters []chan struct{}
}

func NewTable() *Table { return &Table{} }

// CanAcquire scans for a conflicting record: any lock held by a
// different pid where either side is a write lock. It returns the
// conflicting record (for an F_GETLK-style report) when found.
func (t *Table) CanAcquire(start, end int64, typ Type, pid int32) (conflict Record, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conflictLocked(start, end, typ, pid)
}

func (t *Table) conflictLocked(start, end int64, typ Type, pid int32) (Record, bool) {
	for _, r := range t.records {
		if r.PID == pid || !r.overlaps(start, end) {
			continue
		}
		if r.Type == WriteLock || typ == WriteLock {
			return r, true
		}
	}
	return Record{}, false
}

// Acquire atomically checks for a conflicting holder and installs the
// lock (the F_SETLK/F_SETLKW mutating path; F_GETLK is CanAcquire).
// With wait set the caller blocks until a release wakes it and
// re-checks; without it a conflict fails immediately with EAGAIN.
func (t *Table) Acquire(ctx context.Context, start, end int64, typ Type, pid int32, wait bool) error {
	for {
		t.mu.Lock()
		if _, found := t.conflictLocked(start, end, typ, pid); !found {
			t.addLocked(start, end, typ, pid)
			t.mu.Unlock()
			return nil
		}
		if !wait {
			t.mu.Unlock()
			return errors.EAGAIN
		}
		ch := make(chan struct{})
		t.waiters = append(t.waiters, ch)
		t.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return errors.ERESTARTSYS
		}
	}
}

// Flock implements flock(2) semantics on the same table: a whole-file
// lock (the open-ended range starting at 0). A second Flock by the same
// pid converts the existing lock's type in place.
func (t *Table) Flock(ctx context.Context, pid int32, typ Type, noWait bool) error {
	return t.Acquire(ctx, 0, -1, typ, pid, !noWait)
}

// Funlock releases a pid's flock (and any fcntl records it holds).
func (t *Table) Funlock(pid int32) {
	t.RemoveAllByPID(pid)
}

// Wait blocks the caller until the next release/removal notification,
// or ctx is done (mapped to ERESTARTSYS so the syscall layer can decide
// whether to restart per SA_RESTART).
func (t *Table) Wait(ctx context.Context) error {
	t.mu.Lock()
	ch := make(chan struct{})
	t.waiters = append(t.waiters, ch)
	t.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return errors.ERESTARTSYS
	}
}

func (t *Table) wakeAll() {
	for _, ch := range t.waiters {
		close(ch)
	}
	t.waiters = nil
}

// Add implements add_lock: merge or split existing records so the new
// range ends up covered by exactly one type per byte, per the five
// overlap cases (new range fully covers old, partial-left, partial-
// right, fully contained).
func (t *Table) Add(start, end int64, typ Type, pid int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addLocked(start, end, typ, pid)
}

func (t *Table) addLocked(start, end int64, typ Type, pid int32) {
	var kept []Record
	inserted := false
	insertNew := func() {
		if !inserted {
			kept = append(kept, Record{Start: start, End: end, Type: typ, PID: pid})
			inserted = true
		}
	}

	for _, old := range t.records {
		if old.PID != pid || !old.overlaps(start, end) {
			kept = append(kept, old)
			continue
		}

		s, e := old.Start, old.End
		switch {
		case start <= s && coversEnd(end, e):
			// case 1: new fully covers old -> promote+extend, drop old
			// (the merged range is inserted once below)
		case start <= s && !coversEnd(end, e):
			// case 2
			if old.Type == typ {
				kept = append(kept, Record{Start: start, End: e, Type: typ, PID: pid})
				inserted = true
				continue
			}
			kept = append(kept, Record{Start: end + 1, End: e, Type: old.Type, PID: pid})
		case start > s && coversEnd(end, e):
			// case 3
			if old.Type == typ {
				kept = append(kept, Record{Start: s, End: end, Type: typ, PID: pid})
				inserted = true
				continue
			}
			kept = append(kept, Record{Start: s, End: start - 1, Type: old.Type, PID: pid})
		default:
			// case 4: new range strictly inside old
			if old.Type == typ {
				kept = append(kept, old)
				continue
			}
			kept = append(kept, Record{Start: s, End: start - 1, Type: old.Type, PID: pid})
			insertNew()
			kept = append(kept, Record{Start: end + 1, End: e, Type: old.Type, PID: pid})
		}
	}

	insertNew()
	t.records = kept
	t.wakeAll()
}

func coversEnd(newEnd, oldEnd int64) bool {
	if newEnd == -1 {
		return true
	}
	if oldEnd == -1 {
		return false
	}
	return newEnd >= oldEnd
}

// Remove trims or splits records of pid so that no lock bytes remain in
// [start,end] (end inclusive).
func (t *Table) Remove(start, end int64, pid int32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var kept []Record
	for _, r := range t.records {
		if r.PID != pid || !r.overlaps(start, end) {
			kept = append(kept, r)
			continue
		}
		if r.Start < start {
			kept = append(kept, Record{Start: r.Start, End: start - 1, Type: r.Type, PID: pid})
		}
		if coversRemainder(end, r.End) {
			kept = append(kept, Record{Start: end + 1, End: r.End, Type: r.Type, PID: pid})
		}
	}
	t.records = kept
	t.wakeAll()
}

func coversRemainder(removeEnd, recordEnd int64) bool {
	if recordEnd == -1 {
		return true
	}
	if removeEnd == -1 {
		return false
	}
	return removeEnd < recordEnd
}

// RemoveAllByPID drops every record owned by pid (task exit or
// last-close cleanup) and wakes waiters so they re-check.
func (t *Table) RemoveAllByPID(pid int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var kept []Record
	for _, r := range t.records {
		if r.PID != pid {
			kept = append(kept, r)
		}
	}
	t.records = kept
	t.wakeAll()
}

func (t *Table) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, len(t.records))
	copy(out, t.records)
	return out
}
