// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package vfs

import (
	"sync"

	"github.com/kcore-project/kcore/pkg/errors"
)

// OpenFile is one open-file description: a Node plus the cursor and
// flags private to this open() call (several fds in several tasks may
// share one OpenFile after dup/fork).
type OpenFile struct {
	mu    sync.Mutex
	Node  *Node
	Pos   int64
	Flags int
	refs  int32
}

func (f *OpenFile) Seek(off int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch whence {
	case 0:
		f.Pos = off
	case 1:
		f.Pos += off
	case 2:
		f.Pos = f.Node.Size + off
	default:
		return 0, errors.EINVAL
	}
	if f.Pos < 0 {
		f.Pos = 0
		return 0, errors.EINVAL
	}
	return f.Pos, nil
}

func (f *OpenFile) Read(p []byte) (int, error) {
	f.mu.Lock()
	pos := f.Pos
	f.mu.Unlock()
	n, err := f.Node.ReadAt(p, pos)
	if n > 0 {
		f.mu.Lock()
		f.Pos += int64(n)
		f.mu.Unlock()
	}
	return n, err
}

func (f *OpenFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	pos := f.Pos
	f.mu.Unlock()
	n, err := f.Node.WriteAt(p, pos)
	if n > 0 {
		f.mu.Lock()
		f.Pos += int64(n)
		f.mu.Unlock()
	}
	return n, err
}

// FDFlags is a per-descriptor flag independent of the shared OpenFile
// (close-on-exec lives here, not on OpenFile, since dup2 onto a
// different fd number must not carry it along).
type FDFlags int

const CloseOnExec FDFlags = 1

type fd struct {
	file  *OpenFile
	flags FDFlags
}

// FDTable is a task's indexed slot array of open descriptors.
type FDTable struct {
	mu    sync.Mutex
	slots []*fd
}

const maxFDs = 1024

func NewFDTable() *FDTable { return &FDTable{} }

// Install places file at the lowest free descriptor number >= minFD.
func (t *FDTable) Install(file *OpenFile, minFD int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := minFD; i < maxFDs; i++ {
		for len(t.slots) <= i {
			t.slots = append(t.slots, nil)
		}
		if t.slots[i] == nil {
			file.refs++
			t.slots[i] = &fd{file: file}
			return i, nil
		}
	}
	return 0, errors.EMFILE
}

func (t *FDTable) Get(n int) (*OpenFile, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n < 0 || n >= len(t.slots) || t.slots[n] == nil {
		return nil, errors.EBADF
	}
	return t.slots[n].file, nil
}

// Close drops the descriptor; the OpenFile (and its Node) is released
// via closeFn once its last referencing fd is gone.
func (t *FDTable) Close(n int, closeFn func(*OpenFile)) error {
	t.mu.Lock()
	if n < 0 || n >= len(t.slots) || t.slots[n] == nil {
		t.mu.Unlock()
		return errors.EBADF
	}
	f := t.slots[n]
	t.slots[n] = nil
	f.file.refs--
	last := f.file.refs == 0
	t.mu.Unlock()
	if last && closeFn != nil {
		closeFn(f.file)
	}
	return nil
}

// Dup2 installs the same OpenFile at newFD, closing whatever was there
// first (per dup2(2): it is a no-op if oldFD == newFD).
func (t *FDTable) Dup2(oldFD, newFD int, closeFn func(*OpenFile)) error {
	of, err := t.Get(oldFD)
	if err != nil {
		return err
	}
	if oldFD == newFD {
		return nil
	}
	_ = t.Close(newFD, closeFn)
	t.mu.Lock()
	for len(t.slots) <= newFD {
		t.slots = append(t.slots, nil)
	}
	of.refs++
	t.slots[newFD] = &fd{file: of}
	t.mu.Unlock()
	return nil
}

// Clone copies the slot array for fork, sharing OpenFile pointers
// (fork semantics: parent and child share the file offset).
func (t *FDTable) Clone() *FDTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := &FDTable{slots: make([]*fd, len(t.slots))}
	for i, f := range t.slots {
		if f == nil {
			continue
		}
		f.file.refs++
		out.slots[i] = &fd{file: f.file, flags: f.flags}
	}
	return out
}

// CloseOnExecAll closes every descriptor flagged CloseOnExec, per
// execve(2) semantics.
func (t *FDTable) CloseOnExecAll(closeFn func(*OpenFile)) {
	t.mu.Lock()
	var toClose []int
	for i, f := range t.slots {
		if f != nil && f.flags&CloseOnExec != 0 {
			toClose = append(toClose, i)
		}
	}
	t.mu.Unlock()
	for _, i := range toClose {
		_ = t.Close(i, closeFn)
	}
}

func (t *FDTable) SetCloseOnExec(n int, set bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n < 0 || n >= len(t.slots) || t.slots[n] == nil {
		return errors.EBADF
	}
	if set {
		t.slots[n].flags |= CloseOnExec
	} else {
		t.slots[n].flags &^= CloseOnExec
	}
	return nil
}
