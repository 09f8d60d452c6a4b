// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package pipefs implements anonymous pipes: a ring buffer per pipe
// where readers block on empty and writers block on full, both
// interruptibly, with SIGPIPE generation once all readers have gone
// away.
package pipefs

import (
	"context"
	"sync"

	"github.com/kcore-project/kcore/pkg/errors"
	"github.com/kcore-project/kcore/pkg/vfs"
)

// Capacity matches a typical kernel pipe buffer (16 pages worth is
// overkill for a simulator; one page's worth is enough to demonstrate
// backpressure).
const Capacity = 4096

// SigPipeSender delivers SIGPIPE to the writer's task; wired in by the
// task layer so pipefs doesn't need to import it.
type SigPipeSender func()

// Pipe is one anonymous pipe: a bounded byte ring plus read/write
// refcounts used to detect "all readers closed" (broken pipe) and "all
// writers closed" (EOF on read).
type Pipe struct {
	mu        sync.Mutex
	buf       []byte
	readers   int
	writers   int
	notEmpty  chan struct{}
	notFull   chan struct{}
	SendSigPipe SigPipeSender
}

func NewPipe() *Pipe {
	return &Pipe{
		readers:  1,
		writers:  1,
		notEmpty: make(chan struct{}),
		notFull:  make(chan struct{}),
	}
}

func (p *Pipe) AddReader() { p.mu.Lock(); p.readers++; p.mu.Unlock() }
func (p *Pipe) AddWriter() { p.mu.Lock(); p.writers++; p.mu.Unlock() }

// CloseReader drops a reader reference; when the last reader is gone,
// blocked writers are woken so they can observe the broken pipe.
func (p *Pipe) CloseReader() {
	p.mu.Lock()
	p.readers--
	var old chan struct{}
	if p.readers == 0 {
		old = p.notFull
		p.notFull = make(chan struct{})
	}
	p.mu.Unlock()
	if old != nil {
		close(old)
	}
}

// CloseWriter drops a writer reference; when the last writer is gone,
// blocked readers are woken to observe EOF.
func (p *Pipe) CloseWriter() {
	p.mu.Lock()
	p.writers--
	var old chan struct{}
	if p.writers == 0 {
		old = p.notEmpty
		p.notEmpty = make(chan struct{})
	}
	p.mu.Unlock()
	if old != nil {
		close(old)
	}
}

// Write blocks while the ring is full and at least one reader remains;
// once the last reader is gone, a write raises EPIPE and (via
// SendSigPipe) SIGPIPE, matching "broken-pipe generates SIGPIPE on
// write after all readers close".
func (p *Pipe) Write(ctx context.Context, data []byte) (int, error) {
	written := 0
	for written < len(data) {
		p.mu.Lock()
		if p.readers == 0 {
			p.mu.Unlock()
			if p.SendSigPipe != nil {
				p.SendSigPipe()
			}
			if written > 0 {
				return written, nil
			}
			return 0, errors.EPIPE
		}
		room := Capacity - len(p.buf)
		if room == 0 {
			wait := p.notFull
			p.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return written, errors.ERESTARTSYS
			}
		}
		n := room
		if n > len(data)-written {
			n = len(data) - written
		}
		p.buf = append(p.buf, data[written:written+n]...)
		written += n
		old := p.notEmpty
		p.notEmpty = make(chan struct{})
		p.mu.Unlock()
		close(old)
	}
	return written, nil
}

// Read blocks while the ring is empty and at least one writer remains;
// once the last writer is gone, an empty read returns (0, nil) — EOF.
func (p *Pipe) Read(ctx context.Context, out []byte) (int, error) {
	for {
		p.mu.Lock()
		if len(p.buf) > 0 {
			n := copy(out, p.buf)
			p.buf = p.buf[n:]
			old := p.notFull
			p.notFull = make(chan struct{})
			p.mu.Unlock()
			close(old)
			return n, nil
		}
		if p.writers == 0 {
			p.mu.Unlock()
			return 0, nil
		}
		wait := p.notEmpty
		p.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return 0, errors.ERESTARTSYS
		}
	}
}

// NewNode wraps a Pipe as a vfs.Node of type FIFO.
func NewNode(ident vfs.Ident) (*vfs.Node, *Pipe) {
	pipe := NewPipe()
	ops := &fsOps{pipe: pipe}
	return vfs.NewDetachedNode(ident, vfs.TypeFIFO, ops), pipe
}

type fsOps struct {
	pipe *Pipe
}

func (o *fsOps) ReadInode(n *vfs.Node) error  { return nil }
func (o *fsOps) WriteInode(n *vfs.Node) error { return nil }
func (o *fsOps) Bmap(n *vfs.Node, logical int64, mode vfs.BmapMode) (int64, error) {
	return 0, errors.ENOSYS
}
func (o *fsOps) ReadAt(n *vfs.Node, p []byte, off int64) (int, error) {
	return o.pipe.Read(context.Background(), p)
}
func (o *fsOps) WriteAt(n *vfs.Node, p []byte, off int64) (int, error) {
	return o.pipe.Write(context.Background(), p)
}
func (o *fsOps) Finddir(n *vfs.Node, name string) (vfs.Ident, error) { return vfs.Ident{}, errors.ENOTDIR }
func (o *fsOps) Getdents(n *vfs.Node) ([]vfs.Dirent, error)          { return nil, errors.ENOTDIR }
func (o *fsOps) Mkdir(n *vfs.Node, name string, mode uint32) (vfs.Ident, error) {
	return vfs.Ident{}, errors.ENOTDIR
}
func (o *fsOps) Addir(n *vfs.Node, name string, child vfs.Ident) error { return errors.ENOTDIR }
func (o *fsOps) Deldir(n *vfs.Node, name string) error                 { return errors.ENOTDIR }
