// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package vfs implements the node cache, dentry cache, and mount table
// that sit between syscalls and each filesystem's FSOps vtable.
// Concrete filesystems (devfs, procfs, tmpfs, pipefs, diskfs)
// live in subpackages and plug in by implementing FSOps.
package vfs

import (
	"sync"
	"time"

	"github.com/kcore-project/kcore/pkg/errors"
	"github.com/kcore-project/kcore/pkg/lock"
)

// NRInode bounds the in-core node table.
const NRInode = 4096

// NodeType classifies a Node's on-disk/synthetic kind.
type NodeType int

const (
	TypeRegular NodeType = iota
	TypeDirectory
	TypeSymlink
	TypeCharDevice
	TypeBlockDevice
	TypeFIFO
)

// Ident is a node's (device, inode) identity, the node table's lookup key.
type Ident struct {
	Dev uint32
	Ino uint64
}

// FSOps is the per-filesystem operation vtable.
// A filesystem need only implement the methods relevant to its nodes;
// unsupported operations return errors.ENOSYS.
type FSOps interface {
	ReadInode(n *Node) error
	WriteInode(n *Node) error
	// Bmap converts a logical block number to a physical one. mode
	// selects between a plain lookup, allocate-on-miss, and free.
	Bmap(n *Node, logical int64, mode BmapMode) (int64, error)
	ReadAt(n *Node, p []byte, off int64) (int, error)
	WriteAt(n *Node, p []byte, off int64) (int, error)
	// Finddir resolves name within directory n.
	Finddir(n *Node, name string) (Ident, error)
	Getdents(n *Node) ([]Dirent, error)
	Mkdir(n *Node, name string, mode uint32) (Ident, error)
	Addir(n *Node, name string, child Ident) error
	Deldir(n *Node, name string) error
}

type BmapMode int

const (
	BmapRead BmapMode = iota
	BmapCreate
	BmapFree
)

// Dirent is one entry returned by getdents.
type Dirent struct {
	Name string
	Ino  uint64
	Type NodeType
}

// Node is the in-core inode.
type Node struct {
	mu sync.Mutex

	Ident Ident
	Type  NodeType
	Mode  uint32
	UID   uint32
	GID   uint32

	Size  int64
	Links int
	ref   int

	Mtime, Ctime time.Time

	Dirty     bool
	Stale     bool
	KeepInCore bool

	Ops FSOps

	Locks *lock.Table

	// mappedBy counts outstanding MemRegion references into this node's
	// pages: physical-frame release is deferred until the last
	// mapping referencing the node is torn down.
	mappedBy int

	selectWake chan struct{}
}

func newNode(id Ident, ops FSOps) *Node {
	return &Node{Ident: id, Ops: ops, selectWake: make(chan struct{}), Mtime: time.Now(), Ctime: time.Now()}
}

// NewDetachedNode constructs a node that lives outside the cache table,
// for synthetic filesystems that mint nodes directly (pipefs's
// anonymous pipes have no (dev, ino) another task could look up).
func NewDetachedNode(id Ident, typ NodeType, ops FSOps) *Node {
	n := newNode(id, ops)
	n.Type = typ
	n.ref = 1
	return n
}

func (n *Node) Ref() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ref
}

func (n *Node) incRef() {
	n.mu.Lock()
	n.ref++
	n.mu.Unlock()
}

// MapRef/UnmapRef track outstanding MemRegion bindings (mmap), per the
// deferred-release Open Question decision.
func (n *Node) MapRef()   { n.mu.Lock(); n.mappedBy++; n.mu.Unlock() }
func (n *Node) UnmapRef() { n.mu.Lock(); n.mappedBy--; n.mu.Unlock() }

func (n *Node) hasMappings() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.mappedBy > 0
}

// ReadAt satisfies memregion.Backing so a Node can demand-page directly
// into a MemRegion without memregion importing vfs.
func (n *Node) ReadAt(p []byte, off int64) (int, error) {
	return n.Ops.ReadAt(n, p, off)
}

func (n *Node) WriteAt(p []byte, off int64) (int, error) {
	n.mu.Lock()
	n.Dirty = true
	n.mu.Unlock()
	return n.Ops.WriteAt(n, p, off)
}

// Truncate implements logical truncate: on
// shrink it frees now-unused logical blocks via Bmap(..., BmapFree); on
// grow it does nothing eagerly (sparse), relying on WriteAt/Bmap(...,
// BmapCreate) to allocate on demand.
func (n *Node) Truncate(size int64) error {
	n.mu.Lock()
	old := n.Size
	n.mu.Unlock()

	if size < old {
		const blockSize = 4096
		firstFreedBlock := (size + blockSize - 1) / blockSize
		lastBlock := (old - 1) / blockSize
		for lb := firstFreedBlock; lb <= lastBlock; lb++ {
			if _, err := n.Ops.Bmap(n, lb, BmapFree); err != nil {
				return err
			}
		}
	}

	n.mu.Lock()
	n.Size = size
	n.Mtime = time.Now()
	n.Ctime = time.Now()
	n.Dirty = true
	n.mu.Unlock()
	return nil
}

// WaitSelect blocks until the node's select channel is signalled (a new
// line of input, new data to read, ...) or ctxDone fires.
func (n *Node) WaitSelect(ctxDone <-chan struct{}) {
	n.mu.Lock()
	ch := n.selectWake
	n.mu.Unlock()
	select {
	case <-ch:
	case <-ctxDone:
	}
}

func (n *Node) NotifySelect() {
	n.mu.Lock()
	old := n.selectWake
	n.selectWake = make(chan struct{})
	n.mu.Unlock()
	close(old)
}

// Table is the fixed-size, open-addressed node cache: Get scans for
// (dev,ino), evicting the oldest unreferenced
// entry when full.
type Table struct {
	mu    sync.Mutex
	nodes []*Node
}

func NewTable() *Table {
	return &Table{nodes: make([]*Node, 0, NRInode)}
}

// Get returns the cached node for id, calling ops.ReadInode to populate
// a fresh entry on a cache miss.
func (t *Table) Get(id Ident, ops FSOps) (*Node, error) {
	t.mu.Lock()
	for _, n := range t.nodes {
		if n.Ident == id {
			n.incRef()
			t.mu.Unlock()
			return n, nil
		}
	}

	n := newNode(id, ops)
	n.Stale = true
	if len(t.nodes) >= NRInode {
		if !t.evictLocked() {
			t.mu.Unlock()
			return nil, errors.ENFILE
		}
	}
	t.nodes = append(t.nodes, n)
	t.mu.Unlock()

	if err := ops.ReadInode(n); err != nil {
		return nil, err
	}
	n.mu.Lock()
	n.Stale = false
	n.ref = 1
	n.mu.Unlock()
	return n, nil
}

// evictLocked drops the first ref==0, non-KeepInCore node, flushing it
// if dirty. Caller holds t.mu.
func (t *Table) evictLocked() bool {
	for i, n := range t.nodes {
		n.mu.Lock()
		evictable := n.ref == 0 && !n.KeepInCore
		dirty := n.Dirty
		n.mu.Unlock()
		if !evictable {
			continue
		}
		if dirty {
			_ = n.Ops.WriteInode(n)
		}
		t.nodes = append(t.nodes[:i], t.nodes[i+1:]...)
		return true
	}
	return false
}

// Put drops a reference; at ref==0 it releases the node: unlinked
// nodes are truncated and freed on-disk, dirty
// nodes are written back. Physical-frame release for outstanding
// mappings is the caller's (memregion/task exec) responsibility and is
// deferred until Node.hasMappings() is false.
func (t *Table) Put(n *Node) error {
	n.mu.Lock()
	n.ref--
	ref := n.ref
	links := n.Links
	dirty := n.Dirty
	n.mu.Unlock()

	if ref > 0 {
		return nil
	}
	if n.hasMappings() {
		return nil
	}
	if links == 0 {
		if err := n.Truncate(0); err != nil {
			return err
		}
		return nil
	}
	if dirty {
		return n.Ops.WriteInode(n)
	}
	return nil
}
