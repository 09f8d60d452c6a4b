// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package tmpfs implements an in-memory filesystem: inode data lives in
// page-cache-like byte pages allocated from the tmpfs virtual region,
// never touching a block device.
package tmpfs

import (
	"sync"

	"github.com/kcore-project/kcore/pkg/errors"
	"github.com/kcore-project/kcore/pkg/vfs"
)

const pageSize = 4096

type dirEntry struct {
	name string
	id   vfs.Ident
	typ  vfs.NodeType
}

type inode struct {
	mu      sync.Mutex
	typ     vfs.NodeType
	mode    uint32
	pages   [][]byte
	size    int64
	entries []dirEntry
}

func (i *inode) pageFor(logical int64, create bool) []byte {
	for int64(len(i.pages)) <= logical {
		if !create {
			return nil
		}
		i.pages = append(i.pages, make([]byte, pageSize))
	}
	return i.pages[logical]
}

// Ops is tmpfs's FSOps: a map of Ident to in-memory inode, the pages
// allocated lazily on write.
type Ops struct {
	mu      sync.Mutex
	devID   uint32
	nodes   map[uint64]*inode
	nextIno uint64
}

const RootIno = 1

func New(devID uint32) *Ops {
	o := &Ops{devID: devID, nodes: make(map[uint64]*inode), nextIno: RootIno + 1}
	o.nodes[RootIno] = &inode{typ: vfs.TypeDirectory, mode: 0755}
	return o
}

func (o *Ops) Root() vfs.Ident { return vfs.Ident{Dev: o.devID, Ino: RootIno} }

// Create allocates a fresh inode of typ under no particular parent yet
// (the caller links it with Addir); used by syscall-layer open(O_CREAT)
// and mkdir.
func (o *Ops) Create(typ vfs.NodeType, mode uint32) vfs.Ident {
	o.mu.Lock()
	defer o.mu.Unlock()
	ino := o.nextIno
	o.nextIno++
	o.nodes[ino] = &inode{typ: typ, mode: mode}
	return vfs.Ident{Dev: o.devID, Ino: ino}
}

func (o *Ops) lookup(n *vfs.Node) (*inode, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	i, ok := o.nodes[n.Ident.Ino]
	if !ok {
		return nil, errors.ENOENT
	}
	return i, nil
}

func (o *Ops) ReadInode(n *vfs.Node) error {
	i, err := o.lookup(n)
	if err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	n.Type = i.typ
	n.Mode = i.mode
	n.Size = i.size
	n.Links = 1
	return nil
}

func (o *Ops) WriteInode(n *vfs.Node) error {
	i, err := o.lookup(n)
	if err != nil {
		return err
	}
	i.mu.Lock()
	i.mode = n.Mode
	i.mu.Unlock()
	return nil
}

// Bmap is a no-op translation: tmpfs's "logical block" IS the page
// index. BmapCreate grows the page slice and BmapFree drops one page's
// contents (its slot stays, set to nil) instead of touching a real
// block allocator.
func (o *Ops) Bmap(n *vfs.Node, logical int64, mode vfs.BmapMode) (int64, error) {
	i, err := o.lookup(n)
	if err != nil {
		return 0, err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	switch mode {
	case vfs.BmapFree:
		if logical < int64(len(i.pages)) {
			i.pages[logical] = nil
		}
		return 0, nil
	case vfs.BmapCreate:
		i.pageFor(logical, true)
		return logical, nil
	default:
		if logical >= int64(len(i.pages)) {
			return 0, errors.ENOENT
		}
		return logical, nil
	}
}

func (o *Ops) ReadAt(n *vfs.Node, p []byte, off int64) (int, error) {
	i, err := o.lookup(n)
	if err != nil {
		return 0, err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if off >= i.size {
		return 0, nil
	}
	total := 0
	for total < len(p) && off+int64(total) < i.size {
		logical := (off + int64(total)) / pageSize
		pageOff := (off + int64(total)) % pageSize
		page := i.pageFor(logical, false)
		if page == nil {
			break
		}
		n := copy(p[total:], page[pageOff:])
		if remain := i.size - (off + int64(total)); int64(n) > remain {
			n = int(remain)
		}
		total += n
	}
	return total, nil
}

func (o *Ops) WriteAt(n *vfs.Node, p []byte, off int64) (int, error) {
	i, err := o.lookup(n)
	if err != nil {
		return 0, err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	total := 0
	for total < len(p) {
		logical := (off + int64(total)) / pageSize
		pageOff := (off + int64(total)) % pageSize
		page := i.pageFor(logical, true)
		written := copy(page[pageOff:], p[total:])
		total += written
	}
	if end := off + int64(total); end > i.size {
		i.size = end
	}
	n.Size = i.size
	return total, nil
}

func (o *Ops) Finddir(n *vfs.Node, name string) (vfs.Ident, error) {
	i, err := o.lookup(n)
	if err != nil {
		return vfs.Ident{}, err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, e := range i.entries {
		if e.name == name {
			return e.id, nil
		}
	}
	return vfs.Ident{}, errors.ENOENT
}

func (o *Ops) Getdents(n *vfs.Node) ([]vfs.Dirent, error) {
	i, err := o.lookup(n)
	if err != nil {
		return nil, err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	out := []vfs.Dirent{{Name: ".", Ino: n.Ident.Ino}, {Name: "..", Ino: n.Ident.Ino}}
	for _, e := range i.entries {
		out = append(out, vfs.Dirent{Name: e.name, Ino: e.id.Ino, Type: e.typ})
	}
	return out, nil
}

func (o *Ops) Mkdir(n *vfs.Node, name string, mode uint32) (vfs.Ident, error) {
	id := o.Create(vfs.TypeDirectory, mode)
	if err := o.Addir(n, name, id); err != nil {
		return vfs.Ident{}, err
	}
	return id, nil
}

func (o *Ops) Addir(n *vfs.Node, name string, child vfs.Ident) error {
	i, err := o.lookup(n)
	if err != nil {
		return err
	}
	childInode, err := o.lookup(&vfs.Node{Ident: child})
	if err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, e := range i.entries {
		if e.name == name {
			return errors.EEXIST
		}
	}
	childInode.mu.Lock()
	typ := childInode.typ
	childInode.mu.Unlock()
	i.entries = append(i.entries, dirEntry{name: name, id: child, typ: typ})
	return nil
}

func (o *Ops) Deldir(n *vfs.Node, name string) error {
	i, err := o.lookup(n)
	if err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	for idx, e := range i.entries {
		if e.name == name {
			i.entries = append(i.entries[:idx], i.entries[idx+1:]...)
			return nil
		}
	}
	return errors.ENOENT
}
