// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package diskfs is a small disk filesystem exercising the node/bmap
// contract against a real backing store (pkg/vfs/blockdev), giving
// truncate/release/bmap a concrete filesystem to run against rather
// than only memory.
package diskfs

import (
	"sync"

	"github.com/kcore-project/kcore/pkg/errors"
	"github.com/kcore-project/kcore/pkg/vfs"
	"github.com/kcore-project/kcore/pkg/vfs/blockdev"
)

type inode struct {
	mu      sync.Mutex
	typ     vfs.NodeType
	mode    uint32
	size    int64
	blocks  []int64 // logical -> LBA, -1 means unallocated (sparse)
	entries []dirEntry
}

type dirEntry struct {
	name string
	id   vfs.Ident
	typ  vfs.NodeType
}

const RootIno = 1

// Ops is diskfs's FSOps: inode metadata lives in memory (the "on-disk
// superblock/inode table" a real FS would persist separately), while
// page contents go through blockdev.
type Ops struct {
	mu      sync.Mutex
	devID   uint32
	dev     *blockdev.Device
	nodes   map[uint64]*inode
	nextIno uint64
	nextLBA int64
	freeLBA []int64
}

func New(devID uint32, dev *blockdev.Device) *Ops {
	o := &Ops{devID: devID, dev: dev, nodes: make(map[uint64]*inode), nextIno: RootIno + 1}
	o.nodes[RootIno] = &inode{typ: vfs.TypeDirectory, mode: 0755}
	return o
}

func (o *Ops) Root() vfs.Ident { return vfs.Ident{Dev: o.devID, Ino: RootIno} }

func (o *Ops) allocLBA() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if n := len(o.freeLBA); n > 0 {
		lba := o.freeLBA[n-1]
		o.freeLBA = o.freeLBA[:n-1]
		return lba
	}
	lba := o.nextLBA
	o.nextLBA++
	return lba
}

func (o *Ops) freeLBAOf(lba int64) {
	o.mu.Lock()
	o.freeLBA = append(o.freeLBA, lba)
	o.mu.Unlock()
}

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
	n.Type, n.Mode, n.Size, n.Links = i.typ, i.mode, i.size, 1
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

// Bmap implements the logical->physical block translation against the
// in-memory allocation table (modes: read, create, free).
func (o *Ops) Bmap(n *vfs.Node, logical int64, mode vfs.BmapMode) (int64, error) {
	i, err := o.lookup(n)
	if err != nil {
		return 0, err
	}
	i.mu.Lock()
	defer i.mu.Unlock()

	for int64(len(i.blocks)) <= logical {
		i.blocks = append(i.blocks, -1)
	}

	switch mode {
	case vfs.BmapFree:
		if i.blocks[logical] >= 0 {
			o.freeLBAOf(i.blocks[logical])
			if err := o.dev.FreeBlock(i.blocks[logical]); err != nil {
				return 0, err
			}
			i.blocks[logical] = -1
		}
		return 0, nil
	case vfs.BmapCreate:
		if i.blocks[logical] < 0 {
			i.blocks[logical] = o.allocLBA()
		}
		return i.blocks[logical], nil
	default:
		if i.blocks[logical] < 0 {
			return 0, errors.ENOENT
		}
		return i.blocks[logical], nil
	}
}

func (o *Ops) ReadAt(n *vfs.Node, p []byte, off int64) (int, error) {
	i, err := o.lookup(n)
	if err != nil {
		return 0, err
	}
	i.mu.Lock()
	size := i.size
	i.mu.Unlock()
	if off >= size {
		return 0, nil
	}

	total := 0
	for total < len(p) && off+int64(total) < size {
		logical := (off + int64(total)) / blockdev.BlockSize
		pageOff := (off + int64(total)) % blockdev.BlockSize

		lba, err := o.Bmap(n, logical, vfs.BmapRead)
		if err != nil {
			break // sparse hole: treat as zero-fill end of readable data
		}
		page, err := o.dev.ReadBlock(lba)
		if err != nil {
			return total, err
		}
		n := copy(p[total:], page[pageOff:])
		if remain := size - (off + int64(total)); int64(n) > remain {
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
	total := 0
	for total < len(p) {
		logical := (off + int64(total)) / blockdev.BlockSize
		pageOff := (off + int64(total)) % blockdev.BlockSize

		lba, err := o.Bmap(n, logical, vfs.BmapCreate)
		if err != nil {
			return total, err
		}
		page, err := o.dev.ReadBlock(lba)
		if err != nil {
			return total, err
		}
		written := copy(page[pageOff:], p[total:])
		if err := o.dev.WriteBlock(lba, page); err != nil {
			return total, err
		}
		total += written
	}

	i.mu.Lock()
	if end := off + int64(total); end > i.size {
		i.size = end
	}
	n.Size = i.size
	i.mu.Unlock()
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
