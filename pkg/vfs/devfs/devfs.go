// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package devfs implements the synthetic device filesystem: a flat
// list of device nodes under a pre-created root, with inode numbers
// assigned monotonically as drivers register.
package devfs

import (
	"sync"

	"github.com/kcore-project/kcore/pkg/errors"
	"github.com/kcore-project/kcore/pkg/vfs"
)

// Dev is a device's major/minor number pair.
type Dev struct {
	Major, Minor uint32
}

type entry struct {
	name string
	dev  Dev
	ino  uint64
	mode uint32
	uid  uint32
	gid  uint32
	typ  vfs.NodeType
}

// Ops is devfs's FSOps: a flat device list plus the pre-created root
// directory. Read/Write forward to a registered driver ReadWriter, so
// devfs itself never models device semantics.
type Ops struct {
	mu      sync.Mutex
	devID   uint32
	entries []entry
	nextIno uint64
	drivers map[uint64]ReadWriter
}

// ReadWriter is the generic driver contract devfs dispatches reads and
// writes to.
type ReadWriter interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

const RootIno uint64 = 1

func New(devID uint32) *Ops {
	return &Ops{devID: devID, nextIno: RootIno + 1, drivers: make(map[uint64]ReadWriter)}
}

// Register creates a new device node, assigning it the next monotonic
// inode number.
func (o *Ops) Register(name string, dev Dev, mode uint32, typ vfs.NodeType, rw ReadWriter) vfs.Ident {
	o.mu.Lock()
	defer o.mu.Unlock()
	ino := o.nextIno
	o.nextIno++
	o.entries = append(o.entries, entry{name: name, dev: dev, ino: ino, mode: mode, typ: typ})
	o.drivers[ino] = rw
	return vfs.Ident{Dev: o.devID, Ino: ino}
}

func (o *Ops) ReadInode(n *vfs.Node) error {
	if n.Ident.Ino == RootIno {
		n.Type = vfs.TypeDirectory
		n.Mode = 0755
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range o.entries {
		if e.ino == n.Ident.Ino {
			n.Type = e.typ
			n.Mode = e.mode
			n.UID, n.GID = e.uid, e.gid
			return nil
		}
	}
	return errors.ENOENT
}

func (o *Ops) WriteInode(n *vfs.Node) error { return nil }

func (o *Ops) Bmap(n *vfs.Node, logical int64, mode vfs.BmapMode) (int64, error) {
	return 0, errors.ENOSYS
}

func (o *Ops) ReadAt(n *vfs.Node, p []byte, off int64) (int, error) {
	o.mu.Lock()
	rw := o.drivers[n.Ident.Ino]
	o.mu.Unlock()
	if rw == nil {
		return 0, errors.ENXIO
	}
	return rw.ReadAt(p, off)
}

func (o *Ops) WriteAt(n *vfs.Node, p []byte, off int64) (int, error) {
	o.mu.Lock()
	rw := o.drivers[n.Ident.Ino]
	o.mu.Unlock()
	if rw == nil {
		return 0, errors.ENXIO
	}
	return rw.WriteAt(p, off)
}

// Finddir resolves name by a linear scan of the flat device list.
func (o *Ops) Finddir(n *vfs.Node, name string) (vfs.Ident, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range o.entries {
		if e.name == name {
			return vfs.Ident{Dev: o.devID, Ino: e.ino}, nil
		}
	}
	return vfs.Ident{}, errors.ENOENT
}

// Getdents walks the flat list by linear position, emitting "." and
// ".." first.
func (o *Ops) Getdents(n *vfs.Node) ([]vfs.Dirent, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := []vfs.Dirent{
		{Name: ".", Ino: RootIno, Type: vfs.TypeDirectory},
		{Name: "..", Ino: RootIno, Type: vfs.TypeDirectory},
	}
	for _, e := range o.entries {
		out = append(out, vfs.Dirent{Name: e.name, Ino: e.ino, Type: e.typ})
	}
	return out, nil
}

func (o *Ops) Mkdir(n *vfs.Node, name string, mode uint32) (vfs.Ident, error) {
	return vfs.Ident{}, errors.ENOSYS
}
func (o *Ops) Addir(n *vfs.Node, name string, child vfs.Ident) error { return errors.ENOSYS }
func (o *Ops) Deldir(n *vfs.Node, name string) error                 { return errors.ENOSYS }
