// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package vfs

import (
	"sort"
	"strings"
	"sync"

	"github.com/kcore-project/kcore/pkg/errors"
)

// Mount is one entry in the mount table: a path prefix bound to an
// FSOps vtable and the root Ident of the mounted filesystem.
type Mount struct {
	Path string
	Root Ident
	Ops  FSOps
	Dev  uint32
}

// MountTable resolves a path to the mount covering it by longest-prefix
// match.
type MountTable struct {
	mu     sync.RWMutex
	mounts []Mount
	nextDev uint32
}

func NewMountTable() *MountTable {
	return &MountTable{nextDev: 1}
}

// Mount registers ops at path, assigning it a fresh device number
// (ustat/statfs's st_dev).
func (mt *MountTable) Mount(path string, root Ident, ops FSOps) (uint32, error) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	for _, m := range mt.mounts {
		if m.Path == path {
			return 0, errors.EBUSY
		}
	}
	dev := mt.nextDev
	mt.nextDev++
	mt.mounts = append(mt.mounts, Mount{Path: path, Root: root, Ops: ops, Dev: dev})
	sort.Slice(mt.mounts, func(i, j int) bool { return len(mt.mounts[i].Path) > len(mt.mounts[j].Path) })
	return dev, nil
}

func (mt *MountTable) Umount(path string) error {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	for i, m := range mt.mounts {
		if m.Path == path {
			mt.mounts = append(mt.mounts[:i], mt.mounts[i+1:]...)
			return nil
		}
	}
	return errors.EINVAL
}

// Resolve returns the mount whose Path is the longest prefix of p,
// along with the remainder of p relative to that mount point.
func (mt *MountTable) Resolve(p string) (Mount, string, error) {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	for _, m := range mt.mounts {
		if m.Path == "/" || p == m.Path || strings.HasPrefix(p, m.Path+"/") {
			rel := strings.TrimPrefix(p, m.Path)
			rel = strings.TrimPrefix(rel, "/")
			return m, rel, nil
		}
	}
	return Mount{}, "", errors.ENOENT
}

func (mt *MountTable) All() []Mount {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	out := make([]Mount, len(mt.mounts))
	copy(out, mt.mounts)
	return out
}
