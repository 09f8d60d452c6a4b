// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package vfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kcore-project/kcore/pkg/errors"
)

type memOps struct {
	data map[uint64][]byte
}

func newMemOps() *memOps { return &memOps{data: make(map[uint64][]byte)} }

func (o *memOps) ReadInode(n *Node) error  { n.Type = TypeRegular; n.Mode = 0644; return nil }
func (o *memOps) WriteInode(n *Node) error { return nil }
func (o *memOps) Bmap(n *Node, logical int64, mode BmapMode) (int64, error) {
	return 0, errors.ENOSYS
}
func (o *memOps) ReadAt(n *Node, p []byte, off int64) (int, error) {
	buf := o.data[n.Ident.Ino]
	if off >= int64(len(buf)) {
		return 0, nil
	}
	return copy(p, buf[off:]), nil
}
func (o *memOps) WriteAt(n *Node, p []byte, off int64) (int, error) {
	buf := o.data[n.Ident.Ino]
	end := off + int64(len(p))
	if end > int64(len(buf)) {
		grown := make([]byte, end)
		copy(grown, buf)
		buf = grown
	}
	copy(buf[off:], p)
	o.data[n.Ident.Ino] = buf
	n.Size = int64(len(buf))
	return len(p), nil
}
func (o *memOps) Finddir(n *Node, name string) (Ident, error)        { return Ident{}, errors.ENOTDIR }
func (o *memOps) Getdents(n *Node) ([]Dirent, error)                 { return nil, errors.ENOTDIR }
func (o *memOps) Mkdir(n *Node, name string, mode uint32) (Ident, error) {
	return Ident{}, errors.ENOSYS
}
func (o *memOps) Addir(n *Node, name string, child Ident) error { return errors.ENOSYS }
func (o *memOps) Deldir(n *Node, name string) error             { return errors.ENOSYS }

func TestTableGetCachesByIdent(t *testing.T) {
	tbl := NewTable()
	ops := newMemOps()

	n1, err := tbl.Get(Ident{Dev: 1, Ino: 5}, ops)
	require.NoError(t, err)
	n2, err := tbl.Get(Ident{Dev: 1, Ino: 5}, ops)
	require.NoError(t, err)

	assert.Same(t, n1, n2)
	assert.Equal(t, 2, n1.Ref())
}

func TestPutReleasesOnLastRef(t *testing.T) {
	tbl := NewTable()
	ops := newMemOps()

	n, err := tbl.Get(Ident{Dev: 1, Ino: 5}, ops)
	require.NoError(t, err)
	n.Links = 0
	n.Dirty = true
	_, _ = n.WriteAt([]byte("hello"), 0)

	require.NoError(t, tbl.Put(n))
	assert.Equal(t, int64(0), n.Size, "unlinked node with ref==0 is truncated to 0 on release")
}

func TestPutDefersWhileMapped(t *testing.T) {
	tbl := NewTable()
	ops := newMemOps()

	n, err := tbl.Get(Ident{Dev: 1, Ino: 5}, ops)
	require.NoError(t, err)
	n.Links = 0
	n.MapRef()

	require.NoError(t, tbl.Put(n))
	assert.Equal(t, 0, n.Ref())
	assert.True(t, n.hasMappings())
}

func TestTruncateShrinkFreesBlocks(t *testing.T) {
	var freed []int64
	ops := &trackingBmapOps{freed: &freed}
	n := &Node{Ident: Ident{Dev: 1, Ino: 1}, Ops: ops, Size: 4096 * 3}

	require.NoError(t, n.Truncate(10))
	assert.Equal(t, []int64{0, 1, 2}, freed)
	assert.Equal(t, int64(10), n.Size)
}

type trackingBmapOps struct {
	memOps
	freed *[]int64
}

func (o *trackingBmapOps) Bmap(n *Node, logical int64, mode BmapMode) (int64, error) {
	if mode == BmapFree {
		*o.freed = append(*o.freed, logical)
	}
	return logical, nil
}

func TestNodeCacheEvictsUnreferencedOnFull(t *testing.T) {
	tbl := NewTable()
	ops := newMemOps()

	n, err := tbl.Get(Ident{Dev: 1, Ino: 1}, ops)
	require.NoError(t, err)
	require.NoError(t, tbl.Put(n)) // drop to ref==0, evictable

	for i := 0; i < NRInode; i++ {
		_, err := tbl.Get(Ident{Dev: 2, Ino: uint64(i)}, ops)
		require.NoError(t, err)
	}

	// The original (dev=1,ino=1) entry should have been evicted to make room.
	tbl.mu.Lock()
	found := false
	for _, cached := range tbl.nodes {
		if cached.Ident == (Ident{Dev: 1, Ino: 1}) {
			found = true
		}
	}
	tbl.mu.Unlock()
	assert.False(t, found)
}

func TestMountTableLongestPrefixResolve(t *testing.T) {
	mt := NewMountTable()
	_, err := mt.Mount("/", Ident{Ino: 1}, nil)
	require.NoError(t, err)
	_, err = mt.Mount("/dev", Ident{Ino: 2}, nil)
	require.NoError(t, err)

	m, rel, err := mt.Resolve("/dev/tty0")
	require.NoError(t, err)
	assert.Equal(t, "/dev", m.Path)
	assert.Equal(t, "tty0", rel)

	m, rel, err = mt.Resolve("/etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, "/", m.Path)
	assert.Equal(t, "etc/passwd", rel)
}

func TestMountDuplicatePathRejected(t *testing.T) {
	mt := NewMountTable()
	_, err := mt.Mount("/dev", Ident{Ino: 1}, nil)
	require.NoError(t, err)
	_, err = mt.Mount("/dev", Ident{Ino: 2}, nil)
	assert.ErrorIs(t, err, errors.EBUSY)
}

func TestUmountRemovesEntry(t *testing.T) {
	mt := NewMountTable()
	_, _ = mt.Mount("/dev", Ident{Ino: 1}, nil)
	require.NoError(t, mt.Umount("/dev"))
	_, _, err := mt.Resolve("/dev/tty0")
	assert.ErrorIs(t, err, errors.ENOENT)
}

func TestDentryCacheInsertAndLookup(t *testing.T) {
	d := NewDentryCache()
	id := Ident{Dev: 1, Ino: 42}
	d.Insert(id, "/proc/42/cwd")

	p, ok := d.PathOf(id)
	require.True(t, ok)
	assert.Equal(t, "/proc/42/cwd", p)

	gotID, ok := d.NodeAt("/proc/42/cwd")
	require.True(t, ok)
	assert.Equal(t, id, gotID)

	d.Remove(id)
	_, ok = d.PathOf(id)
	assert.False(t, ok)
}

func TestFDTableInstallGetClose(t *testing.T) {
	ft := NewFDTable()
	of := &OpenFile{}

	fd, err := ft.Install(of, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, fd)

	got, err := ft.Get(fd)
	require.NoError(t, err)
	assert.Same(t, of, got)

	closed := false
	require.NoError(t, ft.Close(fd, func(f *OpenFile) { closed = true }))
	assert.True(t, closed)

	_, err = ft.Get(fd)
	assert.ErrorIs(t, err, errors.EBADF)
}

func TestFDTableDup2SharesOpenFile(t *testing.T) {
	ft := NewFDTable()
	of := &OpenFile{}
	fd, _ := ft.Install(of, 0)

	require.NoError(t, ft.Dup2(fd, 10, nil))
	got, err := ft.Get(10)
	require.NoError(t, err)
	assert.Same(t, of, got)
}

func TestFDTableCloseOnExec(t *testing.T) {
	ft := NewFDTable()
	of := &OpenFile{}
	fd, _ := ft.Install(of, 0)
	require.NoError(t, ft.SetCloseOnExec(fd, true))

	var closed []int
	ft.CloseOnExecAll(func(f *OpenFile) { closed = append(closed, fd) })
	assert.Equal(t, []int{fd}, closed)

	_, err := ft.Get(fd)
	assert.ErrorIs(t, err, errors.EBADF)
}

func TestFDTableCloneSharesOffset(t *testing.T) {
	ft := NewFDTable()
	ops := newMemOps()
	n := &Node{Ident: Ident{Dev: 1, Ino: 9}, Ops: ops}
	of := &OpenFile{Node: n}
	fd, _ := ft.Install(of, 0)

	child := ft.Clone()
	childOF, err := child.Get(fd)
	require.NoError(t, err)
	assert.Same(t, of, childOF)

	_, _ = of.Write([]byte("hi"))
	assert.Equal(t, int64(2), childOF.Pos, "parent and child share the OpenFile, including its cursor")
}
