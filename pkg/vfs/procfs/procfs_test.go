// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package procfs

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kcore-project/kcore/pkg/errors"
	"github.com/kcore-project/kcore/pkg/task"
	"github.com/kcore-project/kcore/pkg/vfs"
)

func readFile(t *testing.T, o *Ops, ino uint64) string {
	t.Helper()
	n := &vfs.Node{Ident: vfs.Ident{Dev: o.devID, Ino: ino}}
	buf := make([]byte, 4096)
	got, err := o.ReadAt(n, buf, 0)
	require.NoError(t, err)
	return string(buf[:got])
}

func TestFinddirResolvesRootStaticFiles(t *testing.T) {
	o := New(1)
	root := &vfs.Node{Ident: o.Root()}

	for _, name := range []string{"version", "uptime", "meminfo", "stat", "mounts", "devices", "filesystems"} {
		_, err := o.Finddir(root, name)
		require.NoError(t, err, "expected %q to resolve", name)
	}
}

func TestFinddirUnknownNameReturnsENOENT(t *testing.T) {
	o := New(1)
	root := &vfs.Node{Ident: o.Root()}
	_, err := o.Finddir(root, "nonexistent")
	assert.ErrorIs(t, err, errors.ENOENT)
}

func TestVersionFileContent(t *testing.T) {
	o := New(1)
	id, err := o.Finddir(&vfs.Node{Ident: o.Root()}, "version")
	require.NoError(t, err)
	content := readFile(t, o, id.Ino)
	assert.Contains(t, content, "Linux version")
}

func TestKmsgToleratesNilRegistry(t *testing.T) {
	o := New(1)
	id, err := o.Finddir(&vfs.Node{Ident: o.Root()}, "kmsg")
	require.NoError(t, err)
	assert.Empty(t, readFile(t, o, id.Ino))
}

func TestMeminfoToleratesNilRegistry(t *testing.T) {
	o := New(1)
	id, err := o.Finddir(&vfs.Node{Ident: o.Root()}, "meminfo")
	require.NoError(t, err)
	content := readFile(t, o, id.Ino)
	assert.Contains(t, content, "MemTotal")
}

func TestMountsRendersEachMount(t *testing.T) {
	o := New(1)
	o.Mounts = func() []vfs.Mount {
		return []vfs.Mount{{Path: "/"}, {Path: "/dev"}}
	}
	id, err := o.Finddir(&vfs.Node{Ident: o.Root()}, "mounts")
	require.NoError(t, err)
	content := readFile(t, o, id.Ino)
	assert.Equal(t, 2, strings.Count(content, "kcorefs"))
}

func TestARPFileRendersEntries(t *testing.T) {
	o := New(1)
	o.ARPTable = func() []ARPEntry {
		return []ARPEntry{{IPv4: "10.0.0.5", MAC: "aa:bb:cc:dd:ee:ff", Iface: "eth0"}}
	}
	netID, err := o.Finddir(&vfs.Node{Ident: o.Root()}, "net")
	require.NoError(t, err)
	arpID, err := o.Finddir(&vfs.Node{Ident: netID}, "arp")
	require.NoError(t, err)

	content := readFile(t, o, arpID.Ino)
	assert.Contains(t, content, "10.0.0.5")
	assert.Contains(t, content, "aa:bb:cc:dd:ee:ff")
}

func TestRootGetdentsListsPIDsWhenSupplied(t *testing.T) {
	o := New(1)
	o.PIDs = func() []int32 { return []int32{2, 1} }

	ents, err := o.Getdents(&vfs.Node{Ident: o.Root()})
	require.NoError(t, err)

	var names []string
	for _, e := range ents {
		names = append(names, e.Name)
	}
	assert.Contains(t, names, "1")
	assert.Contains(t, names, "2")
}

func TestWriteAtIsRejected(t *testing.T) {
	o := New(1)
	n := &vfs.Node{Ident: o.Root()}
	_, err := o.WriteAt(n, []byte("x"), 0)
	assert.ErrorIs(t, err, errors.EACCES)
}

func TestPidDirForUnknownPidReturnsENOENT(t *testing.T) {
	o := New(1)
	o.Tasks = task.NewTable()
	root := &vfs.Node{Ident: o.Root()}

	id, err := o.Finddir(root, "123")
	require.NoError(t, err, "Finddir only parses the pid and encodes the inode; existence is checked in ReadInode")

	n := &vfs.Node{Ident: id}
	assert.ErrorIs(t, o.ReadInode(n), errors.ENOENT)
}

func TestPidDirWithoutTasksIsTolerated(t *testing.T) {
	o := New(1)
	root := &vfs.Node{Ident: o.Root()}

	id, err := o.Finddir(root, "123")
	require.NoError(t, err)

	n := &vfs.Node{Ident: id}
	assert.NoError(t, o.ReadInode(n), "a nil Tasks table is tolerated so procfs can mount before the task table exists")
}
