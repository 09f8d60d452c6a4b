// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package procfs implements the synthetic /proc filesystem: inode
// numbers encode (dir_class, subdir_class, file_class_or_pid) in three
// bit-fields, and every file's content is produced on demand by a
// content-generator function rather than stored.
//
// Host-observable files (/proc/meminfo, /proc/stat's cpu lines) are
// generated by wiring pkg/performance's collector registry rather than
// re-parsing /proc by hand a second time; the collectors render from
// the simulator's own allocator and per-CPU state, standing in for
// what a real kernel computes internally. Per-task
// files (/proc/<pid>/*) are generated directly from pkg/task's table
// and pkg/memregion's VMA list, which is the kernel's actual source of
// truth for that data.
package procfs

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kcore-project/kcore/pkg/errors"
	"github.com/kcore-project/kcore/pkg/memregion"
	"github.com/kcore-project/kcore/pkg/performance"
	"github.com/kcore-project/kcore/pkg/task"
	"github.com/kcore-project/kcore/pkg/vfs"
	"github.com/kcore-project/kcore/pkg/vmm"
)

// dirClass is the top-level bit-field of an encoded inode number.
type dirClass uint64

const (
	classRoot dirClass = iota
	classBusPCI
	classSys
	classTTY
	classNet
	classPid
)

// Per-pid file classes (subdir_class when dirClass==classPid).
const (
	pidFileStat = iota
	pidFileStatus
	pidFileStatm
	pidFileMaps
	pidFileLimits
	pidFileIO
	pidFileCwd
	pidFileDir // the /proc/<pid> directory itself
)

// Root-level static file classes (subdir_class when dirClass==classRoot).
const (
	rootDir = iota
	rootVersion
	rootUptime
	rootMeminfo
	rootStat
	rootModules
	rootMounts
	rootDevices
	rootFilesystems
	rootInterrupts
	rootKsyms
	rootKmsg
	rootBusDir
	rootSysDir
	rootTTYDir
	rootNetDir
)

const (
	classShift = 40
	subShift   = 20
)

func encode(dc dirClass, sub, id uint64) uint64 {
	return uint64(dc)<<classShift | sub<<subShift | id
}

func decode(ino uint64) (dc dirClass, sub, id uint64) {
	return dirClass(ino >> classShift), (ino >> subShift) & 0xfffff, ino & 0xfffff
}

// PCIDevice is the subset of /proc/bus/pci/devices' fields procfs
// renders; populated from pkg/pci without procfs importing it (the
// caller feeds snapshots in).
type PCIDevice struct {
	Bus, Device, Function uint8
	VendorID, DeviceID    uint16
	ClassCode, Subclass   uint8
	IRQ                   uint8
}

// ARPEntry mirrors pkg/arp.Entry for /proc/net/arp rendering.
type ARPEntry struct {
	IPv4      string
	MAC       string
	Iface     string
	Permanent bool
}

// Ops is procfs's FSOps. A nil Tasks/Registry is tolerated: the
// corresponding files render as empty/placeholder content instead of
// panicking, so procfs can be mounted before those subsystems exist.
type Ops struct {
	devID     uint32
	BootTime  time.Time
	Tasks     *task.Table
	Registry  *performance.CollectorRegistry
	PCIDevs   func() []PCIDevice
	ARPTable  func() []ARPEntry
	Mounts    func() []vfs.Mount
	Resolvers []string

	// PIDs enumerates live task PIDs for Getdents on the root directory
	// and for the "processes" line of /proc/stat. The caller supplies it
	// (task.Table.PIDs has the right shape).
	PIDs func() []int32
}

func New(devID uint32) *Ops {
	return &Ops{devID: devID, BootTime: time.Now()}
}

func (o *Ops) Root() vfs.Ident { return vfs.Ident{Dev: o.devID, Ino: encode(classRoot, rootDir, 0)} }

func (o *Ops) ReadInode(n *vfs.Node) error {
	dc, sub, id := decode(n.Ident.Ino)
	switch {
	case dc == classPid && sub == pidFileDir:
		if o.Tasks != nil {
			if _, ok := o.Tasks.Get(int32(id)); !ok {
				return errors.ENOENT
			}
		}
		n.Type = vfs.TypeDirectory
		n.Mode = 0555
	case dc == classRoot && sub == rootDir, dc == classRoot && sub >= rootBusDir:
		n.Type = vfs.TypeDirectory
		n.Mode = 0555
	default:
		n.Type = vfs.TypeRegular
		n.Mode = 0444
	}
	return nil
}

func (o *Ops) WriteInode(n *vfs.Node) error { return errors.EACCES }

func (o *Ops) Bmap(n *vfs.Node, logical int64, mode vfs.BmapMode) (int64, error) {
	return 0, errors.ENOSYS
}

// ReadAt regenerates the file's full content and slices it at off, so
// reads are stateless and pos simply indexes into the generated
// buffer.
func (o *Ops) ReadAt(n *vfs.Node, p []byte, off int64) (int, error) {
	content, err := o.generate(n.Ident.Ino)
	if err != nil {
		return 0, err
	}
	if off >= int64(len(content)) {
		return 0, nil
	}
	return copy(p, content[off:]), nil
}

func (o *Ops) WriteAt(n *vfs.Node, p []byte, off int64) (int, error) { return 0, errors.EACCES }

func (o *Ops) generate(ino uint64) ([]byte, error) {
	dc, sub, id := decode(ino)
	switch dc {
	case classRoot:
		return o.generateRoot(sub)
	case classPid:
		return o.generatePid(int32(id), sub)
	case classNet:
		return o.generateNet(sub)
	case classBusPCI:
		return []byte(o.renderPCI()), nil
	default:
		return nil, errors.ENOENT
	}
}

func (o *Ops) generateRoot(sub uint64) ([]byte, error) {
	switch sub {
	case rootVersion:
		return []byte("Linux version 6.1.0-kcore (kcore@build) #1 SMP\n"), nil
	case rootUptime:
		up := time.Since(o.BootTime).Seconds()
		return []byte(fmt.Sprintf("%.2f %.2f\n", up, up*0.9)), nil
	case rootMeminfo:
		return []byte(o.renderMeminfo()), nil
	case rootStat:
		return []byte(o.renderStat()), nil
	case rootModules:
		return []byte(""), nil
	case rootMounts:
		return []byte(o.renderMounts()), nil
	case rootDevices:
		return []byte("Character devices:\n  4 tty\n  5 ttyS\n\nBlock devices:\n  3 ata\n  8 sd\n"), nil
	case rootFilesystems:
		return []byte("nodev\tdevfs\nnodev\tprocfs\nnodev\ttmpfs\nnodev\tpipefs\n\text2\n"), nil
	case rootInterrupts:
		return []byte(o.renderInterrupts()), nil
	case rootKsyms:
		return []byte(""), nil
	case rootKmsg:
		return []byte(o.renderKmsg()), nil
	default:
		return nil, errors.ENOENT
	}
}

func (o *Ops) generateNet(sub uint64) ([]byte, error) {
	switch sub {
	case 0:
		return []byte(o.renderARP()), nil
	case 1:
		return []byte(o.renderResolvConf()), nil
	default:
		return nil, errors.ENOENT
	}
}

func (o *Ops) renderMeminfo() string {
	if o.Registry == nil {
		return "MemTotal:        0 kB\n"
	}
	pc := o.Registry.GetPoint(performance.MetricTypeMemory)
	if pc == nil {
		return "MemTotal:        0 kB\n"
	}
	data, err := pc.Collect(context.Background())
	if err != nil {
		return "MemTotal:        0 kB\n"
	}
	mem, ok := data.(*performance.MemoryStats)
	if !ok || mem == nil {
		return "MemTotal:        0 kB\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "MemTotal:       %8d kB\n", mem.MemTotal)
	fmt.Fprintf(&b, "MemFree:        %8d kB\n", mem.MemFree)
	fmt.Fprintf(&b, "MemAvailable:   %8d kB\n", mem.MemAvailable)
	fmt.Fprintf(&b, "Buffers:        %8d kB\n", mem.Buffers)
	fmt.Fprintf(&b, "Cached:         %8d kB\n", mem.Cached)
	fmt.Fprintf(&b, "SwapTotal:      %8d kB\n", mem.SwapTotal)
	fmt.Fprintf(&b, "SwapFree:       %8d kB\n", mem.SwapFree)
	return b.String()
}

func (o *Ops) renderStat() string {
	var b strings.Builder
	if o.Registry != nil {
		if pc := o.Registry.GetPoint(performance.MetricTypeCPU); pc != nil {
			if data, err := pc.Collect(context.Background()); err == nil {
				if cpus, ok := data.([]*performance.CPUStats); ok {
					for _, c := range cpus {
						label := "cpu"
						if c.CPUIndex >= 0 {
							label = fmt.Sprintf("cpu%d", c.CPUIndex)
						}
						fmt.Fprintf(&b, "%s %d %d %d %d %d %d %d\n", label,
							c.User, c.Nice, c.System, c.Idle, c.IOWait, c.IRQ, c.SoftIRQ)
					}
				}
			}
		}
	}
	if o.Tasks != nil && o.PIDs != nil {
		fmt.Fprintf(&b, "processes %d\n", len(o.PIDs()))
	}
	return b.String()
}

func (o *Ops) renderMounts() string {
	if o.Mounts == nil {
		return ""
	}
	var b strings.Builder
	for _, m := range o.Mounts() {
		fmt.Fprintf(&b, "kcore %s kcorefs rw 0 0\n", m.Path)
	}
	return b.String()
}

func (o *Ops) renderInterrupts() string {
	return "           CPU0\n  0:          0   timer\n  1:          0   keyboard\n"
}

// renderKmsg formats the kernel message ring for /proc/kmsg, matching
// the printk-style "<priority>;<message>" line format kernel log
// readers (dmesg included) expect, one line per buffered message.
func (o *Ops) renderKmsg() string {
	if o.Registry == nil {
		return ""
	}
	pc := o.Registry.GetPoint(performance.MetricTypeKernel)
	if pc == nil {
		return ""
	}
	data, err := pc.Collect(context.Background())
	if err != nil {
		return ""
	}
	msgs, ok := data.([]*performance.KernelMessage)
	if !ok {
		return ""
	}
	var b strings.Builder
	for _, m := range msgs {
		priority := m.Facility<<3 | m.Severity
		fmt.Fprintf(&b, "%d;%s\n", priority, m.Message)
	}
	return b.String()
}

func (o *Ops) renderPCI() string {
	if o.PCIDevs == nil {
		return ""
	}
	var b strings.Builder
	for _, d := range o.PCIDevs() {
		fmt.Fprintf(&b, "%02x%02x\t%04x%04x\t%x\n", d.Bus, (d.Device<<3)|d.Function, d.VendorID, d.DeviceID, d.IRQ)
	}
	return b.String()
}

func (o *Ops) renderARP() string {
	var b strings.Builder
	b.WriteString("IP address       HW type     Flags       HW address            Mask     Device\n")
	if o.ARPTable == nil {
		return b.String()
	}
	for _, e := range o.ARPTable() {
		flags := "0x2"
		if e.Permanent {
			flags = "0x6"
		}
		fmt.Fprintf(&b, "%-15s  0x1         %-10s  %-20s  *        %s\n", e.IPv4, flags, e.MAC, e.Iface)
	}
	return b.String()
}

func (o *Ops) renderResolvConf() string {
	var b strings.Builder
	for _, r := range o.Resolvers {
		fmt.Fprintf(&b, "nameserver %s\n", r)
	}
	return b.String()
}

func (o *Ops) generatePid(pid int32, sub uint64) ([]byte, error) {
	if o.Tasks == nil {
		return nil, errors.ENOENT
	}
	t, ok := o.Tasks.Get(pid)
	if !ok {
		return nil, errors.ENOENT
	}
	switch sub {
	case pidFileStat:
		return []byte(fmt.Sprintf("%d (%s) %s %d\n", t.PID, t.Comm, t.State(), parentPID(t))), nil
	case pidFileStatus:
		var b strings.Builder
		fmt.Fprintf(&b, "Name:\t%s\n", t.Comm)
		fmt.Fprintf(&b, "State:\t%s\n", t.State())
		fmt.Fprintf(&b, "Pid:\t%d\n", t.PID)
		fmt.Fprintf(&b, "PPid:\t%d\n", parentPID(t))
		fmt.Fprintf(&b, "Uid:\t%d\t%d\t%d\t%d\n", t.UID, t.UID, t.EUID, t.EUID)
		return []byte(b.String()), nil
	case pidFileStatm:
		pages := 0
		if t.Mem != nil {
			for _, r := range t.Mem.Regions() {
				pages += int((r.End - r.Start) / 4096)
			}
		}
		return []byte(fmt.Sprintf("%d %d 0 0 0 0 0\n", pages, pages)), nil
	case pidFileMaps:
		var b strings.Builder
		if t.Mem != nil {
			for _, r := range t.Mem.Regions() {
				fmt.Fprintf(&b, "%08x-%08x %s\n", r.Start, r.End, protString(r))
			}
		}
		return []byte(b.String()), nil
	case pidFileDir:
		return nil, errors.EISDIR
	case pidFileLimits:
		return []byte("Limit                     Soft Limit           Hard Limit\nMax open files            1024                 4096\n"), nil
	case pidFileIO:
		return []byte("rchar: 0\nwchar: 0\nsyscr: 0\nsyscw: 0\n"), nil
	default:
		return nil, errors.ENOENT
	}
}

func protString(r *memregion.MemRegion) string {
	w := "-"
	if r.Prot&vmm.Writable != 0 {
		w = "w"
	}
	p := "p"
	if !r.Private {
		p = "s"
	}
	return "r" + w + "-" + p
}

func parentPID(t *task.Task) int32 {
	if t.Parent == nil {
		return 0
	}
	return t.Parent.PID
}

// Finddir resolves one path component under a procfs directory node.
func (o *Ops) Finddir(n *vfs.Node, name string) (vfs.Ident, error) {
	dc, sub, id := decode(n.Ident.Ino)
	if dc == classPid && sub == pidFileDir {
		switch name {
		case "stat":
			return vfs.Ident{Dev: o.devID, Ino: encode(classPid, pidFileStat, id)}, nil
		case "status":
			return vfs.Ident{Dev: o.devID, Ino: encode(classPid, pidFileStatus, id)}, nil
		case "statm":
			return vfs.Ident{Dev: o.devID, Ino: encode(classPid, pidFileStatm, id)}, nil
		case "maps":
			return vfs.Ident{Dev: o.devID, Ino: encode(classPid, pidFileMaps, id)}, nil
		case "limits":
			return vfs.Ident{Dev: o.devID, Ino: encode(classPid, pidFileLimits, id)}, nil
		case "io":
			return vfs.Ident{Dev: o.devID, Ino: encode(classPid, pidFileIO, id)}, nil
		}
		return vfs.Ident{}, errors.ENOENT
	}
	if dc == classRoot && sub == rootDir {
		switch name {
		case "version":
			return vfs.Ident{Dev: o.devID, Ino: encode(classRoot, rootVersion, 0)}, nil
		case "uptime":
			return vfs.Ident{Dev: o.devID, Ino: encode(classRoot, rootUptime, 0)}, nil
		case "meminfo":
			return vfs.Ident{Dev: o.devID, Ino: encode(classRoot, rootMeminfo, 0)}, nil
		case "stat":
			return vfs.Ident{Dev: o.devID, Ino: encode(classRoot, rootStat, 0)}, nil
		case "modules":
			return vfs.Ident{Dev: o.devID, Ino: encode(classRoot, rootModules, 0)}, nil
		case "mounts":
			return vfs.Ident{Dev: o.devID, Ino: encode(classRoot, rootMounts, 0)}, nil
		case "devices":
			return vfs.Ident{Dev: o.devID, Ino: encode(classRoot, rootDevices, 0)}, nil
		case "filesystems":
			return vfs.Ident{Dev: o.devID, Ino: encode(classRoot, rootFilesystems, 0)}, nil
		case "interrupts":
			return vfs.Ident{Dev: o.devID, Ino: encode(classRoot, rootInterrupts, 0)}, nil
		case "ksyms":
			return vfs.Ident{Dev: o.devID, Ino: encode(classRoot, rootKsyms, 0)}, nil
		case "kmsg":
			return vfs.Ident{Dev: o.devID, Ino: encode(classRoot, rootKmsg, 0)}, nil
		case "net":
			return vfs.Ident{Dev: o.devID, Ino: encode(classNet, 0, 0)}, nil
		case "bus":
			return vfs.Ident{Dev: o.devID, Ino: encode(classBusPCI, 0, 0)}, nil
		}
		if pid, err := parsePID(name); err == nil {
			return vfs.Ident{Dev: o.devID, Ino: encode(classPid, pidFileDir, uint64(pid))}, nil
		}
		return vfs.Ident{}, errors.ENOENT
	}
	if dc == classNet {
		switch name {
		case "arp":
			return vfs.Ident{Dev: o.devID, Ino: encode(classNet, 0, 0)}, nil
		case "resolv.conf":
			return vfs.Ident{Dev: o.devID, Ino: encode(classNet, 1, 0)}, nil
		}
	}
	return vfs.Ident{}, errors.ENOENT
}

func parsePID(name string) (int32, error) {
	var pid int32
	if _, err := fmt.Sscanf(name, "%d", &pid); err != nil {
		return 0, err
	}
	return pid, nil
}

// Getdents lists a procfs directory's synthetic entries, sourcing the
// live pid list of the root directory from Ops.PIDs.
func (o *Ops) Getdents(n *vfs.Node) ([]vfs.Dirent, error) {
	dc, sub, _ := decode(n.Ident.Ino)
	out := []vfs.Dirent{{Name: ".", Type: vfs.TypeDirectory}, {Name: "..", Type: vfs.TypeDirectory}}
	if dc == classRoot && sub == rootDir {
		for _, name := range []string{"version", "uptime", "meminfo", "stat", "modules", "mounts",
			"devices", "filesystems", "interrupts", "ksyms", "kmsg", "net", "bus"} {
			out = append(out, vfs.Dirent{Name: name, Type: vfs.TypeRegular})
		}
		if o.PIDs != nil {
			pids := append([]int32(nil), o.PIDs()...)
			sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
			for _, pid := range pids {
				out = append(out, vfs.Dirent{Name: fmt.Sprintf("%d", pid), Type: vfs.TypeDirectory})
			}
		}
		return out, nil
	}
	if dc == classPid && sub == pidFileDir {
		for _, name := range []string{"stat", "status", "statm", "maps", "limits", "io"} {
			out = append(out, vfs.Dirent{Name: name, Type: vfs.TypeRegular})
		}
		return out, nil
	}
	return out, nil
}

func (o *Ops) Mkdir(n *vfs.Node, name string, mode uint32) (vfs.Ident, error) {
	return vfs.Ident{}, errors.ENOSYS
}
func (o *Ops) Addir(n *vfs.Node, name string, child vfs.Ident) error { return errors.ENOSYS }
func (o *Ops) Deldir(n *vfs.Node, name string) error                 { return errors.ENOSYS }
