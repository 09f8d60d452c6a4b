// Copyright 2025 Antimetal Inc.
//
// Licensed under the PolyForm Shield License 1.0.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at:
//
//     https://polyformproject.org/licenses/shield/1.0.0/
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command kcore boots the simulator: it builds the physical frame pool,
// the kernel page directory and its named regions, brings up the
// configured number of APs, creates PID 1, mounts the synthetic
// filesystems, and wires IPC/lock/ARP/IRQ/PCI state so pkg/vfs/procfs
// has something real to render. It's the reference wiring a test or a
// REPL-style driver builds on, not a production service — the kernel it
// drives never leaves Go's own process.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/kcore-project/kcore/pkg/arp"
	"github.com/kcore-project/kcore/pkg/audio"
	"github.com/kcore-project/kcore/pkg/boot"
	"github.com/kcore-project/kcore/pkg/frame"
	"github.com/kcore-project/kcore/pkg/ipc"
	"github.com/kcore-project/kcore/pkg/irq"
	"github.com/kcore-project/kcore/pkg/lock"
	"github.com/kcore-project/kcore/pkg/memregion"
	"github.com/kcore-project/kcore/pkg/pci"
	"github.com/kcore-project/kcore/pkg/performance"
	"github.com/kcore-project/kcore/pkg/performance/collectors"
	"github.com/kcore-project/kcore/pkg/smp"
	"github.com/kcore-project/kcore/pkg/task"
	"github.com/kcore-project/kcore/pkg/tty"
	"github.com/kcore-project/kcore/pkg/vfs"
	"github.com/kcore-project/kcore/pkg/vfs/blockdev"
	"github.com/kcore-project/kcore/pkg/vfs/devfs"
	"github.com/kcore-project/kcore/pkg/vfs/diskfs"
	"github.com/kcore-project/kcore/pkg/vfs/pipefs"
	"github.com/kcore-project/kcore/pkg/vfs/procfs"
	"github.com/kcore-project/kcore/pkg/vfs/tmpfs"
	"github.com/kcore-project/kcore/pkg/vmm"
)

// Config is kcore's boot-time configuration, mirroring
// performance.CollectionConfig's ApplyDefaults shape for any field left
// at its zero value.
type Config struct {
	TotalFrames uint64
	NumCPUs     int
	CmdLine     string
	DiskPath    string
	Verbose     bool
}

// ApplyDefaults fills in zero-valued fields, the way
// performance.CollectionConfig.ApplyDefaults backstops an unset Config.
func (c *Config) ApplyDefaults() {
	if c.TotalFrames == 0 {
		c.TotalFrames = 65536 // 256 MiB of simulated RAM at a 4 KiB page size
	}
	if c.NumCPUs == 0 {
		c.NumCPUs = 4
	}
}

func main() {
	cfg := Config{}
	flag.Uint64Var(&cfg.TotalFrames, "frames", 0, "total simulated physical frames (0 = default)")
	flag.IntVar(&cfg.NumCPUs, "ncpus", 0, "number of simulated CPUs (0 = default)")
	flag.StringVar(&cfg.CmdLine, "cmdline", "target=kcore root=/", "simulated kernel command line")
	flag.StringVar(&cfg.DiskPath, "disk", "", "path to the badger-backed disk image (empty = in-memory)")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "enable verbose logging")
	flag.Parse()
	cfg.ApplyDefaults()

	var zapSink logr.LogSink
	if cfg.Verbose {
		zapLog, _ := zap.NewDevelopment()
		zapSink = zapr.NewLogger(zapLog).GetSink()
	} else {
		zapLog, _ := zap.NewProduction()
		zapSink = zapr.NewLogger(zapLog).GetSink()
	}

	// kernelLog is the simulated printk ring: every subsequent call
	// against `logger` lands in both stderr (via zapSink) and
	// /proc/kmsg (see pkg/vfs/procfs's rootKmsg file), the same way a
	// real kernel's dev_info()/pr_err() calls go to both the console
	// and dmesg's ring buffer.
	kernelLog, err := collectors.NewKernelCollector(logr.Discard(), performance.CollectionConfig{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "kernel log collector: %v\n", err)
		os.Exit(1)
	}
	logger := logr.New(&teeSink{sinks: []logr.LogSink{zapSink, kernelLog.Sink()}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	k, err := boot_(ctx, cfg, logger, kernelLog)
	if err != nil {
		logger.Error(err, "boot failed")
		os.Exit(1)
	}
	defer k.diskDev.Close()

	logger.Info("kcore up", "pid1", k.init.PID, "cpus", k.cpus.Len(), "pci_devices", len(k.pciBus.Scan()))

	<-ctx.Done()
	logger.Info("kcore shutting down")
}

// kernel bundles every subsystem cmd/kcore wires together, so boot_ has
// one return value instead of a dozen.
type kernel struct {
	frames   *frame.Allocator
	kernelPD *vmm.PageDirectory
	cpus     *smp.Table
	tasks    *task.Table
	init     *task.Task

	nodes   *vfs.Table
	dentry  *vfs.DentryCache
	mounts  *vfs.MountTable

	console *tty.Console
	sysTTY  *tty.TTY

	msgs  *ipc.MsgTable
	sems  *ipc.SemTable
	shms  *ipc.ShmTable
	locks *lock.Table

	arpCache *arp.Cache
	irqs     *irq.Dispatcher
	pciBus   *pci.Bus

	perfMgr *performance.Manager

	diskDev  *blockdev.Device
	audioDev *audio.Device
}

// boot_ performs the boot sequence end to end: parse the
// command line, stand up the frame pool and kernel address space, bring
// up the APs, create PID 1, then mount every synthetic filesystem and
// hand their Ops the live subsystem handles procfs needs to render
// anything beyond placeholder text. Named boot_ (not Boot) since this
// file is the only caller and it isn't meant as a library entry point.
func boot_(ctx context.Context, cfg Config, logger logr.Logger, kernelLog *collectors.KernelCollector) (*kernel, error) {
	opts := boot.ParseCmdLine(cfg.CmdLine)
	if opts.NoSMP {
		cfg.NumCPUs = 1
	}

	frames := frame.New(cfg.TotalFrames)
	kernelPD := vmm.NewPageDirectory(vmm.Layout64)

	// Named kernel regions; sized
	// generously relative to TotalFrames so GetNextAddr's cursor walk
	// never wraps more than once in a demo run.
	regionSize := cfg.TotalFrames * frame.PageSize / 8
	kstacks := vmm.NewKernelRegion("kstack", 0xFFFF800000000000, 0xFFFF800000000000+regionSize, kernelPD, frames)
	pipeRegion := vmm.NewKernelRegion("pipe", 0xFFFF808000000000, 0xFFFF808000000000+regionSize, kernelPD, frames)
	_ = pipeRegion // reserved; pipefs nodes don't yet draw pages from it

	cpus := smp.NewTable(cfg.NumCPUs)
	bringup := smp.NewBringup(cpus, kernelPD, kstacks, logger)
	apIDs := make([]int32, 0, cfg.NumCPUs-1)
	for i := 1; i < cfg.NumCPUs; i++ {
		apIDs = append(apIDs, int32(i))
	}
	cpus.CPU(0).SetOnline(true)
	if err := bringup.BringUpAll(ctx, apIDs); err != nil {
		return nil, fmt.Errorf("smp bringup: %w", err)
	}

	tasks := task.NewTable()
	initTask := tasks.New()
	initTask.Comm = "init"
	initTask.AttachMem(memregion.NewTaskMem(kernelPD, frames, 8*frame.PageSize), frames)

	// init gets one anonymous pipe pre-installed at fd 3 (read) / fd 4
	// (write), standing in for the self-pipe init uses to catch its own
	// reaped-child notifications until a real pipe()/fork() syscall path
	// exists to create these on demand.
	pipeNode, _ := pipefsRoot(vfs.Ident{Dev: pipefsDev, Ino: 1})
	pipeFile := &vfs.OpenFile{Node: pipeNode}
	if _, err := initTask.Files.Install(pipeFile, 3); err != nil {
		return nil, fmt.Errorf("install init pipe: %w", err)
	}
	if _, err := initTask.Files.Install(pipeFile, 4); err != nil {
		return nil, fmt.Errorf("install init pipe: %w", err)
	}

	nodes := vfs.NewTable()
	dentry := vfs.NewDentryCache()
	mounts := vfs.NewMountTable()

	diskDev, err := blockdev.Open(cfg.DiskPath)
	if err != nil {
		return nil, fmt.Errorf("blockdev: %w", err)
	}

	rootFS := tmpfs.New(0)
	devFS := devfs.New(0)
	procFS := procfs.New(0)
	diskFS := diskfs.New(0, diskDev)

	if _, err := mounts.Mount("/", rootFS.Root(), rootFS); err != nil {
		return nil, fmt.Errorf("mount /: %w", err)
	}
	if _, err := mounts.Mount("/dev", vfs.Ident{Dev: 0, Ino: devfs.RootIno}, devFS); err != nil {
		return nil, fmt.Errorf("mount /dev: %w", err)
	}
	if _, err := mounts.Mount("/proc", procFS.Root(), procFS); err != nil {
		return nil, fmt.Errorf("mount /proc: %w", err)
	}
	if _, err := mounts.Mount("/mnt/disk", diskFS.Root(), diskFS); err != nil {
		return nil, fmt.Errorf("mount /mnt/disk: %w", err)
	}

	sysTTY := tty.New()
	console := tty.NewConsole(sysTTY, 25, 80)
	go console.Run(ctx)
	devFS.Register("tty0", devfs.Dev{Major: 4, Minor: 0}, 0620, vfs.TypeCharDevice, &ttyDriver{tty: sysTTY})

	audioDev := audio.New("dsp")
	devFS.Register("dsp", devfs.Dev{Major: 14, Minor: 3}, 0660, vfs.TypeCharDevice, audioDev)

	locks := lock.NewTable()
	irqs := irq.NewDispatcher()
	pciBus := pci.NewBus()

	arpCache := arp.NewCache(localIPv4(10, 0, 2, 15), arp.HWAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}, func(arp.HWAddr, []byte) {})

	perfMgr, err := newPerformanceManager(logger, frames, cpus, kernelLog)
	if err != nil {
		return nil, fmt.Errorf("performance manager: %w", err)
	}

	procFS.BootTime = time.Now()
	procFS.Tasks = tasks
	procFS.Registry = perfMgr.GetRegistry()
	procFS.Mounts = mounts.All
	procFS.Resolvers = []string{"127.0.0.1"}
	procFS.PIDs = tasks.PIDs
	procFS.PCIDevs = func() []procfs.PCIDevice {
		devs := pciBus.Scan()
		out := make([]procfs.PCIDevice, len(devs))
		for i, d := range devs {
			out[i] = procfs.PCIDevice{
				Bus: d.Bus, Device: d.Device, Function: d.Function,
				VendorID: d.VendorID, DeviceID: d.DeviceID,
				ClassCode: d.ClassCode, Subclass: d.Subclass,
			}
		}
		return out
	}
	procFS.ARPTable = func() []procfs.ARPEntry {
		snap := arpCache.Snapshot()
		out := make([]procfs.ARPEntry, len(snap))
		for i, e := range snap {
			out[i] = procfs.ARPEntry{IPv4: ipv4String(e.IP), MAC: macString(e.MAC), Iface: "eth0"}
		}
		return out
	}

	return &kernel{
		frames: frames, kernelPD: kernelPD, cpus: cpus, tasks: tasks, init: initTask,
		nodes: nodes, dentry: dentry, mounts: mounts,
		console: console, sysTTY: sysTTY,
		msgs: ipc.NewMsgTable(), sems: ipc.NewSemTable(), shms: ipc.NewShmTable(), locks: locks,
		arpCache: arpCache, irqs: irqs, pciBus: pciBus,
		perfMgr: perfMgr, diskDev: diskDev, audioDev: audioDev,
	}, nil
}

// newPerformanceManager registers the collectors that render
// /proc/meminfo, /proc/stat, and /proc/kmsg from kcore's own simulated
// state (pkg/frame, pkg/smp, and the kernel log ring tee'd into
// `logger`) rather than a real host's /proc.
func newPerformanceManager(logger logr.Logger, frames *frame.Allocator, cpus *smp.Table, kernelLog *collectors.KernelCollector) (*performance.Manager, error) {
	mgr, err := performance.NewManager(performance.ManagerOptions{
		Config: performance.CollectionConfig{
			EnabledCollectors: map[performance.MetricType]bool{
				performance.MetricTypeMemory: true,
				performance.MetricTypeCPU:    true,
				performance.MetricTypeKernel: true,
			},
		},
		Logger:   logger,
		Hostname: "kcore",
	})
	if err != nil {
		return nil, err
	}
	config := mgr.GetConfig()
	memCollector, err := collectors.NewMemoryCollector(logger, config, frames)
	if err != nil {
		return nil, fmt.Errorf("memory collector: %w", err)
	}
	if err := mgr.RegisterPointCollector(memCollector); err != nil {
		return nil, err
	}
	cpuCollector, err := collectors.NewCPUCollector(logger, config, cpus)
	if err != nil {
		return nil, fmt.Errorf("cpu collector: %w", err)
	}
	if err := mgr.RegisterPointCollector(cpuCollector); err != nil {
		return nil, err
	}
	// kernelLog was constructed in main() and already tee'd into every
	// logger.Info/Error call made since boot started; registering it
	// here just exposes its ring through procfs at /proc/kmsg.
	if err := mgr.RegisterPointCollector(kernelLog); err != nil {
		return nil, err
	}
	return mgr, nil
}

// teeSink fans every log record out to multiple logr.LogSinks, the way
// cmd/kcore sends each subsystem's logging both to stderr (via zapr)
// and into the simulated kernel log ring (pkg/performance/collectors's
// KernelCollector) so /proc/kmsg reflects what actually happened during
// boot instead of staying empty until something reads real /dev/kmsg.
type teeSink struct {
	sinks []logr.LogSink
}

func (t *teeSink) Init(info logr.RuntimeInfo) {
	for _, s := range t.sinks {
		s.Init(info)
	}
}

func (t *teeSink) Enabled(level int) bool {
	for _, s := range t.sinks {
		if s.Enabled(level) {
			return true
		}
	}
	return false
}

func (t *teeSink) Info(level int, msg string, keysAndValues ...any) {
	for _, s := range t.sinks {
		s.Info(level, msg, keysAndValues...)
	}
}

func (t *teeSink) Error(err error, msg string, keysAndValues ...any) {
	for _, s := range t.sinks {
		s.Error(err, msg, keysAndValues...)
	}
}

func (t *teeSink) WithValues(keysAndValues ...any) logr.LogSink {
	next := make([]logr.LogSink, len(t.sinks))
	for i, s := range t.sinks {
		next[i] = s.WithValues(keysAndValues...)
	}
	return &teeSink{sinks: next}
}

func (t *teeSink) WithName(name string) logr.LogSink {
	next := make([]logr.LogSink, len(t.sinks))
	for i, s := range t.sinks {
		next[i] = s.WithName(name)
	}
	return &teeSink{sinks: next}
}

// ttyDriver adapts tty.TTY's context-based, non-seekable I/O to
// devfs.ReadWriter's ReadAt/WriteAt shape: a character device has no
// notion of file position, so off is ignored, matching how a real
// kernel's tty driver ignores f_pos on read/write.
type ttyDriver struct{ tty *tty.TTY }

func (d *ttyDriver) ReadAt(p []byte, _ int64) (int, error) {
	return d.tty.ReadRaw(context.Background(), p)
}

func (d *ttyDriver) WriteAt(p []byte, _ int64) (int, error) {
	return d.tty.Write(context.Background(), p)
}

func localIPv4(a, b, c, d byte) uint32 {
	return binary.BigEndian.Uint32([]byte{a, b, c, d})
}

func ipv4String(ip uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], ip)
	return fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
}

func macString(mac arp.HWAddr) string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}

// pipefsDev is the synthetic device number pipefs nodes are minted
// under, distinguishing them from tmpfs/devfs/procfs's own device IDs
// in a Dirent or /proc/<pid>/maps listing.
const pipefsDev = 5

// pipefsRoot constructs an anonymous pipe's vfs.Node. boot_ uses it
// once, for init's self-pipe; a
// future pipe() syscall would call this per invocation instead.
func pipefsRoot(ident vfs.Ident) (*vfs.Node, *pipefs.Pipe) {
	return pipefs.NewNode(ident)
}
