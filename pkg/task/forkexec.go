// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package task

import (
	"github.com/kcore-project/kcore/pkg/memregion"
	"github.com/kcore-project/kcore/pkg/signal"
	"github.com/kcore-project/kcore/pkg/vmm"
)

// Fork registers a child task that is a copy of parent: a new PID, the
// parent/child link, and a copy-on-write address space built by
// vmm.Fork. Signal actions and the blocked mask are copied in (not
// shared: a thread group would share a single signal.State by pointer
// instead of calling Fork, which this package doesn't model since
// there's no clone(2) thread-creation path here), and pending signals
// start empty.
func (tb *Table) Fork(parent *Task) *Task {
	tb.mu.Lock()
	pid := tb.nextPID
	tb.nextPID++
	tb.mu.Unlock()

	child := newTask(pid)
	child.TGID = pid
	child.SID = parent.SID
	child.PGID = parent.PGID
	child.UID, child.GID, child.EUID, child.EGID = parent.UID, parent.GID, parent.EUID, parent.EGID
	child.Priority = parent.Priority
	child.Comm = parent.Comm
	child.Parent = parent
	child.frameAllocator = parent.frameAllocator
	child.Files = parent.Files.Clone()
	child.Signals.SetMask(signal.SigSetMask, parent.Signals.Blocked())
	for sig := 1; sig <= signal.NSIG; sig++ {
		child.Signals.SetAction(sig, parent.Signals.Action(sig))
	}

	if parent.Mem != nil && parent.frameAllocator != nil {
		result := vmm.Fork(parent.Mem.PageDirectory(), parent.Mem.ToVMAs(), parent.frameAllocator, true)
		child.Mem = memregion.NewTaskMem(result.Child, parent.frameAllocator, parent.Mem.StackRLimit)
		for _, r := range parent.Mem.Regions() {
			cr := *r
			_ = child.Mem.Insert(&cr)
		}
	}

	parent.mu.Lock()
	parent.Children = append(parent.Children, child)
	parent.mu.Unlock()

	tb.mu.Lock()
	tb.tasks[pid] = child
	tb.mu.Unlock()

	return child
}

// Exec replaces a task's address space with a freshly built one: the
// old mappings are released (private frames freed, shared ones just
// have their count dropped) and mem becomes the task's new memory view.
// Per execve(2), signals the task had installed a handler for revert to
// their default disposition; signals already set to Ignore stay
// ignored.
func (t *Task) Exec(mem *memregion.TaskMem, comm string) {
	if t.Mem != nil {
		t.Mem.FreeUserPages()
	}
	t.Mem = mem
	t.Comm = comm

	for sig := 1; sig <= signal.NSIG; sig++ {
		act := t.Signals.Action(sig)
		if act.Handler == signal.HandlerUser {
			t.Signals.SetAction(sig, signal.Action{Handler: signal.HandlerDefault})
		}
	}
}
