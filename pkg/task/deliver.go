// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package task

import (
	"github.com/kcore-project/kcore/pkg/errors"
	"github.com/kcore-project/kcore/pkg/signal"
)

// DeliveredSignal is the signal frame the return-to-user trampoline
// pushes for a user-registered handler: the siginfo the handler
// receives, the action being invoked, and the blocked mask Sigreturn
// restores when the handler finishes.
type DeliveredSignal struct {
	Info    signal.Siginfo
	Action  signal.Action
	OldMask signal.Set
}

// DeliverSignals is the return-to-user delivery trampoline, run by the
// scheduler each time a task is about to resume user mode. It consumes
// ready signals lowest-numbered first and acts on each disposition:
//
//   - explicitly ignored, or default-ignore: consumed silently.
//   - default terminate/core: the task exits with the signal's status;
//     Exit signals the parent with SIGCHLD and wakes its waiters.
//   - default stop: the task transitions to Stopped; remaining pending
//     signals stay queued for when it resumes.
//   - SIGCONT's default: a Stopped task goes back to Ready.
//   - user handler: a frame is pushed, the handler's mask is applied
//     (EnterHandler also honors SA_NODEFER/SA_RESETHAND), and delivery
//     stops — one handler invocation per return to user.
//
// The pushed frame, if any, is returned so the context-switch code can
// point the resumed task at its handler; it is also recorded on the
// task for Sigreturn.
func (t *Task) DeliverSignals() (*DeliveredSignal, bool) {
	for {
		info, ok := t.Signals.NextDeliverable()
		if !ok {
			return nil, false
		}
		act := t.Signals.Action(info.Signo)

		if act.Handler == signal.HandlerUser {
			old := t.Signals.EnterHandler(info.Signo, act)
			frame := &DeliveredSignal{Info: info, Action: act, OldMask: old}
			t.mu.Lock()
			t.sigFrames = append(t.sigFrames, frame)
			t.mu.Unlock()
			return frame, true
		}
		if act.Handler == signal.HandlerIgnore {
			continue
		}

		switch signal.DefaultDisposition(info.Signo) {
		case signal.DispIgnore:
			continue
		case signal.DispContinue:
			if t.State() == StateStopped {
				t.SetState(StateReady)
			}
			continue
		case signal.DispStop:
			t.SetState(StateStopped)
			return nil, false
		default: // DispTerm, DispCore
			t.Exit(128 + info.Signo)
			return nil, false
		}
	}
}

// Sigreturn reverses the most recent handler frame, restoring the
// blocked mask saved at delivery. EINVAL with no frame outstanding (a
// userspace sigreturn with nothing delivered).
func (t *Task) Sigreturn() error {
	t.mu.Lock()
	n := len(t.sigFrames)
	if n == 0 {
		t.mu.Unlock()
		return errors.EINVAL
	}
	f := t.sigFrames[n-1]
	t.sigFrames = t.sigFrames[:n-1]
	t.mu.Unlock()

	t.Signals.SetMask(signal.SigSetMask, f.OldMask)
	return nil
}
