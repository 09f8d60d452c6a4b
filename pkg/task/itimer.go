// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package task

import (
	"sync"
	"time"

	"github.com/kcore-project/kcore/pkg/errors"
	"github.com/kcore-project/kcore/pkg/signal"
)

// ItimerWhich selects one of the three classic interval timers of
// getitimer/setitimer(2): real, virtual, prof.
type ItimerWhich int

const (
	ItimerReal ItimerWhich = iota
	ItimerVirtual
	ItimerProf
	numClassicTimers
)

func (w ItimerWhich) signal() int {
	switch w {
	case ItimerVirtual:
		return signal.SIGVTALRM
	case ItimerProf:
		return signal.SIGPROF
	default:
		return signal.SIGALRM
	}
}

// ItimerVal mirrors struct itimerval: a one-shot or periodic duration
// pair. Value <= 0 means disarmed.
type ItimerVal struct {
	Interval time.Duration
	Value    time.Duration
}

type classicTimer struct {
	cfg     ItimerVal
	armedAt time.Time
	clk     *time.Timer
}

// PosixTimer is one timer_create(2)-allocated timer. Unlike the three
// classic itimers it carries an explicit overrun count: each
// expiration that finds the timer's signal still pending increments
// Overrun instead of queuing a redundant signal, and
// Timers.TimerGetoverrun resets the count on read.
type PosixTimer struct {
	ID      int32
	Signo   int
	cfg     ItimerVal
	clk     *time.Timer
	overrun int32
}

// Timers holds a task's three classic interval timers plus its
// timer_create(2)-allocated set. Timers are never copied by Fork (per
// alarm/setitimer/timer_create semantics, a child starts with none
// armed); newTask always builds a fresh Timers bound to the task that
// owns it.
type Timers struct {
	mu        sync.Mutex
	classic   [numClassicTimers]classicTimer
	posix     map[int32]*PosixTimer
	nextID    int32
	now       func() time.Time
	deliver   func(signo int)
	isPending func(signo int) bool
}

// NewTimers builds a Timers set that delivers expirations through
// deliver and consults isPending to decide whether an expiration
// overruns (signal already pending) or is delivered fresh.
func NewTimers(deliver func(signo int), isPending func(signo int) bool) *Timers {
	return &Timers{
		posix:     make(map[int32]*PosixTimer),
		now:       time.Now,
		deliver:   deliver,
		isPending: isPending,
	}
}

func (ts *Timers) readClassicLocked(which ItimerWhich) ItimerVal {
	ct := &ts.classic[which]
	if ct.cfg.Value <= 0 {
		return ItimerVal{}
	}
	remaining := ct.cfg.Value - ts.now().Sub(ct.armedAt)
	if remaining < 0 {
		remaining = 0
	}
	return ItimerVal{Interval: ct.cfg.Interval, Value: remaining}
}

// SetItimer implements setitimer(2): arms which with new and returns
// the previous setting.
func (ts *Timers) SetItimer(which ItimerWhich, new ItimerVal) ItimerVal {
	ts.mu.Lock()
	old := ts.readClassicLocked(which)
	ct := &ts.classic[which]
	if ct.clk != nil {
		ct.clk.Stop()
		ct.clk = nil
	}
	ct.cfg = new
	if new.Value > 0 {
		ct.armedAt = ts.now()
		ct.clk = time.AfterFunc(new.Value, func() { ts.fireClassic(which) })
	}
	ts.mu.Unlock()
	return old
}

func (ts *Timers) GetItimer(which ItimerWhich) ItimerVal {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.readClassicLocked(which)
}

func (ts *Timers) fireClassic(which ItimerWhich) {
	ts.mu.Lock()
	ct := &ts.classic[which]
	if ct.cfg.Interval > 0 {
		ct.cfg.Value = ct.cfg.Interval
		ct.armedAt = ts.now()
		ct.clk = time.AfterFunc(ct.cfg.Interval, func() { ts.fireClassic(which) })
	} else {
		ct.cfg = ItimerVal{}
		ct.clk = nil
	}
	deliver := ts.deliver
	ts.mu.Unlock()

	if deliver != nil {
		deliver(which.signal())
	}
}

// Alarm implements the legacy alarm(2) call in terms of ItimerReal,
// returning the whole seconds remaining on any previously armed alarm.
func (ts *Timers) Alarm(seconds uint) uint {
	old := ts.SetItimer(ItimerReal, ItimerVal{Value: time.Duration(seconds) * time.Second})
	return uint(old.Value / time.Second)
}

// TimerCreate allocates a POSIX per-process timer that delivers signo
// with SIGEV_SIGNAL semantics on expiry.
func (ts *Timers) TimerCreate(signo int) int32 {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.nextID++
	id := ts.nextID
	ts.posix[id] = &PosixTimer{ID: id, Signo: signo}
	return id
}

// TimerSettime arms or disarms id, returning its previous setting.
func (ts *Timers) TimerSettime(id int32, new ItimerVal) (ItimerVal, error) {
	ts.mu.Lock()
	pt, ok := ts.posix[id]
	if !ok {
		ts.mu.Unlock()
		return ItimerVal{}, errors.ENOENT
	}
	old := pt.cfg
	if pt.clk != nil {
		pt.clk.Stop()
		pt.clk = nil
	}
	pt.cfg = new
	if new.Value > 0 {
		pt.clk = time.AfterFunc(new.Value, func() { ts.firePosix(id) })
	}
	ts.mu.Unlock()
	return old, nil
}

func (ts *Timers) TimerGettime(id int32) (ItimerVal, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	pt, ok := ts.posix[id]
	if !ok {
		return ItimerVal{}, errors.ENOENT
	}
	return pt.cfg, nil
}

func (ts *Timers) TimerDelete(id int32) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	pt, ok := ts.posix[id]
	if !ok {
		return errors.ENOENT
	}
	if pt.clk != nil {
		pt.clk.Stop()
	}
	delete(ts.posix, id)
	return nil
}

// TimerGetoverrun returns the count of expirations that found id's
// signal still pending since the last call, then resets the counter.
func (ts *Timers) TimerGetoverrun(id int32) (int32, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	pt, ok := ts.posix[id]
	if !ok {
		return 0, errors.ENOENT
	}
	n := pt.overrun
	pt.overrun = 0
	return n, nil
}

func (ts *Timers) firePosix(id int32) {
	ts.mu.Lock()
	pt, ok := ts.posix[id]
	if !ok {
		ts.mu.Unlock()
		return
	}
	if pt.cfg.Interval > 0 {
		pt.cfg.Value = pt.cfg.Interval
		pt.clk = time.AfterFunc(pt.cfg.Interval, func() { ts.firePosix(id) })
	} else {
		pt.clk = nil
	}
	signo := pt.Signo
	isPending := ts.isPending
	deliver := ts.deliver
	ts.mu.Unlock()

	if isPending != nil && isPending(signo) {
		ts.mu.Lock()
		if pt, ok := ts.posix[id]; ok {
			pt.overrun++
		}
		ts.mu.Unlock()
		return
	}
	if deliver != nil {
		deliver(signo)
	}
}

// StopAll cancels every armed timer without delivering anything
// further, called when the owning task exits so no goroutine fires
// against a task that no longer exists.
func (ts *Timers) StopAll() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for i := range ts.classic {
		if ts.classic[i].clk != nil {
			ts.classic[i].clk.Stop()
			ts.classic[i].clk = nil
		}
	}
	for _, pt := range ts.posix {
		if pt.clk != nil {
			pt.clk.Stop()
			pt.clk = nil
		}
	}
}
