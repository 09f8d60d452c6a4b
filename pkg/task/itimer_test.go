// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kcore-project/kcore/pkg/signal"
)

func TestSetItimerThenGetitimerRoundTrips(t *testing.T) {
	// setitimer(x) then getitimer() reads back x, modulo elapsed time.
	ts := NewTimers(nil, nil)
	want := ItimerVal{Value: time.Hour, Interval: 30 * time.Minute}
	ts.SetItimer(ItimerReal, want)

	got := ts.GetItimer(ItimerReal)
	assert.Equal(t, want.Interval, got.Interval)
	assert.InDelta(t, want.Value, got.Value, float64(time.Second))
}

func TestSetItimerReturnsPreviousSetting(t *testing.T) {
	ts := NewTimers(nil, nil)
	ts.SetItimer(ItimerVirtual, ItimerVal{Value: time.Minute})
	old := ts.SetItimer(ItimerVirtual, ItimerVal{Value: 2 * time.Minute})
	assert.InDelta(t, time.Minute, old.Value, float64(time.Second))
}

func TestItimerFiresAndDeliversSignal(t *testing.T) {
	var delivered []int
	ts := NewTimers(func(signo int) { delivered = append(delivered, signo) }, func(int) bool { return false })
	ts.SetItimer(ItimerReal, ItimerVal{Value: 5 * time.Millisecond})

	require.Eventually(t, func() bool { return len(delivered) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, signal.SIGALRM, delivered[0])
}

func TestItimerVirtualAndProfDeliverDistinctSignals(t *testing.T) {
	var got int
	ts := NewTimers(func(signo int) { got = signo }, func(int) bool { return false })
	ts.SetItimer(ItimerProf, ItimerVal{Value: 5 * time.Millisecond})
	require.Eventually(t, func() bool { return got != 0 }, time.Second, time.Millisecond)
	assert.Equal(t, signal.SIGPROF, got)
}

func TestAlarmReturnsPreviousRemainingSeconds(t *testing.T) {
	ts := NewTimers(nil, nil)
	ts.Alarm(60)
	prev := ts.Alarm(30)
	assert.Equal(t, uint(59), prev) // just under 60s elapsed negligibly
}

func TestPosixTimerOverrunCountsAndResetsOnRead(t *testing.T) {
	// Overrun counts expirations
	// delivered while the prior signal is still pending, and
	// timer_getoverrun resets the count.
	pending := true
	ts := NewTimers(func(int) {}, func(int) bool { return pending })

	id := ts.TimerCreate(signal.SIGUSR1)
	_, err := ts.TimerSettime(id, ItimerVal{Value: 2 * time.Millisecond, Interval: 2 * time.Millisecond})
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	_, err = ts.TimerSettime(id, ItimerVal{}) // disarm before reading the count
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	n, err := ts.TimerGetoverrun(id)
	require.NoError(t, err)
	assert.Greater(t, n, int32(0), "expirations while the signal stayed pending are overruns")
	n, err = ts.TimerGetoverrun(id)
	require.NoError(t, err)
	assert.Equal(t, int32(0), n, "reading the count resets it")

	require.NoError(t, ts.TimerDelete(id))
	_, err = ts.TimerGetoverrun(id)
	require.Error(t, err, "getoverrun on a deleted timer must fail")
}

func TestPosixTimerDeliversFreshWhenSignalNotPending(t *testing.T) {
	var delivered int
	ts := NewTimers(func(signo int) { delivered++ }, func(int) bool { return false })

	id := ts.TimerCreate(signal.SIGUSR2)
	_, err := ts.TimerSettime(id, ItimerVal{Value: 5 * time.Millisecond})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return delivered == 1 }, time.Second, time.Millisecond)

	n, err := ts.TimerGetoverrun(id)
	require.NoError(t, err)
	assert.Equal(t, int32(0), n, "no overrun when every expiration delivered fresh")
}

func TestPosixTimerSettimeOnUnknownIDFails(t *testing.T) {
	ts := NewTimers(nil, nil)
	_, err := ts.TimerSettime(99, ItimerVal{})
	assert.Error(t, err)
}

func TestStopAllCancelsPendingTimers(t *testing.T) {
	var delivered bool
	ts := NewTimers(func(int) { delivered = true }, func(int) bool { return false })
	ts.SetItimer(ItimerReal, ItimerVal{Value: 10 * time.Millisecond})
	ts.StopAll()

	time.Sleep(30 * time.Millisecond)
	assert.False(t, delivered, "StopAll must cancel the underlying timer")
}

func TestTaskTimersFieldDeliversThroughSignalState(t *testing.T) {
	tb := NewTable()
	tsk := tb.New()
	tsk.Timers.SetItimer(ItimerReal, ItimerVal{Value: 5 * time.Millisecond})

	require.Eventually(t, func() bool {
		return tsk.Signals.Pending().Has(signal.SIGALRM)
	}, time.Second, time.Millisecond)
}
