// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pipefs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kcore-project/kcore/pkg/errors"
)

func TestWriteThenReadRoundTrips(t *testing.T) {
	p := NewPipe()
	ctx := context.Background()

	n, err := p.Write(ctx, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 16)
	got, err := p.Read(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:got]))
}

func TestReadBlocksUntilWriteArrives(t *testing.T) {
	p := NewPipe()
	ctx := context.Background()
	result := make(chan string, 1)

	go func() {
		buf := make([]byte, 16)
		n, err := p.Read(ctx, buf)
		if err != nil {
			result <- "err:" + err.Error()
			return
		}
		result <- string(buf[:n])
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := p.Write(ctx, []byte("late"))
	require.NoError(t, err)

	select {
	case got := <-result:
		assert.Equal(t, "late", got)
	case <-time.After(time.Second):
		t.Fatal("read never unblocked")
	}
}

func TestReadReturnsEOFAfterLastWriterCloses(t *testing.T) {
	p := NewPipe()
	p.CloseWriter()

	n, err := p.Read(context.Background(), make([]byte, 8))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWriteAfterLastReaderClosesReturnsEPIPE(t *testing.T) {
	p := NewPipe()
	sigSent := false
	p.SendSigPipe = func() { sigSent = true }
	p.CloseReader()

	_, err := p.Write(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, errors.EPIPE)
	assert.True(t, sigSent)
}

func TestWriteBlocksWhenFullThenUnblocksOnDrain(t *testing.T) {
	p := NewPipe()
	ctx := context.Background()

	full := make([]byte, Capacity)
	n, err := p.Write(ctx, full)
	require.NoError(t, err)
	assert.Equal(t, Capacity, n)

	done := make(chan struct{})
	go func() {
		_, err := p.Write(ctx, []byte("more"))
		assert.NoError(t, err)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("write should still be blocked on a full pipe")
	default:
	}

	_, err = p.Read(ctx, make([]byte, Capacity))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("write never unblocked after drain")
	}
}

func TestWriteInterruptibleByContextCancel(t *testing.T) {
	p := NewPipe()
	ctx, cancel := context.WithCancel(context.Background())

	_, err := p.Write(context.Background(), make([]byte, Capacity))
	require.NoError(t, err)

	cancel()
	_, err = p.Write(ctx, []byte("x"))
	assert.ErrorIs(t, err, errors.ERESTARTSYS)
}
