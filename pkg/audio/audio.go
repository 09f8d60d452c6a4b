// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package audio implements the sound device ioctl surface
// (AUDIO_SETINFO/GETINFO/SETPAR/GETPAR/GETPOS/START/STOP/FLUSH/DRAIN/
// GETDEV): a queued-buffer playback model sitting behind
// devfs's generic driver contract (pkg/vfs/devfs only forwards
// Read/Write to whatever state a registered driver keeps).
package audio

import (
	"sync"

	"github.com/kcore-project/kcore/pkg/errors"
)

// Encoding is the sample encoding AUDIO_SETINFO negotiates.
type Encoding int

const (
	EncodingLinear Encoding = iota
	EncodingULaw
	EncodingALaw
)

func (e Encoding) supported() bool {
	switch e {
	case EncodingLinear, EncodingULaw, EncodingALaw:
		return true
	default:
		return false
	}
}

// Info mirrors AUDIO_{SET,GET}INFO's negotiable sample format.
type Info struct {
	SampleRate uint32
	Channels   uint8
	Precision  uint8 // bits per sample
	Encoding   Encoding
}

// Device is one sound node's state: the negotiated format, the
// playback queue, and the position counter AUDIO_GETPOS reports.
type Device struct {
	mu          sync.Mutex
	name        string
	info        Info
	queued      [][]byte
	playedBytes int64
	running     bool
}

func New(name string) *Device {
	return &Device{
		name: name,
		info: Info{SampleRate: 44100, Channels: 2, Precision: 16, Encoding: EncodingLinear},
	}
}

// SETINFO negotiates a new format; unsupported encodings return
// EINVAL.
func (d *Device) SETINFO(info Info) error {
	if !info.Encoding.supported() {
		return errors.EINVAL
	}
	d.mu.Lock()
	d.info = info
	d.mu.Unlock()
	return nil
}

func (d *Device) GETINFO() Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info
}

// SETPAR/GETPAR adjust the same negotiable fields as SETINFO/GETINFO;
// real AUDIO_SETPAR additionally distinguishes a "try" mode from a
// committing mode, which this device has no use for since it never
// rejects a format change beyond the encoding check.
func (d *Device) SETPAR(info Info) error { return d.SETINFO(info) }
func (d *Device) GETPAR() Info           { return d.GETINFO() }

// START/STOP gate whether WriteAt accepts new buffers, modeling the
// DMA engine being armed.
func (d *Device) START() { d.mu.Lock(); d.running = true; d.mu.Unlock() }
func (d *Device) STOP()  { d.mu.Lock(); d.running = false; d.mu.Unlock() }

// FLUSH discards every queued-but-unplayed buffer without waiting for
// it to drain, where DRAIN accounts queued bytes as played first. It
// returns the count of buffers it discarded so a caller logging the
// ioctl can report what it did.
func (d *Device) FLUSH() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.queued)
	d.queued = nil
	return n
}

// DRAIN waits for every queued buffer to finish playing. This
// simulated device has no real playback clock running in the
// background, so it synchronously accounts the queue as played and
// advances the position counter instead of blocking.
func (d *Device) DRAIN() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, b := range d.queued {
		d.playedBytes += int64(len(b))
	}
	d.queued = nil
}

// GETPOS reports bytes played so far. The count only grows; a format
// change through SETINFO does not reset it.
func (d *Device) GETPOS() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.playedBytes
}

func (d *Device) GETDEV() string { return d.name }

// WriteAt queues a block of samples for playback, implementing
// devfs.ReadWriter so the node registers like any other device.
// Writes while stopped are rejected with EAGAIN rather than silently
// queued, since nothing will ever drain them until START is called.
func (d *Device) WriteAt(p []byte, _ int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return 0, errors.EAGAIN
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	d.queued = append(d.queued, buf)
	return len(p), nil
}

// ReadAt is not implemented: this device models playback only, not
// capture.
func (d *Device) ReadAt(p []byte, _ int64) (int, error) {
	return 0, errors.ENOSYS
}

// QueueDepth reports how many buffers are currently queued, for
// /proc/<pid>/io-style instrumentation or tests.
func (d *Device) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queued)
}
