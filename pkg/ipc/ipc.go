// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package ipc implements SysV message queues, semaphore sets, and shared
// memory: fixed slot tables addressed by queue_id % MaxSets, with
// generation stamping so IPC_RMID invalidates stale descriptors.
package ipc

import (
	"context"
	"sync"

	"github.com/kcore-project/kcore/pkg/errors"
)

// MaxSets bounds every IPC table's slot count.
const MaxSets = 128

// Perm is the common ownership/permission header every IPC object
// carries.
type Perm struct {
	Key          int32
	UID, GID     int32
	CUID, CGID   int32
	Mode         uint32
}

func slot(id int32) int32 { return id % MaxSets }

// checkPerm implements the common permission rule: superuser passes;
// else UID must match owner/creator for the owner bits, GID for the
// group bits, otherwise the other bits gate access. want is 4 (read) or
// 2 (write), matching the low mode bits.
func checkPerm(p Perm, uid, gid int32, want uint32) bool {
	if uid == 0 {
		return true
	}
	switch {
	case uid == p.UID || uid == p.CUID:
		return p.Mode&(want<<6) != 0
	case gid == p.GID || gid == p.CGID:
		return p.Mode&(want<<3) != 0
	default:
		return p.Mode&want != 0
	}
}

// Message is one queued SysV message.
type Message struct {
	Type    int64
	Payload []byte
}

// MsgQueue is one message queue: a bounded byte budget (qbytes) plus an
// ordered list of messages, with blocking senders/receivers woken on
// state change.
type MsgQueue struct {
	mu       sync.Mutex
	id       int32
	perm     Perm
	qbytes   int
	bytes    int
	messages []Message
	removed  bool
	notify   chan struct{}
}

func newNotify() chan struct{} { return make(chan struct{}) }

// MsgTable is the fixed msgid-indexed slot table.
type MsgTable struct {
	mu    sync.Mutex
	slots [MaxSets]*MsgQueue
	next  int32
}

func NewMsgTable() *MsgTable { return &MsgTable{next: 1} }

func (t *MsgTable) Create(perm Perm, qbytes int) *MsgQueue {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.next
	t.next++
	q := &MsgQueue{id: id, perm: perm, qbytes: qbytes, notify: newNotify()}
	t.slots[slot(id)] = q
	return q
}

func (t *MsgTable) Get(id int32) (*MsgQueue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q := t.slots[slot(id)]
	if q == nil || q.id != id || q.removed {
		return nil, errors.EIDRM
	}
	return q, nil
}

// Remove performs IPC_RMID: wakes every waiter with EIDRM and frees the
// slot. Ids come from a counter that only grows, so a stale id never
// matches the next queue allocated in this slot and Get reports EIDRM.
func (t *MsgTable) Remove(id int32) error {
	q, err := t.Get(id)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.removed = true
	close(q.notify)
	q.mu.Unlock()

	t.mu.Lock()
	t.slots[slot(id)] = nil
	t.mu.Unlock()
	return nil
}

// Send implements msgsnd: block while the queue is full unless noWait,
// waking receivers once the message is appended.
func (q *MsgQueue) Send(ctx context.Context, m Message, noWait bool) error {
	for {
		q.mu.Lock()
		if q.removed {
			q.mu.Unlock()
			return errors.EIDRM
		}
		if q.bytes+len(m.Payload) <= q.qbytes {
			q.messages = append(q.messages, m)
			q.bytes += len(m.Payload)
			old := q.notify
			q.notify = newNotify()
			q.mu.Unlock()
			close(old)
			return nil
		}
		if noWait {
			q.mu.Unlock()
			return errors.EAGAIN
		}
		wait := q.notify
		q.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return errors.ERESTARTSYS
		}
	}
}

// Receive implements msgrcv's selection rule: msgtyp==0 takes the head;
// msgtyp>0 takes the first exact match (or any if except is set);
// msgtyp<0 takes the lowest type <= |msgtyp|.
func (q *MsgQueue) Receive(ctx context.Context, msgtyp int64, except, noWait bool) (Message, error) {
	for {
		q.mu.Lock()
		if q.removed {
			q.mu.Unlock()
			return Message{}, errors.EIDRM
		}
		if idx, ok := selectMessage(q.messages, msgtyp, except); ok {
			m := q.messages[idx]
			q.messages = append(q.messages[:idx], q.messages[idx+1:]...)
			q.bytes -= len(m.Payload)
			old := q.notify
			q.notify = newNotify()
			q.mu.Unlock()
			close(old)
			return m, nil
		}
		if noWait {
			q.mu.Unlock()
			return Message{}, errors.ENOMSG
		}
		wait := q.notify
		q.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return Message{}, errors.ERESTARTSYS
		}
	}
}

func selectMessage(msgs []Message, msgtyp int64, except bool) (int, bool) {
	switch {
	case msgtyp == 0:
		if len(msgs) == 0 {
			return 0, false
		}
		return 0, true
	case msgtyp > 0:
		for i, m := range msgs {
			match := m.Type == msgtyp
			if except {
				match = m.Type != msgtyp
			}
			if match {
				return i, true
			}
		}
		return 0, false
	default:
		want := -msgtyp
		best := -1
		bestType := int64(1) << 62
		for i, m := range msgs {
			if m.Type <= want && m.Type < bestType {
				best, bestType = i, m.Type
			}
		}
		return best, best >= 0
	}
}
