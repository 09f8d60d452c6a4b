// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package arp implements the ARP cache and resolver: a fixed-size
// LRU-aged table, a pending-packet queue for in-flight resolutions, and
// the request/reply state machine.
package arp

import (
	"encoding/binary"
	"sync"
	"time"
)

type HWAddr [6]byte

var Broadcast = HWAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func (h HWAddr) IsBroadcast() bool { return h == Broadcast }
func (h HWAddr) IsMulticast() bool { return h[0]&0x01 != 0 }

// Entry is one resolved IP->MAC mapping.
type Entry struct {
	IP      uint32
	MAC     HWAddr
	Expiry  time.Time
}

// capacity bounds the cache and the pending-packet queue so a flood of
// unresolved destinations can't grow them unboundedly.
const (
	capacity    = 256
	entryTTL    = 20 * time.Minute
	pruneEvery  = 5 * time.Minute
	rateLimit   = 1 * time.Second
	outQueueCap = 64
)

// Packet is a queued outbound frame awaiting MAC resolution.
type Packet struct {
	DestIP  uint32
	Payload []byte
	Queued  time.Time
}

// Transmit sends a fully-addressed frame (request or release packet).
type Transmit func(dstMAC HWAddr, payload []byte)

// Cache is one interface's ARP state.
type Cache struct {
	mu      sync.Mutex
	entries map[uint32]*Entry
	order   []uint32 // LRU order, oldest first
	out     []Packet

	// lastReply gates outgoing replies for the whole interface. Keying
	// the limit per sender would let a spoofed stream of distinct
	// source IPs bypass it entirely, which is the flood the limit
	// exists to stop.
	lastReply time.Time

	now         func() time.Time
	transmit    Transmit
	ourIP       uint32
	ourMAC      HWAddr
}

func NewCache(ourIP uint32, ourMAC HWAddr, transmit Transmit) *Cache {
	return &Cache{
		entries:  make(map[uint32]*Entry),
		now:      time.Now,
		transmit: transmit,
		ourIP:    ourIP,
		ourMAC:   ourMAC,
	}
}

func (c *Cache) touch(ip uint32) {
	for i, o := range c.order {
		if o == ip {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, ip)
}

func (c *Cache) insert(ip uint32, mac HWAddr) {
	if _, exists := c.entries[ip]; !exists && len(c.entries) >= capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[ip] = &Entry{IP: ip, MAC: mac, Expiry: c.now().Add(entryTTL)}
	c.touch(ip)
}

// Lookup returns the cached MAC for ip, if present and unexpired.
func (c *Cache) Lookup(ip uint32) (HWAddr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[ip]
	if !ok || c.now().After(e.Expiry) {
		return HWAddr{}, false
	}
	c.touch(ip)
	return e.MAC, true
}

// Prune reaps expired entries; intended to be called by a periodic
// background task roughly every pruneEvery.
func (c *Cache) Prune() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	var kept []uint32
	for _, ip := range c.order {
		if e, ok := c.entries[ip]; ok && now.After(e.Expiry) {
			delete(c.entries, ip)
			continue
		}
		kept = append(kept, ip)
	}
	c.order = kept
}

// PruneInterval reports the pruner's intended wake period, for callers
// wiring up the periodic task.
func PruneInterval() time.Duration { return pruneEvery }

// OpCode is the ARP operation field.
type OpCode uint16

const (
	OpRequest OpCode = 1
	OpReply   OpCode = 2
)

// Frame is the fields of an ARP packet this resolver inspects.
type Frame struct {
	HWType, Proto   uint16
	HWLen, ProtoLen uint8
	Op              OpCode
	SenderMAC       HWAddr
	SenderIP        uint32
	TargetMAC       HWAddr
	TargetIP        uint32
}

func validFixedFields(f Frame) bool {
	return f.HWType == 1 && f.Proto == 0x0800 && f.HWLen == 6 && f.ProtoLen == 4
}

// Receive processes an inbound ARP frame per the validate/refresh/
// insert/reply/notify pipeline, then releases any pending packets whose
// destination just became resolvable.
func (c *Cache) Receive(f Frame) {
	if !validFixedFields(f) || f.SenderMAC.IsBroadcast() || f.SenderMAC.IsMulticast() {
		return
	}

	c.mu.Lock()
	_, alreadyExisted := c.entries[f.SenderIP]
	if alreadyExisted {
		c.insert(f.SenderIP, f.SenderMAC)
	}

	if f.TargetIP == c.ourIP {
		if !alreadyExisted {
			c.insert(f.SenderIP, f.SenderMAC)
		}
		if f.Op == OpRequest {
			now := c.now()
			if now.Sub(c.lastReply) >= rateLimit {
				c.lastReply = now
				reply := Frame{
					HWType: f.HWType, Proto: f.Proto, HWLen: f.HWLen, ProtoLen: f.ProtoLen,
					Op: OpReply, SenderMAC: c.ourMAC, SenderIP: c.ourIP,
					TargetMAC: f.SenderMAC, TargetIP: f.SenderIP,
				}
				tx := c.transmit
				c.mu.Unlock()
				if tx != nil {
					tx(f.SenderMAC, encode(reply))
				}
				c.mu.Lock()
			}
		}
	}
	c.mu.Unlock()

	c.checkDelayedPackets()
}

// encode serializes f as a standard 28-byte ARP packet (RFC 826):
// hardware type, protocol type, address lengths, operation, then
// sender/target hardware and protocol addresses, each big-endian.
func encode(f Frame) []byte {
	buf := make([]byte, 28)
	binary.BigEndian.PutUint16(buf[0:2], f.HWType)
	binary.BigEndian.PutUint16(buf[2:4], f.Proto)
	buf[4] = f.HWLen
	buf[5] = f.ProtoLen
	binary.BigEndian.PutUint16(buf[6:8], uint16(f.Op))
	copy(buf[8:14], f.SenderMAC[:])
	binary.BigEndian.PutUint32(buf[14:18], f.SenderIP)
	copy(buf[18:24], f.TargetMAC[:])
	binary.BigEndian.PutUint32(buf[24:28], f.TargetIP)
	return buf
}

// EthTypeIPv4 is the EtherType value for an IPv4 payload.
const EthTypeIPv4 = 0x0800

// EthFrame prepends an Ethernet header (dst, src, EtherType 0x0800) to
// payload. This is what checkDelayedPackets hands to transmit once a
// queued packet's destination resolves.
func EthFrame(dst, src HWAddr, payload []byte) []byte {
	out := make([]byte, 14+len(payload))
	copy(out[0:6], dst[:])
	copy(out[6:12], src[:])
	binary.BigEndian.PutUint16(out[12:14], EthTypeIPv4)
	copy(out[14:], payload)
	return out
}

// Resolve implements the outgoing resolution flow: broadcast/multicast
// destinations compute a MAC directly, cache hits return immediately,
// and misses queue the packet and emit a request.
func (c *Cache) Resolve(dstIP uint32, broadcast bool, payload []byte) (HWAddr, bool) {
	if broadcast {
		return Broadcast, true
	}
	if mac, ok := c.Lookup(dstIP); ok {
		return mac, true
	}

	c.mu.Lock()
	if len(c.out) >= outQueueCap {
		c.dropOldestExpired()
	}
	c.out = append(c.out, Packet{DestIP: dstIP, Payload: payload, Queued: c.now()})
	c.mu.Unlock()

	if c.transmit != nil {
		req := Frame{HWType: 1, Proto: 0x0800, HWLen: 6, ProtoLen: 4, Op: OpRequest,
			SenderMAC: c.ourMAC, SenderIP: c.ourIP, TargetIP: dstIP}
		c.transmit(Broadcast, encode(req))
	}
	return HWAddr{}, false
}

func (c *Cache) dropOldestExpired() {
	if len(c.out) == 0 {
		return
	}
	c.out = c.out[1:]
}

// checkDelayedPackets releases queued packets whose destination is now
// resolvable, handing each to transmit.
func (c *Cache) checkDelayedPackets() {
	c.mu.Lock()
	var remaining []Packet
	var ready []Packet
	for _, p := range c.out {
		if e, ok := c.entries[p.DestIP]; ok && !c.now().After(e.Expiry) {
			ready = append(ready, p)
		} else {
			remaining = append(remaining, p)
		}
	}
	c.out = remaining
	c.mu.Unlock()

	for _, p := range ready {
		if mac, ok := c.Lookup(p.DestIP); ok && c.transmit != nil {
			c.transmit(mac, EthFrame(mac, c.ourMAC, p.Payload))
		}
	}
}

func (c *Cache) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.out)
}

// Snapshot returns a copy of the resolved entries in LRU order, oldest
// first, for read-only inspection (e.g. rendering /proc/net/arp).
func (c *Cache) Snapshot() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, 0, len(c.order))
	for _, ip := range c.order {
		if e, ok := c.entries[ip]; ok {
			out = append(out, *e)
		}
	}
	return out
}
