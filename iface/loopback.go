// Package iface supplies concrete Transport.Interface implementations
// (§6.2): the spec explicitly scopes physical drivers out, but a
// pluggable capability needs at least one runnable instance to exercise
// Transport end-to-end. Grounded on socks.Server's accept/queue shape
// (fixed-capacity inbound queue, non-blocking Poll-style drain) adapted
// from an accept loop into a frame queue.
package iface

import (
	"sync"

	"github.com/torlando-tech/microreticulum-go/packet"
)

// defaultQueueSize bounds how many undelivered inbound frames a Loopback
// interface holds before dropping the oldest. (Transport's own tables
// differ: they reject new keys once full.)
const defaultQueueSize = 64

// Loopback is an in-memory Interface, useful for tests and for wiring
// two local Transports together without a real network. Pair two
// Loopback instances via Connect to form a bidirectional link.
type Loopback struct {
	mu      sync.Mutex
	queue   [][]byte
	cap     int
	online  bool
	peer    *Loopback
	allowed bool
}

// NewLoopback creates an online Loopback interface with announces
// allowed by default.
func NewLoopback() *Loopback {
	return &Loopback{cap: defaultQueueSize, online: true, allowed: true}
}

// Connect pairs a and b: frames a sends arrive in b's Poll queue and
// vice versa.
func Connect(a, b *Loopback) {
	a.peer = b
	b.peer = a
}

// SendOutgoing hands data to the paired peer's inbound queue. Oldest
// queued frame is dropped if the peer's queue is full, rather than
// blocking the sender.
func (l *Loopback) SendOutgoing(data []byte) error {
	l.mu.Lock()
	peer := l.peer
	l.mu.Unlock()
	if peer == nil {
		return nil
	}
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if len(peer.queue) >= peer.cap {
		peer.queue = peer.queue[1:]
	}
	peer.queue = append(peer.queue, append([]byte(nil), data...))
	return nil
}

// Poll drains every frame queued since the last call.
func (l *Loopback) Poll() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.queue
	l.queue = nil
	return out
}

// MTU returns packet.MTU, the spec's wire MTU constant.
func (l *Loopback) MTU() int { return packet.MTU }

// Online reports whether the interface currently accepts traffic.
func (l *Loopback) Online() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.online
}

// SetOnline toggles the interface's online state, for simulating link
// loss in tests.
func (l *Loopback) SetOnline(online bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.online = online
}

// Bitrate reports an arbitrary high in-memory transfer rate: loopback
// has no real bandwidth ceiling.
func (l *Loopback) Bitrate() int { return 1 << 30 }

// AnnounceAllowed reports whether this interface propagates announces.
func (l *Loopback) AnnounceAllowed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowed
}

// SetAnnounceAllowed configures whether this interface propagates
// announces.
func (l *Loopback) SetAnnounceAllowed(allowed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allowed = allowed
}
