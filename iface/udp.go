package iface

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/torlando-tech/microreticulum-go/packet"
)

// udpQueueSize bounds the inbound frame queue fed by the background
// read loop; Poll drains it on the core tick.
const udpQueueSize = 256

// UDP is a datagram Interface bound to a local UDP socket, broadcasting
// every outgoing frame to a fixed remote peer address. Reticulum's real
// UDP interface supports multicast discovery; this implementation
// covers the point-to-point case the spec's testable properties need.
type UDP struct {
	conn   *net.UDPConn
	remote *net.UDPAddr
	logger *slog.Logger

	mu    sync.Mutex
	queue [][]byte

	online int32 // atomic bool
}

// NewUDP opens a UDP socket bound to localAddr and sends to remoteAddr,
// spawning a background goroutine that reads datagrams into a bounded
// queue for Poll to drain. Grounded on the teacher's accept-loop-feeding-
// a-queue shape in socks.Server, adapted from TCP accept to UDP
// ReadFromUDP.
func NewUDP(localAddr, remoteAddr string, logger *slog.Logger) (*UDP, error) {
	if logger == nil {
		logger = slog.Default()
	}
	local, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("iface: resolve local addr: %w", err)
	}
	remote, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("iface: resolve remote addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		return nil, fmt.Errorf("iface: listen udp: %w", err)
	}

	u := &UDP{conn: conn, remote: remote, logger: logger}
	atomic.StoreInt32(&u.online, 1)
	go u.readLoop()
	return u, nil
}

func (u *UDP) readLoop() {
	buf := make([]byte, packet.MTU+64)
	for {
		n, _, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			atomic.StoreInt32(&u.online, 0)
			return
		}
		frame := append([]byte(nil), buf[:n]...)
		u.mu.Lock()
		if len(u.queue) >= udpQueueSize {
			u.queue = u.queue[1:]
		}
		u.queue = append(u.queue, frame)
		u.mu.Unlock()
	}
}

// SendOutgoing writes data as a single UDP datagram to the configured
// remote peer.
func (u *UDP) SendOutgoing(data []byte) error {
	_, err := u.conn.WriteToUDP(data, u.remote)
	if err != nil {
		u.logger.Warn("udp send failed", "error", err)
	}
	return err
}

// Poll drains every datagram received since the last call.
func (u *UDP) Poll() [][]byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := u.queue
	u.queue = nil
	return out
}

// MTU returns packet.MTU, the spec's wire MTU constant.
func (u *UDP) MTU() int { return packet.MTU }

// Online reports whether the background read loop is still running.
func (u *UDP) Online() bool { return atomic.LoadInt32(&u.online) == 1 }

// Bitrate reports a conservative default for a local UDP link.
func (u *UDP) Bitrate() int { return 10_000_000 }

// AnnounceAllowed reports true: UDP interfaces propagate announces by
// default.
func (u *UDP) AnnounceAllowed() bool { return true }

// Close shuts down the socket, ending the background read loop.
func (u *UDP) Close() error {
	atomic.StoreInt32(&u.online, 0)
	return u.conn.Close()
}
