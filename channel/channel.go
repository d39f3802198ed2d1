// Package channel implements Reticulum Channels (§4.8): a multiplexed,
// sequence-ordered, reliably-delivered message stream carried over an
// established Link. Grounded on stream/stream.go's io.ReadWriteCloser
// adapter over a lower-level transport and stream/flow.go's windowed
// retransmission bookkeeping, generalized from Tor's single edge stream
// into Reticulum's multi-message-type channel abstraction.
package channel

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/torlando-tech/microreticulum-go/link"
	"github.com/torlando-tech/microreticulum-go/rnserrors"
)

// EnvelopeHeaderLen is the fixed header size of an Envelope: msgtype(2)
// ‖ sequence(2) ‖ length(2).
const EnvelopeHeaderLen = 6

// RingSize is the fixed capacity of both the TX and RX tracking rings
// (§4.8). Sized to the fast window tier, the largest number of envelopes
// that can legitimately be in flight unacknowledged at once.
const RingSize = 48

// MaxTries is the number of delivery attempts (the original send plus
// retransmits) a TX envelope gets before it is given up as FAILED (§4.8).
const MaxTries = 5

// StreamDataType is the message type Buffer's RawChannelReader/Writer
// use to carry raw byte-stream chunks over a Channel.
const StreamDataType uint16 = 0xF100

// Window tiers (§4.8): the send window scales with the Link's measured
// RTT rather than with throughput, unlike Resource's bandwidth-driven
// scaling. Only the fast-tier boundary (<0.18s) is given literally; the
// medium/slow split is a judgment call, set at 0.5s.
const (
	windowFastRTT   = 180 * time.Millisecond
	windowMediumRTT = 500 * time.Millisecond

	windowFast   = 48
	windowMedium = 12
	windowSlow   = 5
)

// EncodeEnvelope serializes one Channel message: msgtype(2 BE) ‖
// sequence(2 BE) ‖ length(2 BE) ‖ data.
func EncodeEnvelope(msgType, sequence uint16, data []byte) []byte {
	out := make([]byte, 0, EnvelopeHeaderLen+len(data))
	out = append(out, byte(msgType>>8), byte(msgType))
	out = append(out, byte(sequence>>8), byte(sequence))
	out = append(out, byte(len(data)>>8), byte(len(data)))
	out = append(out, data...)
	return out
}

// DecodeEnvelope parses the bytes EncodeEnvelope produces.
func DecodeEnvelope(raw []byte) (msgType, sequence uint16, data []byte, err error) {
	if len(raw) < EnvelopeHeaderLen {
		err = fmt.Errorf("%w: envelope shorter than header (%d bytes)", rnserrors.ErrMalformed, len(raw))
		return
	}
	msgType = uint16(raw[0])<<8 | uint16(raw[1])
	sequence = uint16(raw[2])<<8 | uint16(raw[3])
	length := int(raw[4])<<8 | int(raw[5])
	if len(raw) != EnvelopeHeaderLen+length {
		err = fmt.Errorf("%w: envelope length field %d doesn't match payload %d", rnserrors.ErrMalformed, length, len(raw)-EnvelopeHeaderLen)
		return
	}
	data = raw[EnvelopeHeaderLen:]
	return
}

// MessageHandler is invoked, in sequence order, for every inbound
// Envelope a Channel dispatches.
type MessageHandler func(msgType uint16, data []byte)

type txSlot struct {
	sequence uint16
	envelope []byte
	sentAt   time.Time
	tries    int
	acked    bool
}

// FailureHandler is invoked, at most once per sequence, when a TX
// envelope exhausts MaxTries without being acknowledged.
type FailureHandler func(sequence uint16)

// Channel is a multiplexed, ordered, reliable message stream over a
// Link.
type Channel struct {
	mu sync.Mutex

	l *link.Link

	txNext uint16
	txRing [RingSize]*txSlot

	rxExpected uint16
	rxPending  map[uint16][]byte

	handler  MessageHandler
	onFailed FailureHandler
}

// New creates a Channel over l. handler is invoked for every inbound
// message in sequence order; it may be nil if the caller only ever
// sends.
func New(l *link.Link, handler MessageHandler) *Channel {
	return &Channel{
		l:         l,
		rxPending: make(map[uint16][]byte),
		handler:   handler,
	}
}

// SetFailureHandler registers the callback RetransmitExpired invokes
// when a TX envelope is given up as FAILED after MaxTries attempts.
func (c *Channel) SetFailureHandler(h FailureHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFailed = h
}

// window returns the current send window size, tiered by the Link's
// measured RTT (§4.8): sub-180ms links use the full ring, sub-500ms
// links use a medium window, anything slower is throttled to the
// minimum.
func (c *Channel) window() int {
	rtt := c.l.RTT()
	switch {
	case rtt < windowFastRTT:
		return windowFast
	case rtt < windowMediumRTT:
		return windowMedium
	default:
		return windowSlow
	}
}

// retransmitTimeout derives a retry deadline from the Link's RTT
// estimate and how many times this envelope has already been tried
// (§4.8): 1.5^(tries-1) · max(rtt·2.5, 25ms) · (RingSize + 1.5),
// an exponential backoff scaled by the ring's capacity.
func (c *Channel) retransmitTimeout(tries int) time.Duration {
	rtt := c.l.RTT()
	if rtt <= 0 {
		rtt = 2 * time.Second
	}
	base := float64(rtt) * 2.5
	if min := float64(25 * time.Millisecond); base < min {
		base = min
	}
	backoff := math.Pow(1.5, float64(tries-1))
	return time.Duration(backoff * base * (RingSize + 1.5))
}

// Send transmits one message, assigning it the next sequence number.
// Returns ErrCapacity if the TX ring is full (the window has not
// drained via acknowledgment).
func (c *Channel) Send(msgType uint16, data []byte) error {
	window := c.window()

	c.mu.Lock()
	inFlight := 0
	for _, s := range c.txRing {
		if s != nil && !s.acked {
			inFlight++
		}
	}
	if inFlight >= window {
		c.mu.Unlock()
		return fmt.Errorf("%w: channel send window full", rnserrors.ErrCapacity)
	}

	seq := c.txNext
	c.txNext++
	envelope := EncodeEnvelope(msgType, seq, data)
	c.txRing[int(seq)%RingSize] = &txSlot{sequence: seq, envelope: envelope, sentAt: time.Now(), tries: 1}
	c.mu.Unlock()

	return c.l.Send(envelope)
}

// RetransmitExpired resends any unacknowledged TX-ring entries whose
// retransmit timeout has elapsed, and gives up as FAILED any entry that
// has already been tried MaxTries times.
func (c *Channel) RetransmitExpired(now time.Time) error {
	c.mu.Lock()
	var toResend [][]byte
	var failed []uint16
	for i, s := range c.txRing {
		if s == nil || s.acked {
			continue
		}
		if now.Sub(s.sentAt) < c.retransmitTimeout(s.tries) {
			continue
		}
		if s.tries >= MaxTries {
			failed = append(failed, s.sequence)
			c.txRing[i] = nil
			continue
		}
		s.tries++
		s.sentAt = now
		toResend = append(toResend, s.envelope)
	}
	onFailed := c.onFailed
	c.mu.Unlock()

	if onFailed != nil {
		for _, seq := range failed {
			onFailed(seq)
		}
	}

	for _, envelope := range toResend {
		if err := c.l.Send(envelope); err != nil {
			return fmt.Errorf("channel: retransmit: %w", err)
		}
	}
	return nil
}

// Ack marks the TX-ring entry for sequence as delivered, freeing its
// ring slot for reuse. Channels that need delivery acknowledgment carry
// their own ack message type over the same envelope stream; Ack is the
// bookkeeping hook that message type's handler calls.
func (c *Channel) Ack(sequence uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	slot := c.txRing[int(sequence)%RingSize]
	if slot != nil && slot.sequence == sequence {
		slot.acked = true
	}
}

// HandleInbound parses one received, already Link-decrypted Envelope and
// dispatches it (and any now-contiguous buffered successors) to the
// handler in strict sequence order. Envelopes arriving out of order are
// buffered up to RingSize ahead of the next expected sequence.
func (c *Channel) HandleInbound(raw []byte) error {
	msgType, seq, data, err := DecodeEnvelope(raw)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if seq == c.rxExpected {
		c.rxExpected++
		deliver := []struct {
			msgType uint16
			data    []byte
		}{{msgType, data}}
		for {
			next, ok := c.rxPending[c.rxExpected]
			if !ok {
				break
			}
			delete(c.rxPending, c.rxExpected)
			nextType, _, nextData, derr := DecodeEnvelope(next)
			if derr != nil {
				break
			}
			deliver = append(deliver, struct {
				msgType uint16
				data    []byte
			}{nextType, nextData})
			c.rxExpected++
		}
		handler := c.handler
		c.mu.Unlock()
		if handler != nil {
			for _, d := range deliver {
				handler(d.msgType, d.data)
			}
		}
		return nil
	}

	if seq > c.rxExpected && int(seq-c.rxExpected) <= RingSize {
		c.rxPending[seq] = raw
	}
	c.mu.Unlock()
	return nil
}
