// Package packet implements the Reticulum wire atom (§3, §4.4, §6.1):
// header encode/decode, packet hashing, and the proof construction that
// Transport and Link rely on for receipts. Modeled directly on the
// teacher's cell package (cell.Cell is a named byte-slice type with
// accessor methods; cell/io.go splits fixed vs. variable-length framing
// into a Reader/Writer pair) — here the framing is Reticulum's own
// flags-byte header rather than Tor's CircID+command cell header.
package packet

import (
	"crypto/ed25519"
	"fmt"

	"github.com/torlando-tech/microreticulum-go/rnscrypto"
	"github.com/torlando-tech/microreticulum-go/rnserrors"
)

// Wire constants (§3, §6.1). MUST stay byte-compatible with the reference
// implementation's values.
const (
	MTU           = 500
	HeaderMaxSize = 23
	IfacMinSize   = 1
	// SDU is the critical constant Resource segmentation depends on
	// (testable property #10): SDU = MTU - HeaderMaxSize - IfacMinSize.
	SDU = MTU - HeaderMaxSize - IfacMinSize

	DestinationHashLen = 16
	MaxHops            = 128
	DedupeRingSize     = 64
)

// HeaderType selects whether a packet carries one or two destination
// hashes.
type HeaderType uint8

const (
	HeaderType1 HeaderType = 0 // single destination hash
	HeaderType2 HeaderType = 1 // destination hash + transport ID (routed)
)

// PropagationType distinguishes broadcast delivery from transport
// (next-hop forwarding) delivery.
type PropagationType uint8

const (
	PropagationBroadcast PropagationType = 0
	PropagationTransport PropagationType = 1
)

// DestinationType mirrors destination.Type's four-way enum as carried on
// the wire.
type DestinationType uint8

const (
	DestinationSingle DestinationType = 0
	DestinationGroup  DestinationType = 1
	DestinationPlain  DestinationType = 2
	DestinationLink   DestinationType = 3
)

// Type is the packet's PACKET_TYPE field. Proof is fixed at wire value
// 0x03 per §4.4.
type Type uint8

const (
	TypeData        Type = 0x00
	TypeAnnounce    Type = 0x01
	TypeLinkRequest Type = 0x02
	TypeProof       Type = 0x03
)

// Context is the packet's single context byte, distinguishing payload
// sub-kinds (plain data, resource advertisement, channel envelope, ...).
type Context uint8

const (
	ContextNone          Context = 0x00
	ContextResourceAdv   Context = 0x01
	ContextResourceReq   Context = 0x02
	ContextResourceHMU   Context = 0x03
	ContextResourcePart  Context = 0x04
	ContextLinkRequest   Context = 0x05
	ContextLinkProof     Context = 0x06
	ContextChannel       Context = 0x07
	ContextKeepalive     Context = 0x08
	ContextRequest       Context = 0x09
	ContextResponse      Context = 0x0A
)

// Packet is the on-wire atom (§3). Header fields are held as named
// members rather than re-parsed on every accessor call, matching the
// spec's note that Packet is a short-lived, high-frequency-allocation
// value.
type Packet struct {
	IfacFlag        bool
	HeaderType      HeaderType
	Propagation     PropagationType
	DestinationType DestinationType
	PacketType      Type
	ContextFlag     bool

	HopCount        uint8
	DestinationHash [DestinationHashLen]byte
	TransportID     [DestinationHashLen]byte // valid only when HeaderType2
	Context         Context
	Data            []byte
}

// flagsByte packs the six header-byte fields (§3):
// IFAC(1) | HEADER_TYPE(1) | PROPAGATION(1) | DEST_TYPE(2) | PACKET_TYPE(2) | CONTEXT_FLAG(1).
func (p *Packet) flagsByte() byte {
	var b byte
	if p.IfacFlag {
		b |= 1 << 7
	}
	b |= byte(p.HeaderType&0x1) << 6
	b |= byte(p.Propagation&0x1) << 5
	b |= byte(p.DestinationType&0x3) << 3
	b |= byte(p.PacketType&0x3) << 1
	if p.ContextFlag {
		b |= 1
	}
	return b
}

func parseFlagsByte(b byte) (ifac bool, ht HeaderType, prop PropagationType, dt DestinationType, pt Type, ctxFlag bool) {
	ifac = b&(1<<7) != 0
	ht = HeaderType((b >> 6) & 0x1)
	prop = PropagationType((b >> 5) & 0x1)
	dt = DestinationType((b >> 3) & 0x3)
	pt = Type((b >> 1) & 0x3)
	ctxFlag = b&0x1 != 0
	return
}

// Encode serializes the packet to its wire form: flags(1) | hops(1) |
// dest_hash(16) | [transport_id(16)] | context(1) | data.
func (p *Packet) Encode() []byte {
	size := 1 + 1 + DestinationHashLen + 1 + len(p.Data)
	if p.HeaderType == HeaderType2 {
		size += DestinationHashLen
	}
	out := make([]byte, 0, size)
	out = append(out, p.flagsByte())
	out = append(out, p.HopCount)
	out = append(out, p.DestinationHash[:]...)
	if p.HeaderType == HeaderType2 {
		out = append(out, p.TransportID[:]...)
	}
	out = append(out, byte(p.Context))
	out = append(out, p.Data...)
	return out
}

// Decode parses a packet from wire bytes. decode(encode(P)) = P is the
// spec's testable property #1.
func Decode(raw []byte) (*Packet, error) {
	if len(raw) < 1+1+DestinationHashLen+1 {
		return nil, fmt.Errorf("%w: packet too short (%d bytes)", rnserrors.ErrMalformed, len(raw))
	}
	ifac, ht, prop, dt, pt, ctxFlag := parseFlagsByte(raw[0])
	p := &Packet{
		IfacFlag:        ifac,
		HeaderType:      ht,
		Propagation:     prop,
		DestinationType: dt,
		PacketType:      pt,
		ContextFlag:     ctxFlag,
		HopCount:        raw[1],
	}
	off := 2
	copy(p.DestinationHash[:], raw[off:off+DestinationHashLen])
	off += DestinationHashLen

	if ht == HeaderType2 {
		if len(raw) < off+DestinationHashLen+1 {
			return nil, fmt.Errorf("%w: truncated header-type-2 packet", rnserrors.ErrMalformed)
		}
		copy(p.TransportID[:], raw[off:off+DestinationHashLen])
		off += DestinationHashLen
	}

	if len(raw) < off+1 {
		return nil, fmt.Errorf("%w: missing context byte", rnserrors.ErrMalformed)
	}
	p.Context = Context(raw[off])
	off++

	p.Data = make([]byte, len(raw)-off)
	copy(p.Data, raw[off:])
	return p, nil
}

// IncrementHop increments the hop count, reporting an error (and refusing
// to increment further) once MaxHops is reached — such packets must be
// dropped by the caller (§4.4).
func (p *Packet) IncrementHop() error {
	if p.HopCount >= MaxHops {
		return fmt.Errorf("%w: packet at max hops (%d)", rnserrors.ErrInvariant, MaxHops)
	}
	p.HopCount++
	return nil
}

// Hash computes the packet's dedupe/proof hash: SHA-256 over every header
// field except the hop count (which mutates on every forward, but must not
// change the identity of the packet for dedupe or proof purposes), plus
// the context byte and data.
func (p *Packet) Hash() [32]byte {
	buf := make([]byte, 0, 2+2*DestinationHashLen+1+len(p.Data))
	buf = append(buf, p.flagsByte())
	buf = append(buf, p.DestinationHash[:]...)
	if p.HeaderType == HeaderType2 {
		buf = append(buf, p.TransportID[:]...)
	}
	buf = append(buf, byte(p.Context))
	buf = append(buf, p.Data...)
	return rnscrypto.Sha256(buf)
}

// Proof is the payload of a PROOF packet (§4.4): the recipient hashes
// (packet_hash ‖ destination_pub) and signs that with its Identity's
// Ed25519 key.
type Proof struct {
	PacketHash [32]byte
	Signature  []byte
}

// MakeProof signs (packetHash ‖ destinationPub) with signingKey.
func MakeProof(packetHash [32]byte, destinationPub ed25519.PublicKey, signingKey ed25519.PrivateKey) (*Proof, error) {
	signed := make([]byte, 0, 32+len(destinationPub))
	signed = append(signed, packetHash[:]...)
	signed = append(signed, destinationPub...)
	sig, err := rnscrypto.Ed25519Sign(signingKey, signed)
	if err != nil {
		return nil, fmt.Errorf("packet: sign proof: %w", err)
	}
	return &Proof{PacketHash: packetHash, Signature: sig}, nil
}

// Verify checks a received proof against the expected packet hash and
// destination public key.
func (pr *Proof) Verify(destinationPub ed25519.PublicKey) bool {
	signed := make([]byte, 0, 32+len(destinationPub))
	signed = append(signed, pr.PacketHash[:]...)
	signed = append(signed, destinationPub...)
	return rnscrypto.Ed25519Verify(destinationPub, signed, pr.Signature)
}

// EncodeProof packs a Proof into a PROOF packet's Data payload:
// packet_hash(32) ‖ signature(64).
func EncodeProof(pr *Proof) []byte {
	out := make([]byte, 0, 32+len(pr.Signature))
	out = append(out, pr.PacketHash[:]...)
	out = append(out, pr.Signature...)
	return out
}

// DecodeProof parses a PROOF packet's Data payload.
func DecodeProof(data []byte) (*Proof, error) {
	if len(data) < 32+64 {
		return nil, fmt.Errorf("%w: proof payload too short", rnserrors.ErrMalformed)
	}
	pr := &Proof{Signature: make([]byte, 64)}
	copy(pr.PacketHash[:], data[:32])
	copy(pr.Signature, data[32:96])
	return pr, nil
}

// DedupeRing is a fixed-size ring buffer of recently seen packet hashes
// (§4.4, capacity 64). A hash already present is reported as a duplicate;
// overflow silently overwrites the oldest entry.
type DedupeRing struct {
	hashes [DedupeRingSize][32]byte
	filled [DedupeRingSize]bool
	next   int
}

// NewDedupeRing creates an empty ring.
func NewDedupeRing() *DedupeRing {
	return &DedupeRing{}
}

// SeenOrAdd reports whether hash was already present in the ring. If not,
// it is inserted (overwriting the oldest slot if the ring is full).
func (r *DedupeRing) SeenOrAdd(hash [32]byte) bool {
	for i, filled := range r.filled {
		if filled && r.hashes[i] == hash {
			return true
		}
	}
	r.hashes[r.next] = hash
	r.filled[r.next] = true
	r.next = (r.next + 1) % DedupeRingSize
	return false
}
