// Package link implements Reticulum Links (§4.6): ECDH-derived
// authenticated bidirectional sessions over Destinations. The handshake
// state machine, deadline/staleness bookkeeping, and mutex-guarded
// state transitions are modeled on the teacher's link.Handshake (phased
// handshake with per-step deadlines) and circuit.Circuit (hop state built
// once from derived key material, single mutex guarding lifecycle
// transitions).
package link

import (
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/torlando-tech/microreticulum-go/rnscrypto"
	"github.com/torlando-tech/microreticulum-go/rnserrors"
	"github.com/torlando-tech/microreticulum-go/token"
)

// State is the Link lifecycle state (§3, §4.6).
type State int

const (
	StatePending State = iota
	StateHandshake
	StateActive
	StateStale
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateHandshake:
		return "HANDSHAKE"
	case StateActive:
		return "ACTIVE"
	case StateStale:
		return "STALE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

const (
	// StaleTime is how long a Link may go without inbound traffic before
	// transitioning ACTIVE → STALE.
	StaleTime = 60 * time.Second
	// KeepaliveTimeout is added to StaleTime for the STALE → CLOSED
	// transition.
	KeepaliveTimeout = 120 * time.Second

	// ResourcePoolSize is the fixed capacity of a Link's incoming and
	// outgoing Resource pools.
	ResourcePoolSize = 8
	// RequestPoolSize is the fixed capacity of a Link's pending Request
	// pool.
	RequestPoolSize = 8

	// initialRTT is the conservative assumed RTT before any round trip
	// has been measured (§4.6).
	initialRTT = 2 * time.Second
)

// SendFunc is how a Link hands an encrypted application payload to
// Transport for delivery to the peer. Transport is the sole producer/
// consumer of the wire (§4.5); Link never touches an Interface directly.
type SendFunc func(payload []byte) error

// Slot is the minimal handle a Link keeps for a bound Resource or
// Request, referenced only through this interface so package link has no
// import cycle on package resource or a future request package.
type Slot interface {
	// Cancel is invoked when the owning Link closes; implementations
	// should mark themselves FAILED and invoke their own callbacks.
	Cancel(err error)
}

// Link is a session between two Destinations (§3).
type Link struct {
	mu    sync.Mutex
	state State

	isInitiator bool

	// Local ephemeral keypairs, generated fresh per Link.
	localX25519 rnscrypto.X25519KeyPair
	localEd     rnscrypto.Ed25519KeyPair

	// Peer ephemeral public halves, learned during handshake.
	peerX25519 [32]byte
	peerEd     ed25519.PublicKey

	// id is the stable link identifier: the first 16 bytes of the
	// LINK_REQUEST payload's content hash. Both sides compute it
	// identically and use it as the HKDF salt deriving the session key,
	// and as the handle other layers address this Link by (§9's
	// stable-handle pattern).
	id [16]byte

	sessionToken *token.Token

	rtt       time.Duration
	lastInAt  time.Time
	lastOutAt time.Time

	send SendFunc

	resourcesIn  [ResourcePoolSize]Slot
	resourcesOut [ResourcePoolSize]Slot
	requests     [RequestPoolSize]Slot

	// closedCallback fires exactly once when the Link transitions to
	// CLOSED, cascading cancellation to every bound child.
	closedCallback func(l *Link)
}

// NewInitiator creates a PENDING Link as the initiating side. Callers
// must call BuildRequest to obtain the LINK_REQUEST payload to send via
// Transport, then feed the responder's LINK_PROOF to CompleteHandshake.
func NewInitiator(send SendFunc) (*Link, error) {
	x, err := rnscrypto.GenerateX25519()
	if err != nil {
		return nil, fmt.Errorf("link: generate x25519: %w", err)
	}
	e, err := rnscrypto.GenerateEd25519()
	if err != nil {
		return nil, fmt.Errorf("link: generate ed25519: %w", err)
	}
	now := time.Now()
	return &Link{
		state:       StatePending,
		isInitiator: true,
		localX25519: *x,
		localEd:     *e,
		rtt:         initialRTT,
		lastInAt:    now,
		lastOutAt:   now,
		send:        send,
	}, nil
}

// State returns the current lifecycle state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// ID returns the stable link identifier. Valid only once the handshake
// has produced a LINK_REQUEST (initiator) or consumed one (responder).
func (l *Link) ID() [16]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.id
}

// RTT returns the current round-trip-time estimate.
func (l *Link) RTT() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rtt
}

// linkRequestSignedBody returns the bytes a LINK_REQUEST/LINK_PROOF
// signature covers: the sender's ephemeral X25519 public key.
func linkRequestSignedBody(x25519Pub [32]byte) []byte {
	return x25519Pub[:]
}

// BuildRequest produces the LINK_REQUEST payload: ephemeral X25519
// pub(32) ‖ ephemeral Ed25519 pub(32) ‖ signature(64) over the X25519
// public key, signed by the Link's own ephemeral Ed25519 key.
func (l *Link) BuildRequest() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StatePending {
		return nil, fmt.Errorf("link: BuildRequest called outside PENDING state")
	}
	sig, err := rnscrypto.Ed25519Sign(l.localEd.Private, linkRequestSignedBody(l.localX25519.Public))
	if err != nil {
		return nil, fmt.Errorf("link: sign request: %w", err)
	}
	out := make([]byte, 0, 32+32+64)
	out = append(out, l.localX25519.Public[:]...)
	out = append(out, l.localEd.Public...)
	out = append(out, sig...)

	full := rnscrypto.Sha256(out)
	copy(l.id[:], full[:16])
	l.state = StateHandshake
	return out, nil
}

// ParseRequest parses a received LINK_REQUEST payload, verifying the
// initiator's self-signature before returning the peer's ephemeral
// public halves and the link's stable identifier.
func ParseRequest(payload []byte) (x25519Pub [32]byte, edPub ed25519.PublicKey, linkID [16]byte, err error) {
	if len(payload) != 32+32+64 {
		err = fmt.Errorf("%w: malformed LINK_REQUEST length %d", rnserrors.ErrMalformed, len(payload))
		return
	}
	copy(x25519Pub[:], payload[:32])
	edPub = ed25519.PublicKey(append([]byte(nil), payload[32:64]...))
	sig := payload[64:128]
	if !rnscrypto.Ed25519Verify(edPub, linkRequestSignedBody(x25519Pub), sig) {
		err = fmt.Errorf("%w: LINK_REQUEST signature invalid", rnserrors.ErrAuthFailure)
		return
	}
	full := rnscrypto.Sha256(payload)
	copy(linkID[:], full[:16])
	return
}

// NewResponder builds an ACTIVE-state Link in response to a parsed
// LINK_REQUEST, completes the ECDH, derives the session Token, and
// returns the LINK_PROOF payload to send back to the initiator.
func NewResponder(send SendFunc, initiatorX25519Pub [32]byte, initiatorEdPub ed25519.PublicKey, linkID [16]byte) (*Link, []byte, error) {
	x, err := rnscrypto.GenerateX25519()
	if err != nil {
		return nil, nil, fmt.Errorf("link: generate x25519: %w", err)
	}
	e, err := rnscrypto.GenerateEd25519()
	if err != nil {
		return nil, nil, fmt.Errorf("link: generate ed25519: %w", err)
	}

	shared, err := rnscrypto.X25519Exchange(x.Private, initiatorX25519Pub)
	if err != nil {
		return nil, nil, fmt.Errorf("link: ecdh: %w", err)
	}
	keyMaterial, err := rnscrypto.HKDF(32, shared[:], linkID[:])
	if err != nil {
		return nil, nil, fmt.Errorf("link: derive session key: %w", err)
	}
	tok, err := token.New(keyMaterial)
	if err != nil {
		return nil, nil, fmt.Errorf("link: build token: %w", err)
	}

	sig, err := rnscrypto.Ed25519Sign(e.Private, linkRequestSignedBody(x.Public))
	if err != nil {
		return nil, nil, fmt.Errorf("link: sign proof: %w", err)
	}
	proofPayload := make([]byte, 0, 32+32+64)
	proofPayload = append(proofPayload, x.Public[:]...)
	proofPayload = append(proofPayload, e.Public...)
	proofPayload = append(proofPayload, sig...)

	now := time.Now()
	l := &Link{
		state:        StateActive,
		isInitiator:  false,
		localX25519:  *x,
		localEd:      *e,
		peerX25519:   initiatorX25519Pub,
		peerEd:       initiatorEdPub,
		id:           linkID,
		sessionToken: tok,
		rtt:          initialRTT,
		lastInAt:     now,
		lastOutAt:    now,
		send:         send,
	}
	return l, proofPayload, nil
}

// CompleteHandshake consumes the responder's LINK_PROOF (as the
// initiator), verifies it, derives the session Token symmetrically, and
// transitions the Link to ACTIVE.
func (l *Link) CompleteHandshake(proofPayload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateHandshake {
		return fmt.Errorf("link: CompleteHandshake called outside HANDSHAKE state")
	}
	if len(proofPayload) != 32+32+64 {
		return fmt.Errorf("%w: malformed LINK_PROOF length %d", rnserrors.ErrMalformed, len(proofPayload))
	}
	var respX25519 [32]byte
	copy(respX25519[:], proofPayload[:32])
	respEd := ed25519.PublicKey(append([]byte(nil), proofPayload[32:64]...))
	sig := proofPayload[64:128]
	if !rnscrypto.Ed25519Verify(respEd, linkRequestSignedBody(respX25519), sig) {
		return fmt.Errorf("%w: LINK_PROOF signature invalid", rnserrors.ErrAuthFailure)
	}

	shared, err := rnscrypto.X25519Exchange(l.localX25519.Private, respX25519)
	if err != nil {
		return fmt.Errorf("link: ecdh: %w", err)
	}
	keyMaterial, err := rnscrypto.HKDF(32, shared[:], l.id[:])
	if err != nil {
		return fmt.Errorf("link: derive session key: %w", err)
	}
	tok, err := token.New(keyMaterial)
	if err != nil {
		return fmt.Errorf("link: build token: %w", err)
	}

	l.peerX25519 = respX25519
	l.peerEd = respEd
	l.sessionToken = tok
	l.state = StateActive
	now := time.Now()
	l.lastInAt = now
	l.rtt = time.Since(l.lastOutAt)
	return nil
}

// Encrypt wraps app-layer bytes in the Link's session Token. Valid only
// once ACTIVE or STALE.
func (l *Link) Encrypt(data []byte) ([]byte, error) {
	l.mu.Lock()
	tok := l.sessionToken
	state := l.state
	l.mu.Unlock()
	if state != StateActive && state != StateStale {
		return nil, fmt.Errorf("link: cannot encrypt in state %v", state)
	}
	return tok.Encrypt(data)
}

// Decrypt unwraps a received Token payload and marks the Link as having
// seen fresh inbound traffic (resetting the stale timer).
func (l *Link) Decrypt(data []byte) ([]byte, error) {
	l.mu.Lock()
	tok := l.sessionToken
	state := l.state
	l.mu.Unlock()
	if state != StateActive && state != StateStale {
		return nil, fmt.Errorf("link: cannot decrypt in state %v", state)
	}
	pt, err := tok.Decrypt(data)
	if err != nil {
		return nil, fmt.Errorf("link: decrypt: %w", err)
	}
	l.mu.Lock()
	l.lastInAt = time.Now()
	if l.state == StateStale {
		l.state = StateActive
	}
	l.mu.Unlock()
	return pt, nil
}

// Send encrypts and hands data to Transport, recording an outbound
// timestamp.
func (l *Link) Send(data []byte) error {
	ct, err := l.Encrypt(data)
	if err != nil {
		return err
	}
	if err := l.send(ct); err != nil {
		return fmt.Errorf("link: send: %w", err)
	}
	l.mu.Lock()
	l.lastOutAt = time.Now()
	l.mu.Unlock()
	return nil
}

// RecordRTTSample updates the RTT estimate from a measured round trip
// (e.g. a proof turnaround), used by Channel and Resource window scaling.
func (l *Link) RecordRTTSample(sample time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	// Exponential smoothing with a 1/4 weight on the new sample.
	l.rtt = l.rtt - l.rtt/4 + sample/4
}

// Tick advances the Link's stale/closed timers. It runs only when its
// caller invokes it; Transport's tick path (PollInterfaces,
// ExpireReceipts) does not call it. A no-op if the Link isn't
// ACTIVE/STALE.
func (l *Link) Tick(now time.Time) {
	l.mu.Lock()
	if l.state != StateActive && l.state != StateStale {
		l.mu.Unlock()
		return
	}
	since := now.Sub(l.lastInAt)
	switch {
	case since >= StaleTime+KeepaliveTimeout:
		toCancel, cb := l.beginCloseLocked()
		l.mu.Unlock()
		finishClose(toCancel, cb, l)
	case since >= StaleTime:
		l.state = StateStale
		l.mu.Unlock()
	default:
		l.mu.Unlock()
	}
}

// Close explicitly tears down the Link: it fails all in-flight Resources
// and pending Requests and transitions to CLOSED.
func (l *Link) Close() {
	l.mu.Lock()
	toCancel, cb := l.beginCloseLocked()
	l.mu.Unlock()
	finishClose(toCancel, cb, l)
}

// beginCloseLocked flips the state to CLOSED and drains the bound-slot
// pools, returning the slots to cancel and the close callback so the
// caller can invoke them after releasing l.mu — Slot.Cancel and the
// close callback may themselves call back into the Link (e.g. to
// Unbind), which would deadlock against a non-reentrant mutex held here.
func (l *Link) beginCloseLocked() ([]Slot, func(l *Link)) {
	if l.state == StateClosed {
		return nil, nil
	}
	l.state = StateClosed
	var toCancel []Slot
	for i, s := range l.resourcesIn {
		if s != nil {
			toCancel = append(toCancel, s)
			l.resourcesIn[i] = nil
		}
	}
	for i, s := range l.resourcesOut {
		if s != nil {
			toCancel = append(toCancel, s)
			l.resourcesOut[i] = nil
		}
	}
	for i, s := range l.requests {
		if s != nil {
			toCancel = append(toCancel, s)
			l.requests[i] = nil
		}
	}
	return toCancel, l.closedCallback
}

func finishClose(toCancel []Slot, cb func(l *Link), l *Link) {
	for _, s := range toCancel {
		s.Cancel(rnserrors.ErrPeerClosed)
	}
	if cb != nil {
		cb(l)
	}
}

// OnClosed registers the callback invoked exactly once when the Link
// transitions to CLOSED.
func (l *Link) OnClosed(cb func(l *Link)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closedCallback = cb
}

// BindResourceIn registers an incoming Resource in the next free pool
// slot, failing with ErrCapacity if the pool (fixed at ResourcePoolSize)
// is full.
func (l *Link) BindResourceIn(s Slot) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return bindSlot(l.resourcesIn[:], s)
}

// BindResourceOut registers an outgoing Resource.
func (l *Link) BindResourceOut(s Slot) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return bindSlot(l.resourcesOut[:], s)
}

// BindRequest registers a pending Request.
func (l *Link) BindRequest(s Slot) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return bindSlot(l.requests[:], s)
}

func bindSlot(pool []Slot, s Slot) error {
	for i, existing := range pool {
		if existing == nil {
			pool[i] = s
			return nil
		}
	}
	return fmt.Errorf("%w: pool full (capacity %d)", rnserrors.ErrCapacity, len(pool))
}

// UnbindSlot removes s from whichever pool currently holds it (called on
// Resource/Request completion).
func (l *Link) UnbindSlot(s Slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, pool := range [][]Slot{l.resourcesIn[:], l.resourcesOut[:], l.requests[:]} {
		for i, existing := range pool {
			if existing == s {
				pool[i] = nil
			}
		}
	}
}
