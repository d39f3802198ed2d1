package link

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/torlando-tech/microreticulum-go/rnserrors"
	"github.com/vmihailenco/msgpack/v5"
)

// RequestState is a RequestReceipt's lifecycle (§4.6): a Request is a
// reliable one-shot RPC layered over an ACTIVE Link.
type RequestState int

const (
	RequestSent RequestState = iota
	RequestDelivered
	RequestReady
	RequestFailed
)

func (s RequestState) String() string {
	switch s {
	case RequestSent:
		return "SENT"
	case RequestDelivered:
		return "DELIVERED"
	case RequestReady:
		return "READY"
	case RequestFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// requestEnvelope is the wire shape carried, Token-encrypted, over the
// owning Link for both a Request and its matching Response: a random ID
// pairs a response with the request that caused it, the same role
// Channel's sequence number plays for pairing an ack with its envelope.
type requestEnvelope struct {
	ID   [16]byte `msgpack:"id"`
	Data []byte   `msgpack:"d"`
}

// RequestReceipt tracks one outstanding Request. It is bound into its
// owning Link's request pool as a Slot, so Link.Close fails every
// in-flight Request exactly like it fails in-flight Resources (§4.6
// cancellation).
type RequestReceipt struct {
	mu sync.Mutex

	id     [16]byte
	link   *Link
	state  RequestState
	sentAt time.Time

	response []byte
	err      error

	callback func(*RequestReceipt)
}

// Request builds a RequestReceipt, Token-encrypts and sends the request
// payload over l, and binds the receipt into l's pending-request pool
// (capacity RequestPoolSize; ErrCapacity once 8 are already pending,
// §4.6). callback, if non-nil, fires exactly once when the receipt
// reaches READY or FAILED.
func (l *Link) Request(data []byte, callback func(*RequestReceipt)) (*RequestReceipt, error) {
	var id [16]byte
	if _, err := rand.Read(id[:]); err != nil {
		return nil, fmt.Errorf("link: generate request id: %w", err)
	}

	r := &RequestReceipt{
		id:       id,
		link:     l,
		state:    RequestSent,
		sentAt:   time.Now(),
		callback: callback,
	}
	if err := l.BindRequest(r); err != nil {
		return nil, err
	}

	payload, err := msgpack.Marshal(&requestEnvelope{ID: id, Data: data})
	if err != nil {
		l.UnbindSlot(r)
		return nil, fmt.Errorf("link: marshal request: %w", err)
	}
	if err := l.Send(payload); err != nil {
		l.UnbindSlot(r)
		return nil, fmt.Errorf("link: send request: %w", err)
	}
	return r, nil
}

// ParseRequestEnvelope decodes a decrypted request payload received on
// l, returning the caller's data and the ID to echo back via Respond.
func ParseRequestEnvelope(payload []byte) (id [16]byte, data []byte, err error) {
	var env requestEnvelope
	if err = msgpack.Unmarshal(payload, &env); err != nil {
		err = fmt.Errorf("%w: unmarshal request: %v", rnserrors.ErrMalformed, err)
		return
	}
	return env.ID, env.Data, nil
}

// Respond Token-encrypts and sends a response to the request identified
// by id, the responder-side counterpart to Request/HandleResponse.
func (l *Link) Respond(id [16]byte, data []byte) error {
	payload, err := msgpack.Marshal(&requestEnvelope{ID: id, Data: data})
	if err != nil {
		return fmt.Errorf("link: marshal response: %w", err)
	}
	return l.Send(payload)
}

// HandleResponse parses a decrypted response payload received on l,
// matching it by ID against a pending RequestReceipt. The receipt
// transitions SENT → DELIVERED → READY and is unbound from the pool; a
// response with no matching pending receipt (already timed out, or never
// ours) is reported via the returned error.
func (l *Link) HandleResponse(payload []byte) error {
	var env requestEnvelope
	if err := msgpack.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("%w: unmarshal response: %v", rnserrors.ErrMalformed, err)
	}

	r := l.findRequest(env.ID)
	if r == nil {
		return fmt.Errorf("%w: response for unknown or expired request", rnserrors.ErrInvariant)
	}

	r.mu.Lock()
	if r.state != RequestSent {
		r.mu.Unlock()
		return nil
	}
	r.state = RequestDelivered
	r.response = env.Data
	r.state = RequestReady
	cb := r.callback
	r.mu.Unlock()

	l.UnbindSlot(r)
	if cb != nil {
		cb(r)
	}
	return nil
}

// findRequest looks up a pending RequestReceipt by ID among l's bound
// request slots.
func (l *Link) findRequest(id [16]byte) *RequestReceipt {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.requests {
		if r, ok := s.(*RequestReceipt); ok && r.id == id {
			return r
		}
	}
	return nil
}

// Cancel implements Slot: a Link closing while this Request is still
// pending fails it (§4.6 cancellation).
func (r *RequestReceipt) Cancel(err error) {
	r.mu.Lock()
	if r.state == RequestReady || r.state == RequestFailed {
		r.mu.Unlock()
		return
	}
	r.state = RequestFailed
	r.err = err
	cb := r.callback
	r.mu.Unlock()
	if cb != nil {
		cb(r)
	}
}

// ID returns the request's stable identifier.
func (r *RequestReceipt) ID() [16]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

// State returns the receipt's current lifecycle state.
func (r *RequestReceipt) State() RequestState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Response returns the response payload once READY.
func (r *RequestReceipt) Response() ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != RequestReady {
		return nil, false
	}
	return r.response, true
}

// Err returns the failure reason once FAILED.
func (r *RequestReceipt) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
