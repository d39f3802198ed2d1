package link

import (
	"bytes"
	"testing"
	"time"
)

// handshake builds an initiator/responder pair that have completed the
// handshake, passing the request and proof payloads between them
// directly; their SendFuncs deliver nothing.
func handshake(t *testing.T) (initiator, responder *Link) {
	t.Helper()

	var resp *Link
	initiator, err := NewInitiator(func(payload []byte) error {
		if resp == nil {
			t.Fatal("initiator sent before responder exists")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("new initiator: %v", err)
	}

	reqPayload, err := initiator.BuildRequest()
	if err != nil {
		t.Fatalf("build request: %v", err)
	}

	xPub, edPub, linkID, err := ParseRequest(reqPayload)
	if err != nil {
		t.Fatalf("parse request: %v", err)
	}

	resp, proofPayload, err := NewResponder(func(payload []byte) error { return nil }, xPub, edPub, linkID)
	if err != nil {
		t.Fatalf("new responder: %v", err)
	}

	if err := initiator.CompleteHandshake(proofPayload); err != nil {
		t.Fatalf("complete handshake: %v", err)
	}

	return initiator, resp
}

func TestHandshakeReachesActiveOnBothSides(t *testing.T) {
	initiator, responder := handshake(t)
	if initiator.State() != StateActive {
		t.Fatalf("expected initiator ACTIVE, got %v", initiator.State())
	}
	if responder.State() != StateActive {
		t.Fatalf("expected responder ACTIVE, got %v", responder.State())
	}
	if initiator.ID() != responder.ID() {
		t.Fatal("both sides must agree on the link ID")
	}
}

func TestSessionTokensMatchAcrossBothSides(t *testing.T) {
	initiator, responder := handshake(t)
	msg := []byte("hello across the link")

	ct, err := initiator.Encrypt(msg)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	pt, err := responder.Decrypt(ct)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(pt, msg) {
		t.Fatalf("round trip mismatch: got %q want %q", pt, msg)
	}
}

// wiredHandshake is like handshake, but SendFunc actually forwards
// ciphertext to the peer's Decrypt, so Request/Respond round trips can be
// exercised end to end.
func wiredHandshake(t *testing.T) (initiator, responder *Link) {
	t.Helper()

	var resp *Link
	initiator, err := NewInitiator(func(payload []byte) error {
		_, err := resp.Decrypt(payload)
		return err
	})
	if err != nil {
		t.Fatalf("new initiator: %v", err)
	}

	reqPayload, err := initiator.BuildRequest()
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	xPub, edPub, linkID, err := ParseRequest(reqPayload)
	if err != nil {
		t.Fatalf("parse request: %v", err)
	}

	resp, proofPayload, err := NewResponder(func(payload []byte) error {
		_, err := initiator.Decrypt(payload)
		return err
	}, xPub, edPub, linkID)
	if err != nil {
		t.Fatalf("new responder: %v", err)
	}
	if err := initiator.CompleteHandshake(proofPayload); err != nil {
		t.Fatalf("complete handshake: %v", err)
	}
	return initiator, resp
}

func TestRequestResponseRoundTrip(t *testing.T) {
	initiator, responder := wiredHandshake(t)

	// initiator.send carries a request to the responder, which replies
	// in place; responder.send carries that response back.
	initiator.send = func(payload []byte) error {
		pt, err := responder.Decrypt(payload)
		if err != nil {
			return err
		}
		id, data, err := ParseRequestEnvelope(pt)
		if err != nil {
			t.Fatalf("parse request envelope: %v", err)
		}
		if string(data) != "ping" {
			t.Fatalf("unexpected request data: %q", data)
		}
		return responder.Respond(id, []byte("pong"))
	}
	responder.send = func(payload []byte) error {
		pt, err := initiator.Decrypt(payload)
		if err != nil {
			return err
		}
		return initiator.HandleResponse(pt)
	}

	var done *RequestReceipt
	receipt, err := initiator.Request([]byte("ping"), func(r *RequestReceipt) { done = r })
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	if receipt.State() != RequestReady {
		t.Fatalf("expected READY after a synchronous round trip, got %v", receipt.State())
	}
	if done != receipt {
		t.Fatal("expected callback to fire with the same receipt")
	}
	resp, ok := receipt.Response()
	if !ok || string(resp) != "pong" {
		t.Fatalf("unexpected response: ok=%v data=%q", ok, resp)
	}
}

func TestRequestFailsWhenLinkCloses(t *testing.T) {
	initiator, _ := handshake(t)
	receipt, err := initiator.Request([]byte("ping"), nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	initiator.Close()
	if receipt.State() != RequestFailed {
		t.Fatalf("expected FAILED after Close, got %v", receipt.State())
	}
	if receipt.Err() == nil {
		t.Fatal("expected a non-nil failure reason")
	}
}

func TestRequestPoolRejectsBeyondCapacity(t *testing.T) {
	initiator, _ := handshake(t)
	initiator.send = func([]byte) error { return nil }
	for i := 0; i < RequestPoolSize; i++ {
		if _, err := initiator.Request([]byte("x"), nil); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if _, err := initiator.Request([]byte("x"), nil); err == nil {
		t.Fatal("expected ErrCapacity once RequestPoolSize requests are pending")
	}
}

func TestTamperedProofFailsHandshake(t *testing.T) {
	initiator, err := NewInitiator(func([]byte) error { return nil })
	if err != nil {
		t.Fatalf("new initiator: %v", err)
	}
	reqPayload, err := initiator.BuildRequest()
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	xPub, edPub, linkID, err := ParseRequest(reqPayload)
	if err != nil {
		t.Fatalf("parse request: %v", err)
	}
	_, proofPayload, err := NewResponder(func([]byte) error { return nil }, xPub, edPub, linkID)
	if err != nil {
		t.Fatalf("new responder: %v", err)
	}
	proofPayload[0] ^= 0xFF
	if err := initiator.CompleteHandshake(proofPayload); err == nil {
		t.Fatal("expected tampered LINK_PROOF to fail verification")
	}
}

func TestTickTransitionsStaleThenClosed(t *testing.T) {
	initiator, _ := handshake(t)
	base := time.Now()
	initiator.Tick(base.Add(StaleTime + time.Second))
	if initiator.State() != StateStale {
		t.Fatalf("expected STALE, got %v", initiator.State())
	}
	initiator.Tick(base.Add(StaleTime + KeepaliveTimeout + time.Second))
	if initiator.State() != StateClosed {
		t.Fatalf("expected CLOSED, got %v", initiator.State())
	}
}

type fakeSlot struct {
	canceled bool
	err      error
}

func (f *fakeSlot) Cancel(err error) {
	f.canceled = true
	f.err = err
}

func TestCloseCancelsBoundSlots(t *testing.T) {
	initiator, _ := handshake(t)
	s := &fakeSlot{}
	if err := initiator.BindResourceOut(s); err != nil {
		t.Fatalf("bind: %v", err)
	}
	initiator.Close()
	if !s.canceled {
		t.Fatal("expected bound slot to be canceled on Close")
	}
	if initiator.State() != StateClosed {
		t.Fatal("expected CLOSED after Close")
	}
}

func TestBindResourcePoolCapacity(t *testing.T) {
	initiator, _ := handshake(t)
	for i := 0; i < ResourcePoolSize; i++ {
		if err := initiator.BindResourceIn(&fakeSlot{}); err != nil {
			t.Fatalf("bind %d: %v", i, err)
		}
	}
	if err := initiator.BindResourceIn(&fakeSlot{}); err == nil {
		t.Fatal("expected ErrCapacity once pool is full")
	}
}

func TestUnbindSlotFreesCapacity(t *testing.T) {
	initiator, _ := handshake(t)
	s := &fakeSlot{}
	if err := initiator.BindRequest(s); err != nil {
		t.Fatalf("bind: %v", err)
	}
	initiator.UnbindSlot(s)
	for i := 0; i < RequestPoolSize; i++ {
		if err := initiator.BindRequest(&fakeSlot{}); err != nil {
			t.Fatalf("bind %d after unbind: %v", i, err)
		}
	}
}
