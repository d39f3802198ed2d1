package channel

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/torlando-tech/microreticulum-go/link"
	"github.com/vmihailenco/msgpack/v5"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	raw := EncodeEnvelope(0x0001, 42, []byte("ping"))
	msgType, seq, data, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msgType != 0x0001 || seq != 42 || !bytes.Equal(data, []byte("ping")) {
		t.Fatalf("round trip mismatch: type=%d seq=%d data=%q", msgType, seq, data)
	}
}

func TestEnvelopeHeaderShape(t *testing.T) {
	raw := EncodeEnvelope(0x1234, 0x0001, []byte("hi"))
	want := []byte{0x12, 0x34, 0x00, 0x01, 0x00, 0x02, 'h', 'i'}
	if !bytes.Equal(raw, want) {
		t.Fatalf("unexpected envelope bytes: got % x want % x", raw, want)
	}
}

// TestPingPongWireBytes runs the literal PING/PONG scenario: a msgtype
// 0xABCD envelope at sequence 0 carrying msgpack-encoded ["basic_886",
// "PING"] must serialize to an exact, pinned byte sequence.
func TestPingPongWireBytes(t *testing.T) {
	payload, err := msgpack.Marshal([]string{"basic_886", "PING"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	raw := EncodeEnvelope(0xABCD, 0, payload)
	want := []byte{
		0xab, 0xcd, 0x00, 0x00, 0x00, 0x10,
		0x92, 0xa9, 0x62, 0x61, 0x73, 0x69, 0x63, 0x5f, 0x38, 0x38, 0x36,
		0xa4, 0x50, 0x49, 0x4e, 0x47,
	}
	if !bytes.Equal(raw, want) {
		t.Fatalf("unexpected PING envelope bytes: got % x want % x", raw, want)
	}

	msgType, seq, data, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var fields []string
	if err := msgpack.Unmarshal(data, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msgType != 0xABCD || seq != 0 || len(fields) != 2 || fields[0] != "basic_886" || fields[1] != "PING" {
		t.Fatalf("unexpected decoded envelope: type=%#x seq=%d fields=%v", msgType, seq, fields)
	}

	pong, err := msgpack.Marshal([]string{"basic_886", "PONG"})
	if err != nil {
		t.Fatalf("marshal pong: %v", err)
	}
	reply := EncodeEnvelope(0xABCD, 0, pong)
	rMsgType, rSeq, rData, err := DecodeEnvelope(reply)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	var rFields []string
	if err := msgpack.Unmarshal(rData, &rFields); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if rMsgType != 0xABCD || rSeq != 0 || rFields[1] != "PONG" {
		t.Fatalf("unexpected PONG reply: type=%#x seq=%d fields=%v", rMsgType, rSeq, rFields)
	}
}

func TestDecodeEnvelopeRejectsLengthMismatch(t *testing.T) {
	raw := EncodeEnvelope(1, 1, []byte("data"))
	raw[5] = 0xFF // corrupt the length field
	if _, _, _, err := DecodeEnvelope(raw); err == nil {
		t.Fatal("expected error on length field mismatch")
	}
}

func testLink(t *testing.T) *link.Link {
	t.Helper()
	initiator, err := link.NewInitiator(func([]byte) error { return nil })
	if err != nil {
		t.Fatalf("new initiator: %v", err)
	}
	req, err := initiator.BuildRequest()
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	xPub, edPub, linkID, err := link.ParseRequest(req)
	if err != nil {
		t.Fatalf("parse request: %v", err)
	}
	_, proof, err := link.NewResponder(func([]byte) error { return nil }, xPub, edPub, linkID)
	if err != nil {
		t.Fatalf("new responder: %v", err)
	}
	if err := initiator.CompleteHandshake(proof); err != nil {
		t.Fatalf("complete handshake: %v", err)
	}
	return initiator
}

func TestHandleInboundDispatchesInOrder(t *testing.T) {
	var order []uint16
	ch := New(testLink(t), func(msgType uint16, data []byte) {
		order = append(order, msgType)
	})

	// Deliver out of order: 2 first, which must be buffered until both
	// predecessors land, then 0 and 1, which release all three in order.
	env2 := EncodeEnvelope(9, 2, []byte("c"))
	env0 := EncodeEnvelope(7, 0, []byte("a"))
	env1 := EncodeEnvelope(8, 1, []byte("b"))

	if err := ch.HandleInbound(env2); err != nil {
		t.Fatalf("handle env2: %v", err)
	}
	if len(order) != 0 {
		t.Fatalf("expected no dispatch before sequence 0 arrives, got %v", order)
	}
	if err := ch.HandleInbound(env0); err != nil {
		t.Fatalf("handle env0: %v", err)
	}
	if err := ch.HandleInbound(env1); err != nil {
		t.Fatalf("handle env1: %v", err)
	}

	if len(order) != 3 || order[0] != 7 || order[1] != 8 || order[2] != 9 {
		t.Fatalf("expected in-order dispatch [7 8 9], got %v", order)
	}
}

func TestSendAssignsSequentialNumbers(t *testing.T) {
	ch := New(testLink(t), nil)
	if err := ch.Send(1, []byte("a")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := ch.Send(1, []byte("b")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if ch.txNext != 2 {
		t.Fatalf("expected txNext=2, got %d", ch.txNext)
	}
}

func TestAckFreesRingSlot(t *testing.T) {
	ch := New(testLink(t), nil)
	if err := ch.Send(1, []byte("a")); err != nil {
		t.Fatalf("send: %v", err)
	}
	ch.Ack(0)
	slot := ch.txRing[0]
	if slot == nil || !slot.acked {
		t.Fatal("expected sequence 0 to be marked acked")
	}
}

// expectedRetryDelay evaluates retransmitTimeout's formula at a Link's
// conservative initial RTT (2s). testLink completes the handshake, which
// replaces that estimate with a much smaller measured sample, so these
// delays are upper bounds on the real timeouts; advancing now by them
// makes each envelope due deterministically, without sleeping.
func expectedRetryDelay(tries int) time.Duration {
	base := 2 * time.Second * 5 / 2
	backoff := math.Pow(1.5, float64(tries-1))
	return time.Duration(backoff * float64(base) * (RingSize + 1.5))
}

func TestRetransmitBacksOffAndGivesUpAfterMaxTries(t *testing.T) {
	ch := New(testLink(t), nil)
	if err := ch.Send(1, []byte("a")); err != nil {
		t.Fatalf("send: %v", err)
	}

	var failedSeq uint16 = 0xFFFF
	ch.SetFailureHandler(func(seq uint16) { failedSeq = seq })

	now := time.Now()
	for tries := 1; tries < MaxTries; tries++ {
		now = now.Add(expectedRetryDelay(tries))
		if err := ch.RetransmitExpired(now); err != nil {
			t.Fatalf("retransmit %d: %v", tries, err)
		}
		slot := ch.txRing[0]
		if slot == nil {
			t.Fatalf("expected slot to survive retry %d", tries)
		}
		if slot.tries != tries+1 {
			t.Fatalf("expected tries=%d after retry %d, got %d", tries+1, tries, slot.tries)
		}
	}
	if failedSeq != 0xFFFF {
		t.Fatal("expected no failure callback before MaxTries is reached")
	}

	now = now.Add(expectedRetryDelay(MaxTries))
	if err := ch.RetransmitExpired(now); err != nil {
		t.Fatalf("final retransmit: %v", err)
	}
	if failedSeq != 0 {
		t.Fatalf("expected failure callback for sequence 0, got %d", failedSeq)
	}
	if ch.txRing[0] != nil {
		t.Fatal("expected ring slot to be freed once given up as FAILED")
	}
}

func FuzzUnpackEnvelope(f *testing.F) {
	f.Add([]byte{0xab, 0xcd, 0x00, 0x00, 0x00, 0x04, 'p', 'i', 'n', 'g'})
	f.Add([]byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
	f.Add([]byte{0xff})
	f.Fuzz(func(t *testing.T, data []byte) {
		msgType, seq, got, err := DecodeEnvelope(data)
		if err != nil {
			return
		}
		raw := EncodeEnvelope(msgType, seq, got)
		if !bytes.Equal(raw, data) {
			t.Fatalf("re-encoded envelope diverged from input: got % x want % x", raw, data)
		}
	})
}
