package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/torlando-tech/microreticulum-go/destination"
	"github.com/torlando-tech/microreticulum-go/identity"
	"github.com/torlando-tech/microreticulum-go/packet"
)

// memInterface is an in-memory loopback Interface used only for tests:
// SendOutgoing appends to an internal inbox another memInterface (or the
// test itself) can drain via Poll.
type memInterface struct {
	mu              sync.Mutex
	inbox           [][]byte
	online          bool
	announceAllowed bool
}

func newMemInterface() *memInterface {
	return &memInterface{online: true, announceAllowed: true}
}

func (m *memInterface) SendOutgoing(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbox = append(m.inbox, append([]byte(nil), data...))
	return nil
}

func (m *memInterface) Poll() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.inbox
	m.inbox = nil
	return out
}

func (m *memInterface) MTU() int             { return packet.MTU }
func (m *memInterface) Online() bool         { return m.online }
func (m *memInterface) Bitrate() int         { return 1_000_000 }
func (m *memInterface) AnnounceAllowed() bool { return m.announceAllowed }

func TestRegisterInterfaceCapacity(t *testing.T) {
	tr := New(nil)
	for i := 0; i < InterfacesSize; i++ {
		if err := tr.RegisterInterface(newMemInterface()); err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
	}
	if err := tr.RegisterInterface(newMemInterface()); err == nil {
		t.Fatal("expected ErrCapacity once interface table is full")
	}
}

func TestAnnounceBroadcastsToAllowedInterfaces(t *testing.T) {
	tr := New(nil)
	allowed := newMemInterface()
	blocked := newMemInterface()
	blocked.announceAllowed = false
	if err := tr.RegisterInterface(allowed); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := tr.RegisterInterface(blocked); err != nil {
		t.Fatalf("register: %v", err)
	}

	id, err := identity.New()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	d, err := destination.New(id, destination.DirectionOut, destination.TypeSingle, "test", "echo")
	if err != nil {
		t.Fatalf("destination: %v", err)
	}

	if err := tr.Announce(d, nil, []byte("hi")); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if len(allowed.Poll()) != 1 {
		t.Fatal("expected one announce on the allowed interface")
	}
	if len(blocked.Poll()) != 0 {
		t.Fatal("expected no announce on the blocked interface")
	}
}

func TestAnnounceRateLimitHoldsRepeat(t *testing.T) {
	tr := New(nil)
	iface := newMemInterface()
	if err := tr.RegisterInterface(iface); err != nil {
		t.Fatalf("register: %v", err)
	}
	id, _ := identity.New()
	d, _ := destination.New(id, destination.DirectionOut, destination.TypeSingle, "test", "echo")

	if err := tr.Announce(d, nil, nil); err != nil {
		t.Fatalf("first announce: %v", err)
	}
	iface.Poll()
	if err := tr.Announce(d, nil, nil); err != nil {
		t.Fatalf("second announce: %v", err)
	}
	if frames := iface.Poll(); len(frames) != 0 {
		t.Fatalf("expected rate-limited re-announce to be held, got %d frames", len(frames))
	}
}

func TestReceiveDedupesRepeatedPacket(t *testing.T) {
	tr := New(nil)
	var received int
	var destHash [destination.HashLen]byte
	destHash[0] = 0x42
	d := &destination.Destination{PacketCallback: func(data []byte, hash [32]byte) { received++ }}
	tr.localDestinations[destHash] = d

	p := &packet.Packet{
		HeaderType:      packet.HeaderType1,
		DestinationType: packet.DestinationSingle,
		PacketType:      packet.TypeData,
		Context:         packet.ContextNone,
		DestinationHash: destHash,
		Data:            []byte("payload"),
	}
	raw := p.Encode()

	tr.Receive(raw, 0)
	tr.Receive(raw, 0)

	if received != 1 {
		t.Fatalf("expected exactly one dispatch despite duplicate delivery, got %d", received)
	}
}

func TestForwardUsesRecordedRoute(t *testing.T) {
	tr := New(nil)
	iface0 := newMemInterface()
	iface1 := newMemInterface()
	if err := tr.RegisterInterface(iface0); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := tr.RegisterInterface(iface1); err != nil {
		t.Fatalf("register: %v", err)
	}

	var destHash [destination.HashLen]byte
	destHash[0] = 0x7
	tr.destinationTable.put(destHash, destTableEntry{viaInterface: 1, receivedHops: 2, lastRefreshed: time.Now()})

	p := &packet.Packet{
		HeaderType:      packet.HeaderType1,
		DestinationType: packet.DestinationSingle,
		PacketType:      packet.TypeData,
		Context:         packet.ContextNone,
		DestinationHash: destHash,
		Data:            []byte("forward me"),
	}
	tr.Receive(p.Encode(), 0)

	if len(iface1.Poll()) != 1 {
		t.Fatal("expected the packet to be forwarded via the recorded route's interface")
	}
	if len(iface0.Poll()) != 0 {
		t.Fatal("expected no forwarding back out the receiving interface")
	}
}

func TestSendReliableTimesOutWithoutProof(t *testing.T) {
	tr := New(nil)
	iface := newMemInterface()
	if err := tr.RegisterInterface(iface); err != nil {
		t.Fatalf("register: %v", err)
	}
	var destHash [destination.HashLen]byte
	destHash[0] = 0x9
	p := &packet.Packet{
		HeaderType:      packet.HeaderType1,
		DestinationType: packet.DestinationSingle,
		PacketType:      packet.TypeData,
		Context:         packet.ContextNone,
		DestinationHash: destHash,
		Data:            []byte("needs a proof"),
	}

	result := make(chan ReceiptStatus, 1)
	if err := tr.SendReliable(p, func(s ReceiptStatus) { result <- s }); err != nil {
		t.Fatalf("send reliable: %v", err)
	}
	tr.ExpireReceipts(time.Now().Add(ReceiptTimeout + time.Second))

	select {
	case s := <-result:
		if s != ReceiptFailed {
			t.Fatalf("expected ReceiptFailed, got %v", s)
		}
	default:
		t.Fatal("expected receipt callback to fire after timeout")
	}
}

func TestAnnounceHandlerFiresOnLocalAnnounce(t *testing.T) {
	tr := New(nil)
	iface := newMemInterface()
	if err := tr.RegisterInterface(iface); err != nil {
		t.Fatalf("register: %v", err)
	}

	var gotHash [destination.HashLen]byte
	var gotAppData []byte
	tr.RegisterAnnounceHandler(func(destHash [destination.HashLen]byte, a *identity.Announce, hops uint8) {
		gotHash = destHash
		gotAppData = a.AppData
	})

	id, _ := identity.New()
	d, _ := destination.New(id, destination.DirectionOut, destination.TypeSingle, "test", "echo")
	if err := tr.Announce(d, nil, []byte("payload")); err != nil {
		t.Fatalf("announce: %v", err)
	}

	if gotHash != d.Hash() {
		t.Fatal("expected handler to observe the announced destination hash")
	}
	if string(gotAppData) != "payload" {
		t.Fatalf("expected handler to observe app data, got %q", gotAppData)
	}
}

func TestAnnounceHandlerFiresOnReceivedAnnounce(t *testing.T) {
	tr := New(nil)
	iface := newMemInterface()
	if err := tr.RegisterInterface(iface); err != nil {
		t.Fatalf("register: %v", err)
	}

	fired := make(chan struct{}, 1)
	tr.RegisterAnnounceHandler(func([destination.HashLen]byte, *identity.Announce, uint8) {
		fired <- struct{}{}
	})

	id, _ := identity.New()
	var nameHash [identity.NameHashLen]byte
	a, err := id.MakeAnnounce(nameHash, nil, nil)
	if err != nil {
		t.Fatalf("make announce: %v", err)
	}
	payload := identity.EncodeAnnounce(a)
	p := &packet.Packet{
		HeaderType:      packet.HeaderType1,
		DestinationType: packet.DestinationSingle,
		PacketType:      packet.TypeAnnounce,
		Context:         packet.ContextNone,
		Data:            payload,
	}
	tr.Receive(p.Encode(), 0)

	select {
	case <-fired:
	default:
		t.Fatal("expected announce handler to fire for a received announce")
	}
}

func TestRequestHandlerRespondsOnSameInterface(t *testing.T) {
	tr := New(nil)
	iface := newMemInterface()
	if err := tr.RegisterInterface(iface); err != nil {
		t.Fatalf("register: %v", err)
	}

	var destHash [destination.HashLen]byte
	destHash[0] = 0x55
	d := &destination.Destination{}
	tr.localDestinations[destHash] = d

	tr.RegisterRequestHandler(destHash, func(data []byte) ([]byte, bool) {
		return append([]byte("echo:"), data...), true
	})

	p := &packet.Packet{
		HeaderType:      packet.HeaderType1,
		DestinationType: packet.DestinationSingle,
		PacketType:      packet.TypeData,
		Context:         packet.ContextRequest,
		DestinationHash: destHash,
		Data:            []byte("ping"),
	}
	tr.Receive(p.Encode(), 0)

	frames := iface.Poll()
	if len(frames) != 1 {
		t.Fatalf("expected one response frame, got %d", len(frames))
	}
	reply, err := packet.Decode(frames[0])
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Context != packet.ContextResponse || string(reply.Data) != "echo:ping" {
		t.Fatalf("unexpected reply: context=%v data=%q", reply.Context, reply.Data)
	}
}

func TestDestinationTableRejectsNewKeysOnceFull(t *testing.T) {
	tr := New(nil)
	var first [destination.HashLen]byte
	first[0] = 1
	if err := tr.destinationTable.put(first, destTableEntry{viaInterface: 0}); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	for i := 1; i < DestinationTableSize; i++ {
		var h [destination.HashLen]byte
		h[0] = byte(i + 1)
		if err := tr.destinationTable.put(h, destTableEntry{viaInterface: 0}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	var overflow [destination.HashLen]byte
	overflow[0] = 0xFF
	if err := tr.destinationTable.put(overflow, destTableEntry{viaInterface: 0}); err == nil {
		t.Fatal("expected a brand new key to be rejected once the table is at capacity")
	}

	if _, ok := tr.destinationTable.get(first); !ok {
		t.Fatal("expected the first entry to still be present: reject policy must not evict it")
	}
	if err := tr.destinationTable.put(first, destTableEntry{viaInterface: 9}); err != nil {
		t.Fatalf("expected update of an existing key to succeed at capacity: %v", err)
	}
}

func TestRequestPathRateLimited(t *testing.T) {
	tr := New(nil)
	var destHash [destination.HashLen]byte
	destHash[0] = 0x1
	if !tr.RequestPath(destHash) {
		t.Fatal("expected first path request to be accepted")
	}
	if tr.RequestPath(destHash) {
		t.Fatal("expected a second outstanding request for the same destination to be refused")
	}
}
