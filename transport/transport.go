// Package transport implements the Reticulum routing/dispatch hub
// (§4.5): the fixed-capacity tables every other component's packets flow
// through, announce propagation with rate limiting, and the send/receive
// paths binding Interfaces to Destinations and Links. Grounded on
// directory's fixed-capacity cached tables (load/evict-by-policy shape)
// and socks.Server's accept-loop/fan-out pattern, reused here for
// polling a set of Interfaces instead of accepting client connections.
package transport

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/torlando-tech/microreticulum-go/destination"
	"github.com/torlando-tech/microreticulum-go/identity"
	"github.com/torlando-tech/microreticulum-go/link"
	"github.com/torlando-tech/microreticulum-go/packet"
	"github.com/torlando-tech/microreticulum-go/rnserrors"
)

// Fixed table capacities (§4.5). Every table below rejects a brand new
// key once full rather than evicting an existing entry; packet_hashlist
// is the sole exception, ring-buffer-overwritten inside
// packet.DedupeRing.
const (
	AnnounceTableSize     = 8
	DestinationTableSize  = 16
	ReverseTableSize      = 8
	LinkTableSize         = 8
	HeldAnnouncesSize     = 8
	TunnelsSize           = 16
	AnnounceRateTableSize = 8
	PathRequestsSize      = 8
	ReceiptsSize          = 8
	PendingLinksSize      = 4 // hard cap, ErrCapacity on overflow
	ActiveLinksSize       = 4 // hard cap, ErrCapacity on overflow
	InterfacesSize        = 8 // hard cap, ErrCapacity on overflow
	LocalDestinationsSize = 32

	// AnnounceMinInterval is the minimum spacing Transport enforces
	// between successive local announces for the same destination; a
	// re-announce inside it is not broadcast (§4.5).
	AnnounceMinInterval = 10 * time.Second

	// ReceiptTimeout is how long Transport waits for a PROOF before
	// marking a reliable packet's receipt FAILED.
	ReceiptTimeout = 15 * time.Second
)

// Interface is the capability Transport drives every network transport
// through (§6.2): send outgoing bytes, drain queued inbound bytes, and
// report static/dynamic properties Transport's routing decisions read.
type Interface interface {
	SendOutgoing(data []byte) error
	// Poll drains every inbound frame queued since the last call.
	Poll() [][]byte
	MTU() int
	Online() bool
	Bitrate() int
	AnnounceAllowed() bool
}

type announceEntry struct {
	announce  *identity.Announce
	destHash  [destination.HashLen]byte
	hops      uint8
	heldUntil time.Time
}

type destTableEntry struct {
	viaInterface  int
	receivedHops  uint8
	lastRefreshed time.Time
}

type reverseEntry struct {
	receivingInterface int
	outboundInterface  int
	recordedAt         time.Time
}

type linkTableEntry struct {
	nextHopInterface int
	remainingHops    uint8
}

type rateEntry struct {
	lastAnnounceAt time.Time
	count          int
}

type pathRequestEntry struct {
	requestedAt time.Time
	tries       int
}

// ReceiptStatus is the lifecycle of a tracked reliable-delivery receipt.
type ReceiptStatus int

const (
	ReceiptSent ReceiptStatus = iota
	ReceiptDelivered
	ReceiptFailed
)

type receiptEntry struct {
	sentAt   time.Time
	timeout  time.Duration
	status   ReceiptStatus
	callback func(ReceiptStatus)
}

// AnnounceHandler is invoked for every validated announce Transport
// learns of, whether originated locally or received from the wire
// (§9's polymorphic-handler design note).
type AnnounceHandler func(destHash [destination.HashLen]byte, a *identity.Announce, hops uint8)

// RequestHandler answers a request addressed to a local destination,
// returning the response payload to send back and whether a response
// should be sent at all.
type RequestHandler func(data []byte) (response []byte, ok bool)

// Transport is the routing/dispatch hub every Destination, Link, and
// Interface is registered with.
type Transport struct {
	mu sync.Mutex

	logger *slog.Logger

	interfaces []Interface

	localDestinations map[[destination.HashLen]byte]*destination.Destination

	announceTable     *rejectTable[[destination.HashLen]byte, announceEntry]
	destinationTable  *rejectTable[[destination.HashLen]byte, destTableEntry]
	reverseTable      *rejectTable[[32]byte, reverseEntry]
	linkTable         *rejectTable[[16]byte, linkTableEntry]
	heldAnnounces     *rejectTable[[destination.HashLen]byte, announceEntry]
	tunnels           *rejectTable[[16]byte, []int]
	announceRateTable *rejectTable[[destination.HashLen]byte, rateEntry]
	pathRequests      *rejectTable[[destination.HashLen]byte, pathRequestEntry]
	receipts          *rejectTable[[32]byte, receiptEntry]

	dedupe *packet.DedupeRing

	pendingLinks map[[16]byte]*link.Link
	activeLinks  map[[16]byte]*link.Link

	announceHandlers []AnnounceHandler
	requestHandlers  map[[destination.HashLen]byte]RequestHandler

	duplicatesDropped uint64
}

// New constructs an empty Transport.
func New(logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		logger:            logger,
		localDestinations: make(map[[destination.HashLen]byte]*destination.Destination, LocalDestinationsSize),
		announceTable:     newRejectTable[[destination.HashLen]byte, announceEntry](AnnounceTableSize),
		destinationTable:  newRejectTable[[destination.HashLen]byte, destTableEntry](DestinationTableSize),
		reverseTable:      newRejectTable[[32]byte, reverseEntry](ReverseTableSize),
		linkTable:         newRejectTable[[16]byte, linkTableEntry](LinkTableSize),
		heldAnnounces:     newRejectTable[[destination.HashLen]byte, announceEntry](HeldAnnouncesSize),
		tunnels:           newRejectTable[[16]byte, []int](TunnelsSize),
		announceRateTable: newRejectTable[[destination.HashLen]byte, rateEntry](AnnounceRateTableSize),
		pathRequests:      newRejectTable[[destination.HashLen]byte, pathRequestEntry](PathRequestsSize),
		receipts:          newRejectTable[[32]byte, receiptEntry](ReceiptsSize),
		dedupe:            packet.NewDedupeRing(),
		pendingLinks:      make(map[[16]byte]*link.Link, PendingLinksSize),
		activeLinks:       make(map[[16]byte]*link.Link, ActiveLinksSize),
		requestHandlers:   make(map[[destination.HashLen]byte]RequestHandler),
	}
}

// RegisterAnnounceHandler adds h to the set of callbacks invoked for
// every validated announce.
func (t *Transport) RegisterAnnounceHandler(h AnnounceHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.announceHandlers = append(t.announceHandlers, h)
}

// RegisterRequestHandler installs h as the responder for requests
// addressed to destHash, replacing any previously registered handler.
func (t *Transport) RegisterRequestHandler(destHash [destination.HashLen]byte, h RequestHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requestHandlers[destHash] = h
}

// RegisterInterface adds iface to the fixed-capacity interface set.
func (t *Transport) RegisterInterface(iface Interface) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.interfaces) >= InterfacesSize {
		return fmt.Errorf("%w: interface table full (capacity %d)", rnserrors.ErrCapacity, InterfacesSize)
	}
	t.interfaces = append(t.interfaces, iface)
	return nil
}

// RegisterDestination binds a local Destination so inbound packets
// addressed to its hash are dispatched to it.
func (t *Transport) RegisterDestination(d *destination.Destination) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := d.Hash()
	if _, exists := t.localDestinations[h]; exists {
		t.localDestinations[h] = d
		return nil
	}
	if len(t.localDestinations) >= LocalDestinationsSize {
		return fmt.Errorf("%w: local destination table full (capacity %d)", rnserrors.ErrCapacity, LocalDestinationsSize)
	}
	t.localDestinations[h] = d
	return nil
}

// broadcast hands raw to every online interface whose AnnounceAllowed
// policy (for announces) doesn't exclude it. filter may be nil to send
// unconditionally to every online interface.
func (t *Transport) broadcast(raw []byte, filter func(Interface) bool) {
	t.mu.Lock()
	ifaces := append([]Interface(nil), t.interfaces...)
	t.mu.Unlock()

	for _, iface := range ifaces {
		if !iface.Online() {
			continue
		}
		if filter != nil && !filter(iface) {
			continue
		}
		if err := iface.SendOutgoing(raw); err != nil {
			t.logger.Warn("interface send failed", "error", err)
		}
	}
}

// Announce builds and broadcasts an ANNOUNCE packet for d, rate-limiting
// per destination: a re-announce requested before AnnounceMinInterval
// has elapsed since the last one only increments that destination's
// rate count (§4.5); it is not broadcast and not queued for later.
func (t *Transport) Announce(d *destination.Destination, ratchetID, appData []byte) error {
	h := d.Hash()

	t.mu.Lock()
	if rate, ok := t.announceRateTable.peek(h); ok && time.Since(rate.lastAnnounceAt) < AnnounceMinInterval {
		rate.count++
		t.announceRateTable.put(h, rate)
		t.mu.Unlock()
		t.logger.Debug("announce held by rate limit", "destination", h)
		return nil
	}
	if err := t.announceRateTable.put(h, rateEntry{lastAnnounceAt: time.Now(), count: 1}); err != nil {
		t.logger.Debug("announce rate table full, announcing without rate tracking", "destination", h)
	}
	t.mu.Unlock()

	a, err := d.Identity.MakeAnnounce(d.NameHash(), ratchetID, appData)
	if err != nil {
		return fmt.Errorf("transport: make announce: %w", err)
	}
	payload := identity.EncodeAnnounce(a)
	pkt := &packet.Packet{
		HeaderType:      packet.HeaderType1,
		Propagation:     packet.PropagationBroadcast,
		DestinationType: packet.DestinationSingle,
		PacketType:      packet.TypeAnnounce,
		Context:         packet.ContextNone,
		DestinationHash: h,
		Data:            payload,
	}
	raw := pkt.Encode()

	hash := pkt.Hash()
	t.mu.Lock()
	t.dedupe.SeenOrAdd(hash)
	if err := t.announceTable.put(h, announceEntry{announce: a, destHash: h}); err != nil {
		t.logger.Debug("announce table full, not cached", "destination", h)
	}
	handlers := append([]AnnounceHandler(nil), t.announceHandlers...)
	t.mu.Unlock()

	for _, handler := range handlers {
		handler(h, a, 0)
	}

	t.broadcast(raw, func(i Interface) bool { return i.AnnounceAllowed() })
	return nil
}

// PollInterfaces drains every registered Interface's inbound queue and
// feeds each frame through Receive. Intended to be called periodically
// by the embedding application's core loop (§5: a single-threaded,
// cooperative tick rather than one goroutine per Interface).
func (t *Transport) PollInterfaces() {
	t.mu.Lock()
	ifaces := append([]Interface(nil), t.interfaces...)
	t.mu.Unlock()

	for idx, iface := range ifaces {
		for _, raw := range iface.Poll() {
			t.Receive(raw, idx)
		}
	}
}

// DuplicatesDropped returns the number of inbound frames discarded
// because their packet hash was already present in the dedupe ring.
func (t *Transport) DuplicatesDropped() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.duplicatesDropped
}

// Receive decodes and processes one inbound frame, received on the
// interface at ifaceIdx. This is Transport's single entry point for
// everything arriving off the wire (§4.5): dedupe, local dispatch,
// forwarding, and announce caching all happen here.
func (t *Transport) Receive(raw []byte, ifaceIdx int) {
	pkt, err := packet.Decode(raw)
	if err != nil {
		t.logger.Debug("dropping malformed packet", "error", err)
		return
	}

	hash := pkt.Hash()
	t.mu.Lock()
	seen := t.dedupe.SeenOrAdd(hash)
	if seen {
		t.duplicatesDropped++
	}
	t.mu.Unlock()
	if seen {
		return
	}

	switch pkt.PacketType {
	case packet.TypeAnnounce:
		t.handleAnnounce(pkt, ifaceIdx)
		return
	case packet.TypeProof:
		t.handleProof(pkt)
		return
	}

	t.mu.Lock()
	d, local := t.localDestinations[pkt.DestinationHash]
	t.mu.Unlock()

	if local {
		if d.PacketCallback != nil {
			d.PacketCallback(pkt.Data, hash)
		}
		if pkt.Context == packet.ContextRequest {
			t.handleRequest(pkt, ifaceIdx)
		}
		return
	}

	t.forward(pkt, ifaceIdx)
}

// handleRequest answers a request addressed to a local destination by
// invoking its registered RequestHandler, if any, and replying directly
// on the interface the request arrived on with a RESPONSE packet.
func (t *Transport) handleRequest(pkt *packet.Packet, ifaceIdx int) {
	t.mu.Lock()
	handler, ok := t.requestHandlers[pkt.DestinationHash]
	var iface Interface
	if ok && ifaceIdx >= 0 && ifaceIdx < len(t.interfaces) {
		iface = t.interfaces[ifaceIdx]
	}
	t.mu.Unlock()
	if !ok || iface == nil {
		return
	}

	response, respond := handler(pkt.Data)
	if !respond {
		return
	}

	reply := &packet.Packet{
		HeaderType:      packet.HeaderType1,
		Propagation:     packet.PropagationBroadcast,
		DestinationType: pkt.DestinationType,
		PacketType:      packet.TypeData,
		Context:         packet.ContextResponse,
		DestinationHash: pkt.DestinationHash,
		Data:            response,
	}
	if err := iface.SendOutgoing(reply.Encode()); err != nil {
		t.logger.Warn("request response send failed", "error", err)
	}
}

func (t *Transport) handleAnnounce(pkt *packet.Packet, ifaceIdx int) {
	a, err := identity.DecodeAnnounce(pkt.Data)
	if err != nil {
		t.logger.Debug("dropping malformed announce", "error", err)
		return
	}
	if err := identity.ValidateAnnounce(a); err != nil {
		t.logger.Debug("dropping announce with invalid signature", "error", err)
		return
	}

	t.mu.Lock()
	if err := t.announceTable.put(pkt.DestinationHash, announceEntry{announce: a, destHash: pkt.DestinationHash, hops: pkt.HopCount}); err != nil {
		t.logger.Debug("announce table full, not cached", "destination", pkt.DestinationHash)
	}
	if err := t.destinationTable.put(pkt.DestinationHash, destTableEntry{viaInterface: ifaceIdx, receivedHops: pkt.HopCount, lastRefreshed: time.Now()}); err != nil {
		t.logger.Debug("destination table full, route not recorded", "destination", pkt.DestinationHash)
	}
	handlers := append([]AnnounceHandler(nil), t.announceHandlers...)
	t.mu.Unlock()

	for _, handler := range handlers {
		handler(pkt.DestinationHash, a, pkt.HopCount)
	}

	if err := pkt.IncrementHop(); err != nil {
		return
	}
	raw := pkt.Encode()
	t.broadcast(raw, func(i Interface) bool { return i.AnnounceAllowed() })
}

func (t *Transport) handleProof(pkt *packet.Packet) {
	proof, err := packet.DecodeProof(pkt.Data)
	if err != nil {
		return
	}
	t.mu.Lock()
	entry, ok := t.receipts.peek(proof.PacketHash)
	if ok {
		entry.status = ReceiptDelivered
		t.receipts.put(proof.PacketHash, entry)
	}
	t.mu.Unlock()
	if ok && entry.callback != nil {
		entry.callback(ReceiptDelivered)
	}
}

// forward routes a non-local packet to its recorded next hop, dropping
// it if no route is known or it has reached MaxHops.
func (t *Transport) forward(pkt *packet.Packet, receivedOn int) {
	if err := pkt.IncrementHop(); err != nil {
		t.logger.Debug("dropping packet at max hops", "destination", pkt.DestinationHash)
		return
	}

	t.mu.Lock()
	route, ok := t.destinationTable.get(pkt.DestinationHash)
	t.mu.Unlock()
	if !ok {
		t.logger.Debug("no route for destination, dropping", "destination", pkt.DestinationHash)
		return
	}

	t.mu.Lock()
	if err := t.reverseTable.put(pkt.Hash(), reverseEntry{receivingInterface: receivedOn, outboundInterface: route.viaInterface, recordedAt: time.Now()}); err != nil {
		t.logger.Debug("reverse table full, forwarding without a reverse-path record", "destination", pkt.DestinationHash)
	}
	ifaces := append([]Interface(nil), t.interfaces...)
	t.mu.Unlock()

	if route.viaInterface < 0 || route.viaInterface >= len(ifaces) {
		return
	}
	iface := ifaces[route.viaInterface]
	if !iface.Online() {
		return
	}
	if err := iface.SendOutgoing(pkt.Encode()); err != nil {
		t.logger.Warn("forward failed", "error", err)
	}
}

// SendReliable broadcasts pkt and tracks a receipt, invoking cb exactly
// once when a matching PROOF arrives or ReceiptTimeout elapses without
// one.
func (t *Transport) SendReliable(pkt *packet.Packet, cb func(ReceiptStatus)) error {
	raw := pkt.Encode()
	hash := pkt.Hash()

	t.mu.Lock()
	err := t.receipts.put(hash, receiptEntry{sentAt: time.Now(), timeout: ReceiptTimeout, status: ReceiptSent, callback: cb})
	t.mu.Unlock()
	if err != nil {
		return fmt.Errorf("transport: track receipt: %w", err)
	}

	t.broadcast(raw, nil)
	return nil
}

// ExpireReceipts walks the receipts table and fails any entry whose
// timeout has elapsed without a matching proof. Called periodically
// alongside PollInterfaces.
func (t *Transport) ExpireReceipts(now time.Time) {
	var toFail []func(ReceiptStatus)
	t.receipts.forEach(func(hash [32]byte, entry receiptEntry) {
		if entry.status == ReceiptSent && now.Sub(entry.sentAt) >= entry.timeout {
			entry.status = ReceiptFailed
			t.receipts.put(hash, entry)
			if entry.callback != nil {
				toFail = append(toFail, entry.callback)
			}
		}
	})
	for _, cb := range toFail {
		cb(ReceiptFailed)
	}
}

// RequestPath records a path request for destHash, rate-limited to one
// outstanding request at a time (§4.5).
func (t *Transport) RequestPath(destHash [destination.HashLen]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pathRequests.peek(destHash); ok {
		return false
	}
	if err := t.pathRequests.put(destHash, pathRequestEntry{requestedAt: time.Now(), tries: 1}); err != nil {
		return false
	}
	return true
}

// BindPendingLink registers a Link awaiting handshake completion.
func (t *Transport) BindPendingLink(id [16]byte, l *link.Link) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pendingLinks) >= PendingLinksSize {
		return fmt.Errorf("%w: pending link table full (capacity %d)", rnserrors.ErrCapacity, PendingLinksSize)
	}
	t.pendingLinks[id] = l
	return nil
}

// ActivateLink moves a Link from pending to active bookkeeping.
func (t *Transport) ActivateLink(id [16]byte, l *link.Link) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pendingLinks, id)
	if len(t.activeLinks) >= ActiveLinksSize {
		return fmt.Errorf("%w: active link table full (capacity %d)", rnserrors.ErrCapacity, ActiveLinksSize)
	}
	t.activeLinks[id] = l
	return nil
}

// ActiveLink looks up a currently active Link by ID.
func (t *Transport) ActiveLink(id [16]byte) (*link.Link, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.activeLinks[id]
	return l, ok
}

// CloseLink removes id from both link tables, called once the Link has
// transitioned to CLOSED.
func (t *Transport) CloseLink(id [16]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pendingLinks, id)
	delete(t.activeLinks, id)
	t.linkTable.remove(id)
}
