// Package resource implements Reticulum Resources (§4.7): segmented,
// compressed, hashmap-verified bulk transfer over a Link. Grounded on
// stream/flow.go's windowed SENDME-style flow control (the periodic
// acknowledge-every-N-units shape reused here for hashmap requests and
// window scaling) and onion/rendezvous.go's multi-step stateful protocol
// sequencing (advertise → request → transfer → verify), adapted from a
// one-shot rendezvous handshake into Resource's longer-lived part-by-part
// exchange.
package resource

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/torlando-tech/microreticulum-go/packet"
	"github.com/torlando-tech/microreticulum-go/rnscrypto"
	"github.com/torlando-tech/microreticulum-go/rnserrors"
	"github.com/torlando-tech/microreticulum-go/token"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// SDU is the per-part payload budget, identical to packet.SDU.
	SDU = packet.SDU

	// HashmapMaxLen is the maximum number of 4-byte part-hash entries
	// carried in a single RESOURCE_ADV (§4.7); additional entries are
	// delivered via HMU (hash-map-update) packets.
	HashmapMaxLen = 74

	// MaxParts is the hard ceiling on the number of parts a single
	// Resource instance may be split into (§4.7). Larger payloads must be
	// pre-chunked by Split (or NewSegmentedSenders) before construction.
	MaxParts = 256

	// RandomHashLen is the length of the per-resource random salt mixed
	// into the resource hash, preventing identical plaintexts across
	// distinct transfers from colliding.
	RandomHashLen = 4

	// ResourceHashLen is the length of a resource's content-identity hash:
	// the full, untruncated sha256 digest (§4.7).
	ResourceHashLen = 32

	initialWindow    = 4
	windowMaxDefault = 10
	windowMaxFast    = 75
	// fastLinkThresholdBps is the measured throughput (bytes/sec) a
	// transfer must sustain for fastLinkRounds consecutive rounds before
	// the window ceiling is raised to windowMaxFast (§4.7).
	fastLinkThresholdBps = 6250
	fastLinkRounds       = 4

	partTimeout = 5 * time.Second
)

// Flag bits carried in a RESOURCE_ADV's f field.
const (
	flagCompressed uint8 = 1 << 0
)

// resourceAdv is the RESOURCE_ADV msgpack map (§4.7, §8 scenario), with
// the eleven keys carrying the literal meaning spec.md assigns each one.
type resourceAdv struct {
	T uint32 `msgpack:"t"` // total ciphertext size across all parts
	D uint32 `msgpack:"d"` // data length: this segment's size before compression
	N uint16 `msgpack:"n"` // total number of parts
	H []byte `msgpack:"h"` // resource hash (ResourceHashLen bytes)
	R []byte `msgpack:"r"` // random hash (RandomHashLen bytes); informational, never trusted for verification
	O []byte `msgpack:"o"` // original hash: sha256 of the complete pre-split source buffer
	I uint16 `msgpack:"i"` // segment index, 1-based
	L uint16 `msgpack:"l"` // segment count
	Q uint8  `msgpack:"q"` // flags, reserved
	F uint8  `msgpack:"f"` // flags: flagCompressed
	M []byte `msgpack:"m"` // hashmap bytes, for parts [0, len(M)/4)
}

// resourceReq is the RESOURCE_REQ payload: the resource hash plus the
// list of part indices the receiver still needs.
type resourceReq struct {
	D     []byte   `msgpack:"d"`
	Parts []uint16 `msgpack:"p"`
}

// EncodeHMU builds a hash-map-update payload: hash(32) ‖
// msgpack([segment, bin]), matching the literal wire shape named in
// spec.md. Segment s carries the hashmap entries for part indices
// [s*HashmapMaxLen, (s+1)*HashmapMaxLen).
func EncodeHMU(resourceHash [32]byte, segment int, bin []byte) ([]byte, error) {
	body, err := msgpack.Marshal([]interface{}{segment, bin})
	if err != nil {
		return nil, fmt.Errorf("resource: marshal hmu: %w", err)
	}
	out := make([]byte, 0, 32+len(body))
	out = append(out, resourceHash[:]...)
	out = append(out, body...)
	return out, nil
}

// DecodeHMU parses the payload EncodeHMU produces.
func DecodeHMU(data []byte) (resourceHash [32]byte, segment int, bin []byte, err error) {
	if len(data) < 32 {
		err = fmt.Errorf("%w: hmu payload too short", rnserrors.ErrMalformed)
		return
	}
	copy(resourceHash[:], data[:32])
	var tuple []interface{}
	if err = msgpack.Unmarshal(data[32:], &tuple); err != nil {
		err = fmt.Errorf("%w: unmarshal hmu: %v", rnserrors.ErrMalformed, err)
		return
	}
	if len(tuple) != 2 {
		err = fmt.Errorf("%w: hmu tuple must have 2 elements", rnserrors.ErrMalformed)
		return
	}
	switch v := tuple[0].(type) {
	case int8:
		segment = int(v)
	case int64:
		segment = int(v)
	case uint64:
		segment = int(v)
	case int:
		segment = v
	default:
		err = fmt.Errorf("%w: hmu segment field has unexpected type %T", rnserrors.ErrMalformed, tuple[0])
		return
	}
	bin, ok := tuple[1].([]byte)
	if !ok {
		err = fmt.Errorf("%w: hmu bin field has unexpected type %T", rnserrors.ErrMalformed, tuple[1])
		return
	}
	return
}

func partHash(data []byte) [4]byte {
	full := rnscrypto.Sha256(data)
	var h [4]byte
	copy(h[:], full[:4])
	return h
}

// Sender drives the outgoing side of a single Resource transfer.
type Sender struct {
	mu sync.Mutex

	resourceHash [ResourceHashLen]byte
	randomHash   [RandomHashLen]byte
	compressed   bool
	dataLength   uint32

	originalHash [32]byte // hash of the complete pre-split source buffer (§4.7 segments)
	segmentIndex uint16   // 1-based
	segmentCount uint16

	parts     [][]byte
	hashes    [][4]byte
	delivered []bool

	window        int
	windowMax     int
	fastRounds    int
	lastRoundAt   time.Time
	lastRoundSent int
}

// NewSender compresses (if requested) and Token-encrypts data, splits the
// result into SDU-sized parts, and computes each part's hashmap entry.
// Returns ErrCapacity if the resulting part count exceeds MaxParts —
// callers transferring larger payloads must pre-chunk via Split/
// NewSegmentedSenders first. Equivalent to a single, whole, one-segment
// transfer: segmentIndex=1, segmentCount=1, originalHash=sha256(data).
func NewSender(data []byte, tok *token.Token, compress bool) (*Sender, error) {
	return NewSegmentedSender(data, tok, compress, rnscrypto.Sha256(data), 1, 1)
}

// NewSegmentedSenders splits data into Split's chunks and returns one
// Sender per segment, each carrying the shared originalHash and its
// 1-based position so the far side's SegmentAccumulator can rejoin them.
func NewSegmentedSenders(data []byte, tok *token.Token, compress bool) ([]*Sender, error) {
	segments, err := Split(data)
	if err != nil {
		return nil, err
	}
	originalHash := rnscrypto.Sha256(data)
	senders := make([]*Sender, len(segments))
	for i, seg := range segments {
		s, err := NewSegmentedSender(seg, tok, compress, originalHash, uint16(i+1), uint16(len(segments)))
		if err != nil {
			return nil, err
		}
		senders[i] = s
	}
	return senders, nil
}

// NewSegmentedSender is NewSender generalized to one segment of a larger,
// multi-segment transfer (§4.7): originalHash identifies the complete
// pre-split buffer this segment belongs to, and segmentIndex/segmentCount
// let the receiving side's SegmentAccumulator rejoin segments in order.
func NewSegmentedSender(data []byte, tok *token.Token, compress bool, originalHash [32]byte, segmentIndex, segmentCount uint16) (*Sender, error) {
	var randomHash [RandomHashLen]byte
	if _, err := rand.Read(randomHash[:]); err != nil {
		return nil, fmt.Errorf("resource: generate random hash: %w", err)
	}

	payload := data
	if compress {
		c, err := rnscrypto.Bzip2Compress(data)
		if err != nil {
			return nil, fmt.Errorf("resource: compress: %w", err)
		}
		payload = c
	}

	// to_encrypt = compressed ‖ random_hash (§4.7): the random salt rides
	// inside the Token-encrypted blob, not as cleartext in the
	// advertisement, so its presence is part of what decryption proves.
	toEncrypt := make([]byte, 0, len(payload)+RandomHashLen)
	toEncrypt = append(toEncrypt, payload...)
	toEncrypt = append(toEncrypt, randomHash[:]...)

	ciphertext, err := tok.Encrypt(toEncrypt)
	if err != nil {
		return nil, fmt.Errorf("resource: encrypt: %w", err)
	}

	numParts := (len(ciphertext) + SDU - 1) / SDU
	if numParts == 0 {
		numParts = 1
	}
	if numParts > MaxParts {
		return nil, fmt.Errorf("%w: resource requires %d parts, exceeds MaxParts=%d", rnserrors.ErrCapacity, numParts, MaxParts)
	}

	parts := make([][]byte, numParts)
	hashes := make([][4]byte, numParts)
	for i := 0; i < numParts; i++ {
		start := i * SDU
		end := start + SDU
		if end > len(ciphertext) {
			end = len(ciphertext)
		}
		parts[i] = append([]byte(nil), ciphertext[start:end]...)
		hashes[i] = partHash(parts[i])
	}

	resourceHash := rnscrypto.Sha256(append(append([]byte(nil), data...), randomHash[:]...))

	return &Sender{
		resourceHash: resourceHash,
		randomHash:   randomHash,
		compressed:   compress,
		dataLength:   uint32(len(data)),
		originalHash: originalHash,
		segmentIndex: segmentIndex,
		segmentCount: segmentCount,
		parts:        parts,
		hashes:       hashes,
		delivered:    make([]bool, numParts),
		window:       initialWindow,
		windowMax:    windowMaxDefault,
	}, nil
}

// ResourceHash returns the resource's content-identity hash.
func (s *Sender) ResourceHash() [ResourceHashLen]byte { return s.resourceHash }

// Advertise builds the initial RESOURCE_ADV payload, carrying up to
// HashmapMaxLen hashmap entries starting at part index 0. Any remaining
// entries are delivered later via PendingHashmapUpdates.
func (s *Sender) Advertise() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	end := HashmapMaxLen
	if end > len(s.hashes) {
		end = len(s.hashes)
	}
	hashmapBytes := make([]byte, 0, end*4)
	for _, h := range s.hashes[:end] {
		hashmapBytes = append(hashmapBytes, h[:]...)
	}

	total := 0
	for _, p := range s.parts {
		total += len(p)
	}

	var flags uint8
	if s.compressed {
		flags |= flagCompressed
	}

	adv := resourceAdv{
		T: uint32(total),
		D: s.dataLength,
		N: uint16(len(s.parts)),
		H: append([]byte(nil), s.resourceHash[:]...),
		R: append([]byte(nil), s.randomHash[:]...),
		O: append([]byte(nil), s.originalHash[:]...),
		I: s.segmentIndex,
		L: s.segmentCount,
		Q: 0,
		F: flags,
		M: hashmapBytes,
	}
	return msgpack.Marshal(&adv)
}

// PendingHashmapUpdates returns the HMU payloads needed to deliver any
// hashmap entries beyond what Advertise already carried.
func (s *Sender) PendingHashmapUpdates() ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out [][]byte
	for start := HashmapMaxLen; start < len(s.hashes); start += HashmapMaxLen {
		end := start + HashmapMaxLen
		if end > len(s.hashes) {
			end = len(s.hashes)
		}
		bin := make([]byte, 0, (end-start)*4)
		for _, h := range s.hashes[start:end] {
			bin = append(bin, h[:]...)
		}
		payload, err := EncodeHMU(s.resourceHash, start/HashmapMaxLen, bin)
		if err != nil {
			return nil, err
		}
		out = append(out, payload)
	}
	return out, nil
}

// HandleRequest decodes a RESOURCE_REQ and returns the part payloads to
// send, each as partIndex(2 bytes BE) ‖ part data, bounded by the
// sender's current window.
func (s *Sender) HandleRequest(reqPayload []byte) ([][]byte, error) {
	var req resourceReq
	if err := msgpack.Unmarshal(reqPayload, &req); err != nil {
		return nil, fmt.Errorf("%w: unmarshal resource req: %v", rnserrors.ErrMalformed, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	limit := s.window
	var out [][]byte
	for _, idx := range req.Parts {
		if limit <= 0 {
			break
		}
		if int(idx) >= len(s.parts) {
			continue
		}
		buf := make([]byte, 0, 2+len(s.parts[idx]))
		buf = append(buf, byte(idx>>8), byte(idx))
		buf = append(buf, s.parts[idx]...)
		out = append(out, buf)
		s.delivered[idx] = true
		limit--
	}
	s.lastRoundSent = len(out)
	s.lastRoundAt = time.Now()
	return out, nil
}

// AdvanceWindow updates the window and ceiling from a measured round
// throughput sample, implementing the adaptive scaling of §4.7: a
// sustained fast link (>= fastLinkThresholdBps for fastLinkRounds
// consecutive rounds) raises the ceiling to windowMaxFast; a failed or
// timed-out round halves the window (exponential backoff).
func (s *Sender) AdvanceWindow(bytesPerSecond float64, roundFailed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if roundFailed {
		s.window = max(1, s.window/2)
		s.fastRounds = 0
		return
	}
	if bytesPerSecond >= fastLinkThresholdBps {
		s.fastRounds++
		if s.fastRounds >= fastLinkRounds {
			s.windowMax = windowMaxFast
		}
	} else {
		s.fastRounds = 0
	}
	if s.window < s.windowMax {
		s.window++
	}
}

// Complete reports whether every part has been delivered at least once.
func (s *Sender) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.delivered {
		if !d {
			return false
		}
	}
	return true
}
