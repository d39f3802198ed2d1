package resource

import (
	"fmt"
	"sync"

	"github.com/torlando-tech/microreticulum-go/rnscrypto"
	"github.com/torlando-tech/microreticulum-go/rnserrors"
	"github.com/torlando-tech/microreticulum-go/token"
	"github.com/vmihailenco/msgpack/v5"
)

// Receiver drives the incoming side of a single Resource transfer.
type Receiver struct {
	mu sync.Mutex

	resourceHash [ResourceHashLen]byte
	randomHash   [RandomHashLen]byte // cleartext copy from the advertisement; informational only
	compressed   bool
	dataLength   uint32
	totalSize    uint32

	originalHash [32]byte
	segmentIndex uint16
	segmentCount uint16

	numParts int
	parts    [][]byte  // pre-reserved up to MaxParts; nil until received
	hashmap  [][4]byte // pre-reserved up to MaxParts
	haveHash []bool
	received int

	tok *token.Token
	acc *SegmentAccumulator
}

// NewReceiver constructs an empty Receiver bound to tok, the session
// Token it will use to decrypt the assembled ciphertext. Equivalent to a
// single-segment transfer: TryAssemble returns as soon as this
// Receiver's own parts complete.
func NewReceiver(tok *token.Token) *Receiver {
	return &Receiver{
		parts:    make([][]byte, MaxParts),
		hashmap:  make([][4]byte, MaxParts),
		haveHash: make([]bool, MaxParts),
		tok:      tok,
	}
}

// NewSegmentedReceiver is NewReceiver generalized to one segment of a
// larger, multi-segment transfer: once this Receiver's own parts
// complete, TryAssemble hands the result to acc and only reports
// completion once every sibling segment has also arrived (§4.7).
func NewSegmentedReceiver(tok *token.Token, acc *SegmentAccumulator) *Receiver {
	r := NewReceiver(tok)
	r.acc = acc
	return r
}

// HandleAdv parses a RESOURCE_ADV, reserves per-part bookkeeping, records
// the hashmap entries it carries, and returns the RESOURCE_REQ payload to
// send back requesting the first window's worth of missing parts.
func (r *Receiver) HandleAdv(advPayload []byte, windowSize int) ([]byte, error) {
	var adv resourceAdv
	if err := msgpack.Unmarshal(advPayload, &adv); err != nil {
		return nil, fmt.Errorf("%w: unmarshal resource adv: %v", rnserrors.ErrMalformed, err)
	}
	if int(adv.N) > MaxParts {
		return nil, fmt.Errorf("%w: advertised part count %d exceeds MaxParts=%d", rnserrors.ErrCapacity, adv.N, MaxParts)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	copy(r.resourceHash[:], adv.H)
	copy(r.randomHash[:], adv.R)
	r.compressed = adv.F&flagCompressed != 0
	r.dataLength = adv.D
	r.totalSize = adv.T
	r.numParts = int(adv.N)
	copy(r.originalHash[:], adv.O)
	r.segmentIndex = adv.I
	r.segmentCount = adv.L
	r.applyHashmapLocked(0, adv.M)

	return r.buildRequestLocked(windowSize)
}

// HandleHMU applies a hash-map-update's additional entries: segment s
// starts at part index s*HashmapMaxLen.
func (r *Receiver) HandleHMU(hmuPayload []byte) error {
	_, segment, bin, err := DecodeHMU(hmuPayload)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applyHashmapLocked(segment*HashmapMaxLen, bin)
	return nil
}

func (r *Receiver) applyHashmapLocked(start int, bin []byte) {
	for i := 0; i+4 <= len(bin); i += 4 {
		idx := start + i/4
		if idx < 0 || idx >= MaxParts {
			continue
		}
		copy(r.hashmap[idx][:], bin[i:i+4])
		r.haveHash[idx] = true
	}
}

func (r *Receiver) buildRequestLocked(windowSize int) ([]byte, error) {
	req := resourceReq{D: append([]byte(nil), r.resourceHash[:]...)}
	for i := 0; i < r.numParts && len(req.Parts) < windowSize; i++ {
		if r.parts[i] == nil {
			req.Parts = append(req.Parts, uint16(i))
		}
	}
	return msgpack.Marshal(&req)
}

// NextRequest builds a follow-up RESOURCE_REQ for any parts still
// missing, for use after a window of parts has arrived.
func (r *Receiver) NextRequest(windowSize int) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.received >= r.numParts {
		return nil, false
	}
	payload, err := r.buildRequestLocked(windowSize)
	if err != nil {
		return nil, false
	}
	return payload, true
}

// HandlePart stores one received part, after verifying it against the
// hashmap entry already known for its index (if any). Duplicate
// deliveries are accepted idempotently without double-counting.
func (r *Receiver) HandlePart(partPayload []byte) error {
	if len(partPayload) < 2 {
		return fmt.Errorf("%w: part payload too short", rnserrors.ErrMalformed)
	}
	idx := int(partPayload[0])<<8 | int(partPayload[1])
	data := partPayload[2:]
	if idx < 0 || idx >= MaxParts {
		return fmt.Errorf("%w: part index %d out of range", rnserrors.ErrInvariant, idx)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.haveHash[idx] && partHash(data) != r.hashmap[idx] {
		return fmt.Errorf("%w: part %d fails hashmap verification", rnserrors.ErrAuthFailure, idx)
	}
	if r.parts[idx] == nil {
		r.parts[idx] = append([]byte(nil), data...)
		r.received++
	}
	return nil
}

// Progress reports parts received versus the advertised total.
func (r *Receiver) Progress() (received, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.received, r.numParts
}

// TryAssemble reassembles, decrypts, decompresses (if flagged), and
// verifies the resource once every part has arrived. Returns ok=false if
// parts are still outstanding, or (for a segment of a larger transfer)
// once this segment is complete but sibling segments are not.
func (r *Receiver) TryAssemble() (data []byte, ok bool, err error) {
	r.mu.Lock()
	if r.numParts == 0 || r.received < r.numParts {
		r.mu.Unlock()
		return nil, false, nil
	}
	ciphertext := make([]byte, 0, r.totalSize)
	for i := 0; i < r.numParts; i++ {
		ciphertext = append(ciphertext, r.parts[i]...)
	}
	compressed := r.compressed
	resourceHash := r.resourceHash
	originalHash := r.originalHash
	segmentIndex := r.segmentIndex
	segmentCount := r.segmentCount
	acc := r.acc
	r.mu.Unlock()

	decrypted, err := r.tok.Decrypt(ciphertext)
	if err != nil {
		return nil, true, fmt.Errorf("resource: decrypt: %w", err)
	}
	if len(decrypted) < RandomHashLen {
		return nil, true, fmt.Errorf("%w: decrypted resource shorter than its random-hash trailer", rnserrors.ErrMalformed)
	}

	// Split the trailing random_hash off the decrypted blob (§4.7) before
	// decompressing the rest; this is the authoritative random_hash, not
	// the cleartext r field carried in the advertisement.
	split := len(decrypted) - RandomHashLen
	var randomHash [RandomHashLen]byte
	copy(randomHash[:], decrypted[split:])
	body := decrypted[:split]

	payload := body
	if compressed {
		payload, err = rnscrypto.Bzip2Decompress(body)
		if err != nil {
			return nil, true, fmt.Errorf("resource: decompress: %w", err)
		}
	}

	check := rnscrypto.Sha256(append(append([]byte(nil), payload...), randomHash[:]...))
	if check != resourceHash {
		return nil, true, fmt.Errorf("%w: resource hash mismatch after assembly", rnserrors.ErrAuthFailure)
	}

	if acc == nil || segmentCount <= 1 {
		return payload, true, nil
	}

	joined, complete, err := acc.Put(originalHash, int(segmentIndex)-1, int(segmentCount), payload)
	if err != nil {
		return nil, true, err
	}
	if !complete {
		return nil, false, nil
	}
	return joined, true, nil
}
