// Package identity implements Reticulum Identities (§4.3): the long-lived
// {Ed25519, X25519} keypair every Destination and Link ultimately answers
// to, announce production/validation, recipient encryption, and a bounded
// known-destinations cache.
//
// The lifecycle mirrors the teacher's descriptor/onion records: created or
// loaded once, shared read-only across consumers, with the private half
// present only where actually needed (remote identities hold public halves
// only).
package identity

import (
	"container/list"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/torlando-tech/microreticulum-go/rnscrypto"
	"github.com/torlando-tech/microreticulum-go/rnserrors"
	"github.com/torlando-tech/microreticulum-go/token"
)

const (
	// HashLen is the length in bytes of an Identity hash.
	HashLen = 16
	// NameHashLen is the length in bytes of a Destination name hash
	// carried in an announce.
	NameHashLen = 10
	// RandomHashLen is the length in bytes of the per-announce random tail.
	RandomHashLen = 10
	// KnownDestinationsCacheSize is the default capacity of the
	// known-destinations LRU cache (§4.3).
	KnownDestinationsCacheSize = 192
)

// Identity is a {Ed25519 signing keypair, X25519 encryption keypair} pair.
// The private halves are optional: a remote Identity built from an
// announce holds only the public halves.
type Identity struct {
	SigningPublic    ed25519.PublicKey
	SigningPrivate   ed25519.PrivateKey // nil for remote identities
	EncryptionPublic [32]byte
	encryptionPriv   [32]byte // zero for remote identities
	hasPrivate       bool
}

// New creates a new Identity with freshly generated Ed25519 and X25519
// keypairs.
func New() (*Identity, error) {
	sigKP, err := rnscrypto.GenerateEd25519()
	if err != nil {
		return nil, fmt.Errorf("identity: generate signing keypair: %w", err)
	}
	encKP, err := rnscrypto.GenerateX25519()
	if err != nil {
		return nil, fmt.Errorf("identity: generate encryption keypair: %w", err)
	}
	return &Identity{
		SigningPublic:    sigKP.Public,
		SigningPrivate:   sigKP.Private,
		EncryptionPublic: encKP.Public,
		encryptionPriv:   encKP.Private,
		hasPrivate:       true,
	}, nil
}

// FromSeed reconstructs a full (private-key-holding) Identity from a
// persisted Ed25519 seed and X25519 private scalar, the inverse of
// SigningPrivate.Seed()/EncryptionPrivateBytes() — the pair a Store
// implementation round-trips through (§6.3).
func FromSeed(signingSeed, encryptionPriv []byte) (*Identity, error) {
	if len(signingSeed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: signing seed must be %d bytes", rnserrors.ErrMalformed, ed25519.SeedSize)
	}
	if len(encryptionPriv) != 32 {
		return nil, fmt.Errorf("%w: encryption private key must be 32 bytes", rnserrors.ErrMalformed)
	}
	sigPriv := ed25519.NewKeyFromSeed(signingSeed)
	var encPriv [32]byte
	copy(encPriv[:], encryptionPriv)
	encPub, err := rnscrypto.X25519PublicFromPrivate(encPriv)
	if err != nil {
		return nil, fmt.Errorf("identity: derive x25519 public key: %w", err)
	}
	return &Identity{
		SigningPublic:    append([]byte(nil), sigPriv.Public().(ed25519.PublicKey)...),
		SigningPrivate:   sigPriv,
		EncryptionPublic: encPub,
		encryptionPriv:   encPriv,
		hasPrivate:       true,
	}, nil
}

// EncryptionPrivateBytes returns the raw 32-byte X25519 private scalar,
// for persistence only (§6.3) — callers needing to encrypt/decrypt
// should go through Identity's own methods instead.
func (id *Identity) EncryptionPrivateBytes() []byte {
	return append([]byte(nil), id.encryptionPriv[:]...)
}

// FromPublicKeys constructs a remote (public-only) Identity from the two
// 32-byte public keys carried in a received announce.
func FromPublicKeys(signingPub ed25519.PublicKey, encryptionPub [32]byte) (*Identity, error) {
	if len(signingPub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: signing public key must be %d bytes", rnserrors.ErrMalformed, ed25519.PublicKeySize)
	}
	pub := make([]byte, ed25519.PublicKeySize)
	copy(pub, signingPub)
	return &Identity{
		SigningPublic:    pub,
		EncryptionPublic: encryptionPub,
	}, nil
}

// HasPrivate reports whether this Identity can sign and decrypt.
func (id *Identity) HasPrivate() bool { return id.hasPrivate }

// Hash returns the first 16 bytes of SHA-256 over the concatenated 32-byte
// public keys (signing ‖ encryption).
func (id *Identity) Hash() [HashLen]byte {
	var combined [64]byte
	copy(combined[0:32], id.SigningPublic)
	copy(combined[32:64], id.EncryptionPublic[:])
	full := rnscrypto.Sha256(combined[:])
	var h [HashLen]byte
	copy(h[:], full[:HashLen])
	return h
}

// Announce is the parsed form of an ANNOUNCE packet's payload (§3, §4.3):
// pub_sign ‖ pub_enc ‖ [ratchet_id] ‖ name_hash(10) ‖ random_hash(10) ‖
// app_data ‖ ed25519_sig. The signature is over every preceding field.
type Announce struct {
	SigningPublic    ed25519.PublicKey
	EncryptionPublic [32]byte
	RatchetID        []byte // optional; empty when not present
	NameHash         [NameHashLen]byte
	RandomHash       [RandomHashLen]byte
	AppData          []byte
	Signature        []byte
}

// signedBody returns the byte sequence the announce signature covers:
// every field preceding the signature itself.
func (a *Announce) signedBody() []byte {
	body := make([]byte, 0, 64+len(a.RatchetID)+NameHashLen+RandomHashLen+len(a.AppData))
	body = append(body, a.SigningPublic...)
	body = append(body, a.EncryptionPublic[:]...)
	body = append(body, a.RatchetID...)
	body = append(body, a.NameHash[:]...)
	body = append(body, a.RandomHash[:]...)
	body = append(body, a.AppData...)
	return body
}

// MakeAnnounce produces a signed Announce for this identity, addressed at
// the destination whose name hash is nameHash, carrying appData.
// ratchetID, if non-nil, is carried verbatim but — per spec §9 Open
// Question 1 — never drives key rotation in this implementation.
func (id *Identity) MakeAnnounce(nameHash [NameHashLen]byte, ratchetID []byte, appData []byte) (*Announce, error) {
	if !id.hasPrivate {
		return nil, fmt.Errorf("identity: cannot announce without a private key")
	}
	a := &Announce{
		SigningPublic:    id.SigningPublic,
		EncryptionPublic: id.EncryptionPublic,
		RatchetID:        ratchetID,
		NameHash:         nameHash,
		AppData:          appData,
	}
	var randomHash [RandomHashLen]byte
	if _, err := rand.Read(randomHash[:]); err != nil {
		return nil, fmt.Errorf("identity: generate random hash: %w", err)
	}
	a.RandomHash = randomHash

	sig, err := rnscrypto.Ed25519Sign(id.SigningPrivate, a.signedBody())
	if err != nil {
		return nil, fmt.Errorf("identity: sign announce: %w", err)
	}
	a.Signature = sig
	return a, nil
}

// ValidateAnnounce recomputes the signed region and rejects the announce
// if the Ed25519 signature does not verify.
func ValidateAnnounce(a *Announce) error {
	if !rnscrypto.Ed25519Verify(a.SigningPublic, a.signedBody(), a.Signature) {
		return fmt.Errorf("%w: announce signature invalid", rnserrors.ErrAuthFailure)
	}
	return nil
}

// Encrypt encrypts plaintext for the recipient identified by
// recipientPub/recipientHash: it generates an ephemeral X25519 keypair e,
// computes shared = exchange(e.priv, recipientPub), derives a 32-byte
// Token key via HKDF(shared, salt=recipientHash), and returns
// e.pub ‖ Token.encrypt(plaintext).
func Encrypt(plaintext []byte, recipientPub [32]byte, recipientHash [HashLen]byte) ([]byte, error) {
	eph, err := rnscrypto.GenerateX25519()
	if err != nil {
		return nil, fmt.Errorf("identity: generate ephemeral key: %w", err)
	}
	shared, err := rnscrypto.X25519Exchange(eph.Private, recipientPub)
	if err != nil {
		return nil, fmt.Errorf("identity: ecdh: %w", err)
	}
	keyMaterial, err := rnscrypto.HKDF(32, shared[:], recipientHash[:])
	if err != nil {
		return nil, fmt.Errorf("identity: derive token key: %w", err)
	}
	tok, err := token.New(keyMaterial)
	if err != nil {
		return nil, fmt.Errorf("identity: build token: %w", err)
	}
	ct, err := tok.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("identity: token encrypt: %w", err)
	}
	out := make([]byte, 0, 32+len(ct))
	out = append(out, eph.Public[:]...)
	out = append(out, ct...)
	return out, nil
}

// Decrypt is the inverse of Encrypt. id must hold the recipient's private
// X25519 key.
func (id *Identity) Decrypt(ciphertext []byte) ([]byte, error) {
	if !id.hasPrivate {
		return nil, fmt.Errorf("identity: cannot decrypt without a private key")
	}
	if len(ciphertext) < 32 {
		return nil, fmt.Errorf("%w: ciphertext too short for ephemeral public key", rnserrors.ErrMalformed)
	}
	var ephPub [32]byte
	copy(ephPub[:], ciphertext[:32])
	tokenBytes := ciphertext[32:]

	shared, err := rnscrypto.X25519Exchange(id.encryptionPriv, ephPub)
	if err != nil {
		return nil, fmt.Errorf("identity: ecdh: %w", err)
	}
	recipientHash := id.Hash()
	keyMaterial, err := rnscrypto.HKDF(32, shared[:], recipientHash[:])
	if err != nil {
		return nil, fmt.Errorf("identity: derive token key: %w", err)
	}
	tok, err := token.New(keyMaterial)
	if err != nil {
		return nil, fmt.Errorf("identity: build token: %w", err)
	}
	pt, err := tok.Decrypt(tokenBytes)
	if err != nil {
		return nil, fmt.Errorf("identity: token decrypt: %w", err)
	}
	return pt, nil
}

// RatchetState holds the (currently inert) ratchet bookkeeping carried
// alongside a cached remote identity. Per §9 Open Question 1, ratcheting
// is not implemented — this only preserves the field for byte-compatible
// round-tripping of announces that carry a ratchet_id.
type RatchetState struct {
	RatchetID []byte
}

// KnownDestinations is a bounded LRU cache mapping a destination hash to
// the Identity that announced it (plus ratchet bookkeeping), evicting the
// least-recently-used entry on overflow. Capacity defaults to 192 (§4.3).
type KnownDestinations struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recently used
	entries  map[[HashLen]byte]*list.Element
}

type knownEntry struct {
	hash    [HashLen]byte
	ident   *Identity
	ratchet RatchetState
}

// NewKnownDestinations creates a cache with the given capacity. A
// capacity <= 0 uses KnownDestinationsCacheSize.
func NewKnownDestinations(capacity int) *KnownDestinations {
	if capacity <= 0 {
		capacity = KnownDestinationsCacheSize
	}
	return &KnownDestinations{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[[HashLen]byte]*list.Element),
	}
}

// Put inserts or updates the identity known for destHash, marking it most
// recently used. If inserting a new entry would exceed capacity, the
// least-recently-used entry is evicted first.
func (kd *KnownDestinations) Put(destHash [HashLen]byte, ident *Identity, ratchet RatchetState) {
	kd.mu.Lock()
	defer kd.mu.Unlock()

	if el, ok := kd.entries[destHash]; ok {
		el.Value.(*knownEntry).ident = ident
		el.Value.(*knownEntry).ratchet = ratchet
		kd.order.MoveToFront(el)
		return
	}
	if kd.order.Len() >= kd.capacity {
		oldest := kd.order.Back()
		if oldest != nil {
			kd.order.Remove(oldest)
			delete(kd.entries, oldest.Value.(*knownEntry).hash)
		}
	}
	el := kd.order.PushFront(&knownEntry{hash: destHash, ident: ident, ratchet: ratchet})
	kd.entries[destHash] = el
}

// Get looks up the identity known for destHash, marking it most recently
// used on a hit.
func (kd *KnownDestinations) Get(destHash [HashLen]byte) (*Identity, RatchetState, bool) {
	kd.mu.Lock()
	defer kd.mu.Unlock()

	el, ok := kd.entries[destHash]
	if !ok {
		return nil, RatchetState{}, false
	}
	kd.order.MoveToFront(el)
	entry := el.Value.(*knownEntry)
	return entry.ident, entry.ratchet, true
}

// Len returns the current number of cached entries.
func (kd *KnownDestinations) Len() int {
	kd.mu.Lock()
	defer kd.mu.Unlock()
	return kd.order.Len()
}

// EncodeAnnounce serializes an Announce to the bytes carried as an
// ANNOUNCE packet's payload: pub_sign(32) ‖ pub_enc(32) ‖
// ratchet_id_len(1) ‖ ratchet_id ‖ name_hash(10) ‖ random_hash(10) ‖
// app_data_len(2 BE) ‖ app_data ‖ signature(64).
func EncodeAnnounce(a *Announce) []byte {
	out := make([]byte, 0, 32+32+1+len(a.RatchetID)+NameHashLen+RandomHashLen+2+len(a.AppData)+64)
	out = append(out, a.SigningPublic...)
	out = append(out, a.EncryptionPublic[:]...)
	out = append(out, byte(len(a.RatchetID)))
	out = append(out, a.RatchetID...)
	out = append(out, a.NameHash[:]...)
	out = append(out, a.RandomHash[:]...)
	out = append(out, byte(len(a.AppData)>>8), byte(len(a.AppData)))
	out = append(out, a.AppData...)
	out = append(out, a.Signature...)
	return out
}

// DecodeAnnounce parses the payload EncodeAnnounce produces.
func DecodeAnnounce(data []byte) (*Announce, error) {
	const fixedLen = 32 + 32 + 1 + NameHashLen + RandomHashLen + 2 + 64
	if len(data) < fixedLen {
		return nil, fmt.Errorf("%w: announce payload too short (%d bytes)", rnserrors.ErrMalformed, len(data))
	}
	a := &Announce{}
	off := 0
	a.SigningPublic = append([]byte(nil), data[off:off+32]...)
	off += 32
	copy(a.EncryptionPublic[:], data[off:off+32])
	off += 32
	ratchetLen := int(data[off])
	off++
	if len(data) < off+ratchetLen+NameHashLen+RandomHashLen+2+64 {
		return nil, fmt.Errorf("%w: announce payload truncated in ratchet id", rnserrors.ErrMalformed)
	}
	if ratchetLen > 0 {
		a.RatchetID = append([]byte(nil), data[off:off+ratchetLen]...)
		off += ratchetLen
	}
	copy(a.NameHash[:], data[off:off+NameHashLen])
	off += NameHashLen
	copy(a.RandomHash[:], data[off:off+RandomHashLen])
	off += RandomHashLen
	appDataLen := int(data[off])<<8 | int(data[off+1])
	off += 2
	if len(data) < off+appDataLen+64 {
		return nil, fmt.Errorf("%w: announce payload truncated in app data", rnserrors.ErrMalformed)
	}
	if appDataLen > 0 {
		a.AppData = append([]byte(nil), data[off:off+appDataLen]...)
		off += appDataLen
	}
	a.Signature = append([]byte(nil), data[off:off+64]...)
	return a, nil
}
