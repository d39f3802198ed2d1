// Package token implements the AES-CBC + HMAC-SHA256 AEAD construction
// (§4.2) that both Identity (recipient encryption) and Link (session
// traffic) use. It is the only symmetric primitive the higher layers
// touch directly.
package token

import (
	"crypto/aes"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/torlando-tech/microreticulum-go/rnscrypto"
)

// ErrInvalid is returned for any malformed or inauthentic token: short
// input, HMAC mismatch, or padding failure.
var ErrInvalid = errors.New("token: invalid token")

const (
	ivLen  = aes.BlockSize // 16
	tagLen = 32            // full HMAC-SHA256 tag
	keyLen = 32            // 16B signing + 16B encryption
)

// Token is constructed once from a 32-byte derived key and reused for the
// lifetime of the session it belongs to (Identity recipient traffic, or a
// Link's ACTIVE-state payloads) — it never ratchets per-message.
type Token struct {
	signingKey    []byte // key[:16]
	encryptionKey []byte // key[16:]
}

// New splits a 32-byte key into signing and encryption halves and
// constructs a Token. The key is not retained; callers own its lifetime.
func New(key []byte) (*Token, error) {
	if len(key) != keyLen {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrInvalid, keyLen, len(key))
	}
	signingKey := make([]byte, 16)
	encryptionKey := make([]byte, 16)
	copy(signingKey, key[:16])
	copy(encryptionKey, key[16:])
	return &Token{signingKey: signingKey, encryptionKey: encryptionKey}, nil
}

// Encrypt produces IV ‖ AES-CBC(encryptionKey, IV, PKCS7(data)) ‖
// HMAC-SHA256(signingKey, IV ‖ ciphertext).
func (t *Token) Encrypt(data []byte) ([]byte, error) {
	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("token: generate iv: %w", err)
	}
	ct, err := rnscrypto.AESCBCEncrypt(t.encryptionKey, iv, data)
	if err != nil {
		return nil, fmt.Errorf("token: encrypt: %w", err)
	}
	ivAndCt := make([]byte, 0, len(iv)+len(ct))
	ivAndCt = append(ivAndCt, iv...)
	ivAndCt = append(ivAndCt, ct...)
	tag := rnscrypto.HMACSHA256(t.signingKey, ivAndCt)

	out := make([]byte, 0, len(ivAndCt)+tagLen)
	out = append(out, ivAndCt...)
	out = append(out, tag...)
	return out, nil
}

// Decrypt splits tok into IV | ciphertext | tag, verifies the HMAC tag in
// constant time BEFORE attempting decryption, and on success returns the
// unpadded plaintext.
func (t *Token) Decrypt(tok []byte) ([]byte, error) {
	if len(tok) < ivLen+tagLen+aes.BlockSize {
		return nil, fmt.Errorf("%w: token too short (%d bytes)", ErrInvalid, len(tok))
	}
	ivAndCt := tok[:len(tok)-tagLen]
	gotTag := tok[len(tok)-tagLen:]
	iv := ivAndCt[:ivLen]
	ct := ivAndCt[ivLen:]

	wantTag := rnscrypto.HMACSHA256(t.signingKey, ivAndCt)
	if !rnscrypto.HMACEqual(gotTag, wantTag) {
		return nil, fmt.Errorf("%w: hmac mismatch", ErrInvalid)
	}

	plaintext, err := rnscrypto.AESCBCDecrypt(t.encryptionKey, iv, ct)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return plaintext, nil
}
