// Package rnscrypto implements the fixed-function cryptographic primitive
// layer every higher-level component (token, identity, link, resource)
// builds on: Ed25519, X25519, AES-CBC+PKCS7, HMAC-SHA256, SHA-256/512,
// HKDF-SHA256, and BZ2. Each primitive has a single contract and returns a
// typed error rather than panicking; nothing here is fatal to the caller.
package rnscrypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"github.com/dsnet/compress/bzip2"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Error kinds from spec §7, scoped to the crypto layer.
var (
	ErrCrypto       = errors.New("rnscrypto: crypto error")
	ErrAuthFailure  = errors.New("rnscrypto: authentication failure")
	ErrInvalidKey   = fmt.Errorf("%w: invalid key length", ErrCrypto)
	ErrInvalidSig   = fmt.Errorf("%w: invalid signature", ErrAuthFailure)
	ErrWeakExchange = fmt.Errorf("%w: peer public key is all-zero or small-order", ErrCrypto)
	ErrPadding      = fmt.Errorf("%w: PKCS7 padding invalid", ErrCrypto)
)

// Sha256 returns the SHA-256 digest of data.
func Sha256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// Sha512 returns the SHA-512 digest of data.
func Sha512(data []byte) [64]byte {
	return sha512.Sum512(data)
}

// HKDF derives length bytes from ikm and salt using RFC 5869 with SHA-256
// and an empty info string, matching the reference implementation
// byte-for-byte.
func HKDF(length int, ikm, salt []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, nil)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("%w: hkdf expand: %v", ErrCrypto, err)
	}
	return out, nil
}

// Ed25519KeyPair holds a generated Ed25519 signing keypair.
type Ed25519KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateEd25519 creates a new random Ed25519 keypair.
func GenerateEd25519() (*Ed25519KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: ed25519 generate: %v", ErrCrypto, err)
	}
	return &Ed25519KeyPair{Public: pub, Private: priv}, nil
}

// Ed25519Sign signs msg with priv, returning the 64-byte signature.
func Ed25519Sign(priv ed25519.PrivateKey, msg []byte) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, ErrInvalidKey
	}
	return ed25519.Sign(priv, msg), nil
}

// Ed25519Verify reports whether sig is a valid Ed25519 signature of msg
// under pub. It never panics: malformed inputs simply fail verification.
func Ed25519Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// X25519KeyPair holds a generated X25519 Diffie-Hellman keypair.
type X25519KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateX25519 creates a new random X25519 keypair.
func GenerateX25519() (*X25519KeyPair, error) {
	var kp X25519KeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return nil, fmt.Errorf("%w: x25519 generate: %v", ErrCrypto, err)
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: x25519 derive public: %v", ErrCrypto, err)
	}
	copy(kp.Public[:], pub)
	return &kp, nil
}

// X25519PublicFromPrivate derives the public half of an existing X25519
// private scalar, for reconstructing a keypair from persisted key
// material (§6.3) without generating fresh randomness.
func X25519PublicFromPrivate(priv [32]byte) ([32]byte, error) {
	var pub [32]byte
	out, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return pub, fmt.Errorf("%w: x25519 derive public: %v", ErrCrypto, err)
	}
	copy(pub[:], out)
	return pub, nil
}

// X25519Exchange computes the shared secret for priv and peerPub. It fails
// when the peer's public key is all-zero or small-order (the resulting
// shared secret would itself be all-zero), matching the rejection the
// ntor handshake performs on its own exponentiations.
func X25519Exchange(priv, peerPub [32]byte) ([32]byte, error) {
	var shared [32]byte
	out, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return shared, fmt.Errorf("%w: x25519 exchange: %v", ErrCrypto, err)
	}
	copy(shared[:], out)
	if isZero(shared[:]) {
		return shared, ErrWeakExchange
	}
	return shared, nil
}

func isZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}

// PKCS7Pad pads data to a multiple of blockSize using PKCS7.
func PKCS7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - (len(data) % blockSize)
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

// PKCS7Unpad strips and validates PKCS7 padding.
func PKCS7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrPadding
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, ErrPadding
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, ErrPadding
		}
	}
	return data[:len(data)-padLen], nil
}

// AESCBCEncrypt encrypts plaintext under key (16 or 32 bytes) with the given
// 16-byte IV, PKCS7-padding the plaintext to the block size first.
func AESCBCEncrypt(key, iv, plaintext []byte) ([]byte, error) {
	if len(key) != 16 && len(key) != 32 {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: aes new cipher: %v", ErrCrypto, err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: iv must be %d bytes", ErrCrypto, aes.BlockSize)
	}
	padded := PKCS7Pad(plaintext, aes.BlockSize)
	ct := make([]byte, len(padded))
	cbc := cipher.NewCBCEncrypter(block, iv)
	cbc.CryptBlocks(ct, padded)
	return ct, nil
}

// AESCBCDecrypt decrypts ciphertext under key with the given IV and strips
// PKCS7 padding.
func AESCBCDecrypt(key, iv, ciphertext []byte) ([]byte, error) {
	if len(key) != 16 && len(key) != 32 {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: aes new cipher: %v", ErrCrypto, err)
	}
	if len(iv) != aes.BlockSize || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: malformed ciphertext/iv", ErrCrypto)
	}
	pt := make([]byte, len(ciphertext))
	cbc := cipher.NewCBCDecrypter(block, iv)
	cbc.CryptBlocks(pt, ciphertext)
	return PKCS7Unpad(pt, aes.BlockSize)
}

// HMACSHA256 computes HMAC-SHA256(key, data).
func HMACSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// HMACEqual performs a constant-time comparison of two HMAC tags.
func HMACEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Bzip2Compress compresses data with BZ2, bit-exact with the reference's
// compression library.
func Bzip2Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := bzip2.NewWriter(&buf, &bzip2.WriterConfig{Level: bzip2.BestCompression})
	if err != nil {
		return nil, fmt.Errorf("%w: bzip2 writer: %v", ErrCrypto, err)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("%w: bzip2 compress: %v", ErrCrypto, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%w: bzip2 close: %v", ErrCrypto, err)
	}
	return buf.Bytes(), nil
}

// Bzip2Decompress decompresses BZ2 data, tolerating ratios up to ~10000x
// (pattern data) as required by §4.1.
func Bzip2Decompress(data []byte) ([]byte, error) {
	r, err := bzip2.NewReader(bytes.NewReader(data), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: bzip2 reader: %v", ErrCrypto, err)
	}
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: bzip2 decompress: %v", ErrCrypto, err)
	}
	return out, nil
}
