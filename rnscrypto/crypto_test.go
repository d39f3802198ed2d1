package rnscrypto

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestEd25519SignVerifyRoundTrip(t *testing.T) {
	kp, err := GenerateEd25519()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	msg := []byte("test message for signature")
	sig, err := Ed25519Sign(kp.Private, msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !Ed25519Verify(kp.Public, msg, sig) {
		t.Fatal("expected valid signature to verify")
	}
	sig[0] ^= 0xFF
	if Ed25519Verify(kp.Public, msg, sig) {
		t.Fatal("flipped signature byte should not verify")
	}
}

func TestX25519ExchangeSymmetric(t *testing.T) {
	a, err := GenerateX25519()
	if err != nil {
		t.Fatalf("generate a: %v", err)
	}
	b, err := GenerateX25519()
	if err != nil {
		t.Fatalf("generate b: %v", err)
	}
	sharedA, err := X25519Exchange(a.Private, b.Public)
	if err != nil {
		t.Fatalf("exchange a: %v", err)
	}
	sharedB, err := X25519Exchange(b.Private, a.Public)
	if err != nil {
		t.Fatalf("exchange b: %v", err)
	}
	if sharedA != sharedB {
		t.Fatal("shared secrets should match")
	}
}

func TestX25519ExchangeRejectsZeroPeer(t *testing.T) {
	a, err := GenerateX25519()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	var zero [32]byte
	if _, err := X25519Exchange(a.Private, zero); err == nil {
		t.Fatal("expected error exchanging with all-zero peer public key")
	}
}

func TestAESCBCRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	iv := make([]byte, 16)
	rand.Read(key)
	rand.Read(iv)
	plaintext := []byte("arbitrary length plaintext, not block aligned")
	ct, err := AESCBCEncrypt(key, iv, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	pt, err := AESCBCDecrypt(key, iv, ct)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", pt, plaintext)
	}
}

func TestPKCS7PadUnpad(t *testing.T) {
	for _, n := range []int{0, 1, 15, 16, 17, 31, 32} {
		data := make([]byte, n)
		rand.Read(data)
		padded := PKCS7Pad(data, 16)
		if len(padded)%16 != 0 {
			t.Fatalf("padded length not block aligned: %d", len(padded))
		}
		unpadded, err := PKCS7Unpad(padded, 16)
		if err != nil {
			t.Fatalf("unpad n=%d: %v", n, err)
		}
		if !bytes.Equal(unpadded, data) {
			t.Fatalf("unpad mismatch n=%d", n)
		}
	}
}

func TestHKDFDeterministic(t *testing.T) {
	ikm := []byte("input keying material")
	salt := []byte("salt value")
	out1, err := HKDF(64, ikm, salt)
	if err != nil {
		t.Fatalf("hkdf: %v", err)
	}
	out2, err := HKDF(64, ikm, salt)
	if err != nil {
		t.Fatalf("hkdf: %v", err)
	}
	if !bytes.Equal(out1, out2) {
		t.Fatal("HKDF must be a pure function of (length, ikm, salt)")
	}
}

func TestBzip2RoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("HELLO_RETICULUM_"), 4096) // highly compressible, ~64KB
	compressed, err := Bzip2Compress(data)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if len(compressed) >= len(data) {
		t.Fatalf("expected compression to shrink repetitive data: %d >= %d", len(compressed), len(data))
	}
	decompressed, err := Bzip2Decompress(compressed)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(decompressed, data) {
		t.Fatal("bz2 round trip mismatch")
	}
}

func TestBzip2RandomData(t *testing.T) {
	data := make([]byte, 4096)
	rand.Read(data)
	compressed, err := Bzip2Compress(data)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	decompressed, err := Bzip2Decompress(compressed)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(decompressed, data) {
		t.Fatal("bz2 round trip mismatch on incompressible data")
	}
}
