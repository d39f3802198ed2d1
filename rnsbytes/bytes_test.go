package rnsbytes

import "testing"

func TestConcatAndSub(t *testing.T) {
	a := New([]byte("hello"))
	b := New([]byte("world"))
	c := a.Concat(b)
	if c.Len() != 10 {
		t.Fatalf("expected length 10, got %d", c.Len())
	}
	sub := c.Sub(0, 5)
	if !sub.Equal(a) {
		t.Fatalf("sub mismatch")
	}
}

func TestCopyIsIndependent(t *testing.T) {
	a := New([]byte("immutable"))
	cp := a.Copy()
	cp[0] = 'X'
	if a.Slice()[0] == 'X' {
		t.Fatal("mutating a copy must not affect the original Bytes")
	}
}

func TestHexRoundTrip(t *testing.T) {
	a := New([]byte{0xDE, 0xAD, 0xBE, 0xEF})
	s := a.Hex()
	if s != "deadbeef" {
		t.Fatalf("expected deadbeef, got %s", s)
	}
	b, err := FromHex(s)
	if err != nil {
		t.Fatalf("from hex: %v", err)
	}
	if !a.Equal(b) {
		t.Fatal("hex round trip mismatch")
	}
}

func TestEqualByContentNotIdentity(t *testing.T) {
	a := New([]byte("same"))
	b := New([]byte("same"))
	if !a.Equal(b) {
		t.Fatal("two Bytes with identical content must compare equal")
	}
}
