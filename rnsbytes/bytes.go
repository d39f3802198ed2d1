// Package rnsbytes implements the immutable, copy-on-write octet buffer
// used throughout the stack (§3), plus the hex/hash helpers built on it.
// A Bytes value is never mutated after construction — every transform
// returns a new Bytes sharing the underlying array where safe, mirroring
// the way the teacher's cell.Cell is constructed once and passed by value
// through Reader/Writer without in-place mutation.
package rnsbytes

import (
	"bytes"
	"encoding/hex"
)

// Bytes is an immutable octet buffer. Equality is bytewise (Equal), not
// identity — two Bytes built from the same content compare equal even if
// they don't share backing storage.
type Bytes struct {
	data []byte
}

// New copies src into a new Bytes value.
func New(src []byte) Bytes {
	cp := make([]byte, len(src))
	copy(cp, src)
	return Bytes{data: cp}
}

// Wrap takes ownership of src without copying. Callers MUST NOT mutate src
// after calling Wrap — use this only when src is already exclusively owned
// (e.g. freshly allocated by the caller).
func Wrap(src []byte) Bytes {
	return Bytes{data: src}
}

// Len returns the number of bytes.
func (b Bytes) Len() int { return len(b.data) }

// Slice returns a read-only view; callers MUST NOT write through it.
func (b Bytes) Slice() []byte { return b.data }

// Copy returns a freshly-allocated copy of the contents, safe to mutate.
func (b Bytes) Copy() []byte {
	cp := make([]byte, len(b.data))
	copy(cp, b.data)
	return cp
}

// Concat returns a new Bytes containing b followed by other, without
// mutating either operand.
func (b Bytes) Concat(other Bytes) Bytes {
	out := make([]byte, len(b.data)+len(other.data))
	copy(out, b.data)
	copy(out[len(b.data):], other.data)
	return Bytes{data: out}
}

// Sub returns a new Bytes over [start:end), copied out so the result
// remains valid even if the caller later overwrites b's storage via Wrap
// semantics elsewhere.
func (b Bytes) Sub(start, end int) Bytes {
	cp := make([]byte, end-start)
	copy(cp, b.data[start:end])
	return Bytes{data: cp}
}

// Equal reports bytewise equality.
func (b Bytes) Equal(other Bytes) bool {
	return bytes.Equal(b.data, other.data)
}

// Hex returns the lowercase hex encoding of the contents.
func (b Bytes) Hex() string {
	return hex.EncodeToString(b.data)
}

// FromHex decodes a hex string into a Bytes value.
func FromHex(s string) (Bytes, error) {
	data, err := hex.DecodeString(s)
	if err != nil {
		return Bytes{}, err
	}
	return Bytes{data: data}, nil
}

// IsZero reports whether the buffer is empty.
func (b Bytes) IsZero() bool { return len(b.data) == 0 }
