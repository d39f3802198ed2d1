// Package rnserrors defines the cross-cutting error taxonomy from spec §7.
// Every layer wraps its own errors with one of these sentinels so callers
// can use errors.Is to branch on kind without depending on any particular
// layer's package.
package rnserrors

import "errors"

var (
	// ErrMalformed covers a bad header, a truncated packet, or a msgpack
	// decode failure. Policy: drop silently, increment the interface error
	// counter.
	ErrMalformed = errors.New("rns: malformed")

	// ErrAuthFailure covers an HMAC mismatch or a signature verification
	// failure. Policy: drop, log at WARN.
	ErrAuthFailure = errors.New("rns: authentication failure")

	// ErrCapacity covers a full pool or table. Policy: reject the new
	// insertion, return failure to the caller.
	ErrCapacity = errors.New("rns: capacity exceeded")

	// ErrTimeout covers a deadline exceeded for a receipt, resource
	// advertisement, link activation, or request. Policy: mark the parent
	// object FAILED, fire its callback.
	ErrTimeout = errors.New("rns: timeout")

	// ErrPeerClosed covers an explicit teardown or a STALE→CLOSED
	// transition. Policy: mark the Link closed, cascade to children.
	ErrPeerClosed = errors.New("rns: peer closed")

	// ErrCrypto covers a PKCS7 pad failure, a BZ2 decode failure, or a
	// key-exchange failure. Policy: localized, surfaced to the immediate
	// caller; never crashes the core.
	ErrCrypto = errors.New("rns: crypto error")

	// ErrInvariant covers an internal consistency violation (e.g. a part
	// index out of bounds). Policy: log at ERROR, drop the offending
	// operation, do not propagate further.
	ErrInvariant = errors.New("rns: invariant violation")
)
