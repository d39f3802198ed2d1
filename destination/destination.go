// Package destination implements Reticulum Destinations (§3, §4.4): an
// addressable endpoint owned by an Identity, whose 16-byte hash is what
// appears in Packet headers. Modeled after the teacher's flat,
// hash-addressable RelayInfo/Relay records (descriptor.RelayInfo,
// directory.Relay), adapted to carry a proof strategy and link-acceptance
// flag instead of relay-selection metadata.
package destination

import (
	"fmt"
	"strings"

	"github.com/torlando-tech/microreticulum-go/identity"
	"github.com/torlando-tech/microreticulum-go/rnscrypto"
)

// Direction of a Destination.
type Direction int

const (
	DirectionIn Direction = iota
	DirectionOut
)

// Type of a Destination.
type Type int

const (
	TypeSingle Type = iota
	TypeGroup
	TypePlain
	TypeLink
)

// ProofStrategy controls whether and how a Destination proves receipt of
// packets addressed to it.
type ProofStrategy int

const (
	ProofNone ProofStrategy = iota
	ProofAll
	ProofApp
)

// HashLen is the length in bytes of a Destination hash (§3, §6.1).
const HashLen = 16

// Destination is a tuple {owning Identity, Direction, Type, app-name,
// aspects}.
type Destination struct {
	Identity      *identity.Identity // nil for PLAIN destinations
	Direction     Direction
	Type          Type
	AppName       string
	Aspects       []string
	ProofStrategy ProofStrategy
	AcceptsLinks  bool

	LinkEstablishedCallback func(linkHash [HashLen]byte)
	PacketCallback          func(data []byte, packetHash [32]byte)
}

// New constructs a Destination. ident may be nil only for TypePlain.
func New(ident *identity.Identity, dir Direction, typ Type, appName string, aspects ...string) (*Destination, error) {
	if typ != TypePlain && ident == nil {
		return nil, fmt.Errorf("destination: identity required for non-PLAIN destination")
	}
	return &Destination{
		Identity:  ident,
		Direction: dir,
		Type:      typ,
		AppName:   appName,
		Aspects:   aspects,
	}, nil
}

// FullName returns the dotted "appname.aspect1.aspect2..." name used as
// input to the hash derivation.
func (d *Destination) FullName() string {
	parts := append([]string{d.AppName}, d.Aspects...)
	return strings.Join(parts, ".")
}

// Hash computes the destination hash: the first 16 bytes of SHA-256 of the
// UTF-8 full name concatenated with the Identity hash (for non-PLAIN
// destinations). PLAIN destinations hash the full name alone.
func (d *Destination) Hash() [HashLen]byte {
	input := []byte(d.FullName())
	if d.Type != TypePlain && d.Identity != nil {
		idHash := d.Identity.Hash()
		input = append(input, idHash[:]...)
	}
	full := rnscrypto.Sha256(input)
	var h [HashLen]byte
	copy(h[:], full[:HashLen])
	return h
}

// NameHash returns the first 10 bytes of SHA-256(full name), the value
// carried in announces (§3, §4.3) to let a recipient learn which
// Destination aspect name an announce belongs to without transmitting it
// in full.
func (d *Destination) NameHash() [identity.NameHashLen]byte {
	full := rnscrypto.Sha256([]byte(d.FullName()))
	var nh [identity.NameHashLen]byte
	copy(nh[:], full[:identity.NameHashLen])
	return nh
}

// ShouldProve reports whether this Destination's proof strategy requires
// proving receipt of a packet carrying the given context flag bit. APP
// proves only when the caller indicates the context requests it.
func (d *Destination) ShouldProve(appRequested bool) bool {
	switch d.ProofStrategy {
	case ProofAll:
		return true
	case ProofApp:
		return appRequested
	default:
		return false
	}
}
