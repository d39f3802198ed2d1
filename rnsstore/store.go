// Package rnsstore implements the blob store capability (§6.3):
// load/store/remove/list of opaque, msgpack-serialized artifacts
// (Identity keys, known-destinations snapshots, cached announces),
// plus JSON for ancillary, non-wire metadata. Grounded on
// directory.Cache's load/store/remove shape, generalized from a
// hardcoded set of named files (consensus.json, microdescriptors.json,
// keycerts.json) to an arbitrary-key blob store.
package rnsstore

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrNotFound is returned by Load when key has no stored blob.
var ErrNotFound = fmt.Errorf("rnsstore: not found")

// Store is the minimal persistence capability SPEC_FULL.md names:
// named-blob load/store/remove/list. Implementations serialize whatever
// value the caller gives Store and hand back the same bytes from Load.
type Store interface {
	Load(key string) ([]byte, error)
	Store(key string, data []byte) error
	Remove(key string) error
	List() ([]string, error)
}

// SaveValue msgpack-encodes v and stores it under key — the wire-exact
// serialization path §6.1/§6.3 calls for, e.g. Identity keypairs or a
// KnownDestinations snapshot.
func SaveValue(s Store, key string, v interface{}) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("rnsstore: marshal %q: %w", key, err)
	}
	return s.Store(key, data)
}

// LoadValue loads key and msgpack-decodes it into v.
func LoadValue(s Store, key string, v interface{}) error {
	data, err := s.Load(key)
	if err != nil {
		return err
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("rnsstore: unmarshal %q: %w", key, err)
	}
	return nil
}
