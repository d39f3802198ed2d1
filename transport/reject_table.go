package transport

import (
	"fmt"
	"sync"

	"github.com/torlando-tech/microreticulum-go/rnserrors"
)

// rejectTable is the fixed-capacity table backing every one of
// Transport's routing tables except packet_hashlist (§4.5): announce_
// table, destination_table, reverse_table, link_table, held_announces,
// tunnels, announce_rate_table, path_requests, and receipts are all
// specified with a "reject" / "reject newest" overflow policy, not
// least-recently-used eviction — a full table simply refuses a brand
// new key rather than evicting an existing entry to make room.
// packet_hashlist is the one table specified as ring-buffer-overwrite,
// and lives separately as packet.DedupeRing.
type rejectTable[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	entries  map[K]V
}

func newRejectTable[K comparable, V any](capacity int) *rejectTable[K, V] {
	if capacity <= 0 {
		capacity = 1
	}
	return &rejectTable[K, V]{capacity: capacity, entries: make(map[K]V, capacity)}
}

// put inserts or updates key's value. Updating an existing key always
// succeeds; a brand new key is rejected with ErrCapacity once the table
// is already at capacity.
func (c *rejectTable[K, V]) put(key K, value V) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.capacity {
		return fmt.Errorf("%w: table full (capacity %d)", rnserrors.ErrCapacity, c.capacity)
	}
	c.entries[key] = value
	return nil
}

func (c *rejectTable[K, V]) get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok
}

// peek is identical to get: a reject-policy table has no recency order
// to disturb, so there is nothing a peek needs to avoid touching.
func (c *rejectTable[K, V]) peek(key K) (V, bool) {
	return c.get(key)
}

func (c *rejectTable[K, V]) remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *rejectTable[K, V]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// forEach snapshots entries before iterating so a callback that mutates
// the table (put/remove) cannot corrupt the walk — the same
// snapshot-before-iterating discipline Resource's sender/receiver
// iteration depends on.
func (c *rejectTable[K, V]) forEach(fn func(key K, value V)) {
	c.mu.Lock()
	snapshot := make(map[K]V, len(c.entries))
	for k, v := range c.entries {
		snapshot[k] = v
	}
	c.mu.Unlock()
	for k, v := range snapshot {
		fn(k, v)
	}
}
