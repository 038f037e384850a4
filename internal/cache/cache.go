// Package cache provides the bounded read cache for tqdb records.
//
// The cache is a flat array of entries keyed by (type index, id) with a
// global access tick for LRU victim selection. Lookup is a linear scan:
// cache sizes are small (default 16, typically well under 256) and the flat
// array keeps the code footprint minimal with no hashing dependency.
//
// Entries hold the serialized record payload, never a live record, so a
// cached value can never alias memory held by a caller. A deleted entry is
// kept as a tombstone (no payload) so reads can answer "absent" without
// touching the journal or the main file.
package cache

// DefaultSize is the default number of cache slots.
const DefaultSize = 16

// Entry is one cache slot. An empty slot has ID == 0.
type Entry struct {
	ID        uint32
	TypeIndex uint8

	// Deleted marks a tombstone: the record was deleted by a staged
	// mutation and reads must treat it as absent.
	Deleted bool

	// Payload is the serialized record. Nil for tombstones.
	Payload []byte

	tick uint64
}

// Cache is a bounded associative table of serialized records.
// It is not safe for concurrent use; the owning database serializes access.
type Cache struct {
	entries []Entry
	tick    uint64
	hits    uint64
	misses  uint64
}

// New creates a cache with the given number of slots.
// Non-positive capacities fall back to DefaultSize.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultSize
	}
	return &Cache{entries: make([]Entry, capacity)}
}

// Get returns the entry for (typeIndex, id), bumping its access tick.
func (c *Cache) Get(typeIndex uint8, id uint32) (*Entry, bool) {
	if id == 0 {
		return nil, false
	}
	for i := range c.entries {
		e := &c.entries[i]
		if e.ID == id && e.TypeIndex == typeIndex {
			c.tick++
			e.tick = c.tick
			c.hits++
			return e, true
		}
	}
	c.misses++
	return nil, false
}

// Put installs or replaces the entry for (typeIndex, id).
// A nil payload with deleted=true installs a tombstone.
// When all slots are occupied, the least recently used entry is evicted.
func (c *Cache) Put(typeIndex uint8, id uint32, payload []byte, deleted bool) {
	if id == 0 {
		return
	}

	slot := -1
	for i := range c.entries {
		e := &c.entries[i]
		if e.ID == id && e.TypeIndex == typeIndex {
			slot = i
			break
		}
	}
	if slot < 0 {
		slot = c.victim()
	}

	c.tick++
	c.entries[slot] = Entry{
		ID:        id,
		TypeIndex: typeIndex,
		Deleted:   deleted,
		Payload:   payload,
		tick:      c.tick,
	}
}

// victim returns the first empty slot, or the slot with the smallest
// access tick.
func (c *Cache) victim() int {
	lru := 0
	minTick := ^uint64(0)
	for i := range c.entries {
		if c.entries[i].ID == 0 {
			return i
		}
		if c.entries[i].tick < minTick {
			minTick = c.entries[i].tick
			lru = i
		}
	}
	return lru
}

// Invalidate removes the entry for (typeIndex, id), if present.
func (c *Cache) Invalidate(typeIndex uint8, id uint32) {
	if id == 0 {
		return
	}
	for i := range c.entries {
		e := &c.entries[i]
		if e.ID == id && e.TypeIndex == typeIndex {
			*e = Entry{}
			return
		}
	}
}

// Clear removes all entries. Hit and miss counters are preserved.
func (c *Cache) Clear() {
	for i := range c.entries {
		c.entries[i] = Entry{}
	}
}

// Len returns the number of occupied slots.
func (c *Cache) Len() int {
	n := 0
	for i := range c.entries {
		if c.entries[i].ID != 0 {
			n++
		}
	}
	return n
}

// Cap returns the number of slots.
func (c *Cache) Cap() int {
	return len(c.entries)
}

// Stats returns the hit and miss counters.
func (c *Cache) Stats() (hits, misses uint64) {
	return c.hits, c.misses
}

// ResetStats zeroes the hit and miss counters.
func (c *Cache) ResetStats() {
	c.hits, c.misses = 0, 0
}
