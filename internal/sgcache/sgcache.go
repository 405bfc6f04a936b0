// Package sgcache tracks the receive buffers handed to a streaming C2H ring.
//
// Every C2H descriptor consumes one cache entry describing where its data
// lands. Entries are reserved in posting order, linked into one list per
// request and released in the same order as write-backs retire descriptors.
package sgcache

import (
	"errors"
	"fmt"

	"github.com/ehrlich-b/go-qdma/internal/ringbuf"
)

// NoNext terminates an entry list
const NoNext = ^uint32(0)

// ErrOverRelease is returned when releasing more entries than are reserved
var ErrOverRelease = errors.New("release exceeds reserved entries")

// Entry is one receive buffer
type Entry struct {
	Addr   uint64 // host address
	Offset uint64 // offset of the buffer within its request
	Len    uint64
	Next   uint32 // index of the request's next entry, or NoNext
}

// Cache is a ring of Entry sized to the descriptor ring. One entry is kept
// unused so a full cache is distinguishable from an empty one. Not safe for
// concurrent use; the work queue serializes access under its lock.
type Cache struct {
	ring    ringbuf.Ring
	entries []Entry
	pidx    uint32 // next reserve, free-running
	cidx    uint32 // next release, free-running
}

// New creates a cache for a ring of depth descriptors
func New(depth uint32) (*Cache, error) {
	r, err := ringbuf.New(depth)
	if err != nil {
		return nil, fmt.Errorf("sg cache: %w", err)
	}
	return &Cache{ring: r, entries: make([]Entry, depth)}, nil
}

// Avail returns the number of entries that can be reserved
func (c *Cache) Avail() int {
	return int(c.ring.Mask() - (c.pidx - c.cidx))
}

// Outstanding returns the number of reserved entries
func (c *Cache) Outstanding() int {
	return int(c.pidx - c.cidx)
}

// Pidx returns the masked reserve index
func (c *Cache) Pidx() uint32 { return c.ring.Index(c.pidx) }

// Cidx returns the masked release index
func (c *Cache) Cidx() uint32 { return c.ring.Index(c.cidx) }

// Reserve stores e at the reserve index and returns its index. The entry
// starts unlinked. It returns false when the cache is full.
func (c *Cache) Reserve(e Entry) (uint32, bool) {
	if c.Avail() == 0 {
		return 0, false
	}
	idx := c.ring.Index(c.pidx)
	e.Next = NoNext
	c.entries[idx] = e
	c.pidx++
	return idx, true
}

// Link chains idx after prev
func (c *Cache) Link(prev, idx uint32) {
	c.entries[c.ring.Index(prev)].Next = c.ring.Index(idx)
}

// Entry returns the entry at idx
func (c *Cache) Entry(idx uint32) Entry {
	return c.entries[c.ring.Index(idx)]
}

// Release returns the n oldest entries to the cache
func (c *Cache) Release(n int) error {
	if n < 0 || n > c.Outstanding() {
		return fmt.Errorf("%w: %d of %d", ErrOverRelease, n, c.Outstanding())
	}
	c.cidx += uint32(n)
	return nil
}

// Reset drops every reservation
func (c *Cache) Reset() {
	c.pidx = 0
	c.cidx = 0
	clear(c.entries)
}
