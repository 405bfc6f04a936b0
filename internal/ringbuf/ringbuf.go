// Package ringbuf provides power-of-two ring index arithmetic and a fixed
// capacity FIFO of ring slot indices.
package ringbuf

import (
	"errors"
	"fmt"
)

// ErrNotPowerOfTwo is returned when a ring is sized to a non power of two
var ErrNotPowerOfTwo = errors.New("ring size is not a power of two")

// Ring describes a ring of Size() entries addressed by free-running uint32
// counters. Counters are never masked when stored; Index masks them on use,
// so producer-consumer distances stay correct across wraparound.
type Ring struct {
	mask uint32
}

// New creates a ring of the given size. Size must be a non-zero power of two.
func New(size uint32) (Ring, error) {
	if !IsPowerOfTwo(size) {
		return Ring{}, fmt.Errorf("%w: %d", ErrNotPowerOfTwo, size)
	}
	return Ring{mask: size - 1}, nil
}

// IsPowerOfTwo reports whether v is a non-zero power of two
func IsPowerOfTwo(v uint32) bool {
	return v != 0 && v&(v-1) == 0
}

// Size returns the number of entries in the ring
func (r Ring) Size() uint32 { return r.mask + 1 }

// Mask returns Size()-1
func (r Ring) Mask() uint32 { return r.mask }

// Index maps a free-running counter onto an array index
func (r Ring) Index(counter uint32) uint32 { return counter & r.mask }

// Dist returns the number of entries from tail up to (not including) head
func (r Ring) Dist(tail, head uint32) uint32 { return head - tail }


// FIFO is a bounded first-in first-out queue of uint32 values backed by a
// power-of-two ring. It is not safe for concurrent use.
type FIFO struct {
	ring Ring
	buf  []uint32
	head uint32 // next pop
	tail uint32 // next push
}

// NewFIFO creates a FIFO that holds up to size values
func NewFIFO(size uint32) (*FIFO, error) {
	r, err := New(size)
	if err != nil {
		return nil, err
	}
	return &FIFO{ring: r, buf: make([]uint32, size)}, nil
}

// Len returns the number of queued values
func (f *FIFO) Len() int { return int(f.tail - f.head) }

// Push appends v. It returns false when the FIFO is full.
func (f *FIFO) Push(v uint32) bool {
	if f.tail-f.head == f.ring.Size() {
		return false
	}
	f.buf[f.ring.Index(f.tail)] = v
	f.tail++
	return true
}

// Peek returns the oldest value without removing it
func (f *FIFO) Peek() (uint32, bool) {
	if f.head == f.tail {
		return 0, false
	}
	return f.buf[f.ring.Index(f.head)], true
}

// Pop removes and returns the oldest value
func (f *FIFO) Pop() (uint32, bool) {
	v, ok := f.Peek()
	if ok {
		f.head++
	}
	return v, ok
}

// Reset drops every queued value
func (f *FIFO) Reset() {
	f.head = 0
	f.tail = 0
}
