// Package descq defines the descriptor ring device consumed by the work
// queue engine and provides a simulated implementation of it.
package descq

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-qdma/internal/ringbuf"
)

// Mode is the transfer mode of a ring
type Mode int

const (
	ModeMM Mode = iota // Memory-mapped: host and card address per descriptor
	ModeST             // Streaming: no card addressing
)

func (m Mode) String() string {
	if m == ModeST {
		return "ST"
	}
	return "MM"
}

// Dir is the transfer direction of a ring
type Dir int

const (
	DirH2C Dir = iota // Host to card
	DirC2H            // Card to host
)

func (d Dir) String() string {
	if d == DirC2H {
		return "C2H"
	}
	return "H2C"
}

var (
	// ErrInvalidDepth is returned for a ring depth that is not a power of two
	ErrInvalidDepth = errors.New("ring depth must be a power of two")
	// ErrInvalidBufSize is returned when a streaming C2H ring buffer size is not the page size
	ErrInvalidBufSize = errors.New("unsupported c2h buffer size")
	// ErrRingFull is returned by Produce when the chunks do not fit
	ErrRingFull = errors.New("descriptor ring full")
	// ErrStopped is returned when the device is not started
	ErrStopped = errors.New("descriptor ring stopped")
)

// Config describes a descriptor ring
type Config struct {
	QueueID int
	Depth   uint32 // Ring size, power of two
	Mode    Mode
	Dir     Dir
	BufSize uint32 // Streaming C2H receive buffer size
	IRQ     bool   // Interrupt driven write-back
}

// Validate checks the configuration invariants of a ring
func (c Config) Validate() error {
	if !ringbuf.IsPowerOfTwo(c.Depth) || c.Depth < 2 {
		return fmt.Errorf("%w: %d", ErrInvalidDepth, c.Depth)
	}
	if c.IsSTC2H() && int(c.BufSize) != unix.Getpagesize() {
		return fmt.Errorf("%w: %d (page size %d)", ErrInvalidBufSize, c.BufSize, unix.Getpagesize())
	}
	return nil
}

// IsSTC2H reports whether the ring is a streaming receive ring
func (c Config) IsSTC2H() bool {
	return c.Mode == ModeST && c.Dir == DirC2H
}

// Flags mark descriptor boundaries
type Flags uint8

const (
	FlagSOP Flags = 1 << iota // Start of a posting batch
	FlagEOP                   // End of a posting batch
	FlagEOT                   // End of transfer (streaming H2C)
)

// Chunk is one descriptor to be written into the ring
type Chunk struct {
	Tag    uint32 // Work queue slot that owns the descriptor
	Addr   uint64 // Host address
	EPAddr uint64 // Card address (memory-mapped only)
	Len    uint64
	Flags  Flags
}

// Writeback reports the completion of one descriptor
type Writeback struct {
	Tag     uint32
	Gen     uint32 // Device generation the descriptor was produced in
	Len     uint64 // Bytes transferred
	EOT     bool   // Hardware end-of-transfer
	Flushed bool   // Descriptor dropped by Cancel, nothing transferred
	Err     error
}

// WritebackHandler receives write-backs in ring order. It is called from
// the device context and never while the device holds its own lock.
type WritebackHandler func(wbs []Writeback)

// Device is the descriptor ring the work queue engine drives. It never
// blocks: when Available returns 0 the caller retries later.
type Device interface {
	// Config returns the ring configuration
	Config() Config

	// Start (re)initializes the ring indices and begins processing.
	// Every Start bumps the generation reported in write-backs.
	Start() error

	// Stop drops every outstanding descriptor; no write-back is delivered
	// for descriptors produced before Stop
	Stop() error

	// Close stops the device and releases its resources
	Close() error

	// Generation returns the current Start generation
	Generation() uint32

	// Available returns the number of free descriptor slots
	Available() int

	// Produce writes chunks at the producer index. Either every chunk is
	// written or none is and ErrRingFull is returned. Descriptors are not
	// processed until UpdatePidx publishes them.
	Produce(chunks []Chunk) (int, error)

	// UpdatePidx notifies the hardware of the producer index. It must be
	// called once per drain cycle even when nothing new was produced.
	UpdatePidx(pidx uint32)

	// Pidx returns the software producer index
	Pidx() uint32

	// Cidx returns the consumer index
	Cidx() uint32

	// Cancel flushes every unprocessed descriptor of tag. Flushed
	// descriptors still write back, in order, with Flushed set.
	Cancel(tag uint32) int

	// SetWritebackHandler installs the completion handler
	SetWritebackHandler(h WritebackHandler)
}
