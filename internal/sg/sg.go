// Package sg splits scatter-gather segment lists into descriptor sized chunks
package sg

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-qdma/internal/constants"
	"github.com/ehrlich-b/go-qdma/internal/descq"
)

var (
	// ErrMisaligned is returned when a non-final streaming H2C chunk violates the alignment mask
	ErrMisaligned = errors.New("misaligned streaming chunk")
	// ErrShortList is returned when the segment list holds fewer bytes than the request length
	ErrShortList = errors.New("segment list shorter than request")
	// ErrOffsetRange is returned when the start offset lies beyond the segment list
	ErrOffsetRange = errors.New("start offset beyond segment list")
	// ErrDone is returned by Next once every byte of the request has been produced
	ErrDone = errors.New("request fully segmented")
)

// Segment is one contiguous region of a scatter list. The bytes covered are
// [Addr+Offset, Addr+Offset+Length).
type Segment struct {
	Addr   uint64
	Offset uint64
	Length uint64
}

// Chunk is a hardware sized piece of a segment
type Chunk struct {
	Addr uint64
	Len  uint64
	// Last is set on the chunk that completes the request
	Last bool
}

// Rules constrain chunk production for a transfer mode
type Rules struct {
	MaxLen    uint64
	AlignMask uint64
}

// RulesFor returns the chunking rules of a descriptor ring configuration
func RulesFor(cfg descq.Config) Rules {
	switch {
	case cfg.Mode == descq.ModeMM:
		return Rules{MaxLen: constants.DescBlenMax}
	case cfg.Dir == descq.DirH2C:
		return Rules{MaxLen: uint64(unix.Getpagesize()), AlignMask: constants.STH2CAlignMask}
	default:
		return Rules{MaxLen: uint64(cfg.BufSize)}
	}
}

// Cursor is a resumable position inside a segment list. It is a value type:
// copying a Cursor gives an independent position over the same list, which
// is how requests are validated before anything is posted.
type Cursor struct {
	segs      []Segment
	idx       int
	off       uint64
	remaining uint64
}

// NewCursor positions a cursor offset bytes into segs, covering length bytes
func NewCursor(segs []Segment, offset, length uint64) (Cursor, error) {
	idx := 0
	for idx < len(segs) && offset >= segs[idx].Length {
		offset -= segs[idx].Length
		idx++
	}
	if idx == len(segs) && (offset > 0 || length > 0) {
		return Cursor{}, fmt.Errorf("%w: %d bytes past %d segments", ErrOffsetRange, offset, len(segs))
	}
	return Cursor{segs: segs, idx: idx, off: offset, remaining: length}, nil
}

// Remaining returns the bytes not yet produced
func (c *Cursor) Remaining() uint64 { return c.remaining }

// Next produces the next chunk and advances the cursor. On error the cursor
// is not modified.
func (c *Cursor) Next(r Rules) (Chunk, error) {
	if c.remaining == 0 {
		return Chunk{}, ErrDone
	}

	idx, off := c.idx, c.off
	for idx < len(c.segs) && c.segs[idx].Length == off {
		idx++
		off = 0
	}
	if idx >= len(c.segs) {
		return Chunk{}, fmt.Errorf("%w: %d bytes left", ErrShortList, c.remaining)
	}

	seg := c.segs[idx]
	n := seg.Length - off
	if n > c.remaining {
		n = c.remaining
	}
	if r.MaxLen != 0 && n > r.MaxLen {
		n = r.MaxLen
	}
	last := n == c.remaining
	if r.AlignMask != 0 && !last && n&r.AlignMask != 0 {
		return Chunk{}, fmt.Errorf("%w: segment %d len %d mask 0x%x", ErrMisaligned, idx, n, r.AlignMask)
	}

	chunk := Chunk{Addr: seg.Addr + seg.Offset + off, Len: n, Last: last}

	off += n
	if off == seg.Length {
		idx++
		off = 0
	}
	c.idx, c.off = idx, off
	c.remaining -= n
	return chunk, nil
}

// Validate walks a copy of the cursor to the end and returns the number of
// chunks the request will need
func (c Cursor) Validate(r Rules) (int, error) {
	n := 0
	for {
		_, err := c.Next(r)
		if errors.Is(err, ErrDone) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}
