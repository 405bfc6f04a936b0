package wq

import (
	"context"
	"fmt"
)

// Status classifies how a request resolved
type Status int

const (
	StatusSuccess Status = iota
	StatusError
	StatusCanceled
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	case StatusCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Event is the completion of one request
type Event struct {
	Bytes  uint64 // Bytes confirmed by the ring
	Status Status
	Err    error  // Transfer error, set with StatusError
	Priv   []byte // Copy of the private data given at submit

	// Received lists where streaming C2H data landed, in ring order
	Received []Fragment
}

// Fragment is one receive buffer's worth of streaming C2H data
type Fragment struct {
	Offset uint64 // offset within the request
	Addr   uint64 // host address
	Len    uint64
}

// Callback receives the completion event of an asynchronous request
type Callback func(Event)

// Future is the single result of a submitted request. It can be waited on,
// polled, or observed through the callback given at submit.
type Future struct {
	done chan struct{}
	ev   Event
	cb   Callback
}

func newFuture(cb Callback) *Future {
	return &Future{done: make(chan struct{}), cb: cb}
}

// resolve is called exactly once, under the engine lock
func (f *Future) resolve(ev Event) {
	f.ev = ev
	close(f.done)
	if f.cb != nil {
		f.cb(ev)
	}
}

// Done is closed when the request resolves
func (f *Future) Done() <-chan struct{} { return f.done }

// Event returns the completion event and whether the request has resolved
func (f *Future) Event() (Event, bool) {
	select {
	case <-f.done:
		return f.ev, true
	default:
		return Event{}, false
	}
}

// Wait blocks until the request resolves or ctx is done
func (f *Future) Wait(ctx context.Context) (Event, error) {
	select {
	case <-f.done:
		return f.ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}
