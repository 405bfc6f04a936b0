// Package wq implements the work queue engine that sits on top of a
// descriptor ring. Requests are claimed into slots, turned into descriptors
// in submission order, and completed from ring write-backs in the order they
// were first posted.
package wq

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ehrlich-b/go-qdma/internal/constants"
	"github.com/ehrlich-b/go-qdma/internal/descq"
	"github.com/ehrlich-b/go-qdma/internal/logging"
	"github.com/ehrlich-b/go-qdma/internal/ringbuf"
	"github.com/ehrlich-b/go-qdma/internal/sg"
	"github.com/ehrlich-b/go-qdma/internal/sgcache"
)

// State is the lifecycle state of a work queue slot
type State int

const (
	StateFree       State = iota // Available for a new request
	StateSubmitted                // Claimed, nothing posted to the ring yet
	StatePending                  // At least one descriptor posted
	StateDone                     // Completed, waiting to be recycled
	StateCanceled                 // Canceled, waiting to be recycled
	StateCanceledHW               // Canceled with descriptors still owned by the ring
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "FREE"
	case StateSubmitted:
		return "SUBMITTED"
	case StatePending:
		return "PENDING"
	case StateDone:
		return "DONE"
	case StateCanceled:
		return "CANCELED"
	case StateCanceledHW:
		return "CANCELED_HW"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrQueueFull is returned by Submit when every slot is in use. It is
	// transient: slots are recycled as requests complete.
	ErrQueueFull = errors.New("work queue full")
	// ErrInvalid is returned for a request that can never be posted
	ErrInvalid = errors.New("invalid request")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("work queue closed")
)

// Logger is the minimal logging surface the engine needs
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Observer receives per-request completion metrics. Calls are made with the
// queue lock held and must not block.
type Observer interface {
	ObserveH2C(bytes uint64, latencyNs uint64, success bool)
	ObserveC2H(bytes uint64, latencyNs uint64, success bool)
	ObserveCancel()
	ObserveQueueDepth(depth uint32)
}

type noopObserver struct{}

func (noopObserver) ObserveH2C(uint64, uint64, bool) {}
func (noopObserver) ObserveC2H(uint64, uint64, bool) {}
func (noopObserver) ObserveCancel()                  {}
func (noopObserver) ObserveQueueDepth(uint32)        {}

// Request describes one scatter-gather transfer. The direction and transfer
// mode come from the device the engine drives.
type Request struct {
	Segments []sg.Segment
	Offset   uint64 // Start offset into Segments
	Len      uint64
	EPAddr   uint64 // Card address, memory-mapped rings only
	EOT      bool   // Streaming end of transfer
	Priv     []byte // Copied into the slot, returned in the Event
}

// Token identifies a submitted request for Cancel. A token goes stale once
// its slot is recycled.
type Token struct {
	Slot uint32
	Seq  uint64
}

// Config configures an Engine
type Config struct {
	ID          int
	Device      descq.Device
	PrivDataLen int
	Logger      Logger
	Observer    Observer
}

type slot struct {
	state     State
	seq       uint64
	req       Request
	priv      []byte
	cursor    sg.Cursor
	epAddr    uint64
	done      uint64 // bytes confirmed by write-back
	inflight  int    // descriptors posted and not yet written back
	cacheHeld int    // completion cache entries owned
	cacheHead uint32 // oldest owned cache entry, valid while cacheHeld > 0
	cacheTail uint32 // newest owned cache entry
	received  []Fragment
	queued    bool   // on the pending FIFO
	fut       *Future
	submitted time.Time
}

// Engine is a work queue bound to one descriptor ring. All methods are safe
// for concurrent use.
type Engine struct {
	id       int
	dev      descq.Device
	cfg      descq.Config
	rules    sg.Rules
	logger   Logger
	observer Observer
	privCap  int // per-slot private data capacity, fixed at New

	mu     sync.Mutex
	ring   ringbuf.Ring
	slots  []slot
	fifo   *ringbuf.FIFO
	cache  *sgcache.Cache
	free   uint32 // next slot to claim
	pend   uint32 // oldest slot not yet recycled
	unproc uint32 // next slot to produce descriptors for
	seq    uint64
	closed bool
	chunks []descq.Chunk
	stats  counters
}

// New creates an engine on dev and starts the device
func New(cfg Config) (*Engine, error) {
	if cfg.Device == nil {
		return nil, fmt.Errorf("%w: no device", ErrInvalid)
	}
	dcfg := cfg.Device.Config()
	if err := dcfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.PrivDataLen < 0 {
		return nil, fmt.Errorf("%w: private data length %d", ErrInvalid, cfg.PrivDataLen)
	}

	n := dcfg.Depth * constants.SlotsPerDescriptor
	ring, err := ringbuf.New(n)
	if err != nil {
		return nil, err
	}
	fifo, err := ringbuf.NewFIFO(n)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		id:       cfg.ID,
		dev:      cfg.Device,
		cfg:      dcfg,
		rules:    sg.RulesFor(dcfg),
		logger:   cfg.Logger,
		observer: cfg.Observer,
		privCap:  cfg.PrivDataLen,
		ring:     ring,
		slots:    make([]slot, n),
		fifo:     fifo,
		chunks:   make([]descq.Chunk, 0, dcfg.Depth),
	}
	if e.logger == nil {
		e.logger = logging.Default().WithQueue(cfg.ID)
	}
	if e.observer == nil {
		e.observer = noopObserver{}
	}
	if dcfg.IsSTC2H() {
		if e.cache, err = sgcache.New(dcfg.Depth); err != nil {
			return nil, err
		}
	}
	for i := range e.slots {
		e.slots[i].priv = make([]byte, e.privCap)
	}

	e.dev.SetWritebackHandler(e.HandleWriteback)
	if err := e.dev.Start(); err != nil {
		e.dev.SetWritebackHandler(nil)
		return nil, fmt.Errorf("start descriptor ring: %w", err)
	}

	e.logger.Debugf("queue %d: %d slots over %s %s ring depth %d", cfg.ID, n, dcfg.Mode, dcfg.Dir, dcfg.Depth)
	return e, nil
}

// Device returns the descriptor ring the engine drives
func (e *Engine) Device() descq.Device { return e.dev }

// Submit claims a slot for req and starts posting it. cb, if not nil, runs
// once when the request resolves, with the queue lock held: it must not call
// back into the engine.
func (e *Engine) Submit(req Request, cb Callback) (*Future, Token, error) {
	if req.Len == 0 {
		return nil, Token{}, fmt.Errorf("%w: zero length", ErrInvalid)
	}
	if len(req.Priv) > e.privCap {
		return nil, Token{}, fmt.Errorf("%w: private data %d bytes, capacity %d", ErrInvalid, len(req.Priv), e.privCap)
	}
	cur, err := sg.NewCursor(req.Segments, req.Offset, req.Len)
	if err != nil {
		return nil, Token{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if _, err := cur.Validate(e.rules); err != nil {
		return nil, Token{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, Token{}, ErrClosed
	}

	e.advancePending()
	if e.ring.Dist(e.pend, e.free) == e.ring.Size() {
		e.drainLocked()
		return nil, Token{}, ErrQueueFull
	}

	idx := e.ring.Index(e.free)
	s := &e.slots[idx]
	e.seq++
	*s = slot{
		state:     StateSubmitted,
		seq:       e.seq,
		req:       req,
		priv:      s.priv,
		cursor:    cur,
		epAddr:    req.EPAddr,
		fut:       newFuture(cb),
		submitted: time.Now(),
	}
	clear(s.priv)
	copy(s.priv, req.Priv)
	e.free++

	e.stats.reqBytes += req.Len
	e.stats.reqNum++
	e.observer.ObserveQueueDepth(e.ring.Dist(e.pend, e.free))

	fut, tok := s.fut, Token{Slot: idx, Seq: s.seq}
	e.drainLocked()
	return fut, tok, nil
}

// Drain posts descriptors for outstanding requests until the ring is full
func (e *Engine) Drain() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.drainLocked()
	}
}

// drainLocked walks slots from unproc to free in order and produces their
// descriptors. It stops at the first slot that cannot be fully posted so
// later requests never overtake earlier ones. The producer index is always
// notified, even when nothing was produced.
func (e *Engine) drainLocked() {
	for e.unproc != e.free {
		idx := e.ring.Index(e.unproc)
		s := &e.slots[idx]
		if s.state != StateSubmitted && s.state != StatePending {
			e.unproc++
			continue
		}
		if s.cursor.Remaining() > 0 {
			e.fill(idx, s)
		}
		if s.cursor.Remaining() > 0 {
			break
		}
		e.unproc++
	}
	e.advancePending()

	e.dev.UpdatePidx(e.dev.Pidx())
}

// fill posts as many descriptors of s as the ring (and completion cache)
// can take. The slot cursor only advances once the ring accepted them.
func (e *Engine) fill(idx uint32, s *slot) {
	avail := e.dev.Available()
	if e.cache != nil && e.cache.Avail() < avail {
		avail = e.cache.Avail()
	}
	if avail <= 0 {
		return
	}

	stH2C := e.cfg.Mode == descq.ModeST && e.cfg.Dir == descq.DirH2C
	cur := s.cursor
	ep := s.epAddr
	chunks := e.chunks[:0]
	var total uint64
	for len(chunks) < avail {
		c, err := cur.Next(e.rules)
		if errors.Is(err, sg.ErrDone) {
			break
		}
		if err != nil {
			// Requests are validated on submit; a failure here means the
			// caller mutated the segment list while it was queued
			e.logger.Printf("queue %d slot %d: segment walk failed: %v", e.id, idx, err)
			break
		}
		ch := descq.Chunk{Tag: idx, Addr: c.Addr, Len: c.Len}
		if e.cfg.Mode == descq.ModeMM {
			ch.EPAddr = ep
			ep += c.Len
		}
		if stH2C && c.Last && s.req.EOT {
			ch.Flags |= descq.FlagEOT
		}
		chunks = append(chunks, ch)
		total += c.Len
	}
	if len(chunks) == 0 {
		return
	}
	chunks[0].Flags |= descq.FlagSOP
	chunks[len(chunks)-1].Flags |= descq.FlagEOP

	start := e.dev.Pidx()
	n, err := e.dev.Produce(chunks)
	if err != nil {
		e.logger.Debugf("queue %d slot %d: produce %d descriptors: %v", e.id, idx, len(chunks), err)
		return
	}

	// Long streaming H2C batches publish every eight descriptors
	if stH2C {
		mask := e.cfg.Depth - 1
		for i := 1; i < n; i++ {
			if p := (start + uint32(i)) & mask; p&constants.PidxUpdateMask == 0 {
				e.dev.UpdatePidx(p)
			}
		}
	}

	if e.cache != nil {
		off := s.req.Len - s.cursor.Remaining()
		for _, ch := range chunks[:n] {
			ci, _ := e.cache.Reserve(sgcache.Entry{Addr: ch.Addr, Offset: off, Len: ch.Len})
			if s.cacheHeld == 0 {
				s.cacheHead = ci
			} else {
				e.cache.Link(s.cacheTail, ci)
			}
			s.cacheTail = ci
			s.cacheHeld++
			off += ch.Len
		}
	}

	s.cursor = cur
	s.epAddr = ep
	s.inflight += n
	e.stats.hwSubmitBytes += total

	if s.state == StateSubmitted {
		s.state = StatePending
		s.queued = true
		e.fifo.Push(idx)
	}
}

// advancePending recycles terminal slots at the start of the window
func (e *Engine) advancePending() {
	for e.pend != e.unproc {
		s := &e.slots[e.ring.Index(e.pend)]
		if s.queued || (s.state != StateDone && s.state != StateCanceled) {
			return
		}
		s.state = StateFree
		s.req = Request{}
		e.pend++
	}
}

// Cancel cancels the request identified by tok. It returns false when the
// token is stale or the request already resolved.
func (e *Engine) Cancel(tok Token) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if tok.Slot >= e.ring.Size() {
		return false
	}
	s := &e.slots[tok.Slot]
	if s.seq != tok.Seq || s.fut == nil {
		return false
	}

	switch s.state {
	case StatePending:
		s.state = StateCanceledHW
		flushed := e.dev.Cancel(tok.Slot)
		e.logger.Debugf("queue %d slot %d: cancel, %d descriptors flushed, %d in flight", e.id, tok.Slot, flushed, s.inflight)
		if s.inflight == 0 {
			e.finishCanceled(s)
			e.popRetired()
		}
	case StateSubmitted:
		s.state = StateCanceled
		e.resolve(s, StatusCanceled, nil)
	default:
		return false
	}

	e.observer.ObserveCancel()
	e.drainLocked()
	return true
}

// Reset stops the ring, resolves every outstanding request as canceled and
// restarts the ring with empty windows. Write-backs for descriptors posted
// before the reset are ignored.
func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}

	if err := e.dev.Stop(); err != nil {
		e.logger.Printf("queue %d: stop ring for reset: %v", e.id, err)
	}
	n := e.abortLocked()
	e.stats.resets++
	e.logger.Printf("queue %d: reset, %d requests canceled", e.id, n)

	if err := e.dev.Start(); err != nil {
		return fmt.Errorf("restart descriptor ring: %w", err)
	}
	return nil
}

// abortLocked resolves every unresolved request as canceled and clears all
// windows. Caller holds e.mu with the device stopped.
func (e *Engine) abortLocked() int {
	n := 0
	for i := e.pend; i != e.free; i++ {
		s := &e.slots[e.ring.Index(i)]
		if s.fut != nil {
			if s.state != StateCanceledHW {
				e.observer.ObserveCancel()
			}
			e.resolve(s, StatusCanceled, nil)
			n++
		}
	}
	for i := range e.slots {
		priv := e.slots[i].priv
		e.slots[i] = slot{priv: priv}
	}
	e.free, e.pend, e.unproc = 0, 0, 0
	e.fifo.Reset()
	if e.cache != nil {
		e.cache.Reset()
	}
	return n
}

// Close resolves outstanding requests as canceled and releases the ring
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.dev.Stop()
	e.abortLocked()
	e.dev.SetWritebackHandler(nil)
	e.mu.Unlock()

	// The device may be delivering a write-back that waits on e.mu
	return e.dev.Close()
}

// UpdatePidx forwards a manual producer index notification to the ring
func (e *Engine) UpdatePidx(pidx uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dev.UpdatePidx(pidx)
}
