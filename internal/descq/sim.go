package descq

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/ehrlich-b/go-qdma/internal/constants"
	"github.com/ehrlich-b/go-qdma/internal/interfaces"
	"github.com/ehrlich-b/go-qdma/internal/logging"
	"github.com/ehrlich-b/go-qdma/internal/ringbuf"
)

// SimConfig configures a simulated descriptor ring
type SimConfig struct {
	Config

	// Host is the host memory that segment addresses point into
	Host interfaces.Backend
	// Card is the card memory addressed by memory-mapped endpoint addresses
	Card interfaces.Backend
	// Sink receives streaming H2C payload; nil discards it
	Sink io.Writer
	// Source provides streaming C2H payload; nil produces zeros. io.EOF from
	// Source is reported as hardware end-of-transfer.
	Source io.Reader

	// Manual disables the service goroutine; descriptors are only processed
	// by explicit Process calls
	Manual bool
}

type simDesc struct {
	Chunk
	gen     uint32
	flushed bool
}

// Sim is an in-process model of a QDMA descriptor queue. Descriptors are
// executed against Backend memories in ring order and completed through the
// write-back handler.
type Sim struct {
	cfg    SimConfig
	ring   ringbuf.Ring
	logger *logging.Logger

	deliver sync.Mutex // serializes execution and write-back delivery
	mu      sync.Mutex
	desc    []simDesc
	prod    uint32 // software producer, free-running
	cons    uint32 // hardware consumer, free-running
	visible uint32 // last notified producer, free-running
	started bool
	seq     uint64
	faults  map[uint64]error
	handler WritebackHandler
	kick    chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup

	// Hardware-visible ring registers
	pidx  atomicbitops.Uint32
	cidx  atomicbitops.Uint32
	gen   atomicbitops.Uint32
	kicks atomicbitops.Uint32
}

// NewSim creates a simulated descriptor ring. The ring is stopped until
// Start is called.
func NewSim(cfg SimConfig) (*Sim, error) {
	if err := cfg.Config.Validate(); err != nil {
		return nil, err
	}
	if cfg.Host == nil {
		return nil, fmt.Errorf("simulated ring needs host memory")
	}
	if cfg.Mode == ModeMM && cfg.Card == nil {
		return nil, fmt.Errorf("memory-mapped simulated ring needs card memory")
	}

	ring, err := ringbuf.New(cfg.Depth)
	if err != nil {
		return nil, err
	}

	return &Sim{
		cfg:    cfg,
		ring:   ring,
		logger: logging.Default().WithQueue(cfg.QueueID),
		desc:   make([]simDesc, cfg.Depth),
		faults: make(map[uint64]error),
	}, nil
}

// Config implements Device
func (s *Sim) Config() Config { return s.cfg.Config }

// Generation implements Device
func (s *Sim) Generation() uint32 { return s.gen.Load() }

// Start implements Device
func (s *Sim) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	s.prod, s.cons, s.visible = 0, 0, 0
	for i := range s.desc {
		s.desc[i] = simDesc{}
	}
	s.pidx.Store(0)
	s.cidx.Store(0)
	s.gen.Add(1)
	s.started = true

	if !s.cfg.Manual {
		s.stop = make(chan struct{})
		s.kick = make(chan struct{}, 1)
		s.wg.Add(1)
		go s.serviceLoop(s.gen.Load(), s.stop, s.kick)
	}

	s.logger.Debug("simulated ring started", "depth", s.cfg.Depth, "mode", s.cfg.Mode.String(),
		"dir", s.cfg.Dir.String(), "gen", s.gen.Load())
	return nil
}

// Stop implements Device. It does not wait for the service goroutine: a
// write-back in progress may still reach the handler, tagged with the old
// generation.
func (s *Sim) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.started = false
	dropped := s.ring.Dist(s.cons, s.prod)
	s.cons = s.prod
	s.visible = s.prod
	s.cidx.Store(s.ring.Index(s.cons))
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}

	s.logger.Debug("simulated ring stopped", "dropped", dropped)
	return nil
}

// Close implements Device
func (s *Sim) Close() error {
	s.Stop()
	s.wg.Wait()
	return nil
}

// Available implements Device
func (s *Sim) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return 0
	}
	return int(s.ring.Mask() - s.ring.Dist(s.cons, s.prod))
}

// Produce implements Device
func (s *Sim) Produce(chunks []Chunk) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return 0, ErrStopped
	}
	if uint32(len(chunks)) > s.ring.Mask()-s.ring.Dist(s.cons, s.prod) {
		return 0, ErrRingFull
	}

	gen := s.gen.Load()
	for _, c := range chunks {
		s.desc[s.ring.Index(s.prod)] = simDesc{Chunk: c, gen: gen}
		s.prod++
	}
	s.pidx.Store(s.ring.Index(s.prod))
	return len(chunks), nil
}

// UpdatePidx implements Device
func (s *Sim) UpdatePidx(pidx uint32) {
	s.kicks.Add(1)

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	dist := (pidx - s.ring.Index(s.cons)) & s.ring.Mask()
	written, published := s.ring.Dist(s.cons, s.prod), s.ring.Dist(s.cons, s.visible)
	if dist > written {
		s.logger.Warn("producer index beyond written descriptors", "pidx", pidx, "written", written)
		dist = written
	}
	if dist < published {
		// Stale index; descriptors already published stay published
		s.logger.Debug("producer index behind published descriptors", "pidx", pidx, "published", published)
		dist = published
	}
	s.visible = s.cons + dist
	kick := s.kick
	s.mu.Unlock()

	if kick != nil {
		select {
		case kick <- struct{}{}:
		default:
		}
	}
}

// Pidx implements Device
func (s *Sim) Pidx() uint32 { return s.pidx.Load() }

// Cidx implements Device
func (s *Sim) Cidx() uint32 { return s.cidx.Load() }

// Kicks returns the number of producer index notifications received
func (s *Sim) Kicks() uint32 { return s.kicks.Load() }

// Pending returns the number of descriptors published by UpdatePidx and
// not yet processed
func (s *Sim) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.ring.Dist(s.cons, s.visible))
}

// Cancel implements Device
func (s *Sim) Cancel(tag uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for i := s.cons; i != s.prod; i++ {
		d := &s.desc[s.ring.Index(i)]
		if d.Tag == tag && !d.flushed {
			d.flushed = true
			n++
		}
	}
	return n
}

// SetWritebackHandler implements Device
func (s *Sim) SetWritebackHandler(h WritebackHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// InjectFault makes the nth descriptor executed from now (1-based) fail
// with err
func (s *Sim) InjectFault(nth uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[s.seq+nth] = err
}

// Process executes up to max published descriptors and delivers their
// write-backs. It returns the number of descriptors completed.
func (s *Sim) Process(max int) int {
	return s.process(max, 0)
}

// process is Process restricted to ring generation gen; gen 0 matches any.
// Delivery is serialized so write-backs reach the handler in ring order.
func (s *Sim) process(max int, gen uint32) int {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	if !s.started || (gen != 0 && gen != s.gen.Load()) {
		s.mu.Unlock()
		return 0
	}

	var wbs []Writeback
	for len(wbs) < max && s.cons != s.visible {
		wbs = append(wbs, s.execute(&s.desc[s.ring.Index(s.cons)]))
		s.cons++
	}
	s.cidx.Store(s.ring.Index(s.cons))
	h := s.handler
	s.mu.Unlock()

	if len(wbs) > 0 && h != nil {
		h(wbs)
	}
	return len(wbs)
}

// Run processes descriptors until none are published
func (s *Sim) Run() int {
	return s.run(0)
}

func (s *Sim) run(gen uint32) int {
	total := 0
	for {
		n := s.process(constants.SimBatchSize, gen)
		if n == 0 {
			return total
		}
		total += n
	}
}

// serviceLoop services generation gen until stopped. A loop left over from
// an earlier Start finds its generation gone and processes nothing.
func (s *Sim) serviceLoop(gen uint32, stop, kick chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(constants.SimServiceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-kick:
		case <-ticker.C:
		}
		s.run(gen)
	}
}

// execute runs one descriptor. Caller holds s.mu.
func (s *Sim) execute(d *simDesc) Writeback {
	wb := Writeback{Tag: d.Tag, Gen: d.gen}
	if d.flushed {
		wb.Flushed = true
		return wb
	}

	s.seq++
	if err, ok := s.faults[s.seq]; ok {
		delete(s.faults, s.seq)
		wb.Err = err
		return wb
	}

	var err error
	switch {
	case s.cfg.Mode == ModeMM && s.cfg.Dir == DirH2C:
		err = copyRegion(s.cfg.Card, d.EPAddr, s.cfg.Host, d.Addr, d.Len)
		wb.Len = d.Len
	case s.cfg.Mode == ModeMM:
		err = copyRegion(s.cfg.Host, d.Addr, s.cfg.Card, d.EPAddr, d.Len)
		wb.Len = d.Len
	case s.cfg.Dir == DirH2C:
		err = s.streamOut(d)
		wb.Len = d.Len
		wb.EOT = d.Flags&FlagEOT != 0
	default:
		wb.Len, wb.EOT, err = s.streamIn(d)
	}
	if err != nil {
		wb.Len = 0
		wb.Err = err
	}
	return wb
}

func (s *Sim) streamOut(d *simDesc) error {
	for off := uint64(0); off < d.Len; {
		buf := GetBuffer(d.Len - off)
		if _, err := s.cfg.Host.ReadAt(buf, int64(d.Addr+off)); err != nil {
			PutBuffer(buf)
			return err
		}
		if s.cfg.Sink != nil {
			if _, err := s.cfg.Sink.Write(buf); err != nil {
				PutBuffer(buf)
				return err
			}
		}
		off += uint64(len(buf))
		PutBuffer(buf)
	}
	return nil
}

func (s *Sim) streamIn(d *simDesc) (uint64, bool, error) {
	buf := GetBuffer(d.Len)
	defer PutBuffer(buf)

	n := len(buf)
	eot := false
	if s.cfg.Source != nil {
		var err error
		n, err = io.ReadFull(s.cfg.Source, buf)
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			eot = true
		case err != nil:
			return 0, false, err
		}
	} else {
		clear(buf)
	}

	if _, err := s.cfg.Host.WriteAt(buf[:n], int64(d.Addr)); err != nil {
		return 0, false, err
	}
	return uint64(n), eot, nil
}

func copyRegion(dst interfaces.Backend, dstOff uint64, src interfaces.Backend, srcOff uint64, n uint64) error {
	for off := uint64(0); off < n; {
		buf := GetBuffer(n - off)
		if _, err := src.ReadAt(buf, int64(srcOff+off)); err != nil {
			PutBuffer(buf)
			return err
		}
		if _, err := dst.WriteAt(buf, int64(dstOff+off)); err != nil {
			PutBuffer(buf)
			return err
		}
		off += uint64(len(buf))
		PutBuffer(buf)
	}
	return nil
}

// Compile-time interface check
var _ Device = (*Sim)(nil)
