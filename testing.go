package qdma

import (
	"errors"
	"sync"

	"github.com/ehrlich-b/go-qdma/internal/descq"
)

// MockDevice provides a scripted descriptor ring for testing. Nothing is
// transferred: tests decide when descriptors complete with Complete or
// Fail, and inspect what the queue produced with Produced.
type MockDevice struct {
	mu       sync.Mutex
	cfg      descq.Config
	gen      uint32
	started  bool
	closed   bool
	ring     []mockDesc // produced and not yet written back, in ring order
	prod     uint32
	cons     uint32
	pidx     uint32
	handler  descq.WritebackHandler
	produced []descq.Chunk

	// Method call tracking
	produceCalls int
	notifyCalls  int
	cancelCalls  int
}

type mockDesc struct {
	descq.Chunk
	flushed bool
}

// NewMockDevice creates a mock ring with the given configuration. Config
// is not validated, so tests can probe invalid configurations.
func NewMockDevice(cfg descq.Config) *MockDevice {
	return &MockDevice{cfg: cfg}
}

// Config implements Device
func (m *MockDevice) Config() descq.Config {
	return m.cfg
}

// Start implements Device
func (m *MockDevice) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return descq.ErrStopped
	}
	m.gen++
	m.started = true
	m.ring = nil
	m.prod, m.cons, m.pidx = 0, 0, 0
	return nil
}

// Stop implements Device
func (m *MockDevice) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = false
	m.ring = nil
	return nil
}

// Close implements Device
func (m *MockDevice) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = false
	m.closed = true
	m.ring = nil
	return nil
}

// Generation implements Device
func (m *MockDevice) Generation() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen
}

// Available implements Device
func (m *MockDevice) Available() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.availableLocked()
}

func (m *MockDevice) availableLocked() int {
	if !m.started {
		return 0
	}
	return int(m.cfg.Depth) - 1 - int(m.prod-m.cons)
}

// Produce implements Device
func (m *MockDevice) Produce(chunks []descq.Chunk) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.produceCalls++
	if !m.started {
		return 0, descq.ErrStopped
	}
	if len(chunks) > m.availableLocked() {
		return 0, descq.ErrRingFull
	}
	for _, c := range chunks {
		m.ring = append(m.ring, mockDesc{Chunk: c})
		m.produced = append(m.produced, c)
	}
	m.prod += uint32(len(chunks))
	return len(chunks), nil
}

// UpdatePidx implements Device
func (m *MockDevice) UpdatePidx(pidx uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifyCalls++
	m.pidx = pidx
}

// Pidx implements Device
func (m *MockDevice) Pidx() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prod
}

// Cidx implements Device
func (m *MockDevice) Cidx() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cons
}

// Cancel implements Device
func (m *MockDevice) Cancel(tag uint32) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelCalls++
	n := 0
	for i := range m.ring {
		if m.ring[i].Tag == tag && !m.ring[i].flushed {
			m.ring[i].flushed = true
			n++
		}
	}
	return n
}

// SetWritebackHandler implements Device
func (m *MockDevice) SetWritebackHandler(h descq.WritebackHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// Complete writes back up to n published descriptors in ring order with
// their full length and returns how many were written back
func (m *MockDevice) Complete(n int) int {
	return m.writeback(n, nil)
}

// Fail writes back the oldest published descriptor with err
func (m *MockDevice) Fail(err error) int {
	if err == nil {
		err = errors.New("mock transfer error")
	}
	return m.writeback(1, err)
}

func (m *MockDevice) writeback(n int, err error) int {
	m.mu.Lock()
	var wbs []descq.Writeback
	for len(wbs) < n && len(m.ring) > 0 && m.cons != m.pidx {
		d := m.ring[0]
		m.ring = m.ring[1:]
		m.cons++
		wb := descq.Writeback{Tag: d.Tag, Gen: m.gen, Flushed: d.flushed}
		if !d.flushed {
			wb.Len = d.Len
			wb.EOT = d.Flags&descq.FlagEOT != 0
			wb.Err = err
		}
		wbs = append(wbs, wb)
	}
	h := m.handler
	m.mu.Unlock()

	if h != nil && len(wbs) > 0 {
		h(wbs)
	}
	return len(wbs)
}

// Outstanding returns the number of descriptors produced and not yet
// written back
func (m *MockDevice) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ring)
}

// Produced returns every descriptor produced since creation
func (m *MockDevice) Produced() []descq.Chunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]descq.Chunk, len(m.produced))
	copy(out, m.produced)
	return out
}

// CallCounts returns the number of Produce, UpdatePidx and Cancel calls
func (m *MockDevice) CallCounts() (produce, notify, cancel int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.produceCalls, m.notifyCalls, m.cancelCalls
}

// IsClosed returns true if Close was called
func (m *MockDevice) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

var _ descq.Device = (*MockDevice)(nil)
