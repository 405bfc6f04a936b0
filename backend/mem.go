// Package backend provides DMA memory regions for the simulated descriptor ring
package backend

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ehrlich-b/go-qdma/internal/interfaces"
)

// ErrOutOfRange is returned for an access outside the region
var ErrOutOfRange = errors.New("bus address out of range")

// Memory is a RAM-backed DMA region. Offsets are bus addresses relative to
// the region base.
type Memory struct {
	data []byte
	size int64
	mu   sync.RWMutex

	reads  uint64
	writes uint64
}

// NewMemory creates a new memory region of the specified size
func NewMemory(size int64) *Memory {
	return &Memory{
		data: make([]byte, size),
		size: size,
	}
}

// ReadAt implements the Backend interface. A read must lie entirely inside
// the region; DMA engines do not perform short reads.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if off < 0 || off+int64(len(p)) > m.size {
		return 0, fmt.Errorf("%w: read [%d, %d) size %d", ErrOutOfRange, off, off+int64(len(p)), m.size)
	}

	m.reads++
	return copy(p, m.data[off:off+int64(len(p))]), nil
}

// WriteAt implements the Backend interface
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if off < 0 || off+int64(len(p)) > m.size {
		return 0, fmt.Errorf("%w: write [%d, %d) size %d", ErrOutOfRange, off, off+int64(len(p)), m.size)
	}

	m.writes++
	return copy(m.data[off:off+int64(len(p))], p), nil
}

// Size implements the Backend interface
func (m *Memory) Size() int64 {
	return m.size
}

// Close implements the Backend interface
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Clear the data to help with GC
	m.data = nil
	m.size = 0
	return nil
}

// Fill writes a repeating pattern derived from seed into [off, off+n)
func (m *Memory) Fill(off, n int64, seed byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if off < 0 || off+n > m.size {
		return fmt.Errorf("%w: fill [%d, %d) size %d", ErrOutOfRange, off, off+n, m.size)
	}
	for i := int64(0); i < n; i++ {
		m.data[off+i] = seed + byte(i)
	}
	return nil
}

// Stats implements the StatBackend interface
func (m *Memory) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"type":   "memory",
		"size":   m.size,
		"reads":  m.reads,
		"writes": m.writes,
	}
}

// Compile-time interface checks
var (
	_ interfaces.Backend     = (*Memory)(nil)
	_ interfaces.StatBackend = (*Memory)(nil)
)
