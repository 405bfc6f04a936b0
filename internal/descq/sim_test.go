package descq

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-qdma/backend"
)

type recorder struct {
	mu  sync.Mutex
	wbs []Writeback
}

func (r *recorder) handle(wbs []Writeback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wbs = append(r.wbs, wbs...)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.wbs)
}

func newManualSim(t *testing.T, cfg SimConfig) (*Sim, *recorder) {
	t.Helper()
	cfg.Manual = true
	if cfg.Host == nil {
		cfg.Host = backend.NewMemory(1 << 20)
	}
	if cfg.Mode == ModeMM && cfg.Card == nil {
		cfg.Card = backend.NewMemory(1 << 20)
	}
	s, err := NewSim(cfg)
	require.NoError(t, err)
	rec := &recorder{}
	s.SetWritebackHandler(rec.handle)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Close() })
	return s, rec
}

func TestNewSimValidation(t *testing.T) {
	host := backend.NewMemory(4096)

	_, err := NewSim(SimConfig{Config: Config{Depth: 6}, Host: host})
	assert.ErrorIs(t, err, ErrInvalidDepth)

	_, err = NewSim(SimConfig{Config: Config{Depth: 8, Mode: ModeST, Dir: DirC2H, BufSize: 100}, Host: host})
	assert.ErrorIs(t, err, ErrInvalidBufSize)

	_, err = NewSim(SimConfig{Config: Config{Depth: 8, Mode: ModeMM}, Host: host})
	assert.Error(t, err, "memory-mapped ring without card memory")

	_, err = NewSim(SimConfig{Config: Config{Depth: 8, Mode: ModeST}})
	assert.Error(t, err, "ring without host memory")
}

func TestSimMMH2C(t *testing.T) {
	host := backend.NewMemory(1 << 16)
	card := backend.NewMemory(1 << 16)
	s, rec := newManualSim(t, SimConfig{
		Config: Config{Depth: 8, Mode: ModeMM, Dir: DirH2C},
		Host:   host,
		Card:   card,
	})

	require.NoError(t, host.Fill(0x100, 512, 7))

	n, err := s.Produce([]Chunk{
		{Tag: 3, Addr: 0x100, EPAddr: 0x2000, Len: 256, Flags: FlagSOP},
		{Tag: 3, Addr: 0x200, EPAddr: 0x2100, Len: 256, Flags: FlagEOP},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, uint32(2), s.Pidx())

	// Nothing runs until the producer index is published
	assert.Equal(t, 0, s.Process(10))
	s.UpdatePidx(s.Pidx())
	assert.Equal(t, 2, s.Process(10))
	assert.Equal(t, uint32(2), s.Cidx())

	require.Equal(t, 2, rec.len())
	for _, wb := range rec.wbs {
		assert.Equal(t, uint32(3), wb.Tag)
		assert.Equal(t, s.Generation(), wb.Gen)
		assert.Equal(t, uint64(256), wb.Len)
		assert.NoError(t, wb.Err)
	}

	want := make([]byte, 512)
	got := make([]byte, 512)
	host.ReadAt(want, 0x100)
	card.ReadAt(got, 0x2000)
	assert.Equal(t, want, got)
}

func TestSimMMC2H(t *testing.T) {
	host := backend.NewMemory(1 << 16)
	card := backend.NewMemory(1 << 16)
	s, _ := newManualSim(t, SimConfig{
		Config: Config{Depth: 4, Mode: ModeMM, Dir: DirC2H},
		Host:   host,
		Card:   card,
	})

	require.NoError(t, card.Fill(0, 100, 1))
	_, err := s.Produce([]Chunk{{Addr: 0x400, EPAddr: 0, Len: 100}})
	require.NoError(t, err)
	s.UpdatePidx(s.Pidx())
	s.Run()

	got := make([]byte, 100)
	host.ReadAt(got, 0x400)
	assert.Equal(t, byte(1), got[0])
	assert.Equal(t, byte(100), got[99])
}

func TestSimProduceAllOrNothing(t *testing.T) {
	s, _ := newManualSim(t, SimConfig{Config: Config{Depth: 4, Mode: ModeST, Dir: DirH2C}})

	assert.Equal(t, 3, s.Available())
	_, err := s.Produce(make([]Chunk, 4))
	assert.ErrorIs(t, err, ErrRingFull)
	assert.Equal(t, 3, s.Available())

	_, err = s.Produce(make([]Chunk, 3))
	require.NoError(t, err)
	assert.Equal(t, 0, s.Available())

	s.UpdatePidx(s.Pidx())
	s.Process(2)
	assert.Equal(t, 2, s.Available())
}

func TestSimUpdatePidxClamped(t *testing.T) {
	s, _ := newManualSim(t, SimConfig{Config: Config{Depth: 8, Mode: ModeST, Dir: DirH2C}})

	_, err := s.Produce(make([]Chunk, 2))
	require.NoError(t, err)

	s.UpdatePidx(6)
	assert.Equal(t, 2, s.Pending())
	assert.Equal(t, uint32(1), s.Kicks())

	// A stale index never hides descriptors already published
	s.UpdatePidx(1)
	assert.Equal(t, 2, s.Pending())

	_, err = s.Produce(make([]Chunk, 2))
	require.NoError(t, err)
	s.UpdatePidx(3)
	assert.Equal(t, 3, s.Pending())
	assert.Equal(t, 3, s.Process(10))
}

func TestSimStreamH2C(t *testing.T) {
	host := backend.NewMemory(1 << 16)
	var sink bytes.Buffer
	s, rec := newManualSim(t, SimConfig{
		Config: Config{Depth: 8, Mode: ModeST, Dir: DirH2C},
		Host:   host,
		Sink:   &sink,
	})
	host.WriteAt([]byte("hello, "), 0)
	host.WriteAt([]byte("world"), 0x1000)

	_, err := s.Produce([]Chunk{
		{Tag: 1, Addr: 0, Len: 7},
		{Tag: 1, Addr: 0x1000, Len: 5, Flags: FlagEOT},
	})
	require.NoError(t, err)
	s.UpdatePidx(s.Pidx())
	s.Run()

	assert.Equal(t, "hello, world", sink.String())
	require.Equal(t, 2, rec.len())
	assert.False(t, rec.wbs[0].EOT)
	assert.True(t, rec.wbs[1].EOT)
}

func TestSimStreamC2HEndOfTransfer(t *testing.T) {
	page := uint32(unix.Getpagesize())
	host := backend.NewMemory(1 << 20)
	src := bytes.NewReader(bytes.Repeat([]byte{0xab}, int(page)+10))
	s, rec := newManualSim(t, SimConfig{
		Config: Config{Depth: 8, Mode: ModeST, Dir: DirC2H, BufSize: page},
		Host:   host,
		Source: src,
	})

	chunks := []Chunk{
		{Tag: 0, Addr: 0, Len: uint64(page)},
		{Tag: 0, Addr: uint64(page), Len: uint64(page)},
		{Tag: 0, Addr: 2 * uint64(page), Len: uint64(page)},
	}
	_, err := s.Produce(chunks)
	require.NoError(t, err)
	s.UpdatePidx(s.Pidx())
	s.Run()

	require.Equal(t, 3, rec.len())
	assert.Equal(t, uint64(page), rec.wbs[0].Len)
	assert.False(t, rec.wbs[0].EOT)
	assert.Equal(t, uint64(10), rec.wbs[1].Len)
	assert.True(t, rec.wbs[1].EOT)
	assert.Equal(t, uint64(0), rec.wbs[2].Len)
	assert.True(t, rec.wbs[2].EOT)
}

func TestSimCancelFlushes(t *testing.T) {
	s, rec := newManualSim(t, SimConfig{Config: Config{Depth: 8, Mode: ModeST, Dir: DirH2C}})

	_, err := s.Produce([]Chunk{
		{Tag: 1, Len: 64},
		{Tag: 2, Len: 64},
		{Tag: 1, Len: 64},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, s.Cancel(1))
	assert.Equal(t, 0, s.Cancel(1), "already flushed")

	s.UpdatePidx(s.Pidx())
	s.Run()

	require.Equal(t, 3, rec.len())
	assert.True(t, rec.wbs[0].Flushed)
	assert.False(t, rec.wbs[1].Flushed)
	assert.Equal(t, uint64(64), rec.wbs[1].Len)
	assert.True(t, rec.wbs[2].Flushed)
	assert.Zero(t, rec.wbs[2].Len)
}

func TestSimInjectFault(t *testing.T) {
	s, rec := newManualSim(t, SimConfig{Config: Config{Depth: 8, Mode: ModeST, Dir: DirH2C}})
	errBus := errors.New("bus error")

	s.InjectFault(2, errBus)
	_, err := s.Produce(make([]Chunk, 3))
	require.NoError(t, err)
	s.UpdatePidx(s.Pidx())
	s.Run()

	require.Equal(t, 3, rec.len())
	assert.NoError(t, rec.wbs[0].Err)
	assert.ErrorIs(t, rec.wbs[1].Err, errBus)
	assert.NoError(t, rec.wbs[2].Err)
}

func TestSimMemoryFault(t *testing.T) {
	host := backend.NewMemory(128)
	s, rec := newManualSim(t, SimConfig{
		Config: Config{Depth: 4, Mode: ModeST, Dir: DirH2C},
		Host:   host,
	})

	_, err := s.Produce([]Chunk{{Addr: 64, Len: 128}})
	require.NoError(t, err)
	s.UpdatePidx(s.Pidx())
	s.Run()

	require.Equal(t, 1, rec.len())
	assert.ErrorIs(t, rec.wbs[0].Err, backend.ErrOutOfRange)
	assert.Zero(t, rec.wbs[0].Len)
}

func TestSimStopStart(t *testing.T) {
	s, rec := newManualSim(t, SimConfig{Config: Config{Depth: 8, Mode: ModeST, Dir: DirH2C}})
	gen := s.Generation()

	_, err := s.Produce(make([]Chunk, 4))
	require.NoError(t, err)
	s.UpdatePidx(s.Pidx())

	require.NoError(t, s.Stop())
	assert.Equal(t, 0, s.Available())
	assert.Equal(t, 0, s.Process(10))
	_, err = s.Produce(make([]Chunk, 1))
	assert.ErrorIs(t, err, ErrStopped)

	require.NoError(t, s.Start())
	assert.Equal(t, gen+1, s.Generation())
	assert.Equal(t, 7, s.Available())
	assert.Equal(t, uint32(0), s.Pidx())
	assert.Equal(t, uint32(0), s.Cidx())
	assert.Equal(t, 0, rec.len(), "descriptors produced before Stop never write back")
}

func TestSimServiceLoop(t *testing.T) {
	host := backend.NewMemory(1 << 16)
	s, err := NewSim(SimConfig{
		Config: Config{Depth: 16, Mode: ModeST, Dir: DirH2C},
		Host:   host,
	})
	require.NoError(t, err)
	defer s.Close()

	done := make(chan struct{})
	var mu sync.Mutex
	seen := 0
	s.SetWritebackHandler(func(wbs []Writeback) {
		mu.Lock()
		defer mu.Unlock()
		seen += len(wbs)
		if seen == 5 {
			close(done)
		}
	})
	require.NoError(t, s.Start())

	_, err = s.Produce(make([]Chunk, 5))
	require.NoError(t, err)
	s.UpdatePidx(s.Pidx())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("service loop did not process descriptors")
	}
}

func TestSimRestartRetiresServiceLoop(t *testing.T) {
	host := backend.NewMemory(1 << 20)
	s, err := NewSim(SimConfig{
		Config: Config{Depth: 64, Mode: ModeST, Dir: DirH2C},
		Host:   host,
	})
	require.NoError(t, err)
	defer s.Close()

	var (
		mu        sync.Mutex
		active    int
		maxActive int
		tags      []uint32
	)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	s.SetWritebackHandler(func(wbs []Writeback) {
		mu.Lock()
		active++
		maxActive = max(maxActive, active)
		mu.Unlock()

		blocked := false
		once.Do(func() { blocked = true })
		if blocked {
			close(entered)
			<-release
		}

		mu.Lock()
		active--
		for _, wb := range wbs {
			if wb.Gen == s.Generation() {
				tags = append(tags, wb.Tag)
			}
		}
		mu.Unlock()
	})
	require.NoError(t, s.Start())

	// Park the first service loop inside the handler
	_, err = s.Produce([]Chunk{{Tag: 999, Len: 64}})
	require.NoError(t, err)
	s.UpdatePidx(s.Pidx())
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("service loop did not deliver")
	}

	require.NoError(t, s.Stop())
	require.NoError(t, s.Start())

	chunks := make([]Chunk, 60)
	for i := range chunks {
		chunks[i] = Chunk{Tag: uint32(i), Addr: uint64(i) * 64, Len: 64}
	}
	_, err = s.Produce(chunks)
	require.NoError(t, err)
	s.UpdatePidx(s.Pidx())
	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(tags) == 60
	}, 2*time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxActive, "write-backs delivered from one context at a time")
	for i, tag := range tags {
		assert.Equal(t, uint32(i), tag)
	}
}
