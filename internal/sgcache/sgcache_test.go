package sgcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	_, err := New(12)
	assert.Error(t, err)

	c, err := New(8)
	require.NoError(t, err)
	assert.Equal(t, 7, c.Avail())
	assert.Equal(t, 0, c.Outstanding())
}

func TestReserveUntilFull(t *testing.T) {
	c, err := New(4)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		idx, ok := c.Reserve(Entry{Addr: uint64(i) * 4096, Len: 4096})
		require.True(t, ok)
		assert.Equal(t, uint32(i), idx)
	}
	_, ok := c.Reserve(Entry{})
	assert.False(t, ok, "cache keeps one entry unused")
	assert.Equal(t, 0, c.Avail())

	require.NoError(t, c.Release(2))
	assert.Equal(t, 2, c.Avail())
	assert.Equal(t, uint32(2), c.Cidx())

	// Wraps around the end of the ring
	idx, ok := c.Reserve(Entry{Addr: 0xdead})
	require.True(t, ok)
	assert.Equal(t, uint32(3), idx)
	idx, ok = c.Reserve(Entry{Addr: 0xbeef})
	require.True(t, ok)
	assert.Equal(t, uint32(0), idx)
	assert.Equal(t, uint32(1), c.Pidx())
	assert.Equal(t, uint64(0xbeef), c.Entry(0).Addr)
}

func TestLink(t *testing.T) {
	c, err := New(8)
	require.NoError(t, err)

	first, _ := c.Reserve(Entry{Addr: 1})
	prev := first
	for i := 2; i <= 4; i++ {
		idx, ok := c.Reserve(Entry{Addr: uint64(i)})
		require.True(t, ok)
		c.Link(prev, idx)
		prev = idx
	}
	assert.Equal(t, NoNext, c.Entry(prev).Next)

	var addrs []uint64
	for idx := first; idx != NoNext; idx = c.Entry(idx).Next {
		addrs = append(addrs, c.Entry(idx).Addr)
	}
	assert.Equal(t, []uint64{1, 2, 3, 4}, addrs)
}

func TestOverRelease(t *testing.T) {
	c, err := New(4)
	require.NoError(t, err)

	c.Reserve(Entry{})
	assert.ErrorIs(t, c.Release(2), ErrOverRelease)
	assert.Equal(t, 1, c.Outstanding(), "failed release leaves counts untouched")
	assert.ErrorIs(t, c.Release(-1), ErrOverRelease)
	assert.NoError(t, c.Release(1))
}

func TestReset(t *testing.T) {
	c, err := New(4)
	require.NoError(t, err)

	c.Reserve(Entry{Addr: 1})
	c.Reserve(Entry{Addr: 2})
	c.Reset()
	assert.Equal(t, 3, c.Avail())
	assert.Equal(t, uint32(0), c.Pidx())
	assert.Equal(t, uint32(0), c.Cidx())
	assert.Zero(t, c.Entry(0).Addr)
}
