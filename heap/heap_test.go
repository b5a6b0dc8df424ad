package heap

import (
	"math/rand"
	"testing"

	"github.com/ZenLiuCN/fn"
	"github.com/ZenLiuCN/kxload/mem"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHeap(t *testing.T, base mem.Addr, size uint32) *Heap {
	t.Helper()
	h := New("test")
	h.Init(fn.Panic1(mem.NewArena(base, size, mem.BackingStatic)))
	return h
}

func TestUninitialized(t *testing.T) {
	h := New("idle")
	assert.False(t, h.Initialized())
	assert.PanicsWithValue(t, ErrUninitialized, func() { _, _ = h.Alloc(8, 0) })
	assert.PanicsWithValue(t, ErrUninitialized, func() { _ = h.Free(0x100) })
	assert.PanicsWithValue(t, ErrUninitialized, func() { h.Stats() })
}

func TestInitTwice(t *testing.T) {
	h := newHeap(t, 0x1000, 0x100)
	a := fn.Panic1(mem.NewArena(0x2000, 0x100, mem.BackingStatic))
	assert.PanicsWithValue(t, ErrAlreadyInitialized, func() { h.Init(a) })
}

func TestAllocAlignment(t *testing.T) {
	h := newHeap(t, 0x1001, 0x200)
	a, err := h.Alloc(3, 1)
	require.NoError(t, err)
	assert.Equal(t, mem.Addr(0x1001), a)
	b, err := h.Alloc(16, 32)
	require.NoError(t, err)
	assert.Zero(t, uint32(b)%32)
	_, err = h.Alloc(4, 3)
	assert.True(t, errors.Is(err, ErrBadAlignment))

	s := h.Stats()
	assert.Equal(t, s.Size, s.Used+s.Free)
	assert.Equal(t, 2, s.Live)
}

func TestOutOfMemory(t *testing.T) {
	h := newHeap(t, 0x1000, 64)
	a, err := h.Alloc(64, 4)
	require.NoError(t, err)
	n, err := h.Alloc(1, 1)
	assert.True(t, errors.Is(err, ErrOutOfMemory))
	assert.Equal(t, mem.Null, n)
	require.NoError(t, h.Free(a))
	_, err = h.Alloc(64, 4)
	require.NoError(t, err)
}

func TestRoundTrip(t *testing.T) {
	h := newHeap(t, 0x1000, 256)
	a, err := h.Alloc(200, 8)
	require.NoError(t, err)
	require.NoError(t, h.Free(a))
	for _, n := range []uint32{200, 128, 1} {
		b, err := h.Alloc(n, 8)
		require.NoError(t, err, "size %d", n)
		require.NoError(t, h.Free(b))
	}
	s := h.Stats()
	assert.Equal(t, uint32(256), s.Largest, "free blocks coalesced")
	assert.Zero(t, s.Used)
}

func TestFreeInvalid(t *testing.T) {
	h := newHeap(t, 0x1000, 64)
	assert.NoError(t, h.Free(mem.Null))
	assert.True(t, errors.Is(h.Free(0x1010), ErrInvalidFree))
	a, _ := h.Alloc(8, 8)
	require.NoError(t, h.Free(a))
	assert.True(t, errors.Is(h.Free(a), ErrInvalidFree), "double free")
}

func TestBytesView(t *testing.T) {
	h := newHeap(t, 0x1000, 64)
	a, err := h.Alloc(4, 4)
	require.NoError(t, err)
	copy(h.Bytes(a), []byte{1, 2, 3, 4})
	assert.Equal(t, []byte{1, 2, 3, 4}, h.Arena().Slice(a, 4))
	assert.Nil(t, h.Bytes(a+1))
	assert.True(t, h.Owns(a))
	assert.Equal(t, uint32(4), h.Size(a))
}

func TestNoOverlap(t *testing.T) {
	const size = 4096
	h := newHeap(t, 0x8000, size)
	r := rand.New(rand.NewSource(7))
	live := map[mem.Addr]uint32{}
	for i := 0; i < 2000; i++ {
		if len(live) > 0 && r.Intn(3) == 0 {
			for a := range live {
				require.NoError(t, h.Free(a))
				delete(live, a)
				break
			}
			continue
		}
		n := uint32(r.Intn(96) + 1)
		a, err := h.Alloc(n, 1<<r.Intn(5))
		if errors.Is(err, ErrOutOfMemory) {
			continue
		}
		require.NoError(t, err)
		require.True(t, h.Arena().Contains(a, n))
		for b, m := range live {
			require.False(t, a < b+mem.Addr(m) && b < a+mem.Addr(n), "overlap %s %s", a, b)
		}
		live[a] = n
	}
	s := h.Stats()
	assert.Equal(t, s.Size, s.Used+s.Free)
	assert.Equal(t, len(live), s.Live)
}
