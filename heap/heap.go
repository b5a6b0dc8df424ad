// Package heap is a first-fit allocator over exactly one arena.
//
// A Heap is constructed unusable and must be bound to an arena with [Heap.Init]
// before any other call. It never grows and never returns memory to the host;
// the only way to reclaim leaked blocks is a fresh Init over a fresh arena.
//
// Bookkeeping lives outside the arena, so every arena byte is allocatable.
// A Heap is not goroutine safe.
package heap

import (
	"math/bits"
	"slices"

	"github.com/ZenLiuCN/kxload/mem"
	"github.com/pkg/errors"
)

const (
	// DefaultAlign is used when Alloc is asked for alignment 0.
	DefaultAlign = 8
)

var (
	// ErrOutOfMemory occurs when no free block can hold a request.
	ErrOutOfMemory = errors.New("out of memory")
	// ErrUninitialized is the panic value of any call before Init.
	ErrUninitialized = errors.New("heap not initialized")
	// ErrAlreadyInitialized is the panic value of a second Init.
	ErrAlreadyInitialized = errors.New("heap already initialized")
	// ErrInvalidFree occurs when freeing an address that is not a live allocation.
	ErrInvalidFree = errors.New("free of unallocated address")
	// ErrBadAlignment occurs when alignment is not a power of two.
	ErrBadAlignment = errors.New("alignment is not a power of two")
)

type (
	span struct {
		addr mem.Addr
		size uint32
	}
	// Stats is a snapshot of heap usage.
	Stats struct {
		Size    uint32 // arena size
		Used    uint32 // bytes in live allocations
		Free    uint32 // bytes in free blocks
		Live    int    // live allocation count
		Largest uint32 // largest free block
	}
	// Heap allocates from one arena.
	Heap struct {
		Name  string
		arena *mem.Arena
		free  []span // address ordered, never adjacent
		live  map[mem.Addr]uint32
		used  uint32
	}
)

// New creates a named, uninitialized heap.
func New(name string) *Heap {
	return &Heap{Name: name}
}

// Init binds the heap to the arena. The whole arena becomes free.
func (h *Heap) Init(a *mem.Arena) {
	if h.arena != nil {
		panic(ErrAlreadyInitialized)
	}
	h.arena = a
	h.free = []span{{a.Base, a.Size}}
	h.live = make(map[mem.Addr]uint32)
	h.used = 0
}

// Initialized reports whether Init was called.
func (h *Heap) Initialized() bool {
	return h.arena != nil
}

func (h *Heap) must() {
	if h.arena == nil {
		panic(ErrUninitialized)
	}
}

// Arena returns the owning arena.
func (h *Heap) Arena() *mem.Arena {
	h.must()
	return h.arena
}

// Alloc reserves size bytes aligned to align. Zero size requests reserve one byte
// so every allocation has a distinct address.
func (h *Heap) Alloc(size, align uint32) (mem.Addr, error) {
	h.must()
	if align == 0 {
		align = DefaultAlign
	}
	if bits.OnesCount32(align) != 1 {
		return mem.Null, errors.Wrapf(ErrBadAlignment, "%d", align)
	}
	if size == 0 {
		size = 1
	}
	for i, s := range h.free {
		start := alignUp(uint64(s.addr), uint64(align))
		end := start + uint64(size)
		if end > uint64(s.addr)+uint64(s.size) {
			continue
		}
		h.carve(i, mem.Addr(start), size)
		h.live[mem.Addr(start)] = size
		h.used += size
		return mem.Addr(start), nil
	}
	return mem.Null, errors.Wrapf(ErrOutOfMemory, "%s: %d bytes aligned %d", h.Name, size, align)
}

// carve removes [at, at+size) from free block i, keeping the head and tail remainders.
func (h *Heap) carve(i int, at mem.Addr, size uint32) {
	s := h.free[i]
	head := span{s.addr, uint32(at - s.addr)}
	tail := span{at + mem.Addr(size), s.size - head.size - size}
	var repl []span
	if head.size > 0 {
		repl = append(repl, head)
	}
	if tail.size > 0 {
		repl = append(repl, tail)
	}
	h.free = slices.Replace(h.free, i, i+1, repl...)
}

// Free returns a live allocation. Freeing mem.Null does nothing.
func (h *Heap) Free(addr mem.Addr) error {
	h.must()
	if addr == mem.Null {
		return nil
	}
	size, ok := h.live[addr]
	if !ok {
		return errors.Wrapf(ErrInvalidFree, "%s: %s", h.Name, addr)
	}
	delete(h.live, addr)
	h.used -= size
	i, _ := slices.BinarySearchFunc(h.free, addr, func(s span, a mem.Addr) int {
		switch {
		case s.addr < a:
			return -1
		case s.addr > a:
			return 1
		}
		return 0
	})
	h.free = slices.Insert(h.free, i, span{addr, size})
	// merge with the following block, then with the preceding one
	if i+1 < len(h.free) && h.free[i].addr+mem.Addr(h.free[i].size) == h.free[i+1].addr {
		h.free[i].size += h.free[i+1].size
		h.free = slices.Delete(h.free, i+1, i+2)
	}
	if i > 0 && h.free[i-1].addr+mem.Addr(h.free[i-1].size) == h.free[i].addr {
		h.free[i-1].size += h.free[i].size
		h.free = slices.Delete(h.free, i, i+1)
	}
	return nil
}

// Size of a live allocation, 0 when addr is not live.
func (h *Heap) Size(addr mem.Addr) uint32 {
	h.must()
	return h.live[addr]
}

// Owns reports whether addr is a live allocation of this heap.
func (h *Heap) Owns(addr mem.Addr) bool {
	h.must()
	_, ok := h.live[addr]
	return ok
}

// Bytes returns the arena bytes of a live allocation.
func (h *Heap) Bytes(addr mem.Addr) []byte {
	h.must()
	size, ok := h.live[addr]
	if !ok {
		return nil
	}
	return h.arena.Slice(addr, size)
}

// Stats returns a usage snapshot.
func (h *Heap) Stats() (s Stats) {
	h.must()
	s.Size = h.arena.Size
	s.Used = h.used
	s.Live = len(h.live)
	for _, f := range h.free {
		s.Free += f.size
		s.Largest = max(s.Largest, f.size)
	}
	return
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}
