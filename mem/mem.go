// Package mem models the single shared address space of the target: a set of
// non-overlapping arenas addressed by 32-bit big-endian words.
package mem

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/pkg/errors"
)

type (
	// Addr is a target address. Zero is the null address and is never mapped.
	Addr uint32
	// Backing selects how an arena's bytes are provisioned.
	Backing string
)

const (
	Null Addr = 0
	// BackingStatic uses a Go byte slice.
	BackingStatic Backing = "static"
	// BackingMmap uses an anonymous private mapping where the platform has one.
	BackingMmap Backing = "mmap"
	// MaxCString bounds CString reads.
	MaxCString = 256
)

var (
	ErrUnmapped  = errors.New("address not mapped")
	ErrOverlap   = errors.New("arena overlaps a mapped arena")
	ErrNullArena = errors.New("arena at null address")
	ErrEmpty     = errors.New("arena of zero size")
	ErrBacking   = errors.New("unknown arena backing")
)

func (a Addr) String() string {
	return fmt.Sprintf("%#08x", uint32(a))
}

// Arena is a contiguous memory extent. It outlives every allocator built on it.
type Arena struct {
	Base    Addr
	Size    uint32
	Backing Backing
	data    []byte
	release func([]byte) error
}

// NewArena provisions size bytes at base.
func NewArena(base Addr, size uint32, backing Backing) (a *Arena, err error) {
	if base == Null {
		return nil, ErrNullArena
	}
	if size == 0 {
		return nil, ErrEmpty
	}
	if uint64(base)+uint64(size) > 1<<32 {
		return nil, errors.Errorf("arena %s+%#x exceeds the address space", base, size)
	}
	a = &Arena{Base: base, Size: size, Backing: backing}
	switch backing {
	case BackingStatic, "":
		a.Backing = BackingStatic
		a.data = make([]byte, size)
	case BackingMmap:
		if a.data, a.release, err = mapAnon(int(size)); err != nil {
			return nil, errors.Wrapf(err, "map arena %s", base)
		}
	default:
		return nil, errors.Wrapf(ErrBacking, "%q", backing)
	}
	return
}

// End is the first address past the arena.
func (a *Arena) End() uint64 {
	return uint64(a.Base) + uint64(a.Size)
}

// Contains reports whether [addr, addr+n) lies inside the arena.
func (a *Arena) Contains(addr Addr, n uint32) bool {
	return addr >= a.Base && uint64(addr)+uint64(n) <= a.End()
}

// Slice returns the arena bytes backing [addr, addr+n).
func (a *Arena) Slice(addr Addr, n uint32) []byte {
	off := addr - a.Base
	return a.data[off : off+Addr(n) : off+Addr(n)]
}

// Release unmaps the backing. The arena must not be used afterwards.
func (a *Arena) Release() error {
	if a.release == nil || a.data == nil {
		a.data = nil
		return nil
	}
	err := a.release(a.data)
	a.data = nil
	return err
}

func (a *Arena) overlaps(b *Arena) bool {
	return uint64(a.Base) < b.End() && uint64(b.Base) < a.End()
}

// Space is the shared address space. Not goroutine safe.
type Space struct {
	arenas []*Arena
}

// Map adds an arena to the space.
func (s *Space) Map(a *Arena) error {
	if a.Base == Null {
		return ErrNullArena
	}
	for _, x := range s.arenas {
		if x.overlaps(a) {
			return errors.Wrapf(ErrOverlap, "%s+%#x with %s+%#x", a.Base, a.Size, x.Base, x.Size)
		}
	}
	i, _ := slices.BinarySearchFunc(s.arenas, a.Base, func(x *Arena, b Addr) int {
		return cmp.Compare(x.Base, b)
	})
	s.arenas = slices.Insert(s.arenas, i, a)
	return nil
}

// Arenas returns the mapped arenas in address order.
func (s *Space) Arenas() []*Arena {
	return slices.Clone(s.arenas)
}

func (s *Space) find(addr Addr, n uint32) *Arena {
	for _, a := range s.arenas {
		if a.Contains(addr, n) {
			return a
		}
	}
	return nil
}

// Mapped reports whether [addr, addr+n) lies inside one arena.
func (s *Space) Mapped(addr Addr, n uint32) bool {
	return s.find(addr, n) != nil
}

// Bytes returns the memory at [addr, addr+n). The range must not span arenas.
func (s *Space) Bytes(addr Addr, n uint32) ([]byte, error) {
	a := s.find(addr, n)
	if a == nil {
		return nil, errors.Wrapf(ErrUnmapped, "%s+%#x", addr, n)
	}
	return a.Slice(addr, n), nil
}

func (s *Space) Read32(addr Addr) (uint32, error) {
	b, err := s.Bytes(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (s *Space) Write32(addr Addr, v uint32) error {
	b, err := s.Bytes(addr, 4)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(b, v)
	return nil
}

// CString reads a NUL-terminated string of at most MaxCString bytes.
func (s *Space) CString(addr Addr) (string, error) {
	a := s.find(addr, 1)
	if a == nil {
		return "", errors.Wrapf(ErrUnmapped, "string at %s", addr)
	}
	n := uint32(min(a.End()-uint64(addr), MaxCString))
	b := a.Slice(addr, n)
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), nil
		}
	}
	return "", errors.Errorf("unterminated string at %s", addr)
}
