package kxload

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/pkg/errors"
)

// Binary layout of a module file. All integers are big-endian.
//
//	header   40 bytes, see Header
//	reloc    RelocCount entries of 16 bytes: site u32, name u32, addend i32, kind u8, pad [3]
//	strings  NUL-terminated symbol names referenced by reloc name offsets
//	payload  code and data copied to the heap and relocated in place
//
// A reloc name of SelfBase targets the module's own load address.
const (
	Magic        = "KXEM"
	Version      = 1
	HeaderSize   = 40
	RelocSize    = 16
	SelfBase     = 0xFFFFFFFF
	payloadMin   = 4
	defaultAlign = 4
)

// Kind is a relocation kind, numbered as the PowerPC ELF relocations it mirrors.
type Kind uint8

const (
	Addr32   Kind = 1
	Addr16Lo Kind = 4
	Addr16Hi Kind = 5
	Addr16Ha Kind = 6
	Rel24    Kind = 10
	Rel32    Kind = 26
)

var kindNames = map[Kind]string{
	Addr32:   "addr32",
	Addr16Lo: "addr16_lo",
	Addr16Hi: "addr16_hi",
	Addr16Ha: "addr16_ha",
	Rel24:    "rel24",
	Rel32:    "rel32",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Width is how many bytes at the site the kind rewrites.
func (k Kind) Width() uint32 {
	switch k {
	case Addr16Lo, Addr16Hi, Addr16Ha:
		return 2
	case Addr32, Rel24, Rel32:
		return 4
	}
	return 0
}

// ParseKind maps a kind name back to its Kind.
func ParseKind(s string) (Kind, error) {
	for k, n := range kindNames {
		if n == s {
			return k, nil
		}
	}
	return 0, errors.Errorf("unknown relocation kind %q", s)
}

type (
	// Header is the fixed module header.
	Header struct {
		Magic      [4]byte
		Version    uint16
		Align      uint16
		PayloadOff uint32
		PayloadLen uint32
		BSS        uint32
		Prologue   uint32
		RelocOff   uint32
		RelocCount uint32
		StrOff     uint32
		StrLen     uint32
	}
	// Reloc is one decoded relocation entry.
	Reloc struct {
		Symbol string // empty for a self-base relocation
		Site   uint32
		Addend int32
		Kind   Kind
	}
	// File is a parsed and validated module image.
	File struct {
		Header
		Relocs  []Reloc
		Payload []byte
	}
)

// MemSize is the payload plus bss, never less than one word.
func (h *Header) MemSize() uint32 {
	return max(h.PayloadLen+h.BSS, payloadMin)
}

// Alignment of the payload in memory.
func (h *Header) Alignment() uint32 {
	if h.Align == 0 {
		return defaultAlign
	}
	return uint32(h.Align)
}

// Imports lists symbol names referenced by relocations, first use order, no duplicates.
func (f *File) Imports() (o []string) {
	seen := make(map[string]struct{})
	for _, r := range f.Relocs {
		if r.Symbol == "" {
			continue
		}
		if _, ok := seen[r.Symbol]; ok {
			continue
		}
		seen[r.Symbol] = struct{}{}
		o = append(o, r.Symbol)
	}
	return
}

func within(off, n uint32, total int) bool {
	return uint64(off)+uint64(n) <= uint64(total)
}

// Parse validates an image and decodes it. It never modifies image.
func Parse(image []byte) (f *File, err error) {
	if len(image) < HeaderSize {
		return nil, errors.Errorf("header: image of %d bytes is shorter than %d", len(image), HeaderSize)
	}
	f = new(File)
	h := &f.Header
	if err = binary.Read(bytes.NewReader(image[:HeaderSize]), binary.BigEndian, h); err != nil {
		return nil, errors.Wrap(err, "header")
	}
	switch {
	case string(h.Magic[:]) != Magic:
		return nil, errors.Errorf("header: bad magic %q, want %q", h.Magic[:], Magic)
	case h.Version != Version:
		return nil, errors.Errorf("header: unsupported version %d, want %d", h.Version, Version)
	case h.Align != 0 && bits.OnesCount16(h.Align) != 1:
		return nil, errors.Errorf("header: alignment %d is not a power of two", h.Align)
	case !within(h.PayloadOff, h.PayloadLen, len(image)):
		return nil, errors.Errorf("header: payload %#x+%#x outside image of %#x bytes", h.PayloadOff, h.PayloadLen, len(image))
	case uint64(h.PayloadLen)+uint64(h.BSS) > 1<<31:
		return nil, errors.Errorf("header: payload and bss of %#x+%#x too large", h.PayloadLen, h.BSS)
	case h.Prologue%4 != 0 || uint64(h.Prologue)+4 > uint64(h.PayloadLen):
		return nil, errors.Errorf("header: prologue %#x outside payload of %#x bytes", h.Prologue, h.PayloadLen)
	case uint64(h.RelocCount)*RelocSize > uint64(len(image)) || !within(h.RelocOff, h.RelocCount*RelocSize, len(image)):
		return nil, errors.Errorf("header: %d relocations at %#x outside image", h.RelocCount, h.RelocOff)
	case !within(h.StrOff, h.StrLen, len(image)):
		return nil, errors.Errorf("header: string table %#x+%#x outside image", h.StrOff, h.StrLen)
	}
	f.Payload = image[h.PayloadOff : h.PayloadOff+h.PayloadLen]
	strs := image[h.StrOff : h.StrOff+h.StrLen]
	f.Relocs = make([]Reloc, h.RelocCount)
	for i := range f.Relocs {
		e := image[h.RelocOff+uint32(i)*RelocSize:][:RelocSize]
		r := &f.Relocs[i]
		r.Site = binary.BigEndian.Uint32(e[0:])
		name := binary.BigEndian.Uint32(e[4:])
		r.Addend = int32(binary.BigEndian.Uint32(e[8:]))
		r.Kind = Kind(e[12])
		w := r.Kind.Width()
		if w == 0 {
			return nil, errors.Errorf("relocation %d: unknown %s", i, r.Kind)
		}
		if uint64(r.Site)+uint64(w) > uint64(h.MemSize()) {
			return nil, errors.Errorf("relocation %d: site %#x outside module of %#x bytes", i, r.Site, h.MemSize())
		}
		if name == SelfBase {
			continue
		}
		if name >= uint32(len(strs)) {
			return nil, errors.Errorf("relocation %d: name offset %#x outside string table", i, name)
		}
		end := bytes.IndexByte(strs[name:], 0)
		if end <= 0 {
			return nil, errors.Errorf("relocation %d: bad symbol name at %#x", i, name)
		}
		r.Symbol = string(strs[name : name+uint32(end)])
	}
	return
}

// Builder assembles a module image.
type Builder struct {
	Payload  []byte
	BSS      uint32
	Prologue uint32
	Align    uint16
	Relocs   []Reloc
	// Version and Magic override the defaults when set, for producing bad images.
	Version uint16
	Magic   string
}

// Word appends a big-endian instruction or datum to the payload and returns its offset.
func (b *Builder) Word(w uint32) uint32 {
	off := uint32(len(b.Payload))
	b.Payload = binary.BigEndian.AppendUint32(b.Payload, w)
	return off
}

// Reloc appends a relocation against symbol ("" for the module base).
func (b *Builder) Reloc(symbol string, site uint32, kind Kind, addend int32) {
	b.Relocs = append(b.Relocs, Reloc{Symbol: symbol, Site: site, Kind: kind, Addend: addend})
}

// Bytes encodes the module: header, relocations, strings, payload.
func (b *Builder) Bytes() []byte {
	var strs []byte
	offs := make(map[string]uint32)
	for _, r := range b.Relocs {
		if _, ok := offs[r.Symbol]; r.Symbol == "" || ok {
			continue
		}
		offs[r.Symbol] = uint32(len(strs))
		strs = append(append(strs, r.Symbol...), 0)
	}
	h := Header{
		Version:    b.Version,
		Align:      b.Align,
		PayloadLen: uint32(len(b.Payload)),
		BSS:        b.BSS,
		Prologue:   b.Prologue,
		RelocOff:   HeaderSize,
		RelocCount: uint32(len(b.Relocs)),
	}
	if h.Version == 0 {
		h.Version = Version
	}
	magic := b.Magic
	if magic == "" {
		magic = Magic
	}
	copy(h.Magic[:], magic)
	h.StrOff = h.RelocOff + h.RelocCount*RelocSize
	h.StrLen = uint32(len(strs))
	h.PayloadOff = h.StrOff + h.StrLen
	out := new(bytes.Buffer)
	_ = binary.Write(out, binary.BigEndian, &h)
	for _, r := range b.Relocs {
		name := uint32(SelfBase)
		if r.Symbol != "" {
			name = offs[r.Symbol]
		}
		var e [RelocSize]byte
		binary.BigEndian.PutUint32(e[0:], r.Site)
		binary.BigEndian.PutUint32(e[4:], name)
		binary.BigEndian.PutUint32(e[8:], uint32(r.Addend))
		e[12] = byte(r.Kind)
		out.Write(e[:])
	}
	out.Write(strs)
	out.Write(b.Payload)
	return out.Bytes()
}
