package kxload

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/ZenLiuCN/kxload/heap"
	"github.com/ZenLiuCN/kxload/mem"
	"github.com/ZenLiuCN/kxload/patch"
	"github.com/pkg/errors"
)

type (
	// LoadError is why one module failed to link.
	LoadError struct {
		Module string
		Symbol string // set when a relocation target is unresolved
		Reason error
	}
	// Linker turns module images into linked modules, one at a time.
	Linker struct {
		Symbols *Symbols
		Logger  *slog.Logger
	}
)

func (e *LoadError) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("load %s: unresolved symbol %q: %v", e.Module, e.Symbol, e.Reason)
	}
	return fmt.Sprintf("load %s: %v", e.Module, e.Reason)
}

func (e *LoadError) Unwrap() error { return e.Reason }

// NewLinker creates a Linker resolving against s.
func NewLinker(s *Symbols, logger *slog.Logger) *Linker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Linker{Symbols: s, Logger: logger}
}

// Link validates image, copies its payload into h, applies every relocation and
// locates the prologue. On failure nothing stays allocated in h.
//
// Link never returns a Module with a null prologue; callers still check.
func (l *Linker) Link(name string, image []byte, h *heap.Heap) (m *Module, err error) {
	f, err := Parse(image)
	if err != nil {
		return nil, &LoadError{Module: name, Reason: err}
	}
	size := f.MemSize()
	base, err := h.Alloc(size, f.Alignment())
	if err != nil {
		return nil, &LoadError{Module: name, Reason: err}
	}
	data := h.Bytes(base)
	clear(data[copy(data, f.Payload):])
	for i, r := range f.Relocs {
		target := base
		if r.Symbol != "" {
			var ok bool
			if target, ok = l.Symbols.Resolve(r.Symbol); !ok {
				_ = h.Free(base)
				return nil, &LoadError{Module: name, Symbol: r.Symbol, Reason: ErrMissingSymbol}
			}
		}
		if err = apply(data, base, r, target); err != nil {
			_ = h.Free(base)
			return nil, &LoadError{Module: name, Symbol: r.Symbol, Reason: errors.Wrapf(err, "relocation %d (%s at %#x)", i, r.Kind, r.Site)}
		}
		l.Logger.Debug("relocated", "module", name, "kind", r.Kind, "site", base+mem.Addr(r.Site), "symbol", r.Symbol, "value", target)
	}
	m = &Module{
		Name:     name,
		Base:     base,
		Size:     size,
		Prologue: base + mem.Addr(f.Prologue),
		Imports:  f.Imports(),
		heap:     h,
	}
	l.Logger.Debug("linked", "module", name, "base", base, "size", size, "prologue", m.Prologue, "relocs", len(f.Relocs))
	return
}

// apply writes one relocation into data, loaded at base.
func apply(data []byte, base mem.Addr, r Reloc, target mem.Addr) error {
	site := base + mem.Addr(r.Site)
	v := uint32(int64(target) + int64(r.Addend))
	b := data[r.Site:]
	switch r.Kind {
	case Addr32:
		binary.BigEndian.PutUint32(b, v)
	case Addr16Lo:
		binary.BigEndian.PutUint16(b, uint16(v))
	case Addr16Hi:
		binary.BigEndian.PutUint16(b, uint16(v>>16))
	case Addr16Ha:
		binary.BigEndian.PutUint16(b, uint16((v+0x8000)>>16))
	case Rel32:
		binary.BigEndian.PutUint32(b, v-uint32(site))
	case Rel24:
		insn, err := patch.SetDisplacement(binary.BigEndian.Uint32(b), site, mem.Addr(v))
		if err != nil {
			return err
		}
		binary.BigEndian.PutUint32(b, insn)
	default:
		return errors.Errorf("unsupported %s", r.Kind)
	}
	return nil
}
