package kxload

import (
	"slices"

	"github.com/ZenLiuCN/fn"
	"github.com/ZenLiuCN/kxload/heap"
	"github.com/ZenLiuCN/kxload/mem"
	"github.com/pkg/errors"
)

// tableHeader is the fixed block Init reserves for the registry itself.
const tableHeader = 64

type (
	// Entry is one registered symbol.
	Entry struct {
		Name      string
		Addr      mem.Addr
		Signature string   // optional, diagnostics only
		name      mem.Addr // NUL-terminated copy in the backing heap
	}
	// Symbols is the name to address registry every module links against.
	//
	// Use Steps:
	//
	//	1. NewSymbols to construct an unusable registry.
	//	2. [Symbols.Init] once, binding it to the heap its storage comes from.
	//	3. Register and Resolve.
	//
	// Any call before Init panics with ErrUninitialized. Not goroutine safe.
	Symbols struct {
		heap    *heap.Heap
		table   mem.Addr
		entries map[string]*Entry
	}
)

var (
	// ErrMissingSymbol occurs when a name was never registered.
	ErrMissingSymbol = errors.New("missing symbol")
	// ErrAlreadyInitialized is the panic value of a second Init.
	ErrAlreadyInitialized = errors.New("symbols already initialized")
	// ErrUninitialized is the panic value of any use before Init.
	ErrUninitialized = errors.New("symbols not initialized")
)

// NewSymbols creates a registry that must be initialized before use.
func NewSymbols() *Symbols {
	return new(Symbols)
}

// Init binds the registry to h and reserves its table header there.
func (s *Symbols) Init(h *heap.Heap) (err error) {
	if s.heap != nil {
		panic(ErrAlreadyInitialized)
	}
	if s.table, err = h.Alloc(tableHeader, 8); err != nil {
		return errors.Wrap(err, "symbol table")
	}
	s.heap = h
	s.entries = make(map[string]*Entry)
	return
}

// Initialized reports whether Init succeeded.
func (s *Symbols) Initialized() bool {
	return s.heap != nil
}

func (s *Symbols) must() {
	if s.heap == nil {
		panic(ErrUninitialized)
	}
}

// Register inserts or replaces name. The most recent registration wins.
func (s *Symbols) Register(name string, addr mem.Addr) error {
	return s.RegisterTyped(name, addr, "")
}

// RegisterTyped is Register with a signature tag kept for diagnostics.
// Resolution never looks at the tag.
func (s *Symbols) RegisterTyped(name string, addr mem.Addr, signature string) error {
	s.must()
	if e, ok := s.entries[name]; ok {
		e.Addr = addr
		e.Signature = signature
		return nil
	}
	p, err := s.heap.Alloc(uint32(len(name))+1, 1)
	if err != nil {
		return errors.Wrapf(err, "register %q", name)
	}
	b := s.heap.Bytes(p)
	b[copy(b, name)] = 0
	s.entries[name] = &Entry{Name: name, Addr: addr, Signature: signature, name: p}
	return nil
}

// Resolve returns the address registered for name. Matching is exact.
func (s *Symbols) Resolve(name string) (mem.Addr, bool) {
	s.must()
	if e, ok := s.entries[name]; ok {
		return e.Addr, true
	}
	return mem.Null, false
}

// MustResolve panics with ErrMissingSymbol when name is unknown.
func (s *Symbols) MustResolve(name string) mem.Addr {
	a, ok := s.Resolve(name)
	if !ok {
		panic(errors.Wrap(ErrMissingSymbol, name))
	}
	return a
}

// Lookup returns a copy of the entry for name.
func (s *Symbols) Lookup(name string) (Entry, bool) {
	s.must()
	if e, ok := s.entries[name]; ok {
		return *e, true
	}
	return Entry{}, false
}

// NameAddr is where the registry keeps the NUL-terminated copy of name.
func (s *Symbols) NameAddr(name string) mem.Addr {
	s.must()
	if e, ok := s.entries[name]; ok {
		return e.name
	}
	return mem.Null
}

// Names dumps registered names, sorted.
func (s *Symbols) Names() []string {
	s.must()
	n := fn.MapKeys(s.entries)
	slices.Sort(n)
	return n
}

func (s *Symbols) Len() int {
	s.must()
	return len(s.entries)
}
