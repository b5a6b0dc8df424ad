// Package pool keeps the loaded modules and drives their enable, disable and reload.
package pool

import (
	"fmt"
	"io"
	"iter"
	"log/slog"
	"slices"
	"sync/atomic"

	. "github.com/ZenLiuCN/kxload"
	"github.com/ZenLiuCN/kxload/cpu"
	"github.com/ZenLiuCN/kxload/heap"
	"github.com/ZenLiuCN/kxload/mem"
	"github.com/ZenLiuCN/kxload/storage"
	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
)

type (
	// Loader links one image. *kxload.Linker is the production Loader.
	Loader interface {
		Link(name string, image []byte, h *heap.Heap) (*Module, error)
	}
	// FatalError halts the host. Every discovered module is required, so a
	// module that cannot be linked or enabled is fatal.
	FatalError struct {
		Module string
		Err    error
	}
	// Pool is the registry of loaded modules, in load order.
	//
	// A Pool is not goroutine safe; only RequestReload may be called from
	// anywhere.
	Pool struct {
		Loader  Loader
		Machine cpu.Machine
		Storage storage.Dir
		Logger  *slog.Logger
		Loaded  []*Module
		pending atomic.Bool
	}
)

var (
	// ErrContractViolation marks a loader that reported success without a prologue.
	ErrContractViolation = errors.New("contract violation: loaded module has null prologue")
)

func (e *FatalError) Error() string {
	if e.Module == "" {
		return fmt.Sprintf("fatal: %v", e.Err)
	}
	return fmt.Sprintf("fatal: %s: %v", e.Module, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// NewPool creates an empty pool.
func NewPool(loader Loader, machine cpu.Machine, dir storage.Dir, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{Loader: loader, Machine: machine, Storage: dir, Logger: logger}
}

// LoadDirectory loads every module file the storage lists, in listing order.
//
// Unreadable files are skipped. A missing directory, a link failure or an
// enable failure stops the scan with a *FatalError. A module linked without a
// prologue is dropped and the scan continues.
func (p *Pool) LoadDirectory(storageHeap, moduleHeap *heap.Heap) (err error) {
	files, err := p.Storage.List()
	if err != nil {
		return &FatalError{Err: err}
	}
	p.Logger.Debug("scanning modules", "count", len(files))
	for _, f := range files {
		var raw []byte
		if raw, err = p.Storage.ReadFile(f); err != nil {
			p.Logger.Warn("skipping unreadable module", "file", f, "error", err)
			continue
		}
		var img mem.Addr
		if img, err = storageHeap.Alloc(uint32(len(raw)), 4); err != nil {
			p.Logger.Warn("skipping module, no room for its image", "file", f, "size", len(raw), "error", err)
			continue
		}
		copy(storageHeap.Bytes(img), raw)
		if err = p.load(f, storageHeap, img, moduleHeap); err != nil {
			return err
		}
	}
	return nil
}

// Rescan repopulates the pool from storage. It is never run implicitly by ServiceReload.
func (p *Pool) Rescan(storageHeap, moduleHeap *heap.Heap) error {
	return p.LoadDirectory(storageHeap, moduleHeap)
}

func (p *Pool) load(name string, imgHeap *heap.Heap, img mem.Addr, moduleHeap *heap.Heap) error {
	m, err := p.Loader.Link(name, imgHeap.Bytes(img), moduleHeap)
	if err != nil {
		_ = imgHeap.Free(img)
		return &FatalError{Module: name, Err: err}
	}
	if m == nil {
		p.Logger.Error("refusing module", "file", name, "error", errors.Wrap(ErrContractViolation, "no module"))
		_ = imgHeap.Free(img)
		return nil
	}
	m.AttachImage(imgHeap, img)
	if m.Prologue == mem.Null {
		p.Logger.Error("refusing module", "file", name, "error", ErrContractViolation)
		m.Free()
		return nil
	}
	p.Loaded = append(p.Loaded, m)
	p.Logger.Info("loaded module", "file", name, "base", m.Base, "size", m.Size, "prologue", m.Prologue)
	if _, err = p.Machine.Call(m.Prologue, m.Args(ReasonEnable)...); err != nil {
		return &FatalError{Module: name, Err: errors.Wrap(err, "enable")}
	}
	return nil
}

// RequestReload arms the deferred reload. It does nothing else.
func (p *Pool) RequestReload() {
	p.pending.Store(true)
}

// Pending reports whether a reload is armed.
func (p *Pool) Pending() bool {
	return p.pending.Load()
}

// ServiceReload runs an armed reload: every module is disabled in load order,
// freed, and the pool is emptied. It reports whether anything ran.
func (p *Pool) ServiceReload() bool {
	if !p.pending.CompareAndSwap(true, false) {
		return false
	}
	p.Logger.Info("reloading", "modules", len(p.Loaded))
	for _, m := range p.Loaded {
		if _, err := p.Machine.Call(m.Prologue, m.Args(ReasonDisable)...); err != nil {
			p.Logger.Error("disable failed", "module", m.Name, "error", err)
		}
		m.Free()
	}
	clear(p.Loaded)
	p.Loaded = p.Loaded[:0]
	return true
}

// List yields the status of every loaded module in load order.
func (p *Pool) List() iter.Seq[Status] {
	return func(yield func(Status) bool) {
		for _, m := range p.Loaded {
			if !yield(m.Status()) {
				return
			}
		}
	}
}

// Len is the number of loaded modules.
func (p *Pool) Len() int {
	return len(p.Loaded)
}

// Dump writes a deep dump of the loaded modules for diagnostics.
func (p *Pool) Dump(w io.Writer) {
	sp := spew.NewDefaultConfig()
	sp.MaxDepth = 3
	sp.DisablePointerAddresses = true
	for s := range p.List() {
		sp.Fdump(w, s)
	}
}

// Find returns the loaded module named name.
func (p *Pool) Find(name string) (*Module, bool) {
	i := slices.IndexFunc(p.Loaded, func(m *Module) bool { return m.Name == name })
	if i < 0 {
		return nil, false
	}
	return p.Loaded[i], true
}
