package kxload

import (
	"github.com/ZenLiuCN/kxload/heap"
	"github.com/ZenLiuCN/kxload/mem"
)

type (
	// Reason is the first argument a prologue receives.
	Reason uint32
	// Module is a linked module image living in a heap.
	//
	// Use Steps:
	//
	//	1. [Linker.Link] to create it.
	//	2. Call the prologue with ReasonEnable and the module's own data buffer.
	//	3. Call the prologue with ReasonDisable.
	//	4. Call [Module.Free] to release the heap blocks.
	Module struct {
		Name     string
		Base     mem.Addr // start of the owned data buffer
		Size     uint32
		Prologue mem.Addr
		Imports  []string
		heap     *heap.Heap
		image    mem.Addr
		imgHeap  *heap.Heap
	}
	// Status is the diagnostic view of a loaded module.
	Status struct {
		Name     string
		Base     mem.Addr
		Size     uint32
		Prologue mem.Addr
		Imports  int
	}
)

const (
	ReasonEnable  Reason = 0
	ReasonDisable Reason = 1
)

func (r Reason) String() string {
	switch r {
	case ReasonEnable:
		return "enable"
	case ReasonDisable:
		return "disable"
	}
	return "unknown"
}

// Args is the prologue argument list for reason.
func (m *Module) Args(r Reason) []uint32 {
	return []uint32{uint32(r), uint32(m.Base), m.Size}
}

// Data is the module's owned buffer.
func (m *Module) Data() []byte {
	if m.heap == nil {
		return nil
	}
	return m.heap.Bytes(m.Base)
}

// AttachImage hands the raw image block at addr in h to the module, so it is
// released together with the module.
func (m *Module) AttachImage(h *heap.Heap, addr mem.Addr) {
	m.imgHeap, m.image = h, addr
}

// Status snapshots the module.
func (m *Module) Status() Status {
	return Status{Name: m.Name, Base: m.Base, Size: m.Size, Prologue: m.Prologue, Imports: len(m.Imports)}
}

// Free releases the data buffer and any attached image. Safe to call twice.
func (m *Module) Free() {
	if m.heap != nil {
		_ = m.heap.Free(m.Base)
		m.heap = nil
	}
	if m.imgHeap != nil {
		_ = m.imgHeap.Free(m.image)
		m.imgHeap = nil
		m.image = mem.Null
	}
}
