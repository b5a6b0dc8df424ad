package kxload

import (
	"github.com/ZenLiuCN/kxload/cpu"
	"github.com/ZenLiuCN/kxload/heap"
	"github.com/ZenLiuCN/kxload/mem"
	"github.com/ZenLiuCN/kxload/patch"
	"github.com/pkg/errors"
)

type (
	// Export is a Go procedure published to modules by name.
	Export struct {
		Name      string
		Signature string
		Proc      cpu.Procedure
	}
	// Exports is a procedure table published before any module loads.
	Exports []Export
)

var ErrAlreadyExists = errors.New("export already published")

// Publish gives every export a one-instruction slot in h holding blr, binds the
// procedure there and registers the slot address under the export's name.
func (x Exports) Publish(h *heap.Heap, d *cpu.Dispatcher, s *Symbols) (err error) {
	seen := make(map[string]struct{}, len(x))
	for _, e := range x {
		if _, ok := seen[e.Name]; ok {
			return errors.Wrap(ErrAlreadyExists, e.Name)
		}
		seen[e.Name] = struct{}{}
		var slot mem.Addr
		if slot, err = h.Alloc(patch.Width, patch.Width); err != nil {
			return errors.Wrapf(err, "slot for %s", e.Name)
		}
		if err = d.Space.Write32(slot, patch.Blr); err != nil {
			return
		}
		if err = d.Bind(slot, e.Proc); err != nil {
			return
		}
		if err = s.RegisterTyped(e.Name, slot, e.Signature); err != nil {
			return
		}
	}
	return
}

// Names of the table in order.
func (x Exports) Names() []string {
	n := make([]string, len(x))
	for i, e := range x {
		n[i] = e.Name
	}
	return n
}
