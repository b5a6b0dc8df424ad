// Package cpu calls into target code.
//
// Go cannot run target instructions, so [Dispatcher] understands three things:
// plain relative branches, which it follows, addresses bound to Go procedures,
// which it invokes, and a bare blr, which returns 0. That is enough for hooks
// installed by package patch, for relocated module stubs that branch into host
// procedures and for prologues that only return.
package cpu

import (
	"github.com/ZenLiuCN/kxload/mem"
	"github.com/ZenLiuCN/kxload/patch"
	"github.com/pkg/errors"
)

// MaxHops bounds branch chains.
const MaxHops = 64

var (
	ErrIllegalInstruction = errors.New("illegal instruction")
	ErrBranchLoop         = errors.New("branch chain too long")
	ErrBound              = errors.New("procedure already bound")
)

type (
	// Procedure is a host routine callable from target code.
	Procedure func(args ...uint32) uint32
	// Machine executes code at an address.
	Machine interface {
		Call(addr mem.Addr, args ...uint32) (uint32, error)
	}
	// Dispatcher is the Machine of the simulated target.
	Dispatcher struct {
		Space *mem.Space
		procs map[mem.Addr]Procedure
	}
)

func NewDispatcher(space *mem.Space) *Dispatcher {
	return &Dispatcher{Space: space, procs: make(map[mem.Addr]Procedure)}
}

// Bind attaches p to addr.
func (d *Dispatcher) Bind(addr mem.Addr, p Procedure) error {
	if _, ok := d.procs[addr]; ok {
		return errors.Wrapf(ErrBound, "%s", addr)
	}
	d.procs[addr] = p
	return nil
}

// Unbind detaches the procedure at addr.
func (d *Dispatcher) Unbind(addr mem.Addr) {
	delete(d.procs, addr)
}

// Call follows branches from addr until it reaches a bound procedure or an
// unbound blr, which returns 0.
func (d *Dispatcher) Call(addr mem.Addr, args ...uint32) (uint32, error) {
	at := addr
	for hop := 0; hop <= MaxHops; hop++ {
		word, err := d.Space.Read32(at)
		if err != nil {
			return 0, errors.Wrapf(err, "call %s", addr)
		}
		if to, ok := patch.BranchTarget(at, word); ok {
			at = to
			continue
		}
		if p, ok := d.procs[at]; ok {
			return p(args...), nil
		}
		if word == patch.Blr {
			return 0, nil
		}
		return 0, errors.Wrapf(ErrIllegalInstruction, "%#08x at %s (call %s)", word, at, addr)
	}
	return 0, errors.Wrapf(ErrBranchLoop, "call %s", addr)
}

// Arg returns args[i] or zero.
func Arg(args []uint32, i int) uint32 {
	if i < len(args) {
		return args[i]
	}
	return 0
}
