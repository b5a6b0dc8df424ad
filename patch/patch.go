// Package patch overwrites target code with unconditional branches.
//
// Installing a branch is destructive: the original instruction is not saved and
// cannot be restored. [Installer.InstallBranch] is only safe while nothing can be
// executing the target site, which on this single-threaded runtime means during
// bootstrap before the host reaches the site.
package patch

import (
	"log/slog"
	"slices"

	"github.com/ZenLiuCN/kxload/mem"
	"github.com/pkg/errors"
)

const (
	opBranch  = 18 << 26
	opMask    = 0x3F << 26
	liMask    = 0x03FFFFFC
	aaBit     = 1 << 1
	lkBit     = 1 << 0
	branchMax = 1<<25 - 4
	branchMin = -(1 << 25)
	// Blr is the return instruction a host procedure slot holds.
	Blr = 0x4E800020
	// Width of one instruction.
	Width = 4
)

var (
	ErrBranchRange = errors.New("branch displacement out of range")
	ErrMisaligned  = errors.New("misaligned branch")
)

// Branch encodes `b to` placed at from.
func Branch(from, to mem.Addr) (uint32, error) {
	return SetDisplacement(opBranch, from, to)
}

// SetDisplacement rewrites the LI field of a branch-form instruction, keeping
// opcode and AA/LK bits.
func SetDisplacement(insn uint32, from, to mem.Addr) (uint32, error) {
	if from%Width != 0 || to%Width != 0 {
		return 0, errors.Wrapf(ErrMisaligned, "%s -> %s", from, to)
	}
	d := int64(to) - int64(from)
	if d > branchMax || d < branchMin {
		return 0, errors.Wrapf(ErrBranchRange, "%s -> %s", from, to)
	}
	return insn&^liMask | uint32(d)&liMask, nil
}

// BranchTarget decodes word at from. ok is false unless word is a plain relative
// branch (b or bl).
func BranchTarget(from mem.Addr, word uint32) (to mem.Addr, ok bool) {
	if word&opMask != opBranch || word&aaBit != 0 {
		return 0, false
	}
	d := int32(word&liMask<<6) >> 6
	return mem.Addr(int64(from) + int64(d)), true
}

// IsLink reports whether a branch word also sets the link register.
func IsLink(word uint32) bool {
	return word&lkBit != 0
}

type (
	// Site is an installed redirect.
	Site struct {
		Target  mem.Addr
		Handler mem.Addr
	}
	// Installer writes hooks into a Space and remembers where.
	Installer struct {
		Space  *mem.Space
		Logger *slog.Logger
		sites  map[mem.Addr]mem.Addr
	}
)

func NewInstaller(space *mem.Space, logger *slog.Logger) *Installer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Installer{Space: space, Logger: logger, sites: make(map[mem.Addr]mem.Addr)}
}

// InstallBranch overwrites the instruction at target with a branch to handler.
// A second install at the same target replaces the first.
func (p *Installer) InstallBranch(target, handler mem.Addr) error {
	word, err := Branch(target, handler)
	if err != nil {
		return err
	}
	if !p.Space.Mapped(target, Width) {
		return errors.Wrapf(mem.ErrUnmapped, "patch site %s", target)
	}
	if old, ok := p.sites[target]; ok {
		p.Logger.Warn("replacing patch", "target", target, "old", old, "new", handler)
	}
	if err = p.Space.Write32(target, word); err != nil {
		return err
	}
	p.sites[target] = handler
	p.Logger.Debug("installed branch", "target", target, "handler", handler, "insn", word)
	return nil
}

// Sites lists installed redirects ordered by target.
func (p *Installer) Sites() []Site {
	s := make([]Site, 0, len(p.sites))
	for t, h := range p.sites {
		s = append(s, Site{t, h})
	}
	slices.SortFunc(s, func(a, b Site) int {
		switch {
		case a.Target < b.Target:
			return -1
		case a.Target > b.Target:
			return 1
		}
		return 0
	})
	return s
}
