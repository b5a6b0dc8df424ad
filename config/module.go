package config

import (
	"math"

	"github.com/ZenLiuCN/kxload"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/pkg/errors"
)

type (
	// Reloc is one `reloc {}` block of a module description. An empty symbol
	// relocates against the module base.
	Reloc struct {
		Site   int    `hcl:"site"`
		Symbol string `hcl:"symbol,optional"`
		Kind   string `hcl:"kind"`
		Addend int    `hcl:"addend,optional"`
	}
	// Module describes a module image by hand:
	//
	//	align    = 32
	//	bss      = 16
	//	prologue = 0
	//	words    = ["0x48000000", "0"]
	//	reloc { site = 0 symbol = "kxModuleEntry" kind = "rel24" }
	Module struct {
		Align    int      `hcl:"align,optional"`
		BSS      int      `hcl:"bss,optional"`
		Prologue int      `hcl:"prologue,optional"`
		Words    []string `hcl:"words"`
		Relocs   []*Reloc `hcl:"reloc,block"`
	}
)

// LoadModule reads a module description.
func LoadModule(path string) (*Module, error) {
	f, diags := hclparse.NewParser().ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, errors.Wrapf(diags, "parse %s", path)
	}
	m := new(Module)
	if diags = gohcl.DecodeBody(f.Body, evalContext(), m); diags.HasErrors() {
		return nil, errors.Wrapf(diags, "decode %s", path)
	}
	return m, nil
}

// Builder converts the description. Range checks are left to the module parser
// except for values that would not survive the narrowing.
func (m *Module) Builder() (*kxload.Builder, error) {
	if m.Align < 0 || m.Align > math.MaxUint16 {
		return nil, errors.Errorf("align %d out of range", m.Align)
	}
	if !fits32(m.BSS) || !fits32(m.Prologue) {
		return nil, errors.Errorf("bss %d or prologue %d out of range", m.BSS, m.Prologue)
	}
	b := &kxload.Builder{BSS: uint32(m.BSS), Prologue: uint32(m.Prologue), Align: uint16(m.Align)}
	for i, w := range m.Words {
		v, err := ParseUint32(w)
		if err != nil {
			return nil, errors.Wrapf(err, "word %d", i)
		}
		b.Word(v)
	}
	for i, r := range m.Relocs {
		k, err := kxload.ParseKind(r.Kind)
		if err != nil {
			return nil, errors.Wrapf(err, "reloc %d", i)
		}
		if !fits32(r.Site) || r.Addend < math.MinInt32 || r.Addend > math.MaxInt32 {
			return nil, errors.Errorf("reloc %d: site or addend out of range", i)
		}
		b.Reloc(r.Symbol, uint32(r.Site), k, int32(r.Addend))
	}
	return b, nil
}

func fits32(v int) bool {
	return v >= 0 && int64(v) <= math.MaxUint32
}
