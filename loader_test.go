package kxload

import (
	"encoding/binary"
	"testing"

	"github.com/ZenLiuCN/kxload/heap"
	"github.com/ZenLiuCN/kxload/mem"
	"github.com/ZenLiuCN/kxload/patch"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinkBare(t *testing.T) {
	r := newRig(t, 0x1000)
	m, err := NewLinker(r.sym, nil).Link("Kuribo/Bare.kxe", BareModule(), r.modules)
	require.NoError(t, err)
	assert.NotEqual(t, mem.Null, m.Prologue)
	assert.Equal(t, m.Base, m.Prologue)
	w, err := r.space.Read32(m.Prologue)
	require.NoError(t, err)
	assert.Equal(t, uint32(patch.Blr), w)
	assert.True(t, r.modules.Owns(m.Base))
}

func TestLinkRelocations(t *testing.T) {
	r := newRig(t, 0x10000)
	require.NoError(t, r.sym.Register("OSReport", 0x80432000))
	require.NoError(t, r.sym.Register("gData", 0x81234568))

	b := new(Builder)
	b.Reloc("OSReport", b.Word(0x48000001), Rel24, 0) // bl OSReport
	b.Reloc("gData", b.Word(0x3C600000), Addr16Ha, 0) // lis r3, gData@ha
	b.Reloc("gData", b.Word(0x38630000), Addr16Lo, 0) // addi r3, r3, gData@l
	b.Reloc("gData", b.Word(0x3C800000), Addr16Hi, 0) // lis r4, gData@h
	b.Reloc("gData", b.Word(0), Addr32, 4)            // .long gData+4
	b.Reloc("", b.Word(0), Addr32, 0x10)              // .long self+0x10
	b.Reloc("OSReport", b.Word(0), Rel32, 0)          // .long OSReport-.
	b.BSS = 8
	b.Align = 32

	m, err := NewLinker(r.sym, nil).Link("reloc.kxe", b.Bytes(), r.modules)
	require.NoError(t, err)
	assert.Zero(t, uint32(m.Base)%32)
	assert.Equal(t, uint32(36), m.Size)
	assert.Equal(t, []string{"OSReport", "gData"}, m.Imports)

	d := m.Data()
	word := func(i int) uint32 { return binary.BigEndian.Uint32(d[i*4:]) }
	half := func(i int) uint16 { return binary.BigEndian.Uint16(d[i*4+2:]) }

	to, ok := patch.BranchTarget(m.Base, word(0))
	require.True(t, ok)
	assert.Equal(t, mem.Addr(0x80432000), to)
	assert.True(t, patch.IsLink(word(0)))
	assert.Equal(t, uint16(0x8123), half(1))
	assert.Equal(t, uint16(0x4568), half(2))
	assert.Equal(t, uint16(0x8123), half(3))
	assert.Equal(t, uint32(0x8123456C), word(4))
	assert.Equal(t, uint32(m.Base)+0x10, word(5))
	assert.Equal(t, uint32(0x80432000)-(uint32(m.Base)+24), word(6))
	assert.Equal(t, make([]byte, 8), d[28:36], "bss zeroed")
}

func TestLinkHighAdjust(t *testing.T) {
	r := newRig(t, 0x1000)
	require.NoError(t, r.sym.Register("neg", 0x80018000))
	b := new(Builder)
	b.Reloc("neg", b.Word(0), Addr16Ha, 0)
	m, err := NewLinker(r.sym, nil).Link("ha.kxe", b.Bytes(), r.modules)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x8002), binary.BigEndian.Uint16(m.Data()[2:]))
}

func TestLinkUnresolved(t *testing.T) {
	r := newRig(t, 0x1000)
	require.NoError(t, r.sym.Register("OSReport", 0x80001800))
	before := r.modules.Stats()

	_, err := NewLinker(r.sym, nil).Link("Kuribo/GCC.kxe", StubModule("OSReport", "kxMissingProc"), r.modules)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kxMissingProc")
	assert.Contains(t, err.Error(), "Kuribo/GCC.kxe")
	var le *LoadError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, "kxMissingProc", le.Symbol)
	assert.True(t, errors.Is(err, ErrMissingSymbol))
	assert.Equal(t, before, r.modules.Stats(), "no allocation survives")
}

func TestLinkBadHeader(t *testing.T) {
	r := newRig(t, 0x1000)
	before := r.modules.Stats()
	img := BareModule()
	copy(img, "KXE?")
	_, err := NewLinker(r.sym, nil).Link("bad.kxe", img, r.modules)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "header")
	var le *LoadError
	require.True(t, errors.As(err, &le))
	assert.Empty(t, le.Symbol)
	assert.Equal(t, before, r.modules.Stats())
}

func TestLinkOutOfMemory(t *testing.T) {
	r := newRig(t, tableHeader+8)
	b := &Builder{Payload: make([]byte, 64)}
	_, err := NewLinker(r.sym, nil).Link("big.kxe", b.Bytes(), r.modules)
	assert.True(t, errors.Is(err, heap.ErrOutOfMemory))
}

func TestLinkBranchOutOfRange(t *testing.T) {
	r := newRig(t, 0x1000)
	require.NoError(t, r.sym.Register("far", 0x10000000))
	before := r.modules.Stats()
	_, err := NewLinker(r.sym, nil).Link("far.kxe", StubModule("far"), r.modules)
	assert.True(t, errors.Is(err, patch.ErrBranchRange))
	assert.Equal(t, before, r.modules.Stats())
}
