package config

import (
	"math"
	"testing"

	"github.com/ZenLiuCN/kxload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadModule(t *testing.T) {
	m, err := LoadModule("../testdata/entry.hcl")
	require.NoError(t, err)
	b, err := m.Builder()
	require.NoError(t, err)
	f, err := kxload.Parse(b.Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint32(12+16), f.MemSize())
	assert.Equal(t, uint32(32), f.Alignment())
	require.Len(t, f.Relocs, 3)
	assert.Equal(t, kxload.Rel24, f.Relocs[0].Kind)
	assert.Equal(t, "", f.Relocs[2].Symbol)
	assert.Equal(t, int32(4), f.Relocs[2].Addend)
	assert.Equal(t, []string{"kxModuleEntry", "kxConvertU32toF32"}, f.Imports())
}

func TestModuleBuilderInvalid(t *testing.T) {
	_, err := (&Module{Words: []string{"nope"}}).Builder()
	assert.Error(t, err)
	_, err = (&Module{Words: []string{"0"}, Relocs: []*Reloc{{Kind: "addr64"}}}).Builder()
	assert.Error(t, err)
	_, err = (&Module{Align: 1 << 20}).Builder()
	assert.Error(t, err)
	_, err = (&Module{Words: []string{"0"}, Relocs: []*Reloc{{Kind: "addr32", Site: -4}}}).Builder()
	assert.Error(t, err)
	big := int(int64(math.MaxUint32) + 1)
	_, err = (&Module{BSS: big}).Builder()
	assert.Error(t, err)
	_, err = (&Module{Prologue: big}).Builder()
	assert.Error(t, err)
	_, err = (&Module{Words: []string{"0"}, Relocs: []*Reloc{{Kind: "addr32", Site: big}}}).Builder()
	assert.Error(t, err)
	_, err = (&Module{BSS: math.MaxUint32, Words: []string{"0"}}).Builder()
	assert.NoError(t, err, "largest bss still narrows")
}
