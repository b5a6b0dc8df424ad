package kxload

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ZenLiuCN/fn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDependencies(t *testing.T) {
	r := newRig(t, 0x1000)
	fn.Panic(r.sym.Register("OSReport", 0x80001800))
	img := StubModule("OSReport", "kxGeckoJitCompileCodes", "OSReport", "kxGetProcedure")
	missing, err := MissingSymbols(r.sym, img)
	require.NoError(t, err)
	assert.Equal(t, []string{"kxGeckoJitCompileCodes", "kxGetProcedure"}, missing)

	_, err = MissingSymbols(r.sym, img[:10])
	assert.Error(t, err)
}

func TestImportsOf(t *testing.T) {
	p := filepath.Join(t.TempDir(), "GCC.kxe")
	fn.Panic(os.WriteFile(p, StubModule("OSReport", "kxGeckoJitCompileCodes", "OSReport"), 0o644))
	info, err := ImportsOf(p)
	require.NoError(t, err)
	assert.Equal(t, 3, info.Relocs)
	assert.Equal(t, []Kind{Rel24, Addr32}, info.Imports["OSReport"])
	assert.Equal(t, []Kind{Addr32}, info.Imports["kxGeckoJitCompileCodes"])
	out := Infos{info}.String()
	assert.Contains(t, out, "GCC.kxe")
	assert.Contains(t, out, "\tOSReport [rel24 addr32]\n")

	_, err = ImportsOf(filepath.Join(t.TempDir(), "none.kxe"))
	assert.Error(t, err)
}
