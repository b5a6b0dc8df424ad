package patch

import (
	"testing"

	"github.com/ZenLiuCN/fn"
	"github.com/ZenLiuCN/kxload/mem"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBranchEncoding(t *testing.T) {
	w, err := Branch(0x80001000, 0x80001010)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x48000010), w)

	w, err = Branch(0x80001010, 0x80001000)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x4BFFFFF0), w)

	to, ok := BranchTarget(0x80001010, w)
	require.True(t, ok)
	assert.Equal(t, mem.Addr(0x80001000), to)

	_, ok = BranchTarget(0, Blr)
	assert.False(t, ok)
	_, ok = BranchTarget(0, 0x48000012)
	assert.False(t, ok, "absolute branch")
}

func TestBranchLimits(t *testing.T) {
	_, err := Branch(0x80000000, 0x80000000+1<<25)
	assert.True(t, errors.Is(err, ErrBranchRange))
	_, err = Branch(0x80000000, 0x80000000+1<<25-4)
	assert.NoError(t, err)
	_, err = Branch(0x80000002, 0x80000010)
	assert.True(t, errors.Is(err, ErrMisaligned))
}

func TestSetDisplacementKeepsLink(t *testing.T) {
	w, err := SetDisplacement(0x48000001, 0x100, 0x200)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x48000101), w)
	assert.True(t, IsLink(w))
}

func TestInstaller(t *testing.T) {
	var s mem.Space
	require.NoError(t, s.Map(fn.Panic1(mem.NewArena(0x80000000, 0x100, mem.BackingStatic))))
	require.NoError(t, s.Write32(0x80000040, Blr))
	p := NewInstaller(&s, nil)

	require.NoError(t, p.InstallBranch(0x80000040, 0x80000080))
	w, _ := s.Read32(0x80000040)
	to, ok := BranchTarget(0x80000040, w)
	require.True(t, ok)
	assert.Equal(t, mem.Addr(0x80000080), to)

	require.NoError(t, p.InstallBranch(0x80000040, 0x80000000))
	w, _ = s.Read32(0x80000040)
	to, _ = BranchTarget(0x80000040, w)
	assert.Equal(t, mem.Addr(0x80000000), to, "second install overwrites")
	assert.Equal(t, []Site{{0x80000040, 0x80000000}}, p.Sites())

	assert.True(t, errors.Is(p.InstallBranch(0x80001000, 0x80000000), mem.ErrUnmapped))
}
