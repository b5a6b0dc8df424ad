package cpu

import (
	"testing"

	"github.com/ZenLiuCN/fn"
	"github.com/ZenLiuCN/kxload/mem"
	"github.com/ZenLiuCN/kxload/patch"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func space(t *testing.T) *mem.Space {
	t.Helper()
	s := new(mem.Space)
	require.NoError(t, s.Map(fn.Panic1(mem.NewArena(0x80000000, 0x1000, mem.BackingStatic))))
	return s
}

func TestCallBound(t *testing.T) {
	s := space(t)
	d := NewDispatcher(s)
	require.NoError(t, s.Write32(0x80000100, patch.Blr))
	require.NoError(t, d.Bind(0x80000100, func(args ...uint32) uint32 { return Arg(args, 0) + Arg(args, 1) }))
	assert.True(t, errors.Is(d.Bind(0x80000100, nil), ErrBound))

	v, err := d.Call(0x80000100, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), v)
}

func TestCallFollowsBranches(t *testing.T) {
	s := space(t)
	d := NewDispatcher(s)
	require.NoError(t, s.Write32(0x80000200, patch.Blr))
	require.NoError(t, d.Bind(0x80000200, func(...uint32) uint32 { return 42 }))
	w1 := fn.Panic1(patch.Branch(0x80000000, 0x80000010))
	w2 := fn.Panic1(patch.Branch(0x80000010, 0x80000200))
	require.NoError(t, s.Write32(0x80000000, w1))
	require.NoError(t, s.Write32(0x80000010, w2))

	v, err := d.Call(0x80000000)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), v)
}

func TestCallPatchedProcedure(t *testing.T) {
	s := space(t)
	d := NewDispatcher(s)
	var hit string
	require.NoError(t, s.Write32(0x80000300, patch.Blr))
	require.NoError(t, s.Write32(0x80000304, patch.Blr))
	require.NoError(t, d.Bind(0x80000300, func(...uint32) uint32 { hit = "host"; return 0 }))
	require.NoError(t, d.Bind(0x80000304, func(...uint32) uint32 { hit = "hook"; return 0 }))
	require.NoError(t, patch.NewInstaller(s, nil).InstallBranch(0x80000300, 0x80000304))

	_, err := d.Call(0x80000300)
	require.NoError(t, err)
	assert.Equal(t, "hook", hit)
}

func TestCallFaults(t *testing.T) {
	s := space(t)
	d := NewDispatcher(s)
	_, err := d.Call(0x80000400)
	assert.True(t, errors.Is(err, ErrIllegalInstruction))

	_, err = d.Call(0x90000000)
	assert.True(t, errors.Is(err, mem.ErrUnmapped))

	require.NoError(t, s.Write32(0x80000500, fn.Panic1(patch.Branch(0x80000500, 0x80000500))))
	_, err = d.Call(0x80000500)
	assert.True(t, errors.Is(err, ErrBranchLoop))
}

func TestCallReturn(t *testing.T) {
	s := space(t)
	d := NewDispatcher(s)
	require.NoError(t, s.Write32(0x80000600, patch.Blr))
	v, err := d.Call(0x80000600, 7)
	require.NoError(t, err)
	assert.Zero(t, v)

	require.NoError(t, s.Write32(0x80000700, fn.Panic1(patch.Branch(0x80000700, 0x80000600))))
	v, err = d.Call(0x80000700)
	require.NoError(t, err)
	assert.Zero(t, v)
}
