package alloc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lua-lunet/lunet/internal/diag"
)

func TestAllocatorBalance(t *testing.T) {
	counters := &diag.Counters{}
	a := New(counters)

	b1 := a.Alloc(64)
	require.Len(t, b1, 64)
	allocs, frees, cur, peak := a.Balance()
	require.Equal(t, int64(1), allocs)
	require.Equal(t, int64(0), frees)
	require.Equal(t, int64(64), cur)
	require.Equal(t, int64(64), peak)

	require.NoError(t, a.Free(b1))
	allocs, frees, cur, peak = a.Balance()
	require.Equal(t, int64(1), allocs)
	require.Equal(t, int64(1), frees)
	require.Equal(t, int64(0), cur)
	require.Equal(t, int64(64), peak, "peak must not decrease on free")
}

func TestAllocatorCallocZeroFills(t *testing.T) {
	a := New(nil)
	buf := a.Calloc(4, 8)
	require.Len(t, buf, 32)
	for _, b := range buf {
		require.Zero(t, b)
	}
}

func TestAllocatorPoisonOnRelease(t *testing.T) {
	a := New(nil, WithPoison(true))
	buf := a.Alloc(16)
	for i := range buf {
		buf[i] = 0xAB
	}
	require.NoError(t, a.Free(buf))
	for _, b := range buf {
		require.Equal(t, byte(poisonByte), b)
	}
}

func TestAllocatorFreeNonNullRejectsNil(t *testing.T) {
	a := New(nil)
	err := a.FreeNonNull(nil)
	require.Error(t, err)
}

func TestAllocatorFreeNilIsNoop(t *testing.T) {
	a := New(nil)
	require.NoError(t, a.Free(nil))
}
