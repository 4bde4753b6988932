package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAnchorSetInstallRemove(t *testing.T) {
	a := NewAnchorSet()
	require.Equal(t, 0, a.Len())

	a.Install(CoroutineID(1))
	a.Install(CoroutineID(2))
	require.True(t, a.Contains(1))
	require.True(t, a.Contains(2))
	require.Equal(t, 2, a.Len())

	a.Remove(1)
	require.False(t, a.Contains(1))
	require.True(t, a.Contains(2))
	require.Equal(t, 1, a.Len())
}

func TestAnchorSetRemoveAbsentIsNoop(t *testing.T) {
	a := NewAnchorSet()
	a.Remove(99)
	require.Equal(t, 0, a.Len())
}

func TestAnchorSetClear(t *testing.T) {
	a := NewAnchorSet()
	for i := CoroutineID(1); i <= 5; i++ {
		a.Install(i)
	}
	require.Equal(t, 5, a.Len())
	a.Clear()
	require.Equal(t, 0, a.Len())
	require.False(t, a.Contains(1))
}
