package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCorefTableStoreTake(t *testing.T) {
	tbl := NewCorefTable[CoroutineID]()
	require.Equal(t, 0, tbl.Len())

	id := tbl.Store(CoroutineID(42))
	require.NotEqual(t, None, id)
	require.Equal(t, 1, tbl.Len())

	ref, ok := tbl.Load(id)
	require.True(t, ok)
	require.Equal(t, CoroutineID(42), ref)
	require.Equal(t, 1, tbl.Len(), "Load must not remove the entry")

	ref, ok = tbl.Take(id)
	require.True(t, ok)
	require.Equal(t, CoroutineID(42), ref)
	require.Equal(t, 0, tbl.Len())

	_, ok = tbl.Take(id)
	require.False(t, ok, "a coref is single-shot: the second take must miss")
}

func TestCorefTableRelease(t *testing.T) {
	tbl := NewCorefTable[CoroutineID]()
	id := tbl.Store(CoroutineID(7))
	tbl.Release(id)
	require.Equal(t, 0, tbl.Len())
	_, ok := tbl.Load(id)
	require.False(t, ok)
}

func TestCorefTableIDsAreUnique(t *testing.T) {
	tbl := NewCorefTable[int]()
	seen := make(map[CorefID]struct{})
	for i := 0; i < 100; i++ {
		id := tbl.Store(i)
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
}
