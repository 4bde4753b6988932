package ingress

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompletionQueueFIFO(t *testing.T) {
	q := New()
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		q.Push(func() { order = append(order, i) })
	}
	require.Equal(t, 5, q.Len())
	require.Equal(t, 5, q.DrainAll())
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
	require.Equal(t, 0, q.Len())
}

func TestCompletionQueueSpansMultipleChunks(t *testing.T) {
	q := New()
	n := chunkSize*2 + 17
	count := 0
	for i := 0; i < n; i++ {
		q.Push(func() { count++ })
	}
	require.Equal(t, n, q.Len())
	require.Equal(t, n, q.DrainAll())
	require.Equal(t, n, count)
}

func TestCompletionQueuePopEmpty(t *testing.T) {
	q := New()
	_, ok := q.Pop()
	require.False(t, ok)
}

func TestCompletionQueueRearmDuringDrain(t *testing.T) {
	q := New()
	rearmed := false
	q.Push(func() {
		q.Push(func() { rearmed = true })
	})
	q.DrainAll()
	require.True(t, rearmed, "a completion that pushes a new one must be drained in the same pass")
}
