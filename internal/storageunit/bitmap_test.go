package storageunit

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lua-lunet/lunet/internal/registry"
)

func TestHeaderRoundTrip(t *testing.T) {
	buf := EncodeHeader(1024)
	require.NoError(t, DecodeHeader(buf, 1024))
	require.Error(t, DecodeHeader(buf, 2048))
}

func TestDecodeHeaderRejectsBadMagic(t *testing.T) {
	buf := EncodeHeader(64)
	buf[0] = 'X'
	require.Error(t, DecodeHeader(buf, 64))
}

func TestBitmapBytesCeilsToByte(t *testing.T) {
	require.Equal(t, 1, BitmapBytes(1))
	require.Equal(t, 1, BitmapBytes(8))
	require.Equal(t, 2, BitmapBytes(9))
	require.Equal(t, 128, BitmapBytes(1024))
}

func TestGetSetClearBit(t *testing.T) {
	bm := make([]byte, 2)
	require.False(t, GetBit(bm, 3))
	SetBit(bm, 3)
	require.True(t, GetBit(bm, 3))
	SetBit(bm, 9)
	require.True(t, GetBit(bm, 9))
	require.False(t, GetBit(bm, 8))
	ClearBit(bm, 3)
	require.False(t, GetBit(bm, 3))
}

func TestTableSingleWaiterFlushCompletes(t *testing.T) {
	tab := NewTable()
	gen := tab.BumpGeneration(0)
	require.Equal(t, uint64(1), gen)

	w := Waiter{TargetGen: gen, Co: registry.CoroutineID(1), Coref: registry.CorefID(10)}
	shouldFlush := tab.Enqueue(0, w)
	require.True(t, shouldFlush)

	resumable, startAnother := tab.OnFlushComplete(0, gen)
	require.Equal(t, []Waiter{w}, resumable)
	require.False(t, startAnother)
}

func TestTableSecondWaiterDuringFlushTriggersAnotherFlush(t *testing.T) {
	tab := NewTable()
	gen1 := tab.BumpGeneration(0)
	w1 := Waiter{TargetGen: gen1, Co: 1}
	require.True(t, tab.Enqueue(0, w1))

	gen2 := tab.BumpGeneration(0)
	w2 := Waiter{TargetGen: gen2, Co: 2}
	shouldFlush := tab.Enqueue(0, w2)
	require.False(t, shouldFlush, "a flush is already in flight; the new waiter rides the next one")

	resumable, startAnother := tab.OnFlushComplete(0, gen1)
	require.Equal(t, []Waiter{w1}, resumable)
	require.True(t, startAnother, "w2's target generation is not yet durable")

	resumable, startAnother = tab.OnFlushComplete(0, gen2)
	require.Equal(t, []Waiter{w2}, resumable)
	require.False(t, startAnother)
}

func TestTableFlushFailureFailsOnlyCoveredWaiters(t *testing.T) {
	tab := NewTable()
	gen1 := tab.BumpGeneration(0)
	w1 := Waiter{TargetGen: gen1, Co: 1}
	tab.Enqueue(0, w1)
	gen2 := tab.BumpGeneration(0)
	w2 := Waiter{TargetGen: gen2, Co: 2}
	tab.Enqueue(0, w2)

	failed := tab.OnFlushFailed(0, gen1)
	require.Equal(t, []Waiter{w1}, failed)

	resumable, startAnother := tab.OnFlushComplete(0, gen2)
	require.Equal(t, []Waiter{w2}, resumable)
	require.False(t, startAnother)
}

func TestTableDrainAll(t *testing.T) {
	tab := NewTable()
	gen := tab.BumpGeneration(0)
	tab.Enqueue(0, Waiter{TargetGen: gen, Co: 1})
	gen2 := tab.BumpGeneration(1)
	tab.Enqueue(1, Waiter{TargetGen: gen2, Co: 2})

	all := tab.DrainAll()
	require.Len(t, all, 2)
	require.Empty(t, tab.DrainAll())
}
