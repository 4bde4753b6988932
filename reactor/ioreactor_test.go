package reactor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIOReactorTimerFires(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	defer r.Close()

	fired := false
	r.TimerStart(5*time.Millisecond, func() { fired = true })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.RunUntilIdle(ctx))
	require.True(t, fired)
}

func TestIOReactorTimerStopPreventsFire(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	defer r.Close()

	fired := false
	handle := r.TimerStart(50*time.Millisecond, func() { fired = true })
	r.TimerStop(handle)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = r.RunUntilIdle(ctx)
	require.False(t, fired)
}

func TestIOReactorStreamListenAcceptConnect(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	defer r.Close()

	listener, err := r.StreamListen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var acceptedErr, connectedErr error
	var accepted, connected bool
	r.StreamAccept(listener, func(h StreamHandle, err error) {
		accepted = true
		acceptedErr = err
		require.NotZero(t, h)
	})

	r.mu.Lock()
	addr := r.listeners[listener].ln.Addr().String()
	r.mu.Unlock()

	r.StreamConnect("tcp", addr, func(h StreamHandle, err error) {
		connected = true
		connectedErr = err
		require.NotZero(t, h)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.RunUntilIdle(ctx))

	require.True(t, accepted)
	require.True(t, connected)
	require.NoError(t, acceptedErr)
	require.NoError(t, connectedErr)
}

func TestIOReactorOutstandingTracksInFlightOps(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	defer r.Close()

	require.Zero(t, r.Outstanding())
	r.TimerStart(50*time.Millisecond, func() {})
	require.Equal(t, int64(1), r.Outstanding())
}
