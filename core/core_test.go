package core

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lua-lunet/lunet/host"
	"github.com/lua-lunet/lunet/internal/diag"
	"github.com/lua-lunet/lunet/internal/registry"
	"github.com/lua-lunet/lunet/runtime"
)

// fakeHost is a minimal host.Host double, standing in for LuaHost so core's
// wake-handle protocol can be exercised without a real gopher-lua VM.
type fakeHost struct {
	anchor     *registry.AnchorSet
	coref      *registry.CorefTable[registry.CoroutineID]
	nextID     uint64
	spawned    map[registry.CoroutineID]bool
	resumed    []registry.CoroutineID
	pushedVals map[registry.CoroutineID][]any
	pushedErrs map[registry.CoroutineID]string
	nextStatus host.ResumeStatus
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		anchor:     registry.NewAnchorSet(),
		coref:      registry.NewCorefTable[registry.CoroutineID](),
		spawned:    make(map[registry.CoroutineID]bool),
		pushedVals: make(map[registry.CoroutineID][]any),
		pushedErrs: make(map[registry.CoroutineID]string),
		nextStatus: host.ResumeYielded,
	}
}

func (f *fakeHost) Spawn(fn any) (registry.CoroutineID, host.ResumeStatus, error) {
	f.nextID++
	id := registry.CoroutineID(f.nextID)
	f.spawned[id] = true
	if f.nextStatus == host.ResumeYielded {
		f.anchor.Install(id)
	}
	return id, f.nextStatus, nil
}

func (f *fakeHost) Resume(co registry.CoroutineID, nargs int) (host.ResumeStatus, error) {
	f.resumed = append(f.resumed, co)
	if f.nextStatus != host.ResumeYielded {
		f.anchor.Remove(co)
	}
	return f.nextStatus, nil
}

func (f *fakeHost) PushResult(co registry.CoroutineID, values ...any) {
	f.pushedVals[co] = values
}

func (f *fakeHost) PushError(co registry.CoroutineID, msg string) {
	f.pushedErrs[co] = msg
}

func (f *fakeHost) CorefStore(co registry.CoroutineID) registry.CorefID {
	return f.coref.Store(co)
}

func (f *fakeHost) CorefLoad(id registry.CorefID) (registry.CoroutineID, bool) {
	return f.coref.Load(id)
}

func (f *fakeHost) CorefTake(id registry.CorefID) (registry.CoroutineID, bool) {
	return f.coref.Take(id)
}

func (f *fakeHost) CorefRelease(id registry.CorefID) {
	f.coref.Release(id)
}

func (f *fakeHost) AnchorAdd(co registry.CoroutineID) { f.anchor.Install(co) }

func (f *fakeHost) AnchorRemove(co registry.CoroutineID) { f.anchor.Remove(co) }

func (f *fakeHost) AnchorLen() int { return f.anchor.Len() }

func newTestBridge() (*Bridge, *fakeHost) {
	fh := newFakeHost()
	b := New(fh, nil, diag.New(nil, false), runtime.NewDefault())
	return b, fh
}

func TestHandleContextRefcountLifecycle(t *testing.T) {
	ctx := NewHandleContext(KindClientStream, registry.CoroutineID(1), 42)
	require.Equal(t, 1, ctx.RefCount())
	require.False(t, ctx.Closing())
}

func TestBeginCompleteOpResumesOnSuccess(t *testing.T) {
	b, fh := newTestBridge()
	fh.nextStatus = host.ResumeOK

	ctx := NewHandleContext(KindClientStream, registry.CoroutineID(1), 1)
	coref := b.BeginOp(ctx, registry.CoroutineID(1))
	require.Equal(t, 2, ctx.RefCount())

	ctx.ReadCoref = coref
	b.CompleteOp(ctx, &ctx.ReadCoref, 1, func(co registry.CoroutineID) {
		fh.PushResult(co, "data")
	})

	require.Equal(t, registry.None, ctx.ReadCoref)
	require.Equal(t, 1, ctx.RefCount())
	require.Contains(t, fh.resumed, registry.CoroutineID(1))
	require.Equal(t, []any{"data"}, fh.pushedVals[registry.CoroutineID(1)])
}

func TestCompleteOpSkipsResumeWhenClosing(t *testing.T) {
	b, fh := newTestBridge()

	ctx := NewHandleContext(KindClientStream, registry.CoroutineID(5), 1)
	coref := b.BeginOp(ctx, registry.CoroutineID(5))
	ctx.ReadCoref = coref
	b.BeginClose(ctx)

	b.CompleteOp(ctx, &ctx.ReadCoref, 1, func(co registry.CoroutineID) {
		t.Fatal("stage must not run on the close path")
	})

	require.Empty(t, fh.resumed, "a closing context's completion must not resume its waiter")
	_, ok := fh.coref.Load(coref)
	require.False(t, ok, "the coref must still be released even though nothing resumes")
}

func TestBeginCloseIsMonotonic(t *testing.T) {
	b, _ := newTestBridge()
	ctx := NewHandleContext(KindTimer, registry.CoroutineID(1), 1)
	require.True(t, b.BeginClose(ctx))
	require.False(t, b.BeginClose(ctx), "a second close call must be a no-op")
}

func TestMaybeDestroyDrainsPendingAccepts(t *testing.T) {
	b, _ := newTestBridge()
	listener := NewHandleContext(KindServer, registry.CoroutineID(1), 1)
	peer := NewHandleContext(KindClientStream, registry.CoroutineID(0), 2)
	listener.PendingAccepts = append(listener.PendingAccepts, peer)

	listener.refCount = 1
	b.ReleaseClose(listener)

	require.True(t, peer.Closing())
	require.Empty(t, listener.PendingAccepts)
}

func TestAbortOpReleasesCorefAndRef(t *testing.T) {
	b, fh := newTestBridge()
	ctx := NewHandleContext(KindDatagram, registry.CoroutineID(2), 1)
	coref := b.BeginOp(ctx, registry.CoroutineID(2))
	require.Equal(t, 2, ctx.RefCount())

	b.AbortOp(ctx, coref)
	require.Equal(t, 1, ctx.RefCount())
	_, ok := fh.coref.Load(coref)
	require.False(t, ok)
}

func TestSpawnLogsButDoesNotPropagateOnFailure(t *testing.T) {
	b, fh := newTestBridge()
	fh.nextStatus = host.ResumeFailed
	id := b.Spawn("not really a function in this fake")
	require.NotZero(t, id)
	require.False(t, fh.anchor.Contains(id))
}
