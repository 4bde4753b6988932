package core

import (
	"github.com/lua-lunet/lunet/host"
	"github.com/lua-lunet/lunet/internal/diag"
	"github.com/lua-lunet/lunet/internal/registry"
	"github.com/lua-lunet/lunet/reactor"
	"github.com/lua-lunet/lunet/runtime"
)

// HandleKind tags which variant a HandleContext is (spec §3 "type tag ∈
// {server, client-stream, datagram, timer, signal}").
type HandleKind int

const (
	KindServer HandleKind = iota
	KindClientStream
	KindDatagram
	KindTimer
	KindSignal
)

// HandleContext is the per-socket/timer/signal record spec §3 and §4.E
// describe: one reactor handle, a refcount, a monotonic closing flag, and
// per-variant wake-handle fields. Every module (socket, udp, signal, fs, su)
// embeds or wraps one of these for its own handle kind.
//
// Instrumentation-mode's canary field (spec §3) is dropped per the §9
// design note: "in a memory-safe target the compiler enforces what the
// canary observes" — a HandleContext that has been destroyed in Go simply
// cannot be dereferenced through a stale pointer the way a C struct can.
type HandleContext struct {
	Kind          HandleKind
	Owner         registry.CoroutineID
	ReactorHandle uint64

	closing  bool
	refCount int

	// Server variant.
	AcceptCoref    registry.CorefID
	PendingAccepts []*HandleContext

	// Client-stream / datagram / timer / signal variant.
	ReadCoref  registry.CorefID
	WriteCoref registry.CorefID
}

// NewHandleContext creates a context with refcount 1, the reactor-handle
// reference taken at listen/connect/bind/open time (spec §4.E).
func NewHandleContext(kind HandleKind, owner registry.CoroutineID, reactorHandle uint64) *HandleContext {
	return &HandleContext{
		Kind:          kind,
		Owner:         owner,
		ReactorHandle: reactorHandle,
		refCount:      1,
		AcceptCoref:   registry.None,
		ReadCoref:     registry.None,
		WriteCoref:    registry.None,
	}
}

// Closing reports the monotonic close flag every callback must test before
// touching the context (spec §4.F "UAF guards").
func (c *HandleContext) Closing() bool { return c.closing }

// RefCount exposes the current outstanding-owner count, for tests.
func (c *HandleContext) RefCount() int { return c.refCount }

// Bridge wires together the host, reactor, diagnostics, and configuration
// that every module's script-facing primitive is built against. It owns no
// handle-kind-specific state itself — that lives in modules/* — only the
// generic coroutine-registry and wake-handle operations spec components C
// and D define.
type Bridge struct {
	Host    host.Host
	Reactor reactor.Reactor
	Diag    *diag.Logger
	Cfg     runtime.Config
}

// New constructs a Bridge. Module registration (modules/core.Register, etc.)
// takes a *Bridge and the *lua.LState to bind primitives into.
func New(h host.Host, r reactor.Reactor, d *diag.Logger, cfg runtime.Config) *Bridge {
	return &Bridge{Host: h, Reactor: r, Diag: d, Cfg: cfg}
}

// Spawn implements spec §4.C's spawn(fn): resumes fn once; a runtime error
// is logged to the diagnostic stream and not propagated further.
func (b *Bridge) Spawn(fn any) registry.CoroutineID {
	id, status, err := b.Host.Spawn(fn)
	if status == host.ResumeFailed && err != nil {
		b.Diag.Errorf("spawn: %v", err)
	}
	return id
}

// Resume implements spec §4.C's resume(co, nargs): arguments must already
// be staged via Host.PushResult/PushError.
func (b *Bridge) Resume(co registry.CoroutineID, nargs int) {
	status, err := b.Host.Resume(co, nargs)
	if status == host.ResumeFailed && err != nil {
		b.Diag.Errorf("resume: %v", err)
	}
}

// BeginOp performs the create/submit-time half of the wake-handle protocol
// (spec §4.D steps 2-3): bump the context's refcount for the operation
// about to be submitted, and store a strong coref for co.
func (b *Bridge) BeginOp(ctx *HandleContext, co registry.CoroutineID) registry.CorefID {
	ctx.refCount++
	return b.Host.CorefStore(co)
}

// AbortOp undoes BeginOp when reactor submission itself fails synchronously
// (spec §4.D step 4: "on submission failure release the coref, release the
// context reference").
func (b *Bridge) AbortOp(ctx *HandleContext, coref registry.CorefID) {
	b.Host.CorefRelease(coref)
	ctx.refCount--
	b.maybeDestroy(ctx)
}

// CompleteOp runs the completion half of the wake-handle protocol (spec
// §4.D completion steps 1-4), given the coref slot the operation stored its
// wake-handle in. If the context is closing, the coref is released without
// resuming anything. Otherwise stage is called to push the resume arguments
// via Host.PushResult/PushError, and the coroutine is resumed with nargs
// arguments.
func (b *Bridge) CompleteOp(ctx *HandleContext, corefSlot *registry.CorefID, nargs int, stage func(co registry.CoroutineID)) {
	ctx.refCount--
	defer b.maybeDestroy(ctx)

	id := *corefSlot
	*corefSlot = registry.None
	if id == registry.None {
		return
	}

	if ctx.closing {
		b.Host.CorefRelease(id)
		return
	}

	co, ok := b.Host.CorefTake(id)
	if !ok {
		return
	}
	stage(co)
	b.Resume(co, nargs)
}

// BeginClose marks ctx as closing. Returns false if it was already closing
// (spec §4.E: "a second close call is a no-op").
func (b *Bridge) BeginClose(ctx *HandleContext) bool {
	if ctx.closing {
		return false
	}
	ctx.closing = true
	return true
}

// ReleaseClose accounts for the reactor close callback's reference release
// (spec §4.E: "Close callback ⇒ refcount -= 1").
func (b *Bridge) ReleaseClose(ctx *HandleContext) {
	ctx.refCount--
	b.maybeDestroy(ctx)
}

// maybeDestroy drains the pending-accept queue and drops the context once
// its refcount reaches zero (spec §4.E: "When refcount reaches zero,
// pending-accept queue is drained (queued peers closed), all memory is
// freed"). In Go "freed" means nothing further holds ctx, so it becomes
// ordinary garbage; this function's job is only the pending-accept drain.
func (b *Bridge) maybeDestroy(ctx *HandleContext) {
	if ctx.refCount > 0 {
		return
	}
	for _, peer := range ctx.PendingAccepts {
		peer.closing = true
	}
	ctx.PendingAccepts = nil
}
