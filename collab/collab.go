// Package collab is the attachment point for external collaborators — the
// DB drivers, crypto frame codec, and unix-IPC facade spec §6 names as
// out-of-scope native wrappers. None of those concrete collaborators ship
// in this repository; this package is the contract they would be built
// against, so one can be added later as its own module without touching
// core, host, or reactor.
//
// A collaborator is specified as three pieces (spec §6):
//
//	(a) a module entry point taking the script state and returning a
//	    module table — the same L.RegisterModule(name, ...) shape every
//	    modules/* package already uses;
//	(b) a set of script-callable functions that observe the
//	    "validate, submit, coref-yield, complete, resume" discipline;
//	(c) a completion thunk, registered with the reactor or with the
//	    collaborator's own worker pool, that resumes through the core.
//
// It hands a collaborator exactly the primitives (b) and (c) need —
// spawn/resume/coref/ensure-coroutine plus the wake-handle bookkeeping — and
// nothing else; a collaborator built against it can never reach into a
// HandleContext's unexported refcount or closing flag, only call the
// methods that mutate them correctly.
package collab

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/lua-lunet/lunet/core"
	"github.com/lua-lunet/lunet/host"
	"github.com/lua-lunet/lunet/internal/registry"
)

// Collaborator is the facade a collaborator module's Register function
// receives in place of the core bridge and Lua host directly. It re-exposes
// only the primitives spec §6(b)-(c) names.
type Collaborator struct {
	b  *core.Bridge
	lh *host.LuaHost
}

// New builds the attachment a collaborator's entry point is constructed
// with, alongside the *lua.LState it registers functions against.
func New(b *core.Bridge, lh *host.LuaHost) *Collaborator {
	return &Collaborator{b: b, lh: lh}
}

// EnsureCoroutine rejects a call made outside a coroutine context, matching
// every built-in module's first validation step.
func (a *Collaborator) EnsureCoroutine(L *lua.LState, name string) error {
	return host.EnsureCoroutine(L, name)
}

// IdentifyCoroutine resolves the calling coroutine's ID, once
// EnsureCoroutine has confirmed one exists.
func (a *Collaborator) IdentifyCoroutine(L *lua.LState) (registry.CoroutineID, bool) {
	return a.lh.IdentifyCoroutine(L)
}

// NewHandle creates a fresh wake-handle context for one in-flight
// collaborator operation, owned by co. reactorHandle is whatever opaque
// integer the collaborator's own backend (driver connection, codec stream)
// uses to identify the resource; the core never interprets it.
func (a *Collaborator) NewHandle(co registry.CoroutineID, reactorHandle uint64) *core.HandleContext {
	return core.NewHandleContext(core.KindClientStream, co, reactorHandle)
}

// BeginOp is the submit-time half of the wake-handle protocol: bump ctx's
// refcount and mint a coref for co before handing work to the
// collaborator's own worker pool or the reactor.
func (a *Collaborator) BeginOp(ctx *core.HandleContext, co registry.CoroutineID) registry.CorefID {
	return a.b.BeginOp(ctx, co)
}

// AbortOp undoes BeginOp when the collaborator's own submission fails
// synchronously (e.g. a driver's connection pool is exhausted).
func (a *Collaborator) AbortOp(ctx *core.HandleContext, coref registry.CorefID) {
	a.b.AbortOp(ctx, coref)
}

// CompleteOp runs the completion half of the protocol from the
// collaborator's own completion thunk, staging nargs resume arguments via
// stage before resuming the waiting coroutine.
func (a *Collaborator) CompleteOp(ctx *core.HandleContext, corefSlot *registry.CorefID, nargs int, stage func(co registry.CoroutineID)) {
	a.b.CompleteOp(ctx, corefSlot, nargs, stage)
}

// BeginClose and ReleaseClose bracket a collaborator resource's teardown —
// a connection or codec stream close — the same way every built-in module's
// close() brackets its own reactor handle's teardown.
func (a *Collaborator) BeginClose(ctx *core.HandleContext) bool { return a.b.BeginClose(ctx) }
func (a *Collaborator) ReleaseClose(ctx *core.HandleContext)    { a.b.ReleaseClose(ctx) }

// PushResult and PushError stage a completion thunk's resume arguments.
func (a *Collaborator) PushResult(co registry.CoroutineID, values ...any) {
	a.lh.PushResult(co, values...)
}

func (a *Collaborator) PushError(co registry.CoroutineID, msg string) {
	a.lh.PushError(co, msg)
}
