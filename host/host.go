// Package host abstracts the embeddable scripting VM behind the capability
// surface spec §9's design note calls for: "abstract [lua_State*] behind a
// Host capability that exposes push_result / push_error / resume /
// coref_store / coref_load / coref_release / anchor_add / anchor_remove and
// nothing else." Every other package in this repository (core, modules/*)
// is written against Host, never against gopher-lua's *lua.LState directly,
// so the VM could be swapped without touching bridge logic.
//
// The concrete implementation, LuaHost, is modeled on the teacher's
// goja-eventloop Adapter (goja-eventloop/adapter.go): a single struct owning
// the VM handle plus the bridge's own bookkeeping, constructed once and
// bound into the VM's globals by registering modules.
package host

import "github.com/lua-lunet/lunet/internal/registry"

// ResumeStatus mirrors the three outcomes spec §4.C's resume operation
// distinguishes.
type ResumeStatus int

const (
	// ResumeYielded means the coroutine suspended at a yield point; its
	// anchor must be installed (or remain installed) and nothing further
	// happens until some completion calls Resume again.
	ResumeYielded ResumeStatus = iota
	// ResumeOK means the coroutine ran to completion without error.
	ResumeOK
	// ResumeFailed means the coroutine raised an error that unwound to the
	// top of its call stack.
	ResumeFailed
)

// Host is the capability surface the coroutine registry, wake-handle
// protocol, and handle-context bridge are built against (spec §4.C, §4.D,
// §9).
type Host interface {
	// Spawn creates a new coroutine whose body is the script function fn
	// (opaque to this interface — callers pass whatever value type the
	// concrete Host accepts, typically an *lua.LFunction) and performs the
	// first resume synchronously, per spec §4.C's spawn contract.
	Spawn(fn any) (registry.CoroutineID, ResumeStatus, error)

	// Resume resumes co with nargs arguments already pushed via PushResult,
	// per spec §4.C.
	Resume(co registry.CoroutineID, nargs int) (ResumeStatus, error)

	// PushResult pushes a successful result tuple onto co's argument stack
	// ahead of a Resume call — the Go-side analogue of the source's
	// push_result(L, ...).
	PushResult(co registry.CoroutineID, values ...any)

	// PushError pushes a (nil, errmsg) failure tuple onto co's argument
	// stack ahead of a Resume call.
	PushError(co registry.CoroutineID, msg string)

	// CorefStore installs a strong reference to co in a fresh wake-handle
	// slot and returns its id (coref_create, spec §4.D step 3).
	CorefStore(co registry.CoroutineID) registry.CorefID

	// CorefLoad retrieves (without clearing) the coroutine id stored under
	// a wake-handle.
	CorefLoad(id registry.CorefID) (registry.CoroutineID, bool)

	// CorefTake retrieves and clears the coroutine id stored under a
	// wake-handle (spec §4.D completion step 3: "retrieve and clear the
	// coref").
	CorefTake(id registry.CorefID) (registry.CoroutineID, bool)

	// CorefRelease clears a wake-handle without resuming anything (spec
	// §4.D completion step 2, the close path).
	CorefRelease(id registry.CorefID)

	// AnchorAdd installs co in the GC-root anchor set (spec §3).
	AnchorAdd(co registry.CoroutineID)

	// AnchorRemove removes co from the anchor set.
	AnchorRemove(co registry.CoroutineID)

	// AnchorLen reports the number of anchored coroutines, for tests and
	// shutdown diagnostics.
	AnchorLen() int
}
