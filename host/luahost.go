package host

import (
	"fmt"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"

	"github.com/lua-lunet/lunet/internal/registry"
)

// LuaHost is the gopher-lua-backed Host. It owns the single *lua.LState
// every module registers into, plus the bridge-internal tables that give
// Go-level strong references to coroutines their GC-root meaning (spec §9:
// "what matters is the GC-root contract, not the table representation").
//
// gopher-lua represents a running coroutine as its own *lua.LState sharing
// the parent's globals; unlike the source's `lua_State*` thread value keyed
// directly into a C-level registry, here the map below IS the registry —
// an entry keeps the Go object, and everything it in turn references,
// reachable. Removing an entry is what actually allows collection; the
// anchor set (internal/registry.AnchorSet) tracks the same membership for
// introspection and the one-yield-install / one-resume-remove invariant
// spec §3 and §4.C describe, kept in lockstep with this map by AnchorAdd/
// AnchorRemove below.
type LuaHost struct {
	L *lua.LState

	anchor *registry.AnchorSet
	coref  *registry.CorefTable[registry.CoroutineID]

	coroutines map[registry.CoroutineID]*lua.LState
	fns        map[registry.CoroutineID]*lua.LFunction
	pending    map[registry.CoroutineID][]lua.LValue

	nextID uint64
}

// New wraps an already-constructed gopher-lua state. Module registration
// (modules/core, modules/socket, ...) happens after this call, against the
// same L.
func New(l *lua.LState) *LuaHost {
	return &LuaHost{
		L:          l,
		anchor:     registry.NewAnchorSet(),
		coref:      registry.NewCorefTable[registry.CoroutineID](),
		coroutines: make(map[registry.CoroutineID]*lua.LState),
		fns:        make(map[registry.CoroutineID]*lua.LFunction),
		pending:    make(map[registry.CoroutineID][]lua.LValue),
	}
}

func (h *LuaHost) allocID() registry.CoroutineID {
	return registry.CoroutineID(atomic.AddUint64(&h.nextID, 1))
}

func translateStatus(st lua.ResumeState) ResumeStatus {
	switch st {
	case lua.ResumeYield:
		return ResumeYielded
	case lua.ResumeError:
		return ResumeFailed
	default:
		return ResumeOK
	}
}

// Spawn implements spec §4.C's spawn(fn): creates a coroutine with fn as
// its body and resumes it once.
func (h *LuaHost) Spawn(fn any) (registry.CoroutineID, ResumeStatus, error) {
	lfn, ok := fn.(*lua.LFunction)
	if !ok {
		return 0, ResumeFailed, fmt.Errorf("host: spawn requires a Lua function, got %T", fn)
	}

	co, _ := h.L.NewThread()
	id := h.allocID()
	h.coroutines[id] = co
	h.fns[id] = lfn

	st, err, _ := h.L.Resume(co, lfn)
	status := translateStatus(st)
	if status == ResumeYielded {
		h.AnchorAdd(id)
	} else {
		h.forget(id)
	}
	return id, status, err
}

// Resume implements spec §4.C's resume(co, nargs): nargs arguments must
// already have been staged via PushResult/PushError.
func (h *LuaHost) Resume(id registry.CoroutineID, nargs int) (ResumeStatus, error) {
	co, ok := h.coroutines[id]
	if !ok {
		return ResumeFailed, fmt.Errorf("host: resume of unknown or already-collected coroutine")
	}
	fn := h.fns[id]
	args := h.pending[id]
	delete(h.pending, id)
	if len(args) != nargs {
		// nargs is the caller's own accounting of what it staged; a
		// mismatch means a wake-handle pushed the wrong tuple shape.
		args = args[:min(len(args), nargs)]
	}

	st, err, _ := h.L.Resume(co, fn, args...)
	status := translateStatus(st)
	if status != ResumeYielded {
		h.AnchorRemove(id)
	}
	return status, err
}

func toLValue(v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return x
	case string:
		return lua.LString(x)
	case []byte:
		return lua.LString(x)
	case bool:
		return lua.LBool(x)
	case int:
		return lua.LNumber(x)
	case int64:
		return lua.LNumber(x)
	case float64:
		return lua.LNumber(x)
	case map[string]any:
		t := &lua.LTable{}
		for k, v := range x {
			t.RawSetString(k, toLValue(v))
		}
		return t
	case []any:
		t := &lua.LTable{}
		for i, v := range x {
			t.RawSetInt(i+1, toLValue(v))
		}
		return t
	default:
		return lua.LString(fmt.Sprint(x))
	}
}

// PushResult stages a successful result tuple for the next Resume call.
func (h *LuaHost) PushResult(co registry.CoroutineID, values ...any) {
	args := make([]lua.LValue, len(values))
	for i, v := range values {
		args[i] = toLValue(v)
	}
	h.pending[co] = args
}

// PushError stages a (nil, errmsg) failure tuple for the next Resume call.
func (h *LuaHost) PushError(co registry.CoroutineID, msg string) {
	h.pending[co] = []lua.LValue{lua.LNil, lua.LString(msg)}
}

func (h *LuaHost) CorefStore(co registry.CoroutineID) registry.CorefID {
	return h.coref.Store(co)
}

func (h *LuaHost) CorefLoad(id registry.CorefID) (registry.CoroutineID, bool) {
	return h.coref.Load(id)
}

func (h *LuaHost) CorefTake(id registry.CorefID) (registry.CoroutineID, bool) {
	return h.coref.Take(id)
}

func (h *LuaHost) CorefRelease(id registry.CorefID) {
	h.coref.Release(id)
}

func (h *LuaHost) AnchorAdd(co registry.CoroutineID) {
	h.anchor.Install(co)
}

// AnchorRemove drops co from the anchor set and releases this host's own
// strong references to it — the point at which the coroutine becomes
// eligible for garbage collection (assuming the script holds no other
// reference to it).
func (h *LuaHost) AnchorRemove(co registry.CoroutineID) {
	h.anchor.Remove(co)
	h.forget(co)
}

func (h *LuaHost) forget(id registry.CoroutineID) {
	delete(h.coroutines, id)
	delete(h.fns, id)
	delete(h.pending, id)
}

func (h *LuaHost) AnchorLen() int {
	return h.anchor.Len()
}

// IdentifyCoroutine maps a running *lua.LState back to the CoroutineID Spawn
// issued for it. Modules call this to learn "who is currently executing"
// when binding a yielding primitive — a concern the Host interface
// deliberately keeps out of core's vocabulary (spec §9's capability list is
// about what the coroutine registry and wake-handle protocol need, not
// about how a module resolves its own caller), so this lives only on the
// concrete LuaHost, not on the Host interface.
func (h *LuaHost) IdentifyCoroutine(L *lua.LState) (registry.CoroutineID, bool) {
	for id, co := range h.coroutines {
		if co == L {
			return id, true
		}
	}
	return 0, false
}

// EnsureCoroutine implements spec §4.C's ensure_coroutine precondition: the
// current executor must be a coroutine, not the main state. gopher-lua
// threads created via NewThread carry a non-nil Parent back to the state
// that spawned them; the main state's Parent is always nil.
func EnsureCoroutine(L *lua.LState, name string) error {
	if L.Parent == nil {
		return fmt.Errorf("%s must be called from coroutine", name)
	}
	return nil
}
