// Package core (modules/core) binds the script-facing spawn/sleep/exit
// primitives spec §4.C and §4.H describe, plus the core.exit(code) supplement
// SPEC_FULL.md adds for the CLI's exit-override slot.
package core

import (
	"time"

	lua "github.com/yuin/gopher-lua"

	corebridge "github.com/lua-lunet/lunet/core"
	"github.com/lua-lunet/lunet/host"
	"github.com/lua-lunet/lunet/internal/registry"
)

// ExitState holds the script-settable process exit override (spec §9
// design note's "global mutable singleton" reified per-Runtime instead of
// as a package-level variable).
type ExitState struct {
	Code int
	Set  bool
}

// Register binds the "core" module table into L.
func Register(L *lua.LState, b *corebridge.Bridge, lh *host.LuaHost, exit *ExitState) {
	L.RegisterModule("core", map[string]lua.LGFunction{
		"spawn": spawn(b),
		"sleep": sleep(b, lh),
		"exit":  exitFn(exit),
	})
}

// spawn implements core.spawn(fn): fn is resumed once immediately. A
// runtime error is logged, never raised back into the caller (spec §4.C).
func spawn(b *corebridge.Bridge) lua.LGFunction {
	return func(L *lua.LState) int {
		fn := L.CheckFunction(1)
		b.Spawn(fn)
		return 0
	}
}

// sleep implements core.sleep(ms): yields the calling coroutine until ms
// milliseconds have elapsed (spec §4.H).
func sleep(b *corebridge.Bridge, lh *host.LuaHost) lua.LGFunction {
	return func(L *lua.LState) int {
		if err := host.EnsureCoroutine(L, "lunet.sleep"); err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		ms := L.CheckInt64(1)
		if ms < 0 {
			L.RaiseError("sleep: ms must be >= 0")
			return 0
		}

		co, ok := lh.IdentifyCoroutine(L)
		if !ok {
			L.RaiseError("sleep: could not identify calling coroutine")
			return 0
		}

		ctx := corebridge.NewHandleContext(corebridge.KindTimer, co, 0)
		coref := b.BeginOp(ctx, co)
		ctx.ReadCoref = coref

		b.Diag.Counters().SleepCount.Add(1)
		handle := b.Reactor.TimerStart(time.Duration(ms)*time.Millisecond, func() {
			b.Diag.Counters().WakeCount.Add(1)
			b.Reactor.TimerStop(ctx.ReactorHandle)
			b.CompleteOp(ctx, &ctx.ReadCoref, 0, func(registry.CoroutineID) {})
		})
		ctx.ReactorHandle = handle

		return L.Yield()
	}
}

// exitFn implements core.exit(code): sets the process exit override
// (SPEC_FULL.md supplemented feature).
func exitFn(exit *ExitState) lua.LGFunction {
	return func(L *lua.LState) int {
		code := L.CheckInt(1)
		exit.Code = code
		exit.Set = true
		return 0
	}
}
