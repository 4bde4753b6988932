// Package signal binds spec §4.I's wait(name) primitive.
package signal

import (
	lua "github.com/yuin/gopher-lua"

	corebridge "github.com/lua-lunet/lunet/core"
	"github.com/lua-lunet/lunet/host"
	"github.com/lua-lunet/lunet/internal/registry"
)

// Module binds the signal primitives.
type Module struct {
	b  *corebridge.Bridge
	lh *host.LuaHost
}

// Register creates and binds a signal module into L.
func Register(L *lua.LState, b *corebridge.Bridge, lh *host.LuaHost) *Module {
	m := &Module{b: b, lh: lh}
	L.RegisterModule("signal", map[string]lua.LGFunction{
		"wait": m.wait,
	})
	return m
}

var validNames = map[string]bool{"INT": true, "TERM": true, "HUP": true, "QUIT": true}

func (m *Module) wait(L *lua.LState) int {
	if err := host.EnsureCoroutine(L, "wait"); err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	name := L.CheckString(1)
	if !validNames[name] {
		L.RaiseError("signal.wait: name must be one of INT, TERM, HUP, QUIT")
		return 0
	}
	co, ok := m.lh.IdentifyCoroutine(L)
	if !ok {
		L.RaiseError("signal.wait: could not identify calling coroutine")
		return 0
	}

	ctx := corebridge.NewHandleContext(corebridge.KindSignal, co, 0)
	coref := m.b.BeginOp(ctx, co)
	ctx.ReadCoref = coref

	sh, err := m.b.Reactor.SignalStart(name, func(delivered string, err error) {
		m.b.Reactor.SignalStop(ctx.ReactorHandle)
		m.b.CompleteOp(ctx, &ctx.ReadCoref, 2, func(c registry.CoroutineID) {
			if err != nil {
				m.b.Host.PushError(c, err.Error())
				return
			}
			m.b.Host.PushResult(c, delivered)
		})
	})
	if err != nil {
		m.b.AbortOp(ctx, coref)
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	ctx.ReactorHandle = sh

	return L.Yield()
}
