// Package udp binds the datagram-socket primitives of spec §4.G:
// bind/recv/send/close.
package udp

import (
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"

	corebridge "github.com/lua-lunet/lunet/core"
	"github.com/lua-lunet/lunet/host"
	"github.com/lua-lunet/lunet/internal/registry"
)

type handle struct {
	ctx *corebridge.HandleContext
}

type handles struct {
	next    uint64
	entries map[uint64]*handle
}

// Module binds the udp primitives.
type Module struct {
	b    *corebridge.Bridge
	lh   *host.LuaHost
	h    *handles
	rbuf int
}

// Register creates and binds a udp module into L.
func Register(L *lua.LState, b *corebridge.Bridge, lh *host.LuaHost) *Module {
	m := &Module{b: b, lh: lh, h: &handles{entries: make(map[uint64]*handle)}, rbuf: b.Cfg.ReadBufferSize}
	L.RegisterModule("udp", map[string]lua.LGFunction{
		"bind":  m.bind,
		"recv":  m.recv,
		"send":  m.send,
		"close": m.close,
	})
	return m
}

func (m *Module) put(ctx *corebridge.HandleContext) uint64 {
	m.h.next++
	m.h.entries[m.h.next] = &handle{ctx: ctx}
	return m.h.next
}

func (m *Module) bind(L *lua.LState) int {
	hostArg := L.CheckString(1)
	port := L.CheckInt(2)
	if port < 1 || port > 65535 {
		L.RaiseError("udp.bind: port out of range [1, 65535]")
		return 0
	}
	if !m.b.Cfg.AllowNonLoopbackBind {
		switch hostArg {
		case "127.0.0.1", "::1", "localhost":
		default:
			L.Push(lua.LNil)
			L.Push(lua.LString("binding to non-loopback addresses requires --dangerously-skip-loopback-restriction flag"))
			return 2
		}
	}

	dh, err := m.b.Reactor.DatagramBind("udp", hostArg+":"+strconv.Itoa(port))
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	ctx := corebridge.NewHandleContext(corebridge.KindDatagram, 0, dh)
	id := m.put(ctx)
	L.Push(lua.LNumber(id))
	return 1
}

func (m *Module) recv(L *lua.LState) int {
	if err := host.EnsureCoroutine(L, "recv"); err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	id := uint64(L.CheckInt64(1))
	h, ok := m.h.entries[id]
	if !ok {
		L.RaiseError("udp.recv: unknown handle")
		return 0
	}
	co, ok := m.lh.IdentifyCoroutine(L)
	if !ok {
		L.RaiseError("udp.recv: could not identify calling coroutine")
		return 0
	}

	coref := m.b.BeginOp(h.ctx, co)
	h.ctx.ReadCoref = coref

	m.b.Reactor.DatagramRecvStart(h.ctx.ReactorHandle, m.rbuf, func(data []byte, from string, err error) {
		m.b.Reactor.DatagramRecvStop(h.ctx.ReactorHandle)
		m.b.CompleteOp(h.ctx, &h.ctx.ReadCoref, 4, func(c registry.CoroutineID) {
			if err != nil {
				m.b.Host.PushResult(c, nil, nil, nil, err.Error())
				return
			}
			ip, portStr := splitHostPort(from)
			m.b.Host.PushResult(c, string(data), ip, portStr)
		})
	})

	// recv re-arms implicitly: each call to recv starts exactly one new
	// receive (spec §9 Open Question resolution: "each recv re-arms").
	return L.Yield()
}

func splitHostPort(addr string) (string, string) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return addr, ""
	}
	return addr[:idx], addr[idx+1:]
}

func (m *Module) send(L *lua.LState) int {
	if err := host.EnsureCoroutine(L, "send"); err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	id := uint64(L.CheckInt64(1))
	data := L.CheckString(2)
	hostArg := L.CheckString(3)
	port := L.CheckInt(4)
	h, ok := m.h.entries[id]
	if !ok {
		L.RaiseError("udp.send: unknown handle")
		return 0
	}
	co, ok := m.lh.IdentifyCoroutine(L)
	if !ok {
		L.RaiseError("udp.send: could not identify calling coroutine")
		return 0
	}

	coref := m.b.BeginOp(h.ctx, co)
	h.ctx.WriteCoref = coref

	m.b.Reactor.DatagramSend(h.ctx.ReactorHandle, []byte(data), hostArg+":"+strconv.Itoa(port), func(err error) {
		m.b.CompleteOp(h.ctx, &h.ctx.WriteCoref, 1, func(c registry.CoroutineID) {
			if err != nil {
				m.b.Host.PushResult(c, err.Error())
				return
			}
			m.b.Host.PushResult(c, nil)
		})
	})

	return L.Yield()
}

func (m *Module) close(L *lua.LState) int {
	id := uint64(L.CheckInt64(1))
	h, ok := m.h.entries[id]
	if !ok {
		return 0
	}
	if !m.b.BeginClose(h.ctx) {
		return 0
	}
	m.b.Reactor.DatagramClose(h.ctx.ReactorHandle, func() {
		m.b.ReleaseClose(h.ctx)
	})
	return 0
}
