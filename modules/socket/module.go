// Package socket binds the stream-socket primitives of spec §4.F: TCP and
// Unix-domain listen/accept/connect/read/write/close/getpeername, plus the
// set_read_buffer_size process-wide tunable.
package socket

import (
	"fmt"
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"

	corebridge "github.com/lua-lunet/lunet/core"
	"github.com/lua-lunet/lunet/host"
	"github.com/lua-lunet/lunet/internal/registry"
)

const listenBacklog = 128

// handle wraps a corebridge.HandleContext with the socket-specific reactor
// bookkeeping the generic context doesn't carry (listener vs client, the
// pending-accept queue's Lua-visible handle values).
type handle struct {
	ctx        *corebridge.HandleContext
	isListener bool
}

// registry of live handles, keyed by the Lua-visible opaque integer the
// script holds (distinct from the reactor's own handle numbering, and from
// registry.CoroutineID — this is purely module-local bookkeeping).
type handles struct {
	next    uint64
	entries map[uint64]*handle
}

func newHandles() *handles {
	return &handles{entries: make(map[uint64]*handle)}
}

func (h *handles) put(entry *handle) uint64 {
	h.next++
	h.entries[h.next] = entry
	return h.next
}

// Module binds the socket primitives and owns the module-local handle
// table. A *Module is created once per script Runtime and captured by every
// bound closure.
type Module struct {
	b    *corebridge.Bridge
	lh   *host.LuaHost
	h    *handles
	rbuf int
}

// Register creates and binds a socket module into L.
func Register(L *lua.LState, b *corebridge.Bridge, lh *host.LuaHost) *Module {
	m := &Module{b: b, lh: lh, h: newHandles(), rbuf: b.Cfg.ReadBufferSize}
	L.RegisterModule("socket", map[string]lua.LGFunction{
		"listen":               m.listen,
		"accept":               m.accept,
		"connect":              m.connect,
		"read":                 m.read,
		"write":                m.write,
		"getpeername":          m.getpeername,
		"close":                m.close,
		"set_read_buffer_size": m.setReadBufferSize,
	})
	return m
}

func (m *Module) validateLoopback(host_ string) error {
	if m.b.Cfg.AllowNonLoopbackBind {
		return nil
	}
	switch host_ {
	case "127.0.0.1", "::1", "localhost":
		return nil
	default:
		return fmt.Errorf("binding to non-loopback addresses requires --dangerously-skip-loopback-restriction flag")
	}
}

func (m *Module) listen(L *lua.LState) int {
	protocol := L.CheckString(1)
	var network, address string
	switch protocol {
	case "tcp":
		hostArg := L.CheckString(2)
		port := L.CheckInt(3)
		if port < 1 || port > 65535 {
			L.RaiseError("socket.listen: port out of range [1, 65535]")
			return 0
		}
		if err := m.validateLoopback(hostArg); err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		network = "tcp"
		address = hostArg + ":" + strconv.Itoa(port)
	case "unix":
		path := L.CheckString(2)
		network = "unix"
		address = path
	default:
		L.RaiseError("socket.listen: protocol must be \"tcp\" or \"unix\"")
		return 0
	}

	ln, err := m.b.Reactor.StreamListen(network, address)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	ctx := corebridge.NewHandleContext(corebridge.KindServer, 0, ln)
	h := &handle{ctx: ctx, isListener: true}
	id := m.h.put(h)
	_ = listenBacklog // backlog is fixed by the reactor's net.Listen call.
	L.Push(lua.LNumber(id))
	return 1
}

func (m *Module) accept(L *lua.LState) int {
	if err := host.EnsureCoroutine(L, "accept"); err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	id := uint64(L.CheckInt64(1))
	h, ok := m.h.entries[id]
	if !ok || !h.isListener {
		L.RaiseError("socket.accept: not a listener handle")
		return 0
	}

	if len(h.ctx.PendingAccepts) > 0 {
		peer := h.ctx.PendingAccepts[0]
		h.ctx.PendingAccepts = h.ctx.PendingAccepts[1:]
		peerID := m.h.put(&handle{ctx: peer})
		L.Push(lua.LNumber(peerID))
		L.Push(lua.LNil)
		return 2
	}

	co, ok := m.lh.IdentifyCoroutine(L)
	if !ok {
		L.RaiseError("socket.accept: could not identify calling coroutine")
		return 0
	}
	coref := m.b.BeginOp(h.ctx, co)
	h.ctx.AcceptCoref = coref

	m.b.Reactor.StreamAccept(h.ctx.ReactorHandle, func(sh uint64, err error) {
		if err != nil {
			m.b.CompleteOp(h.ctx, &h.ctx.AcceptCoref, 2, func(c registry.CoroutineID) {
				m.b.Host.PushError(c, err.Error())
			})
			return
		}
		peerCtx := corebridge.NewHandleContext(corebridge.KindClientStream, 0, sh)
		if len(h.ctx.PendingAccepts) == 0 && h.ctx.AcceptCoref != registry.None {
			m.b.CompleteOp(h.ctx, &h.ctx.AcceptCoref, 2, func(c registry.CoroutineID) {
				peerID := m.h.put(&handle{ctx: peerCtx})
				m.b.Host.PushResult(c, float64(peerID))
			})
		} else {
			h.ctx.PendingAccepts = append(h.ctx.PendingAccepts, peerCtx)
		}
	})

	return L.Yield()
}

func (m *Module) connect(L *lua.LState) int {
	if err := host.EnsureCoroutine(L, "connect"); err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	hostArg := L.CheckString(1)
	port := L.CheckInt(2)

	var network, address string
	if strings.Contains(hostArg, "/") {
		network, address = "unix", hostArg
	} else {
		network, address = "tcp", hostArg+":"+strconv.Itoa(port)
	}

	co, ok := m.lh.IdentifyCoroutine(L)
	if !ok {
		L.RaiseError("socket.connect: could not identify calling coroutine")
		return 0
	}

	ctx := corebridge.NewHandleContext(corebridge.KindClientStream, co, 0)
	coref := m.b.BeginOp(ctx, co)
	ctx.WriteCoref = coref

	m.b.Reactor.StreamConnect(network, address, func(sh uint64, err error) {
		ctx.ReactorHandle = sh
		m.b.CompleteOp(ctx, &ctx.WriteCoref, 2, func(c registry.CoroutineID) {
			if err != nil {
				m.b.Host.PushError(c, err.Error())
				return
			}
			id := m.h.put(&handle{ctx: ctx})
			m.b.Host.PushResult(c, float64(id))
		})
	})

	return L.Yield()
}

func (m *Module) read(L *lua.LState) int {
	if err := host.EnsureCoroutine(L, "read"); err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	id := uint64(L.CheckInt64(1))
	h, ok := m.h.entries[id]
	if !ok {
		L.RaiseError("socket.read: unknown handle")
		return 0
	}
	co, ok := m.lh.IdentifyCoroutine(L)
	if !ok {
		L.RaiseError("socket.read: could not identify calling coroutine")
		return 0
	}

	coref := m.b.BeginOp(h.ctx, co)
	h.ctx.ReadCoref = coref

	m.b.Reactor.StreamReadStart(h.ctx.ReactorHandle, m.rbuf, func(data []byte, err error) {
		m.b.Reactor.StreamReadStop(h.ctx.ReactorHandle)
		m.b.CompleteOp(h.ctx, &h.ctx.ReadCoref, 2, func(c registry.CoroutineID) {
			switch {
			case err != nil:
				m.b.Host.PushError(c, err.Error())
			case data == nil:
				m.b.Host.PushResult(c, nil, nil)
			default:
				m.b.Host.PushResult(c, string(data))
			}
		})
	})

	return L.Yield()
}

func (m *Module) write(L *lua.LState) int {
	if err := host.EnsureCoroutine(L, "write"); err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	id := uint64(L.CheckInt64(1))
	data := L.CheckString(2)
	h, ok := m.h.entries[id]
	if !ok {
		L.RaiseError("socket.write: unknown handle")
		return 0
	}
	co, ok := m.lh.IdentifyCoroutine(L)
	if !ok {
		L.RaiseError("socket.write: could not identify calling coroutine")
		return 0
	}

	buf := []byte(data)
	coref := m.b.BeginOp(h.ctx, co)
	h.ctx.WriteCoref = coref

	m.b.Reactor.StreamWrite(h.ctx.ReactorHandle, buf, func(err error) {
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

func (m *Module) getpeername(L *lua.LState) int {
	id := uint64(L.CheckInt64(1))
	h, ok := m.h.entries[id]
	if !ok {
		L.RaiseError("socket.getpeername: unknown handle")
		return 0
	}
	name, err := m.b.Reactor.StreamPeerName(h.ctx.ReactorHandle)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LString(name))
	return 1
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
	if h.isListener {
		m.b.Reactor.ListenerClose(h.ctx.ReactorHandle, func() {
			m.b.ReleaseClose(h.ctx)
		})
		return 0
	}
	m.b.Reactor.StreamClose(h.ctx.ReactorHandle, func() {
		m.b.ReleaseClose(h.ctx)
	})
	return 0
}

func (m *Module) setReadBufferSize(L *lua.LState) int {
	n := L.CheckInt(1)
	if n > 0 {
		m.rbuf = n
	}
	return 0
}
