// Package fs binds spec §4.J's filesystem primitives, each dispatched to
// the reactor's own thread pool with the completion delivered on the
// reactor thread.
package fs

import (
	lua "github.com/yuin/gopher-lua"

	corebridge "github.com/lua-lunet/lunet/core"
	"github.com/lua-lunet/lunet/host"
	"github.com/lua-lunet/lunet/internal/registry"
	"github.com/lua-lunet/lunet/reactor"
)

// Module binds the fs primitives. Open file descriptors are tracked purely
// so close()/read()/write() can validate the script-provided handle; the
// reactor owns the real *os.File.
type Module struct {
	b  *corebridge.Bridge
	lh *host.LuaHost

	fdCtx map[int]*corebridge.HandleContext
}

// Register creates and binds an fs module into L.
func Register(L *lua.LState, b *corebridge.Bridge, lh *host.LuaHost) *Module {
	m := &Module{b: b, lh: lh, fdCtx: make(map[int]*corebridge.HandleContext)}
	L.RegisterModule("fs", map[string]lua.LGFunction{
		"open":    m.open,
		"close":   m.close,
		"read":    m.read,
		"write":   m.write,
		"stat":    m.stat,
		"scandir": m.scandir,
	})
	return m
}

func (m *Module) coroutineOrRaise(L *lua.LState, name string) (registry.CoroutineID, bool) {
	if err := host.EnsureCoroutine(L, name); err != nil {
		L.RaiseError("%s", err.Error())
		return 0, false
	}
	co, ok := m.lh.IdentifyCoroutine(L)
	if !ok {
		L.RaiseError("%s: could not identify calling coroutine", name)
		return 0, false
	}
	return co, true
}

func (m *Module) open(L *lua.LState) int {
	co, ok := m.coroutineOrRaise(L, "open")
	if !ok {
		return 0
	}
	path := L.CheckString(1)
	flags := L.CheckInt(2)
	mode := L.CheckInt(3)

	ctx := corebridge.NewHandleContext(corebridge.KindClientStream, co, 0)
	coref := m.b.BeginOp(ctx, co)
	ctx.ReadCoref = coref

	m.b.Reactor.FSOpen(path, flags, uint32(mode), func(fd int, err error) {
		m.b.CompleteOp(ctx, &ctx.ReadCoref, 2, func(c registry.CoroutineID) {
			if err != nil {
				m.b.Host.PushError(c, err.Error())
				return
			}
			m.fdCtx[fd] = ctx
			m.b.Host.PushResult(c, float64(fd))
		})
	})
	return L.Yield()
}

func (m *Module) close(L *lua.LState) int {
	co, ok := m.coroutineOrRaise(L, "close")
	if !ok {
		return 0
	}
	fd := L.CheckInt(1)
	ctx, ok := m.fdCtx[fd]
	if !ok {
		L.RaiseError("fs.close: unknown fd %d", fd)
		return 0
	}
	delete(m.fdCtx, fd)

	coref := m.b.BeginOp(ctx, co)
	ctx.WriteCoref = coref
	m.b.Reactor.FSClose(fd, func(err error) {
		m.b.CompleteOp(ctx, &ctx.WriteCoref, 1, func(c registry.CoroutineID) {
			if err != nil {
				m.b.Host.PushResult(c, err.Error())
				return
			}
			m.b.Host.PushResult(c, nil)
		})
	})
	return L.Yield()
}

func (m *Module) read(L *lua.LState) int {
	co, ok := m.coroutineOrRaise(L, "read")
	if !ok {
		return 0
	}
	fd := L.CheckInt(1)
	size := L.CheckInt(2)
	offset := int64(-1)
	if L.GetTop() >= 3 {
		offset = L.CheckInt64(3)
	}
	ctx, ok := m.fdCtx[fd]
	if !ok {
		L.RaiseError("fs.read: unknown fd %d", fd)
		return 0
	}

	coref := m.b.BeginOp(ctx, co)
	ctx.ReadCoref = coref
	m.b.Reactor.FSRead(fd, size, offset, func(data []byte, err error) {
		m.b.CompleteOp(ctx, &ctx.ReadCoref, 2, func(c registry.CoroutineID) {
			if err != nil {
				m.b.Host.PushError(c, err.Error())
				return
			}
			m.b.Host.PushResult(c, string(data))
		})
	})
	return L.Yield()
}

func (m *Module) write(L *lua.LState) int {
	co, ok := m.coroutineOrRaise(L, "write")
	if !ok {
		return 0
	}
	fd := L.CheckInt(1)
	data := L.CheckString(2)
	offset := int64(-1)
	if L.GetTop() >= 3 {
		offset = L.CheckInt64(3)
	}
	ctx, ok := m.fdCtx[fd]
	if !ok {
		L.RaiseError("fs.write: unknown fd %d", fd)
		return 0
	}

	coref := m.b.BeginOp(ctx, co)
	ctx.WriteCoref = coref
	m.b.Reactor.FSWrite(fd, []byte(data), offset, func(n int, err error) {
		m.b.CompleteOp(ctx, &ctx.WriteCoref, 2, func(c registry.CoroutineID) {
			if err != nil {
				m.b.Host.PushError(c, err.Error())
				return
			}
			m.b.Host.PushResult(c, float64(n))
		})
	})
	return L.Yield()
}

func (m *Module) stat(L *lua.LState) int {
	co, ok := m.coroutineOrRaise(L, "stat")
	if !ok {
		return 0
	}
	path := L.CheckString(1)

	ctx := corebridge.NewHandleContext(corebridge.KindClientStream, co, 0)
	coref := m.b.BeginOp(ctx, co)
	ctx.ReadCoref = coref

	m.b.Reactor.FSStat(path, func(info reactor.FileInfo, err error) {
		m.b.CompleteOp(ctx, &ctx.ReadCoref, 2, func(c registry.CoroutineID) {
			if err != nil {
				m.b.Host.PushError(c, err.Error())
				return
			}
			tbl := map[string]any{
				"size": float64(info.Size),
				"mtime": float64(info.Mtime.Unix()),
				"mode": float64(info.Mode),
				"type": info.Type,
			}
			m.b.Host.PushResult(c, tbl)
		})
	})
	return L.Yield()
}

func (m *Module) scandir(L *lua.LState) int {
	co, ok := m.coroutineOrRaise(L, "scandir")
	if !ok {
		return 0
	}
	path := L.CheckString(1)

	ctx := corebridge.NewHandleContext(corebridge.KindClientStream, co, 0)
	coref := m.b.BeginOp(ctx, co)
	ctx.ReadCoref = coref

	m.b.Reactor.FSScandir(path, func(entries []reactor.DirEntry, err error) {
		m.b.CompleteOp(ctx, &ctx.ReadCoref, 2, func(c registry.CoroutineID) {
			if err != nil {
				m.b.Host.PushError(c, err.Error())
				return
			}
			out := make([]any, 0, len(entries))
			for _, e := range entries {
				out = append(out, map[string]any{"name": e.Name, "type": e.Type})
			}
			m.b.Host.PushResult(c, out)
		})
	})
	return L.Yield()
}
