package udp

import (
	"fmt"
	"testing"

	lua "github.com/yuin/gopher-lua"

	"github.com/stretchr/testify/require"

	corebridge "github.com/lua-lunet/lunet/core"
	"github.com/lua-lunet/lunet/host"
	"github.com/lua-lunet/lunet/internal/diag"
	"github.com/lua-lunet/lunet/reactor"
	"github.com/lua-lunet/lunet/runtime"
)

func newTestModule(t *testing.T, cfg runtime.Config) (*Module, *lua.LState) {
	t.Helper()
	r, err := reactor.New()
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	L := lua.NewState()
	t.Cleanup(L.Close)

	lh := host.New(L)
	b := corebridge.New(lh, r, diag.New(nil, false), cfg)
	return Register(L, b, lh), L
}

func raisesError(t *testing.T, L *lua.LState, fn func(*lua.LState) int) (panicked bool, msg string) {
	t.Helper()
	defer func() {
		if rec := recover(); rec != nil {
			panicked = true
			if ae, ok := rec.(*lua.ApiError); ok {
				msg = ae.Object.String()
			} else {
				msg = fmt.Sprintf("%v", rec)
			}
		}
	}()
	fn(L)
	return false, ""
}

func TestBindRejectsPortOutOfRange(t *testing.T) {
	m, L := newTestModule(t, runtime.NewDefault())
	L.Push(lua.LString("127.0.0.1"))
	L.Push(lua.LNumber(70000))
	panicked, _ := raisesError(t, L, m.bind)
	require.True(t, panicked)
}

func TestBindRejectsNonLoopbackByDefault(t *testing.T) {
	m, L := newTestModule(t, runtime.NewDefault())
	L.Push(lua.LString("0.0.0.0"))
	L.Push(lua.LNumber(9000))
	n := m.bind(L)
	require.Equal(t, 2, n)
	require.Equal(t, lua.LNil, L.Get(-2))
}

func TestBindLoopbackSucceeds(t *testing.T) {
	m, L := newTestModule(t, runtime.NewDefault())
	L.Push(lua.LString("127.0.0.1"))
	L.Push(lua.LNumber(0))
	n := m.bind(L)
	require.Equal(t, 1, n)
	require.IsType(t, lua.LNumber(0), L.Get(-1))
}

func TestRecvSendRequireCoroutine(t *testing.T) {
	m, L := newTestModule(t, runtime.NewDefault())

	L.Push(lua.LNumber(1))
	panicked, _ := raisesError(t, L, m.recv)
	require.True(t, panicked)

	L.Push(lua.LNumber(1))
	L.Push(lua.LString("x"))
	L.Push(lua.LString("127.0.0.1"))
	L.Push(lua.LNumber(9000))
	panicked, _ = raisesError(t, L, m.send)
	require.True(t, panicked)
}

func TestCloseUnknownHandleIsNoop(t *testing.T) {
	m, L := newTestModule(t, runtime.NewDefault())
	L.Push(lua.LNumber(999))
	n := m.close(L)
	require.Equal(t, 0, n)
}

func TestSplitHostPort(t *testing.T) {
	h, p := splitHostPort("127.0.0.1:5353")
	require.Equal(t, "127.0.0.1", h)
	require.Equal(t, "5353", p)

	h, p = splitHostPort("noport")
	require.Equal(t, "noport", h)
	require.Equal(t, "", p)
}
