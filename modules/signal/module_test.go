package signal

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

func newTestModule(t *testing.T) (*Module, *lua.LState) {
	t.Helper()
	r, err := reactor.New()
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	L := lua.NewState()
	t.Cleanup(L.Close)

	lh := host.New(L)
	b := corebridge.New(lh, r, diag.New(nil, false), runtime.NewDefault())
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

func TestWaitRequiresCoroutine(t *testing.T) {
	m, L := newTestModule(t)
	L.Push(lua.LString("INT"))
	panicked, msg := raisesError(t, L, m.wait)
	require.True(t, panicked)
	require.Contains(t, msg, "coroutine")
}

func TestValidNamesTable(t *testing.T) {
	require.True(t, validNames["INT"])
	require.True(t, validNames["TERM"])
	require.True(t, validNames["HUP"])
	require.True(t, validNames["QUIT"])
	require.False(t, validNames["KILL"])
	require.False(t, validNames["BOGUS"])
}
