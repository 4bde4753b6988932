package fs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/stretchr/testify/require"

	corebridge "github.com/lua-lunet/lunet/core"
	"github.com/lua-lunet/lunet/host"
	"github.com/lua-lunet/lunet/internal/diag"
	"github.com/lua-lunet/lunet/reactor"
	"github.com/lua-lunet/lunet/runtime"
)

func newTestModule(t *testing.T) (*Module, *lua.LState, *reactor.IOReactor) {
	t.Helper()
	r, err := reactor.New()
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	L := lua.NewState()
	t.Cleanup(L.Close)

	lh := host.New(L)
	b := corebridge.New(lh, r, diag.New(nil, false), runtime.NewDefault())
	return Register(L, b, lh), L, r
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

func TestOpenRequiresCoroutine(t *testing.T) {
	m, L, _ := newTestModule(t)
	L.Push(lua.LString("/tmp/x"))
	L.Push(lua.LNumber(0))
	L.Push(lua.LNumber(0o644))
	panicked, msg := raisesError(t, L, m.open)
	require.True(t, panicked)
	require.Contains(t, msg, "coroutine")
}

func TestCloseUnknownFd(t *testing.T) {
	m, L, _ := newTestModule(t)
	L.Push(lua.LNumber(999))
	panicked, _ := raisesError(t, L, m.close)
	require.True(t, panicked)
}

func TestReadWriteUnknownFd(t *testing.T) {
	m, L, _ := newTestModule(t)

	L.Push(lua.LNumber(999))
	L.Push(lua.LNumber(16))
	panicked, _ := raisesError(t, L, m.read)
	require.True(t, panicked)

	L.Push(lua.LNumber(999))
	L.Push(lua.LString("data"))
	panicked, _ = raisesError(t, L, m.write)
	require.True(t, panicked)
}

func TestStatScandirRequireCoroutine(t *testing.T) {
	m, L, _ := newTestModule(t)

	L.Push(lua.LString("/tmp"))
	panicked, _ := raisesError(t, L, m.stat)
	require.True(t, panicked)

	L.Push(lua.LString("/tmp"))
	panicked, _ = raisesError(t, L, m.scandir)
	require.True(t, panicked)
}

// TestStatReturnsIndexableTable drives a real fs.stat call through the
// reactor and checks the result is an indexable table with the
// {size,mtime,mode,type} fields, not a stringified Go map.
func TestStatReturnsIndexableTable(t *testing.T) {
	m, L, r := newTestModule(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "probe.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	L.SetGlobal("probe_path", lua.LString(path))
	fn, err := L.LoadString(`
		local info = fs.stat(probe_path)
		_G.stat_size = info.size
		_G.stat_type = info.type
	`)
	require.NoError(t, err)
	_, status, spawnErr := m.b.Host.Spawn(fn)
	require.NoError(t, spawnErr)
	require.Equal(t, host.ResumeYielded, status)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.RunUntilIdle(ctx))

	require.Equal(t, lua.LNumber(5), L.GetGlobal("stat_size"))
	require.Equal(t, "file", L.GetGlobal("stat_type").String())
}
