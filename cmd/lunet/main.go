// Command lunet runs a Lua script against the cooperative single-threaded
// async I/O runtime: core/socket/udp/signal/fs/su modules are registered
// into one *lua.LState, the script is loaded on the main state (where it is
// free to call core.spawn to start coroutines), and the reactor is driven
// via the run-until-idle entry point spec §4.B requires until the script's
// work quiesces, core.exit is called, or SIGINT requests a graceful drain.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	stdsignal "os/signal"
	"time"

	lua "github.com/yuin/gopher-lua"

	corebridge "github.com/lua-lunet/lunet/core"
	"github.com/lua-lunet/lunet/host"
	"github.com/lua-lunet/lunet/internal/diag"
	modcore "github.com/lua-lunet/lunet/modules/core"
	"github.com/lua-lunet/lunet/modules/fs"
	modsignal "github.com/lua-lunet/lunet/modules/signal"
	"github.com/lua-lunet/lunet/modules/socket"
	"github.com/lua-lunet/lunet/modules/su"
	"github.com/lua-lunet/lunet/modules/udp"
	"github.com/lua-lunet/lunet/reactor"
	"github.com/lua-lunet/lunet/runtime"
)

// shutdownGrace is how long SIGINT's graceful drain waits for outstanding
// operations to finish naturally before forcing every handle closed.
const shutdownGrace = 5 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fset := flag.NewFlagSet("lunet", flag.ContinueOnError)
	allowNonLoopback := fset.Bool("dangerously-skip-loopback-restriction", false,
		"allow stream/datagram binds to non-loopback addresses")
	verbose := fset.Bool("verbose-trace", false, "raise the diagnostic logger to debug level")
	if err := fset.Parse(args); err != nil {
		return 2
	}
	if fset.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: lunet [flags] <script.lua>")
		return 2
	}
	scriptPath := fset.Arg(0)

	cfg := runtime.NewDefault()
	cfg.AllowNonLoopbackBind = *allowNonLoopback
	cfg.VerboseTrace = *verbose

	logger := diag.New(os.Stderr, cfg.VerboseTrace)

	r, err := reactor.New(reactor.WithCounters(logger.Counters()))
	if err != nil {
		logger.Errorf("reactor init: %v", err)
		return 1
	}
	defer r.Close()

	L := lua.NewState()
	defer L.Close()

	lh := host.New(L)
	b := corebridge.New(lh, r, logger, cfg)

	exit := &modcore.ExitState{}
	modcore.Register(L, b, lh, exit)
	socket.Register(L, b, lh)
	udp.Register(L, b, lh)
	modsignal.Register(L, b, lh)
	fs.Register(L, b, lh)
	suMod := su.Register(L, b, lh)

	if err := L.DoFile(scriptPath); err != nil {
		logger.Errorf("script error: %v", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	stdsignal.Notify(sigCh, os.Interrupt)
	defer stdsignal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
			logger.Infof("SIGINT received, draining")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer shutdownCancel()
			if err := r.Shutdown(shutdownCtx); err != nil {
				logger.Errorf("shutdown: %v", err)
			}
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := r.RunUntilIdle(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorf("reactor: %v", err)
	}

	if cfg.VerboseTrace {
		balanced, allocs, frees, bytes := logger.Counters().AssertBalance()
		logger.Debugf("alloc balance: allocs=%d frees=%d bytes=%d balanced=%v", allocs, frees, bytes, balanced)
		for handle, stats := range suMod.AllStats() {
			logger.Debugf("su[%d]: committed=%d written=%d flushes=%d", handle, stats.AddressesCommitted, stats.BytesWritten, stats.FlushCount)
		}
	}

	if exit.Set {
		return exit.Code
	}
	return 0
}
