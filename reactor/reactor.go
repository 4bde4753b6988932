// Package reactor defines the collaborator interface the core bridge
// consumes (spec component B) and a concrete implementation backed by the
// Go runtime's own networking/filesystem/signal/timer primitives.
//
// Every accept/read/write/recv/send/open/stat/etc. submission takes a
// completion callback and returns immediately; completions are delivered
// exactly once, always on the goroutine that calls RunUntilIdle (spec §4.B:
// "the reactor is single-threaded: all callbacks fire on the thread that
// drives the loop"). Submitting goroutines never touch core state directly
// — they only ever hand a closure to the reactor's completion channel.
package reactor

import (
	"context"
	"time"
)

// ListenerHandle, StreamHandle, DatagramHandle, TimerHandle and SignalHandle
// are opaque handles a Reactor implementation hands back to the core; the
// core never looks inside them.
type (
	ListenerHandle = uint64
	StreamHandle   = uint64
	DatagramHandle = uint64
	TimerHandle    = uint64
	SignalHandle   = uint64
)

// FileInfo is the result of FSStat (spec §4.J: "stat returns a mapping
// {size, mtime, mode, type}").
type FileInfo struct {
	Size  int64
	Mtime time.Time
	Mode  uint32
	Type  string // "file" | "dir" | "link" | "other"
}

// DirEntry is one entry of an FSScandir result (spec §4.J: "a sequence of
// {name, type} entries").
type DirEntry struct {
	Name string
	Type string
}

// Reactor is the collaborator surface the core bridge is built against.
// Concrete implementations (only IOReactor in this repository) own every
// platform detail; the core only ever calls through this interface, so a
// different event-loop backend could be substituted without touching
// core/host/modules code.
type Reactor interface {
	// RunUntilIdle drives the loop, delivering completions on the calling
	// goroutine, until no submitted operation remains outstanding or ctx is
	// cancelled. It is the single entry point spec §4.B(i) requires.
	RunUntilIdle(ctx context.Context) error

	// Wake interrupts a blocking RunUntilIdle wait from any goroutine —
	// used to fold an external signal (e.g. process SIGINT) into the
	// reactor's own completion stream instead of a second code path.
	Wake()

	// Outstanding reports the number of operations currently in flight,
	// for tests and the CLI's shutdown-drain diagnostics.
	Outstanding() int64

	StreamListen(network, address string) (ListenerHandle, error)
	// ListenerClose closes l's underlying net.Listener, which unblocks any
	// goroutine parked in Accept so its completion (with an error) drains
	// through the usual channel — a blocked Accept is itself an outstanding
	// op, so without this the loop never goes idle after a listener close.
	ListenerClose(l ListenerHandle, cb func())
	StreamAccept(l ListenerHandle, cb func(StreamHandle, error))
	StreamConnect(network, address string, cb func(StreamHandle, error))
	StreamReadStart(s StreamHandle, bufSize int, cb func([]byte, error))
	StreamReadStop(s StreamHandle)
	StreamWrite(s StreamHandle, data []byte, cb func(error))
	StreamClose(s StreamHandle, cb func())
	StreamPeerName(s StreamHandle) (string, error)

	DatagramBind(network, address string) (DatagramHandle, error)
	DatagramRecvStart(d DatagramHandle, bufSize int, cb func(data []byte, from string, err error))
	DatagramRecvStop(d DatagramHandle)
	DatagramSend(d DatagramHandle, data []byte, address string, cb func(error))
	DatagramClose(d DatagramHandle, cb func())

	TimerStart(d time.Duration, cb func()) TimerHandle
	TimerStop(t TimerHandle)

	SignalStart(name string, cb func(name string, err error)) (SignalHandle, error)
	SignalStop(s SignalHandle)

	FSOpen(path string, flags int, mode uint32, cb func(fd int, err error))
	FSClose(fd int, cb func(error))
	FSRead(fd int, size int, offset int64, cb func([]byte, error))
	FSWrite(fd int, data []byte, offset int64, cb func(n int, err error))
	FSStat(path string, cb func(FileInfo, error))
	FSScandir(path string, cb func([]DirEntry, error))

	// FSSync fsyncs fd's contents to durable storage — the storage unit's
	// write_once and bitmap-flush machine (spec §4.K) depend on this to
	// honor "resume OK only after durable".
	FSSync(fd int, cb func(error))
	// FSTruncate sets fd's size to size bytes, growing or shrinking it. The
	// storage unit does not call it: its data file grows through FSWrite at
	// each block's offset.
	FSTruncate(fd int, size int64, cb func(error))

	// Close shuts the reactor down, closing every outstanding handle before
	// returning. It delivers no close callbacks.
	Close() error

	// Shutdown requests a graceful drain: waits for Outstanding to reach
	// zero naturally (every in-flight op completes and every coroutine it
	// wakes runs to its next yield or termination) until ctx's deadline,
	// then closes every remaining handle. Unlike Close, which tears
	// everything down immediately, Shutdown gives in-flight work a chance
	// to finish — the CLI's SIGINT handler calls this instead of Close so
	// a script gets to observe its pending reads/writes complete.
	Shutdown(ctx context.Context) error
}
