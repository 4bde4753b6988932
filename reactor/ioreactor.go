package reactor

import (
	"context"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/lua-lunet/lunet/internal/alloc"
	"github.com/lua-lunet/lunet/internal/diag"
	"github.com/lua-lunet/lunet/internal/ingress"
)

const defaultReadBufSize = 64 * 1024

// IOReactor is the one Reactor implementation in this repository. It is
// backed by the Go runtime's own net/os/time/signal primitives rather than a
// hand-rolled epoll loop: Go's runtime poller already gives every net.Conn
// and os.File non-blocking, cheaply-scheduled I/O, so a blocking call inside
// a dedicated goroutine per outstanding operation is the idiomatic
// equivalent of the teacher's FastPoller (eventloop/poller_linux.go) without
// re-deriving its raw epoll bookkeeping. What IS carried over directly is
// the shape: a completion channel plays the role of the teacher's wake-pipe
// plus ingress queue combined, and RunUntilIdle drains it onto an
// ingress.CompletionQueue exactly the way Loop.tick() drains its internal
// queue (eventloop/loop.go) — one completion queue, touched only by the
// thread driving the loop.
type IOReactor struct {
	completions chan func()
	wake        *wakePipe
	outstanding atomic.Int64
	closed      atomic.Bool
	nextID      atomic.Uint64
	alloc       *alloc.Allocator

	mu        sync.Mutex
	listeners map[ListenerHandle]*listenerEntry
	streams   map[StreamHandle]*streamEntry
	datagrams map[DatagramHandle]*datagramEntry
	timers    map[TimerHandle]*timerEntry
	signals   map[SignalHandle]*signalEntry
	files     map[int]*os.File
}

type listenerEntry struct {
	ln net.Listener
}

type streamEntry struct {
	conn net.Conn
}

type datagramEntry struct {
	conn *net.UDPConn
}

type timerEntry struct {
	t       *time.Timer
	stopped bool
}

type signalEntry struct {
	stopCh chan struct{}
}

// Option configures an IOReactor at construction.
type Option func(*IOReactor)

// WithCounters routes every read/recv buffer the reactor hands out through an
// internal/alloc.Allocator recording against counters, so a caller's
// diag.Counters.AssertBalance (spec §8 invariant 8) reflects real traffic
// instead of always trivially balancing at zero.
func WithCounters(counters *diag.Counters) Option {
	return func(r *IOReactor) { r.alloc = alloc.New(counters) }
}

// New creates an IOReactor. The completion channel is generously buffered so
// that a burst of concurrent I/O (e.g. many fs reads) never blocks a
// submitting goroutine on the consumer keeping up.
func New(opts ...Option) (*IOReactor, error) {
	wp, err := newWakePipe()
	if err != nil {
		return nil, fmt.Errorf("reactor: creating wake pipe: %w", err)
	}
	r := &IOReactor{
		completions: make(chan func(), 4096),
		wake:        wp,
		listeners:   make(map[ListenerHandle]*listenerEntry),
		streams:     make(map[StreamHandle]*streamEntry),
		datagrams:   make(map[DatagramHandle]*datagramEntry),
		timers:      make(map[TimerHandle]*timerEntry),
		signals:     make(map[SignalHandle]*signalEntry),
		files:       make(map[int]*os.File),
		alloc:       alloc.New(nil),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *IOReactor) allocID() uint64 {
	return r.nextID.Add(1)
}

func (r *IOReactor) submit(fn func()) {
	r.outstanding.Add(1)
	r.completions <- func() {
		defer r.outstanding.Add(-1)
		fn()
	}
}

// Outstanding reports the number of operations currently in flight.
func (r *IOReactor) Outstanding() int64 {
	return r.outstanding.Load()
}

// Wake interrupts a blocked RunUntilIdle by pushing a no-op completion.
func (r *IOReactor) Wake() {
	r.completions <- func() {}
}

// RunUntilIdle drains completions until none remain outstanding or ctx ends.
func (r *IOReactor) RunUntilIdle(ctx context.Context) error {
	q := ingress.New()
	for {
		if r.outstanding.Load() == 0 && q.Len() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-r.completions:
			q.Push(fn)
			// Drain any further completions already queued without
			// blocking, so a burst delivered between ticks is handled in
			// one pass.
			draining := true
			for draining {
				select {
				case fn2 := <-r.completions:
					q.Push(fn2)
				default:
					draining = false
				}
			}
			q.DrainAll()
		}
	}
}

// Shutdown waits for Outstanding to reach zero on its own, polling at a
// short fixed interval since, unlike the teacher's loop, RunUntilIdle is
// caller-driven rather than owning its own goroutine with a done channel to
// block on. Once drained (or ctx expires first) it closes every remaining
// handle.
func (r *IOReactor) Shutdown(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for r.Outstanding() > 0 {
		select {
		case <-ctx.Done():
			_ = r.Close()
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return r.Close()
}

// Close shuts every outstanding handle down: listeners, streams, datagram
// sockets and files are closed, timers stopped and signal watchers released.
// It invokes no callbacks; only the per-handle *Close methods deliver a
// close callback.
func (r *IOReactor) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.listeners {
		_ = l.ln.Close()
	}
	for _, s := range r.streams {
		_ = s.conn.Close()
	}
	for _, d := range r.datagrams {
		_ = d.conn.Close()
	}
	for _, t := range r.timers {
		t.t.Stop()
	}
	for _, sig := range r.signals {
		close(sig.stopCh)
	}
	for _, f := range r.files {
		_ = f.Close()
	}
	r.wake.close()
	return nil
}

// --- Stream sockets (spec §4.F) ---

func (r *IOReactor) StreamListen(network, address string) (ListenerHandle, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return 0, err
	}
	id := r.allocID()
	r.mu.Lock()
	r.listeners[id] = &listenerEntry{ln: ln}
	r.mu.Unlock()
	return id, nil
}

// ListenerClose closes l's net.Listener so any goroutine blocked in
// entry.ln.Accept() (in StreamAccept below) returns with an error instead of
// hanging forever — that blocked Accept counted as outstanding, so leaving
// the listener open would leave RunUntilIdle waiting on an op that can never
// complete.
func (r *IOReactor) ListenerClose(l ListenerHandle, cb func()) {
	r.mu.Lock()
	entry, ok := r.listeners[l]
	delete(r.listeners, l)
	r.mu.Unlock()
	r.outstanding.Add(1)
	go func() {
		if ok {
			_ = entry.ln.Close()
		}
		r.completions <- func() {
			defer r.outstanding.Add(-1)
			cb()
		}
	}()
}

func (r *IOReactor) StreamAccept(l ListenerHandle, cb func(StreamHandle, error)) {
	r.mu.Lock()
	entry, ok := r.listeners[l]
	r.mu.Unlock()
	if !ok {
		r.submit(func() { cb(0, fmt.Errorf("reactor: unknown listener")) })
		return
	}
	r.outstanding.Add(1)
	go func() {
		conn, err := entry.ln.Accept()
		var handle StreamHandle
		if err == nil {
			handle = r.allocID()
			r.mu.Lock()
			r.streams[handle] = &streamEntry{conn: conn}
			r.mu.Unlock()
		}
		r.completions <- func() {
			defer r.outstanding.Add(-1)
			cb(handle, err)
		}
	}()
}

func (r *IOReactor) StreamConnect(network, address string, cb func(StreamHandle, error)) {
	r.outstanding.Add(1)
	go func() {
		conn, err := net.Dial(network, address)
		var handle StreamHandle
		if err == nil {
			handle = r.allocID()
			r.mu.Lock()
			r.streams[handle] = &streamEntry{conn: conn}
			r.mu.Unlock()
		}
		r.completions <- func() {
			defer r.outstanding.Add(-1)
			cb(handle, err)
		}
	}()
}

func (r *IOReactor) StreamReadStart(s StreamHandle, bufSize int, cb func([]byte, error)) {
	r.mu.Lock()
	entry, ok := r.streams[s]
	r.mu.Unlock()
	if !ok {
		r.submit(func() { cb(nil, fmt.Errorf("reactor: unknown stream")) })
		return
	}
	if bufSize <= 0 {
		bufSize = defaultReadBufSize
	}
	r.outstanding.Add(1)
	go func() {
		buf := r.alloc.Alloc(bufSize)
		n, err := entry.conn.Read(buf)
		var out []byte
		if n > 0 {
			out = buf[:n]
		}
		if err != nil {
			r.completions <- func() {
				defer r.outstanding.Add(-1)
				defer r.alloc.Free(buf)
				// EOF resolves as (nil, nil) per spec §4.F.
				if isEOF(err) {
					cb(nil, nil)
				} else {
					cb(nil, err)
				}
			}
			return
		}
		r.completions <- func() {
			defer r.outstanding.Add(-1)
			defer r.alloc.Free(buf)
			cb(out, nil)
		}
	}()
}

func isEOF(err error) bool {
	return err != nil && err.Error() == "EOF"
}

// StreamReadStop exists for interface symmetry with spec §4.F's
// "read-start... read-stop" pairing; in this one-shot implementation the
// single read has already completed by the time it would be called, so it
// is a no-op. It is not reachable from scripts — only the core calls it,
// immediately after delivering the one chunk a read yields.
func (r *IOReactor) StreamReadStop(StreamHandle) {}

func (r *IOReactor) StreamWrite(s StreamHandle, data []byte, cb func(error)) {
	r.mu.Lock()
	entry, ok := r.streams[s]
	r.mu.Unlock()
	if !ok {
		r.submit(func() { cb(fmt.Errorf("reactor: unknown stream")) })
		return
	}
	r.outstanding.Add(1)
	go func() {
		_, err := entry.conn.Write(data)
		r.completions <- func() {
			defer r.outstanding.Add(-1)
			cb(err)
		}
	}()
}

func (r *IOReactor) StreamClose(s StreamHandle, cb func()) {
	r.mu.Lock()
	entry, ok := r.streams[s]
	delete(r.streams, s)
	r.mu.Unlock()
	r.outstanding.Add(1)
	go func() {
		if ok {
			_ = entry.conn.Close()
		}
		r.completions <- func() {
			defer r.outstanding.Add(-1)
			cb()
		}
	}()
}

func (r *IOReactor) StreamPeerName(s StreamHandle) (string, error) {
	r.mu.Lock()
	entry, ok := r.streams[s]
	r.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("reactor: unknown stream")
	}
	if _, ok := entry.conn.(*net.UnixConn); ok {
		return "unix", nil
	}
	return entry.conn.RemoteAddr().String(), nil
}

// --- Datagram sockets (spec §4.G) ---

func (r *IOReactor) DatagramBind(network, address string) (DatagramHandle, error) {
	addr, err := net.ResolveUDPAddr(network, address)
	if err != nil {
		return 0, err
	}
	conn, err := net.ListenUDP(network, addr)
	if err != nil {
		return 0, err
	}
	id := r.allocID()
	r.mu.Lock()
	r.datagrams[id] = &datagramEntry{conn: conn}
	r.mu.Unlock()
	return id, nil
}

func (r *IOReactor) DatagramRecvStart(d DatagramHandle, bufSize int, cb func(data []byte, from string, err error)) {
	r.mu.Lock()
	entry, ok := r.datagrams[d]
	r.mu.Unlock()
	if !ok {
		r.submit(func() { cb(nil, "", fmt.Errorf("reactor: unknown datagram socket")) })
		return
	}
	if bufSize <= 0 {
		bufSize = defaultReadBufSize
	}
	r.outstanding.Add(1)
	go func() {
		buf := r.alloc.Alloc(bufSize)
		n, from, err := entry.conn.ReadFromUDP(buf)
		var out []byte
		var fromStr string
		if n > 0 {
			out = buf[:n]
		}
		if from != nil {
			fromStr = from.String()
		}
		r.completions <- func() {
			defer r.outstanding.Add(-1)
			defer r.alloc.Free(buf)
			cb(out, fromStr, err)
		}
	}()
}

func (r *IOReactor) DatagramRecvStop(DatagramHandle) {}

func (r *IOReactor) DatagramSend(d DatagramHandle, data []byte, address string, cb func(error)) {
	r.mu.Lock()
	entry, ok := r.datagrams[d]
	r.mu.Unlock()
	if !ok {
		r.submit(func() { cb(fmt.Errorf("reactor: unknown datagram socket")) })
		return
	}
	r.outstanding.Add(1)
	go func() {
		addr, err := net.ResolveUDPAddr("udp", address)
		if err == nil {
			_, err = entry.conn.WriteToUDP(data, addr)
		}
		r.completions <- func() {
			defer r.outstanding.Add(-1)
			cb(err)
		}
	}()
}

func (r *IOReactor) DatagramClose(d DatagramHandle, cb func()) {
	r.mu.Lock()
	entry, ok := r.datagrams[d]
	delete(r.datagrams, d)
	r.mu.Unlock()
	r.outstanding.Add(1)
	go func() {
		if ok {
			_ = entry.conn.Close()
		}
		r.completions <- func() {
			defer r.outstanding.Add(-1)
			cb()
		}
	}()
}

// --- Timers (spec §4.H) ---

func (r *IOReactor) TimerStart(d time.Duration, cb func()) TimerHandle {
	id := r.allocID()
	r.outstanding.Add(1)
	t := time.AfterFunc(d, func() {
		r.completions <- func() {
			defer r.outstanding.Add(-1)
			cb()
		}
	})
	r.mu.Lock()
	r.timers[id] = &timerEntry{t: t}
	r.mu.Unlock()
	return id
}

func (r *IOReactor) TimerStop(t TimerHandle) {
	r.mu.Lock()
	entry, ok := r.timers[t]
	if ok {
		delete(r.timers, t)
	}
	r.mu.Unlock()
	if ok && !entry.stopped {
		entry.stopped = true
		if entry.t.Stop() {
			r.outstanding.Add(-1)
		}
	}
}

// --- Signals (spec §4.I) ---

var signalByName = map[string]os.Signal{
	"INT":  syscall.SIGINT,
	"TERM": syscall.SIGTERM,
	"HUP":  syscall.SIGHUP,
	"QUIT": syscall.SIGQUIT,
}

func (r *IOReactor) SignalStart(name string, cb func(name string, err error)) (SignalHandle, error) {
	sig, ok := signalByName[name]
	if !ok {
		return 0, fmt.Errorf("reactor: unsupported signal %q", name)
	}
	id := r.allocID()
	ch := make(chan os.Signal, 1)
	stopCh := make(chan struct{})
	signal.Notify(ch, sig)
	r.mu.Lock()
	r.signals[id] = &signalEntry{stopCh: stopCh}
	r.mu.Unlock()
	r.outstanding.Add(1)
	go func() {
		select {
		case received := <-ch:
			signal.Stop(ch)
			r.completions <- func() {
				defer r.outstanding.Add(-1)
				cb(signalDisplayName(received), nil)
			}
		case <-stopCh:
			signal.Stop(ch)
			r.outstanding.Add(-1)
		}
	}()
	return id, nil
}

func signalDisplayName(sig os.Signal) string {
	for name, s := range signalByName {
		if s == sig {
			return name
		}
	}
	return fmt.Sprintf("SIGNAL_%d", sig)
}

func (r *IOReactor) SignalStop(s SignalHandle) {
	r.mu.Lock()
	entry, ok := r.signals[s]
	if ok {
		delete(r.signals, s)
	}
	r.mu.Unlock()
	if ok {
		close(entry.stopCh)
	}
}

// --- Filesystem (spec §4.J), dispatched to the reactor's own goroutine pool ---

func (r *IOReactor) FSOpen(path string, flags int, mode uint32, cb func(fd int, err error)) {
	r.outstanding.Add(1)
	go func() {
		f, err := os.OpenFile(path, flags, fs.FileMode(mode))
		fd := -1
		if err == nil {
			fd = int(r.allocID())
			r.mu.Lock()
			r.files[fd] = f
			r.mu.Unlock()
		}
		r.completions <- func() {
			defer r.outstanding.Add(-1)
			cb(fd, err)
		}
	}()
}

func (r *IOReactor) FSClose(fd int, cb func(error)) {
	r.mu.Lock()
	f, ok := r.files[fd]
	delete(r.files, fd)
	r.mu.Unlock()
	r.outstanding.Add(1)
	go func() {
		var err error
		if ok {
			err = f.Close()
		} else {
			err = fmt.Errorf("reactor: unknown fd %d", fd)
		}
		r.completions <- func() {
			defer r.outstanding.Add(-1)
			cb(err)
		}
	}()
}

func (r *IOReactor) FSRead(fd int, size int, offset int64, cb func([]byte, error)) {
	r.mu.Lock()
	f, ok := r.files[fd]
	r.mu.Unlock()
	if !ok {
		r.submit(func() { cb(nil, fmt.Errorf("reactor: unknown fd %d", fd)) })
		return
	}
	r.outstanding.Add(1)
	go func() {
		buf := r.alloc.Alloc(size)
		var n int
		var err error
		if offset >= 0 {
			n, err = f.ReadAt(buf, offset)
		} else {
			n, err = f.Read(buf)
		}
		var out []byte
		if n > 0 {
			out = buf[:n]
		}
		if isEOF(err) {
			err = nil
		}
		r.completions <- func() {
			defer r.outstanding.Add(-1)
			defer r.alloc.Free(buf)
			cb(out, err)
		}
	}()
}

func (r *IOReactor) FSWrite(fd int, data []byte, offset int64, cb func(n int, err error)) {
	r.mu.Lock()
	f, ok := r.files[fd]
	r.mu.Unlock()
	if !ok {
		r.submit(func() { cb(0, fmt.Errorf("reactor: unknown fd %d", fd)) })
		return
	}
	r.outstanding.Add(1)
	go func() {
		var n int
		var err error
		if offset >= 0 {
			n, err = f.WriteAt(data, offset)
		} else {
			n, err = f.Write(data)
		}
		r.completions <- func() {
			defer r.outstanding.Add(-1)
			cb(n, err)
		}
	}()
}

func (r *IOReactor) FSSync(fd int, cb func(error)) {
	r.mu.Lock()
	f, ok := r.files[fd]
	r.mu.Unlock()
	if !ok {
		r.submit(func() { cb(fmt.Errorf("reactor: unknown fd %d", fd)) })
		return
	}
	r.outstanding.Add(1)
	go func() {
		err := f.Sync()
		r.completions <- func() {
			defer r.outstanding.Add(-1)
			cb(err)
		}
	}()
}

func (r *IOReactor) FSTruncate(fd int, size int64, cb func(error)) {
	r.mu.Lock()
	f, ok := r.files[fd]
	r.mu.Unlock()
	if !ok {
		r.submit(func() { cb(fmt.Errorf("reactor: unknown fd %d", fd)) })
		return
	}
	r.outstanding.Add(1)
	go func() {
		err := f.Truncate(size)
		r.completions <- func() {
			defer r.outstanding.Add(-1)
			cb(err)
		}
	}()
}

func (r *IOReactor) FSStat(path string, cb func(FileInfo, error)) {
	r.outstanding.Add(1)
	go func() {
		info, err := os.Lstat(path)
		var fi FileInfo
		if err == nil {
			fi = FileInfo{
				Size:  info.Size(),
				Mtime: info.ModTime(),
				Mode:  uint32(info.Mode()),
				Type:  fileType(info),
			}
		}
		r.completions <- func() {
			defer r.outstanding.Add(-1)
			cb(fi, err)
		}
	}()
}

func fileType(info os.FileInfo) string {
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		return "link"
	case info.IsDir():
		return "dir"
	case info.Mode().IsRegular():
		return "file"
	default:
		return "other"
	}
}

func (r *IOReactor) FSScandir(path string, cb func([]DirEntry, error)) {
	r.outstanding.Add(1)
	go func() {
		entries, err := os.ReadDir(path)
		var out []DirEntry
		if err == nil {
			out = make([]DirEntry, 0, len(entries))
			for _, e := range entries {
				typ := "other"
				if e.IsDir() {
					typ = "dir"
				} else if e.Type()&os.ModeSymlink != 0 {
					typ = "link"
				} else if e.Type().IsRegular() {
					typ = "file"
				}
				out = append(out, DirEntry{Name: e.Name(), Type: typ})
			}
		}
		r.completions <- func() {
			defer r.outstanding.Add(-1)
			cb(out, err)
		}
	}()
}
