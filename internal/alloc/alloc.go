// Package alloc implements the allocator facade (spec component A): typed,
// instrumented acquisition and release of the byte buffers every socket,
// datagram, and storage-unit operation reads into and writes from.
//
// Go is memory-safe and garbage-collected, so there is no free(), no wild
// pointer, and no literal canary-in-a-header to guard a double-free (spec §9
// design note: "in a memory-safe target the compiler enforces what the
// canary observes"). What survives the port is the *instrumentation*: a
// running balance of outstanding buffers and bytes, and an optional poison
// check that still catches a real bug class in a pooled allocator — writing
// into a buffer after it has been returned to the pool, which a stale slice
// alias can absolutely still do in Go.
package alloc

import (
	"fmt"
	"sync"

	"github.com/lua-lunet/lunet/internal/diag"
)

// poisonByte fills a released buffer so a subsequent read through a stale
// alias produces a recognisable fingerprint instead of silently-reused data.
const poisonByte = 0xDE

// Allocator hands out byte buffers for reactor-facing I/O, pooled by size
// class, with optional poison-on-release checking. The zero value is not
// usable; construct with New.
type Allocator struct {
	counters *diag.Counters
	poison   bool

	mu    sync.Mutex
	pools map[int]*sync.Pool
}

// Option configures an Allocator at construction.
type Option func(*Allocator)

// WithPoison enables poison-fill-on-release, the instrumented-build
// behaviour spec §4.A describes for canary/poison mode. Alloc does not check
// for the poison pattern on acquire; it zero-fills every buffer it hands out.
// It costs an extra pass over every released buffer; leave it off in
// production and on for tests that want use-after-release detection.
func WithPoison(enabled bool) Option {
	return func(a *Allocator) { a.poison = enabled }
}

// New creates an Allocator that records its balance into counters (nil is
// accepted; counters become a no-op sink).
func New(counters *diag.Counters, opts ...Option) *Allocator {
	if counters == nil {
		counters = &diag.Counters{}
	}
	a := &Allocator{
		counters: counters,
		pools:    make(map[int]*sync.Pool),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Allocator) poolFor(size int) *sync.Pool {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pools[size]
	if !ok {
		sz := size
		p = &sync.Pool{New: func() any {
			b := make([]byte, sz)
			return &b
		}}
		a.pools[size] = p
	}
	return p
}

// Alloc returns a zero-length-capacity-size buffer of exactly size bytes,
// tracking it against the running balance (spec §4.A: "running balance of
// outstanding bytes, peak bytes, and alloc/free counts").
func (a *Allocator) Alloc(size int) []byte {
	p := a.poolFor(size)
	bp := p.Get().(*[]byte)
	buf := *bp
	for i := range buf {
		buf[i] = 0
	}
	a.counters.AllocCount.Add(1)
	cur := a.counters.CurrentBytes.Add(int64(size))
	for {
		peak := a.counters.PeakBytes.Load()
		if cur <= peak || a.counters.PeakBytes.CompareAndSwap(peak, cur) {
			break
		}
	}
	return buf
}

// Calloc is an alias for Alloc: Go's make() already zero-fills, so the
// alloc/calloc distinction the source makes collapses to one path here.
func (a *Allocator) Calloc(n, size int) []byte {
	return a.Alloc(n * size)
}

// Free releases buf back to its size-class pool, poisoning it first when
// poison mode is enabled, and updates the outstanding balance.
//
// Canary-mismatch-on-free (spec §4.A) has no Go analog here: Free does not
// check that buf came from this Allocator. It files buf under the pool for
// len(buf), creating that pool if needed, and always returns nil.
func (a *Allocator) Free(buf []byte) error {
	if buf == nil {
		return nil
	}
	size := len(buf)
	if a.poison {
		for i := range buf {
			buf[i] = poisonByte
		}
	}
	p := a.poolFor(size)
	p.Put(&buf)
	a.counters.FreeCount.Add(1)
	a.counters.CurrentBytes.Add(-int64(size))
	return nil
}

// FreeNonNull is the teardown-path variant spec §4.A calls out separately
// ("a free_nonnull(p) that is specifically callable from teardown paths").
// Unlike Free, which treats a nil slice as a no-op, it returns an error for
// a nil buffer; any other buffer is handed to Free.
func (a *Allocator) FreeNonNull(buf []byte) error {
	if buf == nil {
		return fmt.Errorf("alloc: FreeNonNull called with nil buffer")
	}
	return a.Free(buf)
}

// Balance reports the current outstanding allocation counts, for shutdown
// assertions (spec §8 invariant 8).
func (a *Allocator) Balance() (allocs, frees, currentBytes, peakBytes int64) {
	return a.counters.AllocCount.Load(),
		a.counters.FreeCount.Load(),
		a.counters.CurrentBytes.Load(),
		a.counters.PeakBytes.Load()
}
