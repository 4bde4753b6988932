// Package storageunit holds the pure, reactor-free pieces of spec §4.K's
// write-once block store: the bitmap file header, bit-packed committed-set
// math, and the per-bitmap-byte flush state machine that schedules fsyncs
// and wakes waiters once their target generation is durable. None of this
// package touches a file descriptor — modules/su drives it against the
// reactor's FS* operations.
package storageunit

import (
	"encoding/binary"
	"fmt"

	"github.com/lua-lunet/lunet/internal/registry"
)

const (
	// Magic is the bitmap file's 4-byte header tag.
	Magic = "SUBM"
	// Version is the only header version this package understands.
	Version = uint32(1)
	// HeaderSize is the fixed header length: magic(4) + version(4) + max_addresses(8).
	HeaderSize = 16
	// BlockSize is the fixed data-block size (spec §4.K: "4 KiB-addressed").
	BlockSize = 4096
)

// EncodeHeader builds the 16-byte bitmap file header for maxAddresses.
func EncodeHeader(maxAddresses uint64) []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], Magic)
	binary.LittleEndian.PutUint32(buf[4:8], Version)
	binary.LittleEndian.PutUint64(buf[8:16], maxAddresses)
	return buf
}

// DecodeHeader verifies and parses a bitmap file header.
func DecodeHeader(buf []byte, wantMaxAddresses uint64) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("storageunit: bitmap header truncated (%d bytes)", len(buf))
	}
	if string(buf[0:4]) != Magic {
		return fmt.Errorf("storageunit: bad bitmap magic %q", buf[0:4])
	}
	if v := binary.LittleEndian.Uint32(buf[4:8]); v != Version {
		return fmt.Errorf("storageunit: unsupported bitmap version %d", v)
	}
	if max := binary.LittleEndian.Uint64(buf[8:16]); max != wantMaxAddresses {
		return fmt.Errorf("storageunit: bitmap max_addresses mismatch: file has %d, opened with %d", max, wantMaxAddresses)
	}
	return nil
}

// BitmapBytes returns ⌈maxAddresses/8⌉, the body length following the header.
func BitmapBytes(maxAddresses uint64) int {
	return int((maxAddresses + 7) / 8)
}

// GetBit reports whether addr's bit is set in bitmap.
func GetBit(bitmap []byte, addr uint64) bool {
	idx := addr / 8
	if int(idx) >= len(bitmap) {
		return false
	}
	return bitmap[idx]&(1<<(addr%8)) != 0
}

// SetBit sets addr's bit in bitmap.
func SetBit(bitmap []byte, addr uint64) {
	idx := addr / 8
	bitmap[idx] |= 1 << (addr % 8)
}

// ClearBit clears addr's bit in bitmap — used only for the in-flight
// "pending" bitmap, never for the durable "committed" one (spec §4.K's
// failure model: committed bits are never rolled back once set).
func ClearBit(bitmap []byte, addr uint64) {
	idx := addr / 8
	bitmap[idx] &^= 1 << (addr % 8)
}

// ByteState is a bitmap byte's flush-scheduling state (spec §4.K's "Bitmap
// flush machine").
type ByteState int

const (
	// Idle: no flush in flight, no waiter pending.
	Idle ByteState = iota
	// Flushing: a write+fsync of this byte is currently in flight.
	Flushing
	// FlushingWithPending: a flush is in flight, and the byte's value has
	// changed again (or a new waiter arrived) since that flush started.
	FlushingWithPending
)

// Waiter is one write_once call blocked on its target generation becoming
// durable. Ctx is an opaque handle-context reference the module layer owns
// (typed as any so this package stays reactor/core-free); it travels with
// the waiter so the module can complete the right operation's refcount.
type Waiter struct {
	TargetGen uint64
	Co        registry.CoroutineID
	Coref     registry.CorefID
	Ctx       any
}

// ByteEntry is the per-bitmap-byte coordination record spec §4.K describes:
// "gen (monotonic bump per bit set), inflight flag, FIFO queue of writers
// whose target-generation is not yet durable".
type ByteEntry struct {
	State      ByteState
	Gen        uint64 // bumped every time a bit in this byte is set
	FlushedGen uint64 // the generation last known to be durable on disk
	Waiters    []Waiter
}

// Table is the full set of per-byte coordination records, keyed by bitmap
// byte index.
type Table struct {
	entries map[int]*ByteEntry
}

// NewTable creates an empty coordination table.
func NewTable() *Table {
	return &Table{entries: make(map[int]*ByteEntry)}
}

func (t *Table) entry(byteIdx int) *ByteEntry {
	e, ok := t.entries[byteIdx]
	if !ok {
		e = &ByteEntry{}
		t.entries[byteIdx] = e
	}
	return e
}

// BumpGeneration records that a new bit was just set in byteIdx's byte,
// returning the new generation number — the write_once caller's target_gen.
func (t *Table) BumpGeneration(byteIdx int) uint64 {
	e := t.entry(byteIdx)
	e.Gen++
	return e.Gen
}

// CurrentGeneration returns byteIdx's generation counter without bumping
// it — the value a just-started flush is targeting.
func (t *Table) CurrentGeneration(byteIdx int) uint64 {
	return t.entry(byteIdx).Gen
}

// Enqueue adds w to byteIdx's waiter FIFO and reports whether the caller
// must now kick a flush (true exactly when the byte was Idle).
func (t *Table) Enqueue(byteIdx int, w Waiter) (shouldFlush bool) {
	e := t.entry(byteIdx)
	e.Waiters = append(e.Waiters, w)
	switch e.State {
	case Idle:
		e.State = Flushing
		return true
	case Flushing:
		e.State = FlushingWithPending
		return false
	default: // FlushingWithPending
		return false
	}
}

// OnFlushComplete reports the waiters now satisfied by a flush that made
// flushedGen durable, and whether another flush must start immediately
// (spec §4.K: "if any waiter remains with a higher target, a new flush is
// started immediately with the current byte value").
func (t *Table) OnFlushComplete(byteIdx int, flushedGen uint64) (resumable []Waiter, startAnother bool) {
	e := t.entry(byteIdx)
	e.FlushedGen = flushedGen

	remaining := e.Waiters[:0]
	for _, w := range e.Waiters {
		if w.TargetGen <= flushedGen {
			resumable = append(resumable, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	e.Waiters = remaining

	if len(e.Waiters) > 0 {
		e.State = Flushing
		startAnother = true
	} else {
		e.State = Idle
	}
	return resumable, startAnother
}

// OnFlushFailed reports every waiter whose target generation is at most
// this_gen as failed (spec §4.K's failure model: "all waiters with
// target_gen ≤ this_gen resumed with error"), leaving the rest queued
// against a future flush attempt. The byte returns to Idle; the committed
// bit itself is NOT rolled back by this call — that is the module layer's
// responsibility per spec's own note that "the in-memory committed bit
// remains set".
func (t *Table) OnFlushFailed(byteIdx int, thisGen uint64) (failed []Waiter) {
	e := t.entry(byteIdx)
	remaining := e.Waiters[:0]
	for _, w := range e.Waiters {
		if w.TargetGen <= thisGen {
			failed = append(failed, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	e.Waiters = remaining
	e.State = Idle
	return failed
}

// DrainAll returns every waiter across every byte and resets the table —
// used by close() to fail outstanding writers with "storage unit closed".
func (t *Table) DrainAll() []Waiter {
	var all []Waiter
	for _, e := range t.entries {
		all = append(all, e.Waiters...)
		e.Waiters = nil
		e.State = Idle
	}
	return all
}
