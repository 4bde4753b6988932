// Package su binds spec §4.K's write-once storage unit: open/is_written/
// write_once/read/close, driven by the same BeginOp/CompleteOp wake-handle
// idiom every other module uses, plus the per-bitmap-byte flush machine in
// internal/storageunit.
package su

import (
	"fmt"
	"os"
	"path/filepath"

	lua "github.com/yuin/gopher-lua"

	corebridge "github.com/lua-lunet/lunet/core"
	"github.com/lua-lunet/lunet/host"
	"github.com/lua-lunet/lunet/internal/registry"
	"github.com/lua-lunet/lunet/internal/storageunit"
	"github.com/lua-lunet/lunet/reactor"
)

// unit holds one open storage unit's full state: fds, in-memory bitmaps,
// and the flush coordination table. Script code only ever sees its opaque
// integer handle.
type unit struct {
	ctx *corebridge.HandleContext

	dataFd, bitmapFd int
	maxAddresses     uint64
	committed        []byte // durable view, loaded at open and only ever OR'd into
	pending          []byte // in-flight write set
	table            *storageunit.Table

	bytesWritten int64
	flushCount   int64
}

// Stats is the diagnostic-only snapshot cmd/lunet's --verbose-trace output
// reads; it is never exposed to scripts.
type Stats struct {
	AddressesCommitted int
	BytesWritten       int64
	FlushCount         int64
}

// Module binds the su primitives.
type Module struct {
	b     *corebridge.Bridge
	lh    *host.LuaHost
	units map[uint64]*unit
	next  uint64
}

// Register creates and binds an su module into L.
func Register(L *lua.LState, b *corebridge.Bridge, lh *host.LuaHost) *Module {
	m := &Module{b: b, lh: lh, units: make(map[uint64]*unit)}
	L.RegisterModule("su", map[string]lua.LGFunction{
		"open":       m.open,
		"is_written": m.isWritten,
		"write_once": m.writeOnce,
		"read":       m.read,
		"close":      m.close,
	})
	return m
}

// Stats returns a diagnostic snapshot of handle's flush metrics
// (SPEC_FULL.md's supplemented su bitmap flush metrics).
func (m *Module) Stats(handle uint64) (Stats, bool) {
	u, ok := m.units[handle]
	if !ok {
		return Stats{}, false
	}
	committed := 0
	for addr := uint64(0); addr < u.maxAddresses; addr++ {
		if storageunit.GetBit(u.committed, addr) {
			committed++
		}
	}
	return Stats{AddressesCommitted: committed, BytesWritten: u.bytesWritten, FlushCount: u.flushCount}, true
}

// AllStats snapshots every still-open storage unit's metrics, keyed by its
// script handle — cmd/lunet's --verbose-trace shutdown summary reads this.
func (m *Module) AllStats() map[uint64]Stats {
	out := make(map[uint64]Stats, len(m.units))
	for id := range m.units {
		if s, ok := m.Stats(id); ok {
			out[id] = s
		}
	}
	return out
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

// open implements su.open(dir, max_addresses): creates or verifies the data
// and bitmap files, loads the committed bitmap into memory, and yields
// until both file handles are ready.
func (m *Module) open(L *lua.LState) int {
	co, ok := m.coroutineOrRaise(L, "open")
	if !ok {
		return 0
	}
	dir := L.CheckString(1)
	maxAddr := uint64(L.CheckInt64(2))

	if base := m.b.Cfg.StorageUnitDir; base != "" && !filepath.IsAbs(dir) {
		dir = filepath.Join(base, dir)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}

	ctx := corebridge.NewHandleContext(corebridge.KindClientStream, co, 0)
	coref := m.b.BeginOp(ctx, co)
	ctx.ReadCoref = coref

	dataPath := filepath.Join(dir, "data.bin")
	bitmapPath := filepath.Join(dir, "bitmap.bin")
	bodyLen := storageunit.BitmapBytes(maxAddr)

	m.b.Reactor.FSOpen(dataPath, os.O_RDWR|os.O_CREATE, 0o644, func(dataFd int, err error) {
		if err != nil {
			m.b.CompleteOp(ctx, &ctx.ReadCoref, 2, func(c registry.CoroutineID) {
				m.b.Host.PushError(c, err.Error())
			})
			return
		}
		m.b.Reactor.FSOpen(bitmapPath, os.O_RDWR|os.O_CREATE, 0o644, func(bitmapFd int, err error) {
			if err != nil {
				m.b.Reactor.FSClose(dataFd, func(error) {})
				m.b.CompleteOp(ctx, &ctx.ReadCoref, 2, func(c registry.CoroutineID) {
					m.b.Host.PushError(c, err.Error())
				})
				return
			}
			m.b.Reactor.FSStat(bitmapPath, func(info reactor.FileInfo, statErr error) {
				if statErr == nil && info.Size == 0 {
					m.initBitmapFile(ctx, dataFd, bitmapFd, maxAddr, bodyLen)
					return
				}
				m.loadBitmapFile(ctx, dataFd, bitmapFd, maxAddr, bodyLen)
			})
		})
	})

	return L.Yield()
}

func (m *Module) initBitmapFile(ctx *corebridge.HandleContext, dataFd, bitmapFd int, maxAddr uint64, bodyLen int) {
	header := storageunit.EncodeHeader(maxAddr)
	body := make([]byte, bodyLen)
	buf := append(header, body...)
	m.b.Reactor.FSWrite(bitmapFd, buf, 0, func(n int, err error) {
		if err == nil && n != len(buf) {
			err = fmt.Errorf("%s", "SHORT_WRITE")
		}
		if err != nil {
			m.failOpen(ctx, dataFd, bitmapFd, err)
			return
		}
		m.b.Reactor.FSSync(bitmapFd, func(err error) {
			if err != nil {
				m.failOpen(ctx, dataFd, bitmapFd, err)
				return
			}
			m.finishOpen(ctx, dataFd, bitmapFd, maxAddr, body)
		})
	})
}

func (m *Module) loadBitmapFile(ctx *corebridge.HandleContext, dataFd, bitmapFd int, maxAddr uint64, bodyLen int) {
	m.b.Reactor.FSRead(bitmapFd, storageunit.HeaderSize+bodyLen, 0, func(data []byte, err error) {
		if err != nil {
			m.failOpen(ctx, dataFd, bitmapFd, err)
			return
		}
		if len(data) < storageunit.HeaderSize {
			m.failOpen(ctx, dataFd, bitmapFd, fmt.Errorf("storage unit: bitmap file too short"))
			return
		}
		if err := storageunit.DecodeHeader(data[:storageunit.HeaderSize], maxAddr); err != nil {
			m.failOpen(ctx, dataFd, bitmapFd, err)
			return
		}
		body := make([]byte, bodyLen)
		copy(body, data[storageunit.HeaderSize:])
		m.finishOpen(ctx, dataFd, bitmapFd, maxAddr, body)
	})
}

func (m *Module) failOpen(ctx *corebridge.HandleContext, dataFd, bitmapFd int, err error) {
	m.b.Reactor.FSClose(dataFd, func(error) {})
	m.b.Reactor.FSClose(bitmapFd, func(error) {})
	m.b.CompleteOp(ctx, &ctx.ReadCoref, 2, func(c registry.CoroutineID) {
		m.b.Host.PushError(c, err.Error())
	})
}

func (m *Module) finishOpen(ctx *corebridge.HandleContext, dataFd, bitmapFd int, maxAddr uint64, committed []byte) {
	u := &unit{
		ctx:          ctx,
		dataFd:       dataFd,
		bitmapFd:     bitmapFd,
		maxAddresses: maxAddr,
		committed:    committed,
		pending:      make([]byte, len(committed)),
		table:        storageunit.NewTable(),
	}
	m.next++
	id := m.next
	m.units[id] = u

	m.b.CompleteOp(ctx, &ctx.ReadCoref, 2, func(c registry.CoroutineID) {
		m.b.Host.PushResult(c, float64(id))
	})
}

func (m *Module) isWritten(L *lua.LState) int {
	id := uint64(L.CheckInt64(1))
	addr := uint64(L.CheckInt64(2))
	u, ok := m.units[id]
	if !ok {
		L.RaiseError("su.is_written: unknown handle")
		return 0
	}
	L.Push(lua.LBool(storageunit.GetBit(u.committed, addr)))
	return 1
}

// writeOnce implements su.write_once(handle, addr, data): the full
// set-pending / write-data / fsync-data / set-committed / enqueue-on-
// bitmap-byte / flush-if-idle protocol spec §4.K describes.
func (m *Module) writeOnce(L *lua.LState) int {
	co, ok := m.coroutineOrRaise(L, "write_once")
	if !ok {
		return 0
	}
	id := uint64(L.CheckInt64(1))
	addr := uint64(L.CheckInt64(2))
	data := L.CheckString(3)

	u, ok := m.units[id]
	if !ok {
		L.RaiseError("su.write_once: unknown handle")
		return 0
	}
	if len(data) != storageunit.BlockSize {
		L.RaiseError("su.write_once: data must be exactly %d bytes", storageunit.BlockSize)
		return 0
	}
	if addr >= u.maxAddresses {
		L.RaiseError("su.write_once: addr out of range")
		return 0
	}

	if storageunit.GetBit(u.committed, addr) {
		L.Push(lua.LNil)
		L.Push(lua.LString("ALREADY_WRITTEN"))
		return 2
	}
	if storageunit.GetBit(u.pending, addr) {
		L.Push(lua.LNil)
		L.Push(lua.LString("BUSY"))
		return 2
	}
	storageunit.SetBit(u.pending, addr)

	ctx := corebridge.NewHandleContext(corebridge.KindClientStream, co, 0)
	coref := m.b.BeginOp(ctx, co)
	ctx.WriteCoref = coref

	buf := []byte(data)
	m.b.Reactor.FSWrite(u.dataFd, buf, int64(addr)*storageunit.BlockSize, func(n int, err error) {
		var fault *corebridge.Fault
		if err == nil && n != len(buf) {
			fault = corebridge.NewFault("su.write_once", corebridge.KindProtocol, "SHORT_WRITE")
		} else if err != nil {
			fault = corebridge.WrapFault("su.write_once", corebridge.KindIO, "data write failed", err)
		}
		if fault != nil {
			storageunit.ClearBit(u.pending, addr)
			m.b.CompleteOp(ctx, &ctx.WriteCoref, 2, func(c registry.CoroutineID) {
				m.b.Host.PushError(c, fault.Error())
			})
			return
		}
		m.b.Reactor.FSSync(u.dataFd, func(err error) {
			if err != nil {
				storageunit.ClearBit(u.pending, addr)
				fault := corebridge.WrapFault("su.write_once", corebridge.KindIO, "data fsync failed", err)
				m.b.CompleteOp(ctx, &ctx.WriteCoref, 2, func(c registry.CoroutineID) {
					m.b.Host.PushError(c, fault.Error())
				})
				return
			}
			u.bytesWritten += int64(len(buf))
			storageunit.SetBit(u.committed, addr)
			storageunit.ClearBit(u.pending, addr)

			byteIdx := int(addr / 8)
			gen := u.table.BumpGeneration(byteIdx)
			w := storageunit.Waiter{TargetGen: gen, Co: co, Coref: coref, Ctx: ctx}
			if u.table.Enqueue(byteIdx, w) {
				m.flushBitmapByte(u, byteIdx)
			}
		})
	})

	return L.Yield()
}

// flushBitmapByte writes and fsyncs a single bitmap byte, then dequeues
// every waiter whose target generation is now durable (spec §4.K's "Bitmap
// flush machine"). Must only be called when the byte's state is or is about
// to become Flushing.
func (m *Module) flushBitmapByte(u *unit, byteIdx int) {
	targetGen := u.table.CurrentGeneration(byteIdx)
	value := u.committed[byteIdx]
	offset := int64(storageunit.HeaderSize + byteIdx)
	m.b.Reactor.FSWrite(u.bitmapFd, []byte{value}, offset, func(n int, err error) {
		if err == nil && n != 1 {
			err = fmt.Errorf("SHORT_WRITE")
		}
		if err != nil {
			m.failFlush(u, byteIdx, targetGen, err)
			return
		}
		m.b.Reactor.FSSync(u.bitmapFd, func(err error) {
			if err != nil {
				m.failFlush(u, byteIdx, targetGen, err)
				return
			}
			u.flushCount++
			resumable, startAnother := u.table.OnFlushComplete(byteIdx, targetGen)
			for _, w := range resumable {
				m.completeWaiter(w, nil)
			}
			if startAnother {
				m.flushBitmapByte(u, byteIdx)
			}
		})
	})
}

func (m *Module) failFlush(u *unit, byteIdx int, targetGen uint64, err error) {
	fault := corebridge.WrapFault("su.write_once", corebridge.KindIO, "bitmap flush failed", err)
	for _, w := range u.table.OnFlushFailed(byteIdx, targetGen) {
		m.completeWaiter(w, fault)
	}
}

func (m *Module) completeWaiter(w storageunit.Waiter, err error) {
	ctx := w.Ctx.(*corebridge.HandleContext)
	coref := w.Coref
	m.b.CompleteOp(ctx, &coref, 2, func(c registry.CoroutineID) {
		if err != nil {
			m.b.Host.PushError(c, err.Error())
			return
		}
		m.b.Host.PushResult(c, nil)
	})
}

// read implements su.read(handle, addr): NOT_WRITTEN if the committed bit
// is clear, otherwise yields and returns the 4096-byte block.
func (m *Module) read(L *lua.LState) int {
	co, ok := m.coroutineOrRaise(L, "read")
	if !ok {
		return 0
	}
	id := uint64(L.CheckInt64(1))
	addr := uint64(L.CheckInt64(2))
	u, ok := m.units[id]
	if !ok {
		L.RaiseError("su.read: unknown handle")
		return 0
	}
	if !storageunit.GetBit(u.committed, addr) {
		L.Push(lua.LNil)
		L.Push(lua.LString("NOT_WRITTEN"))
		return 2
	}

	ctx := corebridge.NewHandleContext(corebridge.KindClientStream, co, 0)
	coref := m.b.BeginOp(ctx, co)
	ctx.ReadCoref = coref

	m.b.Reactor.FSRead(u.dataFd, storageunit.BlockSize, int64(addr)*storageunit.BlockSize, func(data []byte, err error) {
		var fault *corebridge.Fault
		switch {
		case err != nil:
			fault = corebridge.WrapFault("su.read", corebridge.KindIO, "data read failed", err)
		case len(data) != storageunit.BlockSize:
			fault = corebridge.NewFault("su.read", corebridge.KindProtocol, "SHORT_READ")
		}
		m.b.CompleteOp(ctx, &ctx.ReadCoref, 2, func(c registry.CoroutineID) {
			if fault != nil {
				m.b.Host.PushError(c, fault.Error())
				return
			}
			m.b.Host.PushResult(c, string(data))
		})
	})

	return L.Yield()
}

// close implements su.close(handle): closes both fds and drains every
// active waiter queue with "storage unit closed" errors.
func (m *Module) close(L *lua.LState) int {
	id := uint64(L.CheckInt64(1))
	u, ok := m.units[id]
	if !ok {
		return 0
	}
	delete(m.units, id)

	closedFault := corebridge.NewFault("su.write_once", corebridge.KindProtocol, "storage unit closed")
	for _, w := range u.table.DrainAll() {
		m.completeWaiter(w, closedFault)
	}

	if !m.b.BeginClose(u.ctx) {
		return 0
	}
	m.b.Reactor.FSClose(u.dataFd, func(error) {})
	m.b.Reactor.FSClose(u.bitmapFd, func(error) {
		m.b.ReleaseClose(u.ctx)
	})
	return 0
}
