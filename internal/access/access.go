/*
 * avrprog - Memory access engine
 *
 * Copyright 2026, avrprog contributors
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in
 * all copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 */

// Package access is the memory access engine: byte and whole-memory
// read/write against a part's memory descriptors, choosing among TPI,
// paged, and byte-at-a-time strategies exactly as avr.c's avr_read_mem/
// avr_write_mem dispatch does.
package access

import (
	"context"
	"time"

	"github.com/avrprog/avrprog/internal/avrerr"
	"github.com/avrprog/avrprog/internal/clock"
	"github.com/avrprog/avrprog/internal/opcode"
	"github.com/avrprog/avrprog/internal/part"
	"github.com/avrprog/avrprog/internal/programmer"
	"github.com/avrprog/avrprog/internal/tpi"
)

// Progress reports bytes completed out of total; the orchestrator
// supplies it per update request rather than the engine reaching for a
// package-global.
type Progress func(completed, total int)

func noProgress(int, int) {}

// Engine is the memory access engine for one session: one programmer
// handle, an optional TPI engine (nil for non-TPI parts), a clock seam
// for deadline-bounded polling, and the one process-wide flag spec.md
// §9 calls out — the 0xFF-trimming kill-switch — set once at
// construction and never mutated mid-session.
type Engine struct {
	Prog        *programmer.Programmer
	TPI         *tpi.Engine
	Clock       clock.Clock
	NoHiAddrOpt bool
}

// New returns an Engine. clk may be nil to use the real wall clock.
func New(prog *programmer.Programmer, tpiEngine *tpi.Engine, clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Engine{Prog: prog, TPI: tpiEngine, Clock: clk}
}

func isTPI(p *part.Part) bool { return p.Supports(part.ModeTPI) }

// ReadByteDefault reads one byte of mem at addr, choosing TPI, the
// driver's direct ReadByte capability, or an opcode template dispatched
// through Cmd, in that order, per spec.md §4.5.
func (e *Engine) ReadByteDefault(ctx context.Context, p *part.Part, mem *part.Memory, addr int) (byte, error) {
	if isTPI(p) && e.TPI != nil {
		return e.TPI.ReadByte(ctx, clock.NewDeadline(e.Clock, writeDelay(mem)), mem, uint32(addr))
	}
	if e.Prog.ReadByte != nil {
		return e.Prog.ReadByte(ctx, p, mem, addr)
	}
	if mem.Ops[part.OpLoadExtAddr] != nil {
		cmd := opcode.Encode(mem.Ops[part.OpLoadExtAddr], uint32(addr), 0)
		if _, err := e.cmd(cmd); err != nil {
			return 0, avrerr.At(avrerr.SoftFail, mem.Name, addr, err)
		}
	}
	var op *opcode.Op
	var readAddr uint32
	switch {
	case mem.Ops[part.OpReadLo] != nil && mem.Ops[part.OpReadHi] != nil:
		readAddr = uint32(addr / 2)
		if addr%2 == 0 {
			op = mem.Ops[part.OpReadLo]
		} else {
			op = mem.Ops[part.OpReadHi]
		}
	case mem.Ops[part.OpRead] != nil:
		op = mem.Ops[part.OpRead]
		readAddr = uint32(addr)
	default:
		return 0, avrerr.At(avrerr.NotSupported, mem.Name, addr, avrerr.ErrNoOpcode)
	}
	cmd := opcode.Encode(op, readAddr, 0)
	resp, err := e.cmd(cmd)
	if err != nil {
		return 0, avrerr.At(avrerr.SoftFail, mem.Name, addr, err)
	}
	return opcode.Decode(op, resp), nil
}

func (e *Engine) cmd(cmd [4]byte) ([4]byte, error) {
	if e.Prog.Cmd == nil {
		return [4]byte{}, avrerr.ErrNoOpcode
	}
	return e.Prog.Cmd(cmd)
}

func writeDelay(mem *part.Memory) time.Duration {
	if mem.MaxWriteDelay <= 0 {
		return 10 * time.Millisecond
	}
	return mem.MaxWriteDelay
}

// HiAddr returns one past the highest non-0xFF byte of mem, rounded up
// to an even count, for flash-like memory only; non-flash-like memories
// report their full size. NoHiAddrOpt disables the optimization for
// every memory once set, permanently, for the engine's lifetime.
func (e *Engine) HiAddr(mem *part.Memory) int {
	if !part.IsFlashLike(mem) || e.NoHiAddrOpt {
		return mem.Size
	}
	hi := 0
	for i, b := range mem.Buf {
		if b != 0xff {
			hi = i + 1
		}
	}
	if hi%2 != 0 {
		hi++
	}
	return hi
}

// selective tests whether cell i of mem should be touched, given an
// optional comparison image v (nil means "touch everything").
func selective(v *part.Memory, i int) bool {
	if v == nil {
		return true
	}
	if i >= len(v.Tags) {
		return false
	}
	return v.Tags[i]&part.TagAllocated != 0
}

// ReadWhole fills mem.Buf (and sets TagAllocated on every byte actually
// read) using, in order: the TPI paged path, the generic paged path,
// the signature fast path, and finally byte-at-a-time. v, if non-nil,
// restricts which cells are read to those it tags ALLOCATED — the
// selective-read invariant. Returns the high-water mark count.
func (e *Engine) ReadWhole(ctx context.Context, p *part.Part, mem *part.Memory, v *part.Memory, progress Progress) (int, error) {
	if progress == nil {
		progress = noProgress
	}
	for i := range mem.Buf {
		mem.Buf[i] = 0xff
	}

	if isTPI(p) && e.TPI != nil && mem.Paged() && mem.Size%mem.PageSize == 0 {
		if err := e.readWholeTPIPaged(ctx, mem, v, progress); err == nil {
			return e.HiAddr(mem), nil
		}
	}
	if e.Prog.PagedLoad != nil && mem.Paged() && mem.Size%mem.PageSize == 0 {
		if err := e.readWholeGenericPaged(ctx, p, mem, v, progress); err == nil {
			return e.HiAddr(mem), nil
		}
	}
	if mem.Name == "signature" && e.Prog.ReadSigBytes != nil {
		buf, err := e.Prog.ReadSigBytes(ctx, p, mem)
		if err == nil {
			copy(mem.Buf, buf)
			for i := range mem.Buf {
				mem.Tags[i] |= part.TagAllocated
			}
			return e.HiAddr(mem), nil
		}
	}
	return e.readWholeByte(ctx, p, mem, v, progress)
}

// readWholeTPIPaged streams contiguous runs of selected cells with a
// single SLD_PI burst per run (one pointer seat, then post-increment),
// rather than reseating the pointer per byte.
func (e *Engine) readWholeTPIPaged(ctx context.Context, mem *part.Memory, v *part.Memory, progress Progress) error {
	start := 0
	for start < mem.Size {
		if !selective(v, start) {
			start++
			continue
		}
		runEnd := start
		for runEnd < mem.Size && selective(v, runEnd) {
			runEnd++
		}
		n := runEnd - start
		b, err := e.TPI.PagedLoad(ctx, clock.NewDeadline(e.Clock, writeDelay(mem)), mem, uint32(start), n)
		if err != nil {
			return err
		}
		copy(mem.Buf[start:runEnd], b)
		for i := start; i < runEnd; i++ {
			mem.Tags[i] |= part.TagAllocated
		}
		progress(runEnd, mem.Size)
		start = runEnd
	}
	return nil
}

func (e *Engine) readWholeGenericPaged(ctx context.Context, p *part.Part, mem *part.Memory, v *part.Memory, progress Progress) error {
	nPages := mem.Size / mem.PageSize
	wanted := make([]bool, nPages)
	any := false
	for page := 0; page < nPages; page++ {
		for i := 0; i < mem.PageSize; i++ {
			if selective(v, page*mem.PageSize+i) {
				wanted[page] = true
				any = true
				break
			}
		}
	}
	if !any {
		return nil
	}
	done := 0
	for page := 0; page < nPages; page++ {
		if !wanted[page] {
			continue
		}
		data, err := e.Prog.PagedLoad(ctx, p, mem, page)
		if err != nil {
			return err
		}
		copy(mem.Buf[page*mem.PageSize:], data)
		for i := range data {
			mem.Tags[page*mem.PageSize+i] |= part.TagAllocated
		}
		done += len(data)
		progress(done, mem.Size)
	}
	return nil
}

func (e *Engine) readWholeByte(ctx context.Context, p *part.Part, mem *part.Memory, v *part.Memory, progress Progress) (int, error) {
	var firstErr error
	for i := 0; i < mem.Size; i++ {
		if !selective(v, i) {
			continue
		}
		b, err := e.ReadByteDefault(ctx, p, mem, i)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		mem.Buf[i] = b
		mem.Tags[i] |= part.TagAllocated
		progress(i+1, mem.Size)
	}
	return e.HiAddr(mem), firstErr
}

// WriteWhole writes mem.Buf back to the device, bounding the window to
// mem.Size, via TPI paged / generic paged / byte-with-page-flush
// strategies. autoErase requests a PageErase before each tainted page
// when the generic paged path is used.
func (e *Engine) WriteWhole(ctx context.Context, p *part.Part, mem *part.Memory, autoErase bool, progress Progress) (int, error) {
	if progress == nil {
		progress = noProgress
	}
	size := mem.Size

	if isTPI(p) && e.TPI != nil && mem.Paged() {
		if mem.Size == 1 {
			if mem.Tags[0]&part.TagAllocated != 0 {
				if err := e.TPI.WriteByte(ctx, clock.NewDeadline(e.Clock, writeDelay(mem)), mem, 0, mem.Buf[0]); err != nil {
					return 0, err
				}
			}
			return size, nil
		}
		if err := e.writeWholeTPIPaged(ctx, mem); err == nil {
			return size, nil
		}
	}

	if e.Prog.PagedWrite != nil && mem.Paged() {
		attempted, err := e.writeWholeGenericPaged(ctx, p, mem, autoErase, progress)
		return attempted, err
	}

	attempted, err := e.writeWholeByte(ctx, p, mem, progress)
	return attempted, err
}

func (e *Engine) writeWholeTPIPaged(ctx context.Context, mem *part.Memory) error {
	size := mem.Size - mem.Size%2
	var pairs []tpi.WordPair
	for addr := 0; addr < size; addr += 2 {
		if mem.Tags[addr]&part.TagAllocated == 0 && mem.Tags[addr+1]&part.TagAllocated == 0 {
			continue
		}
		pairs = append(pairs, tpi.WordPair{Addr: uint32(addr), Low: mem.Buf[addr], High: mem.Buf[addr+1]})
	}
	if len(pairs) == 0 {
		return nil
	}
	return e.TPI.PagedWrite(ctx, clock.NewDeadline(e.Clock, writeDelay(mem)), mem, pairs[0].Addr, pairs)
}

// writeWholeGenericPaged writes every tainted page via the driver's
// PagedWrite capability. A page that fails falls back to byte-at-a-time
// for that page only (WriteByteDefault), so one bad page never aborts
// the pages around it. Returns the count of bytes actually attempted.
func (e *Engine) writeWholeGenericPaged(ctx context.Context, p *part.Part, mem *part.Memory, autoErase bool, progress Progress) (int, error) {
	nPages := mem.Size / mem.PageSize
	attempted := 0
	var firstErr error
	for page := 0; page < nPages; page++ {
		start := page * mem.PageSize
		tainted := false
		for i := 0; i < mem.PageSize; i++ {
			if mem.Tags[start+i]&part.TagAllocated != 0 {
				tainted = true
				break
			}
		}
		if !tainted {
			continue
		}
		if autoErase && e.Prog.PageErase != nil {
			if err := e.Prog.PageErase(ctx, p, mem, start); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		err := e.Prog.PagedWrite(ctx, p, mem, page, mem.Buf[start:start+mem.PageSize])
		if err != nil {
			for i := 0; i < mem.PageSize; i++ {
				if mem.Tags[start+i]&part.TagAllocated == 0 {
					continue
				}
				attempted++
				if werr := e.WriteByteDefault(ctx, p, mem, start+i, mem.Buf[start+i]); werr != nil && firstErr == nil {
					firstErr = werr
				}
			}
			progress(attempted, mem.Size)
			continue
		}
		attempted += mem.PageSize
		progress(attempted, mem.Size)
	}
	return attempted, firstErr
}

func (e *Engine) writeWholeByte(ctx context.Context, p *part.Part, mem *part.Memory, progress Progress) (int, error) {
	var firstErr error
	pageTainted := false
	attempted := 0
	for i := 0; i < mem.Size; i++ {
		lastOfPage := mem.Paged() && (i%mem.PageSize == mem.PageSize-1 || i == mem.Size-1)
		if mem.Tags[i]&part.TagAllocated != 0 {
			attempted++
			if err := e.WriteByteDefault(ctx, p, mem, i, mem.Buf[i]); err != nil {
				if firstErr == nil {
					firstErr = err
				}
			} else if mem.Paged() {
				pageTainted = true
			}
			progress(attempted, mem.Size)
		}
		if lastOfPage && pageTainted {
			if err := e.flushPage(ctx, p, mem, i); err != nil && firstErr == nil {
				firstErr = err
			}
			pageTainted = false
		}
	}
	return attempted, firstErr
}

func (e *Engine) flushPage(ctx context.Context, p *part.Part, mem *part.Memory, lastCellOfPage int) error {
	if mem.Ops[part.OpWritePage] == nil {
		return nil
	}
	cmd := opcode.Encode(mem.Ops[part.OpWritePage], uint32(lastCellOfPage), 0)
	_, err := e.cmd(cmd)
	return err
}

// canReadBack reports whether ReadByteDefault has a way to read mem
// back at all, for the pre-write and post-write readback optimizations.
func (e *Engine) canReadBack(p *part.Part, mem *part.Memory) bool {
	if isTPI(p) && e.TPI != nil {
		return true
	}
	if e.Prog.ReadByte != nil {
		return true
	}
	return mem.Ops[part.OpRead] != nil || (mem.Ops[part.OpReadLo] != nil && mem.Ops[part.OpReadHi] != nil)
}

// WriteByteDefault writes one byte of mem at addr, with the pre-read/
// skip optimization, TPI/direct-capability/opcode dispatch, and
// readback-poll completion policy of spec.md §4.5.
func (e *Engine) WriteByteDefault(ctx context.Context, p *part.Part, mem *part.Memory, addr int, value byte) error {
	noReadBeforeWrite := p.Flags&part.FlagNoReadBeforeWrite != 0
	canPreRead := !mem.Paged() && !noReadBeforeWrite && e.canReadBack(p, mem)

	if canPreRead {
		cur, err := e.ReadByteDefault(ctx, p, mem, addr)
		if err == nil && cur == value {
			return nil
		}
	}

	if isTPI(p) && e.TPI != nil {
		deadline := clock.NewDeadline(e.Clock, writeDelay(mem))
		if err := e.TPI.WriteByte(ctx, deadline, mem, uint32(addr), value); err != nil {
			return avrerr.At(avrerr.SoftFail, mem.Name, addr, err)
		}
		return nil
	}
	if e.Prog.WriteByte != nil {
		if err := e.Prog.WriteByte(ctx, p, mem, addr, value); err != nil {
			return avrerr.At(avrerr.SoftFail, mem.Name, addr, err)
		}
		return nil
	}

	var op *opcode.Op
	var writeAddr uint32
	switch {
	case mem.Ops[part.OpWriteLo] != nil && mem.Ops[part.OpWriteHi] != nil:
		writeAddr = uint32(addr / 2)
		if addr%2 == 0 {
			op = mem.Ops[part.OpWriteLo]
		} else {
			op = mem.Ops[part.OpWriteHi]
		}
	case mem.Paged() && mem.Ops[part.OpLoadPageLo] != nil && mem.Ops[part.OpLoadPageHi] != nil:
		writeAddr = uint32(addr / 2)
		if addr%2 == 0 {
			op = mem.Ops[part.OpLoadPageLo]
		} else {
			op = mem.Ops[part.OpLoadPageHi]
		}
	case mem.Ops[part.OpWrite] != nil:
		op = mem.Ops[part.OpWrite]
		writeAddr = uint32(addr)
	default:
		return avrerr.At(avrerr.NotSupported, mem.Name, addr, avrerr.ErrNoOpcode)
	}
	cmd := opcode.Encode(op, writeAddr, value)
	if _, err := e.cmd(cmd); err != nil {
		return avrerr.At(avrerr.SoftFail, mem.Name, addr, err)
	}

	if mem.Paged() {
		return nil
	}
	if !canPreRead {
		e.Clock.Sleep(writeDelay(mem))
		return nil
	}
	return e.readbackPoll(ctx, p, mem, addr, value)
}

func (e *Engine) readbackPoll(ctx context.Context, p *part.Part, mem *part.Memory, addr int, value byte) error {
	if value == mem.Readback[0] || value == mem.Readback[1] {
		// Polling doesn't work for sentinel values: delay the full
		// worst-case write time and read back, same as the poll branch
		// below, up to the same six-round retry budget.
		delay := writeDelay(mem)
		for retry := 0; retry < 6; retry++ {
			e.Clock.Sleep(delay)
			got, err := e.ReadByteDefault(ctx, p, mem, addr)
			if err == nil && got == value {
				return nil
			}
		}
		return e.handleWriteFailure(ctx, p, mem, addr)
	}
	delay := writeDelay(mem)
	tick := delay / 10
	if tick <= 0 {
		tick = time.Microsecond
	}
	for retry := 0; retry < 6; retry++ {
		deadline := clock.NewDeadline(e.Clock, delay)
		for {
			got, err := e.ReadByteDefault(ctx, p, mem, addr)
			if err == nil && got == value {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if deadline.Expired() {
				break
			}
			e.Clock.Sleep(tick)
		}
	}
	return e.handleWriteFailure(ctx, p, mem, addr)
}

// handleWriteFailure runs the power-off-after-write recovery: power down,
// settle 250ms, and re-initialize the device, reporting success if the
// re-initialize succeeds. Fatal is reserved for a part that needs this
// recovery but has no PowerDown capability, or whose re-initialize fails,
// and for an ordinary exhausted retry budget.
func (e *Engine) handleWriteFailure(ctx context.Context, p *part.Part, mem *part.Memory, addr int) error {
	if mem.PowerOffAfter {
		if e.Prog.PowerDown == nil {
			return avrerr.At(avrerr.Fatal, mem.Name, addr, avrerr.ErrWrongState)
		}
		if err := e.Prog.PowerDown(); err != nil {
			return avrerr.At(avrerr.Fatal, mem.Name, addr, err)
		}
		e.Clock.Sleep(250 * time.Millisecond)
		if err := e.Prog.Initialize(ctx, p); err != nil {
			return avrerr.At(avrerr.Fatal, mem.Name, addr, err)
		}
		return nil
	}
	return avrerr.At(avrerr.Fatal, mem.Name, addr, avrerr.ErrWrongState)
}
