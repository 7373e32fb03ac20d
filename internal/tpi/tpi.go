/*
 * avrprog - TPI protocol engine
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

// Package tpi is the Tiny Programming Interface engine: framed
// single-byte commands issued through a Programmer's CmdTPI capability.
// Byte order and register sequencing follow original_source/src/avr.c's
// avr_tpi_* functions, which are the literal ground truth for this
// protocol (see DESIGN.md).
package tpi

import (
	"context"
	"fmt"

	"github.com/avrprog/avrprog/internal/avrerr"
	"github.com/avrprog/avrprog/internal/clock"
	"github.com/avrprog/avrprog/internal/part"
	"github.com/avrprog/avrprog/internal/programmer"
)

// TPI command opcodes (upper nibble selects the operation; SLDCS/SSTCS/
// SLD_PI/SST_PI/SSTPR OR in a register/pointer selector in the low
// nibble).
const (
	cmdSLD    byte = 0x20
	cmdSLDpi  byte = 0x24
	cmdSST    byte = 0x60
	cmdSSTpi  byte = 0x64
	cmdSSTPR  byte = 0x68
	cmdSLDCS  byte = 0x80
	cmdSSTCS  byte = 0xc0
	cmdSKEY   byte = 0xe0
	cmdSIN    byte = 0x10
	cmdSOUT   byte = 0x90
)

// I/O register addresses and control/status registers.
const (
	regNVMCSR byte = 0x32
	regNVMCMD byte = 0x33

	csrTPIPCR byte = 2
	csrTPIIR  byte = 15
	csrTPISR  byte = 0
)

const (
	bitNVMEN  = 1 << 1 // TPISR
	bitNVMBSY = 1 << 1 // NVMCSR
)

// NVM command values.
const (
	NVMNoOp        byte = 0x00
	NVMChipErase   byte = 0x10
	NVMSectionErase byte = 0x14
	NVMWordWrite   byte = 0x1d
)

// tpiir is the known TPI identity byte returned by SLDCS TPIIR.
const tpiir = 0x80

// skey is the fixed 8-byte NVM program-enable key.
var skey = [8]byte{0xff, 0x88, 0xd8, 0xcd, 0x45, 0xab, 0x89, 0x12}

// Engine wraps a Programmer's CmdTPI capability with the TPI protocol
// sequences.
type Engine struct {
	Prog  *programmer.Programmer
	Clock clock.Clock
}

// New returns an Engine. clk may be nil to use the real wall clock.
func New(prog *programmer.Programmer, clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Engine{Prog: prog, Clock: clk}
}

func (e *Engine) cmdTPI(out []byte, nout int, in []byte, nin int) error {
	if e.Prog.CmdTPI == nil {
		return avrerr.New(avrerr.NotSupported, "", avrerr.ErrNotTPI)
	}
	return e.Prog.CmdTPI(out, nout, in, nin)
}

func (e *Engine) sldcs(reg byte) (byte, error) {
	out := []byte{cmdSLDCS | reg}
	in := make([]byte, 1)
	if err := e.cmdTPI(out, 1, in, 1); err != nil {
		return 0, err
	}
	return in[0], nil
}

func (e *Engine) sstcs(reg, value byte) error {
	return e.cmdTPI([]byte{cmdSSTCS | reg, value}, 2, nil, 0)
}

func (e *Engine) sin(reg byte) (byte, error) {
	out := []byte{cmdSIN | reg}
	in := make([]byte, 1)
	if err := e.cmdTPI(out, 1, in, 1); err != nil {
		return 0, err
	}
	return in[0], nil
}

func (e *Engine) sout(reg, value byte) error {
	return e.cmdTPI([]byte{cmdSOUT | reg, value}, 2, nil, 0)
}

func (e *Engine) sstpr(half, value byte) error {
	return e.cmdTPI([]byte{cmdSSTPR | half, value}, 2, nil, 0)
}

func (e *Engine) sst(value byte) error {
	return e.cmdTPI([]byte{cmdSST, value}, 2, nil, 0)
}

func (e *Engine) sld() (byte, error) {
	out := []byte{cmdSLD}
	in := make([]byte, 1)
	if err := e.cmdTPI(out, 1, in, 1); err != nil {
		return 0, err
	}
	return in[0], nil
}

func (e *Engine) sldPI() (byte, error) {
	out := []byte{cmdSLDpi}
	in := make([]byte, 1)
	if err := e.cmdTPI(out, 1, in, 1); err != nil {
		return 0, err
	}
	return in[0], nil
}

func (e *Engine) sstPI(value byte) error {
	return e.cmdTPI([]byte{cmdSSTpi, value}, 2, nil, 0)
}

// ProgramEnable runs the once-per-session program-enable handshake:
// guard time, identity check, SKEY, and a bounded poll for NVMEN.
func (e *Engine) ProgramEnable(ctx context.Context, guardTime byte) error {
	if err := e.sstcs(csrTPIPCR, guardTime); err != nil {
		return err
	}
	id, err := e.sldcs(csrTPIIR)
	if err != nil {
		return err
	}
	if id != tpiir {
		return avrerr.New(avrerr.Fatal, "", fmt.Errorf("tpi: target does not reply (identity byte %#x, want %#x)", id, tpiir))
	}
	key := append([]byte{cmdSKEY}, skey[:]...)
	if err := e.cmdTPI(key, len(key), nil, 0); err != nil {
		return err
	}
	for i := 0; i < 10; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		sr, err := e.sldcs(csrTPISR)
		if err != nil {
			return err
		}
		if sr&bitNVMEN != 0 {
			return nil
		}
	}
	return avrerr.New(avrerr.Fatal, "", fmt.Errorf("tpi: target does not reply (NVMEN never set)"))
}

// PollBusy reads NVMCSR and reports whether NVMBSY is set.
func (e *Engine) PollBusy() (bool, error) {
	v, err := e.sin(regNVMCSR)
	if err != nil {
		return false, err
	}
	return v&bitNVMBSY != 0, nil
}

// waitIdle busy-polls until NVMBSY clears or the deadline expires.
func (e *Engine) waitIdle(ctx context.Context, deadline clock.Deadline) error {
	for {
		busy, err := e.PollBusy()
		if err != nil {
			return err
		}
		if !busy {
			return nil
		}
		if deadline.Expired() {
			return avrerr.New(avrerr.Fatal, "", fmt.Errorf("tpi: NVM busy timeout"))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// setupRW writes nvmcmd to NVMCMD, then the 16-bit pointer register
// (mem.Offset+addr), low half first.
func (e *Engine) setupRW(mem *part.Memory, addr uint32, nvmcmd byte) error {
	if err := e.sout(regNVMCMD, nvmcmd); err != nil {
		return err
	}
	ptr := uint32(mem.Offset) + addr
	if err := e.sstpr(0, byte(ptr&0xff)); err != nil {
		return err
	}
	return e.sstpr(1, byte((ptr>>8)&0xff))
}

// ChipErase erases the part's flash. The pointer's low byte carries the
// forced low bit per avr_tpi_chip_erase.
func (e *Engine) ChipErase(ctx context.Context, deadline clock.Deadline, flash *part.Memory) error {
	if flash == nil {
		return avrerr.New(avrerr.NotSupported, "", fmt.Errorf("tpi: chip erase requires a flash memory"))
	}
	if err := e.waitIdle(ctx, deadline); err != nil {
		return err
	}
	if err := e.sstpr(0, byte((flash.Offset&0xff)|1)); err != nil {
		return err
	}
	if err := e.sstpr(1, byte((flash.Offset>>8)&0xff)); err != nil {
		return err
	}
	if err := e.sout(regNVMCMD, NVMChipErase); err != nil {
		return err
	}
	if err := e.sst(0xff); err != nil {
		return err
	}
	return e.waitIdle(ctx, deadline)
}

// ReadByte busy-polls, seats the pointer, and issues a single SLD.
func (e *Engine) ReadByte(ctx context.Context, deadline clock.Deadline, mem *part.Memory, addr uint32) (byte, error) {
	if err := e.waitIdle(ctx, deadline); err != nil {
		return 0, err
	}
	if err := e.setupRW(mem, addr, NVMNoOp); err != nil {
		return 0, err
	}
	return e.sld()
}

// PagedLoad seats the pointer at addr once and streams n bytes via
// SLD_PI. To jump over an unallocated run, the caller calls PagedLoad
// again with the next start address, which re-seats the pointer.
func (e *Engine) PagedLoad(ctx context.Context, deadline clock.Deadline, mem *part.Memory, addr uint32, n int) ([]byte, error) {
	if err := e.waitIdle(ctx, deadline); err != nil {
		return nil, err
	}
	if err := e.setupRW(mem, addr, NVMNoOp); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		b, err := e.sldPI()
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

// WriteByte writes one byte. Flash byte-writes and odd-address writes
// to non-flash memories are rejected. For fuse-sized (non-flash)
// regions, a SECTION-ERASE precedes the WORD-WRITE.
func (e *Engine) WriteByte(ctx context.Context, deadline clock.Deadline, mem *part.Memory, addr uint32, value byte) error {
	if part.IsFlashLike(mem) {
		return avrerr.New(avrerr.NotSupported, mem.Name, fmt.Errorf("tpi: flash byte-writes are not supported, use PagedWrite"))
	}
	if addr%2 != 0 {
		return avrerr.At(avrerr.NotSupported, mem.Name, int(addr), fmt.Errorf("tpi: odd-address byte write not supported"))
	}
	if err := e.waitIdle(ctx, deadline); err != nil {
		return err
	}
	ptr := uint32(mem.Offset) + addr
	if err := e.sout(regNVMCMD, NVMSectionErase); err != nil {
		return err
	}
	if err := e.sstpr(0, byte((ptr&0xff)|1)); err != nil {
		return err
	}
	if err := e.sstpr(1, byte((ptr>>8)&0xff)); err != nil {
		return err
	}
	if err := e.sst(0xff); err != nil {
		return err
	}
	if err := e.waitIdle(ctx, deadline); err != nil {
		return err
	}
	if err := e.setupRW(mem, addr, NVMWordWrite); err != nil {
		return err
	}
	if err := e.sstPI(value); err != nil {
		return err
	}
	if err := e.sstPI(value); err != nil {
		return err
	}
	return e.waitIdle(ctx, deadline)
}

// PagedWrite streams an allocated-word-pair-aware write window: the
// pointer is re-seated only when the write cursor jumps, and each pair
// streams low byte then high byte followed by a busy-poll.
func (e *Engine) PagedWrite(ctx context.Context, deadline clock.Deadline, mem *part.Memory, base uint32, pairs []WordPair) error {
	if err := e.waitIdle(ctx, deadline); err != nil {
		return err
	}
	if err := e.setupRW(mem, base, NVMWordWrite); err != nil {
		return err
	}
	cursor := base
	for _, pr := range pairs {
		if pr.Addr != cursor {
			if err := e.setupRW(mem, pr.Addr, NVMWordWrite); err != nil {
				return err
			}
		}
		if err := e.sstPI(pr.Low); err != nil {
			return err
		}
		if err := e.sstPI(pr.High); err != nil {
			return err
		}
		if err := e.waitIdle(ctx, deadline); err != nil {
			return err
		}
		cursor = pr.Addr + 2
	}
	return nil
}

// WordPair is one allocated even-address word to stream during a TPI
// paged write.
type WordPair struct {
	Addr       uint32
	Low, High  byte
}
