/*
 * avrprog - In-memory simulated target for tests
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

// Package mockprog is an in-memory simulated target: it holds its own
// copy of a part's memory contents and dispatches read/write/paged
// operations against it, counting accesses per cell the way
// emu/test_dev/testdev.go counts channel operations against its own
// struct fields instead of a real device. Tests use the counters to
// assert the access engine's selective-read/selective-verify
// invariants without a real programmer attached.
package mockprog

import (
	"context"
	"fmt"

	"github.com/avrprog/avrprog/internal/avrerr"
	"github.com/avrprog/avrprog/internal/part"
	"github.com/avrprog/avrprog/internal/programmer"
)

// Target is the simulated device state: one byte slice and one
// read/write counter slice per memory name, plus a busy flag mimicking
// an NVM-busy controller bit.
type Target struct {
	mems  map[string][]byte
	reads map[string][]int
	wrts  map[string][]int
	busy  bool

	// FailPageMem and FailPageIndex, when FailPageIndex is non-negative,
	// make every PagedWrite of that page index of the named memory fail,
	// modeling the "paged_write returns -1 on page N" fallback scenario.
	FailPageMem   string
	FailPageIndex int

	// FailSigOnce makes the next signature read (a ReadSigBytes call, or
	// a ReadByte on the signature memory) report a transient
	// avrerr.SoftFail, then clears itself, modeling a part that isn't
	// awake yet on the very first signature read.
	FailSigOnce bool

	opened, enabled bool

	part *part.Part

	// TPI register state, simulating the registers internal/tpi's
	// Engine drives through CmdTPI: whether the SKEY handshake has run
	// (TPISR.NVMEN), the NVM command register, and the 16-bit pointer.
	tpiEnabled bool
	tpiNVMCmd  byte
	tpiPtr     uint32
}

// New returns a Target pre-populated with p's current memory contents
// (so an existing .Buf acts as the "already on the device" image).
func New(p *part.Part) *Target {
	t := &Target{
		mems:          map[string][]byte{},
		reads:         map[string][]int{},
		wrts:          map[string][]int{},
		FailPageIndex: -1,
		part:          p,
	}
	for _, m := range p.Memories {
		buf := make([]byte, m.Size)
		copy(buf, m.Buf)
		t.mems[m.Name] = buf
		t.reads[m.Name] = make([]int, m.Size)
		t.wrts[m.Name] = make([]int, m.Size)
	}
	return t
}

// ReadCount reports how many times addr of mem was read from the
// simulated device.
func (t *Target) ReadCount(mem string, addr int) int { return t.reads[mem][addr] }

// WriteCount reports how many times addr of mem was written to the
// simulated device.
func (t *Target) WriteCount(mem string, addr int) int { return t.wrts[mem][addr] }

func (t *Target) cell(mem string, addr int) (byte, error) {
	buf, ok := t.mems[mem]
	if !ok || addr < 0 || addr >= len(buf) {
		return 0, fmt.Errorf("mockprog: no such cell %s[%d]", mem, addr)
	}
	t.reads[mem][addr]++
	return buf[addr], nil
}

func (t *Target) setCell(mem string, addr int, v byte) error {
	buf, ok := t.mems[mem]
	if !ok || addr < 0 || addr >= len(buf) {
		return fmt.Errorf("mockprog: no such cell %s[%d]", mem, addr)
	}
	t.wrts[mem][addr]++
	buf[addr] = v
	return nil
}

// TPI command frame bytes. These mirror the byte values internal/tpi's
// Engine issues (see its own unexported cmd*/reg* constants) but are
// re-derived here since a mock target simulates the wire protocol rather
// than linking against the engine that drives it.
const (
	tpiSLD         = 0x20
	tpiSLDpi       = 0x24
	tpiSST         = 0x60
	tpiSSTpi       = 0x64
	tpiSSTPR0      = 0x68       // SSTPR | pointer-low
	tpiSSTPR1      = 0x69       // SSTPR | pointer-high
	tpiSLDCSTPISR  = 0x80       // SLDCS | TPISR(0)
	tpiSLDCSTPIIR  = 0x8f       // SLDCS | TPIIR(15)
	tpiSSTCSTPIPCR = 0xc2       // SSTCS | TPIPCR(2)
	tpiSKEY        = 0xe0
	tpiSINNVMCSR   = 0x10 | 0x32 // SIN | NVMCSR
	tpiSOUTNVMCMD  = 0x90 | 0x33 // SOUT | NVMCMD

	tpiNVMChipErase = 0x10
)

// tpiResolve maps a flat TPI pointer address to the memory and local
// offset it falls in, the same layout internal/tpi's setupRW computes
// from mem.Offset when issuing read/write sequences.
func (t *Target) tpiResolve(ptr uint32) (*part.Memory, int, bool) {
	for _, m := range t.part.Memories {
		off := uint32(m.Offset)
		if ptr >= off && int(ptr-off) < m.Size {
			return m, int(ptr - off), true
		}
	}
	return nil, 0, false
}

func (t *Target) tpiStore(value byte, postIncrement bool) error {
	if t.tpiNVMCmd == tpiNVMChipErase {
		for name, buf := range t.mems {
			for i := range buf {
				buf[i] = 0xff
				t.wrts[name][i]++
			}
		}
	} else {
		mem, addr, ok := t.tpiResolve(t.tpiPtr)
		if !ok {
			return fmt.Errorf("mockprog: tpi pointer %#x out of range", t.tpiPtr)
		}
		if err := t.setCell(mem.Name, addr, value); err != nil {
			return err
		}
	}
	if postIncrement {
		t.tpiPtr++
	}
	return nil
}

func (t *Target) tpiLoad(postIncrement bool) (byte, error) {
	mem, addr, ok := t.tpiResolve(t.tpiPtr)
	if !ok {
		return 0, fmt.Errorf("mockprog: tpi pointer %#x out of range", t.tpiPtr)
	}
	b, err := t.cell(mem.Name, addr)
	if err != nil {
		return 0, err
	}
	if postIncrement {
		t.tpiPtr++
	}
	return b, nil
}

// cmdTPI interprets one TPI frame the way a real target's TPI state
// machine would: SLDCS/SSTCS register access, SKEY program-enable,
// NVMCMD/pointer setup, and SLD/SST(.pi) data transfer.
func (t *Target) cmdTPI(out []byte, nout int, in []byte, nin int) error {
	if nout == 0 || len(out) == 0 {
		return fmt.Errorf("mockprog: tpi command with no output bytes")
	}
	switch out[0] {
	case tpiSKEY:
		t.tpiEnabled = true
		return nil
	case tpiSLDCSTPIIR:
		if nin > 0 {
			in[0] = 0x80
		}
		return nil
	case tpiSLDCSTPISR:
		if nin > 0 {
			if t.tpiEnabled {
				in[0] = 1 << 1
			} else {
				in[0] = 0
			}
		}
		return nil
	case tpiSSTCSTPIPCR:
		return nil
	case tpiSINNVMCSR:
		if nin > 0 {
			in[0] = 0
		}
		return nil
	case tpiSOUTNVMCMD:
		if nout > 1 {
			t.tpiNVMCmd = out[1]
		}
		return nil
	case tpiSSTPR0:
		if nout > 1 {
			t.tpiPtr = (t.tpiPtr &^ 0xff) | uint32(out[1])
		}
		return nil
	case tpiSSTPR1:
		if nout > 1 {
			t.tpiPtr = (t.tpiPtr &^ 0xff00) | uint32(out[1])<<8
		}
		return nil
	case tpiSST:
		if nout < 2 {
			return fmt.Errorf("mockprog: tpi sst with no data byte")
		}
		return t.tpiStore(out[1], false)
	case tpiSSTpi:
		if nout < 2 {
			return fmt.Errorf("mockprog: tpi sst.pi with no data byte")
		}
		return t.tpiStore(out[1], true)
	case tpiSLD:
		b, err := t.tpiLoad(false)
		if err != nil {
			return err
		}
		if nin > 0 {
			in[0] = b
		}
		return nil
	case tpiSLDpi:
		b, err := t.tpiLoad(true)
		if err != nil {
			return err
		}
		if nin > 0 {
			in[0] = b
		}
		return nil
	default:
		return fmt.Errorf("mockprog: unrecognized tpi frame %#x", out[0])
	}
}

// Programmer builds a *programmer.Programmer wired entirely to this
// Target: every required capability is present; of the optional ones,
// PerformOSCCAL, PowerDown, PowerUp and SetLED are left nil.
func (t *Target) Programmer() *programmer.Programmer {
	p := &programmer.Programmer{
		Name:    "mock",
		Conn:    programmer.ConnUSB,
		Open:    func(ctx context.Context, port string) error { t.opened = true; return nil },
		Close:   func() { t.opened = false },
		Enable:  func() { t.enabled = true },
		Disable: func() { t.enabled = false },
		Initialize: func(ctx context.Context, pt *part.Part) error {
			return nil
		},
		ChipErase: func(ctx context.Context, pt *part.Part) error {
			for name, buf := range t.mems {
				for i := range buf {
					buf[i] = 0xff
					t.wrts[name][i]++
				}
			}
			return nil
		},
		Cmd: func(cmd [4]byte) ([4]byte, error) { return cmd, nil },
	}
	p.Capabilities = programmer.Capabilities{
		ReadByte: func(ctx context.Context, pt *part.Part, m *part.Memory, addr int) (byte, error) {
			if m.Name == "signature" && t.FailSigOnce {
				t.FailSigOnce = false
				return 0, avrerr.At(avrerr.SoftFail, m.Name, addr, fmt.Errorf("mockprog: simulated transient signature read failure"))
			}
			return t.cell(m.Name, addr)
		},
		WriteByte: func(ctx context.Context, pt *part.Part, m *part.Memory, addr int, value byte) error {
			return t.setCell(m.Name, addr, value)
		},
		PagedLoad: func(ctx context.Context, pt *part.Part, m *part.Memory, page int) ([]byte, error) {
			start := page * m.PageSize
			out := make([]byte, m.PageSize)
			for i := 0; i < m.PageSize; i++ {
				b, err := t.cell(m.Name, start+i)
				if err != nil {
					return nil, err
				}
				out[i] = b
			}
			return out, nil
		},
		PagedWrite: func(ctx context.Context, pt *part.Part, m *part.Memory, page int, data []byte) error {
			if t.FailPageMem == m.Name && t.FailPageIndex == page {
				return fmt.Errorf("mockprog: simulated paged_write failure on page %d", page)
			}
			start := page * m.PageSize
			for i, b := range data {
				if err := t.setCell(m.Name, start+i, b); err != nil {
					return err
				}
			}
			return nil
		},
		PageErase: func(ctx context.Context, pt *part.Part, m *part.Memory, addr int) error {
			start := (addr / m.PageSize) * m.PageSize
			for i := 0; i < m.PageSize; i++ {
				if err := t.setCell(m.Name, start+i, 0xff); err != nil {
					return err
				}
			}
			return nil
		},
		ReadSigBytes: func(ctx context.Context, pt *part.Part, m *part.Memory) ([]byte, error) {
			if t.FailSigOnce {
				t.FailSigOnce = false
				return nil, avrerr.At(avrerr.SoftFail, m.Name, 0, fmt.Errorf("mockprog: simulated transient signature read failure"))
			}
			buf, ok := t.mems[m.Name]
			if !ok {
				return nil, fmt.Errorf("mockprog: no signature memory")
			}
			out := make([]byte, len(buf))
			copy(out, buf)
			for i := range buf {
				t.reads[m.Name][i]++
			}
			return out, nil
		},
		CmdTPI: t.cmdTPI,
		Unlock: func(ctx context.Context, pt *part.Part) error {
			for name, buf := range t.mems {
				if name == "signature" {
					continue
				}
				for i := range buf {
					buf[i] = 0xff
					t.wrts[name][i]++
				}
			}
			return nil
		},
		ReadSIB: func(ctx context.Context, pt *part.Part) ([]byte, error) {
			sib := make([]byte, 32)
			for i := range sib {
				sib[i] = ' '
			}
			copy(sib, []byte(pt.FamilyID))
			return sib, nil
		},
	}
	return p
}
