/*
 * avrprog - TPI protocol engine tests
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

package tpi

import (
	"context"
	"testing"
	"time"

	"github.com/avrprog/avrprog/internal/clock"
	"github.com/avrprog/avrprog/internal/part"
	"github.com/avrprog/avrprog/internal/programmer"
)

// fakeTarget simulates the TPI register file at the level the engine
// frames commands against: an NVMCSR busy bit the test can script to
// clear after N polls, and a log of every frame issued.
type fakeTarget struct {
	frames       [][]byte
	busyPollsLeft int
}

func (f *fakeTarget) cmdTPI(out []byte, nout int, in []byte, nin int) error {
	frame := append([]byte(nil), out[:nout]...)
	f.frames = append(f.frames, frame)
	if nin == 0 {
		return nil
	}
	switch out[0] {
	case cmdSLDCS | csrTPIIR:
		in[0] = tpiir
	case cmdSLDCS | csrTPISR:
		in[0] = bitNVMEN
	case cmdSIN | regNVMCSR:
		if f.busyPollsLeft > 0 {
			f.busyPollsLeft--
			in[0] = bitNVMBSY
		} else {
			in[0] = 0
		}
	}
	return nil
}

func newEngine(f *fakeTarget) *Engine {
	prog := &programmer.Programmer{Capabilities: programmer.Capabilities{CmdTPI: f.cmdTPI}}
	return New(prog, clock.NewFake())
}

func TestProgramEnableSequence(t *testing.T) {
	f := &fakeTarget{}
	e := newEngine(f)
	if err := e.ProgramEnable(context.Background(), 0x7f); err != nil {
		t.Fatalf("ProgramEnable error: %v", err)
	}
	if len(f.frames) != 4 {
		t.Fatalf("frame count = %d, want 4 (guard time, identity read, SKEY, NVMEN poll)", len(f.frames))
	}
	if f.frames[0][0] != cmdSSTCS|csrTPIPCR || f.frames[0][1] != 0x7f {
		t.Fatalf("guard-time frame = % x", f.frames[0])
	}
	if f.frames[1][0] != cmdSLDCS|csrTPIIR {
		t.Fatalf("identity-read frame = % x", f.frames[1])
	}
	if f.frames[2][0] != cmdSKEY {
		t.Fatalf("SKEY frame opcode = %#x, want %#x", f.frames[2][0], cmdSKEY)
	}
}

func TestProgramEnableFailsOnWrongIdentity(t *testing.T) {
	f := &fakeTarget{}
	e := newEngine(f)
	// Force a wrong identity byte by using a custom cmdTPI.
	prog := &programmer.Programmer{Capabilities: programmer.Capabilities{
		CmdTPI: func(out []byte, nout int, in []byte, nin int) error {
			if nin > 0 {
				in[0] = 0x00
			}
			return nil
		},
	}}
	e = New(prog, clock.NewFake())
	if err := e.ProgramEnable(context.Background(), 0x7f); err == nil {
		t.Fatal("ProgramEnable with wrong identity byte = nil error, want error")
	}
}

// TestFuseWriteFrameSequence reproduces spec scenario 1: TPI fuse write
// on a tiny part, memory "fuse" size 1, offset 0x3F40, WriteByte(mem, 0,
// 0xE7).
func TestFuseWriteFrameSequence(t *testing.T) {
	f := &fakeTarget{}
	e := newEngine(f)
	mem := &part.Memory{Name: "fuse", Size: 1, Offset: 0x3f40}

	if err := e.WriteByte(context.Background(), clock.NewDeadline(e.Clock, time.Second), mem, 0, 0xe7); err != nil {
		t.Fatalf("WriteByte error: %v", err)
	}

	want := [][]byte{
		{cmdSIN | regNVMCSR},                 // busy-poll until idle
		{cmdSOUT | regNVMCMD, NVMSectionErase}, // SOUT NVMCMD := SECTION_ERASE
		{cmdSSTPR | 0, 0x41},                  // SSTPR low := 0x41
		{cmdSSTPR | 1, 0x3f},                  // SSTPR high := 0x3F
		{cmdSST, 0xff},                        // SST 0xFF
		{cmdSIN | regNVMCSR},                 // busy-poll
		{cmdSOUT | regNVMCMD, NVMWordWrite},   // SOUT NVMCMD := WORD_WRITE
		{cmdSSTPR | 0, 0x40},                  // SSTPR low := 0x40
		{cmdSSTPR | 1, 0x3f},                  // SSTPR high := 0x3F
		{cmdSSTpi, 0xe7},                      // SST_PI 0xE7
		{cmdSSTpi, 0xe7},                      // SST_PI 0xE7
		{cmdSIN | regNVMCSR},                 // busy-poll
	}
	if len(f.frames) != len(want) {
		t.Fatalf("frame count = %d, want %d:\ngot  %v\nwant %v", len(f.frames), len(want), f.frames, want)
	}
	for i := range want {
		if !equalBytes(f.frames[i], want[i]) {
			t.Fatalf("frame[%d] = % x, want % x", i, f.frames[i], want[i])
		}
	}
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestWriteByteRejectsFlash(t *testing.T) {
	f := &fakeTarget{}
	e := newEngine(f)
	flash := &part.Memory{Name: "flash", Size: 1024}
	if err := e.WriteByte(context.Background(), clock.NewDeadline(e.Clock, time.Second), flash, 0, 1); err == nil {
		t.Fatal("WriteByte on flash = nil error, want error")
	}
}

func TestWriteByteRejectsOddAddress(t *testing.T) {
	f := &fakeTarget{}
	e := newEngine(f)
	mem := &part.Memory{Name: "userrow", Size: 64}
	if err := e.WriteByte(context.Background(), clock.NewDeadline(e.Clock, time.Second), mem, 1, 1); err == nil {
		t.Fatal("WriteByte at odd address = nil error, want error")
	}
}

func TestChipErasePointerByteOrder(t *testing.T) {
	f := &fakeTarget{}
	e := newEngine(f)
	flash := &part.Memory{Name: "flash", Size: 1024, Offset: 0x4000}
	if err := e.ChipErase(context.Background(), clock.NewDeadline(e.Clock, time.Second), flash); err != nil {
		t.Fatalf("ChipErase error: %v", err)
	}
	// frames: busy-poll, SSTPR low, SSTPR high, SOUT NVMCMD, SST 0xFF, busy-poll
	if f.frames[1][1] != byte((0x4000&0xff)|1) {
		t.Fatalf("chip erase pointer low byte = %#x, want forced-low-bit-set low byte", f.frames[1][1])
	}
	if f.frames[2][1] != byte((0x4000>>8)&0xff) {
		t.Fatalf("chip erase pointer high byte = %#x, want %#x", f.frames[2][1], byte((0x4000>>8)&0xff))
	}
}

func TestPagedLoadStreamsPostIncrement(t *testing.T) {
	data := map[int]byte{0: 0x11, 1: 0x22, 2: 0x33}
	var cursor int
	prog := &programmer.Programmer{Capabilities: programmer.Capabilities{
		CmdTPI: func(out []byte, nout int, in []byte, nin int) error {
			switch out[0] {
			case cmdSIN | regNVMCSR:
				in[0] = 0
			case cmdSLDpi:
				in[0] = data[cursor]
				cursor++
			}
			return nil
		},
	}}
	e := New(prog, clock.NewFake())
	mem := &part.Memory{Name: "flash", Size: 3, PageSize: 3}
	got, err := e.PagedLoad(context.Background(), clock.NewDeadline(e.Clock, time.Second), mem, 0, 3)
	if err != nil {
		t.Fatalf("PagedLoad error: %v", err)
	}
	want := []byte{0x11, 0x22, 0x33}
	if !equalBytes(got, want) {
		t.Fatalf("PagedLoad = % x, want % x", got, want)
	}
}
