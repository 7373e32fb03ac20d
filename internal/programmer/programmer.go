/*
 * avrprog - Programmer capability surface
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

// Package programmer defines the capability surface every concrete
// programmer driver satisfies, in the single "one verb per method"
// shape the teacher uses for its device interface (emu/device.Device),
// plus a Handle wrapping any Programmer with the session lifecycle
// state machine. Optional capabilities are nullable func fields on a
// struct rather than interface methods guarded by sentinel errors, so
// callers test for absence the same way avr.c tests
// `pgm->paged_load != NULL`.
package programmer

import (
	"context"

	"github.com/avrprog/avrprog/internal/avrerr"
	"github.com/avrprog/avrprog/internal/part"
)

// ConnType is the physical transport a driver advertises, used by the
// CLI to pick a sensible default port.
type ConnType int

const (
	ConnUnknown ConnType = iota
	ConnParallel
	ConnSerial
	ConnUSB
	ConnSPI
)

// Programmer is the full capability surface. Required methods always
// exist; optional capabilities are represented by the nullable fields of
// Capabilities, not by additional interface methods.
type Programmer struct {
	Name string
	Conn ConnType

	// Required.
	Open     func(ctx context.Context, port string) error
	Close    func()
	Enable   func()
	Disable  func()
	Initialize func(ctx context.Context, p *part.Part) error
	ChipErase  func(ctx context.Context, p *part.Part) error
	Cmd        func(cmd [4]byte) (resp [4]byte, err error)

	// Status indicators: best-effort, infallible.
	SetLED LEDSetter

	Capabilities
}

// LEDSetter flips the rdy/err/pgm/vfy status indicators. A driver with
// no indicators leaves this nil; callers must check before calling.
type LEDSetter func(led LED, on bool)

// LED names one of the four conventional status indicators.
type LED int

const (
	LEDReady LED = iota
	LEDError
	LEDProgram
	LEDVerify
)

// Capabilities holds every optional driver capability as a nullable
// func field. A nil field means the driver lacks that capability; the
// access engine and TPI engine check for nil before calling, exactly as
// spec'd ("explicit null indicator; callers must tolerate absence and
// fall back").
type Capabilities struct {
	PageErase func(ctx context.Context, p *part.Part, m *part.Memory, addr int) error

	CmdTPI func(out []byte, nout int, in []byte, nin int) error

	ReadByte  func(ctx context.Context, p *part.Part, m *part.Memory, addr int) (byte, error)
	WriteByte func(ctx context.Context, p *part.Part, m *part.Memory, addr int, value byte) error

	PagedLoad  func(ctx context.Context, p *part.Part, m *part.Memory, page int) ([]byte, error)
	PagedWrite func(ctx context.Context, p *part.Part, m *part.Memory, page int, data []byte) error

	ReadSigBytes func(ctx context.Context, p *part.Part, m *part.Memory) ([]byte, error)
	ReadSIB      func(ctx context.Context, p *part.Part) ([]byte, error)
	PerformOSCCAL func(ctx context.Context, p *part.Part) error

	PowerDown func() error
	PowerUp   func() error
	Unlock    func(ctx context.Context, p *part.Part) error
}

// State is a step in the programmer session lifecycle.
type State int

const (
	Closed State = iota
	Opened
	Enabled
	Initialized
	Disabled
)

// Handle enforces the Closed -> Opened -> Enabled -> Initialized ->
// Disabled -> Closed lifecycle around a Programmer: any call made out
// of order returns avrerr.ErrWrongState rather than silently
// misbehaving.
type Handle struct {
	Prog  *Programmer
	state State
}

// NewHandle wraps prog, starting in the Closed state.
func NewHandle(prog *Programmer) *Handle {
	return &Handle{Prog: prog, state: Closed}
}

// State reports the handle's current lifecycle step.
func (h *Handle) State() State { return h.state }

func (h *Handle) wrongState(op string) error {
	return avrerr.New(avrerr.Fatal, "", wrapState(op, avrerr.ErrWrongState))
}

func wrapState(op string, err error) error {
	return &stateErr{op: op, err: err}
}

type stateErr struct {
	op  string
	err error
}

func (e *stateErr) Error() string { return e.op + ": " + e.err.Error() }
func (e *stateErr) Unwrap() error { return e.err }

// Open acquires the transport, moving Closed -> Opened.
func (h *Handle) Open(ctx context.Context, port string) error {
	if h.state != Closed {
		return h.wrongState("open")
	}
	if err := h.Prog.Open(ctx, port); err != nil {
		return err
	}
	h.state = Opened
	return nil
}

// EnableMode moves Opened -> Enabled.
func (h *Handle) EnableMode() error {
	if h.state != Opened {
		return h.wrongState("enable")
	}
	h.Prog.Enable()
	h.state = Enabled
	return nil
}

// InitializeTarget moves Enabled -> Initialized.
func (h *Handle) InitializeTarget(ctx context.Context, p *part.Part) error {
	if h.state != Enabled {
		return h.wrongState("initialize")
	}
	if err := h.Prog.Initialize(ctx, p); err != nil {
		return err
	}
	h.state = Initialized
	return nil
}

// DisableMode moves Initialized -> Disabled.
func (h *Handle) DisableMode() error {
	if h.state != Initialized {
		return h.wrongState("disable")
	}
	h.Prog.Disable()
	h.state = Disabled
	return nil
}

// Close moves Disabled -> Closed and releases the transport. Close is
// also safe to call from Opened or Enabled (the at-exit teardown path
// spec.md §5 describes), always ending in Closed.
func (h *Handle) Close() {
	if h.state == Closed {
		return
	}
	h.Prog.Close()
	h.state = Closed
}

// Ready reports whether the handle is in the Initialized state, i.e.
// ready for memory access operations.
func (h *Handle) Ready() bool { return h.state == Initialized }
