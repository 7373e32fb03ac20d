/*
 * avrprog - Error taxonomy for the device-programming core
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

// Package avrerr defines the error taxonomy every core component reports
// through: no panics or exceptions cross a component boundary, only a
// *Error with a known Kind the caller can switch on.
package avrerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure from most to least local, mirroring the
// taxonomy every operation in the core reports through.
type Kind int

const (
	// NotSupported means the operation has no opcode for this memory, or
	// the driver lacks the capability. The caller skips and continues.
	NotSupported Kind = iota
	// SoftFail means the transport returned an error on one cell or page
	// but the session can continue.
	SoftFail
	// VerifyMismatch means the first differing address has been found;
	// the run fails unless verification was disabled.
	VerifyMismatch
	// SignatureMismatch covers a signature read returning the wrong
	// triplet, or all-0x00 / all-0xff.
	SignatureMismatch
	// Fatal means the session cannot continue: transport could not be
	// opened, the device could not be initialized, a retry budget was
	// exhausted, or a power-cycle-required device has no software power
	// control.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case NotSupported:
		return "not supported"
	case SoftFail:
		return "soft fail"
	case VerifyMismatch:
		return "verification mismatch"
	case SignatureMismatch:
		return "signature mismatch"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind and the memory/address
// context that produced it, so callers can both switch on Kind and use
// errors.Is/As against the wrapped cause.
type Error struct {
	Kind   Kind
	Memory string
	Addr   int
	Err    error
}

func (e *Error) Error() string {
	if e.Memory == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: memory %q addr 0x%04x: %v", e.Kind, e.Memory, e.Addr, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error for the given kind with no address context.
func New(kind Kind, memory string, err error) *Error {
	return &Error{Kind: kind, Memory: memory, Err: err}
}

// At builds an *Error carrying the cell address that produced the failure.
func At(kind Kind, memory string, addr int, err error) *Error {
	return &Error{Kind: kind, Memory: memory, Addr: addr, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

var (
	// ErrWrongState is returned by programmer.Handle when a capability is
	// invoked out of lifecycle order (e.g. writing before Initialize).
	ErrWrongState = errors.New("programmer handle not in required state")
	// ErrNameTableFull is returned by part.Registry.RegisterMemoryName
	// once the canonical memory name table is exhausted.
	ErrNameTableFull = errors.New("memory name table is full")
	// ErrNoOpcode is returned when a memory has no opcode template for
	// the requested operation.
	ErrNoOpcode = errors.New("operation not supported on this memory type")
	// ErrNotTPI is returned when a TPI-only operation is invoked against
	// a part or programmer that does not support TPI.
	ErrNotTPI = errors.New("part or programmer does not support TPI")
)
