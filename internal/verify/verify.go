/*
 * avrprog - Verification engine
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

// Package verify compares a device's buffer against a caller-supplied
// image, cell by cell, masking fuse-type regions down to the bits that
// are actually both written and read back.
package verify

import (
	"fmt"

	"github.com/avrprog/avrprog/internal/avrerr"
	"github.com/avrprog/avrprog/internal/opcode"
	"github.com/avrprog/avrprog/internal/part"
)

// FuseMask returns the bitmask of positions that are both an input bit
// on the memory's write opcode and an output bit on its read opcode.
// Non-fuse regions (size != 1, or missing either opcode) compare
// directly: the mask is all-ones.
func FuseMask(m *part.Memory) byte {
	if m == nil || m.Size != 1 {
		return 0xff
	}
	writeOp := m.Ops[part.OpWrite]
	readOp := m.Ops[part.OpRead]
	if writeOp == nil || readOp == nil {
		return 0xff
	}
	var w, r byte
	for _, spec := range writeOp.Bits {
		if spec.Kind == opcode.Input {
			w |= 1 << uint(spec.Index)
		}
	}
	for _, spec := range readOp.Bits {
		if spec.Kind == opcode.Output {
			r |= 1 << uint(spec.Index)
		}
	}
	return w & r
}

// CompareMasked reports whether a and b differ once both are masked down
// to the fuse bits that matter for m.
func CompareMasked(m *part.Memory, a, b byte) bool {
	mask := FuseMask(m)
	return a&mask != b&mask
}

// Mismatch describes one masked verification failure.
type Mismatch struct {
	Addr int
	Got  byte // the device's buffer (read back from the part)
	Want byte // the caller's expected buffer (the file image)
}

// Warning describes a mismatch confined entirely to unused bits: not a
// failure, but worth telling the caller about.
type Warning struct {
	Mismatch
	UnusedAsOne bool // false: programmer returns unused bits as 0
}

func (w Warning) String() string {
	verb := "0"
	if w.UnusedAsOne {
		verb = "1"
	}
	return fmt.Sprintf("ignoring mismatch in unused bits at addr 0x%04x (0x%02x != 0x%02x); "+
		"programmer returns unused bits as %s", w.Addr, w.Got, w.Want, verb)
}

// Result is the outcome of comparing two memory buffers.
type Result struct {
	Verified int // count of cells compared
	Warnings []Warning
}

// Compare walks got (the device's buffer, e.g. freshly read back) against
// want (the caller's expected image) over the cells want.Tags marks
// ALLOCATED. It stops and returns a VerifyMismatch *avrerr.Error at the
// first cell whose masked values differ; mismatches confined to unused
// bits are recorded as warnings instead and comparison continues.
func Compare(m *part.Memory, got *part.Memory, want *part.Memory) (Result, error) {
	var res Result
	size := got.Size
	if want.Size < size {
		size = want.Size
	}
	mask := FuseMask(m)
	for i := 0; i < size; i++ {
		if want.Tags[i]&part.TagAllocated == 0 {
			continue
		}
		res.Verified++
		g, w := got.Buf[i], want.Buf[i]
		if g == w {
			continue
		}
		if g&mask != w&mask {
			return res, avrerr.At(avrerr.VerifyMismatch, m.Name, i,
				fmt.Errorf("0x%02x != 0x%02x", g, w))
		}
		// Mismatch is confined to bits outside the fuse mask. Follow
		// the original engine's test: if forcing the masked bits to 1
		// still doesn't reach 0xff, the unmasked bits the programmer
		// reported are 0; otherwise they came back 1.
		res.Warnings = append(res.Warnings, Warning{
			Mismatch:    Mismatch{Addr: i, Got: g, Want: w},
			UnusedAsOne: g|mask == 0xff,
		})
	}
	return res, nil
}
