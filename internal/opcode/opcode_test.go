/*
 * avrprog - Opcode bit engine tests
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

package opcode

import "testing"

// readOp models a classic AVR STK500 "Read Program Memory" style opcode:
// 0010 xxxx aaaa aaaa aaaa xxxx oooo oooo (addr bits 12 wide, 8 output bits
// in the low byte).
func readOp() *Op {
	var op Op
	for i := range op.Bits {
		op.Bits[i] = BitSpec{Kind: Ignore}
	}
	op.Bits[0] = BitSpec{Kind: Zero}
	op.Bits[1] = BitSpec{Kind: Zero}
	op.Bits[2] = BitSpec{Kind: One}
	op.Bits[3] = BitSpec{Kind: Zero}
	for i := 0; i < 12; i++ {
		op.Bits[8+i] = BitSpec{Kind: Address, Index: 11 - i}
	}
	for i := 0; i < 8; i++ {
		op.Bits[24+i] = BitSpec{Kind: Output, Index: 7 - i}
	}
	return &op
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	op := readOp()
	for addr := uint32(0); addr < 4096; addr += 137 {
		for b := 0; b < 256; b += 17 {
			cmd := Encode(op, addr, byte(b))
			// Output bits are positions 24..31, i.e. byte index 3.
			var resp [4]byte
			resp[3] = byte(b)
			got := Decode(op, resp)
			if got != byte(b) {
				t.Fatalf("decode(response with byte 3 = %d) at addr=%d = %d, want %d", b, addr, got, b)
			}
			_ = cmd
		}
	}
}

func TestEncodeAddressBits(t *testing.T) {
	op := readOp()
	cmd := Encode(op, 0x0AB, 0)
	// addr 0x0AB = 0b0000_1010_1011, should land in bits 8..19 (bytes 1-2).
	want := [4]byte{0x20, 0x0a, 0xb0, 0x00}
	if cmd != want {
		t.Fatalf("Encode address bits = % x, want % x", cmd, want)
	}
}

func TestDecodeOutputFromFixedTemplate(t *testing.T) {
	op := &Op{}
	for i := range op.Bits {
		op.Bits[i] = BitSpec{Kind: Ignore}
	}
	for i := 0; i < 8; i++ {
		op.Bits[24+i] = BitSpec{Kind: Output, Index: 7 - i}
	}
	for b := 0; b < 256; b++ {
		resp := [4]byte{0, 0, 0, byte(b)}
		if got := Decode(op, resp); got != byte(b) {
			t.Fatalf("Decode(%d) = %d, want %d", b, got, b)
		}
	}
}

func TestParseBitTemplate(t *testing.T) {
	op, err := ParseBitTemplate("0010 0000 aaaa aaaa aaaa aaaa oooo oooo")
	if err != nil {
		t.Fatalf("ParseBitTemplate error: %v", err)
	}
	if op.Bits[2].Kind != One || op.Bits[0].Kind != Zero {
		t.Fatalf("constant bits wrong: %+v", op.Bits[:4])
	}
	if op.Bits[8].Kind != Address || op.Bits[8].Index != 15 {
		t.Fatalf("first address bit = %+v, want Index 15", op.Bits[8])
	}
	if op.Bits[23].Kind != Address || op.Bits[23].Index != 0 {
		t.Fatalf("last address bit = %+v, want Index 0", op.Bits[23])
	}
	if op.Bits[24].Kind != Output || op.Bits[24].Index != 7 {
		t.Fatalf("first output bit = %+v, want Index 7", op.Bits[24])
	}
	if op.Bits[31].Kind != Output || op.Bits[31].Index != 0 {
		t.Fatalf("last output bit = %+v, want Index 0", op.Bits[31])
	}
}

func TestParseBitTemplateWrongLength(t *testing.T) {
	if _, err := ParseBitTemplate("0000"); err == nil {
		t.Fatal("ParseBitTemplate with 4 symbols = nil error, want error")
	}
}

func TestParseBitTemplateInvalidSymbol(t *testing.T) {
	bad := "0010 0000 zzzz aaaa aaaa aaaa oooo oooo"
	if _, err := ParseBitTemplate(bad); err == nil {
		t.Fatal("ParseBitTemplate with invalid symbol = nil error, want error")
	}
}

func TestEncodeConstantBits(t *testing.T) {
	op := &Op{}
	for i := range op.Bits {
		op.Bits[i] = BitSpec{Kind: Zero}
	}
	op.Bits[0] = BitSpec{Kind: One}
	op.Bits[7] = BitSpec{Kind: One}
	cmd := Encode(op, 0, 0)
	if cmd[0] != 0x81 {
		t.Fatalf("Encode constants byte0 = %08b, want %08b", cmd[0], 0x81)
	}
	for _, b := range cmd[1:] {
		if b != 0 {
			t.Fatalf("Encode constants trailing bytes = % x, want zero", cmd)
		}
	}
}
