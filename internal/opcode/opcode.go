/*
 * avrprog - Opcode bit engine
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

// Package opcode encodes and decodes the 32-bit positional command words
// declared in the part database. Every memory/operation pair in a part
// carries one Op; encoding builds a 4-byte command from it, decoding pulls
// one result byte out of a 4-byte response. Templates are trusted data
// from the configuration loader, so neither direction can fail.
package opcode

import "fmt"

// BitKind is the role one of the 32 positions in a command word plays.
type BitKind int

const (
	// Ignore means this position is don't-care on encode and unused on
	// decode.
	Ignore BitKind = iota
	// Zero forces the position to 0 on encode.
	Zero
	// One forces the position to 1 on encode.
	One
	// Input copies bit Index of the operation's input byte on encode.
	Input
	// Output, on decode, is read from this position into bit Index of
	// the result byte.
	Output
	// Address copies bit Index of the address on encode.
	Address
)

// BitSpec is the tag on one of the 32 positions of a command word.
type BitSpec struct {
	Kind  BitKind
	Index int // bit number within the input/output/address value, 0-7 or 0-31
}

// Op is a full 32-bit opcode template: Bits[0] is the most significant bit
// of the command word, Bits[31] the least significant, matching the
// part-database convention of writing templates most-significant-bit
// first.
type Op struct {
	Bits [32]BitSpec
}

// Encode builds the 4-byte command word for op given an address and an
// input data byte. Bits tagged Zero/One write their constant; Address
// bits copy from addr; Input bits copy from input; Ignore bits are left
// at zero.
func Encode(op *Op, addr uint32, input byte) [4]byte {
	var cmd [4]byte
	for pos := 0; pos < 32; pos++ {
		spec := op.Bits[pos]
		var bit byte
		switch spec.Kind {
		case Zero, Ignore:
			bit = 0
		case One:
			bit = 1
		case Address:
			bit = byte((addr >> uint(spec.Index)) & 1)
		case Input:
			bit = byte((input >> uint(spec.Index)) & 1)
		default:
			bit = 0
		}
		if bit != 0 {
			setBit(&cmd, pos)
		}
	}
	return cmd
}

// Decode extracts one output byte from a 4-byte response using op's
// Output-tagged positions.
func Decode(op *Op, resp [4]byte) byte {
	var out byte
	for pos := 0; pos < 32; pos++ {
		spec := op.Bits[pos]
		if spec.Kind != Output {
			continue
		}
		if getBit(resp, pos) {
			out |= 1 << uint(spec.Index)
		}
	}
	return out
}

// setBit sets bit `pos` of a 32-bit word laid out most-significant-bit
// first across 4 bytes (pos 0 is bit 31 of byte 0, pos 31 is bit 0 of
// byte 3).
func setBit(cmd *[4]byte, pos int) {
	byteIdx := pos / 8
	bitIdx := 7 - (pos % 8)
	cmd[byteIdx] |= 1 << uint(bitIdx)
}

func getBit(resp [4]byte, pos int) bool {
	byteIdx := pos / 8
	bitIdx := 7 - (pos % 8)
	return (resp[byteIdx]>>uint(bitIdx))&1 != 0
}

// ParseBitTemplate parses the part-database's bit-template notation for a
// 32-bit opcode word into an Op: 32 symbols, read most-significant-first,
// whitespace between symbols ignored. '0'/'1' are constant bits, 'a' is
// an address bit, 'i' an input bit, 'o' an output bit, 'x' is ignore.
// Each letter's bit Index is assigned by position within its own
// left-to-right run across the whole template, most significant first —
// "aaaa aaaa" assigns indexes 7..0, matching the part database's
// historical bit-template convention.
func ParseBitTemplate(s string) (*Op, error) {
	symbols := make([]byte, 0, 32)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == ' ' || c == '\t' {
			continue
		}
		symbols = append(symbols, c)
	}
	if len(symbols) != 32 {
		return nil, fmt.Errorf("opcode bit template has %d significant symbols, want 32", len(symbols))
	}
	counts := map[byte]int{}
	for _, c := range symbols {
		switch c {
		case 'a', 'i', 'o':
			counts[c]++
		case '0', '1', 'x':
		default:
			return nil, fmt.Errorf("opcode bit template: invalid symbol %q", c)
		}
	}
	var op Op
	remaining := map[byte]int{'a': counts['a'], 'i': counts['i'], 'o': counts['o']}
	for pos, c := range symbols {
		switch c {
		case '0':
			op.Bits[pos] = BitSpec{Kind: Zero}
		case '1':
			op.Bits[pos] = BitSpec{Kind: One}
		case 'x':
			op.Bits[pos] = BitSpec{Kind: Ignore}
		case 'a':
			remaining['a']--
			op.Bits[pos] = BitSpec{Kind: Address, Index: remaining['a']}
		case 'i':
			remaining['i']--
			op.Bits[pos] = BitSpec{Kind: Input, Index: remaining['i']}
		case 'o':
			remaining['o']--
			op.Bits[pos] = BitSpec{Kind: Output, Index: remaining['o']}
		}
	}
	return &op, nil
}
