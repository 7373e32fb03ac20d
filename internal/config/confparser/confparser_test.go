/*
 * avrprog - Part/programmer database file parser tests
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

package confparser

import (
	"strings"
	"testing"
)

func TestLoadFlatAssignment(t *testing.T) {
	root, err := New().Load(strings.NewReader(`default_programmer = "usbasp";`+"\n"), "test")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if got := root.GetString("default_programmer"); got != "usbasp" {
		t.Fatalf("default_programmer = %q, want usbasp", got)
	}
}

func TestLoadNestedBlock(t *testing.T) {
	src := `
part "attiny10"
{
    desc = "ATtiny10";
    signature = 0x1e, 0x90, 0x03;
    memory "flash"
    {
        size = 1024;
        page_size = 4;
    };
};
`
	root, err := New().Load(strings.NewReader(src), "test")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	parts := root.Children("part")
	if len(parts) != 1 {
		t.Fatalf("len(parts) = %d, want 1", len(parts))
	}
	p := parts[0]
	if p.ID != "attiny10" {
		t.Fatalf("part ID = %q, want attiny10", p.ID)
	}
	if desc := p.GetString("desc"); desc != "ATtiny10" {
		t.Fatalf("desc = %q, want ATtiny10", desc)
	}
	sig := p.GetAll("signature")
	if len(sig) != 3 {
		t.Fatalf("len(signature) = %d, want 3", len(sig))
	}
	n, err := sig[0].ParseNumber()
	if err != nil || n != 0x1e {
		t.Fatalf("signature[0] = %v (%v), want 0x1e", n, err)
	}

	mems := p.Children("memory")
	if len(mems) != 1 || mems[0].ID != "flash" {
		t.Fatalf("memory children = %+v, want one block id flash", mems)
	}
	size, ok := mems[0].Get("size")
	if !ok {
		t.Fatal("size not found on flash memory block")
	}
	sn, err := size.ParseNumber()
	if err != nil || sn != 1024 {
		t.Fatalf("size = %v (%v), want 1024", sn, err)
	}
}

func TestParseNumberSuffixes(t *testing.T) {
	cases := []struct {
		text string
		want int64
	}{
		{"0x1e", 0x1e},
		{"128", 128},
		{"2K", 2048},
		{"1M", 1024 * 1024},
	}
	for _, c := range cases {
		v := Value{Text: c.text}
		got, err := v.ParseNumber()
		if err != nil {
			t.Fatalf("ParseNumber(%q) error: %v", c.text, err)
		}
		if got != c.want {
			t.Fatalf("ParseNumber(%q) = %d, want %d", c.text, got, c.want)
		}
	}
}

func TestLoadCommentsAndBlankLines(t *testing.T) {
	src := "# a top comment\n\nport = \"/dev/ttyUSB0\"; # trailing comment\n"
	root, err := New().Load(strings.NewReader(src), "test")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if got := root.GetString("port"); got != "/dev/ttyUSB0" {
		t.Fatalf("port = %q, want /dev/ttyUSB0", got)
	}
}

func TestLoadMissingSemicolonError(t *testing.T) {
	_, err := New().Load(strings.NewReader(`port = "/dev/ttyUSB0"`+"\n"), "test")
	if err == nil {
		t.Fatal("Load with missing semicolon = nil error, want error")
	}
}

func TestLoadUnterminatedBlockError(t *testing.T) {
	_, err := New().Load(strings.NewReader(`part "x" { desc = "y"; `), "test")
	if err == nil {
		t.Fatal("Load with unterminated block = nil error, want error")
	}
}

func TestLoadUnterminatedStringError(t *testing.T) {
	_, err := New().Load(strings.NewReader(`port = "unterminated`), "test")
	if err == nil {
		t.Fatal("Load with unterminated string = nil error, want error")
	}
}

func TestLoadDoubleQuoteEscape(t *testing.T) {
	root, err := New().Load(strings.NewReader(`desc = "say ""hi"" now";`+"\n"), "test")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if got := root.GetString("desc"); got != `say "hi" now` {
		t.Fatalf("desc = %q, want %q", got, `say "hi" now`)
	}
}

func TestLoadUnknownCharacterError(t *testing.T) {
	_, err := New().Load(strings.NewReader("port = @nope;\n"), "test")
	if err == nil {
		t.Fatal("Load with unexpected character = nil error, want error")
	}
}
