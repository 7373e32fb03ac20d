/*
 * avrprog - Part/programmer database loader tests
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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/avrprog/avrprog/internal/part"
)

const sampleConf = `
part "attiny10" {
  desc = "ATtiny10";
  signature = 0x1e, 0x90, 0x03;
  prog_modes = tpi;

  memory "fuse" {
    size = 1;
    offset = 0x3f40;
    read = "0000 0000 0000 0000 0000 0000 oooo oooo";
    write = "0000 0000 0000 0000 0000 0000 iiii iiii";
  };

  memory "flash" {
    size = 1024;
    page_size = 4;
    max_write_delay_us = 4500;
    readback = 0xff, 0x00;
  };
};

part "atmega328p" {
  desc = "ATmega328P";
  signature = 0x1e, 0x95, 0x0f;
  prog_modes = isp;
  flags = no_read_before_write;

  memory "flash" {
    size = 32768;
    page_size = 128;
  };
};
`

func writeSample(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "avrprog.conf")
	if err := os.WriteFile(path, []byte(sampleConf), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadParsesPartsAndMemories(t *testing.T) {
	reg, err := Load(writeSample(t))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	p, err := reg.Locate("attiny10")
	if err != nil {
		t.Fatalf("Locate(attiny10): %v", err)
	}
	if p.Signature != [3]byte{0x1e, 0x90, 0x03} {
		t.Fatalf("signature = % x, want 1e 90 03", p.Signature)
	}
	if !p.Supports(part.ModeTPI) {
		t.Fatal("attiny10 should support TPI")
	}
	fuse := p.Memory("fuse")
	if fuse == nil {
		t.Fatal("attiny10 has no fuse memory")
	}
	if fuse.Offset != 0x3f40 {
		t.Fatalf("fuse offset = %#x, want 0x3f40", fuse.Offset)
	}
	if fuse.Ops[part.OpRead] == nil || fuse.Ops[part.OpWrite] == nil {
		t.Fatal("fuse memory missing read/write opcodes")
	}

	flash := p.Memory("flash")
	if flash.Size != 1024 || flash.PageSize != 4 {
		t.Fatalf("flash size/pagesize = %d/%d, want 1024/4", flash.Size, flash.PageSize)
	}
	if flash.MaxWriteDelay.Microseconds() != 4500 {
		t.Fatalf("flash max write delay = %v, want 4500us", flash.MaxWriteDelay)
	}
	if flash.Readback != [2]byte{0xff, 0x00} {
		t.Fatalf("flash readback = % x, want ff 00", flash.Readback)
	}
}

func TestLoadParsesFlagsAndSecondPart(t *testing.T) {
	reg, err := Load(writeSample(t))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	p, err := reg.Locate("atmega328p")
	if err != nil {
		t.Fatalf("Locate(atmega328p): %v", err)
	}
	if p.Flags&part.FlagNoReadBeforeWrite == 0 {
		t.Fatal("atmega328p should carry FlagNoReadBeforeWrite")
	}
	if !p.Supports(part.ModeISP) {
		t.Fatal("atmega328p should support ISP")
	}
}

func TestLoadSkipsMissingFiles(t *testing.T) {
	reg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.conf"))
	if err != nil {
		t.Fatalf("Load error: %v, want nil (missing file tolerated)", err)
	}
	if _, err := reg.Locate("attiny10"); err == nil {
		t.Fatal("Locate should fail: no file was loaded")
	}
}

func TestLoadLaterFileOverridesEarlier(t *testing.T) {
	first := writeSample(t)
	dir := t.TempDir()
	second := filepath.Join(dir, "override.conf")
	override := `
part "attiny10" {
  desc = "ATtiny10 overridden";
  signature = 0xaa, 0xbb, 0xcc;
  prog_modes = tpi;
};
`
	if err := os.WriteFile(second, []byte(override), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	reg, err := Load(first, second)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	p, err := reg.Locate("attiny10")
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if p.Description != "ATtiny10 overridden" {
		t.Fatalf("description = %q, want override to win", p.Description)
	}
}

func TestSearchPathsNormalizedAndOrdered(t *testing.T) {
	paths := SearchPaths("/opt/avrprog/bin/avrprog")
	if len(paths) != 3 {
		t.Fatalf("len(paths) = %d, want 3", len(paths))
	}
	want := []string{
		"/opt/avrprog/bin/../etc/avrprog.conf",
		"/opt/avrprog/bin/avrprog.conf",
		filepath.ToSlash(filepath.Join(DefaultConfDir, "avrprog.conf")),
	}
	for i, w := range want {
		if paths[i] != w {
			t.Fatalf("paths[%d] = %q, want %q", i, paths[i], w)
		}
	}
}
