/*
 * avrprog - Part/programmer database loader
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

// Package config walks the nested block tree internal/config/confparser
// produces from an avrprog.conf-shaped database file into a
// part.Registry, and implements the system/user configuration-file
// search-path discovery spec.md §6 describes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/avrprog/avrprog/internal/config/confparser"
	"github.com/avrprog/avrprog/internal/opcode"
	"github.com/avrprog/avrprog/internal/part"
)

// DefaultConfDir is the compile-time fallback system configuration
// directory, overridable via -ldflags "-X ...DefaultConfDir=...".
var DefaultConfDir = "/etc/avrprog"

// SearchPaths returns the system configuration file candidates, in the
// order spec.md §6.2 specifies: "<dir-of-executable>/../etc/avrprog.conf",
// "<dir-of-executable>/avrprog.conf", then the compile-time default
// directory's avrprog.conf. exePath is normally os.Args[0] (or the
// result of os.Executable()); all separators are normalized to forward
// slashes before being returned.
func SearchPaths(exePath string) []string {
	dir := filepath.Dir(exePath)
	paths := []string{
		dir + string(filepath.Separator) + filepath.Join("..", "etc", "avrprog.conf"),
		filepath.Join(dir, "avrprog.conf"),
		filepath.Join(DefaultConfDir, "avrprog.conf"),
	}
	for i, p := range paths {
		paths[i] = filepath.ToSlash(p)
	}
	return paths
}

// UserConfigPath returns "$HOME/.avrprogrc", normalized to forward
// slashes, or "" if $HOME is unset.
func UserConfigPath() string {
	home, ok := os.LookupEnv("HOME")
	if !ok || home == "" {
		return ""
	}
	return filepath.ToSlash(filepath.Join(home, ".avrprogrc"))
}

// opKeys maps the database's per-memory opcode assignment keys to the
// part.OpKind they populate.
var opKeys = map[string]part.OpKind{
	"read":          part.OpRead,
	"read_lo":       part.OpReadLo,
	"read_hi":       part.OpReadHi,
	"write":         part.OpWrite,
	"write_lo":      part.OpWriteLo,
	"write_hi":      part.OpWriteHi,
	"loadpage_lo":   part.OpLoadPageLo,
	"loadpage_hi":   part.OpLoadPageHi,
	"writepage":     part.OpWritePage,
	"loadext_addr":  part.OpLoadExtAddr,
	"chip_erase":    part.OpChipErase,
}

var progModeKeys = map[string]part.ProgMode{
	"isp":         part.ModeISP,
	"tpi":         part.ModeTPI,
	"pdi":         part.ModePDI,
	"updi":        part.ModeUPDI,
	"hvsp":        part.ModeHVSP,
	"hvpp":        part.ModeHVPP,
	"debugwire":   part.ModeDebugWire,
	"jtag":        part.ModeJTAG,
	"jtagmki":     part.ModeJTAGmkI,
	"awire":       part.ModeAWire,
	"bootloader":  part.ModeBootloader,
}

var flagKeys = map[string]part.PartFlag{
	"no_read_before_write":   part.FlagNoReadBeforeWrite,
	"power_cycle_after_write": part.FlagPowerCycleAfterWrite,
}

// Load parses every named file in order and merges their parts into one
// Registry; a part with the same ID parsed from a later file overwrites
// the earlier definition (the user's .avrprogrc is expected to come
// last). Missing files are skipped, not an error, matching avrdude's
// "config file may not exist" discovery tolerance.
func Load(paths ...string) (*part.Registry, error) {
	reg := part.NewRegistry()
	parser := confparser.New()
	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		root, err := parser.LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
		if err := apply(reg, root); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}
	return reg, nil
}

func apply(reg *part.Registry, root *confparser.Block) error {
	for _, pb := range root.Children("part") {
		p, err := parsePart(pb)
		if err != nil {
			return err
		}
		reg.AddPart(p)
	}
	return nil
}

func parsePart(pb *confparser.Block) (*part.Part, error) {
	p := &part.Part{ID: pb.ID, Description: pb.GetString("desc")}
	if fam, ok := pb.Get("family_id"); ok {
		p.FamilyID = fam.Text
	}
	if sig := pb.GetAll("signature"); len(sig) == 3 {
		for i, v := range sig {
			n, err := v.ParseNumber()
			if err != nil {
				return nil, fmt.Errorf("part %q: signature byte %d: %w", pb.ID, i, err)
			}
			p.Signature[i] = byte(n)
		}
	}
	for _, v := range pb.GetAll("prog_modes") {
		mode, ok := progModeKeys[strings.ToLower(v.Text)]
		if !ok {
			return nil, fmt.Errorf("part %q: unknown programming mode %q", pb.ID, v.Text)
		}
		p.ProgModes |= mode
	}
	for _, v := range pb.GetAll("flags") {
		flag, ok := flagKeys[strings.ToLower(v.Text)]
		if !ok {
			return nil, fmt.Errorf("part %q: unknown flag %q", pb.ID, v.Text)
		}
		p.Flags |= flag
	}
	for _, mb := range pb.Children("memory") {
		m, err := parseMemory(mb)
		if err != nil {
			return nil, fmt.Errorf("part %q: %w", pb.ID, err)
		}
		p.Memories = append(p.Memories, m)
	}
	return p, nil
}

func parseMemory(mb *confparser.Block) (*part.Memory, error) {
	size, err := intAssign(mb, "size", 0)
	if err != nil {
		return nil, fmt.Errorf("memory %q: %w", mb.ID, err)
	}
	pageSize, err := intAssign(mb, "page_size", 0)
	if err != nil {
		return nil, fmt.Errorf("memory %q: %w", mb.ID, err)
	}
	m := part.NewMemory(mb.ID, size, pageSize)

	if delay, ok := mb.Get("max_write_delay_us"); ok {
		us, err := delay.ParseNumber()
		if err != nil {
			return nil, fmt.Errorf("memory %q: max_write_delay_us: %w", mb.ID, err)
		}
		m.MaxWriteDelay = time.Duration(us) * time.Microsecond
	}
	if rb := mb.GetAll("readback"); len(rb) == 2 {
		for i, v := range rb {
			n, err := v.ParseNumber()
			if err != nil {
				return nil, fmt.Errorf("memory %q: readback[%d]: %w", mb.ID, i, err)
			}
			m.Readback[i] = byte(n)
		}
	}
	if off, ok := mb.Get("offset"); ok {
		n, err := off.ParseNumber()
		if err != nil {
			return nil, fmt.Errorf("memory %q: offset: %w", mb.ID, err)
		}
		m.Offset = int(n)
	}
	if v, ok := mb.Get("power_off_after"); ok {
		m.PowerOffAfter = strings.EqualFold(v.Text, "true") || v.Text == "1"
	}

	for key, kind := range opKeys {
		v, ok := mb.Get(key)
		if !ok {
			continue
		}
		op, err := opcode.ParseBitTemplate(v.Text)
		if err != nil {
			return nil, fmt.Errorf("memory %q: opcode %q: %w", mb.ID, key, err)
		}
		m.Ops[kind] = op
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func intAssign(b *confparser.Block, key string, def int64) (int, error) {
	v, ok := b.Get(key)
	if !ok {
		return int(def), nil
	}
	n, err := v.ParseNumber()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return int(n), nil
}
