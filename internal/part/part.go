/*
 * avrprog - Memory descriptor registry
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

// Package part is the in-memory catalog of parts, their memory regions,
// and the per-operation opcode templates loaded once from the
// configuration collaborator and treated as immutable for the run.
package part

import (
	"fmt"
	"strings"
	"time"

	"github.com/avrprog/avrprog/internal/avrerr"
	"github.com/avrprog/avrprog/internal/opcode"
)

// ProgMode is a bitset of the programming modes a part supports.
type ProgMode uint32

const (
	ModeISP ProgMode = 1 << iota
	ModeTPI
	ModePDI
	ModeUPDI
	ModeHVSP
	ModeHVPP
	ModeDebugWire
	ModeJTAG
	ModeJTAGmkI
	ModeAWire
	ModeBootloader
)

// PartFlag carries incidental per-part quirks.
type PartFlag uint32

const (
	// FlagNoReadBeforeWrite marks the AT90S1200-class parts where the
	// pre-write readback optimization must not be used (it can corrupt
	// the sibling byte of the same word).
	FlagNoReadBeforeWrite PartFlag = 1 << iota
	// FlagPowerCycleAfterWrite marks parts requiring a power cycle after
	// writing certain memories if the readback does not match.
	FlagPowerCycleAfterWrite
)

// OpKind enumerates the operations a memory descriptor may carry an
// opcode template for.
type OpKind int

const (
	OpRead OpKind = iota
	OpReadLo
	OpReadHi
	OpWrite
	OpWriteLo
	OpWriteHi
	OpLoadPageLo
	OpLoadPageHi
	OpWritePage
	OpLoadExtAddr
	OpChipErase
	NumOps
)

// CellTag marks per-byte metadata in a memory's tag vector.
type CellTag uint8

const (
	// TagAllocated marks that this cell's buffer value came from an
	// input file and must be written or verified.
	TagAllocated CellTag = 1 << iota
)

// Memory is one named, contiguous, addressable region on a part.
type Memory struct {
	Name          string
	Size          int
	PageSize      int
	MaxWriteDelay time.Duration // worst-case write/erase delay
	Readback      [2]byte
	Ops           [NumOps]*opcode.Op
	Offset        int // nonzero only for TPI parts
	Buf           []byte
	Tags          []CellTag
	PowerOffAfter bool // "power-off after write" flag from the config
}

// NewMemory allocates a Memory with buffer and tag vector of the declared
// size, buffer filled with 0xFF per the lifecycle spec.
func NewMemory(name string, size, pageSize int) *Memory {
	m := &Memory{Name: name, Size: size, PageSize: pageSize}
	m.Buf = make([]byte, size)
	m.Tags = make([]CellTag, size)
	for i := range m.Buf {
		m.Buf[i] = 0xff
	}
	return m
}

// Paged reports whether this memory uses paged (as opposed to byte-at-a-
// time) access; a page size of 0 or 1 means unpaged.
func (m *Memory) Paged() bool { return m.PageSize > 1 }

// Validate enforces the data-model invariants for this memory:
// buffer/tag length equality, and word-addressed read/write pair
// symmetry.
func (m *Memory) Validate() error {
	if len(m.Buf) != m.Size || len(m.Tags) != m.Size {
		return fmt.Errorf("memory %q: buffer/tag length %d/%d does not match declared size %d",
			m.Name, len(m.Buf), len(m.Tags), m.Size)
	}
	if (m.Ops[OpReadLo] == nil) != (m.Ops[OpReadHi] == nil) {
		return fmt.Errorf("memory %q: read-lo/read-hi opcodes must both be present or both absent", m.Name)
	}
	if (m.Ops[OpWriteLo] == nil) != (m.Ops[OpWriteHi] == nil) {
		return fmt.Errorf("memory %q: write-lo/write-hi opcodes must both be present or both absent", m.Name)
	}
	return nil
}

// Part is a microcontroller model: identity, signature, supported
// programming modes, and its ordered collection of memory descriptors.
type Part struct {
	ID          string
	Description string
	Signature   [3]byte
	FamilyID    string
	ProgModes   ProgMode
	Memories    []*Memory
	Flags       PartFlag
}

// Memory looks up a memory descriptor by exact, case-sensitive name.
func (p *Part) Memory(name string) *Memory {
	for _, m := range p.Memories {
		if m.Name == name {
			return m
		}
	}
	return nil
}

// Supports reports whether the part advertises the given programming
// mode(s).
func (p *Part) Supports(mode ProgMode) bool { return p.ProgModes&mode != 0 }

// canonicalNames is the append-only ordered list of recognized memory
// names, seeded with the historical AVR memory ordering. Capacity mirrors
// the original fixed-size table (100 entries).
var canonicalNames = []string{
	"eeprom", "flash", "application", "apptable",
	"boot", "lfuse", "hfuse", "efuse",
	"fuse", "fuse0", "wdtcfg", "fuse1",
	"bodcfg", "fuse2", "osccfg", "fuse3",
	"fuse4", "tcd0cfg", "fuse5", "syscfg0",
	"fuse6", "syscfg1", "fuse7", "append",
	"codesize", "fuse8", "fuse9", "bootend",
	"bootsize", "fuses", "lock", "lockbits",
	"tempsense", "signature", "prodsig", "sernum",
	"calibration", "osccal16", "osccal20", "osc16err",
	"osc20err", "usersig", "userrow", "data",
}

const maxCanonicalNames = 100

// Registry is the in-memory catalog of parts, keyed by part ID, plus the
// canonical ordered memory-name list (append-only across a run).
type Registry struct {
	parts map[string]*Part
	names []string
	seen  map[string]bool
}

// NewRegistry returns an empty Registry seeded with the canonical memory
// name list.
func NewRegistry() *Registry {
	r := &Registry{
		parts: make(map[string]*Part),
		names: append([]string(nil), canonicalNames...),
		seen:  make(map[string]bool, len(canonicalNames)),
	}
	for _, n := range r.names {
		r.seen[n] = true
	}
	return r
}

// AddPart registers a part under its ID, overwriting any prior part with
// the same ID (configuration reload semantics are the caller's concern;
// within one immutable run this is called once per part).
func (r *Registry) AddPart(p *Part) { r.parts[p.ID] = p }

// Locate returns the part with the given ID.
func (r *Registry) Locate(id string) (*Part, error) {
	p, ok := r.parts[id]
	if !ok {
		return nil, fmt.Errorf("unknown part %q", id)
	}
	return p, nil
}

// LocateMemory returns the named memory on part p.
func (r *Registry) LocateMemory(p *Part, name string) (*Memory, error) {
	m := p.Memory(name)
	if m == nil {
		return nil, fmt.Errorf("no %q memory for part %s", name, p.Description)
	}
	return m, nil
}

// RegisterMemoryName appends a previously-unseen memory name to the
// canonical list. It is idempotent for already-known names. The list is
// append-only and bounded; once full it fails hard rather than silently
// dropping the registration, matching the original's "under-dimensioned,
// increase and recompile" contract, but returns an error instead of
// exiting the process since this is a library.
func (r *Registry) RegisterMemoryName(name string) error {
	if r.seen[name] {
		return nil
	}
	if len(r.names) >= maxCanonicalNames {
		return avrerr.ErrNameTableFull
	}
	r.names = append(r.names, name)
	r.seen[name] = true
	return nil
}

// KnownMemory reports whether name exactly (case-sensitively) matches a
// registered canonical memory name.
func (r *Registry) KnownMemory(name string) bool {
	return r.seen[name]
}

// PossiblyKnownMemory reports whether any registered canonical memory
// name has the given prefix; diagnostics only.
func (r *Registry) PossiblyKnownMemory(prefix string) bool {
	if prefix == "" {
		return false
	}
	for _, n := range r.names {
		if strings.HasPrefix(n, prefix) {
			return true
		}
	}
	return false
}

// flashLikeNames are the memory names treated as flash-type for the
// trailing-0xff high-water-mark optimization.
var flashLikeNames = map[string]bool{
	"flash":       true,
	"application": true,
	"apptable":    true,
	"boot":        true,
}

// IsFlashLike reports whether m is one of the flash-type memory names.
func IsFlashLike(m *Memory) bool { return flashLikeNames[m.Name] }

// IsEEPROM reports whether m is the eeprom memory.
func IsEEPROM(m *Memory) bool { return m.Name == "eeprom" }
