/*
 * avrprog - Update orchestrator
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

// Package update drives a list of per-memory update requests (read, write,
// verify) against a part through the memory access engine, validating
// everything it can before touching the device and reporting one
// Outcome per request. File-format encoding/decoding is an external
// collaborator, consumed here only through the Format interface.
package update

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/avrprog/avrprog/internal/access"
	"github.com/avrprog/avrprog/internal/avrerr"
	"github.com/avrprog/avrprog/internal/part"
	"github.com/avrprog/avrprog/internal/verify"
)

// Op is an update request's direction.
type Op string

const (
	OpRead   Op = "read"
	OpWrite  Op = "write"
	OpVerify Op = "verify"
)

// Request is one (memory, direction, file, format) tuple from the
// command line. Memory, if empty, is resolved to the part's default
// memory name by the orchestrator.
type Request struct {
	Memory string
	Op     Op
	File   string
	Format string
}

// Format is the external file-format collaborator: it decodes a file
// into a memory image (setting ALLOCATED tags for supplied cells) or
// encodes a memory image out to a file. avrprog's core never interprets
// Intel HEX, raw binary, or any other wire format itself.
type Format interface {
	Load(r io.Reader, img *part.Memory) error
	Save(w io.Writer, img *part.Memory) error
}

// Outcome is the per-request result the orchestrator reports back.
type Outcome struct {
	Request  Request
	Attempted int
	Err      error // nil on success; an *avrerr.Error otherwise
	Warnings []verify.Warning
}

// Orchestrator drives requests against one part through one access
// engine. NoVerify suppresses the post-write verify pass; NoWrite (dry
// run at the device level) skips the actual write/erase calls — both are
// CLI flags threaded straight through.
type Orchestrator struct {
	Engine   *access.Engine
	Part     *part.Part
	Format   func(name string) (Format, error)
	NoVerify bool
	NoWrite  bool
	Progress access.Progress
}

// defaultMemoryName resolves an empty Request.Memory the way spec.md §4.6
// describes: "application" for UPDI/PDI-class parts that carry one, else
// "flash".
func defaultMemoryName(p *part.Part) string {
	if (p.Supports(part.ModePDI) || p.Supports(part.ModeUPDI)) && p.Memory("application") != nil {
		return "application"
	}
	return "flash"
}

func (o *Orchestrator) resolve(r Request) (Request, *part.Memory, error) {
	if r.Memory == "" {
		r.Memory = defaultMemoryName(o.Part)
	}
	m := o.Part.Memory(r.Memory)
	if m == nil {
		return r, nil, avrerr.New(avrerr.NotSupported, r.Memory,
			fmt.Errorf("part %s has no memory named %q", o.Part.ID, r.Memory))
	}
	return r, m, nil
}

// DryRun checks, for every request, that the named memory exists and
// that its file is readable (write/verify) or writable (read), without
// touching the device. It aborts at the first request that would
// certainly fail.
func (o *Orchestrator) DryRun(reqs []Request) error {
	for _, r := range reqs {
		_, _, err := o.resolve(r)
		if err != nil {
			return err
		}
		switch r.Op {
		case OpWrite, OpVerify:
			f, err := os.Open(r.File)
			if err != nil {
				return avrerr.New(avrerr.Fatal, r.Memory, fmt.Errorf("cannot read %q: %w", r.File, err))
			}
			f.Close()
		case OpRead:
			if err := checkWritable(r.File); err != nil {
				return avrerr.New(avrerr.Fatal, r.Memory, fmt.Errorf("cannot write %q: %w", r.File, err))
			}
		default:
			return avrerr.New(avrerr.Fatal, r.Memory, fmt.Errorf("unknown operation %q", r.Op))
		}
	}
	return nil
}

// checkWritable reports whether name can be opened for writing, truncating
// an existing file's check to a stat+open probe rather than destroying
// its contents before the dry-run pass is done.
func checkWritable(name string) error {
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// Run executes reqs in order. A SoftFail-or-weaker Outcome.Err is logged
// by the caller and the sequence continues; a Fatal, VerifyMismatch or
// SignatureMismatch Outcome.Err aborts the remaining requests (their Outcome is never
// produced).
func (o *Orchestrator) Run(ctx context.Context, reqs []Request) []Outcome {
	var outcomes []Outcome
	for _, r := range reqs {
		oc := o.runOne(ctx, r)
		outcomes = append(outcomes, oc)
		if oc.Err != nil && isAborting(oc.Err) {
			break
		}
	}
	return outcomes
}

func isAborting(err error) bool {
	return avrerr.Is(err, avrerr.Fatal) || avrerr.Is(err, avrerr.VerifyMismatch) || avrerr.Is(err, avrerr.SignatureMismatch)
}

func (o *Orchestrator) runOne(ctx context.Context, r Request) Outcome {
	req, mem, err := o.resolve(r)
	if err != nil {
		return Outcome{Request: req, Err: err}
	}
	format, err := o.Format(req.Format)
	if err != nil {
		return Outcome{Request: req, Err: avrerr.New(avrerr.Fatal, req.Memory, err)}
	}

	switch req.Op {
	case OpRead:
		return o.runRead(ctx, req, mem, format)
	case OpWrite:
		return o.runWrite(ctx, req, mem, format)
	case OpVerify:
		return o.runVerify(ctx, req, mem, format)
	default:
		return Outcome{Request: req, Err: avrerr.New(avrerr.Fatal, req.Memory, fmt.Errorf("unknown operation %q", req.Op))}
	}
}

func (o *Orchestrator) runRead(ctx context.Context, req Request, mem *part.Memory, format Format) Outcome {
	n, err := o.Engine.ReadWhole(ctx, o.Part, mem, nil, o.Progress)
	if err != nil {
		return Outcome{Request: req, Attempted: n, Err: err}
	}
	f, ferr := os.Create(req.File)
	if ferr != nil {
		return Outcome{Request: req, Attempted: n, Err: avrerr.New(avrerr.Fatal, req.Memory, ferr)}
	}
	defer f.Close()
	if err := format.Save(f, mem); err != nil {
		return Outcome{Request: req, Attempted: n, Err: avrerr.New(avrerr.Fatal, req.Memory, err)}
	}
	return Outcome{Request: req, Attempted: n}
}

func (o *Orchestrator) runWrite(ctx context.Context, req Request, mem *part.Memory, format Format) Outcome {
	img := part.NewMemory(mem.Name, mem.Size, mem.PageSize)
	f, err := os.Open(req.File)
	if err != nil {
		return Outcome{Request: req, Err: avrerr.New(avrerr.Fatal, req.Memory, err)}
	}
	loadErr := format.Load(f, img)
	f.Close()
	if loadErr != nil {
		return Outcome{Request: req, Err: avrerr.New(avrerr.Fatal, req.Memory, loadErr)}
	}

	copy(mem.Buf, img.Buf)
	copy(mem.Tags, img.Tags)

	if o.NoWrite {
		return Outcome{Request: req}
	}

	n, err := o.Engine.WriteWhole(ctx, o.Part, mem, true, o.Progress)
	if err != nil {
		return Outcome{Request: req, Attempted: n, Err: err}
	}
	oc := Outcome{Request: req, Attempted: n}
	if o.NoVerify {
		return oc
	}

	readback := part.NewMemory(mem.Name, mem.Size, mem.PageSize)
	if _, err := o.Engine.ReadWhole(ctx, o.Part, readback, img, o.Progress); err != nil {
		oc.Err = err
		return oc
	}
	res, err := verify.Compare(mem, readback, img)
	oc.Warnings = res.Warnings
	oc.Err = err
	return oc
}

func (o *Orchestrator) runVerify(ctx context.Context, req Request, mem *part.Memory, format Format) Outcome {
	img := part.NewMemory(mem.Name, mem.Size, mem.PageSize)
	f, err := os.Open(req.File)
	if err != nil {
		return Outcome{Request: req, Err: avrerr.New(avrerr.Fatal, req.Memory, err)}
	}
	loadErr := format.Load(f, img)
	f.Close()
	if loadErr != nil {
		return Outcome{Request: req, Err: avrerr.New(avrerr.Fatal, req.Memory, loadErr)}
	}

	readback := part.NewMemory(mem.Name, mem.Size, mem.PageSize)
	n, err := o.Engine.ReadWhole(ctx, o.Part, readback, img, o.Progress)
	if err != nil {
		return Outcome{Request: req, Attempted: n, Err: err}
	}
	res, err := verify.Compare(mem, readback, img)
	return Outcome{Request: req, Attempted: n, Err: err, Warnings: res.Warnings}
}
