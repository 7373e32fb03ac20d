/*
 * avrprog - Wrapper for slog
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

// Package obslog wraps log/slog with a handler that writes every record
// to an optional log file and, above a caller-tunable threshold, to
// stderr as well — the CLI's -v/-q counters raise or lower that
// threshold, never the record's own level.
package obslog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Handler duplicates records to a log file (if any) and conditionally to
// stderr, formatted the same terse way regardless of destination.
type Handler struct {
	out        io.Writer
	h          slog.Handler
	mu         *sync.Mutex
	stderrThreshold slog.Level
}

// NewHandler returns a Handler writing to file (nil to skip the file
// sink) at the given slog level, additionally echoing records at or
// above stderrThreshold to stderr.
func NewHandler(file io.Writer, level, stderrThreshold slog.Level) *Handler {
	var sink io.Writer = io.Discard
	if file != nil {
		sink = file
	}
	return &Handler{
		out: file,
		h: slog.NewTextHandler(sink, &slog.HandlerOptions{
			Level: level,
		}),
		mu:              &sync.Mutex{},
		stderrThreshold: stderrThreshold,
	}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.h.Enabled(ctx, level) || level >= h.stderrThreshold
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{out: h.out, h: h.h.WithAttrs(attrs), mu: h.mu, stderrThreshold: h.stderrThreshold}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{out: h.out, h: h.h.WithGroup(name), mu: h.mu, stderrThreshold: h.stderrThreshold}
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	strs := []string{r.Time.Format("2006/01/02 15:04:05"), r.Level.String() + ":", r.Message}
	r.Attrs(func(a slog.Attr) bool {
		strs = append(strs, a.String())
		return true
	})
	line := []byte(strings.Join(strs, " ") + "\n")

	h.mu.Lock()
	defer h.mu.Unlock()

	var err error
	if h.out != nil && h.h.Enabled(ctx, r.Level) {
		err = h.h.Handle(ctx, r)
	}
	if r.Level >= h.stderrThreshold {
		if _, werr := os.Stderr.Write(line); werr != nil {
			err = werr
		}
	}
	return err
}

// Level converts the CLI's verbosity/quiet counters (each -v raises
// detail, each -q lowers it) into a slog.Level: the baseline is Info,
// each net +1 drops the threshold by one slog level step (4), each net
// -1 raises it.
func Level(verbose, quiet int) slog.Level {
	net := verbose - quiet
	return slog.LevelInfo - slog.Level(net*4)
}

// New builds a *slog.Logger over a Handler configured from verbosity/quiet
// counters and an optional log file path (opened here; caller is
// responsible for nothing further — the returned closer should be
// deferred).
func New(logFile string, verbose, quiet int) (*slog.Logger, io.Closer, error) {
	level := Level(verbose, quiet)
	var f *os.File
	var err error
	if logFile != "" {
		f, err = os.OpenFile(logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
	}
	var w io.Writer
	if f != nil {
		w = f
	}
	h := NewHandler(w, level, level)
	logger := slog.New(h)
	if f == nil {
		return logger, noopCloser{}, nil
	}
	return logger, f, nil
}

type noopCloser struct{}

func (noopCloser) Close() error { return nil }
