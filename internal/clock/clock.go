/*
 * avrprog - Monotonic deadlines for busy-poll and readback-poll loops
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

// Package clock supplies the wall-clock primitives the access engine and
// TPI engine poll against, and a fake implementation tests can advance
// deterministically instead of sleeping for real.
package clock

import "time"

// Clock is the seam between poll loops and wall-clock time so tests never
// have to sleep for a real max_write_delay.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// Real is the production Clock, backed by the time package.
type Real struct{}

func (Real) Now() time.Time        { return time.Now() }
func (Real) Sleep(d time.Duration) { time.Sleep(d) }

// Deadline is an explicit monotonic deadline derived from a Clock, used by
// busy-poll and readback-poll loops instead of sleep-free spinning.
type Deadline struct {
	clock Clock
	until time.Time
}

// NewDeadline returns a Deadline that expires after d has elapsed on clock.
func NewDeadline(clock Clock, d time.Duration) Deadline {
	return Deadline{clock: clock, until: clock.Now().Add(d)}
}

// Expired reports whether the deadline has passed.
func (dl Deadline) Expired() bool {
	return !dl.clock.Now().Before(dl.until)
}

// Fake is a deterministic Clock for tests: Now() only advances when
// Advance is called, so a poll loop under test can be stepped one tick at
// a time and assert on partial progress.
type Fake struct {
	now time.Time
}

// NewFake returns a Fake clock starting at an arbitrary fixed instant.
func NewFake() *Fake {
	return &Fake{now: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *Fake) Now() time.Time { return f.now }

// Sleep advances the fake clock by d instead of blocking.
func (f *Fake) Sleep(d time.Duration) { f.now = f.now.Add(d) }

// Advance moves the fake clock forward by d without blocking, for tests
// that want to expire a deadline without calling Sleep.
func (f *Fake) Advance(d time.Duration) { f.now = f.now.Add(d) }
