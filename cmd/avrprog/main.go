/*
 * avrprog - Main process.
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

// Command avrprog is the CLI entry point: parse flags, load the
// part/programmer database, drive one update session, and return an
// exit code — 0 on success, 1 on any hard failure, exactly as spec.md §6
// states.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	getopt "github.com/pborman/getopt/v2"

	"github.com/avrprog/avrprog/internal/access"
	"github.com/avrprog/avrprog/internal/avrerr"
	"github.com/avrprog/avrprog/internal/clock"
	"github.com/avrprog/avrprog/internal/config"
	"github.com/avrprog/avrprog/internal/obslog"
	"github.com/avrprog/avrprog/internal/part"
	"github.com/avrprog/avrprog/internal/programmer"
	"github.com/avrprog/avrprog/internal/programmer/gpioprog"
	"github.com/avrprog/avrprog/internal/programmer/mockprog"
	"github.com/avrprog/avrprog/internal/term"
	"github.com/avrprog/avrprog/internal/tpi"
	"github.com/avrprog/avrprog/internal/update"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
)

// flagRecord is the parsed command-line contract spec.md §6 describes:
// everything the CLI collaborator hands to the core, independent of how
// getopt parsed it.
type flagRecord struct {
	port          string
	programmerID  string
	partID        string
	updates       []update.Request
	baudRate      int
	bitclock      physic.Frequency
	ispDelay      int
	chipErase     bool
	autoEraseOff  bool
	noTrailingFF  bool
	verifyOff     bool
	noWrite       bool
	overrideSig   bool
	terminal      bool
	exitSpec      string
	extendedParams []string
	sysConfig     string
	extraConfigs  []string
	verbose       int
	quiet         int
	logFile       string
}

// parseUpdateSpec parses "memory:op:file[:format]" into an update.Request,
// matching avrdude's -U <memtype>:r|w|v:<filename>[:format] grammar.
func parseUpdateSpec(spec string) (update.Request, error) {
	parts := strings.SplitN(spec, ":", 4)
	if len(parts) < 3 {
		return update.Request{}, fmt.Errorf("update spec %q: want memtype:op:filename[:format]", spec)
	}
	var op update.Op
	switch parts[1] {
	case "r":
		op = update.OpRead
	case "w":
		op = update.OpWrite
	case "v":
		op = update.OpVerify
	default:
		return update.Request{}, fmt.Errorf("update spec %q: unknown operation %q", spec, parts[1])
	}
	req := update.Request{Memory: parts[0], Op: op, File: parts[2]}
	if len(parts) == 4 {
		req.Format = parts[3]
	}
	return req, nil
}

// parseBitclock accepts either a bare number (a microsecond period,
// converted to its frequency) or a number followed by Hz/kHz/MHz (a
// frequency, used as is) and returns a frequency in both cases, the
// same grammar spec.md §6 names for -B/-x bitclock=, in the idiom
// periph.io/x/conn/v3/physic.Frequency's own String/Parse round trip
// uses for unit-suffixed values.
func parseBitclock(s string) (physic.Frequency, error) {
	var f physic.Frequency
	if err := f.Set(s); err == nil {
		return f, nil
	}
	// Bare number: a microsecond period, not a frequency.
	us, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid bit clock %q", s)
	}
	return physic.Frequency(1e6/us) * physic.Hertz, nil
}

func parseFlags(args []string) (*flagRecord, error) {
	optPart := getopt.StringLong("part", 'p', "", "AVR part ID")
	optProgrammer := getopt.StringLong("programmer", 'c', "", "Programmer ID")
	optPort := getopt.StringLong("port", 'P', "", "Port the programmer is attached to")
	optBaud := getopt.StringLong("baud", 'b', "", "Override programmer baud rate")
	optBitclock := getopt.StringLong("bitclock", 'B', "", "Bit clock period (microseconds) or frequency (Hz/kHz/MHz)")
	optISPDelay := getopt.IntLong("isp-delay", 'i', 0, "ISP clock delay")
	optChipErase := getopt.BoolLong("erase", 'e', "Perform a chip erase before programming")
	optAutoEraseOff := getopt.BoolLong("no-auto-erase", 'D', "Disable auto erase for flash memory")
	optNoWrite := getopt.BoolLong("no-write", 'n', "Disable actually writing to the device")
	optOverrideSig := getopt.BoolLong("force-signature", 'F', "Override invalid signature check")
	optVerifyOff := getopt.BoolLong("no-verify", 'V', "Do not verify after programming")
	optTerminal := getopt.BoolLong("terminal", 't', "Enter terminal mode")
	optExitSpec := getopt.StringLong("exit-spec", 'E', "", "List of exit specifications")
	optSysConfig := getopt.StringLong("config-file", 'C', "", "System-wide configuration file")
	optLogFile := getopt.StringLong("log", 'l', "", "Log file")
	optQuiet := getopt.CounterLong("quiet", 'q', "Reduce message verbosity")
	optVerbose := getopt.CounterLong("verbose", 'v', "Increase message verbosity")
	optUpdates := getopt.ListLong("update", 'U', "Memory update: memtype:r|w|v:filename[:format]")
	optExtended := getopt.ListLong("extended-param", 'x', "Extended programmer-specific parameter")
	optCalibrate := getopt.BoolLong("calibrate", 'O', "Perform RC oscillator calibration")
	optSafeMode := getopt.BoolLong("safemode", 's', "Deprecated: safemode is no longer supported")
	optSafeModeU := getopt.BoolLong("safemode-u", 'u', "Deprecated: safemode is no longer supported")
	optEraseCount := getopt.BoolLong("erase-counter", 'y', "Deprecated: erase cycle counter is no longer supported")
	optEraseCountSet := getopt.StringLong("erase-counter-set", 'Y', "", "Deprecated: erase cycle counter is no longer supported")
	optNoTrailingFF := getopt.BoolLong("disable-trailing-ff", 'A', "Disable trailing-0xFF removal")
	optHelp := getopt.BoolLong("help", '?', "Print usage")

	// getopt parses os.Args directly, matching the package-level API the
	// teacher's own main.go uses; swap it for the duration of the call so
	// callers (and tests) can pass an explicit argv instead of the
	// process's real one.
	saved := os.Args
	os.Args = append([]string{"avrprog"}, args...)
	getopt.Parse()
	os.Args = saved
	if *optHelp {
		getopt.Usage()
		os.Exit(0)
	}

	fr := &flagRecord{
		port:         *optPort,
		programmerID: *optProgrammer,
		partID:       *optPart,
		ispDelay:     *optISPDelay,
		chipErase:    *optChipErase,
		autoEraseOff: *optAutoEraseOff,
		noTrailingFF: *optNoTrailingFF,
		verifyOff:    *optVerifyOff,
		noWrite:      *optNoWrite,
		overrideSig:  *optOverrideSig,
		terminal:     *optTerminal,
		exitSpec:     *optExitSpec,
		sysConfig:    *optSysConfig,
		verbose:      *optVerbose,
		quiet:        *optQuiet,
		logFile:      *optLogFile,
	}
	if *optCalibrate {
		fmt.Fprintln(os.Stderr, "avrprog: RC oscillator calibration is not implemented")
	}

	if *optSafeMode || *optSafeModeU {
		fmt.Fprintln(os.Stderr, "avrprog: \"safemode\" feature no longer supported")
	}
	if *optEraseCount || *optEraseCountSet != "" {
		fmt.Fprintln(os.Stderr, "avrprog: erase cycle counter no longer supported")
	}

	if *optBaud != "" {
		n, err := strconv.Atoi(*optBaud)
		if err != nil {
			return nil, fmt.Errorf("invalid baud rate %q", *optBaud)
		}
		fr.baudRate = n
	}
	if *optBitclock != "" {
		f, err := parseBitclock(*optBitclock)
		if err != nil {
			return nil, err
		}
		fr.bitclock = f
	}
	for _, spec := range *optUpdates {
		req, err := parseUpdateSpec(spec)
		if err != nil {
			return nil, err
		}
		fr.updates = append(fr.updates, req)
	}
	fr.extendedParams = append(fr.extendedParams, *optExtended...)

	return fr, nil
}

// buildProgrammer resolves a programmer id to a concrete driver. "mock"
// (the in-memory test double) is safe to run against nothing; "gpio"
// bit-bangs real periph.io GPIO pins, with the reset line taken from
// -P/port and the remaining pins (clock, ready, error, prog, verify)
// resolved by name from -x clock=...,ready=...,error=...,prog=...,
// verify=... extended parameters.
func buildProgrammer(id, port string, extended []string, p *part.Part) (*programmer.Programmer, error) {
	switch id {
	case "", "mock":
		return mockprog.New(p).Programmer(), nil
	case "gpio":
		pins := map[string]string{}
		for _, kv := range extended {
			if k, v, ok := strings.Cut(kv, "="); ok {
				pins[k] = v
			}
		}
		resolve := func(name string) gpio.PinIO {
			if name == "" {
				return nil
			}
			return gpioreg.ByName(name)
		}
		d := &gpioprog.Driver{
			ResetPin:  resolve(port),
			ClockPin:  resolve(pins["clock"]),
			ReadyLED:  resolve(pins["ready"]),
			ErrorLED:  resolve(pins["error"]),
			ProgLED:   resolve(pins["prog"]),
			VerifyLED: resolve(pins["verify"]),
		}
		return d.Programmer(), nil
	default:
		return nil, fmt.Errorf("unknown programmer id %q", id)
	}
}

type rawFormat struct{}

func (rawFormat) Load(r io.Reader, img *part.Memory) error {
	buf, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	n := len(buf)
	if n > img.Size {
		n = img.Size
	}
	copy(img.Buf, buf[:n])
	for i := 0; i < n; i++ {
		img.Tags[i] = part.TagAllocated
	}
	return nil
}

func (rawFormat) Save(w io.Writer, img *part.Memory) error {
	_, err := w.Write(img.Buf)
	return err
}

func run(args []string) int {
	fr, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "avrprog:", err)
		return 1
	}

	logger, closer, err := obslog.New(fr.logFile, fr.verbose, fr.quiet)
	if err != nil {
		fmt.Fprintln(os.Stderr, "avrprog: cannot open log file:", err)
		return 1
	}
	defer closer.Close()

	paths := []string{fr.sysConfig}
	if fr.sysConfig == "" {
		exe, _ := os.Executable()
		paths = config.SearchPaths(exe)
	}
	paths = append(paths, fr.extraConfigs...)
	paths = append(paths, config.UserConfigPath())

	reg, err := config.Load(paths...)
	if err != nil {
		logger.Error("loading configuration", "error", err)
		return 1
	}

	if fr.partID == "" {
		logger.Error("no part specified (-p)")
		return 1
	}
	p, err := reg.Locate(fr.partID)
	if err != nil {
		logger.Error("locating part", "error", err)
		return 1
	}

	prog, err := buildProgrammer(fr.programmerID, fr.port, fr.extendedParams, p)
	if err != nil {
		logger.Error("resolving programmer", "error", err)
		return 1
	}

	handle := programmer.NewHandle(prog)
	ctx := context.Background()
	if err := handle.Open(ctx, fr.port); err != nil {
		logger.Error("opening programmer", "error", err)
		return 1
	}
	defer handle.Close()

	if err := handle.EnableMode(); err != nil {
		logger.Error("enabling programming mode", "error", err)
		return 1
	}
	defer handle.DisableMode()

	if err := handle.InitializeTarget(ctx, p); err != nil && !fr.overrideSig {
		logger.Error("initializing target", "error", err)
		return 1
	}

	var tpiEng *tpi.Engine
	if p.Supports(part.ModeTPI) {
		tpiEng = tpi.New(prog, clock.Real{})
	}
	eng := access.New(prog, tpiEng, clock.Real{})
	eng.NoHiAddrOpt = fr.noTrailingFF

	chipErase := fr.chipErase
	if p.Memory("signature") != nil && !p.Supports(part.ModeAWire) {
		erased, err := update.CheckSignature(ctx, eng, p, update.SignatureOptions{
			Erase:       fr.chipErase,
			NoWrite:     fr.noWrite,
			OverrideSig: fr.overrideSig,
		})
		if erased {
			chipErase = false
		}
		if err != nil {
			logger.Error("reading device signature", "error", err)
			if !fr.overrideSig {
				return 1
			}
		}
	}

	if chipErase && prog.ChipErase != nil {
		if fr.noWrite {
			logger.Warn("conflicting erase and no-write options, not erasing chip")
		} else {
			if err := prog.ChipErase(ctx, p); err != nil {
				logger.Error("chip erase", "error", err)
				return 1
			}
		}
	}

	if fr.terminal {
		term.Run(fr.partID+"> ", func(line string) (bool, error) {
			if line == "quit" || line == "q" {
				return true, nil
			}
			return false, nil
		}, nil)
		return 0
	}

	orch := &update.Orchestrator{
		Engine:   eng,
		Part:     p,
		NoVerify: fr.verifyOff,
		NoWrite:  fr.noWrite,
		Format:   func(string) (update.Format, error) { return rawFormat{}, nil },
	}

	if err := orch.DryRun(fr.updates); err != nil {
		logger.Error("dry run", "error", err)
		return 1
	}

	hard := false
	for _, oc := range orch.Run(ctx, fr.updates) {
		for _, w := range oc.Warnings {
			logger.Warn(w.String())
		}
		if oc.Err != nil {
			logger.Error("update request failed", "memory", oc.Request.Memory, "op", oc.Request.Op, "error", oc.Err)
			if avrerr.Is(oc.Err, avrerr.Fatal) || avrerr.Is(oc.Err, avrerr.VerifyMismatch) || avrerr.Is(oc.Err, avrerr.SignatureMismatch) {
				hard = true
			}
		}
	}
	if hard {
		return 1
	}
	return 0
}

func main() {
	os.Exit(run(os.Args[1:]))
}
