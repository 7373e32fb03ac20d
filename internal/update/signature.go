/*
 * avrprog - Signature readback and UPDI recovery
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

package update

import (
	"context"
	"fmt"
	"time"

	"github.com/avrprog/avrprog/internal/access"
	"github.com/avrprog/avrprog/internal/avrerr"
	"github.com/avrprog/avrprog/internal/part"
)

// SignatureOptions gates CheckSignature's interaction with other CLI flags.
type SignatureOptions struct {
	// Erase is true when the CLI requested a chip erase; a UPDI part's
	// one-shot recovery attempt consumes this request, erasing before
	// retrying the signature read, instead of leaving it for a later
	// erase step.
	Erase bool
	// NoWrite suppresses the erase-and-retry recovery even when Erase
	// is requested and the part otherwise qualifies.
	NoWrite bool
	// OverrideSig downgrades a fatal signature mismatch (wrong bytes, or
	// a UPDI System Information Block FamilyID mismatch) to success,
	// mirroring avrdude's -F flag.
	OverrideSig bool
}

// CheckSignature reads a part's signature bytes back from the device and
// validates them against p.Signature, reading up to 3 times with
// exponential backoff (10ms, then 50ms, then 250ms) when the device
// reports an all-0xff or all-0x00 signature — the classic "chip not
// actually awake yet" transient. A UPDI part gets one extra recovery
// attempt the first time the read soft-fails: its System Information
// Block is read and its FamilyID compared against the part's, and if a
// chip erase was requested (and NoWrite isn't set) an unlock+erase is
// performed before the read is retried once more.
// It returns whether the UPDI recovery path consumed opt.Erase's one-shot
// chip erase, so the caller does not erase the part a second time.
func CheckSignature(ctx context.Context, eng *access.Engine, p *part.Part, opt SignatureOptions) (erased bool, err error) {
	sigMem := p.Memory("signature")
	if sigMem == nil {
		return false, nil
	}

	wait := 10 * time.Millisecond
	recoveryUsed := false
	for attempt := 0; ; {
		eng.Clock.Sleep(wait)

		img := part.NewMemory(sigMem.Name, sigMem.Size, sigMem.PageSize)
		if _, err := eng.ReadWhole(ctx, p, img, nil, nil); err != nil {
			if avrerr.Is(err, avrerr.SoftFail) && p.Supports(part.ModeUPDI) && !recoveryUsed {
				recoveryUsed = true
				retried, rerr := recoverUPDI(ctx, eng, p, opt)
				if rerr != nil {
					return false, rerr
				}
				if retried {
					erased = true
					continue
				}
			}
			return erased, avrerr.At(avrerr.SignatureMismatch, sigMem.Name, 0,
				fmt.Errorf("error reading signature data: %w", err))
		}

		ff, zz := true, true
		for _, b := range img.Buf {
			if b != 0xff {
				ff = false
			}
			if b != 0x00 {
				zz = false
			}
		}
		if ff || zz {
			attempt++
			if attempt < 3 {
				wait *= 5
				continue
			}
			if opt.OverrideSig {
				return erased, nil
			}
			return erased, avrerr.At(avrerr.SignatureMismatch, sigMem.Name, 0,
				fmt.Errorf("invalid device signature"))
		}

		if len(img.Buf) == 3 && img.Buf[0] == p.Signature[0] &&
			img.Buf[1] == p.Signature[1] && img.Buf[2] == p.Signature[2] {
			return erased, nil
		}
		if opt.OverrideSig {
			return erased, nil
		}
		return erased, avrerr.At(avrerr.SignatureMismatch, sigMem.Name, 0,
			fmt.Errorf("expected signature %02x %02x %02x, got %02x %02x %02x",
				p.Signature[0], p.Signature[1], p.Signature[2],
				img.Buf[0], img.Buf[1], img.Buf[2]))
	}
}

// recoverUPDI runs the UPDI-only recovery sequence: read the System
// Information Block (if the programmer has the capability) and compare
// its FamilyID prefix, then, only if a chip erase was requested and
// NoWrite wasn't set, unlock the part through the programmer's Unlock
// capability, which takes the place of the requested chip erase, and
// report that the signature read should be retried.
func recoverUPDI(ctx context.Context, eng *access.Engine, p *part.Part, opt SignatureOptions) (retried bool, err error) {
	if eng.Prog.ReadSIB != nil {
		sib, err := eng.Prog.ReadSIB(ctx, p)
		if err == nil && len(sib) >= len(p.FamilyID) {
			if string(sib[:len(p.FamilyID)]) != p.FamilyID && !opt.OverrideSig {
				return false, avrerr.At(avrerr.SignatureMismatch, "signature", 0,
					fmt.Errorf("expected FamilyID %q, got %q", p.FamilyID, sib[:len(p.FamilyID)]))
			}
		}
	}

	if !opt.Erase {
		return false, nil
	}
	if opt.NoWrite {
		return false, nil
	}
	if eng.Prog.Unlock == nil {
		return false, nil
	}
	if err := eng.Prog.Unlock(ctx, p); err != nil {
		return false, avrerr.At(avrerr.Fatal, "signature", 0, err)
	}
	return true, nil
}
