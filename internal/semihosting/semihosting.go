// Package semihosting implements the trap loop inside 'c' (continue):
// poll for halt or client interrupt, and when the target halts on
// BKPT #0xAB with no user breakpoint at that site, dispatch the
// semihosting call and resume (spec §4.6). Grounded on the original
// st-util's do_semihosting call site inside serve()'s 'c' handling.
package semihosting

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/aniai-dev/st-util/internal/cache"
	"github.com/aniai-dev/st-util/internal/probe"
)

// bkptSemihosting is the BKPT #0xAB encoding (Thumb, little-endian
// half-word 0xBEAB).
const bkptSemihosting = 0xBEAB

// pollInterval is the cooperative yield between halt-status polls.
const pollInterval = 100 * time.Millisecond

// Handler services one semihosting call, given (r0, r1), returning the
// new r0. A default implementation forwarding console calls to the
// host's stdio is provided by NewHostHandler (it services no file
// operations); callers embedding a different transport
// (e.g. delegating the call back to the probe itself, as spec §6.3
// allows) can supply their own.
type Handler interface {
	Call(r0, r1 uint32) (uint32, error)
}

// Breakpoints is the subset of breakpoint.Table the trap loop needs.
type Breakpoints interface {
	Has(addr uint32) bool
}

// Outcome is the result of running the trap loop to completion.
type Outcome struct {
	Interrupted bool // client sent 0x03
	Halted      bool // target halted for a reason other than serviced semihosting
}

// Run drives the trap loop after the caller has already resumed the
// target. interrupted is polled non-blockingly by the caller (it
// should return true exactly once, when the client sent 0x03).
func Run(ctx context.Context, p probe.Probe, c *cache.Desc, bp Breakpoints, h Handler, enabled bool, interrupted func() bool) (Outcome, error) {
	for {
		if interrupted != nil && interrupted() {
			if err := p.ForceDebug(); err != nil {
				return Outcome{}, err
			}
			return Outcome{Interrupted: true}, nil
		}

		st, err := p.Status()
		if err != nil {
			return Outcome{}, err
		}
		if !st.Halted {
			select {
			case <-ctx.Done():
				return Outcome{}, ctx.Err()
			case <-time.After(pollInterval):
			}
			continue
		}

		regs, err := p.ReadAllRegs()
		if err != nil {
			return Outcome{Halted: true}, nil
		}
		pc := regs.R[15]
		offset := pc % 4
		addr := pc - offset

		readLen := uint32(4)
		if offset > 2 {
			readLen = 8
		}
		buf := make([]byte, readLen)
		if err := p.ReadMem32(addr, buf); err != nil {
			return Outcome{Halted: true}, nil
		}
		insn := binary.LittleEndian.Uint16(buf[offset:])

		if insn != bkptSemihosting || bp.Has(pc) || !enabled {
			return Outcome{Halted: true}, nil
		}

		r0, err := h.Call(regs.R[0], regs.R[1])
		if err != nil {
			// A misbehaving handler shouldn't wedge the target: still
			// advance past the trap and keep going.
			r0 = regs.R[0]
		}
		if err := p.WriteReg(r0, 0); err != nil {
			return Outcome{Halted: true}, nil
		}
		if err := p.WriteReg(pc+2, 15); err != nil {
			return Outcome{Halted: true}, nil
		}
		if c != nil {
			if err := c.Sync(); err != nil {
				return Outcome{Halted: true}, nil
			}
		}
		if err := p.Run(true); err != nil {
			return Outcome{Halted: true}, nil
		}
	}
}
