// Package watchpoint manages the Data Watchpoint & Trace (DWT)
// comparators (spec §4.3). Grounded on the original st-util's
// add_data_watchpoint/delete_data_watchpoint.
package watchpoint

import (
	"errors"
	"fmt"

	"github.com/aniai-dev/st-util/internal/probe"
)

// ErrNoFreeSlot is returned when all four DWT comparators are in use.
var ErrNoFreeSlot = errors.New("watchpoint: no free DWT slot")

// ErrTooLong is returned when len can't be expressed as a power-of-two mask (mask >= 16).
var ErrTooLong = errors.New("watchpoint: length too long for a DWT mask")

// ErrNotFound is returned by Clear when no entry matches addr.
var ErrNotFound = errors.New("watchpoint: no watchpoint at that address")

// Function selects what access triggers the comparator.
type Function uint8

const (
	FuncDisabled Function = 0
	FuncRead     Function = 5
	FuncWrite    Function = 6
	FuncAccess   Function = 7
)

const maxSlots = 4

const (
	regDEMCR   = 0xE000EDFC
	demcrTRCENA = 1 << 24
	regDWTCOMP0 = 0xE0001020
	regDWTMASK0 = 0xE0001024
	regDWTFUN0  = 0xE0001028
	dwtStride   = 0x10
)

type entry struct {
	addr uint32
	mask uint8
	fun  Function
}

// Table is the fixed-capacity watchpoint table of spec §3.
type Table struct {
	p       probe.Probe
	entries [maxSlots]entry
}

// Init sets DEMCR.TRCENA and zeroes every DWT_FUNn and the shadow table.
func Init(p probe.Probe) (*Table, error) {
	demcr, err := p.ReadDebug32(regDEMCR)
	if err != nil {
		return nil, fmt.Errorf("%w: read DEMCR: %v", probe.ErrTargetIO, err)
	}
	if err := p.WriteDebug32(regDEMCR, demcr|demcrTRCENA); err != nil {
		return nil, fmt.Errorf("%w: set DEMCR.TRCENA: %v", probe.ErrTargetIO, err)
	}
	t := &Table{p: p}
	for i := 0; i < maxSlots; i++ {
		if err := p.WriteDebug32(funReg(i), 0); err != nil {
			return nil, fmt.Errorf("%w: zero DWT_FUN%d: %v", probe.ErrTargetIO, i, err)
		}
	}
	return t, nil
}

func funReg(i int) uint32  { return regDWTFUN0 + uint32(i)*dwtStride }
func maskReg(i int) uint32 { return regDWTMASK0 + uint32(i)*dwtStride }
func compReg(i int) uint32 { return regDWTCOMP0 + uint32(i)*dwtStride }

// MaskFor returns the smallest m such that 1<<m >= length, or an
// error if that would require m >= 16 (length > 32768).
func MaskFor(length uint32) (uint8, error) {
	if length == 0 {
		return 0, nil
	}
	var m uint8
	v := uint32(1)
	for v < length {
		v <<= 1
		m++
		if m >= 16 {
			return 0, ErrTooLong
		}
	}
	return m, nil
}

// Set allocates the first free slot for (fun, addr, len), in
// first-free order, rejecting a second entry at an address already
// in use.
func (t *Table) Set(fun Function, addr, length uint32) error {
	mask, err := MaskFor(length)
	if err != nil {
		return err
	}
	for i := 0; i < maxSlots; i++ {
		if t.entries[i].fun != FuncDisabled && t.entries[i].addr == addr {
			return fmt.Errorf("watchpoint: address %#x already watched", addr)
		}
	}
	idx := -1
	for i := 0; i < maxSlots; i++ {
		if t.entries[i].fun == FuncDisabled {
			idx = i
			break
		}
	}
	if idx == -1 {
		return ErrNoFreeSlot
	}

	if err := t.p.WriteDebug32(compReg(idx), addr); err != nil {
		return fmt.Errorf("%w: write DWT_COMP%d: %v", probe.ErrTargetIO, idx, err)
	}
	if err := t.p.WriteDebug32(maskReg(idx), uint32(mask)); err != nil {
		return fmt.Errorf("%w: write DWT_MASK%d: %v", probe.ErrTargetIO, idx, err)
	}
	if err := t.p.WriteDebug32(funReg(idx), uint32(fun)); err != nil {
		return fmt.Errorf("%w: write DWT_FUN%d: %v", probe.ErrTargetIO, idx, err)
	}
	// Read once to clear the matched bit left over from programming.
	if _, err := t.p.ReadDebug32(funReg(idx)); err != nil {
		return fmt.Errorf("%w: read-clear DWT_FUN%d: %v", probe.ErrTargetIO, idx, err)
	}

	t.entries[idx] = entry{addr: addr, mask: mask, fun: fun}
	return nil
}

// Clear removes the watchpoint at addr. Not-found is an error.
func (t *Table) Clear(addr uint32) error {
	for i := 0; i < maxSlots; i++ {
		if t.entries[i].fun != FuncDisabled && t.entries[i].addr == addr {
			t.entries[i] = entry{}
			if err := t.p.WriteDebug32(funReg(i), 0); err != nil {
				return fmt.Errorf("%w: clear DWT_FUN%d: %v", probe.ErrTargetIO, i, err)
			}
			return nil
		}
	}
	return ErrNotFound
}
