// Package breakpoint manages the Flash Patch & Breakpoint (FPB) unit:
// slot allocation, hardware programming and the v1/v2 revision quirk
// (spec §4.2). Grounded on the original st-util's
// update_code_breakpoint/init_code_breakpoints, generalized so the
// revision difference is a single Kind value rather than scattered
// branches.
package breakpoint

import (
	"errors"
	"fmt"

	"github.com/aniai-dev/st-util/internal/probe"
)

// ErrNoFreeSlot is returned when every hardware comparator is in use.
var ErrNoFreeSlot = errors.New("breakpoint: no free FPB slot")

// ErrUnaligned is returned for an odd (non half-word aligned) address.
var ErrUnaligned = errors.New("breakpoint: address must be half-word aligned")

// Revision is the FPB comparator addressing scheme, tagged at init
// time from FP_CTRL so the rest of the engine is revision-agnostic.
type Revision int

const (
	RevisionV1 Revision = iota
	RevisionV2
)

// sub-slot bits. LOW/HIGH occupy bits 31:30 of FP_COMPn when programmed
// (program() shifts kind&3 << 30); REMAP is bit 2 precisely so that
// kind&3 is 0 for v2 breakpoints and no stray bits get ORed into the
// comparator's address field.
const (
	bitLow   = 1 << 0
	bitHigh  = 1 << 1
	bitRemap = 1 << 2
)

const maxSlots = 15

// FP_CTRL / FP_COMPn register offsets from the FPB base (0xE0002000).
const (
	regFPCTRL  = 0xE0002000
	regFPCOMP0 = 0xE0002008
	lockAccess = 0xE00FB000 // CoreSight Lock Access Register
	lockKey    = 0xC5ACCE55
	ctrlKey    = 1 << 1
	ctrlEnable = 1 << 0
)

type slot struct {
	addr uint32 // fpb_addr: the 4-byte aligned word address (v1) or the full address (v2)
	kind uint8  // bitset of {LOW, HIGH} (v1) or {REMAP} (v2); 0 == free
}

// Table is the fixed-capacity breakpoint table of spec §3. It owns no
// global state: one Table lives per session.
type Table struct {
	probe    probe.Probe
	rev      Revision
	capacity int
	slots    [maxSlots]slot
}

// Init enables the FPB, detects comparator count/revision and unlocks
// the Cortex-M7 CoreSight lock if required, then zeroes every
// comparator and the shadow table.
func Init(p probe.Probe) (*Table, error) {
	ctrl, err := p.ReadDebug32(regFPCTRL)
	if err != nil {
		return nil, fmt.Errorf("%w: read FP_CTRL: %v", probe.ErrTargetIO, err)
	}
	if err := p.WriteDebug32(regFPCTRL, ctrl|ctrlKey|ctrlEnable); err != nil {
		return nil, fmt.Errorf("%w: enable FPB: %v", probe.ErrTargetIO, err)
	}

	info, err := p.ChipInfo()
	if err != nil {
		return nil, fmt.Errorf("%w: chip info: %v", probe.ErrTargetIO, err)
	}
	const cortexM7Part = 0xC27
	if (info.CoreID>>4)&0xFFF == cortexM7Part {
		if err := p.WriteDebug32(lockAccess, lockKey); err != nil {
			return nil, fmt.Errorf("%w: unlock FPB (M7): %v", probe.ErrTargetIO, err)
		}
	}

	capacity := int((ctrl >> 4) & 0xF)
	if capacity > maxSlots {
		capacity = maxSlots
	}
	rev := RevisionV1
	if (ctrl>>28)&0xF != 0 {
		rev = RevisionV2
	}

	t := &Table{probe: p, rev: rev, capacity: capacity}
	for i := 0; i < capacity; i++ {
		if err := p.WriteDebug32(regFPCOMP0+uint32(i)*4, 0); err != nil {
			return nil, fmt.Errorf("%w: zero FP_COMP%d: %v", probe.ErrTargetIO, i, err)
		}
	}
	return t, nil
}

func slotAddr(rev Revision, a uint32) (slotAddr uint32, sub uint8) {
	if rev == RevisionV2 {
		return a, bitRemap
	}
	if a&2 != 0 {
		return a &^ 3, bitHigh
	}
	return a &^ 3, bitLow
}

// Set inserts a breakpoint at addr, allocating a free slot if needed.
func (t *Table) Set(addr uint32) error {
	if addr&1 != 0 {
		return ErrUnaligned
	}
	fa, sub := slotAddr(t.rev, addr)

	idx := -1
	for i := 0; i < t.capacity; i++ {
		if t.slots[i].kind != 0 && t.slots[i].addr == fa {
			idx = i
			break
		}
	}
	if idx == -1 {
		for i := 0; i < t.capacity; i++ {
			if t.slots[i].kind == 0 {
				idx = i
				break
			}
		}
	}
	if idx == -1 {
		return ErrNoFreeSlot
	}

	t.slots[idx].addr = fa
	t.slots[idx].kind |= sub
	return t.program(idx)
}

// Clear removes a breakpoint at addr. Removing a nonexistent entry is
// a no-op success, matching the original's behavior.
func (t *Table) Clear(addr uint32) error {
	if addr&1 != 0 {
		return ErrUnaligned
	}
	fa, sub := slotAddr(t.rev, addr)
	for i := 0; i < t.capacity; i++ {
		if t.slots[i].kind != 0 && t.slots[i].addr == fa {
			t.slots[i].kind &^= sub
			return t.program(i)
		}
	}
	return nil
}

func (t *Table) program(i int) error {
	s := &t.slots[i]
	var val uint32
	if s.kind != 0 {
		val = (uint32(s.kind&3) << 30) | s.addr | 1
	} else {
		s.addr = 0
	}
	if err := t.probe.WriteDebug32(regFPCOMP0+uint32(i)*4, val); err != nil {
		return fmt.Errorf("%w: program FP_COMP%d: %v", probe.ErrTargetIO, i, err)
	}
	return nil
}

// Has reports whether addr currently carries an active breakpoint —
// used by the semihosting trap loop to distinguish a user breakpoint
// from a BKPT #0xAB semihosting trap at the same site.
func (t *Table) Has(addr uint32) bool {
	fa, sub := slotAddr(t.rev, addr)
	for i := 0; i < t.capacity; i++ {
		if t.slots[i].kind&sub != 0 && t.slots[i].addr == fa {
			return true
		}
	}
	return false
}
