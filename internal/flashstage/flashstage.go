// Package flashstage accumulates erase ranges and write payloads from
// the vFlash* sequence and commits them via the probe's flash loader
// (spec §4.4). Grounded on the original st-util's
// flash_add_block/flash_populate/flash_go, restructured as an
// index-based slice of blocks per spec §9's design note (the original
// uses a singly-linked list; nothing requires that shape).
package flashstage

import (
	"errors"
	"fmt"

	"github.com/aniai-dev/st-util/internal/probe"
)

// ErrOutOfRange is returned when a block falls outside flash.
var ErrOutOfRange = errors.New("flashstage: block out of flash range")

// ErrUnaligned is returned when addr/length aren't page-size multiples.
var ErrUnaligned = errors.New("flashstage: block not page aligned")

// ErrNoBlock is returned by Populate when no staged block intersects
// the write range at all.
var ErrNoBlock = errors.New("flashstage: no staged block fits the write")

const flashBase = 0x08000000

// Block is one staged erase range with its accumulated write payload.
type Block struct {
	Addr   uint32
	Length uint32
	Data   []byte
}

// Staging is the flash staging list of spec §3: created on the first
// vFlashErase, appended to by vFlashWrite, drained by vFlashDone.
type Staging struct {
	p      probe.Probe
	logWarn func(msg string, kv ...any)
	blocks []*Block
}

// New creates an empty staging list against p. logWarn may be nil.
func New(p probe.Probe, logWarn func(string, ...any)) *Staging {
	if logWarn == nil {
		logWarn = func(string, ...any) {}
	}
	return &Staging{p: p, logWarn: logWarn}
}

// AddBlock validates and appends a new erase range (vFlashErase).
func (s *Staging) AddBlock(addr, length uint32) error {
	info, err := s.p.ChipInfo()
	if err != nil {
		return fmt.Errorf("%w: chip info: %v", probe.ErrTargetIO, err)
	}
	if addr < flashBase || uint64(addr)+uint64(length) > uint64(flashBase)+uint64(info.FlashSize) {
		return ErrOutOfRange
	}

	pageSize, err := s.p.CalculatePageSize(addr)
	if err != nil {
		return fmt.Errorf("%w: page size: %v", probe.ErrTargetIO, err)
	}
	if pageSize == 0 || addr%pageSize != 0 || length%pageSize != 0 {
		return ErrUnaligned
	}

	pattern, err := s.p.ErasedPattern()
	if err != nil {
		return fmt.Errorf("%w: erased pattern: %v", probe.ErrTargetIO, err)
	}
	data := make([]byte, length)
	for i := range data {
		data[i] = pattern
	}

	s.blocks = append(s.blocks, &Block{Addr: addr, Length: length, Data: data})
	return nil
}

// Populate overlays a write payload onto every staged block it
// intersects (vFlashWrite). Block bounds may overlap write payloads
// freely; when the total intersected length is less than len, GDB may
// simply have over-sent and this is only logged, not an error.
func (s *Staging) Populate(addr uint32, data []byte) error {
	length := uint32(len(data))
	a, b := addr, addr+length

	var fitBlocks int
	var fitLength uint32
	for _, blk := range s.blocks {
		X, Y := blk.Addr, blk.Addr+blk.Length
		if a < Y && b > X {
			start := X
			if a > X {
				start = a
			}
			end := Y
			if b < Y {
				end = b
			}
			srcOff := start - a
			dstOff := start - X
			copy(blk.Data[dstOff:dstOff+(end-start)], data[srcOff:srcOff+(end-start)])
			fitBlocks++
			fitLength += end - start
		}
	}

	if fitBlocks == 0 {
		return fmt.Errorf("%w: %#x len %#x", ErrNoBlock, addr, length)
	}
	if fitLength != length {
		s.logWarn("flashstage: write truncated by staged block bounds", "addr", addr, "want", length, "got", fitLength)
	}
	return nil
}

// Commit connects under mode, force-halts, erases every staged page,
// writes every staged block through the flash loader, and resets. The
// staging list is always drained, whether commit succeeds or fails.
func (s *Staging) Commit(mode probe.ConnectMode) error {
	defer s.clear()

	if err := s.p.Connect(mode); err != nil {
		return fmt.Errorf("%w: connect: %v", probe.ErrTargetIO, err)
	}
	if err := s.p.ForceDebug(); err != nil {
		return fmt.Errorf("%w: force debug: %v", probe.ErrTargetIO, err)
	}

	for _, blk := range s.blocks {
		for off := uint32(0); off < blk.Length; {
			pageSize, err := s.p.CalculatePageSize(blk.Addr + off)
			if err != nil {
				return fmt.Errorf("%w: page size: %v", probe.ErrTargetIO, err)
			}
			if err := s.p.EraseFlashPage(blk.Addr + off); err != nil {
				return fmt.Errorf("%w: erase page %#x: %v", probe.ErrTargetIO, blk.Addr+off, err)
			}
			off += pageSize
		}
	}

	if err := s.p.FlashLoaderStart(); err != nil {
		return fmt.Errorf("%w: loader start: %v", probe.ErrTargetIO, err)
	}
	for _, blk := range s.blocks {
		for off := uint32(0); off < blk.Length; {
			pageSize, err := s.p.CalculatePageSize(blk.Addr + off)
			if err != nil {
				_ = s.p.FlashLoaderStop()
				return fmt.Errorf("%w: page size: %v", probe.ErrTargetIO, err)
			}
			n := blk.Length - off
			if n > pageSize {
				n = pageSize
			}
			if err := s.p.FlashLoaderWrite(blk.Addr+off, blk.Data[off:off+n]); err != nil {
				_ = s.p.FlashLoaderStop()
				return fmt.Errorf("%w: loader write %#x: %v", probe.ErrTargetIO, blk.Addr+off, err)
			}
			off += n
		}
	}
	if err := s.p.FlashLoaderStop(); err != nil {
		return fmt.Errorf("%w: loader stop: %v", probe.ErrTargetIO, err)
	}

	if err := s.p.Reset(false, true); err != nil {
		return fmt.Errorf("%w: soft reset and halt: %v", probe.ErrTargetIO, err)
	}
	return nil
}

func (s *Staging) clear() {
	s.blocks = nil
}

// Empty reports whether the staging list currently holds no blocks —
// used by tests to assert vFlashDone always drains the list.
func (s *Staging) Empty() bool { return len(s.blocks) == 0 }
