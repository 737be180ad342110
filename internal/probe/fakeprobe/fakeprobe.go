// Package fakeprobe implements probe.Probe entirely in memory: a flat
// byte-addressed RAM/flash map and a register file, with no hardware
// underneath. It backs the "fake" --transport selection and the
// session/engine test suites. Grounded on Orizon's gdbserver.Server
// test double (its map-backed mem/regs fields), generalized from a
// single flat server into the full probe.Probe surface.
package fakeprobe

import (
	"sync"

	"github.com/aniai-dev/st-util/internal/probe"
)

const defaultFlashPageSize = 0x800

// Probe is an in-memory stand-in for a real debug probe.
type Probe struct {
	mu sync.Mutex

	mem map[uint32]byte

	regs      [16]uint32
	xpsr      uint32
	msp, psp  uint32
	control   uint32
	faultmask uint32
	basepri   uint32
	primask   uint32
	s         [32]uint32
	fpscr     uint32

	debug map[uint32]uint32

	halted bool
	erased byte

	info probe.ChipInfo

	loaderActive bool
	opened       bool
}

// New returns a Probe pre-populated with the given chip descriptor; a
// zero-value ChipInfo is usable for tests that don't care about it.
func New(info probe.ChipInfo) *Probe {
	if info.FlashPgSz == 0 {
		info.FlashPgSz = defaultFlashPageSize
	}
	return &Probe{
		mem: make(map[uint32]byte),
		// FP_CTRL reports six FPB code comparators (revision 1), as a
		// real target does; tests may overwrite it before breakpoint.Init.
		debug:  map[uint32]uint32{0xE0002000: 6 << 4},
		erased: 0xff,
		info:   info,
		halted: true,
	}
}

func (p *Probe) Open(serial string, freqHz uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opened = true
	return nil
}

func (p *Probe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opened = false
	return nil
}

func (p *Probe) Connect(mode probe.ConnectMode) error { return nil }

func (p *Probe) ForceDebug() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.halted = true
	return nil
}

func (p *Probe) Run(normal bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.halted = false
	return nil
}

func (p *Probe) Step() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.regs[15] += 2
	p.halted = true
	return nil
}

func (p *Probe) Status() (probe.Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return probe.Status{Halted: p.halted, Running: !p.halted}, nil
}

func (p *Probe) Reset(hard, softAndHalt bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.regs = [16]uint32{}
	if softAndHalt {
		p.halted = true
	}
	return nil
}

func (p *Probe) ExitDebugMode() error { return nil }

func (p *Probe) ReadAllRegs() (probe.Registers, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return probe.Registers{
		R:         p.regs,
		Xpsr:      p.xpsr,
		MainSP:    p.msp,
		ProcessSP: p.psp,
		Control:   p.control,
		Faultmask: p.faultmask,
		Basepri:   p.basepri,
		Primask:   p.primask,
		S:         p.s,
		Fpscr:     p.fpscr,
	}, nil
}

func (p *Probe) ReadReg(i int) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch i {
	case 16:
		return p.xpsr, nil
	case 17:
		return p.msp, nil
	case 18:
		return p.psp, nil
	default:
		return p.regs[i], nil
	}
}

func (p *Probe) WriteReg(value uint32, i int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch i {
	case 16:
		p.xpsr = value
	case 17:
		p.msp = value
	case 18:
		p.psp = value
	default:
		p.regs[i] = value
	}
	return nil
}

// Unsupported-register ids follow the session's mapping: 0x1C-0x1F are
// control/faultmask/basepri/primask, 0x20-0x3F are s0-s31, 0x40 is fpscr.
func (p *Probe) ReadUnsupportedReg(id int) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case id == 0x1C:
		return p.control, nil
	case id == 0x1D:
		return p.faultmask, nil
	case id == 0x1E:
		return p.basepri, nil
	case id == 0x1F:
		return p.primask, nil
	case id >= 0x20 && id <= 0x3F:
		return p.s[id-0x20], nil
	case id == 0x40:
		return p.fpscr, nil
	default:
		return 0, nil
	}
}

func (p *Probe) WriteUnsupportedReg(value uint32, id int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case id == 0x1C:
		p.control = value
	case id == 0x1D:
		p.faultmask = value
	case id == 0x1E:
		p.basepri = value
	case id == 0x1F:
		p.primask = value
	case id >= 0x20 && id <= 0x3F:
		p.s[id-0x20] = value
	case id == 0x40:
		p.fpscr = value
	}
	return nil
}

func (p *Probe) ReadMem32(addr uint32, buf []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range buf {
		buf[i] = p.mem[addr+uint32(i)]
	}
	return nil
}

func (p *Probe) WriteMem32(addr uint32, buf []byte) error {
	return p.writeMem(addr, buf)
}

func (p *Probe) WriteMem8(addr uint32, buf []byte) error {
	return p.writeMem(addr, buf)
}

func (p *Probe) writeMem(addr uint32, buf []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, b := range buf {
		p.mem[addr+uint32(i)] = b
	}
	return nil
}

func (p *Probe) ReadDebug32(addr uint32) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.debug[addr], nil
}

func (p *Probe) WriteDebug32(addr, val uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.debug[addr] = val
	return nil
}

func (p *Probe) CalculatePageSize(addr uint32) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info.FlashPgSz, nil
}

func (p *Probe) ErasedPattern() (byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.erased, nil
}

func (p *Probe) EraseFlashPage(addr uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pageSize := p.info.FlashPgSz
	base := addr - addr%pageSize
	for i := uint32(0); i < pageSize; i++ {
		p.mem[base+i] = p.erased
	}
	return nil
}

func (p *Probe) FlashLoaderStart() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loaderActive = true
	return nil
}

func (p *Probe) FlashLoaderWrite(addr uint32, data []byte) error {
	return p.writeMem(addr, data)
}

func (p *Probe) FlashLoaderStop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loaderActive = false
	return nil
}

func (p *Probe) Semihost(r0, r1 uint32) (int, uint32, error) {
	return 0, 0, nil
}

func (p *Probe) ChipInfo() (probe.ChipInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info, nil
}

// SetHalted lets tests drive the halt/run state directly, e.g. to
// simulate the target halting on a semihosting trap.
func (p *Probe) SetHalted(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.halted = v
}
