// Package ftdiprobe drives an SWD debug probe built from a bare FTDI
// FT232H/FT2232H MPSSE adapter, bit-banging SWDIO/SWCLK over GPIO
// rather than talking to packaged probe firmware. Grounded on
// gentam-gice/device.go: FT2232H discovery by VID/PID via ftdi.All(),
// host.Init() guarded by a sync/atomic flag, and GPIO pin assignment
// from FTDI.D0..D7, generalized from its fixed SPI-flash wiring to the
// two-wire SWD protocol the DAP register accesses below need.
package ftdiprobe

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/host/v3"
	"periph.io/x/host/v3/ftdi"

	"github.com/aniai-dev/st-util/internal/probe"
)

const (
	vendorIDFTDI     = 0x0403
	productIDFT232H  = 0x6014
	productIDFT2232H = 0x6010
)

var hostInitialized atomic.Bool

// dapReg names the four SWD-addressable DP/AP register selects used
// for the handful of accesses a Cortex-M debug session needs.
type dapReg uint8

const (
	dpIDCODE   dapReg = 0x0
	dpCTRLSTAT dapReg = 0x4
	dpSELECT   dapReg = 0x8
	dpRDBUFF   dapReg = 0xC
	apCSW      dapReg = 0x00
	apTAR      dapReg = 0x04
	apDRW      dapReg = 0x0C
)

// Probe drives a Cortex-M target over bit-banged SWD via an FTDI MPSSE
// adapter's GPIO pins.
type Probe struct {
	ftdiDev ftdi.Dev
	swclk   gpio.PinIO // ADBUS0
	swdio   gpio.PinIO // ADBUS1 (bidirectional, toggled via In()/Out())
	nreset  gpio.PinIO // ADBUS7

	connected  bool
	halfPeriod time.Duration
	info       probe.ChipInfo
}

// New returns an unopened FTDI-backed probe.
func New() *Probe {
	return &Probe{halfPeriod: 1 * time.Microsecond}
}

func (p *Probe) Open(serialNum string, freqHz uint32) error {
	if hostInitialized.CompareAndSwap(false, true) {
		if _, err := host.Init(); err != nil {
			return fmt.Errorf("%w: host init: %v", probe.ErrTargetIO, err)
		}
	}
	dev, err := p.findDevice(serialNum)
	if err != nil {
		return err
	}
	p.ftdiDev = dev

	pins, err := pinsFor(dev)
	if err != nil {
		return err
	}
	p.swclk, p.swdio, p.nreset = pins[0], pins[1], pins[7]

	if freqHz > 0 {
		p.halfPeriod = time.Second / time.Duration(freqHz) / 2
	}
	return nil
}

// pinsFor resolves the eight ADBUS GPIO lines for either supported
// FTDI chip model.
func pinsFor(dev ftdi.Dev) ([8]gpio.PinIO, error) {
	var pins [8]gpio.PinIO
	switch d := dev.(type) {
	case *ftdi.FT232H:
		pins = [8]gpio.PinIO{d.D0, d.D1, d.D2, d.D3, d.D4, d.D5, d.D6, d.D7}
	case *ftdi.FT2232H:
		pins = [8]gpio.PinIO{d.D0, d.D1, d.D2, d.D3, d.D4, d.D5, d.D6, d.D7}
	default:
		return pins, fmt.Errorf("%w: unsupported FTDI device type %T", probe.ErrTargetIO, dev)
	}
	return pins, nil
}

func (p *Probe) findDevice(serialNum string) (ftdi.Dev, error) {
	info := ftdi.Info{}
	for _, dev := range ftdi.All() {
		dev.Info(&info)
		if info.VenID != vendorIDFTDI {
			continue
		}
		if info.DevID != productIDFT232H && info.DevID != productIDFT2232H {
			continue
		}
		if serialNum != "" && info.Serial != serialNum {
			continue
		}
		return dev, nil
	}
	return nil, fmt.Errorf("%w: no matching FTDI SWD adapter found", probe.ErrTargetIO)
}

func (p *Probe) Close() error {
	if p.ftdiDev == nil {
		return nil
	}
	p.ftdiDev = nil
	return nil
}

// clockLow/clockHigh drive one SWCLK half-period, bit-banged rather
// than MPSSE-clocked, since SWD's turnaround semantics don't map onto
// the FTDI's built-in SPI mode.
func (p *Probe) clockLow() {
	p.swclk.Out(gpio.Low)
	time.Sleep(p.halfPeriod)
}

func (p *Probe) clockHigh() {
	p.swclk.Out(gpio.High)
	time.Sleep(p.halfPeriod)
}

func (p *Probe) writeBits(bits []gpio.Level) {
	for _, b := range bits {
		p.swdio.Out(b)
		p.clockHigh()
		p.clockLow()
	}
}

func (p *Probe) readBit() gpio.Level {
	p.clockHigh()
	v := p.swdio.Read()
	p.clockLow()
	return v
}

// swdTransfer performs one SWD request/ack/data cycle. request encodes
// the 8-bit packet header (start/APnDP/RnW/A/parity/stop/park); on a
// read it returns the 32-bit data phase, on a write callers supply
// data to send after the ack.
func (p *Probe) swdTransfer(request byte, isRead bool, data uint32) (uint32, error) {
	bits := make([]gpio.Level, 8)
	for i := 0; i < 8; i++ {
		if request&(1<<i) != 0 {
			bits[i] = gpio.High
		} else {
			bits[i] = gpio.Low
		}
	}
	p.swdio.Out(gpio.High) // drive, trust caller set direction via Out semantics
	p.writeBits(bits)

	p.swdio.In(gpio.PullNoChange, gpio.NoEdge)
	var ack byte
	for i := 0; i < 3; i++ {
		if p.readBit() == gpio.High {
			ack |= 1 << i
		}
	}
	if ack != 1 { // 1 = OK
		return 0, fmt.Errorf("%w: swd ack %#x", probe.ErrTargetIO, ack)
	}

	if isRead {
		var v uint32
		for i := 0; i < 32; i++ {
			if p.readBit() == gpio.High {
				v |= 1 << uint(i)
			}
		}
		p.readBit() // parity, not checked: best-effort bring-up path
		p.swdio.Out(gpio.Low)
		return v, nil
	}

	bits = make([]gpio.Level, 33)
	parity := 0
	for i := 0; i < 32; i++ {
		bit := (data >> uint(i)) & 1
		if bit != 0 {
			bits[i] = gpio.High
			parity ^= 1
		} else {
			bits[i] = gpio.Low
		}
	}
	if parity != 0 {
		bits[32] = gpio.High
	}
	p.writeBits(bits)
	return 0, nil
}

func parity(v uint32) byte {
	v ^= v >> 16
	v ^= v >> 8
	v ^= v >> 4
	v ^= v >> 2
	v ^= v >> 1
	return byte(v & 1)
}

func requestByte(apnotdp, isRead bool, a23 uint8) byte {
	var r byte = 0x81 // start=1, stop=0, park=1
	if apnotdp {
		r |= 1 << 1
	}
	if isRead {
		r |= 1 << 2
	}
	r |= (a23 & 0x3) << 3
	p := (r >> 1) & 0xF
	if parity(uint32(p)) != 0 {
		r |= 1 << 5
	}
	return r
}

func (p *Probe) dpRead(reg dapReg) (uint32, error) {
	return p.swdTransfer(requestByte(false, true, uint8(reg)>>2), true, 0)
}

func (p *Probe) dpWrite(reg dapReg, v uint32) error {
	_, err := p.swdTransfer(requestByte(false, false, uint8(reg)>>2), false, v)
	return err
}

func (p *Probe) apRead(reg dapReg) (uint32, error) {
	return p.swdTransfer(requestByte(true, true, uint8(reg)>>2), true, 0)
}

func (p *Probe) apWrite(reg dapReg, v uint32) error {
	_, err := p.swdTransfer(requestByte(true, false, uint8(reg)>>2), false, v)
	return err
}

// readWord/writeWord address a 32-bit target memory word through the
// MEM-AP's TAR/DRW registers (ADIv5 §7.2 banked-access convention,
// implicit from the csw/tar/drw register names above).
func (p *Probe) readWord(addr uint32) (uint32, error) {
	if err := p.apWrite(apTAR, addr); err != nil {
		return 0, err
	}
	v, err := p.apRead(apDRW)
	if err != nil {
		return 0, err
	}
	_, err = p.dpRead(dpRDBUFF)
	return v, err
}

func (p *Probe) writeWord(addr, v uint32) error {
	if err := p.apWrite(apTAR, addr); err != nil {
		return err
	}
	return p.apWrite(apDRW, v)
}

func (p *Probe) Connect(mode probe.ConnectMode) error {
	if mode == probe.ConnectUnderReset && p.nreset != nil {
		p.nreset.Out(gpio.Low)
	}
	idcode, err := p.dpRead(dpIDCODE)
	if err != nil {
		return err
	}
	if idcode == 0 {
		return errors.New("ftdiprobe: no SWD target responded")
	}
	if err := p.dpWrite(dpCTRLSTAT, 1<<28|1<<30); err != nil { // CSYSPWRUPREQ|CDBGPWRUPREQ
		return err
	}
	if mode == probe.ConnectUnderReset && p.nreset != nil {
		p.nreset.Out(gpio.High)
	}
	p.connected = true
	return nil
}

func (p *Probe) ForceDebug() error {
	return p.writeWord(0xE000EDF0, 0xA05F0003) // DHCSR: DBGKEY|C_HALT|C_DEBUGEN
}

func (p *Probe) Run(normal bool) error {
	return p.writeWord(0xE000EDF0, 0xA05F0001) // DHCSR: DBGKEY|C_DEBUGEN
}

func (p *Probe) Step() error {
	return p.writeWord(0xE000EDF0, 0xA05F0005) // DHCSR: DBGKEY|C_STEP|C_DEBUGEN
}

func (p *Probe) Status() (probe.Status, error) {
	v, err := p.readWord(0xE000EDF0)
	if err != nil {
		return probe.Status{}, err
	}
	halted := v&(1<<17) != 0 // S_HALT
	return probe.Status{Halted: halted, Running: !halted}, nil
}

func (p *Probe) Reset(hard, softAndHalt bool) error {
	if hard && p.nreset != nil {
		p.nreset.Out(gpio.Low)
		time.Sleep(10 * time.Millisecond)
		p.nreset.Out(gpio.High)
		return nil
	}
	if err := p.writeWord(0xE000ED0C, 0x05FA0004); err != nil { // AIRCR: VECTKEY|SYSRESETREQ
		return err
	}
	if softAndHalt {
		time.Sleep(10 * time.Millisecond)
		return p.ForceDebug()
	}
	return nil
}

func (p *Probe) ExitDebugMode() error {
	return p.writeWord(0xE000EDF0, 0xA05F0000)
}

func (p *Probe) ReadAllRegs() (probe.Registers, error) {
	var regs probe.Registers
	for i := 0; i < 16; i++ {
		v, err := p.ReadReg(i)
		if err != nil {
			return regs, err
		}
		regs.R[i] = v
	}
	return regs, nil
}

// regDCRSR/regDCRDR are DCRSR/DCRDR, the Cortex-M core-register
// transfer window used by both ReadReg and the unsupported-register
// accessors below.
const (
	regDCRSR = 0xE000EDF4
	regDCRDR = 0xE000EDF8
)

func (p *Probe) ReadReg(i int) (uint32, error) {
	if err := p.writeWord(regDCRSR, uint32(i)); err != nil {
		return 0, err
	}
	return p.readWord(regDCRDR)
}

func (p *Probe) WriteReg(value uint32, i int) error {
	if err := p.writeWord(regDCRDR, value); err != nil {
		return err
	}
	return p.writeWord(regDCRSR, uint32(i)|(1<<16))
}

func (p *Probe) ReadUnsupportedReg(id int) (uint32, error) { return p.ReadReg(id) }

func (p *Probe) WriteUnsupportedReg(value uint32, id int) error { return p.WriteReg(value, id) }

func (p *Probe) ReadMem32(addr uint32, buf []byte) error {
	for i := 0; i+4 <= len(buf); i += 4 {
		v, err := p.readWord(addr + uint32(i))
		if err != nil {
			return err
		}
		buf[i] = byte(v)
		buf[i+1] = byte(v >> 8)
		buf[i+2] = byte(v >> 16)
		buf[i+3] = byte(v >> 24)
	}
	return nil
}

func (p *Probe) WriteMem32(addr uint32, buf []byte) error {
	for i := 0; i+4 <= len(buf); i += 4 {
		v := uint32(buf[i]) | uint32(buf[i+1])<<8 | uint32(buf[i+2])<<16 | uint32(buf[i+3])<<24
		if err := p.writeWord(addr+uint32(i), v); err != nil {
			return err
		}
	}
	return nil
}

func (p *Probe) WriteMem8(addr uint32, buf []byte) error {
	for i, b := range buf {
		a := addr + uint32(i)
		word, err := p.readWord(a &^ 3)
		if err != nil {
			return err
		}
		shift := (a & 3) * 8
		word = (word &^ (0xFF << shift)) | uint32(b)<<shift
		if err := p.writeWord(a&^3, word); err != nil {
			return err
		}
	}
	return nil
}

func (p *Probe) ReadDebug32(addr uint32) (uint32, error) { return p.readWord(addr) }
func (p *Probe) WriteDebug32(addr, val uint32) error     { return p.writeWord(addr, val) }

func (p *Probe) CalculatePageSize(addr uint32) (uint32, error) {
	if p.info.FlashPgSz == 0 {
		return 0x800, nil
	}
	return p.info.FlashPgSz, nil
}

func (p *Probe) ErasedPattern() (byte, error) { return 0xFF, nil }

func (p *Probe) EraseFlashPage(addr uint32) error {
	return fmt.Errorf("ftdiprobe: flash erase requires a loaded flash loader, not yet started")
}

func (p *Probe) FlashLoaderStart() error {
	return fmt.Errorf("ftdiprobe: flash loader not implemented for bare-SWD bring-up")
}

func (p *Probe) FlashLoaderWrite(addr uint32, data []byte) error {
	return fmt.Errorf("ftdiprobe: flash loader not implemented for bare-SWD bring-up")
}

func (p *Probe) FlashLoaderStop() error { return nil }

func (p *Probe) Semihost(r0, r1 uint32) (int, uint32, error) {
	return 0, 0, fmt.Errorf("ftdiprobe: host-side semihosting handler services this, not the probe")
}

func (p *Probe) ChipInfo() (probe.ChipInfo, error) {
	if !p.connected {
		return probe.ChipInfo{}, fmt.Errorf("%w: not connected", probe.ErrTargetIO)
	}
	idcode, err := p.dpRead(dpIDCODE)
	if err != nil {
		return probe.ChipInfo{}, err
	}
	return probe.ChipInfo{CoreID: idcode, FlashPgSz: 0x800}, nil
}
