// Package serialprobe implements probe.Probe over a serial-attached
// debug-probe firmware speaking a small fixed-size binary command
// protocol (one request opcode + fixed argument words, one fixed or
// length-prefixed reply). Grounded on FoenixMgrGo's
// pkg/connection/serial.go: go.bug.st/serial for the port, the same
// exact-byte-count Read/Write retry loop, and SetReadTimeout from its
// config.Timeout, generalized here to the session's debug-probe
// command surface instead of a byte stream passthrough.
package serialprobe

import (
	"encoding/binary"
	"fmt"
	"time"

	"go.bug.st/serial"

	"github.com/aniai-dev/st-util/internal/probe"
)

// Opcodes of the wire protocol spoken to the probe firmware.
const (
	opConnect      = 0x01
	opForceDebug   = 0x02
	opRun          = 0x03
	opStep         = 0x04
	opStatus       = 0x05
	opReset        = 0x06
	opExitDebug    = 0x07
	opReadAllRegs  = 0x08
	opReadReg      = 0x09
	opWriteReg     = 0x0A
	opReadMem      = 0x0B
	opWriteMem     = 0x0C
	opReadDebug    = 0x0D
	opWriteDebug   = 0x0E
	opPageSize     = 0x0F
	opErasePage    = 0x10
	opErasePattern = 0x11
	opLoaderStart  = 0x12
	opLoaderWrite  = 0x13
	opLoaderStop   = 0x14
	opChipInfo     = 0x15
)

const readTimeout = 5 * time.Second

// Probe drives a debug-probe firmware over a serial port.
type Probe struct {
	port serial.Port
}

// New returns an unopened serial probe.
func New() *Probe { return &Probe{} }

func (p *Probe) Open(name string, freqHz uint32) error {
	mode := &serial.Mode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(name, mode)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", probe.ErrTargetIO, name, err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return fmt.Errorf("%w: set read timeout: %v", probe.ErrTargetIO, err)
	}
	p.port = port
	if freqHz != 0 {
		_ = p.writeCmd(opConnect, encodeU32(freqHz))
	}
	return nil
}

func (p *Probe) Close() error {
	if p.port == nil {
		return nil
	}
	err := p.port.Close()
	p.port = nil
	return err
}

func (p *Probe) readExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	total := 0
	for total < n {
		r, err := p.port.Read(buf[total:])
		if err != nil {
			return nil, fmt.Errorf("%w: read: %v", probe.ErrTargetIO, err)
		}
		if r == 0 {
			return nil, fmt.Errorf("%w: read timeout (wanted %d, got %d)", probe.ErrTargetIO, n, total)
		}
		total += r
	}
	return buf, nil
}

func (p *Probe) writeExact(data []byte) error {
	total := 0
	for total < len(data) {
		w, err := p.port.Write(data[total:])
		if err != nil {
			return fmt.Errorf("%w: write: %v", probe.ErrTargetIO, err)
		}
		total += w
	}
	return nil
}

// writeCmd sends one opcode + args frame and reads back only the
// one-byte status; opcodes with reply data go through call instead.
func (p *Probe) writeCmd(op byte, args []byte) error {
	if p.port == nil {
		return fmt.Errorf("%w: not open", probe.ErrTargetIO)
	}
	frame := append([]byte{op}, args...)
	if err := p.writeExact(frame); err != nil {
		return err
	}
	status, err := p.readExact(1)
	if err != nil {
		return err
	}
	if status[0] != 0 {
		return fmt.Errorf("%w: probe returned status %d", probe.ErrTargetIO, status[0])
	}
	return nil
}

func (p *Probe) call(op byte, args []byte, replyLen int) ([]byte, error) {
	if p.port == nil {
		return nil, fmt.Errorf("%w: not open", probe.ErrTargetIO)
	}
	frame := append([]byte{op}, args...)
	if err := p.writeExact(frame); err != nil {
		return nil, err
	}
	status, err := p.readExact(1)
	if err != nil {
		return nil, err
	}
	if status[0] != 0 {
		return nil, fmt.Errorf("%w: probe returned status %d", probe.ErrTargetIO, status[0])
	}
	if replyLen == 0 {
		return nil, nil
	}
	return p.readExact(replyLen)
}

func encodeU32(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}

func decodeU32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }

func (p *Probe) Connect(mode probe.ConnectMode) error {
	return p.writeCmd(opConnect, []byte{byte(mode)})
}

func (p *Probe) ForceDebug() error { return p.writeCmd(opForceDebug, nil) }

func (p *Probe) Run(normal bool) error {
	var b byte
	if normal {
		b = 1
	}
	return p.writeCmd(opRun, []byte{b})
}

func (p *Probe) Step() error { return p.writeCmd(opStep, nil) }

func (p *Probe) Status() (probe.Status, error) {
	reply, err := p.call(opStatus, nil, 1)
	if err != nil {
		return probe.Status{}, err
	}
	halted := reply[0] != 0
	return probe.Status{Halted: halted, Running: !halted}, nil
}

func (p *Probe) Reset(hard, softAndHalt bool) error {
	var flags byte
	if hard {
		flags |= 1
	}
	if softAndHalt {
		flags |= 2
	}
	return p.writeCmd(opReset, []byte{flags})
}

func (p *Probe) ExitDebugMode() error { return p.writeCmd(opExitDebug, nil) }

func (p *Probe) ReadAllRegs() (probe.Registers, error) {
	reply, err := p.call(opReadAllRegs, nil, 16*4)
	if err != nil {
		return probe.Registers{}, err
	}
	var regs probe.Registers
	for i := 0; i < 16; i++ {
		regs.R[i] = decodeU32(reply[i*4 : i*4+4])
	}
	return regs, nil
}

func (p *Probe) ReadReg(i int) (uint32, error) {
	reply, err := p.call(opReadReg, []byte{byte(i)}, 4)
	if err != nil {
		return 0, err
	}
	return decodeU32(reply), nil
}

func (p *Probe) ReadUnsupportedReg(id int) (uint32, error) {
	reply, err := p.call(opReadReg, []byte{byte(id)}, 4)
	if err != nil {
		return 0, err
	}
	return decodeU32(reply), nil
}

func (p *Probe) WriteReg(value uint32, i int) error {
	args := append([]byte{byte(i)}, encodeU32(value)...)
	return p.writeCmd(opWriteReg, args)
}

func (p *Probe) WriteUnsupportedReg(value uint32, id int) error {
	args := append([]byte{byte(id)}, encodeU32(value)...)
	return p.writeCmd(opWriteReg, args)
}

func (p *Probe) ReadMem32(addr uint32, buf []byte) error {
	args := append(encodeU32(addr), encodeU32(uint32(len(buf)))...)
	reply, err := p.call(opReadMem, args, len(buf))
	if err != nil {
		return err
	}
	copy(buf, reply)
	return nil
}

func (p *Probe) WriteMem32(addr uint32, buf []byte) error { return p.writeMem(addr, buf) }
func (p *Probe) WriteMem8(addr uint32, buf []byte) error  { return p.writeMem(addr, buf) }

func (p *Probe) writeMem(addr uint32, buf []byte) error {
	args := append(encodeU32(addr), encodeU32(uint32(len(buf)))...)
	args = append(args, buf...)
	return p.writeCmd(opWriteMem, args)
}

func (p *Probe) ReadDebug32(addr uint32) (uint32, error) {
	reply, err := p.call(opReadDebug, encodeU32(addr), 4)
	if err != nil {
		return 0, err
	}
	return decodeU32(reply), nil
}

func (p *Probe) WriteDebug32(addr, val uint32) error {
	return p.writeCmd(opWriteDebug, append(encodeU32(addr), encodeU32(val)...))
}

func (p *Probe) CalculatePageSize(addr uint32) (uint32, error) {
	reply, err := p.call(opPageSize, encodeU32(addr), 4)
	if err != nil {
		return 0, err
	}
	return decodeU32(reply), nil
}

func (p *Probe) ErasedPattern() (byte, error) {
	reply, err := p.call(opErasePattern, nil, 1)
	if err != nil {
		return 0, err
	}
	return reply[0], nil
}

func (p *Probe) EraseFlashPage(addr uint32) error {
	return p.writeCmd(opErasePage, encodeU32(addr))
}

func (p *Probe) FlashLoaderStart() error { return p.writeCmd(opLoaderStart, nil) }

func (p *Probe) FlashLoaderWrite(addr uint32, data []byte) error {
	args := append(encodeU32(addr), encodeU32(uint32(len(data)))...)
	args = append(args, data...)
	return p.writeCmd(opLoaderWrite, args)
}

func (p *Probe) FlashLoaderStop() error { return p.writeCmd(opLoaderStop, nil) }

func (p *Probe) Semihost(r0, r1 uint32) (int, uint32, error) {
	return 0, 0, fmt.Errorf("serialprobe: host-side semihosting handler services this, not the probe")
}

func (p *Probe) ChipInfo() (probe.ChipInfo, error) {
	reply, err := p.call(opChipInfo, nil, 7*4)
	if err != nil {
		return probe.ChipInfo{}, err
	}
	return probe.ChipInfo{
		ChipID:    decodeU32(reply[0:4]),
		CoreID:    decodeU32(reply[4:8]),
		FlashSize: decodeU32(reply[8:12]),
		SRAMSize:  decodeU32(reply[12:16]),
		FlashPgSz: decodeU32(reply[16:20]),
		SysBase:   decodeU32(reply[20:24]),
		SysSize:   decodeU32(reply[24:28]),
	}, nil
}
