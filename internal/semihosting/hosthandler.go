package semihosting

import (
	"fmt"
	"os"

	"github.com/aniai-dev/st-util/internal/probe"
)

// Standard ARM semihosting operation numbers (r0 on entry).
const (
	sysWriteC = 0x03
	sysWrite0 = 0x04
	sysWrite  = 0x05
	sysReadC  = 0x07
	sysErrno  = 0x13
	sysExit   = 0x18
)

// HostHandler implements the handful of semihosting calls a typical
// embedded program issues for console I/O, forwarding them to the
// host process's own stdio. r1 is a pointer into target memory for
// calls that take a parameter block; it is read/written through the
// probe's memory transactions, since the handler has no other way to
// reach target RAM.
type HostHandler struct {
	P      probe.Probe
	Stdout *os.File
	Stdin  *os.File
}

// NewHostHandler returns a HostHandler wired to os.Stdout/os.Stdin.
func NewHostHandler(p probe.Probe) *HostHandler {
	return &HostHandler{P: p, Stdout: os.Stdout, Stdin: os.Stdin}
}

// Call implements Handler.
func (h *HostHandler) Call(op, r1 uint32) (uint32, error) {
	switch op {
	case sysWriteC:
		b := make([]byte, 1)
		if err := h.P.ReadMem32(r1, b); err != nil {
			return 0, err
		}
		fmt.Fprint(h.Stdout, string(b))
		return 0, nil

	case sysWrite0:
		s, err := h.readCString(r1)
		if err != nil {
			return 0, err
		}
		fmt.Fprint(h.Stdout, s)
		return 0, nil

	case sysWrite:
		// r1 points to {fd, addr, len} in target memory.
		block := make([]byte, 12)
		if err := h.P.ReadMem32(r1, block); err != nil {
			return 0, err
		}
		addr := le32(block[4:8])
		length := le32(block[8:12])
		data := make([]byte, length)
		if length > 0 {
			if err := h.P.ReadMem32(addr, data); err != nil {
				return 0, err
			}
		}
		h.Stdout.Write(data)
		return 0, nil // 0 bytes NOT written, i.e. success per semihosting convention

	case sysReadC:
		buf := make([]byte, 1)
		h.Stdin.Read(buf)
		return uint32(buf[0]), nil

	case sysErrno:
		return 0, nil

	case sysExit:
		return 0, nil

	default:
		return 0, fmt.Errorf("semihosting: unsupported operation %#x", op)
	}
}

func (h *HostHandler) readCString(addr uint32) (string, error) {
	var out []byte
	for {
		buf := make([]byte, 4)
		if err := h.P.ReadMem32(addr, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b == 0 {
				return string(out), nil
			}
			out = append(out, b)
			if len(out) > 4096 {
				return string(out), nil
			}
		}
		addr += 4
	}
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
