package semihosting

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aniai-dev/st-util/internal/probe"
	"github.com/aniai-dev/st-util/internal/probe/fakeprobe"
)

type fakeBreakpoints struct{ addr uint32 }

func (f fakeBreakpoints) Has(addr uint32) bool { return addr == f.addr }

type recordingHandler struct {
	calls int
	r0    uint32
}

func (h *recordingHandler) Call(r0, r1 uint32) (uint32, error) {
	h.calls++
	h.r0 = r0
	return 0, nil
}

func writeBkpt(t *testing.T, p *fakeprobe.Probe, addr uint32) {
	t.Helper()
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], bkptSemihosting)
	require.NoError(t, p.WriteMem32(addr, buf[:]))
}

func TestRunServicesSemihostingTrap(t *testing.T) {
	p := fakeprobe.New(probe.ChipInfo{})
	writeBkpt(t, p, 0x8000100)
	require.NoError(t, p.WriteReg(0x8000100, 15))
	p.SetHalted(true)

	h := &recordingHandler{}
	// Once the trap has been serviced and the target resumed, simulate it
	// halting again at the following (non-trap) instruction.
	haltAfterService := func() bool {
		if h.calls > 0 {
			p.SetHalted(true)
		}
		return false
	}
	out, err := Run(context.Background(), p, nil, fakeBreakpoints{}, h, true, haltAfterService)
	require.NoError(t, err)
	assert.True(t, out.Halted)
	assert.Equal(t, 1, h.calls)

	pc, err := p.ReadReg(15)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x8000102), pc)
}

func TestRunStopsAtUserBreakpoint(t *testing.T) {
	p := fakeprobe.New(probe.ChipInfo{})
	writeBkpt(t, p, 0x8000100)
	require.NoError(t, p.WriteReg(0x8000100, 15))
	p.SetHalted(true)

	h := &recordingHandler{}
	out, err := Run(context.Background(), p, nil, fakeBreakpoints{addr: 0x8000100}, h, true, func() bool { return false })
	require.NoError(t, err)
	assert.True(t, out.Halted)
	assert.Equal(t, 0, h.calls)
}

func TestRunReportsInterrupted(t *testing.T) {
	p := fakeprobe.New(probe.ChipInfo{})
	p.SetHalted(false)

	h := &recordingHandler{}
	out, err := Run(context.Background(), p, nil, fakeBreakpoints{}, h, true, func() bool { return true })
	require.NoError(t, err)
	assert.True(t, out.Interrupted)
}
