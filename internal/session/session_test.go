package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aniai-dev/st-util/internal/probe"
	"github.com/aniai-dev/st-util/internal/probe/fakeprobe"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	p := fakeprobe.New(probe.ChipInfo{
		ChipID:    0x413,
		FlashSize: 0x40000,
		SRAMSize:  0x20000,
		FlashPgSz: 0x800,
	})
	s, err := New(Config{Probe: p})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func noInterrupt() bool { return false }

func TestQueryMarkReportsHalted(t *testing.T) {
	s := newTestSession(t)
	out := s.Dispatch(context.Background(), "?", noInterrupt)
	assert.Equal(t, "S05", out.Reply)
}

func TestExtendedModeSetsPersistent(t *testing.T) {
	s := newTestSession(t)
	out := s.Dispatch(context.Background(), "!", noInterrupt)
	assert.Equal(t, "OK", out.Reply)
	assert.True(t, s.Persistent())
}

func TestReadAllRegsThenWriteRoundtrip(t *testing.T) {
	s := newTestSession(t)

	var words string
	for i := 0; i < 16; i++ {
		words += "00000000"
	}
	out := s.Dispatch(context.Background(), "G"+words, noInterrupt)
	assert.Equal(t, "OK", out.Reply)

	out = s.Dispatch(context.Background(), "g", noInterrupt)
	assert.Equal(t, words, out.Reply)
}

func TestReadWriteSingleRegister(t *testing.T) {
	s := newTestSession(t)

	out := s.Dispatch(context.Background(), "P3=78563412", noInterrupt)
	assert.Equal(t, "OK", out.Reply)

	out = s.Dispatch(context.Background(), "p3", noInterrupt)
	assert.Equal(t, "78563412", out.Reply)
}

func TestReadWriteXPSRViaExtendedID(t *testing.T) {
	s := newTestSession(t)

	out := s.Dispatch(context.Background(), "P19=01000000", noInterrupt)
	assert.Equal(t, "OK", out.Reply)

	out = s.Dispatch(context.Background(), "p19", noInterrupt)
	assert.Equal(t, "01000000", out.Reply)
}

func TestMemoryReadWriteRoundtrip(t *testing.T) {
	s := newTestSession(t)

	out := s.Dispatch(context.Background(), "M20000000,4:deadbeef", noInterrupt)
	assert.Equal(t, "OK", out.Reply)

	out = s.Dispatch(context.Background(), "m20000000,4", noInterrupt)
	assert.Equal(t, "deadbeef", out.Reply)
}

func TestMemoryReadUnalignedStart(t *testing.T) {
	s := newTestSession(t)

	// Write 8 bytes at an aligned base, then read back a 4-byte window
	// starting 2 bytes in: exercises the align-down/round-up/trim path.
	out := s.Dispatch(context.Background(), "M20000000,8:0011223344556677", noInterrupt)
	require.Equal(t, "OK", out.Reply)

	out = s.Dispatch(context.Background(), "m20000002,4", noInterrupt)
	assert.Equal(t, "22334455", out.Reply)
}

func TestInsertAndRemoveBreakpoint(t *testing.T) {
	s := newTestSession(t)

	out := s.Dispatch(context.Background(), "Z1,8000000,2", noInterrupt)
	assert.Equal(t, "OK", out.Reply)
	assert.True(t, s.bp.Has(0x8000000))

	out = s.Dispatch(context.Background(), "z1,8000000,2", noInterrupt)
	assert.Equal(t, "OK", out.Reply)
	assert.False(t, s.bp.Has(0x8000000))
}

func TestInsertAndRemoveWatchpoint(t *testing.T) {
	s := newTestSession(t)

	out := s.Dispatch(context.Background(), "Z2,20000000,4", noInterrupt)
	assert.Equal(t, "OK", out.Reply)

	out = s.Dispatch(context.Background(), "z2,20000000,4", noInterrupt)
	assert.Equal(t, "OK", out.Reply)
}

func TestQRcmdFiveCharMatch(t *testing.T) {
	s := newTestSession(t)

	// hex("halt") = 68616c74
	out := s.Dispatch(context.Background(), "qRcmd,68616c74", noInterrupt)
	assert.Equal(t, "OK", out.Reply)
}

func TestQRcmdSemihostingToggle(t *testing.T) {
	s := newTestSession(t)
	assert.False(t, s.semihosting)

	// hex("semihosting enable")
	out := s.Dispatch(context.Background(), "qRcmd,73656d69686f7374696e6720656e61626c65", noInterrupt)
	assert.Equal(t, "OK", out.Reply)
	assert.True(t, s.semihosting)
}

func TestQXferMemoryMapChunking(t *testing.T) {
	s := newTestSession(t)
	out := s.Dispatch(context.Background(), "qXfer:memory-map:read::0,100000", noInterrupt)
	assert.True(t, out.HasReply)
	assert.True(t, len(out.Reply) > 0)
	assert.Equal(t, byte('l'), out.Reply[0])
}

func TestVFlashSequence(t *testing.T) {
	s := newTestSession(t)

	out := s.Dispatch(context.Background(), "vFlashErase:8000000,800", noInterrupt)
	assert.Equal(t, "OK", out.Reply)

	out = s.Dispatch(context.Background(), "vFlashWrite:8000000:\xde\xad", noInterrupt)
	assert.Equal(t, "OK", out.Reply)

	out = s.Dispatch(context.Background(), "vFlashDone", noInterrupt)
	assert.Equal(t, "OK", out.Reply)

	out = s.Dispatch(context.Background(), "vKill", noInterrupt)
	assert.Equal(t, "OK", out.Reply)
}

func TestKillReopensInPlace(t *testing.T) {
	s := newTestSession(t)
	out := s.Dispatch(context.Background(), "k", noInterrupt)
	assert.False(t, out.HasReply)
	assert.False(t, out.Critical)
}
