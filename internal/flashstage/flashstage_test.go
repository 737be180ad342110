package flashstage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aniai-dev/st-util/internal/probe"
	"github.com/aniai-dev/st-util/internal/probe/fakeprobe"
)

func newStaging(t *testing.T) (*Staging, *fakeprobe.Probe) {
	t.Helper()
	p := fakeprobe.New(probe.ChipInfo{
		FlashSize: 0x10000,
		FlashPgSz: 0x800,
	})
	return New(p, nil), p
}

func TestAddBlockRejectsOutOfRange(t *testing.T) {
	s, _ := newStaging(t)
	err := s.AddBlock(flashBase+0x10000, 0x800)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestAddBlockRejectsUnaligned(t *testing.T) {
	s, _ := newStaging(t)
	err := s.AddBlock(flashBase+1, 0x800)
	assert.ErrorIs(t, err, ErrUnaligned)
}

func TestAddBlockFillsErasedPattern(t *testing.T) {
	s, _ := newStaging(t)
	require.NoError(t, s.AddBlock(flashBase, 0x800))
	assert.Equal(t, byte(0xff), s.blocks[0].Data[0])
	assert.Equal(t, byte(0xff), s.blocks[0].Data[0x7ff])
}

func TestPopulateOverlaysIntoCorrectBlockOffset(t *testing.T) {
	s, _ := newStaging(t)
	require.NoError(t, s.AddBlock(flashBase, 0x800))

	payload := []byte{0x11, 0x22, 0x33, 0x44}
	// Write range starts before the block's own start address.
	require.NoError(t, s.Populate(flashBase-2, payload))

	// Only the last two bytes of payload landed in the block, at offset 0.
	assert.Equal(t, byte(0x33), s.blocks[0].Data[0])
	assert.Equal(t, byte(0x44), s.blocks[0].Data[1])
}

func TestPopulateNoBlockFits(t *testing.T) {
	s, _ := newStaging(t)
	require.NoError(t, s.AddBlock(flashBase, 0x800))
	err := s.Populate(flashBase+0x1000, []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrNoBlock)
}

func TestCommitDrainsStaging(t *testing.T) {
	s, p := newStaging(t)
	require.NoError(t, s.AddBlock(flashBase, 0x800))
	require.NoError(t, s.Populate(flashBase, []byte{0xDE, 0xAD}))

	require.NoError(t, s.Commit(probe.ConnectNormalReset))
	assert.True(t, s.Empty())

	var buf [2]byte
	require.NoError(t, p.ReadMem32(flashBase, buf[:]))
	assert.Equal(t, [2]byte{0xDE, 0xAD}, buf)
}
