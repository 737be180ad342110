package breakpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aniai-dev/st-util/internal/probe"
	"github.com/aniai-dev/st-util/internal/probe/fakeprobe"
)

func newV1Probe(t *testing.T) *fakeprobe.Probe {
	t.Helper()
	p := fakeprobe.New(probe.ChipInfo{CoreID: 0x410fc241})
	require.NoError(t, p.WriteDebug32(regFPCTRL, 6<<4)) // capacity=6, rev=0 (v1)
	return p
}

func TestInitDetectsV1Capacity(t *testing.T) {
	p := newV1Probe(t)
	tbl, err := Init(p)
	require.NoError(t, err)
	assert.Equal(t, RevisionV1, tbl.rev)
	assert.Equal(t, 6, tbl.capacity)
}

func TestSetRejectsOddAddress(t *testing.T) {
	tbl, err := Init(newV1Probe(t))
	require.NoError(t, err)
	assert.ErrorIs(t, tbl.Set(0x1001), ErrUnaligned)
}

func TestV1LowHighSubSlotSharing(t *testing.T) {
	tbl, err := Init(newV1Probe(t))
	require.NoError(t, err)

	require.NoError(t, tbl.Set(0x8000000)) // low half-word
	require.NoError(t, tbl.Set(0x8000002)) // high half-word, same word

	assert.True(t, tbl.Has(0x8000000))
	assert.True(t, tbl.Has(0x8000002))
	// Both addresses share one slot since they fall in the same word.
	used := 0
	for i := 0; i < tbl.capacity; i++ {
		if tbl.slots[i].kind != 0 {
			used++
		}
	}
	assert.Equal(t, 1, used)
}

func TestClearNonexistentIsNoop(t *testing.T) {
	tbl, err := Init(newV1Probe(t))
	require.NoError(t, err)
	assert.NoError(t, tbl.Clear(0x8000010))
}

func TestNoFreeSlot(t *testing.T) {
	p := fakeprobe.New(probe.ChipInfo{})
	require.NoError(t, p.WriteDebug32(regFPCTRL, 1<<4)) // capacity=1
	tbl, err := Init(p)
	require.NoError(t, err)

	require.NoError(t, tbl.Set(0x8000000))
	assert.ErrorIs(t, tbl.Set(0x8000100), ErrNoFreeSlot)
}

func TestV2UsesFullAddress(t *testing.T) {
	p := fakeprobe.New(probe.ChipInfo{})
	require.NoError(t, p.WriteDebug32(regFPCTRL, (1<<4)|(1<<28)))
	tbl, err := Init(p)
	require.NoError(t, err)
	assert.Equal(t, RevisionV2, tbl.rev)

	require.NoError(t, tbl.Set(0x8000002))
	assert.True(t, tbl.Has(0x8000002))
	assert.False(t, tbl.Has(0x8000000))

	// The programmed FP_COMP0 must carry the full, unmodified address:
	// a v2 REMAP breakpoint leaves bits 31:30 clear, unlike v1's
	// LOW/HIGH sub-slot bits which occupy that field.
	v, err := p.ReadDebug32(regFPCOMP0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x8000002)|1, v)
}

func TestM7UnlocksCoreSightLock(t *testing.T) {
	p := fakeprobe.New(probe.ChipInfo{CoreID: 0xC27 << 4})
	require.NoError(t, p.WriteDebug32(regFPCTRL, 4<<4))
	_, err := Init(p)
	require.NoError(t, err)

	v, err := p.ReadDebug32(lockAccess)
	require.NoError(t, err)
	assert.Equal(t, uint32(lockKey), v)
}
