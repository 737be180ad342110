package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aniai-dev/st-util/internal/probe"
	"github.com/aniai-dev/st-util/internal/probe/fakeprobe"
)

func TestInitUnusedWithoutUnifiedCache(t *testing.T) {
	p := fakeprobe.New(probe.ChipInfo{})
	require.NoError(t, p.WriteDebug32(regCTR, 0))
	d, err := Init(p)
	require.NoError(t, err)
	assert.False(t, d.Used)
}

func TestInitReadsGeometry(t *testing.T) {
	p := fakeprobe.New(probe.ChipInfo{})
	// CTR: format=0x4, DminLine log2words=4 (16 words -> 64 bytes), IminLine log2words=3.
	ctr := uint32(0x4)<<29 | uint32(4)<<16 | uint32(3)
	require.NoError(t, p.WriteDebug32(regCTR, ctr))
	// CLIDR: level 0 is unified data+instruction (ct=3), LoUU=1.
	clidr := uint32(3) | uint32(1)<<27
	require.NoError(t, p.WriteDebug32(regCLIDR, clidr))
	// CCSIDR: nsets-1=7 (8 sets), nways-1=1 (2 ways), line size field=0.
	ccsidr := uint32(7)<<13 | uint32(1)<<3
	require.NoError(t, p.WriteDebug32(regCCSIDR, ccsidr))

	d, err := Init(p)
	require.NoError(t, err)
	assert.True(t, d.Used)
	assert.Equal(t, uint32(64), d.DminLine)
	assert.Equal(t, uint32(1), d.LoUU)
	assert.Equal(t, uint32(8), d.DCache[0].NSets)
	assert.Equal(t, uint32(2), d.DCache[0].NWays)
}

func TestChangeMarksDirtyExceptZeroLength(t *testing.T) {
	d := &Desc{Used: true}
	d.Change(0)
	assert.False(t, d.modified)
	d.Change(4)
	assert.True(t, d.modified)
}

func TestSyncNoopWhenUnusedOrClean(t *testing.T) {
	p := fakeprobe.New(probe.ChipInfo{})
	d := &Desc{p: p, Used: false, modified: true}
	require.NoError(t, d.Sync())
	assert.True(t, d.modified) // Sync never touched it since Used is false

	d2 := &Desc{p: p, Used: true, modified: false}
	require.NoError(t, d2.Sync())
}

func TestSyncFlushesAndInvalidates(t *testing.T) {
	p := fakeprobe.New(probe.ChipInfo{})
	require.NoError(t, p.WriteDebug32(regCCR, ccrDC|ccrIC))

	d := &Desc{
		p:        p,
		Used:     true,
		modified: true,
		LoUU:     1,
		DminLine: 4,
		DCache:   [7]Level{{NSets: 1, NWays: 1, Log2NWays: 0, Width: 4}},
	}
	require.NoError(t, d.Sync())
	assert.False(t, d.modified)

	v, err := p.ReadDebug32(regICIALLU)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), v)
}
