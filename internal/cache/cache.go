// Package cache discovers Cortex-M7 cache geometry and keeps the
// I-cache/D-cache coherent with debugger-side memory writes (spec
// §4.5). Grounded on the original st-util's
// init_cache/cache_flush/cache_sync/cache_change.
package cache

import (
	"fmt"

	"github.com/aniai-dev/st-util/internal/probe"
)

const (
	regCLIDR   = 0xE000ED78
	regCTR     = 0xE000ED7C
	regCCSIDR  = 0xE000ED80
	regCSSELR  = 0xE000ED84
	regCCR     = 0xE000ED14
	regDCCSW   = 0xE000EF6C
	regICIALLU = 0xE000EF50

	ccrIC = 1 << 17
	ccrDC = 1 << 16
)

// Level describes one cache level's set/way geometry.
type Level struct {
	NSets     uint32
	NWays     uint32
	Log2NWays uint32
	Width     uint32 // 4 + LineSize encoding + ceil_log2(nsets)
}

// Desc is the per-attach cache descriptor of spec §3.
type Desc struct {
	p        probe.Probe
	Used     bool
	DminLine uint32
	IminLine uint32
	LoUU     uint32
	DCache   [7]Level
	ICache   [7]Level
	modified bool
}

// ceilLog2 returns the smallest r such that v <= (1<<r).
func ceilLog2(v uint32) uint32 {
	var r uint32
	for (uint32(1) << r) < v {
		r++
	}
	return r
}

// Init reads CTR/CLIDR/CCSIDR once per attach. If the target has no
// unified cache (CTR[31:29] != 0b100) Used is left false and nothing
// else is populated.
func Init(p probe.Probe) (*Desc, error) {
	ctr, err := p.ReadDebug32(regCTR)
	if err != nil {
		return nil, fmt.Errorf("%w: read CTR: %v", probe.ErrTargetIO, err)
	}
	d := &Desc{p: p}
	if ctr>>29 != 0x4 {
		return d, nil
	}
	d.Used = true
	d.DminLine = 4 << ((ctr >> 16) & 0xF)
	d.IminLine = 4 << (ctr & 0xF)

	clidr, err := p.ReadDebug32(regCLIDR)
	if err != nil {
		return nil, fmt.Errorf("%w: read CLIDR: %v", probe.ErrTargetIO, err)
	}
	d.LoUU = (clidr >> 27) & 7

	for i := 0; i < 7; i++ {
		ct := (clidr >> (3 * uint32(i))) & 0x7
		if ct == 2 || ct == 3 || ct == 4 {
			if err := p.WriteDebug32(regCSSELR, uint32(i)<<1); err != nil {
				return nil, fmt.Errorf("%w: select D-cache level %d: %v", probe.ErrTargetIO, i, err)
			}
			lvl, err := readLevel(p)
			if err != nil {
				return nil, err
			}
			d.DCache[i] = lvl
		}
		if ct == 1 || ct == 3 {
			if err := p.WriteDebug32(regCSSELR, (uint32(i)<<1)|1); err != nil {
				return nil, fmt.Errorf("%w: select I-cache level %d: %v", probe.ErrTargetIO, i, err)
			}
			lvl, err := readLevel(p)
			if err != nil {
				return nil, err
			}
			d.ICache[i] = lvl
		}
	}
	return d, nil
}

func readLevel(p probe.Probe) (Level, error) {
	ccsidr, err := p.ReadDebug32(regCCSIDR)
	if err != nil {
		return Level{}, fmt.Errorf("%w: read CCSIDR: %v", probe.ErrTargetIO, err)
	}
	nsets := ((ccsidr >> 13) & 0x3FFF) + 1
	nways := ((ccsidr >> 3) & 0x1FF) + 1
	return Level{
		NSets:     nsets,
		NWays:     nways,
		Log2NWays: ceilLog2(nways),
		Width:     4 + (ccsidr & 7) + ceilLog2(nsets),
	}, nil
}

// Change marks the cache dirty after a debugger memory write of len
// bytes; len == 0 is a no-op.
func (d *Desc) Change(length uint32) {
	if length == 0 {
		return
	}
	d.modified = true
}

// Sync flushes D-cache by set/way and invalidates I-cache if the
// cache was modified since the last sync. It MUST run before every
// transition from halt to run (continue, step, monitor resume,
// semihosting resume).
func (d *Desc) Sync() error {
	if !d.Used || !d.modified {
		return nil
	}
	d.modified = false

	ccr, err := d.p.ReadDebug32(regCCR)
	if err != nil {
		return fmt.Errorf("%w: read CCR: %v", probe.ErrTargetIO, err)
	}
	if ccr&ccrDC != 0 {
		for level := int(d.LoUU) - 1; level >= 0; level-- {
			desc := d.DCache[level]
			maxAddr := uint32(1) << desc.Width
			waySh := 32 - desc.Log2NWays
			for addr := uint32(level) << 1; addr < maxAddr; addr += d.DminLine {
				for way := uint32(0); way < desc.NWays; way++ {
					if err := d.p.WriteDebug32(regDCCSW, addr|(way<<waySh)); err != nil {
						return fmt.Errorf("%w: write DCCSW: %v", probe.ErrTargetIO, err)
					}
				}
			}
		}
	}
	if ccr&ccrIC != 0 {
		if err := d.p.WriteDebug32(regICIALLU, 0); err != nil {
			return fmt.Errorf("%w: write ICIALLU: %v", probe.ErrTargetIO, err)
		}
	}
	return nil
}
