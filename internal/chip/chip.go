// Package chip holds the small per-family template table the memory
// map assembler fills in from a connected probe's reported chip ID.
// Real chip-ID-to-family lookup tables are out of scope (spec §1,
// "chip identification tables... per-family memory-map templates" is
// an external collaborator's job); this package carries just enough
// data to exercise the families spec §4.7 names.
package chip

// Family identifies one of the per-family memory-map templates.
type Family int

const (
	FamilyGeneric Family = iota
	FamilySTM32F2
	FamilySTM32F4
	FamilySTM32F7
	FamilySTM32H7
	FamilySTM32L4
)

// Descriptor is the set of fields the memory-map assembler needs.
type Descriptor struct {
	Family        Family
	FlashSize     uint32
	SRAMSize      uint32
	FlashPageSize uint32
	SysBase       uint32
	SysSize       uint32
}

// templates mirrors the handful of per-family defaults the original
// st-util's memory map code carries (system-memory bootloader window
// location varies by family; flash/sram size always comes from the
// probe's own chip descriptor at runtime and is not hard-coded here).
var templates = map[Family]Descriptor{
	FamilySTM32F2: {Family: FamilySTM32F2, SysBase: 0x1FFF0000, SysSize: 0x7800},
	FamilySTM32F4: {Family: FamilySTM32F4, SysBase: 0x1FFF0000, SysSize: 0x7800},
	FamilySTM32F7: {Family: FamilySTM32F7, SysBase: 0x1FF00000, SysSize: 0xEDC0},
	FamilySTM32H7: {Family: FamilySTM32H7, SysBase: 0x1FF00000, SysSize: 0x20000},
	FamilySTM32L4: {Family: FamilySTM32L4, SysBase: 0x1FFF0000, SysSize: 0x7000},
	FamilyGeneric: {Family: FamilyGeneric, SysBase: 0, SysSize: 0},
}

// FamilyFromChipID maps a probe-reported chip_id to a Family. Unknown
// IDs fall back to FamilyGeneric, which has no system-memory window.
func FamilyFromChipID(chipID uint32) Family {
	switch chipID & 0xFFF {
	case 0x411, 0x419:
		return FamilySTM32F2
	case 0x413, 0x421, 0x423, 0x433, 0x458, 0x463:
		return FamilySTM32F4
	case 0x449, 0x451, 0x452:
		return FamilySTM32F7
	case 0x450, 0x480:
		return FamilySTM32H7
	case 0x435, 0x462, 0x464, 0x470, 0x471:
		return FamilySTM32L4
	default:
		return FamilyGeneric
	}
}

// Template returns the static portion of the descriptor for family;
// callers fill in FlashSize/SRAMSize/FlashPageSize from the live probe.
func Template(f Family) Descriptor {
	return templates[f]
}
