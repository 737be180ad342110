package memorymap

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aniai-dev/st-util/internal/chip"
)

func TestBuildIncludesFlashAndRAM(t *testing.T) {
	d := chip.Descriptor{FlashSize: 0x40000, SRAMSize: 0x20000, FlashPageSize: 0x800}
	doc := Build(d)
	assert.True(t, strings.Contains(doc, `type="flash"`))
	assert.True(t, strings.Contains(doc, `length="0x40000"`))
	assert.True(t, strings.Contains(doc, `type="ram"`))
	assert.True(t, strings.Contains(doc, `blocksize">0x800<`))
}

func TestBuildOmitsSystemMemoryWhenZero(t *testing.T) {
	d := chip.Descriptor{FlashSize: 0x1000, SRAMSize: 0x1000}
	doc := Build(d)
	assert.False(t, strings.Contains(doc, `type="rom"`))
}

func TestSliceFinalChunk(t *testing.T) {
	doc := "0123456789"
	assert.Equal(t, "l56789", Slice(doc, 5, 100))
}

func TestSliceMoreRemains(t *testing.T) {
	doc := "0123456789"
	assert.Equal(t, "m01", Slice(doc, 0, 2))
}

func TestSliceOutOfRange(t *testing.T) {
	doc := "0123456789"
	assert.Equal(t, "l", Slice(doc, 20, 5))
}

// Features' regnums must match the IDs the session dispatcher actually
// uses for p/P commands (0x19..0x1F for the system regs, 0x20..0x3F
// for s0-s31, 0x40 for fpscr), or a real GDB client reading target.xml
// will request the wrong register.
func TestFeaturesSystemRegisterIDs(t *testing.T) {
	doc := Features()
	for name, regnum := range map[string]int{
		"xpsr":      25,
		"msp":       26,
		"psp":       27,
		"control":   28,
		"faultmask": 29,
		"basepri":   30,
		"primask":   31,
	} {
		want := `<reg name="` + name + `" bitsize="32" regnum="` + strconv.Itoa(regnum) + `"/>`
		assert.True(t, strings.Contains(doc, want), "missing or wrong regnum for %s: want %q", name, want)
	}
}

func TestFeaturesVFPBlockPopulated(t *testing.T) {
	doc := Features()
	assert.True(t, strings.Contains(doc, `<reg name="s0" bitsize="32" regnum="32" type="float"/>`))
	assert.True(t, strings.Contains(doc, `<reg name="s31" bitsize="32" regnum="63" type="float"/>`))
	assert.True(t, strings.Contains(doc, `<reg name="fpscr" bitsize="32" regnum="64"/>`))

	// the vfp feature carries exactly 32 float registers (s0-s31)
	vfpStart := strings.Index(doc, `org.gnu.gdb.arm.vfp`)
	assert.Equal(t, 32, strings.Count(doc[vfpStart:], `type="float"`))
}
