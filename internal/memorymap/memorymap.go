// Package memorymap produces the XML documents GDB requests via
// qXfer:memory-map:read and qXfer:features:read (spec §4.7). Grounded
// on aykevl-emculator/gdb-rsp.go's gdbAnnexMemoryMap/gdbAnnexTarget
// templates, generalized from a single fixed layout to the chip
// descriptor's flash/sram/system-memory fields.
package memorymap

import (
	"fmt"
	"strings"

	"github.com/aniai-dev/st-util/internal/chip"
)

// Build assembles the <memory-map> document for one connected chip.
// It is a pure function of the descriptor, cached by the session for
// the life of the connection.
func Build(d chip.Descriptor) string {
	var b strings.Builder
	b.WriteString("<?xml version=\"1.0\"?>\n")
	b.WriteString("<!DOCTYPE memory-map PUBLIC \"+//IDN gnu.org//DTD GDB Memory Map V1.0//EN\" \"http://sourceware.org/gdb/gdb-memory-map.dtd\">\n")
	b.WriteString("<memory-map>\n")
	fmt.Fprintf(&b, "<memory type=\"flash\" start=\"0x08000000\" length=\"0x%x\">\n", d.FlashSize)
	fmt.Fprintf(&b, "<property name=\"blocksize\">0x%x</property>\n", d.FlashPageSize)
	b.WriteString("</memory>\n")
	fmt.Fprintf(&b, "<memory type=\"ram\" start=\"0x20000000\" length=\"0x%x\"/>\n", d.SRAMSize)
	if d.SysSize != 0 {
		fmt.Fprintf(&b, "<memory type=\"rom\" start=\"0x%x\" length=\"0x%x\"/>\n", d.SysBase, d.SysSize)
	}
	b.WriteString("</memory-map>\n")
	return b.String()
}

// targetXML is the GDB register map for the ARM Cortex-M core plus
// the extended register set the session exposes (spec §3's register
// view): r0-r15, then the system and FP register banks.
const targetXML = `<?xml version="1.0"?>
<!DOCTYPE target SYSTEM "gdb-target.dtd">
<target version="1.0">
<feature name="org.gnu.gdb.arm.m-profile">
<reg name="r0" bitsize="32" regnum="0"/>
<reg name="r1" bitsize="32" regnum="1"/>
<reg name="r2" bitsize="32" regnum="2"/>
<reg name="r3" bitsize="32" regnum="3"/>
<reg name="r4" bitsize="32" regnum="4"/>
<reg name="r5" bitsize="32" regnum="5"/>
<reg name="r6" bitsize="32" regnum="6"/>
<reg name="r7" bitsize="32" regnum="7"/>
<reg name="r8" bitsize="32" regnum="8"/>
<reg name="r9" bitsize="32" regnum="9"/>
<reg name="r10" bitsize="32" regnum="10"/>
<reg name="r11" bitsize="32" regnum="11"/>
<reg name="r12" bitsize="32" regnum="12"/>
<reg name="sp" bitsize="32" regnum="13" type="data_ptr"/>
<reg name="lr" bitsize="32" regnum="14"/>
<reg name="pc" bitsize="32" regnum="15" type="code_ptr"/>
<reg name="xpsr" bitsize="32" regnum="25"/>
<reg name="msp" bitsize="32" regnum="26"/>
<reg name="psp" bitsize="32" regnum="27"/>
<reg name="control" bitsize="32" regnum="28"/>
<reg name="faultmask" bitsize="32" regnum="29"/>
<reg name="basepri" bitsize="32" regnum="30"/>
<reg name="primask" bitsize="32" regnum="31"/>
</feature>
<feature name="org.gnu.gdb.arm.vfp">
<reg name="s0" bitsize="32" regnum="32" type="float"/>
<reg name="s1" bitsize="32" regnum="33" type="float"/>
<reg name="s2" bitsize="32" regnum="34" type="float"/>
<reg name="s3" bitsize="32" regnum="35" type="float"/>
<reg name="s4" bitsize="32" regnum="36" type="float"/>
<reg name="s5" bitsize="32" regnum="37" type="float"/>
<reg name="s6" bitsize="32" regnum="38" type="float"/>
<reg name="s7" bitsize="32" regnum="39" type="float"/>
<reg name="s8" bitsize="32" regnum="40" type="float"/>
<reg name="s9" bitsize="32" regnum="41" type="float"/>
<reg name="s10" bitsize="32" regnum="42" type="float"/>
<reg name="s11" bitsize="32" regnum="43" type="float"/>
<reg name="s12" bitsize="32" regnum="44" type="float"/>
<reg name="s13" bitsize="32" regnum="45" type="float"/>
<reg name="s14" bitsize="32" regnum="46" type="float"/>
<reg name="s15" bitsize="32" regnum="47" type="float"/>
<reg name="s16" bitsize="32" regnum="48" type="float"/>
<reg name="s17" bitsize="32" regnum="49" type="float"/>
<reg name="s18" bitsize="32" regnum="50" type="float"/>
<reg name="s19" bitsize="32" regnum="51" type="float"/>
<reg name="s20" bitsize="32" regnum="52" type="float"/>
<reg name="s21" bitsize="32" regnum="53" type="float"/>
<reg name="s22" bitsize="32" regnum="54" type="float"/>
<reg name="s23" bitsize="32" regnum="55" type="float"/>
<reg name="s24" bitsize="32" regnum="56" type="float"/>
<reg name="s25" bitsize="32" regnum="57" type="float"/>
<reg name="s26" bitsize="32" regnum="58" type="float"/>
<reg name="s27" bitsize="32" regnum="59" type="float"/>
<reg name="s28" bitsize="32" regnum="60" type="float"/>
<reg name="s29" bitsize="32" regnum="61" type="float"/>
<reg name="s30" bitsize="32" regnum="62" type="float"/>
<reg name="s31" bitsize="32" regnum="63" type="float"/>
<reg name="fpscr" bitsize="32" regnum="64"/>
</feature>
</target>
`

// Features returns the target.xml document.
func Features() string { return targetXML }

// Slice implements the qXfer chunking rule: return the bytes in
// [addr, addr+length) of doc, prefixed with 'm' if more remains or
// 'l' if this is the final chunk (including an empty remainder).
func Slice(doc string, addr, length int) string {
	if addr < 0 || addr > len(doc) {
		return "l"
	}
	end := addr + length
	if end > len(doc) {
		end = len(doc)
	}
	chunk := doc[addr:end]
	if end >= len(doc) {
		return "l" + chunk
	}
	return "m" + chunk
}
