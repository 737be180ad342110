// Package session owns the GDB RSP session state machine: packet
// dispatch, the breakpoint/watchpoint tables, the flash staging
// buffer and the semihosting loop, composed against a probe.Probe
// (spec §4.1). Grounded on aykevl-emculator/gdb-rsp.go's gdbHandle
// dispatch loop, generalized from the teacher's toy register set and
// four-command surface to the full command set and register view
// spec.md §3/§4.1 name, and cross-checked against the original
// st-util's serve() for exact per-command semantics.
package session

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/aniai-dev/st-util/internal/breakpoint"
	"github.com/aniai-dev/st-util/internal/cache"
	"github.com/aniai-dev/st-util/internal/chip"
	"github.com/aniai-dev/st-util/internal/flashstage"
	"github.com/aniai-dev/st-util/internal/logging"
	"github.com/aniai-dev/st-util/internal/memorymap"
	"github.com/aniai-dev/st-util/internal/probe"
	"github.com/aniai-dev/st-util/internal/rsp"
	"github.com/aniai-dev/st-util/internal/semihosting"
	"github.com/aniai-dev/st-util/internal/watchpoint"
)

// ErrPrecondition marks a register word in a G packet that is not
// eight hex digits. Misaligned flash blocks, odd breakpoint addresses
// and exhausted slot tables are reported with the flashstage,
// breakpoint and watchpoint packages' own error values; out-of-range
// register ids are answered with E00 directly.
var ErrPrecondition = fmt.Errorf("session: precondition failed")

// Params are the connection parameters a session was opened with,
// retained so 'k' (kill) can close and reopen the probe in place.
type Params struct {
	Mode        probe.ConnectMode
	Serial      string
	FreqHz      uint32
	Persistent  bool
	Semihosting bool
}

// Config wires a session's collaborators.
type Config struct {
	Probe       probe.Probe
	Log         *logging.Logger
	Params      Params
	Semihosting semihosting.Handler
}

// Session is the one-per-client debug-session state of spec §3.
type Session struct {
	p      probe.Probe
	log    *logging.Logger
	params Params

	connectMode  probe.ConnectMode
	persistent   bool
	semihosting  bool
	attached     bool
	memoryMapXML string
	featuresXML  string

	bp     *breakpoint.Table
	wp     *watchpoint.Table
	flash  *flashstage.Staging
	cacheD *cache.Desc
	shand  semihosting.Handler

	closeOnce sync.Once
	closeErr  error
}

// New opens the probe and initializes all session state: connect,
// init BP/WP tables, init cache, build the memory map (spec §2's
// control flow up to the serve loop).
func New(cfg Config) (*Session, error) {
	if cfg.Log == nil {
		cfg.Log = logging.Default()
	}
	s := &Session{
		p:           cfg.Probe,
		log:         cfg.Log,
		params:      cfg.Params,
		connectMode: cfg.Params.Mode,
		persistent:  cfg.Params.Persistent,
		semihosting: cfg.Params.Semihosting,
		attached:    true,
		featuresXML: memorymap.Features(),
		shand:       cfg.Semihosting,
	}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) open() error {
	if err := s.p.Open(s.params.Serial, s.params.FreqHz); err != nil {
		return fmt.Errorf("probe open: %w", err)
	}
	if err := s.p.Connect(s.connectMode); err != nil {
		return fmt.Errorf("probe connect: %w", err)
	}
	if err := s.p.ForceDebug(); err != nil {
		return fmt.Errorf("probe force debug: %w", err)
	}

	bp, err := breakpoint.Init(s.p)
	if err != nil {
		return err
	}
	s.bp = bp

	wp, err := watchpoint.Init(s.p)
	if err != nil {
		return err
	}
	s.wp = wp

	cd, err := cache.Init(s.p)
	if err != nil {
		return err
	}
	s.cacheD = cd

	info, err := s.p.ChipInfo()
	if err != nil {
		return err
	}
	d := chip.Template(chip.FamilyFromChipID(info.ChipID))
	d.FlashSize = info.FlashSize
	d.SRAMSize = info.SRAMSize
	d.FlashPageSize = info.FlashPgSz
	s.memoryMapXML = memorymap.Build(d)

	s.flash = flashstage.New(s.p, func(msg string, kv ...any) { s.log.Warn(msg, kv...) })

	return nil
}

// Close releases the probe. It is safe to call more than once; only
// the first call's result is returned.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.p.Close()
	})
	return s.closeErr
}

// Outcome tells the serve loop what to do after Dispatch processed one
// packet: whether to write a reply (HasReply is false after 'k', which
// gets none), and whether to stop because a critical failure occurred.
type Outcome struct {
	Reply    string
	HasReply bool
	Critical bool // close the connection; outer loop may re-listen if persistent
}

// Dispatch handles one request packet and returns at most one reply,
// per spec §4.1. The ctx is used only to bound the semihosting poll
// loop inside 'c'; interrupted reports whether the client has sent a
// 0x03 byte since the last call (polled non-blockingly by the caller's
// transport layer).
func (s *Session) Dispatch(ctx context.Context, packet string, interrupted func() bool) Outcome {
	if packet == "" {
		return Outcome{Reply: "", HasReply: true}
	}

	switch packet[0] {
	case '?':
		if s.attached {
			return reply("S05")
		}
		return reply("OK")

	case '!':
		s.persistent = true
		return reply("OK")

	case 'g':
		return s.cmdReadAllRegs()

	case 'G':
		return s.cmdWriteAllRegs(packet)

	case 'p':
		return s.cmdReadReg(packet)

	case 'P':
		return s.cmdWriteReg(packet)

	case 'm':
		return s.cmdReadMem(packet)

	case 'M':
		return s.cmdWriteMem(packet)

	case 'c':
		return s.cmdContinue(ctx, interrupted)

	case 's':
		return s.cmdStep()

	case 'Z':
		return s.cmdInsert(packet)

	case 'z':
		return s.cmdRemove(packet)

	case 'R':
		return s.cmdReset()

	case 'k':
		return s.cmdKill()

	case 'q':
		return s.cmdQuery(packet)

	case 'v':
		return s.cmdV(packet)

	default:
		return reply("")
	}
}

// Persistent reports whether '!' has put the session into extended
// (re-acceptable) mode.
func (s *Session) Persistent() bool { return s.persistent }

func reply(payload string) Outcome { return Outcome{Reply: payload, HasReply: true} }

func errReply(code int) Outcome { return reply(fmt.Sprintf("E%02d", code)) }

func noReply() Outcome { return Outcome{HasReply: false} }

// --- register access -------------------------------------------------

func be32hex(v uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return hex.EncodeToString(b[:])
}

func parseBE32hex(s string) (uint32, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 4 {
		return 0, ErrPrecondition
	}
	return binary.BigEndian.Uint32(b), nil
}

func (s *Session) cmdReadAllRegs() Outcome {
	regs, err := s.p.ReadAllRegs()
	if err != nil {
		s.log.Debug("g: read_all_regs failed", "err", err)
		return errReply(0)
	}
	var b strings.Builder
	for i := 0; i < 16; i++ {
		b.WriteString(be32hex(regs.R[i]))
	}
	return reply(b.String())
}

func (s *Session) cmdWriteAllRegs(packet string) Outcome {
	body := packet[1:]
	if len(body) != 16*8 {
		return errReply(0)
	}
	for i := 0; i < 16; i++ {
		v, err := parseBE32hex(body[i*8 : i*8+8])
		if err != nil {
			return errReply(0)
		}
		if err := s.p.WriteReg(v, i); err != nil {
			s.log.Debug("G: write_reg failed", "i", i, "err", err)
			return errReply(0)
		}
	}
	return reply("OK")
}

// GDB register ids (spec §3) beyond r0-r15, as cmdReadReg/cmdWriteReg
// dispatch on them.
const (
	regXPSR      = 0x19
	regMSP       = 0x1A
	regPSP       = 0x1B
	regControl   = 0x1C
	regFaultmask = 0x1D
	regBasepri   = 0x1E
	regPrimask   = 0x1F
	regSLow      = 0x20
	regSHigh     = 0x3F
	regFPSCR     = 0x40
)

func (s *Session) cmdReadReg(packet string) Outcome {
	id64, err := strconv.ParseUint(packet[1:], 16, 32)
	if err != nil {
		return errReply(0)
	}
	id := uint32(id64)

	var v uint32
	switch {
	case id < 16:
		v, err = s.p.ReadReg(int(id))
	case id == regXPSR:
		v, err = s.p.ReadReg(16)
	case id == regMSP:
		v, err = s.p.ReadReg(17)
	case id == regPSP:
		v, err = s.p.ReadReg(18)
	case id == regControl || id == regFaultmask || id == regBasepri || id == regPrimask:
		v, err = s.p.ReadUnsupportedReg(int(id))
	case id >= regSLow && id <= regSHigh:
		v, err = s.p.ReadUnsupportedReg(int(id))
	case id == regFPSCR:
		v, err = s.p.ReadUnsupportedReg(int(id))
	default:
		return errReply(0)
	}
	if err != nil {
		s.log.Debug("p: read register failed", "id", id, "err", err)
		return errReply(0)
	}
	return reply(be32hex(v))
}

func (s *Session) cmdWriteReg(packet string) Outcome {
	eq := strings.IndexByte(packet, '=')
	if eq < 0 {
		return errReply(0)
	}
	id64, err := strconv.ParseUint(packet[1:eq], 16, 32)
	if err != nil {
		return errReply(0)
	}
	v, err := strconv.ParseUint(packet[eq+1:], 16, 32)
	if err != nil {
		return errReply(0)
	}
	id := uint32(id64)
	val := uint32(v)

	switch {
	case id < 16:
		err = s.p.WriteReg(val, int(id))
	case id == regXPSR:
		err = s.p.WriteReg(val, 16)
	case id == regMSP:
		err = s.p.WriteReg(val, 17)
	case id == regPSP:
		err = s.p.WriteReg(val, 18)
	case id == regControl || id == regFaultmask || id == regBasepri || id == regPrimask:
		err = s.p.WriteUnsupportedReg(val, int(id))
	case id >= regSLow && id <= regSHigh:
		err = s.p.WriteUnsupportedReg(val, int(id))
	case id == regFPSCR:
		err = s.p.WriteUnsupportedReg(val, int(id))
	default:
		return errReply(0)
	}
	if err != nil {
		s.log.Debug("P: write register failed", "id", id, "err", err)
		return errReply(0)
	}
	return reply("OK")
}

// --- memory access -----------------------------------------------------

const maxReadChunk = 0x1800

func (s *Session) cmdReadMem(packet string) Outcome {
	parts := strings.SplitN(packet[1:], ",", 2)
	if len(parts) != 2 {
		return errReply(0)
	}
	addr64, err1 := strconv.ParseUint(parts[0], 16, 32)
	count64, err2 := strconv.ParseUint(parts[1], 16, 32)
	if err1 != nil || err2 != nil {
		return errReply(0)
	}
	start := uint32(addr64)
	count := uint32(count64)

	adjStart := start % 4
	countRnd := (count + adjStart + 3) / 4 * 4

	pageSize, err := s.p.CalculatePageSize(start)
	if err == nil && pageSize != 0 && countRnd > pageSize {
		countRnd = pageSize
	}
	if countRnd > maxReadChunk {
		countRnd = maxReadChunk
	}
	if countRnd < count {
		count = countRnd
	}

	buf := make([]byte, countRnd)
	if err := s.p.ReadMem32(start-adjStart, buf); err != nil {
		s.log.Debug("m: read_mem32 failed", "addr", start, "err", err)
		return reply("")
	}
	return reply(hex.EncodeToString(buf[adjStart : adjStart+count]))
}

func (s *Session) cmdWriteMem(packet string) Outcome {
	colon := strings.IndexByte(packet, ':')
	if colon < 0 {
		return errReply(0)
	}
	header := packet[1:colon]
	hexdata := packet[colon+1:]
	parts := strings.SplitN(header, ",", 2)
	if len(parts) != 2 {
		return errReply(0)
	}
	addr64, err1 := strconv.ParseUint(parts[0], 16, 32)
	count64, err2 := strconv.ParseUint(parts[1], 16, 32)
	if err1 != nil || err2 != nil {
		return errReply(0)
	}
	data, err := hex.DecodeString(hexdata)
	if err != nil || uint64(len(data)) != count64 {
		return errReply(0)
	}
	start := uint32(addr64)
	count := uint32(count64)
	var failed bool

	if start%4 != 0 {
		alignCount := 4 - start%4
		if alignCount > count {
			alignCount = count
		}
		if err := s.p.WriteMem8(start, data[:alignCount]); err != nil {
			s.log.Debug("M: write_mem8 (head) failed", "err", err)
			failed = true
		}
		s.cacheD.Change(alignCount)
		start += alignCount
		count -= alignCount
		data = data[alignCount:]
	}

	if aligned := count - count%4; aligned > 0 {
		if err := s.p.WriteMem32(start, data[:aligned]); err != nil {
			s.log.Debug("M: write_mem32 failed", "err", err)
			failed = true
		}
		s.cacheD.Change(aligned)
		start += aligned
		count -= aligned
		data = data[aligned:]
	}

	if count > 0 {
		if err := s.p.WriteMem8(start, data[:count]); err != nil {
			s.log.Debug("M: write_mem8 (tail) failed", "err", err)
			failed = true
		}
		s.cacheD.Change(count)
	}

	if failed {
		return errReply(0)
	}
	return reply("OK")
}

// --- breakpoints / watchpoints ------------------------------------------

func (s *Session) cmdInsert(packet string) Outcome {
	if len(packet) < 2 {
		return errReply(0)
	}
	kind := packet[1]
	addr, length, ok := parseZTriplet(packet)
	if !ok {
		return errReply(0)
	}

	switch kind {
	case '1':
		if err := s.bp.Set(addr); err != nil {
			s.log.Debug("Z1: set failed", "addr", addr, "err", err)
			return errReply(0)
		}
		return reply("OK")
	case '2', '3', '4':
		fn := watchFunc(kind)
		if err := s.wp.Set(fn, addr, length); err != nil {
			s.log.Debug("Z: watchpoint set failed", "addr", addr, "err", err)
			return errReply(0)
		}
		return reply("OK")
	default:
		return reply("")
	}
}

func (s *Session) cmdRemove(packet string) Outcome {
	if len(packet) < 2 {
		return errReply(0)
	}
	kind := packet[1]
	addr, _, ok := parseZTriplet(packet)
	if !ok {
		return errReply(0)
	}

	switch kind {
	case '1':
		if err := s.bp.Clear(addr); err != nil {
			s.log.Debug("z1: clear failed", "addr", addr, "err", err)
			return errReply(0)
		}
		return reply("OK")
	case '2', '3', '4':
		if err := s.wp.Clear(addr); err != nil {
			s.log.Debug("z: watchpoint clear failed", "addr", addr, "err", err)
			return errReply(0)
		}
		return reply("OK")
	default:
		return reply("")
	}
}

func watchFunc(kind byte) watchpoint.Function {
	switch kind {
	case '2':
		return watchpoint.FuncWrite
	case '3':
		return watchpoint.FuncRead
	default:
		return watchpoint.FuncAccess
	}
}

// parseZTriplet parses the ",<addr>,<len>" tail (packet[2:]) of a
// Z/z packet; the kind is packet[1] and is read by the caller.
func parseZTriplet(packet string) (addr, length uint32, ok bool) {
	if len(packet) < 3 || packet[2] != ',' {
		return 0, 0, false
	}
	rest := packet[3:]
	parts := strings.SplitN(rest, ",", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	a, err1 := strconv.ParseUint(parts[0], 16, 32)
	l, err2 := strconv.ParseUint(parts[1], 16, 32)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return uint32(a), uint32(l), true
}

// --- run control ---------------------------------------------------------

func (s *Session) cmdContinue(ctx context.Context, interrupted func() bool) Outcome {
	if err := s.cacheD.Sync(); err != nil {
		s.log.Debug("c: cache sync failed", "err", err)
	}
	if err := s.p.Run(true); err != nil {
		s.log.Debug("c: run failed", "err", err)
		return errReply(0)
	}

	var handler semihosting.Handler = s.shand
	if handler == nil {
		handler = noopSemihostHandler{}
	}
	_, err := semihosting.Run(ctx, s.p, s.cacheD, s.bp, handler, s.semihosting, interrupted)
	if err != nil {
		s.log.Debug("c: trap loop error", "err", err)
	}
	return reply("S05")
}

type noopSemihostHandler struct{}

func (noopSemihostHandler) Call(r0, r1 uint32) (uint32, error) { return r0, nil }

func (s *Session) cmdStep() Outcome {
	if err := s.cacheD.Sync(); err != nil {
		s.log.Debug("s: cache sync failed", "err", err)
	}
	if err := s.p.Step(); err != nil {
		s.log.Error("s: step failed, closing session", "err", err)
		return Outcome{Critical: true}
	}
	return reply("S05")
}

func (s *Session) cmdReset() Outcome {
	if err := s.p.Reset(false, true); err != nil {
		s.log.Debug("R: reset failed", "err", err)
	}
	if bp, err := breakpoint.Init(s.p); err == nil {
		s.bp = bp
	}
	if wp, err := watchpoint.Init(s.p); err == nil {
		s.wp = wp
	}
	s.attached = true
	return reply("OK")
}

func (s *Session) cmdKill() Outcome {
	if err := s.p.Run(true); err != nil {
		s.log.Debug("k: run (normal) failed", "err", err)
	}
	if err := s.p.ExitDebugMode(); err != nil {
		s.log.Debug("k: exit debug mode failed", "err", err)
	}
	_ = s.p.Close()

	if err := s.open(); err != nil {
		s.log.Error("k: reopen failed, closing session", "err", err)
		return Outcome{Critical: true}
	}
	return noReply()
}

// --- queries ---------------------------------------------------------------

func (s *Session) cmdQuery(packet string) Outcome {
	if len(packet) >= 2 && (packet[1] == 'P' || packet[1] == 'C' || packet[1] == 'L') {
		return reply("")
	}

	switch {
	case strings.HasPrefix(packet, "qSupported"):
		return reply("PacketSize=3fff;qXfer:memory-map:read+;qXfer:features:read+")

	case strings.HasPrefix(packet, "qXfer:"):
		return s.cmdQXfer(packet)

	case strings.HasPrefix(packet, "qRcmd,"):
		return s.cmdMonitor(packet)

	default:
		return reply("")
	}
}

func (s *Session) cmdQXfer(packet string) Outcome {
	rest := packet[len("qXfer:"):]
	parts := strings.SplitN(rest, ":", 4)
	if len(parts) != 4 {
		return reply("")
	}
	typ, op, _, offLen := parts[0], parts[1], parts[2], parts[3]
	if op != "read" {
		return reply("")
	}
	addrLen := strings.SplitN(offLen, ",", 2)
	if len(addrLen) != 2 {
		return reply("")
	}
	addr64, err1 := strconv.ParseUint(addrLen[0], 16, 32)
	length64, err2 := strconv.ParseUint(addrLen[1], 16, 32)
	if err1 != nil || err2 != nil {
		return reply("")
	}

	var doc string
	switch typ {
	case "memory-map":
		doc = s.memoryMapXML
	case "features":
		doc = s.featuresXML
	default:
		return reply("")
	}
	return reply(memorymap.Slice(doc, int(addr64), int(length64)))
}

func (s *Session) cmdMonitor(packet string) Outcome {
	const prefix = "qRcmd,"
	hexArg := packet[len(prefix):]
	raw, err := hex.DecodeString(hexArg)
	if err != nil {
		return reply("")
	}
	cmd := string(raw)

	switch {
	case strings.HasPrefix(cmd, "resume"):
		if err := s.cacheD.Sync(); err != nil {
			s.log.Debug("monitor resume: cache sync failed", "err", err)
		}
		if err := s.p.Run(true); err != nil {
			return reply("E00")
		}
		return reply("OK")

	case strings.HasPrefix(cmd, "halt"):
		if err := s.p.ForceDebug(); err != nil {
			return reply("E00")
		}
		return reply("OK")

	case strings.HasPrefix(cmd, "jtag_reset"):
		if err := s.p.Reset(true, false); err != nil {
			return reply("E00")
		}
		return reply("OK")

	case strings.HasPrefix(cmd, "reset"):
		if err := s.p.ForceDebug(); err != nil {
			return reply("E00")
		}
		if err := s.p.Reset(false, true); err != nil {
			return reply("E00")
		}
		if bp, err := breakpoint.Init(s.p); err == nil {
			s.bp = bp
		}
		if wp, err := watchpoint.Init(s.p); err == nil {
			s.wp = wp
		}
		return reply("OK")

	case strings.HasPrefix(cmd, "semihosting "):
		arg := strings.TrimSpace(strings.TrimPrefix(cmd, "semihosting "))
		switch {
		case strings.HasPrefix(arg, "enable") || strings.HasPrefix(arg, "1"):
			s.semihosting = true
			return reply("OK")
		case strings.HasPrefix(arg, "disable") || strings.HasPrefix(arg, "0"):
			s.semihosting = false
			return reply("OK")
		default:
			return reply("")
		}

	default:
		return reply("")
	}
}

// --- v commands --------------------------------------------------------------

func (s *Session) cmdV(packet string) Outcome {
	switch {
	case strings.HasPrefix(packet, "vFlashErase:"):
		rest := packet[len("vFlashErase:"):]
		parts := strings.SplitN(rest, ",", 2)
		if len(parts) != 2 {
			return errReply(0)
		}
		addr, err1 := strconv.ParseUint(parts[0], 16, 32)
		length, err2 := strconv.ParseUint(parts[1], 16, 32)
		if err1 != nil || err2 != nil {
			return errReply(0)
		}
		if err := s.flash.AddBlock(uint32(addr), uint32(length)); err != nil {
			s.log.Debug("vFlashErase failed", "err", err)
			return errReply(0)
		}
		return reply("OK")

	case strings.HasPrefix(packet, "vFlashWrite:"):
		rest := packet[len("vFlashWrite:"):]
		colon := strings.IndexByte(rest, ':')
		if colon < 0 {
			return errReply(0)
		}
		addr, err := strconv.ParseUint(rest[:colon], 16, 32)
		if err != nil {
			return errReply(0)
		}
		payload := rsp.UnescapeBinary([]byte(rest[colon+1:]))
		if len(payload)%2 != 0 {
			payload = append(payload, 0)
		}
		if err := s.flash.Populate(uint32(addr), payload); err != nil {
			s.log.Debug("vFlashWrite failed", "err", err)
			return errReply(0)
		}
		return reply("OK")

	case packet == "vFlashDone":
		if err := s.flash.Commit(s.connectMode); err != nil {
			s.log.Error("vFlashDone failed", "err", err)
			return errReply(8)
		}
		return reply("OK")

	case packet == "vKill":
		s.attached = false
		return reply("OK")

	default:
		return reply("")
	}
}
