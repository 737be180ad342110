package semihosting

import (
	"encoding/binary"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aniai-dev/st-util/internal/probe"
	"github.com/aniai-dev/st-util/internal/probe/fakeprobe"
)

func newHandler(t *testing.T) (*HostHandler, *fakeprobe.Probe, *os.File) {
	t.Helper()
	p := fakeprobe.New(probe.ChipInfo{})
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { r.Close(); w.Close() })
	return &HostHandler{P: p, Stdout: w, Stdin: r}, p, r
}

func TestSysWrite0ReadsCString(t *testing.T) {
	h, p, r := newHandler(t)
	msg := []byte("hi\x00\x00")
	require.NoError(t, p.WriteMem32(0x1000, msg))

	_, err := h.Call(sysWrite0, 0x1000)
	require.NoError(t, err)

	h.Stdout.Close()
	buf := make([]byte, 2)
	n, _ := r.Read(buf)
	assert.Equal(t, "hi", string(buf[:n]))
}

func TestSysWriteReadsBlockAndData(t *testing.T) {
	h, p, r := newHandler(t)
	const dataAddr = 0x2000
	require.NoError(t, p.WriteMem32(dataAddr, []byte("abc")))

	block := make([]byte, 12)
	binary.LittleEndian.PutUint32(block[0:4], 1) // fd (unused)
	binary.LittleEndian.PutUint32(block[4:8], dataAddr)
	binary.LittleEndian.PutUint32(block[8:12], 3)
	require.NoError(t, p.WriteMem32(0x1000, block))

	_, err := h.Call(sysWrite, 0x1000)
	require.NoError(t, err)

	h.Stdout.Close()
	buf := make([]byte, 3)
	n, _ := r.Read(buf)
	assert.Equal(t, "abc", string(buf[:n]))
}

func TestSysErrnoAndExit(t *testing.T) {
	h, _, _ := newHandler(t)
	v, err := h.Call(sysErrno, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), v)

	v, err = h.Call(sysExit, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), v)
}
