package rsp

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type loopback struct {
	in  *bytes.Buffer
	out *bytes.Buffer
}

func (l *loopback) Read(p []byte) (int, error)  { return l.in.Read(p) }
func (l *loopback) Write(p []byte) (int, error) { return l.out.Write(p) }

func framed(payload string) string {
	var sum byte
	for i := 0; i < len(payload); i++ {
		sum += payload[i]
	}
	return fmt.Sprintf("$%s#%02x", payload, sum)
}

func TestReadPacketAcksValidFrame(t *testing.T) {
	lb := &loopback{in: bytes.NewBufferString(framed("qSupported")), out: &bytes.Buffer{}}
	c := NewConn(lb)

	payload, err := c.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, "qSupported", payload)
	assert.Equal(t, "+", lb.out.String())
}

func TestReadPacketNaksBadChecksum(t *testing.T) {
	lb := &loopback{in: bytes.NewBufferString("$qSupported#00"), out: &bytes.Buffer{}}
	c := NewConn(lb)

	_, err := c.ReadPacket()
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Equal(t, "-", lb.out.String())
}

func TestReadPacketNoAckSuppressesAck(t *testing.T) {
	lb := &loopback{in: bytes.NewBufferString(framed("g")), out: &bytes.Buffer{}}
	c := NewConn(lb)
	c.SetNoAck(true)

	_, err := c.ReadPacket()
	require.NoError(t, err)
	assert.Empty(t, lb.out.String())
}

func TestReadPacketReturnsInterruptByte(t *testing.T) {
	lb := &loopback{in: bytes.NewBufferString("\x03"), out: &bytes.Buffer{}}
	c := NewConn(lb)

	payload, err := c.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, "\x03", payload)
}

func TestWritePacketFrames(t *testing.T) {
	lb := &loopback{in: &bytes.Buffer{}, out: &bytes.Buffer{}}
	c := NewConn(lb)
	require.NoError(t, c.WritePacket("OK"))
	assert.Equal(t, framed("OK"), lb.out.String())
}

func TestUnescapeRunLength(t *testing.T) {
	// 'a' followed by a run-length marker meaning "4 total": count-char = 4+29 = 33 = '!'.
	raw := []byte("a*!")
	got := unescapeRunLength(raw)
	assert.Equal(t, "aaaa", string(got))
}

func TestUnescapeBinary(t *testing.T) {
	// 0x7d escapes the next byte, stored XORed with 0x20.
	data := []byte{0x01, 0x7d, 0x03 ^ 0x20, 0x02}
	got := UnescapeBinary(data)
	assert.Equal(t, []byte{0x01, 0x03, 0x02}, got)
}
