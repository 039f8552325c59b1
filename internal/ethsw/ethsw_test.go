package ethsw

import (
	"testing"

	"github.com/dynamips-go/dynamips/internal/nio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recvTransport is a minimal in-memory Transport used only to construct
// a *nio.NIO whose Send we can observe via a callback.
type recvTransport struct {
	sent [][]byte
}

func (t *recvTransport) Send(b []byte) error { t.sent = append(t.sent, append([]byte(nil), b...)); return nil }
func (t *recvTransport) Recv() ([]byte, error) { select {} }
func (t *recvTransport) Close() error           { return nil }

func newTestNIO(name string) (*nio.NIO, *recvTransport) {
	tr := &recvTransport{}
	return nio.New(nil, name, tr), tr
}

func frame(dst, src [6]byte) []byte {
	f := make([]byte, 18)
	copy(f[0:6], dst[:])
	copy(f[6:12], src[:])
	return f
}

func TestLearnAndFlood(t *testing.T) {
	s := New(nil)
	n1, t1 := newTestNIO("p1")
	n2, t2 := newTestNIO("p2")
	n3, t3 := newTestNIO("p3")
	s.AddPort(0, n1, ModeAccess, 10)
	s.AddPort(1, n2, ModeAccess, 10)
	s.AddPort(2, n3, ModeAccess, 10)

	broadcast := [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	srcA := [6]byte{0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA}
	s.Inject(0, frame(broadcast, srcA))

	require.Len(t, t2.sent, 1)
	require.Len(t, t3.sent, 1)
	assert.Empty(t, t1.sent)
}

func TestLearnedUnicastGoesToLearnedPortOnly(t *testing.T) {
	s := New(nil)
	n1, t1 := newTestNIO("p1")
	n2, t2 := newTestNIO("p2")
	n3, t3 := newTestNIO("p3")
	s.AddPort(0, n1, ModeAccess, 10)
	s.AddPort(1, n2, ModeAccess, 10)
	s.AddPort(2, n3, ModeAccess, 10)

	broadcast := [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	srcA := [6]byte{0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA}
	srcB := [6]byte{0xBB, 0xBB, 0xBB, 0xBB, 0xBB, 0xBB}

	s.Inject(0, frame(broadcast, srcA)) // learn AA on port 0
	t2.sent, t3.sent = nil, nil

	s.Inject(1, frame(srcA, srcB)) // unicast to AA from port 1
	require.Len(t, t1.sent, 1)
	assert.Empty(t, t2.sent)
	assert.Empty(t, t3.sent)
}

func TestTrunkSameVLANPassthroughStaysUntagged(t *testing.T) {
	s := New(nil)
	n1, _ := newTestNIO("p1")
	n2, t2 := newTestNIO("p2")
	s.AddPort(0, n1, ModeAccess, 10)
	s.AddPort(1, n2, ModeTrunk, 10) // native VLAN 10, same as the access port

	broadcast := [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	srcA := [6]byte{0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA}
	in := frame(broadcast, srcA)
	s.Inject(0, in)

	require.Len(t, t2.sent, 1)
	assert.Equal(t, in, t2.sent[0], "same-VLAN trunk must not re-tag an untagged frame")
}

func TestTrunkDifferentVLANGetsTagged(t *testing.T) {
	s := New(nil)
	n1, _ := newTestNIO("p1")
	n2, t2 := newTestNIO("p2")
	s.AddPort(0, n1, ModeAccess, 10)
	s.AddPort(1, n2, ModeTrunk, 20) // native VLAN 20, differs from the access port's VLAN 10

	broadcast := [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	srcA := [6]byte{0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA}
	s.Inject(0, frame(broadcast, srcA))

	require.Len(t, t2.sent, 1)
	out := t2.sent[0]
	require.True(t, len(out) >= 16)
	assert.Equal(t, byte(0x81), out[12])
	assert.Equal(t, byte(0x00), out[13])
	assert.Equal(t, uint16(10), (uint16(out[14])<<8|uint16(out[15]))&0x0FFF)
}

func TestISLIngressDecodesVLANFromHeader(t *testing.T) {
	s := New(nil)
	n1, _ := newTestNIO("p1")
	n2, _ := newTestNIO("p2")
	s.AddPort(0, n1, ModeISL, 0)
	s.AddPort(1, n2, ModeAccess, 30)

	inner := frame([6]byte{1, 1, 1, 1, 1, 1}, [6]byte{2, 2, 2, 2, 2, 2})
	isl := s.encodeISL(30, inner)
	s.Inject(0, isl)

	_, ok := s.lookup([6]byte{2, 2, 2, 2, 2, 2}, 30)
	assert.True(t, ok, "ISL ingress must learn the source MAC under the VLAN carried in the ISL header")
}

func TestISLEgressWrapsFrameInHeader(t *testing.T) {
	s := New(nil)
	n1, _ := newTestNIO("p1")
	n2, t2 := newTestNIO("p2")
	s.AddPort(0, n1, ModeAccess, 30)
	s.AddPort(1, n2, ModeISL, 0)

	broadcast := [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	srcA := [6]byte{0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA}
	s.Inject(0, frame(broadcast, srcA))

	require.Len(t, t2.sent, 1)
	out := t2.sent[0]
	require.True(t, len(out) > islHeaderLen+islTrailerLen)
	vlan := (uint16(out[20])<<8 | uint16(out[21])) >> 1
	assert.Equal(t, uint16(30), vlan)
}

func TestShortFrameDropped(t *testing.T) {
	s := New(nil)
	n1, t1 := newTestNIO("p1")
	n2, t2 := newTestNIO("p2")
	s.AddPort(0, n1, ModeAccess, 10)
	s.AddPort(1, n2, ModeAccess, 10)

	s.Inject(0, make([]byte, 10))
	assert.Empty(t, t1.sent)
	assert.Empty(t, t2.sent)
}
