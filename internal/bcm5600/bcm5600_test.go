package bcm5600

import (
	"testing"

	"github.com/dynamips-go/dynamips/internal/memmap"
	"github.com/dynamips-go/dynamips/internal/nio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recvTransport is a minimal in-memory Transport used only to construct
// a *nio.NIO whose Send we can observe.
type recvTransport struct {
	sent [][]byte
}

func (t *recvTransport) Send(b []byte) error {
	t.sent = append(t.sent, append([]byte(nil), b...))
	return nil
}
func (t *recvTransport) Recv() ([]byte, error) { select {} }
func (t *recvTransport) Close() error          { return nil }

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

func rw(t *testing.T, s *Switch, offset uint64, op memmap.Op, v uint64) uint64 {
	t.Helper()
	data := v
	_, err := s.access(nil, offset, 4, op, &data)
	require.NoError(t, err)
	return data
}

func TestMIIRegistersSeededWithFixedPHYID(t *testing.T) {
	s := New(nil)
	assert.Equal(t, uint64(0x0143), rw(t, s, regMIIBase+2*4, memmap.OpRead, 0))
	assert.Equal(t, uint64(0x0BB0), rw(t, s, regMIIBase+3*4, memmap.OpRead, 0))
}

func TestSChanARLInsertThenLookup(t *testing.T) {
	s := New(nil)

	mac := [6]byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	rw(t, s, regSchanData, memmap.OpWrite, opARLInsert)
	rw(t, s, regSchanData+1*4, memmap.OpWrite,
		uint64(mac[0])<<24|uint64(mac[1])<<16|uint64(mac[2])<<8|uint64(mac[3]))
	rw(t, s, regSchanData+2*4, memmap.OpWrite,
		uint64(mac[4])<<24|uint64(mac[5])<<16|uint64(10)) // vlan 10
	rw(t, s, regSchanData+3*4, memmap.OpWrite, 5) // port 5
	rw(t, s, regSchanCmd, memmap.OpWrite, schanEXEC)

	assert.Equal(t, uint64(0x00008002), rw(t, s, regSchanCmd, memmap.OpRead, 0))

	port, ok := s.arlLookup(mac, 10)
	require.True(t, ok)
	assert.Equal(t, uint8(5), port)
}

func TestSChanReadWriteReg(t *testing.T) {
	s := New(nil)

	rw(t, s, regSchanData, memmap.OpWrite, opWriteReg)
	rw(t, s, regSchanData+1*4, memmap.OpWrite, 42)
	rw(t, s, regSchanData+2*4, memmap.OpWrite, 0xCAFEBABE)
	rw(t, s, regSchanCmd, memmap.OpWrite, schanEXEC)

	rw(t, s, regSchanData, memmap.OpWrite, opReadReg)
	rw(t, s, regSchanData+1*4, memmap.OpWrite, 42)
	rw(t, s, regSchanCmd, memmap.OpWrite, schanEXEC)

	assert.Equal(t, uint64(0xCAFEBABE), rw(t, s, regSchanData+2*4, memmap.OpRead, 0))
}

func TestIngressLearnsAndFloodsUnknownUnicast(t *testing.T) {
	s := New(nil)
	n0, _ := newTestNIO("p0")
	n1, t1 := newTestNIO("p1")
	n2, t2 := newTestNIO("p2")
	s.AttachPort(0, n0, 10)
	s.AttachPort(1, n1, 10)
	s.AttachPort(2, n2, 10)

	src := [6]byte{1, 2, 3, 4, 5, 6}
	dst := [6]byte{8, 9, 9, 9, 9, 9} // even first byte: unicast, unlearned
	s.Ingress(0, frame(dst, src))

	assert.Len(t, t1.sent, 1)
	assert.Len(t, t2.sent, 1)

	_, learned := s.arlLookup(src, 10)
	assert.True(t, learned)
}

func TestIngressUnicastGoesOnlyToLearnedPort(t *testing.T) {
	s := New(nil)
	n0, _ := newTestNIO("p0")
	n1, t1 := newTestNIO("p1")
	n2, t2 := newTestNIO("p2")
	s.AttachPort(0, n0, 10)
	s.AttachPort(1, n1, 10)
	s.AttachPort(2, n2, 10)

	macA := [6]byte{2, 1, 1, 1, 1, 1} // even first byte: unicast
	macB := [6]byte{2, 2, 2, 2, 2, 2}
	s.Ingress(1, frame([6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, macA)) // learn A on port1; floods to ports 0,2
	s.Ingress(0, frame(macA, macB))                                       // unicast to the now-learned A, forwarded to port1 only

	assert.Len(t, t1.sent, 1) // the unicast only; port1 was the ingress port for the broadcast, so excluded from that flood
	assert.Len(t, t2.sent, 1) // only the initial broadcast
}

func TestIngressRejectsNonVLANMember(t *testing.T) {
	s := New(nil)
	n0, _ := newTestNIO("p0")
	n1, t1 := newTestNIO("p1")
	s.AttachPort(0, n0, 10)
	s.AttachPort(1, n1, 20) // different VLAN

	s.Ingress(0, frame([6]byte{9, 9, 9, 9, 9, 9}, [6]byte{1, 1, 1, 1, 1, 1}))
	assert.Empty(t, t1.sent)
}

func TestIngressMirrorsToDestPort(t *testing.T) {
	s := New(nil)
	n0, _ := newTestNIO("p0")
	n1, t1 := newTestNIO("p1")
	n2, tMirror := newTestNIO("p2")
	s.AttachPort(0, n0, 10)
	s.AttachPort(1, n1, 10)
	s.AttachPort(2, n2, 10)

	s.ports[0].mirrorIn = true
	s.mirrorEnabled = true
	s.mirrorDestPort = 2

	// Unknown unicast (even first byte of dst): floods to ports 1,2 and
	// additionally mirrors to port 2, so port 2 sees it twice.
	s.Ingress(0, frame([6]byte{8, 9, 9, 9, 9, 9}, [6]byte{1, 1, 1, 1, 1, 1}))
	assert.Len(t, tMirror.sent, 2)
	assert.Len(t, t1.sent, 1)
}

func TestAgeingPurgesUnhitDynamicEntries(t *testing.T) {
	s := New(nil)
	n0, _ := newTestNIO("p0")
	n1, _ := newTestNIO("p1")
	s.AttachPort(0, n0, 10)
	s.AttachPort(1, n1, 10)

	src := [6]byte{1, 2, 3, 4, 5, 6}
	s.Ingress(0, frame([6]byte{9, 9, 9, 9, 9, 9}, src))
	require.Len(t, s.arl, 1)
	require.True(t, s.arl[0].hit, "learning sets the hit bit")

	s.Age() // first pass: hit bit was set by the learn above, so it survives and clears
	require.Len(t, s.arl, 1)
	assert.False(t, s.arl[0].hit)

	s.Age() // second pass without any intervening traffic: purged
	_, ok := s.arlLookup(src, 10)
	assert.False(t, ok)
}

func TestAgeingKeepsStaticEntries(t *testing.T) {
	s := New(nil)
	mac := [6]byte{7, 7, 7, 7, 7, 7}
	s.arlInsert(mac, 10, 3, true)

	s.Age()
	s.Age()
	s.Age()

	port, ok := s.arlLookup(mac, 10)
	require.True(t, ok)
	assert.Equal(t, uint8(3), port)
}

func TestMulticastIngressUsesMARLWhenKnown(t *testing.T) {
	s := New(nil)
	n0, _ := newTestNIO("p0")
	n1, t1 := newTestNIO("p1")
	n2, t2 := newTestNIO("p2")
	s.AttachPort(0, n0, 10)
	s.AttachPort(1, n1, 10)
	s.AttachPort(2, n2, 10)

	mcast := [6]byte{0x01, 0x00, 0x5e, 0x00, 0x00, 0x01}
	s.marlInsert(mcast, 10, 2, true)

	s.Ingress(0, frame(mcast, [6]byte{1, 1, 1, 1, 1, 1}))
	assert.Empty(t, t1.sent, "MARL hit restricts egress to the listed port only")
	assert.Len(t, t2.sent, 1)
}

func TestMulticastIngressFloodsWhenMARLMiss(t *testing.T) {
	s := New(nil)
	n0, _ := newTestNIO("p0")
	n1, t1 := newTestNIO("p1")
	n2, t2 := newTestNIO("p2")
	s.AttachPort(0, n0, 10)
	s.AttachPort(1, n1, 10)
	s.AttachPort(2, n2, 10)

	mcast := [6]byte{0x01, 0x00, 0x5e, 0x00, 0x00, 0x02}
	s.Ingress(0, frame(mcast, [6]byte{1, 1, 1, 1, 1, 1}))
	assert.Len(t, t1.sent, 1)
	assert.Len(t, t2.sent, 1)
}

func TestSChanCmdResultDistinguishesCommands(t *testing.T) {
	s := New(nil)

	rw(t, s, regSchanCmd, memmap.OpWrite, schanLinkScan)
	assert.Equal(t, uint64(0), rw(t, s, regSchanCmd, memmap.OpRead, 0))

	rw(t, s, regSchanCmd, memmap.OpWrite, schanReadMII)
	assert.Equal(t, uint64(0x00048000), rw(t, s, regSchanCmd, memmap.OpRead, 0))

	rw(t, s, regSchanCmd, memmap.OpWrite, 0xFF)
	assert.Equal(t, uint64(0xFFFFFFFF), rw(t, s, regSchanCmd, memmap.OpRead, 0))
}

func TestTTRTBMAPARLCntRegistersRoundTrip(t *testing.T) {
	s := New(nil)

	rw(t, s, regTTR+4, memmap.OpWrite, 0xAABBCCDD)
	assert.Equal(t, uint64(0xAABBCCDD), rw(t, s, regTTR+4, memmap.OpRead, 0))

	rw(t, s, regTBMAP+8, memmap.OpWrite, 0x1234)
	assert.Equal(t, uint64(0x1234), rw(t, s, regTBMAP+8, memmap.OpRead, 0))

	mac := [6]byte{3, 3, 3, 3, 3, 3}
	s.arlInsert(mac, 10, 5, false)
	assert.Equal(t, uint64(1), rw(t, s, regARLCnt+5*4, memmap.OpRead, 0))
}

func TestCPUTXScanWalksRingAndSendsOnCPUUplink(t *testing.T) {
	mem := memmap.New(nil, 0, 0x10000)
	s := New(nil)
	n, tr := newTestNIO("cpu")
	s.AttachCPU(mem, n)

	payload := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	copy(mem.RAM()[0x200:], payload)
	mem.Write(nil, 0x100, 4, uint64(cpuDescOwn|cpuDescEOP))
	mem.Write(nil, 0x104, 4, uint64(len(payload)))
	mem.Write(nil, 0x108, 4, 0x200)

	rw(t, s, regCPUTXRing, memmap.OpWrite, 0x100)
	rw(t, s, regCPUDemand, memmap.OpWrite, 1)

	require.Len(t, tr.sent, 1)
	assert.Equal(t, payload, tr.sent[0])

	cmdStat := mem.Read(nil, 0x100, 4)
	assert.Equal(t, uint64(0), cmdStat&cpuDescOwn, "Own bit cleared once consumed")
}

func TestDeliverCPUFillsRXDescriptor(t *testing.T) {
	mem := memmap.New(nil, 0, 0x10000)
	s := New(nil)
	s.AttachCPU(mem, nil)

	mem.Write(nil, 0x300, 4, uint64(cpuDescOwn))
	mem.Write(nil, 0x308, 4, 0x400)
	rw(t, s, regCPURXRing, memmap.OpWrite, 0x300)

	s.DeliverCPU([]byte{1, 2, 3})

	assert.Equal(t, []byte{1, 2, 3}, mem.RAM()[0x400:0x403])
	cmdStat := mem.Read(nil, 0x300, 4)
	assert.Equal(t, uint64(0), cmdStat&cpuDescOwn)
	assert.NotZero(t, cmdStat&cpuDescEOP)
}
