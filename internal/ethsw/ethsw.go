// Package ethsw implements the Ethernet switch: a MAC+VLAN learning
// table shared by access and 802.1Q trunk ports. Grounded on
// dynamips's common/net_io_bridge.c and common/sw/dev_c3600_lanport
// style switching logic described in spec §4.10.
package ethsw

import (
	"encoding/binary"
	"sync"

	"github.com/dynamips-go/dynamips/internal/mlog"
	"github.com/dynamips-go/dynamips/internal/nio"
)

const maxPorts = 64
const tableBuckets = 4096

// ISL (Inter-Switch Link) wraps the whole Ethernet frame in its own
// 26-byte header plus a 4-byte trailer, distinct from an 802.1Q tag
// spliced into the frame in place (spec §4.10 "from embedded ISL
// header for ISL").
const islHeaderLen = 26
const islTrailerLen = 4

// PortMode is how a port interprets VLAN tagging on the wire.
type PortMode int

const (
	ModeAccess PortMode = iota
	ModeTrunk
	ModeISL
)

type port struct {
	n          *nio.NIO
	mode       PortMode
	vlan       uint16 // access VLAN, or trunk native VLAN
}

type macEntry struct {
	mac  [6]byte
	vlan uint16
	port int
}

// Switch is a multi-port learning Ethernet switch.
type Switch struct {
	log *mlog.Logger

	mu    sync.Mutex
	ports [maxPorts]*port
	table map[uint32][]macEntry // bucket -> chain
}

// New creates an empty switch.
func New(log *mlog.Logger) *Switch {
	if log == nil {
		log = mlog.Discard()
	}
	return &Switch{log: log, table: make(map[uint32][]macEntry)}
}

// AddPort binds n at portIdx with the given mode/vlan. The switch only
// stores the pointer; it takes no registry reference on n.
func (s *Switch) AddPort(portIdx int, n *nio.NIO, mode PortMode, vlan uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ports[portIdx] = &port{n: n, mode: mode, vlan: vlan}
}

// RemovePort unbinds the port. It releases no registry reference on
// the port's NIO.
func (s *Switch) RemovePort(portIdx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ports[portIdx] = nil
}

func hashKey(mac [6]byte, vlan uint16) uint32 {
	h := uint32(vlan)
	for _, b := range mac {
		h = h*31 + uint32(b)
	}
	return h % tableBuckets
}

// Inject feeds a frame as if received on portIdx; this is the handler
// that would be registered with the RX multiplexer for each port's NIO.
func (s *Switch) Inject(portIdx int, frame []byte) {
	if len(frame) < 14 {
		return // spec §8 boundary behavior
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	in := s.ports[portIdx]
	if in == nil {
		return
	}

	vlan, payload := s.decodeIngress(in, frame)
	if payload == nil {
		return
	}

	var src, dst [6]byte
	copy(dst[:], payload[0:6])
	copy(src[:], payload[6:12])

	s.learn(src, vlan, portIdx)

	if dst[0]&0x01 != 0 {
		s.flood(portIdx, vlan, payload)
		return
	}

	if outIdx, ok := s.lookup(dst, vlan); ok {
		s.deliver(outIdx, vlan, payload)
		return
	}
	s.flood(portIdx, vlan, payload)
}

// decodeIngress strips ingress tagging and returns the frame's VLAN id
// and the (possibly re-tagged) payload to learn/forward on.
func (s *Switch) decodeIngress(p *port, frame []byte) (uint16, []byte) {
	switch p.mode {
	case ModeTrunk:
		if len(frame) >= 16 && frame[12] == 0x81 && frame[13] == 0x00 {
			vlan := binary.BigEndian.Uint16(frame[14:16]) & 0x0FFF
			return vlan, frame
		}
		return p.vlan, frame
	case ModeISL:
		if len(frame) < islHeaderLen+islTrailerLen+14 {
			return p.vlan, frame
		}
		vlan := binary.BigEndian.Uint16(frame[20:22]) >> 1
		inner := frame[islHeaderLen : len(frame)-islTrailerLen]
		return vlan, inner
	default: // ModeAccess
		return p.vlan, frame
	}
}

func (s *Switch) learn(mac [6]byte, vlan uint16, portIdx int) {
	key := hashKey(mac, vlan)
	chain := s.table[key]
	for i, e := range chain {
		if e.mac == mac && e.vlan == vlan {
			chain[i].port = portIdx
			return
		}
	}
	s.table[key] = append(chain, macEntry{mac: mac, vlan: vlan, port: portIdx})
}

func (s *Switch) lookup(mac [6]byte, vlan uint16) (int, bool) {
	key := hashKey(mac, vlan)
	for _, e := range s.table[key] {
		if e.mac == mac && e.vlan == vlan {
			return e.port, true
		}
	}
	return 0, false
}

func (s *Switch) flood(exceptIdx int, vlan uint16, payload []byte) {
	for i, p := range s.ports {
		if p == nil || i == exceptIdx {
			continue
		}
		if p.mode == ModeAccess && p.vlan != vlan {
			continue
		}
		s.deliver(i, vlan, payload)
	}
}

func (s *Switch) deliver(portIdx int, vlan uint16, payload []byte) {
	p := s.ports[portIdx]
	if p == nil {
		return
	}
	out := s.encodeEgress(p, vlan, payload)
	if err := p.n.Send(out); err != nil {
		s.log.Debugf("ethsw", "port %d send: %v", portIdx, err)
	}
}

func (s *Switch) encodeEgress(p *port, vlan uint16, payload []byte) []byte {
	hasTag := len(payload) >= 16 && payload[12] == 0x81 && payload[13] == 0x00
	switch p.mode {
	case ModeTrunk:
		if hasTag {
			return payload
		}
		if vlan == p.vlan {
			// Same-VLAN trunk: the frame originated untagged (it is
			// the port's native VLAN), so it leaves untagged too.
			return payload
		}
		out := make([]byte, 0, len(payload)+4)
		out = append(out, payload[0:12]...)
		out = append(out, 0x81, 0x00)
		tag := make([]byte, 2)
		binary.BigEndian.PutUint16(tag, vlan&0x0FFF)
		out = append(out, tag...)
		out = append(out, payload[12:]...)
		return out
	case ModeISL:
		return s.encodeISL(vlan, payload)
	default:
		if hasTag {
			out := make([]byte, 0, len(payload)-4)
			out = append(out, payload[0:12]...)
			out = append(out, payload[16:]...)
			return out
		}
		return payload
	}
}

// encodeISL wraps payload in an ISL header carrying vlan, per spec
// §4.10. The CRC trailer is left zeroed: this model has no transmit
// path that re-verifies it.
func (s *Switch) encodeISL(vlan uint16, payload []byte) []byte {
	out := make([]byte, islHeaderLen, islHeaderLen+len(payload)+islTrailerLen)
	copy(out[0:6], []byte{0x01, 0x00, 0x0c, 0x00, 0x00, 0x00}) // ISL multicast DA
	binary.BigEndian.PutUint16(out[12:14], uint16(len(payload)))
	copy(out[14:17], []byte{0xAA, 0xAA, 0x03}) // SNAP
	binary.BigEndian.PutUint16(out[20:22], vlan<<1)
	out = append(out, payload...)
	out = append(out, 0, 0, 0, 0)
	return out
}

// Flush clears all learned entries (explicit flush, spec §3).
func (s *Switch) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table = make(map[uint32][]macEntry)
}
