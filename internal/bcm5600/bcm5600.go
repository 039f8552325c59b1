// Package bcm5600 models the BCM5600-family 16-port Ethernet switch
// ASIC as found on the NM-16ESW daughterboard: a PCI-attached 2MB MMIO
// window exposing a register store, ARL/MARL/PTABLE/VTABLE/TTR/TBMAP/
// ARLCNT tables, an S-channel command surface, MII registers, a
// learning/forwarding core, and CPU-port TX/RX descriptor rings.
// Grounded on dynamips's common/dev_nm_16esw.c (spec §4.8).
package bcm5600

import (
	"sync"

	"github.com/dynamips-go/dynamips/internal/cpu"
	"github.com/dynamips-go/dynamips/internal/memmap"
	"github.com/dynamips-go/dynamips/internal/mlog"
	"github.com/dynamips-go/dynamips/internal/nio"
)

const numPorts = 16
const regBuckets = 8192

// S-channel commands, matching the real chip's register encodings
// (dev_nm_16esw.c's BCM5600_SCHAN_CMD_* constants) so that a guest IOS
// driver's literal opcode writes actually dispatch here.
const (
	schanEXEC     = 0x80
	schanReadMII  = 0x90
	schanWriteMII = 0x91
	schanLinkScan = 0x13
)

// S-channel opcodes consulted when EXEC runs, matching
// dev_nm_16esw.c's BCM5600_OP_*_CMD constants.
const (
	opReadMem   = 0x07
	opWriteMem  = 0x09
	opReadReg   = 0x0B
	opWriteReg  = 0x0D
	opARLInsert = 0x0F
	opARLDelete = 0x11
	opARLLookup = 0x19
)

// arlEntry is one learned or statically inserted MAC+VLAN association,
// shared by both the unicast ARL and multicast MARL tables.
type arlEntry struct {
	mac    [6]byte
	vlan   uint16
	port   uint8
	hit    bool
	static bool
}

type portState struct {
	vlan       uint16
	vlanBitmap uint64 // PTABLE membership bitmap
	mirrorIn   bool
	n          *nio.NIO
}

// MII register file indices.
const miiRegsPerPort = 32

// Fixed table sizes, bound at init per spec §4.8 ("each a contiguous
// word array sized and bound at init").
const (
	ttrSize    = 256  // trunk-group table: trunk id -> member port bitmap word
	tbmapSize  = 64   // per-port egress trunk-block bitmap, one word per port
	arlcntSize = 16   // per-port learned-entry counters (ARLCNT)
)

// CPU-port ring descriptors are 32 bytes: word 0 cmd/stat (Own/Cont/EOP
// flags), word 1 byte count, word 2 buffer pointer; the remaining
// words are reserved.
const (
	cpuDescOwn  = 0x80000000
	cpuDescEOP  = 0x00010000
	cpuDescCont = 0x00020000 // ring continues past this descriptor
)

// Switch is the BCM5600 model.
type Switch struct {
	log *mlog.Logger

	mu sync.Mutex

	regs map[uint32]uint32 // hash-bucketed register store

	arl  []arlEntry // unicast ARL
	marl []arlEntry // multicast MARL

	vlanBitmaps [4096]uint64 // VTABLE: vlan -> member port bitmap

	ttr    [ttrSize]uint32
	tbmap  [tbmapSize]uint32
	arlcnt [arlcntSize]uint32

	ports [numPorts]portState

	mii [numPorts][miiRegsPerPort]uint16

	schanCmd    uint32
	schanCmdRes uint32
	schanData   [32]uint32

	mirrorDestPort     int
	mirrorEnabled      bool
	mirrorEgressBitmap uint64

	mem    *memmap.Map
	cpuNIO *nio.NIO

	cpuTXRing uint32 // address of the next CPU TX descriptor to scan
	cpuRXRing uint32 // address of the next CPU RX descriptor to fill
}

// New creates an empty BCM5600 model.
func New(log *mlog.Logger) *Switch {
	if log == nil {
		log = mlog.Discard()
	}
	s := &Switch{log: log, regs: make(map[uint32]uint32)}
	for p := 0; p < numPorts; p++ {
		for r := 0; r < miiRegsPerPort; r++ {
			s.mii[p][r] = 0
		}
		s.mii[p][2] = 0x0143 // PHY ID high word, fixed identification
		s.mii[p][3] = 0x0BB0 // PHY ID low word
	}
	return s
}

// Device returns the PCI BAR0 MMIO device for this switch.
func (s *Switch) Device(name string, physAddr uint64) *memmap.Device {
	return &memmap.Device{
		Name:     name,
		PhysAddr: physAddr,
		PhysLen:  2 * 1024 * 1024,
		Handler:  memmap.HandlerFunc(s.access),
	}
}

// AttachPort binds a NIO as the given port's link and sets its VLAN
// membership.
func (s *Switch) AttachPort(port int, n *nio.NIO, vlan uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ports[port].n = n
	s.ports[port].vlan = vlan
	s.vlanBitmaps[vlan] |= 1 << uint(port)
	s.ports[port].vlanBitmap |= 1 << uint(vlan%64)
}

// AttachCPU binds the guest RAM backing the CPU-port TX/RX descriptor
// rings and the NIO the CPU port uses as its own uplink, so the S-chip
// can deliver frames addressed to the CPU and scan its TX ring on
// demand (spec §4.8 "TX/RX rings for the CPU port").
func (s *Switch) AttachCPU(mem *memmap.Map, n *nio.NIO) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mem = mem
	s.cpuNIO = n
}

const (
	regSchanCmd  = 0x1000
	regSchanData = 0x1100 // + 4*index
	regMIIBase   = 0x2000 // + port*0x80 + reg*4
	regMirrorDst = 0x3000
	regMirrorMap = 0x3004
	regTTR       = 0x4000 // + 4*trunk id
	regTBMAP     = 0x4400 // + 4*port
	regARLCnt    = 0x4500 // + 4*port
	regCPUTXRing = 0x4600 // descriptor-chain head address for CPU TX
	regCPURXRing = 0x4604 // descriptor-chain head address for CPU RX
	regCPUDemand = 0x4608 // write-1 kicks the CPU TX ring scanner
)

func (s *Switch) access(c cpu.Core, offset uint64, size int, op memmap.Op, data *uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case offset == regSchanCmd:
		if op == memmap.OpRead {
			*data = uint64(s.schanCmdRes)
		} else {
			s.handleSChanCmd(uint32(*data))
		}
		return nil, nil

	case offset >= regSchanData && offset < regSchanData+32*4:
		idx := (offset - regSchanData) / 4
		if op == memmap.OpRead {
			*data = uint64(s.schanData[idx])
		} else {
			s.schanData[idx] = uint32(*data)
		}
		return nil, nil

	case offset >= regMIIBase && offset < regMIIBase+numPorts*0x80:
		rel := offset - regMIIBase
		port := rel / 0x80
		reg := (rel % 0x80) / 4
		if reg >= miiRegsPerPort {
			return nil, nil
		}
		if op == memmap.OpRead {
			*data = uint64(s.mii[port][reg])
		} else {
			s.mii[port][reg] = uint16(*data)
		}
		return nil, nil

	case offset == regMirrorDst:
		if op == memmap.OpRead {
			v := uint64(s.mirrorDestPort)
			if s.mirrorEnabled {
				v |= 1 << 8
			}
			*data = v
		} else {
			s.mirrorDestPort = int(*data & 0xFF)
			s.mirrorEnabled = *data&(1<<8) != 0
		}
		return nil, nil

	case offset == regMirrorMap:
		if op == memmap.OpRead {
			*data = s.mirrorEgressBitmap
		} else {
			s.mirrorEgressBitmap = *data
		}
		return nil, nil

	case offset >= regTTR && offset < regTTR+ttrSize*4:
		idx := (offset - regTTR) / 4
		if op == memmap.OpRead {
			*data = uint64(s.ttr[idx])
		} else {
			s.ttr[idx] = uint32(*data)
		}
		return nil, nil

	case offset >= regTBMAP && offset < regTBMAP+tbmapSize*4:
		idx := (offset - regTBMAP) / 4
		if op == memmap.OpRead {
			*data = uint64(s.tbmap[idx])
		} else {
			s.tbmap[idx] = uint32(*data)
		}
		return nil, nil

	case offset >= regARLCnt && offset < regARLCnt+arlcntSize*4:
		idx := (offset - regARLCnt) / 4
		if op == memmap.OpRead {
			*data = uint64(s.arlcnt[idx])
		} else {
			s.arlcnt[idx] = uint32(*data)
		}
		return nil, nil

	case offset == regCPUTXRing:
		if op == memmap.OpRead {
			*data = uint64(s.cpuTXRing)
		} else {
			s.cpuTXRing = uint32(*data)
		}
		return nil, nil

	case offset == regCPURXRing:
		if op == memmap.OpRead {
			*data = uint64(s.cpuRXRing)
		} else {
			s.cpuRXRing = uint32(*data)
		}
		return nil, nil

	case offset == regCPUDemand:
		if op == memmap.OpWrite && *data&1 != 0 {
			s.cpuTXScan()
		}
		return nil, nil

	default:
		key := uint32(offset) % regBuckets
		if op == memmap.OpRead {
			*data = uint64(s.regs[key])
		} else {
			s.regs[key] = uint32(*data)
		}
		return nil, nil
	}
}

// handleSChanCmd stores the written S-channel command and sets the
// distinct status value the real chip leaves in its command-result
// register, matching dev_nm_16esw.c's bcm5600_handle_schan_cmd: EXEC
// (which also runs execSChan) reports 0x00008002, a MII access reports
// 0x00048000, LINKSCAN reports 0, and any other command reports
// 0xFFFFFFFF.
func (s *Switch) handleSChanCmd(cmd uint32) {
	s.schanCmd = cmd
	switch cmd {
	case schanEXEC:
		s.execSChan()
		s.schanCmdRes = 0x00008002
	case schanReadMII, schanWriteMII:
		s.schanCmdRes = 0x00048000
	case schanLinkScan:
		s.schanCmdRes = 0x0
	default:
		s.schanCmdRes = 0xFFFFFFFF
	}
}

// execSChan dispatches the opcode staged in schanData[0] against the
// data words, placing results back (spec §4.8).
func (s *Switch) execSChan() {
	op := s.schanData[0]
	switch op {
	case opARLInsert:
		var mac [6]byte
		mac[0] = byte(s.schanData[1] >> 24)
		mac[1] = byte(s.schanData[1] >> 16)
		mac[2] = byte(s.schanData[1] >> 8)
		mac[3] = byte(s.schanData[1])
		mac[4] = byte(s.schanData[2] >> 24)
		mac[5] = byte(s.schanData[2] >> 16)
		vlan := uint16(s.schanData[2])
		port := uint8(s.schanData[3])
		if mac[0]&0x01 != 0 {
			s.marlInsert(mac, vlan, port, true)
		} else {
			s.arlInsert(mac, vlan, port, true)
		}

	case opARLDelete:
		var mac [6]byte
		mac[0] = byte(s.schanData[1] >> 24)
		mac[1] = byte(s.schanData[1] >> 16)
		mac[2] = byte(s.schanData[1] >> 8)
		mac[3] = byte(s.schanData[1])
		mac[4] = byte(s.schanData[2] >> 24)
		mac[5] = byte(s.schanData[2] >> 16)
		vlan := uint16(s.schanData[2])
		if mac[0]&0x01 != 0 {
			s.marlDelete(mac, vlan)
		} else {
			s.arlDelete(mac, vlan)
		}

	case opARLLookup:
		var mac [6]byte
		mac[0] = byte(s.schanData[1] >> 24)
		mac[1] = byte(s.schanData[1] >> 16)
		mac[2] = byte(s.schanData[1] >> 8)
		mac[3] = byte(s.schanData[1])
		mac[4] = byte(s.schanData[2] >> 24)
		mac[5] = byte(s.schanData[2] >> 16)
		vlan := uint16(s.schanData[2])
		var port uint8
		var ok bool
		if mac[0]&0x01 != 0 {
			port, ok = s.marlLookup(mac, vlan)
		} else {
			port, ok = s.arlLookup(mac, vlan)
		}
		if ok {
			s.schanData[3] = uint32(port)
		} else {
			s.schanData[3] = 0xFFFFFFFF
		}

	case opReadMem, opReadReg:
		key := s.schanData[1] % regBuckets
		s.schanData[2] = s.regs[key]

	case opWriteMem, opWriteReg:
		key := s.schanData[1] % regBuckets
		s.regs[key] = s.schanData[2]
	}
}

func (s *Switch) arlInsert(mac [6]byte, vlan uint16, port uint8, static bool) {
	for i := range s.arl {
		if s.arl[i].mac == mac && s.arl[i].vlan == vlan {
			s.arl[i].port = port
			s.arl[i].hit = true
			return
		}
	}
	s.arl = append(s.arl, arlEntry{mac: mac, vlan: vlan, port: port, hit: true, static: static})
	s.arlcnt[int(port)%arlcntSize]++
}

func (s *Switch) arlDelete(mac [6]byte, vlan uint16) {
	for i := range s.arl {
		if s.arl[i].mac == mac && s.arl[i].vlan == vlan {
			s.arlcnt[int(s.arl[i].port)%arlcntSize]--
			s.arl = append(s.arl[:i], s.arl[i+1:]...)
			return
		}
	}
}

func (s *Switch) arlLookup(mac [6]byte, vlan uint16) (uint8, bool) {
	for i := range s.arl {
		if s.arl[i].mac == mac && s.arl[i].vlan == vlan {
			s.arl[i].hit = true
			return s.arl[i].port, true
		}
	}
	return 0, false
}

// marlInsert/marlDelete/marlLookup manage the multicast ARL table,
// keyed the same way as the unicast table but consulted only for
// multicast destination addresses (spec §4.8 "on multicast, use
// MARL").
func (s *Switch) marlInsert(mac [6]byte, vlan uint16, port uint8, static bool) {
	for i := range s.marl {
		if s.marl[i].mac == mac && s.marl[i].vlan == vlan {
			s.marl[i].port = port
			s.marl[i].hit = true
			return
		}
	}
	s.marl = append(s.marl, arlEntry{mac: mac, vlan: vlan, port: port, hit: true, static: static})
}

func (s *Switch) marlDelete(mac [6]byte, vlan uint16) {
	for i := range s.marl {
		if s.marl[i].mac == mac && s.marl[i].vlan == vlan {
			s.marl = append(s.marl[:i], s.marl[i+1:]...)
			return
		}
	}
}

func (s *Switch) marlLookup(mac [6]byte, vlan uint16) (uint8, bool) {
	for i := range s.marl {
		if s.marl[i].mac == mac && s.marl[i].vlan == vlan {
			s.marl[i].hit = true
			return s.marl[i].port, true
		}
	}
	return 0, false
}

// Ingress processes a frame arriving on portIdx, applying VLAN
// membership checks, ARL lookup/learning, flooding-on-miss, and
// mirroring, per spec §4.8.
func (s *Switch) Ingress(portIdx int, frame []byte) {
	if len(frame) < 14 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := &s.ports[portIdx]
	if p.n == nil {
		return
	}
	vlan := p.vlan

	if s.vlanBitmaps[vlan]&(1<<uint(portIdx)) == 0 {
		return // not a VLAN member
	}

	var src, dst [6]byte
	copy(dst[:], frame[0:6])
	copy(src[:], frame[6:12])

	s.arlInsert(src, vlan, uint8(portIdx), false)

	if p.mirrorIn && s.mirrorEnabled {
		s.egress(s.mirrorDestPort, frame)
	}

	if dst[0]&0x01 != 0 {
		if outPort, ok := s.marlLookup(dst, vlan); ok {
			s.egress(int(outPort), frame)
			return
		}
		bitmap := s.vlanBitmaps[vlan] &^ (1 << uint(portIdx))
		s.floodBitmap(bitmap, frame)
		return
	}

	if outPort, ok := s.arlLookup(dst, vlan); ok {
		s.egress(int(outPort), frame)
		return
	}
	bitmap := s.vlanBitmaps[vlan] &^ (1 << uint(portIdx))
	s.floodBitmap(bitmap, frame)
}

func (s *Switch) floodBitmap(bitmap uint64, frame []byte) {
	for i := 0; i < numPorts; i++ {
		if bitmap&(1<<uint(i)) != 0 {
			s.egress(i, frame)
		}
	}
}

func (s *Switch) egress(portIdx int, frame []byte) {
	if portIdx < 0 || portIdx >= numPorts {
		return
	}
	p := &s.ports[portIdx]
	if p.n == nil {
		return
	}
	if err := p.n.Send(frame); err != nil {
		s.log.Debugf("bcm5600", "port %d send: %v", portIdx, err)
	}
}

// Age clears ARL hit bits and purges entries whose hit bit was already
// clear, in one pass per call (spec §4.8, §9 open question:
// single-pass ageing, not an accumulating max-age). Nothing in this
// package schedules Age; each call is one ageing pass.
func (s *Switch) Age() {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.arl[:0]
	for _, e := range s.arl {
		if e.static || e.hit {
			e.hit = false
			kept = append(kept, e)
		}
	}
	s.arl = kept

	keptM := s.marl[:0]
	for _, e := range s.marl {
		if e.static || e.hit {
			e.hit = false
			keptM = append(keptM, e)
		}
	}
	s.marl = keptM
}

// cpuTXScan walks the CPU TX descriptor ring, honoring the Own bit,
// gathering bytes up to the EOP flag into one frame per packet, and
// emitting each on the CPU's NIO uplink. 32-byte descriptors: word 0
// cmd/stat (Own/Cont/EOP flags), word 1 byte count, word 2 buffer
// pointer. The remaining words are not read, so frames are sent as
// stored, with no VLAN tag added or removed.
func (s *Switch) cpuTXScan() {
	if s.mem == nil || s.cpuNIO == nil || s.cpuTXRing == 0 {
		return
	}

	var buf []byte
	addr := s.cpuTXRing
	for {
		cmdStat := uint32(s.mem.Read(nil, uint64(addr), 4))
		if cmdStat&cpuDescOwn == 0 {
			break
		}
		byteCnt := uint32(s.mem.Read(nil, uint64(addr)+4, 4))
		bufPtr := uint32(s.mem.Read(nil, uint64(addr)+8, 4))

		ram := s.mem.RAM()
		if int(bufPtr)+int(byteCnt) <= len(ram) {
			buf = append(buf, ram[bufPtr:bufPtr+byteCnt]...)
		}

		s.mem.Write(nil, uint64(addr), 4, uint64(cmdStat&^cpuDescOwn))

		eop := cmdStat&cpuDescEOP != 0
		cont := cmdStat&cpuDescCont != 0
		if eop {
			if len(buf) > 0 {
				if err := s.cpuNIO.Send(buf); err != nil {
					s.log.Debugf("bcm5600", "cpu tx: %v", err)
				}
			}
			buf = nil
		}
		if !cont {
			break
		}
		addr += 32
	}
	s.cpuTXRing = addr
}

// DeliverCPU enqueues an incoming frame into the CPU RX descriptor
// ring, honoring the Own bit of the next descriptor.
func (s *Switch) DeliverCPU(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mem == nil || s.cpuRXRing == 0 {
		return
	}
	addr := s.cpuRXRing
	cmdStat := uint32(s.mem.Read(nil, uint64(addr), 4))
	if cmdStat&cpuDescOwn == 0 {
		return
	}
	bufPtr := uint32(s.mem.Read(nil, uint64(addr)+8, 4))
	ram := s.mem.RAM()
	if int(bufPtr)+len(frame) <= len(ram) {
		copy(ram[bufPtr:], frame)
	}
	s.mem.Write(nil, uint64(addr)+4, 4, uint64(len(frame)))
	s.mem.Write(nil, uint64(addr), 4, uint64((cmdStat&^cpuDescOwn)|cpuDescEOP))
}
