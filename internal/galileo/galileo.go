// Package galileo models the GT64010/GT64120/GT96100 family of system
// controllers: DMA engine, PCI configuration windows, serial DMA +
// MPSC channels, and (GT96100 only) two Ethernet MAC ports. Grounded
// on dynamips's common/dev_gt.c (spec §4.7).
package galileo

import (
	"encoding/binary"
	"sync"

	"github.com/dynamips-go/dynamips/internal/cpu"
	"github.com/dynamips-go/dynamips/internal/memmap"
	"github.com/dynamips-go/dynamips/internal/mlog"
	"github.com/dynamips-go/dynamips/internal/nio"
)

// Variant selects which feature set is presented.
type Variant int

const (
	GT64010 Variant = iota
	GT64120
	GT96100
)

const numDMAChannels = 4
const numSDMAGroups = 2
const numSDMAChannelsPerGroup = 8
const numMPSCChannels = 8
const numMACPorts = 2

// DMA channel register offsets, relative to the channel's base.
const (
	dmaByteCount = 0x00
	dmaSource    = 0x04
	dmaDest      = 0x08
	dmaNext      = 0x0c
	dmaControl   = 0x10
)

const dmaCtrlEnable = 1 << 12
const dmaCtrlChained = 1 << 9
const dmaCauseDone = 1 << 0

// PCIDevice is a bus-attached PCI target providing 32-bit config cycles.
type PCIDevice interface {
	ConfigRead(reg uint8) uint32
	ConfigWrite(reg uint8, value uint32)
}

type dmaChannel struct {
	byteCount uint32
	source    uint32
	dest      uint32
	next      uint32
	control   uint32
}

type sdmaChannel struct {
	config   uint32 // SDC
	command  uint32 // SDCM
	rxDesc   uint32 // SCRDP: current RX descriptor pointer
	txDesc   uint32 // SCTDP: current TX descriptor pointer
	firstTX  uint32 // SFTDP: first TX descriptor pointer
	cause    uint32
	mask     uint32
}

// sdmaDesc mirrors the 16-byte GT SDMA RX/TX descriptor: a byte-count
// word, a command/status word carrying the Own/First/Last bits, a
// next-descriptor pointer, and a buffer pointer (spec §4.7).
type sdmaDesc struct {
	bufSize uint32
	cmdStat uint32
	nextPtr uint32
	bufPtr  uint32
}

const (
	sdmaDescOwn   = 1 << 31
	sdmaDescFirst = 1 << 17
	sdmaDescLast  = 1 << 16
	sdmaBCMask    = 0xFFFF0000
	sdmaBCShift   = 16
)

const (
	sdmaCauseRXBuf = 1 << 0
	sdmaCauseRXErr = 1 << 1
	sdmaCauseTXBuf = 1 << 2
	sdmaCauseTXEnd = 1 << 3
)

const sdmaCmdTXDemand = 1 << 23 // GT_SDCMR_TXD

const mpscModeMask = 0x07
const (
	mpscModeHDLC   = 0
	mpscModeUART   = 4
	mpscModeBISYNC = 5
)

type mpscChannel struct {
	mmcrl uint32 // mode lives in the low 3 bits (HDLC/UART/BISYNC)
	mmcrh uint32
	mpcr  uint32
	nio   *nio.NIO
}

type macPort struct {
	portConfig uint32
	command    uint32
	status     uint32
	hashPtr    uint32
	imr        uint32
	cause      uint32
	rxHeads    [4]uint32
	txHeads    [2]uint32
	nio        *nio.NIO
}

// Controller is the MMIO device implementing the register map.
type Controller struct {
	variant Variant
	log     *mlog.Logger

	mu sync.Mutex

	mem *memmap.Map // used by DMA to move guest bytes

	dma [numDMAChannels]dmaChannel

	pciAddr [2]uint32
	pciBus  [2][32]PCIDevice // indexed by device number, function folded in by caller

	sgcr uint32 // SDMA Group Config Register: bit per MPSC channel selects its SDMA group
	sdma [numSDMAGroups][numSDMAChannelsPerGroup]sdmaChannel
	mpsc [numMPSCChannels]mpscChannel

	mac [numMACPorts]macPort

	mainCause, mainMask uint32

	setIRQ, clearIRQ func()
}

// New creates a Controller bound to the given VM memory map for DMA
// transfers and the platform's interrupt hooks.
func New(log *mlog.Logger, variant Variant, mem *memmap.Map, setIRQ, clearIRQ func()) *Controller {
	if log == nil {
		log = mlog.Discard()
	}
	return &Controller{variant: variant, log: log, mem: mem, setIRQ: setIRQ, clearIRQ: clearIRQ}
}

// Device returns the MMIO device covering the controller's register
// window.
func (c *Controller) Device(name string, physAddr, physLen uint64) *memmap.Device {
	return &memmap.Device{
		Name:     name,
		PhysAddr: physAddr,
		PhysLen:  physLen,
		Handler:  memmap.HandlerFunc(c.access),
	}
}

// AttachPCI installs dev at bus/devnum.
func (c *Controller) AttachPCI(bus int, devnum int, dev PCIDevice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pciBus[bus][devnum] = dev
}

// AttachMAC binds a NIO to a GT96100 Ethernet port (no-op on other
// variants since they have no MAC block).
func (c *Controller) AttachMAC(port int, n *nio.NIO) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mac[port].nio = n
}

// AttachMPSC binds a NIO to an MPSC channel for HDLC-mode transmit and
// registers it as the channel's receive source (the caller wires
// DeliverMPSC to the NIO's RX multiplexer listener, spec §4.7).
func (c *Controller) AttachMPSC(chanID int, n *nio.NIO) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mpsc[chanID].nio = n
}

const (
	sdmaBase = 0x100
	mpscBase = sdmaBase + numSDMAGroups*numSDMAChannelsPerGroup*0x20 // size of the SDMA region
	regSGCR  = 0x080
)

func (c *Controller) access(cp cpu.Core, offset uint64, size int, op memmap.Op, data *uint64) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case offset == regSGCR:
		if op == memmap.OpRead {
			*data = uint64(c.sgcr)
		} else {
			c.sgcr = uint32(*data)
		}
		return nil, nil
	case offset >= sdmaBase && offset < mpscBase:
		return nil, c.sdmaAccess(offset-sdmaBase, op, data)
	case offset >= mpscBase && offset < mpscBase+numMPSCChannels*0x20:
		return nil, c.mpscAccess(offset-mpscBase, op, data)
	case offset >= 0x800 && offset < 0x800+numDMAChannels*0x20:
		return nil, c.dmaAccess(offset-0x800, op, data)
	case offset == 0xcf8: // PCI address register, bus 0
		return nil, c.pciAddrAccess(0, op, data)
	case offset == 0xcfc: // PCI data register, bus 0
		return nil, c.pciDataAccess(0, op, data)
	case offset == 0xc78:
		return nil, c.pciAddrAccess(1, op, data)
	case offset == 0xc7c:
		return nil, c.pciDataAccess(1, op, data)
	case offset >= 0xa00 && offset < 0xa00+numMACPorts*0x400 && c.variant == GT96100:
		return nil, c.macAccess(offset-0xa00, op, data)
	case offset == 0xc18: // main cause
		if op == memmap.OpRead {
			*data = uint64(c.mainCause)
		}
		return nil, nil
	case offset == 0xc1c: // main mask
		if op == memmap.OpRead {
			*data = uint64(c.mainMask)
		} else {
			c.mainMask = uint32(*data)
			c.recomputeIRQ()
		}
		return nil, nil
	default:
		c.log.Debugf("galileo", "unhandled register offset 0x%x", offset)
		if op == memmap.OpRead {
			*data = 0
		}
		return nil, nil
	}
}

func (c *Controller) dmaAccess(off uint64, op memmap.Op, data *uint64) error {
	idx := off / 0x20
	reg := off % 0x20
	ch := &c.dma[idx]

	if op == memmap.OpRead {
		switch reg {
		case dmaByteCount:
			*data = uint64(ch.byteCount)
		case dmaSource:
			*data = uint64(ch.source)
		case dmaDest:
			*data = uint64(ch.dest)
		case dmaNext:
			*data = uint64(ch.next)
		case dmaControl:
			*data = uint64(ch.control)
		}
		return nil
	}

	v := uint32(*data)
	switch reg {
	case dmaByteCount:
		ch.byteCount = v
	case dmaSource:
		ch.source = v
	case dmaDest:
		ch.dest = v
	case dmaNext:
		ch.next = v
	case dmaControl:
		wasEnabled := ch.control&dmaCtrlEnable != 0
		ch.control = v
		if !wasEnabled && v&dmaCtrlEnable != 0 {
			c.runDMA(int(idx))
		}
	}
	return nil
}

// runDMA performs the channel's transfer synchronously within the
// register-write handler (spec §9 open question on DMA completion
// timing: this core chooses instantaneous completion, matching the
// documented default).
func (c *Controller) runDMA(idx int) {
	ch := &c.dma[idx]
	for {
		n := int(ch.byteCount & 0xFFFF)
		if n > 0 && c.mem != nil {
			buf := make([]byte, n)
			for i := 0; i < n; i++ {
				buf[i] = byte(c.mem.Read(nil, uint64(ch.source)+uint64(i), 1))
			}
			for i := 0; i < n; i++ {
				c.mem.Write(nil, uint64(ch.dest)+uint64(i), 1, uint64(buf[i]))
			}
		}

		if ch.control&dmaCtrlChained == 0 && ch.next != 0 && c.mem != nil {
			words := make([]uint32, 4)
			for i := range words {
				words[i] = uint32(c.mem.Read(nil, uint64(ch.next)+uint64(i*4), 4))
			}
			ch.byteCount, ch.source, ch.dest, ch.next = words[0], words[1], words[2], words[3]
			if ch.next != 0 {
				continue
			}
		}
		break
	}

	ch.control &^= dmaCtrlEnable
	c.mainCause |= dmaCauseDone << uint(idx)
	c.recomputeIRQ()
}

// sdmaAccess decodes an SDMA register: group = off/0x100, channel =
// (off%0x100)/0x20, register = off%0x20.
func (c *Controller) sdmaAccess(off uint64, op memmap.Op, data *uint64) error {
	group := int(off / 0x100)
	rel := off % 0x100
	chanID := int(rel / 0x20)
	reg := rel % 0x20
	ch := &c.sdma[group][chanID]

	const (
		regSDC   = 0x00
		regSDCM  = 0x04
		regSCRDP = 0x08
		regSCTDP = 0x0c
		regSFTDP = 0x10
		regCause = 0x14
		regMask  = 0x18
	)

	if op == memmap.OpRead {
		switch reg {
		case regSDC:
			*data = uint64(ch.config)
		case regSDCM:
			*data = uint64(ch.command)
		case regSCRDP:
			*data = uint64(ch.rxDesc)
		case regSCTDP:
			*data = uint64(ch.txDesc)
		case regSFTDP:
			*data = uint64(ch.firstTX)
		case regCause:
			*data = uint64(ch.cause)
		case regMask:
			*data = uint64(ch.mask)
		}
		return nil
	}

	v := uint32(*data)
	switch reg {
	case regSDC:
		ch.config = v
	case regSDCM:
		ch.command = v
		if v&sdmaCmdTXDemand != 0 {
			for c.sdmaTXStart(group, chanID) {
			}
		}
	case regSCRDP:
		ch.rxDesc = v
	case regSCTDP:
		ch.txDesc = v
	case regSFTDP:
		ch.firstTX = v
		ch.txDesc = v
	case regCause:
		ch.cause &^= v // write-1-to-clear
		c.recomputeSDMAIRQ(group, chanID)
	case regMask:
		ch.mask = v
		c.recomputeSDMAIRQ(group, chanID)
	}
	return nil
}

// mpscAccess decodes an MPSC channel register: channel = off/0x20,
// register = off%0x20.
func (c *Controller) mpscAccess(off uint64, op memmap.Op, data *uint64) error {
	chanID := int(off / 0x20)
	reg := off % 0x20
	m := &c.mpsc[chanID]

	const (
		regMMCRL = 0x00
		regMMCRH = 0x04
		regMPCR  = 0x08
	)

	if op == memmap.OpRead {
		switch reg {
		case regMMCRL:
			*data = uint64(m.mmcrl)
		case regMMCRH:
			*data = uint64(m.mmcrh)
		case regMPCR:
			*data = uint64(m.mpcr)
		}
		return nil
	}

	v := uint32(*data)
	switch reg {
	case regMMCRL:
		m.mmcrl = v
	case regMMCRH:
		m.mmcrh = v
	case regMPCR:
		m.mpcr = v
	}
	return nil
}

func (c *Controller) readSDMADesc(addr uint32) sdmaDesc {
	return sdmaDesc{
		bufSize: uint32(c.mem.Read(nil, uint64(addr), 4)),
		cmdStat: uint32(c.mem.Read(nil, uint64(addr)+4, 4)),
		nextPtr: uint32(c.mem.Read(nil, uint64(addr)+8, 4)),
		bufPtr:  uint32(c.mem.Read(nil, uint64(addr)+12, 4)),
	}
}

func (c *Controller) writeSDMACmdStat(addr uint32, v uint32) {
	c.mem.Write(nil, uint64(addr)+4, 4, uint64(v))
}

// sdmaTXStart walks one TX descriptor chain starting at the channel's
// current TX pointer, honoring the Own and Last bits: it gathers every
// fragment up to (and including) the descriptor with the Last bit set,
// hands the assembled frame to the channel's MPSC transport, and
// advances the TX pointer to the chain's continuation. Returns true if
// it ran a descriptor (so the TXD-bit command loop keeps draining the
// ring), matching dev_gt.c's gt_sdma_tx_start (spec §4.7).
func (c *Controller) sdmaTXStart(group, chanID int) bool {
	ch := &c.sdma[group][chanID]
	if ch.txDesc == 0 || c.mem == nil {
		return false
	}

	txStart := ch.txDesc
	first := c.readSDMADesc(txStart)
	if first.cmdStat&sdmaDescOwn == 0 {
		return false
	}

	var frame []byte
	abort := false
	cur := first
	curAddr := txStart
	nextAddr := uint32(0)

	for {
		n := int((cur.bufSize & sdmaBCMask) >> sdmaBCShift)
		if n > 0 {
			chunk := make([]byte, n)
			for i := 0; i < n; i++ {
				chunk[i] = byte(c.mem.Read(nil, uint64(cur.bufPtr)+uint64(i), 1))
			}
			frame = append(frame, chunk...)
		}

		if cur.cmdStat&sdmaDescFirst == 0 {
			c.writeSDMACmdStat(curAddr, cur.cmdStat&^sdmaDescOwn)
		}

		nextAddr = cur.nextPtr
		if cur.cmdStat&sdmaDescLast != 0 {
			break
		}
		if nextAddr == 0 {
			abort = true
			break
		}
		cur = c.readSDMADesc(nextAddr)
		curAddr = nextAddr
	}

	if len(frame) > 0 && !abort {
		c.sendMPSCFrame(chanID, frame)
		ch.cause |= sdmaCauseTXBuf
	}

	c.writeSDMACmdStat(txStart, first.cmdStat&^sdmaDescOwn)
	ch.txDesc = nextAddr

	if abort || nextAddr == 0 {
		ch.cause |= sdmaCauseTXEnd
		ch.command &^= sdmaCmdTXDemand
	}
	c.recomputeSDMAIRQ(group, chanID)
	return true
}

// sendMPSCFrame dispatches an assembled TX frame per the channel's
// configured protocol mode (spec §4.7): HDLC frames go out the bound
// NIO; UART/BISYNC have no modeled transport in this core.
func (c *Controller) sendMPSCFrame(chanID int, frame []byte) {
	m := &c.mpsc[chanID]
	switch m.mmcrl & mpscModeMask {
	case mpscModeHDLC:
		if m.nio != nil {
			if err := m.nio.Send(frame); err != nil {
				c.log.Debugf("galileo", "mpsc %d send: %v", chanID, err)
			}
		}
	default:
		c.log.Debugf("galileo", "mpsc %d: mode %d has no modeled transport", chanID, m.mmcrl&mpscModeMask)
	}
}

// DeliverMPSC hands an inbound frame received on an MPSC channel's NIO
// to its SDMA RX ring, selecting the SDMA group via the channel's SGCR
// bit (spec §4.7). Called from the RX multiplexer's listener for that
// channel's NIO.
func (c *Controller) DeliverMPSC(chanID int, frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	group := int((c.sgcr >> uint(chanID)) & 1)
	c.sdmaRXEnqueue(group, chanID, frame)
}

// sdmaRXEnqueue walks the RX descriptor ring, honoring the Own bit,
// filling descriptor buffers with frame data and tagging the first and
// last descriptors used, mirroring gt_sdma_handle_rxqueue (spec §4.7).
func (c *Controller) sdmaRXEnqueue(group, chanID int, frame []byte) {
	ch := &c.sdma[group][chanID]
	if ch.rxDesc == 0 || c.mem == nil {
		ch.cause |= sdmaCauseRXErr
		c.recomputeSDMAIRQ(group, chanID)
		return
	}

	remaining := frame
	cur := ch.rxDesc
	first := true

	for len(remaining) > 0 {
		d := c.readSDMADesc(cur)
		if d.cmdStat&sdmaDescOwn == 0 {
			ch.cause |= sdmaCauseRXErr
			break
		}

		capacity := int((d.bufSize & sdmaBCMask) >> sdmaBCShift)
		if capacity <= 0 || capacity > len(remaining) {
			capacity = len(remaining)
		}
		for i := 0; i < capacity; i++ {
			c.mem.Write(nil, uint64(d.bufPtr)+uint64(i), 1, uint64(remaining[i]))
		}
		remaining = remaining[capacity:]

		status := d.cmdStat &^ sdmaDescOwn
		if first {
			status |= sdmaDescFirst
		}
		done := len(remaining) == 0
		if done {
			status |= sdmaDescLast
		}
		c.writeSDMACmdStat(cur, status)
		ch.cause |= sdmaCauseRXBuf

		if done {
			ch.rxDesc = d.nextPtr
			break
		}
		if d.nextPtr == 0 {
			ch.cause |= sdmaCauseRXErr
			ch.rxDesc = 0
			break
		}
		cur = d.nextPtr
		first = false
	}

	c.recomputeSDMAIRQ(group, chanID)
}

// recomputeSDMAIRQ gates the channel's cause through its mask into the
// chip's main cause register (bit 8, the SDMA summary bit) and
// re-evaluates the platform IRQ line. Caller holds c.mu.
func (c *Controller) recomputeSDMAIRQ(group, chanID int) {
	const sdmaSummaryBit = 1 << 8
	pending := false
	for g := range c.sdma {
		for i := range c.sdma[g] {
			if c.sdma[g][i].cause&c.sdma[g][i].mask != 0 {
				pending = true
			}
		}
	}
	if pending {
		c.mainCause |= sdmaSummaryBit
	} else {
		c.mainCause &^= sdmaSummaryBit
	}
	c.recomputeIRQ()
}

func (c *Controller) pciAddrAccess(bus int, op memmap.Op, data *uint64) error {
	if op == memmap.OpRead {
		*data = uint64(c.pciAddr[bus])
	} else {
		c.pciAddr[bus] = uint32(*data)
	}
	return nil
}

// pciDataAccess forwards to the device selected by the last address
// write: bits [15:11] device number, [7:2] register. The bus and
// function bits are not decoded.
// PCI config space is little-endian from the guest; the controller
// swaps on the way in/out (spec §4.7).
func (c *Controller) pciDataAccess(bus int, op memmap.Op, data *uint64) error {
	sel := c.pciAddr[bus]
	devnum := (sel >> 11) & 0x1F
	reg := uint8((sel >> 2) & 0x3F)

	dev := c.pciBus[bus][devnum]
	if dev == nil {
		if op == memmap.OpRead {
			*data = 0xFFFFFFFF
		}
		return nil
	}

	if op == memmap.OpRead {
		v := dev.ConfigRead(reg)
		*data = uint64(swap32(v))
	} else {
		dev.ConfigWrite(reg, swap32(uint32(*data)))
	}
	return nil
}

func swap32(v uint32) uint32 {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return binary.BigEndian.Uint32(b[:])
}

// macAccess implements a minimal slice of the GT96100 dual-MAC block:
// port configuration, command (setting the TX-demand bit calls
// txScan), interrupt cause/mask.
func (c *Controller) macAccess(off uint64, op memmap.Op, data *uint64) error {
	idx := off / 0x400
	reg := off % 0x400
	p := &c.mac[idx]

	const (
		regConfig  = 0x00
		regCommand = 0x08
		regStatus  = 0x0c
		regIMR     = 0x2c
		regCause   = 0x30
	)

	if op == memmap.OpRead {
		switch reg {
		case regConfig:
			*data = uint64(p.portConfig)
		case regCommand:
			*data = uint64(p.command)
		case regStatus:
			*data = uint64(p.status)
		case regIMR:
			*data = uint64(p.imr)
		case regCause:
			*data = uint64(p.cause)
		}
		return nil
	}

	v := uint32(*data)
	switch reg {
	case regConfig:
		p.portConfig = v
	case regCommand:
		wasDemand := p.command&1 != 0
		p.command = v
		if !wasDemand && v&1 != 0 {
			c.txScan(int(idx))
		}
	case regIMR:
		p.imr = v
		c.recomputeIRQ()
	case regCause:
		p.cause &^= v // write-1-to-clear
		c.recomputeIRQ()
	}
	return nil
}

// txScan runs on a TX-demand write for port idx. It does not read TX
// descriptors or send frames on the bound NIO; it only sets the TXEND
// cause bit and re-evaluates the IRQ line.
func (c *Controller) txScan(idx int) {
	p := &c.mac[idx]
	p.cause |= 1 << 2 // TXEND
	c.recomputeIRQ()
}

// Deliver is called from the RX multiplexer's listener for port idx's
// NIO. It sets the RXBUF cause bit and re-evaluates the IRQ line; the
// frame is not written to RX descriptors or guest memory.
func (c *Controller) Deliver(idx int, frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := &c.mac[idx]
	p.cause |= 1 << 1 // RXBUF
	c.recomputeIRQ()
}

// recomputeIRQ gates each port's cause through its IMR into the chip
// main cause register, then into the CPU via the platform IRQ hooks
// (spec §4.2, §4.7). Caller holds c.mu.
func (c *Controller) recomputeIRQ() {
	pending := false
	for i := range c.mac {
		if c.mac[i].cause&c.mac[i].imr != 0 {
			pending = true
		}
	}
	if c.mainCause&c.mainMask != 0 {
		pending = true
	}

	if pending && c.setIRQ != nil {
		c.setIRQ()
	} else if !pending && c.clearIRQ != nil {
		c.clearIRQ()
	}
}
