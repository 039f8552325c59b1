// Package duart implements the NS16552 dual-UART MMIO device: two
// register-compatible 16550-style channels sharing one interrupt line
// through a configurable byte-shift address divisor. Grounded on
// dynamips's common/dev_ns16552.c (spec §4.6).
package duart

import (
	"sync"

	"github.com/dynamips-go/dynamips/internal/cpu"
	"github.com/dynamips-go/dynamips/internal/memmap"
	"github.com/dynamips-go/dynamips/internal/vtty"
)

// Register offsets within one channel's register file.
const (
	regRBRorTHR = 0
	regIER      = 1
	regIIR      = 2
	regLCR      = 3
	regMCR      = 4
	regLSR      = 5
	regBase     = 8 // bytes between the two channels' register files
)

const (
	lcrDLAB = 1 << 7

	ierERXRDY = 1 << 0
	ierETXRDY = 1 << 1

	lsrDataReady = 1 << 0
	lsrTHRE      = 1 << 5
)

// channel is one of the two NS16552 UARTs.
type channel struct {
	ier byte
	lcr byte
	mcr byte
	dll byte
	dlm byte

	vtty *vtty.VTTY
}

// DUART is the two-channel MMIO device. set/clear IRQ hooks are the
// platform's set_irq/clear_irq function pointers (spec §4.2).
type DUART struct {
	mu        sync.Mutex
	shift     uint
	channels  [2]channel
	setIRQ    func()
	clearIRQ  func()
}

// New creates a DUART with the given byte-shift address divisor (how
// many low address bits select the byte within a register, matching
// platforms that wire the bus with wait states between registers).
func New(shift uint, ch0, ch1 *vtty.VTTY, setIRQ, clearIRQ func()) *DUART {
	d := &DUART{shift: shift, setIRQ: setIRQ, clearIRQ: clearIRQ}
	d.channels[0].vtty = ch0
	d.channels[1].vtty = ch1
	return d
}

// Device returns an MMIO device wired to this DUART's access handler.
func (d *DUART) Device(name string, physAddr, physLen uint64) *memmap.Device {
	return &memmap.Device{
		Name:     name,
		PhysAddr: physAddr,
		PhysLen:  physLen,
		Handler:  memmap.HandlerFunc(d.access),
	}
}

func (d *DUART) access(c cpu.Core, offset uint64, size int, op memmap.Op, data *uint64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	reg := (offset >> d.shift) % regBase
	chanIdx := (offset >> d.shift) / regBase
	if chanIdx > 1 {
		return nil, nil
	}
	ch := &d.channels[chanIdx]

	if op == memmap.OpRead {
		*data = uint64(d.readReg(ch, reg))
	} else {
		d.writeReg(ch, chanIdx, reg, byte(*data))
	}
	return nil, nil
}

func (d *DUART) readReg(ch *channel, reg uint64) byte {
	dlab := ch.lcr&lcrDLAB != 0

	switch reg {
	case regRBRorTHR:
		if dlab {
			return ch.dll
		}
		b, _ := ch.vtty.ReadByte()
		return b
	case regIER:
		if dlab {
			return ch.dlm
		}
		return ch.ier
	case regIIR:
		return 0x01 // no interrupt pending, minimal fixed encoding
	case regLCR:
		return ch.lcr
	case regMCR:
		return ch.mcr
	case regLSR:
		var lsr byte = lsrTHRE
		if ch.vtty.HasChar() {
			lsr |= lsrDataReady
		}
		return lsr
	default:
		return 0
	}
}

func (d *DUART) writeReg(ch *channel, chanIdx uint64, reg uint64, val byte) {
	dlab := ch.lcr&lcrDLAB != 0

	switch reg {
	case regRBRorTHR:
		if dlab {
			ch.dll = val
			return
		}
		ch.vtty.WriteByte(val)
	case regIER:
		if dlab {
			ch.dlm = val
			return
		}
		ch.ier = val
	case regLCR:
		ch.lcr = val
	case regMCR:
		ch.mcr = val
	}
}

// Tick is the "dummy IRQ" task: it raises the shared IRQ for any
// channel with ETXRDY enabled, so guests waiting on the TX-ready
// interrupt observe forward progress, and for any channel with a
// pending character and ERXRDY enabled (spec §4.6). Nothing in this
// package schedules Tick; each call is one evaluation.
func (d *DUART) Tick() {
	d.mu.Lock()
	defer d.mu.Unlock()

	raise := false
	for i := range d.channels {
		ch := &d.channels[i]
		if ch.ier&ierERXRDY != 0 && ch.vtty.HasChar() {
			raise = true
		}
		if ch.ier&ierETXRDY != 0 {
			raise = true
		}
	}

	if raise && d.setIRQ != nil {
		d.setIRQ()
	} else if !raise && d.clearIRQ != nil {
		d.clearIRQ()
	}
}
