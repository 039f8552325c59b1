// Package remotedev implements the platform-neutral remote-control
// MMIO device: a 4KB doorbell window the ROM monitor uses to query
// host facilities (dump registers/MMU, stop the instance, log lines,
// write the console, read chassis cookies, and stream ROMMON
// variables). Grounded on dynamips's common/dev_remote.c (spec §4.16).
package remotedev

import (
	"bytes"
	"sync"

	"github.com/dynamips-go/dynamips/internal/cpu"
	"github.com/dynamips-go/dynamips/internal/memmap"
	"github.com/dynamips-go/dynamips/internal/mlog"
	"github.com/dynamips-go/dynamips/internal/rommon"
	"github.com/dynamips-go/dynamips/internal/vtty"
)

// Sizes bundles the fixed platform facts this device reports.
type Sizes struct {
	RAM, ROM, NVRAM, IOMem uint64
	CfgReg                 uint32
	EntryPoint             uint64
	ELFMachineID           uint32
	SmartInitIOMem         uint64
	NVRAMPhysBase          uint64
}

// ROMMON command register values for offset 0x058.
const (
	cmdSetVar       = 1
	cmdGetVar       = 2
	cmdClearVarStat = 3
)

// Device is the remote-control MMIO handler.
type Device struct {
	log     *mlog.Logger
	core    cpu.Core
	console *vtty.VTTY
	rommon  *rommon.Store
	cookies []uint32

	sizes Sizes

	onStop func()

	mu         sync.Mutex
	stringPtr  uint64
	logLine    bytes.Buffer
	cookieIdx  uint32
	varWindow  [512]byte
	varName    string
	lastStatus uint32
}

// New creates a remote-control device.
func New(log *mlog.Logger, core cpu.Core, console *vtty.VTTY, rm *rommon.Store, cookies []uint32, sizes Sizes, onStop func()) *Device {
	if log == nil {
		log = mlog.Discard()
	}
	return &Device{log: log, core: core, console: console, rommon: rm, cookies: cookies, sizes: sizes, onStop: onStop}
}

// Device returns the bound MMIO device covering the 4KB window.
func (d *Device) Device(name string, physAddr uint64) *memmap.Device {
	return &memmap.Device{
		Name:     name,
		PhysAddr: physAddr,
		PhysLen:  4096,
		Handler:  memmap.HandlerFunc(d.access),
	}
}

const (
	regMagic       = 0x000
	regCPUID       = 0x004
	regDumpRegs    = 0x008
	regDumpMMU     = 0x00c
	regRAMSize     = 0x014
	regROMSize     = 0x018
	regNVRAMSize   = 0x01c
	regIOMemSize   = 0x020
	regCfgReg      = 0x024
	regEntryPoint  = 0x028
	regELFMachine  = 0x02c
	regStop        = 0x034
	regStringPtr   = 0x038
	regLogChar     = 0x03c
	regConsoleChar = 0x040
	regNVRAMBase   = 0x044
	regSmartInit   = 0x048
	regCookieIdx   = 0x04c
	regCookieRead  = 0x050
	regVarWindow   = 0x054
	regVarCmd      = 0x058
)

const romIDMagic = 0x12345678

func (d *Device) access(c cpu.Core, offset uint64, size int, op memmap.Op, data *uint64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if op == memmap.OpRead {
		*data = d.read(offset)
		return nil, nil
	}
	d.write(offset, *data)
	return nil, nil
}

func (d *Device) read(offset uint64) uint64 {
	switch offset {
	case regMagic:
		return romIDMagic
	case regCPUID:
		return 0
	case regRAMSize:
		return d.sizes.RAM
	case regROMSize:
		return d.sizes.ROM
	case regNVRAMSize:
		return d.sizes.NVRAM
	case regIOMemSize:
		return d.sizes.IOMem
	case regCfgReg:
		return uint64(d.sizes.CfgReg)
	case regEntryPoint:
		return d.sizes.EntryPoint
	case regELFMachine:
		return uint64(d.sizes.ELFMachineID)
	case regNVRAMBase:
		return d.sizes.NVRAMPhysBase
	case regSmartInit:
		return d.sizes.SmartInitIOMem
	case regCookieRead:
		if int(d.cookieIdx) < len(d.cookies) {
			return uint64(d.cookies[d.cookieIdx])
		}
		return 0
	case regVarCmd:
		return uint64(d.lastStatus)
	default:
		if offset >= regVarWindow && offset < regVarWindow+0 {
			return 0
		}
		return 0
	}
}

func (d *Device) write(offset uint64, v uint64) {
	switch offset {
	case regDumpRegs:
		d.core.DumpRegisters()
	case regDumpMMU:
		d.core.DumpMMU()
	case regStop:
		if d.onStop != nil {
			d.onStop()
		}
	case regStringPtr:
		d.stringPtr = v
		d.log.Infof("remotedev", "guest string pointer: 0x%x", v)
	case regLogChar:
		b := byte(v)
		if b == '\n' {
			d.log.Infof("remotedev", "%s", d.logLine.String())
			d.logLine.Reset()
		} else {
			d.logLine.WriteByte(b)
		}
	case regConsoleChar:
		d.console.WriteByte(byte(v))
	case regCookieIdx:
		d.cookieIdx = uint32(v)
	case regVarCmd:
		d.runVarCommand(uint32(v))
	default:
		if offset >= regVarWindow && offset < regVarWindow+512 {
			idx := offset - regVarWindow
			if idx < uint64(len(d.varWindow)) {
				d.varWindow[idx] = byte(v)
			}
		}
	}
}

func (d *Device) runVarCommand(cmd uint32) {
	if d.rommon == nil {
		d.lastStatus = 1
		return
	}

	switch cmd {
	case cmdSetVar:
		nameValue := bytes.TrimRight(d.varWindow[:], "\x00")
		k, v, ok := cutNullTerminated(nameValue)
		if !ok {
			d.lastStatus = 1
			return
		}
		if err := d.rommon.Set(k, v); err != nil {
			d.log.Errorf("remotedev", "set_var: %v", err)
			d.lastStatus = 1
			return
		}
		d.lastStatus = 0

	case cmdGetVar:
		name := string(bytes.TrimRight(d.varWindow[:], "\x00"))
		val, ok := d.rommon.Get(name)
		if !ok {
			d.lastStatus = 1
			return
		}
		var win [512]byte
		copy(win[:], val)
		d.varWindow = win
		d.lastStatus = 0

	case cmdClearVarStat:
		d.lastStatus = 0
	}
}

// cutNullTerminated splits a NAME\x00VALUE window into its two parts.
func cutNullTerminated(b []byte) (string, string, bool) {
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), string(b[i+1:]), true
		}
	}
	return "", "", false
}
