// Package memmap implements the per-VM physical address space: a RAM
// window plus a sparse, address-ordered set of MMIO devices. It is
// grounded on dynamips's vm_bind_device/vm_unbind_device and the
// generic dev_access dispatch described in spec §4.1.
package memmap

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dynamips-go/dynamips/internal/cpu"
	"github.com/dynamips-go/dynamips/internal/mlog"
)

// Op is the direction of an MMIO access.
type Op int

const (
	OpRead Op = iota
	OpWrite
)

// Handler implements a device's register file. On a read, *data is
// filled in by the handler; on a write, *data holds the value written by
// the guest. The returned host-backed slice, when non-nil, is a direct
// mapping of the device's backing store that callers may cache in a
// TLB-like structure (e.g. for RAM-speed descriptor-ring scans);
// returning nil simply means "handled, continue".
type Handler interface {
	Access(c cpu.Core, offset uint64, size int, op Op, data *uint64) ([]byte, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(c cpu.Core, offset uint64, size int, op Op, data *uint64) ([]byte, error)

func (f HandlerFunc) Access(c cpu.Core, offset uint64, size int, op Op, data *uint64) ([]byte, error) {
	return f(c, offset, size, op, data)
}

// Device is a single MMIO region: a half-open interval plus its handler.
type Device struct {
	Name     string
	PhysAddr uint64
	PhysLen  uint64
	Handler  Handler

	// HostMem, when non-nil, is the device's own backing storage
	// (e.g. the NVRAM's mapped file) exposed for direct byte access.
	HostMem []byte
}

func (d *Device) contains(addr uint64) bool {
	return addr >= d.PhysAddr && addr < d.PhysAddr+d.PhysLen
}

// Map is a VM's physical address space: a RAM window starting at the
// ramBase given to New, plus MMIO devices outside it. Access requires size in {1,2,4,8}.
type Map struct {
	log *mlog.Logger

	ramBase uint64
	ram     []byte

	mu      sync.Mutex
	devices []*Device // kept sorted by PhysAddr; linear-scanned on access
}

// New creates a Map with ram bytes of guest RAM starting at ramBase.
func New(log *mlog.Logger, ramBase uint64, ramSize int) *Map {
	if log == nil {
		log = mlog.Discard()
	}
	return &Map{
		log:     log,
		ramBase: ramBase,
		ram:     make([]byte, ramSize),
	}
}

// RAM returns the backing RAM slice, for ELF/ROM loaders external to this
// core.
func (m *Map) RAM() []byte { return m.ram }

// BindDevice installs dev into the map. Overlap with an existing device
// is a configuration error and must abort VM startup (spec §4.1).
func (m *Map) BindDevice(dev *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lo, hi := dev.PhysAddr, dev.PhysAddr+dev.PhysLen
	for _, d := range m.devices {
		dlo, dhi := d.PhysAddr, d.PhysAddr+d.PhysLen
		if lo < dhi && dlo < hi {
			return fmt.Errorf("memmap: device %q [0x%x,0x%x) overlaps %q [0x%x,0x%x)",
				dev.Name, lo, hi, d.Name, dlo, dhi)
		}
	}

	m.devices = append(m.devices, dev)
	sort.Slice(m.devices, func(i, j int) bool {
		return m.devices[i].PhysAddr < m.devices[j].PhysAddr
	})
	return nil
}

// UnbindDevice removes a device by name. It is idempotent: removing an
// already-absent device is not an error, matching teardown order being
// unconstrained (spec §4.1, §5).
func (m *Map) UnbindDevice(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, d := range m.devices {
		if d.Name == name {
			m.devices = append(m.devices[:i], m.devices[i+1:]...)
			return
		}
	}
}

func (m *Map) findDevice(addr uint64) *Device {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range m.devices {
		if d.contains(addr) {
			return d
		}
	}
	return nil
}

func (m *Map) inRAM(addr uint64, size int) bool {
	return addr >= m.ramBase && addr+uint64(size) <= m.ramBase+uint64(len(m.ram))
}

// Read performs a big-endian guest read of size bytes (1, 2, 4, or 8) at
// addr. Unmapped reads return zero and are logged, never an error (spec
// §4.1: "must never terminate the VM").
func (m *Map) Read(c cpu.Core, addr uint64, size int) uint64 {
	if err := validSize(size); err != nil {
		m.log.Errorf("memmap", "%v", err)
		return 0
	}

	if m.inRAM(addr, size) {
		return beRead(m.ram[addr-m.ramBase:], size)
	}

	dev := m.findDevice(addr)
	if dev == nil {
		m.log.Debugf("memmap", "unmapped read at 0x%x (size %d)", addr, size)
		return 0
	}

	offset := addr - dev.PhysAddr
	var data uint64
	if _, err := dev.Handler.Access(c, offset, size, OpRead, &data); err != nil {
		m.log.Errorf("memmap", "device %q read error at offset 0x%x: %v", dev.Name, offset, err)
		return 0
	}
	return data
}

// Write performs a big-endian guest write of size bytes at addr.
// Unmapped writes are discarded and logged, never an error.
func (m *Map) Write(c cpu.Core, addr uint64, size int, value uint64) {
	if err := validSize(size); err != nil {
		m.log.Errorf("memmap", "%v", err)
		return
	}

	if m.inRAM(addr, size) {
		beWrite(m.ram[addr-m.ramBase:], size, value)
		return
	}

	dev := m.findDevice(addr)
	if dev == nil {
		m.log.Debugf("memmap", "unmapped write at 0x%x (size %d, value 0x%x)", addr, size, value)
		return
	}

	offset := addr - dev.PhysAddr
	data := value
	if _, err := dev.Handler.Access(c, offset, size, OpWrite, &data); err != nil {
		m.log.Errorf("memmap", "device %q write error at offset 0x%x: %v", dev.Name, offset, err)
	}
}

// HostPointer returns the backing slice a device exposed for addr, if
// any, so a fast path (e.g. descriptor-ring scans) can bypass the
// handler dispatch. Returns nil when no device offers direct mapping.
func (m *Map) HostPointer(addr uint64) []byte {
	if m.inRAM(addr, 1) {
		return m.ram[addr-m.ramBase:]
	}
	dev := m.findDevice(addr)
	if dev == nil || dev.HostMem == nil {
		return nil
	}
	offset := addr - dev.PhysAddr
	if offset >= uint64(len(dev.HostMem)) {
		return nil
	}
	return dev.HostMem[offset:]
}

func validSize(size int) error {
	switch size {
	case 1, 2, 4, 8:
		return nil
	default:
		return fmt.Errorf("invalid access size %d", size)
	}
}

func beRead(b []byte, size int) uint64 {
	var v uint64
	for i := 0; i < size; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func beWrite(b []byte, size int, v uint64) {
	for i := size - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}
