// Package vm implements the virtual-machine container: lifecycle,
// physical memory map, slot/card topology, console terminals, and
// interrupt routing hooks. Grounded on dynamips's common/vm.c and
// common/dev_c7200.c-style slot fabric (spec §3, §4.2).
package vm

import (
	"fmt"
	"sync"

	"github.com/dynamips-go/dynamips/internal/memmap"
	"github.com/dynamips-go/dynamips/internal/mlog"
	"github.com/dynamips-go/dynamips/internal/nio"
	"github.com/dynamips-go/dynamips/internal/nvram"
	"github.com/dynamips-go/dynamips/internal/rommon"
	"github.com/dynamips-go/dynamips/internal/vtty"
	"github.com/google/uuid"
)

// Status is the VM's lifecycle state.
type Status int

const (
	Halted Status = iota
	Running
	Suspended
	ShuttingDown
)

func (s Status) String() string {
	switch s {
	case Halted:
		return "halted"
	case Running:
		return "running"
	case Suspended:
		return "suspended"
	case ShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

const maxSlots = 16
const maxDevices = 64

// CardDriver is the capability set a concrete card kind implements:
// network modules, port adapters, WAN interface cards. Grounded on
// cisco_card.c's nm_*/pa_* driver tables (SPEC_FULL.md §D).
type CardDriver interface {
	Name() string
	Init(v *VM, slot, subslot int) error
	Shutdown(v *VM, slot, subslot int) error
	SetNIO(slot, subslot, port int, n *nio.NIO) error
	UnsetNIO(slot, subslot, port int) error
	ShowInfo() string
}

// driverRegistry is the set of known card driver constructors, keyed
// by driver name (e.g. "NM-1E", "PA-2FE", "WIC-1T").
var driverRegistry = struct {
	mu    sync.Mutex
	ctors map[string]func() CardDriver
}{ctors: make(map[string]func() CardDriver)}

// RegisterDriver makes a card driver kind available to slot binding.
func RegisterDriver(name string, ctor func() CardDriver) {
	driverRegistry.mu.Lock()
	defer driverRegistry.mu.Unlock()
	driverRegistry.ctors[name] = ctor
}

func newDriver(name string) (CardDriver, error) {
	driverRegistry.mu.Lock()
	ctor, ok := driverRegistry.ctors[name]
	driverRegistry.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("vm: unknown card driver %q", name)
	}
	return ctor(), nil
}

// Card is a driver instance bound to a slot.
type Card struct {
	Driver  CardDriver
	Slot    int
	EEPROM  []byte
	nioBindings map[int]*nio.NIO // keyed by orig_port_id
}

// Config collects the typed construction parameters for a VM, matching
// SPEC_FULL.md's ambient-stack note that configuration is built from
// plain option structs rather than parsed from a CLI.
type Config struct {
	Name        string
	Platform    string
	RAMSize     int
	RAMBase     uint64
	NVRAMSize   int
	NVRAMPath   string
	RommonPath  string
	ConsoleAddr string
	AuxAddr     string
}

// VM is one emulated router instance.
type VM struct {
	Name     string
	Platform string
	UUID     uuid.UUID

	log *mlog.Logger

	mu     sync.Mutex
	status Status

	Mem    *memmap.Map
	NVRAM  *nvram.NVRAM
	Rommon *rommon.Store

	Console *vtty.VTTY
	Aux     *vtty.VTTY

	cfgRegister uint32

	slots [maxSlots]*Card

	devices []string // names, in bind order, for reverse-order teardown

	setIRQHooks   []func(irq uint)
	clearIRQHooks []func(irq uint)

	shutdownHooks []func() error // reverse-order teardown per spec §3, §5
}

// New constructs a halted VM per cfg. The caller is responsible for
// registering it in the shared registry.
func New(log *mlog.Logger, cfg Config) (*VM, error) {
	if log == nil {
		log = mlog.Discard()
	}

	mem := memmap.New(log, cfg.RAMBase, cfg.RAMSize)

	var nv *nvram.NVRAM
	var err error
	if cfg.NVRAMPath != "" {
		nv, _, err = nvram.Open(log, cfg.NVRAMPath, cfg.NVRAMSize, nil)
		if err != nil {
			return nil, fmt.Errorf("vm %q: nvram: %w", cfg.Name, err)
		}
	}

	var rm *rommon.Store
	if cfg.RommonPath != "" {
		rm, err = rommon.Open(cfg.RommonPath)
		if err != nil {
			return nil, fmt.Errorf("vm %q: rommon: %w", cfg.Name, err)
		}
	}

	v := &VM{
		Name:     cfg.Name,
		Platform: cfg.Platform,
		UUID:     uuid.New(),
		log:      log,
		status:   Halted,
		Mem:      mem,
		NVRAM:    nv,
		Rommon:   rm,
		Console:  vtty.New(log, cfg.Name+".console"),
		Aux:      vtty.New(log, cfg.Name+".aux"),
	}

	if cfg.ConsoleAddr != "" {
		if err := v.Console.Listen(cfg.ConsoleAddr); err != nil {
			return nil, err
		}
	}
	if cfg.AuxAddr != "" {
		if err := v.Aux.Listen(cfg.AuxAddr); err != nil {
			return nil, err
		}
	}

	return v, nil
}

// Status returns the VM's current lifecycle status.
func (v *VM) Status() Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.status
}

// SetIRQ and ClearIRQ are the VM's set_irq/clear_irq function-pointer
// slots: platform init installs handlers here; devices call them to
// raise/lower the shared interrupt line (spec §4.2).
func (v *VM) SetIRQ(irq uint) {
	v.mu.Lock()
	hooks := v.setIRQHooks
	v.mu.Unlock()
	for _, h := range hooks {
		h(irq)
	}
}

func (v *VM) ClearIRQ(irq uint) {
	v.mu.Lock()
	hooks := v.clearIRQHooks
	v.mu.Unlock()
	for _, h := range hooks {
		h(irq)
	}
}

// OnSetIRQ/OnClearIRQ register a platform's IRQ-routing hook.
func (v *VM) OnSetIRQ(h func(irq uint))   { v.mu.Lock(); v.setIRQHooks = append(v.setIRQHooks, h); v.mu.Unlock() }
func (v *VM) OnClearIRQ(h func(irq uint)) { v.mu.Lock(); v.clearIRQHooks = append(v.clearIRQHooks, h); v.mu.Unlock() }

// BindDevice installs dev into the VM's memory map and records it for
// reverse-order teardown. Must only be called while the VM is Halted
// (spec §5: topology mutated only from the hypervisor thread while
// halted, or while quiesced).
func (v *VM) BindDevice(dev *memmap.Device) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.status != Halted {
		return fmt.Errorf("vm %q: cannot bind device %q while %s", v.Name, dev.Name, v.status)
	}
	if err := v.Mem.BindDevice(dev); err != nil {
		return err
	}
	v.devices = append(v.devices, dev.Name)
	return nil
}

// OnShutdown registers a teardown hook run in reverse registration
// order when the VM is destroyed (spec §3, §5).
func (v *VM) OnShutdown(h func() error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.shutdownHooks = append(v.shutdownHooks, h)
}

// AddSlotBinding installs a card of the named driver kind into slot,
// per spec §3's invariant that a populated slot always has an
// initialized driver.
func (v *VM) AddSlotBinding(slot int, driverName string) error {
	if slot < 0 || slot >= maxSlots {
		return fmt.Errorf("vm %q: slot %d out of range", v.Name, slot)
	}

	v.mu.Lock()
	if v.slots[slot] != nil {
		v.mu.Unlock()
		return fmt.Errorf("vm %q: slot %d already populated", v.Name, slot)
	}
	v.mu.Unlock()

	drv, err := newDriver(driverName)
	if err != nil {
		return err
	}
	if err := drv.Init(v, slot, -1); err != nil {
		return fmt.Errorf("vm %q: slot %d init: %w", v.Name, slot, err)
	}

	card := &Card{Driver: drv, Slot: slot, nioBindings: make(map[int]*nio.NIO)}
	v.mu.Lock()
	v.slots[slot] = card
	v.mu.Unlock()
	return nil
}

// AddNIOBinding attaches n to the driver at slot under origPort,
// matching the config-save syntax `vm add_nio_binding` (spec §6).
func (v *VM) AddNIOBinding(slot, origPort int, n *nio.NIO) error {
	v.mu.Lock()
	card := v.slots[slot]
	v.mu.Unlock()
	if card == nil {
		return fmt.Errorf("vm %q: slot %d empty", v.Name, slot)
	}
	if err := card.Driver.SetNIO(slot, -1, origPort, n); err != nil {
		return err
	}
	card.nioBindings[origPort] = n
	return nil
}

// Stop transitions the VM through ShuttingDown, running every
// registered teardown hook in reverse order, then to Halted.
func (v *VM) Stop() error {
	v.mu.Lock()
	if v.status == Halted {
		v.mu.Unlock()
		return nil
	}
	v.status = ShuttingDown
	hooks := append([]func() error(nil), v.shutdownHooks...)
	v.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		if err := hooks[i](); err != nil {
			v.log.Errorf("vm", "%s: shutdown hook: %v", v.Name, err)
		}
	}

	for slot, card := range v.slots {
		if card != nil {
			if err := card.Driver.Shutdown(v, slot, -1); err != nil {
				v.log.Errorf("vm", "%s: slot %d shutdown: %v", v.Name, slot, err)
			}
		}
	}

	v.Console.Close()
	v.Aux.Close()
	if v.NVRAM != nil {
		v.NVRAM.Sync()
	}

	v.mu.Lock()
	v.status = Halted
	v.mu.Unlock()
	return nil
}

// Run transitions Halted -> Running; the CPU thread is external to
// this core (spec §1 Non-goals).
func (v *VM) Run() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.status != Halted {
		return fmt.Errorf("vm %q: cannot run from %s", v.Name, v.status)
	}
	v.status = Running
	return nil
}

// Suspend/Resume quiesce the VM for topology mutation while running
// (spec §5).
func (v *VM) Suspend() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.status != Running {
		return fmt.Errorf("vm %q: cannot suspend from %s", v.Name, v.status)
	}
	v.status = Suspended
	return nil
}

func (v *VM) Resume() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.status != Suspended {
		return fmt.Errorf("vm %q: cannot resume from %s", v.Name, v.status)
	}
	v.status = Running
	return nil
}

// ConfigRegister returns the platform configuration register value.
func (v *VM) ConfigRegister() uint32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cfgRegister
}

func (v *VM) SetConfigRegister(val uint32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cfgRegister = val
}

// SaveConfig pushes startup+private config blobs into NVRAM at the
// platform-supplied offset (spec §4.4, §8 invariant 7).
func (v *VM) SaveConfig(nvramOffset int, startup, private []byte) error {
	if v.NVRAM == nil {
		return fmt.Errorf("vm %q: no nvram", v.Name)
	}
	return v.NVRAM.PushConfig(nvramOffset, startup, private, nvram.Checksum)
}

// ExtractConfig is the inverse of SaveConfig.
func (v *VM) ExtractConfig(nvramOffset int) (startup, private []byte, err error) {
	if v.NVRAM == nil {
		return nil, nil, fmt.Errorf("vm %q: no nvram", v.Name)
	}
	return v.NVRAM.ExtractConfig(nvramOffset, nvram.Checksum)
}
