package gdbstub

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCore is a minimal cpu.Core for exercising the packet handler
// directly, without going over a socket.
type fakeCore struct {
	pc      uint64
	regs    map[int]uint64
	halted  bool
	steps   int
	bps     map[uint64]bool
}

func newFakeCore() *fakeCore {
	return &fakeCore{regs: make(map[int]uint64), bps: make(map[uint64]bool), halted: true}
}

func (f *fakeCore) PC() uint64         { return f.pc }
func (f *fakeCore) SetPC(pc uint64)    { f.pc = pc }
func (f *fakeCore) Step() error        { f.steps++; f.pc++; return nil }
func (f *fakeCore) SetIRQLine(irq uint, asserted bool) {}
func (f *fakeCore) RegisterFile() []byte { return []byte{0xde, 0xad, 0xbe, 0xef} }
func (f *fakeCore) SetRegisterFile(data []byte) error { return nil }
func (f *fakeCore) Register(n int) (uint64, error) { return f.regs[n], nil }
func (f *fakeCore) SetRegister(n int, v uint64) error { f.regs[n] = v; return nil }
func (f *fakeCore) DumpRegisters() {}
func (f *fakeCore) DumpMMU()       {}
func (f *fakeCore) Halted() bool      { return f.halted }
func (f *fakeCore) SetHalted(h bool)  { f.halted = h }
func (f *fakeCore) AddBreakpoint(addr uint64) error    { f.bps[addr] = true; return nil }
func (f *fakeCore) RemoveBreakpoint(addr uint64) error { delete(f.bps, addr); return nil }
func (f *fakeCore) Interrupt() { f.halted = true }

func TestQuestionMarkReportsLastSignal(t *testing.T) {
	s := New(nil, newFakeCore())
	reply, detach := s.handle("?")
	assert.Equal(t, "T05thread:01;", reply)
	assert.False(t, detach)
}

func TestStepAdvancesPCAndReports(t *testing.T) {
	c := newFakeCore()
	c.pc = 0x1000
	s := New(nil, c)

	reply, _ := s.handle("s")
	assert.Equal(t, "T05thread:01;", reply)
	assert.Equal(t, uint64(0x1001), c.pc)
	assert.Equal(t, 1, c.steps)
}

func TestRegisterReadWrite(t *testing.T) {
	c := newFakeCore()
	s := New(nil, c)

	reply, _ := s.handle(fmt.Sprintf("P%x=%x", 3, 0xcafe))
	require.Equal(t, "OK", reply)

	reply, _ = s.handle(fmt.Sprintf("p%x", 3))
	assert.Equal(t, fmt.Sprintf("%016x", uint64(0xcafe)), reply)
}

func TestBreakpointInsertRemove(t *testing.T) {
	c := newFakeCore()
	s := New(nil, c)

	reply, _ := s.handle("Z1,1000,4")
	assert.Equal(t, "OK", reply)
	assert.True(t, c.bps[0x1000])

	reply, _ = s.handle("z1,1000,4")
	assert.Equal(t, "OK", reply)
	assert.False(t, c.bps[0x1000])
}

func TestKillDetaches(t *testing.T) {
	c := newFakeCore()
	s := New(nil, c)
	killed := false
	s.OnKill(func() { killed = true })

	reply, detach := s.handle("k")
	assert.Equal(t, "", reply)
	assert.True(t, detach)
	assert.True(t, killed)
}
