package memmap

import (
	"testing"

	"github.com/dynamips-go/dynamips/internal/cpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler() Handler {
	return HandlerFunc(func(c cpu.Core, offset uint64, size int, op Op, data *uint64) ([]byte, error) {
		return nil, nil
	})
}

func TestRAMRoundTrip(t *testing.T) {
	m := New(nil, 0, 4096)
	m.Write(nil, 0x10, 4, 0xdeadbeef)
	assert.Equal(t, uint64(0xdeadbeef), m.Read(nil, 0x10, 4))

	// Big-endian: first byte of the word is the MSB.
	assert.Equal(t, byte(0xde), m.RAM()[0x10])
}

func TestBindDeviceRejectsOverlap(t *testing.T) {
	m := New(nil, 0, 0x1000)

	require.NoError(t, m.BindDevice(&Device{Name: "a", PhysAddr: 0x2000, PhysLen: 0x100, Handler: noopHandler()}))

	err := m.BindDevice(&Device{Name: "b", PhysAddr: 0x2050, PhysLen: 0x10, Handler: noopHandler()})
	require.Error(t, err)
}

func TestUnbindIsIdempotent(t *testing.T) {
	m := New(nil, 0, 0x1000)
	m.UnbindDevice("does-not-exist") // must not panic
}

func TestUnmappedAccessIsZeroOnReadDiscardOnWrite(t *testing.T) {
	m := New(nil, 0, 0x1000)
	assert.Equal(t, uint64(0), m.Read(nil, 0x5000, 4))
	m.Write(nil, 0x5000, 4, 0xffffffff) // must not panic
}

func TestDeviceAccessAtBoundary(t *testing.T) {
	m := New(nil, 0, 0x1000)
	var lastOffset uint64 = ^uint64(0)

	require.NoError(t, m.BindDevice(&Device{
		Name: "dev", PhysAddr: 0x8000, PhysLen: 0x10,
		Handler: HandlerFunc(func(c cpu.Core, offset uint64, size int, op Op, data *uint64) ([]byte, error) {
			lastOffset = offset
			return nil, nil
		}),
	}))

	m.Read(nil, 0x8000+0x10-1, 1)
	assert.Equal(t, uint64(0xf), lastOffset, "offset == phys_len-1 must dispatch to the device")

	// offset == phys_len falls outside the device and must be unmapped.
	lastOffset = ^uint64(0)
	m.Read(nil, 0x8000+0x10, 1)
	assert.Equal(t, ^uint64(0), lastOffset, "offset == phys_len must not reach the device")
}
