package vm

import (
	"path/filepath"
	"testing"

	"github.com/dynamips-go/dynamips/internal/cpu"
	"github.com/dynamips-go/dynamips/internal/memmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVM(t *testing.T) *VM {
	t.Helper()
	v, err := New(nil, Config{
		Name:      "R1",
		Platform:  "c7200",
		RAMSize:   1024,
		NVRAMSize: 4096,
		NVRAMPath: filepath.Join(t.TempDir(), "nvram.bin"),
	})
	require.NoError(t, err)
	return v
}

func TestNewVMStartsHalted(t *testing.T) {
	v := newTestVM(t)
	assert.Equal(t, Halted, v.Status())
}

func TestRunThenStopTransitions(t *testing.T) {
	v := newTestVM(t)
	require.NoError(t, v.Run())
	assert.Equal(t, Running, v.Status())

	require.NoError(t, v.Stop())
	assert.Equal(t, Halted, v.Status())
}

func TestShutdownHooksRunInReverseOrder(t *testing.T) {
	v := newTestVM(t)
	require.NoError(t, v.Run())

	var order []int
	v.OnShutdown(func() error { order = append(order, 1); return nil })
	v.OnShutdown(func() error { order = append(order, 2); return nil })

	require.NoError(t, v.Stop())
	assert.Equal(t, []int{2, 1}, order)
}

func TestSaveAndExtractConfigRoundTrip(t *testing.T) {
	v := newTestVM(t)
	startup := []byte("hostname R1\n")

	require.NoError(t, v.SaveConfig(0x100, startup, nil))
	got, _, err := v.ExtractConfig(0x100)
	require.NoError(t, err)
	assert.Equal(t, startup, got)
}

func TestBindDeviceRejectedWhileRunning(t *testing.T) {
	v := newTestVM(t)
	require.NoError(t, v.Run())

	dev := &memmap.Device{
		Name:     "fake",
		PhysAddr: 0x1e000000,
		PhysLen:  0x1000,
		Handler:  memmap.HandlerFunc(func(c cpu.Core, offset uint64, size int, op memmap.Op, data *uint64) ([]byte, error) { return nil, nil }),
	}
	err := v.BindDevice(dev)
	assert.Error(t, err)
}
