package nvram

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/dynamips-go/dynamips/internal/memmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenReportsEmptyOnFreshFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nvram.bin")
	n, empty, err := Open(nil, path, 4096, nil)
	require.NoError(t, err)
	assert.True(t, empty)
	assert.NotNil(t, n)
}

func TestCalendarTickleRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nvram.bin")
	fixed := time.Date(2026, time.March, 5, 13, 45, 30, 0, time.UTC) // Thursday
	n, _, err := Open(nil, path, 4096, func() time.Time { return fixed })
	require.NoError(t, err)

	dev := n.Device("nvram", 0x1e000000)

	// Write the 64-bit tickle pattern one bit at a time, LSB first.
	for i := 0; i < 64; i++ {
		bit := (Pattern >> uint(i)) & 1
		v := bit
		_, err := dev.Handler.Access(nil, calendarOffset, 1, memmap.OpWrite, &v)
		require.NoError(t, err)
	}

	// Now read back 64 bits, reconstructing the value LSB-first.
	var reconstructed uint64
	for i := 0; i < 64; i++ {
		var v uint64
		_, err := dev.Handler.Access(nil, calendarOffset, 1, memmap.OpRead, &v)
		require.NoError(t, err)
		reconstructed |= (v & 1) << uint(i)
	}

	sec := byte(reconstructed >> 8)
	min := byte(reconstructed >> 16)
	hour := byte(reconstructed >> 24)

	assert.Equal(t, toBCD(30), sec)
	assert.Equal(t, toBCD(45), min)
	assert.Equal(t, toBCD(13), hour)
}

func TestPushExtractConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nvram.bin")
	n, _, err := Open(nil, path, 8192, nil)
	require.NoError(t, err)

	startup := []byte("hostname R1\n")
	require.NoError(t, n.PushConfig(0x100, startup, nil, Checksum))

	got, priv, err := n.ExtractConfig(0x100, Checksum)
	require.NoError(t, err)
	assert.Equal(t, startup, got)
	assert.Nil(t, priv)
}

func TestPushExtractWithPrivateConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nvram.bin")
	n, _, err := Open(nil, path, 8192, nil)
	require.NoError(t, err)

	startup := []byte("hostname R1\n")
	private := []byte("secret\n")
	require.NoError(t, n.PushConfig(0x100, startup, private, Checksum))

	gotStartup, gotPrivate, err := n.ExtractConfig(0x100, Checksum)
	require.NoError(t, err)
	assert.Equal(t, startup, gotStartup)
	assert.Equal(t, private, gotPrivate)
}
