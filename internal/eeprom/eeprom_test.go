package eeprom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestV4SetFindRoundTrip(t *testing.T) {
	e := New(256)
	require.NoError(t, e.V4Set(0x01, []byte{0xAB})) // 1-byte fixed field
	require.NoError(t, e.V4Set(0x02, []byte{0x12, 0x34}))

	off, length, err := e.V4FindField(0x02)
	require.NoError(t, err)
	assert.Equal(t, 2, length)

	data, err := e.GetRegion(off, length)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x12, 0x34}, data)
}

func TestRegionRoundTrip(t *testing.T) {
	e := New(64)
	require.NoError(t, e.SetRegion(10, []byte{1, 2, 3, 4}))
	got, err := e.GetRegion(10, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, got)
}

func TestPatchMACBaseIsFindable(t *testing.T) {
	e := New(256)
	require.NoError(t, PatchMACBase(e, 0xAA, 1, 0x1234, 0))

	off, length, err := e.V4FindField(MACBaseFieldType)
	require.NoError(t, err)
	mac, err := e.GetRegion(off, length)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAA), mac[0])
}

func TestVariableLengthFieldTooLongRejected(t *testing.T) {
	e := New(64)
	err := e.V4Set(0x05, make([]byte, 16))
	assert.Error(t, err)
}
