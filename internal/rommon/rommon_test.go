package rommon

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vars.txt")
	s, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, s.Set("BOOT", "flash:c7200-is-mz"))
	v, ok := s.Get("BOOT")
	require.True(t, ok)
	assert.Equal(t, "flash:c7200-is-mz", v)
}

func TestReopenPersistsAcrossProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vars.txt")
	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.Set("CONFIG_FILE", "nvram:startup-config"))

	s2, err := Open(path)
	require.NoError(t, err)
	v, ok := s2.Get("CONFIG_FILE")
	require.True(t, ok)
	assert.Equal(t, "nvram:startup-config", v)
}

func TestClearRemovesVariable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vars.txt")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Set("X", "1"))
	require.NoError(t, s.Clear("X"))

	_, ok := s.Get("X")
	assert.False(t, ok)
}
