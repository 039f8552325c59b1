package timerwheel

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRejectsZeroInterval(t *testing.T) {
	w := New(nil, 2)
	defer w.Stop()

	_, err := w.Add(0, false, 1, func() bool { return true })
	require.Error(t, err)
}

func TestFiresRepeatedly(t *testing.T) {
	w := New(nil, 2)
	defer w.Stop()

	var count int32
	_, err := w.Add(5*time.Millisecond, false, 1, func() bool {
		atomic.AddInt32(&count, 1)
		return true
	})
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	assert.True(t, atomic.LoadInt32(&count) >= 3, "expected several fires, got %d", count)
}

func TestRemoveStopsFutureFires(t *testing.T) {
	w := New(nil, 1)
	defer w.Stop()

	var count int32
	id, err := w.Add(5*time.Millisecond, false, 1, func() bool {
		atomic.AddInt32(&count, 1)
		return true
	})
	require.NoError(t, err)

	time.Sleep(12 * time.Millisecond)
	w.Remove(id)
	after := atomic.LoadInt32(&count)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt32(&count), "no fires should occur after Remove")
}

func TestCallbackReturningFalseRemovesTimer(t *testing.T) {
	w := New(nil, 1)
	defer w.Stop()

	var count int32
	_, err := w.Add(5*time.Millisecond, false, 1, func() bool {
		atomic.AddInt32(&count, 1)
		return false
	})
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&count))
}
