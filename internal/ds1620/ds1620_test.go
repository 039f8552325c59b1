package ds1620

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func clockCommand(d *DS1620, cmd byte) {
	for i := 0; i < 8; i++ {
		d.ClockDataIn(int((cmd >> uint(i)) & 1))
	}
}

func readBits(d *DS1620, n int) uint32 {
	var v uint32
	for i := 0; i < n; i++ {
		v |= uint32(d.ClockDataOut()) << uint(i)
	}
	return v
}

func TestReadTemperatureAfterSet(t *testing.T) {
	d := New()
	d.Reset()
	d.SetTemperature(23) // 23C -> temp<<1 == 46

	clockCommand(d, cmdReadTemp)
	v := readBits(d, 9)
	assert.Equal(t, uint32(46), v)
}

func TestWriteThenReadThreshold(t *testing.T) {
	d := New()
	d.Reset()

	clockCommand(d, cmdWriteTH)
	for i := 0; i < 9; i++ {
		d.ClockDataIn(int((80 >> uint(i)) & 1))
	}

	clockCommand(d, cmdReadTH)
	v := readBits(d, 9)
	assert.Equal(t, uint32(80), v)
}

func TestResetClearsShiftRegisterMidCommand(t *testing.T) {
	d := New()
	d.ClockDataIn(1)
	d.ClockDataIn(0)
	d.Reset()
	assert.Equal(t, CmdIn, d.state)
	assert.Equal(t, 0, d.nbits)
}
