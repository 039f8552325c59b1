// Package nvram implements the NVRAM MMIO device with DS1216 calendar
// semantics and the generic startup/private-config extraction helpers.
// Grounded on dynamips's common/dev_nvram.c (spec §4.4, §6, §8).
package nvram

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dynamips-go/dynamips/internal/cpu"
	"github.com/dynamips-go/dynamips/internal/memmap"
	"github.com/dynamips-go/dynamips/internal/mlog"
)

// Pattern is the DS1216 "tickle" sequence that primes the calendar for
// reading (spec §4.4).
const Pattern uint64 = 0x5ca33ac55ca33ac5

// calendarOffset is the device-relative offset of the calendar port.
const calendarOffset = 0x03

// Clock supplies the current time; tests substitute a fixed clock.
type Clock func() time.Time

// NVRAM is a file-backed MMIO device with a calendar side channel.
type NVRAM struct {
	log *mlog.Logger
	now Clock

	mu      sync.Mutex
	data    []byte // the mapped file's full contents, kept in memory
	path    string
	calRead uint64 // primed calendar value, consumed one bit per read
	calWrite uint64 // tickle-pattern shift register
}

// Open reads the NVRAM-backing file at path into memory, zero-extended
// to size bytes (a missing file reads as all zeros; Sync writes the
// file), and returns the device plus whether the contents were entirely
// zero at open time (spec §4.4: "sets bit 0x0040 of the configuration register the
// first time it sees an all-zero NVRAM").
func Open(log *mlog.Logger, path string, size int, now Clock) (*NVRAM, bool, error) {
	if log == nil {
		log = mlog.Discard()
	}
	if now == nil {
		now = time.Now
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, false, fmt.Errorf("nvram: read %s: %w", path, err)
		}
		data = nil
	}
	if len(data) < size {
		grown := make([]byte, size)
		copy(grown, data)
		data = grown
	}

	empty := true
	for _, b := range data {
		if b != 0 {
			empty = false
			break
		}
	}

	n := &NVRAM{log: log, now: now, data: data, path: path}
	return n, empty, nil
}

// Sync flushes the in-memory contents back to the backing file.
func (n *NVRAM) Sync() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return os.WriteFile(n.path, n.data, 0644)
}

// Device returns an MMIO device wired to this NVRAM's access handler.
func (n *NVRAM) Device(name string, physAddr uint64) *memmap.Device {
	return &memmap.Device{
		Name:     name,
		PhysAddr: physAddr,
		PhysLen:  uint64(len(n.data)),
		Handler:  memmap.HandlerFunc(n.access),
		HostMem:  n.data,
	}
}

func (n *NVRAM) access(c cpu.Core, offset uint64, size int, op memmap.Op, data *uint64) ([]byte, error) {
	if offset == calendarOffset {
		n.mu.Lock()
		defer n.mu.Unlock()

		if op == memmap.OpRead {
			*data = n.calRead & 1
			n.calRead >>= 1
		} else {
			bit := *data & 1
			n.shiftWrite(bit)
		}
		return nil, nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if int(offset)+size > len(n.data) {
		return nil, fmt.Errorf("nvram: access at 0x%x (size %d) out of range", offset, size)
	}

	if op == memmap.OpRead {
		var v uint64
		for i := 0; i < size; i++ {
			v = v<<8 | uint64(n.data[int(offset)+i])
		}
		*data = v
	} else {
		v := *data
		for i := size - 1; i >= 0; i-- {
			n.data[int(offset)+i] = byte(v)
			v >>= 8
		}
	}
	return nil, nil
}

// shiftWrite accumulates one bit of a tickle-pattern write, each new bit
// entering from the top of a 64-bit shift register. Once that register
// equals Pattern, the calendar is primed: the next 64 single-bit reads
// return the BCD-encoded time sampled at that moment, LSB first.
func (n *NVRAM) shiftWrite(bit uint64) {
	n.calWrite = n.calWrite>>1 | (bit << 63)
	if n.calWrite == Pattern {
		n.calRead = n.encodeCalendar()
	}
}

func (n *NVRAM) encodeCalendar() uint64 {
	t := n.now().Local()
	var res uint64
	res |= uint64(toBCD(t.Second())) << 8
	res |= uint64(toBCD(t.Minute())) << 16
	res |= uint64(toBCD(t.Hour())) << 24
	res |= uint64(toBCD(int(t.Weekday()))) << 32
	res |= uint64(toBCD(t.Day())) << 40
	res |= uint64(toBCD(int(t.Month()))) << 48
	res |= uint64(toBCD(t.Year()%100)) << 56
	return res
}

func toBCD(v int) byte {
	return byte((v/10)<<4 + v%10)
}
