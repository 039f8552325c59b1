//go:build linux

package nio

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	ifNameSize = 16
	iffTap     = 0x0002
	iffNoPI    = 0x1000
	tunSetIff  = 0x400454ca
)

type ifReq struct {
	name  [ifNameSize]byte
	flags uint16
	_     [22]byte
}

// tapTransport backs the `tap` NIO type with a Linux /dev/net/tun device
// in TAP (Ethernet frame) mode.
type tapTransport struct {
	f *os.File
}

// NewTAPTransport opens or creates the named TAP interface.
func NewTAPTransport(name string) (Transport, error) {
	f, err := os.OpenFile("/dev/net/tun", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("nio: open /dev/net/tun: %w", err)
	}

	var req ifReq
	copy(req.name[:], name)
	req.flags = iffTap | iffNoPI

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), tunSetIff, uintptr(unsafe.Pointer(&req)))
	if errno != 0 {
		f.Close()
		return nil, fmt.Errorf("nio: TUNSETIFF %q: %w", name, errno)
	}

	return &tapTransport{f: f}, nil
}

func (t *tapTransport) Send(frame []byte) error {
	_, err := t.f.Write(frame)
	return err
}

func (t *tapTransport) Recv() ([]byte, error) {
	buf := make([]byte, 65536)
	n, err := t.f.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (t *tapTransport) Close() error { return t.f.Close() }
