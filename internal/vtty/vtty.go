// Package vtty implements the virtual TTY abstraction backing a VM's
// console and auxiliary serial ports: an in-memory byte queue optionally
// mirrored to a TCP listener, consumed character-at-a-time by the
// NS16552 DUART and the remote-control MMIO device's console-write
// register (spec §4.6, §4.16).
//
// The accept side speaks raw TCP rather than negotiating telnet options;
// no telnet package is imported anywhere in this module. Option
// negotiation is not needed for a raw byte-stream console.
package vtty

import (
	"bytes"
	"fmt"
	"net"
	"sync"

	"github.com/dynamips-go/dynamips/internal/mlog"
)

// VTTY is a byte-oriented terminal: writes go out to whatever is
// attached (a connected client, or nothing); reads drain a buffer fed by
// an attached client's input.
type VTTY struct {
	Name string
	log  *mlog.Logger

	mu    sync.Mutex
	rxBuf bytes.Buffer
	conn  net.Conn
	ln    net.Listener
}

// New creates a detached VTTY (no listener, no client): writes are
// simply dropped and reads never return data. Use Listen to accept a
// client connection.
func New(log *mlog.Logger, name string) *VTTY {
	if log == nil {
		log = mlog.Discard()
	}
	return &VTTY{Name: name, log: log}
}

// Listen starts a TCP listener at addr and spawns a goroutine accepting
// connections one at a time; a new connection replaces whatever client
// was previously attached.
func (v *VTTY) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("vtty %q: listen: %w", v.Name, err)
	}
	v.mu.Lock()
	v.ln = ln
	v.mu.Unlock()

	go v.acceptLoop(ln)
	return nil
}

func (v *VTTY) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}

		v.mu.Lock()
		if v.conn != nil {
			v.conn.Close()
		}
		v.conn = conn
		v.mu.Unlock()

		go v.readLoop(conn)
	}
}

func (v *VTTY) readLoop(conn net.Conn) {
	buf := make([]byte, 256)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			v.mu.Lock()
			v.rxBuf.Write(buf[:n])
			v.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// Close stops the listener and any attached client.
func (v *VTTY) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.conn != nil {
		v.conn.Close()
		v.conn = nil
	}
	if v.ln != nil {
		return v.ln.Close()
	}
	return nil
}

// HasChar reports whether a byte is available to Read without blocking,
// as the DUART's LSR data-ready bit needs to know.
func (v *VTTY) HasChar() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rxBuf.Len() > 0
}

// ReadByte consumes one buffered byte; ok is false if none is available.
func (v *VTTY) ReadByte() (b byte, ok bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.rxBuf.Len() == 0 {
		return 0, false
	}
	b, _ = v.rxBuf.ReadByte()
	return b, true
}

// WriteByte forwards one byte to the attached client, if any; with no
// client attached, the byte is simply dropped (matching a disconnected
// serial line).
func (v *VTTY) WriteByte(b byte) {
	v.mu.Lock()
	conn := v.conn
	v.mu.Unlock()

	if conn == nil {
		return
	}
	if _, err := conn.Write([]byte{b}); err != nil {
		v.log.Debugf("vtty", "%s: write: %v", v.Name, err)
	}
}
