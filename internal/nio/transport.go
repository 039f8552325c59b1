package nio

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
)

// Transport is the send/recv boundary this core consumes; concrete
// physical drivers (TAP, UDP, UNIX, TCP, raw Ethernet) are the only part
// of the NIO layer aware of the host OS (spec §1 Non-goals, §4.11).
type Transport interface {
	Send(frame []byte) error
	// Recv blocks until a frame is available, the transport is closed
	// (returning io.EOF), or an error occurs.
	Recv() ([]byte, error)
	Close() error
}

// NullTransport discards everything sent and never yields a frame to
// Recv (which blocks until Close).
type NullTransport struct {
	closed chan struct{}
	once   sync.Once
}

// NewNullTransport returns a Transport matching the `null` NIO type.
func NewNullTransport() *NullTransport {
	return &NullTransport{closed: make(chan struct{})}
}

func (n *NullTransport) Send([]byte) error { return nil }

func (n *NullTransport) Recv() ([]byte, error) {
	<-n.closed
	return nil, io.EOF
}

func (n *NullTransport) Close() error {
	n.once.Do(func() { close(n.closed) })
	return nil
}

// packetConnTransport adapts a net.PacketConn fixed to a single peer
// (UNIX datagram or UDP), matching the `unix:path` and
// `udp:localPort:remoteHost:remotePort` NIO descriptor forms (spec §6).
type packetConnTransport struct {
	conn net.PacketConn
	peer net.Addr
	buf  int
}

func (t *packetConnTransport) Send(frame []byte) error {
	_, err := t.conn.WriteTo(frame, t.peer)
	return err
}

func (t *packetConnTransport) Recv() ([]byte, error) {
	buf := make([]byte, t.buf)
	n, _, err := t.conn.ReadFrom(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (t *packetConnTransport) Close() error { return t.conn.Close() }

// NewUnixTransport opens a UNIX datagram socket at localPath and sends
// to peerPath.
func NewUnixTransport(localPath, peerPath string) (Transport, error) {
	conn, err := net.ListenPacket("unixgram", localPath)
	if err != nil {
		return nil, fmt.Errorf("nio: unix listen: %w", err)
	}
	peer, err := net.ResolveUnixAddr("unixgram", peerPath)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("nio: unix resolve peer: %w", err)
	}
	return &packetConnTransport{conn: conn, peer: peer, buf: 65536}, nil
}

// NewUDPTransport opens a UDP socket on localPort and sends to
// remoteHost:remotePort.
func NewUDPTransport(localPort int, remoteHost string, remotePort int) (Transport, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: localPort})
	if err != nil {
		return nil, fmt.Errorf("nio: udp listen: %w", err)
	}
	peer, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", remoteHost, remotePort))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("nio: udp resolve peer: %w", err)
	}
	return &packetConnTransport{conn: conn, peer: peer, buf: 65536}, nil
}

// streamTransport implements the `tcp_cli`/`tcp_ser` NIO types: frames
// over a TCP byte stream, length-prefixed with a 32-bit big-endian count.
type streamTransport struct {
	mu   sync.Mutex
	conn net.Conn
}

func (t *streamTransport) Send(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(frame)))
	if _, err := t.conn.Write(hdr[:]); err != nil {
		return err
	}
	_, err := t.conn.Write(frame)
	return err
}

func (t *streamTransport) Recv() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(t.conn, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(t.conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (t *streamTransport) Close() error { return t.conn.Close() }

// NewTCPClientTransport connects out to addr (the `tcp_cli` NIO type).
func NewTCPClientTransport(addr string) (Transport, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("nio: tcp_cli dial: %w", err)
	}
	return &streamTransport{conn: conn}, nil
}

// NewTCPServerTransport listens on addr and accepts exactly one client
// (the `tcp_ser` NIO type), blocking until that client connects.
func NewTCPServerTransport(addr string) (Transport, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("nio: tcp_ser listen: %w", err)
	}
	defer ln.Close()

	conn, err := ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("nio: tcp_ser accept: %w", err)
	}
	return &streamTransport{conn: conn}, nil
}
