package nio

import (
	"fmt"
	"time"

	"github.com/google/gopacket/pcap"
)

// pcapTransport backs the `gen_eth` (libpcap generic Ethernet) and
// `linux_eth` (raw Ethernet socket, served here via pcap's live capture)
// NIO types.
type pcapTransport struct {
	handle *pcap.Handle
}

// NewGenEthTransport opens device for live capture and injection via
// libpcap, matching the original's generic pcap-based Ethernet NIO.
func NewGenEthTransport(device string) (Transport, error) {
	handle, err := pcap.OpenLive(device, 65536, true, pcap.BlockForever)
	if err != nil {
		return nil, fmt.Errorf("nio: pcap open %q: %w", device, err)
	}
	return &pcapTransport{handle: handle}, nil
}

// NewRawEthTransport is identical in implementation to the gen_eth
// transport: both ultimately hand frames to libpcap. The distinct
// constructor preserves the NIO descriptor syntax's `linux_eth` vs
// `gen_eth` distinction (spec §6) at the call site even though this
// port backs both with the same library.
func NewRawEthTransport(device string) (Transport, error) {
	return NewGenEthTransport(device)
}

func (t *pcapTransport) Send(frame []byte) error {
	return t.handle.WritePacketData(frame)
}

func (t *pcapTransport) Recv() ([]byte, error) {
	for {
		data, _, err := t.handle.ZeroCopyReadPacketData()
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			continue
		}
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}
}

func (t *pcapTransport) Close() error {
	t.handle.Close()
	return nil
}

// pcapFileWriter implements nio.CaptureWriter by writing frames to an
// on-disk pcap file, grounding the built-in "capture" packet filter.
type pcapFileWriter struct {
	w *pcapWriter
}

// pcapWriter is a minimal pcap-format file writer (global header + one
// record header per packet), avoiding a dependency on gopacket/pcapgo so
// the capture filter has no file-format surface beyond what spec §4.11
// requires.
type pcapWriter struct {
	f interface {
		Write([]byte) (int, error)
	}
}

// NewCaptureWriter writes a pcap global header to f and returns a
// CaptureWriter that appends one record per frame to f, suitable for
// binding to a NIO's capture filter.
func NewCaptureWriter(f interface {
	Write([]byte) (int, error)
}) (CaptureWriter, error) {
	hdr := []byte{
		0xd4, 0xc3, 0xb2, 0xa1, // magic (little-endian pcap)
		2, 0, 4, 0, // version major/minor
		0, 0, 0, 0, // thiszone
		0, 0, 0, 0, // sigfigs
		0xff, 0xff, 0x00, 0x00, // snaplen 65535
		1, 0, 0, 0, // LINKTYPE_ETHERNET
	}
	if _, err := f.Write(hdr); err != nil {
		return nil, err
	}
	return &pcapFileWriter{w: &pcapWriter{f: f}}, nil
}

func (p *pcapFileWriter) WritePacket(frame []byte) error {
	now := time.Now()
	rec := make([]byte, 16+len(frame))
	putLE32(rec[0:4], uint32(now.Unix()))
	putLE32(rec[4:8], uint32(now.Nanosecond()/1000))
	putLE32(rec[8:12], uint32(len(frame)))
	putLE32(rec[12:16], uint32(len(frame)))
	copy(rec[16:], frame)
	_, err := p.w.f.Write(rec)
	return err
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
