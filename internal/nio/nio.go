// Package nio implements the abstract network I/O endpoint used
// throughout this runtime: a named, bidirectional byte-frame pipe with a
// pluggable transport and an ingress/egress filter chain. Grounded on
// dynamips's net_io.c/net_io.h (spec §4.11) and on the teacher's
// internal/bridge package for the mutex-per-object, structured-logging
// idiom used around a network object's lifecycle.
package nio

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dynamips-go/dynamips/internal/mlog"
)

// PortType tags how a NIO's VLAN membership is interpreted by a switch
// (spec §3, §4.10).
type PortType int

const (
	PortAccess PortType = iota
	PortTrunk
	PortISL
)

// VLANConfig is the per-NIO VLAN configuration a switch consults.
type VLANConfig struct {
	Type       PortType
	AccessVLAN uint16 // valid when Type == PortAccess
	NativeVLAN uint16 // valid when Type == PortTrunk
}

// Stats counts frames and bytes moved through a NIO, in each direction.
type Stats struct {
	RXPackets uint64
	RXBytes   uint64
	TXPackets uint64
	TXBytes   uint64
	RXDrops   uint64
	TXDrops   uint64
}

// RecvHandler is invoked by a Group's listener goroutine with each frame
// that survives the ingress filter chain.
type RecvHandler func(frame []byte)

// NIO is a registered network endpoint: a transport plus filters, VLAN
// tag, and stats. Ownership is reference-counted by the caller via the
// registry package; NIO itself only tracks filters and state needed to
// safely stop its own listener.
type NIO struct {
	Name      string
	Transport Transport
	VLAN      VLANConfig

	log *mlog.Logger

	mu      sync.Mutex
	rxChain []boundFilter
	txChain []boundFilter
	bothRX  []boundFilter // "both" direction, applied on ingress
	bothTX  []boundFilter // "both" direction, applied on egress

	stats Stats

	// listener bookkeeping, used by Group.
	handler   RecvHandler
	listening int32
	stopCh    chan struct{}
	doneCh    chan struct{}
}

type boundFilter struct {
	filter PacketFilter
	state  interface{}
}

// New wraps a transport in a NIO. The registry is expected to own the
// reference-counted handle; New itself does not register anything.
func New(log *mlog.Logger, name string, t Transport) *NIO {
	if log == nil {
		log = mlog.Discard()
	}
	return &NIO{Name: name, Transport: t, log: log}
}

// Direction selects which filter slot a filter is bound to.
type Direction int

const (
	DirRX Direction = iota
	DirTX
	DirBoth
)

// BindFilter attaches a named filter plug-in to one of the NIO's three
// filter slots (spec §3, §4.11). Re-binding a slot replaces whatever was
// there.
func (n *NIO) BindFilter(dir Direction, f PacketFilter) {
	n.mu.Lock()
	defer n.mu.Unlock()

	bf := []boundFilter{{filter: f, state: f.NewState()}}
	switch dir {
	case DirRX:
		n.rxChain = bf
	case DirTX:
		n.txChain = bf
	case DirBoth:
		n.bothRX = bf
		n.bothTX = bf
	}
}

// UnbindFilter clears a filter slot.
func (n *NIO) UnbindFilter(dir Direction) {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch dir {
	case DirRX:
		n.rxChain = nil
	case DirTX:
		n.txChain = nil
	case DirBoth:
		n.bothRX = nil
		n.bothTX = nil
	}
}

// Send runs the egress filter chain (TX then "both") on the sender's own
// goroutine, then hands the (possibly unchanged) frame to the transport.
// A DROP verdict from either stage silently discards the frame.
func (n *NIO) Send(frame []byte) error {
	n.mu.Lock()
	chain := append(append([]boundFilter{}, n.txChain...), n.bothTX...)
	n.mu.Unlock()

	out, action := runChain(chain, frame)
	if action == Drop {
		atomic.AddUint64(&n.stats.TXDrops, 1)
		return nil
	}

	if err := n.Transport.Send(out); err != nil {
		return fmt.Errorf("nio %q: send: %w", n.Name, err)
	}

	atomic.AddUint64(&n.stats.TXPackets, 1)
	atomic.AddUint64(&n.stats.TXBytes, uint64(len(out)))
	return nil
}

// runIngress is called by Group's listener goroutine with a raw frame
// read off the transport, before dispatching to the registered handler.
func (n *NIO) runIngress(frame []byte) ([]byte, Action) {
	n.mu.Lock()
	chain := append(append([]boundFilter{}, n.rxChain...), n.bothRX...)
	n.mu.Unlock()

	return runChain(chain, frame)
}

func runChain(chain []boundFilter, frame []byte) ([]byte, Action) {
	for _, bf := range chain {
		var action Action
		frame, action = bf.filter.Process(bf.state, frame)
		if action == Drop {
			return frame, Drop
		}
	}
	return frame, Pass
}

// Stat returns a snapshot of the NIO's counters.
func (n *NIO) Stat() Stats {
	return Stats{
		RXPackets: atomic.LoadUint64(&n.stats.RXPackets),
		RXBytes:   atomic.LoadUint64(&n.stats.RXBytes),
		TXPackets: atomic.LoadUint64(&n.stats.TXPackets),
		TXBytes:   atomic.LoadUint64(&n.stats.TXBytes),
		RXDrops:   atomic.LoadUint64(&n.stats.RXDrops),
		TXDrops:   atomic.LoadUint64(&n.stats.TXDrops),
	}
}

// Close releases the underlying transport. It does not touch the
// registry's reference count, and the registry package never calls it.
func (n *NIO) Close() error {
	return n.Transport.Close()
}
