package nio

import (
	"sync"
	"sync/atomic"

	"github.com/dynamips-go/dynamips/internal/mlog"
)

// Group is the RX multiplexer of spec §4.11. The original implementation
// is a small thread pool that polls a set of file descriptors and
// dispatches whichever NIOs become readable; in Go, one blocking-Recv
// goroutine per NIO is the idiomatic equivalent of that readiness loop
// (net.Conn and *os.File already provide cancelable blocking reads via
// Close, so no separate poll(2) layer is needed) and preserves the same
// observable contract: frames from a single NIO are delivered in arrival
// order, and removing a NIO deterministically stops its listener before
// the NIO can be freed.
type Group struct {
	log *mlog.Logger
	wg  sync.WaitGroup
}

// NewGroup creates an RX multiplexer. size is retained for API
// compatibility with a pooled implementation; this port spawns exactly
// one listener goroutine per NIO regardless of size, since Go's runtime
// scheduler already multiplexes goroutines onto OS threads.
func NewGroup(log *mlog.Logger, size int) *Group {
	if log == nil {
		log = mlog.Discard()
	}
	return &Group{log: log}
}

// Add registers handler to run for every frame n receives, starting a
// dedicated listener goroutine. It corresponds to netio_rxl_add.
func (g *Group) Add(n *NIO, handler RecvHandler) {
	if !atomic.CompareAndSwapInt32(&n.listening, 0, 1) {
		g.log.Errorf("nio", "NIO %q already has a listener", n.Name)
		return
	}

	n.handler = handler
	n.stopCh = make(chan struct{})
	n.doneCh = make(chan struct{})

	g.wg.Add(1)
	go g.listen(n)
}

func (g *Group) listen(n *NIO) {
	defer g.wg.Done()
	defer close(n.doneCh)

	for {
		frame, err := n.Transport.Recv()
		if err != nil {
			g.log.Debugf("nio", "NIO %q recv: %v, removing from poll set", n.Name, err)
			return
		}

		select {
		case <-n.stopCh:
			return
		default:
		}

		atomic.AddUint64(&n.stats.RXPackets, 1)
		atomic.AddUint64(&n.stats.RXBytes, uint64(len(frame)))

		out, action := n.runIngress(frame)
		if action == Drop {
			atomic.AddUint64(&n.stats.RXDrops, 1)
			continue
		}

		if n.handler != nil {
			n.handler(out)
		}
	}
}

// Remove cancels n's listener deterministically and blocks until its
// goroutine has exited, so a caller may safely free n immediately
// afterward (spec §4.11: "a NIO is never freed while its listener thread
// might dereference it").
func (g *Group) Remove(n *NIO) {
	if !atomic.CompareAndSwapInt32(&n.listening, 1, 0) {
		return
	}

	close(n.stopCh)
	n.Transport.Close() // unblocks a pending Recv
	<-n.doneCh
}

// Wait blocks until every listener goroutine started by this Group has
// exited. Used during process shutdown.
func (g *Group) Wait() {
	g.wg.Wait()
}
