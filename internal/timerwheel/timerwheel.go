// Package timerwheel drives periodic work in the emulated platforms: MAC
// ageing, TX ring scans, watchdog ticks, and the DUART's periodic dummy
// IRQ. It is grounded on dynamips's common/timer.c, ported from a pool of
// worker threads each owning an intrusive sorted list into goroutines
// each owning a container/heap min-heap ordered by next fire time.
package timerwheel

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/dynamips-go/dynamips/internal/mlog"
)

// Callback is invoked when a timer fires. Returning false removes the
// timer instead of rescheduling it.
type Callback func() bool

// entry is one scheduled timer. Queues keep entries in a min-heap by
// expire time, mirroring the original's sorted intrusive list.
type entry struct {
	id        uint64
	interval  time.Duration
	boundary  bool
	criticity int
	cb        Callback
	expire    time.Time
	removed   bool
	index     int // heap index, maintained by container/heap
}

type queue struct {
	mu     sync.Mutex
	heap   entryHeap
	wake   chan struct{}
	weight int // sum of criticity of entries currently queued
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].expire.Before(h[j].expire) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x interface{}) { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Wheel is a pool of timer-queue worker goroutines.
type Wheel struct {
	log     *mlog.Logger
	queues  []*queue
	nextID  uint64
	mu      sync.Mutex // guards nextID and the by-id index
	byID    map[uint64]*entry
	qOfID   map[uint64]*queue
	stop    chan struct{}
	stopped bool
}

// New starts a Wheel with the given number of worker queues.
func New(log *mlog.Logger, numQueues int) *Wheel {
	if numQueues <= 0 {
		numQueues = 4
	}
	if log == nil {
		log = mlog.Discard()
	}

	w := &Wheel{
		log:   log,
		byID:  make(map[uint64]*entry),
		qOfID: make(map[uint64]*queue),
		stop:  make(chan struct{}),
	}

	for i := 0; i < numQueues; i++ {
		q := &queue{wake: make(chan struct{}, 1)}
		w.queues = append(w.queues, q)
		go w.run(q)
	}

	return w
}

// leastLoaded picks the queue with the smallest summed criticity, as the
// original's timer_select_queue_from_pool does.
func (w *Wheel) leastLoaded() *queue {
	best := w.queues[0]
	for _, q := range w.queues[1:] {
		q.mu.Lock()
		qw := q.weight
		q.mu.Unlock()

		best.mu.Lock()
		bw := best.weight
		best.mu.Unlock()

		if qw < bw {
			best = q
		}
	}
	return best
}

// Add schedules cb to run every interval, starting either on a boundary
// of wall-clock time (boundary=true) or interval time units from now.
// An interval of zero is rejected.
func (w *Wheel) Add(interval time.Duration, boundary bool, criticity int, cb Callback) (uint64, error) {
	if interval <= 0 {
		return 0, fmt.Errorf("timerwheel: interval must be > 0")
	}

	w.mu.Lock()
	w.nextID++
	id := w.nextID
	w.mu.Unlock()

	e := &entry{
		id:        id,
		interval:  interval,
		boundary:  boundary,
		criticity: criticity,
		cb:        cb,
		expire:    nextFire(interval, boundary, time.Now()),
	}

	q := w.leastLoaded()

	q.mu.Lock()
	heap.Push(&q.heap, e)
	q.weight += criticity
	q.mu.Unlock()

	w.mu.Lock()
	w.byID[id] = e
	w.qOfID[id] = q
	w.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	return id, nil
}

func nextFire(interval time.Duration, boundary bool, now time.Time) time.Time {
	if !boundary {
		return now.Add(interval)
	}
	return nextFireAfter(interval, now)
}

// nextFireAfter snaps to the next multiple of interval relative to the
// epoch, as the original's m_gettime_adj()-based boundary scheduling does.
func nextFireAfter(interval time.Duration, now time.Time) time.Time {
	rem := now.UnixNano() % int64(interval)
	return now.Add(interval - time.Duration(rem))
}

// Remove cancels a timer. It is safe to call from any goroutine,
// including from within the timer's own callback. A concurrently
// running callback is allowed to finish; its reschedule is suppressed.
func (w *Wheel) Remove(id uint64) {
	w.mu.Lock()
	e, ok := w.byID[id]
	q, qok := w.qOfID[id]
	delete(w.byID, id)
	delete(w.qOfID, id)
	w.mu.Unlock()

	if !ok || !qok {
		return
	}

	q.mu.Lock()
	e.removed = true
	for i, cand := range q.heap {
		if cand == e {
			heap.Remove(&q.heap, i)
			q.weight -= e.criticity
			break
		}
	}
	q.mu.Unlock()
}

// Stop halts every worker goroutine. Queued callbacks in flight are
// allowed to complete but no new ones are started.
func (w *Wheel) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()

	close(w.stop)
}

func (w *Wheel) run(q *queue) {
	for {
		q.mu.Lock()
		var sleep time.Duration
		if len(q.heap) == 0 {
			sleep = time.Hour
		} else {
			sleep = time.Until(q.heap[0].expire)
			if sleep < 0 {
				sleep = 0
			}
		}
		q.mu.Unlock()

		timer := time.NewTimer(sleep)
		select {
		case <-w.stop:
			timer.Stop()
			return
		case <-timer.C:
		case <-q.wake:
			timer.Stop()
		}

		w.fireExpired(q)
	}
}

func (w *Wheel) fireExpired(q *queue) {
	now := time.Now()

	for {
		q.mu.Lock()
		if len(q.heap) == 0 || q.heap[0].expire.After(now) {
			q.mu.Unlock()
			return
		}
		e := heap.Pop(&q.heap).(*entry)
		q.weight -= e.criticity
		q.mu.Unlock()

		if e.removed {
			continue
		}

		keep := func() (keep bool) {
			defer func() {
				if r := recover(); r != nil {
					w.log.Errorf("timerwheel", "callback for timer %d panicked: %v", e.id, r)
					keep = false
				}
			}()
			return e.cb()
		}()

		if !keep || e.removed {
			w.mu.Lock()
			delete(w.byID, e.id)
			delete(w.qOfID, e.id)
			w.mu.Unlock()
			continue
		}

		if e.boundary {
			e.expire = nextFireAfter(e.interval, now)
		} else {
			// Non-boundary timers accumulate drift: always add the
			// interval to the previous fire time, never to "now".
			e.expire = e.expire.Add(e.interval)
		}

		q.mu.Lock()
		heap.Push(&q.heap, e)
		q.weight += e.criticity
		q.mu.Unlock()
	}
}
