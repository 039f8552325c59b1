package mlog

import (
	"container/ring"
	"fmt"
	"sync"
	"time"
)

// Ring is a fixed-capacity log sink kept in memory so a running instance
// can answer "show me the last N log lines" without a file tail.
type Ring struct {
	size int

	mu sync.Mutex
	r  *ring.Ring
}

// NewRing allocates a ring buffer holding up to size lines.
func NewRing(size int) *Ring {
	return &Ring{r: ring.New(size), size: size}
}

// Println appends a timestamped line, overwriting the oldest entry once full.
func (l *Ring) Println(v ...interface{}) {
	line := time.Now().Format("2006/01/02 15:04:05") + " " + fmt.Sprint(v...)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.r = l.r.Next()
	l.r.Value = line
}

// Dump returns buffered lines oldest to newest.
func (l *Ring) Dump() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	res := make([]string, 0, l.size)
	l.r.Next().Do(func(v interface{}) {
		if v == nil {
			return
		}
		res = append(res, v.(string))
	})
	return res
}
