package ledger

import (
	"strconv"
	"sync"
	"time"
)

// IDGenerator hands out entry ids derived from the wall clock in
// milliseconds, "entry-1718000000000". Ids are strictly increasing for the
// generator's lifetime even when the clock stalls or goes backwards.
type IDGenerator struct {
	mu   sync.Mutex
	now  func() time.Time
	last int64
}

// NewIDGenerator returns a generator reading now; nil means time.Now.
func NewIDGenerator(now func() time.Time) *IDGenerator {
	if now == nil {
		now = time.Now
	}
	return &IDGenerator{now: now}
}

// Next returns a new id.
func (g *IDGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ms := g.now().UnixMilli()
	if ms <= g.last {
		ms = g.last + 1
	}
	g.last = ms
	return "entry-" + strconv.FormatInt(ms, 10)
}
