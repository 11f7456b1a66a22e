package service

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// idGenerator hands out run ids of the form YYYYMMDD-HHMMSS-ffffff-xxxxxx
// (UTC, microseconds, random suffix). Timestamps are strictly increasing, so
// ids sort lexicographically in creation order.
type idGenerator struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

func newIDGenerator(now func() time.Time) *idGenerator {
	if now == nil {
		now = time.Now
	}
	return &idGenerator{now: now}
}

func (g *idGenerator) next() (string, time.Time) {
	g.mu.Lock()
	t := g.now().UTC().Truncate(time.Microsecond)
	if !t.After(g.last) {
		t = g.last.Add(time.Microsecond)
	}
	g.last = t
	g.mu.Unlock()

	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("%s-%06d-%s", t.Format("20060102-150405"), t.Nanosecond()/1000, suffix), t
}
