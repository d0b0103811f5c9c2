package rangeserver

import (
	"sync"

	"github.com/google/uuid"
)

// TimestampTracker remembers the snapshot timestamp of every open scanner
// so compactions never cut above what a running scan may still read.
type TimestampTracker struct {
	mu  sync.Mutex
	tss map[uuid.UUID]int64
}

func NewTimestampTracker() *TimestampTracker {
	return &TimestampTracker{tss: make(map[uuid.UUID]int64)}
}

func (t *TimestampTracker) Add(ts int64) uuid.UUID {
	id := uuid.New()
	t.mu.Lock()
	t.tss[id] = ts
	t.mu.Unlock()
	return id
}

func (t *TimestampTracker) Remove(id uuid.UUID) {
	t.mu.Lock()
	delete(t.tss, id)
	t.mu.Unlock()
}

// Oldest returns the smallest registered timestamp.
func (t *TimestampTracker) Oldest() (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var (
		oldest int64
		found  bool
	)
	for _, ts := range t.tss {
		if !found || ts < oldest {
			oldest, found = ts, true
		}
	}
	return oldest, found
}

func (t *TimestampTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tss)
}
