package clock

import (
	"sync/atomic"
	"time"
)

// Sequence hands out monotonically increasing identifiers (cell store
// numbers, block cache file ids).
type Sequence struct {
	atomic.Uint64
}

func NewSequence(init uint64) *Sequence {
	var s Sequence
	s.Store(init)
	return &s
}

func (s *Sequence) Val() uint64 {
	return s.Load()
}

func (s *Sequence) Next() uint64 {
	return s.Add(1)
}

// Bump raises the sequence to at least v.
func (s *Sequence) Bump(v uint64) {
	for {
		cur := s.Load()
		if cur >= v || s.CompareAndSwap(cur, v) {
			return
		}
	}
}

// Clock provides real timestamps in microseconds.
type Clock interface {
	NowMicros() int64
}

type System struct{}

func (System) NowMicros() int64 { return time.Now().UnixMicro() }

// Manual is a settable clock for tests.
type Manual struct {
	atomic.Int64
}

func (m *Manual) NowMicros() int64 { return m.Load() }

func (m *Manual) Advance(d int64) int64 { return m.Add(d) }
