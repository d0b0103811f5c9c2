// Package metrics holds the in-process counters of a range server: a
// labelled counter/gauge registry exported on the admin surface and the
// node-wide memory tracker fed by mutation buffers.
package metrics

import (
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

// Collector captures counters and gauges.
type Collector interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
}

// Registry is an in-memory Collector.
type Registry struct {
	mu       sync.Mutex
	counters map[string]float64
	gauges   map[string]float64
}

func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]float64),
		gauges:   make(map[string]float64),
	}
}

func (r *Registry) IncCounter(name string, labels map[string]string, delta float64) {
	k := seriesKey(name, labels)
	r.mu.Lock()
	r.counters[k] += delta
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, labels map[string]string, value float64) {
	k := seriesKey(name, labels)
	r.mu.Lock()
	r.gauges[k] = value
	r.mu.Unlock()
}

// Snapshot returns a copy of every series keyed by name{label="value",...}.
func (r *Registry) Snapshot() map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]float64, len(r.counters)+len(r.gauges))
	maps.Copy(out, r.counters)
	maps.Copy(out, r.gauges)
	return out
}

func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range slices.Sorted(maps.Keys(labels)) {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteString(`="`)
		b.WriteString(labels[k])
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}

// Nop discards everything.
type Nop struct{}

func (Nop) IncCounter(string, map[string]string, float64) {}
func (Nop) SetGauge(string, map[string]string, float64)   {}

// MemoryTracker accounts the bytes and entries held by mutation buffers
// across the node.
type MemoryTracker struct {
	bytes atomic.Int64
	items atomic.Int64
}

func (m *MemoryTracker) AddMemory(n int64)    { m.bytes.Add(n) }
func (m *MemoryTracker) RemoveMemory(n int64) { m.bytes.Add(-n) }
func (m *MemoryTracker) AddItems(n int64)     { m.items.Add(n) }
func (m *MemoryTracker) RemoveItems(n int64)  { m.items.Add(-n) }
func (m *MemoryTracker) Bytes() int64         { return m.bytes.Load() }
func (m *MemoryTracker) Items() int64         { return m.items.Load() }
