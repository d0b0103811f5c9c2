package scan

import (
	"bytes"
	"container/heap"

	"tabletdb/pkg/key"
)

// MergeScanner fans in several sorted sources into one sorted stream.
// Identical keys from different sources are returned once. Unless the scan
// asks for deletes, tombstones are consumed and the inserts they shadow are
// dropped; per-family version limits and TTL cutoffs are applied, and the
// scan stops after RowLimit distinct rows.
type MergeScanner struct {
	ctx           *Context
	returnDeletes bool
	sources       sourceHeap
	started       bool
	done          bool
	err           error

	key, value []byte
	prevKey    []byte

	rowDel, famDel, cellDel window

	cellPrefix []byte
	versions   uint32
	lastRow    []byte
	rows       int
}

type window struct {
	prefix []byte
	ts     int64
	active bool
}

func (w *window) set(prefix []byte, ts int64) {
	if w.active && bytes.Equal(w.prefix, prefix) {
		if ts > w.ts {
			w.ts = ts
		}
		return
	}
	w.prefix = append(w.prefix[:0], prefix...)
	w.ts = ts
	w.active = true
}

func (w *window) shadows(packed []byte, ts int64) bool {
	return w.active && ts <= w.ts && bytes.HasPrefix(packed, w.prefix)
}

// NewMergeScanner returns an empty merge scanner. Sources are added with
// AddScanner before the first Get.
func NewMergeScanner(ctx *Context) *MergeScanner {
	return &MergeScanner{ctx: ctx, returnDeletes: ctx.Spec.ReturnDeletes}
}

// AddScanner adds a sorted source. The merge scanner takes ownership.
func (m *MergeScanner) AddScanner(s Scanner) {
	m.sources = append(m.sources, s)
}

func (m *MergeScanner) Get() ([]byte, []byte, bool) {
	if !m.started {
		m.start()
	}
	if m.done {
		return nil, nil, false
	}
	return m.key, m.value, true
}

func (m *MergeScanner) Forward() {
	if !m.started {
		m.start()
	}
	if !m.done {
		m.next()
	}
}

func (m *MergeScanner) Err() error { return m.err }

func (m *MergeScanner) Close() error {
	var first error
	for _, s := range m.sources {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	m.sources = nil
	m.done = true
	return first
}

func (m *MergeScanner) start() {
	m.started = true
	live := m.sources[:0]
	all := m.sources
	for _, s := range all {
		if _, _, ok := s.Get(); ok {
			live = append(live, s)
			continue
		}
		if err := s.Err(); err != nil {
			m.fail(err)
			return
		}
		_ = s.Close()
	}
	m.sources = live
	heap.Init(&m.sources)
	m.next()
}

func (m *MergeScanner) fail(err error) {
	m.err = err
	m.done = true
}

func (m *MergeScanner) next() {
	for len(m.sources) > 0 {
		top := m.sources[0]
		k, v, _ := top.Get()
		m.key = append(m.key[:0], k...)
		m.value = append(m.value[:0], v...)

		top.Forward()
		if _, _, ok := top.Get(); ok {
			heap.Fix(&m.sources, 0)
		} else {
			if err := top.Err(); err != nil {
				m.fail(err)
				return
			}
			heap.Pop(&m.sources)
			_ = top.Close()
		}

		if m.prevKey != nil && bytes.Equal(m.key, m.prevKey) {
			continue
		}
		m.prevKey = append(m.prevKey[:0], m.key...)

		if !m.returnDeletes {
			keep, err := m.filter()
			if err != nil {
				m.fail(err)
				return
			}
			if !keep {
				continue
			}
		}

		row := key.Row(m.key)
		if !bytes.Equal(row, m.lastRow) || m.rows == 0 {
			m.rows++
			m.lastRow = append(m.lastRow[:0], row...)
			if limit := m.ctx.Spec.RowLimit; limit > 0 && m.rows > limit {
				break
			}
		}
		return
	}
	m.done = true
}

// filter consumes tombstones and applies shadowing, versions and TTL to the
// current cell. It reports whether the cell is returned.
func (m *MergeScanner) filter() (bool, error) {
	k, err := key.Decode(m.key)
	if err != nil {
		return false, err
	}
	switch k.Flag {
	case key.FlagDeleteRow:
		m.rowDel.set(m.key[:k.RowPrefixLen()], k.Timestamp)
		return false, nil
	case key.FlagDeleteColumnFamily:
		m.famDel.set(m.key[:k.FamilyPrefixLen()], k.Timestamp)
		return false, nil
	case key.FlagDeleteCell:
		m.cellDel.set(m.key[:k.CellPrefixLen()], k.Timestamp)
		return false, nil
	}

	if m.cellDel.shadows(m.key, k.Timestamp) ||
		m.famDel.shadows(m.key, k.Timestamp) ||
		m.rowDel.shadows(m.key, k.Timestamp) {
		return false, nil
	}

	info := m.ctx.FamilyInfo[k.ColumnFamily]
	if info.CutoffTime != 0 && k.Timestamp < info.CutoffTime {
		return false, nil
	}
	prefix := m.key[:k.CellPrefixLen()]
	if bytes.Equal(prefix, m.cellPrefix) {
		m.versions++
	} else {
		m.cellPrefix = append(m.cellPrefix[:0], prefix...)
		m.versions = 1
	}
	if info.MaxVersions != 0 && m.versions > info.MaxVersions {
		return false, nil
	}
	return true, nil
}

type sourceHeap []Scanner

func (h sourceHeap) Len() int { return len(h) }

func (h sourceHeap) Less(i, j int) bool {
	a, _, _ := h[i].Get()
	b, _, _ := h[j].Get()
	return bytes.Compare(a, b) < 0
}

func (h sourceHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *sourceHeap) Push(x any) { *h = append(*h, x.(Scanner)) }

func (h *sourceHeap) Pop() any {
	old := *h
	n := len(old)
	s := old[n-1]
	*h = old[:n-1]
	return s
}
