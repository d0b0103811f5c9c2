// Package cellcache implements the in-memory mutation buffer of an access
// group: an ordered map from packed key to value whose payload bytes live in
// reference counted arenas. Slicing and purging produce child caches that
// share the parent's arenas instead of copying cells.
package cellcache

import (
	"bytes"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/zhangyunhao116/skipmap"

	"tabletdb/pkg/dberrors"
	"tabletdb/pkg/key"
)

// EntryOverhead is the bookkeeping charged per entry on top of its payload.
const EntryOverhead = 64

type entry struct {
	key   []byte
	value []byte
	arena *arena
	// commit is the real time of the batch that added the entry.
	commit int64
	// external is set once a child cache has taken over the entry.
	external bool
}

type orderedMap = skipmap.FuncMap[[]byte, *entry]

// CellCache is the mutation buffer. Add, Slice, ShrinkRows and
// PurgeTombstones require the caller to hold the cache lock; the read paths
// (NewScanner, SplitCandidates, Rows) take it themselves.
type CellCache struct {
	mu     sync.Mutex
	cells  *orderedMap
	alloc  allocator
	arenas map[*arena]struct{}

	size       atomic.Int64
	deletes    atomic.Int64
	collisions atomic.Int64
	latest     atomic.Int64
}

func New() *CellCache {
	return &CellCache{
		cells: skipmap.NewFunc[[]byte, *entry](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
		arenas: make(map[*arena]struct{}),
	}
}

func (c *CellCache) Lock()   { c.mu.Lock() }
func (c *CellCache) Unlock() { c.mu.Unlock() }

// Add copies key and value into one arena allocation. commitTs is the real
// time of the batch; versions are ordered by the key's own timestamp. A
// duplicate key is counted as a collision and dropped; the entry already
// present is kept.
func (c *CellCache) Add(k, v []byte, commitTs int64) error {
	if len(k) < key.TrailerSize {
		return errors.Wrapf(dberrors.ErrBadKey, "cell cache add: key of %d bytes", len(k))
	}
	n := len(k) + len(v)
	a, buf, fresh := c.alloc.alloc(n)
	if fresh {
		c.arenas[a] = struct{}{}
	}
	copy(buf, k)
	copy(buf[len(k):], v)
	e := &entry{key: buf[:len(k):len(k)], value: buf[len(k):], arena: a, commit: commitTs}

	if _, loaded := c.cells.LoadOrStore(e.key, e); loaded {
		c.collisions.Add(1)
		slog.Warn("collision detected on cell cache insert", "row", string(key.Row(e.key)))
		if n > ArenaChunkSize {
			delete(c.arenas, a)
			a.release()
		} else {
			c.alloc.unalloc(a, n)
		}
		return nil
	}
	c.size.Add(int64(n))
	if key.FlagOf(k).IsDelete() {
		c.deletes.Add(1)
	}
	c.noteCommit(commitTs)
	return nil
}

// Len is the number of entries.
func (c *CellCache) Len() int { return c.cells.Len() }

// Size is the number of payload bytes.
func (c *CellCache) Size() int64 { return c.size.Load() }

func (c *CellCache) DeleteCount() int64    { return c.deletes.Load() }
func (c *CellCache) CollisionCount() int64 { return c.collisions.Load() }

// LatestCommit is the newest commit time among the entries, zero when empty.
func (c *CellCache) LatestCommit() int64 { return c.latest.Load() }

func (c *CellCache) noteCommit(ts int64) {
	for {
		cur := c.latest.Load()
		if ts <= cur || c.latest.CompareAndSwap(cur, ts) {
			return
		}
	}
}

// MemoryUsed is the payload size plus the per-entry overhead.
func (c *CellCache) MemoryUsed() int64 {
	return c.size.Load() + int64(c.cells.Len())*EntryOverhead
}

// ForEach calls fn for every entry in key order until fn returns false.
func (c *CellCache) ForEach(fn func(k, v []byte) bool) {
	c.cells.Range(func(k []byte, e *entry) bool {
		return fn(e.key, e.value)
	})
}

// Slice returns a child cache holding every entry newer than cutoff. The
// child shares the arenas of those entries, which become externally owned
// in c.
func (c *CellCache) Slice(cutoff int64) *CellCache {
	child := New()
	c.cells.Range(func(k []byte, e *entry) bool {
		if key.TimestampOf(k) > cutoff {
			child.adopt(e)
		}
		return true
	})
	return child
}

// ShrinkRows returns a child cache holding the entries whose row is at or
// after startRow, sharing arenas like Slice.
func (c *CellCache) ShrinkRows(startRow []byte) *CellCache {
	child := New()
	c.cells.Range(func(k []byte, e *entry) bool {
		if bytes.Compare(key.Row(k), startRow) >= 0 {
			child.adopt(e)
		}
		return true
	})
	return child
}

// PurgeTombstones returns a child cache without tombstones and without the
// inserts they shadow. It is only valid when no older data lies below the
// cache, as in a major compaction of an in-memory access group.
func (c *CellCache) PurgeTombstones() *CellCache {
	child := New()
	var (
		present             bool
		rowDel, famDel, cel tombstone
	)
	c.cells.Range(func(k []byte, e *entry) bool {
		kc, err := key.Decode(k)
		if err != nil {
			slog.Error("problem decoding cell cache key", "error", err)
			return true
		}
		if kc.Flag != key.FlagInsert {
			var w *tombstone
			switch kc.Flag {
			case key.FlagDeleteRow:
				w = &rowDel
			case key.FlagDeleteColumnFamily:
				w = &famDel
			default:
				w = &cel
			}
			prefix := k[:kc.ScopeLen()]
			if present && w.matches(prefix) {
				w.ts = max(w.ts, kc.Timestamp)
			} else {
				w.set(prefix, kc.Timestamp)
				present = true
			}
			return true
		}

		if present {
			scopes := [...]struct {
				w   *tombstone
				len int
			}{
				{&cel, kc.CellPrefixLen()},
				{&famDel, kc.FamilyPrefixLen()},
				{&rowDel, kc.RowPrefixLen()},
			}
			for _, s := range scopes {
				if !s.w.active() {
					continue
				}
				if s.w.matches(k[:s.len]) {
					if kc.Timestamp > s.w.ts {
						child.adopt(e)
					}
					return true
				}
				s.w.clear()
			}
			present = false
		}
		child.adopt(e)
		return true
	})
	return child
}

type tombstone struct {
	prefix []byte
	ts     int64
}

func (t *tombstone) active() bool { return len(t.prefix) > 0 }

func (t *tombstone) matches(prefix []byte) bool {
	return len(t.prefix) > 0 && bytes.Equal(t.prefix, prefix)
}

func (t *tombstone) set(prefix []byte, ts int64) {
	t.prefix = append(t.prefix[:0], prefix...)
	t.ts = ts
}

func (t *tombstone) clear() { t.prefix = t.prefix[:0] }

// adopt inserts e into c, taking a reference on its arena, and marks e as
// externally owned in its previous cache.
func (c *CellCache) adopt(e *entry) {
	if _, ok := c.arenas[e.arena]; !ok {
		e.arena.retain()
		c.arenas[e.arena] = struct{}{}
	}
	c.cells.Store(e.key, &entry{key: e.key, value: e.value, arena: e.arena, commit: e.commit})
	c.noteCommit(e.commit)
	e.external = true
	c.size.Add(int64(len(e.key) + len(e.value)))
	if key.FlagOf(e.key).IsDelete() {
		c.deletes.Add(1)
	}
}

// SplitCandidates returns at most one split row. Strict mode returns the
// median distinct row and needs at least three rows; relaxed mode returns
// the row of the middle entry.
func (c *CellCache) SplitCandidates(relaxed bool) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if relaxed {
		n := c.cells.Len()
		if n == 0 {
			return nil
		}
		var row string
		i := 0
		c.cells.Range(func(k []byte, _ *entry) bool {
			if i == n/2 {
				row = string(key.Row(k))
				return false
			}
			i++
			return true
		})
		return []string{row}
	}

	rows := c.rowsLocked()
	if len(rows) < 3 {
		return nil
	}
	return []string{rows[len(rows)/2]}
}

// Rows returns every distinct cached row in order.
func (c *CellCache) Rows() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rowsLocked()
}

func (c *CellCache) rowsLocked() []string {
	var (
		rows []string
		last []byte
	)
	c.cells.Range(func(k []byte, _ *entry) bool {
		row := key.Row(k)
		if len(rows) == 0 || !bytes.Equal(row, last) {
			rows = append(rows, string(row))
			last = row
		}
		return true
	})
	return rows
}

// Release drops the cache's arena references and returns the payload bytes
// whose lifetime ended with it. Entries handed to a child are not counted.
func (c *CellCache) Release() int64 {
	var freed int64
	c.cells.Range(func(_ []byte, e *entry) bool {
		if !e.external {
			freed += int64(len(e.key) + len(e.value))
		}
		return true
	})
	for a := range c.arenas {
		a.release()
	}
	c.arenas = make(map[*arena]struct{})
	return freed
}
