// Package accessgroup implements the vertical partition of a range: one live
// cell cache plus the cell stores written by earlier compactions.
package accessgroup

import (
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"tabletdb/pkg/blockcache"
	"tabletdb/pkg/cellcache"
	"tabletdb/pkg/cellstore"
	"tabletdb/pkg/clock"
	"tabletdb/pkg/compression"
	"tabletdb/pkg/dfs"
	"tabletdb/pkg/metrics"
	"tabletdb/pkg/scan"
	"tabletdb/pkg/schema"
	"tabletdb/pkg/types"
)

type Options struct {
	FS      dfs.Filesystem
	Cache   *blockcache.Cache
	Tracker *metrics.MemoryTracker
	Clock   clock.Clock
	// Root is the directory holding the "tables" tree.
	Root   string
	Table  types.TableIdentifier
	Schema schema.AccessGroup
	Range  types.RangeSpec
}

// AccessGroup owns the cells of a set of column families within one range.
type AccessGroup struct {
	opts     Options
	name     string
	families []uint8
	ctxSch   *schema.Schema
	codec    compression.Codec

	// mu is the batch lock: held by writers across a batch of Add calls
	// and by compactions while they swap caches.
	mu     sync.Mutex
	locked *cellcache.CellCache

	// state guards the fields below for scanners.
	state sync.RWMutex
	rng   types.RangeSpec
	cache *cellcache.CellCache
	// frozen caches belong to a running or failed compaction; they stay
	// visible to scanners until a compaction installs their cells.
	frozen []*cellcache.CellCache
	stores []*cellstore.CellStore

	compacting sync.Mutex
	nextID     *clock.Sequence
}

func New(opts Options) (*AccessGroup, error) {
	codec, err := compression.ParseCodec(opts.Schema.Compression)
	if err != nil {
		return nil, err
	}
	if opts.Tracker == nil {
		opts.Tracker = &metrics.MemoryTracker{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	ag := &AccessGroup{
		opts:   opts,
		name:   opts.Schema.Name,
		ctxSch: &schema.Schema{AccessGroups: []schema.AccessGroup{opts.Schema}},
		codec:  codec,
		rng:    opts.Range,
		cache:  cellcache.New(),
		nextID: clock.NewSequence(0),
	}
	for _, cf := range opts.Schema.ColumnFamilies {
		ag.families = append(ag.families, cf.ID)
	}
	return ag, nil
}

func (ag *AccessGroup) Name() string      { return ag.name }
func (ag *AccessGroup) Families() []uint8 { return ag.families }
func (ag *AccessGroup) InMemory() bool    { return ag.opts.Schema.InMemory }

// Dir is where the group writes cell stores:
// <root>/tables/<table>/<group>/<digest of the range end row>.
func (ag *AccessGroup) Dir() string {
	return ag.opts.FS.Join(ag.opts.Root, "tables", ag.opts.Table.Name, ag.name, types.RowDigest(ag.opts.Range.EndRow))
}

func (ag *AccessGroup) Table() types.TableIdentifier { return ag.opts.Table }

// Lock starts a batch of Add calls.
func (ag *AccessGroup) Lock() {
	ag.mu.Lock()
	ag.state.RLock()
	ag.locked = ag.cache
	ag.state.RUnlock()
	ag.locked.Lock()
}

func (ag *AccessGroup) Unlock() {
	ag.locked.Unlock()
	ag.locked = nil
	ag.mu.Unlock()
}

// Add inserts a cell into the live cache. The caller holds Lock.
func (ag *AccessGroup) Add(k, v []byte, realTs int64) error {
	c := ag.locked
	before, n := c.Size(), c.Len()
	if err := c.Add(k, v, realTs); err != nil {
		return err
	}
	ag.opts.Tracker.AddMemory(c.Size() - before)
	ag.opts.Tracker.AddItems(int64(c.Len() - n))
	return nil
}

// IncludeInScan reports whether any family of the group is requested.
func (ag *AccessGroup) IncludeInScan(ctx *scan.Context) bool {
	return ctx.IncludesAny(ag.families)
}

// NewScanner merges the live cache, a cache frozen by a running compaction
// and every cell store.
func (ag *AccessGroup) NewScanner(ctx *scan.Context) (scan.Scanner, error) {
	ag.state.RLock()
	defer ag.state.RUnlock()

	m := scan.NewMergeScanner(ctx)
	m.AddScanner(ag.cache.NewScanner(ctx))
	for _, c := range ag.frozen {
		m.AddScanner(c.NewScanner(ctx))
	}
	for _, cs := range ag.stores {
		s, err := cs.NewScanner(ctx, ag.opts.Cache)
		if err != nil {
			_ = m.Close()
			return nil, err
		}
		m.AddScanner(s)
	}
	return m, nil
}

// SplitRows returns at most one split row strictly inside the range: the
// median of the candidates offered by the caches and cell stores.
func (ag *AccessGroup) SplitRows(relaxed bool) []string {
	ag.state.RLock()
	defer ag.state.RUnlock()

	var rows []string
	add := func(cands ...string) {
		for _, r := range cands {
			if ag.rng.StrictlyInside(r) {
				rows = append(rows, r)
			}
		}
	}
	add(ag.cache.SplitCandidates(relaxed)...)
	for _, c := range ag.frozen {
		add(c.SplitCandidates(relaxed)...)
	}
	for _, cs := range ag.stores {
		add(cs.SplitRow())
	}
	if len(rows) == 0 {
		return nil
	}
	sort.Strings(rows)
	return []string{rows[len(rows)/2]}
}

// CachedRows returns the distinct rows held in memory.
func (ag *AccessGroup) CachedRows() []string {
	ag.state.RLock()
	defer ag.state.RUnlock()
	rows := ag.cache.Rows()
	for _, c := range ag.frozen {
		rows = append(rows, c.Rows()...)
	}
	return rows
}

func (ag *AccessGroup) MemoryUsed() int64 {
	ag.state.RLock()
	defer ag.state.RUnlock()
	n := ag.cache.MemoryUsed()
	for _, c := range ag.frozen {
		n += c.MemoryUsed()
	}
	return n
}

func (ag *AccessGroup) DiskUsage() int64 {
	ag.state.RLock()
	defer ag.state.RUnlock()
	var n int64
	for _, cs := range ag.stores {
		n += cs.DiskUsage()
	}
	return n
}

// MaxTimestamp is the newest cell timestamp written to any cell store.
func (ag *AccessGroup) MaxTimestamp() int64 {
	ag.state.RLock()
	defer ag.state.RUnlock()
	var ts int64
	for _, cs := range ag.stores {
		ts = max(ts, cs.MaxTimestamp())
	}
	return ts
}

func (ag *AccessGroup) CollisionCount() int64 {
	ag.state.RLock()
	defer ag.state.RUnlock()
	return ag.cache.CollisionCount()
}

// LatestCommit is the newest commit time of the cells still in memory.
func (ag *AccessGroup) LatestCommit() int64 {
	ag.state.RLock()
	defer ag.state.RUnlock()
	ts := ag.cache.LatestCommit()
	for _, c := range ag.frozen {
		ts = max(ts, c.LatestCommit())
	}
	return ts
}

func (ag *AccessGroup) CachedCount() int {
	ag.state.RLock()
	defer ag.state.RUnlock()
	return ag.cache.Len()
}

// Files lists the cell store names in installation order.
func (ag *AccessGroup) Files() []string {
	ag.state.RLock()
	defer ag.state.RUnlock()
	names := make([]string, 0, len(ag.stores))
	for _, cs := range ag.stores {
		names = append(names, cs.Name())
	}
	return names
}

// AddCellStore opens an existing cell store and appends it to the group.
func (ag *AccessGroup) AddCellStore(name string) error {
	ag.state.RLock()
	rng := ag.rng
	ag.state.RUnlock()

	cs, err := cellstore.Open(ag.opts.FS, name, rng.StartRow, rng.EndRow)
	if err != nil {
		return err
	}
	if id, ok := storeID(name); ok {
		ag.nextID.Bump(id)
	}
	ag.state.Lock()
	ag.stores = append(ag.stores, cs)
	ag.state.Unlock()
	return nil
}

// Shrink moves the start of the group to startRow: cached cells below it are
// dropped and cell stores are reopened with the new bounds.
func (ag *AccessGroup) Shrink(startRow string) error {
	ag.mu.Lock()
	defer ag.mu.Unlock()
	ag.state.Lock()
	defer ag.state.Unlock()

	reopened := make([]*cellstore.CellStore, 0, len(ag.stores))
	for _, cs := range ag.stores {
		n, err := cellstore.Open(ag.opts.FS, cs.Name(), startRow, ag.rng.EndRow)
		if err != nil {
			for _, o := range reopened {
				_ = o.Release()
			}
			return errors.Wrapf(err, "shrink access group %s", ag.name)
		}
		reopened = append(reopened, n)
	}
	for _, cs := range ag.stores {
		if err := cs.Release(); err != nil {
			slog.Warn("failed to release cell store after shrink", "name", cs.Name(), "error", err)
		}
	}
	ag.stores = reopened

	old := ag.cache
	old.Lock()
	ag.cache = old.ShrinkRows([]byte(startRow))
	old.Unlock()
	ag.opts.Tracker.AddItems(int64(ag.cache.Len()))
	ag.retire(old)
	for i, c := range ag.frozen {
		ag.frozen[i] = c.ShrinkRows([]byte(startRow))
		ag.opts.Tracker.AddItems(int64(ag.frozen[i].Len()))
		ag.retire(c)
	}

	ag.rng.StartRow = startRow
	return nil
}

// Close releases every cache and cell store.
func (ag *AccessGroup) Close() error {
	ag.state.Lock()
	defer ag.state.Unlock()
	var err error
	for _, cs := range ag.stores {
		err = errors.CombineErrors(err, cs.Release())
	}
	ag.stores = nil
	ag.retire(ag.cache)
	for _, c := range ag.frozen {
		ag.retire(c)
	}
	ag.frozen = nil
	ag.cache = cellcache.New()
	return err
}

// retire releases a cache that is no longer reachable.
func (ag *AccessGroup) retire(c *cellcache.CellCache) {
	ag.opts.Tracker.RemoveItems(int64(c.Len()))
	ag.opts.Tracker.RemoveMemory(c.Release())
}

func storeID(name string) (uint64, bool) {
	i := strings.LastIndex(name, "/cs")
	if i < 0 {
		return 0, false
	}
	id, err := strconv.ParseUint(name[i+3:], 10, 64)
	return id, err == nil
}
