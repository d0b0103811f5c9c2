package accessgroup

import (
	"log/slog"
	"strconv"

	"github.com/cockroachdb/errors"

	"tabletdb/pkg/cellcache"
	"tabletdb/pkg/cellstore"
	"tabletdb/pkg/scan"
)

// RunCompaction writes every cached cell at or below cutoff to a new cell
// store. A minor compaction keeps tombstones and only flushes the cache; a
// major compaction merges the cache with every existing cell store, applies
// tombstones, version limits and TTLs, and replaces the stores with the
// result. In-memory groups never write cell stores: a major compaction
// purges tombstones from the cache instead.
func (ag *AccessGroup) RunCompaction(cutoff int64, major bool) error {
	ag.compacting.Lock()
	defer ag.compacting.Unlock()

	if ag.InMemory() {
		if major {
			ag.purge()
		}
		return nil
	}

	frozen := ag.freeze(cutoff)

	ag.state.RLock()
	rng := ag.rng
	var stores []*cellstore.CellStore
	if major {
		stores = append(stores, ag.stores...)
	}
	ag.state.RUnlock()

	spec := &scan.Spec{ReturnDeletes: !major}
	ctx := scan.NewContext(cutoff, spec, &rng, ag.ctxSch, ag.opts.Clock.NowMicros())
	m := scan.NewMergeScanner(ctx)
	for _, c := range frozen {
		m.AddScanner(c.NewScanner(ctx))
	}
	for _, cs := range stores {
		s, err := cs.NewScanner(ctx, nil)
		if err != nil {
			_ = m.Close()
			ag.abandon(err)
			return err
		}
		m.AddScanner(s)
	}

	name := ag.opts.FS.Join(ag.Dir(), "cs"+strconv.FormatUint(ag.nextID.Next(), 10))
	entries, err := ag.write(name, m)
	if cerr := m.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		ag.abandon(err)
		return errors.Wrapf(err, "compaction of access group %s", ag.name)
	}

	var fresh *cellstore.CellStore
	if entries > 0 || major {
		if fresh, err = cellstore.Open(ag.opts.FS, name, rng.StartRow, rng.EndRow); err != nil {
			ag.abandon(err)
			return err
		}
	} else if err := ag.opts.FS.Remove(name); err != nil {
		slog.Warn("failed to remove empty cell store", "name", name, "error", err)
	}

	ag.state.Lock()
	var retired []*cellstore.CellStore
	if major {
		retired = ag.stores
		ag.stores = nil
	}
	if fresh != nil {
		ag.stores = append(ag.stores, fresh)
	}
	ag.frozen = ag.frozen[len(frozen):]
	ag.state.Unlock()

	for _, cs := range retired {
		if err := cs.Release(); err != nil {
			slog.Warn("failed to release compacted cell store", "name", cs.Name(), "error", err)
		}
	}
	for _, c := range frozen {
		ag.retire(c)
	}

	slog.Info("access group compacted",
		"table", ag.opts.Table.Name, "access_group", ag.name, "range", rng.String(),
		"major", major, "cutoff", cutoff, "file", name, "entries", entries)
	return nil
}

// freeze makes the live cache immutable and continues with a child holding
// only the cells newer than cutoff. It returns every frozen cache, including
// those left behind by failed compactions, oldest first.
func (ag *AccessGroup) freeze(cutoff int64) []*cellcache.CellCache {
	ag.mu.Lock()
	defer ag.mu.Unlock()

	ag.state.Lock()
	defer ag.state.Unlock()
	c := ag.cache
	c.Lock()
	ag.cache = c.Slice(cutoff)
	c.Unlock()
	ag.frozen = append(ag.frozen, c)
	ag.opts.Tracker.AddItems(int64(ag.cache.Len()))
	return append([]*cellcache.CellCache(nil), ag.frozen...)
}

// abandon leaves the frozen caches of a failed compaction in place; the next
// compaction picks them up again.
func (ag *AccessGroup) abandon(err error) {
	slog.Error("compaction failed, frozen caches kept",
		"table", ag.opts.Table.Name, "access_group", ag.name, "error", err)
}

func (ag *AccessGroup) purge() {
	ag.mu.Lock()
	defer ag.mu.Unlock()
	ag.state.Lock()
	defer ag.state.Unlock()

	old := ag.cache
	old.Lock()
	ag.cache = old.PurgeTombstones()
	old.Unlock()
	ag.opts.Tracker.AddItems(int64(ag.cache.Len()))
	ag.retire(old)
}

func (ag *AccessGroup) write(name string, src scan.Scanner) (uint64, error) {
	w, err := cellstore.NewWriter(ag.opts.FS, name, cellstore.WriterOptions{
		BlockSize: ag.opts.Schema.BlockSize,
		Codec:     ag.codec,
	})
	if err != nil {
		return 0, err
	}
	for {
		k, v, ok := src.Get()
		if !ok {
			break
		}
		if err := w.Add(k, v); err != nil {
			_ = w.Abort()
			return 0, err
		}
		src.Forward()
	}
	if err := src.Err(); err != nil {
		_ = w.Abort()
		return 0, err
	}
	ag.state.RLock()
	meta := cellstore.Meta{Table: ag.opts.Table, StartRow: ag.rng.StartRow, EndRow: ag.rng.EndRow}
	ag.state.RUnlock()
	if err := w.Finalize(meta); err != nil {
		_ = w.Abort()
		return 0, err
	}
	return w.Entries(), nil
}
