// Package rangeserver holds the ranges a node serves: routing of updates to
// access groups, scans, compaction, the split state machine and recovery.
package rangeserver

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"tabletdb/pkg/accessgroup"
	"tabletdb/pkg/blockcache"
	"tabletdb/pkg/clock"
	"tabletdb/pkg/commitlog"
	"tabletdb/pkg/compression"
	"tabletdb/pkg/dberrors"
	"tabletdb/pkg/dfs"
	"tabletdb/pkg/key"
	"tabletdb/pkg/metalog"
	"tabletdb/pkg/metrics"
	"tabletdb/pkg/scan"
	"tabletdb/pkg/schema"
	"tabletdb/pkg/types"
)

type RangeOptions struct {
	Table  types.TableIdentifier
	Schema *schema.Schema
	Range  types.RangeSpec
	State  types.RangeState

	FS      dfs.Filesystem
	Cache   *blockcache.Cache
	Tracker *metrics.MemoryTracker
	Clock   clock.Clock
	// Root holds cell stores, LogDir transfer logs.
	Root   string
	LogDir string
	Codec  compression.Codec
	// MaxBytes caps the soft limit a split may double up to.
	MaxBytes uint64

	Metadata    MetadataTable
	Log         RangeLog
	Coordinator Coordinator
	FaultHook   FaultHook
	Logger      *slog.Logger
}

// Range is the set of access groups holding the rows [StartRow, EndRow) of
// a table on this server.
type Range struct {
	opts     RangeOptions
	log      *slog.Logger
	groups   []AccessGroup
	byFamily [256]AccessGroup

	barrier     *UpdateBarrier
	scanners    *TimestampTracker
	maintenance atomic.Bool

	mu        sync.Mutex
	table     types.TableIdentifier
	rng       types.RangeSpec
	state     types.RangeState
	timestamp types.Timestamp
	err       error
	// splitRow and transfer are set while a split log is installed; they
	// only change while the update barrier is blocked.
	splitRow string
	transfer *commitlog.Writer

	lastLogical atomic.Int64
	// pending is guarded by the batch lock.
	pending []scan.Cell

	inserts atomic.Int64
	deletes [3]atomic.Int64
}

type nopLog struct{}

func (nopLog) Append(metalog.Entry) error { return nil }

// NewRange builds the access groups of rng, opens the cell stores listed in
// the metadata table and reinstalls the transfer log of an interrupted
// split.
func NewRange(opts RangeOptions) (*Range, error) {
	if opts.Schema == nil {
		return nil, errors.Wrapf(dberrors.ErrInvalidArgument, "range %s of %s without schema", opts.Range, opts.Table.Name)
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Tracker == nil {
		opts.Tracker = &metrics.MemoryTracker{}
	}
	if opts.Log == nil {
		opts.Log = nopLog{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxBytes > 0 && (opts.State.SoftLimit == 0 || opts.State.SoftLimit > opts.MaxBytes) {
		opts.State.SoftLimit = opts.MaxBytes
	}

	r := &Range{
		opts:     opts,
		table:    opts.Table,
		rng:      opts.Range,
		state:    opts.State,
		barrier:  NewUpdateBarrier(),
		scanners: NewTimestampTracker(),
	}
	r.log = opts.Logger.With("table", opts.Table.Name, "range", opts.Range.String())

	for _, agSchema := range opts.Schema.AccessGroups {
		ag, err := accessgroup.New(accessgroup.Options{
			FS:      opts.FS,
			Cache:   opts.Cache,
			Tracker: opts.Tracker,
			Clock:   opts.Clock,
			Root:    opts.Root,
			Table:   opts.Table,
			Schema:  agSchema,
			Range:   opts.Range,
		})
		if err != nil {
			_ = r.Close()
			return nil, err
		}
		r.groups = append(r.groups, ag)
		for _, id := range ag.Families() {
			r.byFamily[id] = ag
		}
	}

	if err := r.loadCellStores(); err != nil {
		_ = r.Close()
		return nil, err
	}
	for _, ag := range r.groups {
		r.lastLogical.Store(max(r.lastLogical.Load(), ag.MaxTimestamp()))
	}
	r.timestamp.Logical = r.lastLogical.Load()

	if r.state.State == types.StateSplitLogInstalled {
		w, err := commitlog.NewWriter(opts.FS, r.state.TransferLog, opts.Codec)
		if err != nil {
			_ = r.Close()
			return nil, errors.Wrapf(err, "failed to reopen transfer log of %s", r.Name())
		}
		r.transfer = w
		r.splitRow = r.state.SplitPoint
	}
	r.log.Info("range loaded", "state", r.state.String())
	return r, nil
}

func (r *Range) loadCellStores() error {
	md := r.opts.Metadata
	if md == nil {
		return nil
	}
	if err := md.AddRange(r.opts.Table, r.opts.Range); err != nil {
		return err
	}
	row, err := md.Files(r.opts.Table, r.opts.Range.EndRow)
	if err != nil {
		return err
	}
	for agName, files := range row.Files {
		ag := r.group(agName)
		if ag == nil {
			r.log.Error("unrecognized access group in metadata", "access_group", agName)
			continue
		}
		for _, name := range files {
			r.log.Info("loading cell store", "file", name)
			if err := ag.AddCellStore(name); err != nil {
				return errors.Wrapf(err, "load cell store %s of %s", name, r.Name())
			}
		}
	}
	return nil
}

func (r *Range) group(name string) AccessGroup {
	for _, ag := range r.groups {
		if ag.Name() == name {
			return ag
		}
	}
	return nil
}

// Name renders the range as table[start..end).
func (r *Range) Name() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.table.Name + r.rng.String()
}

func (r *Range) Table() types.TableIdentifier {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.table
}

func (r *Range) Spec() types.RangeSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng
}

func (r *Range) State() types.RangeState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the sticky error that blocks further updates.
func (r *Range) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Range) ClearError() {
	r.mu.Lock()
	r.err = nil
	r.mu.Unlock()
}

func (r *Range) setError(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
	r.log.Error("range disabled for updates", "error", err)
}

// Lock starts a batch of updates. It waits while maintenance holds the
// update barrier.
func (r *Range) Lock() {
	r.barrier.Enter()
	for _, ag := range r.groups {
		ag.Lock()
	}
}

// Unlock ends a batch, commits its timestamp and appends the cells that
// belong to a split-off range to the transfer log. The log is synced after
// the access groups are released; a failed write disables the range.
func (r *Range) Unlock(realTs int64) error {
	cells := r.pending
	r.pending = nil
	r.mu.Lock()
	r.timestamp = types.Timestamp{Logical: r.lastLogical.Load(), Real: realTs}
	r.mu.Unlock()
	for _, ag := range r.groups {
		ag.Unlock()
	}
	defer r.barrier.Exit()

	if len(cells) == 0 {
		return nil
	}
	// transfer is only swapped with the barrier blocked.
	if err := r.transfer.Write(r.Table(), cells); err != nil {
		err = errors.Wrapf(err, "failed to append %d cells to the transfer log of %s", len(cells), r.Name())
		r.setError(err)
		return err
	}
	return nil
}

// Add routes one cell to its access group. Row deletes go to every group.
// The caller holds Lock.
func (r *Range) Add(k, v []byte, realTs int64) error {
	if err := r.Err(); err != nil {
		return err
	}
	kc, err := key.Decode(k)
	if err != nil {
		return err
	}
	if !kc.Flag.IsDelete() && kc.Flag != key.FlagInsert {
		return errors.Wrapf(dberrors.ErrBadKey, "unknown flag %d", uint8(kc.Flag))
	}
	if kc.Flag != key.FlagDeleteRow && r.byFamily[kc.ColumnFamily] == nil {
		err := errors.Wrapf(dberrors.ErrInvalidColumnFamily, "family %d in %s", kc.ColumnFamily, r.Name())
		r.setError(err)
		return err
	}

	if kc.Timestamp > r.lastLogical.Load() {
		r.lastLogical.Store(kc.Timestamp)
	}
	if kc.Flag == key.FlagDeleteRow {
		for _, ag := range r.groups {
			if err := ag.Add(k, v, realTs); err != nil {
				return err
			}
		}
	} else if err := r.byFamily[kc.ColumnFamily].Add(k, v, realTs); err != nil {
		return err
	}

	if kc.Flag == key.FlagInsert {
		r.inserts.Add(1)
	} else {
		r.deletes[kc.Flag].Add(1)
	}
	if r.transfer != nil && string(kc.Row) < r.splitRow {
		r.pending = append(r.pending, scan.Cell{Key: bytes.Clone(k), Value: bytes.Clone(v)})
	}
	return nil
}

// Replay applies a transfer log written by the range this one was split
// from. Its cells were already counted there, so the counters are reset.
func (r *Range) Replay(reader *commitlog.Reader, realTs int64) error {
	table := r.Table()
	var (
		err           error
		blocks, cells int
	)
	r.Lock()
replay:
	for {
		tid, batch, nerr := reader.Next()
		if errors.Is(nerr, io.EOF) {
			break
		}
		if nerr != nil {
			err = nerr
			break
		}
		if tid.ID != table.ID || tid.Name != table.Name {
			err = errors.Wrapf(dberrors.ErrCorruptCommitLog, "table mismatch in transfer log replay %q != %q", tid.Name, table.Name)
			break
		}
		for _, c := range batch {
			if err = r.Add(c.Key, c.Value, realTs); err != nil {
				break replay
			}
		}
		blocks++
		cells += len(batch)
	}
	err = errors.CombineErrors(err, r.Unlock(realTs))

	r.inserts.Store(0)
	for i := range r.deletes {
		r.deletes[i].Store(0)
	}
	if err != nil {
		r.log.Error("problem replaying transfer log", "error", err, "blocks", blocks)
		return err
	}
	r.log.Info("replayed transfer log", "blocks", blocks, "cells", cells)
	return nil
}

type rangeScanner struct {
	scan.Scanner
	once    sync.Once
	release func()
}

func (s *rangeScanner) Close() error {
	s.once.Do(s.release)
	return s.Scanner.Close()
}

// CreateScanner merges the access groups whose families the scan asks for.
// The scan sees the range as of its last committed batch.
func (r *Range) CreateScanner(spec *scan.Spec) (scan.Scanner, error) {
	r.mu.Lock()
	rng := r.rng
	ts := r.timestamp.Logical
	r.mu.Unlock()

	ctx := scan.NewContext(ts, spec, &rng, r.opts.Schema, r.opts.Clock.NowMicros())
	id := r.scanners.Add(ts)
	m := scan.NewMergeScanner(ctx)
	if !ctx.Empty() {
		for _, ag := range r.groups {
			if !ag.IncludeInScan(ctx) {
				continue
			}
			s, err := ag.NewScanner(ctx)
			if err != nil {
				_ = m.Close()
				r.scanners.Remove(id)
				return nil, err
			}
			m.AddScanner(s)
		}
	}
	return &rangeScanner{Scanner: m, release: func() { r.scanners.Remove(id) }}, nil
}

// Compact runs a compaction of every access group, cut no later than the
// oldest timestamp an open scanner reads at.
func (r *Range) Compact(major bool) error {
	if !r.maintenance.CompareAndSwap(false, true) {
		return errors.Wrapf(dberrors.ErrMaintenanceBusy, "compact %s", r.Name())
	}
	defer r.maintenance.Store(false)

	r.barrier.Block()
	r.mu.Lock()
	cutoff := r.timestamp.Logical
	r.mu.Unlock()
	r.barrier.Unblock()

	if oldest, ok := r.scanners.Oldest(); ok && oldest < cutoff {
		cutoff = oldest
	}
	return r.compactGroups(cutoff, major)
}

func (r *Range) compactGroups(cutoff int64, major bool) error {
	for _, ag := range r.groups {
		if err := ag.RunCompaction(cutoff, major); err != nil {
			return err
		}
	}
	return r.persistFiles()
}

func (r *Range) persistFiles() error {
	if r.opts.Metadata == nil {
		return nil
	}
	table, rng := r.Table(), r.Spec()
	for _, ag := range r.groups {
		if err := r.opts.Metadata.SetFiles(table, rng.EndRow, ag.Name(), ag.Files()); err != nil {
			return err
		}
	}
	return nil
}

// LatestTimestamp is the newest logical timestamp added, committed or not.
func (r *Range) LatestTimestamp() int64 {
	return r.lastLogical.Load()
}

// ScanTimestamp is the snapshot a scanner created now would read at.
func (r *Range) ScanTimestamp() types.Timestamp {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timestamp
}

func (r *Range) DiskUsage() int64 {
	var n int64
	for _, ag := range r.groups {
		n += ag.DiskUsage()
	}
	return n
}

func (r *Range) MemoryUsed() int64 {
	var n int64
	for _, ag := range r.groups {
		n += ag.MemoryUsed()
	}
	return n
}

// NeedsSplit reports whether the cell stores outgrew the soft limit.
func (r *Range) NeedsSplit() bool {
	limit := r.State().SoftLimit
	return limit > 0 && uint64(r.DiskUsage()) > limit
}

func (r *Range) NeedsCompaction(threshold int64) bool {
	return threshold > 0 && r.MemoryUsed() > threshold
}

// Stats is a point-in-time summary of a range.
type Stats struct {
	Table               string          `json:"table"`
	StartRow            string          `json:"start_row"`
	EndRow              string          `json:"end_row"`
	State               string          `json:"state"`
	Timestamp           types.Timestamp `json:"timestamp"`
	SoftLimit           uint64          `json:"soft_limit"`
	Inserts             int64           `json:"inserts"`
	RowDeletes          int64           `json:"row_deletes"`
	ColumnFamilyDeletes int64           `json:"column_family_deletes"`
	CellDeletes         int64           `json:"cell_deletes"`
	Collisions          int64           `json:"collisions"`
	Cached              int             `json:"cached"`
	LatestCommit        int64           `json:"latest_commit"`
	MemoryUsed          int64           `json:"memory_used"`
	DiskUsage           int64           `json:"disk_usage"`
	Scanners            int             `json:"scanners"`
	Error               string          `json:"error,omitempty"`
}

func (r *Range) Stats() Stats {
	r.mu.Lock()
	st := Stats{
		Table:     r.table.Name,
		StartRow:  r.rng.StartRow,
		EndRow:    r.rng.EndRow,
		State:     r.state.State.String(),
		Timestamp: r.timestamp,
		SoftLimit: r.state.SoftLimit,
	}
	if r.err != nil {
		st.Error = r.err.Error()
	}
	r.mu.Unlock()

	st.Inserts = r.inserts.Load()
	st.RowDeletes = r.deletes[key.FlagDeleteRow].Load()
	st.ColumnFamilyDeletes = r.deletes[key.FlagDeleteColumnFamily].Load()
	st.CellDeletes = r.deletes[key.FlagDeleteCell].Load()
	for _, ag := range r.groups {
		st.Collisions += ag.CollisionCount()
		st.Cached += ag.CachedCount()
		st.LatestCommit = max(st.LatestCommit, ag.LatestCommit())
		st.MemoryUsed += ag.MemoryUsed()
		st.DiskUsage += ag.DiskUsage()
	}
	st.Scanners = r.scanners.Len()
	return st
}

// Close releases the access groups and closes an installed transfer log.
func (r *Range) Close() error {
	var err error
	for _, ag := range r.groups {
		err = errors.CombineErrors(err, ag.Close())
	}
	r.mu.Lock()
	if r.transfer != nil {
		err = errors.CombineErrors(err, r.transfer.Close())
		r.transfer = nil
	}
	r.mu.Unlock()
	return err
}

func (r *Range) fault(point string) error {
	if r.opts.FaultHook == nil {
		return nil
	}
	if err := r.opts.FaultHook(point); err != nil {
		r.log.Warn("fault injected", "point", point, "error", err)
		return err
	}
	return nil
}
