package rangeserver

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"

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

type Options struct {
	FS    dfs.Filesystem
	Cache *blockcache.Cache
	Clock clock.Clock
	// Root holds cell stores, LogDir transfer logs.
	Root   string
	LogDir string
	Codec  compression.Codec
	// MaxBytes caps a range's soft limit, SoftLimit is where new ranges start.
	MaxBytes  uint64
	SoftLimit uint64
	Schemas   map[string]*schema.Schema

	Metadata    MetadataTable
	Log         RangeLog
	Coordinator Coordinator
	FaultHook   FaultHook
	Metrics     metrics.Collector
}

// Server is the set of ranges loaded on this node.
type Server struct {
	opts    Options
	tracker *metrics.MemoryTracker

	mu     sync.RWMutex
	ranges map[uint32][]*Range
	closed bool
}

func NewServer(opts Options) *Server {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	if opts.Log == nil {
		opts.Log = nopLog{}
	}
	return &Server{
		opts:    opts,
		tracker: &metrics.MemoryTracker{},
		ranges:  make(map[uint32][]*Range),
	}
}

func (s *Server) rangeOptions(table types.TableIdentifier, rng types.RangeSpec, state types.RangeState) (RangeOptions, error) {
	sch, ok := s.opts.Schemas[table.Name]
	if !ok {
		return RangeOptions{}, errors.Wrapf(dberrors.ErrNotFound, "schema of table %q", table.Name)
	}
	if state.SoftLimit == 0 {
		state.SoftLimit = s.opts.SoftLimit
	}
	return RangeOptions{
		Table:       table,
		Schema:      sch,
		Range:       rng,
		State:       state,
		FS:          s.opts.FS,
		Cache:       s.opts.Cache,
		Tracker:     s.tracker,
		Clock:       s.opts.Clock,
		Root:        s.opts.Root,
		LogDir:      s.opts.LogDir,
		Codec:       s.opts.Codec,
		MaxBytes:    s.opts.MaxBytes,
		Metadata:    s.opts.Metadata,
		Log:         s.opts.Log,
		Coordinator: s.opts.Coordinator,
		FaultHook:   s.opts.FaultHook,
	}, nil
}

func (s *Server) open(table types.TableIdentifier, rng types.RangeSpec, state types.RangeState) (*Range, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, dberrors.ErrClosed
	}
	for _, r := range s.ranges[table.ID] {
		if r.Spec().EndRow == rng.EndRow {
			return nil, errors.Wrapf(dberrors.ErrInvalidArgument, "range %s%s already loaded", table.Name, rng)
		}
	}
	opts, err := s.rangeOptions(table, rng, state)
	if err != nil {
		return nil, err
	}
	r, err := NewRange(opts)
	if err != nil {
		return nil, err
	}
	s.ranges[table.ID] = append(s.ranges[table.ID], r)
	return r, nil
}

// LoadRange starts serving rng. A non-empty transferLog is replayed into
// the new range before it is acknowledged.
func (s *Server) LoadRange(_ context.Context, table types.TableIdentifier, rng types.RangeSpec, state types.RangeState, transferLog string) (*Range, error) {
	r, err := s.open(table, rng, state)
	if err != nil {
		return nil, err
	}
	if transferLog != "" {
		reader, err := commitlog.NewReader(s.opts.FS, transferLog)
		if err == nil {
			err = r.Replay(reader, s.opts.Clock.NowMicros())
			_ = reader.Close()
		}
		if err != nil {
			s.drop(r)
			return nil, err
		}
	}
	err = s.opts.Log.Append(&metalog.RangeLoaded{
		RangeRef: metalog.RangeRef{Table: table, Range: rng},
		State:    r.State(),
	})
	if err != nil {
		s.drop(r)
		return nil, err
	}
	s.opts.Metrics.IncCounter("ranges_loaded_total", map[string]string{"table": table.Name}, 1)
	slog.Info("range loaded", "table", table.Name, "range", rng.String(), "transfer_log", transferLog)
	return r, nil
}

// drop unregisters and closes r.
func (s *Server) drop(r *Range) {
	table, end := r.Table(), r.Spec().EndRow
	s.mu.Lock()
	list := s.ranges[table.ID]
	for i, o := range list {
		if o == r {
			s.ranges[table.ID] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	if err := r.Close(); err != nil {
		slog.Warn("failed to close range", "table", table.Name, "end_row", end, "error", err)
	}
}

// Locate returns the range of table containing row.
func (s *Server) Locate(table types.TableIdentifier, row string) (*Range, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.ranges[table.ID] {
		if r.Spec().Contains(row) {
			return r, nil
		}
	}
	return nil, errors.Wrapf(dberrors.ErrRangeNotFound, "table %s row %q", table.Name, row)
}

// Range returns the range of table ending at endRow.
func (s *Server) Range(table types.TableIdentifier, endRow string) (*Range, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.ranges[table.ID] {
		if r.Spec().EndRow == endRow {
			return r, nil
		}
	}
	return nil, errors.Wrapf(dberrors.ErrRangeNotFound, "table %s end row %q", table.Name, endRow)
}

// Table resolves the identifier of a table with a loaded range by name.
func (s *Server) Table(name string) (types.TableIdentifier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, list := range s.ranges {
		for _, r := range list {
			if t := r.Table(); t.Name == name {
				return t, nil
			}
		}
	}
	return types.TableIdentifier{}, errors.Wrapf(dberrors.ErrRangeNotFound, "no range of table %q", name)
}

// Ranges returns every loaded range.
func (s *Server) Ranges() []*Range {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Range
	for _, list := range s.ranges {
		out = append(out, list...)
	}
	return out
}

// Update applies cells to the ranges owning their rows, one batch per
// range. No cell is applied if any row has no range here.
func (s *Server) Update(table types.TableIdentifier, cells []scan.Cell) error {
	var (
		order   []*Range
		batches = map[*Range][]scan.Cell{}
	)
	for _, c := range cells {
		r, err := s.Locate(table, string(key.Row(c.Key)))
		if err != nil {
			return err
		}
		if _, ok := batches[r]; !ok {
			order = append(order, r)
		}
		batches[r] = append(batches[r], c)
	}

	now := s.opts.Clock.NowMicros()
	for _, r := range order {
		var err error
		r.Lock()
		for _, c := range batches[r] {
			if err = r.Add(c.Key, c.Value, now); err != nil {
				break
			}
		}
		err = errors.CombineErrors(err, r.Unlock(now))
		if err != nil {
			return err
		}
	}
	s.opts.Metrics.IncCounter("cells_written_total", map[string]string{"table": table.Name}, float64(len(cells)))
	return nil
}

// CreateScanner scans the range holding the first row spec asks for.
func (s *Server) CreateScanner(table types.TableIdentifier, spec *scan.Spec) (scan.Scanner, error) {
	row := spec.StartRow
	if spec.Row != "" {
		row = spec.Row
	}
	r, err := s.Locate(table, row)
	if err != nil {
		return nil, err
	}
	return r.CreateScanner(spec)
}

func (s *Server) Compact(table types.TableIdentifier, endRow string, major bool) error {
	r, err := s.Range(table, endRow)
	if err != nil {
		return err
	}
	if err := r.Compact(major); err != nil {
		return err
	}
	kind := "minor"
	if major {
		kind = "major"
	}
	s.opts.Metrics.IncCounter("compactions_total", map[string]string{"table": table.Name, "kind": kind}, 1)
	return nil
}

func (s *Server) Split(ctx context.Context, table types.TableIdentifier, endRow string) error {
	r, err := s.Range(table, endRow)
	if err != nil {
		return err
	}
	if err := r.Split(ctx); err != nil {
		return err
	}
	s.opts.Metrics.IncCounter("splits_total", map[string]string{"table": table.Name}, 1)
	return nil
}

// MoveRange flushes a range to cell stores and stops serving it.
func (s *Server) MoveRange(_ context.Context, table types.TableIdentifier, endRow string) error {
	r, err := s.Range(table, endRow)
	if err != nil {
		return err
	}
	ref := metalog.RangeRef{Table: r.Table(), Range: r.Spec()}
	if err := s.opts.Log.Append(&metalog.MoveStart{RangeRef: ref, State: r.State()}); err != nil {
		return err
	}
	if err := r.Compact(true); err != nil {
		return err
	}
	if err := s.opts.Log.Append(&metalog.MovePrepared{RangeRef: ref}); err != nil {
		return err
	}
	s.drop(r)
	if err := s.opts.Log.Append(&metalog.MoveDone{RangeRef: ref}); err != nil {
		return err
	}
	slog.Info("range moved off", "table", table.Name, "range", ref.Range.String())
	return nil
}

// Recover reloads the ranges a previous run of this server had and resumes
// their interrupted splits.
func (s *Server) Recover(ctx context.Context, entries []metalog.Entry) error {
	txns := metalog.RecoverRanges(entries)
	for _, t := range txns {
		if t.Moving {
			slog.Warn("range was being moved, reloading", "table", t.Table.Name, "range", t.Range.String())
		}
		r, err := s.open(t.Table, t.Range, t.State)
		if err != nil {
			return errors.Wrapf(err, "recover %s%s", t.Table.Name, t.Range)
		}
		if t.State.State != types.StateSteady {
			slog.Info("resuming split", "table", t.Table.Name, "range", t.Range.String(), "state", t.State.State.String())
			if err := r.Split(ctx); err != nil {
				return err
			}
		}
	}

	pending := metalog.RecoverPending(entries)
	for _, l := range pending.Loads {
		slog.Warn("unfinished range load", "entry", metalog.String(l))
	}
	for _, m := range pending.Moves {
		slog.Warn("unfinished range move", "entry", metalog.String(m))
	}
	for _, from := range pending.Recoveries {
		slog.Warn("unfinished server recovery", "from", from)
	}
	slog.Info("recovery finished", "ranges", len(txns), "entries", len(entries))
	return nil
}

// ServerStats summarizes every range and the shared caches.
type ServerStats struct {
	Ranges      []Stats          `json:"ranges"`
	MemoryBytes int64            `json:"memory_bytes"`
	MemoryItems int64            `json:"memory_items"`
	BlockCache  blockcache.Stats `json:"block_cache"`
}

func (s *Server) Stats() ServerStats {
	st := ServerStats{
		MemoryBytes: s.tracker.Bytes(),
		MemoryItems: s.tracker.Items(),
	}
	for _, r := range s.Ranges() {
		st.Ranges = append(st.Ranges, r.Stats())
	}
	if s.opts.Cache != nil {
		st.BlockCache = s.opts.Cache.Stats()
	}
	s.opts.Metrics.SetGauge("memory_bytes", nil, float64(st.MemoryBytes))
	return st
}

func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	all := s.ranges
	s.ranges = make(map[uint32][]*Range)
	s.mu.Unlock()

	var err error
	for _, list := range all {
		for _, r := range list {
			err = errors.CombineErrors(err, r.Close())
		}
	}
	return err
}
