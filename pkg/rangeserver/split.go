package rangeserver

import (
	"context"
	"sort"

	"github.com/cockroachdb/errors"

	"tabletdb/pkg/commitlog"
	"tabletdb/pkg/dberrors"
	"tabletdb/pkg/metalog"
	"tabletdb/pkg/types"
)

type splitPhase struct {
	from types.StateKind
	name string
	run  func(r *Range, ctx context.Context) error
}

// splitPhases run in order starting at the range's current state, so a
// split resumed after a crash only repeats the unfinished phases.
var splitPhases = []splitPhase{
	{types.StateSteady, "install", (*Range).splitInstallLog},
	{types.StateSplitLogInstalled, "shrink", (*Range).splitCompactAndShrink},
	{types.StateSplitShrunk, "notify", (*Range).splitNotify},
}

// Split carves the lower half of the range off into a new range: it ends up
// covering [split row, end) and the coordinator is told about
// [start, split row).
func (r *Range) Split(ctx context.Context) error {
	if !r.maintenance.CompareAndSwap(false, true) {
		return errors.Wrapf(dberrors.ErrMaintenanceBusy, "split %s", r.Name())
	}
	defer r.maintenance.Store(false)

	for _, p := range splitPhases {
		if r.State().State != p.from {
			continue
		}
		if err := p.run(r, ctx); err != nil {
			return errors.Wrapf(err, "split %s: %s", r.Name(), p.name)
		}
	}
	r.log.Info("split complete", "range", r.Spec().String())
	return nil
}

// chooseSplitRow asks every access group for a candidate, then again in
// relaxed mode if some had none, and finally falls back to the median of
// every cached row.
func (r *Range) chooseSplitRow(rng types.RangeSpec) (string, error) {
	var rows []string
	for _, ag := range r.groups {
		rows = append(rows, ag.SplitRows(false)...)
	}
	if len(rows) < len(r.groups) {
		for _, ag := range r.groups {
			rows = append(rows, ag.SplitRows(true)...)
		}
	}
	sort.Strings(rows)
	if len(rows) > 0 {
		if row := rows[len(rows)/2]; rng.StrictlyInside(row) {
			return row, nil
		}
	}

	rows = rows[:0]
	for _, ag := range r.groups {
		rows = append(rows, ag.CachedRows()...)
	}
	sort.Strings(rows)
	if len(rows) > 0 {
		if row := rows[len(rows)/2]; rng.StrictlyInside(row) {
			return row, nil
		}
	}
	return "", errors.Wrapf(dberrors.ErrRowOverflow, "unable to determine split row for range %s", rng)
}

func (r *Range) splitInstallLog(_ context.Context) error {
	table, rng := r.Table(), r.Spec()
	split, err := r.chooseSplitRow(rng)
	if err != nil {
		r.setError(err)
		return err
	}

	fs := r.opts.FS
	logDir := fs.Join(r.opts.LogDir, types.RowDigest(split))
	if err := fs.Rmdir(logDir); err != nil {
		return err
	}
	w, err := commitlog.NewWriter(fs, logDir, r.opts.Codec)
	if err != nil {
		return errors.Wrapf(err, "failed to create transfer log %s", logDir)
	}

	// With the barrier blocked no batch is in flight: every cell at or below
	// the committed timestamp reaches the split compaction, every later cell
	// below the split row goes to the transfer log.
	r.barrier.Block()
	r.mu.Lock()
	ts := r.timestamp
	r.state.Timestamp = ts
	r.state.SplitPoint = split
	r.state.TransferLog = logDir
	r.state.State = types.StateSplitLogInstalled
	r.transfer = w
	r.splitRow = split
	state := r.state
	r.mu.Unlock()
	r.barrier.Unblock()

	err = r.opts.Log.Append(&metalog.SplitStart{
		RangeRef: metalog.RangeRef{Table: table, Range: rng},
		SplitOff: types.RangeSpec{StartRow: rng.StartRow, EndRow: split},
		State:    state,
	})
	if err != nil {
		return err
	}
	r.log.Info("split log installed", "split_row", split, "transfer_log", logDir, "cutoff", ts.Logical)
	return r.fault("split-1")
}

func (r *Range) splitCompactAndShrink(_ context.Context) error {
	table, rng, state := r.Table(), r.Spec(), r.State()
	oldStart, split := rng.StartRow, state.SplitPoint

	if err := r.compactGroups(state.Timestamp.Logical, true); err != nil {
		return err
	}
	if md := r.opts.Metadata; md != nil {
		files := make(map[string][]string, len(r.groups))
		for _, ag := range r.groups {
			files[ag.Name()] = ag.Files()
		}
		if err := md.RecordSplit(table, rng.EndRow, split, oldStart, files); err != nil {
			return errors.Wrapf(err, "problem updating metadata (new=%s, existing=%s)", split, rng.EndRow)
		}
	}

	var err error
	r.barrier.Block()
	r.mu.Lock()
	for _, ag := range r.groups {
		err = errors.CombineErrors(err, ag.Shrink(split))
	}
	r.rng.StartRow = split
	r.splitRow = ""
	if r.transfer != nil {
		if cerr := r.transfer.Close(); cerr != nil {
			r.log.Error("problem closing split log", "dir", r.transfer.Dir(), "error", cerr)
		}
		r.transfer = nil
	}
	r.state.State = types.StateSplitShrunk
	r.state.Timestamp = types.Timestamp{}
	r.state.OldStartRow = oldStart
	r.state.SplitPoint = ""
	state, rng = r.state, r.rng
	r.mu.Unlock()
	r.barrier.Unblock()
	if err != nil {
		return err
	}

	err = r.opts.Log.Append(&metalog.SplitShrunk{
		RangeRef: metalog.RangeRef{Table: table, Range: rng},
		State:    state,
	})
	if err != nil {
		return err
	}
	return r.fault("split-2")
}

func (r *Range) splitNotify(ctx context.Context) error {
	r.mu.Lock()
	r.table.Generation = r.opts.Schema.Generation
	table, rng, state := r.table, r.rng, r.state
	r.mu.Unlock()

	off := types.RangeSpec{StartRow: state.OldStartRow, EndRow: rng.StartRow}
	softLimit := state.SoftLimit
	if m := r.opts.MaxBytes; softLimit < m {
		softLimit = min(softLimit*2, m)
	}

	r.log.Info("reporting newly split off range", "split_off", off.String(), "soft_limit", softLimit)
	if c := r.opts.Coordinator; c != nil {
		if err := c.ReportSplit(ctx, table, off, state.TransferLog, softLimit); err != nil {
			return errors.Wrapf(err, "problem reporting split of %s %s", table.Name, off)
		}
	}
	if err := r.fault("split-3"); err != nil {
		return err
	}

	r.mu.Lock()
	r.state.SoftLimit = softLimit
	r.state.State = types.StateSteady
	r.state.TransferLog = ""
	r.state.OldStartRow = ""
	state = r.state
	r.mu.Unlock()

	return r.opts.Log.Append(&metalog.SplitDone{
		RangeRef: metalog.RangeRef{Table: table, Range: rng},
		State:    state,
	})
}
