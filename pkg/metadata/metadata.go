// Package metadata is the persistent METADATA table of a range server: one
// row per range, keyed by table id and end row, listing the cell store files
// of every access group.
package metadata

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/vfs"

	"tabletdb/pkg/dberrors"
	"tabletdb/pkg/types"
)

// Row is the value stored for one range.
type Row struct {
	StartRow string              `json:"start_row"`
	Files    map[string][]string `json:"files"`
}

// RangeRow is a Row together with the end row that keys it.
type RangeRow struct {
	EndRow string `json:"end_row"`
	Row
}

type Table struct {
	db *pebble.DB
}

// Open opens the table stored at dir. A nil fs uses the local disk.
func Open(dir string, fs vfs.FS) (*Table, error) {
	opts := &pebble.Options{}
	if fs != nil {
		opts.FS = fs
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open metadata table at %s", dir)
	}
	slog.Info("metadata table opened", "dir", dir)
	return &Table{db: db}, nil
}

func rowKey(table types.TableIdentifier, endRow string) []byte {
	return fmt.Appendf(nil, "%d:%s", table.ID, endRow)
}

func (t *Table) get(k []byte) (Row, bool, error) {
	v, closer, err := t.db.Get(k)
	if errors.Is(err, pebble.ErrNotFound) {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, errors.Wrapf(err, "metadata get %q", k)
	}
	defer closer.Close()
	var r Row
	if err := json.Unmarshal(v, &r); err != nil {
		return Row{}, false, errors.Wrapf(err, "metadata row %q", k)
	}
	return r, true, nil
}

func setRow(b *pebble.Batch, k []byte, r Row) error {
	if r.Files == nil {
		r.Files = map[string][]string{}
	}
	v, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return b.Set(k, v, nil)
}

// AddRange creates the row of rng unless it exists.
func (t *Table) AddRange(table types.TableIdentifier, rng types.RangeSpec) error {
	k := rowKey(table, rng.EndRow)
	_, ok, err := t.get(k)
	if err != nil || ok {
		return err
	}
	b := t.db.NewBatch()
	defer b.Close()
	if err := setRow(b, k, Row{StartRow: rng.StartRow}); err != nil {
		return err
	}
	return errors.Wrapf(b.Commit(pebble.Sync), "metadata add range %s", rng)
}

// Files returns the row of the range ending at endRow.
func (t *Table) Files(table types.TableIdentifier, endRow string) (Row, error) {
	r, ok, err := t.get(rowKey(table, endRow))
	if err != nil {
		return Row{}, err
	}
	if !ok {
		return Row{}, errors.Wrapf(dberrors.ErrRangeNotFound, "metadata %s end row %q", table.Name, endRow)
	}
	return r, nil
}

// SetFiles replaces the file list of one access group.
func (t *Table) SetFiles(table types.TableIdentifier, endRow, ag string, files []string) error {
	k := rowKey(table, endRow)
	r, ok, err := t.get(k)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(dberrors.ErrRangeNotFound, "metadata %s end row %q", table.Name, endRow)
	}
	if r.Files == nil {
		r.Files = map[string][]string{}
	}
	r.Files[ag] = slices.Clone(files)
	b := t.db.NewBatch()
	defer b.Close()
	if err := setRow(b, k, r); err != nil {
		return err
	}
	return errors.Wrapf(b.Commit(pebble.Sync), "metadata set files %s/%s", table.Name, ag)
}

// RecordSplit moves the start of the range ending at endRow up to splitRow
// and creates the row of the split-off range [oldStart, splitRow) with
// files. Both rows are written in one batch.
func (t *Table) RecordSplit(table types.TableIdentifier, endRow, splitRow, oldStart string, files map[string][]string) error {
	k := rowKey(table, endRow)
	r, ok, err := t.get(k)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(dberrors.ErrRangeNotFound, "metadata %s end row %q", table.Name, endRow)
	}
	r.StartRow = splitRow

	b := t.db.NewBatch()
	defer b.Close()
	if err := setRow(b, k, r); err != nil {
		return err
	}
	off := Row{StartRow: oldStart, Files: map[string][]string{}}
	for ag, fs := range files {
		off.Files[ag] = slices.Clone(fs)
	}
	if err := setRow(b, rowKey(table, splitRow), off); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return errors.Wrapf(err, "metadata record split of %s at %q", table.Name, splitRow)
	}
	slog.Info("metadata split recorded", "table", table.Name, "split_row", splitRow, "end_row", endRow)
	return nil
}

// DropRange deletes the row of the range ending at endRow.
func (t *Table) DropRange(table types.TableIdentifier, endRow string) error {
	return errors.Wrapf(t.db.Delete(rowKey(table, endRow), pebble.Sync), "metadata drop %s end row %q", table.Name, endRow)
}

// Ranges lists every range row of table in end-row order.
func (t *Table) Ranges(table types.TableIdentifier) ([]RangeRow, error) {
	prefix := fmt.Sprintf("%d:", table.ID)
	it, err := t.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: fmt.Appendf(nil, "%d;", table.ID),
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []RangeRow
	for it.First(); it.Valid(); it.Next() {
		var r Row
		if err := json.Unmarshal(it.Value(), &r); err != nil {
			return nil, errors.Wrapf(err, "metadata row %q", it.Key())
		}
		out = append(out, RangeRow{EndRow: strings.TrimPrefix(string(it.Key()), prefix), Row: r})
	}
	return out, it.Error()
}

func (t *Table) Close() error {
	return t.db.Close()
}
