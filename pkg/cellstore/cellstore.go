package cellstore

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"tabletdb/pkg/clock"
	"tabletdb/pkg/compression"
	"tabletdb/pkg/dberrors"
	"tabletdb/pkg/dfs"
	"tabletdb/pkg/key"
)

// fileIDs keys cell stores in the block cache. A file keeps its id across
// reopens, so the halves of a split and a shrunk range share cached blocks.
// Creating a file under a known name drops the old id.
var fileIDs = idRegistry{seq: clock.NewSequence(0), ids: make(map[string]uint64)}

type idRegistry struct {
	mu  sync.Mutex
	seq *clock.Sequence
	ids map[string]uint64
}

func (r *idRegistry) lookup(name string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.ids[name]
	if !ok {
		id = r.seq.Next()
		r.ids[name] = id
	}
	return id
}

func (r *idRegistry) forget(name string) {
	r.mu.Lock()
	delete(r.ids, name)
	r.mu.Unlock()
}

// CellStore is an open, immutable cell store file. It is reference counted:
// the opener holds one reference and every scanner holds another.
type CellStore struct {
	fs      dfs.Filesystem
	name    string
	id      uint64
	file    dfs.File
	length  int64
	trailer Trailer
	meta    Meta
	index   []indexEntry

	// Bounds of the range that opened the file. A store shared by both
	// halves of a split is opened once per half.
	startRow string
	endRow   string

	refs atomic.Int32
}

// Open reads the trailer, index and meta region of name.
func Open(fs dfs.Filesystem, name, startRow, endRow string) (*CellStore, error) {
	length, err := fs.Length(name)
	if err != nil {
		return nil, err
	}
	if length < TrailerSize {
		return nil, errors.Wrapf(dberrors.ErrCorruptCellStore, "%s: %d bytes is shorter than the trailer", name, length)
	}
	f, err := fs.Open(name)
	if err != nil {
		return nil, err
	}
	cs := &CellStore{fs: fs, name: name, id: fileIDs.lookup(name), file: f, length: length, startRow: startRow, endRow: endRow}
	if err := cs.load(); err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "open cell store %s", name)
	}
	cs.refs.Store(1)
	return cs, nil
}

func (cs *CellStore) load() error {
	buf := make([]byte, TrailerSize)
	if _, err := cs.file.ReadAt(buf, cs.length-TrailerSize); err != nil {
		return errors.Wrap(err, "read trailer")
	}
	t, err := decodeTrailer(buf)
	if err != nil {
		return err
	}
	metaEnd := uint64(cs.length - TrailerSize)
	if t.MetaOffset > metaEnd {
		return errors.Wrapf(dberrors.ErrCorruptCellStore, "meta offset %d beyond %d", t.MetaOffset, metaEnd)
	}
	cs.trailer = t

	buf = make([]byte, metaEnd-t.IndexOffset)
	if _, err := cs.file.ReadAt(buf, int64(t.IndexOffset)); err != nil {
		return errors.Wrap(err, "read index")
	}
	split := t.MetaOffset - t.IndexOffset
	payload, _, err := compression.DecodeBlock(buf[:split], compression.MagicIndex)
	if err != nil {
		return err
	}
	if cs.index, err = decodeIndex(payload); err != nil {
		return err
	}
	cs.meta, err = decodeMeta(buf[split:])
	return err
}

func (cs *CellStore) Name() string             { return cs.name }
func (cs *CellStore) FileID() uint64           { return cs.id }
func (cs *CellStore) Entries() uint64          { return cs.trailer.Entries }
func (cs *CellStore) MaxTimestamp() int64      { return cs.trailer.MaxTimestamp }
func (cs *CellStore) DiskUsage() int64         { return cs.length }
func (cs *CellStore) BlockCount() int          { return len(cs.index) }
func (cs *CellStore) Meta() Meta               { return cs.meta }
func (cs *CellStore) Trailer() Trailer         { return cs.trailer }
func (cs *CellStore) Bounds() (string, string) { return cs.startRow, cs.endRow }

// SplitRow returns the row of the median index entry, or "" for an empty
// store.
func (cs *CellStore) SplitRow() string {
	if len(cs.index) == 0 {
		return ""
	}
	return string(key.Row(cs.index[len(cs.index)/2].firstKey))
}

func (cs *CellStore) Retain() { cs.refs.Add(1) }

// Release drops a reference and closes the file with the last one.
func (cs *CellStore) Release() error {
	switch n := cs.refs.Add(-1); {
	case n == 0:
		return errors.Wrapf(cs.file.Close(), "close cell store %s", cs.name)
	case n < 0:
		slog.Error("cell store released too many times", "name", cs.name, "refs", n)
	}
	return nil
}

// extent returns the byte range of data block i.
func (cs *CellStore) extent(i int) (uint64, uint64) {
	end := cs.trailer.IndexOffset
	if i+1 < len(cs.index) {
		end = cs.index[i+1].offset
	}
	return cs.index[i].offset, end
}

// blocksFor returns the half-open interval of data blocks that may hold
// rows in [start, end). An empty end is unbounded.
func (cs *CellStore) blocksFor(start, end []byte, unbounded bool) (int, int) {
	n := len(cs.index)
	rowAt := func(i int) string { return string(key.Row(cs.index[i].firstKey)) }

	first := sort.Search(n, func(i int) bool { return rowAt(i) >= string(start) })
	if first == n || rowAt(first) != string(start) {
		first = max(first-1, 0)
	}
	last := n
	if !unbounded {
		last = sort.Search(n, func(i int) bool { return rowAt(i) >= string(end) })
	}
	return first, last
}
