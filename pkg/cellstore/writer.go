package cellstore

import (
	"bytes"

	"github.com/cockroachdb/errors"

	"tabletdb/pkg/compression"
	"tabletdb/pkg/dberrors"
	"tabletdb/pkg/dfs"
	"tabletdb/pkg/key"
	"tabletdb/pkg/serial"
)

type WriterOptions struct {
	BlockSize int
	Codec     compression.Codec
}

// Writer builds a cell store from cells added in strictly ascending order.
type Writer struct {
	fs   dfs.Filesystem
	name string
	out  dfs.Writer
	opts WriterOptions

	block    []byte
	scratch  []byte
	index    []byte
	lastKey  []byte
	lastRow  []byte
	offset   uint64
	entries  uint64
	maxTs    int64
	finished bool
}

func NewWriter(fs dfs.Filesystem, name string, opts WriterOptions) (*Writer, error) {
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	out, err := fs.Create(name)
	if err != nil {
		return nil, err
	}
	fileIDs.forget(name)
	return &Writer{fs: fs, name: name, out: out, opts: opts}, nil
}

func (w *Writer) Name() string    { return w.name }
func (w *Writer) Entries() uint64 { return w.entries }

// Add appends a cell. Keys must be strictly ascending.
func (w *Writer) Add(k, v []byte) error {
	if w.lastKey != nil && bytes.Compare(k, w.lastKey) <= 0 {
		return errors.Wrapf(dberrors.ErrOutOfOrder, "cell store %s: key %q after %q", w.name, k, w.lastKey)
	}
	row := key.Row(k)
	if len(w.block) >= w.opts.BlockSize && !bytes.Equal(row, w.lastRow) {
		if err := w.flush(); err != nil {
			return err
		}
	}
	if len(w.block) == 0 {
		w.index = serial.AppendBytes(w.index, k)
		w.index = serial.AppendUvarint(w.index, w.offset)
	}
	w.block = serial.AppendBytes(w.block, k)
	w.block = serial.AppendBytes(w.block, v)

	w.lastKey = append(w.lastKey[:0], k...)
	w.lastRow = w.lastKey[:len(row)]
	w.entries++
	w.maxTs = max(w.maxTs, key.TimestampOf(k))
	return nil
}

func (w *Writer) flush() error {
	blk, err := compression.AppendBlock(w.scratch[:0], compression.MagicData, w.opts.Codec, w.block)
	if err != nil {
		return err
	}
	if _, err := w.out.Write(blk); err != nil {
		return errors.Wrapf(err, "cell store %s: write block at %d", w.name, w.offset)
	}
	w.scratch = blk
	w.offset += uint64(len(blk))
	w.block = w.block[:0]
	return nil
}

// Finalize writes the remaining block, the index, the meta region and the
// trailer, then syncs and closes the file.
func (w *Writer) Finalize(meta Meta) error {
	if w.finished {
		return errors.Wrapf(dberrors.ErrClosed, "cell store %s already finalized", w.name)
	}
	w.finished = true
	if len(w.block) > 0 {
		if err := w.flush(); err != nil {
			return err
		}
	}

	t := Trailer{
		IndexOffset:  w.offset,
		Entries:      w.entries,
		MaxTimestamp: w.maxTs,
		BlockSize:    uint32(w.opts.BlockSize),
		Codec:        w.opts.Codec,
		Version:      version,
	}
	buf, err := compression.AppendBlock(nil, compression.MagicIndex, w.opts.Codec, w.index)
	if err != nil {
		return err
	}
	t.MetaOffset = t.IndexOffset + uint64(len(buf))
	meta.MaxTimestamp = w.maxTs
	meta.Entries = w.entries
	buf = meta.encode(buf)
	buf = t.encode(buf)

	if _, err := w.out.Write(buf); err != nil {
		return errors.Wrapf(err, "cell store %s: write index", w.name)
	}
	if err := w.out.Sync(); err != nil {
		return errors.Wrapf(err, "cell store %s: sync", w.name)
	}
	return errors.Wrapf(w.out.Close(), "cell store %s: close", w.name)
}

// Abort closes and removes a partially written file.
func (w *Writer) Abort() error {
	if !w.finished {
		w.finished = true
		_ = w.out.Close()
	}
	return w.fs.Remove(w.name)
}
