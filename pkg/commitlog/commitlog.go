// Package commitlog implements the transfer log written while a range is
// splitting. A log is a directory of numbered fragments; every fragment is a
// sequence of compressed blocks whose payload starts with the identifier of
// the table the cells belong to.
package commitlog

import (
	"bufio"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"

	"tabletdb/pkg/compression"
	"tabletdb/pkg/dberrors"
	"tabletdb/pkg/dfs"
	"tabletdb/pkg/scan"
	"tabletdb/pkg/serial"
	"tabletdb/pkg/types"
)

// Writer appends blocks to a fresh fragment of a log directory.
type Writer struct {
	mu     sync.Mutex
	fs     dfs.Filesystem
	dir    string
	codec  compression.Codec
	out    dfs.Writer
	writer *bufio.Writer
	buf    []byte
	blocks int
}

// NewWriter opens a new fragment after any existing ones in dir.
func NewWriter(fs dfs.Filesystem, dir string, codec compression.Codec) (*Writer, error) {
	if err := fs.Mkdirs(dir); err != nil {
		return nil, err
	}
	frags, err := fragments(fs, dir)
	if err != nil {
		return nil, err
	}
	next := uint64(0)
	if len(frags) > 0 {
		next = frags[len(frags)-1] + 1
	}
	out, err := fs.Create(fs.Join(dir, strconv.FormatUint(next, 10)))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create commit log fragment in %s", dir)
	}
	return &Writer{fs: fs, dir: dir, codec: codec, out: out, writer: bufio.NewWriter(out)}, nil
}

// Dir is the log directory.
func (w *Writer) Dir() string { return w.dir }

// Write appends one block holding cells and syncs it.
func (w *Writer) Write(table types.TableIdentifier, cells []scan.Cell) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.out == nil {
		return errors.Wrapf(dberrors.ErrClosed, "commit log %s", w.dir)
	}

	payload := table.Encode(w.buf[:0])
	for _, c := range cells {
		payload = serial.AppendBytes(payload, c.Key)
		payload = serial.AppendBytes(payload, c.Value)
	}
	w.buf = payload

	blk, err := compression.AppendBlock(nil, compression.MagicCommitLog, w.codec, payload)
	if err != nil {
		return err
	}
	if _, err := w.writer.Write(blk); err != nil {
		return errors.Wrapf(err, "failed to write commit log block to %s", w.dir)
	}
	if err := w.writer.Flush(); err != nil {
		return errors.Wrapf(err, "failed to flush commit log %s", w.dir)
	}
	if err := w.out.Sync(); err != nil {
		return errors.Wrapf(err, "failed to sync commit log %s", w.dir)
	}
	w.blocks++
	return nil
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.out == nil {
		return nil
	}
	err := w.writer.Flush()
	err = errors.CombineErrors(err, w.out.Close())
	w.out, w.writer = nil, nil
	return errors.Wrapf(err, "failed to close commit log %s", w.dir)
}

// Reader returns the blocks of every fragment in order.
type Reader struct {
	fs        dfs.Filesystem
	dir       string
	fragments []uint64
	cur       io.ReadCloser
	header    []byte
}

func NewReader(fs dfs.Filesystem, dir string) (*Reader, error) {
	frags, err := fragments(fs, dir)
	if err != nil {
		return nil, err
	}
	return &Reader{fs: fs, dir: dir, fragments: frags, header: make([]byte, compression.HeaderSize)}, nil
}

// Next returns the table and cells of the next block, or io.EOF after the
// last one. A block cut short at the end of a fragment ends that fragment.
func (r *Reader) Next() (types.TableIdentifier, []scan.Cell, error) {
	for {
		if r.cur == nil {
			if len(r.fragments) == 0 {
				return types.TableIdentifier{}, nil, io.EOF
			}
			name := r.fs.Join(r.dir, strconv.FormatUint(r.fragments[0], 10))
			r.fragments = r.fragments[1:]
			n, err := r.fs.Length(name)
			if err != nil {
				return types.TableIdentifier{}, nil, err
			}
			if r.cur, err = r.fs.OpenBuffered(name, dfs.MinReadahead, 0, n); err != nil {
				return types.TableIdentifier{}, nil, err
			}
		}

		table, cells, err := r.readBlock()
		if err == nil {
			return table, cells, nil
		}
		_ = r.cur.Close()
		r.cur = nil
		if errors.Is(err, io.EOF) {
			continue
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			slog.Warn("truncated commit log block, skipping rest of fragment", "dir", r.dir)
			continue
		}
		return types.TableIdentifier{}, nil, err
	}
}

func (r *Reader) readBlock() (types.TableIdentifier, []scan.Cell, error) {
	var table types.TableIdentifier
	if _, err := io.ReadFull(r.cur, r.header); err != nil {
		return table, nil, err
	}
	h, err := compression.DecodeHeader(r.header, compression.MagicCommitLog)
	if err != nil {
		return table, nil, errors.Mark(err, dberrors.ErrCorruptCommitLog)
	}
	z := make([]byte, h.ZLen)
	if _, err := io.ReadFull(r.cur, z); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return table, nil, err
	}
	payload, err := compression.Inflate(h, z)
	if err != nil {
		return table, nil, errors.Mark(err, dberrors.ErrCorruptCommitLog)
	}

	d := serial.NewDecoder(payload)
	table.Decode(d)
	var cells []scan.Cell
	for d.Err() == nil && d.Remaining() > 0 {
		cells = append(cells, scan.Cell{Key: d.Bytes(), Value: d.Bytes()})
	}
	if err := d.Err(); err != nil {
		return table, nil, errors.Wrapf(dberrors.ErrCorruptCommitLog, "block payload in %s: %v", r.dir, err)
	}
	return table, cells, nil
}

func (r *Reader) Close() error {
	if r.cur == nil {
		return nil
	}
	err := r.cur.Close()
	r.cur = nil
	return err
}

// fragments lists the numeric fragment names of dir in ascending order.
func fragments(fs dfs.Filesystem, dir string) ([]uint64, error) {
	names, err := fs.List(dir)
	if err != nil {
		return nil, err
	}
	var out []uint64
	for _, name := range names {
		n, err := strconv.ParseUint(name, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	slices.Sort(out)
	return out, nil
}
