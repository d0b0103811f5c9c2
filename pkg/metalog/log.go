package metalog

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"

	"tabletdb/pkg/clock"
	"tabletdb/pkg/dberrors"
	"tabletdb/pkg/dfs"
)

// Writer appends entries to a new fragment of a log directory. Every
// process start writes its own fragment.
type Writer struct {
	mu    sync.Mutex
	fs    dfs.Filesystem
	dir   string
	clock clock.Clock
	out   dfs.Writer
	buf   []byte
}

func NewWriter(fs dfs.Filesystem, dir string, clk clock.Clock) (*Writer, error) {
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
	name := fs.Join(dir, strconv.FormatUint(next, 10))
	out, err := fs.Create(name)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create meta log fragment %s", name)
	}
	slog.Info("meta log opened", "fragment", name)
	return &Writer{fs: fs, dir: dir, clock: clk, out: out}, nil
}

// Append stamps e with the current time unless it carries a timestamp,
// then writes and syncs it. The entry is durable when Append returns.
func (w *Writer) Append(e Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.out == nil {
		return errors.Wrapf(dberrors.ErrClosed, "meta log %s", w.dir)
	}
	e.stamp(w.clock.NowMicros())
	w.buf = appendRecord(w.buf[:0], e)
	if _, err := w.out.Write(w.buf); err != nil {
		return errors.Wrapf(err, "failed to append %s to meta log", e.Tag())
	}
	if err := w.out.Sync(); err != nil {
		return errors.Wrapf(err, "failed to sync meta log after %s", e.Tag())
	}
	slog.Debug("meta log append", "entry", String(e))
	return nil
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.out == nil {
		return nil
	}
	err := w.out.Close()
	w.out = nil
	return errors.Wrapf(err, "failed to close meta log %s", w.dir)
}

// Read returns every entry of every fragment of dir in log order. A record
// cut short at the end of a fragment ends that fragment; a complete record
// with a bad checksum is corruption.
func Read(fs dfs.Filesystem, dir string) ([]Entry, error) {
	frags, err := fragments(fs, dir)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for _, n := range frags {
		name := fs.Join(dir, strconv.FormatUint(n, 10))
		size, err := fs.Length(name)
		if err != nil {
			return nil, err
		}
		r, err := fs.OpenBuffered(name, dfs.MinReadahead, 0, size)
		if err != nil {
			return nil, err
		}
		entries, err = readFragment(r, entries)
		_ = r.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "meta log fragment %s", name)
		}
	}
	return entries, nil
}

func readFragment(r io.Reader, entries []Entry) ([]Entry, error) {
	hdr := make([]byte, recordHeaderSize)
	for {
		if _, err := io.ReadFull(r, hdr); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				slog.Warn("meta log ends in a truncated record header")
				err = nil
			}
			if errors.Is(err, io.EOF) {
				err = nil
			}
			return entries, err
		}
		tag := Tag(binary.LittleEndian.Uint16(hdr))
		ts := int64(binary.LittleEndian.Uint64(hdr[2:]))
		n := binary.LittleEndian.Uint32(hdr[10:])

		rest := make([]byte, int(n)+recordTrailerSize)
		if _, err := io.ReadFull(r, rest); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				slog.Warn("meta log ends in a truncated record", "tag", tag)
				return entries, nil
			}
			return entries, err
		}
		payload := rest[:n]
		sum := crc32.Update(crc32.Checksum(hdr, castagnoli), castagnoli, payload)
		if want := binary.LittleEndian.Uint32(rest[n:]); sum != want {
			return entries, errors.Wrapf(dberrors.ErrCorruptMetaLog, "%s record checksum %08x, want %08x", tag, sum, want)
		}
		e, err := Decode(tag, ts, payload)
		if err != nil {
			return entries, err
		}
		entries = append(entries, e)
	}
}

func fragments(fs dfs.Filesystem, dir string) ([]uint64, error) {
	names, err := fs.List(dir)
	if err != nil {
		return nil, err
	}
	var out []uint64
	for _, name := range names {
		if n, err := strconv.ParseUint(name, 10, 64); err == nil {
			out = append(out, n)
		}
	}
	slices.Sort(out)
	return out, nil
}
