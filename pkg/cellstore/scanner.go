package cellstore

import (
	"bytes"
	"io"

	"github.com/cockroachdb/errors"

	"tabletdb/pkg/blockcache"
	"tabletdb/pkg/compression"
	"tabletdb/pkg/dberrors"
	"tabletdb/pkg/dfs"
	"tabletdb/pkg/key"
	"tabletdb/pkg/scan"
	"tabletdb/pkg/serial"
)

// Scanner iterates the cells of one cell store that fall inside a scan
// context. Single-row and single-row-limit scans fetch blocks with
// positional reads through the block cache; wider scans stream the block
// range through a read-ahead buffer and keep blocks to themselves.
type Scanner struct {
	cs    *CellStore
	ctx   *scan.Context
	cache *blockcache.Cache

	start     []byte
	end       []byte
	unbounded bool

	cached   bool
	next     int
	last     int
	stream   io.ReadCloser
	header   []byte
	block    []byte
	pos      int
	pinned   bool
	cacheKey blockcache.Key

	key, value []byte
	ok         bool
	err        error
	closed     bool
}

// NewScanner positions a scanner on the first cell of cs visible to ctx.
// cache may be nil, in which case cached scans own their blocks.
func (cs *CellStore) NewScanner(ctx *scan.Context, cache *blockcache.Cache) (*Scanner, error) {
	cs.Retain()
	s := &Scanner{
		cs:     cs,
		ctx:    ctx,
		cache:  cache,
		cached: ctx.SingleRow || ctx.Spec.RowLimit == 1,
		header: make([]byte, compression.HeaderSize),
	}

	startRow := max(ctx.StartRow, cs.startRow)
	s.start = []byte(startRow)
	endRow := ctx.EndRow
	if cs.endRow != key.EndRowMarker && (endRow == key.EndRowMarker || cs.endRow < endRow) {
		endRow = cs.endRow
	}
	s.unbounded = endRow == key.EndRowMarker
	s.end = []byte(endRow)

	if len(cs.index) == 0 || (!s.unbounded && startRow >= endRow) {
		return s, nil
	}
	s.next, s.last = cs.blocksFor(s.start, s.end, s.unbounded)
	if s.next >= s.last {
		return s, nil
	}

	if !s.cached {
		lo, _ := cs.extent(s.next)
		_, hi := cs.extent(s.last - 1)
		r, err := cs.fs.OpenBuffered(cs.name, dfs.MinReadahead, int64(lo), int64(hi))
		if err != nil {
			_ = cs.Release()
			return nil, err
		}
		s.stream = r
	}
	s.advance()
	return s, nil
}

func (s *Scanner) Get() ([]byte, []byte, bool) {
	return s.key, s.value, s.ok
}

func (s *Scanner) Forward() {
	if s.ok {
		s.advance()
	}
}

func (s *Scanner) Err() error { return s.err }

func (s *Scanner) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.ok = false
	s.checkin()
	var err error
	if s.stream != nil {
		err = s.stream.Close()
	}
	return errors.CombineErrors(err, s.cs.Release())
}

func (s *Scanner) advance() {
	s.ok = false
	for {
		if s.pos >= len(s.block) {
			if s.next >= s.last || !s.fetch() {
				return
			}
			continue
		}

		d := serial.NewDecoder(s.block[s.pos:])
		k := d.Bytes()
		v := d.Bytes()
		if err := d.Err(); err != nil {
			s.fail(errors.Wrapf(dberrors.ErrCorruptCellStore, "cell at block offset %d: %v", s.pos, err))
			return
		}
		s.pos = len(s.block) - d.Remaining()

		row := key.Row(k)
		if bytes.Compare(row, s.start) < 0 {
			continue
		}
		if !s.unbounded && bytes.Compare(row, s.end) >= 0 {
			s.next = s.last
			s.block, s.pos = nil, 0
			return
		}
		kc, err := key.Decode(k)
		if err != nil {
			s.fail(err)
			return
		}
		if !s.ctx.Admits(kc) {
			continue
		}
		s.key, s.value, s.ok = k, v, true
		return
	}
}

// fetch loads data block s.next with the scanner's strategy.
func (s *Scanner) fetch() bool {
	s.checkin()
	i := s.next
	s.next++
	off, end := s.cs.extent(i)

	var err error
	if s.cached {
		s.block, err = s.fetchCached(off, end)
	} else {
		s.block, err = s.fetchStream()
	}
	s.pos = 0
	if err != nil {
		s.fail(errors.Wrapf(err, "cell store %s block %d at offset %d (rows [%q,%q))",
			s.cs.name, i, off, s.cs.startRow, s.cs.endRow))
		return false
	}
	return true
}

func (s *Scanner) fetchCached(off, end uint64) ([]byte, error) {
	k := blockcache.Key{FileID: s.cs.id, Offset: off}
	if s.cache != nil {
		if b, ok := s.cache.Checkout(k); ok {
			s.pinned, s.cacheKey = true, k
			return b, nil
		}
	}

	raw := make([]byte, end-off)
	if _, err := s.cs.file.ReadAt(raw, int64(off)); err != nil {
		return nil, errors.Wrap(err, "pread")
	}
	payload, _, err := compression.DecodeBlock(raw, compression.MagicData)
	if err != nil {
		return nil, err
	}
	if s.cache == nil {
		return payload, nil
	}
	if !s.cache.InsertAndCheckout(k, payload) {
		b, ok := s.cache.Checkout(k)
		if !ok {
			return nil, errors.Mark(
				errors.AssertionFailedf("block cache checkout of %d/%d failed after losing insert race", k.FileID, k.Offset),
				dberrors.ErrCacheCheckout)
		}
		payload = b
	}
	s.pinned, s.cacheKey = true, k
	return payload, nil
}

func (s *Scanner) fetchStream() ([]byte, error) {
	if _, err := io.ReadFull(s.stream, s.header); err != nil {
		return nil, errors.Wrap(err, "read block header")
	}
	h, err := compression.DecodeHeader(s.header, compression.MagicData)
	if err != nil {
		return nil, err
	}
	z := make([]byte, h.ZLen)
	if _, err := io.ReadFull(s.stream, z); err != nil {
		return nil, errors.Wrap(err, "read block body")
	}
	return compression.Inflate(h, z)
}

func (s *Scanner) checkin() {
	if s.pinned {
		s.cache.Checkin(s.cacheKey)
		s.pinned = false
	}
}

func (s *Scanner) fail(err error) {
	s.err = err
	s.ok = false
	s.next = s.last
	s.block, s.pos = nil, 0
}

var _ scan.Scanner = (*Scanner)(nil)
