// Package cellstore implements the immutable on-disk sorted run of an
// access group. A file is laid out as
//
//	[data blocks][index block][meta region][trailer]
//
// Data and index blocks carry a compression header (see pkg/compression).
// The index maps the first key of every data block to the block's offset;
// rows never span two data blocks.
package cellstore

import (
	"bytes"
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"tabletdb/pkg/compression"
	"tabletdb/pkg/dberrors"
	"tabletdb/pkg/serial"
	"tabletdb/pkg/types"
)

const (
	// TrailerSize is the fixed size of the file trailer.
	TrailerSize = 48
	// DefaultBlockSize is the uncompressed size at which data blocks are cut.
	DefaultBlockSize = 64 << 10

	trailerMagic = "CellStr0"
	version      = 1
)

// Trailer is the fixed record at the end of every cell store.
type Trailer struct {
	IndexOffset  uint64
	MetaOffset   uint64
	Entries      uint64
	MaxTimestamp int64
	BlockSize    uint32
	Codec        compression.Codec
	Version      uint8
}

func (t Trailer) encode(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, t.IndexOffset)
	dst = binary.LittleEndian.AppendUint64(dst, t.MetaOffset)
	dst = binary.LittleEndian.AppendUint64(dst, t.Entries)
	dst = binary.LittleEndian.AppendUint64(dst, uint64(t.MaxTimestamp))
	dst = binary.LittleEndian.AppendUint32(dst, t.BlockSize)
	dst = append(dst, byte(t.Codec), t.Version, 0, 0)
	return append(dst, trailerMagic...)
}

func decodeTrailer(b []byte) (Trailer, error) {
	if len(b) != TrailerSize || !bytes.Equal(b[TrailerSize-len(trailerMagic):], []byte(trailerMagic)) {
		return Trailer{}, errors.Wrap(dberrors.ErrCorruptCellStore, "bad trailer magic")
	}
	t := Trailer{
		IndexOffset:  binary.LittleEndian.Uint64(b[0:]),
		MetaOffset:   binary.LittleEndian.Uint64(b[8:]),
		Entries:      binary.LittleEndian.Uint64(b[16:]),
		MaxTimestamp: int64(binary.LittleEndian.Uint64(b[24:])),
		BlockSize:    binary.LittleEndian.Uint32(b[32:]),
		Codec:        compression.Codec(b[36]),
		Version:      b[37],
	}
	if t.Version != version {
		return t, errors.Wrapf(dberrors.ErrCorruptCellStore, "unsupported version %d", t.Version)
	}
	if t.IndexOffset > t.MetaOffset {
		return t, errors.Wrapf(dberrors.ErrCorruptCellStore, "index offset %d beyond meta offset %d", t.IndexOffset, t.MetaOffset)
	}
	return t, nil
}

// Meta is the descriptive region written after the index.
type Meta struct {
	Table        types.TableIdentifier
	StartRow     string
	EndRow       string
	MaxTimestamp int64
	Entries      uint64
}

func (m Meta) encode(dst []byte) []byte {
	dst = m.Table.Encode(dst)
	dst = serial.AppendString(dst, m.StartRow)
	dst = serial.AppendString(dst, m.EndRow)
	dst = serial.AppendI64(dst, m.MaxTimestamp)
	return serial.AppendU64(dst, m.Entries)
}

func decodeMeta(b []byte) (Meta, error) {
	var m Meta
	d := serial.NewDecoder(b)
	m.Table.Decode(d)
	m.StartRow = d.String()
	m.EndRow = d.String()
	m.MaxTimestamp = d.I64()
	m.Entries = d.U64()
	if err := d.Err(); err != nil {
		return m, errors.Wrapf(dberrors.ErrCorruptCellStore, "meta region: %v", err)
	}
	return m, nil
}

type indexEntry struct {
	firstKey []byte
	offset   uint64
}

func decodeIndex(payload []byte) ([]indexEntry, error) {
	var idx []indexEntry
	d := serial.NewDecoder(payload)
	for d.Remaining() > 0 && d.Err() == nil {
		k := d.Bytes()
		off := d.Uvarint()
		idx = append(idx, indexEntry{firstKey: k, offset: off})
	}
	if err := d.Err(); err != nil {
		return nil, errors.Wrapf(dberrors.ErrCorruptCellStore, "index block: %v", err)
	}
	return idx, nil
}
