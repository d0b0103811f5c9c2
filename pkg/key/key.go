// Package key packs cell coordinates into a single byte string whose plain
// byte-wise order is the cell order of the engine:
//
//	row NUL family qualifier NUL flag ^BIGENDIAN(timestamp)
//
// Rows ascend, then family codes, then qualifiers, then flags (deletes sort
// ahead of inserts), then timestamps descend so the newest version of a cell
// is met first on a forward scan.
package key

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/cockroachdb/errors"

	"tabletdb/pkg/dberrors"
)

// Flag is the trailing operation byte of a packed key.
type Flag uint8

const (
	FlagDeleteRow          Flag = 0x00
	FlagDeleteColumnFamily Flag = 0x01
	FlagDeleteCell         Flag = 0x02
	FlagInsert             Flag = 0xFF
)

const (
	// TrailerSize is the fixed qualifier NUL + flag + timestamp suffix.
	TrailerSize = 10
	// minSize covers the row NUL, the family byte and the trailer.
	minSize = TrailerSize + 2
)

// EndRowMarker sorts after every user row and marks an unbounded range end.
const EndRowMarker = "\xff\xff"

// IsDelete reports whether the flag denotes a tombstone.
func (f Flag) IsDelete() bool { return f <= FlagDeleteCell }

func (f Flag) String() string {
	switch f {
	case FlagDeleteRow:
		return "DELETE_ROW"
	case FlagDeleteColumnFamily:
		return "DELETE_COLUMN_FAMILY"
	case FlagDeleteCell:
		return "DELETE_CELL"
	case FlagInsert:
		return "INSERT"
	}
	return "FLAG(" + strconv.Itoa(int(f)) + ")"
}

// Key is the decoded form of a packed key. Row and Qualifier alias the
// packed buffer they were decoded from.
type Key struct {
	Row          []byte
	ColumnFamily uint8
	Qualifier    []byte
	Flag         Flag
	Timestamp    int64
}

// Encode builds a packed key. Row and qualifier must not contain NUL bytes.
func Encode(flag Flag, row []byte, family uint8, qualifier []byte, ts int64) []byte {
	return Append(make([]byte, 0, len(row)+len(qualifier)+minSize), flag, row, family, qualifier, ts)
}

// Append appends a packed key to dst.
func Append(dst []byte, flag Flag, row []byte, family uint8, qualifier []byte, ts int64) []byte {
	dst = append(dst, row...)
	dst = append(dst, 0, family)
	dst = append(dst, qualifier...)
	dst = append(dst, 0, byte(flag))
	return binary.BigEndian.AppendUint64(dst, ^uint64(ts))
}

// Decode parses a packed key.
func Decode(packed []byte) (Key, error) {
	if len(packed) < minSize {
		return Key{}, errors.Wrapf(dberrors.ErrBadKey, "key too short (%d bytes)", len(packed))
	}
	trailer := packed[len(packed)-TrailerSize:]
	if trailer[0] != 0 {
		return Key{}, errors.Wrap(dberrors.ErrBadKey, "missing qualifier terminator")
	}
	body := packed[:len(packed)-TrailerSize]

	rowEnd := bytes.IndexByte(body, 0)
	if rowEnd < 0 || rowEnd+2 > len(body) {
		return Key{}, errors.Wrap(dberrors.ErrBadKey, "missing row terminator")
	}
	qual := body[rowEnd+2:]
	if bytes.IndexByte(qual, 0) >= 0 {
		return Key{}, errors.Wrap(dberrors.ErrBadKey, "embedded NUL in qualifier")
	}

	return Key{
		Row:          body[:rowEnd],
		ColumnFamily: body[rowEnd+1],
		Qualifier:    qual,
		Flag:         Flag(trailer[1]),
		Timestamp:    int64(^binary.BigEndian.Uint64(trailer[2:])),
	}, nil
}

// UpdateTimestamp rewrites the timestamp of a packed key in place.
func UpdateTimestamp(packed []byte, ts int64) error {
	if len(packed) < minSize {
		return errors.Wrapf(dberrors.ErrBadKey, "key too short (%d bytes)", len(packed))
	}
	binary.BigEndian.PutUint64(packed[len(packed)-8:], ^uint64(ts))
	return nil
}

// Row returns the row portion of a packed key without a full decode.
func Row(packed []byte) []byte {
	if i := bytes.IndexByte(packed, 0); i >= 0 {
		return packed[:i]
	}
	return packed
}

// FlagOf returns the flag byte of a packed key.
func FlagOf(packed []byte) Flag {
	if len(packed) < TrailerSize {
		return FlagInsert
	}
	return Flag(packed[len(packed)-TrailerSize+1])
}

// TimestampOf returns the timestamp of a packed key.
func TimestampOf(packed []byte) int64 {
	if len(packed) < 8 {
		return 0
	}
	return int64(^binary.BigEndian.Uint64(packed[len(packed)-8:]))
}

// RowPrefixLen is the length of the "row NUL" prefix.
func (k Key) RowPrefixLen() int { return len(k.Row) + 1 }

// FamilyPrefixLen is the length of the "row NUL family" prefix.
func (k Key) FamilyPrefixLen() int { return len(k.Row) + 2 }

// CellPrefixLen is the length of the "row NUL family qualifier NUL" prefix.
func (k Key) CellPrefixLen() int { return len(k.Row) + 3 + len(k.Qualifier) }

// ScopeLen returns the prefix length a tombstone with this key's flag covers.
func (k Key) ScopeLen() int {
	switch k.Flag {
	case FlagDeleteRow:
		return k.RowPrefixLen()
	case FlagDeleteColumnFamily:
		return k.FamilyPrefixLen()
	}
	return k.CellPrefixLen()
}

func (k Key) String() string {
	return fmt.Sprintf("row=%q family=%d qualifier=%q ts=%d %s",
		k.Row, k.ColumnFamily, k.Qualifier, k.Timestamp, k.Flag)
}
