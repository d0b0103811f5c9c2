package metalog

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/cockroachdb/errors"

	"tabletdb/pkg/dberrors"
	"tabletdb/pkg/serial"
)

// recordHeaderSize is tag u16 | timestamp i64 | payload length u32.
const (
	recordHeaderSize  = 2 + 8 + 4
	recordTrailerSize = 4
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func newEntry(tag Tag) Entry {
	switch tag {
	case TagSplitStart:
		return &SplitStart{}
	case TagSplitShrunk:
		return &SplitShrunk{}
	case TagSplitDone:
		return &SplitDone{}
	case TagMoveStart:
		return &MoveStart{}
	case TagMovePrepared:
		return &MovePrepared{}
	case TagMoveDone:
		return &MoveDone{}
	case TagRangeLoaded:
		return &RangeLoaded{}
	case TagLoadRangeStart:
		return &LoadRangeStart{}
	case TagLoadRangeDone:
		return &LoadRangeDone{}
	case TagMoveRangeStart:
		return &MoveRangeStart{}
	case TagMoveRangeDone:
		return &MoveRangeDone{}
	case TagRecoveryStart:
		return &RecoveryStart{}
	case TagRecoveryDone:
		return &RecoveryDone{}
	}
	return nil
}

// Decode rebuilds an entry from its tag, timestamp and payload.
func Decode(tag Tag, ts int64, payload []byte) (Entry, error) {
	e := newEntry(tag)
	if e == nil {
		return nil, errors.Wrapf(dberrors.ErrUnknownEntryType, "tag %d", uint16(tag))
	}
	d := serial.NewDecoder(payload)
	e.decode(d)
	if err := d.Err(); err != nil {
		return nil, errors.Wrapf(dberrors.ErrCorruptMetaLog, "%s payload: %v", tag, err)
	}
	if d.Remaining() != 0 {
		return nil, errors.Wrapf(dberrors.ErrCorruptMetaLog, "%s payload has %d trailing bytes", tag, d.Remaining())
	}
	e.stamp(ts)
	return e, nil
}

// appendRecord frames e as tag | ts | len | payload | crc32c, the checksum
// covering everything before it.
func appendRecord(dst []byte, e Entry) []byte {
	start := len(dst)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(e.Tag()))
	dst = binary.LittleEndian.AppendUint64(dst, uint64(e.Timestamp()))
	dst = append(dst, 0, 0, 0, 0)
	body := len(dst)
	dst = e.encode(dst)
	binary.LittleEndian.PutUint32(dst[body-4:], uint32(len(dst)-body))
	return binary.LittleEndian.AppendUint32(dst, crc32.Checksum(dst[start:], castagnoli))
}
