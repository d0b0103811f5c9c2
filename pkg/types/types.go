package types

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"tabletdb/pkg/key"
	"tabletdb/pkg/serial"
)

// TableIdentifier names a table and the schema generation a range was
// loaded with.
type TableIdentifier struct {
	Name       string `json:"name"`
	ID         uint32 `json:"id"`
	Generation uint32 `json:"generation"`
}

func (t TableIdentifier) Encode(dst []byte) []byte {
	dst = serial.AppendString(dst, t.Name)
	dst = serial.AppendU32(dst, t.ID)
	return serial.AppendU32(dst, t.Generation)
}

func (t *TableIdentifier) Decode(d *serial.Decoder) {
	t.Name = d.String()
	t.ID = d.U32()
	t.Generation = d.U32()
}

// RangeSpec is a half-open row interval [StartRow, EndRow). An empty start
// is unbounded below, key.EndRowMarker is unbounded above.
type RangeSpec struct {
	StartRow string `json:"start_row"`
	EndRow   string `json:"end_row"`
}

func (r RangeSpec) Contains(row string) bool {
	return row >= r.StartRow && (r.EndRow == key.EndRowMarker || row < r.EndRow)
}

// StrictlyInside reports whether row lies in the open interval (start, end).
func (r RangeSpec) StrictlyInside(row string) bool {
	return row > r.StartRow && (r.EndRow == key.EndRowMarker || row < r.EndRow)
}

func (r RangeSpec) String() string { return "[" + r.StartRow + ".." + r.EndRow + ")" }

func (r RangeSpec) Encode(dst []byte) []byte {
	dst = serial.AppendString(dst, r.StartRow)
	return serial.AppendString(dst, r.EndRow)
}

func (r *RangeSpec) Decode(d *serial.Decoder) {
	r.StartRow = d.String()
	r.EndRow = d.String()
}

// Timestamp pairs the logical (cell) timestamp with the real commit time.
type Timestamp struct {
	Logical int64 `json:"logical"`
	Real    int64 `json:"real"`
}

func (t Timestamp) Less(o Timestamp) bool { return t.Logical < o.Logical }

func (t Timestamp) IsZero() bool { return t.Logical == 0 && t.Real == 0 }

// StateKind is the lifecycle state of a range.
type StateKind uint8

const (
	StateSteady StateKind = iota
	StateSplitLogInstalled
	StateSplitShrunk
)

func (s StateKind) String() string {
	switch s {
	case StateSteady:
		return "STEADY"
	case StateSplitLogInstalled:
		return "SPLIT_LOG_INSTALLED"
	case StateSplitShrunk:
		return "SPLIT_SHRUNK"
	}
	return fmt.Sprintf("STATE(%d)", uint8(s))
}

// RangeState is the persisted lifecycle snapshot of a range.
type RangeState struct {
	State       StateKind `json:"state"`
	Timestamp   Timestamp `json:"timestamp"`
	SoftLimit   uint64    `json:"soft_limit"`
	SplitPoint  string    `json:"split_point,omitempty"`
	TransferLog string    `json:"transfer_log,omitempty"`
	OldStartRow string    `json:"old_start_row,omitempty"`
}

func (s RangeState) Encode(dst []byte) []byte {
	dst = append(dst, byte(s.State))
	dst = serial.AppendI64(dst, s.Timestamp.Logical)
	dst = serial.AppendI64(dst, s.Timestamp.Real)
	dst = serial.AppendU64(dst, s.SoftLimit)
	dst = serial.AppendString(dst, s.SplitPoint)
	dst = serial.AppendString(dst, s.TransferLog)
	return serial.AppendString(dst, s.OldStartRow)
}

func (s *RangeState) Decode(d *serial.Decoder) {
	s.State = StateKind(d.U8())
	s.Timestamp.Logical = d.I64()
	s.Timestamp.Real = d.I64()
	s.SoftLimit = d.U64()
	s.SplitPoint = d.String()
	s.TransferLog = d.String()
	s.OldStartRow = d.String()
}

func (s RangeState) String() string {
	return fmt.Sprintf("{state=%s ts=%d/%d soft_limit=%d split_point=%q transfer_log=%q old_start_row=%q}",
		s.State, s.Timestamp.Logical, s.Timestamp.Real, s.SoftLimit, s.SplitPoint, s.TransferLog, s.OldStartRow)
}

// RowDigest names directories derived from a row: the first 24 hex digits of
// its MD5. Transfer logs are named after the split row and range directories
// after the end row.
func RowDigest(row string) string {
	sum := md5.Sum([]byte(row))
	return hex.EncodeToString(sum[:])[:24]
}
