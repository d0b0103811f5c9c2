// Package metalog is the recovery log of a range server: an append-only
// sequence of typed, timestamped state transitions that lets multi-step
// range operations (split, move, load) resume after a crash.
package metalog

import (
	"fmt"

	"tabletdb/pkg/serial"
	"tabletdb/pkg/types"
)

// Tag identifies an entry type on disk.
type Tag uint16

// Range-local transitions.
const (
	TagSplitStart   Tag = 1
	TagSplitShrunk  Tag = 2
	TagSplitDone    Tag = 3
	TagMoveStart    Tag = 4
	TagMovePrepared Tag = 5
	TagMoveDone     Tag = 6
	TagRangeLoaded  Tag = 7
)

// Coordinator-local transitions.
const (
	TagLoadRangeStart Tag = 101
	TagLoadRangeDone  Tag = 102
	TagMoveRangeStart Tag = 103
	TagMoveRangeDone  Tag = 104
	TagRecoveryStart  Tag = 105
	TagRecoveryDone   Tag = 106
)

var tagNames = map[Tag]string{
	TagSplitStart:     "SplitStart",
	TagSplitShrunk:    "SplitShrunk",
	TagSplitDone:      "SplitDone",
	TagMoveStart:      "MoveStart",
	TagMovePrepared:   "MovePrepared",
	TagMoveDone:       "MoveDone",
	TagRangeLoaded:    "RangeLoaded",
	TagLoadRangeStart: "LoadRangeStart",
	TagLoadRangeDone:  "LoadRangeDone",
	TagMoveRangeStart: "MoveRangeStart",
	TagMoveRangeDone:  "MoveRangeDone",
	TagRecoveryStart:  "RecoveryStart",
	TagRecoveryDone:   "RecoveryDone",
}

func (t Tag) String() string {
	if n, ok := tagNames[t]; ok {
		return n
	}
	return fmt.Sprintf("Tag(%d)", uint16(t))
}

// Entry is one of the concrete entry types of this package.
type Entry interface {
	Tag() Tag
	// Timestamp is the time the entry was appended, in microseconds.
	Timestamp() int64
	encode(dst []byte) []byte
	decode(d *serial.Decoder)
	stamp(ts int64)
}

type header struct{ ts int64 }

func (h *header) Timestamp() int64 { return h.ts }
func (h *header) stamp(ts int64) {
	if h.ts == 0 {
		h.ts = ts
	}
}

// RangeRef names the range an entry is about.
type RangeRef struct {
	Table types.TableIdentifier
	Range types.RangeSpec
}

func (r RangeRef) encode(dst []byte) []byte {
	return r.Range.Encode(r.Table.Encode(dst))
}

func (r *RangeRef) decode(d *serial.Decoder) {
	r.Table.Decode(d)
	r.Range.Decode(d)
}

type SplitStart struct {
	header
	RangeRef
	SplitOff types.RangeSpec
	State    types.RangeState
}

type SplitShrunk struct {
	header
	RangeRef
	State types.RangeState
}

type SplitDone struct {
	header
	RangeRef
	State types.RangeState
}

type MoveStart struct {
	header
	RangeRef
	State types.RangeState
}

type MovePrepared struct {
	header
	RangeRef
}

type MoveDone struct {
	header
	RangeRef
}

type RangeLoaded struct {
	header
	RangeRef
	State types.RangeState
}

type LoadRangeStart struct {
	header
	RangeRef
	State types.RangeState
	To    string
}

type LoadRangeDone struct {
	header
	RangeRef
}

type MoveRangeStart struct {
	header
	RangeRef
	State types.RangeState
	From  string
	To    string
}

type MoveRangeDone struct {
	header
	RangeRef
}

type RecoveryStart struct {
	header
	From string
}

type RecoveryDone struct {
	header
	From string
}

func (*SplitStart) Tag() Tag     { return TagSplitStart }
func (*SplitShrunk) Tag() Tag    { return TagSplitShrunk }
func (*SplitDone) Tag() Tag      { return TagSplitDone }
func (*MoveStart) Tag() Tag      { return TagMoveStart }
func (*MovePrepared) Tag() Tag   { return TagMovePrepared }
func (*MoveDone) Tag() Tag       { return TagMoveDone }
func (*RangeLoaded) Tag() Tag    { return TagRangeLoaded }
func (*LoadRangeStart) Tag() Tag { return TagLoadRangeStart }
func (*LoadRangeDone) Tag() Tag  { return TagLoadRangeDone }
func (*MoveRangeStart) Tag() Tag { return TagMoveRangeStart }
func (*MoveRangeDone) Tag() Tag  { return TagMoveRangeDone }
func (*RecoveryStart) Tag() Tag  { return TagRecoveryStart }
func (*RecoveryDone) Tag() Tag   { return TagRecoveryDone }

func (e *SplitStart) encode(dst []byte) []byte {
	return e.State.Encode(e.SplitOff.Encode(e.RangeRef.encode(dst)))
}

func (e *SplitStart) decode(d *serial.Decoder) {
	e.RangeRef.decode(d)
	e.SplitOff.Decode(d)
	e.State.Decode(d)
}

func (e *SplitShrunk) encode(dst []byte) []byte { return e.State.Encode(e.RangeRef.encode(dst)) }
func (e *SplitShrunk) decode(d *serial.Decoder) { e.RangeRef.decode(d); e.State.Decode(d) }

func (e *SplitDone) encode(dst []byte) []byte { return e.State.Encode(e.RangeRef.encode(dst)) }
func (e *SplitDone) decode(d *serial.Decoder) { e.RangeRef.decode(d); e.State.Decode(d) }

func (e *MoveStart) encode(dst []byte) []byte { return e.State.Encode(e.RangeRef.encode(dst)) }
func (e *MoveStart) decode(d *serial.Decoder) { e.RangeRef.decode(d); e.State.Decode(d) }

func (e *RangeLoaded) encode(dst []byte) []byte { return e.State.Encode(e.RangeRef.encode(dst)) }
func (e *RangeLoaded) decode(d *serial.Decoder) { e.RangeRef.decode(d); e.State.Decode(d) }

func (e *MovePrepared) encode(dst []byte) []byte  { return e.RangeRef.encode(dst) }
func (e *MovePrepared) decode(d *serial.Decoder)  { e.RangeRef.decode(d) }
func (e *MoveDone) encode(dst []byte) []byte      { return e.RangeRef.encode(dst) }
func (e *MoveDone) decode(d *serial.Decoder)      { e.RangeRef.decode(d) }
func (e *LoadRangeDone) encode(dst []byte) []byte { return e.RangeRef.encode(dst) }
func (e *LoadRangeDone) decode(d *serial.Decoder) { e.RangeRef.decode(d) }
func (e *MoveRangeDone) encode(dst []byte) []byte { return e.RangeRef.encode(dst) }
func (e *MoveRangeDone) decode(d *serial.Decoder) { e.RangeRef.decode(d) }

func (e *LoadRangeStart) encode(dst []byte) []byte {
	return serial.AppendString(e.State.Encode(e.RangeRef.encode(dst)), e.To)
}

func (e *LoadRangeStart) decode(d *serial.Decoder) {
	e.RangeRef.decode(d)
	e.State.Decode(d)
	e.To = d.String()
}

func (e *MoveRangeStart) encode(dst []byte) []byte {
	dst = e.State.Encode(e.RangeRef.encode(dst))
	return serial.AppendString(serial.AppendString(dst, e.From), e.To)
}

func (e *MoveRangeStart) decode(d *serial.Decoder) {
	e.RangeRef.decode(d)
	e.State.Decode(d)
	e.From = d.String()
	e.To = d.String()
}

func (e *RecoveryStart) encode(dst []byte) []byte { return serial.AppendString(dst, e.From) }
func (e *RecoveryStart) decode(d *serial.Decoder) { e.From = d.String() }
func (e *RecoveryDone) encode(dst []byte) []byte  { return serial.AppendString(dst, e.From) }
func (e *RecoveryDone) decode(d *serial.Decoder)  { e.From = d.String() }

// String renders an entry for logs.
func String(e Entry) string {
	switch e := e.(type) {
	case *SplitStart:
		return fmt.Sprintf("{SplitStart: table=%q range=%s split_off=%s state=%s}", e.Table.Name, e.Range, e.SplitOff, e.State)
	case *RecoveryStart:
		return fmt.Sprintf("{RecoveryStart: from=%q}", e.From)
	case *RecoveryDone:
		return fmt.Sprintf("{RecoveryDone: from=%q}", e.From)
	}
	if r, ok := rangeOf(e); ok {
		return fmt.Sprintf("{%s: table=%q range=%s}", e.Tag(), r.Table.Name, r.Range)
	}
	return fmt.Sprintf("{%s}", e.Tag())
}

func rangeOf(e Entry) (RangeRef, bool) {
	if r, ok := e.(interface{ ref() RangeRef }); ok {
		return r.ref(), true
	}
	return RangeRef{}, false
}

func (r RangeRef) ref() RangeRef { return r }
