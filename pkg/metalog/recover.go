package metalog

import (
	"slices"

	"tabletdb/pkg/types"
)

// RangeTxn is the last acknowledged state of one range found in a log.
type RangeTxn struct {
	Table types.TableIdentifier
	Range types.RangeSpec
	State types.RangeState
	// Moving is set once a move started and has not yet finished.
	Moving bool
	// Last is the tag of the entry the state was taken from.
	Last Tag
}

type rangeKey struct {
	table  uint32
	endRow string
}

// RecoverRanges folds range-local entries into one transaction per range,
// keyed by table and end row, in order of first appearance. A finished move
// drops the range from this server.
func RecoverRanges(entries []Entry) []RangeTxn {
	txns := map[rangeKey]*RangeTxn{}
	var order []rangeKey
	apply := func(r RangeRef, tag Tag, fn func(*RangeTxn)) {
		k := rangeKey{r.Table.ID, r.Range.EndRow}
		t, ok := txns[k]
		if !ok {
			t = &RangeTxn{}
			txns[k] = t
			order = append(order, k)
		}
		t.Table, t.Range, t.Last = r.Table, r.Range, tag
		if fn != nil {
			fn(t)
		}
	}

	for _, e := range entries {
		switch e := e.(type) {
		case *SplitStart:
			apply(e.RangeRef, e.Tag(), func(t *RangeTxn) { t.State = e.State })
		case *SplitShrunk:
			apply(e.RangeRef, e.Tag(), func(t *RangeTxn) { t.State = e.State })
		case *SplitDone:
			apply(e.RangeRef, e.Tag(), func(t *RangeTxn) { t.State = e.State })
		case *RangeLoaded:
			apply(e.RangeRef, e.Tag(), func(t *RangeTxn) { t.State, t.Moving = e.State, false })
		case *MoveStart:
			apply(e.RangeRef, e.Tag(), func(t *RangeTxn) { t.State, t.Moving = e.State, true })
		case *MovePrepared:
			apply(e.RangeRef, e.Tag(), nil)
		case *MoveDone:
			k := rangeKey{e.Table.ID, e.Range.EndRow}
			delete(txns, k)
			order = slices.DeleteFunc(order, func(o rangeKey) bool { return o == k })
		}
	}

	out := make([]RangeTxn, 0, len(order))
	for _, k := range order {
		out = append(out, *txns[k])
	}
	return out
}

// Pending is the coordinator-local work a log leaves unfinished.
type Pending struct {
	Loads      []*LoadRangeStart
	Moves      []*MoveRangeStart
	Recoveries []string
}

// RecoverPending returns the load, move and server-recovery operations
// that were started but never marked done.
func RecoverPending(entries []Entry) Pending {
	loads := map[rangeKey]*LoadRangeStart{}
	moves := map[rangeKey]*MoveRangeStart{}
	recoveries := map[string]bool{}
	var p Pending
	for _, e := range entries {
		switch e := e.(type) {
		case *LoadRangeStart:
			loads[rangeKey{e.Table.ID, e.Range.EndRow}] = e
		case *LoadRangeDone:
			delete(loads, rangeKey{e.Table.ID, e.Range.EndRow})
		case *MoveRangeStart:
			moves[rangeKey{e.Table.ID, e.Range.EndRow}] = e
		case *MoveRangeDone:
			delete(moves, rangeKey{e.Table.ID, e.Range.EndRow})
		case *RecoveryStart:
			recoveries[e.From] = true
		case *RecoveryDone:
			delete(recoveries, e.From)
		}
	}
	for _, e := range entries {
		switch e := e.(type) {
		case *LoadRangeStart:
			if loads[rangeKey{e.Table.ID, e.Range.EndRow}] == e {
				p.Loads = append(p.Loads, e)
			}
		case *MoveRangeStart:
			if moves[rangeKey{e.Table.ID, e.Range.EndRow}] == e {
				p.Moves = append(p.Moves, e)
			}
		case *RecoveryStart:
			if recoveries[e.From] {
				p.Recoveries = append(p.Recoveries, e.From)
				delete(recoveries, e.From)
			}
		}
	}
	return p
}
