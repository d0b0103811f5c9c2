package metalog

import (
	"testing"

	"github.com/cockroachdb/errors"

	"tabletdb/pkg/clock"
	"tabletdb/pkg/dberrors"
	"tabletdb/pkg/dfs"
	"tabletdb/pkg/key"
	"tabletdb/pkg/types"
)

var (
	users = types.TableIdentifier{Name: "users", ID: 2, Generation: 1}
	whole = types.RangeSpec{StartRow: "", EndRow: key.EndRowMarker}
)

func ref(r types.RangeSpec) RangeRef { return RangeRef{Table: users, Range: r} }

func writeAll(t *testing.T, fs dfs.Filesystem, clk clock.Clock, entries ...Entry) {
	t.Helper()
	w, err := NewWriter(fs, "log/rs1", clk)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if err := w.Append(e); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestAppendAndRead(t *testing.T) {
	fs := dfs.NewMem()
	clk := &clock.Manual{}
	clk.Store(1000)

	installed := types.RangeState{
		State:       types.StateSplitLogInstalled,
		Timestamp:   types.Timestamp{Logical: 77, Real: 1000},
		SoftLimit:   1 << 20,
		SplitPoint:  "m",
		TransferLog: "xfer/abc",
	}
	writeAll(t, fs, clk,
		&RangeLoaded{RangeRef: ref(whole)},
		&SplitStart{RangeRef: ref(whole), SplitOff: types.RangeSpec{EndRow: "m"}, State: installed},
		&MoveRangeStart{RangeRef: ref(whole), From: "rs1", To: "rs2"},
		&RecoveryStart{From: "rs9"},
	)
	clk.Advance(5)
	writeAll(t, fs, clk, &SplitDone{RangeRef: ref(types.RangeSpec{StartRow: "m", EndRow: key.EndRowMarker})})

	entries, err := Read(fs, "log/rs1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 5 {
		t.Fatalf("read %d entries", len(entries))
	}
	ss, ok := entries[1].(*SplitStart)
	if !ok {
		t.Fatalf("entry 1 is %s", entries[1].Tag())
	}
	if ss.State != installed || ss.SplitOff.EndRow != "m" || ss.Table != users {
		t.Fatalf("split start = %s", String(ss))
	}
	if ss.Timestamp() != 1000 {
		t.Fatalf("timestamp = %d", ss.Timestamp())
	}
	if mv := entries[2].(*MoveRangeStart); mv.From != "rs1" || mv.To != "rs2" {
		t.Fatalf("move = %+v", mv)
	}
	if entries[4].Timestamp() != 1005 {
		t.Fatalf("second fragment timestamp = %d", entries[4].Timestamp())
	}
}

func TestDecode_UnknownTag(t *testing.T) {
	if _, err := Decode(Tag(42), 1, nil); !errors.Is(err, dberrors.ErrUnknownEntryType) {
		t.Fatalf("got %v", err)
	}
	if _, err := Decode(TagSplitDone, 1, []byte{1, 2}); !errors.Is(err, dberrors.ErrCorruptMetaLog) {
		t.Fatalf("short payload: %v", err)
	}
}

func TestRead_TruncatedTailAndCorruption(t *testing.T) {
	var buf []byte
	buf = appendRecord(buf, &RangeLoaded{header: header{ts: 1}, RangeRef: ref(whole)})
	buf = appendRecord(buf, &SplitDone{header: header{ts: 2}, RangeRef: ref(whole)})

	fs := dfs.NewMem()
	out, _ := fs.Create("log/torn/0")
	_, _ = out.Write(buf[:len(buf)-2])
	_ = out.Close()
	entries, err := Read(fs, "log/torn")
	if err != nil || len(entries) != 1 {
		t.Fatalf("torn: %d entries, %v", len(entries), err)
	}

	bad := append([]byte(nil), buf...)
	bad[recordHeaderSize+1] ^= 0xff
	out, _ = fs.Create("log/bad/0")
	_, _ = out.Write(bad)
	_ = out.Close()
	if _, err := Read(fs, "log/bad"); !errors.Is(err, dberrors.ErrCorruptMetaLog) {
		t.Fatalf("corrupt: %v", err)
	}
}

func TestRecoverRanges(t *testing.T) {
	upper := types.RangeSpec{StartRow: "m", EndRow: key.EndRowMarker}
	other := types.RangeSpec{StartRow: "", EndRow: "c"}
	shrunk := types.RangeState{State: types.StateSplitShrunk, SplitPoint: "m"}

	txns := RecoverRanges([]Entry{
		&RangeLoaded{RangeRef: ref(whole)},
		&RangeLoaded{RangeRef: ref(other)},
		&SplitStart{RangeRef: ref(whole), State: types.RangeState{State: types.StateSplitLogInstalled}},
		&SplitShrunk{RangeRef: ref(upper), State: shrunk},
		&MoveStart{RangeRef: ref(other)},
		&MovePrepared{RangeRef: ref(other)},
		&MoveDone{RangeRef: ref(other)},
	})
	if len(txns) != 1 {
		t.Fatalf("txns = %+v", txns)
	}
	got := txns[0]
	if got.Range != upper || got.State != shrunk || got.Last != TagSplitShrunk || got.Moving {
		t.Fatalf("txn = %+v", got)
	}
}

func TestRecoverPending(t *testing.T) {
	lower := types.RangeSpec{EndRow: "m"}
	p := RecoverPending([]Entry{
		&LoadRangeStart{RangeRef: ref(whole), To: "rs2"},
		&LoadRangeStart{RangeRef: ref(lower), To: "rs3"},
		&LoadRangeDone{RangeRef: ref(whole)},
		&MoveRangeStart{RangeRef: ref(lower), From: "rs1", To: "rs3"},
		&RecoveryStart{From: "rs7"},
		&RecoveryStart{From: "rs8"},
		&RecoveryDone{From: "rs8"},
	})
	if len(p.Loads) != 1 || p.Loads[0].To != "rs3" {
		t.Fatalf("loads = %+v", p.Loads)
	}
	if len(p.Moves) != 1 || p.Moves[0].Range != lower {
		t.Fatalf("moves = %+v", p.Moves)
	}
	if len(p.Recoveries) != 1 || p.Recoveries[0] != "rs7" {
		t.Fatalf("recoveries = %v", p.Recoveries)
	}
}
