package accessgroup

import (
	"math"
	"testing"

	"tabletdb/pkg/blockcache"
	"tabletdb/pkg/dfs"
	"tabletdb/pkg/key"
	"tabletdb/pkg/metrics"
	"tabletdb/pkg/scan"
	"tabletdb/pkg/schema"
	"tabletdb/pkg/types"
)

func newGroup(t *testing.T, inMemory bool) (*AccessGroup, *metrics.MemoryTracker) {
	t.Helper()
	tracker := &metrics.MemoryTracker{}
	ag, err := New(Options{
		FS:      dfs.NewMem(),
		Cache:   blockcache.New(1 << 20),
		Tracker: tracker,
		Root:    "/rs",
		Table:   types.TableIdentifier{Name: "t", ID: 1},
		Schema: schema.AccessGroup{
			Name:           "default",
			InMemory:       inMemory,
			ColumnFamilies: []schema.ColumnFamily{{ID: 1, Name: "a", MaxVersions: 2}},
		},
		Range: types.RangeSpec{StartRow: "", EndRow: key.EndRowMarker},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ag.Close() })
	return ag, tracker
}

func add(t *testing.T, ag *AccessGroup, flag key.Flag, row string, fam uint8, ts int64, val string) {
	t.Helper()
	ag.Lock()
	defer ag.Unlock()
	if err := ag.Add(key.Encode(flag, []byte(row), fam, nil, ts), []byte(val), 0); err != nil {
		t.Fatal(err)
	}
}

func collect(t *testing.T, ag *AccessGroup, spec *scan.Spec) []string {
	t.Helper()
	s, err := ag.NewScanner(scan.NewContext(math.MaxInt64, spec, nil, nil, 0))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	cells, err := scan.Collect(s)
	if err != nil {
		t.Fatal(err)
	}
	var out []string
	for _, c := range cells {
		out = append(out, string(key.Row(c.Key))+"="+string(c.Value))
	}
	return out
}

func join(v []string) string {
	s := ""
	for i, x := range v {
		if i > 0 {
			s += ","
		}
		s += x
	}
	return s
}

func TestMinorCompactionKeepsCellsVisible(t *testing.T) {
	ag, tracker := newGroup(t, false)
	add(t, ag, key.FlagInsert, "a", 1, 10, "a10")
	add(t, ag, key.FlagInsert, "b", 1, 20, "b20")
	add(t, ag, key.FlagInsert, "c", 1, 30, "c30")
	if tracker.Items() != 3 {
		t.Fatalf("tracked items = %d", tracker.Items())
	}

	before := collect(t, ag, nil)
	if err := ag.RunCompaction(20, false); err != nil {
		t.Fatal(err)
	}
	if files := ag.Files(); len(files) != 1 {
		t.Fatalf("files = %v", files)
	}
	if ag.CachedCount() != 1 {
		t.Fatalf("cache keeps %d cells, want the one above the cutoff", ag.CachedCount())
	}
	if got := collect(t, ag, nil); join(got) != join(before) {
		t.Fatalf("after compaction %v, before %v", got, before)
	}
	if ag.DiskUsage() == 0 {
		t.Fatal("disk usage not reported")
	}
}

func TestMajorCompactionAppliesTombstonesAndVersions(t *testing.T) {
	ag, _ := newGroup(t, false)
	add(t, ag, key.FlagInsert, "apple", 1, 250, "old")
	add(t, ag, key.FlagInsert, "pear", 1, 1, "p1")
	add(t, ag, key.FlagInsert, "pear", 1, 2, "p2")
	add(t, ag, key.FlagInsert, "pear", 1, 3, "p3")
	if err := ag.RunCompaction(1000, false); err != nil {
		t.Fatal(err)
	}
	add(t, ag, key.FlagDeleteRow, "apple", 0, 300, "")
	if err := ag.RunCompaction(1000, true); err != nil {
		t.Fatal(err)
	}

	if files := ag.Files(); len(files) != 1 {
		t.Fatalf("major compaction left %v", files)
	}
	got := collect(t, ag, &scan.Spec{ReturnDeletes: true})
	if join(got) != "pear=p3,pear=p2" {
		t.Fatalf("after major compaction: %v", got)
	}
}

func TestInMemoryGroupPurgesInsteadOfWriting(t *testing.T) {
	ag, _ := newGroup(t, true)
	add(t, ag, key.FlagDeleteRow, "apple", 0, 300, "")
	add(t, ag, key.FlagInsert, "apple", 1, 250, "gone")
	add(t, ag, key.FlagInsert, "kiwi", 1, 5, "k")

	if err := ag.RunCompaction(1000, false); err != nil {
		t.Fatal(err)
	}
	if ag.CachedCount() != 3 {
		t.Fatalf("minor compaction of in-memory group changed the cache")
	}
	if err := ag.RunCompaction(1000, true); err != nil {
		t.Fatal(err)
	}
	if len(ag.Files()) != 0 {
		t.Fatal("in-memory group wrote a cell store")
	}
	if got := collect(t, ag, &scan.Spec{ReturnDeletes: true}); join(got) != "kiwi=k" {
		t.Fatalf("after purge: %v", got)
	}
}

func TestScannerSurvivesCompaction(t *testing.T) {
	ag, _ := newGroup(t, false)
	for _, r := range []string{"a", "b", "c", "d"} {
		add(t, ag, key.FlagInsert, r, 1, 10, r)
	}
	s, err := ag.NewScanner(scan.NewContext(10, nil, nil, nil, 0))
	if err != nil {
		t.Fatal(err)
	}
	if err := ag.RunCompaction(10, true); err != nil {
		t.Fatal(err)
	}
	cells, err := scan.Collect(s)
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Close()
	if len(cells) != 4 {
		t.Fatalf("scanner started before compaction saw %d cells", len(cells))
	}
}

func TestSplitRowsAndShrink(t *testing.T) {
	ag, _ := newGroup(t, false)
	for _, r := range []string{"b", "h", "m", "t"} {
		add(t, ag, key.FlagInsert, r, 1, 1, r)
	}
	rows := ag.SplitRows(false)
	if len(rows) != 1 || rows[0] != "m" {
		t.Fatalf("split rows = %v", rows)
	}
	if err := ag.RunCompaction(1, true); err != nil {
		t.Fatal(err)
	}
	add(t, ag, key.FlagInsert, "c", 1, 5, "c")

	if err := ag.Shrink("h"); err != nil {
		t.Fatal(err)
	}
	if got := collect(t, ag, nil); join(got) != "h=h,m=m,t=t" {
		t.Fatalf("after shrink: %v", got)
	}
	if rows := ag.CachedRows(); len(rows) != 0 {
		t.Fatalf("cached rows after shrink = %v", rows)
	}
}

func TestAddCellStoreSeedsFileNumbers(t *testing.T) {
	ag, _ := newGroup(t, false)
	add(t, ag, key.FlagInsert, "a", 1, 1, "a")
	if err := ag.RunCompaction(1, false); err != nil {
		t.Fatal(err)
	}
	name := ag.Files()[0]

	other, err := New(ag.opts)
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()
	if err := other.AddCellStore(name); err != nil {
		t.Fatal(err)
	}
	add(t, other, key.FlagInsert, "b", 1, 2, "b")
	if err := other.RunCompaction(2, false); err != nil {
		t.Fatal(err)
	}
	files := other.Files()
	if len(files) != 2 || files[0] == files[1] {
		t.Fatalf("files = %v", files)
	}
}
