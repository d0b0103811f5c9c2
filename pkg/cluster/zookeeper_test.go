package cluster

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-zookeeper/zk"

	"tabletdb/pkg/types"
)

type fakeConn struct {
	mu    sync.Mutex
	nodes map[string][]byte
	flags map[string]int32
	seq   int
	watch chan zk.Event
}

func newFakeConn() *fakeConn {
	return &fakeConn{nodes: map[string][]byte{}, flags: map[string]int32{}, watch: make(chan zk.Event, 1)}
}

func (f *fakeConn) Create(path string, data []byte, flags int32, _ []zk.ACL) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if flags&zk.FlagSequence != 0 {
		path += strings.Repeat("0", 9) + string(rune('0'+f.seq))
		f.seq++
	}
	if _, ok := f.nodes[path]; ok {
		return "", zk.ErrNodeExists
	}
	f.nodes[path] = data
	f.flags[path] = flags
	return path, nil
}

func (f *fakeConn) Exists(path string) (bool, *zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.nodes[path]
	return ok, &zk.Stat{}, nil
}

func (f *fakeConn) Children(path string) ([]string, *zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for p := range f.nodes {
		if rest, ok := strings.CutPrefix(p, path+"/"); ok && !strings.Contains(rest, "/") {
			out = append(out, rest)
		}
	}
	return out, &zk.Stat{}, nil
}

func (f *fakeConn) ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error) {
	c, s, err := f.Children(path)
	return c, s, f.watch, err
}

func (f *fakeConn) State() zk.State { return zk.StateHasSession }
func (f *fakeConn) Close()          {}

func TestRegisterAndReportSplit(t *testing.T) {
	fc := newFakeConn()
	c := newCoordinator(fc, "/tabletdb/", "rs1:7000")
	ctx := context.Background()

	if err := c.RegisterServer(ctx); err != nil {
		t.Fatal(err)
	}
	if fc.flags["/tabletdb/servers/rs1:7000"] != zk.FlagEphemeral {
		t.Fatalf("server node flags = %v", fc.flags)
	}
	// Registering twice is harmless.
	if err := c.RegisterServer(ctx); err != nil {
		t.Fatal(err)
	}

	table := types.TableIdentifier{Name: "users", ID: 1}
	if err := c.ReportSplit(ctx, table, types.RangeSpec{EndRow: "m"}, "/log/abc", 2<<20); err != nil {
		t.Fatal(err)
	}
	data, ok := fc.nodes["/tabletdb/splits/split-0000000000"]
	if !ok {
		t.Fatalf("nodes = %v", fc.nodes)
	}
	var rep SplitReport
	if err := json.Unmarshal(data, &rep); err != nil {
		t.Fatal(err)
	}
	if rep.Server != "rs1:7000" || rep.Range.EndRow != "m" || rep.SoftLimit != 2<<20 || rep.TransferLog != "/log/abc" {
		t.Fatalf("report = %+v", rep)
	}
}

func TestWatchServers(t *testing.T) {
	fc := newFakeConn()
	c := newCoordinator(fc, "/tabletdb", "rs1")
	if err := c.RegisterServer(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seen := make(chan []string, 2)
	c.WatchServers(ctx, func(s []string) { seen <- s })

	select {
	case s := <-seen:
		if len(s) != 1 || s[0] != "rs1" {
			t.Fatalf("servers = %v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("no membership callback")
	}

	_, _ = fc.Create("/tabletdb/servers/rs2", nil, zk.FlagEphemeral, nil)
	fc.watch <- zk.Event{Type: zk.EventNodeChildrenChanged, Path: "/tabletdb/servers"}
	select {
	case s := <-seen:
		if len(s) != 2 {
			t.Fatalf("servers after join = %v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("no callback after join")
	}
}
