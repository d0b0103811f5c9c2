//nolint:hugeParam // test only
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cockroachdb/errors"

	"tabletdb/pkg/dberrors"
	"tabletdb/pkg/rangeserver"
	"tabletdb/pkg/types"
)

type call struct {
	table  string
	endRow string
	major  bool
	split  bool
}

// fakeRangeServer serves one table and records maintenance requests.
type fakeRangeServer struct {
	calls []call
	err   error
}

func (f *fakeRangeServer) Table(name string) (types.TableIdentifier, error) {
	if name != "users" {
		return types.TableIdentifier{}, errors.Wrapf(dberrors.ErrRangeNotFound, "table %q", name)
	}
	return types.TableIdentifier{Name: name, ID: 7}, nil
}

func (f *fakeRangeServer) Stats() rangeserver.ServerStats {
	return rangeserver.ServerStats{
		Ranges:      []rangeserver.Stats{{Table: "users", EndRow: "m", State: "steady"}},
		MemoryBytes: 42,
	}
}

func (f *fakeRangeServer) Compact(table types.TableIdentifier, endRow string, major bool) error {
	f.calls = append(f.calls, call{table: table.Name, endRow: endRow, major: major})
	return f.err
}

func (f *fakeRangeServer) Split(_ context.Context, table types.TableIdentifier, endRow string) error {
	f.calls = append(f.calls, call{table: table.Name, endRow: endRow, split: true})
	return f.err
}

type fakeMetrics map[string]float64

func (m fakeMetrics) Snapshot() map[string]float64 { return m }

func do(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rr := httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)
	return rr
}

func decodeResp(t *testing.T, rr *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response JSON: %v, body=%s", err, rr.Body.String())
	}
	return resp
}

func TestHealthHandler(t *testing.T) {
	s := NewServer(&fakeRangeServer{}, nil, "", 0)
	rr := do(t, s, http.MethodGet, "/healthz")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if resp := decodeResp(t, rr); resp.Status != StatusOK {
		t.Fatalf("expected status %s, got %s", StatusOK, resp.Status)
	}
}

func TestRangesAndStats(t *testing.T) {
	s := NewServer(&fakeRangeServer{}, fakeMetrics{"splits_total": 3}, "", 0)

	rr := do(t, s, http.MethodGet, "/ranges")
	var ranges []rangeserver.Stats
	if err := json.Unmarshal(rr.Body.Bytes(), &ranges); err != nil {
		t.Fatalf("decode ranges: %v body=%s", err, rr.Body.String())
	}
	if len(ranges) != 1 || ranges[0].EndRow != "m" {
		t.Fatalf("ranges = %+v", ranges)
	}

	rr = do(t, s, http.MethodGet, "/stats")
	var stats rangeserver.ServerStats
	if err := json.Unmarshal(rr.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.MemoryBytes != 42 {
		t.Fatalf("stats = %+v", stats)
	}

	rr = do(t, s, http.MethodGet, "/metrics")
	var snap map[string]float64
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil || snap["splits_total"] != 3 {
		t.Fatalf("metrics = %v, %v", snap, err)
	}
}

func TestMaintenanceRequests(t *testing.T) {
	rs := &fakeRangeServer{}
	s := NewServer(rs, nil, "", 0)

	if rr := do(t, s, http.MethodPost, "/ranges/users/m/compact?major=true"); rr.Code != http.StatusOK {
		t.Fatalf("compact: %d body=%s", rr.Code, rr.Body.String())
	}
	// The end-of-table marker travels escaped.
	if rr := do(t, s, http.MethodPost, "/ranges/users/%FF%FF/split"); rr.Code != http.StatusOK {
		t.Fatalf("split: %d body=%s", rr.Code, rr.Body.String())
	}
	if rr := do(t, s, http.MethodPost, "/ranges/users/a%2Fb/compact"); rr.Code != http.StatusOK {
		t.Fatalf("escaped compact: %d body=%s", rr.Code, rr.Body.String())
	}

	want := []call{
		{table: "users", endRow: "m", major: true},
		{table: "users", endRow: "\xff\xff", split: true},
		{table: "users", endRow: "a/b"},
	}
	if len(rs.calls) != len(want) {
		t.Fatalf("calls = %+v", rs.calls)
	}
	for i := range want {
		if rs.calls[i] != want[i] {
			t.Fatalf("call %d = %+v, want %+v", i, rs.calls[i], want[i])
		}
	}
}

func TestMaintenanceErrors(t *testing.T) {
	rs := &fakeRangeServer{}
	s := NewServer(rs, nil, "", 0)

	if rr := do(t, s, http.MethodPost, "/ranges/orders/m/split"); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown table: %d", rr.Code)
	}
	if rr := do(t, s, http.MethodPost, "/ranges/users/m/compact?major=maybe"); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad major: %d", rr.Code)
	}

	rs.err = errors.Wrap(dberrors.ErrMaintenanceBusy, "split users[..m)")
	rr := do(t, s, http.MethodPost, "/ranges/users/m/split")
	if rr.Code != http.StatusConflict {
		t.Fatalf("busy: %d", rr.Code)
	}
	if resp := decodeResp(t, rr); resp.Status != StatusError || resp.Error == "" {
		t.Fatalf("busy response = %+v", resp)
	}

	if rr := do(t, s, http.MethodGet, "/ranges/users/m/split"); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET split: expected 405, got %d", rr.Code)
	}
}
