package schema

import (
	"testing"
	"time"
)

const testSchema = `
generation: 3
access_groups:
  - name: default
    block_size: 65536
    compression: snappy
    column_families:
      - id: 1
        name: info
        max_versions: 3
      - id: 2
        name: stats
        ttl: 1h
  - name: hot
    in_memory: true
    column_families:
      - id: 5
        name: counters
`

func TestParse(t *testing.T) {
	s, err := Parse([]byte(testSchema))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if s.Generation != 3 || len(s.AccessGroups) != 2 {
		t.Fatalf("unexpected schema: %+v", s)
	}
	if !s.AccessGroups[1].InMemory {
		t.Fatal("expected hot access group to be in memory")
	}
	if s.MaxColumnFamilyID() != 5 {
		t.Fatalf("MaxColumnFamilyID = %d, want 5", s.MaxColumnFamilyID())
	}
	cf, ok := s.Family(2)
	if !ok || cf.Name != "stats" || cf.TTL != time.Hour {
		t.Fatalf("unexpected family 2: %+v", cf)
	}
	if cf, ok := s.FamilyByName("info"); !ok || cf.MaxVersions != 3 {
		t.Fatalf("unexpected family info: %+v", cf)
	}
	if _, ok := s.Family(9); ok {
		t.Fatal("family 9 should not exist")
	}
}

func TestValidate_Rejects(t *testing.T) {
	bad := []string{
		`access_groups: []`,
		"access_groups:\n  - name: a\n    column_families:\n      - {id: 0, name: x}\n",
		"access_groups:\n  - name: a\n    column_families:\n      - {id: 1, name: x}\n      - {id: 1, name: y}\n",
		"access_groups:\n  - name: a\n  - name: a\n",
	}
	for i, doc := range bad {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}
