package rangeserver

import (
	"context"

	"tabletdb/pkg/metadata"
	"tabletdb/pkg/metalog"
	"tabletdb/pkg/scan"
	"tabletdb/pkg/types"
)

// AccessGroup is the vertical partition a Range routes cells to.
// *accessgroup.AccessGroup implements it.
type AccessGroup interface {
	Name() string
	Families() []uint8
	Lock()
	Unlock()
	Add(k, v []byte, realTs int64) error
	IncludeInScan(ctx *scan.Context) bool
	NewScanner(ctx *scan.Context) (scan.Scanner, error)
	SplitRows(relaxed bool) []string
	CachedRows() []string
	RunCompaction(cutoff int64, major bool) error
	Shrink(startRow string) error
	Files() []string
	AddCellStore(name string) error
	MaxTimestamp() int64
	DiskUsage() int64
	MemoryUsed() int64
	CollisionCount() int64
	CachedCount() int
	LatestCommit() int64
	Close() error
}

// Coordinator receives split notifications. *cluster.ZKCoordinator
// implements it.
type Coordinator interface {
	ReportSplit(ctx context.Context, table types.TableIdentifier, rng types.RangeSpec, transferLog string, softLimit uint64) error
}

// MetadataTable persists the file lists and bounds of ranges.
// *metadata.Table implements it.
type MetadataTable interface {
	AddRange(table types.TableIdentifier, rng types.RangeSpec) error
	Files(table types.TableIdentifier, endRow string) (metadata.Row, error)
	SetFiles(table types.TableIdentifier, endRow, ag string, files []string) error
	RecordSplit(table types.TableIdentifier, endRow, splitRow, oldStart string, files map[string][]string) error
	DropRange(table types.TableIdentifier, endRow string) error
}

// RangeLog is the recovery log ranges append their transitions to.
// *metalog.Writer implements it.
type RangeLog interface {
	Append(e metalog.Entry) error
}

// FaultHook is called at named points of multi-step operations ("split-1",
// "split-2", "split-3"). A non-nil error aborts the operation there.
type FaultHook func(point string) error
