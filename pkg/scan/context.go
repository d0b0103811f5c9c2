// Package scan defines what a scan asks for (Spec), the per-range view of
// it every cell source filters against (Context), and the forward-only
// Scanner contract shared by the cell cache, cell stores and merge scanner.
package scan

import (
	"bytes"

	"tabletdb/pkg/key"
	"tabletdb/pkg/schema"
	"tabletdb/pkg/types"
)

// Cell is a packed key and its value.
type Cell struct {
	Key   []byte
	Value []byte
}

// Spec is the client-visible description of a scan.
type Spec struct {
	// Row restricts the scan to a single row when non-empty.
	Row string
	// StartRow is inclusive, EndRow exclusive; an empty EndRow is unbounded.
	StartRow string
	EndRow   string
	// Families restricts the scan to the given column family codes; empty
	// means every family of the schema.
	Families []uint8
	// MaxVersions caps the versions returned per cell; zero means the
	// family's own limit.
	MaxVersions uint32
	// StartTime and EndTime bound insert timestamps to [StartTime, EndTime);
	// zero values are unbounded.
	StartTime int64
	EndTime   int64
	// RowLimit caps the number of distinct rows returned; zero is unlimited.
	RowLimit      int
	ReturnDeletes bool
}

// FilterInfo carries per-family garbage collection parameters.
type FilterInfo struct {
	CutoffTime  int64
	MaxVersions uint32
}

// Context is a Spec resolved against one range and one point in time.
type Context struct {
	Spec Spec
	// Timestamp is the scan snapshot: cells newer than it are invisible.
	Timestamp int64
	// StartRow is inclusive and EndRow exclusive. EndRow is
	// key.EndRowMarker when unbounded.
	StartRow   string
	EndRow     string
	SingleRow  bool
	FamilyMask [256]bool
	FamilyInfo [256]FilterInfo

	endRow []byte
}

// NewContext resolves spec against range bounds and schema. A nil spec scans
// everything, a nil range is unbounded, a nil schema admits every family.
// now is the real time in microseconds used to compute TTL cutoffs.
func NewContext(ts int64, spec *Spec, rng *types.RangeSpec, sch *schema.Schema, now int64) *Context {
	ctx := &Context{Timestamp: ts, EndRow: key.EndRowMarker}
	if spec != nil {
		ctx.Spec = *spec
	}

	if rng != nil {
		ctx.StartRow = rng.StartRow
		ctx.EndRow = rng.EndRow
	}
	switch {
	case ctx.Spec.Row != "":
		ctx.SingleRow = true
		ctx.StartRow = maxRow(ctx.StartRow, ctx.Spec.Row)
		ctx.EndRow = minRow(ctx.EndRow, ctx.Spec.Row+"\x00")
	default:
		ctx.StartRow = maxRow(ctx.StartRow, ctx.Spec.StartRow)
		if ctx.Spec.EndRow != "" {
			ctx.EndRow = minRow(ctx.EndRow, ctx.Spec.EndRow)
		}
	}
	ctx.endRow = []byte(ctx.EndRow)

	wanted := make(map[uint8]bool, len(ctx.Spec.Families))
	for _, id := range ctx.Spec.Families {
		wanted[id] = true
	}
	if sch == nil {
		for i := 1; i < len(ctx.FamilyMask); i++ {
			ctx.FamilyMask[i] = len(wanted) == 0 || wanted[uint8(i)]
			ctx.FamilyInfo[i].MaxVersions = ctx.Spec.MaxVersions
		}
		return ctx
	}
	for _, ag := range sch.AccessGroups {
		for _, cf := range ag.ColumnFamilies {
			if len(wanted) != 0 && !wanted[cf.ID] {
				continue
			}
			ctx.FamilyMask[cf.ID] = true
			info := FilterInfo{MaxVersions: cf.MaxVersions}
			if v := ctx.Spec.MaxVersions; v != 0 && (info.MaxVersions == 0 || v < info.MaxVersions) {
				info.MaxVersions = v
			}
			if cf.TTL > 0 {
				info.CutoffTime = now - cf.TTL.Microseconds()
			}
			ctx.FamilyInfo[cf.ID] = info
		}
	}
	return ctx
}

// Empty reports whether the resolved row interval cannot contain any row.
func (c *Context) Empty() bool {
	return c.EndRow != key.EndRowMarker && c.StartRow >= c.EndRow
}

// BeforeStart reports whether row sorts ahead of the scan interval.
func (c *Context) BeforeStart(row []byte) bool {
	return string(row) < c.StartRow
}

// PastEnd reports whether row sorts at or after the scan end.
func (c *Context) PastEnd(row []byte) bool {
	if c.EndRow == key.EndRowMarker {
		return false
	}
	return bytes.Compare(row, c.endRow) >= 0
}

// Admits applies the family mask, snapshot timestamp and time interval to a
// decoded key. Row bounds are the caller's concern.
func (c *Context) Admits(k key.Key) bool {
	if k.Timestamp > c.Timestamp {
		return false
	}
	if k.Flag == key.FlagDeleteRow {
		return true
	}
	if !c.FamilyMask[k.ColumnFamily] {
		return false
	}
	if k.Flag != key.FlagInsert {
		return true
	}
	if c.Spec.StartTime != 0 && k.Timestamp < c.Spec.StartTime {
		return false
	}
	if c.Spec.EndTime != 0 && k.Timestamp >= c.Spec.EndTime {
		return false
	}
	return true
}

// IncludesAny reports whether any of the family codes is in the mask.
func (c *Context) IncludesAny(families []uint8) bool {
	for _, id := range families {
		if c.FamilyMask[id] {
			return true
		}
	}
	return false
}

func maxRow(a, b string) string {
	if a > b {
		return a
	}
	return b
}

func minRow(a, b string) string {
	switch {
	case a == key.EndRowMarker:
		return b
	case b == key.EndRowMarker:
		return a
	case a < b:
		return a
	}
	return b
}
