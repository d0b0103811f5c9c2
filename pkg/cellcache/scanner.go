package cellcache

import (
	"tabletdb/pkg/key"
	"tabletdb/pkg/scan"
)

// NewScanner snapshots the cells visible to ctx under the cache lock and
// returns a scanner over the snapshot. Writers are only blocked for the
// snapshot pass.
func (c *CellCache) NewScanner(ctx *scan.Context) scan.Scanner {
	if ctx.Empty() {
		return scan.NewSliceScanner(nil)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var cells []scan.Cell
	c.cells.Range(func(k []byte, e *entry) bool {
		row := key.Row(k)
		if ctx.BeforeStart(row) {
			return true
		}
		if ctx.PastEnd(row) {
			return false
		}
		kc, err := key.Decode(k)
		if err != nil || !ctx.Admits(kc) {
			return true
		}
		cells = append(cells, scan.Cell{Key: e.key, Value: e.value})
		return true
	})
	return scan.NewSliceScanner(cells)
}
