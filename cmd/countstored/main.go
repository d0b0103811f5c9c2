// Command countstored counts the cells of every cell store the metadata
// table lists for one table.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/cockroachdb/errors"

	"tabletdb/pkg/cellstore"
	"tabletdb/pkg/config"
	"tabletdb/pkg/dfs"
	"tabletdb/pkg/key"
	"tabletdb/pkg/metadata"
	"tabletdb/pkg/scan"
	"tabletdb/pkg/types"
)

func main() {
	configPath := flag.String("config", "rangeserver.yaml", "path to the range server config")
	tableID := flag.Uint("table-id", 0, "numeric id of the table")
	flag.Parse()

	cfg, _, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if err := run(&cfg, types.TableIdentifier{ID: uint32(*tableID)}); err != nil {
		slog.Error("count failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, table types.TableIdentifier) error {
	fs, err := dfs.NewLocal(cfg.Storage.Root)
	if err != nil {
		return err
	}
	md, err := metadata.Open(filepath.Join(cfg.Storage.Root, cfg.Storage.MetadataDir), nil)
	if err != nil {
		return err
	}
	defer md.Close()

	rows, err := md.Ranges(table)
	if err != nil {
		return err
	}
	var total uint64
	for _, row := range rows {
		groups := make([]string, 0, len(row.Files))
		for ag := range row.Files {
			groups = append(groups, ag)
		}
		sort.Strings(groups)
		for _, ag := range groups {
			for _, name := range row.Files[ag] {
				n, err := count(fs, name, types.RangeSpec{StartRow: row.StartRow, EndRow: row.EndRow})
				if err != nil {
					return err
				}
				fmt.Printf("%s\t%s\t%d\n", ag, name, n)
				total += n
			}
		}
	}
	fmt.Printf("total\t%d\n", total)
	return nil
}

// count scans every version and delete of name inside rng.
func count(fs dfs.Filesystem, name string, rng types.RangeSpec) (uint64, error) {
	cs, err := cellstore.Open(fs, name, rng.StartRow, rng.EndRow)
	if err != nil {
		return 0, err
	}
	defer cs.Release()

	ctx := scan.NewContext(math.MaxInt64, &scan.Spec{ReturnDeletes: true}, &rng, nil, 0)
	ctx.FamilyMask[0] = true
	s, err := cs.NewScanner(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer s.Close()

	var n uint64
	for {
		k, _, ok := s.Get()
		if !ok {
			break
		}
		if _, err := key.Decode(k); err != nil {
			return n, errors.Wrapf(err, "%s: cell %d", name, n)
		}
		n++
		s.Forward()
	}
	return n, s.Err()
}
