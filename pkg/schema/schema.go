// Package schema describes the vertical layout of a table: its access
// groups and the column families each of them stores.
package schema

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-yaml"
)

// MaxFamilyID is the largest column family code a packed key can carry.
// Code 0 is reserved for row tombstones.
const MaxFamilyID = 255

type Schema struct {
	Generation   uint32        `yaml:"generation"`
	AccessGroups []AccessGroup `yaml:"access_groups"`
}

type AccessGroup struct {
	Name string `yaml:"name"`
	// InMemory access groups never write cell stores; tombstones are purged
	// from the cell cache on major compaction instead.
	InMemory       bool           `yaml:"in_memory"`
	BlockSize      int            `yaml:"block_size"`
	Compression    string         `yaml:"compression"`
	ColumnFamilies []ColumnFamily `yaml:"column_families"`
}

type ColumnFamily struct {
	ID          uint8         `yaml:"id"`
	Name        string        `yaml:"name"`
	MaxVersions uint32        `yaml:"max_versions"`
	TTL         time.Duration `yaml:"ttl"`
}

// Parse decodes and validates a YAML schema document.
func Parse(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, "failed to parse schema")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Load reads a schema file.
func Load(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read schema %s", path)
	}
	return Parse(data)
}

func (s *Schema) Validate() error {
	if len(s.AccessGroups) == 0 {
		return errors.New("schema: no access groups")
	}
	var (
		agNames = make(map[string]struct{})
		cfNames = make(map[string]struct{})
		ids     = make(map[uint8]struct{})
	)
	for _, ag := range s.AccessGroups {
		if ag.Name == "" {
			return errors.New("schema: access group without name")
		}
		if _, ok := agNames[ag.Name]; ok {
			return errors.Newf("schema: duplicate access group %q", ag.Name)
		}
		agNames[ag.Name] = struct{}{}
		for _, cf := range ag.ColumnFamilies {
			if cf.ID == 0 {
				return errors.Newf("schema: column family %q uses reserved id 0", cf.Name)
			}
			if _, ok := ids[cf.ID]; ok {
				return errors.Newf("schema: duplicate column family id %d", cf.ID)
			}
			if _, ok := cfNames[cf.Name]; ok {
				return errors.Newf("schema: duplicate column family %q", cf.Name)
			}
			ids[cf.ID] = struct{}{}
			cfNames[cf.Name] = struct{}{}
		}
	}
	return nil
}

// MaxColumnFamilyID returns the highest family code in use.
func (s *Schema) MaxColumnFamilyID() uint8 {
	var max uint8
	for _, ag := range s.AccessGroups {
		for _, cf := range ag.ColumnFamilies {
			if cf.ID > max {
				max = cf.ID
			}
		}
	}
	return max
}

// Family looks up a column family by code.
func (s *Schema) Family(id uint8) (ColumnFamily, bool) {
	for _, ag := range s.AccessGroups {
		for _, cf := range ag.ColumnFamilies {
			if cf.ID == id {
				return cf, true
			}
		}
	}
	return ColumnFamily{}, false
}

// FamilyByName looks up a column family by name.
func (s *Schema) FamilyByName(name string) (ColumnFamily, bool) {
	for _, ag := range s.AccessGroups {
		for _, cf := range ag.ColumnFamilies {
			if cf.Name == name {
				return cf, true
			}
		}
	}
	return ColumnFamily{}, false
}
