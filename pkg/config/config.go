package config

import (
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-yaml"

	"tabletdb/pkg/compression"
)

// Config is the root of a range server's YAML configuration.
type Config struct {
	Logger      LoggerConfig      `yaml:"logger"`
	Admin       AdminConfig       `yaml:"admin"`
	Storage     StorageConfig     `yaml:"storage"`
	Cache       CacheConfig       `yaml:"cache"`
	Range       RangeConfig       `yaml:"range"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	// Schemas maps a table name to its schema file.
	Schemas map[string]string `yaml:"schemas"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type AdminConfig struct {
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

type StorageConfig struct {
	// Root is the local directory every file path is relative to.
	Root        string `yaml:"root"`
	StoreDir    string `yaml:"store_dir"`
	LogDir      string `yaml:"log_dir"`
	MetaLogDir  string `yaml:"metalog_dir"`
	MetadataDir string `yaml:"metadata_dir"`
	Compression string `yaml:"compression"`
}

type CacheConfig struct {
	Capacity int64 `yaml:"capacity"`
}

type RangeConfig struct {
	MaxBytes            uint64        `yaml:"max_bytes"`
	SoftLimit           uint64        `yaml:"soft_limit"`
	CompactionThreshold int64         `yaml:"compaction_threshold"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
}

type CoordinatorConfig struct {
	// An empty server list runs the node without a coordinator.
	Servers        []string      `yaml:"servers"`
	RootPath       string        `yaml:"root_path"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
	NodeAddr       string        `yaml:"node_addr"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{Level: "INFO"},
		Admin: AdminConfig{
			Port:              8080,
			ReadHeaderTimeout: time.Second,
		},
		Storage: StorageConfig{
			Root:        "./data",
			StoreDir:    "tables",
			LogDir:      "log/xfer",
			MetaLogDir:  "log/metalog",
			MetadataDir: "metadata",
			Compression: "snappy",
		},
		Cache: CacheConfig{Capacity: 64 << 20},
		Range: RangeConfig{
			MaxBytes:            200 << 20,
			SoftLimit:           50 << 20,
			CompactionThreshold: 16 << 20,
			MaintenanceInterval: 30 * time.Second,
		},
		Coordinator: CoordinatorConfig{
			RootPath:       "/tabletdb",
			SessionTimeout: 10 * time.Second,
			NodeAddr:       "localhost:8080",
		},
	}
}

// Load reads path over Default. A missing file yields Default.
func Load(path string) (Config, bool, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, false, nil
		}
		return cfg, false, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, true, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, true, cfg.Validate()
}

func (c *Config) Validate() error {
	switch strings.ToUpper(c.Logger.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return errors.Newf("logger.level %q is not one of DEBUG, INFO, WARN, ERROR", c.Logger.Level)
	}
	if c.Admin.Port < 1 || c.Admin.Port > 65535 {
		return errors.Newf("admin.port %d out of range", c.Admin.Port)
	}
	if c.Storage.Root == "" {
		return errors.New("storage.root is required")
	}
	if _, err := compression.ParseCodec(c.Storage.Compression); err != nil {
		return errors.Wrap(err, "storage.compression")
	}
	if c.Cache.Capacity <= 0 {
		return errors.Newf("cache.capacity must be positive, got %d", c.Cache.Capacity)
	}
	if c.Range.MaxBytes == 0 {
		return errors.New("range.max_bytes must be positive")
	}
	if c.Range.SoftLimit == 0 || c.Range.SoftLimit > c.Range.MaxBytes {
		return errors.Newf("range.soft_limit %d must be in (0, max_bytes=%d]", c.Range.SoftLimit, c.Range.MaxBytes)
	}
	if c.Range.CompactionThreshold <= 0 {
		return errors.Newf("range.compaction_threshold must be positive, got %d", c.Range.CompactionThreshold)
	}
	if c.Range.MaintenanceInterval < 0 {
		return errors.Newf("range.maintenance_interval must not be negative, got %s", c.Range.MaintenanceInterval)
	}
	if len(c.Coordinator.Servers) > 0 {
		if !strings.HasPrefix(c.Coordinator.RootPath, "/") {
			return errors.Newf("coordinator.root_path %q must be absolute", c.Coordinator.RootPath)
		}
		if c.Coordinator.NodeAddr == "" {
			return errors.New("coordinator.node_addr is required with coordinator.servers")
		}
		if c.Coordinator.SessionTimeout <= 0 {
			return errors.New("coordinator.session_timeout must be positive")
		}
	}
	return nil
}
