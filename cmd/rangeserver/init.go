package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"tabletdb/pkg/config"
	"tabletdb/pkg/schema"
)

// initConfig loads the YAML config at path, falling back to config.Default()
// when the file does not exist.
func initConfig(path string) (config.Config, error) {
	cfg, found, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if !found {
		slog.Info("config file not found, using default config", "path", path)
	}
	return cfg, nil
}

// initLogger installs the global slog.Logger (JSON or text).
func initLogger(cfg *config.Config) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Logger.Level))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{AddSource: true, Level: level}
	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", "level", level.String(), "json", cfg.Logger.JSON)
}

// initSchemas loads every configured table schema. Relative schema paths
// are resolved against the config file's directory.
func initSchemas(cfg *config.Config, configPath string) (map[string]*schema.Schema, error) {
	base := filepath.Dir(configPath)
	out := make(map[string]*schema.Schema, len(cfg.Schemas))
	for table, path := range cfg.Schemas {
		if !filepath.IsAbs(path) {
			path = filepath.Join(base, path)
		}
		s, err := schema.Load(path)
		if err != nil {
			return nil, errors.Wrapf(err, "schema of table %s", table)
		}
		out[table] = s
		slog.Info("schema loaded", "table", table, "generation", s.Generation, "access_groups", len(s.AccessGroups))
	}
	return out, nil
}
