package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"tabletdb/internal/http"
	"tabletdb/pkg/blockcache"
	"tabletdb/pkg/clock"
	"tabletdb/pkg/cluster"
	"tabletdb/pkg/compression"
	"tabletdb/pkg/config"
	"tabletdb/pkg/dfs"
	"tabletdb/pkg/metadata"
	"tabletdb/pkg/metalog"
	"tabletdb/pkg/metrics"
	"tabletdb/pkg/rangeserver"
)

func main() {
	configPath := flag.String("config", "rangeserver.yaml", "path to the YAML config")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	if err := run(ctx, &cfg, *configPath); err != nil {
		slog.Error("range server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("range server stopped")
}

func run(ctx context.Context, cfg *config.Config, configPath string) error {
	schemas, err := initSchemas(cfg, configPath)
	if err != nil {
		return err
	}
	codec, err := compression.ParseCodec(cfg.Storage.Compression)
	if err != nil {
		return err
	}

	fs, err := dfs.NewLocal(cfg.Storage.Root)
	if err != nil {
		return err
	}
	md, err := metadata.Open(filepath.Join(cfg.Storage.Root, cfg.Storage.MetadataDir), nil)
	if err != nil {
		return err
	}
	defer md.Close()

	// Replay what the previous run logged before appending to a new fragment.
	clk := clock.System{}
	entries, err := metalog.Read(fs, cfg.Storage.MetaLogDir)
	if err != nil {
		return err
	}
	mlog, err := metalog.NewWriter(fs, cfg.Storage.MetaLogDir, clk)
	if err != nil {
		return err
	}
	defer mlog.Close()

	registry := metrics.NewRegistry()
	opts := rangeserver.Options{
		FS:        fs,
		Cache:     blockcache.New(cfg.Cache.Capacity),
		Clock:     clk,
		Root:      cfg.Storage.StoreDir,
		LogDir:    cfg.Storage.LogDir,
		Codec:     codec,
		MaxBytes:  cfg.Range.MaxBytes,
		SoftLimit: cfg.Range.SoftLimit,
		Schemas:   schemas,
		Metadata:  md,
		Log:       mlog,
		Metrics:   registry,
	}

	if zc := cfg.Coordinator; len(zc.Servers) > 0 {
		coord, err := cluster.NewZKCoordinator(zc.Servers, zc.RootPath, zc.NodeAddr, zc.SessionTimeout)
		if err != nil {
			return err
		}
		defer coord.Close()
		if err := coord.RegisterServer(ctx); err != nil {
			return err
		}
		coord.WatchServers(ctx, func(servers []string) {
			slog.Info("range servers changed", "servers", servers)
		})
		opts.Coordinator = coord
	} else {
		slog.Warn("no coordinator configured, split reports are not published")
	}

	srv := rangeserver.NewServer(opts)
	defer func() {
		if err := srv.Close(); err != nil {
			slog.Error("failed to close ranges", "error", err)
		}
	}()
	if err := srv.Recover(ctx, entries); err != nil {
		return err
	}

	sched := rangeserver.NewScheduler(srv, cfg.Range.MaintenanceInterval, cfg.Range.CompactionThreshold)
	sched.Start(ctx)
	defer sched.Stop()

	admin := http.NewServer(srv, registry, strconv.Itoa(cfg.Admin.Port), cfg.Admin.ReadHeaderTimeout)
	if err := admin.Start(); err != nil {
		return err
	}
	slog.Info("range server running", "admin", admin.URL, "root", cfg.Storage.Root)

	<-ctx.Done()

	if err := admin.Stop(); err != nil {
		slog.Error("error stopping admin server", "error", err)
	}
	return nil
}
