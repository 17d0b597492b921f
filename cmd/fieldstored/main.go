// fieldstored is the tenant-partitioned observation store daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gxplabs/fieldstore/config"
	"github.com/gxplabs/fieldstore/internal/logging"
	"github.com/gxplabs/fieldstore/internal/partition/archive"
	"github.com/gxplabs/fieldstore/internal/schema"
	"github.com/gxplabs/fieldstore/internal/series"
	"github.com/gxplabs/fieldstore/internal/service"
	"github.com/gxplabs/fieldstore/internal/store"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfgPath := flag.String("config", "config.yaml", "config file path")
	dbPath := flag.String("db", "", "database path (overrides config)")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	resync := flag.Bool("resync", false, "rebuild the partitioned store before serving")
	flag.Parse()

	// Load config
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Printf("No config file found, using defaults")
			cfg = config.DefaultConfig()
		} else {
			log.Fatalf("Load config: %v", err)
		}
	}

	// CLI overrides
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logging.Init(parseLevel(cfg.Logging.Level), cfg.Logging.Format == "json")
	mainLog := logging.Component("main")
	mainLog.Info("fieldstored starting", "version", Version, "db", cfg.Database.Path)

	// =========================================================================
	// Open Store and Apply Schema
	// =========================================================================

	st, err := store.New(store.Config{
		DSN:          cfg.Database.Path,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
		QueryTimeout: cfg.Database.QueryTimeout,
	}, schema.DefaultRegistry())
	if err != nil {
		log.Fatalf("Open store: %v", err)
	}

	// =========================================================================
	// Wire Service
	// =========================================================================

	svcCfg := service.DefaultConfig()
	svcCfg.ReconcileInterval = cfg.Partition.ReconcileInterval
	svcCfg.MaintenanceInterval = cfg.Partition.MaintenanceInterval
	svcCfg.SegmentRetention = cfg.Partition.SegmentRetention
	svcCfg.RepairInterval = cfg.Sync.RepairInterval
	svcCfg.Sync.Retry.MaxRetries = cfg.Sync.MaxRetries
	svcCfg.Sync.ResyncBatchSize = cfg.Sync.ResyncBatchSize
	svcCfg.ArchiveDir = cfg.Archive.Dir
	svcCfg.Archive.Compression = archive.ParseCompressionType(cfg.Archive.Compression)

	alert := func(entry store.OutOfSyncEntry, err error) {
		mainLog.Error("observation out of sync",
			"observation_id", entry.ObservationID,
			"program_id", entry.ProgramID,
			"attempts", entry.Attempts)
	}

	// The registry binding sites to tenants and programs to phase
	// schedules comes from the deployment's tenant-management service;
	// the daemon starts with an empty static registry until one is wired.
	registry := series.NewStaticRegistry()

	svc, err := service.New(st, registry, svcCfg, alert)
	if err != nil {
		log.Fatalf("Create service: %v", err)
	}

	if *resync {
		mainLog.Info("resync requested")
		n, err := svc.Resync(context.Background())
		if err != nil {
			log.Fatalf("Resync: %v", err)
		}
		mainLog.Info("resync finished", "rows", n)
	}

	svc.Start()

	// =========================================================================
	// Signal Handling and Graceful Shutdown
	// =========================================================================

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	mainLog.Info("shutting down")
	svc.Stop()
	if err := st.Close(); err != nil {
		mainLog.Error("store close", "error", err)
	}

	stats := svc.Stats()
	mainLog.Info("final stats",
		"submitted", stats.Submitted,
		"rejected", stats.Rejected,
		"segments", stats.Partitions.Segments,
		"rows_reconciled", stats.Partitions.RowsReconciled,
		"sync_p99", stats.Latency.P99.Round(time.Microsecond))
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
