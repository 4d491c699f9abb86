// Command ecsdbd boots the engine as a standalone process: load
// configuration, restore the database from its data directory, attach a
// fresh WAL segment, and drive the tick loop until a signal asks it to
// stop. Any transport (HTTP, gRPC, a CLI harness) is an external
// collaborator that talks to pkg/runtime's request channel; none is
// wired in here.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ecsdbio/ecsdb/pkg/config"
	"github.com/ecsdbio/ecsdb/pkg/db"
	"github.com/ecsdbio/ecsdb/pkg/metrics"
	"github.com/ecsdbio/ecsdb/pkg/persistence"
	"github.com/ecsdbio/ecsdb/pkg/runtime"
	"github.com/ecsdbio/ecsdb/pkg/types"
	"github.com/ecsdbio/ecsdb/pkg/wal"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML configuration file (optional)")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if err := run(*configPath, log); err != nil {
		log.Error("ecsdbd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, log *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	mgr, err := persistence.NewManager(cfg.DataDir, func(m *persistence.Manager) {
		m.CompressSnapshots = cfg.CompressSnapshots
		m.CompressionLevel = cfg.SnapshotCompressionLevel
		m.MaxRetries = cfg.PersistenceMaxRetries
		m.RetryDelay = cfg.PersistenceRetryDelay()
		m.KeepSnapshots = cfg.KeepSnapshots
		m.KeepArchivedWAL = cfg.KeepArchivedWALFiles
		m.MinWALFilesToCompact = cfg.MinWALFilesForCompaction
	})
	if err != nil {
		return fmt.Errorf("open persistence manager at %s: %w", cfg.DataDir, err)
	}

	registry := types.NewRegistry()
	database, err := db.Load(mgr, registry, nil, cfg.InitialTableCapacity, cfg.MaxBufferSize)
	if err != nil {
		return fmt.Errorf("restore database from %s: %w", cfg.DataDir, err)
	}
	log.Info("database restored", "data_dir", cfg.DataDir, "commit_version", database.CommitVersion())

	segmentID := database.CommitVersion() + 1
	walWriter, err := wal.NewWriter(persistence.WALFilePath(cfg.DataDir, segmentID), wal.DefaultOptions())
	if err != nil {
		return fmt.Errorf("open wal segment %d: %w", segmentID, err)
	}
	defer walWriter.Close()
	database.AttachWAL(walWriter)

	procedures := runtime.NewProcedureRegistry()
	m := metrics.NewRuntime(prometheus.DefaultRegisterer)
	rt := runtime.New(cfg, database, mgr, procedures, m, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("ecsdbd starting", "tick_rate", cfg.TickRate, "wal_segment", segmentID)
	rt.Run(ctx)

	log.Info("ecsdbd shutting down, flushing final snapshot")
	if err := database.Flush(mgr); err != nil {
		return fmt.Errorf("final flush: %w", err)
	}
	return nil
}
