// Package config loads the engine's runtime and persistence settings from
// a TOML file, applying ECDB_*-prefixed environment variable overrides on
// top of those defaults.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/ecsdbio/ecsdb/pkg/dberrors"
)

// Config holds every tunable governing the tick loop, persistence, and
// request handling. Defaults are applied by Default(); Load overlays a
// TOML file and then environment variables on top of those defaults.
type Config struct {
	TickRate                  int    `toml:"tickrate"`
	PersistenceIntervalTicks  int    `toml:"persistence_interval_ticks"`
	MaxAPIRequestsPerTick     int    `toml:"max_api_requests_per_tick"`
	InitialTableCapacity      int    `toml:"initial_table_capacity"`
	DataDir                   string `toml:"data_dir"`
	ProcedureThreadPoolSize   int    `toml:"procedure_thread_pool_size"`
	MaxBufferSize             int64  `toml:"max_buffer_size"`
	RequestTimeoutMs          int    `toml:"request_timeout_ms"`
	ResponseTimeoutMs         int    `toml:"response_timeout_ms"`
	PersistenceMaxRetries     int    `toml:"persistence_max_retries"`
	PersistenceRetryDelayMs   int    `toml:"persistence_retry_delay_ms"`
	SnapshotIntervalTxs       uint64 `toml:"snapshot_interval_transactions"`
	SnapshotIntervalSeconds   int    `toml:"snapshot_interval_seconds"`
	CompressSnapshots         bool   `toml:"compress_snapshots"`
	SnapshotCompressionLevel  int    `toml:"snapshot_compression_level"`
	CompactionIntervalSeconds int    `toml:"compaction_interval_seconds"`
	MinWALFilesForCompaction  int    `toml:"min_wal_files_for_compaction"`
	KeepSnapshots             int    `toml:"keep_snapshots"`
	KeepArchivedWALFiles      int    `toml:"keep_archived_wal_files"`

	// SentryDSN enables panic reporting from procedure dispatch
	// (pkg/runtime.Invoke) when non-empty. Empty disables it entirely.
	SentryDSN string `toml:"sentry_dsn"`
}

// Default returns the engine's out-of-the-box configuration. MaxBufferSize
// of 0 means unlimited, matching pkg/buffer's own "0 = unlimited" convention.
func Default() Config {
	return Config{
		TickRate:                  60,
		PersistenceIntervalTicks:  10,
		MaxAPIRequestsPerTick:     600,
		InitialTableCapacity:      1024,
		DataDir:                   "./data",
		ProcedureThreadPoolSize:   0,
		MaxBufferSize:             0,
		RequestTimeoutMs:          5000,
		ResponseTimeoutMs:         10000,
		PersistenceMaxRetries:     3,
		PersistenceRetryDelayMs:   100,
		SnapshotIntervalTxs:       1000,
		SnapshotIntervalSeconds:   3600,
		CompressSnapshots:         true,
		SnapshotCompressionLevel:  3,
		CompactionIntervalSeconds: 86400,
		MinWALFilesForCompaction:  5,
		KeepSnapshots:             2,
		KeepArchivedWALFiles:      1,
		SentryDSN:                 "",
	}
}

// Load reads path as TOML over top of Default(), then applies ECDB_*
// environment overrides. A missing path is not an error: Default() plus
// env overrides is itself a valid configuration for a first run.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			if !os.IsNotExist(err) {
				return Config{}, &dberrors.DataCorruptionError{Msg: "config: " + err.Error()}
			}
		}
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnvOverrides mirrors the original ECDB_* env scheme field for
// field: an unset variable leaves the TOML/default value untouched, a
// present one that fails to parse is reported as a config error.
func (c *Config) applyEnvOverrides() error {
	overrides := []struct {
		name string
		set  func(string) error
	}{
		{"ECDB_TICKRATE", intSetter(&c.TickRate)},
		{"ECDB_PERSISTENCE_INTERVAL_TICKS", intSetter(&c.PersistenceIntervalTicks)},
		{"ECDB_MAX_API_REQUESTS_PER_TICK", intSetter(&c.MaxAPIRequestsPerTick)},
		{"ECDB_INITIAL_TABLE_CAPACITY", intSetter(&c.InitialTableCapacity)},
		{"ECDB_DATA_DIR", func(v string) error { c.DataDir = v; return nil }},
		{"ECDB_PROCEDURE_THREAD_POOL_SIZE", intSetter(&c.ProcedureThreadPoolSize)},
		{"ECDB_MAX_BUFFER_SIZE", int64Setter(&c.MaxBufferSize)},
		{"ECDB_REQUEST_TIMEOUT_MS", intSetter(&c.RequestTimeoutMs)},
		{"ECDB_RESPONSE_TIMEOUT_MS", intSetter(&c.ResponseTimeoutMs)},
		{"ECDB_PERSISTENCE_MAX_RETRIES", intSetter(&c.PersistenceMaxRetries)},
		{"ECDB_PERSISTENCE_RETRY_DELAY_MS", intSetter(&c.PersistenceRetryDelayMs)},
		{"ECDB_SNAPSHOT_INTERVAL_TRANSACTIONS", uint64Setter(&c.SnapshotIntervalTxs)},
		{"ECDB_SNAPSHOT_INTERVAL_SECONDS", intSetter(&c.SnapshotIntervalSeconds)},
		{"ECDB_COMPRESS_SNAPSHOTS", boolSetter(&c.CompressSnapshots)},
		{"ECDB_SNAPSHOT_COMPRESSION_LEVEL", intSetter(&c.SnapshotCompressionLevel)},
		{"ECDB_COMPACTION_INTERVAL_SECONDS", intSetter(&c.CompactionIntervalSeconds)},
		{"ECDB_MIN_WAL_FILES_FOR_COMPACTION", intSetter(&c.MinWALFilesForCompaction)},
		{"ECDB_KEEP_SNAPSHOTS", intSetter(&c.KeepSnapshots)},
		{"ECDB_KEEP_ARCHIVED_WAL_FILES", intSetter(&c.KeepArchivedWALFiles)},
		{"ECDB_SENTRY_DSN", func(v string) error { c.SentryDSN = v; return nil }},
	}
	for _, o := range overrides {
		val, ok := os.LookupEnv(o.name)
		if !ok {
			continue
		}
		if err := o.set(val); err != nil {
			return &dberrors.DataCorruptionError{Msg: "config: invalid " + o.name + "=" + val}
		}
	}
	return nil
}

func intSetter(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func int64Setter(dst *int64) func(string) error {
	return func(v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func uint64Setter(dst *uint64) func(string) error {
	return func(v string) error {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func boolSetter(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

// TickInterval returns the duration of a single tick at TickRate.
func (c Config) TickInterval() time.Duration {
	return time.Second / time.Duration(c.TickRate)
}

// RequestTimeout returns RequestTimeoutMs as a time.Duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// ResponseTimeout returns ResponseTimeoutMs as a time.Duration.
func (c Config) ResponseTimeout() time.Duration {
	return time.Duration(c.ResponseTimeoutMs) * time.Millisecond
}

// PersistenceRetryDelay returns PersistenceRetryDelayMs as a time.Duration.
func (c Config) PersistenceRetryDelay() time.Duration {
	return time.Duration(c.PersistenceRetryDelayMs) * time.Millisecond
}
