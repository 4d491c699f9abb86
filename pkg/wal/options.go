package wal

import "time"

// SyncPolicy selects the durability/throughput tradeoff for WAL writes.
type SyncPolicy int

const (
	// SyncEveryWrite fsyncs after every frame. Safest, slowest.
	SyncEveryWrite SyncPolicy = iota

	// SyncInterval fsyncs on a background timer.
	SyncInterval

	// SyncBatch fsyncs once accumulated bytes since the last sync cross
	// SyncBatchBytes.
	SyncBatch
)

// Options configures a Writer.
type Options struct {
	// DirPath is the directory WAL segment files live in.
	DirPath string

	// BufferSize is the bufio buffer size between frame writes and the
	// underlying file descriptor.
	BufferSize int

	SyncPolicy SyncPolicy

	// SyncIntervalDuration is the background fsync period, used when
	// SyncPolicy is SyncInterval.
	SyncIntervalDuration time.Duration

	// SyncBatchBytes is the accumulated-bytes threshold that triggers a
	// sync, used when SyncPolicy is SyncBatch.
	SyncBatchBytes int64
}

// DefaultOptions returns a balanced configuration matching the
// persistence defaults (interval-based sync).
func DefaultOptions() Options {
	return Options{
		DirPath:              "./data/wal",
		BufferSize:           64 * 1024,
		SyncPolicy:           SyncInterval,
		SyncIntervalDuration: 200 * time.Millisecond,
		SyncBatchBytes:       1 * 1024 * 1024,
	}
}
