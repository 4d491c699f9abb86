package persistence

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/ecsdbio/ecsdb/pkg/dberrors"
	"github.com/ecsdbio/ecsdb/pkg/wal"
)

func TestRetryIOSucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := RetryIO(func() error {
		attempts++
		if attempts < 3 {
			return &os.PathError{Op: "write", Path: "x", Err: errors.New("resource temporarily unavailable")}
		}
		return nil
	}, 5, time.Millisecond)
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryIODiskFullNotRetried(t *testing.T) {
	attempts := 0
	err := RetryIO(func() error {
		attempts++
		return &os.PathError{Op: "write", Path: "x", Err: errors.New("no space left on device")}
	}, 5, time.Millisecond)
	if attempts != 1 {
		t.Errorf("disk full should not retry, got %d attempts", attempts)
	}
	if !errors.Is(err, dberrors.ErrDiskFull) {
		t.Errorf("expected ErrDiskFull, got %v", err)
	}
}

func TestRetryIOExhaustsRetries(t *testing.T) {
	attempts := 0
	err := RetryIO(func() error {
		attempts++
		return &os.PathError{Op: "write", Path: "x", Err: errors.New("interrupted")}
	}, 2, time.Millisecond)
	if attempts != 3 {
		t.Errorf("expected maxRetries+1 attempts, got %d", attempts)
	}
	if !errors.Is(err, dberrors.ErrTransientIO) {
		t.Errorf("expected ErrTransientIO, got %v", err)
	}
}

func TestManagerFlushAndLoadLatest(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}

	snap1 := sampleSnapshot()
	snap1.CommitVersion = 1
	if err := m.FlushSnapshot(snap1); err != nil {
		t.Fatal(err)
	}
	snap2 := sampleSnapshot()
	snap2.CommitVersion = 5
	if err := m.FlushSnapshot(snap2); err != nil {
		t.Fatal(err)
	}

	loaded, version, err := m.LoadLatest()
	if err != nil {
		t.Fatal(err)
	}
	if version != 5 {
		t.Errorf("expected highest version 5, got %d", version)
	}
	if loaded.CommitVersion != 5 {
		t.Errorf("expected loaded commit version 5, got %d", loaded.CommitVersion)
	}
}

func TestManagerLoadLatestNoSnapshots(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := m.LoadLatest(); !os.IsNotExist(err) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}

func TestManagerPruneSnapshots(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, func(m *Manager) { m.KeepSnapshots = 1 })
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range []uint64{1, 2, 3} {
		snap := sampleSnapshot()
		snap.CommitVersion = v
		if err := m.FlushSnapshot(snap); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.PruneSnapshots(); err != nil {
		t.Fatal(err)
	}
	entries, _ := os.ReadDir(dir)
	count := 0
	for _, e := range entries {
		if _, ok := parseSnapshotFilename(e.Name()); ok {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected 1 snapshot remaining, got %d", count)
	}
	if _, _, found, _ := m.latestSnapshotFile(); !found {
		t.Fatal("expected a snapshot to remain")
	}
}

func TestManagerArchiveWALSegments(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, func(m *Manager) { m.KeepArchivedWAL = 1 })
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []uint64{1, 2, 3} {
		if err := os.WriteFile(WALFilePath(dir, id), []byte("data"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.ArchiveWALSegments(4); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(WALFilePath(dir, 1)); !os.IsNotExist(err) {
		t.Errorf("segment 1 should have been deleted")
	}
	if _, err := os.Stat(WALFilePath(dir, 3) + ".archive"); err != nil {
		t.Errorf("segment 3 should have been archived: %v", err)
	}
}

func TestManagerArchiveWALSegmentsCompressed(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, func(m *Manager) {
		m.KeepArchivedWAL = 1
		m.CompressArchivedWAL = true
	})
	if err != nil {
		t.Fatal(err)
	}
	payload := []byte("some wal segment payload bytes repeated repeated repeated")
	if err := os.WriteFile(WALFilePath(dir, 1), payload, 0644); err != nil {
		t.Fatal(err)
	}
	if err := m.ArchiveWALSegments(2); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(WALFilePath(dir, 1)); !os.IsNotExist(err) {
		t.Error("original segment should have been removed after compression")
	}
	compressed, err := os.ReadFile(WALFilePath(dir, 1) + ".archive.zst")
	if err != nil {
		t.Fatalf("expected compressed archive file: %v", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()
	decoded, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		t.Fatalf("decode compressed archive: %v", err)
	}
	if string(decoded) != string(payload) {
		t.Errorf("decoded archive payload = %q, want %q", decoded, payload)
	}
}

func TestManagerCompactNoOpBelowThreshold(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, func(m *Manager) { m.MinWALFilesToCompact = 5 })
	if err != nil {
		t.Fatal(err)
	}
	base := sampleSnapshot()
	called := false
	merged, err := m.Compact(base, func(b *DatabaseSnapshot, ops []ReplayedOp) (*DatabaseSnapshot, error) {
		called = true
		return b, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if called {
		t.Error("merge should not be called below threshold")
	}
	if merged != base {
		t.Error("expected base snapshot to be returned unchanged")
	}
}

func TestManagerCompactMergesAndArchives(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, func(m *Manager) { m.MinWALFilesToCompact = 1 })
	if err != nil {
		t.Fatal(err)
	}

	w, err := wal.NewWriter(WALFilePath(dir, 1), wal.Options{SyncPolicy: wal.SyncEveryWrite, BufferSize: 1024})
	if err != nil {
		t.Fatal(err)
	}
	insertEntry := wal.AcquireEntry()
	insertEntry.TxID = 1
	insertEntry.Tag = wal.EntryInsert
	insertEntry.Payload = wal.EncodeRecordOp("units", 9, []byte("payload"))
	if err := w.WriteEntry(insertEntry); err != nil {
		t.Fatal(err)
	}
	wal.ReleaseEntry(insertEntry)

	commitEntry := wal.AcquireEntry()
	commitEntry.TxID = 1
	commitEntry.Tag = wal.EntryCommit
	if err := w.WriteEntry(commitEntry); err != nil {
		t.Fatal(err)
	}
	wal.ReleaseEntry(commitEntry)
	w.Close()

	base := sampleSnapshot()
	base.CommitVersion = 0

	merged, err := m.Compact(base, func(b *DatabaseSnapshot, ops []ReplayedOp) (*DatabaseSnapshot, error) {
		if len(ops) != 1 {
			t.Fatalf("expected 1 replayed op, got %d", len(ops))
		}
		out := *b
		out.CommitVersion = 1
		return &out, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if merged.CommitVersion != 1 {
		t.Errorf("expected merged commit version 1, got %d", merged.CommitVersion)
	}

	if _, err := os.Stat(filepath.Join(dir, "wal_1.wal.archive")); err != nil {
		t.Errorf("expected consumed segment archived: %v", err)
	}
	if _, _, found, _ := m.latestSnapshotFile(); !found {
		t.Error("expected merged snapshot to be on disk")
	}
}
