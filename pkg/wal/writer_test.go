package wal

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriterIntervalSync(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "interval.wal")

	opts := Options{
		SyncPolicy:           SyncInterval,
		SyncIntervalDuration: 20 * time.Millisecond,
		BufferSize:           1024,
	}
	w, err := NewWriter(tmpFile, opts)
	if err != nil {
		t.Fatalf("failed to create writer: %v", err)
	}

	entry := AcquireEntry()
	entry.Tag = EntryInsert
	entry.Payload = append(entry.Payload, []byte("some data")...)
	if err := w.WriteEntry(entry); err != nil {
		t.Fatalf("WriteEntry failed: %v", err)
	}
	ReleaseEntry(entry)

	time.Sleep(60 * time.Millisecond)

	info, err := os.Stat(tmpFile)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Size() == 0 {
		t.Error("file size is 0 after background sync, expected content")
	}

	w.Close()
}

func TestWriterBatchSyncFlushesOnThreshold(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "batch.wal")

	opts := Options{
		SyncPolicy:     SyncBatch,
		SyncBatchBytes: 80,
		BufferSize:     1024,
	}
	w, err := NewWriter(tmpFile, opts)
	if err != nil {
		t.Fatalf("failed to create writer: %v", err)
	}

	payload := []byte("12345")
	for i := 0; i < 8; i++ {
		entry := AcquireEntry()
		entry.Tag = EntryInsert
		entry.Payload = append(entry.Payload, payload...)
		if err := w.WriteEntry(entry); err != nil {
			t.Fatal(err)
		}
		ReleaseEntry(entry)
	}
	w.Close()

	info, err := os.Stat(tmpFile)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Size() == 0 {
		t.Error("expected non-empty file after batch threshold crossed")
	}
}

func TestWriterWriteErrorOnClosedFile(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "sync_error.wal")

	w, err := NewWriter(tmpFile, Options{SyncPolicy: SyncEveryWrite, BufferSize: 1024})
	if err != nil {
		t.Fatal(err)
	}
	w.file.Close()

	entry := AcquireEntry()
	entry.Tag = EntryInsert
	err = w.WriteEntry(entry)
	if err == nil {
		t.Error("expected error writing to closed file")
	}
	ReleaseEntry(entry)
}

func TestWriterCloseIsIdempotent(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "bg_sync.wal")

	w, err := NewWriter(tmpFile, Options{SyncPolicy: SyncInterval, SyncIntervalDuration: 10 * time.Millisecond, BufferSize: 1024})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got %v", err)
	}
}

func TestNewWriterErrorOnDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	if _, err := NewWriter(tmpDir, DefaultOptions()); err == nil {
		t.Error("expected error opening a directory as a wal segment")
	}
}
