package wal

import (
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestReaderReadsWrittenFrames(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "test.wal")

	opts := Options{SyncPolicy: SyncEveryWrite, BufferSize: 1024}
	w, err := NewWriter(tmpFile, opts)
	if err != nil {
		t.Fatal(err)
	}

	payload1 := []byte("first entry")
	payload2 := []byte("second entry")

	e1 := AcquireEntry()
	e1.TxID = 100
	e1.Tag = EntryInsert
	e1.Payload = append(e1.Payload, payload1...)
	if err := w.WriteEntry(e1); err != nil {
		t.Fatal(err)
	}
	ReleaseEntry(e1)

	e2 := AcquireEntry()
	e2.TxID = 101
	e2.Tag = EntryUpdate
	e2.Payload = append(e2.Payload, payload2...)
	if err := w.WriteEntry(e2); err != nil {
		t.Fatal(err)
	}
	ReleaseEntry(e2)

	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := NewReader(tmpFile)
	if err != nil {
		t.Fatalf("failed to open reader: %v", err)
	}
	defer r.Close()

	read1, err := r.ReadEntry()
	if err != nil {
		t.Fatalf("ReadEntry 1 failed: %v", err)
	}
	if string(read1.Payload) != string(payload1) {
		t.Errorf("payload mismatch: got %s, want %s", read1.Payload, payload1)
	}
	ReleaseEntry(read1)

	read2, err := r.ReadEntry()
	if err != nil {
		t.Fatalf("ReadEntry 2 failed: %v", err)
	}
	if read2.TxID != 101 {
		t.Errorf("tx id mismatch: got %d, want 101", read2.TxID)
	}
	ReleaseEntry(read2)

	if _, err := r.ReadEntry(); err != io.EOF {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestReaderDetectsCorruption(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "corrupt.wal")

	w, err := NewWriter(tmpFile, Options{SyncPolicy: SyncEveryWrite, BufferSize: 1024})
	if err != nil {
		t.Fatal(err)
	}
	e := AcquireEntry()
	e.Tag = EntryInsert
	e.Payload = append(e.Payload, []byte("critical data")...)
	if err := w.WriteEntry(e); err != nil {
		t.Fatal(err)
	}
	ReleaseEntry(e)
	w.Close()

	f, err := os.OpenFile(tmpFile, os.O_RDWR, 0644)
	if err != nil {
		t.Fatal(err)
	}
	// Flip a byte inside the payload region, past header + length prefix.
	if _, err := f.Seek(int64(FrameHeaderSize+4+2), 0); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte{0xFF}); err != nil {
		t.Fatal(err)
	}
	f.Close()

	r, err := NewReader(tmpFile)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if _, err := r.ReadEntry(); err != ErrChecksumMismatch {
		t.Errorf("expected ErrChecksumMismatch, got %v", err)
	}
}

func TestReaderDetectsTruncatedPayload(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "truncated.wal")

	w, err := NewWriter(tmpFile, Options{SyncPolicy: SyncEveryWrite, BufferSize: 1024})
	if err != nil {
		t.Fatal(err)
	}
	e := AcquireEntry()
	e.Tag = EntryInsert
	e.Payload = append(e.Payload, []byte("loooooong data")...)
	if err := w.WriteEntry(e); err != nil {
		t.Fatal(err)
	}
	ReleaseEntry(e)
	w.Close()

	if err := os.Truncate(tmpFile, int64(FrameHeaderSize+4+5)); err != nil {
		t.Fatal(err)
	}

	r, err := NewReader(tmpFile)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if _, err := r.ReadEntry(); err != io.ErrUnexpectedEOF {
		t.Errorf("expected ErrUnexpectedEOF, got %v", err)
	}
}
