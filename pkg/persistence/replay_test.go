package persistence

import (
	"testing"

	"github.com/ecsdbio/ecsdb/pkg/wal"
)

func writeSegment(t *testing.T, dir string, id uint64, ops []struct {
	tx  uint64
	tag wal.EntryType
	op  []byte
}) {
	t.Helper()
	w, err := wal.NewWriter(WALFilePath(dir, id), wal.Options{SyncPolicy: wal.SyncEveryWrite, BufferSize: 1024})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	for _, o := range ops {
		entry := wal.AcquireEntry()
		entry.TxID = o.tx
		entry.Tag = o.tag
		if o.op != nil {
			entry.Payload = append(entry.Payload, o.op...)
		}
		if err := w.WriteEntry(entry); err != nil {
			t.Fatal(err)
		}
		wal.ReleaseEntry(entry)
	}
}

func TestReplayWALSkipsUncommittedTransaction(t *testing.T) {
	dir := t.TempDir()
	writeSegment(t, dir, 1, []struct {
		tx  uint64
		tag wal.EntryType
		op  []byte
	}{
		{tx: 1, tag: wal.EntryInsert, op: wal.EncodeRecordOp("units", 1, []byte("a"))},
		{tx: 1, tag: wal.EntryCommit},
		{tx: 2, tag: wal.EntryInsert, op: wal.EncodeRecordOp("units", 2, []byte("b"))},
		{tx: 2, tag: wal.EntryRollback},
		{tx: 3, tag: wal.EntryInsert, op: wal.EncodeRecordOp("units", 3, []byte("c"))},
	})

	ops, maxTxID, err := ReplayWAL(dir, []uint64{1})
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 1 {
		t.Fatalf("expected 1 op from the only committed tx, got %d", len(ops))
	}
	if ops[0].ID != 1 {
		t.Errorf("expected committed record id 1, got %d", ops[0].ID)
	}
	if maxTxID != 1 {
		t.Errorf("maxCommittedTxID = %d, want 1 (tx 2 rolled back, tx 3 never committed)", maxTxID)
	}
}

func TestReplayWALAcrossSegmentsInOrder(t *testing.T) {
	dir := t.TempDir()
	writeSegment(t, dir, 1, []struct {
		tx  uint64
		tag wal.EntryType
		op  []byte
	}{
		{tx: 1, tag: wal.EntryInsert, op: wal.EncodeRecordOp("units", 1, []byte("a"))},
		{tx: 1, tag: wal.EntryCommit},
	})
	writeSegment(t, dir, 2, []struct {
		tx  uint64
		tag wal.EntryType
		op  []byte
	}{
		{tx: 2, tag: wal.EntryUpdate, op: wal.EncodeRecordOp("units", 1, []byte("a-updated"))},
		{tx: 2, tag: wal.EntryCommit},
	})

	ops, maxTxID, err := ReplayWAL(dir, []uint64{1, 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 2 {
		t.Fatalf("expected 2 ops across segments, got %d", len(ops))
	}
	if ops[1].Tag != wal.EntryUpdate {
		t.Errorf("expected second op to be the update, got tag %d", ops[1].Tag)
	}
	if maxTxID != 2 {
		t.Errorf("maxCommittedTxID = %d, want 2", maxTxID)
	}
}
