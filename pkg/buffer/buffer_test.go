package buffer

import (
	"bytes"
	"testing"
)

func record(recordSize int, fill byte) []byte {
	r := make([]byte, recordSize)
	for i := range r {
		r[i] = fill
	}
	return r
}

func TestInsertReadAfterPublish(t *testing.T) {
	b := New(8, 2, 0)
	off, err := b.Insert(record(8, 0xAA))
	if err != nil {
		t.Fatal(err)
	}
	b.Publish()

	got, err := b.ReadSlice(off, 8)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, record(8, 0xAA)) {
		t.Errorf("got %x, want %x", got, record(8, 0xAA))
	}
}

func TestReadBeforePublishSeesOldSnapshot(t *testing.T) {
	b := New(4, 1, 0)
	off, err := b.Insert(record(4, 0x01))
	if err != nil {
		t.Fatal(err)
	}
	b.Publish()

	if err := b.WriteAt(off, record(4, 0x02)); err != nil {
		t.Fatal(err)
	}
	// Not yet published: readers should still see the old bytes.
	got, err := b.ReadSlice(off, 4)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, record(4, 0x01)) {
		t.Fatalf("expected pre-publish snapshot, got %x", got)
	}

	b.Publish()
	got, err = b.ReadSlice(off, 4)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, record(4, 0x02)) {
		t.Fatalf("expected post-publish snapshot, got %x", got)
	}
}

func TestGenerationIncrementsOnPublish(t *testing.T) {
	b := New(4, 1, 0)
	if b.CurrentGeneration() != 0 {
		t.Fatalf("expected generation 0, got %d", b.CurrentGeneration())
	}
	b.Publish()
	if b.CurrentGeneration() != 1 {
		t.Fatalf("expected generation 1, got %d", b.CurrentGeneration())
	}
	b.Publish()
	if b.CurrentGeneration() != 2 {
		t.Fatalf("expected generation 2, got %d", b.CurrentGeneration())
	}
}

func TestGrowDoublesCapacity(t *testing.T) {
	b := New(4, 1, 0)
	initialLen := b.Len()
	for i := 0; i < 4; i++ {
		if _, err := b.Insert(record(4, byte(i))); err != nil {
			t.Fatal(err)
		}
	}
	if b.Len() <= initialLen {
		t.Fatalf("expected buffer to grow beyond %d, got %d", initialLen, b.Len())
	}
}

func TestMemoryLimitExceeded(t *testing.T) {
	b := New(4, 1, 4)
	if _, err := b.Insert(record(4, 1)); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Insert(record(4, 2)); err == nil {
		t.Fatal("expected memory limit error")
	}
}

func TestFreeSlotReuse(t *testing.T) {
	b := New(4, 2, 0)
	off1, err := b.Insert(record(4, 1))
	if err != nil {
		t.Fatal(err)
	}
	b.Free(off1)
	off2, err := b.Insert(record(4, 2))
	if err != nil {
		t.Fatal(err)
	}
	if off1 != off2 {
		t.Errorf("expected reused offset %d, got %d", off1, off2)
	}
}

func TestInsertRejectsWrongSize(t *testing.T) {
	b := New(8, 1, 0)
	if _, err := b.Insert(record(4, 0)); err == nil {
		t.Fatal("expected type mismatch error for wrong record size")
	}
}
