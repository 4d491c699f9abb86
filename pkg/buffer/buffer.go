// Package buffer implements the lock-free storage buffer: a single writer
// mutates a private write-side byte slice, and readers observe a published,
// immutable snapshot through an atomic pointer swap, using atomic.Pointer
// and ordinary GC-managed slices rather than manual memory bookkeeping.
package buffer

import (
	"strconv"
	"sync/atomic"

	"github.com/ecsdbio/ecsdb/pkg/dberrors"
)

// AtomicBuffer holds one table's record storage: a published read-only
// snapshot visible to any number of concurrent readers, and a write-side
// buffer mutated only by the single writer goroutine that owns it. Publish
// swaps the write buffer into the read slot and bumps the generation
// counter so readers can detect that a newer view exists.
type AtomicBuffer struct {
	read atomic.Pointer[[]byte]

	write      []byte
	recordSize int
	maxBytes   int64

	nextOffset int64
	freeList   []int64

	generation atomic.Uint64
}

// New allocates a buffer sized for recordSize-byte records, with room for
// initialCapacity records to start, growing by doubling up to maxBytes (0
// meaning unbounded, matching the max_buffer_size config default).
func New(recordSize, initialCapacity int, maxBytes int64) *AtomicBuffer {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	size := recordSize * initialCapacity
	w := make([]byte, size)
	b := &AtomicBuffer{
		write:      w,
		recordSize: recordSize,
		maxBytes:   maxBytes,
	}
	snap := make([]byte, size)
	b.read.Store(&snap)
	return b
}

// RecordSize returns the fixed record size this buffer was created for.
func (b *AtomicBuffer) RecordSize() int { return b.recordSize }

// CurrentGeneration returns the generation of the last Publish call visible
// to new readers. Readers may cache this value and compare it against a
// later call to detect that they are looking at a stale snapshot.
func (b *AtomicBuffer) CurrentGeneration() uint64 {
	return b.generation.Load()
}

// ReadSlice returns a copy of size bytes at offset from the published
// snapshot. The copy is necessary because the underlying slice may be
// replaced (and the old one garbage collected) concurrently with the
// caller inspecting the returned bytes.
func (b *AtomicBuffer) ReadSlice(offset int64, size int) ([]byte, error) {
	snap := *b.read.Load()
	if offset < 0 || offset+int64(size) > int64(len(snap)) {
		return nil, &dberrors.InvalidOffsetError{Offset: offset, Max: int64(len(snap))}
	}
	out := make([]byte, size)
	copy(out, snap[offset:offset+int64(size)])
	return out, nil
}

// ReadSliceInto copies size bytes at offset from the published snapshot
// into dst, avoiding an allocation for callers on a hot read path.
func (b *AtomicBuffer) ReadSliceInto(offset int64, dst []byte) error {
	snap := *b.read.Load()
	if offset < 0 || offset+int64(len(dst)) > int64(len(snap)) {
		return &dberrors.InvalidOffsetError{Offset: offset, Max: int64(len(snap))}
	}
	copy(dst, snap[offset:offset+int64(len(dst))])
	return nil
}

// WriteAt copies record into the write-side buffer at offset. Only the
// owning writer goroutine may call this; it is not safe to call
// concurrently with Publish or another WriteAt.
func (b *AtomicBuffer) WriteAt(offset int64, record []byte) error {
	end := offset + int64(len(record))
	if offset < 0 || end > int64(len(b.write)) {
		return &dberrors.InvalidOffsetError{Offset: offset, Max: int64(len(b.write))}
	}
	copy(b.write[offset:end], record)
	return nil
}

// Insert appends record at a reused free slot if one exists, otherwise at
// the next monotonically increasing offset, growing the write buffer by
// doubling if it is out of room. It returns the byte offset the record was
// written at.
func (b *AtomicBuffer) Insert(record []byte) (int64, error) {
	if len(record) != b.recordSize {
		return 0, &dberrors.TypeMismatchError{
			Expected: sizeLabel(b.recordSize),
			Got:      sizeLabel(len(record)),
		}
	}

	var offset int64
	if n := len(b.freeList); n > 0 {
		offset = b.freeList[n-1]
		b.freeList = b.freeList[:n-1]
	} else {
		offset = b.nextOffset
		b.nextOffset += int64(b.recordSize)
		if needed := offset + int64(b.recordSize); needed > int64(len(b.write)) {
			if err := b.grow(needed); err != nil {
				return 0, err
			}
		}
	}

	copy(b.write[offset:offset+int64(b.recordSize)], record)
	return offset, nil
}

// Free returns offset to the free list so a future Insert can reuse the
// slot. It does not zero the bytes; the caller decides whether the old
// bytes need to be preserved (e.g. for a change-feed delete record) before
// the slot is recycled by a subsequent Insert and WriteAt.
func (b *AtomicBuffer) Free(offset int64) {
	b.freeList = append(b.freeList, offset)
}

func (b *AtomicBuffer) grow(needed int64) error {
	newCap := int64(len(b.write))
	if newCap == 0 {
		newCap = int64(b.recordSize)
	}
	for newCap < needed {
		newCap *= 2
	}
	if b.maxBytes > 0 && newCap > b.maxBytes {
		return &dberrors.MemoryLimitExceededError{Requested: newCap, Limit: b.maxBytes}
	}
	grown := make([]byte, newCap)
	copy(grown, b.write)
	b.write = grown
	return nil
}

// Publish clones the write buffer into a fresh snapshot and atomically
// swaps it into the read slot, bumping the generation counter. Go's
// garbage collector reclaims the previous snapshot once the last reader
// holding it is done, which is the memory-safety property the original
// Rust implementation obtained from Arc reference counting.
func (b *AtomicBuffer) Publish() uint64 {
	snap := make([]byte, len(b.write))
	copy(snap, b.write)
	b.read.Store(&snap)
	return b.generation.Add(1)
}

// Len returns the current capacity (in bytes) of the write-side buffer.
func (b *AtomicBuffer) Len() int64 { return int64(len(b.write)) }

// Snapshot returns the raw bytes of the currently published view together
// with the bookkeeping needed to reconstruct an equivalent buffer later:
// the next monotonic append offset and the free list of reusable slots.
// Callers must only take a snapshot after Publish, since nextOffset and
// freeList describe write-side state that has no separate published copy.
func (b *AtomicBuffer) Snapshot() (data []byte, nextOffset int64, freeList []int64) {
	snap := *b.read.Load()
	data = make([]byte, len(snap))
	copy(data, snap)
	freeList = make([]int64, len(b.freeList))
	copy(freeList, b.freeList)
	return data, b.nextOffset, freeList
}

// Restore rebuilds an AtomicBuffer from a previously captured Snapshot,
// used by snapshot/WAL recovery to reconstruct a table's storage without
// replaying every historical Insert.
func Restore(recordSize int, maxBytes int64, data []byte, nextOffset int64, freeList []int64) *AtomicBuffer {
	write := make([]byte, len(data))
	copy(write, data)
	b := &AtomicBuffer{
		write:      write,
		recordSize: recordSize,
		maxBytes:   maxBytes,
		nextOffset: nextOffset,
		freeList:   append([]int64(nil), freeList...),
	}
	snap := make([]byte, len(data))
	copy(snap, data)
	b.read.Store(&snap)
	return b
}

func sizeLabel(n int) string {
	return "record of " + strconv.Itoa(n) + " bytes"
}
