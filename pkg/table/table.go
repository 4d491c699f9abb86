// Package table implements a single ECS-style table: a fixed record layout
// backed by an AtomicBuffer, with monotonic record ids mapped to buffer
// offsets, behind a small RWMutex-guarded struct exposing CRUD methods.
package table

import (
	"sort"
	"sync"

	"github.com/ecsdbio/ecsdb/pkg/buffer"
	"github.com/ecsdbio/ecsdb/pkg/dberrors"
	"github.com/ecsdbio/ecsdb/pkg/types"
)

// Record is a decoded row: field name to Go value, as produced by the
// registered type's Deserializer.
type Record map[string]any

// Table owns one AtomicBuffer and the id-to-offset mapping for its rows.
// Mutation methods (CreateRecord, UpdateRecord, ...) are only ever called
// by the single writer goroutine that owns the table; Query and ReadRecord
// may be called concurrently by any number of readers.
type Table struct {
	Name   string
	Layout *RecordLayout

	mu      sync.RWMutex
	buf     *buffer.AtomicBuffer
	offsets map[uint64]int64
	nextID  uint64
}

// New creates an empty table with the given fields, computing its record
// layout from the registry and allocating its backing buffer.
func New(name string, fields []FieldDef, reg *types.Registry, initialCapacity int, maxBytes int64) (*Table, error) {
	layout, err := ComputeLayout(fields, reg)
	if err != nil {
		return nil, err
	}
	return &Table{
		Name:    name,
		Layout:  layout,
		buf:     buffer.New(layout.TotalSize, initialCapacity, maxBytes),
		offsets: make(map[uint64]int64),
	}, nil
}

// RecordSize returns the fixed byte width of one row.
func (t *Table) RecordSize() int { return t.Layout.TotalSize }

// Snapshot captures everything needed to reconstruct this table's live
// state: the buffer's published bytes and free list, plus the id-to-offset
// map and id counter, so a later Restore produces byte-identical reads.
func (t *Table) Snapshot() (data []byte, offsets map[uint64]int64, freeList []int64, nextOffset int64, nextID uint64) {
	t.mu.RLock()
	offsets = make(map[uint64]int64, len(t.offsets))
	for id, off := range t.offsets {
		offsets[id] = off
	}
	nextID = t.nextID
	t.mu.RUnlock()

	data, nextOffset, freeList = t.buf.Snapshot()
	return data, offsets, freeList, nextOffset, nextID
}

// Restore reconstructs a table from a previously captured Snapshot, used
// when loading a database snapshot from disk.
func Restore(name string, layout *RecordLayout, data []byte, offsets map[uint64]int64, freeList []int64, nextOffset int64, nextID uint64, maxBytes int64) *Table {
	restoredOffsets := make(map[uint64]int64, len(offsets))
	for id, off := range offsets {
		restoredOffsets[id] = off
	}
	return &Table{
		Name:    name,
		Layout:  layout,
		buf:     buffer.Restore(layout.TotalSize, maxBytes, data, nextOffset, freeList),
		offsets: restoredOffsets,
		nextID:  nextID,
	}
}

// CreateRecord encodes values into a fresh row, assigns it the next
// monotonic id, and inserts it into the backing buffer. The row is not
// visible to readers until the owning transaction commits and calls
// Publish.
func (t *Table) CreateRecord(values map[string]any) (uint64, error) {
	raw := make([]byte, t.Layout.TotalSize)
	if err := t.encode(raw, values); err != nil {
		return 0, err
	}

	offset, err := t.buf.Insert(raw)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.offsets[id] = offset
	t.mu.Unlock()

	return id, nil
}

// ReadRecord decodes the row for id from the currently published snapshot.
func (t *Table) ReadRecord(id uint64) (Record, error) {
	offset, ok := t.offsetOf(id)
	if !ok {
		return nil, &dberrors.RecordNotFoundError{Table: t.Name, ID: id}
	}
	raw, err := t.buf.ReadSlice(offset, t.Layout.TotalSize)
	if err != nil {
		return nil, err
	}
	return t.decode(raw)
}

// RawBytes returns the raw (undecoded) bytes of id's row from the published
// snapshot, used by the change feed and WAL encoders which work in terms
// of raw record bytes rather than decoded values.
func (t *Table) RawBytes(id uint64) ([]byte, error) {
	offset, ok := t.offsetOf(id)
	if !ok {
		return nil, &dberrors.RecordNotFoundError{Table: t.Name, ID: id}
	}
	return t.buf.ReadSlice(offset, t.Layout.TotalSize)
}

// UpdateRecord overwrites every field of id's row with values. All fields
// declared on the table must be present in values; use PartialUpdate to
// change a subset.
func (t *Table) UpdateRecord(id uint64, values map[string]any) error {
	offset, ok := t.offsetOf(id)
	if !ok {
		return &dberrors.RecordNotFoundError{Table: t.Name, ID: id}
	}
	raw := make([]byte, t.Layout.TotalSize)
	if err := t.encode(raw, values); err != nil {
		return err
	}
	return t.buf.WriteAt(offset, raw)
}

// PartialUpdate overwrites only the named fields of id's row, leaving the
// rest of the record bytes untouched.
func (t *Table) PartialUpdate(id uint64, values map[string]any) error {
	offset, ok := t.offsetOf(id)
	if !ok {
		return &dberrors.RecordNotFoundError{Table: t.Name, ID: id}
	}
	for name, value := range values {
		field, ok := t.Layout.FieldByName(name)
		if !ok {
			return &dberrors.FieldNotFoundError{Table: t.Name, Field: name}
		}
		scratch := make([]byte, field.Size)
		if err := field.Type.Ser(scratch, value); err != nil {
			return err
		}
		if err := t.buf.WriteAt(offset+int64(field.Offset), scratch); err != nil {
			return err
		}
	}
	return nil
}

// DeleteRecord removes id's offset-to-id mapping and frees the underlying
// buffer slot for reuse. It returns the row's raw bytes as they stood
// immediately before deletion, for the caller (the transaction's staging
// layer) to fold into the change feed.
func (t *Table) DeleteRecord(id uint64) ([]byte, error) {
	offset, ok := t.offsetOf(id)
	if !ok {
		return nil, &dberrors.RecordNotFoundError{Table: t.Name, ID: id}
	}
	raw, err := t.buf.ReadSlice(offset, t.Layout.TotalSize)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	delete(t.offsets, id)
	t.mu.Unlock()

	t.buf.Free(offset)
	return raw, nil
}

// StagedWrite accumulates one table's changes for a single commit
// without making them visible to readers: it holds a private copy of
// the id-to-offset map and next id counter, and writes encoded bytes
// only into the buffer's write side via Insert/WriteAt, which are
// never visible to a reader until Publish. Discarding a StagedWrite
// (never calling Commit) leaves the live table's offsets, next id
// counter, and published snapshot completely untouched, which is what
// lets a multi-table transaction apply every table's changes
// speculatively and only take effect once every table has succeeded.
type StagedWrite struct {
	tbl     *Table
	offsets map[uint64]int64
	nextID  uint64
	freed   []int64
}

// Stage opens a StagedWrite against a private copy of t's current
// offset bookkeeping.
func (t *Table) Stage() *StagedWrite {
	t.mu.RLock()
	offsets := make(map[uint64]int64, len(t.offsets))
	for id, off := range t.offsets {
		offsets[id] = off
	}
	nextID := t.nextID
	t.mu.RUnlock()
	return &StagedWrite{tbl: t, offsets: offsets, nextID: nextID}
}

// CreateRecord stages a new row, returning its provisional id and
// encoded bytes. The id only becomes real once Commit merges this
// batch's bookkeeping into the live table.
func (s *StagedWrite) CreateRecord(values map[string]any) (id uint64, after []byte, err error) {
	raw := make([]byte, s.tbl.Layout.TotalSize)
	if err := s.tbl.encode(raw, values); err != nil {
		return 0, nil, err
	}
	offset, err := s.tbl.buf.Insert(raw)
	if err != nil {
		return 0, nil, err
	}
	id = s.nextID
	s.nextID++
	s.offsets[id] = offset
	return id, raw, nil
}

// UpdateRecord stages a full overwrite of id, returning the record's
// bytes both immediately before and immediately after the write.
func (s *StagedWrite) UpdateRecord(id uint64, values map[string]any) (before, after []byte, err error) {
	offset, ok := s.offsets[id]
	if !ok {
		return nil, nil, &dberrors.RecordNotFoundError{Table: s.tbl.Name, ID: id}
	}
	before, err = s.tbl.buf.ReadSlice(offset, s.tbl.Layout.TotalSize)
	if err != nil {
		return nil, nil, err
	}
	after = make([]byte, s.tbl.Layout.TotalSize)
	if err := s.tbl.encode(after, values); err != nil {
		return nil, nil, err
	}
	if err := s.tbl.buf.WriteAt(offset, after); err != nil {
		return nil, nil, err
	}
	return before, after, nil
}

// PartialUpdate stages an overwrite of only the named fields of id.
func (s *StagedWrite) PartialUpdate(id uint64, values map[string]any) (before, after []byte, err error) {
	offset, ok := s.offsets[id]
	if !ok {
		return nil, nil, &dberrors.RecordNotFoundError{Table: s.tbl.Name, ID: id}
	}
	before, err = s.tbl.buf.ReadSlice(offset, s.tbl.Layout.TotalSize)
	if err != nil {
		return nil, nil, err
	}
	after = append([]byte(nil), before...)
	for name, value := range values {
		field, ok := s.tbl.Layout.FieldByName(name)
		if !ok {
			return nil, nil, &dberrors.FieldNotFoundError{Table: s.tbl.Name, Field: name}
		}
		scratch := make([]byte, field.Size)
		if err := field.Type.Ser(scratch, value); err != nil {
			return nil, nil, err
		}
		copy(after[field.Offset:field.Offset+field.Size], scratch)
	}
	if err := s.tbl.buf.WriteAt(offset, after); err != nil {
		return nil, nil, err
	}
	return before, after, nil
}

// DeleteRecord stages removal of id, returning its pre-delete bytes.
// The underlying buffer slot is not actually freed for reuse until
// Commit, so an abandoned batch never hands that slot to anyone else.
func (s *StagedWrite) DeleteRecord(id uint64) (before []byte, err error) {
	offset, ok := s.offsets[id]
	if !ok {
		return nil, &dberrors.RecordNotFoundError{Table: s.tbl.Name, ID: id}
	}
	before, err = s.tbl.buf.ReadSlice(offset, s.tbl.Layout.TotalSize)
	if err != nil {
		return nil, err
	}
	delete(s.offsets, id)
	s.freed = append(s.freed, offset)
	return before, nil
}

// Commit merges this batch's shadow offsets and next id counter into
// the live table and publishes the buffer, making every staged change
// visible to readers in one atomic step. Callers must only call
// Commit once every other table touched by the same transaction has
// staged successfully too.
func (s *StagedWrite) Commit() uint64 {
	for _, offset := range s.freed {
		s.tbl.buf.Free(offset)
	}
	s.tbl.mu.Lock()
	s.tbl.offsets = s.offsets
	s.tbl.nextID = s.nextID
	s.tbl.mu.Unlock()
	return s.tbl.buf.Publish()
}

// RestoreRawRecord writes already-encoded record bytes directly into the
// table's buffer at id's slot, allocating a fresh offset if id has not
// been seen before. It is used by WAL replay, where the bytes read back
// are already in this table's on-disk layout and must not be re-encoded
// from decoded field values.
func (t *Table) RestoreRawRecord(id uint64, raw []byte) error {
	offset, ok := t.offsetOf(id)
	if ok {
		return t.buf.WriteAt(offset, raw)
	}
	offset, err := t.buf.Insert(raw)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.offsets[id] = offset
	if id >= t.nextID {
		t.nextID = id + 1
	}
	t.mu.Unlock()
	return nil
}

// Publish makes all pending writes (inserts, updates, deletes) on this
// table's buffer visible to new readers and bumps its generation counter.
func (t *Table) Publish() uint64 { return t.buf.Publish() }

// Generation returns the table's current published generation.
func (t *Table) Generation() uint64 { return t.buf.CurrentGeneration() }

// HasField reports whether name is a field on this table's current layout.
func (t *Table) HasField(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, f := range t.Layout.Fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

// Query scans every live record in ascending id (insertion) order and
// returns those for which pred returns true, skipping offset matches and
// stopping once limit matches have been collected. limit <= 0 means no
// limit. It is the table's sole scan path; there are no secondary indexes.
func (t *Table) Query(pred func(Record) bool, limit, offset int) ([]Record, error) {
	t.mu.RLock()
	ids := make([]uint64, 0, len(t.offsets))
	for id := range t.offsets {
		ids = append(ids, id)
	}
	t.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []Record
	skipped := 0
	for _, id := range ids {
		rec, err := t.ReadRecord(id)
		if err != nil {
			// Record may have been deleted between snapshotting ids and
			// reading; skip rather than fail the whole scan.
			continue
		}
		if pred != nil && !pred(rec) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Count returns the number of live (non-deleted) records.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.offsets)
}

func (t *Table) offsetOf(id uint64) (int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	offset, ok := t.offsets[id]
	return offset, ok
}

func (t *Table) encode(dst []byte, values map[string]any) error {
	for _, f := range t.Layout.Fields {
		v, ok := values[f.Name]
		if !ok {
			return &dberrors.FieldNotFoundError{Table: t.Name, Field: f.Name}
		}
		if err := f.Type.Ser(dst[f.Offset:f.Offset+f.Size], v); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) decode(raw []byte) (Record, error) {
	rec := make(Record, len(t.Layout.Fields))
	for _, f := range t.Layout.Fields {
		v, err := f.Type.Deser(raw[f.Offset : f.Offset+f.Size])
		if err != nil {
			return nil, err
		}
		rec[f.Name] = v
	}
	return rec, nil
}

// AddField appends a new field to the table's layout and copies every
// existing record into a new, wider buffer, writing defaultValue into the
// new field's slot (or leaving it zero when defaultValue is nil). Existing
// ids are unchanged and earlier fields keep their byte ranges within a
// record, but each record gets a new offset in the new buffer; the caller
// gets back the new field's offset and the table's new record size.
func (t *Table) AddField(f FieldDef, reg *types.Registry, defaultValue any) (int, int, error) {
	newLayout, err := t.Layout.WithField(f, reg)
	if err != nil {
		return 0, 0, err
	}
	newField, _ := newLayout.FieldByName(f.Name)

	t.mu.Lock()
	ids := make([]uint64, 0, len(t.offsets))
	for id := range t.offsets {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	newBuf := buffer.New(newLayout.TotalSize, len(ids)+1, 0)
	newOffsets := make(map[uint64]int64, len(ids))
	for _, id := range ids {
		oldOffset, _ := t.offsetOf(id)
		oldRaw, err := t.buf.ReadSlice(oldOffset, t.Layout.TotalSize)
		if err != nil {
			return 0, 0, err
		}
		row := make([]byte, newLayout.TotalSize)
		copy(row, oldRaw)
		scratch := make([]byte, newField.Size)
		if defaultValue != nil {
			if err := newField.Type.Ser(scratch, defaultValue); err != nil {
				return 0, 0, err
			}
			copy(row[newField.Offset:newField.Offset+newField.Size], scratch)
		}
		offset, err := newBuf.Insert(row)
		if err != nil {
			return 0, 0, err
		}
		newOffsets[id] = offset
	}

	t.mu.Lock()
	t.Layout = newLayout
	t.buf = newBuf
	t.offsets = newOffsets
	t.mu.Unlock()
	t.buf.Publish()

	return newField.Offset, newLayout.TotalSize, nil
}

// RemoveField drops a field from the table's layout and copies every
// existing record, without that field, into a new, narrower buffer.
func (t *Table) RemoveField(name string, reg *types.Registry) error {
	newLayout, err := t.Layout.WithoutField(name, reg)
	if err != nil {
		return err
	}

	t.mu.Lock()
	ids := make([]uint64, 0, len(t.offsets))
	for id := range t.offsets {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	newBuf := buffer.New(newLayout.TotalSize, len(ids)+1, 0)
	newOffsets := make(map[uint64]int64, len(ids))
	for _, id := range ids {
		rec, err := t.ReadRecord(id)
		if err != nil {
			return err
		}
		row := make([]byte, newLayout.TotalSize)
		for _, f := range newLayout.Fields {
			scratch := make([]byte, f.Size)
			if err := f.Type.Ser(scratch, rec[f.Name]); err != nil {
				return err
			}
			copy(row[f.Offset:f.Offset+f.Size], scratch)
		}
		offset, err := newBuf.Insert(row)
		if err != nil {
			return err
		}
		newOffsets[id] = offset
	}

	t.mu.Lock()
	t.Layout = newLayout
	t.buf = newBuf
	t.offsets = newOffsets
	t.mu.Unlock()
	t.buf.Publish()

	return nil
}
