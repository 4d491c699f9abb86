// Package txn implements the staging-buffer transaction model: a procedure
// worker accumulates Create/Update/PartialUpdate/Delete operations against
// one or more tables without touching their committed state, then hands
// the whole write set to the runtime's commit path for an all-or-nothing
// apply, keeping an "accumulate, then commit" shape with committed/aborted
// guard flags across however many tables a single transaction touches.
package txn

import (
	"sync"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"github.com/ecsdbio/ecsdb/pkg/dberrors"
	"github.com/ecsdbio/ecsdb/pkg/table"
)

// OpKind identifies the kind of change staged against a record.
type OpKind uint8

const (
	OpCreate OpKind = iota + 1
	OpUpdate
	OpPartialUpdate
	OpDelete
)

// Change is one staged mutation. Before is the record's bytes immediately
// prior to the change (nil for OpCreate); it is retained so the commit
// path's change feed can publish a correct delta without re-reading table
// state after the commit has already moved on.
type Change struct {
	Kind    OpKind
	ID      uint64
	Values  map[string]any
	Before  []byte
	created bool // true once CreateRecord has actually allocated ID during Stage
}

// StagingBuffer holds one table's pending changes within a transaction.
type StagingBuffer struct {
	TableName string
	Changes   []*Change
}

// Transaction accumulates staged changes across any number of tables. It is
// owned exclusively by the procedure worker goroutine that created it until
// Finish is called; it is not safe for concurrent use by multiple
// goroutines.
type Transaction struct {
	// ID identifies this transaction across logs and procedure dispatch
	// traces. It has no on-disk meaning (WAL frames key off the
	// database's own monotonic tx id, not this uuid).
	ID uuid.UUID

	tables map[string]*Table

	mu        sync.Mutex
	committed bool
	aborted   bool
}

// Table is the per-table view a caller stages operations against; it
// resolves to a real *table.Table only at commit time, when the commit
// path looks the table up by name.
type Table struct {
	name    string
	staging *StagingBuffer
}

// New starts an empty transaction.
func New() *Transaction {
	return &Transaction{ID: uuid.New(), tables: make(map[string]*Table)}
}

func (t *Transaction) tableFor(name string) *Table {
	tb, ok := t.tables[name]
	if !ok {
		tb = &Table{name: name, staging: &StagingBuffer{TableName: name}}
		t.tables[name] = tb
	}
	return tb
}

func (t *Transaction) guardOpen() error {
	if t.committed || t.aborted {
		return &dberrors.TransactionConflictError{Reason: "transaction already finished"}
	}
	return nil
}

// Create stages a new record insertion. id is not known until commit time
// (the underlying table assigns it), so Create returns a placeholder
// *Change the caller can use with WAL/change-feed bookkeeping only after
// commit populates it.
func (t *Transaction) Create(tableName string, values map[string]any) (*Change, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guardOpen(); err != nil {
		return nil, err
	}
	c := &Change{Kind: OpCreate, Values: values}
	tb := t.tableFor(tableName)
	tb.staging.Changes = append(tb.staging.Changes, c)
	return c, nil
}

// Update stages a full-record overwrite of id.
func (t *Transaction) Update(tableName string, id uint64, values map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guardOpen(); err != nil {
		return err
	}
	tb := t.tableFor(tableName)
	tb.staging.Changes = append(tb.staging.Changes, &Change{Kind: OpUpdate, ID: id, Values: values})
	return nil
}

// PartialUpdate stages an overwrite of only the named fields of id.
func (t *Transaction) PartialUpdate(tableName string, id uint64, values map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guardOpen(); err != nil {
		return err
	}
	tb := t.tableFor(tableName)
	tb.staging.Changes = append(tb.staging.Changes, &Change{Kind: OpPartialUpdate, ID: id, Values: values})
	return nil
}

// Delete stages removal of id.
func (t *Transaction) Delete(tableName string, id uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guardOpen(); err != nil {
		return err
	}
	tb := t.tableFor(tableName)
	tb.staging.Changes = append(tb.staging.Changes, &Change{Kind: OpDelete, ID: id})
	return nil
}

// TableNames returns the names of every table this transaction touched, in
// lexicographic order. The commit path visits tables in this fixed order
// (rather than insertion order), so every commit touches its tables in
// the same deterministic sequence.
func (t *Transaction) TableNames() []string {
	names := make([]string, 0, len(t.tables))
	for name := range t.tables {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Staging returns the staging buffer for a table this transaction touched,
// or nil if the transaction never staged anything against it.
func (t *Transaction) Staging(tableName string) *StagingBuffer {
	tb, ok := t.tables[tableName]
	if !ok {
		return nil
	}
	return tb.staging
}

// IsEmpty reports whether the transaction staged no changes at all, in
// which case the commit path skips WAL writes and publish entirely.
func (t *Transaction) IsEmpty() bool {
	for _, tb := range t.tables {
		if len(tb.staging.Changes) > 0 {
			return false
		}
	}
	return true
}

// Finish marks the transaction committed or aborted; it is idempotent
// and is called by the commit coordinator once the apply (or rollback)
// has completed.
func (t *Transaction) Finish(committed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if committed {
		t.committed = true
	} else {
		t.aborted = true
	}
}

// Committed reports whether Finish(true) has been called.
func (t *Transaction) Committed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed
}

// Aborted reports whether Finish(false) has been called. A transaction
// that is simply abandoned without a Finish call is not marked aborted.
func (t *Transaction) Aborted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aborted
}

// ApplyChange applies one staged change to sw, a StagedWrite opened
// against the table c targets, recording the pre-image in the returned
// before for deletes/updates so the commit path can build an accurate
// delta. Nothing is visible to readers of the live table until the
// caller calls sw.Commit().
func ApplyChange(sw *table.StagedWrite, c *Change) (id uint64, before []byte, after []byte, err error) {
	switch c.Kind {
	case OpCreate:
		newID, raw, err := sw.CreateRecord(c.Values)
		if err != nil {
			return 0, nil, nil, err
		}
		c.ID = newID
		c.created = true
		return newID, nil, raw, nil
	case OpUpdate:
		before, after, err := sw.UpdateRecord(c.ID, c.Values)
		if err != nil {
			return 0, nil, nil, err
		}
		return c.ID, before, after, nil
	case OpPartialUpdate:
		before, after, err := sw.PartialUpdate(c.ID, c.Values)
		if err != nil {
			return 0, nil, nil, err
		}
		return c.ID, before, after, nil
	case OpDelete:
		before, err := sw.DeleteRecord(c.ID)
		if err != nil {
			return 0, nil, nil, err
		}
		return c.ID, before, nil, nil
	default:
		return 0, nil, nil, &dberrors.DataCorruptionError{Msg: "unknown staged change kind"}
	}
}
