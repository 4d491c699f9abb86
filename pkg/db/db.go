// Package db ties the table, staging transaction, WAL, and persistence
// packages together into a single database: a named set of tables, a
// monotonic commit version, and a change feed publishing each commit's
// deltas, all behind one metadata RWMutex and a multi-table
// staging-transaction commit protocol.
package db

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/ecsdbio/ecsdb/pkg/dberrors"
	"github.com/ecsdbio/ecsdb/pkg/table"
	"github.com/ecsdbio/ecsdb/pkg/txn"
	"github.com/ecsdbio/ecsdb/pkg/types"
	"github.com/ecsdbio/ecsdb/pkg/wal"
)

// Database owns every table's live state, the type registry they were
// defined against, and the commit version counter that orders the change
// feed. A single Database is meant to be driven by one writer (the
// runtime's commit phase) while readers call GetTable/Query concurrently.
type Database struct {
	mu     sync.RWMutex
	tables map[string]*table.Table

	registry      *types.Registry
	commitVersion atomic.Uint64

	relations      map[uint64]Relation
	nextRelationID uint64

	feed *ChangeFeed
	wal  *wal.Writer

	maxBytesPerTable int64
	initialCapacity  int
}

// New creates an empty database backed by registry. walWriter may be nil
// for a memory-only database with no durability.
func New(registry *types.Registry, walWriter *wal.Writer, initialCapacity int, maxBytesPerTable int64) *Database {
	return &Database{
		tables:           make(map[string]*table.Table),
		registry:         registry,
		relations:        make(map[uint64]Relation),
		feed:             NewChangeFeed(),
		wal:              walWriter,
		initialCapacity:  initialCapacity,
		maxBytesPerTable: maxBytesPerTable,
	}
}

// CreateTable defines a new table with the given fields, failing if a
// table by that name already exists.
func (db *Database) CreateTable(name string, fields []table.FieldDef) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, exists := db.tables[name]; exists {
		return &dberrors.TableAlreadyExistsError{Name: name}
	}
	tbl, err := table.New(name, fields, db.registry, db.initialCapacity, db.maxBytesPerTable)
	if err != nil {
		return err
	}
	db.tables[name] = tbl
	return nil
}

// DeleteTable removes a table and all of its data.
func (db *Database) DeleteTable(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, exists := db.tables[name]; !exists {
		return &dberrors.TableNotFoundError{Name: name}
	}
	delete(db.tables, name)
	return nil
}

// GetTable returns the named table, or TableNotFoundError.
func (db *Database) GetTable(name string) (*table.Table, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	tbl, ok := db.tables[name]
	if !ok {
		return nil, &dberrors.TableNotFoundError{Name: name}
	}
	return tbl, nil
}

// ListTableNames returns every table name currently defined, in
// lexicographic order.
func (db *Database) ListTableNames() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	names := make([]string, 0, len(db.tables))
	for name := range db.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WithTablesMap runs fn with a snapshot of the current name-to-table map,
// used by the commit path to resolve every table a transaction touched
// without holding the database lock for the whole commit.
func (db *Database) WithTablesMap(fn func(map[string]*table.Table)) {
	db.mu.RLock()
	snapshot := make(map[string]*table.Table, len(db.tables))
	for name, tbl := range db.tables {
		snapshot[name] = tbl
	}
	db.mu.RUnlock()
	fn(snapshot)
}

// Registry returns the type registry this database was created with.
func (db *Database) Registry() *types.Registry { return db.registry }

// AttachWAL binds w as this database's WAL writer. It is meant for the
// startup sequence only (Load restores state before the new active
// segment's id is known, so the writer is opened and attached
// afterwards), never while commits may be racing it.
func (db *Database) AttachWAL(w *wal.Writer) { db.wal = w }

// CommitVersion returns the current commit version (the version of the
// most recently completed commit, or 0 if none yet).
func (db *Database) CommitVersion() uint64 { return db.commitVersion.Load() }

// Subscribe registers a new change feed subscriber. See ChangeFeed.Subscribe.
func (db *Database) Subscribe() (<-chan ChangeSet, func()) {
	return db.feed.Subscribe()
}

// Commit applies every staged change in t against this database's tables:
// visit touched tables in lexicographic order, apply each table's changes
// to a private StagedWrite (never touching the live table), and only
// once every table has staged successfully does it merge and publish
// each one, skipping publish for tables with no changes, writing one
// WAL Commit record, bumping the commit version once, and emitting one
// ChangeSet per touched table to the change feed. A failure on any
// table before that point aborts the whole transaction without any
// table's visible state having changed.
//
// If a WAL writer is configured, every record-level op is logged before
// any table publish, and a trailing Commit frame closes out the
// transaction's tx id.
func (db *Database) Commit(t *txn.Transaction) error {
	if t.IsEmpty() {
		t.Finish(true)
		return nil
	}

	names := t.TableNames()
	txID := db.commitVersion.Load() + 1

	var tables []*table.Table
	db.WithTablesMap(func(m map[string]*table.Table) {
		tables = make([]*table.Table, len(names))
		for i, name := range names {
			tables[i] = m[name]
		}
	})
	for i, tbl := range tables {
		if tbl == nil {
			t.Finish(false)
			return &dberrors.TableNotFoundError{Name: names[i]}
		}
	}

	type applied struct {
		table   string
		staged  *table.StagedWrite
		changes []txn.Change
	}
	results := make([]applied, 0, len(names))
	var seq uint32

	// Every table's changes are applied to a StagedWrite first, which
	// never touches the live table's offsets/next-id bookkeeping or
	// published buffer. Only once every table in the transaction has
	// staged successfully do we merge and publish each one below, so a
	// failure partway through (e.g. table B rejects a change after
	// table A already staged its own) leaves every touched table's
	// visible state exactly as it was before Commit was called.
	for i, name := range names {
		staging := t.Staging(name)
		if staging == nil || len(staging.Changes) == 0 {
			continue
		}
		sw := tables[i].Stage()
		changeSet := make([]txn.Change, 0, len(staging.Changes))

		for _, c := range staging.Changes {
			id, before, after, err := txn.ApplyChange(sw, c)
			if err != nil {
				t.Finish(false)
				return errors.Wrapf(err, "apply change to table %s", name)
			}

			if db.wal != nil {
				if err := db.logOp(txID, &seq, name, id, c.Kind, before, after); err != nil {
					t.Finish(false)
					return err
				}
			}

			changeSet = append(changeSet, txn.Change{
				Kind:   c.Kind,
				ID:     id,
				Values: c.Values,
				Before: before,
			})
		}

		results = append(results, applied{table: name, staged: sw, changes: changeSet})
	}

	for i := range results {
		results[i].staged.Commit()
	}

	if db.wal != nil {
		if err := db.logCommit(txID, seq); err != nil {
			t.Finish(false)
			return err
		}
	}

	version := db.commitVersion.Add(1)
	t.Finish(true)

	for _, r := range results {
		db.feed.Publish(ChangeSet{Version: version, Table: r.table, Changes: r.changes})
	}

	return nil
}

func (db *Database) logOp(txID uint64, seq *uint32, tableName string, id uint64, kind txn.OpKind, before, after []byte) error {
	entry := wal.AcquireEntry()
	defer wal.ReleaseEntry(entry)
	entry.TxID = txID
	entry.Seq = *seq
	*seq++

	var data []byte
	switch kind {
	case txn.OpCreate:
		entry.Tag = wal.EntryInsert
		data = after
	case txn.OpUpdate, txn.OpPartialUpdate:
		entry.Tag = wal.EntryUpdate
		data = after
	case txn.OpDelete:
		entry.Tag = wal.EntryDelete
		data = before
	default:
		return &dberrors.DataCorruptionError{Msg: "unknown op kind during wal logging"}
	}

	entry.Payload = append(entry.Payload, wal.EncodeRecordOp(tableName, id, data)...)
	return db.wal.WriteEntry(entry)
}

func (db *Database) logCommit(txID uint64, seq uint32) error {
	entry := wal.AcquireEntry()
	defer wal.ReleaseEntry(entry)
	entry.TxID = txID
	entry.Seq = seq
	entry.Tag = wal.EntryCommit
	return db.wal.WriteEntry(entry)
}
