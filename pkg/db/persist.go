package db

import (
	"encoding/json"
	"hash/crc32"
	"os"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/ecsdbio/ecsdb/pkg/persistence"
	"github.com/ecsdbio/ecsdb/pkg/table"
	"github.com/ecsdbio/ecsdb/pkg/types"
	"github.com/ecsdbio/ecsdb/pkg/wal"
)

// sortedSchemaTableNames returns doc's table names in lexicographic order
// so relation ids are assigned deterministically across reloads of the
// same schema document.
func sortedSchemaTableNames(tables map[string]persistence.SchemaTable) []string {
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot captures the full current state of every table as a
// persistence.DatabaseSnapshot, ready to be handed to a Manager's
// FlushSnapshot. The embedded schema JSON is derived from each table's
// live layout rather than kept separately, so the two can never drift.
func (db *Database) Snapshot() (*persistence.DatabaseSnapshot, error) {
	names := db.ListTableNames()

	doc := persistence.SchemaDocument{
		Tables:    make(map[string]persistence.SchemaTable, len(names)),
		Checksums: make(map[string]uint32, len(names)),
	}

	tableSnaps := make([]persistence.TableSnapshot, 0, len(names))

	for _, name := range names {
		tbl, err := db.GetTable(name)
		if err != nil {
			return nil, err
		}

		fields := make([]persistence.SchemaField, len(tbl.Layout.Fields))
		for i, f := range tbl.Layout.Fields {
			fields[i] = persistence.SchemaField{Name: f.Name, Type: f.Type.Name, Offset: f.Offset}
		}
		relations := db.RelationsForTable(name)
		schemaRelations := make([]persistence.SchemaRelation, len(relations))
		for i, r := range relations {
			schemaRelations[i] = persistence.SchemaRelation{FromField: r.FromField, ToTable: r.ToTable, ToField: r.ToField}
		}
		doc.Tables[name] = persistence.SchemaTable{RecordSize: tbl.Layout.TotalSize, Fields: fields, Relations: schemaRelations}

		data, offsets, freeList, nextOffset, nextID := tbl.Snapshot()
		doc.Checksums[name] = crc32.ChecksumIEEE(data)

		tableSnaps = append(tableSnaps, persistence.TableSnapshot{
			Name:        name,
			RecordSize:  tbl.Layout.TotalSize,
			BufferData:  data,
			Offsets:     offsets,
			FreeList:    freeList,
			NextOffset:  nextOffset,
			NextID:      nextID,
			ActiveCount: len(offsets),
		})
	}

	schemaJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, "marshal embedded schema json")
	}

	return &persistence.DatabaseSnapshot{
		SchemaJSON:    schemaJSON,
		CommitVersion: db.CommitVersion(),
		Tables:        tableSnaps,
	}, nil
}

// Flush writes this database's current state to mgr as a new snapshot.
func (db *Database) Flush(mgr *persistence.Manager) error {
	snap, err := db.Snapshot()
	if err != nil {
		return err
	}
	return mgr.FlushSnapshot(snap)
}

// Load reconstructs a Database from mgr's latest snapshot plus any WAL
// segments written after it: replay every WAL segment with id at or after
// the snapshot's commit version, grouped by transaction id, applying only
// transactions whose terminal frame was Commit (persistence.ReplayWAL
// already enforces that). If no snapshot exists yet, an empty database is
// returned.
func Load(mgr *persistence.Manager, registry *types.Registry, walWriter *wal.Writer, initialCapacity int, maxBytesPerTable int64) (*Database, error) {
	snap, version, err := mgr.LoadLatest()
	if err != nil {
		if os.IsNotExist(err) {
			return New(registry, walWriter, initialCapacity, maxBytesPerTable), nil
		}
		return nil, err
	}

	database, err := restoreFromSnapshot(snap, registry, walWriter, initialCapacity, maxBytesPerTable)
	if err != nil {
		return nil, err
	}
	database.commitVersion.Store(version)

	segments, err := mgr.WALSegmentsAtOrAfter(version)
	if err != nil {
		return nil, err
	}
	ops, maxCommittedTxID, err := persistence.ReplayWAL(mgr.DataDir, segments)
	if err != nil {
		return nil, err
	}
	if err := applyReplayedOps(database, ops); err != nil {
		return nil, err
	}
	if maxCommittedTxID > database.commitVersion.Load() {
		database.commitVersion.Store(maxCommittedTxID)
	}

	return database, nil
}

// restoreFromSnapshot rebuilds every table and relation described by
// snap's embedded schema document, without touching commit version or
// WAL state. Shared by Load (which then replays WAL on top) and
// MergeSnapshot (which then folds compaction ops on top).
func restoreFromSnapshot(snap *persistence.DatabaseSnapshot, registry *types.Registry, walWriter *wal.Writer, initialCapacity int, maxBytesPerTable int64) (*Database, error) {
	var doc persistence.SchemaDocument
	if err := json.Unmarshal(snap.SchemaJSON, &doc); err != nil {
		return nil, errors.Wrap(err, "unmarshal embedded schema json")
	}

	database := New(registry, walWriter, initialCapacity, maxBytesPerTable)
	for _, ts := range snap.Tables {
		schemaTable, ok := doc.Tables[ts.Name]
		if !ok {
			return nil, errors.Newf("snapshot table %q missing from embedded schema", ts.Name)
		}
		fields := make([]table.FieldDef, len(schemaTable.Fields))
		for i, f := range schemaTable.Fields {
			fields[i] = table.FieldDef{Name: f.Name, Type: f.Type}
		}
		layout, err := table.ComputeLayout(fields, registry)
		if err != nil {
			return nil, err
		}
		database.tables[ts.Name] = table.Restore(ts.Name, layout, ts.BufferData, ts.Offsets, ts.FreeList, ts.NextOffset, ts.NextID, maxBytesPerTable)
	}
	var relationID uint64
	for _, tableName := range sortedSchemaTableNames(doc.Tables) {
		for _, r := range doc.Tables[tableName].Relations {
			database.restoreRelation(Relation{
				ID:        relationID,
				FromTable: tableName,
				FromField: r.FromField,
				ToTable:   r.ToTable,
				ToField:   r.ToField,
			})
			relationID++
		}
	}
	return database, nil
}

// MergeSnapshot folds ops (WAL operations recovered after base's commit
// version) onto base's tables and returns the resulting consolidated
// snapshot, without touching any WAL writer or live database — this is
// the pure compaction step persistence.Manager.Compact drives through
// its MergeFunc callback. newVersion becomes the merged snapshot's
// CommitVersion; callers pass the live database's current commit version
// since that is guaranteed to cover every folded op.
func MergeSnapshot(base *persistence.DatabaseSnapshot, ops []persistence.ReplayedOp, registry *types.Registry, newVersion uint64, maxBytesPerTable int64) (*persistence.DatabaseSnapshot, error) {
	database, err := restoreFromSnapshot(base, registry, nil, 0, maxBytesPerTable)
	if err != nil {
		return nil, err
	}
	if err := applyReplayedOps(database, ops); err != nil {
		return nil, err
	}
	database.commitVersion.Store(newVersion)
	return database.Snapshot()
}

// applyReplayedOps folds WAL operations recovered after the snapshot's
// commit version onto the restored tables, writing each op's raw record
// bytes directly (they are already encoded in the table's on-disk layout)
// rather than re-encoding from field values.
func applyReplayedOps(database *Database, ops []persistence.ReplayedOp) error {
	touched := make(map[string]bool)
	for _, op := range ops {
		tbl, ok := database.tables[op.Table]
		if !ok {
			continue
		}
		switch op.Tag {
		case wal.EntryInsert, wal.EntryUpdate:
			if err := tbl.RestoreRawRecord(op.ID, op.Data); err != nil {
				return err
			}
		case wal.EntryDelete:
			tbl.DeleteRecord(op.ID)
		}
		touched[op.Table] = true
	}
	for name := range touched {
		database.tables[name].Publish()
	}
	return nil
}
