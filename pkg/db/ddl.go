package db

import (
	"sort"

	"github.com/ecsdbio/ecsdb/pkg/dberrors"
	"github.com/ecsdbio/ecsdb/pkg/table"
)

// Relation records a declared foreign-key-style link between two tables'
// fields. The engine does not enforce referential integrity on writes; a
// relation is schema metadata consulted by tooling and carried through
// snapshot/schema JSON.
type Relation struct {
	ID        uint64
	FromTable string
	FromField string
	ToTable   string
	ToField   string
}

// AddField adds a new field to an existing table, returning its offset
// and the table's new record size.
func (db *Database) AddField(tableName string, field table.FieldDef, defaultValue any) (offset, recordSize int, err error) {
	tbl, err := db.GetTable(tableName)
	if err != nil {
		return 0, 0, err
	}
	return tbl.AddField(field, db.registry, defaultValue)
}

// RemoveField drops a field from an existing table.
func (db *Database) RemoveField(tableName, fieldName string) error {
	tbl, err := db.GetTable(tableName)
	if err != nil {
		return err
	}
	return tbl.RemoveField(fieldName, db.registry)
}

// CreateRelation declares a relation between two tables' fields, failing
// if either table or field does not exist. Returns the new relation's id.
func (db *Database) CreateRelation(fromTable, fromField, toTable, toField string) (uint64, error) {
	from, err := db.GetTable(fromTable)
	if err != nil {
		return 0, err
	}
	if !from.HasField(fromField) {
		return 0, &dberrors.FieldNotFoundError{Table: fromTable, Field: fromField}
	}
	to, err := db.GetTable(toTable)
	if err != nil {
		return 0, err
	}
	if !to.HasField(toField) {
		return 0, &dberrors.FieldNotFoundError{Table: toTable, Field: toField}
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	id := db.nextRelationID
	db.nextRelationID++
	db.relations[id] = Relation{ID: id, FromTable: fromTable, FromField: fromField, ToTable: toTable, ToField: toField}
	return id, nil
}

// DeleteRelation removes a previously created relation by id.
func (db *Database) DeleteRelation(id uint64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.relations[id]; !ok {
		return &dberrors.RelationNotFoundError{ID: id}
	}
	delete(db.relations, id)
	return nil
}

// RelationsForTable returns every relation whose FromTable is name, in
// ascending id order, for schema serialization.
func (db *Database) RelationsForTable(name string) []Relation {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var out []Relation
	for _, r := range db.relations {
		if r.FromTable == name {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// restoreRelation re-inserts a relation recovered from a schema document,
// advancing nextRelationID past it. Used only by Load.
func (db *Database) restoreRelation(r Relation) {
	db.relations[r.ID] = r
	if r.ID >= db.nextRelationID {
		db.nextRelationID = r.ID + 1
	}
}
