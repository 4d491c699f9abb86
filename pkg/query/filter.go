// Package query implements filter predicates for QueryRecords: a small
// operator set evaluated against a scanned table row, combined as a
// conjunction of Filters over decoded record field values since there is
// no secondary index to seek against here.
package query

import (
	"github.com/ecsdbio/ecsdb/pkg/dberrors"
	"github.com/ecsdbio/ecsdb/pkg/table"
)

// Operator names one comparison a Filter performs against a field's
// value. Between is the only binary operator; its second operand is
// Filter.ValueEnd.
type Operator int

const (
	Eq Operator = iota
	Neq
	Gt
	Gte
	Lt
	Lte
	Between
)

// Filter restricts a scan to rows whose Field satisfies Op against
// Value (and ValueEnd, for Between). Evaluation is a plain Go value
// compare against the already-decoded field: there is no secondary index,
// so every Filter costs one comparison per scanned row.
type Filter struct {
	Field    string
	Op       Operator
	Value    any
	ValueEnd any
}

// Matches reports whether rec satisfies f. An unknown field name is
// treated as FieldNotFoundError rather than silently excluding the row,
// since a filter naming a nonexistent field is a caller error.
func (f Filter) Matches(rec table.Record, tableName string) (bool, error) {
	v, ok := rec[f.Field]
	if !ok {
		return false, &dberrors.FieldNotFoundError{Table: tableName, Field: f.Field}
	}

	cmp, comparable := compareValues(v, f.Value)
	switch f.Op {
	case Eq:
		return comparable && cmp == 0, nil
	case Neq:
		return !comparable || cmp != 0, nil
	case Gt:
		return comparable && cmp > 0, nil
	case Gte:
		return comparable && cmp >= 0, nil
	case Lt:
		return comparable && cmp < 0, nil
	case Lte:
		return comparable && cmp <= 0, nil
	case Between:
		cmpEnd, comparableEnd := compareValues(v, f.ValueEnd)
		return comparable && comparableEnd && cmp >= 0 && cmpEnd <= 0, nil
	default:
		return false, nil
	}
}

// matchAll builds a single predicate evaluating every filter as a
// conjunction, suitable for passing directly to table.Table.Query. The
// first error encountered (e.g. an unknown field name) is captured into
// firstErr for the caller to check once the scan completes.
func matchAll(tableName string, filters []Filter, firstErr *error) func(table.Record) bool {
	return func(rec table.Record) bool {
		for _, f := range filters {
			ok, err := f.Matches(rec, tableName)
			if err != nil {
				if *firstErr == nil {
					*firstErr = err
				}
				return false
			}
			if !ok {
				return false
			}
		}
		return true
	}
}

// Run scans tbl applying filters as a conjunction, honoring limit and
// offset exactly as table.Table.Query does. It reports an error if any
// filter names a field the table does not have.
func Run(tbl *table.Table, filters []Filter, limit, offset int) ([]table.Record, error) {
	var firstErr error
	recs, err := tbl.Query(matchAll(tbl.Name, filters, &firstErr), limit, offset)
	if err != nil {
		return nil, err
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return recs, nil
}

// compareValues compares two decoded field values of matching underlying
// kind (int64, float64, string, bool), returning ok=false for
// incomparable kinds (e.g. comparing a bool with Gt) rather than
// panicking.
func compareValues(a, b any) (cmp int, ok bool) {
	switch av := a.(type) {
	case int64:
		bv, ok := toInt64(b)
		if !ok {
			return 0, false
		}
		return compareInt64(av, bv), true
	case int32:
		bv, ok := toInt64(b)
		if !ok {
			return 0, false
		}
		return compareInt64(int64(av), bv), true
	case float64:
		bv, ok := toFloat64(b)
		if !ok {
			return 0, false
		}
		return compareFloat64(av, bv), true
	case float32:
		bv, ok := toFloat64(b)
		if !ok {
			return 0, false
		}
		return compareFloat64(float64(av), bv), true
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		default:
			return 0, true
		}
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		if av == bv {
			return 0, true
		}
		return 0, false
	default:
		return 0, false
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareFloat64(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
