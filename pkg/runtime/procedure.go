package runtime

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/getsentry/sentry-go"

	"github.com/ecsdbio/ecsdb/pkg/db"
	"github.com/ecsdbio/ecsdb/pkg/dberrors"
	"github.com/ecsdbio/ecsdb/pkg/metrics"
	"github.com/ecsdbio/ecsdb/pkg/txn"
)

// ProcedureFunc is a pure function dispatched by name through the RPC
// request path: given the database and a transaction handle it owns
// exclusively, it stages whatever changes it needs and returns a JSON
// result. It must not retain db or tx past return.
type ProcedureFunc func(database *db.Database, tx *txn.Transaction, params json.RawMessage) (json.RawMessage, error)

// ParamField describes one expected field of a procedure's JSON params
// object, used to validate an Rpc request before dispatch.
type ParamField struct {
	Name     string
	Required bool
	Kind     ParamKind
}

// ParamKind names the JSON value kind a ParamField expects.
type ParamKind int

const (
	KindString ParamKind = iota
	KindNumber
	KindBool
	KindObject
	KindArray
)

// ParamSchema lists every field a procedure's params object may carry.
// A nil *ParamSchema skips validation entirely.
type ParamSchema struct {
	Fields []ParamField
}

// validate checks raw against s, returning FieldNotFoundError for a
// missing required field and TypeMismatchError for a present field of
// the wrong JSON kind.
func (s *ParamSchema) validate(procedureName string, raw json.RawMessage) error {
	if s == nil {
		return nil
	}
	var obj map[string]json.RawMessage
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &obj); err != nil {
			return &dberrors.TypeMismatchError{Expected: "object", Got: "unparseable"}
		}
	}
	for _, f := range s.Fields {
		val, present := obj[f.Name]
		if !present {
			if f.Required {
				return &dberrors.FieldNotFoundError{Table: procedureName, Field: f.Name}
			}
			continue
		}
		if !kindMatches(f.Kind, val) {
			return &dberrors.TypeMismatchError{Expected: kindName(f.Kind), Got: "other"}
		}
	}
	return nil
}

func kindMatches(kind ParamKind, raw json.RawMessage) bool {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch kind {
	case KindString:
		_, ok := v.(string)
		return ok
	case KindNumber:
		_, ok := v.(float64)
		return ok
	case KindBool:
		_, ok := v.(bool)
		return ok
	case KindObject:
		_, ok := v.(map[string]any)
		return ok
	case KindArray:
		_, ok := v.([]any)
		return ok
	default:
		return false
	}
}

func kindName(kind ParamKind) string {
	switch kind {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	default:
		return "unknown"
	}
}

type registeredProcedure struct {
	fn     ProcedureFunc
	schema *ParamSchema
}

// ProcedureRegistry holds every callable procedure by name.
type ProcedureRegistry struct {
	mu    sync.RWMutex
	procs map[string]registeredProcedure
}

// NewProcedureRegistry returns an empty registry.
func NewProcedureRegistry() *ProcedureRegistry {
	return &ProcedureRegistry{procs: make(map[string]registeredProcedure)}
}

// Register adds a procedure under name, overwriting any prior
// registration of the same name.
func (r *ProcedureRegistry) Register(name string, fn ProcedureFunc, schema *ParamSchema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[name] = registeredProcedure{fn: fn, schema: schema}
}

func (r *ProcedureRegistry) lookup(name string) (registeredProcedure, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.procs[name]
	return p, ok
}

// Invoke validates params against the named procedure's schema, commits
// the resulting transaction through database on success, and converts a
// recovered panic into ProcedurePanic, optionally reporting it to Sentry
// when reportPanics is true. The transaction it mints is never exposed
// past this call, matching the "must not retain a reference" rule.
func Invoke(database *db.Database, registry *ProcedureRegistry, name string, params json.RawMessage, m *metrics.Runtime, reportPanics bool) (result json.RawMessage, err error) {
	proc, ok := registry.lookup(name)
	if !ok {
		return nil, &dberrors.ProcedureNotFoundError{Name: name}
	}
	if err := proc.schema.validate(name, params); err != nil {
		return nil, err
	}

	tx := txn.New()
	defer func() {
		if r := recover(); r != nil {
			tx.Finish(false)
			stack := string(debug.Stack())
			if reportPanics {
				sentry.CurrentHub().Recover(r)
				sentry.Flush(0)
			}
			err = fmt.Errorf("%w: %v\n%s", dberrors.ErrProcedurePanic, r, stack)
			if m != nil {
				m.ProcedurePanics.Inc()
				m.ProcedureCalls.WithLabelValues(name, "panic").Inc()
			}
		}
	}()

	timer := metrics.StartTimer()
	out, procErr := proc.fn(database, tx, params)
	if procErr != nil {
		tx.Finish(false)
		if m != nil {
			m.ProcedureCalls.WithLabelValues(name, "error").Inc()
		}
		return nil, procErr
	}

	if commitErr := database.Commit(tx); commitErr != nil {
		if m != nil {
			m.ProcedureCalls.WithLabelValues(name, "commit_error").Inc()
		}
		return nil, commitErr
	}
	if m != nil {
		m.ProcedureCalls.WithLabelValues(name, "ok").Inc()
		timer.ObserveDuration(m.CommitDuration)
	}
	return out, nil
}
