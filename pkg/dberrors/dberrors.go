// Package dberrors defines the typed error taxonomy surfaced to callers of the
// engine. Every operation returns one of these instead of an ad-hoc string so
// callers (the runtime's reply channel, persistence retries) can switch on
// error kind rather than parse messages.
package dberrors

import "fmt"

// Not-found errors.

type TableNotFoundError struct{ Name string }

func (e *TableNotFoundError) Error() string { return fmt.Sprintf("table %q not found", e.Name) }

type FieldNotFoundError struct{ Table, Field string }

func (e *FieldNotFoundError) Error() string {
	return fmt.Sprintf("field %q not found on table %q", e.Field, e.Table)
}

type RecordNotFoundError struct {
	Table string
	ID    uint64
}

func (e *RecordNotFoundError) Error() string {
	return fmt.Sprintf("record %d not found in table %q", e.ID, e.Table)
}

type ProcedureNotFoundError struct{ Name string }

func (e *ProcedureNotFoundError) Error() string {
	return fmt.Sprintf("procedure %q not found", e.Name)
}

type RelationNotFoundError struct{ ID uint64 }

func (e *RelationNotFoundError) Error() string {
	return fmt.Sprintf("relation %d not found", e.ID)
}

// Already-exists errors.

type TableAlreadyExistsError struct{ Name string }

func (e *TableAlreadyExistsError) Error() string {
	return fmt.Sprintf("table %q already exists", e.Name)
}

type FieldAlreadyExistsError struct {
	Table, Field string
}

func (e *FieldAlreadyExistsError) Error() string {
	return fmt.Sprintf("field %q already exists on table %q", e.Field, e.Table)
}

type TypeAlreadyRegisteredError struct{ Name string }

func (e *TypeAlreadyRegisteredError) Error() string {
	return fmt.Sprintf("type %q already registered", e.Name)
}

// Invariant-violation (caller) errors.

type TypeMismatchError struct {
	Expected, Got string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("type mismatch: expected %s, got %s", e.Expected, e.Got)
}

type InvalidOffsetError struct {
	Table       string
	Offset, Max int64
}

func (e *InvalidOffsetError) Error() string {
	return fmt.Sprintf("invalid offset %d for table %q (max %d)", e.Offset, e.Table, e.Max)
}

type FieldExceedsRecordSizeError struct {
	Field             string
	Offset, Size, Rec int
}

func (e *FieldExceedsRecordSizeError) Error() string {
	return fmt.Sprintf("field %q at offset %d size %d exceeds record size %d", e.Field, e.Offset, e.Size, e.Rec)
}

type CapacityOverflowError struct{ Operation string }

func (e *CapacityOverflowError) Error() string {
	return fmt.Sprintf("capacity overflow during %s", e.Operation)
}

// Resource errors.

type MemoryLimitExceededError struct {
	Requested, Limit int64
	Table            string
}

func (e *MemoryLimitExceededError) Error() string {
	return fmt.Sprintf("memory limit exceeded for table %q: requested %d, limit %d", e.Table, e.Requested, e.Limit)
}

var (
	ErrDiskFull       = fmt.Errorf("disk full")
	ErrIO             = fmt.Errorf("io error")
	ErrTransientIO    = fmt.Errorf("transient io error")
	ErrLockPoisoned   = fmt.Errorf("lock poisoned")
	ErrTimeout        = fmt.Errorf("operation timed out")
	ErrProcedurePanic = fmt.Errorf("procedure panicked")
)

// Concurrency errors.

type TransactionConflictError struct{ Reason string }

func (e *TransactionConflictError) Error() string {
	return fmt.Sprintf("transaction conflict: %s", e.Reason)
}

// Integrity (loader) errors.

type DataCorruptionError struct{ Msg string }

func (e *DataCorruptionError) Error() string { return fmt.Sprintf("data corruption: %s", e.Msg) }
