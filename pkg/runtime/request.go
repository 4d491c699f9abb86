// Package runtime drives the engine's single control loop: a fixed-rate
// tick divided into API, procedure, and persistence phases, fed by one
// bounded request channel. It turns a one-writer/many-lock-free-readers
// concurrency model into an explicit scheduler instead of relying on
// callers to serialize writes themselves.
package runtime

import (
	"encoding/json"

	"github.com/ecsdbio/ecsdb/pkg/table"
)

// Request is the sole boundary of the core: every external caller,
// regardless of transport, submits one of these on the runtime's request
// channel and receives its answer on a one-shot reply channel.
type Request interface {
	replyChan() any
}

// CrudOp names which single-record operation a CrudRequest performs.
type CrudOp int

const (
	CrudCreate CrudOp = iota
	CrudRead
	CrudUpdate
	CrudPartialUpdate
	CrudDelete
	CrudQuery
)

// CreateTableRequest defines a new table.
type CreateTableRequest struct {
	Name            string
	Fields          []table.FieldDef
	InitialCapacity int // 0 = use the runtime's configured default
	MaxBytes        int64
	Reply           chan CreateTableResponse
}

func (r *CreateTableRequest) replyChan() any { return r.Reply }

type CreateTableResponse struct {
	RecordSize int
	Err        error
}

// DeleteTableRequest removes a table and all of its data.
type DeleteTableRequest struct {
	Name  string
	Reply chan error
}

func (r *DeleteTableRequest) replyChan() any { return r.Reply }

// AddFieldRequest adds a field to an existing table.
type AddFieldRequest struct {
	Table        string
	Field        table.FieldDef
	DefaultValue any
	Reply        chan AddFieldResponse
}

func (r *AddFieldRequest) replyChan() any { return r.Reply }

type AddFieldResponse struct {
	Offset     int
	RecordSize int
	Err        error
}

// RemoveFieldRequest drops a field from an existing table.
type RemoveFieldRequest struct {
	Table     string
	FieldName string
	Reply     chan error
}

func (r *RemoveFieldRequest) replyChan() any { return r.Reply }

// CreateRelationRequest declares a foreign-key-style relation between two
// tables' fields.
type CreateRelationRequest struct {
	FromTable, FromField string
	ToTable, ToField     string
	Reply                chan CreateRelationResponse
}

func (r *CreateRelationRequest) replyChan() any { return r.Reply }

type CreateRelationResponse struct {
	ID  uint64
	Err error
}

// DeleteRelationRequest removes a previously created relation by id.
type DeleteRelationRequest struct {
	ID    uint64
	Reply chan error
}

func (r *DeleteRelationRequest) replyChan() any { return r.Reply }

// CrudRequest carries one single-record or query operation against a
// table. Only the fields relevant to Op are consulted.
type CrudRequest struct {
	Table   string
	Op      CrudOp
	ID      uint64
	Values  map[string]any // Create, Update
	Partial map[string]any // PartialUpdate
	Query   QueryParams    // Query
	Reply   chan CrudResponse
}

func (r *CrudRequest) replyChan() any { return r.Reply }

// QueryParams mirrors a QueryRecords{limit?, offset?, filters: {field→value}}
// request: an equality-only filter map by default, plus optional paging.
type QueryParams struct {
	Limit   int
	Offset  int
	Filters map[string]any
}

type CrudResponse struct {
	ID      uint64
	Record  table.Record
	Records []table.Record
	Err     error
}

// RpcRequest invokes a registered procedure by name with raw JSON params.
type RpcRequest struct {
	Name   string
	Params json.RawMessage
	Reply  chan RpcResponse
}

func (r *RpcRequest) replyChan() any { return r.Reply }

type RpcResponse struct {
	Result json.RawMessage
	Err    error
}

// ListTablesRequest lists every currently defined table name.
type ListTablesRequest struct {
	Reply chan ListTablesResponse
}

func (r *ListTablesRequest) replyChan() any { return r.Reply }

type ListTablesResponse struct {
	Names []string
}

// kind returns a short label for metrics (pkg/metrics RequestsDrained).
func kind(r Request) string {
	switch r.(type) {
	case *CreateTableRequest:
		return "create_table"
	case *DeleteTableRequest:
		return "delete_table"
	case *AddFieldRequest:
		return "add_field"
	case *RemoveFieldRequest:
		return "remove_field"
	case *CreateRelationRequest:
		return "create_relation"
	case *DeleteRelationRequest:
		return "delete_relation"
	case *CrudRequest:
		return "crud"
	case *RpcRequest:
		return "rpc"
	case *ListTablesRequest:
		return "list_tables"
	default:
		return "unknown"
	}
}

// isDDL reports whether r belongs to the DDL class the tick loop drains
// before CRUD and RPC.
func isDDL(r Request) bool {
	switch r.(type) {
	case *CreateTableRequest, *DeleteTableRequest, *AddFieldRequest, *RemoveFieldRequest,
		*CreateRelationRequest, *DeleteRelationRequest:
		return true
	default:
		return false
	}
}
