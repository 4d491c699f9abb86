package runtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ecsdbio/ecsdb/pkg/config"
	"github.com/ecsdbio/ecsdb/pkg/db"
	"github.com/ecsdbio/ecsdb/pkg/metrics"
	"github.com/ecsdbio/ecsdb/pkg/table"
	"github.com/ecsdbio/ecsdb/pkg/txn"
	"github.com/ecsdbio/ecsdb/pkg/types"
)

func newTestRuntime(t *testing.T) (*Runtime, *db.Database) {
	t.Helper()
	cfg := config.Default()
	cfg.MaxAPIRequestsPerTick = 100
	cfg.ProcedureThreadPoolSize = 2
	database := db.New(types.NewRegistry(), nil, 4, 0)
	procedures := NewProcedureRegistry()
	m := metrics.NewRuntime(prometheus.NewRegistry())
	rt := New(cfg, database, nil, procedures, m, nil)
	return rt, database
}

func TestRuntimeDDLRunsBeforeCRUDInSameTick(t *testing.T) {
	rt, _ := newTestRuntime(t)

	createTable := &CreateTableRequest{
		Name:   "units",
		Fields: []table.FieldDef{{Name: "health", Type: "i32"}},
		Reply:  make(chan CreateTableResponse, 1),
	}
	createRecord := &CrudRequest{
		Table:  "units",
		Op:     CrudCreate,
		Values: map[string]any{"health": int32(42)},
		Reply:  make(chan CrudResponse, 1),
	}
	rt.requests <- createTable
	rt.requests <- createRecord

	rt.runTick(context.Background(), time.Second)

	tableResp := <-createTable.Reply
	if tableResp.Err != nil {
		t.Fatalf("CreateTable: %v", tableResp.Err)
	}
	recordResp := <-createRecord.Reply
	if recordResp.Err != nil {
		t.Fatalf("Create record: %v", recordResp.Err)
	}
}

func TestRuntimeCrudCreateReturnsAssignedID(t *testing.T) {
	rt, database := newTestRuntime(t)
	if err := database.CreateTable("units", []table.FieldDef{{Name: "health", Type: "i32"}}); err != nil {
		t.Fatal(err)
	}

	req := &CrudRequest{
		Table:  "units",
		Op:     CrudCreate,
		Values: map[string]any{"health": int32(10)},
		Reply:  make(chan CrudResponse, 1),
	}
	rt.requests <- req
	rt.runTick(context.Background(), time.Second)

	resp := <-req.Reply
	if resp.Err != nil {
		t.Fatalf("Create: %v", resp.Err)
	}

	readReq := &CrudRequest{Table: "units", Op: CrudRead, ID: resp.ID, Reply: make(chan CrudResponse, 1)}
	rt.requests <- readReq
	rt.runTick(context.Background(), time.Second)
	readResp := <-readReq.Reply
	if readResp.Err != nil {
		t.Fatalf("Read id %d: %v", resp.ID, readResp.Err)
	}
	if readResp.Record["health"] != int64(10) {
		t.Errorf("health = %v, want 10", readResp.Record["health"])
	}
}

func TestRuntimeCrudQueryFiltersByEquality(t *testing.T) {
	rt, database := newTestRuntime(t)
	if err := database.CreateTable("units", []table.FieldDef{{Name: "health", Type: "i32"}}); err != nil {
		t.Fatal(err)
	}
	tx := txn.New()
	if _, err := tx.Create("units", map[string]any{"health": int32(1)}); err != nil {
		t.Fatal(err)
	}
	if _, err := tx.Create("units", map[string]any{"health": int32(2)}); err != nil {
		t.Fatal(err)
	}
	if err := database.Commit(tx); err != nil {
		t.Fatal(err)
	}

	req := &CrudRequest{
		Table: "units",
		Op:    CrudQuery,
		Query: QueryParams{Filters: map[string]any{"health": int32(2)}},
		Reply: make(chan CrudResponse, 1),
	}
	rt.requests <- req
	rt.runTick(context.Background(), time.Second)
	resp := <-req.Reply
	if resp.Err != nil {
		t.Fatalf("Query: %v", resp.Err)
	}
	if len(resp.Records) != 1 {
		t.Fatalf("expected 1 matching record, got %d", len(resp.Records))
	}
}

func TestRuntimeProceduresDispatchAsynchronously(t *testing.T) {
	rt, database := newTestRuntime(t)
	if err := database.CreateTable("units", []table.FieldDef{{Name: "health", Type: "i32"}}); err != nil {
		t.Fatal(err)
	}
	rt.procedures.Register("heal", func(database *db.Database, tx *txn.Transaction, params json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"healed":true}`), nil
	}, nil)

	req := &RpcRequest{Name: "heal", Reply: make(chan RpcResponse, 1)}
	rt.requests <- req
	rt.runTick(context.Background(), time.Second)

	select {
	case resp := <-req.Reply:
		if resp.Err != nil {
			t.Fatalf("Invoke via runtime: %v", resp.Err)
		}
		if string(resp.Result) != `{"healed":true}` {
			t.Errorf("result = %s", resp.Result)
		}
	case <-time.After(time.Second):
		t.Fatal("procedure reply never arrived")
	}
}

func TestRuntimeListTablesReflectsDDL(t *testing.T) {
	rt, database := newTestRuntime(t)
	if err := database.CreateTable("units", []table.FieldDef{{Name: "health", Type: "i32"}}); err != nil {
		t.Fatal(err)
	}

	req := &ListTablesRequest{Reply: make(chan ListTablesResponse, 1)}
	rt.requests <- req
	rt.runTick(context.Background(), time.Second)
	resp := <-req.Reply
	if len(resp.Names) != 1 || resp.Names[0] != "units" {
		t.Errorf("Names = %v, want [units]", resp.Names)
	}
}
