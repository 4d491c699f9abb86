package table

import (
	"testing"

	"github.com/ecsdbio/ecsdb/pkg/types"
)

func newTestTable(t *testing.T) (*Table, *types.Registry) {
	t.Helper()
	reg := types.NewRegistry()
	tbl, err := New("players", []FieldDef{
		{Name: "health", Type: "i32"},
		{Name: "name", Type: "string"},
		{Name: "active", Type: "bool"},
	}, reg, 4, 0)
	if err != nil {
		t.Fatal(err)
	}
	return tbl, reg
}

func TestCreateReadRecord(t *testing.T) {
	tbl, _ := newTestTable(t)
	id, err := tbl.CreateRecord(map[string]any{
		"health": int64(100),
		"name":   "zara",
		"active": true,
	})
	if err != nil {
		t.Fatal(err)
	}
	tbl.Publish()

	rec, err := tbl.ReadRecord(id)
	if err != nil {
		t.Fatal(err)
	}
	if rec["health"].(int64) != 100 {
		t.Errorf("health = %v, want 100", rec["health"])
	}
	if rec["name"].(string) != "zara" {
		t.Errorf("name = %v, want zara", rec["name"])
	}
	if rec["active"].(bool) != true {
		t.Errorf("active = %v, want true", rec["active"])
	}
}

func TestUpdateRecordBeforePublishInvisible(t *testing.T) {
	tbl, _ := newTestTable(t)
	id, err := tbl.CreateRecord(map[string]any{"health": int64(100), "name": "a", "active": true})
	if err != nil {
		t.Fatal(err)
	}
	tbl.Publish()

	if err := tbl.UpdateRecord(id, map[string]any{"health": int64(50), "name": "a", "active": false}); err != nil {
		t.Fatal(err)
	}
	rec, _ := tbl.ReadRecord(id)
	if rec["health"].(int64) != 100 {
		t.Fatalf("expected pre-publish value 100, got %v", rec["health"])
	}
	tbl.Publish()
	rec, _ = tbl.ReadRecord(id)
	if rec["health"].(int64) != 50 {
		t.Fatalf("expected post-publish value 50, got %v", rec["health"])
	}
}

func TestPartialUpdate(t *testing.T) {
	tbl, _ := newTestTable(t)
	id, err := tbl.CreateRecord(map[string]any{"health": int64(100), "name": "a", "active": true})
	if err != nil {
		t.Fatal(err)
	}
	tbl.Publish()

	if err := tbl.PartialUpdate(id, map[string]any{"health": int64(7)}); err != nil {
		t.Fatal(err)
	}
	tbl.Publish()
	rec, _ := tbl.ReadRecord(id)
	if rec["health"].(int64) != 7 {
		t.Errorf("health = %v, want 7", rec["health"])
	}
	if rec["name"].(string) != "a" {
		t.Errorf("name = %v, want unchanged a", rec["name"])
	}
}

func TestDeleteRecordThenNotFound(t *testing.T) {
	tbl, _ := newTestTable(t)
	id, err := tbl.CreateRecord(map[string]any{"health": int64(1), "name": "a", "active": true})
	if err != nil {
		t.Fatal(err)
	}
	tbl.Publish()

	raw, err := tbl.DeleteRecord(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) != tbl.RecordSize() {
		t.Errorf("deleted raw bytes length = %d, want %d", len(raw), tbl.RecordSize())
	}
	tbl.Publish()

	if _, err := tbl.ReadRecord(id); err == nil {
		t.Fatal("expected RecordNotFoundError after delete")
	}
}

func TestAddFieldPreservesExistingData(t *testing.T) {
	tbl, reg := newTestTable(t)
	id, err := tbl.CreateRecord(map[string]any{"health": int64(42), "name": "x", "active": true})
	if err != nil {
		t.Fatal(err)
	}
	tbl.Publish()

	offset, recordSize, err := tbl.AddField(FieldDef{Name: "level", Type: "i8"}, reg, int64(1))
	if err != nil {
		t.Fatal(err)
	}
	if recordSize != tbl.RecordSize() {
		t.Errorf("recordSize = %d, want %d", recordSize, tbl.RecordSize())
	}
	if offset < 0 {
		t.Errorf("unexpected negative offset %d", offset)
	}

	rec, err := tbl.ReadRecord(id)
	if err != nil {
		t.Fatal(err)
	}
	if rec["health"].(int64) != 42 {
		t.Errorf("health lost after AddField: %v", rec["health"])
	}
	if rec["level"].(int64) != 1 {
		t.Errorf("level default = %v, want 1", rec["level"])
	}
}

func TestQueryFiltersRecords(t *testing.T) {
	tbl, _ := newTestTable(t)
	for i := 0; i < 3; i++ {
		if _, err := tbl.CreateRecord(map[string]any{
			"health": int64(i * 10),
			"name":   "p",
			"active": i%2 == 0,
		}); err != nil {
			t.Fatal(err)
		}
	}
	tbl.Publish()

	recs, err := tbl.Query(func(r Record) bool { return r["active"].(bool) }, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Errorf("got %d active records, want 2", len(recs))
	}
}

func TestQueryRespectsLimitAndOffsetInInsertionOrder(t *testing.T) {
	tbl, _ := newTestTable(t)
	for i := 0; i < 5; i++ {
		if _, err := tbl.CreateRecord(map[string]any{
			"health": int64(i),
			"name":   "p",
			"active": true,
		}); err != nil {
			t.Fatal(err)
		}
	}
	tbl.Publish()

	recs, err := tbl.Query(nil, 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0]["health"].(int64) != 1 || recs[1]["health"].(int64) != 2 {
		t.Errorf("expected records at health 1 and 2, got %v and %v", recs[0]["health"], recs[1]["health"])
	}
}
