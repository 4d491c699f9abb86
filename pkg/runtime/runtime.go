package runtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/ecsdbio/ecsdb/pkg/config"
	"github.com/ecsdbio/ecsdb/pkg/db"
	"github.com/ecsdbio/ecsdb/pkg/dberrors"
	"github.com/ecsdbio/ecsdb/pkg/metrics"
	"github.com/ecsdbio/ecsdb/pkg/persistence"
	"github.com/ecsdbio/ecsdb/pkg/query"
	"github.com/ecsdbio/ecsdb/pkg/txn"
)

// Runtime drives a fixed-tickrate loop: one control goroutine slices every
// tick into an API phase (drain the request channel), a procedures phase
// (dispatch RPCs to a worker pool), and a persistence phase (periodic
// snapshot flush), instead of letting callers race each other against the
// database directly.
type Runtime struct {
	cfg         config.Config
	database    *db.Database
	persistence *persistence.Manager
	procedures  *ProcedureRegistry
	pool        *workerPool
	metrics     *metrics.Runtime
	log         *slog.Logger

	requests chan Request
	tick     uint64
}

// New builds a Runtime over database, optionally persisting through mgr
// (nil disables persistence entirely — a memory-only instance).
func New(cfg config.Config, database *db.Database, mgr *persistence.Manager, procedures *ProcedureRegistry, m *metrics.Runtime, log *slog.Logger) *Runtime {
	if log == nil {
		log = slog.Default()
	}
	return &Runtime{
		cfg:         cfg,
		database:    database,
		persistence: mgr,
		procedures:  procedures,
		pool:        newWorkerPool(cfg.ProcedureThreadPoolSize),
		metrics:     m,
		log:         log,
		requests:    make(chan Request, cfg.MaxAPIRequestsPerTick*4),
	}
}

// Submit enqueues req on the request channel, timing out after
// RequestTimeout.
func (rt *Runtime) Submit(ctx context.Context, req Request) error {
	ctx, cancel := context.WithTimeout(ctx, rt.cfg.RequestTimeout())
	defer cancel()
	select {
	case rt.requests <- req:
		return nil
	case <-ctx.Done():
		return dberrors.ErrTimeout
	}
}

// Run drives the tick loop until ctx is cancelled.
func (rt *Runtime) Run(ctx context.Context) {
	defer rt.pool.Close()
	interval := rt.cfg.TickInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.runTick(ctx, interval)
		}
	}
}

func (rt *Runtime) runTick(ctx context.Context, period time.Duration) {
	rt.tick++
	start := time.Now()
	apiDeadline := start.Add(period * 30 / 100)
	procDeadline := apiDeadline.Add(period * 50 / 100)
	persistDeadline := procDeadline.Add(period * 20 / 100)

	if rt.metrics != nil {
		rt.metrics.TicksTotal.Inc()
	}

	timer := metrics.StartTimer()
	ddl, crud, rpc := rt.drainAPIPhase(apiDeadline)
	if rt.metrics != nil {
		timer.ObserveDuration(rt.metrics.PhaseDuration.WithLabelValues("api"))
	}

	timer = metrics.StartTimer()
	rt.runDDLPhase(ddl)
	rt.runCRUDPhase(crud)
	rt.runProceduresPhase(ctx, rpc, procDeadline)
	if rt.metrics != nil {
		timer.ObserveDuration(rt.metrics.PhaseDuration.WithLabelValues("procedures"))
	}

	timer = metrics.StartTimer()
	rt.runPersistencePhase()
	if rt.metrics != nil {
		timer.ObserveDuration(rt.metrics.PhaseDuration.WithLabelValues("persistence"))
	}

	if time.Now().After(persistDeadline) && rt.metrics != nil {
		rt.metrics.MissedTicksTotal.Inc()
	}
}

// drainAPIPhase pulls up to MaxAPIRequestsPerTick requests off the
// channel, stopping early if apiDeadline passes or the channel empties,
// and buckets them by class (DDL, CRUD, RPC) for strict-order processing
// within this tick.
func (rt *Runtime) drainAPIPhase(apiDeadline time.Time) (ddl, crud, rpc []Request) {
	for i := 0; i < rt.cfg.MaxAPIRequestsPerTick && time.Now().Before(apiDeadline); i++ {
		select {
		case req := <-rt.requests:
			if rt.metrics != nil {
				rt.metrics.RequestsDrained.WithLabelValues(kind(req)).Inc()
			}
			switch {
			case isDDL(req):
				ddl = append(ddl, req)
			case isRPC(req):
				rpc = append(rpc, req)
			default:
				crud = append(crud, req)
			}
		default:
			return ddl, crud, rpc
		}
	}
	return ddl, crud, rpc
}

func isRPC(r Request) bool {
	_, ok := r.(*RpcRequest)
	return ok
}

func (rt *Runtime) runDDLPhase(reqs []Request) {
	for _, r := range reqs {
		rt.handleDDL(r)
	}
}

func (rt *Runtime) handleDDL(r Request) {
	switch req := r.(type) {
	case *CreateTableRequest:
		err := rt.database.CreateTable(req.Name, req.Fields)
		recordSize := 0
		if err == nil {
			if tbl, tErr := rt.database.GetTable(req.Name); tErr == nil {
				recordSize = tbl.RecordSize()
			}
		}
		req.Reply <- CreateTableResponse{RecordSize: recordSize, Err: err}
	case *DeleteTableRequest:
		req.Reply <- rt.database.DeleteTable(req.Name)
	case *AddFieldRequest:
		offset, recordSize, err := rt.database.AddField(req.Table, req.Field, req.DefaultValue)
		req.Reply <- AddFieldResponse{Offset: offset, RecordSize: recordSize, Err: err}
	case *RemoveFieldRequest:
		req.Reply <- rt.database.RemoveField(req.Table, req.FieldName)
	case *CreateRelationRequest:
		id, err := rt.database.CreateRelation(req.FromTable, req.FromField, req.ToTable, req.ToField)
		req.Reply <- CreateRelationResponse{ID: id, Err: err}
	case *DeleteRelationRequest:
		req.Reply <- rt.database.DeleteRelation(req.ID)
	case *ListTablesRequest:
		req.Reply <- ListTablesResponse{Names: rt.database.ListTableNames()}
	}
}

func (rt *Runtime) runCRUDPhase(reqs []Request) {
	for _, r := range reqs {
		switch req := r.(type) {
		case *CrudRequest:
			req.Reply <- rt.handleCrud(req)
		case *ListTablesRequest:
			req.Reply <- ListTablesResponse{Names: rt.database.ListTableNames()}
		}
	}
}

func (rt *Runtime) handleCrud(req *CrudRequest) CrudResponse {
	if req.Op == CrudRead {
		tbl, err := rt.database.GetTable(req.Table)
		if err != nil {
			return CrudResponse{Err: err}
		}
		rec, err := tbl.ReadRecord(req.ID)
		return CrudResponse{ID: req.ID, Record: rec, Err: err}
	}
	if req.Op == CrudQuery {
		tbl, err := rt.database.GetTable(req.Table)
		if err != nil {
			return CrudResponse{Err: err}
		}
		filters := make([]query.Filter, 0, len(req.Query.Filters))
		for field, val := range req.Query.Filters {
			filters = append(filters, query.Filter{Field: field, Op: query.Eq, Value: val})
		}
		recs, err := query.Run(tbl, filters, req.Query.Limit, req.Query.Offset)
		return CrudResponse{Records: recs, Err: err}
	}

	tx := txn.New()
	id := req.ID
	var created *txn.Change
	var err error
	switch req.Op {
	case CrudCreate:
		created, err = tx.Create(req.Table, req.Values)
	case CrudUpdate:
		err = tx.Update(req.Table, req.ID, req.Values)
	case CrudPartialUpdate:
		err = tx.PartialUpdate(req.Table, req.ID, req.Partial)
	case CrudDelete:
		err = tx.Delete(req.Table, req.ID)
	}
	if err != nil {
		tx.Finish(false)
		return CrudResponse{Err: err}
	}
	if err := rt.database.Commit(tx); err != nil {
		return CrudResponse{Err: err}
	}
	if rt.metrics != nil {
		rt.metrics.CommitsTotal.Inc()
	}
	if created != nil {
		id = created.ID
	}
	return CrudResponse{ID: id}
}

// runProceduresPhase submits every drained RPC request to the worker
// pool; each worker reports its own reply asynchronously, so this phase
// does not wait for a procedure to finish. It does block while the pool's
// job queue is full, until a worker takes the next job.
func (rt *Runtime) runProceduresPhase(_ context.Context, reqs []Request, deadline time.Time) {
	for _, r := range reqs {
		req, ok := r.(*RpcRequest)
		if !ok {
			continue
		}
		rt.pool.Submit(func() {
			if time.Now().After(deadline) {
				rt.log.Warn("procedure dispatched past phase deadline", "procedure", req.Name)
			}
			result, err := Invoke(rt.database, rt.procedures, req.Name, req.Params, rt.metrics, rt.cfg.SentryDSN != "")
			req.Reply <- RpcResponse{Result: result, Err: err}
		})
	}
}

func (rt *Runtime) runPersistencePhase() {
	if rt.persistence == nil {
		return
	}
	if rt.tick%uint64(rt.cfg.PersistenceIntervalTicks) != 0 {
		return
	}
	if err := rt.database.Flush(rt.persistence); err != nil {
		rt.log.Error("persistence flush failed", "error", err)
		if rt.metrics != nil {
			rt.metrics.PersistenceFlushes.WithLabelValues("error").Inc()
		}
		return
	}
	if rt.metrics != nil {
		rt.metrics.PersistenceFlushes.WithLabelValues("ok").Inc()
	}

	base, _, err := rt.persistence.LoadLatest()
	if err != nil {
		rt.log.Error("load latest snapshot for compaction check failed", "error", err)
		return
	}
	should, _, err := rt.persistence.ShouldCompact(base.CommitVersion)
	if err != nil {
		rt.log.Error("compaction check failed", "error", err)
		return
	}
	if !should {
		return
	}
	if _, err := rt.persistence.Compact(base, rt.mergeFunc); err != nil {
		rt.log.Error("compaction failed", "error", err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.CompactionsTotal.Inc()
	}
}

// mergeFunc folds replayed WAL ops onto the most recently flushed
// snapshot to produce a new compacted one, reusing the same raw-record
// apply path recovery uses (pkg/db.Load's applyReplayedOps).
func (rt *Runtime) mergeFunc(base *persistence.DatabaseSnapshot, ops []persistence.ReplayedOp) (*persistence.DatabaseSnapshot, error) {
	return db.MergeSnapshot(base, ops, rt.database.Registry(), rt.database.CommitVersion(), rt.cfg.MaxBufferSize)
}
