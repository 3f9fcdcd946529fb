package gc

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/coilrun/gasoline/pkg/clock"
	"github.com/coilrun/gasoline/pkg/store"
	"github.com/coilrun/gasoline/pkg/store/sqlstore"
	"github.com/coilrun/gasoline/pkg/wfmodel"
)

func newTestStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	db, err := sql.Open("sqlite", "file:gctest?mode=memory&cache=shared&_pragma=busy_timeout(5000)")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s := sqlstore.New(db, "sqlite")
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return s
}

func TestSweepFailsOverWorkflowsFromDeadWorkers(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	clk := clock.NewFake(time.Unix(1000, 0))

	if err := st.DispatchWorkflow(ctx, wfmodel.Workflow{
		WorkflowID: "wf1", Name: "noop", RayID: "ray1",
		Input: json.RawMessage(`{}`), WakeImmediate: true,
	}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	pulled, err := st.PullWorkflows(ctx, store.PullWorkflowsOptions{WorkerInstanceID: "dead-worker", Names: []string{"noop"}, Limit: 10})
	if err != nil || len(pulled) != 1 {
		t.Fatalf("pull: %v %+v", err, pulled)
	}
	if err := st.RegisterWorkerPing(ctx, "dead-worker", clk.NowMs(), 0, 0); err != nil {
		t.Fatalf("ping: %v", err)
	}

	clk.Advance(2 * time.Minute) // past the default 30s lost threshold

	s := New(st, clk, nil, Config{Interval: time.Second, LostThreshold: 30 * time.Second})
	s.Sweep(ctx)

	wf, err := st.GetWorkflow(ctx, "wf1")
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if wf.WorkerInstanceID != nil {
		t.Fatalf("expected lease to be cleared, still held by %v", *wf.WorkerInstanceID)
	}
	if !wf.WakeImmediate {
		t.Fatalf("expected wake_immediate after failover, got %+v", wf)
	}
}

func TestSweepWakesPastDeadlines(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	clk := clock.NewFake(time.Unix(1000, 0))

	deadline := clk.NowMs() + 1000
	if err := st.DispatchWorkflow(ctx, wfmodel.Workflow{
		WorkflowID: "wf2", Name: "sleeper", RayID: "ray2",
		Input: json.RawMessage(`{}`), WakeDeadlineTs: &deadline,
	}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	clk.Advance(2 * time.Second)

	s := New(st, clk, nil, DefaultConfig())
	s.Sweep(ctx)

	wf, err := st.GetWorkflow(ctx, "wf2")
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if !wf.WakeImmediate {
		t.Fatalf("expected wake_immediate to be set past the sleep deadline, got %+v", wf)
	}
}
