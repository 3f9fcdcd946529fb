package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/coilrun/gasoline/pkg/store"
	"github.com/coilrun/gasoline/pkg/wferrors"
	"github.com/coilrun/gasoline/pkg/wfmodel"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file:memdb1?mode=memory&cache=shared&_pragma=busy_timeout(5000)")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db := newTestDB(t)
	s := New(db, "sqlite")
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return s
}

func TestDispatchAndPullWorkflows(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	wf := wfmodel.Workflow{
		WorkflowID:    "wf1",
		Name:          "order",
		RayID:         "ray1",
		CreateTs:      100,
		Input:         json.RawMessage(`{}`),
		Tags:          wfmodel.Tags{"region": "us"},
		WakeImmediate: true,
	}
	if err := s.DispatchWorkflow(ctx, wf); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	pulled, err := s.PullWorkflows(ctx, store.PullWorkflowsOptions{WorkerInstanceID: "worker-1", Names: []string{"order"}, Limit: 10})
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(pulled) != 1 || pulled[0].Workflow.WorkflowID != "wf1" {
		t.Fatalf("expected wf1 pulled, got %+v", pulled)
	}

	// a second worker pulling concurrently must not also claim it.
	pulled2, err := s.PullWorkflows(ctx, store.PullWorkflowsOptions{WorkerInstanceID: "worker-2", Names: []string{"order"}, Limit: 10})
	if err != nil {
		t.Fatalf("pull2: %v", err)
	}
	if len(pulled2) != 0 {
		t.Fatalf("expected no workflows for second worker, got %d", len(pulled2))
	}
}

func TestCommitEventsRejectsLostLease(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	wf := wfmodel.Workflow{WorkflowID: "wf1", Name: "order", RayID: "r1", CreateTs: 1, Input: json.RawMessage(`{}`), WakeImmediate: true}
	if err := s.DispatchWorkflow(ctx, wf); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, err := s.PullWorkflows(ctx, store.PullWorkflowsOptions{WorkerInstanceID: "worker-1", Names: []string{"order"}, Limit: 10}); err != nil {
		t.Fatalf("pull: %v", err)
	}

	err := s.CommitEvents(ctx, "worker-2", "wf1", nil, nil, store.WakeUpdate{Immediate: true})
	if err != wferrors.ErrLeaseLost {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}
}

func TestCompleteWorkflowIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	wf := wfmodel.Workflow{WorkflowID: "wf1", Name: "order", RayID: "r1", CreateTs: 1, Input: json.RawMessage(`{}`), WakeImmediate: true}
	if err := s.DispatchWorkflow(ctx, wf); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, err := s.PullWorkflows(ctx, store.PullWorkflowsOptions{WorkerInstanceID: "worker-1", Names: []string{"order"}, Limit: 10}); err != nil {
		t.Fatalf("pull: %v", err)
	}
	out := []byte(`{"ok":true}`)
	if err := s.CompleteWorkflow(ctx, "worker-1", "wf1", out, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := s.CompleteWorkflow(ctx, "worker-1", "wf1", out, ""); err != nil {
		t.Fatalf("complete again: %v", err)
	}
	got, err := s.GetWorkflow(ctx, "wf1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Output) != string(out) {
		t.Fatalf("output mismatch: %s", got.Output)
	}
}
