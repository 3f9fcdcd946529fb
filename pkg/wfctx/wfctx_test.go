package wfctx

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/coilrun/gasoline/pkg/activity"
	"github.com/coilrun/gasoline/pkg/clock"
	"github.com/coilrun/gasoline/pkg/history"
	"github.com/coilrun/gasoline/pkg/pubsub/memdriver"
	"github.com/coilrun/gasoline/pkg/registry"
	"github.com/coilrun/gasoline/pkg/store"
	"github.com/coilrun/gasoline/pkg/store/sqlstore"
	"github.com/coilrun/gasoline/pkg/wfmodel"

	"database/sql"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	db, err := sql.Open("sqlite", "file:wfctxtest?mode=memory&cache=shared&_pragma=busy_timeout(5000)")
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

func echoActivity(_ context.Context, input []byte) ([]byte, error) {
	var v map[string]any
	json.Unmarshal(input, &v)
	v["seen"] = true
	return json.Marshal(v)
}

func twoStepWorkflow(ctx context.Context, input []byte) ([]byte, error) {
	out, err := Activity(ctx, "echo", input)
	if err != nil {
		return nil, err
	}
	_, payload, err := ListenAny(ctx, []string{"approve"})
	if err != nil {
		return nil, err
	}
	result := map[string]any{"activity_out": json.RawMessage(out), "signal": json.RawMessage(payload)}
	return json.Marshal(result)
}

func TestDriveSuspendsThenResumesAcrossSignal(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	reg := registry.New()
	reg.RegisterActivity("echo", echoActivity)
	reg.Freeze()
	runner := activity.NewRunner(reg, activity.DefaultConfig())
	clk := clock.NewFake(time.Unix(1000, 0))
	ps := memdriver.New()

	if err := st.DispatchWorkflow(ctx, wfmodel.Workflow{
		WorkflowID: "wf1", Name: "two_step", RayID: "ray1",
		Input: json.RawMessage(`{"a":1}`), WakeImmediate: true,
	}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	pulled, err := st.PullWorkflows(ctx, store.PullWorkflowsOptions{WorkerInstanceID: "worker-1", Names: []string{"two_step"}, Limit: 10})
	if err != nil || len(pulled) != 1 {
		t.Fatalf("pull: %v %+v", err, pulled)
	}
	wf := pulled[0].Workflow

	// First drive: no history yet, executes the activity (committed
	// immediately, before the function returns control) then suspends
	// waiting for the "approve" signal.
	outcome, events, _, err := Drive(ctx, st, runner, clk, ps, reg, twoStepWorkflow, wf, pulled[0].History, "worker-1")
	if err != nil {
		t.Fatalf("drive: %v", err)
	}
	if outcome.Completed || outcome.Nondeterminism != nil {
		t.Fatalf("expected suspension, got %+v", outcome)
	}
	if len(outcome.Wake.Signals) != 1 || outcome.Wake.Signals[0] != "approve" {
		t.Fatalf("expected wake on approve signal, got %+v", outcome.Wake)
	}
	if len(events) != 0 {
		t.Fatalf("expected no batched events (the activity already committed itself), got %+v", events)
	}
	if err := st.CommitEvents(ctx, "worker-1", "wf1", events, nil, outcome.Wake); err != nil {
		t.Fatalf("commit: %v", err)
	}

	hist1, err := st.GetHistory(ctx, "wf1")
	if err != nil || len(hist1) != 1 || hist1[0].Type != history.EventActivity {
		t.Fatalf("expected one durably committed Activity event, got %+v (%v)", hist1, err)
	}

	if err := st.PublishSignal(ctx, wfmodel.Signal{
		SignalID: "sig1", Name: "approve", Payload: json.RawMessage(`{"ok":true}`),
		CreateTs: clk.NowMs(), State: wfmodel.SignalPending,
	}); err != nil {
		t.Fatalf("publish signal: %v", err)
	}

	hist, err := st.GetHistory(ctx, "wf1")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}

	// Second drive: replays the stored Activity event (echoActivity must
	// NOT run again), then consumes the pending signal and completes.
	outcome2, events2, _, err := Drive(ctx, st, runner, clk, ps, reg, twoStepWorkflow, wf, hist, "worker-1")
	if err != nil {
		t.Fatalf("drive2: %v", err)
	}
	if !outcome2.Completed {
		t.Fatalf("expected completion, got %+v", outcome2)
	}
	if len(events2) != 1 || events2[0].Type != history.EventSignal {
		t.Fatalf("expected one Signal event appended, got %+v", events2)
	}
	var result map[string]json.RawMessage
	if err := json.Unmarshal(outcome2.Output, &result); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if string(result["signal"]) != `{"ok":true}` {
		t.Fatalf("unexpected signal payload in output: %s", result["signal"])
	}
}

func childWorkflow(ctx context.Context, input []byte) ([]byte, error) {
	return json.Marshal(map[string]int{"value": 42})
}

func parentWorkflow(ctx context.Context, input []byte) ([]byte, error) {
	childID, err := SubWorkflowDispatch(ctx, "child", input, nil)
	if err != nil {
		return nil, err
	}
	out, err := SubWorkflowOutput(ctx, childID)
	if err != nil {
		return nil, err
	}
	var v map[string]int
	json.Unmarshal(out, &v)
	return json.Marshal(map[string]int{"value": v["value"] + 1})
}

func TestSubWorkflowDispatchDoesNotDoubleDispatchOnResume(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	reg := registry.New()
	reg.Freeze()
	runner := activity.NewRunner(reg, activity.DefaultConfig())
	clk := clock.NewFake(time.Unix(1000, 0))
	ps := memdriver.New()

	if err := st.DispatchWorkflow(ctx, wfmodel.Workflow{
		WorkflowID: "parent1", Name: "parent", RayID: "ray1",
		Input: json.RawMessage(`{}`), WakeImmediate: true,
	}); err != nil {
		t.Fatalf("dispatch parent: %v", err)
	}
	parentPulled, err := st.PullWorkflows(ctx, store.PullWorkflowsOptions{WorkerInstanceID: "worker-1", Names: []string{"parent"}, Limit: 10})
	if err != nil || len(parentPulled) != 1 {
		t.Fatalf("pull parent: %v %+v", err, parentPulled)
	}
	wf := parentPulled[0].Workflow

	// First drive: dispatches the child (committed immediately, so a crash
	// right after this drive cannot cause a second dispatch), then
	// suspends waiting on its output.
	outcome, events, _, err := Drive(ctx, st, runner, clk, ps, reg, parentWorkflow, wf, parentPulled[0].History, "worker-1")
	if err != nil {
		t.Fatalf("drive: %v", err)
	}
	if outcome.Completed || outcome.Nondeterminism != nil {
		t.Fatalf("expected suspension waiting on child output, got %+v", outcome)
	}
	if err := st.CommitEvents(ctx, "worker-1", "parent1", events, nil, outcome.Wake); err != nil {
		t.Fatalf("commit: %v", err)
	}

	children, err := st.ListWorkflows(ctx, store.WorkflowFilter{Name: "child"})
	if err != nil || len(children) != 1 {
		t.Fatalf("expected exactly one dispatched child, got %v (%v)", children, err)
	}
	childID := children[0].WorkflowID

	// Drive the child to completion on a different worker instance, the
	// way a real deployment's other worker would.
	pulled, err := st.PullWorkflows(ctx, store.PullWorkflowsOptions{WorkerInstanceID: "worker-2", Names: []string{"child"}, Limit: 10})
	if err != nil || len(pulled) != 1 {
		t.Fatalf("pull child: %v %+v", err, pulled)
	}
	childOutcome, childEvents, childState, err := Drive(ctx, st, runner, clk, ps, reg, childWorkflow, pulled[0].Workflow, pulled[0].History, "worker-2")
	if err != nil || !childOutcome.Completed {
		t.Fatalf("drive child: %v %+v", err, childOutcome)
	}
	if err := st.CommitEvents(ctx, "worker-2", childID, childEvents, childState, store.WakeUpdate{}); err != nil {
		t.Fatalf("commit child events: %v", err)
	}
	if err := st.CompleteWorkflow(ctx, "worker-2", childID, childOutcome.Output, ""); err != nil {
		t.Fatalf("complete child: %v", err)
	}

	hist, err := st.GetHistory(ctx, "parent1")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}

	// Second drive: replays the dispatch without redispatching, then reads
	// the now-completed child's output and finishes.
	outcome2, _, _, err := Drive(ctx, st, runner, clk, ps, reg, parentWorkflow, wf, hist, "worker-1")
	if err != nil {
		t.Fatalf("drive2: %v", err)
	}
	if !outcome2.Completed {
		t.Fatalf("expected completion, got %+v", outcome2)
	}
	var result map[string]int
	if err := json.Unmarshal(outcome2.Output, &result); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if result["value"] != 43 {
		t.Fatalf("expected 43, got %+v", result)
	}

	children2, err := st.ListWorkflows(ctx, store.WorkflowFilter{Name: "child"})
	if err != nil || len(children2) != 1 {
		t.Fatalf("expected still exactly one child after resume, got %v (%v)", children2, err)
	}
}

func TestBranchSharesEventsAndStateDirtyWithParent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	reg := registry.New()
	reg.Freeze()
	runner := activity.NewRunner(reg, activity.DefaultConfig())
	clk := clock.NewFake(time.Unix(1000, 0))
	ps := memdriver.New()

	wf := &wfmodel.Workflow{WorkflowID: "wf-branch", Name: "branch_wf", RayID: "ray1", Input: json.RawMessage(`{}`)}

	branchWorkflow := func(ctx context.Context, input []byte) ([]byte, error) {
		b := Branch(ctx)
		State(b).Mutate(func(m map[string]any) { m["touched"] = true })
		_ = Branch(b) // a nested branch batches its own marker event
		return json.Marshal(map[string]bool{"ok": true})
	}

	outcome, events, state, err := Drive(ctx, st, runner, clk, ps, reg, branchWorkflow, wf, nil, "worker-1")
	if err != nil || !outcome.Completed {
		t.Fatalf("drive: %v %+v", err, outcome)
	}
	if len(events) != 2 {
		t.Fatalf("expected both the outer and nested Branch markers to reach the parent's commit, got %+v", events)
	}
	for _, ev := range events {
		if ev.Type != history.EventBranch {
			t.Fatalf("expected only Branch events, got %+v", ev)
		}
	}
	var s map[string]any
	if err := json.Unmarshal(state, &s); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if s["touched"] != true {
		t.Fatalf("expected a branch-scoped State().Mutate to reach the parent's persisted state, got %+v", s)
	}
}

func incActivity(_ context.Context, input []byte) ([]byte, error) {
	var v map[string]int
	json.Unmarshal(input, &v)
	return json.Marshal(map[string]int{"n": v["n"] + 1})
}

// loopWorkflow runs inc up to three times, carrying the running total as
// loop state, and suspends on a signal partway through iteration 1 to
// exercise resuming mid-loop.
func loopWorkflow(ctx context.Context, input []byte) ([]byte, error) {
	return Loop(ctx, func(iterCtx context.Context, i int, state json.RawMessage) (LoopOutcome, error) {
		n := 0
		if len(state) > 0 {
			var v map[string]int
			json.Unmarshal(state, &v)
			n = v["n"]
		}
		req, _ := json.Marshal(map[string]int{"n": n})
		out, err := Activity(iterCtx, "inc", req)
		if err != nil {
			return LoopOutcome{}, err
		}
		if i == 1 {
			if _, _, err := ListenAny(iterCtx, []string{"go"}); err != nil {
				return LoopOutcome{}, err
			}
		}
		var v map[string]int
		json.Unmarshal(out, &v)
		if v["n"] >= 3 {
			return LoopOutcome{Break: out}, nil
		}
		return LoopOutcome{Continue: true, State: out}, nil
	})
}

func TestLoopResumesMidIterationAcrossSignal(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	reg := registry.New()
	reg.RegisterActivity("inc", incActivity)
	reg.Freeze()
	runner := activity.NewRunner(reg, activity.DefaultConfig())
	clk := clock.NewFake(time.Unix(1000, 0))
	ps := memdriver.New()

	if err := st.DispatchWorkflow(ctx, wfmodel.Workflow{
		WorkflowID: "wf-loop", Name: "loop_wf", RayID: "ray1",
		Input: json.RawMessage(`{}`), WakeImmediate: true,
	}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	pulled, err := st.PullWorkflows(ctx, store.PullWorkflowsOptions{WorkerInstanceID: "worker-1", Names: []string{"loop_wf"}, Limit: 10})
	if err != nil || len(pulled) != 1 {
		t.Fatalf("pull: %v %+v", err, pulled)
	}
	wf := pulled[0].Workflow

	// First drive: iteration 0 completes (inc to n=1, committed), iteration
	// 1's own inc commits (n=2), then the listen finds no pending signal
	// and suspends mid-iteration, before that iteration ever records a
	// Loop outcome event.
	outcome, events, _, err := Drive(ctx, st, runner, clk, ps, reg, loopWorkflow, wf, pulled[0].History, "worker-1")
	if err != nil {
		t.Fatalf("drive: %v", err)
	}
	if outcome.Completed || outcome.Nondeterminism != nil {
		t.Fatalf("expected suspension mid-loop, got %+v", outcome)
	}
	if len(outcome.Wake.Signals) != 1 || outcome.Wake.Signals[0] != "go" {
		t.Fatalf("expected wake on the go signal, got %+v", outcome.Wake)
	}
	if err := st.CommitEvents(ctx, "worker-1", "wf-loop", events, nil, outcome.Wake); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := st.PublishSignal(ctx, wfmodel.Signal{
		SignalID: "sig-go", Name: "go", Payload: json.RawMessage(`{}`),
		CreateTs: clk.NowMs(), State: wfmodel.SignalPending,
	}); err != nil {
		t.Fatalf("publish signal: %v", err)
	}

	hist, err := st.GetHistory(ctx, "wf-loop")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}

	// Second drive: replays iteration 0's outcome and iteration 1's inc
	// (memoized, not re-run), then consumes the now-pending signal — a
	// step that batches its own event rather than suspending — and goes
	// on to commit iteration 1's Loop outcome in the same call, which is
	// exactly the commitNow flush this is meant to exercise. Iteration 2
	// runs fresh to completion and breaks.
	outcome2, _, _, err := Drive(ctx, st, runner, clk, ps, reg, loopWorkflow, wf, hist, "worker-1")
	if err != nil {
		t.Fatalf("drive2: %v", err)
	}
	if !outcome2.Completed {
		t.Fatalf("expected completion, got %+v", outcome2)
	}
	var result map[string]int
	if err := json.Unmarshal(outcome2.Output, &result); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if result["n"] != 3 {
		t.Fatalf("expected loop to break at n=3, got %+v", result)
	}

	finalHist, err := st.GetHistory(ctx, "wf-loop")
	if err != nil {
		t.Fatalf("get final history: %v", err)
	}
	var signalEvents, incEvents, loopEvents int
	for _, ev := range finalHist {
		switch ev.Type {
		case history.EventSignal:
			signalEvents++
		case history.EventActivity:
			incEvents++
		case history.EventLoop:
			loopEvents++
		}
	}
	if signalEvents != 1 {
		t.Fatalf("expected exactly one Signal event, got %d in %+v", signalEvents, finalHist)
	}
	if incEvents != 3 {
		t.Fatalf("expected exactly three inc Activity events (no re-run on replay), got %d in %+v", incEvents, finalHist)
	}
	if loopEvents != 3 {
		t.Fatalf("expected three Loop outcome events (two Continue, one Break), got %d in %+v", loopEvents, finalHist)
	}
}

func TestOperationDoesNotAppendHistory(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	reg := registry.New()
	calls := 0
	reg.RegisterActivity("lookup", func(_ context.Context, input []byte) ([]byte, error) {
		calls++
		return json.RawMessage(`{"ok":true}`), nil
	})
	reg.Freeze()
	runner := activity.NewRunner(reg, activity.DefaultConfig())
	clk := clock.NewFake(time.Unix(1000, 0))
	ps := memdriver.New()

	wf := &wfmodel.Workflow{WorkflowID: "wf-op", Name: "op_wf", RayID: "ray1", Input: json.RawMessage(`{}`)}

	opWorkflow := func(ctx context.Context, input []byte) ([]byte, error) {
		return Operation(ctx, "lookup", input, time.Second)
	}

	outcome, events, _, err := Drive(ctx, st, runner, clk, ps, reg, opWorkflow, wf, nil, "worker-1")
	if err != nil || !outcome.Completed {
		t.Fatalf("drive: %v %+v", err, outcome)
	}
	if len(events) != 0 {
		t.Fatalf("expected no history events from an Operation call, got %+v", events)
	}
	if calls != 1 {
		t.Fatalf("expected handler invoked once, got %d", calls)
	}

	// Driving the same workflow again against the SAME (empty) history
	// re-invokes the handler: Operation is explicitly non-durable and
	// never memoized against replay the way Activity is.
	outcome2, _, _, err := Drive(ctx, st, runner, clk, ps, reg, opWorkflow, wf, nil, "worker-1")
	if err != nil || !outcome2.Completed {
		t.Fatalf("drive2: %v %+v", err, outcome2)
	}
	if calls != 2 {
		t.Fatalf("expected handler invoked again on the second drive, got %d", calls)
	}
}

func TestDriveDetectsNameMismatchOnReplay(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	reg := registry.New()
	reg.RegisterActivity("echo", echoActivity)
	reg.RegisterActivity("other", echoActivity)
	reg.Freeze()
	runner := activity.NewRunner(reg, activity.DefaultConfig())
	clk := clock.NewFake(time.Unix(1000, 0))
	ps := memdriver.New()

	wf := &wfmodel.Workflow{WorkflowID: "wf2", Name: "two_step", RayID: "ray2", Input: json.RawMessage(`{}`)}

	hash, _ := activity.HashInput(json.RawMessage(`{}`))
	staleHistory := []history.Event{{
		Location: history.Location{0}, Seq: 1, Type: history.EventActivity,
		ActivityName: "other", InputHash: hash, Output: json.RawMessage(`{}`),
	}}

	changedWorkflow := func(ctx context.Context, input []byte) ([]byte, error) {
		_, err := Activity(ctx, "echo", input)
		return nil, err
	}

	outcome, _, _, err := Drive(ctx, st, runner, clk, ps, reg, changedWorkflow, wf, staleHistory, "worker-1")
	if err != nil {
		t.Fatalf("drive: %v", err)
	}
	if outcome.Nondeterminism == nil {
		t.Fatalf("expected a nondeterminism error, got %+v", outcome)
	}
	if outcome.Nondeterminism.Kind != "NameMismatch" {
		t.Fatalf("expected NameMismatch, got %s", outcome.Nondeterminism.Kind)
	}
}
