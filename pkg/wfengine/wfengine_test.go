package wfengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/coilrun/gasoline/pkg/activity"
	"github.com/coilrun/gasoline/pkg/clock"
	"github.com/coilrun/gasoline/pkg/gc"
	"github.com/coilrun/gasoline/pkg/history"
	"github.com/coilrun/gasoline/pkg/pubsub/memdriver"
	"github.com/coilrun/gasoline/pkg/registry"
	"github.com/coilrun/gasoline/pkg/store"
	"github.com/coilrun/gasoline/pkg/store/sqlstore"
	"github.com/coilrun/gasoline/pkg/wfctx"
	"github.com/coilrun/gasoline/pkg/wfmodel"
	"github.com/coilrun/gasoline/pkg/worker"
)

// newTestStore gives each test its own in-memory sqlite database, the
// same pattern pkg/worker and pkg/wfctx use.
func newTestStore(t *testing.T, name string) *sqlstore.Store {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+name+"?mode=memory&cache=shared&_pragma=busy_timeout(5000)")
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

// --- scenario 1: two activities, crash between them never re-runs the first ---

var doubleCallCount int
var doubleCallMu sync.Mutex

func doubleActivity(_ context.Context, input []byte) ([]byte, error) {
	doubleCallMu.Lock()
	doubleCallCount++
	doubleCallMu.Unlock()
	var v map[string]int
	json.Unmarshal(input, &v)
	return json.Marshal(map[string]int{"result": v["x"] * 2})
}

func twoActivityWorkflow(ctx context.Context, input []byte) ([]byte, error) {
	a, err := wfctx.Activity(ctx, "double", input)
	if err != nil {
		return nil, err
	}
	var av map[string]int
	json.Unmarshal(a, &av)
	next, _ := json.Marshal(map[string]int{"x": av["result"]})
	b, err := wfctx.Activity(ctx, "double", next)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func TestScenarioCrashBetweenActivitiesDoesNotReplayFirst(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t, "scenario1")
	reg := registry.New()
	reg.RegisterWorkflow("two_activity", twoActivityWorkflow)
	reg.RegisterActivity("double", doubleActivity)
	reg.Freeze()
	runner := activity.NewRunner(reg, activity.DefaultConfig())
	clk := clock.NewFake(time.Unix(1000, 0))
	ps := memdriver.New()

	doubleCallCount = 0

	if err := st.DispatchWorkflow(ctx, wfmodel.Workflow{
		WorkflowID: "wf1", Name: "two_activity", RayID: "ray1",
		Input: json.RawMessage(`{"x":5}`), WakeImmediate: true,
	}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	pulled, err := st.PullWorkflows(ctx, store.PullWorkflowsOptions{WorkerInstanceID: "worker-1", Names: []string{"two_activity"}, Limit: 10})
	if err != nil || len(pulled) != 1 {
		t.Fatalf("pull: %v %+v", err, pulled)
	}

	// Simulate a crash immediately after the first activity commits but
	// before the body returns, by recovering wfctx's own panic-based
	// suspension machinery one level up: we just call Drive, which runs
	// the whole body in one goroutine, and rely on the first activity's
	// commitNow() having already durably recorded itself regardless of
	// what happens next. To actually exercise the "process died right
	// there" case we invoke Drive with a registry whose second activity
	// handler panics, recover that panic at the test level (standing in
	// for a crashed process), and then redrive from persisted history.
	crashingReg := registry.New()
	crashingReg.RegisterWorkflow("two_activity", twoActivityWorkflow)
	crashingReg.RegisterActivity("double", func(ctx context.Context, input []byte) ([]byte, error) {
		doubleCallMu.Lock()
		doubleCallCount++
		doubleCallMu.Unlock()
		var v map[string]int
		json.Unmarshal(input, &v)
		if v["x"] == 10 {
			panic("simulated crash after first activity committed")
		}
		return json.Marshal(map[string]int{"result": v["x"] * 2})
	})
	crashingReg.Freeze()
	crashingRunner := activity.NewRunner(crashingReg, activity.DefaultConfig())

	func() {
		defer func() { recover() }()
		wfctx.Drive(ctx, st, crashingRunner, clk, ps, crashingReg, twoActivityWorkflow, pulled[0].Workflow, pulled[0].History, "worker-1")
	}()

	if doubleCallCount != 1 {
		t.Fatalf("expected exactly one activity invocation before the simulated crash, got %d", doubleCallCount)
	}

	hist, err := st.GetHistory(ctx, "wf1")
	if err != nil || len(hist) != 1 {
		t.Fatalf("expected one durably committed activity event surviving the crash, got %+v (%v)", hist, err)
	}

	wf, err := st.GetWorkflow(ctx, "wf1")
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}

	// Resume on a fresh drive with the real (non-crashing) activity: the
	// first activity must not run again.
	outcome, events, newState, err := wfctx.Drive(ctx, st, runner, clk, ps, reg, twoActivityWorkflow, wf, hist, "worker-1")
	if err != nil {
		t.Fatalf("resume drive: %v", err)
	}
	if !outcome.Completed {
		t.Fatalf("expected completion, got %+v", outcome)
	}
	if err := st.CommitEvents(ctx, "worker-1", "wf1", events, newState, store.WakeUpdate{}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := st.CompleteWorkflow(ctx, "worker-1", "wf1", outcome.Output, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if doubleCallCount != 2 {
		t.Fatalf("expected exactly 2 total activity invocations (x=5 once, x=10 once), got %d", doubleCallCount)
	}
	var result map[string]int
	json.Unmarshal(outcome.Output, &result)
	if result["result"] != 20 {
		t.Fatalf("expected 5*2*2=20, got %+v", result)
	}
}

// --- scenario 2: signal resume ---

func joinSignalWorkflow(ctx context.Context, input []byte) ([]byte, error) {
	_, payload, err := wfctx.ListenAny(ctx, []string{"Join"})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func TestScenarioSignalResume(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t, "scenario2")
	reg := registry.New()
	reg.RegisterWorkflow("join", joinSignalWorkflow)
	reg.Freeze()
	runner := activity.NewRunner(reg, activity.DefaultConfig())
	clk := clock.NewFake(time.Unix(1000, 0))
	ps := memdriver.New()

	if err := st.DispatchWorkflow(ctx, wfmodel.Workflow{
		WorkflowID: "wf2", Name: "join", RayID: "ray1",
		Input: json.RawMessage(`{}`), Tags: wfmodel.Tags{"room": "a"}, WakeImmediate: true,
	}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	w := worker.New(st, reg, runner, clk, ps, nil, worker.Config{WorkerInstanceID: "worker-1", Names: []string{"join"}, PullLimit: 10})
	w.PollOnce(ctx)

	wf, err := st.GetWorkflow(ctx, "wf2")
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if wf.Output != nil {
		t.Fatalf("expected suspension before the signal arrives, got output %s", wf.Output)
	}
	if len(wf.WakeSignals) != 1 || wf.WakeSignals[0] != "Join" {
		t.Fatalf("expected wake on Join signal, got %+v", wf.WakeSignals)
	}

	if err := st.PublishSignal(ctx, wfmodel.Signal{
		SignalID: "sig1", Name: "Join", Payload: json.RawMessage(`{"who":"ada"}`),
		Tags: wfmodel.Tags{"room": "a"}, CreateTs: clk.NowMs(), State: wfmodel.SignalPending,
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if err := st.WakeWorkflow(ctx, "wf2"); err != nil {
		t.Fatalf("wake: %v", err)
	}
	w.PollOnce(ctx)

	wf2, err := st.GetWorkflow(ctx, "wf2")
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if wf2.Output == nil {
		t.Fatalf("expected completion after signal, got %+v", wf2)
	}
	var out map[string]string
	json.Unmarshal(wf2.Output, &out)
	if out["who"] != "ada" {
		t.Fatalf("unexpected output: %+v", out)
	}

	hist, err := st.GetHistory(ctx, "wf2")
	if err != nil || len(hist) != 1 || hist[0].Type != history.EventSignal {
		t.Fatalf("expected one Signal event in history, got %+v (%v)", hist, err)
	}
}

// --- scenario 3: sleep survives restart, deadline is absolute ---

func sleepWorkflow(ctx context.Context, input []byte) ([]byte, error) {
	wfctx.Sleep(ctx, 10*time.Second)
	return json.Marshal(map[string]int64{"woke_at": wfctx.Now(ctx).UnixMilli()})
}

func TestScenarioSleepDeadlineIsAbsoluteAcrossRestart(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t, "scenario3")
	reg := registry.New()
	reg.RegisterWorkflow("sleeper", sleepWorkflow)
	reg.Freeze()
	runner := activity.NewRunner(reg, activity.DefaultConfig())
	start := time.Unix(1000, 0)
	clk := clock.NewFake(start)
	ps := memdriver.New()

	if err := st.DispatchWorkflow(ctx, wfmodel.Workflow{
		WorkflowID: "wf3", Name: "sleeper", RayID: "ray1",
		Input: json.RawMessage(`{}`), WakeImmediate: true,
	}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	w := worker.New(st, reg, runner, clk, ps, nil, worker.Config{WorkerInstanceID: "worker-1", Names: []string{"sleeper"}, PullLimit: 10})
	w.PollOnce(ctx)

	wf, err := st.GetWorkflow(ctx, "wf3")
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if wf.WakeDeadlineTs == nil {
		t.Fatalf("expected an absolute wake deadline, got %+v", wf)
	}
	wantDeadline := start.Add(10 * time.Second).UnixMilli()
	if *wf.WakeDeadlineTs != wantDeadline {
		t.Fatalf("expected deadline %d, got %d", wantDeadline, *wf.WakeDeadlineTs)
	}

	// Advance only 1s, simulating a restart partway through the sleep:
	// the deadline must not shift relative to the restart time.
	clk.Advance(1 * time.Second)
	if _, err := st.WakePastDeadlines(ctx, clk.NowMs()); err != nil {
		t.Fatalf("wake past deadlines: %v", err)
	}
	w.PollOnce(ctx)

	wfStill, err := st.GetWorkflow(ctx, "wf3")
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if wfStill.Output != nil {
		t.Fatalf("expected the workflow still asleep at t+1s, got output %s", wfStill.Output)
	}

	// Advance the rest of the way to t+10s: now it must wake and complete
	// at the original deadline, not t+11s.
	clk.Advance(9 * time.Second)
	if _, err := st.WakePastDeadlines(ctx, clk.NowMs()); err != nil {
		t.Fatalf("wake past deadlines: %v", err)
	}
	w.PollOnce(ctx)

	wfDone, err := st.GetWorkflow(ctx, "wf3")
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if wfDone.Output == nil {
		t.Fatalf("expected completion at t+10s, got %+v", wfDone)
	}
	var out map[string]int64
	json.Unmarshal(wfDone.Output, &out)
	if out["woke_at"] != wantDeadline {
		t.Fatalf("expected woke_at == original deadline %d, got %d", wantDeadline, out["woke_at"])
	}
}

// --- scenario 4: sub-workflow output without double dispatch ---

func subChildWorkflow(ctx context.Context, input []byte) ([]byte, error) {
	return json.Marshal(map[string]int{"value": 7})
}

func subParentWorkflow(ctx context.Context, input []byte) ([]byte, error) {
	childID, err := wfctx.SubWorkflowDispatch(ctx, "sub_child", input, nil)
	if err != nil {
		return nil, err
	}
	out, err := wfctx.SubWorkflowOutput(ctx, childID)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func TestScenarioSubWorkflowOutputNoDoubleDispatch(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t, "scenario4")
	reg := registry.New()
	reg.RegisterWorkflow("sub_parent", subParentWorkflow)
	reg.RegisterWorkflow("sub_child", subChildWorkflow)
	reg.Freeze()
	runner := activity.NewRunner(reg, activity.DefaultConfig())
	clk := clock.NewFake(time.Unix(1000, 0))
	ps := memdriver.New()

	if err := st.DispatchWorkflow(ctx, wfmodel.Workflow{
		WorkflowID: "parent4", Name: "sub_parent", RayID: "ray1",
		Input: json.RawMessage(`{}`), WakeImmediate: true,
	}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	w := worker.New(st, reg, runner, clk, ps, nil, worker.Config{WorkerInstanceID: "worker-1", Names: []string{"sub_parent", "sub_child"}, PullLimit: 10})
	w.PollOnce(ctx)

	children, err := st.ListWorkflows(ctx, store.WorkflowFilter{Name: "sub_child"})
	if err != nil || len(children) != 1 {
		t.Fatalf("expected exactly one dispatched child, got %v (%v)", children, err)
	}

	// The worker process naturally re-polls the still-suspended parent on
	// every cycle since it holds wake_sub_workflow_id; once the child
	// completes in the same poll cycle it resumes and finishes.
	w.PollOnce(ctx)
	w.PollOnce(ctx)

	parent, err := st.GetWorkflow(ctx, "parent4")
	if err != nil {
		t.Fatalf("get parent: %v", err)
	}
	if parent.Output == nil {
		t.Fatalf("expected parent completion, got %+v", parent)
	}
	var out map[string]int
	json.Unmarshal(parent.Output, &out)
	if out["value"] != 7 {
		t.Fatalf("unexpected output: %+v", out)
	}

	childrenAfter, err := st.ListWorkflows(ctx, store.WorkflowFilter{Name: "sub_child"})
	if err != nil || len(childrenAfter) != 1 {
		t.Fatalf("expected still exactly one child after resume, got %v (%v)", childrenAfter, err)
	}
}

// --- scenario 5: lease failover, no duplicate activity execution ---

var failoverCallCount int
var failoverCallMu sync.Mutex

func failoverFirstActivity(_ context.Context, input []byte) ([]byte, error) {
	failoverCallMu.Lock()
	failoverCallCount++
	failoverCallMu.Unlock()
	return json.Marshal(map[string]string{"step": "one"})
}

func failoverSecondActivity(_ context.Context, input []byte) ([]byte, error) {
	return json.Marshal(map[string]string{"step": "two"})
}

func failoverWorkflow(ctx context.Context, input []byte) ([]byte, error) {
	if _, err := wfctx.Activity(ctx, "first", input); err != nil {
		return nil, err
	}
	out, err := wfctx.Activity(ctx, "second", input)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func TestScenarioLeaseFailoverNoDuplicateActivity(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t, "scenario5")
	reg := registry.New()
	reg.RegisterWorkflow("failover", failoverWorkflow)
	reg.RegisterActivity("first", failoverFirstActivity)
	reg.RegisterActivity("second", failoverSecondActivity)
	reg.Freeze()
	runner := activity.NewRunner(reg, activity.DefaultConfig())
	clk := clock.NewFake(time.Unix(1000, 0))
	ps := memdriver.New()

	failoverCallCount = 0

	if err := st.DispatchWorkflow(ctx, wfmodel.Workflow{
		WorkflowID: "wf5", Name: "failover", RayID: "ray1",
		Input: json.RawMessage(`{}`), WakeImmediate: true,
	}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	// Worker A leases the workflow, drives it just past the first
	// activity. The second activity's handler is swapped out for one
	// that panics, standing in for worker A dying mid-drive right after
	// the first activity's commitNow has already landed.
	crashingReg := registry.New()
	crashingReg.RegisterWorkflow("failover", failoverWorkflow)
	crashingReg.RegisterActivity("first", failoverFirstActivity)
	crashingReg.RegisterActivity("second", func(context.Context, []byte) ([]byte, error) {
		panic("worker A dies here")
	})
	crashingReg.Freeze()
	crashingRunner := activity.NewRunner(crashingReg, activity.DefaultConfig())

	pulled, err := st.PullWorkflows(ctx, store.PullWorkflowsOptions{WorkerInstanceID: "worker-A", Names: []string{"failover"}, Limit: 10})
	if err != nil || len(pulled) != 1 {
		t.Fatalf("pull: %v %+v", err, pulled)
	}
	if err := st.RegisterWorkerPing(ctx, "worker-A", clk.NowMs(), 0, 0); err != nil {
		t.Fatalf("ping: %v", err)
	}

	func() {
		defer func() { recover() }()
		wfctx.Drive(ctx, st, crashingRunner, clk, ps, crashingReg, failoverWorkflow, pulled[0].Workflow, pulled[0].History, "worker-A")
	}()

	if failoverCallCount != 1 {
		t.Fatalf("expected the first activity to run exactly once before the simulated crash, got %d", failoverCallCount)
	}

	// Worker A never pings again. After LOST_THRESHOLD, GC reclaims the
	// lease and marks the workflow due again.
	clk.Advance(31 * time.Second)
	sweeper := gc.New(st, clk, nil, gc.Config{Interval: time.Second, LostThreshold: 30 * time.Second})
	sweeper.Sweep(ctx)

	reclaimed, err := st.GetWorkflow(ctx, "wf5")
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if reclaimed.WorkerInstanceID != nil {
		t.Fatalf("expected lease cleared by GC, got %+v", reclaimed.WorkerInstanceID)
	}
	if !reclaimed.WakeImmediate {
		t.Fatalf("expected wake_immediate set by GC failover, got %+v", reclaimed)
	}

	// Worker B picks it up, replays the one committed activity without
	// re-running it, runs the second, completes.
	w := worker.New(st, reg, runner, clk, ps, nil, worker.Config{WorkerInstanceID: "worker-B", Names: []string{"failover"}, PullLimit: 10})
	w.PollOnce(ctx)

	done, err := st.GetWorkflow(ctx, "wf5")
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if done.Output == nil {
		t.Fatalf("expected completion after failover, got %+v", done)
	}
	if failoverCallCount != 1 {
		t.Fatalf("expected the first activity to have run exactly once overall, got %d", failoverCallCount)
	}
	var out map[string]string
	json.Unmarshal(done.Output, &out)
	if out["step"] != "two" {
		t.Fatalf("unexpected output: %+v", out)
	}
}

// --- scenario 6: nondeterminism detection pauses without retry ---

func nondeterministicWorkflow(ctx context.Context, input []byte) ([]byte, error) {
	_, err := wfctx.Activity(ctx, "renamed", input)
	return nil, err
}

func TestScenarioNondeterminismPausesWithoutRetry(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t, "scenario6")
	reg := registry.New()
	reg.RegisterWorkflow("drifted", nondeterministicWorkflow)
	reg.RegisterActivity("renamed", func(_ context.Context, input []byte) ([]byte, error) {
		return json.Marshal(map[string]bool{"ok": true})
	})
	reg.Freeze()
	runner := activity.NewRunner(reg, activity.DefaultConfig())
	clk := clock.NewFake(time.Unix(1000, 0))
	ps := memdriver.New()

	if err := st.DispatchWorkflow(ctx, wfmodel.Workflow{
		WorkflowID: "wf6", Name: "drifted", RayID: "ray1",
		Input: json.RawMessage(`{}`), WakeImmediate: true,
	}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	hash, err := activity.HashInput(json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	staleHistory := []history.Event{{
		Location: history.Location{0}, Seq: 1, Type: history.EventActivity,
		ActivityName: "original_name", InputHash: hash, Output: json.RawMessage(`{"ok":true}`),
	}}
	wf := &wfmodel.Workflow{WorkflowID: "wf6", Name: "drifted", RayID: "ray1", Input: json.RawMessage(`{}`)}

	outcome, _, _, err := wfctx.Drive(ctx, st, runner, clk, ps, reg, nondeterministicWorkflow, wf, staleHistory, "worker-1")
	if err != nil {
		t.Fatalf("drive: %v", err)
	}
	if outcome.Nondeterminism == nil || outcome.Nondeterminism.Kind != "NameMismatch" {
		t.Fatalf("expected NameMismatch nondeterminism, got %+v", outcome)
	}

	if err := st.SilenceWorkflow(ctx, "wf6"); err != nil {
		t.Fatalf("silence: %v", err)
	}

	silenced, err := st.GetWorkflow(ctx, "wf6")
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if silenced.SilenceTs == nil {
		t.Fatalf("expected the workflow silenced for operator intervention, not retried, got %+v", silenced)
	}
}
