// Package store defines the durable store contract (component C1): the
// single transactional boundary every workflow, history, signal, and
// worker-lease operation passes through. Two drivers implement it:
// sqlstore (database/sql, sqlite/postgres) and kvstore (etcd).
package store

import (
	"context"

	"github.com/coilrun/gasoline/pkg/history"
	"github.com/coilrun/gasoline/pkg/wfmodel"
)

// WakeUpdate describes the new wake condition to persist alongside a
// batch of committed events, or a completion. At most one of these
// fields should be set; all-zero means "no wake condition" (the
// workflow is not pulled until something external sets one, e.g.
// WakeWorkflow or GC failover; publishing a signal alone does not).
type WakeUpdate struct {
	Immediate     bool
	DeadlineTs    *int64
	Signals       []string
	SubWorkflowID *string
}

// WorkflowAndHistory is what pull_workflows and get_workflow/get_history
// return together: a worker driving a workflow always needs both.
type WorkflowAndHistory struct {
	Workflow *wfmodel.Workflow
	History  []history.Event
}

// PullWorkflowsOptions parameterizes pull_workflows (spec §4.1).
type PullWorkflowsOptions struct {
	WorkerInstanceID string
	Names            []string
	Limit            int
}

// WorkflowFilter parameterizes the read-only `workflow list` CLI query.
// All fields are optional; zero value lists everything.
type WorkflowFilter struct {
	Name  string
	Tags  wfmodel.Tags
	State string // "", "running", "dead", "complete"
	Limit int
}

// SignalFilter parameterizes the read-only `signal list` CLI query.
// State, if set, must match a wfmodel.SignalState value exactly
// ("Pending", "Acked", "Silenced").
type SignalFilter struct {
	Name  string
	State string
	Limit int
}

// DurableStore is the full C1 contract. Every method is transactional:
// either the whole effect lands or none of it does.
type DurableStore interface {
	// Init prepares schema/collections; safe to call repeatedly.
	Init(ctx context.Context) error

	// DispatchWorkflow inserts a new workflow row with the given initial
	// wake condition (normally WakeUpdate{Immediate: true}), the effect
	// of workflow.dispatch(input, tags).
	DispatchWorkflow(ctx context.Context, wf wfmodel.Workflow) error

	// PullWorkflows selects up to Limit due workflows (unowned, not
	// complete, at least one wake condition holds) ordered
	// wake_immediate first, then earliest deadline, then oldest
	// create_ts, ties broken by workflow_id, and atomically assigns
	// them to WorkerInstanceID.
	PullWorkflows(ctx context.Context, opts PullWorkflowsOptions) ([]WorkflowAndHistory, error)

	GetWorkflow(ctx context.Context, workflowID string) (*wfmodel.Workflow, error)
	GetHistory(ctx context.Context, workflowID string) ([]history.Event, error)

	// ListWorkflows is a read-only query for CLI/introspection use; unlike
	// PullWorkflows it never assigns ownership.
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]wfmodel.Workflow, error)
	ListSignals(ctx context.Context, filter SignalFilter) ([]wfmodel.Signal, error)

	// CommitEvents appends newEvents in strict location order, optionally
	// replaces the stored state document, and sets wakeUpdate as the new
	// wake condition. Fails with wferrors.ErrLeaseLost if the calling
	// worker no longer holds the lease.
	CommitEvents(ctx context.Context, workerInstanceID, workflowID string, newEvents []history.Event, newState []byte, wakeUpdate WakeUpdate) error

	// CompleteWorkflow clears wake fields, sets output or error, and
	// releases the lease. Idempotent when called again with an
	// identical output.
	CompleteWorkflow(ctx context.Context, workerInstanceID, workflowID string, output []byte, errMsg string) error

	PublishSignal(ctx context.Context, signal wfmodel.Signal) error

	// PullNextSignal transactionally consumes one pending signal destined
	// for workflowID whose name is in names and whose tags the workflow's
	// tags subsume. If called during replay at a location that already
	// has a stored Signal event, that event's payload is returned instead
	// and no new signal is consumed.
	PullNextSignal(ctx context.Context, workflowID string, names []string, loc history.Location, version int) (*wfmodel.Signal, error)

	SilenceSignal(ctx context.Context, signalID string) error
	SilenceWorkflow(ctx context.Context, workflowID string) error
	WakeWorkflow(ctx context.Context, workflowID string) error

	RegisterWorkerPing(ctx context.Context, workerInstanceID string, ts int64, cpu, mem float64) error

	// FailoverDeadWorkers clears the holder of every workflow owned by a
	// worker whose last ping predates now-threshold and sets
	// wake_immediate, skipping workflows that are complete or silenced.
	// Returns the number of workflows failed over.
	FailoverDeadWorkers(ctx context.Context, nowMs, thresholdMs int64) (int, error)

	// WakePastDeadlines flips wake_immediate for every workflow whose
	// wake_deadline_ts has passed, for drivers with no native TTL wake.
	WakePastDeadlines(ctx context.Context, nowMs int64) (int, error)
}
