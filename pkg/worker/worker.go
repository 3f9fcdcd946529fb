// Package worker implements the Worker Instance state machine (component
// C6): register, ping, poll, drive, commit/complete/abandon, graceful
// shutdown. Grounded on the teacher's internal/engine.Worker: the same
// ticker-driven Start(ctx) loop with an initial synchronous sync before
// the ticker starts, generalized from "reconcile connector state from
// storage" to "pull and drive due workflows." On shutdown it drains
// in-flight drives and leaves leases for GC failover to clear.
package worker

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coilrun/gasoline"
	"github.com/coilrun/gasoline/pkg/activity"
	"github.com/coilrun/gasoline/pkg/clock"
	"github.com/coilrun/gasoline/pkg/pubsub"
	"github.com/coilrun/gasoline/pkg/registry"
	"github.com/coilrun/gasoline/pkg/store"
	"github.com/coilrun/gasoline/pkg/wferrors"
	"github.com/coilrun/gasoline/pkg/wfctx"
)

// Config tunes one worker instance's poll/ping cadence, mirroring the
// teacher's SetSyncInterval/SetLeaseTTL knobs.
type Config struct {
	WorkerInstanceID string
	Names            []string
	PollInterval     time.Duration
	PingInterval     time.Duration
	PullLimit        int
	DrainTimeout     time.Duration
}

// DefaultConfig assigns a random instance ID and the spec's stated
// cadences (ping well under the 30s LOST_THRESHOLD).
func DefaultConfig(names []string) Config {
	return Config{
		WorkerInstanceID: uuid.NewString(),
		Names:            names,
		PollInterval:     time.Second,
		PingInterval:     5 * time.Second,
		PullLimit:        10,
		DrainTimeout:     10 * time.Second,
	}
}

// Worker is one running worker process: it polls the store for due
// workflows, drives each via pkg/wfctx, and commits the outcome.
type Worker struct {
	st     store.DurableStore
	reg    *registry.Registry
	runner *activity.Runner
	clk    clock.Clock
	ps     pubsub.Driver
	log    gasoline.Logger
	cfg    Config

	wg sync.WaitGroup
}

// New builds a Worker. log may be nil, in which case gasoline.NopLogger is used.
func New(st store.DurableStore, reg *registry.Registry, runner *activity.Runner, clk clock.Clock, ps pubsub.Driver, log gasoline.Logger, cfg Config) *Worker {
	if log == nil {
		log = gasoline.NopLogger{}
	}
	if cfg.WorkerInstanceID == "" {
		cfg.WorkerInstanceID = uuid.NewString()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 5 * time.Second
	}
	if cfg.PullLimit <= 0 {
		cfg.PullLimit = 10
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	return &Worker{st: st, reg: reg, runner: runner, clk: clk, ps: ps, log: log, cfg: cfg}
}

// Run blocks, polling and driving workflows until ctx is canceled. On
// cancellation it stops polling, waits up to DrainTimeout for in-flight
// drives to finish, and returns — it does NOT attempt to release leases:
// a worker that disappears mid-drive is recovered by GC's failover sweep,
// never by a best-effort release race on the way out.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker starting", "worker_instance_id", w.cfg.WorkerInstanceID, "names", w.cfg.Names)

	pollTicker := time.NewTicker(w.cfg.PollInterval)
	defer pollTicker.Stop()
	pingTicker := time.NewTicker(w.cfg.PingInterval)
	defer pingTicker.Stop()

	w.ping(ctx)
	w.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker stopping, draining in-flight drives", "worker_instance_id", w.cfg.WorkerInstanceID)
			done := make(chan struct{})
			go func() { w.wg.Wait(); close(done) }()
			select {
			case <-done:
			case <-time.After(w.cfg.DrainTimeout):
				w.log.Warn("worker drain timed out", "worker_instance_id", w.cfg.WorkerInstanceID)
			}
			return ctx.Err()
		case <-pingTicker.C:
			w.ping(ctx)
		case <-pollTicker.C:
			w.poll(ctx)
		}
	}
}

func (w *Worker) ping(ctx context.Context) {
	cpuUsage, memUsage := sampleUsage()
	if err := w.st.RegisterWorkerPing(ctx, w.cfg.WorkerInstanceID, w.clk.NowMs(), cpuUsage, memUsage); err != nil {
		w.log.Warn("worker ping failed", "error", err)
	}
}

// sampleUsage is a coarse, dependency-free process load proxy: the
// teacher's own heartbeat falls back to exactly this shape
// (goroutines-per-CPU, heap-alloc-per-baseline) when its gopsutil reading
// fails, and no corpus go.mod actually pins gopsutil as a resolvable
// dependency, so this driver uses the fallback path outright rather than
// reach for a library the corpus itself only reaches for opportunistically.
func sampleUsage() (cpuUsage, memUsage float64) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	memUsage = float64(m.Alloc) / (8 * 1024 * 1024 * 1024)
	numCPU := float64(runtime.NumCPU())
	numGoroutine := float64(runtime.NumGoroutine())
	cpuUsage = numGoroutine / (numCPU * 100.0)
	return cpuUsage, memUsage
}

// PollOnce runs a single poll-and-drive cycle synchronously, blocking
// until every workflow pulled this cycle has finished driving. Intended
// for tests and one-shot tooling; Run uses the unexported poll directly
// since it must not block the ticker loop on slow drives.
func (w *Worker) PollOnce(ctx context.Context) {
	w.poll(ctx)
	w.wg.Wait()
}

func (w *Worker) poll(ctx context.Context) {
	pulled, err := w.st.PullWorkflows(ctx, store.PullWorkflowsOptions{
		WorkerInstanceID: w.cfg.WorkerInstanceID,
		Names:            w.cfg.Names,
		Limit:            w.cfg.PullLimit,
	})
	if err != nil {
		w.log.Error("pull_workflows failed", "error", err)
		return
	}
	for _, wh := range pulled {
		wh := wh
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.drive(ctx, wh)
		}()
	}
}

func (w *Worker) drive(ctx context.Context, wh store.WorkflowAndHistory) {
	wf := wh.Workflow
	handler, err := w.reg.Workflow(wf.Name)
	if err != nil {
		w.log.Error("unknown workflow name, pausing for operator", "workflow_id", wf.WorkflowID, "name", wf.Name)
		_ = w.st.SilenceWorkflow(ctx, wf.WorkflowID)
		return
	}

	outcome, events, newState, err := wfctx.Drive(ctx, w.st, w.runner, w.clk, w.ps, w.reg, handler, wf, wh.History, w.cfg.WorkerInstanceID)
	if err != nil {
		w.log.Error("drive failed", "workflow_id", wf.WorkflowID, "error", err)
		return
	}

	switch {
	case outcome.Nondeterminism != nil:
		w.log.Error("nondeterminism detected, pausing workflow for operator",
			"workflow_id", wf.WorkflowID, "kind", outcome.Nondeterminism.Kind, "location", outcome.Nondeterminism.Location, "detail", outcome.Nondeterminism.Detail)
		if err := w.st.SilenceWorkflow(ctx, wf.WorkflowID); err != nil {
			w.log.Error("failed to silence workflow after nondeterminism", "workflow_id", wf.WorkflowID, "error", err)
		}

	case outcome.Completed:
		errMsg := ""
		if outcome.Err != nil {
			errMsg = outcome.Err.Error()
		}
		if err := w.st.CommitEvents(ctx, w.cfg.WorkerInstanceID, wf.WorkflowID, events, newState, store.WakeUpdate{}); err != nil {
			if err == wferrors.ErrLeaseLost {
				w.log.Warn("lease lost before completion could be recorded, abandoning silently", "workflow_id", wf.WorkflowID)
				return
			}
			w.log.Error("failed to commit final events", "workflow_id", wf.WorkflowID, "error", err)
			return
		}
		if err := w.st.CompleteWorkflow(ctx, w.cfg.WorkerInstanceID, wf.WorkflowID, outcome.Output, errMsg); err != nil {
			if err == wferrors.ErrLeaseLost {
				w.log.Warn("lease lost before completion could be recorded, abandoning silently", "workflow_id", wf.WorkflowID)
				return
			}
			w.log.Error("failed to complete workflow", "workflow_id", wf.WorkflowID, "error", err)
			return
		}
		if w.ps != nil {
			if err := w.ps.Publish(ctx, pubsub.CompletionSubject(wf.WorkflowID), outcome.Output); err != nil {
				w.log.Warn("failed to publish completion", "workflow_id", wf.WorkflowID, "error", err)
			}
		}

	default: // suspended
		if err := w.st.CommitEvents(ctx, w.cfg.WorkerInstanceID, wf.WorkflowID, events, newState, outcome.Wake); err != nil {
			if err == wferrors.ErrLeaseLost {
				w.log.Warn("lease lost mid-drive, abandoning silently", "workflow_id", wf.WorkflowID)
				return
			}
			w.log.Error("failed to commit suspension", "workflow_id", wf.WorkflowID, "error", err)
		}
	}
}
