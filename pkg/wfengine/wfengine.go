// Package wfengine wires the durable workflow engine's components
// (store, registry, activity runner, worker, GC sweeper) into one
// runnable unit, mirroring how the teacher's cmd/hermod/main.go
// constructs a registry and worker from config once at startup. It also
// hosts the integration-style tests exercising spec §8's scenarios end
// to end against the in-memory store.
package wfengine

import (
	"context"

	"github.com/coilrun/gasoline"
	"github.com/coilrun/gasoline/pkg/activity"
	"github.com/coilrun/gasoline/pkg/clock"
	"github.com/coilrun/gasoline/pkg/gc"
	"github.com/coilrun/gasoline/pkg/pubsub"
	"github.com/coilrun/gasoline/pkg/registry"
	"github.com/coilrun/gasoline/pkg/store"
	"github.com/coilrun/gasoline/pkg/worker"
)

// Engine bundles the pieces a worker process needs to run, constructed
// once from a store driver, a frozen registry, and configuration.
type Engine struct {
	Store    store.DurableStore
	Registry *registry.Registry
	Runner   *activity.Runner
	Clock    clock.Clock
	PubSub   pubsub.Driver
	Worker   *worker.Worker
	GC       *gc.Sweeper
}

// Config bundles the sub-component configs. Zero value is valid: the
// worker and GC apply their own defaults, while a zero activity.Config
// is used as given (no retries, no timeout).
type Config struct {
	Worker worker.Config
	GC     gc.Config
	Activity activity.Config
}

// New builds an Engine from an already-initialized store and a frozen
// registry. The caller owns the store and pubsub driver's lifecycle
// (Close them after Run returns).
func New(st store.DurableStore, reg *registry.Registry, clk clock.Clock, ps pubsub.Driver, log gasoline.Logger, cfg Config) *Engine {
	runner := activity.NewRunner(reg, cfg.Activity)
	w := worker.New(st, reg, runner, clk, ps, log, cfg.Worker)
	sweeper := gc.New(st, clk, log, cfg.GC)
	return &Engine{Store: st, Registry: reg, Runner: runner, Clock: clk, PubSub: ps, Worker: w, GC: sweeper}
}

// Run starts the worker loop and GC sweeper concurrently and blocks
// until ctx is canceled and both have returned.
func (e *Engine) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() { errCh <- e.Worker.Run(ctx) }()
	go func() { errCh <- e.GC.Start(ctx) }()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && err != context.Canceled && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
