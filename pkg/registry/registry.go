// Package registry is the frozen name → handler map (component C8) that
// the worker's drive loop (workflow handlers) and the activity runner
// (activity handlers) look handlers up in. It generalizes the
// teacher's internal/engine/registry.go map[string]SinkFactory /
// map[string]SourceFactory pattern: a plain Go map built up by
// Register* calls at startup, then frozen so no handler can change
// identity while workflows are in flight.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/coilrun/gasoline/pkg/wferrors"
)

// WorkflowHandler is the uniform signature every workflow body takes:
// (ctx, input bytes) -> (output bytes, error). The workflow context
// itself is threaded through ctx by the worker, not part of this
// signature, keeping Register calls untyped at the registry boundary;
// typed wrappers live in pkg/wfctx.
type WorkflowHandler func(ctx context.Context, input []byte) ([]byte, error)

// ActivityHandler is the equivalent uniform signature for activities.
type ActivityHandler func(ctx context.Context, input []byte) ([]byte, error)

// SignalSchema documents a signal name's expected payload shape. The
// registry does not validate against it (no JSON schema library is
// exercised anywhere else in the corpus); it exists so tooling can
// report something more useful than a bare name. Nothing in this module
// reads it besides Signals; gasolinectl reads signals from the store.
type SignalSchema struct {
	Name        string
	Description string
}

// Registry holds every registered name across the three kinds
// (workflows, activities, signals). It is safe to call Register*
// concurrently during startup; after Freeze, registration panics and
// lookups only take the read lock.
type Registry struct {
	mu         sync.RWMutex
	workflows  map[string]WorkflowHandler
	activities map[string]ActivityHandler
	signals    map[string]SignalSchema
	frozen     bool
}

// New returns an empty, unfrozen Registry.
func New() *Registry {
	return &Registry{
		workflows:  make(map[string]WorkflowHandler),
		activities: make(map[string]ActivityHandler),
		signals:    make(map[string]SignalSchema),
	}
}

func (r *Registry) mustNotBeFrozen(what string) {
	if r.frozen {
		panic(fmt.Sprintf("registry: cannot register %s after Freeze", what))
	}
}

// RegisterWorkflow adds a workflow handler under name. Re-registering an
// existing name before Freeze overwrites it; doing so is a programming
// error the caller controls entirely, not a runtime condition.
func (r *Registry) RegisterWorkflow(name string, h WorkflowHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mustNotBeFrozen("workflow " + name)
	r.workflows[name] = h
}

func (r *Registry) RegisterActivity(name string, h ActivityHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mustNotBeFrozen("activity " + name)
	r.activities[name] = h
}

func (r *Registry) RegisterSignal(schema SignalSchema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mustNotBeFrozen("signal " + schema.Name)
	r.signals[schema.Name] = schema
}

// Freeze stops further registration. Called once by the host process at
// startup, mirroring the teacher's one-time registry construction in
// cmd/hermod/main.go.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Workflow looks up a workflow handler, returning
// wferrors.NewNondeterminism(UnknownName, ...) if absent — a workflow
// whose handler vanished between dispatch and drive (a deploy rolled
// back, a name was renamed) cannot safely resume and must pause for an
// operator rather than silently no-op.
func (r *Registry) Workflow(name string) (WorkflowHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.workflows[name]
	if !ok {
		return nil, wferrors.NewNondeterminism(wferrors.UnknownName, "", "unknown workflow: "+name)
	}
	return h, nil
}

func (r *Registry) Activity(name string) (ActivityHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.activities[name]
	if !ok {
		return nil, wferrors.NewNondeterminism(wferrors.UnknownName, "", "unknown activity: "+name)
	}
	return h, nil
}

func (r *Registry) WorkflowNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.workflows))
	for n := range r.workflows {
		out = append(out, n)
	}
	return out
}

func (r *Registry) Signals() []SignalSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SignalSchema, 0, len(r.signals))
	for _, s := range r.signals {
		out = append(out, s)
	}
	return out
}
