// Package wfctx implements the Workflow Context (component C3): the
// capability-based API a workflow body drives activities, signals,
// sleeps, sub-workflows, loops, branches, and state through.
//
// Go has no native stackful coroutine the way the original source's
// async/await workflow body does, so a drive cannot simply "return
// control" mid-function the way the source yields a future. This
// package instead runs the workflow body as an ordinary Go function on
// the driving goroutine and unwinds to the caller with panic/recover
// when a suspension point is reached (no history to replay, and the
// real external condition — a signal, a sleep deadline, a sub-workflow
// output — isn't satisfied yet). This mirrors the control-flow shape of
// Go's own encoding/json decoder and text/template, which use the same
// panic-to-a-known-recover-point technique to unwind many call frames
// without threading an error value through every return, and is the
// only idiomatic way to let an arbitrarily structured Go function body
// (loops, branches, helper calls) suspend from anywhere without every
// caller checking a "should I stop now" return value.
package wfctx

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/coilrun/gasoline/pkg/activity"
	"github.com/coilrun/gasoline/pkg/clock"
	"github.com/coilrun/gasoline/pkg/history"
	"github.com/coilrun/gasoline/pkg/pubsub"
	"github.com/coilrun/gasoline/pkg/registry"
	"github.com/coilrun/gasoline/pkg/store"
	"github.com/coilrun/gasoline/pkg/wferrors"
	"github.com/coilrun/gasoline/pkg/wfmodel"
)

// Suspended is panicked to unwind the workflow body back to Drive when a
// step cannot proceed without external input. Drive recovers it and
// returns whatever was accumulated so far along with the wake condition,
// for the caller to commit.
type Suspended struct {
	Wake store.WakeUpdate
}

func (s *Suspended) Error() string { return "workflow suspended" }

// nondeterminismPanic wraps a *wferrors.NondeterminismError so Drive can
// distinguish "body panicked with a real bug" from "replay diverged".
type nondeterminismPanic struct{ err error }

// Properties exposes read-only facts about the current dispatch (spec
// §4.3 "properties").
type Properties struct {
	WorkflowID string
	RayID      string
	Registry   *registry.Registry
}

// Context is passed to the registered workflow handler as the sole means
// of interacting with the durable engine.
type Context struct {
	goCtx context.Context

	store   store.DurableStore
	runner  *activity.Runner
	clock   clock.Clock
	pubsub  pubsub.Driver
	reg     *registry.Registry

	workerInstanceID string
	workflowID       string
	props            Properties

	cursor *history.Cursor
	loc    history.Location // location of the step about to be declared
	seq    int64

	// st is shared (by pointer) with every Context derived via Branch or
	// Loop, so an event batched or a state mutation made through a
	// branch-scoped Context is visible to the top-level Context's
	// finished() at the end of the drive. TryJoin is the one place that
	// deliberately gives each child its own fresh *ctxState, because its
	// children run concurrently and must not race on the same slice.
	st *ctxState

	state map[string]any

	listenUsed map[string]bool // one-shot guard per location string
}

// ctxState holds the drive-accumulated output a Context batches up for
// the end of Drive (pending events not yet durably committed, and the
// state-mutated flag). Held by pointer on Context so it is shared across
// Branch/Loop children without every write needing a parent
// back-reference: a shallow `child := *c` copies the pointer, not the
// struct it points to. TryJoin is the one place that deliberately gives
// each child its own fresh *ctxState, because its children run
// concurrently and must not race on the same slice.
type ctxState struct {
	newEvents  []history.Event
	stateDirty bool
}

// New builds a Context for one drive of workflowID against its existing
// history. seq should be the highest Seq already committed, so newly
// appended events continue the monotonic sequence.
func New(goCtx context.Context, st store.DurableStore, runner *activity.Runner, clk clock.Clock, ps pubsub.Driver, reg *registry.Registry, wf *wfmodel.Workflow, hist []history.Event, workerInstanceID string, startSeq int64) (*Context, error) {
	var state map[string]any
	if len(wf.State) > 0 {
		if err := json.Unmarshal(wf.State, &state); err != nil {
			return nil, err
		}
	} else {
		state = map[string]any{}
	}
	return &Context{
		goCtx:            goCtx,
		store:            st,
		runner:           runner,
		clock:            clk,
		pubsub:           ps,
		reg:              reg,
		workerInstanceID: workerInstanceID,
		workflowID:       wf.WorkflowID,
		props:            Properties{WorkflowID: wf.WorkflowID, RayID: wf.RayID, Registry: reg},
		cursor:           history.NewCursor(hist),
		loc:              history.Location{0},
		seq:              startSeq,
		st:               &ctxState{},
		state:            state,
		listenUsed:       map[string]bool{},
	}, nil
}

// Properties returns the read-only dispatch facts.
func (c *Context) Properties() Properties { return c.props }

// Now returns the injected clock's current time, the replay-safe
// equivalent of wall-clock "now" (spec §4.3 properties.ts).
func (c *Context) Now() time.Time { return time.UnixMilli(c.clock.NowMs()) }

func (c *Context) nextSeq() int64 {
	c.seq++
	return c.seq
}

// currentAndAdvance returns the location for the step about to be
// declared and advances to the next sibling.
func (c *Context) currentAndAdvance() history.Location {
	loc := c.loc
	parent := loc.Parent()
	last := loc[len(loc)-1]
	c.loc = append(append(history.Location{}, parent...), last+1)
	return loc
}

func (c *Context) suspend(wake store.WakeUpdate) {
	panic(&Suspended{Wake: wake})
}

func (c *Context) fail(err *wferrors.NondeterminismError) {
	panic(&nondeterminismPanic{err: err})
}

// driveAbort unwinds a drive in progress when a durable step's commit
// fails, almost always because the worker's lease died mid-function
// (ErrLeaseLost): the drive must stop immediately without recording the
// body's eventual return value as a real completion.
type driveAbort struct{ err error }

// commitNow durably persists ev before returning control to the workflow
// body, the "commit-before-return" contract spec §4.4 states for
// activities and which this engine extends to every step with an
// externally visible side effect (activity execution, signal publish,
// message publish, sub-workflow dispatch) so that a crash between two
// such steps can never replay and repeat the first one.
//
// Before committing ev it flushes any events still sitting in
// c.st.newEvents. Those are steps (a matched ListenAny, an elapsed
// SleepUntil, a completed SubWorkflowOutput) whose own side effect
// already happened and is not repeatable on replay, but which batch
// their history row for the drive's final commit because the step
// itself does not suspend. If the body goes on to call something that
// does commitNow — an Activity, say — before the drive ends, committing
// ev alone would durably record a later location while leaving an
// earlier, already-batched one uncommitted: a gap that MatchGeneric
// reports as a permanent UnexpectedLeftover on the next replay rather
// than an ordinary resume. Flushing the batch in the same transaction as
// ev closes that gap.
func (c *Context) commitNow(ev history.Event) {
	batch := append(c.st.newEvents, ev)
	if err := c.store.CommitEvents(c.goCtx, c.workerInstanceID, c.workflowID, batch, nil, store.WakeUpdate{}); err != nil {
		panic(&driveAbort{err: err})
	}
	c.st.newEvents = nil
}

// Activity runs the named activity durably: on replay it returns the
// stored output if the (name, input-hash) match; otherwise it executes
// the activity via the Runner and appends a fresh Activity event.
func (c *Context) Activity(name string, input []byte) (json.RawMessage, error) {
	loc := c.currentAndAdvance()
	hash, err := activity.HashInput(input)
	if err != nil {
		return nil, err
	}

	ev, ok, err := c.cursor.MatchActivity(loc, name, hash)
	if err != nil {
		c.fail(err.(*wferrors.NondeterminismError))
	}
	if ok {
		if ev.ActivityErr != "" {
			return nil, &wferrors.OperationFailure{Activity: name, Cause: wferrors.NewTransient(errString(ev.ActivityErr))}
		}
		return ev.Output, nil
	}

	result, runErr := c.runner.Run(c.goCtx, name, input)
	newEv := history.Event{
		Location:     loc,
		Seq:          c.nextSeq(),
		Type:         history.EventActivity,
		CreateTs:     c.clock.NowMs(),
		ActivityName: name,
		InputHash:    hash,
	}
	if runErr != nil {
		newEv.ActivityErr = runErr.Error()
		c.commitNow(newEv)
		return nil, runErr
	}
	newEv.Output = result.Output
	c.commitNow(newEv)
	return result.Output, nil
}

// Operation invokes a registered handler as the non-durable sibling of
// Activity (spec §4.4): a stateless request/response call with its own
// per-call timeout and no history row, so it does not consume a
// location and runs fresh — retry ladder and all — on every replay
// rather than being memoized. Use it for a lookup whose result has no
// business surviving a crash; use Activity when the result must.
func (c *Context) Operation(name string, input []byte, timeout time.Duration) (json.RawMessage, error) {
	result, err := c.runner.RunOperation(c.goCtx, name, input, timeout)
	if err != nil {
		return nil, err
	}
	return result.Output, nil
}

type errString string

func (e errString) Error() string { return string(e) }

// ListenAny waits for one of names. On replay it returns the stored
// Signal event's payload. Otherwise it asks the store for a pending
// match; if none is pending it suspends with wake_signals = names. A
// ListenCtx is one-shot per location: calling it twice at the same
// declared step is a usage error the spec calls ListenCtxUsed.
func (c *Context) ListenAny(names []string) (name string, payload json.RawMessage, err error) {
	loc := c.currentAndAdvance()
	key := loc.String()
	if c.listenUsed[key] {
		c.fail(wferrors.NewNondeterminism(wferrors.ListenCtxUsed, key, "listen_any called twice at the same location"))
	}
	c.listenUsed[key] = true

	ev, ok, matchErr := c.cursor.MatchSignal(loc)
	if matchErr != nil {
		c.fail(matchErr.(*wferrors.NondeterminismError))
	}
	if ok {
		return ev.SignalMatchedName, ev.SignalPayload, nil
	}

	sig, err := c.store.PullNextSignal(c.goCtx, c.workflowID, names, loc, 0)
	if err != nil {
		return "", nil, err
	}
	if sig == nil {
		c.suspend(store.WakeUpdate{Signals: names})
	}
	c.st.newEvents = append(c.st.newEvents, history.Event{
		Location:          loc,
		Seq:               c.nextSeq(),
		Type:              history.EventSignal,
		CreateTs:          c.clock.NowMs(),
		SignalNames:       names,
		SignalID:          sig.SignalID,
		SignalMatchedName: sig.Name,
		SignalPayload:     sig.Payload,
	})
	return sig.Name, sig.Payload, nil
}

// SendSignal appends a SignalSend event and publishes the signal in the
// same logical commit.
func (c *Context) SendSignal(name string, tags wfmodel.Tags, payload json.RawMessage) error {
	loc := c.currentAndAdvance()
	if _, ok, err := c.matchOrNil(loc, history.EventSignalSend); err != nil {
		return err
	} else if ok {
		return nil
	}

	sig := wfmodel.Signal{
		SignalID: uuid.NewString(),
		Name:     name,
		Tags:     tags,
		Payload:  payload,
		CreateTs: c.clock.NowMs(),
		State:    wfmodel.SignalPending,
	}
	if err := c.store.PublishSignal(c.goCtx, sig); err != nil {
		return err
	}
	c.commitNow(history.Event{
		Location: loc,
		Seq:      c.nextSeq(),
		Type:     history.EventSignalSend,
		CreateTs: c.clock.NowMs(),
		SendName: name,
		SendTags: tags,
	})
	return nil
}

// SendMessage appends a fire-and-forget MessageSend event, published on
// the pubsub driver for out-of-band subscribers. The engine never
// delivers messages back to a workflow.
func (c *Context) SendMessage(name string, tags wfmodel.Tags, payload json.RawMessage) error {
	loc := c.currentAndAdvance()
	if _, ok, err := c.matchOrNil(loc, history.EventMessageSend); err != nil {
		return err
	} else if ok {
		return nil
	}
	if c.pubsub != nil {
		if err := c.pubsub.Publish(c.goCtx, "gasoline.message."+name, payload); err != nil {
			return err
		}
	}
	c.commitNow(history.Event{
		Location:    loc,
		Seq:         c.nextSeq(),
		Type:        history.EventMessageSend,
		CreateTs:    c.clock.NowMs(),
		MessageName: name,
		MessageTags: tags,
	})
	return nil
}

// SubWorkflowDispatch dispatches a child workflow exactly once per
// declared call site: on first execution it derives the child's
// workflow_id deterministically from this workflow's id and the call
// site's location, so that if the worker crashes after dispatching the
// child but before committing this step's event, the next drive
// recomputes the identical id, finds the child row already exists, and
// does not redispatch it. On replay the stored event's id is returned
// without touching the store at all.
func (c *Context) SubWorkflowDispatch(name string, input []byte, tags wfmodel.Tags) (string, error) {
	loc := c.currentAndAdvance()
	if ev, ok, err := c.matchOrNil(loc, history.EventSubWorkflow); err != nil {
		return "", err
	} else if ok {
		return ev.SubWorkflowID, nil
	}

	childID := uuid.NewSHA1(uuid.NameSpaceOID, []byte(c.workflowID+":"+loc.String())).String()
	existing, err := c.store.GetWorkflow(c.goCtx, childID)
	if err != nil && err != wferrors.ErrNotFound {
		return "", err
	}
	if existing == nil {
		if err := c.store.DispatchWorkflow(c.goCtx, wfmodel.Workflow{
			WorkflowID:    childID,
			Name:          name,
			RayID:         c.props.RayID,
			CreateTs:      c.clock.NowMs(),
			Input:         input,
			Tags:          tags,
			WakeImmediate: true,
		}); err != nil {
			return "", err
		}
	}

	c.commitNow(history.Event{
		Location:        loc,
		Seq:             c.nextSeq(),
		Type:            history.EventSubWorkflow,
		CreateTs:        c.clock.NowMs(),
		SubWorkflowID:   childID,
		SubWorkflowName: name,
	})
	return childID, nil
}

// SubWorkflowOutput waits for a dispatched child workflow to complete.
// If the child has not yet produced an output it suspends with
// wake_sub_workflow_id set, to be re-checked on the next poll — the
// store's due-workflow query always treats a non-nil wake_sub_workflow_id
// as due, so this amounts to polling the child at the worker's normal
// poll cadence rather than a dedicated wake signal.
func (c *Context) SubWorkflowOutput(workflowID string) (json.RawMessage, error) {
	loc := c.currentAndAdvance()
	if ev, ok, err := c.matchOrNil(loc, history.EventSubWorkflow); err != nil {
		return nil, err
	} else if ok {
		if ev.ActivityErr != "" {
			return nil, errString(ev.ActivityErr)
		}
		return ev.Output, nil
	}

	child, err := c.store.GetWorkflow(c.goCtx, workflowID)
	if err != nil {
		return nil, err
	}
	if child.Output == nil && child.Error == "" {
		c.suspend(store.WakeUpdate{SubWorkflowID: &workflowID})
	}

	newEv := history.Event{
		Location:      loc,
		Seq:           c.nextSeq(),
		Type:          history.EventSubWorkflow,
		CreateTs:      c.clock.NowMs(),
		SubWorkflowID: workflowID,
	}
	if child.Error != "" {
		newEv.ActivityErr = child.Error
		c.st.newEvents = append(c.st.newEvents, newEv)
		return nil, errString(child.Error)
	}
	newEv.Output = child.Output
	c.st.newEvents = append(c.st.newEvents, newEv)
	return child.Output, nil
}

// matchOrNil consumes a replay event of typ at loc if present, without
// any payload-equality check (used by event kinds with no caller-
// supplied input to compare against).
func (c *Context) matchOrNil(loc history.Location, typ history.EventType) (*history.Event, bool, error) {
	ev, ok, err := c.cursor.MatchGeneric(loc, typ)
	if err != nil {
		c.fail(err.(*wferrors.NondeterminismError))
	}
	return ev, ok, nil
}

// Sleep suspends until duration has elapsed, surviving worker restarts:
// the deadline is persisted, not the duration.
func (c *Context) Sleep(d time.Duration) {
	c.SleepUntil(c.Now().Add(d))
}

// SleepUntil suspends until the absolute deadline ts.
func (c *Context) SleepUntil(ts time.Time) {
	loc := c.currentAndAdvance()
	deadline := ts.UnixMilli()

	ev, ok, err := c.cursor.MatchGeneric(loc, history.EventSleep)
	if err != nil {
		c.fail(err.(*wferrors.NondeterminismError))
	}
	if ok {
		if ev.SleepState == history.SleepNormal {
			return
		}
		// Interrupted sleep: re-check the deadline stored with the event,
		// not the one recomputed by this drive, and append nothing at loc.
		stored := ev.DeadlineTs
		if c.clock.NowMs() < stored {
			c.suspend(store.WakeUpdate{DeadlineTs: &stored})
		}
		return
	}

	if c.clock.NowMs() < deadline {
		c.st.newEvents = append(c.st.newEvents, history.Event{
			Location:   loc,
			Seq:        c.nextSeq(),
			Type:       history.EventSleep,
			CreateTs:   c.clock.NowMs(),
			DeadlineTs: deadline,
			SleepState: history.SleepInterrupted,
		})
		c.suspend(store.WakeUpdate{DeadlineTs: &deadline})
	}
	c.st.newEvents = append(c.st.newEvents, history.Event{
		Location:   loc,
		Seq:        c.nextSeq(),
		Type:       history.EventSleep,
		CreateTs:   c.clock.NowMs(),
		DeadlineTs: deadline,
		SleepState: history.SleepNormal,
	})
}

// State returns a handle over the workflow's opaque JSON state. Mutate
// marks it dirty so Drive persists the new document on the next commit.
type StateHandle struct{ c *Context }

func (c *Context) State() StateHandle { return StateHandle{c: c} }

func (h StateHandle) Get() map[string]any { return h.c.state }

func (h StateHandle) Mutate(fn func(map[string]any)) {
	fn(h.c.state)
	h.c.st.stateDirty = true
}

// Branch returns a child Context scoped to a nested location, so helper
// functions can declare an internal sequence of steps under a stable
// sub-path without shifting the parent's sibling indices if the helper
// is later added or removed.
func (c *Context) Branch() *Context {
	loc := c.currentAndAdvance()
	if _, ok, err := c.matchOrNil(loc, history.EventBranch); err != nil {
		panic(err)
	} else if !ok {
		c.st.newEvents = append(c.st.newEvents, history.Event{
			Location: loc,
			Seq:      c.nextSeq(),
			Type:     history.EventBranch,
			CreateTs: c.clock.NowMs(),
		})
	}
	child := *c
	child.loc = loc.Child(0)
	return &child
}

// LoopOutcome is what a Loop body returns after running one iteration:
// either Continue with the state to carry into the next iteration, or
// Break with the loop's final result.
type LoopOutcome struct {
	Continue bool
	State    json.RawMessage // carried forward when Continue is true
	Break    json.RawMessage // the loop's return value when Continue is false
}

// Loop declares a Loop frame (spec §4.3 loop(body)): fn runs once per
// iteration under a child location, starting from nil state, until it
// returns Break. Each iteration's outcome is recorded as its own history
// event at the location fn's own steps finish advancing to, so resumed
// execution can tell a completed iteration's Continue/Break apart from
// one that never finished without storing a marker ahead of the steps
// it covers.
//
// fn always runs on every drive, replay included: only the iteration's
// own durable calls (Activity, ListenAny, ...) are memoized against
// history the normal way. Once an iteration's outcome is itself found in
// history, Loop trusts the stored value and does not re-derive it from
// fn's freshly computed return, the same convention Sleep and Branch use
// for their own structural markers.
func (c *Context) Loop(fn func(iterCtx *Context, iteration int, state json.RawMessage) (LoopOutcome, error)) (json.RawMessage, error) {
	loc := c.currentAndAdvance()

	var state json.RawMessage
	for i := 0; ; i++ {
		iter := *c
		iter.loc = loc.Child(i).Child(0)

		outcome, err := fn(&iter, i, state)
		if err != nil {
			return nil, err
		}

		outcomeLoc := iter.currentAndAdvance()
		if ev, ok, mErr := c.matchOrNil(outcomeLoc, history.EventLoop); mErr != nil {
			return nil, mErr
		} else if ok {
			if ev.LoopDone {
				return ev.Output, nil
			}
			state = ev.LoopState
			continue
		}

		if !outcome.Continue {
			c.commitNow(history.Event{
				Location: outcomeLoc,
				Seq:      c.nextSeq(),
				Type:     history.EventLoop,
				CreateTs: c.clock.NowMs(),
				LoopDone: true,
				Output:   outcome.Break,
			})
			return outcome.Break, nil
		}
		c.commitNow(history.Event{
			Location:       outcomeLoc,
			Seq:            c.nextSeq(),
			Type:           history.EventLoop,
			CreateTs:       c.clock.NowMs(),
			LoopIterations: i + 1,
			LoopState:      outcome.State,
		})
		state = outcome.State
	}
}

// finished extracts the events accumulated so far and whether state was
// mutated, for Drive to commit. Not part of the user-facing API.
func (c *Context) finished() (events []history.Event, state json.RawMessage, err error) {
	if c.st.stateDirty {
		b, mErr := json.Marshal(c.state)
		if mErr != nil {
			return nil, nil, mErr
		}
		state = b
	}
	return c.st.newEvents, state, nil
}

// ctxKey threads a *Context through the plain context.Context every
// registry.WorkflowHandler already takes, the same way the registry's
// doc comment anticipates: "the workflow context is threaded through
// ctx by the worker, not part of the handler signature." Package-level
// functions below read it back out so a workflow body written against
// context.Context needs no import of *Context itself.
type ctxKey struct{}

// WithContext embeds c into goCtx.
func WithContext(goCtx context.Context, c *Context) context.Context {
	return context.WithValue(goCtx, ctxKey{}, c)
}

// FromContext recovers the *Context embedded by WithContext, or nil if
// called outside a drive (a programming error in the caller).
func FromContext(goCtx context.Context) *Context {
	c, _ := goCtx.Value(ctxKey{}).(*Context)
	return c
}

// Activity is the package-level convenience wrapper over Context.Activity.
func Activity(ctx context.Context, name string, input []byte) (json.RawMessage, error) {
	return FromContext(ctx).Activity(name, input)
}

// Operation is the package-level convenience wrapper over Context.Operation.
func Operation(ctx context.Context, name string, input []byte, timeout time.Duration) (json.RawMessage, error) {
	return FromContext(ctx).Operation(name, input, timeout)
}

// ListenAny is the package-level convenience wrapper over Context.ListenAny.
func ListenAny(ctx context.Context, names []string) (string, json.RawMessage, error) {
	return FromContext(ctx).ListenAny(names)
}

// SendSignal is the package-level convenience wrapper over Context.SendSignal.
func SendSignal(ctx context.Context, name string, tags wfmodel.Tags, payload json.RawMessage) error {
	return FromContext(ctx).SendSignal(name, tags, payload)
}

// SendMessage is the package-level convenience wrapper over Context.SendMessage.
func SendMessage(ctx context.Context, name string, tags wfmodel.Tags, payload json.RawMessage) error {
	return FromContext(ctx).SendMessage(name, tags, payload)
}

// SubWorkflowDispatch is the package-level convenience wrapper over
// Context.SubWorkflowDispatch.
func SubWorkflowDispatch(ctx context.Context, name string, input []byte, tags wfmodel.Tags) (string, error) {
	return FromContext(ctx).SubWorkflowDispatch(name, input, tags)
}

// SubWorkflowOutput is the package-level convenience wrapper over
// Context.SubWorkflowOutput.
func SubWorkflowOutput(ctx context.Context, workflowID string) (json.RawMessage, error) {
	return FromContext(ctx).SubWorkflowOutput(workflowID)
}

// Sleep is the package-level convenience wrapper over Context.Sleep.
func Sleep(ctx context.Context, d time.Duration) { FromContext(ctx).Sleep(d) }

// SleepUntil is the package-level convenience wrapper over Context.SleepUntil.
func SleepUntil(ctx context.Context, ts time.Time) { FromContext(ctx).SleepUntil(ts) }

// State is the package-level convenience wrapper over Context.State.
func State(ctx context.Context) StateHandle { return FromContext(ctx).State() }

// Props is the package-level convenience wrapper over Context.Properties.
func Props(ctx context.Context) Properties { return FromContext(ctx).Properties() }

// Now is the package-level convenience wrapper over Context.Now.
func Now(ctx context.Context) time.Time { return FromContext(ctx).Now() }

// Branch returns a context.Context scoped to a nested location, so a
// helper function can declare its own sequence of steps under a stable
// sub-path independent of however many steps its caller declares around
// the call.
func Branch(ctx context.Context) context.Context {
	return WithContext(ctx, FromContext(ctx).Branch())
}

// Loop is the package-level convenience wrapper over Context.Loop, taking
// a plain context.Context closure so workflow bodies never import
// *Context directly.
func Loop(ctx context.Context, fn func(iterCtx context.Context, iteration int, state json.RawMessage) (LoopOutcome, error)) (json.RawMessage, error) {
	c := FromContext(ctx)
	return c.Loop(func(iter *Context, i int, state json.RawMessage) (LoopOutcome, error) {
		return fn(WithContext(ctx, iter), i, state)
	})
}

// TryJoin is the package-level convenience wrapper over Context.TryJoin,
// taking plain context.Context closures so workflow bodies never import
// *Context directly.
func TryJoin(ctx context.Context, fns ...func(context.Context) (json.RawMessage, error)) ([]json.RawMessage, error) {
	c := FromContext(ctx)
	wrapped := make([]func(*Context) (json.RawMessage, error), len(fns))
	for i, fn := range fns {
		fn := fn
		wrapped[i] = func(child *Context) (json.RawMessage, error) {
			return fn(WithContext(ctx, child))
		}
	}
	return c.TryJoin(wrapped...)
}
