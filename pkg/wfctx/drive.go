package wfctx

import (
	"context"

	"github.com/coilrun/gasoline/pkg/activity"
	"github.com/coilrun/gasoline/pkg/clock"
	"github.com/coilrun/gasoline/pkg/history"
	"github.com/coilrun/gasoline/pkg/pubsub"
	"github.com/coilrun/gasoline/pkg/registry"
	"github.com/coilrun/gasoline/pkg/store"
	"github.com/coilrun/gasoline/pkg/wferrors"
	"github.com/coilrun/gasoline/pkg/wfmodel"
)

// Outcome is what Drive produces for the worker's state machine to act
// on: exactly one of Completed, Suspended-with-wake, or a fatal
// nondeterminism error.
type Outcome struct {
	Completed    bool
	Output       []byte
	Err          error // set when Completed and the workflow body returned an error
	Wake         store.WakeUpdate
	Nondeterminism *wferrors.NondeterminismError
}

// Drive runs handler once against wf's current history: replaying every
// step already recorded, then either running fresh steps until the body
// returns (Completed) or until a step requires external input
// (Suspended). Steps with an effect outside the workflow (activities,
// sub-workflow dispatch, message sends, loop outcomes) commit themselves
// through the store while the body runs, and ListenAny and the
// sub-workflow calls read the store too. What Drive returns is the rest:
// the still-batched events, the state document and the outcome, which
// the caller commits, so the worker's state machine stays the single
// place that decides CommitEvents vs CompleteWorkflow vs "pause for
// operator".
func Drive(goCtx context.Context, st store.DurableStore, runner *activity.Runner, clk clock.Clock, ps pubsub.Driver, reg *registry.Registry, handler registry.WorkflowHandler, wf *wfmodel.Workflow, hist []history.Event, workerInstanceID string) (outcome Outcome, events []history.Event, newState []byte, err error) {
	var startSeq int64
	for _, ev := range hist {
		if ev.Seq > startSeq {
			startSeq = ev.Seq
		}
	}

	wctx, err := New(goCtx, st, runner, clk, ps, reg, wf, hist, workerInstanceID, startSeq)
	if err != nil {
		return Outcome{}, nil, nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			switch v := r.(type) {
			case *Suspended:
				ev, s, fErr := wctx.finished()
				events, newState, err = ev, s, fErr
				outcome = Outcome{Wake: v.Wake}
			case *nondeterminismPanic:
				outcome = Outcome{Nondeterminism: v.err.(*wferrors.NondeterminismError)}
			case *driveAbort:
				outcome, events, newState = Outcome{}, nil, nil
				err = v.err
			default:
				panic(r) // an actual programming bug in the workflow body, not a control-flow signal
			}
		}
	}()

	output, bodyErr := handler(WithContext(goCtx, wctx), wf.Input)

	if exErr := wctx.cursor.Exhausted(); exErr != nil {
		nd := exErr.(*wferrors.NondeterminismError)
		return Outcome{Nondeterminism: nd}, nil, nil, nil
	}

	ev, state, fErr := wctx.finished()
	if fErr != nil {
		return Outcome{}, nil, nil, fErr
	}
	return Outcome{Completed: true, Output: output, Err: bodyErr}, ev, state, nil
}
