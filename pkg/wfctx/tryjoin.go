package wfctx

import (
	"context"
	"encoding/json"

	"golang.org/x/sync/errgroup"
)

// TryJoin runs each of fns concurrently, one per sibling location chosen
// deterministically by declaration order rather than completion order, so
// replay reassembles the same (location -> result) mapping regardless of
// which goroutine happened to finish first. This is the engine's only
// fan-out primitive (spec §5: "parallel fan-out is achieved only via
// sub-workflow dispatch or try_join over independent activity calls"),
// grounded on golang.org/x/sync/errgroup the way the teacher's engine uses
// it for its own concurrent source/sink fan-out.
//
// Each fn receives a *Context scoped to its own child location and must
// use only that Context, never the parent's, so its declared steps don't
// race over the parent's sequence counter.
func (c *Context) TryJoin(fns ...func(*Context) (json.RawMessage, error)) ([]json.RawMessage, error) {
	loc := c.currentAndAdvance()

	children := make([]*Context, len(fns))
	for i := range fns {
		child := *c
		child.loc = loc.Child(i)
		// Each child needs its own ctxState: they run concurrently below,
		// and c.st is a shared pointer (the mechanism Branch and Loop rely
		// on to make a child's batched events visible to the parent), so
		// without this every goroutine would append to the same slice.
		child.st = &ctxState{}
		children[i] = &child
	}

	results := make([]json.RawMessage, len(fns))
	errs := make([]error, len(fns))
	panics := make([]any, len(fns))

	g, _ := errgroup.WithContext(context.Background())
	for i, fn := range fns {
		i, fn := i, fn
		g.Go(func() (grErr error) {
			defer func() {
				if r := recover(); r != nil {
					// A child suspending or hitting a nondeterminism fault
					// must unwind Drive's recover, not crash this goroutine;
					// re-panic from the parent stack after every sibling
					// has had a chance to run.
					panics[i] = r
				}
			}()
			out, err := fn(children[i])
			results[i] = out
			errs[i] = err
			return nil
		})
	}
	_ = g.Wait()

	for _, child := range children {
		c.st.newEvents = append(c.st.newEvents, child.st.newEvents...)
		if child.st.stateDirty {
			c.st.stateDirty = true
		}
	}

	for _, p := range panics {
		if p != nil {
			panic(p)
		}
	}

	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}
