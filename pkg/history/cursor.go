package history

import (
	"sort"

	"github.com/coilrun/gasoline/pkg/wferrors"
)

// Cursor is a monotonic pointer consuming events in declared workflow
// order during replay. It transparently skips Removed tombstones: per
// spec §4.2, "on replay, encountering a Removed event satisfies nothing —
// the next declared step is compared to the next non-Removed event."
type Cursor struct {
	events []Event
	pos    int
}

// NewCursor builds a Cursor over a history, sorted by Location (the store
// is responsible for persisting in that order already; sorting here makes
// the cursor robust to any driver that returns rows unordered).
func NewCursor(events []Event) *Cursor {
	sorted := make([]Event, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Location.Compare(sorted[j].Location) < 0
	})
	return &Cursor{events: sorted}
}

// Done reports whether every stored event has been consumed (Removed rows
// included).
func (c *Cursor) Done() bool {
	return c.pos >= len(c.events)
}

// peekNonRemoved returns the next non-Removed event without consuming it,
// advancing past any Removed rows it must skip over.
func (c *Cursor) peekNonRemoved() *Event {
	for c.pos < len(c.events) {
		if !c.events[c.pos].IsRemoved() {
			return &c.events[c.pos]
		}
		c.pos++
	}
	return nil
}

// MatchActivity is called when the workflow body declares an activity
// call at the given location. If history still holds events, the next
// non-Removed one must be an Activity event with the identical
// (name, input-hash); its stored output is returned and the cursor
// advances. If history is exhausted, ok is false and the caller should
// execute the activity anew and append a fresh event.
func (c *Cursor) MatchActivity(loc Location, name, inputHash string) (ev *Event, ok bool, err error) {
	next := c.peekNonRemoved()
	if next == nil {
		return nil, false, nil
	}
	if !next.Location.Equal(loc) {
		return nil, false, wferrors.NewNondeterminism(wferrors.UnexpectedLeftover, loc.String(),
			"declared step does not align with next stored location "+next.Location.String())
	}
	if next.Type != EventActivity {
		return nil, false, wferrors.NewNondeterminism(wferrors.TypeMismatch, loc.String(),
			"expected Activity, stored type is "+string(next.Type))
	}
	if next.ActivityName != name {
		return nil, false, wferrors.NewNondeterminism(wferrors.NameMismatch, loc.String(),
			"expected activity "+name+", stored is "+next.ActivityName)
	}
	if next.InputHash != inputHash {
		return nil, false, wferrors.NewNondeterminism(wferrors.HashMismatch, loc.String(),
			"input hash changed for activity "+name)
	}
	c.pos++
	return next, true, nil
}

// MatchSignal mirrors MatchActivity for a Signal (listen) event: if a
// Signal event already exists at loc, its stored payload satisfies the
// listen without consuming a new signal from the router.
func (c *Cursor) MatchSignal(loc Location) (ev *Event, ok bool, err error) {
	next := c.peekNonRemoved()
	if next == nil {
		return nil, false, nil
	}
	if !next.Location.Equal(loc) {
		return nil, false, wferrors.NewNondeterminism(wferrors.UnexpectedLeftover, loc.String(),
			"declared step does not align with next stored location "+next.Location.String())
	}
	if next.Type != EventSignal {
		return nil, false, wferrors.NewNondeterminism(wferrors.TypeMismatch, loc.String(),
			"expected Signal, stored type is "+string(next.Type))
	}
	c.pos++
	return next, true, nil
}

// MatchGeneric matches any other event type (SignalSend, MessageSend,
// SubWorkflow, Branch, Loop, Sleep) by (location, type) only — these have
// no replay-equality payload beyond their type, since they aren't memoized
// against caller-supplied input the way Activity is.
func (c *Cursor) MatchGeneric(loc Location, typ EventType) (ev *Event, ok bool, err error) {
	next := c.peekNonRemoved()
	if next == nil {
		return nil, false, nil
	}
	if !next.Location.Equal(loc) {
		return nil, false, wferrors.NewNondeterminism(wferrors.UnexpectedLeftover, loc.String(),
			"declared step does not align with next stored location "+next.Location.String())
	}
	if next.Type != typ {
		return nil, false, wferrors.NewNondeterminism(wferrors.TypeMismatch, loc.String(),
			"expected "+string(typ)+", stored type is "+string(next.Type))
	}
	c.pos++
	return next, true, nil
}

// Exhausted must be called once the workflow body itself returns without
// suspending: if the cursor still holds non-Removed events, the new code
// declared fewer steps than history recorded — UnexpectedEnd.
func (c *Cursor) Exhausted() error {
	if next := c.peekNonRemoved(); next != nil {
		return wferrors.NewNondeterminism(wferrors.UnexpectedEnd, next.Location.String(),
			"workflow completed before replaying all stored events")
	}
	return nil
}
