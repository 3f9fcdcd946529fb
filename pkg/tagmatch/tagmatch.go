// Package tagmatch implements the subset match used to route signals and
// messages to waiting workflows (component C5). A workflow is eligible
// to receive a signal/message if its tags are a superset of the
// signal's/message's tags; this is the single predicate every store
// driver's pull_next_signal / publish_signal implementation must apply.
package tagmatch

import "github.com/coilrun/gasoline/pkg/wfmodel"

// Matches reports whether workflowTags qualifies to receive something
// published with publishTags.
func Matches(workflowTags, publishTags wfmodel.Tags) bool {
	return workflowTags.Subsumes(publishTags)
}

// BestMatch picks, among candidates that all match publishTags, the one
// with the fewest tags: the most specifically-targeted listener wins when
// several workflows could receive the same signal. Ties break on the
// order candidates were given (stable, first-wins), matching a FIFO
// dispatch order for otherwise-equal candidates.
func BestMatch(candidates []wfmodel.Tags, publishTags wfmodel.Tags) int {
	best := -1
	bestSize := -1
	for i, c := range candidates {
		if !Matches(c, publishTags) {
			continue
		}
		if best == -1 || len(c) < bestSize {
			best = i
			bestSize = len(c)
		}
	}
	return best
}
