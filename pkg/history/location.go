package history

import (
	"strconv"
	"strings"
)

// Location is the path through nested loops/branches/sub-workflow-runs
// that identifies one step, stable across replays (spec §3 History Event).
// The root frame's i-th step is [i]; a loop iteration's j-th step is
// [parent..., loopIdx, iterJ, k].
type Location []int

// String renders a location as a dotted path, e.g. "0.2.1", used as the
// persisted key suffix (workflows/<id>/history/<location>) and in log
// fields and CLI output.
func (l Location) String() string {
	parts := make([]string, len(l))
	for i, v := range l {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ".")
}

// Child returns a new location with idx appended, used when entering a
// nested frame (loop iteration, branch, sub-workflow).
func (l Location) Child(idx int) Location {
	out := make(Location, len(l)+1)
	copy(out, l)
	out[len(l)] = idx
	return out
}

// Parent returns the location with its last element removed, or nil for
// the root.
func (l Location) Parent() Location {
	if len(l) == 0 {
		return nil
	}
	out := make(Location, len(l)-1)
	copy(out, l[:len(l)-1])
	return out
}

// Equal reports structural equality.
func (l Location) Equal(other Location) bool {
	if len(l) != len(other) {
		return false
	}
	for i := range l {
		if l[i] != other[i] {
			return false
		}
	}
	return true
}

// Compare orders two locations by sibling index at each depth, matching
// "sibling ordering is by trailing integer" (spec §4.2). Shorter locations
// that are a prefix of a longer one sort first.
func (l Location) Compare(other Location) int {
	n := len(l)
	if len(other) < n {
		n = len(other)
	}
	for i := 0; i < n; i++ {
		if l[i] != other[i] {
			if l[i] < other[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(l) < len(other):
		return -1
	case len(l) > len(other):
		return 1
	default:
		return 0
	}
}

// ParseLocation parses the dotted-path form produced by String.
func ParseLocation(s string) (Location, error) {
	if s == "" {
		return Location{}, nil
	}
	parts := strings.Split(s, ".")
	out := make(Location, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
