package wfmodel

// Tags addresses workflows and signals. Matching throughout the engine is
// subset match: workflow tags must be a superset of the signal's tags
// (spec Open Question, resolved in favor of the newer gasoline contract
// over the legacy chirp-workflow tag-equality behavior).
type Tags map[string]string

// Subsumes reports whether t is a superset of other (other's keys/values
// all present, identically, in t). An empty other is subsumed by anything.
func (t Tags) Subsumes(other Tags) bool {
	for k, v := range other {
		if tv, ok := t[k]; !ok || tv != v {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (t Tags) Clone() Tags {
	if t == nil {
		return nil
	}
	out := make(Tags, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}
