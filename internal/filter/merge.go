package filter

import "fmt"

// Draft is the intent extracted from the current turn before continuity
// resolution. Refine marks a narrowing turn ("only…", "khusus…"); NewTopic
// marks an explicit topic shift that abandons the prior filters.
type Draft struct {
	Spec     Spec
	Refine   bool
	NewTopic bool
}

// Merge combines the previous turn's resolved filters with the current
// draft. It is a pure function: neither input is mutated.
//
// A refinement turn keeps every inherited predicate whose field the draft
// does not override, so the merged spec always matches a subset of the
// previous turn's records. A value stated in the current turn wins over an
// inherited one for the same field. Inherited predicates that would make the
// spec unsatisfiable are dropped and reported in the returned notes; the
// caller logs them, the user never sees an internal conflict.
func Merge(prev Spec, draft Draft) (Spec, []string) {
	if draft.NewTopic || prev.IsEmpty() {
		return draft.Spec.Clone(), nil
	}

	var notes []string
	merged := prev.Clone()

	for _, dp := range draft.Spec.Predicates {
		idx := indexOf(merged.Predicates, dp.Field, dp.Op)
		if idx < 0 {
			// A different op on the same field narrows with AND semantics,
			// a new field always joins the spec.
			merged.Predicates = append(merged.Predicates, clonePredicate(dp))
			continue
		}

		inherited := merged.Predicates[idx]
		if draft.Refine && dp.Op == OpIn && inherited.Op == OpIn {
			intersection := intersect(inherited.Values, dp.Values)
			if len(intersection) == 0 {
				notes = append(notes, fmt.Sprintf(
					"dropped inherited %s membership: disjoint from current turn", dp.Field))
				merged.Predicates[idx] = clonePredicate(dp)
			} else {
				merged.Predicates[idx].Values = intersection
			}
			continue
		}

		// Same field, same op: the current turn's explicit value replaces
		// the inherited one.
		if !equalPredicate(inherited, dp) {
			notes = append(notes, fmt.Sprintf("replaced inherited %s filter", dp.Field))
		}
		merged.Predicates[idx] = clonePredicate(dp)
	}

	if draft.Spec.Aggregation != nil {
		agg := *draft.Spec.Aggregation
		agg.GroupBy = append([]string(nil), draft.Spec.Aggregation.GroupBy...)
		merged.Aggregation = &agg
	} else if !draft.Refine {
		merged.Aggregation = nil
	}

	return merged, notes
}

func indexOf(preds []Predicate, field string, op Op) int {
	// Prefer the exact (field, op) pair; fall back to any predicate on the
	// field with the same op class so eq replaces eq, in replaces in.
	for i, p := range preds {
		if p.Field == field && p.Op == op {
			return i
		}
	}
	return -1
}

func clonePredicate(p Predicate) Predicate {
	cp := p
	if p.Values != nil {
		cp.Values = append([]string(nil), p.Values...)
	}
	return cp
}

func equalPredicate(a, b Predicate) bool {
	if a.Field != b.Field || a.Op != b.Op || a.Value != b.Value || len(a.Values) != len(b.Values) {
		return false
	}
	seen := make(map[string]bool, len(a.Values))
	for _, v := range a.Values {
		seen[v] = true
	}
	for _, v := range b.Values {
		if !seen[v] {
			return false
		}
	}
	return true
}

func intersect(a, b []string) []string {
	inA := make(map[string]bool, len(a))
	for _, v := range a {
		inA[v] = true
	}
	var out []string
	for _, v := range b {
		if inA[v] {
			out = append(out, v)
		}
	}
	return out
}
