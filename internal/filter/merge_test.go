package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeEmptyPreviousUsesDraft(t *testing.T) {
	draft := Draft{Spec: Spec{Predicates: []Predicate{
		{Field: FieldYear, Op: OpEq, Value: "2023"},
	}}}

	merged, notes := Merge(Spec{}, draft)

	assert.Empty(t, notes)
	require.Len(t, merged.Predicates, 1)
	assert.Equal(t, "2023", merged.Predicates[0].Value)
}

func TestMergeNewTopicResetsInheritedFilters(t *testing.T) {
	prev := Spec{Predicates: []Predicate{
		{Field: FieldYear, Op: OpEq, Value: "2022"},
		{Field: FieldDepartment, Op: OpIn, Values: []string{"HR"}},
	}}
	draft := Draft{
		NewTopic: true,
		Spec: Spec{Predicates: []Predicate{
			{Field: FieldRiskArea, Op: OpEq, Value: "Fraud"},
		}},
	}

	merged, notes := Merge(prev, draft)

	assert.Empty(t, notes)
	require.Len(t, merged.Predicates, 1)
	assert.Equal(t, FieldRiskArea, merged.Predicates[0].Field)
}

func TestMergeRefinementKeepsUntouchedFields(t *testing.T) {
	// A follow-up like "khusus proyek X" must not lose the year filter
	// resolved on the previous turn.
	prev := Spec{Predicates: []Predicate{
		{Field: FieldYear, Op: OpIn, Values: []string{"2022", "2023"}},
		{Field: FieldDepartment, Op: OpIn, Values: []string{"IT Support", "Infrastruktur TI"}},
	}}
	draft := Draft{
		Refine: true,
		Spec: Spec{Predicates: []Predicate{
			{Field: FieldProject, Op: OpContains, Value: "mall ciputra cibubur"},
		}},
	}

	merged, notes := Merge(prev, draft)

	assert.Empty(t, notes)
	require.Len(t, merged.Predicates, 3)

	yearPred, ok := merged.PredicateOn(FieldYear)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"2022", "2023"}, yearPred.Values)

	deptPred, ok := merged.PredicateOn(FieldDepartment)
	require.True(t, ok)
	assert.Len(t, deptPred.Values, 2)

	projPred, ok := merged.PredicateOn(FieldProject)
	require.True(t, ok)
	assert.Equal(t, OpContains, projPred.Op)
}

func TestMergeRefinementIntersectsMembership(t *testing.T) {
	prev := Spec{Predicates: []Predicate{
		{Field: FieldYear, Op: OpIn, Values: []string{"2021", "2022", "2023"}},
	}}
	draft := Draft{
		Refine: true,
		Spec: Spec{Predicates: []Predicate{
			{Field: FieldYear, Op: OpIn, Values: []string{"2022", "2023", "2024"}},
		}},
	}

	merged, notes := Merge(prev, draft)

	assert.Empty(t, notes)
	yearPred, ok := merged.PredicateOn(FieldYear)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"2022", "2023"}, yearPred.Values)
}

func TestMergeDisjointRefinementDropsInheritedSet(t *testing.T) {
	prev := Spec{Predicates: []Predicate{
		{Field: FieldDepartment, Op: OpIn, Values: []string{"HR"}},
	}}
	draft := Draft{
		Refine: true,
		Spec: Spec{Predicates: []Predicate{
			{Field: FieldDepartment, Op: OpIn, Values: []string{"Finance"}},
		}},
	}

	merged, notes := Merge(prev, draft)

	require.Len(t, notes, 1)
	assert.Contains(t, notes[0], "disjoint")
	deptPred, ok := merged.PredicateOn(FieldDepartment)
	require.True(t, ok)
	assert.Equal(t, []string{"Finance"}, deptPred.Values)
}

func TestMergeSameFieldSameOpReplaces(t *testing.T) {
	prev := Spec{Predicates: []Predicate{
		{Field: FieldYear, Op: OpEq, Value: "2022"},
	}}
	draft := Draft{Spec: Spec{Predicates: []Predicate{
		{Field: FieldYear, Op: OpEq, Value: "2023"},
	}}}

	merged, notes := Merge(prev, draft)

	require.Len(t, notes, 1)
	yearPred, _ := merged.PredicateOn(FieldYear)
	assert.Equal(t, "2023", yearPred.Value)
	assert.Len(t, merged.Predicates, 1)
}

func TestMergeDifferentOpOnSameFieldNarrows(t *testing.T) {
	prev := Spec{Predicates: []Predicate{
		{Field: FieldProject, Op: OpEq, Value: "Proyek Alpha"},
	}}
	draft := Draft{Spec: Spec{Predicates: []Predicate{
		{Field: FieldProject, Op: OpContains, Value: "alpha"},
	}}}

	merged, _ := Merge(prev, draft)

	assert.Len(t, merged.Predicates, 2)
}

func TestMergeAggregationLifecycle(t *testing.T) {
	prev := Spec{
		Predicates:  []Predicate{{Field: FieldYear, Op: OpEq, Value: "2023"}},
		Aggregation: &Aggregation{GroupBy: []string{FieldDepartment}, Metric: MetricCount},
	}

	// A refinement without its own aggregation inherits the previous one.
	merged, _ := Merge(prev, Draft{
		Refine: true,
		Spec: Spec{Predicates: []Predicate{
			{Field: FieldRiskArea, Op: OpEq, Value: "Fraud"},
		}},
	})
	require.NotNil(t, merged.Aggregation)
	assert.Equal(t, MetricCount, merged.Aggregation.Metric)

	// A plain non-refining turn clears it.
	merged, _ = Merge(prev, Draft{Spec: Spec{Predicates: []Predicate{
		{Field: FieldRiskArea, Op: OpEq, Value: "Fraud"},
	}}})
	assert.Nil(t, merged.Aggregation)

	// A draft that states its own aggregation wins.
	merged, _ = Merge(prev, Draft{Spec: Spec{
		Aggregation: &Aggregation{GroupBy: []string{FieldYear}, Metric: MetricSum, SourceField: "nilai"},
	}})
	require.NotNil(t, merged.Aggregation)
	assert.Equal(t, MetricSum, merged.Aggregation.Metric)
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	prev := Spec{Predicates: []Predicate{
		{Field: FieldYear, Op: OpIn, Values: []string{"2022", "2023"}},
	}}
	draft := Draft{
		Refine: true,
		Spec: Spec{Predicates: []Predicate{
			{Field: FieldYear, Op: OpIn, Values: []string{"2023"}},
		}},
	}

	merged, _ := Merge(prev, draft)
	merged.Predicates[0].Values[0] = "mutated"

	assert.Equal(t, []string{"2022", "2023"}, prev.Predicates[0].Values)
	assert.Equal(t, []string{"2023"}, draft.Spec.Predicates[0].Values)
}
