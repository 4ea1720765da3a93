package intent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audit-agent/backend/internal/filter"
	"github.com/audit-agent/backend/internal/llm"
)

type fakeLLM struct {
	payload *llm.IntentPayload
	err     error
}

func (f *fakeLLM) ExtractIntent(ctx context.Context, text, previousFilters string) (*llm.IntentPayload, error) {
	return f.payload, f.err
}

func testClock() time.Time {
	return time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
}

func TestExtractUsesValidatedModelAnswer(t *testing.T) {
	e := NewExtractor(&fakeLLM{payload: &llm.IntentPayload{
		Predicates: []llm.PredicatePayload{
			{Field: filter.FieldYear, Op: "eq", Value: "this year"},
		},
		Categories: []string{"HC"},
		Refinement: true,
	}}, testClock)

	intent := e.Extract(context.Background(), "temuan hc tahun ini", filter.Spec{})

	assert.Equal(t, "llm", intent.Source)
	assert.True(t, intent.Confident)
	assert.True(t, intent.Refine)
	assert.Equal(t, []string{"HC"}, intent.CategoryTokens)

	pred, ok := intent.Spec.PredicateOn(filter.FieldYear)
	require.True(t, ok)
	assert.Equal(t, "2024", pred.Value)
}

func TestExtractFallsBackOnModelError(t *testing.T) {
	e := NewExtractor(&fakeLLM{err: errors.New("timeout")}, testClock)

	intent := e.Extract(context.Background(), "findings from 2023", filter.Spec{})

	assert.Equal(t, "fallback", intent.Source)
	pred, ok := intent.Spec.PredicateOn(filter.FieldYear)
	require.True(t, ok)
	assert.Equal(t, "2023", pred.Value)
}

func TestExtractFallsBackOnInvalidShape(t *testing.T) {
	cases := []struct {
		name    string
		payload *llm.IntentPayload
	}{
		{"unknown field", &llm.IntentPayload{Predicates: []llm.PredicatePayload{
			{Field: "salary", Op: "eq", Value: "x"},
		}}},
		{"unknown operator", &llm.IntentPayload{Predicates: []llm.PredicatePayload{
			{Field: filter.FieldYear, Op: "gte", Value: "2020"},
		}}},
		{"year out of range", &llm.IntentPayload{Predicates: []llm.PredicatePayload{
			{Field: filter.FieldYear, Op: "eq", Value: "20231"},
		}}},
		{"too many group fields", &llm.IntentPayload{
			GroupBy: []string{filter.FieldYear, filter.FieldDepartment, filter.FieldRiskArea},
			Metric:  "count",
		}},
		{"unknown metric field", &llm.IntentPayload{
			GroupBy:     []string{filter.FieldYear},
			Metric:      "sum",
			MetricField: "severity",
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := NewExtractor(&fakeLLM{payload: tc.payload}, testClock)
			intent := e.Extract(context.Background(), "findings from 2023", filter.Spec{})
			assert.Equal(t, "fallback", intent.Source)
		})
	}
}

func TestExtractDefaultsMetricSourceField(t *testing.T) {
	e := NewExtractor(&fakeLLM{payload: &llm.IntentPayload{
		GroupBy: []string{filter.FieldDepartment},
		Metric:  "avg",
	}}, testClock)

	intent := e.Extract(context.Background(), "average per department", filter.Spec{})

	require.NotNil(t, intent.Spec.Aggregation)
	assert.Equal(t, "nilai", intent.Spec.Aggregation.SourceField)
}

func TestExtractWithoutModelUsesFallback(t *testing.T) {
	e := NewExtractor(nil, testClock)

	intent := e.Extract(context.Background(), "temuan 2022", filter.Spec{})

	assert.Equal(t, "fallback", intent.Source)
}
