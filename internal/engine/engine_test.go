package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audit-agent/backend/internal/category"
	"github.com/audit-agent/backend/internal/filter"
	"github.com/audit-agent/backend/internal/intent"
	"github.com/audit-agent/backend/internal/query"
	"github.com/audit-agent/backend/internal/storage/models"
)

type fakeTranscript struct {
	messages []models.ChatMessage
}

func (s *fakeTranscript) AppendChatMessage(ctx context.Context, msg *models.ChatMessage) error {
	s.messages = append(s.messages, *msg)
	return nil
}

func (s *fakeTranscript) LastUserTurn(ctx context.Context, sessionID string) (*models.ChatMessage, error) {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].SessionID == sessionID && s.messages[i].Role == "user" {
			msg := s.messages[i]
			return &msg, nil
		}
	}
	return nil, nil
}

func (s *fakeTranscript) GetChatHistory(ctx context.Context, sessionID string, limit int) ([]models.ChatMessage, error) {
	var out []models.ChatMessage
	for _, m := range s.messages {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	return out, nil
}

type fakeExtractor struct {
	intents []*intent.Intent
	calls   int
}

func (e *fakeExtractor) Extract(ctx context.Context, text string, prev filter.Spec) *intent.Intent {
	i := e.intents[e.calls]
	e.calls++
	if i.Source == "" {
		i.Source = "llm"
	}
	return i
}

type fakeResolver struct {
	resolutions map[string]*category.Resolution
}

func (r *fakeResolver) Resolve(ctx context.Context, token string) (*category.Resolution, error) {
	if res, ok := r.resolutions[category.Normalize(token)]; ok {
		return res, nil
	}
	return &category.Resolution{Token: token, Reasoning: "no confident category match"}, nil
}

type fakeExecutor struct {
	findings []models.Finding
	err      error
	specs    []filter.Spec
}

func (e *fakeExecutor) Execute(ctx context.Context, spec filter.Spec) (*query.Result, error) {
	e.specs = append(e.specs, spec.Clone())
	if e.err != nil {
		return nil, e.err
	}

	var matched []models.Finding
	for _, f := range e.findings {
		if matches(f, spec) {
			matched = append(matched, f)
		}
	}
	return &query.Result{Findings: matched, Total: len(matched)}, nil
}

func matches(f models.Finding, spec filter.Spec) bool {
	for _, p := range spec.Predicates {
		value := models.FieldValue(f, p.Field)
		switch p.Op {
		case filter.OpEq:
			if value != p.Value {
				return false
			}
		case filter.OpIn:
			found := false
			for _, v := range p.Values {
				if value == v {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case filter.OpContains:
			if !strings.Contains(strings.ToLower(value), strings.ToLower(p.Value)) {
				return false
			}
		case filter.OpPrefix:
			if len(value) < len(p.Value) || value[:len(p.Value)] != p.Value {
				return false
			}
		}
	}
	return true
}

func sampleFindings() []models.Finding {
	return []models.Finding{
		{ID: "f1", Year: 2022, Department: "Human Capital", ProjectName: "Mall Ciputra Cibubur"},
		{ID: "f2", Year: 2023, Department: "HC", ProjectName: "Mall Ciputra Cibubur"},
		{ID: "f3", Year: 2023, Department: "Recruitment", ProjectName: "Gedung Arkadia"},
		{ID: "f4", Year: 2023, Department: "IT Support", ProjectName: "Mall Ciputra Cibubur"},
		{ID: "f5", Year: 2021, Department: "Human Capital", ProjectName: "Plaza Semanggi"},
	}
}

func hrResolver() *fakeResolver {
	return &fakeResolver{resolutions: map[string]*category.Resolution{
		"hc": {
			Token:       "HC",
			Category:    "HR",
			Departments: []string{"HC", "Human Capital", "Recruitment"},
			Confident:   true,
		},
	}}
}

func TestProcessTurnResolvesCategoriesAndYears(t *testing.T) {
	store := &fakeTranscript{}
	executor := &fakeExecutor{findings: sampleFindings()}
	extractor := &fakeExtractor{intents: []*intent.Intent{{
		Spec: filter.Spec{Predicates: []filter.Predicate{
			{Field: filter.FieldYear, Op: filter.OpIn, Values: []string{"2022", "2023"}},
		}},
		CategoryTokens: []string{"HC"},
	}}}

	eng := NewEngine(store, extractor, hrResolver(), executor, nil, 50)

	turn, err := eng.ProcessTurn(context.Background(), TurnRequest{SessionID: "s1", Message: "temuan HC 2022 dan 2023"})
	require.NoError(t, err)

	// f1 (2022, Human Capital), f2 (2023, HC), f3 (2023, Recruitment).
	assert.Equal(t, 3, turn.Response.TotalCount)

	deptPred, ok := turn.Filters.PredicateOn(filter.FieldDepartment)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"HC", "Human Capital", "Recruitment"}, deptPred.Values)

	// Both turn messages landed in the transcript with resolved filters.
	require.Len(t, store.messages, 2)
	assert.Equal(t, "user", store.messages[0].Role)
	assert.NotEmpty(t, store.messages[0].ResolvedFilters)
	assert.Equal(t, 3, store.messages[0].ResultCount)
	assert.Equal(t, "assistant", store.messages[1].Role)
}

func TestProcessTurnRefinementNarrowsPreviousResult(t *testing.T) {
	store := &fakeTranscript{}
	executor := &fakeExecutor{findings: sampleFindings()}
	extractor := &fakeExtractor{intents: []*intent.Intent{
		{
			Spec: filter.Spec{Predicates: []filter.Predicate{
				{Field: filter.FieldYear, Op: filter.OpIn, Values: []string{"2022", "2023"}},
			}},
			CategoryTokens: []string{"HC"},
		},
		{
			Spec: filter.Spec{Predicates: []filter.Predicate{
				{Field: filter.FieldProject, Op: filter.OpContains, Value: "mall ciputra cibubur"},
			}},
			Refine: true,
		},
	}}

	eng := NewEngine(store, extractor, hrResolver(), executor, nil, 50)
	ctx := context.Background()

	first, err := eng.ProcessTurn(ctx, TurnRequest{SessionID: "s1", Message: "temuan HC 2022 dan 2023"})
	require.NoError(t, err)
	second, err := eng.ProcessTurn(ctx, TurnRequest{SessionID: "s1", Message: "khusus mall ciputra cibubur"})
	require.NoError(t, err)

	// The follow-up inherits year and department filters, so it matches a
	// subset of the first answer: f1 and f2 only.
	assert.Equal(t, 3, first.Response.TotalCount)
	assert.Equal(t, 2, second.Response.TotalCount)

	mergedSpec := executor.specs[len(executor.specs)-1]
	_, hasYear := mergedSpec.PredicateOn(filter.FieldYear)
	_, hasDept := mergedSpec.PredicateOn(filter.FieldDepartment)
	_, hasProject := mergedSpec.PredicateOn(filter.FieldProject)
	assert.True(t, hasYear, "refinement keeps the inherited year filter")
	assert.True(t, hasDept, "refinement keeps the inherited department filter")
	assert.True(t, hasProject)
}

func TestProcessTurnFailedExecutionIsNotPersisted(t *testing.T) {
	store := &fakeTranscript{}
	executor := &fakeExecutor{err: errors.New("store down")}
	extractor := &fakeExtractor{intents: []*intent.Intent{{
		Spec: filter.Spec{Predicates: []filter.Predicate{
			{Field: filter.FieldYear, Op: filter.OpEq, Value: "2023"},
		}},
	}}}

	eng := NewEngine(store, extractor, hrResolver(), executor, nil, 50)

	_, err := eng.ProcessTurn(context.Background(), TurnRequest{SessionID: "s1", Message: "temuan 2023"})
	require.Error(t, err)
	assert.Empty(t, store.messages, "a failed turn must not advance the session state")
}

func TestProcessTurnUnresolvableCategoryDegradesToNote(t *testing.T) {
	store := &fakeTranscript{}
	executor := &fakeExecutor{findings: sampleFindings()}
	extractor := &fakeExtractor{intents: []*intent.Intent{{
		Spec: filter.Spec{Predicates: []filter.Predicate{
			{Field: filter.FieldYear, Op: filter.OpEq, Value: "2023"},
		}},
		CategoryTokens: []string{"warehouse"},
	}}}

	eng := NewEngine(store, extractor, hrResolver(), executor, nil, 50)

	turn, err := eng.ProcessTurn(context.Background(), TurnRequest{SessionID: "s1", Message: "temuan warehouse 2023"})
	require.NoError(t, err)

	// The year filter still ran; the unknown token became a note, not a failure.
	assert.Equal(t, 3, turn.Response.TotalCount)
	assert.Contains(t, turn.Response.AnswerText, "warehouse")
	_, hasDept := turn.Filters.PredicateOn(filter.FieldDepartment)
	assert.False(t, hasDept)
}

func TestExportReturnsAllRows(t *testing.T) {
	store := &fakeTranscript{}
	executor := &fakeExecutor{findings: sampleFindings()}
	extractor := &fakeExtractor{intents: []*intent.Intent{{
		Spec: filter.Spec{Predicates: []filter.Predicate{
			{Field: filter.FieldYear, Op: filter.OpEq, Value: "2023"},
		}},
	}}}

	// Display cap of 1 forces the chat answer to truncate its rows.
	eng := NewEngine(store, extractor, hrResolver(), executor, nil, 1)
	ctx := context.Background()

	turn, err := eng.ProcessTurn(ctx, TurnRequest{SessionID: "s1", Message: "temuan 2023"})
	require.NoError(t, err)
	assert.Len(t, turn.Response.Rows, 1)
	assert.Equal(t, 3, turn.Response.TotalCount)

	exported, err := eng.Export(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, exported.Rows, 3)
	assert.Equal(t, 3, exported.TotalCount)
}

func TestExportWithoutPriorTurn(t *testing.T) {
	eng := NewEngine(&fakeTranscript{}, &fakeExtractor{}, hrResolver(), &fakeExecutor{}, nil, 50)

	_, err := eng.Export(context.Background(), "fresh")
	assert.ErrorIs(t, err, ErrNoActiveFilters)
}

type fakeCache struct {
	turns map[string]*CachedTurn
	hits  int
}

func (c *fakeCache) GetTurn(ctx context.Context, key string) (*CachedTurn, bool, error) {
	if t, ok := c.turns[key]; ok {
		c.hits++
		return t, true, nil
	}
	return nil, false, nil
}

func (c *fakeCache) SetTurn(ctx context.Context, key string, turn *CachedTurn) error {
	c.turns[key] = turn
	return nil
}

func TestProcessTurnRepeatedQuestionHitsCache(t *testing.T) {
	store := &fakeTranscript{}
	executor := &fakeExecutor{findings: sampleFindings()}
	cache := &fakeCache{turns: make(map[string]*CachedTurn)}
	extractor := &fakeExtractor{intents: []*intent.Intent{
		{Spec: filter.Spec{Predicates: []filter.Predicate{
			{Field: filter.FieldYear, Op: filter.OpEq, Value: "2023"},
		}}},
		{Spec: filter.Spec{Predicates: []filter.Predicate{
			{Field: filter.FieldYear, Op: filter.OpEq, Value: "2023"},
		}}},
	}}

	eng := NewEngine(store, extractor, hrResolver(), executor, cache, 50)
	ctx := context.Background()

	// The cache key covers the inherited filter state, so the first repeat
	// misses (the state changed from empty) and the second repeat hits.
	first, err := eng.ProcessTurn(ctx, TurnRequest{SessionID: "s1", Message: "temuan 2023"})
	require.NoError(t, err)
	_, err = eng.ProcessTurn(ctx, TurnRequest{SessionID: "s1", Message: "temuan 2023"})
	require.NoError(t, err)
	third, err := eng.ProcessTurn(ctx, TurnRequest{SessionID: "s1", Message: "temuan 2023"})
	require.NoError(t, err)

	assert.Equal(t, 1, cache.hits)
	assert.Equal(t, "cache", third.Source)
	assert.Equal(t, first.Response.TotalCount, third.Response.TotalCount)
	assert.Equal(t, 2, len(executor.specs), "the cached turn skips query execution")
	assert.Equal(t, 2, extractor.calls, "the cached turn skips intent extraction")
}
