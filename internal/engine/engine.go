package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/audit-agent/backend/internal/aggregate"
	"github.com/audit-agent/backend/internal/category"
	"github.com/audit-agent/backend/internal/filter"
	"github.com/audit-agent/backend/internal/format"
	"github.com/audit-agent/backend/internal/intent"
	"github.com/audit-agent/backend/internal/metrics"
	"github.com/audit-agent/backend/internal/query"
	"github.com/audit-agent/backend/internal/storage/models"
	"github.com/audit-agent/backend/pkg/logger"
	"github.com/audit-agent/backend/pkg/utils"
)

// ErrNoActiveFilters is returned by Export when the session has no resolved
// turn to re-run.
var ErrNoActiveFilters = errors.New("session has no resolved filters to export")

type Extractor interface {
	Extract(ctx context.Context, text string, prev filter.Spec) *intent.Intent
}

type CategoryResolver interface {
	Resolve(ctx context.Context, token string) (*category.Resolution, error)
}

type QueryExecutor interface {
	Execute(ctx context.Context, spec filter.Spec) (*query.Result, error)
}

type TranscriptStore interface {
	AppendChatMessage(ctx context.Context, msg *models.ChatMessage) error
	LastUserTurn(ctx context.Context, sessionID string) (*models.ChatMessage, error)
	GetChatHistory(ctx context.Context, sessionID string, limit int) ([]models.ChatMessage, error)
}

// TurnCache short-circuits a repeated question against unchanged filter
// state; nil disables it.
type TurnCache interface {
	GetTurn(ctx context.Context, key string) (*CachedTurn, bool, error)
	SetTurn(ctx context.Context, key string, turn *CachedTurn) error
}

type CachedTurn struct {
	Response *format.Response `json:"response"`
	Filters  string           `json:"filters"`
}

type Engine struct {
	store      TranscriptStore
	extractor  Extractor
	resolver   CategoryResolver
	executor   QueryExecutor
	cache      TurnCache
	displayCap int
}

func NewEngine(store TranscriptStore, extractor Extractor, resolver CategoryResolver, executor QueryExecutor, cache TurnCache, displayCap int) *Engine {
	if displayCap <= 0 {
		displayCap = 50
	}
	return &Engine{
		store:      store,
		extractor:  extractor,
		resolver:   resolver,
		executor:   executor,
		cache:      cache,
		displayCap: displayCap,
	}
}

type TurnRequest struct {
	SessionID string
	Message   string
}

type TurnResponse struct {
	TurnID    string           `json:"turn_id"`
	SessionID string           `json:"session_id"`
	Response  *format.Response `json:"response"`
	Filters   filter.Spec      `json:"filters"`
	Source    string           `json:"source"`
	LatencyMS int              `json:"latency_ms"`
}

// ProcessTurn runs one conversation turn end to end. A failed turn is not
// appended to the transcript, so the next turn inherits the last turn that
// actually resolved.
func (e *Engine) ProcessTurn(ctx context.Context, req TurnRequest) (*TurnResponse, error) {
	startTime := time.Now()
	turnID := uuid.New().String()

	logger.Info("Processing turn",
		zap.String("turn_id", turnID),
		zap.String("session_id", req.SessionID),
		zap.String("message", req.Message),
	)

	prevSpec := e.previousFilters(ctx, req.SessionID)

	cacheKey := utils.HashFields(req.SessionID, prevSpec.String(), req.Message)
	if e.cache != nil {
		if cached, ok, err := e.cache.GetTurn(ctx, cacheKey); err != nil {
			logger.Warn("Turn cache read failed", zap.Error(err))
		} else if ok {
			metrics.CacheHits.WithLabelValues("turn").Inc()
			return e.finishTurn(ctx, turnID, req, cached.Response, cached.Filters, "cache", startTime)
		}
		metrics.CacheMisses.WithLabelValues("turn").Inc()
	}

	draft := e.extractor.Extract(ctx, req.Message, prevSpec)
	if draft.Source == "fallback" {
		metrics.FallbackTotal.Inc()
	}

	var notes []string
	draftSpec, resolveNotes := e.resolveCategories(ctx, draft)
	notes = append(notes, resolveNotes...)

	merged, dropped := filter.Merge(prevSpec, filter.Draft{
		Spec:     draftSpec,
		Refine:   draft.Refine,
		NewTopic: draft.NewTopic,
	})
	for _, note := range dropped {
		logger.Warn("Continuity merge dropped a predicate",
			zap.String("turn_id", turnID), zap.String("note", note))
	}

	result, err := e.executor.Execute(ctx, merged)
	if err != nil {
		metrics.TurnTotal.WithLabelValues("error").Inc()
		logger.Error("Turn failed at query execution",
			zap.String("turn_id", turnID), zap.Error(err))
		return nil, fmt.Errorf("query execution failed: %w", err)
	}

	metrics.ResultRows.Observe(float64(result.Total))

	var agg *aggregate.Output
	if merged.Aggregation != nil {
		agg = aggregate.Run(result.Findings, *merged.Aggregation)
	}

	resp := format.Format(merged, result, agg, e.displayCap)
	if len(notes) > 0 {
		resp.AnswerText += "\n" + strings.Join(notes, "\n")
	}

	filtersJSON, err := merged.MarshalJSONString()
	if err != nil {
		logger.Warn("Failed to serialize resolved filters", zap.Error(err))
		filtersJSON = ""
	}

	if e.cache != nil {
		if err := e.cache.SetTurn(ctx, cacheKey, &CachedTurn{Response: resp, Filters: filtersJSON}); err != nil {
			logger.Warn("Turn cache write failed", zap.Error(err))
		}
	}

	metrics.TurnTotal.WithLabelValues("success").Inc()
	return e.finishTurn(ctx, turnID, req, resp, filtersJSON, draft.Source, startTime)
}

// finishTurn persists the transcript pair and assembles the response.
func (e *Engine) finishTurn(ctx context.Context, turnID string, req TurnRequest, resp *format.Response, filtersJSON, source string, startTime time.Time) (*TurnResponse, error) {
	now := time.Now()

	userMsg := &models.ChatMessage{
		ID:              turnID,
		SessionID:       req.SessionID,
		Role:            "user",
		Text:            req.Message,
		ResolvedFilters: filtersJSON,
		ResultCount:     resp.TotalCount,
		CreatedAt:       now,
	}
	if err := e.store.AppendChatMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("failed to persist turn: %w", err)
	}

	assistantMsg := &models.ChatMessage{
		ID:          uuid.New().String(),
		SessionID:   req.SessionID,
		Role:        "assistant",
		Text:        resp.AnswerText,
		ResultCount: resp.TotalCount,
		CreatedAt:   now,
	}
	if err := e.store.AppendChatMessage(ctx, assistantMsg); err != nil {
		return nil, fmt.Errorf("failed to persist turn: %w", err)
	}

	spec, _ := filter.ParseSpec(filtersJSON)
	latency := int(time.Since(startTime).Milliseconds())
	metrics.TurnDuration.Observe(time.Since(startTime).Seconds())

	logger.Info("Turn processed",
		zap.String("turn_id", turnID),
		zap.Int("total_count", resp.TotalCount),
		zap.String("source", source),
		zap.Int("latency_ms", latency),
	)

	return &TurnResponse{
		TurnID:    turnID,
		SessionID: req.SessionID,
		Response:  resp,
		Filters:   spec,
		Source:    source,
		LatencyMS: latency,
	}, nil
}

// previousFilters loads the prior turn's resolved spec; a fresh session or a
// corrupt record both start the turn from an empty spec.
func (e *Engine) previousFilters(ctx context.Context, sessionID string) filter.Spec {
	last, err := e.store.LastUserTurn(ctx, sessionID)
	if err != nil {
		logger.Warn("Failed to load previous turn", zap.String("session_id", sessionID), zap.Error(err))
		return filter.Spec{}
	}
	if last == nil {
		return filter.Spec{}
	}

	spec, err := filter.ParseSpec(last.ResolvedFilters)
	if err != nil {
		logger.Warn("Previous turn carries malformed filters, starting fresh",
			zap.String("session_id", sessionID), zap.Error(err))
		return filter.Spec{}
	}
	return spec
}

// resolveCategories expands the draft's category tokens into concrete
// department membership predicates. Unresolvable tokens degrade to a note on
// the answer, never to a hard failure.
func (e *Engine) resolveCategories(ctx context.Context, draft *intent.Intent) (filter.Spec, []string) {
	spec := draft.Spec.Clone()
	if len(draft.CategoryTokens) == 0 {
		return spec, nil
	}

	var notes []string
	seen := make(map[string]bool)
	var departments []string

	for _, token := range draft.CategoryTokens {
		res, err := e.resolver.Resolve(ctx, token)
		if err != nil {
			logger.Warn("Category resolution failed", zap.String("token", token), zap.Error(err))
			notes = append(notes, fmt.Sprintf("Could not resolve %q to a department category.", token))
			continue
		}
		if res.Category == "" || len(res.Departments) == 0 {
			notes = append(notes, fmt.Sprintf("No departments matched %q (%s).", token, res.Reasoning))
			continue
		}
		for _, name := range res.Departments {
			if !seen[name] {
				seen[name] = true
				departments = append(departments, name)
			}
		}
	}

	if len(departments) > 0 {
		spec.Predicates = append(spec.Predicates, filter.Predicate{
			Field:  filter.FieldDepartment,
			Op:     filter.OpIn,
			Values: departments,
		})
	}

	return spec, notes
}

// Export re-runs the session's active filters without the display cap so the
// caller receives every matching row.
func (e *Engine) Export(ctx context.Context, sessionID string) (*format.Response, error) {
	last, err := e.store.LastUserTurn(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session state: %w", err)
	}
	if last == nil || strings.TrimSpace(last.ResolvedFilters) == "" {
		return nil, ErrNoActiveFilters
	}

	spec, err := filter.ParseSpec(last.ResolvedFilters)
	if err != nil {
		return nil, fmt.Errorf("session filters are malformed: %w", err)
	}

	result, err := e.executor.Execute(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("query execution failed: %w", err)
	}

	var agg *aggregate.Output
	if spec.Aggregation != nil {
		agg = aggregate.Run(result.Findings, *spec.Aggregation)
	}

	return format.Format(spec, result, agg, 0), nil
}

// History returns the session transcript, newest first.
func (e *Engine) History(ctx context.Context, sessionID string, limit int) ([]models.ChatMessage, error) {
	return e.store.GetChatHistory(ctx, sessionID, limit)
}
