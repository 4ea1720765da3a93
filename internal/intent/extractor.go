package intent

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/audit-agent/backend/internal/filter"
	"github.com/audit-agent/backend/internal/llm"
	"github.com/audit-agent/backend/pkg/logger"
)

// LLMExtractor is the language-model path. Its answer is untrusted and goes
// through validate before anything downstream sees it.
type LLMExtractor interface {
	ExtractIntent(ctx context.Context, text, previousFilters string) (*llm.IntentPayload, error)
}

// Intent is the validated draft for one turn. CategoryTokens still need the
// category resolver; everything else is ready for the continuity merge.
type Intent struct {
	Spec           filter.Spec
	CategoryTokens []string
	Refine         bool
	NewTopic       bool
	Source         string
	Confident      bool
}

type Extractor struct {
	llm LLMExtractor
	now func() time.Time
}

func NewExtractor(llmClient LLMExtractor, now func() time.Time) *Extractor {
	if now == nil {
		now = time.Now
	}
	return &Extractor{llm: llmClient, now: now}
}

// Extract parses free text into a draft intent. It never fails a turn: when
// the model is unreachable, times out, or answers with an invalid shape, the
// deterministic keyword parser takes over.
func (e *Extractor) Extract(ctx context.Context, text string, prev filter.Spec) *Intent {
	if e.llm != nil {
		payload, err := e.llm.ExtractIntent(ctx, text, prev.String())
		if err == nil {
			intent, verr := e.validate(payload)
			if verr == nil {
				intent.Source = "llm"
				intent.Confident = true
				return intent
			}
			logger.Warn("Rejected model intent, using fallback parser",
				zap.String("text", text), zap.Error(verr))
		} else {
			logger.Warn("Intent extraction failed, using fallback parser",
				zap.String("text", text), zap.Error(err))
		}
	}

	intent := ParseFallback(text, e.now())
	intent.Source = "fallback"
	return intent
}

func (e *Extractor) validate(payload *llm.IntentPayload) (*Intent, error) {
	intent := &Intent{
		Refine:   payload.Refinement,
		NewTopic: payload.NewTopic,
	}

	for _, p := range payload.Predicates {
		if !filter.IsKnownField(p.Field) {
			return nil, fmt.Errorf("unknown field %q", p.Field)
		}
		op := filter.Op(p.Op)
		switch op {
		case filter.OpEq, filter.OpPrefix, filter.OpContains:
			value := p.Value
			if p.Field == filter.FieldYear {
				resolved, err := e.resolveYear(value)
				if err != nil {
					return nil, err
				}
				value = resolved
			}
			if value == "" {
				return nil, fmt.Errorf("empty value for %s %s", p.Field, op)
			}
			intent.Spec.Predicates = append(intent.Spec.Predicates, filter.Predicate{
				Field: p.Field, Op: op, Value: value,
			})
		case filter.OpIn:
			if len(p.Values) == 0 {
				return nil, fmt.Errorf("empty membership set for %s", p.Field)
			}
			values := p.Values
			if p.Field == filter.FieldYear {
				values = make([]string, len(p.Values))
				for i, v := range p.Values {
					resolved, err := e.resolveYear(v)
					if err != nil {
						return nil, err
					}
					values[i] = resolved
				}
			}
			intent.Spec.Predicates = append(intent.Spec.Predicates, filter.Predicate{
				Field: p.Field, Op: op, Values: values,
			})
		default:
			return nil, fmt.Errorf("unknown operator %q", p.Op)
		}
	}

	for _, token := range payload.Categories {
		if token != "" {
			intent.CategoryTokens = append(intent.CategoryTokens, token)
		}
	}

	if payload.Metric != "" || len(payload.GroupBy) > 0 {
		agg, err := validateAggregation(payload.GroupBy, payload.Metric, payload.MetricField)
		if err != nil {
			return nil, err
		}
		intent.Spec.Aggregation = agg
	}

	return intent, nil
}

// resolveYear turns "this year" / "tahun ini" and friends into a concrete
// four-digit year against the extractor's clock.
func (e *Extractor) resolveYear(value string) (string, error) {
	switch value {
	case "this year", "tahun ini", "current year":
		return strconv.Itoa(e.now().Year()), nil
	case "last year", "tahun lalu":
		return strconv.Itoa(e.now().Year() - 1), nil
	}
	year, err := strconv.Atoi(value)
	if err != nil || year < 1900 || year > 2100 {
		return "", fmt.Errorf("invalid year value %q", value)
	}
	return value, nil
}

func validateAggregation(groupBy []string, metric, metricField string) (*filter.Aggregation, error) {
	if len(groupBy) == 0 || len(groupBy) > 2 {
		return nil, fmt.Errorf("aggregation needs one or two group fields, got %d", len(groupBy))
	}
	for _, f := range groupBy {
		if !filter.IsKnownField(f) {
			return nil, fmt.Errorf("unknown group field %q", f)
		}
	}

	if metric == "" {
		metric = string(filter.MetricCount)
	}
	if !filter.IsKnownMetric(metric) {
		return nil, fmt.Errorf("unknown metric %q", metric)
	}

	agg := &filter.Aggregation{
		GroupBy: append([]string(nil), groupBy...),
		Metric:  filter.Metric(metric),
	}

	if agg.Metric != filter.MetricCount {
		switch metricField {
		case "bobot", "kadar", "nilai":
			agg.SourceField = metricField
		case "":
			agg.SourceField = "nilai"
		default:
			return nil, fmt.Errorf("unknown metric field %q", metricField)
		}
	}

	return agg, nil
}
