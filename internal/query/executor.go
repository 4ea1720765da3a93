package query

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/audit-agent/backend/internal/filter"
	"github.com/audit-agent/backend/internal/metrics"
	"github.com/audit-agent/backend/internal/storage/models"
	"github.com/audit-agent/backend/pkg/logger"
)

// Store is the document-store surface the executor compiles against: exact
// match, bounded membership match, and capped scan.
type Store interface {
	QueryFindings(ctx context.Context, conds []models.Condition, limit int) ([]models.Finding, error)
	MembershipLimit() int
}

// ExecutionError is the typed failure for a store-side error. The failing
// predicate travels with it so the turn can report what broke.
type ExecutionError struct {
	Predicate filter.Predicate
	Err       error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("query execution failed on %s: %v", e.Predicate.Field, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Result is the row-level outcome of one compiled query. Truncated is set
// only when an uncapped scan had to be cut off, never when splitting merged
// sub-query pages.
type Result struct {
	Findings  []models.Finding
	Total     int
	Truncated bool
}

type Executor struct {
	store   Store
	scanCap int
}

func NewExecutor(store Store, scanCap int) *Executor {
	if scanCap <= 0 {
		scanCap = 1000
	}
	return &Executor{store: store, scanCap: scanCap}
}

// Execute compiles the spec into one or more store queries and merges the
// pages. Membership predicates above the store's cardinality limit are split
// into disjoint sub-queries run concurrently; a failure in any sub-query
// fails the whole query. Predicates the store cannot express natively run as
// client-side post-filters over the fetched rows.
func (ex *Executor) Execute(ctx context.Context, spec filter.Spec) (*Result, error) {
	native, post := partition(spec.Predicates)

	groups, splitPred := ex.split(native)

	limit := 0
	if len(native) == 0 {
		// Full scan: cap it and tell the caller rather than dropping rows
		// silently.
		limit = ex.scanCap
	}

	findings, err := ex.run(ctx, groups, limit)
	if err != nil {
		failing := splitPred
		if failing.Field == "" && len(spec.Predicates) > 0 {
			failing = spec.Predicates[0]
		}
		return nil, &ExecutionError{Predicate: failing, Err: err}
	}

	metrics.SubQueries.Observe(float64(len(groups)))

	truncated := limit > 0 && len(findings) >= limit

	matched := applyPostFilters(findings, post)

	logger.Debug("Query executed",
		zap.Int("sub_queries", len(groups)),
		zap.Int("fetched", len(findings)),
		zap.Int("matched", len(matched)),
		zap.Bool("truncated", truncated),
	)

	return &Result{
		Findings:  matched,
		Total:     len(matched),
		Truncated: truncated,
	}, nil
}

// partition separates store-native predicates from the ones that need a
// client-side pass (substring and other normalized-case comparisons).
func partition(preds []filter.Predicate) (native []filter.Predicate, post []filter.Predicate) {
	for _, p := range preds {
		switch p.Op {
		case filter.OpEq, filter.OpIn, filter.OpPrefix:
			native = append(native, p)
		default:
			post = append(post, p)
		}
	}
	return native, post
}

// split turns the native predicates into condition groups, chunking any
// membership predicate whose value set exceeds the store limit. A single
// oversized predicate of N values yields ceil(N/L) groups that differ only
// in their membership chunk.
func (ex *Executor) split(native []filter.Predicate) ([][]models.Condition, filter.Predicate) {
	limit := ex.store.MembershipLimit()

	groups := [][]models.Condition{{}}
	var splitPred filter.Predicate

	for _, p := range native {
		cond := models.Condition{Field: p.Field, Op: string(p.Op), Value: p.Value, Values: p.Values}

		if p.Op != filter.OpIn || len(p.Values) <= limit {
			for i := range groups {
				groups[i] = append(groups[i], cond)
			}
			continue
		}

		splitPred = p
		chunks := chunkValues(p.Values, limit)

		expanded := make([][]models.Condition, 0, len(groups)*len(chunks))
		for _, g := range groups {
			for _, chunk := range chunks {
				next := make([]models.Condition, len(g), len(g)+1)
				copy(next, g)
				next = append(next, models.Condition{Field: p.Field, Op: models.CondIn, Values: chunk})
				expanded = append(expanded, next)
			}
		}
		groups = expanded
	}

	return groups, splitPred
}

// run issues every condition group, concurrently when splitting produced
// more than one, and merges the pages by record id to drop duplicates.
func (ex *Executor) run(ctx context.Context, groups [][]models.Condition, limit int) ([]models.Finding, error) {
	if len(groups) == 1 {
		return ex.store.QueryFindings(ctx, groups[0], limit)
	}

	pages := make([][]models.Finding, len(groups))
	g, gctx := errgroup.WithContext(ctx)

	for i, conds := range groups {
		i, conds := i, conds
		g.Go(func() error {
			findings, err := ex.store.QueryFindings(gctx, conds, limit)
			if err != nil {
				return err
			}
			pages[i] = findings
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var merged []models.Finding
	for _, page := range pages {
		for _, f := range page {
			if seen[f.ID] {
				continue
			}
			seen[f.ID] = true
			merged = append(merged, f)
		}
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].ID < merged[j].ID })
	return merged, nil
}

func applyPostFilters(findings []models.Finding, post []filter.Predicate) []models.Finding {
	if len(post) == 0 {
		return findings
	}

	matched := findings[:0:0]
	for _, f := range findings {
		if matchesAll(f, post) {
			matched = append(matched, f)
		}
	}
	return matched
}

func matchesAll(f models.Finding, post []filter.Predicate) bool {
	for _, p := range post {
		value := strings.ToLower(models.FieldValue(f, p.Field))
		switch p.Op {
		case filter.OpContains:
			if !strings.Contains(value, strings.ToLower(p.Value)) {
				return false
			}
		default:
			// An op that is neither native nor a known post-filter cannot
			// match anything.
			return false
		}
	}
	return true
}

func chunkValues(values []string, size int) [][]string {
	var chunks [][]string
	for start := 0; start < len(values); start += size {
		end := start + size
		if end > len(values) {
			end = len(values)
		}
		chunks = append(chunks, values[start:end])
	}
	return chunks
}
