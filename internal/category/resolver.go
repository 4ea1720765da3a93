package category

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/audit-agent/backend/internal/storage/models"
	"github.com/audit-agent/backend/pkg/logger"
)

// DepartmentLister supplies the canonical department mapping.
type DepartmentLister interface {
	ListDepartments(ctx context.Context) ([]models.Department, error)
}

// Classifier is the LLM path for tokens the synonym table does not cover.
// It must answer with one of the given categories.
type Classifier interface {
	ClassifyCategory(ctx context.Context, token string, categories []string) (string, error)
}

// Cache persists resolutions across process restarts; nil disables it.
type Cache interface {
	GetCategory(ctx context.Context, key string) (*Resolution, bool, error)
	SetCategory(ctx context.Context, key string, res *Resolution) error
}

// Resolution is the outcome for one category token. Departments contains the
// canonical names plus every raw spelling observed under the category, so a
// membership filter over it matches historical findings directly.
type Resolution struct {
	Token       string   `json:"token"`
	Category    string   `json:"category"`
	Departments []string `json:"departments"`
	Reasoning   string   `json:"reasoning"`
	Confident   bool     `json:"confident"`
}

type Resolver struct {
	store      DepartmentLister
	classifier Classifier
	cache      Cache

	mu    sync.Mutex
	local map[string]*Resolution
}

func NewResolver(store DepartmentLister, classifier Classifier, cache Cache) *Resolver {
	return &Resolver{
		store:      store,
		classifier: classifier,
		cache:      cache,
		local:      make(map[string]*Resolution),
	}
}

// Resolve maps a free-form category token to the department-name set of its
// category. Identical tokens always resolve identically within a deployment:
// results are cached by normalized token, and the synonym table is consulted
// before the classifier so the common vocabulary never depends on the LLM.
func (r *Resolver) Resolve(ctx context.Context, token string) (*Resolution, error) {
	key := CatalogVersion + ":" + Normalize(token)

	r.mu.Lock()
	if cached, ok := r.local[key]; ok {
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	if r.cache != nil {
		if cached, ok, err := r.cache.GetCategory(ctx, key); err != nil {
			logger.Warn("Category cache read failed", zap.String("token", token), zap.Error(err))
		} else if ok {
			r.remember(key, cached)
			return cached, nil
		}
	}

	res, err := r.resolve(ctx, token)
	if err != nil {
		return nil, err
	}

	r.remember(key, res)
	if r.cache != nil {
		if err := r.cache.SetCategory(ctx, key, res); err != nil {
			logger.Warn("Category cache write failed", zap.String("token", token), zap.Error(err))
		}
	}

	return res, nil
}

func (r *Resolver) resolve(ctx context.Context, token string) (*Resolution, error) {
	if cat, ok := Lookup(token); ok {
		departments, err := r.departmentsIn(ctx, cat)
		if err != nil {
			return nil, err
		}
		return &Resolution{
			Token:       token,
			Category:    cat,
			Departments: departments,
			Reasoning:   "matched catalog synonym",
			Confident:   true,
		}, nil
	}

	if r.classifier != nil {
		answer, err := r.classifier.ClassifyCategory(ctx, token, Categories)
		if err != nil {
			logger.Warn("Category classification failed, treating as no match",
				zap.String("token", token), zap.Error(err))
		} else if cat, ok := CanonicalCategory(answer); ok {
			departments, derr := r.departmentsIn(ctx, cat)
			if derr != nil {
				return nil, derr
			}
			return &Resolution{
				Token:       token,
				Category:    cat,
				Departments: departments,
				Reasoning:   "classified by language model",
				Confident:   false,
			}, nil
		} else {
			// An answer outside the known category list must not silently
			// become a filter on a non-existent category.
			logger.Warn("Classifier answered outside known categories",
				zap.String("token", token), zap.String("answer", answer))
		}
	}

	return &Resolution{
		Token:     token,
		Category:  "",
		Reasoning: "no confident category match",
		Confident: false,
	}, nil
}

func (r *Resolver) departmentsIn(ctx context.Context, cat string) ([]string, error) {
	departments, err := r.store.ListDepartments(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var names []string
	for _, d := range departments {
		if d.Category != cat {
			continue
		}
		for _, name := range append([]string{d.Name}, d.OriginalNames...) {
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (r *Resolver) remember(key string, res *Resolution) {
	r.mu.Lock()
	r.local[key] = res
	r.mu.Unlock()
}
