package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/audit-agent/backend/internal/category"
	"github.com/audit-agent/backend/internal/metrics"
	"github.com/audit-agent/backend/internal/storage/models"
	"github.com/audit-agent/backend/pkg/logger"
	"github.com/audit-agent/backend/pkg/utils"
)

// Store is the write surface the importer needs.
type Store interface {
	UpsertFinding(ctx context.Context, f *models.Finding, yearValue interface{}) error
	UpsertDepartment(ctx context.Context, dept *models.Department) error
	ListDepartments(ctx context.Context) ([]models.Department, error)
}

// FindingInput is one row of a bulk import payload. Year is deliberately
// untyped: export tools have produced it as both string and number.
type FindingInput struct {
	Year        interface{} `json:"year"`
	ProjectName string      `json:"project_name"`
	Department  string      `json:"department"`
	RiskArea    string      `json:"risk_area"`
	Description string      `json:"description"`
	Code        string      `json:"code"`
	Bobot       *float64    `json:"bobot"`
	Kadar       *float64    `json:"kadar"`
}

type Report struct {
	Imported    int `json:"imported"`
	Skipped     int `json:"skipped"`
	Departments int `json:"departments"`
}

type Importer struct {
	store Store
}

func NewImporter(store Store) *Importer {
	return &Importer{store: store}
}

// Import writes the findings and refreshes the department mapping. Ids are
// derived from record content, so re-importing an overlapping batch updates
// rows in place instead of duplicating them.
func (imp *Importer) Import(ctx context.Context, inputs []FindingInput) (*Report, error) {
	report := &Report{}
	now := time.Now()

	for _, input := range inputs {
		if input.ProjectName == "" && input.Description == "" {
			report.Skipped++
			continue
		}

		yearStr := cast.ToString(input.Year)
		f := &models.Finding{
			ID: utils.HashFields(input.ProjectName, input.Department, input.Code,
				input.Description, yearStr),
			ProjectName: input.ProjectName,
			Department:  input.Department,
			RiskArea:    input.RiskArea,
			Code:        input.Code,
			Description: input.Description,
			Bobot:       input.Bobot,
			Kadar:       input.Kadar,
			CreatedAt:   now,
			UpdatedAt:   now,
		}

		if year, err := cast.ToIntE(input.Year); err == nil {
			f.Year = year
		} else {
			logger.Warn("Import row has unparseable year",
				zap.Any("year", input.Year), zap.String("project", input.ProjectName))
		}

		if input.Bobot != nil && input.Kadar != nil {
			nilai := *input.Bobot * *input.Kadar
			f.Nilai = &nilai
		}

		if err := imp.store.UpsertFinding(ctx, f, input.Year); err != nil {
			return report, fmt.Errorf("failed to import finding %s: %w", f.ID, err)
		}
		report.Imported++
	}

	metrics.FindingsImported.Add(float64(report.Imported))

	departments, err := imp.refreshDepartments(ctx, inputs)
	if err != nil {
		return report, err
	}
	report.Departments = departments

	logger.Info("Bulk import finished",
		zap.Int("imported", report.Imported),
		zap.Int("skipped", report.Skipped),
		zap.Int("departments", report.Departments),
	)

	return report, nil
}

// refreshDepartments attaches every raw department spelling seen in the
// batch to exactly one canonical department. Unknown spellings open a new
// department, categorized via the synonym catalog or degraded to Other.
func (imp *Importer) refreshDepartments(ctx context.Context, inputs []FindingInput) (int, error) {
	existing, err := imp.store.ListDepartments(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load departments: %w", err)
	}

	byRaw := make(map[string]*models.Department)
	byName := make(map[string]*models.Department)
	for i := range existing {
		d := &existing[i]
		byName[category.Normalize(d.Name)] = d
		byRaw[category.Normalize(d.Name)] = d
		for _, raw := range d.OriginalNames {
			byRaw[category.Normalize(raw)] = d
		}
	}

	changed := make(map[string]*models.Department)
	for _, input := range inputs {
		raw := strings.TrimSpace(input.Department)
		if raw == "" {
			continue
		}
		key := category.Normalize(raw)

		if d, ok := byRaw[key]; ok {
			if !containsName(d.OriginalNames, raw) && !strings.EqualFold(d.Name, raw) {
				d.OriginalNames = append(d.OriginalNames, raw)
				changed[d.Name] = d
			}
			continue
		}

		if d, ok := byName[key]; ok {
			d.OriginalNames = append(d.OriginalNames, raw)
			byRaw[key] = d
			changed[d.Name] = d
			continue
		}

		d := &models.Department{
			Name:          raw,
			Category:      guessCategory(raw),
			OriginalNames: []string{raw},
		}
		byRaw[key] = d
		byName[key] = d
		changed[d.Name] = d
	}

	for _, d := range changed {
		if err := imp.store.UpsertDepartment(ctx, d); err != nil {
			return len(changed), fmt.Errorf("failed to upsert department %s: %w", d.Name, err)
		}
	}

	return len(changed), nil
}

// guessCategory matches the department name's unigrams and bigrams against
// the synonym catalog.
func guessCategory(name string) string {
	if cat, ok := category.Lookup(name); ok {
		return cat
	}

	words := strings.Fields(strings.ToLower(name))
	for i, w := range words {
		if cat, ok := category.Lookup(w); ok {
			return cat
		}
		if i+1 < len(words) {
			if cat, ok := category.Lookup(w + " " + words[i+1]); ok {
				return cat
			}
		}
	}
	return category.Other
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
