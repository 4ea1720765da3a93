package ingestion

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audit-agent/backend/internal/storage/models"
)

type fakeStore struct {
	findings    map[string]models.Finding
	yearValues  map[string]interface{}
	departments map[string]models.Department
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		findings:    make(map[string]models.Finding),
		yearValues:  make(map[string]interface{}),
		departments: make(map[string]models.Department),
	}
}

func (s *fakeStore) UpsertFinding(ctx context.Context, f *models.Finding, yearValue interface{}) error {
	s.findings[f.ID] = *f
	s.yearValues[f.ID] = yearValue
	return nil
}

func (s *fakeStore) UpsertDepartment(ctx context.Context, dept *models.Department) error {
	s.departments[dept.Name] = *dept
	return nil
}

func (s *fakeStore) ListDepartments(ctx context.Context) ([]models.Department, error) {
	var out []models.Department
	for _, d := range s.departments {
		out = append(out, d)
	}
	return out, nil
}

func fl(v float64) *float64 { return &v }

func TestImportComputesNilaiAndKeepsRawYear(t *testing.T) {
	store := newFakeStore()
	imp := NewImporter(store)

	report, err := imp.Import(context.Background(), []FindingInput{
		{Year: "2023", ProjectName: "Proyek A", Department: "Human Capital", Code: "F-01",
			Description: "akses tidak dibatasi", Bobot: fl(3), Kadar: fl(0.5)},
		{Year: 2022, ProjectName: "Proyek B", Department: "IT Support", Code: "NF-01",
			Description: "dokumentasi lengkap"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Imported)
	assert.Equal(t, 0, report.Skipped)

	require.Len(t, store.findings, 2)
	for id, f := range store.findings {
		switch f.ProjectName {
		case "Proyek A":
			assert.Equal(t, 2023, f.Year)
			require.NotNil(t, f.Nilai)
			assert.Equal(t, 1.5, *f.Nilai)
			assert.Equal(t, "2023", store.yearValues[id], "year reaches the store as received")
		case "Proyek B":
			assert.Equal(t, 2022, f.Year)
			assert.Nil(t, f.Nilai)
			assert.Equal(t, 2022, store.yearValues[id])
		}
	}
}

func TestImportSkipsEmptyRows(t *testing.T) {
	store := newFakeStore()
	imp := NewImporter(store)

	report, err := imp.Import(context.Background(), []FindingInput{
		{Year: 2023},
		{Year: 2023, ProjectName: "Proyek A", Department: "HR", Description: "x"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Imported)
	assert.Equal(t, 1, report.Skipped)
}

func TestImportIsIdempotentById(t *testing.T) {
	store := newFakeStore()
	imp := NewImporter(store)
	ctx := context.Background()

	batch := []FindingInput{
		{Year: 2023, ProjectName: "Proyek A", Department: "HR", Code: "F-01", Description: "x"},
	}

	_, err := imp.Import(ctx, batch)
	require.NoError(t, err)
	_, err = imp.Import(ctx, batch)
	require.NoError(t, err)

	assert.Len(t, store.findings, 1, "re-importing the same row updates in place")
}

func TestImportRegistersNewDepartmentSpellings(t *testing.T) {
	store := newFakeStore()
	store.departments["Human Capital"] = models.Department{
		Name: "Human Capital", Category: "HR", OriginalNames: []string{"HC"},
	}
	imp := NewImporter(store)

	_, err := imp.Import(context.Background(), []FindingInput{
		{Year: 2023, ProjectName: "P1", Department: "HC", Description: "a"},
		{Year: 2023, ProjectName: "P2", Department: "Divisi Human Capital", Description: "b"},
		{Year: 2023, ProjectName: "P3", Department: "Gudang Pusat", Description: "c"},
	})
	require.NoError(t, err)

	// "HC" was already attached; "Divisi Human Capital" opens a new
	// department categorized through its words; the unknown one lands in Other.
	divisi, ok := store.departments["Divisi Human Capital"]
	require.True(t, ok)
	assert.Equal(t, "HR", divisi.Category)

	gudang, ok := store.departments["Gudang Pusat"]
	require.True(t, ok)
	assert.Equal(t, "Other", gudang.Category)

	hc := store.departments["Human Capital"]
	assert.Equal(t, []string{"HC"}, hc.OriginalNames, "known spellings stay untouched")
}
