package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audit-agent/backend/internal/storage/models"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(":memory:", 10)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.InitSchema())
	return c
}

func insertFinding(t *testing.T, c *Client, id string, yearValue interface{}, project, department, code string) {
	t.Helper()
	now := time.Now()
	err := c.UpsertFinding(context.Background(), &models.Finding{
		ID:          id,
		ProjectName: project,
		Department:  department,
		Code:        code,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, yearValue)
	require.NoError(t, err)
}

func TestQueryFindingsMatchesMixedYearTyping(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	// Historical imports wrote the year as both text and number.
	insertFinding(t, c, "a", "2023", "Proyek A", "HR", "F-01")
	insertFinding(t, c, "b", 2023, "Proyek B", "IT", "F-02")
	insertFinding(t, c, "c", 2022, "Proyek C", "HR", "F-03")

	findings, err := c.QueryFindings(ctx, []models.Condition{
		{Field: "year", Op: models.CondEq, Value: "2023"},
	}, 0)
	require.NoError(t, err)

	require.Len(t, findings, 2, "text and integer storage of the same year both match")
	assert.Equal(t, 2023, findings[0].Year)
	assert.Equal(t, 2023, findings[1].Year)
}

func TestQueryFindingsMembership(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	insertFinding(t, c, "a", 2023, "Proyek A", "Human Capital", "F-01")
	insertFinding(t, c, "b", 2023, "Proyek B", "Treasury", "F-02")
	insertFinding(t, c, "c", 2023, "Proyek C", "Recruitment", "NF-01")

	findings, err := c.QueryFindings(ctx, []models.Condition{
		{Field: "department", Op: models.CondIn, Values: []string{"Human Capital", "Recruitment"}},
	}, 0)
	require.NoError(t, err)
	assert.Len(t, findings, 2)
}

func TestQueryFindingsRejectsOversizedMembership(t *testing.T) {
	c := newTestClient(t)

	values := make([]string, 11)
	for i := range values {
		values[i] = string(rune('a' + i))
	}

	_, err := c.QueryFindings(context.Background(), []models.Condition{
		{Field: "department", Op: models.CondIn, Values: values},
	}, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMembershipLimit)
}

func TestQueryFindingsPrefix(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	insertFinding(t, c, "a", 2023, "Proyek A", "HR", "F-01")
	insertFinding(t, c, "b", 2023, "Proyek B", "HR", "NF-01")

	findings, err := c.QueryFindings(ctx, []models.Condition{
		{Field: "code", Op: models.CondPrefix, Value: "NF"},
	}, 0)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "b", findings[0].ID)
}

func TestUpsertFindingIsIdempotent(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	insertFinding(t, c, "a", 2023, "Proyek A", "HR", "F-01")
	insertFinding(t, c, "a", 2023, "Proyek A Revisi", "HR", "F-01")

	count, err := c.CountFindings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	findings, err := c.QueryFindings(ctx, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "Proyek A Revisi", findings[0].ProjectName)
}

func TestDepartmentRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	err := c.UpsertDepartment(ctx, &models.Department{
		Name:          "Human Capital",
		Category:      "HR",
		OriginalNames: []string{"HC", "HCM Dept"},
	})
	require.NoError(t, err)

	departments, err := c.ListDepartments(ctx)
	require.NoError(t, err)
	require.Len(t, departments, 1)
	assert.Equal(t, "HR", departments[0].Category)
	assert.Equal(t, []string{"HC", "HCM Dept"}, departments[0].OriginalNames)
}

func TestLastUserTurnSkipsAssistantMessages(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, c.AppendChatMessage(ctx, &models.ChatMessage{
		ID: "m1", SessionID: "s1", Role: "user", Text: "temuan 2023",
		ResolvedFilters: `{"predicates":[{"field":"year","op":"eq","value":"2023"}]}`,
		CreatedAt:       now,
	}))
	require.NoError(t, c.AppendChatMessage(ctx, &models.ChatMessage{
		ID: "m2", SessionID: "s1", Role: "assistant", Text: "Found 3 findings.",
		CreatedAt: now,
	}))

	last, err := c.LastUserTurn(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "m1", last.ID)
	assert.Contains(t, last.ResolvedFilters, "2023")
}

func TestLastUserTurnFreshSession(t *testing.T) {
	c := newTestClient(t)

	last, err := c.LastUserTurn(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, last)
}
