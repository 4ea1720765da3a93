package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/audit-agent/backend/internal/storage/models"
	"github.com/audit-agent/backend/pkg/logger"
)

// ErrMembershipLimit is returned when a membership condition exceeds the
// store's per-query cardinality limit. The query executor splits sets before
// they get here; seeing this error means a compiler bug, not user error.
var ErrMembershipLimit = errors.New("membership condition exceeds store limit")

type Client struct {
	db              *sql.DB
	membershipLimit int
}

func NewClient(dbPath string, membershipLimit int) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if membershipLimit <= 0 {
		membershipLimit = 10
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db, membershipLimit: membershipLimit}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// MembershipLimit is the maximum number of values a single membership
// condition may carry.
func (c *Client) MembershipLimit() int {
	return c.membershipLimit
}

func (c *Client) InitSchema() error {
	// year is declared without a column type on purpose: historical imports
	// wrote it as both text and number, and the read path normalizes.
	schema := `
	CREATE TABLE IF NOT EXISTS findings (
		id TEXT PRIMARY KEY,
		year,
		project_name TEXT NOT NULL,
		department TEXT,
		risk_area TEXT,
		description TEXT,
		code TEXT,
		bobot REAL,
		kadar REAL,
		nilai REAL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_findings_department ON findings(department);
	CREATE INDEX IF NOT EXISTS idx_findings_code ON findings(code);

	CREATE TABLE IF NOT EXISTS departments (
		name TEXT PRIMARY KEY,
		category TEXT NOT NULL,
		original_names TEXT,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_departments_category ON departments(category);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		text TEXT NOT NULL,
		resolved_filters TEXT,
		result_count INTEGER DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_session ON chat_messages(session_id);
	CREATE INDEX IF NOT EXISTS idx_chat_created ON chat_messages(created_at);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// UpsertFinding writes one finding. yearValue is stored exactly as received
// from the import payload so re-imports do not rewrite historical typing.
func (c *Client) UpsertFinding(ctx context.Context, f *models.Finding, yearValue interface{}) error {
	query := `
		INSERT INTO findings (id, year, project_name, department, risk_area, description, code,
			bobot, kadar, nilai, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			year = excluded.year,
			project_name = excluded.project_name,
			department = excluded.department,
			risk_area = excluded.risk_area,
			description = excluded.description,
			code = excluded.code,
			bobot = excluded.bobot,
			kadar = excluded.kadar,
			nilai = excluded.nilai,
			updated_at = excluded.updated_at
	`

	if yearValue == nil {
		yearValue = f.Year
	}

	_, err := c.db.ExecContext(ctx, query,
		f.ID,
		yearValue,
		f.ProjectName,
		f.Department,
		f.RiskArea,
		f.Description,
		f.Code,
		nullableFloat(f.Bobot),
		nullableFloat(f.Kadar),
		nullableFloat(f.Nilai),
		f.CreatedAt.Unix(),
		f.UpdatedAt.Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to upsert finding: %w", err)
	}

	return nil
}

var findingColumns = map[string]string{
	"year":        "year",
	"projectName": "project_name",
	"department":  "department",
	"riskArea":    "risk_area",
	"description": "description",
	"code":        "code",
}

// QueryFindings runs the store-native condition set. Membership conditions
// above the cardinality limit are rejected, and a limit of 0 means no cap.
func (c *Client) QueryFindings(ctx context.Context, conds []models.Condition, limit int) ([]models.Finding, error) {
	var clauses []string
	var args []interface{}

	for _, cond := range conds {
		col, ok := findingColumns[cond.Field]
		if !ok {
			return nil, fmt.Errorf("field %q has no stored column", cond.Field)
		}

		// Year comparisons go through CAST so text and integer storage of
		// the same logical value match the same condition.
		expr := col
		if col == "year" {
			expr = "CAST(year AS TEXT)"
		}

		switch cond.Op {
		case models.CondEq:
			clauses = append(clauses, expr+" = ?")
			args = append(args, cond.Value)
		case models.CondPrefix:
			clauses = append(clauses, col+" LIKE ?")
			args = append(args, cond.Value+"%")
		case models.CondIn:
			if len(cond.Values) == 0 {
				continue
			}
			if len(cond.Values) > c.membershipLimit {
				return nil, fmt.Errorf("%w: %d values on %s", ErrMembershipLimit, len(cond.Values), cond.Field)
			}
			placeholders := strings.Repeat("?,", len(cond.Values))
			clauses = append(clauses, expr+" IN ("+placeholders[:len(placeholders)-1]+")")
			for _, v := range cond.Values {
				args = append(args, v)
			}
		default:
			return nil, fmt.Errorf("operator %q is not store-native", cond.Op)
		}
	}

	query := `SELECT id, year, project_name, department, risk_area, description, code,
		bobot, kadar, nilai, created_at, updated_at FROM findings`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query findings: %w", err)
	}
	defer rows.Close()

	var findings []models.Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, err
		}
		findings = append(findings, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate findings: %w", err)
	}

	return findings, nil
}

func (c *Client) CountFindings(ctx context.Context) (int, error) {
	var count int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM findings`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count findings: %w", err)
	}
	return count, nil
}

func scanFinding(rows *sql.Rows) (models.Finding, error) {
	var f models.Finding
	var year interface{}
	var bobot, kadar, nilai sql.NullFloat64
	var createdAt, updatedAt int64

	err := rows.Scan(
		&f.ID,
		&year,
		&f.ProjectName,
		&f.Department,
		&f.RiskArea,
		&f.Description,
		&f.Code,
		&bobot,
		&kadar,
		&nilai,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return f, fmt.Errorf("failed to scan finding: %w", err)
	}

	// Normalize at the read boundary: the stored year may be text or number.
	if yearInt, err := cast.ToIntE(normalizeScanned(year)); err == nil {
		f.Year = yearInt
	} else {
		logger.Warn("Finding has unparseable year, defaulting to 0",
			zap.String("finding_id", f.ID), zap.Any("year", year))
	}

	f.Bobot = floatPtr(bobot)
	f.Kadar = floatPtr(kadar)
	f.Nilai = floatPtr(nilai)
	f.CreatedAt = time.Unix(createdAt, 0)
	f.UpdatedAt = time.Unix(updatedAt, 0)

	return f, nil
}

func normalizeScanned(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func nullableFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func (c *Client) UpsertDepartment(ctx context.Context, dept *models.Department) error {
	originalJSON, _ := json.Marshal(dept.OriginalNames)

	query := `
		INSERT INTO departments (name, category, original_names, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			category = excluded.category,
			original_names = excluded.original_names,
			updated_at = excluded.updated_at
	`

	_, err := c.db.ExecContext(ctx, query, dept.Name, dept.Category, string(originalJSON), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert department: %w", err)
	}

	return nil
}

func (c *Client) ListDepartments(ctx context.Context) ([]models.Department, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT name, category, original_names, updated_at FROM departments`)
	if err != nil {
		return nil, fmt.Errorf("failed to list departments: %w", err)
	}
	defer rows.Close()

	var departments []models.Department
	for rows.Next() {
		var d models.Department
		var originalJSON string
		var updatedAt int64

		if err := rows.Scan(&d.Name, &d.Category, &originalJSON, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan department: %w", err)
		}

		if err := json.Unmarshal([]byte(originalJSON), &d.OriginalNames); err != nil {
			logger.Warn("Department has malformed original_names", zap.String("name", d.Name))
		}
		d.UpdatedAt = time.Unix(updatedAt, 0)
		departments = append(departments, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate departments: %w", err)
	}

	return departments, nil
}

func (c *Client) AppendChatMessage(ctx context.Context, msg *models.ChatMessage) error {
	query := `
		INSERT INTO chat_messages (id, session_id, role, text, resolved_filters, result_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.ExecContext(ctx, query,
		msg.ID,
		msg.SessionID,
		msg.Role,
		msg.Text,
		msg.ResolvedFilters,
		msg.ResultCount,
		msg.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to append chat message: %w", err)
	}

	return nil
}

// LastUserTurn returns the most recent user message of the session, or nil
// when the conversation is fresh.
func (c *Client) LastUserTurn(ctx context.Context, sessionID string) (*models.ChatMessage, error) {
	query := `
		SELECT id, session_id, role, text, resolved_filters, result_count, created_at
		FROM chat_messages
		WHERE session_id = ? AND role = 'user'
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`

	var msg models.ChatMessage
	var createdAt int64

	err := c.db.QueryRowContext(ctx, query, sessionID).Scan(
		&msg.ID,
		&msg.SessionID,
		&msg.Role,
		&msg.Text,
		&msg.ResolvedFilters,
		&msg.ResultCount,
		&createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last user turn: %w", err)
	}

	msg.CreatedAt = time.Unix(createdAt, 0)
	return &msg, nil
}

func (c *Client) GetChatHistory(ctx context.Context, sessionID string, limit int) ([]models.ChatMessage, error) {
	query := `
		SELECT id, session_id, role, text, resolved_filters, result_count, created_at
		FROM chat_messages
		WHERE session_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`

	rows, err := c.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get chat history: %w", err)
	}
	defer rows.Close()

	var messages []models.ChatMessage
	for rows.Next() {
		var msg models.ChatMessage
		var createdAt int64

		err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Text,
			&msg.ResolvedFilters, &msg.ResultCount, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chat message: %w", err)
		}

		msg.CreatedAt = time.Unix(createdAt, 0)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chat messages: %w", err)
	}

	return messages, nil
}
