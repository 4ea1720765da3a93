package models

import (
	"strconv"
	"time"
)

// Finding is one recorded audit observation. Year, bobot, kadar and nilai
// have been stored with inconsistent primitive types across import eras;
// the storage layer coerces them into this canonical shape on read.
type Finding struct {
	ID          string   `json:"id"`
	Year        int      `json:"year"`
	ProjectName string   `json:"project_name"`
	Department  string   `json:"department"`
	RiskArea    string   `json:"risk_area"`
	Description string   `json:"description"`
	Code        string   `json:"code"`
	Bobot       *float64 `json:"bobot,omitempty"`
	Kadar       *float64 `json:"kadar,omitempty"`
	Nilai       *float64 `json:"nilai,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CodeClass buckets a finding by its code prefix.
func (f Finding) CodeClass() string {
	switch {
	case len(f.Code) >= 2 && f.Code[:2] == "NF":
		return "non-finding"
	case len(f.Code) >= 1 && f.Code[:1] == "F":
		return "finding"
	default:
		return "unclassified"
	}
}

// Department maps the raw department spellings observed in findings onto one
// canonical name and a coarse category bucket.
type Department struct {
	Name          string    `json:"name"`
	Category      string    `json:"category"`
	OriginalNames []string  `json:"original_names"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ChatMessage is one turn of a conversation, append-only. User turns carry
// the filters that were resolved for them plus the match count, which is all
// the next turn needs for continuity.
type ChatMessage struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	Role            string    `json:"role"`
	Text            string    `json:"text"`
	ResolvedFilters string    `json:"resolved_filters,omitempty"`
	ResultCount     int       `json:"result_count"`
	CreatedAt       time.Time `json:"created_at"`
}

// Condition is a single store-native query constraint.
type Condition struct {
	Field  string
	Op     string
	Value  string
	Values []string
}

const (
	CondEq     = "eq"
	CondIn     = "in"
	CondPrefix = "prefix"
)

// FieldValue extracts a finding's value for a filterable or groupable field
// as a string. Unknown fields yield "".
func FieldValue(f Finding, field string) string {
	switch field {
	case "year":
		if f.Year == 0 {
			return ""
		}
		return strconv.Itoa(f.Year)
	case "projectName":
		return f.ProjectName
	case "department":
		return f.Department
	case "riskArea":
		return f.RiskArea
	case "description":
		return f.Description
	case "code":
		return f.Code
	default:
		return ""
	}
}

// NumericValue extracts a finding's numeric scoring field, reporting whether
// the record carries it at all.
func NumericValue(f Finding, field string) (float64, bool) {
	var v *float64
	switch field {
	case "bobot":
		v = f.Bobot
	case "kadar":
		v = f.Kadar
	case "nilai":
		v = f.Nilai
	}
	if v == nil {
		return 0, false
	}
	return *v, true
}
