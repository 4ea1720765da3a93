package format

import (
	"fmt"
	"strings"

	"github.com/audit-agent/backend/internal/aggregate"
	"github.com/audit-agent/backend/internal/filter"
	"github.com/audit-agent/backend/internal/query"
	"github.com/audit-agent/backend/internal/storage/models"
)

// Response is the user-facing payload for one turn. TotalCount is always the
// true match count even when Rows is capped; Truncated marks a capped scan.
type Response struct {
	AnswerText  string            `json:"answer_text"`
	Rows        []models.Finding  `json:"rows,omitempty"`
	TotalCount  int               `json:"total_count"`
	Aggregation *aggregate.Output `json:"aggregation,omitempty"`
	Truncated   bool              `json:"truncated"`
}

// Format builds the response from the executed result. displayCap limits the
// rows shown; a cap of 0 disables capping (the export path).
func Format(spec filter.Spec, result *query.Result, agg *aggregate.Output, displayCap int) *Response {
	rows := result.Findings
	capped := false
	if displayCap > 0 && len(rows) > displayCap {
		rows = rows[:displayCap]
		capped = true
	}

	resp := &Response{
		Rows:        rows,
		TotalCount:  result.Total,
		Aggregation: agg,
		Truncated:   result.Truncated,
	}
	resp.AnswerText = answerText(spec, result, agg, capped, len(rows))
	return resp
}

func answerText(spec filter.Spec, result *query.Result, agg *aggregate.Output, capped bool, shown int) string {
	var b strings.Builder

	switch result.Total {
	case 0:
		b.WriteString("No findings match")
	case 1:
		b.WriteString("Found 1 finding")
	default:
		fmt.Fprintf(&b, "Found %d findings", result.Total)
	}
	if desc := spec.String(); desc != "" {
		fmt.Fprintf(&b, " for %s", desc)
	}
	b.WriteString(".")

	if capped {
		fmt.Fprintf(&b, " Showing the first %d; use export to retrieve all %d.", shown, result.Total)
	}
	if result.Truncated {
		b.WriteString(" The question had no narrowing filter, so the scan was capped; add a year, department, or project to see everything.")
	}

	if agg != nil {
		b.WriteString("\n")
		writeAggregation(&b, agg)
	}

	return b.String()
}

func writeAggregation(b *strings.Builder, agg *aggregate.Output) {
	if len(agg.GroupBy) == 2 {
		fmt.Fprintf(b, "%s by %s and %s:\n", agg.Metric, agg.GroupBy[0], agg.GroupBy[1])
		for _, s := range agg.Series {
			parts := make([]string, len(agg.Categories))
			for i, cat := range agg.Categories {
				parts[i] = fmt.Sprintf("%s=%s", cat, trimNumber(s.Points[i]))
			}
			fmt.Fprintf(b, "- %s: %s\n", s.Name, strings.Join(parts, ", "))
		}
		return
	}

	fmt.Fprintf(b, "%s by %s:\n", agg.Metric, agg.GroupBy[0])
	for _, bucket := range agg.Buckets {
		key := bucket.Key
		if key == "" {
			key = "(unspecified)"
		}
		fmt.Fprintf(b, "- %s: %s\n", key, trimNumber(bucket.Value))
	}
}

func trimNumber(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.2f", v)
}
