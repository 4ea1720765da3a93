package filter

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

type Op string

const (
	OpEq       Op = "eq"
	OpIn       Op = "in"
	OpPrefix   Op = "prefix"
	OpContains Op = "contains"
)

// Fields the engine knows how to filter and group on.
const (
	FieldYear        = "year"
	FieldProject     = "projectName"
	FieldDepartment  = "department"
	FieldRiskArea    = "riskArea"
	FieldDescription = "description"
	FieldCode        = "code"
)

var knownFields = map[string]bool{
	FieldYear:        true,
	FieldProject:     true,
	FieldDepartment:  true,
	FieldRiskArea:    true,
	FieldDescription: true,
	FieldCode:        true,
}

func IsKnownField(field string) bool {
	return knownFields[field]
}

type Metric string

const (
	MetricCount Metric = "count"
	MetricSum   Metric = "sum"
	MetricAvg   Metric = "avg"
	MetricMin   Metric = "min"
	MetricMax   Metric = "max"
)

func IsKnownMetric(m string) bool {
	switch Metric(m) {
	case MetricCount, MetricSum, MetricAvg, MetricMin, MetricMax:
		return true
	}
	return false
}

// Predicate is one filter constraint. Value is set for eq/prefix/contains,
// Values for membership (in) predicates.
type Predicate struct {
	Field  string   `json:"field"`
	Op     Op       `json:"op"`
	Value  string   `json:"value,omitempty"`
	Values []string `json:"values,omitempty"`
}

// Aggregation asks for the matched set to be grouped by one or two fields.
// SourceField names the numeric field for sum/avg/min/max; count needs none.
type Aggregation struct {
	GroupBy     []string `json:"group_by"`
	Metric      Metric   `json:"metric"`
	SourceField string   `json:"source_field,omitempty"`
}

// Spec is a resolved filter specification for one conversation turn.
type Spec struct {
	Predicates  []Predicate  `json:"predicates"`
	Aggregation *Aggregation `json:"aggregation,omitempty"`
}

func (s Spec) IsEmpty() bool {
	return len(s.Predicates) == 0 && s.Aggregation == nil
}

// Clone returns a deep copy so merge logic never aliases a prior turn's spec.
func (s Spec) Clone() Spec {
	out := Spec{Predicates: make([]Predicate, len(s.Predicates))}
	for i, p := range s.Predicates {
		cp := p
		if p.Values != nil {
			cp.Values = append([]string(nil), p.Values...)
		}
		out.Predicates[i] = cp
	}
	if s.Aggregation != nil {
		agg := *s.Aggregation
		agg.GroupBy = append([]string(nil), s.Aggregation.GroupBy...)
		out.Aggregation = &agg
	}
	return out
}

// FieldSet reports which fields the spec constrains.
func (s Spec) FieldSet() map[string]bool {
	fields := make(map[string]bool, len(s.Predicates))
	for _, p := range s.Predicates {
		fields[p.Field] = true
	}
	return fields
}

// Predicate on a given field, if any.
func (s Spec) PredicateOn(field string) (Predicate, bool) {
	for _, p := range s.Predicates {
		if p.Field == field {
			return p, true
		}
	}
	return Predicate{}, false
}

func (s Spec) String() string {
	parts := make([]string, 0, len(s.Predicates))
	for _, p := range s.Predicates {
		if p.Op == OpIn {
			vals := append([]string(nil), p.Values...)
			sort.Strings(vals)
			parts = append(parts, fmt.Sprintf("%s in [%s]", p.Field, strings.Join(vals, ",")))
		} else {
			parts = append(parts, fmt.Sprintf("%s %s %q", p.Field, p.Op, p.Value))
		}
	}
	if s.Aggregation != nil {
		parts = append(parts, fmt.Sprintf("group by %s (%s)", strings.Join(s.Aggregation.GroupBy, ","), s.Aggregation.Metric))
	}
	return strings.Join(parts, " AND ")
}

// MarshalJSONString renders the spec for persistence on a chat message.
func (s Spec) MarshalJSONString() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal filter spec: %w", err)
	}
	return string(data), nil
}

// ParseSpec restores a spec persisted on a prior turn. An empty or malformed
// payload yields an empty spec so a corrupt transcript never blocks a turn.
func ParseSpec(raw string) (Spec, error) {
	if strings.TrimSpace(raw) == "" {
		return Spec{}, nil
	}
	var s Spec
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Spec{}, fmt.Errorf("failed to parse filter spec: %w", err)
	}
	return s, nil
}
