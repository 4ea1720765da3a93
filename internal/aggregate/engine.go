package aggregate

import (
	"sort"

	"github.com/spf13/cast"

	"github.com/audit-agent/backend/internal/filter"
	"github.com/audit-agent/backend/internal/storage/models"
)

// Bucket is one group of a single-dimension aggregation. Sum/Avg/Min/Max are
// only meaningful when the metric asked for them.
type Bucket struct {
	Key   string  `json:"key"`
	Count int     `json:"count"`
	Value float64 `json:"value"`
}

// Series is one named row of a two-dimensional aggregation. Points line up
// with the shared Categories axis, zero-filled where a combination has no
// records, so comparative charts stay aligned.
type Series struct {
	Name   string    `json:"name"`
	Points []float64 `json:"points"`
	Counts []int     `json:"counts"`
}

// Output carries either Buckets (one dimension) or Categories+Series (two).
type Output struct {
	Metric     filter.Metric `json:"metric"`
	GroupBy    []string      `json:"group_by"`
	Buckets    []Bucket      `json:"buckets,omitempty"`
	Categories []string      `json:"categories,omitempty"`
	Series     []Series      `json:"series,omitempty"`
}

// Run groups the matched records and computes the metric per group. An empty
// record set yields an empty (not nil) output, never an error.
func Run(findings []models.Finding, agg filter.Aggregation) *Output {
	out := &Output{
		Metric:  agg.Metric,
		GroupBy: append([]string(nil), agg.GroupBy...),
	}

	if len(agg.GroupBy) == 2 {
		runTwoDim(findings, agg, out)
		return out
	}
	runOneDim(findings, agg, out)
	return out
}

type accumulator struct {
	count   int
	sum     float64
	numeric int
	min     float64
	max     float64
}

// add folds one record in. Records missing the numeric source field still
// count, they just do not contribute to sum/avg/min/max.
func (a *accumulator) add(f models.Finding, sourceField string) {
	a.count++
	if sourceField == "" {
		return
	}
	v, ok := models.NumericValue(f, sourceField)
	if !ok {
		return
	}
	if a.numeric == 0 || v < a.min {
		a.min = v
	}
	if a.numeric == 0 || v > a.max {
		a.max = v
	}
	a.sum += v
	a.numeric++
}

func (a *accumulator) metric(m filter.Metric) float64 {
	switch m {
	case filter.MetricCount:
		return float64(a.count)
	case filter.MetricSum:
		return a.sum
	case filter.MetricAvg:
		if a.numeric == 0 {
			return 0
		}
		return a.sum / float64(a.numeric)
	case filter.MetricMin:
		return a.min
	case filter.MetricMax:
		return a.max
	default:
		return float64(a.count)
	}
}

func runOneDim(findings []models.Finding, agg filter.Aggregation, out *Output) {
	groups := make(map[string]*accumulator)
	for _, f := range findings {
		key := models.FieldValue(f, agg.GroupBy[0])
		acc, ok := groups[key]
		if !ok {
			acc = &accumulator{}
			groups[key] = acc
		}
		acc.add(f, agg.SourceField)
	}

	keys := sortedKeys(groups)
	out.Buckets = make([]Bucket, 0, len(keys))
	for _, key := range keys {
		acc := groups[key]
		out.Buckets = append(out.Buckets, Bucket{
			Key:   key,
			Count: acc.count,
			Value: acc.metric(agg.Metric),
		})
	}
}

func runTwoDim(findings []models.Finding, agg filter.Aggregation, out *Output) {
	type cellKey struct{ series, cat string }

	cells := make(map[cellKey]*accumulator)
	seriesSet := make(map[string]bool)
	catSet := make(map[string]bool)

	for _, f := range findings {
		sk := models.FieldValue(f, agg.GroupBy[0])
		ck := models.FieldValue(f, agg.GroupBy[1])
		seriesSet[sk] = true
		catSet[ck] = true

		key := cellKey{sk, ck}
		acc, ok := cells[key]
		if !ok {
			acc = &accumulator{}
			cells[key] = acc
		}
		acc.add(f, agg.SourceField)
	}

	seriesNames := sortedStringSet(seriesSet)
	out.Categories = sortedStringSet(catSet)

	out.Series = make([]Series, 0, len(seriesNames))
	for _, name := range seriesNames {
		s := Series{
			Name:   name,
			Points: make([]float64, len(out.Categories)),
			Counts: make([]int, len(out.Categories)),
		}
		for i, cat := range out.Categories {
			if acc, ok := cells[cellKey{name, cat}]; ok {
				s.Points[i] = acc.metric(agg.Metric)
				s.Counts[i] = acc.count
			}
		}
		out.Series = append(out.Series, s)
	}
}

func sortedKeys(groups map[string]*accumulator) []string {
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sortGroupKeys(keys)
	return keys
}

func sortedStringSet(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sortGroupKeys(keys)
	return keys
}

// sortGroupKeys sorts numerically when every key parses as a number (years,
// scores), alphabetically otherwise.
func sortGroupKeys(keys []string) {
	numeric := len(keys) > 0
	parsed := make(map[string]float64, len(keys))
	for _, k := range keys {
		v, err := cast.ToFloat64E(k)
		if err != nil {
			numeric = false
			break
		}
		parsed[k] = v
	}

	if numeric {
		sort.Slice(keys, func(i, j int) bool { return parsed[keys[i]] < parsed[keys[j]] })
		return
	}
	sort.Strings(keys)
}
