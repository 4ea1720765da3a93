package intent

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jdkato/prose/v2"

	"github.com/audit-agent/backend/internal/category"
	"github.com/audit-agent/backend/internal/filter"
)

var (
	yearPattern   = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	quotedPattern = regexp.MustCompile(`"([^"]+)"|'([^']+)'`)
)

var refineCues = []string{"only", "just", "khusus", "hanya", "specifically"}

var newTopicCues = []string{"new question", "new topic", "topik baru", "ganti topik", "pertanyaan baru"}

// ParseFallback is the deterministic keyword parser used when the language
// model is unavailable or answers with an invalid shape. It covers the common
// vocabulary: four-digit years, quoted project names, code classes, category
// shorthand, trend/grouping phrasing, and narrowing cues in both languages.
func ParseFallback(text string, now time.Time) *Intent {
	intent := &Intent{}
	lower := strings.ToLower(text)

	for _, cue := range newTopicCues {
		if strings.Contains(lower, cue) {
			intent.NewTopic = true
			break
		}
	}

	refineCue := ""
	for _, cue := range refineCues {
		if containsWord(lower, cue) {
			intent.Refine = true
			refineCue = cue
			break
		}
	}

	if years := yearPattern.FindAllString(text, -1); len(years) == 1 {
		intent.Spec.Predicates = append(intent.Spec.Predicates, filter.Predicate{
			Field: filter.FieldYear, Op: filter.OpEq, Value: years[0],
		})
	} else if len(years) > 1 {
		intent.Spec.Predicates = append(intent.Spec.Predicates, filter.Predicate{
			Field: filter.FieldYear, Op: filter.OpIn, Values: dedupe(years),
		})
	} else if strings.Contains(lower, "this year") || strings.Contains(lower, "tahun ini") {
		intent.Spec.Predicates = append(intent.Spec.Predicates, filter.Predicate{
			Field: filter.FieldYear, Op: filter.OpEq, Value: strconv.Itoa(now.Year()),
		})
	} else if strings.Contains(lower, "last year") || strings.Contains(lower, "tahun lalu") {
		intent.Spec.Predicates = append(intent.Spec.Predicates, filter.Predicate{
			Field: filter.FieldYear, Op: filter.OpEq, Value: strconv.Itoa(now.Year() - 1),
		})
	}

	for _, m := range quotedPattern.FindAllStringSubmatch(text, -1) {
		quoted := m[1]
		if quoted == "" {
			quoted = m[2]
		}
		intent.Spec.Predicates = append(intent.Spec.Predicates, filter.Predicate{
			Field: filter.FieldProject, Op: filter.OpContains, Value: quoted,
		})
	}

	if strings.Contains(lower, "non-finding") || strings.Contains(lower, "non finding") ||
		strings.Contains(lower, "bukan temuan") {
		intent.Spec.Predicates = append(intent.Spec.Predicates, filter.Predicate{
			Field: filter.FieldCode, Op: filter.OpPrefix, Value: "NF",
		})
	} else if containsWord(lower, "finding") || containsWord(lower, "findings") ||
		containsWord(lower, "temuan") {
		intent.Spec.Predicates = append(intent.Spec.Predicates, filter.Predicate{
			Field: filter.FieldCode, Op: filter.OpPrefix, Value: "F",
		})
	}

	intent.CategoryTokens = scanCategoryTokens(text)
	intent.Spec.Aggregation = scanAggregation(lower)

	// A bare narrowing turn like "khusus mall ciputra cibubur" carries no
	// recognizable field, so the words after the cue act as a project match.
	if refineCue != "" && len(intent.Spec.Predicates) == 0 && len(intent.CategoryTokens) == 0 {
		if idx := strings.Index(lower, refineCue); idx >= 0 {
			rest := strings.TrimSpace(text[idx+len(refineCue):])
			if rest != "" {
				intent.Spec.Predicates = append(intent.Spec.Predicates, filter.Predicate{
					Field: filter.FieldProject, Op: filter.OpContains, Value: rest,
				})
			}
		}
	}

	return intent
}

// scanCategoryTokens walks unigrams and bigrams against the category synonym
// table. Tokenization goes through prose so punctuation never glues onto a
// shorthand token; if prose rejects the text, whitespace splitting is enough.
func scanCategoryTokens(text string) []string {
	words := tokenize(text)

	seen := make(map[string]bool)
	var tokens []string
	add := func(raw string) {
		key := category.Normalize(raw)
		if _, ok := category.Lookup(raw); ok && !seen[key] {
			seen[key] = true
			tokens = append(tokens, raw)
		}
	}

	for i, w := range words {
		add(w)
		if i+1 < len(words) {
			add(w + " " + words[i+1])
		}
	}
	return tokens
}

func tokenize(text string) []string {
	doc, err := prose.NewDocument(text,
		prose.WithExtraction(false),
		prose.WithTagging(false),
		prose.WithSegmentation(false),
	)
	if err != nil {
		return strings.Fields(text)
	}

	var words []string
	for _, tok := range doc.Tokens() {
		words = append(words, tok.Text)
	}
	return words
}

func scanAggregation(lower string) *filter.Aggregation {
	var groupBy []string
	if strings.Contains(lower, "per year") || strings.Contains(lower, "per tahun") ||
		strings.Contains(lower, "by year") || containsWord(lower, "trend") ||
		containsWord(lower, "tren") {
		groupBy = append(groupBy, filter.FieldYear)
	}
	if strings.Contains(lower, "per department") || strings.Contains(lower, "by department") ||
		strings.Contains(lower, "per departemen") {
		groupBy = append(groupBy, filter.FieldDepartment)
	}
	if len(groupBy) == 0 {
		return nil
	}

	agg := &filter.Aggregation{GroupBy: groupBy, Metric: filter.MetricCount}
	for _, field := range []string{"nilai", "bobot", "kadar"} {
		if strings.Contains(lower, "total "+field) || strings.Contains(lower, "sum "+field) {
			agg.Metric = filter.MetricSum
			agg.SourceField = field
			break
		}
		if strings.Contains(lower, "average "+field) || strings.Contains(lower, "rata-rata "+field) {
			agg.Metric = filter.MetricAvg
			agg.SourceField = field
			break
		}
	}
	return agg
}

func containsWord(lower, word string) bool {
	for _, w := range strings.FieldsFunc(lower, func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r == '-')
	}) {
		if w == word {
			return true
		}
	}
	return false
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	var out []string
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
