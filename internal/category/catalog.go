package category

import "strings"

// CatalogVersion tags the synonym table so deployments can tell which
// vocabulary produced a cached resolution.
const CatalogVersion = "2024-06"

const Other = "Other"

// Categories is the closed list of coarse department buckets. An LLM answer
// outside this list is rejected, never used as a filter value.
var Categories = []string{"IT", "HR", "Finance", "Operations", "Legal", "Marketing", Other}

// synonyms maps normalized tokens to a category. The table is bilingual:
// audit teams write department shorthand in both English and Indonesian.
var synonyms = map[string]string{
	"it":                     "IT",
	"ti":                     "IT",
	"teknologi informasi":    "IT",
	"sistem informasi":       "IT",
	"information technology": "IT",

	"hr":              "HR",
	"hc":              "HR",
	"human capital":   "HR",
	"human resources": "HR",
	"sdm":             "HR",
	"personalia":      "HR",

	"finance":    "Finance",
	"fin":        "Finance",
	"keuangan":   "Finance",
	"akuntansi":  "Finance",
	"accounting": "Finance",
	"tax":        "Finance",
	"pajak":      "Finance",

	"operations":  "Operations",
	"ops":         "Operations",
	"operasional": "Operations",
	"operasi":     "Operations",

	"legal": "Legal",
	"hukum": "Legal",

	"marketing": "Marketing",
	"pemasaran": "Marketing",
	"sales":     "Marketing",
	"penjualan": "Marketing",
}

// Normalize collapses a raw token into the cache/lookup key.
func Normalize(token string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(token))), " ")
}

// Lookup resolves a token against the synonym table.
func Lookup(token string) (string, bool) {
	cat, ok := synonyms[Normalize(token)]
	return cat, ok
}

// IsKnownCategory reports whether name is one of the catalog categories.
func IsKnownCategory(name string) bool {
	for _, c := range Categories {
		if strings.EqualFold(c, name) {
			return true
		}
	}
	return false
}

// CanonicalCategory maps a case-insensitive match onto the catalog spelling.
func CanonicalCategory(name string) (string, bool) {
	for _, c := range Categories {
		if strings.EqualFold(c, name) {
			return c, true
		}
	}
	return "", false
}
