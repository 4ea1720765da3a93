package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TurnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "audit_chat_turn_duration_seconds",
			Help:    "Conversation turn processing duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
	)

	TurnTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_chat_turn_total",
			Help: "Total conversation turns processed",
		},
		[]string{"status"},
	)

	FallbackTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_chat_intent_fallback_total",
			Help: "Turns parsed by the deterministic fallback instead of the model",
		},
	)

	SubQueries = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "audit_chat_sub_queries_per_turn",
			Help:    "Store sub-queries issued per compiled query",
			Buckets: []float64{1, 2, 3, 5, 10, 20},
		},
	)

	ResultRows = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "audit_chat_result_rows",
			Help:    "Matched rows per turn",
			Buckets: []float64{0, 1, 10, 50, 100, 500, 1000},
		},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_chat_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_chat_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	FindingsImported = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_chat_findings_imported_total",
			Help: "Total findings written by bulk import",
		},
	)
)

func Init() {
	prometheus.MustRegister(TurnDuration)
	prometheus.MustRegister(TurnTotal)
	prometheus.MustRegister(FallbackTotal)
	prometheus.MustRegister(SubQueries)
	prometheus.MustRegister(ResultRows)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(FindingsImported)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
