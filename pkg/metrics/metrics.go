package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Decision outcomes
const (
	OutcomeOK           = "ok"
	OutcomeCached       = "cached"
	OutcomeBackpressure = "backpressure"
	OutcomeRateLimit    = "rate_limit"
	OutcomeInternal     = "internal"
)

var (
	// Quota decisions
	QuotaDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_decisions_total",
			Help: "Quota decisions by meter and outcome",
		},
		[]string{"meter", "outcome"},
	)

	QuotaCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quota_check_duration_seconds",
			Help:    "Time spent deciding a quota check, queueing included",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"meter"},
	)

	// Actors
	ActiveActors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quota_active_actors",
			Help: "Number of live per-tenant actors",
		},
	)

	// Storage and configuration
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_store_errors_total",
			Help: "Durable store failures by operation",
		},
		[]string{"op"},
	)

	PlanFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_plan_fallbacks_total",
			Help: "Plan lookups answered by a fallback plan",
		},
		[]string{"source"},
	)

	RetentionPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quota_retention_pruned_total",
			Help: "Expired records removed by the retention janitor",
		},
	)
)

// RecordDecision records the outcome and latency of one check
func RecordDecision(meter, outcome string, elapsed time.Duration) {
	QuotaDecisions.WithLabelValues(meter, outcome).Inc()
	QuotaCheckDuration.WithLabelValues(meter).Observe(elapsed.Seconds())
}
