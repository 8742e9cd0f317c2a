package metrics

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ledgerguard/compliance-engine/internal/alerts"
	"github.com/ledgerguard/compliance-engine/internal/database"
)

// Collector manages Prometheus metrics for the compliance engine.
type Collector struct {
	logger *slog.Logger

	evaluationsTotal    *prometheus.CounterVec
	evaluationDuration  prometheus.Histogram
	rulesTriggeredTotal prometheus.Counter

	alertsCreatedTotal      *prometheus.CounterVec
	alertsConsolidatedTotal prometheus.Counter
	alertTransitionsTotal   *prometheus.CounterVec

	cacheHitsTotal   *prometheus.CounterVec
	cacheMissesTotal *prometheus.CounterVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewCollector creates a collector and registers its metrics with the
// default registry.
func NewCollector(logger *slog.Logger) *Collector {
	c := &Collector{logger: logger}

	c.evaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compliance_engine_evaluations_total",
			Help: "Total number of transaction evaluations",
		},
		[]string{"decision"},
	)

	c.evaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "compliance_engine_evaluation_duration_seconds",
			Help:    "Duration of the full evaluation pipeline",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to 4s
		},
	)

	c.rulesTriggeredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "compliance_engine_rules_triggered_total",
			Help: "Total number of rule triggers across evaluations",
		},
	)

	c.alertsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compliance_engine_alerts_created_total",
			Help: "Total number of alerts created",
		},
		[]string{"severity", "category"},
	)

	c.alertsConsolidatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "compliance_engine_alerts_consolidated_total",
			Help: "Total number of triggers folded into an existing alert",
		},
	)

	c.alertTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compliance_engine_alert_transitions_total",
			Help: "Total number of alert status transitions",
		},
		[]string{"status"},
	)

	c.cacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compliance_engine_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"tier"},
	)

	c.cacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compliance_engine_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"tier"},
	)

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compliance_engine_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "compliance_engine_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	return c
}

// EvaluationCompleted implements the post-commit notifier.
func (c *Collector) EvaluationCompleted(result *database.EvaluationResult, _ *database.Transaction, outcome *alerts.Outcome) {
	c.evaluationsTotal.WithLabelValues(result.Decision).Inc()
	c.evaluationDuration.Observe(float64(result.EvaluationDurationMS) / 1000)

	var triggered []json.RawMessage
	if err := json.Unmarshal(result.TriggeredRules, &triggered); err == nil {
		c.RecordRulesTriggered(len(triggered))
	}

	for _, alert := range outcome.Created {
		c.alertsCreatedTotal.WithLabelValues(alert.Severity, alert.Category).Inc()
	}
	if n := len(outcome.Consolidated); n > 0 {
		c.alertsConsolidatedTotal.Add(float64(n))
	}
}

// RecordRulesTriggered records the trigger count of one evaluation.
func (c *Collector) RecordRulesTriggered(count int) {
	if count > 0 {
		c.rulesTriggeredTotal.Add(float64(count))
	}
}

// RecordAlertTransition records an alert status transition.
func (c *Collector) RecordAlertTransition(status string) {
	c.alertTransitionsTotal.WithLabelValues(status).Inc()
}

// RecordCacheHit records a cache hit on a tier ("local" or "redis").
func (c *Collector) RecordCacheHit(tier string) {
	c.cacheHitsTotal.WithLabelValues(tier).Inc()
}

// RecordCacheMiss records a cache miss on a tier.
func (c *Collector) RecordCacheMiss(tier string) {
	c.cacheMissesTotal.WithLabelValues(tier).Inc()
}

// RecordHTTPRequest records an HTTP request.
func (c *Collector) RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	c.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
