// Package metrics provides Prometheus instrumentation for LandWatch.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "landwatch"

// Metrics holds every collector the service exports.
type Metrics struct {
	registry *prometheus.Registry

	// HTTPRequestsTotal counts HTTP requests by method, route and status.
	HTTPRequestsTotal *prometheus.CounterVec
	// HTTPRequestDuration observes request latency by method and route.
	HTTPRequestDuration *prometheus.HistogramVec

	// AnalysesTotal counts verdicts by risk level and outcome.
	AnalysesTotal *prometheus.CounterVec
	// AnalysisDuration observes end-to-end analysis latency.
	AnalysisDuration prometheus.Histogram
	// RiskScore observes the distribution of risk scores.
	RiskScore prometheus.Histogram

	VerdictCacheHits   prometheus.Counter
	VerdictCacheMisses prometheus.Counter

	// ScorerFallbacks counts analyses that ran without the statistical model.
	ScorerFallbacks *prometheus.CounterVec
	// RuleErrors counts rule evaluations that ended in ".err".
	RuleErrors prometheus.Counter

	ModelsTrained prometheus.Counter
	ModelSamples  prometheus.Gauge

	// WorkerMessages counts ingested messages by result.
	WorkerMessages *prometheus.CounterVec
}

// New registers all collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry registers all collectors on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route pattern, and status code.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),

		AnalysesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyses_total",
			Help:      "Total land record analyses by risk level and fraud outcome.",
		}, []string{"risk_level", "fraud_detected"}),

		AnalysisDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_duration_seconds",
			Help:      "End-to-end analysis duration in seconds.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),

		RiskScore: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "risk_score",
			Help:      "Distribution of verdict risk scores (0-100).",
			Buckets:   prometheus.LinearBuckets(10, 10, 10),
		}),

		VerdictCacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdict_cache_hits_total",
			Help:      "Verdicts served from the verdict cache.",
		}),

		VerdictCacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdict_cache_misses_total",
			Help:      "Verdict cache lookups that missed.",
		}),

		ScorerFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scorer_fallbacks_total",
			Help:      "Analyses that fell back to a rule-only verdict, by reason.",
		}, []string{"reason"}),

		RuleErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_errors_total",
			Help:      "Rule evaluations that failed.",
		}),

		ModelsTrained: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "models_trained_total",
			Help:      "Outlier models fitted.",
		}),

		ModelSamples: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_samples",
			Help:      "Training samples behind the most recently fitted model.",
		}),

		WorkerMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_messages_total",
			Help:      "Ingested records processed by the worker, by result.",
		}, []string{"result"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
