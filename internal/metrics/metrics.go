// Package metrics provides Prometheus metrics for dealbot.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsTotal counts queue job lifecycle events.
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dealbot",
			Name:      "jobs_total",
			Help:      "Queue job events (created, attached, completed, requeued, discarded)",
		},
		[]string{"event"},
	)

	// PrefetchTotal counts prefetch job events.
	PrefetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dealbot",
			Name:      "prefetch_total",
			Help:      "Prefetch job events (created, converted, completed)",
		},
		[]string{"event"},
	)

	// CacheLookups counts category cache reads by freshness status.
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dealbot",
			Name:      "cache_lookups_total",
			Help:      "Category cache lookups by status",
		},
		[]string{"status"},
	)

	// QueueDepth tracks the number of queued jobs.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dealbot",
			Name:      "queue_depth",
			Help:      "Number of jobs waiting in the queue",
		},
	)

	// TokensAvailable tracks the last known upstream token budget.
	TokensAvailable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dealbot",
			Name:      "tokens_available",
			Help:      "Last known upstream token budget",
		},
	)

	// TokensConsumed counts tokens spent on upstream calls.
	TokensConsumed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dealbot",
			Name:      "tokens_consumed_total",
			Help:      "Tokens spent on upstream catalog calls",
		},
	)

	// RuleRuns counts rule pipeline runs by outcome.
	RuleRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dealbot",
			Name:      "rule_runs_total",
			Help:      "Rule pipeline runs by outcome (published, empty, failed)",
		},
		[]string{"outcome"},
	)

	// DealsPublished counts deals posted to channels.
	DealsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dealbot",
			Name:      "deals_published_total",
			Help:      "Deals posted to channels",
		},
	)

	// RunDuration measures rule pipeline duration.
	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dealbot",
			Name:      "rule_run_duration_seconds",
			Help:      "Duration of a single rule pipeline run",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// JobDuration measures job execution duration.
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dealbot",
			Name:      "job_duration_seconds",
			Help:      "Duration of queue job execution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"cache"},
	)

	// UnresolvedRules counts due rules skipped for lack of a known category.
	UnresolvedRules = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dealbot",
			Name:      "unresolved_rules_total",
			Help:      "Due rules skipped because their category could not be resolved",
		},
	)
)

// RecordJob records a queue job event.
func RecordJob(event string) {
	JobsTotal.WithLabelValues(event).Inc()
}

// RecordPrefetch records a prefetch job event.
func RecordPrefetch(event string) {
	PrefetchTotal.WithLabelValues(event).Inc()
}

// RecordCacheLookup records a cache lookup result.
func RecordCacheLookup(status string) {
	CacheLookups.WithLabelValues(status).Inc()
}

// RecordRun records a finished rule run.
func RecordRun(outcome string, published int, seconds float64) {
	RuleRuns.WithLabelValues(outcome).Inc()
	DealsPublished.Add(float64(published))
	RunDuration.Observe(seconds)
}

// RecordJobDuration records how long a job took, split by cache use.
func RecordJobDuration(cacheHit bool, seconds float64) {
	label := "miss"
	if cacheHit {
		label = "hit"
	}
	JobDuration.WithLabelValues(label).Observe(seconds)
}
