// Package metrics provides Prometheus instrumentation for gatekeep components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all metric instances for gatekeep components.
type Registry struct {
	// Lock Metrics
	LockAcquires       *prometheus.CounterVec
	LockAcquireRetries prometheus.Histogram
	LockAcquireWait    prometheus.Histogram
	LockReleases       *prometheus.CounterVec
	LockExtensions     *prometheus.CounterVec
	LockContention     *prometheus.GaugeVec
	ContentionEvents   prometheus.Counter

	// Rate Limiting Metrics
	RateLimitRequests       *prometheus.CounterVec
	RateLimitEffectiveLimit *prometheus.GaugeVec
	LoadFactor              prometheus.Gauge
	ConcurrencyActive       prometheus.Gauge

	// Login Guard Metrics
	LoginFailures  prometheus.Counter
	LoginSuccesses prometheus.Counter
	LoginLockouts  prometheus.Counter

	// Rule Metrics
	RuleEvaluations        prometheus.Counter
	RuleEvaluationDuration prometheus.Histogram
	RulesFired             *prometheus.CounterVec
	RuleActionErrors       *prometheus.CounterVec
	RulesDisabled          prometheus.Gauge
	DelayedFirings         *prometheus.CounterVec

	// Task Scheduling Metrics
	TasksScheduled        *prometheus.CounterVec
	TasksExecuted         *prometheus.CounterVec
	TasksCompleted        *prometheus.CounterVec
	TasksFailed           *prometheus.CounterVec
	TaskExecutionDuration *prometheus.HistogramVec
	WorkerPoolSize        *prometheus.GaugeVec
	WorkerPoolActive      *prometheus.GaugeVec
	WorkerPoolQueued      *prometheus.GaugeVec

	// Store and Audit Metrics
	StoreFailures *prometheus.CounterVec
	AuditEvents   *prometheus.CounterVec
	AuditDropped  prometheus.Counter

	// HTTP Metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewRegistry creates a new metrics registry with the given Prometheus registerer.
func NewRegistry(reg prometheus.Registerer) *Registry {
	cfg := DefaultConfig()
	cfg.Registry = reg
	return NewRegistryWithConfig(cfg)
}

// Discard returns a registry backed by a private Prometheus registry. It is
// used by components constructed without metrics.
func Discard() *Registry {
	return NewRegistry(prometheus.NewRegistry())
}

// NewRegistryWithConfig creates a registry honoring namespace and constant labels.
func NewRegistryWithConfig(cfg Config) *Registry {
	if cfg.Registry == nil {
		cfg.Registry = prometheus.DefaultRegisterer
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	factory := promauto.With(cfg.Registry)
	ns, labels := cfg.Namespace, cfg.Labels

	counter := func(subsystem, name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: subsystem, Name: name, Help: help, ConstLabels: labels,
		})
	}
	counterVec := func(subsystem, name, help string, keys ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: subsystem, Name: name, Help: help, ConstLabels: labels,
		}, keys)
	}
	gauge := func(subsystem, name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: subsystem, Name: name, Help: help, ConstLabels: labels,
		})
	}
	gaugeVec := func(subsystem, name, help string, keys ...string) *prometheus.GaugeVec {
		return factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: subsystem, Name: name, Help: help, ConstLabels: labels,
		}, keys)
	}
	histogram := func(subsystem, name, help string, buckets []float64) prometheus.Histogram {
		return factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: subsystem, Name: name, Help: help, ConstLabels: labels, Buckets: buckets,
		})
	}
	histogramVec := func(subsystem, name, help string, keys ...string) *prometheus.HistogramVec {
		return factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: subsystem, Name: name, Help: help, ConstLabels: labels,
			Buckets: prometheus.DefBuckets,
		}, keys)
	}

	return &Registry{
		LockAcquires: counterVec("lock", "acquires_total",
			"Lock acquisition attempts by outcome", "outcome"),
		LockAcquireRetries: histogram("lock", "acquire_retries",
			"Retries needed per acquisition", []float64{0, 1, 2, 4, 8, 16, 32, 64}),
		LockAcquireWait: histogram("lock", "acquire_wait_seconds",
			"Time spent acquiring a lock", prometheus.DefBuckets),
		LockReleases: counterVec("lock", "releases_total",
			"Lock releases by outcome", "outcome"),
		LockExtensions: counterVec("lock", "extensions_total",
			"Lock extensions by outcome", "outcome"),
		LockContention: gaugeVec("lock", "contention_level",
			"Smoothed contention level per resource", "resource"),
		ContentionEvents: counter("lock", "contention_events_total",
			"High contention advisories emitted"),

		RateLimitRequests: counterVec("ratelimit", "requests_total",
			"Rate limit checks by category and decision", "category", "decision"),
		RateLimitEffectiveLimit: gaugeVec("ratelimit", "effective_limit",
			"Most recent load-adjusted limit per category", "category"),
		LoadFactor: gauge("ratelimit", "load_factor",
			"Current load factor applied to base limits"),
		ConcurrencyActive: gauge("concurrency", "active",
			"Number of in-flight operations"),

		LoginFailures: counter("login", "failures_total",
			"Recorded authentication failures"),
		LoginSuccesses: counter("login", "successes_total",
			"Recorded authentication successes"),
		LoginLockouts: counter("login", "lockouts_total",
			"Identifiers that entered the locked state"),

		RuleEvaluations: counter("rules", "evaluations_total",
			"Rule evaluation passes"),
		RuleEvaluationDuration: histogram("rules", "evaluation_duration_seconds",
			"Time spent evaluating all rules against a snapshot", prometheus.DefBuckets),
		RulesFired: counterVec("rules", "fired_total",
			"Rules whose condition held", "rule"),
		RuleActionErrors: counterVec("rules", "action_errors_total",
			"Rule actions that failed or panicked", "rule"),
		RulesDisabled: gauge("rules", "disabled",
			"Rules disabled by the last validation"),
		DelayedFirings: counterVec("rules", "delayed_firings_total",
			"Delayed chain firings by outcome", "outcome"),

		TasksScheduled: counterVec("scheduler", "tasks_scheduled_total",
			"Total number of tasks scheduled", "scheduler_name"),
		TasksExecuted: counterVec("scheduler", "tasks_executed_total",
			"Total number of tasks executed", "scheduler_name"),
		TasksCompleted: counterVec("scheduler", "tasks_completed_total",
			"Total number of tasks completed successfully", "scheduler_name"),
		TasksFailed: counterVec("scheduler", "tasks_failed_total",
			"Total number of tasks that failed", "scheduler_name"),
		TaskExecutionDuration: histogramVec("scheduler", "task_duration_seconds",
			"Time spent executing tasks", "scheduler_name"),
		WorkerPoolSize: gaugeVec("workerpool", "size",
			"Current worker pool size", "pool_name"),
		WorkerPoolActive: gaugeVec("workerpool", "active_workers",
			"Number of active workers", "pool_name"),
		WorkerPoolQueued: gaugeVec("workerpool", "queued_tasks",
			"Number of queued tasks", "pool_name"),

		StoreFailures: counterVec("store", "failures_total",
			"Coordination store failures by component", "component"),
		AuditEvents: counterVec("audit", "events_total",
			"Audit events emitted by type", "type"),
		AuditDropped: counter("audit", "dropped_total",
			"Audit events dropped because the sink buffer was full"),

		HTTPRequests: counterVec("http", "requests_total",
			"HTTP requests by route and status code", "route", "code"),
		HTTPDuration: histogramVec("http", "request_duration_seconds",
			"HTTP request latency by route", "route"),
	}
}
