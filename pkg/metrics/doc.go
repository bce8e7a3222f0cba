// Package metrics provides Prometheus instrumentation for gatekeep components.
//
// Every component accepts a *Registry. Components built without one use
// Discard, which registers into a private registry, so metrics never change
// control flow and never collide in tests.
//
// # Usage
//
//	reg := prometheus.NewRegistry()
//	m := metrics.NewRegistry(reg)
//	locker, _ := lock.New(st, lock.Config{Metrics: m})
//
//	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
//
// # Available Metrics
//
// Locks:
//   - gatekeep_lock_acquires_total{outcome}
//   - gatekeep_lock_acquire_retries
//   - gatekeep_lock_acquire_wait_seconds
//   - gatekeep_lock_releases_total{outcome}
//   - gatekeep_lock_extensions_total{outcome}
//   - gatekeep_lock_contention_level{resource}
//   - gatekeep_lock_contention_events_total
//
// Rate limiting:
//   - gatekeep_ratelimit_requests_total{category,decision}
//   - gatekeep_ratelimit_effective_limit{category}
//   - gatekeep_ratelimit_load_factor
//   - gatekeep_concurrency_active
//
// Login guard:
//   - gatekeep_login_failures_total
//   - gatekeep_login_successes_total
//   - gatekeep_login_lockouts_total
//
// Rules:
//   - gatekeep_rules_evaluations_total
//   - gatekeep_rules_evaluation_duration_seconds
//   - gatekeep_rules_fired_total{rule}
//   - gatekeep_rules_action_errors_total{rule}
//   - gatekeep_rules_disabled
//   - gatekeep_rules_delayed_firings_total{outcome}
//
// Scheduling, store, audit and HTTP metrics follow the same naming.
package metrics
