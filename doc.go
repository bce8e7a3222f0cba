/*
Package gatekeep coordinates request admission and background work across
stateless service instances that share one Redis store.

Coordination (pkg/coordinator):
  - TryAcquireLock, ReleaseLock, ExtendLock: token-fenced leases with
    contention telemetry
  - CheckRate: fixed-window rate limits that adapt to host load
  - RecordLoginFailure, RecordLoginSuccess, IsLocked: login lockout
  - ValidateRules, EvaluateRules: dependency-ordered rule evaluation with
    immediate and delayed chains

Building blocks:
  - pkg/store: Redis and in-memory implementations of the shared store
  - pkg/lock, pkg/ratelimit, pkg/login, pkg/rules: the components above
  - pkg/scheduling: worker pool and task scheduler for delayed and cron work
  - pkg/audit, pkg/metrics: audit events and Prometheus instrumentation

Example usage:

	import (
		"github.com/vnykmshr/gatekeep/pkg/coordinator"
		"github.com/vnykmshr/gatekeep/pkg/store"
	)

	st, _ := store.NewRedis(store.RedisConfig{Client: client})
	c, _ := coordinator.New(st, coordinator.DefaultConfig())
	defer c.Close()

	res, err := c.CheckRate(ctx, "ip_203.0.113.5", "login")
	if err != nil || !res.Allowed {
		// reject, Retry-After: res.RetryAfter
	}

The cmd/gatekeep binary serves the same operations over HTTP.
*/
package gatekeep
