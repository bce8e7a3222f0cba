/*
Package coordinator is the entry point to the gatekeep coordination core.

A Coordinator wires every component over one shared store:

  - TryAcquireLock, ReleaseLock and ExtendLock: distributed leases with
    contention telemetry
  - CheckRate: fixed-window rate limits scaled by the sampled load factor
  - RecordLoginFailure, RecordLoginSuccess and IsLocked: account lockout
  - LoadRules, ValidateRules and EvaluateRules: rule graph evaluation,
    with delayed chains run on the coordinator's task scheduler

Typical use:

	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	st, err := store.NewRedis(store.RedisConfig{Client: rdb})
	if err != nil {
		return err
	}
	c, err := coordinator.New(st, coordinator.DefaultConfig(),
		coordinator.WithLogger(logger),
		coordinator.WithMetrics(metrics.NewRegistry(prometheus.DefaultRegisterer)))
	if err != nil {
		return err
	}
	defer c.Close()

	res, err := c.CheckRate(ctx, clientIP, "login")
	if err != nil || !res.Allowed {
		// reject; err wraps ErrStoreUnavailable when the store failed
	}

Each public operation runs in an OpenTelemetry span. Audit events from the
login guard, lock telemetry and rate limiter are delivered asynchronously,
so a slow sink never delays a decision.
*/
package coordinator
