/*
Package ratelimit groups the request throttling primitives of gatekeep.

  - adaptive: fixed-window counters in the shared store with a limit that
    follows system load
  - concurrency: in-flight operation bound that also reports pressure

The two are designed to be used together: the concurrency limiter's
pressure is one input of the adaptive limiter's load factor.

	inflight, _ := concurrency.New(concurrency.Config{Capacity: 512})
	load := adaptive.NewCachedLoad(adaptive.NewSystemSampler(inflight), adaptive.LoadConfig{})

	limiter, _ := adaptive.New(st, adaptive.Config{
		Default: adaptive.CategoryConfig{Limit: 100, Window: time.Minute},
		Categories: map[string]adaptive.CategoryConfig{
			"login": {Limit: 5, Window: time.Minute, MinLimit: 3, MaxLimit: 8},
		},
		Load: load,
	})

	res, err := limiter.Check(ctx, "ip_203.0.113.5", "login")
	if !res.Allowed {
		// 429, Retry-After: res.RetryAfter
	}
*/
package ratelimit
