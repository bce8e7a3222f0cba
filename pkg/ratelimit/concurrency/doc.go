/*
Package concurrency tracks and bounds in-flight operations.

A Limiter is a semaphore with context-aware waiting. Besides bounding
concurrency it reports Pressure, the fraction of capacity in use, which the
adaptive rate limiter folds into its load factor.

Basic usage:

	limiter, err := concurrency.New(concurrency.Config{Capacity: 256})
	if err != nil {
		log.Fatal(err)
	}

	if !limiter.Acquire() {
		// shed load
		return
	}
	defer limiter.Release()

Waiting for a permit:

	if err := limiter.Wait(ctx); err != nil {
		return err // context canceled or deadline exceeded
	}
	defer limiter.Release()

Waiters are served in arrival order. Capacity can be changed at runtime;
shrinking below current usage takes effect as permits are released.
*/
package concurrency
