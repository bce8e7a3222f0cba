// Package store provides the shared coordination store used by every
// component of the coordination core.
//
// All cross-process coordination goes through a Store: it is the single
// source of truth for lock records, rate-limit windows and login failure
// history. Every operation that needs read-then-write safety is exposed as
// a single store-side atomic primitive, so callers never read a value and
// then write based on it.
//
// # Implementations
//
//   - RedisStore: production store backed by Redis. Compare-and-act,
//     increment-with-expiry and list push/trim run as Lua scripts.
//   - MemoryStore: in-process store with clock-driven expiry, used by tests
//     and single-instance deployments. It can simulate outages.
//
// # Failure semantics
//
// Every failed operation returns an *errors.StoreError, which matches
// errors.ErrStoreUnavailable. A timeout is a failure: it never means
// "lock held" or "counter incremented".
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	st, err := store.NewRedis(store.RedisConfig{Client: rdb, OpTimeout: 250 * time.Millisecond})
//	if err != nil {
//		log.Fatal(err)
//	}
//	ok, err := st.SetNX(ctx, "lock:orders", token, 30*time.Second)
package store
