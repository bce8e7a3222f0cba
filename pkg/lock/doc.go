// Package lock provides best-effort distributed mutual exclusion on top of
// a shared coordination store.
//
// A Locker hands out leases on named resources. Each lease carries a fresh
// random token; release and extend succeed only when the presented token
// still matches the stored one, checked and applied as a single store-side
// operation. A holder whose lease expired and was taken over cannot release
// or extend the new holder's lease.
//
// # Basic Usage
//
//	locker, err := lock.New(st, lock.Config{})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	lease, err := locker.Acquire(ctx, "invoice-export", 30*time.Second, 5*time.Second)
//	if errors.Is(err, gferrors.ErrAcquireTimeout) {
//		// someone else holds it; proceed degraded or give up
//	}
//	defer locker.Release(ctx, lease.Resource, lease.Token)
//
// # Failure Semantics
//
// A store error during acquisition counts as a failed attempt and is retried
// like contention. When maxWait elapses the error wraps both
// ErrAcquireTimeout and the last store error. A negative maxWait makes a
// single attempt.
//
// Mutual exclusion is only as strong as the store: it is not safe against
// arbitrarily long process pauses or clock skew, and no fairness between
// waiters is provided.
//
// # Telemetry
//
// Every acquisition is reported to a Telemetry, which keeps a decaying
// contention score per resource and emits an advisory audit event when the
// score rises above a threshold. Telemetry never affects control flow.
package lock
