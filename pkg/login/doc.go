// Package login implements account lockout after repeated authentication
// failures.
//
// A Guard only counts; verifying credentials is the caller's job. Each
// identifier moves through three states:
//
//	OPEN -> ACCUMULATING -> LOCKED -> OPEN
//
// OPEN has no failure inside the lockout window, ACCUMULATING has fewer than
// MaxAttempts and LOCKED at least MaxAttempts. A success returns the
// identifier to OPEN immediately; otherwise the lock lifts once enough
// failures age out of the window.
//
// The lock ends Window after the oldest of the newest MaxAttempts failures,
// so further failures while locked can only push the end later.
//
//	guard, _ := login.New(st, login.Config{Policy: login.DefaultPolicy()})
//	if s, err := guard.IsLocked(ctx, user); s.Locked {
//		return fmt.Errorf("retry after %d seconds", s.RetryAfterSeconds())
//	}
//	if !verify(user, password) {
//		guard.RecordFailure(ctx, user)
//	} else {
//		guard.RecordSuccess(ctx, user)
//	}
package login
