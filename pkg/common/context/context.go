// Package context holds small context helpers shared by the store, lock and
// scheduler packages.
package context

import (
	"context"
	"errors"
	"time"
)

// WithOpTimeout bounds a single store round trip. The store operation
// timeout is kept separate from lock TTLs and caller deadlines; a zero
// timeout returns the parent unchanged with a no-op cancel.
func WithOpTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, timeout)
}

// IsCanceled returns true if the context has been canceled
func IsCanceled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// IsTimedOut reports whether err stems from an expired deadline.
func IsTimedOut(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// Sleep waits for d or until ctx is done, whichever comes first.
// It returns ctx.Err() when the context ends the wait early.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
