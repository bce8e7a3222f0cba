package concurrency

import (
	"context"
	"sync"

	gferrors "github.com/vnykmshr/gatekeep/pkg/common/errors"
	"github.com/vnykmshr/gatekeep/pkg/common/validation"
	"github.com/vnykmshr/gatekeep/pkg/metrics"
)

// Config holds configuration options for creating a Limiter.
type Config struct {
	// Capacity is the maximum number of concurrent operations allowed.
	Capacity int

	// Metrics receives the in-flight gauge. Optional.
	Metrics *metrics.Registry
}

// Limiter bounds the number of concurrent operations.
type Limiter struct {
	mu       sync.Mutex
	capacity int
	inUse    int
	waiters  []waiter
	metrics  *metrics.Registry
}

// waiter represents a goroutine waiting for a permit
type waiter struct {
	ready  chan struct{}
	cancel <-chan struct{}
}

// New creates a Limiter.
func New(config Config) (*Limiter, error) {
	if err := validation.ValidatePositive("concurrency", "capacity", config.Capacity); err != nil {
		return nil, err
	}
	if config.Metrics == nil {
		config.Metrics = metrics.Discard()
	}
	return &Limiter{capacity: config.Capacity, metrics: config.Metrics}, nil
}

// Acquire takes a permit without blocking and reports whether it succeeded.
func (l *Limiter) Acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inUse < l.capacity && len(l.waiters) == 0 {
		l.inUse++
		l.publish()
		return true
	}
	return false
}

// Wait blocks until a permit is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	if l.inUse < l.capacity && len(l.waiters) == 0 {
		l.inUse++
		l.publish()
		l.mu.Unlock()
		return nil
	}

	ready := make(chan struct{})
	l.waiters = append(l.waiters, waiter{ready: ready, cancel: ctx.Done()})
	l.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		if !l.removeWaiter(ready) {
			select {
			case <-ready:
				// Granted concurrently with cancellation.
				_ = l.Release()
			default:
			}
		}
		return ctx.Err()
	}
}

// Release returns a permit. Releasing more than was acquired returns
// ErrCapacityExceeded and leaves the limiter unchanged.
func (l *Limiter) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inUse == 0 {
		return gferrors.ErrCapacityExceeded
	}
	l.inUse--
	l.notifyWaiters()
	l.publish()
	return nil
}

// SetCapacity changes the maximum number of concurrent operations.
func (l *Limiter) SetCapacity(capacity int) error {
	if err := validation.ValidatePositive("concurrency", "capacity", capacity); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.capacity = capacity
	l.notifyWaiters()
	l.publish()
	return nil
}

// Capacity returns the maximum number of concurrent operations.
func (l *Limiter) Capacity() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.capacity
}

// InUse returns the number of permits currently held.
func (l *Limiter) InUse() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inUse
}

// Available returns the number of permits that can be acquired right now.
func (l *Limiter) Available() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inUse >= l.capacity {
		return 0
	}
	return l.capacity - l.inUse
}

// Pressure returns the fraction of capacity in use, in [0,1].
func (l *Limiter) Pressure() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := float64(l.inUse) / float64(l.capacity)
	if p > 1 {
		return 1
	}
	return p
}

// notifyWaiters hands freed permits to waiters in arrival order.
// Must be called with l.mu held.
func (l *Limiter) notifyWaiters() {
	for len(l.waiters) > 0 && l.inUse < l.capacity {
		w := l.waiters[0]
		l.waiters = l.waiters[1:]

		select {
		case <-w.cancel:
			continue
		default:
		}

		l.inUse++
		close(w.ready)
	}
}

// removeWaiter reports whether the waiter was still queued.
func (l *Limiter) removeWaiter(ready chan struct{}) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, w := range l.waiters {
		if w.ready == ready {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// publish must be called with l.mu held.
func (l *Limiter) publish() {
	l.metrics.ConcurrencyActive.Set(float64(l.inUse))
}
