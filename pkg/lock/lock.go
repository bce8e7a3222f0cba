package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vnykmshr/gatekeep/pkg/common/clock"
	gfctx "github.com/vnykmshr/gatekeep/pkg/common/context"
	gferrors "github.com/vnykmshr/gatekeep/pkg/common/errors"
	"github.com/vnykmshr/gatekeep/pkg/common/validation"
	"github.com/vnykmshr/gatekeep/pkg/metrics"
	"github.com/vnykmshr/gatekeep/pkg/store"
)

// Config holds configuration for a Locker.
type Config struct {
	// KeyPrefix namespaces lock keys in the store.
	KeyPrefix string

	// DefaultTTL is used when Acquire or Extend is called with a zero ttl (default 30s).
	DefaultTTL time.Duration

	// DefaultMaxWait is used when Acquire is called with a zero maxWait (default 5s).
	DefaultMaxWait time.Duration

	// RetryDelay is the initial backoff between attempts (default 50ms).
	RetryDelay time.Duration

	// MaxRetryDelay caps the backoff between attempts (default 1s).
	MaxRetryDelay time.Duration

	// Telemetry receives every acquisition outcome. If nil, a default one is created.
	Telemetry *Telemetry

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Registry
}

// DefaultConfig returns the default lock configuration.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:     30 * time.Second,
		DefaultMaxWait: 5 * time.Second,
		RetryDelay:     50 * time.Millisecond,
		MaxRetryDelay:  time.Second,
	}
}

// Lease is a held lock.
type Lease struct {
	Resource   string
	Token      string
	AcquiredAt time.Time
	TTL        time.Duration
}

// ExpiresAt is when the store drops the lease unless it is extended.
func (l *Lease) ExpiresAt() time.Time {
	return l.AcquiredAt.Add(l.TTL)
}

// Locker acquires, extends and releases leases.
type Locker struct {
	store     store.Store
	config    Config
	clock     clock.Clock
	logger    *zap.Logger
	metrics   *metrics.Registry
	telemetry *Telemetry
}

// New creates a Locker backed by st.
func New(st store.Store, config Config) (*Locker, error) {
	if err := validation.ValidateNotNil("lock", "store", st); err != nil {
		return nil, err
	}

	defaults := DefaultConfig()
	if config.DefaultTTL == 0 {
		config.DefaultTTL = defaults.DefaultTTL
	}
	if config.DefaultMaxWait == 0 {
		config.DefaultMaxWait = defaults.DefaultMaxWait
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = defaults.RetryDelay
	}
	if config.MaxRetryDelay == 0 {
		config.MaxRetryDelay = defaults.MaxRetryDelay
	}
	if err := validation.ValidatePositiveDuration("lock", "DefaultTTL", config.DefaultTTL); err != nil {
		return nil, err
	}
	if err := validation.ValidatePositiveDuration("lock", "RetryDelay", config.RetryDelay); err != nil {
		return nil, err
	}
	if config.MaxRetryDelay < config.RetryDelay {
		return nil, gferrors.NewValidationError("lock", "MaxRetryDelay", config.MaxRetryDelay,
			"must not be below RetryDelay")
	}

	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Metrics == nil {
		config.Metrics = metrics.Discard()
	}
	config.Clock = clock.OrSystem(config.Clock)
	if config.Telemetry == nil {
		config.Telemetry = NewTelemetry(TelemetryConfig{
			Clock:   config.Clock,
			Logger:  config.Logger,
			Metrics: config.Metrics,
		})
	}

	return &Locker{
		store:     st,
		config:    config,
		clock:     config.Clock,
		logger:    config.Logger.Named("lock"),
		metrics:   config.Metrics,
		telemetry: config.Telemetry,
	}, nil
}

// Telemetry returns the contention tracker fed by this locker.
func (l *Locker) Telemetry() *Telemetry {
	return l.telemetry
}

func (l *Locker) key(resource string) string {
	return l.config.KeyPrefix + "lock:" + resource
}

// Acquire obtains a lease on resource, retrying with jittered exponential
// backoff until maxWait elapses. A zero ttl or maxWait uses the configured
// default; a negative maxWait makes exactly one attempt.
//
// On failure the error wraps ErrAcquireTimeout, plus the last store error
// or the context error when either ended the wait.
func (l *Locker) Acquire(ctx context.Context, resource string, ttl, maxWait time.Duration) (*Lease, error) {
	return l.acquire(ctx, resource, ttl, maxWait, true)
}

// Claim makes one attempt at resource without feeding contention telemetry.
// It suits one-off claims on unique resource names, such as a single
// delayed firing, which would otherwise leave one gauge series per name.
func (l *Locker) Claim(ctx context.Context, resource string, ttl time.Duration) (*Lease, error) {
	return l.acquire(ctx, resource, ttl, -1, false)
}

func (l *Locker) acquire(ctx context.Context, resource string, ttl, maxWait time.Duration, track bool) (*Lease, error) {
	if err := validation.ValidateNotEmpty("lock", "resource", resource); err != nil {
		return nil, err
	}
	if ttl == 0 {
		ttl = l.config.DefaultTTL
	}
	if ttl < 0 {
		return nil, gferrors.NewValidationError("lock", "ttl", ttl, "must be positive")
	}
	if maxWait == 0 {
		maxWait = l.config.DefaultMaxWait
	}

	key := l.key(resource)
	token := uuid.NewString()
	started := time.Now()

	waitCtx, cancel := ctx, context.CancelFunc(func() {})
	if maxWait > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, maxWait)
	}
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.config.RetryDelay
	b.MaxInterval = l.config.MaxRetryDelay
	b.Multiplier = 1.5
	b.RandomizationFactor = 0.5
	b.Reset()

	var (
		retries int
		lastErr error
	)
	for {
		ok, err := l.store.SetNX(waitCtx, key, token, ttl)
		if err == nil && ok {
			lease := &Lease{Resource: resource, Token: token, AcquiredAt: l.clock.Now(), TTL: ttl}
			l.observe(resource, true, time.Since(started), retries, track)
			l.logger.Debug("lock acquired",
				zap.String("resource", resource), zap.Int("retries", retries))
			return lease, nil
		}
		if err != nil {
			lastErr = err
			l.metrics.StoreFailures.WithLabelValues("lock").Inc()
			l.logger.Debug("lock attempt failed", zap.String("resource", resource), zap.Error(err))
		}

		if maxWait < 0 {
			break
		}
		if err := gfctx.Sleep(waitCtx, b.NextBackOff()); err != nil {
			break
		}
		retries++
	}

	l.observe(resource, false, time.Since(started), retries, track)

	cause := lastErr
	if err := ctx.Err(); err != nil {
		cause = err
	}
	l.logger.Debug("lock not acquired",
		zap.String("resource", resource), zap.Int("retries", retries), zap.Error(cause))
	if cause != nil {
		return nil, fmt.Errorf("%w: %w", gferrors.ErrAcquireTimeout, cause)
	}
	return nil, gferrors.ErrAcquireTimeout
}

func (l *Locker) observe(resource string, acquired bool, wait time.Duration, retries int, track bool) {
	outcome := "acquired"
	if !acquired {
		outcome = "timeout"
	}
	l.metrics.LockAcquires.WithLabelValues(outcome).Inc()
	l.metrics.LockAcquireRetries.Observe(float64(retries))
	l.metrics.LockAcquireWait.Observe(wait.Seconds())
	if track {
		l.telemetry.RecordAttempt(resource, acquired, wait, retries)
	}
}

// Release deletes the lease on resource if token still holds it. A stale or
// unknown token returns false with ErrLockNotHeld.
func (l *Locker) Release(ctx context.Context, resource, token string) (bool, error) {
	ok, err := l.store.CompareAndDelete(ctx, l.key(resource), token)
	if err != nil {
		l.metrics.LockReleases.WithLabelValues("error").Inc()
		l.metrics.StoreFailures.WithLabelValues("lock").Inc()
		l.logger.Warn("lock release failed", zap.String("resource", resource), zap.Error(err))
		return false, err
	}
	if !ok {
		l.metrics.LockReleases.WithLabelValues("not_held").Inc()
		return false, gferrors.ErrLockNotHeld
	}
	l.metrics.LockReleases.WithLabelValues("released").Inc()
	return true, nil
}

// Extend resets the ttl of the lease on resource if token still holds it.
// A zero ttl uses the configured default.
func (l *Locker) Extend(ctx context.Context, resource, token string, ttl time.Duration) (bool, error) {
	if ttl == 0 {
		ttl = l.config.DefaultTTL
	}
	if ttl < 0 {
		return false, gferrors.NewValidationError("lock", "ttl", ttl, "must be positive")
	}

	ok, err := l.store.CompareAndExpire(ctx, l.key(resource), token, ttl)
	if err != nil {
		l.metrics.LockExtensions.WithLabelValues("error").Inc()
		l.metrics.StoreFailures.WithLabelValues("lock").Inc()
		l.logger.Warn("lock extend failed", zap.String("resource", resource), zap.Error(err))
		return false, err
	}
	if !ok {
		l.metrics.LockExtensions.WithLabelValues("not_held").Inc()
		return false, gferrors.ErrLockNotHeld
	}
	l.metrics.LockExtensions.WithLabelValues("extended").Inc()
	return true, nil
}

// Holder returns the token currently holding resource. The answer is stale
// as soon as it is returned; use it for diagnostics only.
func (l *Locker) Holder(ctx context.Context, resource string) (string, bool, error) {
	return l.store.Get(ctx, l.key(resource))
}
