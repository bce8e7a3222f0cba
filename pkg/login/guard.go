package login

import (
	"context"
	"math"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/vnykmshr/gatekeep/pkg/audit"
	"github.com/vnykmshr/gatekeep/pkg/common/clock"
	"github.com/vnykmshr/gatekeep/pkg/common/validation"
	"github.com/vnykmshr/gatekeep/pkg/metrics"
	"github.com/vnykmshr/gatekeep/pkg/store"
)

const lockedMarker = "locked"

// Policy is the lockout policy.
type Policy struct {
	// MaxAttempts is the number of failures inside Window that locks the identifier.
	MaxAttempts int

	// Window is the lockout window.
	Window time.Duration

	// FailOpen reports identifiers as unlocked when the store is unavailable.
	// The default reports them locked, so an outage cannot be used to bypass
	// the lockout.
	FailOpen bool
}

// DefaultPolicy allows five failures per thirty minutes.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, Window: 1800 * time.Second}
}

// State is the lockout state of an identifier.
type State int

const (
	StateOpen State = iota
	StateAccumulating
	StateLocked
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateAccumulating:
		return "ACCUMULATING"
	case StateLocked:
		return "LOCKED"
	default:
		return "UNKNOWN"
	}
}

// Status describes an identifier at a point in time.
type Status struct {
	State       State
	Locked      bool
	Attempts    int
	LockedUntil time.Time
	RetryAfter  time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds.
func (s Status) RetryAfterSeconds() int {
	return int(math.Ceil(s.RetryAfter.Seconds()))
}

// Config holds configuration for a Guard.
type Config struct {
	Policy    Policy
	KeyPrefix string

	// Sink receives one event per attempt and per state transition.
	Sink audit.Sink

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Registry
}

// Guard tracks authentication failures in the shared store.
type Guard struct {
	store   store.Store
	policy  Policy
	prefix  string
	sink    audit.Sink
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Registry
}

// New creates a Guard. A zero Policy uses DefaultPolicy.
func New(st store.Store, config Config) (*Guard, error) {
	if err := validation.ValidateNotNil("login", "store", st); err != nil {
		return nil, err
	}
	if config.Policy == (Policy{}) {
		config.Policy = DefaultPolicy()
	}
	if err := validation.ValidatePositive("login", "maxAttempts", config.Policy.MaxAttempts); err != nil {
		return nil, err
	}
	if err := validation.ValidatePositiveDuration("login", "window", config.Policy.Window); err != nil {
		return nil, err
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Metrics == nil {
		config.Metrics = metrics.Discard()
	}

	return &Guard{
		store:   st,
		policy:  config.Policy,
		prefix:  config.KeyPrefix,
		sink:    audit.OrDiscard(config.Sink),
		clock:   clock.OrSystem(config.Clock),
		logger:  config.Logger.Named("login"),
		metrics: config.Metrics,
	}, nil
}

// Policy returns the active lockout policy.
func (g *Guard) Policy() Policy {
	return g.policy
}

func (g *Guard) countKey(id string) string  { return g.prefix + "login:count:" + id }
func (g *Guard) failsKey(id string) string  { return g.prefix + "login:fails:" + id }
func (g *Guard) markerKey(id string) string { return g.prefix + "login:locked:" + id }

// RecordFailure records a failed authentication and returns the resulting status.
func (g *Guard) RecordFailure(ctx context.Context, id string) (Status, error) {
	if err := validation.ValidateNotEmpty("login", "identifier", id); err != nil {
		return Status{}, err
	}
	now := g.clock.Now()
	g.metrics.LoginFailures.Inc()

	consecutive, _, err := g.store.IncrWithExpiry(ctx, g.countKey(id), g.policy.Window)
	if err != nil {
		return Status{}, g.storeFailure("record failure", id, err)
	}
	stamp := strconv.FormatInt(now.UnixMilli(), 10)
	if _, err := g.store.PushTrim(ctx, g.failsKey(id), stamp, int64(g.policy.MaxAttempts), g.policy.Window); err != nil {
		return Status{}, g.storeFailure("record failure", id, err)
	}
	stamps, err := g.store.Range(ctx, g.failsKey(id))
	if err != nil {
		return Status{}, g.storeFailure("record failure", id, err)
	}

	status := g.evaluate(now, stamps)
	g.sink.Emit(ctx, audit.NewEvent(audit.TypeLoginFailure, id, now).
		With("attempts", strconv.Itoa(status.Attempts)).
		With("consecutive", strconv.FormatInt(consecutive, 10)).
		With("state", status.State.String()))

	if status.Locked {
		g.markLocked(ctx, id, now, status)
	}
	return status, nil
}

// markLocked records the LOCKED state once across all instances.
func (g *Guard) markLocked(ctx context.Context, id string, now time.Time, status Status) {
	ttl := status.RetryAfter + g.policy.Window
	created, err := g.store.SetNX(ctx, g.markerKey(id), lockedMarker, ttl)
	if err != nil {
		g.logger.Warn("lock marker not written", zap.String("identifier", id), zap.Error(err))
		return
	}
	if !created {
		_, _ = g.store.CompareAndExpire(ctx, g.markerKey(id), lockedMarker, ttl)
		return
	}

	g.metrics.LoginLockouts.Inc()
	g.logger.Info("identifier locked",
		zap.String("identifier", id), zap.Time("locked_until", status.LockedUntil))
	g.sink.Emit(ctx, audit.NewEvent(audit.TypeLoginLocked, id, now).
		With("locked_until", status.LockedUntil.UTC().Format(time.RFC3339)).
		With("retry_after", strconv.Itoa(status.RetryAfterSeconds())))
}

// RecordSuccess clears all failures of id, returning it to OPEN.
func (g *Guard) RecordSuccess(ctx context.Context, id string) error {
	if err := validation.ValidateNotEmpty("login", "identifier", id); err != nil {
		return err
	}
	now := g.clock.Now()
	g.metrics.LoginSuccesses.Inc()

	wasLocked, err := g.store.CompareAndDelete(ctx, g.markerKey(id), lockedMarker)
	if err != nil {
		return g.storeFailure("record success", id, err)
	}
	if err := g.store.Delete(ctx, g.countKey(id), g.failsKey(id)); err != nil {
		return g.storeFailure("record success", id, err)
	}

	g.sink.Emit(ctx, audit.NewEvent(audit.TypeLoginSuccess, id, now))
	if wasLocked {
		g.sink.Emit(ctx, audit.NewEvent(audit.TypeLoginUnlocked, id, now).With("reason", "success"))
	}
	return nil
}

// IsLocked reports the current status of id. When the store is unavailable
// the error wraps ErrStoreUnavailable and the status is locked for a full
// window, unless the policy fails open.
func (g *Guard) IsLocked(ctx context.Context, id string) (Status, error) {
	if err := validation.ValidateNotEmpty("login", "identifier", id); err != nil {
		return Status{}, err
	}
	now := g.clock.Now()

	stamps, err := g.store.Range(ctx, g.failsKey(id))
	if err != nil {
		err = g.storeFailure("is locked", id, err)
		if g.policy.FailOpen {
			return Status{State: StateOpen}, err
		}
		return Status{
			State:       StateLocked,
			Locked:      true,
			LockedUntil: now.Add(g.policy.Window),
			RetryAfter:  g.policy.Window,
		}, err
	}

	status := g.evaluate(now, stamps)
	if !status.Locked {
		// The lock aged out; exactly one observer reports it.
		if expired, err := g.store.CompareAndDelete(ctx, g.markerKey(id), lockedMarker); err == nil && expired {
			g.sink.Emit(ctx, audit.NewEvent(audit.TypeLoginUnlocked, id, now).With("reason", "expired"))
		}
	}
	return status, nil
}

// evaluate derives the status from failure timestamps, oldest first.
func (g *Guard) evaluate(now time.Time, stamps []string) Status {
	cutoff := now.Add(-g.policy.Window)
	inWindow := make([]time.Time, 0, len(stamps))
	for _, s := range stamps {
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			continue
		}
		if t := time.UnixMilli(ms); t.After(cutoff) {
			inWindow = append(inWindow, t)
		}
	}

	n := len(inWindow)
	switch {
	case n == 0:
		return Status{State: StateOpen}
	case n < g.policy.MaxAttempts:
		return Status{State: StateAccumulating, Attempts: n}
	}

	until := inWindow[n-g.policy.MaxAttempts].Add(g.policy.Window)
	return Status{
		State:       StateLocked,
		Locked:      true,
		Attempts:    n,
		LockedUntil: until,
		RetryAfter:  until.Sub(now),
	}
}

func (g *Guard) storeFailure(op, id string, err error) error {
	g.metrics.StoreFailures.WithLabelValues("login").Inc()
	g.logger.Warn("login guard store failure",
		zap.String("op", op), zap.String("identifier", id), zap.Error(err))
	return err
}
