package coordinator

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/vnykmshr/gatekeep/pkg/audit"
	gferrors "github.com/vnykmshr/gatekeep/pkg/common/errors"
	"github.com/vnykmshr/gatekeep/pkg/lock"
	"github.com/vnykmshr/gatekeep/pkg/login"
	"github.com/vnykmshr/gatekeep/pkg/ratelimit/adaptive"
	"github.com/vnykmshr/gatekeep/pkg/rules"
	"github.com/vnykmshr/gatekeep/pkg/scheduling/scheduler"
	"github.com/vnykmshr/gatekeep/pkg/scheduling/workerpool"
)

// EvaluationTaskID is the scheduled task id of periodic rule evaluation.
const EvaluationTaskID = "rules:evaluate"

// EvaluationLockResource is claimed by the instance that runs a periodic
// evaluation. Instances that lose the claim skip that period.
const EvaluationLockResource = "rules:evaluate"

// TryAcquireLock acquires resource for ttl, waiting up to maxWait. Zero
// values use the configured defaults; a negative maxWait tries once.
// A failed acquisition wraps ErrAcquireTimeout and is not fatal.
func (c *Coordinator) TryAcquireLock(ctx context.Context, resource string, ttl, maxWait time.Duration) (*lock.Lease, error) {
	ctx, span := c.startSpan(ctx, "TryAcquireLock", AttrResource.String(resource))
	defer span.End()

	lease, err := c.locker.Acquire(ctx, resource, ttl, maxWait)
	if err != nil && !isPlainTimeout(err) {
		recordError(span, err)
	}
	return lease, err
}

// isPlainTimeout reports a lost race for a lock, as opposed to a failure.
func isPlainTimeout(err error) bool {
	return errors.Is(err, gferrors.ErrAcquireTimeout) &&
		!errors.Is(err, gferrors.ErrStoreUnavailable)
}

// ReleaseLock releases resource if token holds it.
func (c *Coordinator) ReleaseLock(ctx context.Context, resource, token string) (bool, error) {
	ctx, span := c.startSpan(ctx, "ReleaseLock", AttrResource.String(resource))
	defer span.End()

	ok, err := c.locker.Release(ctx, resource, token)
	if err != nil && !errors.Is(err, gferrors.ErrLockNotHeld) {
		recordError(span, err)
	}
	return ok, err
}

// ExtendLock resets the ttl of resource if token holds it.
func (c *Coordinator) ExtendLock(ctx context.Context, resource, token string, ttl time.Duration) (bool, error) {
	ctx, span := c.startSpan(ctx, "ExtendLock", AttrResource.String(resource))
	defer span.End()

	ok, err := c.locker.Extend(ctx, resource, token, ttl)
	if err != nil && !errors.Is(err, gferrors.ErrLockNotHeld) {
		recordError(span, err)
	}
	return ok, err
}

// ContentionLevel returns the advisory contention level of resource in [0,1].
func (c *Coordinator) ContentionLevel(resource string) float64 {
	return c.locker.Telemetry().ContentionLevel(resource)
}

// CheckRate counts one request by identifier in category.
func (c *Coordinator) CheckRate(ctx context.Context, identifier, category string) (adaptive.Result, error) {
	ctx, span := c.startSpan(ctx, "CheckRate",
		AttrIdentifier.String(identifier), AttrCategory.String(category))
	defer span.End()

	res, err := c.limiter.Check(ctx, identifier, category)
	span.SetAttributes(AttrAllowed.Bool(res.Allowed))
	recordError(span, err)

	if err == nil && !res.Allowed {
		c.audit.Emit(ctx, audit.NewEvent(audit.TypeRateLimited, identifier, c.clock.Now()).
			With("category", category).
			With("limit", strconv.Itoa(res.Limit)).
			With("reset_at", res.ResetAt.UTC().Format(time.RFC3339)))
	}
	return res, err
}

// RecordLoginFailure records a failed authentication for identifier.
func (c *Coordinator) RecordLoginFailure(ctx context.Context, identifier string) (login.Status, error) {
	ctx, span := c.startSpan(ctx, "RecordLoginFailure", AttrIdentifier.String(identifier))
	defer span.End()

	status, err := c.guard.RecordFailure(ctx, identifier)
	span.SetAttributes(AttrLocked.Bool(status.Locked))
	recordError(span, err)
	return status, err
}

// RecordLoginSuccess clears identifier's failures.
func (c *Coordinator) RecordLoginSuccess(ctx context.Context, identifier string) error {
	ctx, span := c.startSpan(ctx, "RecordLoginSuccess", AttrIdentifier.String(identifier))
	defer span.End()

	err := c.guard.RecordSuccess(ctx, identifier)
	recordError(span, err)
	return err
}

// IsLocked reports whether identifier is locked out. On store failure the
// status is locked unless the lockout policy fails open.
func (c *Coordinator) IsLocked(ctx context.Context, identifier string) (login.Status, error) {
	ctx, span := c.startSpan(ctx, "IsLocked", AttrIdentifier.String(identifier))
	defer span.End()

	status, err := c.guard.IsLocked(ctx, identifier)
	span.SetAttributes(AttrLocked.Bool(status.Locked))
	recordError(span, err)
	return status, err
}

// LoadRules compiles defs and swaps them in. Invalid rules are disabled and
// reported in the returned validation; the rest take effect immediately.
func (c *Coordinator) LoadRules(defs rules.Definitions) rules.Validation {
	g := rules.Compile(defs, c.actions, c.predicate)
	c.rules.SetGraph(g)
	v := g.Validate()
	c.logger.Info("rules loaded",
		zap.Int("rules", g.Len()),
		zap.Int("enabled", len(v.Order)),
		zap.Int("disabled", len(v.Disabled)))
	return v
}

// ValidateRules returns the validation report of the loaded rules.
func (c *Coordinator) ValidateRules() rules.Validation {
	return c.rules.Graph().Validate()
}

// EvaluateRules runs one evaluation cycle against snap.
func (c *Coordinator) EvaluateRules(ctx context.Context, snap rules.Snapshot) (rules.Evaluation, error) {
	ctx, span := c.startSpan(ctx, "EvaluateRules", AttrSnapshotID.String(snap.ID))
	defer span.End()

	ev, err := c.rules.Evaluate(ctx, snap)
	span.SetAttributes(AttrSnapshotID.String(ev.SnapshotID), AttrFired.Int(len(ev.Fired)))
	recordError(span, err)
	return ev, err
}

// SampleSnapshot captures the coordinator's own health metrics as a rule
// snapshot: host load, load factor, in-flight requests and the highest lock
// contention level.
func (c *Coordinator) SampleSnapshot(ctx context.Context) rules.Snapshot {
	values := map[string]float64{
		"inflight":    float64(c.inflight.InUse()),
		"concurrency": c.inflight.Pressure(),
		"load_factor": 1,
	}
	if c.load != nil {
		factor := c.load.Factor(ctx)
		sample, _ := c.load.Last()
		values["cpu"] = sample.CPU
		values["memory"] = sample.Memory
		values["load_factor"] = factor
	}

	var contention float64
	for _, level := range c.locker.Telemetry().Levels() {
		contention = max(contention, level)
	}
	values["lock_contention_max"] = contention

	return rules.NewSnapshot(values, c.clock.Now())
}

// ScheduleEvaluation evaluates the loaded rules against SampleSnapshot on
// the cron schedule expr, for example "@every 30s". Every instance may
// schedule it; each period is evaluated by the one instance that claims
// EvaluationLockResource.
func (c *Coordinator) ScheduleEvaluation(expr string) error {
	sched, err := scheduler.ParseCron(expr)
	if err != nil {
		return gferrors.NewValidationError("coordinator", "evaluationSchedule", expr, err.Error())
	}
	claim := claimTTL(sched, c.clock.Now())

	return c.tasks.ScheduleCron(EvaluationTaskID, expr, workerpool.TaskFunc(func(ctx context.Context) error {
		_, _, err := c.evaluatePeriod(ctx, claim)
		return err
	}))
}

// claimTTL is nine tenths of the gap between the next two activations of
// sched, and at least a second, so successive periods can be claimed again.
func claimTTL(sched interface{ Next(time.Time) time.Time }, now time.Time) time.Duration {
	first := sched.Next(now)
	period := sched.Next(first).Sub(first)
	return max(time.Second, period*9/10)
}

// evaluatePeriod claims the current period and evaluates a fresh snapshot.
// It reports false when another instance holds the claim.
func (c *Coordinator) evaluatePeriod(ctx context.Context, claim time.Duration) (rules.Evaluation, bool, error) {
	if _, err := c.locker.Claim(ctx, EvaluationLockResource, claim); err != nil {
		if errors.Is(err, gferrors.ErrStoreUnavailable) {
			c.logger.Warn("periodic evaluation skipped: store unavailable", zap.Error(err))
			return rules.Evaluation{}, false, err
		}
		c.logger.Debug("periodic evaluation claimed by another instance")
		return rules.Evaluation{}, false, nil
	}
	ev, err := c.EvaluateRules(ctx, c.SampleSnapshot(ctx))
	return ev, true, err
}
