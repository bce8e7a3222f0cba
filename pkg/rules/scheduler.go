package rules

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vnykmshr/gatekeep/pkg/common/clock"
	gferrors "github.com/vnykmshr/gatekeep/pkg/common/errors"
	"github.com/vnykmshr/gatekeep/pkg/lock"
	"github.com/vnykmshr/gatekeep/pkg/metrics"
	"github.com/vnykmshr/gatekeep/pkg/scheduling/scheduler"
	"github.com/vnykmshr/gatekeep/pkg/scheduling/workerpool"
)

// DefaultDelayedLockTTL is how long the claim on a delayed firing is kept.
// It is never released, so it must outlive the window in which another
// instance could run the same firing.
const DefaultDelayedLockTTL = 10 * time.Minute

// Locker claims distributed leases in a single attempt. *lock.Locker
// implements it.
type Locker interface {
	Claim(ctx context.Context, resource string, ttl time.Duration) (*lock.Lease, error)
}

// Config configures a Scheduler.
type Config struct {
	// Tasks runs delayed chain firings. Without it delayed chains are
	// skipped and logged.
	Tasks scheduler.Scheduler

	// Locker claims delayed firings across instances. Without it every
	// instance runs its own delayed firings.
	Locker Locker

	DelayedLockTTL time.Duration

	// OnDelayed is called with the result of every delayed firing that ran.
	OnDelayed func(Evaluation)

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Registry
}

// Evaluation is the outcome of evaluating one snapshot.
type Evaluation struct {
	SnapshotID string
	// Fired lists the rules that fired, in firing order.
	Fired []string
	// Scheduled lists the targets of delayed chains scheduled by this cycle.
	Scheduled []string
	// ActionErrors holds one ActionError per failed action.
	ActionErrors []error
	Duration     time.Duration
}

// Scheduler evaluates snapshots against a rule graph.
type Scheduler struct {
	mu    sync.Mutex // one cycle at a time
	graph atomic.Pointer[Graph]

	tasks     scheduler.Scheduler
	locker    Locker
	lockTTL   time.Duration
	onDelayed func(Evaluation)
	clock     clock.Clock
	logger    *zap.Logger
	metrics   *metrics.Registry
}

// NewScheduler creates a Scheduler over g.
func NewScheduler(g *Graph, cfg Config) (*Scheduler, error) {
	if g == nil {
		return nil, gferrors.NewValidationError("rules", "graph", nil, "cannot be nil")
	}
	if cfg.DelayedLockTTL < 0 {
		return nil, gferrors.NewValidationError("rules", "delayedLockTTL", cfg.DelayedLockTTL, "cannot be negative")
	}
	if cfg.DelayedLockTTL == 0 {
		cfg.DelayedLockTTL = DefaultDelayedLockTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Discard()
	}

	s := &Scheduler{
		tasks:     cfg.Tasks,
		locker:    cfg.Locker,
		lockTTL:   cfg.DelayedLockTTL,
		onDelayed: cfg.OnDelayed,
		clock:     clock.OrSystem(cfg.Clock),
		logger:    cfg.Logger.Named("rules"),
		metrics:   cfg.Metrics,
	}
	s.SetGraph(g)
	return s, nil
}

// Graph returns the graph in use.
func (s *Scheduler) Graph() *Graph {
	return s.graph.Load()
}

// SetGraph replaces the rule graph. Cycles already running, including
// pending delayed firings, keep the graph they started with.
func (s *Scheduler) SetGraph(g *Graph) {
	if g == nil {
		return
	}
	s.graph.Store(g)
	v := g.Validate()
	s.metrics.RulesDisabled.Set(float64(len(v.Disabled)))
	for _, c := range v.Cycles {
		s.logger.Warn("rule cycle disabled", zap.Strings("rules", c))
	}
	for _, is := range v.Issues {
		s.logger.Warn("rule definition issue", zap.String("rule_id", is.RuleID), zap.String("reason", is.Reason))
	}
}

// Evaluate runs one evaluation cycle. Rules are visited in execution order;
// action failures are recorded in the result and never stop the cycle.
// The only error is the context's, when it ends the cycle early.
func (s *Scheduler) Evaluate(ctx context.Context, snap Snapshot) (Evaluation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if snap.TakenAt.IsZero() {
		snap.TakenAt = s.clock.Now()
	}

	start := time.Now()
	c := s.newCycle(s.graph.Load(), snap)

	var err error
	for _, i := range c.graph.order {
		if err = ctx.Err(); err != nil {
			break
		}
		c.consider(ctx, i, "", false)
	}

	c.result.Duration = time.Since(start)
	s.metrics.RuleEvaluations.Inc()
	s.metrics.RuleEvaluationDuration.Observe(c.result.Duration.Seconds())
	s.logger.Debug("evaluation cycle finished",
		zap.String("snapshot_id", snap.ID),
		zap.Strings("fired", c.result.Fired),
		zap.Strings("scheduled", c.result.Scheduled),
		zap.Int("action_errors", len(c.result.ActionErrors)))
	return c.result, err
}

// cycle is the execution context of one evaluation: the snapshot and the
// set of rules already evaluated or fired.
type cycle struct {
	s         *Scheduler
	graph     *Graph
	snap      Snapshot
	evaluated []bool
	result    Evaluation
}

func (s *Scheduler) newCycle(g *Graph, snap Snapshot) *cycle {
	return &cycle{
		s:         s,
		graph:     g,
		snap:      snap,
		evaluated: make([]bool, len(g.nodes)),
		result:    Evaluation{SnapshotID: snap.ID},
	}
}

// consider evaluates rule i and, when it fires, follows its chains:
// zero-delay targets are considered in place, delayed ones are scheduled
// for a later firing and still get their own turn in this cycle.
func (c *cycle) consider(ctx context.Context, i int, from string, delayed bool) {
	type pending struct {
		idx  int
		from string
	}
	work := []pending{{idx: i, from: from}}

	for len(work) > 0 {
		p := work[0]
		work = work[1:]

		n := &c.graph.nodes[p.idx]
		if c.evaluated[p.idx] || !n.enabled {
			continue
		}
		c.evaluated[p.idx] = true

		if !c.s.holds(ctx, n.rule.Condition, c.snap, n.rule.ID) {
			continue
		}
		c.fire(ctx, n.rule, p.from, delayed)

		for _, e := range n.chains {
			edge := c.graph.chains[e]
			if !c.graph.nodes[edge.target].enabled {
				continue
			}
			if edge.trigger != nil && !c.s.holds(ctx, edge.trigger, c.snap, n.rule.ID) {
				continue
			}
			if edge.delay == 0 {
				work = append(work, pending{idx: edge.target, from: n.rule.ID})
				continue
			}
			if c.s.scheduleDelayed(c.graph, edge, n.rule.ID, c.snap) {
				c.result.Scheduled = append(c.result.Scheduled, c.graph.nodes[edge.target].rule.ID)
			}
		}
	}
}

func (c *cycle) fire(ctx context.Context, r Rule, from string, delayed bool) {
	c.result.Fired = append(c.result.Fired, r.ID)
	c.s.metrics.RulesFired.WithLabelValues(r.ID).Inc()

	f := Firing{RuleID: r.ID, Snapshot: c.snap, ChainedFrom: from, Delayed: delayed}
	for i, a := range r.Actions {
		if err := c.s.runAction(ctx, a, f); err != nil {
			aerr := &gferrors.ActionError{RuleID: r.ID, Action: actionName(a, i), Err: err}
			c.result.ActionErrors = append(c.result.ActionErrors, aerr)
			c.s.metrics.RuleActionErrors.WithLabelValues(r.ID).Inc()
			c.s.logger.Error("rule action failed",
				zap.String("rule_id", r.ID), zap.String("snapshot_id", c.snap.ID), zap.Error(aerr))
		}
	}
}

// runAction executes a. A panic becomes an error; its stack is logged here
// and kept out of the error.
func (s *Scheduler) runAction(ctx context.Context, a Action, f Firing) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panicked: %v", r)
			s.logger.Error("rule action panicked",
				zap.String("rule_id", f.RuleID), zap.String("snapshot_id", f.Snapshot.ID),
				zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
	}()
	return a.Execute(ctx, f)
}

// holds evaluates cond; errors and panics count as false.
func (s *Scheduler) holds(ctx context.Context, cond Condition, snap Snapshot, ruleID string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			s.logger.Error("rule condition panicked",
				zap.String("rule_id", ruleID), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
	}()
	ok, err := cond.Evaluate(ctx, snap)
	if err != nil {
		s.logger.Warn("rule condition failed",
			zap.String("rule_id", ruleID), zap.String("snapshot_id", snap.ID), zap.Error(err))
		return false
	}
	return ok
}

// DelayedTaskID names the scheduled task of a delayed firing.
func DelayedTaskID(target, snapshotID string) string {
	return target + ":" + snapshotID
}

// DelayedLockResource names the lock that claims a delayed firing.
func DelayedLockResource(target, snapshotID string) string {
	return "rules:delayed:" + target + ":" + snapshotID
}

// scheduleDelayed reports whether it scheduled the firing. A firing already
// pending for the same target and snapshot is not scheduled again.
func (s *Scheduler) scheduleDelayed(g *Graph, edge chainEdge, from string, snap Snapshot) bool {
	target := g.nodes[edge.target].rule.ID
	fields := []zap.Field{
		zap.String("rule_id", target), zap.String("chained_from", from),
		zap.String("snapshot_id", snap.ID), zap.Duration("delay", edge.delay),
	}
	if s.tasks == nil {
		s.metrics.DelayedFirings.WithLabelValues("unscheduled").Inc()
		s.logger.Warn("delayed chain skipped: no task scheduler", fields...)
		return false
	}

	captured := snap.Clone()
	task := workerpool.TaskFunc(func(ctx context.Context) error {
		s.runDelayed(ctx, g, edge.target, from, captured)
		return nil
	})

	err := s.tasks.ScheduleAfter(DelayedTaskID(target, snap.ID), task, edge.delay)
	switch {
	case err == nil:
		s.metrics.DelayedFirings.WithLabelValues("scheduled").Inc()
		s.logger.Debug("delayed chain scheduled", fields...)
		return true
	case errors.Is(err, scheduler.ErrTaskExists):
		s.metrics.DelayedFirings.WithLabelValues("duplicate").Inc()
		return false
	default:
		s.metrics.DelayedFirings.WithLabelValues("schedule_error").Inc()
		s.logger.Warn("delayed chain not scheduled", append(fields, zap.Error(err))...)
		return false
	}
}

// runDelayed claims and runs a delayed firing. The claim is left to expire
// so no other instance runs the same firing.
func (s *Scheduler) runDelayed(ctx context.Context, g *Graph, target int, from string, snap Snapshot) {
	id := g.nodes[target].rule.ID
	if s.locker != nil {
		_, err := s.locker.Claim(ctx, DelayedLockResource(id, snap.ID), s.lockTTL)
		if err != nil {
			if errors.Is(err, gferrors.ErrStoreUnavailable) {
				s.metrics.DelayedFirings.WithLabelValues("lock_error").Inc()
				s.logger.Warn("delayed firing skipped: lock unavailable",
					zap.String("rule_id", id), zap.String("snapshot_id", snap.ID), zap.Error(err))
				return
			}
			s.metrics.DelayedFirings.WithLabelValues("claimed_elsewhere").Inc()
			s.logger.Debug("delayed firing claimed by another instance",
				zap.String("rule_id", id), zap.String("snapshot_id", snap.ID))
			return
		}
	}

	s.metrics.DelayedFirings.WithLabelValues("executed").Inc()
	start := time.Now()
	c := s.newCycle(g, snap)
	c.consider(ctx, target, from, true)
	c.result.Duration = time.Since(start)

	if s.onDelayed != nil {
		s.onDelayed(c.result)
	}
}
