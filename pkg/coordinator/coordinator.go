package coordinator

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnykmshr/gatekeep/pkg/audit"
	"github.com/vnykmshr/gatekeep/pkg/common/clock"
	gferrors "github.com/vnykmshr/gatekeep/pkg/common/errors"
	"github.com/vnykmshr/gatekeep/pkg/lock"
	"github.com/vnykmshr/gatekeep/pkg/login"
	"github.com/vnykmshr/gatekeep/pkg/metrics"
	"github.com/vnykmshr/gatekeep/pkg/ratelimit/adaptive"
	"github.com/vnykmshr/gatekeep/pkg/ratelimit/concurrency"
	"github.com/vnykmshr/gatekeep/pkg/rules"
	"github.com/vnykmshr/gatekeep/pkg/scheduling/scheduler"
	"github.com/vnykmshr/gatekeep/pkg/scheduling/workerpool"
	"github.com/vnykmshr/gatekeep/pkg/store"
)

// TracerName is the instrumentation name of coordinator spans.
const TracerName = "github.com/vnykmshr/gatekeep/pkg/coordinator"

type options struct {
	logger     *zap.Logger
	metrics    *metrics.Registry
	sink       audit.Sink
	tracer     trace.TracerProvider
	load       adaptive.LoadProvider
	clock      clock.Clock
	actions    map[string]rules.ActionFactory
	predicates rules.PredicateTable
}

// Option configures a Coordinator.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithMetrics sets the metrics registry.
func WithMetrics(m *metrics.Registry) Option { return func(o *options) { o.metrics = m } }

// WithAuditSink sets where audit events are delivered. Delivery is
// asynchronous; the sink never sees the caller's goroutine. By default
// events are logged.
func WithAuditSink(s audit.Sink) Option { return func(o *options) { o.sink = s } }

// WithTracerProvider sets the tracer provider. By default the global
// provider is used.
func WithTracerProvider(tp trace.TracerProvider) Option { return func(o *options) { o.tracer = tp } }

// WithLoadProvider replaces the host load sampler.
func WithLoadProvider(p adaptive.LoadProvider) Option { return func(o *options) { o.load = p } }

// WithClock sets the clock used for windows, lockouts and snapshots.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithAction registers a rule action type.
func WithAction(typ string, f rules.ActionFactory) Option {
	return func(o *options) {
		if o.actions == nil {
			o.actions = make(map[string]rules.ActionFactory)
		}
		o.actions[typ] = f
	}
}

// WithPredicates registers Go rule conditions by rule id.
func WithPredicates(p rules.PredicateTable) Option { return func(o *options) { o.predicates = p } }

// Coordinator is the coordination core: distributed locks, adaptive rate
// limiting, login lockout and rule evaluation over one shared store.
// It is safe for concurrent use.
type Coordinator struct {
	cfg     Config
	store   store.Store
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Registry
	tracer  trace.Tracer

	audit     *audit.AsyncSink
	locker    *lock.Locker
	inflight  *concurrency.Limiter
	load      *adaptive.CachedLoad
	limiter   *adaptive.Limiter
	guard     *login.Guard
	actions   *rules.ActionRegistry
	predicate rules.PredicateTable
	pool      workerpool.Pool
	tasks     scheduler.Scheduler
	rules     *rules.Scheduler
}

// New builds a Coordinator over st. The caller keeps ownership of st.
func New(st store.Store, cfg Config, opts ...Option) (*Coordinator, error) {
	if st == nil {
		return nil, gferrors.NewValidationError("coordinator", "store", nil, "cannot be nil")
	}
	cfg = cfg.withDefaults()

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.metrics == nil {
		o.metrics = metrics.Discard()
	}
	if o.tracer == nil {
		o.tracer = otel.GetTracerProvider()
	}
	if o.sink == nil {
		o.sink = audit.NewLogSink(o.logger, o.metrics)
	}
	o.clock = clock.OrSystem(o.clock)

	c := &Coordinator{
		cfg:       cfg,
		store:     st,
		clock:     o.clock,
		logger:    o.logger.Named("coordinator"),
		metrics:   o.metrics,
		tracer:    o.tracer.Tracer(TracerName),
		predicate: o.predicates,
	}
	c.audit = audit.NewAsync(o.sink, audit.AsyncConfig{
		BufferSize: cfg.AuditBufferSize,
		Logger:     o.logger,
		Metrics:    o.metrics,
	})

	if err := c.build(cfg, o); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Coordinator) build(cfg Config, o options) error {
	var err error

	telemetry := lock.NewTelemetry(lock.TelemetryConfig{
		Threshold: cfg.Locks.ContentionThreshold,
		Sink:      c.audit,
		Clock:     o.clock,
		Logger:    o.logger,
		Metrics:   o.metrics,
	})
	c.locker, err = lock.New(c.store, lock.Config{
		KeyPrefix:      cfg.KeyPrefix,
		DefaultTTL:     cfg.Locks.TTL,
		DefaultMaxWait: cfg.Locks.MaxWait,
		RetryDelay:     cfg.Locks.RetryDelay,
		MaxRetryDelay:  cfg.Locks.MaxRetryDelay,
		Telemetry:      telemetry,
		Clock:          o.clock,
		Logger:         o.logger,
		Metrics:        o.metrics,
	})
	if err != nil {
		return err
	}

	c.inflight, err = concurrency.New(concurrency.Config{Capacity: cfg.MaxInFlight, Metrics: o.metrics})
	if err != nil {
		return err
	}

	var source adaptive.LoadSource = adaptive.StaticLoad(1)
	if !cfg.Load.Disabled {
		provider := o.load
		if provider == nil {
			provider = adaptive.NewSystemSampler(c.inflight)
		}
		c.load = adaptive.NewCachedLoad(provider, adaptive.LoadConfig{
			RefreshInterval: cfg.Load.RefreshInterval,
			Weights:         cfg.Load.Weights,
			Clock:           o.clock,
			Logger:          o.logger,
			Metrics:         o.metrics,
		})
		source = c.load
	}

	c.limiter, err = adaptive.New(c.store, adaptive.Config{
		KeyPrefix:  cfg.KeyPrefix,
		Default:    cfg.RateLimits.Default,
		Categories: cfg.RateLimits.Categories,
		Load:       source,
		FailOpen:   cfg.RateLimits.FailOpen,
		Clock:      o.clock,
		Logger:     o.logger,
		Metrics:    o.metrics,
	})
	if err != nil {
		return err
	}

	c.guard, err = login.New(c.store, login.Config{
		Policy:    cfg.Lockout,
		KeyPrefix: cfg.KeyPrefix,
		Sink:      c.audit,
		Clock:     o.clock,
		Logger:    o.logger,
		Metrics:   o.metrics,
	})
	if err != nil {
		return err
	}

	c.actions = rules.NewActionRegistry(o.logger, c.audit, o.clock)
	for typ, f := range o.actions {
		if err := c.actions.Register(typ, f); err != nil {
			return err
		}
	}

	c.pool, err = workerpool.NewWithConfig(workerpool.Config{
		WorkerCount: cfg.Rules.Workers,
		QueueSize:   cfg.Rules.QueueSize,
		Name:        "rules",
		Logger:      o.logger,
		Metrics:     o.metrics,
	})
	if err != nil {
		return err
	}
	c.tasks, err = scheduler.NewWithConfig(scheduler.Config{
		WorkerPool: c.pool,
		Name:       "rules",
		Logger:     o.logger,
		Metrics:    o.metrics,
	})
	if err != nil {
		return err
	}
	if err := c.tasks.Start(); err != nil {
		return err
	}

	c.rules, err = rules.NewScheduler(rules.NewGraph(nil, nil), rules.Config{
		Tasks:          c.tasks,
		Locker:         c.locker,
		DelayedLockTTL: cfg.Rules.DelayedLockTTL,
		Clock:          o.clock,
		Logger:         o.logger,
		Metrics:        o.metrics,
	})
	return err
}

// Close stops scheduled work, drains queued tasks and flushes pending
// audit events. It does not close the store.
func (c *Coordinator) Close() error {
	if c.tasks != nil {
		<-c.tasks.Stop()
	}
	if c.pool != nil {
		<-c.pool.Shutdown()
	}
	var errs []error
	if c.audit != nil {
		if err := c.audit.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close audit sink: %w", err))
		}
	}
	return errors.Join(errs...)
}

// InFlight returns the tracker whose occupancy feeds concurrency pressure.
func (c *Coordinator) InFlight() *concurrency.Limiter {
	return c.inflight
}

// Locker returns the distributed locker.
func (c *Coordinator) Locker() *lock.Locker {
	return c.locker
}

// Ping checks the store.
func (c *Coordinator) Ping(ctx context.Context) error {
	return c.store.Ping(ctx)
}
