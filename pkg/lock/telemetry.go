package lock

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/vnykmshr/gatekeep/pkg/audit"
	"github.com/vnykmshr/gatekeep/pkg/common/clock"
	"github.com/vnykmshr/gatekeep/pkg/metrics"
)

// TelemetryConfig configures contention tracking.
type TelemetryConfig struct {
	// Threshold is the contention level that triggers an advisory event (default 0.7).
	Threshold float64

	// Smoothing is the weight of a new sample in the moving average (default 0.3).
	Smoothing float64

	// DecayWindow is the time constant of the score decay (default 1 minute).
	DecayWindow time.Duration

	// EventInterval and EventBurst throttle advisory events across all
	// resources (defaults 10s and 5).
	EventInterval time.Duration
	EventBurst    int

	// MaxResources bounds the number of tracked resources (default 10000).
	MaxResources int

	Sink    audit.Sink
	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Registry
}

type contention struct {
	score    float64
	updated  time.Time
	above    bool
	attempts int64
	failures int64
}

// ResourceStats summarises contention on one resource.
type ResourceStats struct {
	Level    float64
	Attempts int64
	Failures int64
}

// Telemetry keeps an exponentially weighted, time-decayed contention score
// per resource. It is advisory only.
type Telemetry struct {
	cfg     TelemetryConfig
	sink    audit.Sink
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Registry
	limiter *rate.Limiter

	mu        sync.Mutex
	resources map[string]*contention
}

// NewTelemetry creates a contention tracker.
func NewTelemetry(cfg TelemetryConfig) *Telemetry {
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = 0.7
	}
	if cfg.Smoothing <= 0 || cfg.Smoothing > 1 {
		cfg.Smoothing = 0.3
	}
	if cfg.DecayWindow <= 0 {
		cfg.DecayWindow = time.Minute
	}
	if cfg.EventInterval <= 0 {
		cfg.EventInterval = 10 * time.Second
	}
	if cfg.EventBurst <= 0 {
		cfg.EventBurst = 5
	}
	if cfg.MaxResources <= 0 {
		cfg.MaxResources = 10000
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Discard()
	}

	return &Telemetry{
		cfg:       cfg,
		sink:      audit.OrDiscard(cfg.Sink),
		clock:     clock.OrSystem(cfg.Clock),
		logger:    cfg.Logger.Named("lock.telemetry"),
		metrics:   cfg.Metrics,
		limiter:   rate.NewLimiter(rate.Every(cfg.EventInterval), cfg.EventBurst),
		resources: make(map[string]*contention),
	}
}

// decayed returns the score of c as seen at now.
func (t *Telemetry) decayed(c *contention, now time.Time) float64 {
	dt := now.Sub(c.updated)
	if dt <= 0 {
		return c.score
	}
	return c.score * math.Exp(-float64(dt)/float64(t.cfg.DecayWindow))
}

// RecordAttempt folds one acquisition outcome into the resource's score.
// A failed acquisition counts as full contention; a successful one counts
// retries/(retries+1).
func (t *Telemetry) RecordAttempt(resource string, acquired bool, wait time.Duration, retries int) {
	sample := 1.0
	if acquired {
		sample = float64(retries) / float64(retries+1)
	}
	now := t.clock.Now()

	t.mu.Lock()
	c, ok := t.resources[resource]
	if !ok {
		if len(t.resources) >= t.cfg.MaxResources {
			t.pruneLocked(now)
		}
		c = &contention{updated: now}
		t.resources[resource] = c
	}

	prev := t.decayed(c, now)
	c.score = clamp01(prev + t.cfg.Smoothing*(sample-prev))
	c.updated = now
	c.attempts++
	if !acquired {
		c.failures++
	}
	level := c.score

	rising := level >= t.cfg.Threshold && !c.above
	c.above = level >= t.cfg.Threshold
	t.mu.Unlock()

	t.metrics.LockContention.WithLabelValues(resource).Set(level)
	if rising {
		t.advise(resource, level, wait, now)
	}
}

func (t *Telemetry) advise(resource string, level float64, wait time.Duration, now time.Time) {
	if !t.limiter.AllowN(now, 1) {
		t.logger.Debug("contention advisory throttled", zap.String("resource", resource))
		return
	}
	t.metrics.ContentionEvents.Inc()
	t.logger.Info("high lock contention",
		zap.String("resource", resource), zap.Float64("level", level), zap.Duration("wait", wait))

	e := audit.NewEvent(audit.TypeLockContention, resource, now).
		With("level", strconv.FormatFloat(level, 'f', 3, 64)).
		With("threshold", strconv.FormatFloat(t.cfg.Threshold, 'f', 3, 64))
	t.sink.Emit(context.Background(), e)
}

// pruneLocked drops resources whose score has decayed to nothing. Caller holds mu.
func (t *Telemetry) pruneLocked(now time.Time) {
	for r, c := range t.resources {
		if t.decayed(c, now) < 0.001 {
			delete(t.resources, r)
			t.metrics.LockContention.DeleteLabelValues(r)
		}
	}
}

// ContentionLevel returns the current score of resource in [0,1].
func (t *Telemetry) ContentionLevel(resource string) float64 {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.resources[resource]
	if !ok {
		return 0
	}
	return t.decayed(c, now)
}

// Stats returns the contention summary of resource.
func (t *Telemetry) Stats(resource string) ResourceStats {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.resources[resource]
	if !ok {
		return ResourceStats{}
	}
	return ResourceStats{Level: t.decayed(c, now), Attempts: c.attempts, Failures: c.failures}
}

// Levels returns the current score of every tracked resource.
func (t *Telemetry) Levels() map[string]float64 {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]float64, len(t.resources))
	for r, c := range t.resources {
		out[r] = t.decayed(c, now)
	}
	return out
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
