package adaptive

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/vnykmshr/gatekeep/pkg/common/clock"
	"github.com/vnykmshr/gatekeep/pkg/metrics"
)

// Factor bounds.
const (
	MinFactor = 0.5
	MaxFactor = 1.5
)

// Sample is a point-in-time view of system pressure. Each field is a
// fraction in [0,1].
type Sample struct {
	CPU         float64
	Memory      float64
	Concurrency float64
}

// LoadProvider samples system pressure.
type LoadProvider interface {
	Sample(ctx context.Context) (Sample, error)
}

// LoadProviderFunc adapts a function to LoadProvider.
type LoadProviderFunc func(ctx context.Context) (Sample, error)

// Sample calls f(ctx).
func (f LoadProviderFunc) Sample(ctx context.Context) (Sample, error) {
	return f(ctx)
}

// LoadSource yields the factor applied to base limits.
type LoadSource interface {
	Factor(ctx context.Context) float64
}

// StaticLoad is a constant load factor.
type StaticLoad float64

// Factor returns f clamped to the factor bounds.
func (f StaticLoad) Factor(context.Context) float64 {
	return clamp(float64(f), MinFactor, MaxFactor)
}

// Weights controls how each pressure contributes to the load factor.
type Weights struct {
	CPU         float64
	Memory      float64
	Concurrency float64
}

// DefaultWeights favours cpu over memory and concurrency.
func DefaultWeights() Weights {
	return Weights{CPU: 0.4, Memory: 0.3, Concurrency: 0.3}
}

// Pressure combines a sample into a single value in [0,1]. Weights are
// normalised so they need not sum to one.
func (w Weights) Pressure(s Sample) float64 {
	total := w.CPU + w.Memory + w.Concurrency
	if total <= 0 {
		w, total = DefaultWeights(), 1
	}
	p := (w.CPU*clamp(s.CPU, 0, 1) + w.Memory*clamp(s.Memory, 0, 1) +
		w.Concurrency*clamp(s.Concurrency, 0, 1)) / total
	return clamp(p, 0, 1)
}

// FactorFor maps a sample to a load factor: an idle system raises limits
// by half, a saturated one halves them.
func FactorFor(s Sample, w Weights) float64 {
	return clamp(MaxFactor-w.Pressure(s), MinFactor, MaxFactor)
}

// LoadConfig configures a CachedLoad.
type LoadConfig struct {
	// RefreshInterval is the minimum time between samples (default 5s).
	RefreshInterval time.Duration

	Weights Weights
	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Registry
}

// CachedLoad samples a LoadProvider at most once per RefreshInterval.
// Concurrent refreshes share one sample. A failed sample keeps the previous
// factor; before the first success the factor is 1.
type CachedLoad struct {
	provider LoadProvider
	cfg      LoadConfig
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *metrics.Registry
	group    singleflight.Group

	mu          sync.Mutex
	factor      float64
	sample      Sample
	refreshedAt time.Time
	sampled     bool
}

// NewCachedLoad creates a rate-bounded load source.
func NewCachedLoad(provider LoadProvider, cfg LoadConfig) *CachedLoad {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Discard()
	}
	return &CachedLoad{
		provider: provider,
		cfg:      cfg,
		clock:    clock.OrSystem(cfg.Clock),
		logger:   cfg.Logger.Named("load"),
		metrics:  cfg.Metrics,
		factor:   1,
	}
}

// Factor returns the cached factor, refreshing it when stale.
func (c *CachedLoad) Factor(ctx context.Context) float64 {
	now := c.clock.Now()
	c.mu.Lock()
	if c.sampled && now.Sub(c.refreshedAt) < c.cfg.RefreshInterval {
		f := c.factor
		c.mu.Unlock()
		return f
	}
	c.mu.Unlock()

	v, _, _ := c.group.Do("refresh", func() (interface{}, error) {
		c.mu.Lock()
		if c.sampled && c.clock.Now().Sub(c.refreshedAt) < c.cfg.RefreshInterval {
			f := c.factor
			c.mu.Unlock()
			return f, nil
		}
		c.mu.Unlock()
		return c.refresh(ctx), nil
	})
	return v.(float64)
}

func (c *CachedLoad) refresh(ctx context.Context) float64 {
	s, err := c.provider.Sample(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshedAt = c.clock.Now()
	c.sampled = true
	if err != nil {
		c.logger.Warn("load sample failed, keeping previous factor",
			zap.Float64("factor", c.factor), zap.Error(err))
		return c.factor
	}

	c.sample = s
	c.factor = FactorFor(s, c.cfg.Weights)
	c.metrics.LoadFactor.Set(c.factor)
	return c.factor
}

// Last returns the most recent successful sample and the current factor.
func (c *CachedLoad) Last() (Sample, float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sample, c.factor
}

// PressureGauge reports a concurrency pressure fraction.
type PressureGauge interface {
	Pressure() float64
}

// SystemSampler samples host cpu and memory pressure plus in-flight
// concurrency.
type SystemSampler struct {
	inflight PressureGauge
}

// NewSystemSampler creates a sampler. inflight may be nil.
func NewSystemSampler(inflight PressureGauge) *SystemSampler {
	return &SystemSampler{inflight: inflight}
}

// Sample reads the host load.
func (s *SystemSampler) Sample(ctx context.Context) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}
	cpu, mem, err := hostPressure()
	if err != nil {
		return Sample{}, err
	}
	out := Sample{CPU: cpu, Memory: mem}
	if s.inflight != nil {
		out.Concurrency = s.inflight.Pressure()
	}
	return out, nil
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
