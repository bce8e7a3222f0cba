package adaptive

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/vnykmshr/gatekeep/pkg/common/clock"
	gferrors "github.com/vnykmshr/gatekeep/pkg/common/errors"
	"github.com/vnykmshr/gatekeep/pkg/common/validation"
	"github.com/vnykmshr/gatekeep/pkg/metrics"
	"github.com/vnykmshr/gatekeep/pkg/store"
)

// DefaultWindow is used by categories that do not set one.
const DefaultWindow = 60 * time.Second

// DefaultLimit is the base limit of the fallback category when none is configured.
const DefaultLimit = 100

// DefaultCategory names the fallback category configuration.
const DefaultCategory = "default"

// CategoryConfig configures one rate-limit category.
type CategoryConfig struct {
	// Limit is the base number of requests allowed per window.
	Limit int

	// Window is the window length (default 60s).
	Window time.Duration

	// MinLimit and MaxLimit bound the effective limit. They default to
	// half and one and a half times Limit.
	MinLimit int
	MaxLimit int
}

func (c CategoryConfig) normalize() CategoryConfig {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.MinLimit == 0 {
		c.MinLimit = max(1, c.Limit/2)
	}
	if c.MaxLimit == 0 {
		c.MaxLimit = c.Limit + c.Limit/2
	}
	return c
}

func (c CategoryConfig) validate(name string) error {
	field := "categories." + name
	if err := validation.ValidatePositive("ratelimit", field+".limit", c.Limit); err != nil {
		return err
	}
	if c.Window < time.Millisecond {
		return gferrors.NewValidationError("ratelimit", field+".window", c.Window, "must be at least 1ms")
	}
	return validation.ValidateOrdered("ratelimit", field+".limit", c.MinLimit, c.Limit, c.MaxLimit)
}

// Config holds configuration for a Limiter.
type Config struct {
	// KeyPrefix namespaces counters in the store.
	KeyPrefix string

	// Default applies to categories missing from Categories.
	Default CategoryConfig

	// Categories maps category names to their configuration.
	Categories map[string]CategoryConfig

	// Load provides the load factor. Nil means a constant factor of 1.
	Load LoadSource

	// FailOpen admits requests when the store is unavailable. The default
	// rejects them.
	FailOpen bool

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Registry
}

// Result is the outcome of a rate check.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter is a store-backed adaptive fixed-window rate limiter.
type Limiter struct {
	store      store.Store
	prefix     string
	def        CategoryConfig
	categories map[string]CategoryConfig
	load       LoadSource
	failOpen   bool
	clock      clock.Clock
	logger     *zap.Logger
	metrics    *metrics.Registry
}

// New creates a Limiter.
func New(st store.Store, config Config) (*Limiter, error) {
	if err := validation.ValidateNotNil("ratelimit", "store", st); err != nil {
		return nil, err
	}

	if config.Default.Limit == 0 {
		config.Default.Limit = DefaultLimit
	}
	def := config.Default.normalize()
	if err := def.validate(DefaultCategory); err != nil {
		return nil, err
	}
	categories := make(map[string]CategoryConfig, len(config.Categories))
	for name, c := range config.Categories {
		c = c.normalize()
		if err := c.validate(name); err != nil {
			return nil, err
		}
		categories[name] = c
	}

	if config.Load == nil {
		config.Load = StaticLoad(1)
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Metrics == nil {
		config.Metrics = metrics.Discard()
	}

	return &Limiter{
		store:      st,
		prefix:     config.KeyPrefix,
		def:        def,
		categories: categories,
		load:       config.Load,
		failOpen:   config.FailOpen,
		clock:      clock.OrSystem(config.Clock),
		logger:     config.Logger.Named("ratelimit"),
		metrics:    config.Metrics,
	}, nil
}

// Category returns the configuration applied to category and the label it
// is reported under.
func (l *Limiter) Category(category string) (CategoryConfig, string) {
	if c, ok := l.categories[category]; ok {
		return c, category
	}
	return l.def, DefaultCategory
}

// EffectiveLimit returns the load-adjusted limit for category.
func (l *Limiter) EffectiveLimit(ctx context.Context, category string) int {
	cfg, _ := l.Category(category)
	return effectiveLimit(cfg, l.load.Factor(ctx))
}

func (l *Limiter) key(category, identifier string) string {
	return l.prefix + "rl:" + category + ":" + identifier
}

func effectiveLimit(cfg CategoryConfig, factor float64) int {
	limit := int(math.Round(float64(cfg.Limit) * factor))
	return min(max(limit, cfg.MinLimit), cfg.MaxLimit)
}

// Check counts one request of identifier in category and reports whether
// it is within the effective limit.
//
// The window opens with the first request of identifier and lasts the
// category window; the counter expires with it.
//
// When the store fails the error wraps ErrStoreUnavailable and the result
// rejects the request, or admits it when FailOpen is set.
func (l *Limiter) Check(ctx context.Context, identifier, category string) (Result, error) {
	if err := validation.ValidateNotEmpty("ratelimit", "identifier", identifier); err != nil {
		return Result{}, err
	}

	cfg, label := l.Category(category)
	now := l.clock.Now()
	limit := effectiveLimit(cfg, l.load.Factor(ctx))
	l.metrics.RateLimitEffectiveLimit.WithLabelValues(label).Set(float64(limit))

	count, ttl, err := l.store.IncrWithExpiry(ctx, l.key(category, identifier), cfg.Window)
	if err != nil {
		l.metrics.StoreFailures.WithLabelValues("ratelimit").Inc()
		l.metrics.RateLimitRequests.WithLabelValues(label, "error").Inc()
		l.logger.Warn("rate check failed",
			zap.String("identifier", identifier), zap.String("category", category),
			zap.Bool("fail_open", l.failOpen), zap.Error(err))

		res := Result{Allowed: l.failOpen, Limit: limit, ResetAt: now.Add(cfg.Window)}
		if l.failOpen {
			res.Remaining = limit
		} else {
			res.RetryAfter = cfg.Window
		}
		return res, err
	}
	if ttl <= 0 || ttl > cfg.Window {
		ttl = cfg.Window
	}

	res := Result{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: max(0, limit-int(count)),
		ResetAt:   now.Add(ttl),
	}
	if !res.Allowed {
		res.RetryAfter = ttl
		l.metrics.RateLimitRequests.WithLabelValues(label, "denied").Inc()
		l.logger.Debug("rate limited",
			zap.String("identifier", identifier), zap.String("category", category),
			zap.Int64("count", count), zap.Int("limit", limit))
		return res, nil
	}

	l.metrics.RateLimitRequests.WithLabelValues(label, "allowed").Inc()
	return res, nil
}
