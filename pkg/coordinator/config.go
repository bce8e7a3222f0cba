package coordinator

import (
	"time"

	"github.com/vnykmshr/gatekeep/pkg/login"
	"github.com/vnykmshr/gatekeep/pkg/ratelimit/adaptive"
)

// Config is the coordination core configuration. Zero values take the
// documented defaults.
type Config struct {
	// KeyPrefix namespaces every key written to the store.
	KeyPrefix string

	Locks      LockConfig
	RateLimits RateLimitConfig
	Load       LoadConfig
	Lockout    login.Policy
	Rules      RulesConfig

	// AuditBufferSize bounds the events queued for the audit sink (default 1024).
	AuditBufferSize int

	// MaxInFlight is the in-flight request count treated as full
	// concurrency pressure (default 1024).
	MaxInFlight int
}

// LockConfig holds lock defaults.
type LockConfig struct {
	TTL           time.Duration // default 30s
	MaxWait       time.Duration // default 5s
	RetryDelay    time.Duration // default 50ms
	MaxRetryDelay time.Duration // default 1s

	// ContentionThreshold is the level that emits a contention event (default 0.7).
	ContentionThreshold float64
}

// RateLimitConfig is the per-category rate limit table.
type RateLimitConfig struct {
	Default    adaptive.CategoryConfig
	Categories map[string]adaptive.CategoryConfig
	FailOpen   bool
}

// LoadConfig controls load sampling.
type LoadConfig struct {
	RefreshInterval time.Duration // default 5s
	Weights         adaptive.Weights
	// Disabled pins the load factor at 1.
	Disabled bool
}

// RulesConfig controls rule scheduling.
type RulesConfig struct {
	DelayedLockTTL time.Duration // default 10m
	Workers        int           // default 4
	QueueSize      int           // default 64
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Locks: LockConfig{
			TTL:                 30 * time.Second,
			MaxWait:             5 * time.Second,
			RetryDelay:          50 * time.Millisecond,
			MaxRetryDelay:       time.Second,
			ContentionThreshold: 0.7,
		},
		RateLimits: RateLimitConfig{
			Default: adaptive.CategoryConfig{Limit: adaptive.DefaultLimit, Window: adaptive.DefaultWindow},
		},
		Load: LoadConfig{
			RefreshInterval: 5 * time.Second,
			Weights:         adaptive.DefaultWeights(),
		},
		Lockout:         login.DefaultPolicy(),
		Rules:           RulesConfig{DelayedLockTTL: 10 * time.Minute, Workers: 4, QueueSize: 64},
		AuditBufferSize: 1024,
		MaxInFlight:     1024,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Lockout.MaxAttempts == 0 {
		c.Lockout.MaxAttempts = d.Lockout.MaxAttempts
	}
	if c.Lockout.Window == 0 {
		c.Lockout.Window = d.Lockout.Window
	}
	if c.Rules.Workers == 0 {
		c.Rules.Workers = d.Rules.Workers
	}
	if c.Rules.QueueSize == 0 {
		c.Rules.QueueSize = d.Rules.QueueSize
	}
	if c.AuditBufferSize == 0 {
		c.AuditBufferSize = d.AuditBufferSize
	}
	if c.MaxInFlight == 0 {
		c.MaxInFlight = d.MaxInFlight
	}
	return c
}
