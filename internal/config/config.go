// Package config loads the gatekeep service configuration from a YAML file
// and GATEKEEP_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	gferrors "github.com/vnykmshr/gatekeep/pkg/common/errors"
	"github.com/vnykmshr/gatekeep/pkg/common/validation"
	"github.com/vnykmshr/gatekeep/pkg/coordinator"
	"github.com/vnykmshr/gatekeep/pkg/login"
	"github.com/vnykmshr/gatekeep/pkg/ratelimit/adaptive"
)

// EnvPrefix is the prefix of environment overrides, e.g. GATEKEEP_STORE_ADDR.
const EnvPrefix = "GATEKEEP"

// DefaultEvaluationSchedule is the cron expression used for periodic rule evaluation.
const DefaultEvaluationSchedule = "@every 30s"

// Config is the service configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Store      StoreConfig      `mapstructure:"store"`
	Locks      LocksConfig      `mapstructure:"locks"`
	RateLimits RateLimitsConfig `mapstructure:"rateLimits"`
	Load       LoadConfig       `mapstructure:"load"`
	Lockout    LockoutConfig    `mapstructure:"lockout"`
	Rules      RulesConfig      `mapstructure:"rules"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Audit      AuditConfig      `mapstructure:"audit"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	MaxInFlight     int           `mapstructure:"maxInFlight"`
}

// StoreConfig configures the shared Redis store.
type StoreConfig struct {
	Addr      string        `mapstructure:"addr"`
	DB        int           `mapstructure:"db"`
	Password  string        `mapstructure:"password"`
	OpTimeout time.Duration `mapstructure:"opTimeout"`
	KeyPrefix string        `mapstructure:"keyPrefix"`
}

// LocksConfig holds lock defaults.
type LocksConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	MaxWait       time.Duration `mapstructure:"maxWait"`
	RetryDelay    time.Duration `mapstructure:"retryDelay"`
	MaxRetryDelay time.Duration `mapstructure:"maxRetryDelay"`
}

// CategoryConfig is the rate limit of one category.
type CategoryConfig struct {
	Limit    int           `mapstructure:"limit"`
	Window   time.Duration `mapstructure:"window"`
	MinLimit int           `mapstructure:"minLimit"`
	MaxLimit int           `mapstructure:"maxLimit"`
}

// RateLimitsConfig is the per-category rate limit table. Category names
// are matched case-insensitively because viper folds map keys to lower case.
type RateLimitsConfig struct {
	Default    CategoryConfig            `mapstructure:"default"`
	Categories map[string]CategoryConfig `mapstructure:"categories"`
	FailOpen   bool                      `mapstructure:"failOpen"`
}

// WeightsConfig weights the load pressure inputs.
type WeightsConfig struct {
	CPU         float64 `mapstructure:"cpu"`
	Memory      float64 `mapstructure:"memory"`
	Concurrency float64 `mapstructure:"concurrency"`
}

// LoadConfig controls load sampling.
type LoadConfig struct {
	RefreshInterval time.Duration `mapstructure:"refreshInterval"`
	Weights         WeightsConfig `mapstructure:"weights"`
	Disabled        bool          `mapstructure:"disabled"`
}

// LockoutConfig is the login lockout policy.
type LockoutConfig struct {
	MaxAttempts int           `mapstructure:"maxAttempts"`
	Window      time.Duration `mapstructure:"window"`
	FailOpen    bool          `mapstructure:"failOpen"`
}

// RulesConfig locates rule definitions and controls their evaluation.
type RulesConfig struct {
	File               string        `mapstructure:"file"`
	EvaluationSchedule string        `mapstructure:"evaluationSchedule"`
	DelayedLockTTL     time.Duration `mapstructure:"delayedLockTTL"`
	Workers            int           `mapstructure:"workers"`
	QueueSize          int           `mapstructure:"queueSize"`
}

// TelemetryConfig controls lock contention telemetry.
type TelemetryConfig struct {
	ContentionThreshold float64 `mapstructure:"contentionThreshold"`
}

// AuditConfig controls the audit sink.
type AuditConfig struct {
	BufferSize int `mapstructure:"bufferSize"`

	// StoreKey, when set, also appends audit events to this store list.
	StoreKey  string        `mapstructure:"storeKey"`
	MaxEvents int64         `mapstructure:"maxEvents"`
	Retention time.Duration `mapstructure:"retention"`
}

func setDefaults(v *viper.Viper) {
	d := coordinator.DefaultConfig()

	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.shutdownTimeout", 15*time.Second)
	v.SetDefault("server.maxInFlight", d.MaxInFlight)

	v.SetDefault("store.addr", "localhost:6379")
	v.SetDefault("store.db", 0)
	v.SetDefault("store.password", "")
	v.SetDefault("store.opTimeout", 500*time.Millisecond)
	v.SetDefault("store.keyPrefix", "gatekeep")

	v.SetDefault("locks.ttl", d.Locks.TTL)
	v.SetDefault("locks.maxWait", d.Locks.MaxWait)
	v.SetDefault("locks.retryDelay", d.Locks.RetryDelay)
	v.SetDefault("locks.maxRetryDelay", d.Locks.MaxRetryDelay)

	v.SetDefault("rateLimits.default.limit", d.RateLimits.Default.Limit)
	v.SetDefault("rateLimits.default.window", d.RateLimits.Default.Window)
	v.SetDefault("rateLimits.default.minLimit", 0)
	v.SetDefault("rateLimits.default.maxLimit", 0)
	v.SetDefault("rateLimits.failOpen", false)

	v.SetDefault("load.refreshInterval", d.Load.RefreshInterval)
	v.SetDefault("load.weights.cpu", d.Load.Weights.CPU)
	v.SetDefault("load.weights.memory", d.Load.Weights.Memory)
	v.SetDefault("load.weights.concurrency", d.Load.Weights.Concurrency)
	v.SetDefault("load.disabled", false)

	v.SetDefault("lockout.maxAttempts", d.Lockout.MaxAttempts)
	v.SetDefault("lockout.window", d.Lockout.Window)
	v.SetDefault("lockout.failOpen", false)

	v.SetDefault("rules.file", "")
	v.SetDefault("rules.evaluationSchedule", DefaultEvaluationSchedule)
	v.SetDefault("rules.delayedLockTTL", d.Rules.DelayedLockTTL)
	v.SetDefault("rules.workers", d.Rules.Workers)
	v.SetDefault("rules.queueSize", d.Rules.QueueSize)

	v.SetDefault("telemetry.contentionThreshold", d.Locks.ContentionThreshold)

	v.SetDefault("audit.bufferSize", d.AuditBufferSize)
	v.SetDefault("audit.storeKey", "")
	v.SetDefault("audit.maxEvents", 10000)
	v.SetDefault("audit.retention", 7*24*time.Hour)
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load reads the configuration file at path (optional) and applies
// environment overrides on top of it.
func Load(path string) (*Config, error) {
	return Read(New(), path)
}

// Read is Load on a caller-supplied viper instance, typically one from New
// with command line flags bound to it.
func Read(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values the coordinator would reject
// or silently misuse.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	add(validation.ValidateNotEmpty("config", "server.address", c.Server.Address))
	add(validation.ValidateNotEmpty("config", "store.addr", c.Store.Addr))
	add(validation.ValidatePositiveDuration("config", "store.opTimeout", c.Store.OpTimeout))
	add(validation.ValidatePositiveDuration("config", "locks.ttl", c.Locks.TTL))
	add(validation.ValidateNonNegative("config", "locks.maxWait", float64(c.Locks.MaxWait)))
	add(validation.ValidatePositiveDuration("config", "locks.retryDelay", c.Locks.RetryDelay))
	if c.Locks.MaxRetryDelay < c.Locks.RetryDelay {
		add(gferrors.NewValidationError("config", "locks.maxRetryDelay", c.Locks.MaxRetryDelay,
			"must not be below retryDelay"))
	}

	add(validateCategory("default", c.RateLimits.Default))
	for name, cat := range c.RateLimits.Categories {
		add(validateCategory(name, cat))
	}

	add(validation.ValidatePositive("config", "lockout.maxAttempts", c.Lockout.MaxAttempts))
	add(validation.ValidatePositiveDuration("config", "lockout.window", c.Lockout.Window))
	add(validation.ValidateNonNegative("config", "load.weights.cpu", c.Load.Weights.CPU))
	add(validation.ValidateNonNegative("config", "load.weights.memory", c.Load.Weights.Memory))
	add(validation.ValidateNonNegative("config", "load.weights.concurrency", c.Load.Weights.Concurrency))
	add(validation.ValidateNotEmpty("config", "rules.evaluationSchedule", c.Rules.EvaluationSchedule))

	if th := c.Telemetry.ContentionThreshold; th <= 0 || th > 1 {
		add(gferrors.NewValidationError("config", "telemetry.contentionThreshold", th,
			"must lie in (0, 1]"))
	}

	return errors.Join(errs...)
}

func validateCategory(name string, cat CategoryConfig) error {
	field := "rateLimits." + name
	if err := validation.ValidatePositive("config", field+".limit", cat.Limit); err != nil {
		return err
	}
	if err := validation.ValidatePositiveDuration("config", field+".window", cat.Window); err != nil {
		return err
	}
	if cat.MinLimit != 0 && cat.MaxLimit != 0 && cat.MinLimit > cat.MaxLimit {
		return gferrors.NewValidationError("config", field+".minLimit", cat.MinLimit,
			"must not exceed maxLimit")
	}
	return nil
}

func (c CategoryConfig) adaptive() adaptive.CategoryConfig {
	return adaptive.CategoryConfig{
		Limit:    c.Limit,
		Window:   c.Window,
		MinLimit: c.MinLimit,
		MaxLimit: c.MaxLimit,
	}
}

// Coordinator maps the configuration onto the coordination core config.
func (c *Config) Coordinator() coordinator.Config {
	categories := make(map[string]adaptive.CategoryConfig, len(c.RateLimits.Categories))
	for name, cat := range c.RateLimits.Categories {
		categories[name] = cat.adaptive()
	}

	return coordinator.Config{
		KeyPrefix: c.Store.KeyPrefix,
		Locks: coordinator.LockConfig{
			TTL:                 c.Locks.TTL,
			MaxWait:             c.Locks.MaxWait,
			RetryDelay:          c.Locks.RetryDelay,
			MaxRetryDelay:       c.Locks.MaxRetryDelay,
			ContentionThreshold: c.Telemetry.ContentionThreshold,
		},
		RateLimits: coordinator.RateLimitConfig{
			Default:    c.RateLimits.Default.adaptive(),
			Categories: categories,
			FailOpen:   c.RateLimits.FailOpen,
		},
		Load: coordinator.LoadConfig{
			RefreshInterval: c.Load.RefreshInterval,
			Weights: adaptive.Weights{
				CPU:         c.Load.Weights.CPU,
				Memory:      c.Load.Weights.Memory,
				Concurrency: c.Load.Weights.Concurrency,
			},
			Disabled: c.Load.Disabled,
		},
		Lockout: login.Policy{
			MaxAttempts: c.Lockout.MaxAttempts,
			Window:      c.Lockout.Window,
			FailOpen:    c.Lockout.FailOpen,
		},
		Rules: coordinator.RulesConfig{
			DelayedLockTTL: c.Rules.DelayedLockTTL,
			Workers:        c.Rules.Workers,
			QueueSize:      c.Rules.QueueSize,
		},
		AuditBufferSize: c.Audit.BufferSize,
		MaxInFlight:     c.Server.MaxInFlight,
	}
}
