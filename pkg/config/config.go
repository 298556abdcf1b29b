// Package config provides configuration management for crashtrail.
// Supports TOML and YAML configuration files with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/armorclaw/crashtrail/pkg/agent"
	"github.com/armorclaw/crashtrail/pkg/breadcrumb"
	"github.com/armorclaw/crashtrail/pkg/delivery"
	"github.com/armorclaw/crashtrail/pkg/event"
	"github.com/armorclaw/crashtrail/pkg/featureflag"
	"github.com/armorclaw/crashtrail/pkg/logger"
	"github.com/armorclaw/crashtrail/pkg/pipeline"
	"github.com/armorclaw/crashtrail/pkg/stackframe"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Config holds all crashtrail configuration
type Config struct {
	Agent    AgentConfig    `toml:"agent" yaml:"agent"`
	Sampling SamplingConfig `toml:"sampling" yaml:"sampling"`
	Delivery DeliveryConfig `toml:"delivery" yaml:"delivery"`
	Flags    FlagsConfig    `toml:"flags" yaml:"flags"`
	Logging  LoggingConfig  `toml:"logging" yaml:"logging"`
	Metrics  MetricsConfig  `toml:"metrics" yaml:"metrics"`
}

// AgentConfig holds capture settings
type AgentConfig struct {
	// MaxBreadcrumbs is the ledger capacity
	MaxBreadcrumbs int `toml:"max_breadcrumbs" yaml:"max_breadcrumbs" env:"CRASHTRAIL_MAX_BREADCRUMBS"`

	// ErrorBreadcrumb is "appended", "before_snapshot" or "after_snapshot"
	ErrorBreadcrumb string `toml:"error_breadcrumb" yaml:"error_breadcrumb" env:"CRASHTRAIL_ERROR_BREADCRUMB"`

	// MaxStackDepth bounds walked stacks
	MaxStackDepth int `toml:"max_stack_depth" yaml:"max_stack_depth" env:"CRASHTRAIL_MAX_STACK_DEPTH"`

	// RepanicOnRecover continues a recovered panic after capture
	RepanicOnRecover bool `toml:"repanic_on_recover" yaml:"repanic_on_recover" env:"CRASHTRAIL_REPANIC"`

	// Context is attached to every event until changed at runtime
	Context string `toml:"context" yaml:"context" env:"CRASHTRAIL_CONTEXT"`

	// UserID identifies this install (empty = generated)
	UserID string `toml:"user_id" yaml:"user_id" env:"CRASHTRAIL_USER_ID"`

	// TrimPathPrefix is stripped from source paths
	TrimPathPrefix string `toml:"trim_path_prefix" yaml:"trim_path_prefix" env:"CRASHTRAIL_TRIM_PATH_PREFIX"`
}

// SamplingConfig holds repeat sampling settings
type SamplingConfig struct {
	Enabled bool `toml:"enabled" yaml:"enabled" env:"CRASHTRAIL_SAMPLING_ENABLED"`

	// Window is a duration string such as "5m"
	Window string `toml:"window" yaml:"window" env:"CRASHTRAIL_SAMPLING_WINDOW"`

	// Retention is how long idle records are kept
	Retention string `toml:"retention" yaml:"retention"`
}

// DeliveryConfig selects where approved events go
type DeliveryConfig struct {
	// LogEnabled writes every event to the structured log
	LogEnabled bool `toml:"log_enabled" yaml:"log_enabled" env:"CRASHTRAIL_DELIVERY_LOG"`

	// StoreEnabled keeps events in a local SQLite database
	StoreEnabled bool `toml:"store_enabled" yaml:"store_enabled" env:"CRASHTRAIL_DELIVERY_STORE"`

	StorePath string `toml:"store_path" yaml:"store_path" env:"CRASHTRAIL_STORE_PATH"`

	// RetentionDays is how long resolved events are kept
	RetentionDays int `toml:"retention_days" yaml:"retention_days"`

	// CleanupSchedule is a cron expression for retention cleanup
	CleanupSchedule string `toml:"cleanup_schedule" yaml:"cleanup_schedule"`

	// RateLimit is handled events per second (0 = unlimited)
	RateLimit float64 `toml:"rate_limit" yaml:"rate_limit" env:"CRASHTRAIL_RATE_LIMIT"`

	RateBurst int `toml:"rate_burst" yaml:"rate_burst"`
}

// FlagsConfig holds feature flag sources
type FlagsConfig struct {
	// File is a YAML or TOML list of flags
	File string `toml:"file" yaml:"file" env:"CRASHTRAIL_FLAGS_FILE"`

	// Watch reloads File when it changes
	Watch bool `toml:"watch" yaml:"watch"`

	// Static flags are set at startup
	Static []featureflag.Flag `toml:"static" yaml:"static"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level" env:"CRASHTRAIL_LOG_LEVEL"`
	Format string `toml:"format" yaml:"format" env:"CRASHTRAIL_LOG_FORMAT"`
	Output string `toml:"output" yaml:"output" env:"CRASHTRAIL_LOG_OUTPUT"`
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled" yaml:"enabled" env:"CRASHTRAIL_METRICS_ENABLED"`
	Namespace string `toml:"namespace" yaml:"namespace"`

	// Listen is the address of the /metrics endpoint
	Listen string `toml:"listen" yaml:"listen" env:"CRASHTRAIL_METRICS_LISTEN"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Agent: AgentConfig{
			MaxBreadcrumbs:  breadcrumb.DefaultCapacity,
			ErrorBreadcrumb: event.ErrorBreadcrumbAppended.String(),
			MaxStackDepth:   stackframe.DefaultMaxDepth,
		},
		Sampling: SamplingConfig{
			Enabled:   false,
			Window:    "5m",
			Retention: "24h",
		},
		Delivery: DeliveryConfig{
			LogEnabled:      true,
			StoreEnabled:    false,
			StorePath:       filepath.Join(homeDir, ".crashtrail", "events.db"),
			RetentionDays:   30,
			CleanupSchedule: delivery.DefaultCleanupSchedule,
			RateLimit:       0,
			RateBurst:       10,
		},
		Flags: FlagsConfig{
			Static: []featureflag.Flag{},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Namespace: "crashtrail",
			Listen:    "127.0.0.1:9464",
		},
	}
}

// ConfigPaths returns the list of default configuration file paths to check
func ConfigPaths() []string {
	homeDir, _ := os.UserHomeDir()
	return []string{
		filepath.Join(homeDir, ".crashtrail", "config.toml"),
		filepath.Join("/etc", "crashtrail", "config.toml"),
		"./crashtrail.toml",
		"./crashtrail.yaml",
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Agent.MaxBreadcrumbs < 1 {
		return fmt.Errorf("%w: agent.max_breadcrumbs must be at least 1", ErrInvalidConfig)
	}
	if c.Agent.MaxStackDepth < 1 {
		return fmt.Errorf("%w: agent.max_stack_depth must be at least 1", ErrInvalidConfig)
	}
	if _, err := event.ParsePlacement(c.Agent.ErrorBreadcrumb); err != nil {
		return fmt.Errorf("%w: agent.error_breadcrumb: %w", ErrInvalidConfig, err)
	}

	if c.Sampling.Enabled {
		if _, err := parsePositiveDuration(c.Sampling.Window); err != nil {
			return fmt.Errorf("%w: sampling.window: %w", ErrInvalidConfig, err)
		}
		if c.Sampling.Retention != "" {
			if _, err := parsePositiveDuration(c.Sampling.Retention); err != nil {
				return fmt.Errorf("%w: sampling.retention: %w", ErrInvalidConfig, err)
			}
		}
	}

	if c.Delivery.StoreEnabled {
		if c.Delivery.StorePath == "" {
			return fmt.Errorf("%w: delivery.store_path is required when the store is enabled", ErrInvalidConfig)
		}
		if c.Delivery.RetentionDays < 0 {
			return fmt.Errorf("%w: delivery.retention_days cannot be negative", ErrInvalidConfig)
		}
		if c.Delivery.CleanupSchedule != "" {
			if _, err := cron.ParseStandard(c.Delivery.CleanupSchedule); err != nil {
				return fmt.Errorf("%w: delivery.cleanup_schedule: %w", ErrInvalidConfig, err)
			}
		}
	}
	if c.Delivery.RateLimit < 0 {
		return fmt.Errorf("%w: delivery.rate_limit cannot be negative", ErrInvalidConfig)
	}
	if c.Delivery.RateLimit > 0 && c.Delivery.RateBurst < 1 {
		return fmt.Errorf("%w: delivery.rate_burst must be at least 1 when rate limiting", ErrInvalidConfig)
	}

	if c.Flags.Watch && c.Flags.File == "" {
		return fmt.Errorf("%w: flags.watch requires flags.file", ErrInvalidConfig)
	}
	for i, f := range c.Flags.Static {
		if f.Name == "" {
			return fmt.Errorf("%w: flags.static[%d] has no name", ErrInvalidConfig, i)
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: logging.level must be one of debug, info, warn, error", ErrInvalidConfig)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("%w: logging.format must be json or text", ErrInvalidConfig)
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("%w: metrics.listen is required when metrics are enabled", ErrInvalidConfig)
	}

	return nil
}

func parsePositiveDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %s", s)
	}
	return d, nil
}

// SamplerConfig returns the sampler settings, or nil when sampling is off
func (c *Config) SamplerConfig() *pipeline.SamplerConfig {
	if !c.Sampling.Enabled {
		return nil
	}
	cfg := pipeline.DefaultSamplerConfig()
	if d, err := parsePositiveDuration(c.Sampling.Window); err == nil {
		cfg.Window = d
	}
	if d, err := parsePositiveDuration(c.Sampling.Retention); err == nil {
		cfg.Retention = d
	}
	return &cfg
}

// ToAgentConfig converts to agent.Config
func (c *Config) ToAgentConfig() agent.Config {
	placement, _ := event.ParsePlacement(c.Agent.ErrorBreadcrumb)
	return agent.Config{
		MaxBreadcrumbs:   c.Agent.MaxBreadcrumbs,
		ErrorBreadcrumb:  placement,
		MaxStackDepth:    c.Agent.MaxStackDepth,
		RepanicOnRecover: c.Agent.RepanicOnRecover,
		Context:          c.Agent.Context,
		UserID:           c.Agent.UserID,
		TrimPathPrefix:   c.Agent.TrimPathPrefix,
		Sampling:         c.SamplerConfig(),
		FeatureFlags:     append([]featureflag.Flag(nil), c.Flags.Static...),
	}
}

// ToStoreConfig converts to delivery.StoreConfig
func (c *Config) ToStoreConfig() delivery.StoreConfig {
	return delivery.StoreConfig{
		Path:          c.Delivery.StorePath,
		RetentionDays: c.Delivery.RetentionDays,
	}
}

// ToLoggerConfig converts to logger.Config
func (c *Config) ToLoggerConfig() logger.Config {
	return logger.Config{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
		Output: c.Logging.Output,
	}
}
