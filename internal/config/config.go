// Package config loads the orchestration core's YAML configuration: per
// platform/action retry policies, per-executor circuit breaker settings,
// approval timeout tables, rollback classification overrides, and the
// feature flags that gate approvals, fallbacks, and metrics.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relaycore/actioncore/pkg/approval"
	"github.com/relaycore/actioncore/pkg/breaker"
	"github.com/relaycore/actioncore/pkg/types"
)

// Config is the root document loaded from disk.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Features  FeatureFlags              `yaml:"features"`
	Policies  map[string]types.Policy   `yaml:"policies"`
	Breakers  map[string]breaker.Config `yaml:"breakers"`
	Approval  ApprovalConfig            `yaml:"approval"`
	Rollback  map[string]string         `yaml:"rollbackOverrides"`
	Metrics   MetricsConfig             `yaml:"metrics"`
	Logging   LoggingConfig             `yaml:"logging"`
}

// ServerConfig configures the process's HTTP surface.
type ServerConfig struct {
	WebhookPort string `yaml:"webhookPort"`
	MetricsPort string `yaml:"metricsPort"`
}

// FeatureFlags gate optional subsystems without a restart (§6 Environment
// inputs): each is watched for live changes by the fsnotify reloader.
type FeatureFlags struct {
	ApprovalsEnabled    bool `yaml:"approvalsEnabled"`
	FallbacksEnabled    bool `yaml:"fallbacksEnabled"`
	HealthChecksEnabled bool `yaml:"healthChecksEnabled"`
	MetricsEnabled      bool `yaml:"metricsEnabled"`
	DryRun              bool `yaml:"dryRun"`
}

// ApprovalConfig configures the Approval Queue's expiry policy. Timeouts is
// keyed by priority ("low"/"medium"/"high"), not risk: priority governs how
// long a request waits for a human, AutoApprove/AutoRejectHighRisk govern
// what happens to it once that wait expires.
type ApprovalConfig struct {
	AutoApproveLowRisk bool                     `yaml:"autoApproveLowRisk"`
	AutoRejectHighRisk bool                     `yaml:"autoRejectHighRisk"`
	Timeouts           map[string]time.Duration `yaml:"timeouts"`
	SlackChannel       string                   `yaml:"slackChannel"`
}

// MetricsConfig configures the Metrics Collector's in-memory and journal
// behavior.
type MetricsConfig struct {
	MaxInMemoryEntries int           `yaml:"maxInMemoryEntries"`
	FlushInterval      time.Duration `yaml:"flushInterval"`
	RetentionDays      int           `yaml:"retentionDays"`
	JournalPath        string        `yaml:"journalPath"`
}

// LoggingConfig configures the zap-backed logr.Logger used process-wide.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the out-of-the-box configuration: every feature
// flag enabled except dry-run, no per-platform policy overrides, and the
// same defaults each component's own DefaultConfig/DefaultExpiryPolicy
// constructor would pick on its own.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			WebhookPort: "8080",
			MetricsPort: "9090",
		},
		Features: FeatureFlags{
			ApprovalsEnabled:    true,
			FallbacksEnabled:    true,
			HealthChecksEnabled: true,
			MetricsEnabled:      true,
			DryRun:              false,
		},
		Policies: map[string]types.Policy{},
		Breakers: map[string]breaker.Config{},
		Approval: ApprovalConfig{
			AutoApproveLowRisk: true,
			AutoRejectHighRisk: true,
			Timeouts: map[string]time.Duration{
				"low":    15 * time.Minute,
				"medium": 1 * time.Hour,
				"high":   4 * time.Hour,
			},
		},
		Rollback: map[string]string{},
		Metrics: MetricsConfig{
			MaxInMemoryEntries: 10000,
			FlushInterval:      5 * time.Second,
			RetentionDays:      30,
			JournalPath:        "logs/metrics.jsonl",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads, parses, defaults, and validates the YAML config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("failed to validate config file: %w", err)
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.WebhookPort == "" {
		cfg.Server.WebhookPort = "8080"
	}
	if cfg.Server.MetricsPort == "" {
		cfg.Server.MetricsPort = "9090"
	}
	if cfg.Policies == nil {
		cfg.Policies = map[string]types.Policy{}
	}
	if cfg.Breakers == nil {
		cfg.Breakers = map[string]breaker.Config{}
	}
	if cfg.Rollback == nil {
		cfg.Rollback = map[string]string{}
	}
	if cfg.Approval.Timeouts == nil {
		cfg.Approval.Timeouts = map[string]time.Duration{
			"low":    15 * time.Minute,
			"medium": 1 * time.Hour,
			"high":   4 * time.Hour,
		}
	}
	if cfg.Metrics.MaxInMemoryEntries == 0 {
		cfg.Metrics.MaxInMemoryEntries = 10000
	}
	if cfg.Metrics.FlushInterval == 0 {
		cfg.Metrics.FlushInterval = 5 * time.Second
	}
	if cfg.Metrics.RetentionDays == 0 {
		cfg.Metrics.RetentionDays = 30
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func validate(cfg *Config) error {
	if cfg.Server.WebhookPort == "" {
		return fmt.Errorf("server webhook port is required")
	}

	for name, policy := range cfg.Policies {
		if policy.MaxAttempts < 0 {
			return fmt.Errorf("policy %q: max attempts cannot be negative", name)
		}
		if policy.Multiplier < 0 {
			return fmt.Errorf("policy %q: multiplier cannot be negative", name)
		}
		if policy.JitterFraction < 0 || policy.JitterFraction > 1 {
			return fmt.Errorf("policy %q: jitter fraction must be between 0.0 and 1.0", name)
		}
	}

	for name, bc := range cfg.Breakers {
		if bc.FailureThreshold == 0 {
			return fmt.Errorf("breaker %q: failure threshold must be greater than 0", name)
		}
	}

	for class := range cfg.Rollback {
		switch types.RollbackClass(cfg.Rollback[class]) {
		case types.RollbackReversible, types.RollbackPartiallyReversible,
			types.RollbackConfirmationRequired, types.RollbackNonReversible:
		default:
			return fmt.Errorf("rollback override %q: unsupported rollback class %q", class, cfg.Rollback[class])
		}
	}

	if cfg.Metrics.MaxInMemoryEntries <= 0 {
		return fmt.Errorf("metrics max in-memory entries must be greater than 0")
	}
	if cfg.Metrics.RetentionDays < 0 {
		return fmt.Errorf("metrics retention days cannot be negative")
	}

	return nil
}

func loadFromEnv(cfg *Config) error {
	if v := os.Getenv("WEBHOOK_PORT"); v != "" {
		cfg.Server.WebhookPort = v
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		cfg.Server.MetricsPort = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("DRY_RUN"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("failed to parse DRY_RUN: %w", err)
		}
		cfg.Features.DryRun = parsed
	}
	if v := os.Getenv("APPROVALS_ENABLED"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("failed to parse APPROVALS_ENABLED: %w", err)
		}
		cfg.Features.ApprovalsEnabled = parsed
	}
	if v := os.Getenv("FALLBACKS_ENABLED"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("failed to parse FALLBACKS_ENABLED: %w", err)
		}
		cfg.Features.FallbacksEnabled = parsed
	}
	if v := os.Getenv("METRICS_ENABLED"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("failed to parse METRICS_ENABLED: %w", err)
		}
		cfg.Features.MetricsEnabled = parsed
	}
	return nil
}

// ExpiryPolicy converts the YAML approval timeout table into the form
// pkg/approval.Queue expects. Timeouts are keyed by priority, not risk:
// AutoApprove/AutoRejectHighRisk remain risk-keyed decisions applied once a
// request's priority-tiered wait expires.
func (cfg *Config) ExpiryPolicy() approval.ExpiryPolicy {
	policy := approval.DefaultExpiryPolicy()
	policy.AutoApproveLowRisk = cfg.Approval.AutoApproveLowRisk
	policy.AutoRejectHighRisk = cfg.Approval.AutoRejectHighRisk
	for priority, timeout := range cfg.Approval.Timeouts {
		policy.DefaultTimeout[types.PriorityLevel(strings.ToLower(priority))] = timeout
	}
	return policy
}

// PolicyFor resolves the effective retry Policy for a platform/action pair:
// an exact "platform.action" override, else a platform-level override,
// else the package default. A matched override is returned as stored: the
// fields it leaves unset are not filled in from types.DefaultPolicy().
func (cfg *Config) PolicyFor(platform, action string) types.Policy {
	if p, ok := cfg.Policies[platform+"."+action]; ok {
		return p
	}
	if p, ok := cfg.Policies[platform]; ok {
		return p
	}
	return types.DefaultPolicy()
}

// BreakerFor resolves the effective breaker.Config for an executor name,
// falling back to the package default.
func (cfg *Config) BreakerFor(executor string) breaker.Config {
	if bc, ok := cfg.Breakers[executor]; ok {
		return bc
	}
	return breaker.DefaultConfig()
}
