// Package config loads OmniAgent configuration with Viper.
// Configuration comes from a TOML file, overridden by OMNIAGENT_* environment
// variables.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Clukay-Fun/OmniAgent/errors"
)

// Config is the root configuration for the automation engine.
type Config struct {
	LogJSON  bool           `mapstructure:"log_json"`
	Database DatabaseConfig `mapstructure:"database"`
	Rules    RulesConfig    `mapstructure:"rules"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Cron     CronConfig     `mapstructure:"cron"`
	Delay    DelayConfig    `mapstructure:"delay"`
	Schema   SchemaConfig   `mapstructure:"schema_sync"`
}

// DatabaseConfig locates the shared SQLite database file.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// RulesConfig locates rule definitions and the execution journals.
type RulesConfig struct {
	Path           string        `mapstructure:"path"`
	DeadLetterPath string        `mapstructure:"dead_letter_path"`
	RunLogPath     string        `mapstructure:"run_log_path"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
}

// AuthPolicy controls how API key and HMAC signature combine on the manual
// trigger endpoint when both are configured.
type AuthPolicy string

const (
	// AuthRequireAny accepts the request if either credential validates.
	AuthRequireAny AuthPolicy = "require_any"
	// AuthRequireAll accepts the request only if every configured credential validates.
	AuthRequireAll AuthPolicy = "require_all"
)

// WebhookConfig covers both inbound authenticated entry points.
type WebhookConfig struct {
	Enabled            bool       `mapstructure:"enabled"`
	VerificationToken  string     `mapstructure:"verification_token"`
	EncryptKey         string     `mapstructure:"encrypt_key"`
	APIKey             string     `mapstructure:"api_key"`
	SignatureSecret    string     `mapstructure:"signature_secret"`
	TimestampTolerance int        `mapstructure:"timestamp_tolerance_seconds"`
	AuthPolicy         AuthPolicy `mapstructure:"auth_policy"`
	ListenAddr         string     `mapstructure:"listen_addr"`
	IdempotencyTTL     time.Duration `mapstructure:"idempotency_ttl"`
	IdempotencyMax     int        `mapstructure:"idempotency_max_entries"`
}

// NotifyConfig controls outbound completion notifications.
type NotifyConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Secret     string        `mapstructure:"secret"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RatePerSec float64       `mapstructure:"rate_per_second"`
}

// CronConfig controls the recurring job queue.
type CronConfig struct {
	PollInterval           time.Duration `mapstructure:"poll_interval"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	ClaimLimit             int           `mapstructure:"claim_limit"`
	LegacyQueuePath        string        `mapstructure:"legacy_queue_path"`
}

// DelayConfig controls the one-shot delayed task queue.
type DelayConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	ClaimLimit      int           `mapstructure:"claim_limit"`
	Retention       time.Duration `mapstructure:"retention"`
	LegacyQueuePath string        `mapstructure:"legacy_queue_path"`
}

// DriftPolicy selects behavior when a rule's trigger field disappears.
type DriftPolicy string

const (
	DriftAutoMapIfSameName DriftPolicy = "auto_map_if_same_name"
	DriftAutoRemove        DriftPolicy = "auto_remove"
	DriftWarnOnly          DriftPolicy = "warn_only"
	DriftDisableRule       DriftPolicy = "disable_rule"
)

// SchemaConfig controls the schema drift watcher.
type SchemaConfig struct {
	Enabled               bool          `mapstructure:"enabled"`
	PollInterval          time.Duration `mapstructure:"poll_interval"`
	OnTriggerFieldRemoved DriftPolicy   `mapstructure:"on_trigger_field_removed"`
	NotifyURL             string        `mapstructure:"notify_url"`
	NotifySecret          string        `mapstructure:"notify_secret"`
}

// SetDefaults registers the default value for every key on the Viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log_json", false)

	v.SetDefault("database.path", "omniagent.db")

	v.SetDefault("rules.path", "rules.yaml")
	v.SetDefault("rules.dead_letter_path", "dead_letter.ndjson")
	v.SetDefault("rules.run_log_path", "run_log.ndjson")
	v.SetDefault("rules.max_retries", 3)
	v.SetDefault("rules.retry_backoff", 500*time.Millisecond)

	v.SetDefault("webhook.enabled", true)
	v.SetDefault("webhook.timestamp_tolerance_seconds", 300)
	v.SetDefault("webhook.auth_policy", string(AuthRequireAny))
	v.SetDefault("webhook.listen_addr", ":8090")
	v.SetDefault("webhook.idempotency_ttl", time.Hour)
	v.SetDefault("webhook.idempotency_max_entries", 10000)

	v.SetDefault("notify.timeout", 10*time.Second)
	v.SetDefault("notify.rate_per_second", 5.0)

	v.SetDefault("cron.poll_interval", 5*time.Second)
	v.SetDefault("cron.max_consecutive_failures", 5)
	v.SetDefault("cron.claim_limit", 10)

	v.SetDefault("delay.poll_interval", 5*time.Second)
	v.SetDefault("delay.claim_limit", 10)
	v.SetDefault("delay.retention", 7*24*time.Hour)

	v.SetDefault("schema_sync.enabled", false)
	v.SetDefault("schema_sync.poll_interval", 10*time.Minute)
	v.SetDefault("schema_sync.on_trigger_field_removed", string(DriftDisableRule))
}

// Load reads configuration from the default search path with env overrides.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("omniagent")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.omniagent")

	SetDefaults(v)

	v.SetEnvPrefix("OMNIAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine - defaults plus env cover everything
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "failed to read config")
		}
	}

	return unmarshal(v)
}

// LoadFromFile loads configuration from a specific file path.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that would misbehave at runtime.
func (c *Config) Validate() error {
	switch c.Webhook.AuthPolicy {
	case AuthRequireAny, AuthRequireAll:
	default:
		return errors.Newf("invalid webhook.auth_policy: %q", c.Webhook.AuthPolicy)
	}

	switch c.Schema.OnTriggerFieldRemoved {
	case DriftAutoMapIfSameName, DriftAutoRemove, DriftWarnOnly, DriftDisableRule:
	default:
		return errors.Newf("invalid schema_sync.on_trigger_field_removed: %q", c.Schema.OnTriggerFieldRemoved)
	}

	if c.Cron.MaxConsecutiveFailures < 1 {
		return errors.New("cron.max_consecutive_failures must be at least 1")
	}
	if c.Rules.MaxRetries < 0 {
		return errors.New("rules.max_retries must not be negative")
	}
	return nil
}
