package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	Window      WindowConfig      `yaml:"window"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Dedup       DedupConfig       `yaml:"dedup"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Queue       QueueConfig       `yaml:"queue"`
	Throttle    ThrottleConfig    `yaml:"throttle"` // Per recipient-domain limits
	Storage     StorageConfig     `yaml:"storage"`
	API         APIConfig         `yaml:"api"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
	DLQ         DLQConfig         `yaml:"dlq"`
	Sandbox     SandboxConfig     `yaml:"sandbox"`
}

// WindowConfig defines the local-time sending window [start_hour, end_hour)
type WindowConfig struct {
	StartHour int    `yaml:"start_hour" env:"OUTREACH_WINDOW_START_HOUR"`
	EndHour   int    `yaml:"end_hour" env:"OUTREACH_WINDOW_END_HOUR"`
	Timezone  string `yaml:"timezone" env:"OUTREACH_WINDOW_TIMEZONE"` // IANA name, default UTC
}

// CredentialsConfig contains credential pool settings
type CredentialsConfig struct {
	DefaultDailyLimit int     `yaml:"default_daily_limit" env:"OUTREACH_DEFAULT_DAILY_LIMIT"`
	MinSample         int     `yaml:"min_sample" env:"OUTREACH_HEALTH_MIN_SAMPLE"`             // Attempts before health is judged
	HealthThreshold   float64 `yaml:"health_threshold" env:"OUTREACH_HEALTH_THRESHOLD"`        // Minimum success rate, 0..1
	SweepSchedule     string  `yaml:"sweep_schedule" env:"OUTREACH_HEALTH_SWEEP_SCHEDULE"`     // Cron spec for the health sweep
	ResetSchedule     string  `yaml:"reset_schedule" env:"OUTREACH_QUOTA_RESET_SCHEDULE"`      // Cron spec for daily quota resets
	DefaultTimezone   string  `yaml:"default_timezone" env:"OUTREACH_CREDENTIAL_TIMEZONE"`     // Quota reset zone for new credentials
	KeyDir            string  `yaml:"key_dir" env:"OUTREACH_DKIM_KEY_DIR"`                     // Base dir for relative DKIM key paths
	HeloName          string  `yaml:"helo_name" env:"OUTREACH_HELO_NAME"`                      // EHLO name, default hostname
	InsecureSkipTLS   bool    `yaml:"insecure_skip_verify" env:"OUTREACH_SMTP_INSECURE_SKIP_VERIFY"`
}

// DedupConfig contains duplicate suppression settings
type DedupConfig struct {
	CooldownDays    int  `yaml:"cooldown_days" env:"OUTREACH_COOLDOWN_DAYS"`
	SiteSuppression bool `yaml:"site_suppression" env:"OUTREACH_SITE_SUPPRESSION"`
}

// DispatchConfig contains orchestrator settings
type DispatchConfig struct {
	MaxBatchSize    int           `yaml:"max_batch_size" env:"OUTREACH_MAX_BATCH_SIZE"`
	Schedule        string        `yaml:"schedule" env:"OUTREACH_DISPATCH_SCHEDULE"` // Cron spec for dispatch ticks
	TickTimeout     time.Duration `yaml:"tick_timeout" env:"OUTREACH_TICK_TIMEOUT"`
	SendTimeout     time.Duration `yaml:"send_timeout" env:"OUTREACH_SEND_TIMEOUT"`
	RatePerSecond   float64       `yaml:"rate_per_second" env:"OUTREACH_RATE_PER_SECOND"` // Process-wide send rate, 0 = unlimited
	TemplateID      string        `yaml:"template_id" env:"OUTREACH_TEMPLATE_ID"`         // Template used for new candidates
	DisablePacing   bool          `yaml:"disable_pacing" env:"OUTREACH_DISABLE_PACING"`   // Enqueue every job as due immediately
}

// QueueConfig contains send job queue settings
type QueueConfig struct {
	Workers         int             `yaml:"workers" env:"OUTREACH_QUEUE_WORKERS"`
	RetryBackoff    []time.Duration `yaml:"retry_backoff"`
	MaxAttempts     int             `yaml:"max_attempts" env:"OUTREACH_MAX_ATTEMPTS"`
	ProcessInterval time.Duration   `yaml:"process_interval" env:"OUTREACH_PROCESS_INTERVAL"`
}

// ThrottleConfig contains recipient-domain rate limiting settings
type ThrottleConfig struct {
	Enabled bool `yaml:"enabled" env:"OUTREACH_THROTTLE_ENABLED"`

	// Default limits for any recipient domain
	Default *LimitValues `yaml:"default,omitempty"`

	// Per-recipient-domain limits (overrides Default)
	Domains map[string]*LimitValues `yaml:"domains,omitempty"`
}

// LimitValues contains rate limit values
type LimitValues struct {
	MessagesPerHour int `yaml:"messages_per_hour"`
	MessagesPerDay  int `yaml:"messages_per_day"`
}

// StorageConfig contains storage settings
type StorageConfig struct {
	DatabasePath string           `yaml:"database_path" env:"OUTREACH_DATABASE_PATH"` // SQLite
	QueuePath    string           `yaml:"queue_path" env:"OUTREACH_QUEUE_PATH"`       // bbolt
	Retention    *RetentionConfig `yaml:"retention"`
}

// RetentionConfig contains finished job retention settings
type RetentionConfig struct {
	DoneMaxAge      time.Duration `yaml:"done_max_age"`     // Delete finished jobs older than this (0 = keep forever)
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // How often to run cleanup
}

// DLQConfig contains Dead Letter Queue settings
type DLQConfig struct {
	MaxAge          time.Duration `yaml:"max_age"`          // Delete DLQ jobs older than this (0 = keep forever)
	MaxCount        int           `yaml:"max_count"`        // Max jobs in DLQ (0 = unlimited)
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // How often to run DLQ cleanup
}

// APIConfig contains admin HTTP API settings
type APIConfig struct {
	Enabled        bool          `yaml:"enabled" env:"OUTREACH_API_ENABLED"`
	ListenAddr     string        `yaml:"listen_addr" env:"OUTREACH_API_LISTEN_ADDR"`
	APIKey         string        `yaml:"api_key" env:"OUTREACH_API_KEY"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	AllowedIPs     []string      `yaml:"allowed_ips"`     // IP addresses/CIDRs allowed to access API (empty = allow all)
	TrustedProxies []string      `yaml:"trusted_proxies"` // Peers whose X-Forwarded-For is honored
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled        bool          `yaml:"enabled" env:"OUTREACH_METRICS_ENABLED"`
	ListenAddr     string        `yaml:"listen_addr" env:"OUTREACH_METRICS_LISTEN_ADDR"`
	Path           string        `yaml:"path"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
	AllowedIPs     []string      `yaml:"allowed_ips"`
	TrustedProxies []string      `yaml:"trusted_proxies"`
}

// SandboxConfig controls whether rendered messages really leave the host
type SandboxConfig struct {
	Mode       string        `yaml:"mode" env:"OUTREACH_SANDBOX_MODE"`               // production, capture, redirect
	RedirectTo string        `yaml:"redirect_to" env:"OUTREACH_SANDBOX_REDIRECT_TO"` // Inbox receiving every message in redirect mode
	MaxAge     time.Duration `yaml:"max_age"`                                          // Delete captured messages older than this (0 = keep)
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level" env:"OUTREACH_LOG_LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" env:"OUTREACH_LOG_FORMAT"` // json, text
}

// Load loads configuration from a YAML file, applies OUTREACH_* environment
// overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ParseEnv overlays environment variables onto target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Window.StartHour == 0 && c.Window.EndHour == 0 {
		c.Window.StartHour = 9
		c.Window.EndHour = 17
	}
	if c.Window.Timezone == "" {
		c.Window.Timezone = "UTC"
	}

	if c.Credentials.DefaultDailyLimit == 0 {
		c.Credentials.DefaultDailyLimit = 50
	}
	if c.Credentials.MinSample == 0 {
		c.Credentials.MinSample = 20
	}
	if c.Credentials.HealthThreshold == 0 {
		c.Credentials.HealthThreshold = 0.8
	}
	if c.Credentials.SweepSchedule == "" {
		c.Credentials.SweepSchedule = "0 3 * * *"
	}
	if c.Credentials.ResetSchedule == "" {
		c.Credentials.ResetSchedule = "*/15 * * * *"
	}
	if c.Credentials.DefaultTimezone == "" {
		c.Credentials.DefaultTimezone = c.Window.Timezone
	}
	if c.Credentials.HeloName == "" {
		hostname, _ := os.Hostname()
		c.Credentials.HeloName = hostname
	}

	if c.Dedup.CooldownDays == 0 {
		c.Dedup.CooldownDays = 30
	}

	if c.Dispatch.MaxBatchSize == 0 {
		c.Dispatch.MaxBatchSize = 100
	}
	if c.Dispatch.Schedule == "" {
		c.Dispatch.Schedule = "@every 5m"
	}
	if c.Dispatch.TickTimeout == 0 {
		c.Dispatch.TickTimeout = time.Minute
	}
	if c.Dispatch.SendTimeout == 0 {
		c.Dispatch.SendTimeout = 2 * time.Minute
	}

	if c.Queue.Workers == 0 {
		c.Queue.Workers = 4
	}
	if len(c.Queue.RetryBackoff) == 0 {
		c.Queue.RetryBackoff = []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = len(c.Queue.RetryBackoff) + 1
	}
	if c.Queue.ProcessInterval == 0 {
		c.Queue.ProcessInterval = 10 * time.Second
	}

	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = "/var/lib/outreach/outreach.db"
	}
	if c.Storage.QueuePath == "" {
		c.Storage.QueuePath = "/var/lib/outreach/queue.db"
	}
	if c.Storage.Retention == nil {
		c.Storage.Retention = &RetentionConfig{}
	}
	if c.Storage.Retention.CleanupInterval == 0 {
		c.Storage.Retention.CleanupInterval = time.Hour
	}

	if c.DLQ.CleanupInterval == 0 {
		c.DLQ.CleanupInterval = time.Hour
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = "127.0.0.1:8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}

	if c.Sandbox.Mode == "" {
		c.Sandbox.Mode = "production"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.validateWindow(); err != nil {
		return err
	}

	if c.Credentials.DefaultDailyLimit < 0 {
		return fmt.Errorf("credentials.default_daily_limit must not be negative")
	}
	if c.Credentials.MinSample < 1 {
		return fmt.Errorf("credentials.min_sample must be at least 1")
	}
	if c.Credentials.HealthThreshold < 0 || c.Credentials.HealthThreshold > 1 {
		return fmt.Errorf("credentials.health_threshold must be between 0 and 1")
	}
	if c.Credentials.DefaultTimezone != "" {
		if _, err := time.LoadLocation(c.Credentials.DefaultTimezone); err != nil {
			return fmt.Errorf("invalid credentials.default_timezone: %w", err)
		}
	}

	if c.Dedup.CooldownDays < 0 {
		return fmt.Errorf("dedup.cooldown_days must not be negative")
	}

	if c.Dispatch.MaxBatchSize < 1 {
		return fmt.Errorf("dispatch.max_batch_size must be at least 1")
	}
	if c.Dispatch.RatePerSecond < 0 {
		return fmt.Errorf("dispatch.rate_per_second must not be negative")
	}

	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(c.Dispatch.Schedule); err != nil {
		return fmt.Errorf("invalid dispatch.schedule: %w", err)
	}
	if _, err := parser.Parse(c.Credentials.SweepSchedule); err != nil {
		return fmt.Errorf("invalid credentials.sweep_schedule: %w", err)
	}
	if _, err := parser.Parse(c.Credentials.ResetSchedule); err != nil {
		return fmt.Errorf("invalid credentials.reset_schedule: %w", err)
	}

	if c.Queue.Workers < 1 {
		return fmt.Errorf("queue.workers must be at least 1")
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1")
	}
	for i, d := range c.Queue.RetryBackoff {
		if d <= 0 {
			return fmt.Errorf("queue.retry_backoff[%d] must be positive", i)
		}
	}

	for domain, lv := range c.Throttle.Domains {
		if domain == "" {
			return fmt.Errorf("empty domain name in throttle.domains")
		}
		if lv != nil && (lv.MessagesPerHour < 0 || lv.MessagesPerDay < 0) {
			return fmt.Errorf("throttle.domains.%s limits must not be negative", domain)
		}
	}

	switch c.Sandbox.Mode {
	case "production", "capture":
	case "redirect":
		if c.Sandbox.RedirectTo == "" {
			return fmt.Errorf("sandbox.redirect_to is required in redirect mode")
		}
	default:
		return fmt.Errorf("invalid sandbox.mode: %s (must be production, capture or redirect)", c.Sandbox.Mode)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}

func (c *Config) validateWindow() error {
	w := c.Window
	if w.StartHour < 0 || w.StartHour > 23 {
		return fmt.Errorf("window.start_hour must be between 0 and 23")
	}
	if w.EndHour < 1 || w.EndHour > 24 {
		return fmt.Errorf("window.end_hour must be between 1 and 24")
	}
	if w.StartHour >= w.EndHour {
		return fmt.Errorf("window.start_hour must be before window.end_hour")
	}
	if _, err := time.LoadLocation(w.Timezone); err != nil {
		return fmt.Errorf("invalid window.timezone: %w", err)
	}
	return nil
}

// Cooldown returns the duplicate suppression window as a duration
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Dedup.CooldownDays) * 24 * time.Hour
}
