package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return cfgPath
}

func TestLoad(t *testing.T) {
	content := `
window:
  start_hour: 8
  end_hour: 18
  timezone: "Europe/Berlin"

credentials:
  default_daily_limit: 40
  min_sample: 10
  health_threshold: 0.7

dedup:
  cooldown_days: 14
  site_suppression: true

dispatch:
  max_batch_size: 25
  schedule: "*/10 * * * *"
  send_timeout: 45s

queue:
  workers: 2
  retry_backoff: [30s, 2m]
  max_attempts: 3

throttle:
  enabled: true
  default:
    messages_per_hour: 20
  domains:
    gmail.com:
      messages_per_hour: 5
      messages_per_day: 50

storage:
  database_path: "/tmp/outreach.db"
  queue_path: "/tmp/queue.db"

api:
  enabled: true
  listen_addr: ":9080"
  api_key: "test-api-key"

logging:
  level: "debug"
  format: "text"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Window.StartHour != 8 || cfg.Window.EndHour != 18 {
		t.Errorf("Window = %d-%d, want 8-18", cfg.Window.StartHour, cfg.Window.EndHour)
	}
	if cfg.Window.Timezone != "Europe/Berlin" {
		t.Errorf("Window.Timezone = %v, want Europe/Berlin", cfg.Window.Timezone)
	}
	if cfg.Credentials.DefaultDailyLimit != 40 {
		t.Errorf("DefaultDailyLimit = %v, want 40", cfg.Credentials.DefaultDailyLimit)
	}
	if cfg.Credentials.HealthThreshold != 0.7 {
		t.Errorf("HealthThreshold = %v, want 0.7", cfg.Credentials.HealthThreshold)
	}
	if cfg.Credentials.DefaultTimezone != "Europe/Berlin" {
		t.Errorf("DefaultTimezone = %v, want window timezone", cfg.Credentials.DefaultTimezone)
	}
	if !cfg.Dedup.SiteSuppression {
		t.Error("Dedup.SiteSuppression = false, want true")
	}
	if cfg.Cooldown() != 14*24*time.Hour {
		t.Errorf("Cooldown() = %v, want 336h", cfg.Cooldown())
	}
	if cfg.Dispatch.MaxBatchSize != 25 {
		t.Errorf("MaxBatchSize = %v, want 25", cfg.Dispatch.MaxBatchSize)
	}
	if cfg.Dispatch.SendTimeout != 45*time.Second {
		t.Errorf("SendTimeout = %v, want 45s", cfg.Dispatch.SendTimeout)
	}
	if len(cfg.Queue.RetryBackoff) != 2 || cfg.Queue.RetryBackoff[1] != 2*time.Minute {
		t.Errorf("RetryBackoff = %v, want [30s 2m]", cfg.Queue.RetryBackoff)
	}
	if cfg.Queue.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %v, want 3", cfg.Queue.MaxAttempts)
	}
	if lv := cfg.Throttle.Domains["gmail.com"]; lv == nil || lv.MessagesPerHour != 5 {
		t.Errorf("Throttle.Domains[gmail.com] = %+v, want 5/hour", lv)
	}
	if cfg.API.APIKey != "test-api-key" {
		t.Errorf("API.APIKey = %v, want test-api-key", cfg.API.APIKey)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %v, want debug", cfg.Logging.Level)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "logging:\n  level: info\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Window.StartHour != 9 || cfg.Window.EndHour != 17 {
		t.Errorf("Window = %d-%d, want 9-17", cfg.Window.StartHour, cfg.Window.EndHour)
	}
	if cfg.Window.Timezone != "UTC" {
		t.Errorf("Window.Timezone = %v, want UTC", cfg.Window.Timezone)
	}
	if cfg.Dedup.CooldownDays != 30 {
		t.Errorf("CooldownDays = %v, want 30", cfg.Dedup.CooldownDays)
	}
	want := []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}
	if len(cfg.Queue.RetryBackoff) != len(want) {
		t.Fatalf("RetryBackoff = %v, want %v", cfg.Queue.RetryBackoff, want)
	}
	for i := range want {
		if cfg.Queue.RetryBackoff[i] != want[i] {
			t.Errorf("RetryBackoff[%d] = %v, want %v", i, cfg.Queue.RetryBackoff[i], want[i])
		}
	}
	if cfg.Queue.MaxAttempts != 4 {
		t.Errorf("MaxAttempts = %v, want 4", cfg.Queue.MaxAttempts)
	}
	if cfg.Queue.Workers != 4 {
		t.Errorf("Queue.Workers = %v, want 4", cfg.Queue.Workers)
	}
	if cfg.Dispatch.Schedule != "@every 5m" {
		t.Errorf("Dispatch.Schedule = %v, want @every 5m", cfg.Dispatch.Schedule)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %v, want json", cfg.Logging.Format)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("OUTREACH_WINDOW_START_HOUR", "10")
	t.Setenv("OUTREACH_WINDOW_END_HOUR", "16")
	t.Setenv("OUTREACH_COOLDOWN_DAYS", "7")
	t.Setenv("OUTREACH_SITE_SUPPRESSION", "true")
	t.Setenv("OUTREACH_SEND_TIMEOUT", "15s")

	content := `
window:
  start_hour: 8
  end_hour: 18
dedup:
  cooldown_days: 30
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Window.StartHour != 10 || cfg.Window.EndHour != 16 {
		t.Errorf("Window = %d-%d, want 10-16", cfg.Window.StartHour, cfg.Window.EndHour)
	}
	if cfg.Dedup.CooldownDays != 7 {
		t.Errorf("CooldownDays = %v, want 7", cfg.Dedup.CooldownDays)
	}
	if !cfg.Dedup.SiteSuppression {
		t.Error("SiteSuppression = false, want true")
	}
	if cfg.Dispatch.SendTimeout != 15*time.Second {
		t.Errorf("SendTimeout = %v, want 15s", cfg.Dispatch.SendTimeout)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		c := Config{}
		c.setDefaults()
		return c
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(c *Config) {}, wantErr: false},
		{name: "start after end", mutate: func(c *Config) { c.Window.StartHour, c.Window.EndHour = 18, 9 }, wantErr: true},
		{name: "start equals end", mutate: func(c *Config) { c.Window.StartHour, c.Window.EndHour = 9, 9 }, wantErr: true},
		{name: "end past midnight", mutate: func(c *Config) { c.Window.EndHour = 25 }, wantErr: true},
		{name: "full day", mutate: func(c *Config) { c.Window.StartHour, c.Window.EndHour = 0, 24 }, wantErr: false},
		{name: "unknown timezone", mutate: func(c *Config) { c.Window.Timezone = "Mars/Olympus" }, wantErr: true},
		{name: "threshold above one", mutate: func(c *Config) { c.Credentials.HealthThreshold = 1.5 }, wantErr: true},
		{name: "bad schedule", mutate: func(c *Config) { c.Dispatch.Schedule = "every now and then" }, wantErr: true},
		{name: "zero backoff", mutate: func(c *Config) { c.Queue.RetryBackoff = []time.Duration{0} }, wantErr: true},
		{name: "invalid log level", mutate: func(c *Config) { c.Logging.Level = "invalid" }, wantErr: true},
		{name: "invalid log format", mutate: func(c *Config) { c.Logging.Format = "invalid" }, wantErr: true},
		{name: "capture sandbox", mutate: func(c *Config) { c.Sandbox.Mode = "capture" }, wantErr: false},
		{name: "redirect without inbox", mutate: func(c *Config) { c.Sandbox.Mode = "redirect" }, wantErr: true},
		{name: "redirect with inbox", mutate: func(c *Config) { c.Sandbox.Mode, c.Sandbox.RedirectTo = "redirect", "qa@team.test" }, wantErr: false},
		{name: "unknown sandbox mode", mutate: func(c *Config) { c.Sandbox.Mode = "dry" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() expected error for nonexistent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, `invalid: yaml: content: [`))
	if err == nil {
		t.Error("Load() expected error for invalid YAML")
	}
}
