package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"spoilwatch/internal/freshness"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("defaults should load: %v", err)
	}
	if cfg.Thresholds.FreshMin != 0.8 || cfg.Thresholds.WarningMin != 0.5 {
		t.Fatalf("unexpected thresholds %+v", cfg.Thresholds)
	}
	if cfg.Scheduler.Interval != 5*time.Second {
		t.Fatalf("unexpected interval %s", cfg.Scheduler.Interval)
	}
	if cfg.Alerting.Cooldown != 30*time.Minute {
		t.Fatalf("unexpected cooldown %s", cfg.Alerting.Cooldown)
	}
	if cfg.Retention.Window != 720*time.Hour {
		t.Fatalf("unexpected retention window %s", cfg.Retention.Window)
	}
	if cfg.Database.QueryTimeout != 5*time.Second {
		t.Fatalf("unexpected query timeout %s", cfg.Database.QueryTimeout)
	}
}

func TestLoadFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
sensor:
  devices:
    - esp32_001=http://10.72.89.105
thresholds:
  fresh_min: 0.9
  warning_min: 0.4
alerting:
  cooldown: 5m
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SPOILWATCH_RETENTION_WINDOW", "48h")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Thresholds.FreshMin != 0.9 || cfg.Thresholds.WarningMin != 0.4 {
		t.Fatalf("file thresholds not applied: %+v", cfg.Thresholds)
	}
	if cfg.Alerting.Cooldown != 5*time.Minute {
		t.Fatalf("cooldown not applied: %s", cfg.Alerting.Cooldown)
	}
	if cfg.Retention.Window != 48*time.Hour {
		t.Fatalf("env override not applied: %s", cfg.Retention.Window)
	}
	devices, err := cfg.ParseDevices()
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 1 || devices[0].ID != "esp32_001" || devices[0].Address != "http://10.72.89.105" {
		t.Fatalf("unexpected devices %+v", devices)
	}
}

func validConfig() *Config {
	return &Config{
		Scheduler:  SchedulerConfig{Interval: time.Second},
		Database:   DatabaseConfig{QueryTimeout: time.Second},
		Sensor:     SensorConfig{RequestTimeout: time.Second, Devices: []string{"a=http://a"}},
		Alerting:   AlertingConfig{Cooldown: time.Minute, NotifyTimeout: time.Second},
		Retention:  RetentionConfig{Window: time.Hour, Interval: time.Hour},
		Export:     ExportConfig{MaxDataPoints: 10},
		Thresholds: freshness.Thresholds{FreshMin: 0.8, WarningMin: 0.5},
	}
}

func TestValidate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := map[string]func(c *Config){
		"inverted thresholds": func(c *Config) { c.Thresholds.FreshMin, c.Thresholds.WarningMin = 0.4, 0.5 },
		"negative cooldown":   func(c *Config) { c.Alerting.Cooldown = -time.Second },
		"duplicate device":    func(c *Config) { c.Sensor.Devices = []string{"a=http://a", "a=http://b"} },
		"bad twilio sid": func(c *Config) {
			c.Alerting.Enabled = true
			c.Alerting.PhoneNumber = "+1555"
			c.Alerting.Twilio = TwilioConfig{AccountSID: "XX1", AuthToken: "t", FromNumber: "+1666"}
		},
		"missing phone": func(c *Config) {
			c.Alerting.Enabled = true
			c.Alerting.Twilio = TwilioConfig{AccountSID: "AC1", AuthToken: "t", FromNumber: "+1666"}
		},
		"unknown events backend": func(c *Config) { c.Events.Backend = "nats" },
		"mqtt without broker":    func(c *Config) { c.Events.Backend = "mqtt" },
		"negative fan-out":       func(c *Config) { c.Sensor.MaxConcurrent = -1 },
		"zero query timeout":     func(c *Config) { c.Database.QueryTimeout = 0 },
	}
	for name, mutate := range cases {
		cfg := validConfig()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestFindDevice(t *testing.T) {
	cfg := validConfig()
	if _, err := cfg.FindDevice("a"); err != nil {
		t.Fatalf("configured device not found: %v", err)
	}
	if _, err := cfg.FindDevice("missing"); err == nil {
		t.Fatal("unknown device should error")
	}
}

func TestResolveMaxConcurrent(t *testing.T) {
	cfg := validConfig()
	if got := cfg.ResolveMaxConcurrent(); got != 0 {
		t.Fatalf("without a database the fan-out is unbounded, got %d", got)
	}

	cfg.Database.DSN = "postgres://localhost/spoilwatch"
	cfg.Database.MaxOpenConns = 10
	if got := cfg.ResolveMaxConcurrent(); got != 9 {
		t.Fatalf("fan-out should stay below the pool size, got %d", got)
	}

	cfg.Database.MaxOpenConns = 1
	if got := cfg.ResolveMaxConcurrent(); got != 1 {
		t.Fatalf("fan-out must be at least one, got %d", got)
	}

	cfg.Sensor.MaxConcurrent = 3
	if got := cfg.ResolveMaxConcurrent(); got != 3 {
		t.Fatalf("explicit sensor.max_concurrent must win, got %d", got)
	}
}
