package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"spoilwatch/internal/device"
	"spoilwatch/internal/freshness"
	"spoilwatch/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig            `mapstructure:"app"`
	Logging    logging.Config       `mapstructure:"logging"`
	Database   DatabaseConfig       `mapstructure:"database"`
	Redis      RedisConfig          `mapstructure:"redis"`
	Scheduler  SchedulerConfig      `mapstructure:"scheduler"`
	Sensor     SensorConfig         `mapstructure:"sensor"`
	Thresholds freshness.Thresholds `mapstructure:"thresholds"`
	Alerting   AlertingConfig       `mapstructure:"alerting"`
	Retention  RetentionConfig      `mapstructure:"retention"`
	Metrics    MetricsConfig        `mapstructure:"metrics"`
	Events     EventsConfig         `mapstructure:"events"`
	Export     ExportConfig         `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig points at the latest-reading cache. Empty Addr disables it.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// SchedulerConfig governs sampling cadence.
type SchedulerConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	AlignToBucket bool          `mapstructure:"align_to_bucket"`
	StartupDelay  time.Duration `mapstructure:"startup_delay"`
}

// SensorConfig lists the polled boards.
type SensorConfig struct {
	Devices        []string      `mapstructure:"devices"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	Mock           bool          `mapstructure:"mock"`
	// MaxConcurrent caps devices polled at once. Zero derives it from the pool size.
	MaxConcurrent int `mapstructure:"max_concurrent"`
}

// AlertingConfig defines alert cooldown and routing.
type AlertingConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Cooldown      time.Duration `mapstructure:"cooldown"`
	PhoneNumber   string        `mapstructure:"phone_number"`
	NotifyTimeout time.Duration `mapstructure:"notify_timeout"`
	Twilio        TwilioConfig  `mapstructure:"twilio"`
}

// TwilioConfig describes the voice call provider.
type TwilioConfig struct {
	AccountSID string `mapstructure:"account_sid"`
	AuthToken  string `mapstructure:"auth_token"`
	FromNumber string `mapstructure:"from_number"`
	WebhookURL string `mapstructure:"webhook_url"`
	APIBase    string `mapstructure:"api_base"`
}

// RetentionConfig controls history cleanup.
type RetentionConfig struct {
	Window   time.Duration `mapstructure:"window"`
	Interval time.Duration `mapstructure:"interval"`
}

// MetricsConfig exposes /metrics and /healthz.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// EventsConfig selects the alert event bus.
type EventsConfig struct {
	Backend string      `mapstructure:"backend"`
	MQTT    MQTTConfig  `mapstructure:"mqtt"`
	Kafka   KafkaConfig `mapstructure:"kafka"`
}

// MQTTConfig for the mqtt backend.
type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	Topic    string `mapstructure:"topic"`
	ClientID string `mapstructure:"client_id"`
}

// KafkaConfig for the kafka backend.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SPOILWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "spoilwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.query_timeout", "5s")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", "5m")

	v.SetDefault("scheduler.interval", "5s")
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("sensor.devices", []string{})
	v.SetDefault("sensor.request_timeout", "3s")
	v.SetDefault("sensor.mock", false)
	v.SetDefault("sensor.max_concurrent", 0)

	v.SetDefault("thresholds.fresh_min", 0.8)
	v.SetDefault("thresholds.warning_min", 0.5)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.notify_timeout", "10s")
	v.SetDefault("alerting.twilio.api_base", "https://api.twilio.com")

	v.SetDefault("retention.window", "720h")
	v.SetDefault("retention.interval", "1h")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", ":8000")

	v.SetDefault("events.backend", "none")
	v.SetDefault("events.mqtt.topic", "spoilwatch/alerts")
	v.SetDefault("events.mqtt.client_id", "spoilwatch")
	v.SetDefault("events.kafka.topic", "spoilwatch.alerts")

	v.SetDefault("export.max_data_points", 2000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if err := c.Thresholds.Validate(); err != nil {
		return err
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Sensor.RequestTimeout <= 0 {
		return fmt.Errorf("sensor.request_timeout must be greater than zero")
	}
	if c.Sensor.MaxConcurrent < 0 {
		return fmt.Errorf("sensor.max_concurrent cannot be negative")
	}
	if c.Database.QueryTimeout <= 0 {
		return fmt.Errorf("database.query_timeout must be greater than zero")
	}
	if c.Alerting.Cooldown < 0 {
		return fmt.Errorf("alerting.cooldown cannot be negative")
	}
	if c.Alerting.NotifyTimeout <= 0 {
		return fmt.Errorf("alerting.notify_timeout must be greater than zero")
	}
	if c.Retention.Window <= 0 {
		return fmt.Errorf("retention.window must be greater than zero")
	}
	if c.Retention.Interval <= 0 {
		return fmt.Errorf("retention.interval must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if _, err := c.ParseDevices(); err != nil {
		return err
	}
	if c.Alerting.Enabled {
		if c.Alerting.PhoneNumber == "" {
			return fmt.Errorf("alerting.phone_number is required when alerting is enabled")
		}
		sid := c.Alerting.Twilio.AccountSID
		if sid == "" || c.Alerting.Twilio.AuthToken == "" || c.Alerting.Twilio.FromNumber == "" {
			return fmt.Errorf("alerting.twilio.account_sid, auth_token and from_number are required when alerting is enabled")
		}
		if !strings.HasPrefix(sid, "AC") {
			return fmt.Errorf("alerting.twilio.account_sid must start with AC")
		}
	}
	switch c.Events.Backend {
	case "", "none":
	case "mqtt":
		if c.Events.MQTT.Broker == "" {
			return fmt.Errorf("events.mqtt.broker is required for the mqtt backend")
		}
	case "kafka":
		if len(c.Events.Kafka.Brokers) == 0 {
			return fmt.Errorf("events.kafka.brokers is required for the kafka backend")
		}
	default:
		return fmt.Errorf("events.backend %q is not one of none, mqtt, kafka", c.Events.Backend)
	}
	return nil
}

// ParseDevices turns sensor.devices entries into devices, rejecting duplicate ids.
func (c *Config) ParseDevices() ([]device.Device, error) {
	devices := make([]device.Device, 0, len(c.Sensor.Devices))
	seen := make(map[string]struct{}, len(c.Sensor.Devices))
	for _, entry := range c.Sensor.Devices {
		if strings.TrimSpace(entry) == "" {
			continue
		}
		d, err := device.ParseDevice(entry)
		if err != nil {
			return nil, fmt.Errorf("sensor.devices: %w", err)
		}
		if _, dup := seen[d.ID]; dup {
			return nil, fmt.Errorf("sensor.devices: duplicate device id %q", d.ID)
		}
		seen[d.ID] = struct{}{}
		devices = append(devices, d)
	}
	return devices, nil
}

// FindDevice looks up a configured device by id.
func (c *Config) FindDevice(id string) (device.Device, error) {
	devices, err := c.ParseDevices()
	if err != nil {
		return device.Device{}, err
	}
	for _, d := range devices {
		if d.ID == id {
			return d, nil
		}
	}
	return device.Device{}, fmt.Errorf("device %q is not configured", id)
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// ResolveMaxConcurrent returns the per-tick device fan-out. When unset and a
// database is configured, it leaves one pool connection for retention and reads.
func (c *Config) ResolveMaxConcurrent() int {
	if c.Sensor.MaxConcurrent > 0 {
		return c.Sensor.MaxConcurrent
	}
	if c.Database.DSN == "" || c.Database.MaxOpenConns <= 0 {
		return 0
	}
	return max(c.Database.MaxOpenConns-1, 1)
}
