package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. ALERTD_SERVER_ADDR
const EnvPrefix = "ALERTD"

// Config is the process configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Log        LogConfig        `mapstructure:"log"`
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Escalation EscalationConfig `mapstructure:"escalation"`
	Cleanup    CleanupConfig    `mapstructure:"cleanup"`
	Stats      StatsConfig      `mapstructure:"stats"`
	Resources  ResourcesConfig  `mapstructure:"resources"`
	PagerDuty  PagerDutyConfig  `mapstructure:"pagerduty"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type NATSConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URL            string        `mapstructure:"url"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type DispatchConfig struct {
	Workers        int           `mapstructure:"workers"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RetryLimit     int           `mapstructure:"retry_limit"`
}

type EscalationConfig struct {
	Schedule string `mapstructure:"schedule"`
}

type CleanupConfig struct {
	Schedule                string        `mapstructure:"schedule"`
	ResolvedAlertRetention  time.Duration `mapstructure:"resolved_alert_retention"`
	ExpiredSilenceRetention time.Duration `mapstructure:"expired_silence_retention"`
	HistoryRetention        time.Duration `mapstructure:"history_retention"`
}

type StatsConfig struct {
	Schedule string `mapstructure:"schedule"`
}

type ResourcesConfig struct {
	Schedule         string  `mapstructure:"schedule"`
	MaxCPUPercent    float64 `mapstructure:"max_cpu_percent"`
	MaxMemoryPercent float64 `mapstructure:"max_memory_percent"`
}

type PagerDutyConfig struct {
	EventsURL string `mapstructure:"events_url"`
}

// Load reads the YAML file at path, applies ALERTD_ environment overrides and
// validates the result. An empty path searches ./config and the working
// directory for config.yaml; a missing file falls back to defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "alert-dispatch")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("database.path", "alerts.db")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.connect_timeout", "5s")

	v.SetDefault("dispatch.workers", 4)
	v.SetDefault("dispatch.connect_timeout", "10s")
	v.SetDefault("dispatch.request_timeout", "30s")
	v.SetDefault("dispatch.retry_limit", 10)

	v.SetDefault("escalation.schedule", "@every 30s")

	v.SetDefault("cleanup.schedule", "@daily")
	v.SetDefault("cleanup.resolved_alert_retention", "720h")
	v.SetDefault("cleanup.expired_silence_retention", "168h")
	v.SetDefault("cleanup.history_retention", "2160h")

	v.SetDefault("stats.schedule", "@every 1m")

	v.SetDefault("resources.schedule", "@every 30s")
	v.SetDefault("resources.max_cpu_percent", 0)
	v.SetDefault("resources.max_memory_percent", 95)

	v.SetDefault("pagerduty.events_url", "https://events.pagerduty.com/v2/enqueue")
}

// Validate rejects settings the service cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Dispatch.Workers <= 0 {
		errs = append(errs, errors.New("dispatch.workers must be positive"))
	}
	if c.Dispatch.ConnectTimeout <= 0 || c.Dispatch.RequestTimeout <= 0 {
		errs = append(errs, errors.New("dispatch timeouts must be positive"))
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required when nats is enabled"))
	}
	for key, schedule := range map[string]string{
		"escalation.schedule": c.Escalation.Schedule,
		"cleanup.schedule":    c.Cleanup.Schedule,
		"stats.schedule":      c.Stats.Schedule,
		"resources.schedule":  c.Resources.Schedule,
	} {
		if strings.TrimSpace(schedule) == "" {
			errs = append(errs, fmt.Errorf("%s is required", key))
		}
	}
	if c.Cleanup.ResolvedAlertRetention <= 0 || c.Cleanup.ExpiredSilenceRetention <= 0 {
		errs = append(errs, errors.New("cleanup retentions must be positive"))
	}
	if c.Resources.MaxCPUPercent < 0 || c.Resources.MaxCPUPercent > 100 ||
		c.Resources.MaxMemoryPercent < 0 || c.Resources.MaxMemoryPercent > 100 {
		errs = append(errs, errors.New("resource limits must be between 0 and 100"))
	}
	if c.Cleanup.HistoryRetention < 0 {
		errs = append(errs, errors.New("cleanup.history_retention must not be negative"))
	}
	return errors.Join(errs...)
}
