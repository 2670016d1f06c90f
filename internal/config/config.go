package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the runtime configuration of the scheduler service
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Shopify   ShopifyConfig   `mapstructure:"shopify"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
}

type AppConfig struct {
	Name       string `mapstructure:"name"`
	InstanceID string `mapstructure:"instance_id"`
}

type LogConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig configures the broker connection. An empty URL list disables
// NATS and events are logged instead.
type NATSConfig struct {
	URLs           []string      `mapstructure:"urls"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type SchedulerConfig struct {
	RunDueSpec      string        `mapstructure:"run_due_spec"`
	RecurringSpec   string        `mapstructure:"recurring_spec"`
	HandlerTimeout  time.Duration `mapstructure:"handler_timeout"`
	MaxConcurrency  int           `mapstructure:"max_concurrency"`
	StaleClaimAfter time.Duration `mapstructure:"stale_claim_after"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type ShopifyConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	AccessToken string        `mapstructure:"access_token"`
	APIVersion  string        `mapstructure:"api_version"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type MonitorConfig struct {
	MetricsInterval       time.Duration `mapstructure:"metrics_interval"`
	FailureAlertThreshold int           `mapstructure:"failure_alert_threshold"`
}

// Load reads the configuration file at path, if any, and applies
// SCHEDULER_* environment overrides on top of the defaults
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SCHEDULER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
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

// Validate checks values that would otherwise fail late at runtime
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Scheduler.MaxConcurrency <= 0 {
		return fmt.Errorf("scheduler.max_concurrency must be positive, got %d", c.Scheduler.MaxConcurrency)
	}
	if c.Scheduler.HandlerTimeout <= 0 {
		return fmt.Errorf("scheduler.handler_timeout must be positive, got %s", c.Scheduler.HandlerTimeout)
	}
	if c.Scheduler.StaleClaimAfter <= c.Scheduler.HandlerTimeout {
		return fmt.Errorf("scheduler.stale_claim_after (%s) must exceed scheduler.handler_timeout (%s)",
			c.Scheduler.StaleClaimAfter, c.Scheduler.HandlerTimeout)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "listing-scheduler")
	v.SetDefault("log.development", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("database.path", "scheduler.db")

	v.SetDefault("nats.urls", []string{})
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)

	v.SetDefault("scheduler.run_due_spec", "@every 60s")
	v.SetDefault("scheduler.recurring_spec", "@daily")
	v.SetDefault("scheduler.handler_timeout", 2*time.Minute)
	v.SetDefault("scheduler.max_concurrency", 16)
	v.SetDefault("scheduler.stale_claim_after", 10*time.Minute)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("shopify.api_version", "2024-01")
	v.SetDefault("shopify.timeout", 30*time.Second)

	v.SetDefault("monitor.metrics_interval", time.Minute)
	v.SetDefault("monitor.failure_alert_threshold", 3)
}
