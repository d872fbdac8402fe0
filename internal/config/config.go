/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds all configuration for the crabd daemon.
type Config struct {
	// configFileUsed is the path to the config file that was loaded (empty if none)
	configFileUsed string

	// LogLevel is the logging level (debug, info, warn, error)
	LogLevel string `mapstructure:"log-level"`

	// Crab holds daemon-wide settings
	Crab CrabConfig `mapstructure:"crab"`

	// Server configures the HTTP server
	Server ServerConfig `mapstructure:"server"`

	// Store configures the primary storage backend
	Store StoreConfig `mapstructure:"store"`

	// OutputStore optionally configures a secondary backend for job output blobs
	OutputStore OutputStoreConfig `mapstructure:"outputstore"`

	// Notify configures the liveness monitor and notification engine
	Notify NotifyConfig `mapstructure:"notify"`

	// Retention configures event history retention
	Retention RetentionConfig `mapstructure:"retention"`

	// Transports maps a transport name to its options, e.g. transport.email.*
	Transports map[string]TransportConfig `mapstructure:"transport"`

	// Crabsh holds wrapper-side settings honored by cmd/crabsh
	Crabsh CrabshConfig `mapstructure:"crabsh"`
}

// CrabConfig holds daemon-wide settings.
type CrabConfig struct {
	// Home is the path to static assets served under /static/
	Home string `mapstructure:"home"`

	// BaseURL is the absolute URL used in feed links
	BaseURL string `mapstructure:"base-url"`

	// PIDFile is the daemon PID file path (empty disables the PID file)
	PIDFile string `mapstructure:"pid-file"`

	// FeedEnabled turns on the RSS feed endpoint
	FeedEnabled bool `mapstructure:"feed-enabled"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// Port for the HTTP server
	Port int `mapstructure:"port"`

	// RequestTimeout bounds servicing of a single request
	RequestTimeout time.Duration `mapstructure:"request-timeout"`
}

// StoreConfig configures the primary storage backend.
type StoreConfig struct {
	// Type is the storage backend type (sqlite, postgres, mysql)
	Type string `mapstructure:"type"`

	// DSN is the backend-specific data source name
	DSN string `mapstructure:"dsn"`
}

// OutputStoreConfig configures the optional output store for stdout/stderr blobs.
type OutputStoreConfig struct {
	// Type is the storage backend type (sqlite, postgres, mysql); empty disables
	Type string `mapstructure:"type"`

	// DSN is the backend-specific data source name
	DSN string `mapstructure:"dsn"`
}

// NotifyConfig configures the liveness monitor and notification engine.
type NotifyConfig struct {
	// Timezone is the IANA zone used for schedules lacking one
	Timezone string `mapstructure:"timezone"`

	// Interval is the monitor tick period
	Interval time.Duration `mapstructure:"interval"`

	// Lookback is how far behind a tick searches for expected fires
	Lookback time.Duration `mapstructure:"lookback"`

	// Cooldown is the default duplicate-alert suppression window per (rule, job)
	Cooldown time.Duration `mapstructure:"cooldown"`

	// GracePeriod is the default lateness allowed before a fire is MISSED
	GracePeriod time.Duration `mapstructure:"grace-period"`

	// Timeout is the default runtime after which a START without FINISH times out
	Timeout time.Duration `mapstructure:"timeout"`

	// MaxAlerts and AlertWindow form the per-rule token bucket
	// (default 10 alerts per 5 minutes)
	MaxAlerts   int           `mapstructure:"max-alerts"`
	AlertWindow time.Duration `mapstructure:"alert-window"`

	// QueueSize is the delta fan-out channel capacity
	QueueSize int `mapstructure:"queue-size"`

	// Backlog is the overflow ceiling beyond which transition deltas are dropped
	Backlog int `mapstructure:"backlog"`

	// DispatchBacklog is each transport worker's queue capacity; alerts
	// beyond it are dropped and counted
	DispatchBacklog int `mapstructure:"dispatch-backlog"`

	// FlushTimeout bounds the notifier queue drain on shutdown
	FlushTimeout time.Duration `mapstructure:"flush-timeout"`

	// MaxRetries caps transport dispatch retries
	MaxRetries int `mapstructure:"max-retries"`
}

// RetentionConfig configures event history retention.
type RetentionConfig struct {
	// Days is the event retention window; 0 keeps events forever
	Days int `mapstructure:"days"`

	// Interval is how often the pruner runs
	Interval time.Duration `mapstructure:"interval"`
}

// TransportConfig holds options for one named transport.
type TransportConfig struct {
	// Type selects the transport implementation (email, command, webhook, slack)
	Type string `mapstructure:"type"`

	// SMTPHost/SMTPPort/From apply to the email transport
	SMTPHost string `mapstructure:"smtp-host"`
	SMTPPort int    `mapstructure:"smtp-port"`
	From     string `mapstructure:"from"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	// Shell applies to the command transport (default /bin/sh)
	Shell string `mapstructure:"shell"`

	// Headers apply to the webhook transport
	Headers map[string]string `mapstructure:"headers"`

	// SubjectTemplate and BodyTemplate override the default formatting
	SubjectTemplate string `mapstructure:"subject-template"`
	BodyTemplate    string `mapstructure:"body-template"`
}

// CrabshConfig holds wrapper-side settings.
type CrabshConfig struct {
	// AllowInhibit makes the wrapper honor {inhibit:true} start responses
	AllowInhibit bool `mapstructure:"allow-inhibit"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Crab: CrabConfig{
			Home:        "/var/lib/crabd",
			BaseURL:     "http://localhost:8000",
			PIDFile:     "",
			FeedEnabled: false,
		},
		Server: ServerConfig{
			Port:           8000,
			RequestTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Type: "sqlite",
			DSN:  "/var/lib/crabd/crab.db",
		},
		Notify: NotifyConfig{
			Timezone:        "UTC",
			Interval:        30 * time.Second,
			Lookback:        10 * time.Minute,
			Cooldown:        1 * time.Hour,
			GracePeriod:     2 * time.Minute,
			Timeout:         5 * time.Minute,
			MaxAlerts:       10,
			AlertWindow:     5 * time.Minute,
			QueueSize:       256,
			Backlog:         1024,
			DispatchBacklog: 64,
			FlushTimeout:    30 * time.Second,
			MaxRetries:      3,
		},
		Retention: RetentionConfig{
			Days:     0,
			Interval: 1 * time.Hour,
		},
		Crabsh: CrabshConfig{
			AllowInhibit: true,
		},
	}
}

// BindFlags binds configuration flags to pflags.
func BindFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "Path to config file")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")

	flags.String("crab.home", "/var/lib/crabd", "Path to static assets served under /static/")
	flags.String("crab.base-url", "http://localhost:8000", "Absolute URL used in feed links")
	flags.String("crab.pid-file", "", "Daemon PID file path (empty disables)")
	flags.Bool("crab.feed-enabled", false, "Enable the RSS feed endpoint")

	flags.Int("server.port", 8000, "HTTP server port")
	flags.Duration("server.request-timeout", 30*time.Second, "Per-request timeout")

	flags.String("store.type", "sqlite", "Storage backend type (sqlite, postgres, mysql)")
	flags.String("store.dsn", "/var/lib/crabd/crab.db", "Storage backend DSN")
	flags.String("outputstore.type", "", "Output store backend type (empty disables)")
	flags.String("outputstore.dsn", "", "Output store DSN")

	flags.String("notify.timezone", "UTC", "Default timezone for schedules lacking one")
	flags.Duration("notify.interval", 30*time.Second, "Monitor tick period")
	flags.Duration("notify.lookback", 10*time.Minute, "Expected-fire search window behind each tick")
	flags.Duration("notify.cooldown", 1*time.Hour, "Default duplicate-alert suppression window")
	flags.Duration("notify.grace-period", 2*time.Minute, "Default grace before a fire is MISSED")
	flags.Duration("notify.timeout", 5*time.Minute, "Default runtime before a job is TIMEOUT")
	flags.Int("notify.max-alerts", 10, "Per-rule alert budget within the alert window")
	flags.Duration("notify.alert-window", 5*time.Minute, "Per-rule alert budget window")
	flags.Int("notify.queue-size", 256, "Status delta fan-out channel capacity")
	flags.Int("notify.backlog", 1024, "Overflow ceiling before transition deltas are dropped")
	flags.Int("notify.dispatch-backlog", 64, "Per-transport delivery queue capacity")
	flags.Duration("notify.flush-timeout", 30*time.Second, "Notifier queue drain timeout on shutdown")
	flags.Int("notify.max-retries", 3, "Transport dispatch retry cap")

	flags.Int("retention.days", 0, "Event retention window in days (0 keeps forever)")
	flags.Duration("retention.interval", 1*time.Hour, "How often the retention pruner runs")

	flags.Bool("crabsh.allow-inhibit", true, "Wrapper honors inhibit responses")
}

// Load loads configuration from flags, environment, and config file.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("log-level", defaults.LogLevel)
	v.SetDefault("crab.home", defaults.Crab.Home)
	v.SetDefault("crab.base-url", defaults.Crab.BaseURL)
	v.SetDefault("crab.pid-file", defaults.Crab.PIDFile)
	v.SetDefault("crab.feed-enabled", defaults.Crab.FeedEnabled)
	v.SetDefault("server.port", defaults.Server.Port)
	v.SetDefault("server.request-timeout", defaults.Server.RequestTimeout)
	v.SetDefault("store.type", defaults.Store.Type)
	v.SetDefault("store.dsn", defaults.Store.DSN)
	v.SetDefault("notify.timezone", defaults.Notify.Timezone)
	v.SetDefault("notify.interval", defaults.Notify.Interval)
	v.SetDefault("notify.lookback", defaults.Notify.Lookback)
	v.SetDefault("notify.cooldown", defaults.Notify.Cooldown)
	v.SetDefault("notify.grace-period", defaults.Notify.GracePeriod)
	v.SetDefault("notify.timeout", defaults.Notify.Timeout)
	v.SetDefault("notify.max-alerts", defaults.Notify.MaxAlerts)
	v.SetDefault("notify.alert-window", defaults.Notify.AlertWindow)
	v.SetDefault("notify.queue-size", defaults.Notify.QueueSize)
	v.SetDefault("notify.backlog", defaults.Notify.Backlog)
	v.SetDefault("notify.dispatch-backlog", defaults.Notify.DispatchBacklog)
	v.SetDefault("notify.flush-timeout", defaults.Notify.FlushTimeout)
	v.SetDefault("notify.max-retries", defaults.Notify.MaxRetries)
	v.SetDefault("retention.days", defaults.Retention.Days)
	v.SetDefault("retention.interval", defaults.Retention.Interval)
	v.SetDefault("crabsh.allow-inhibit", defaults.Crabsh.AllowInhibit)

	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("binding flags: %w", err)
	}

	v.SetEnvPrefix("CRABD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	var configFileUsed string
	if configFile, _ := flags.GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		configFileUsed = v.ConfigFileUsed()
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/crabd")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err == nil {
			configFileUsed = v.ConfigFileUsed()
		}
		// No config file is fine - defaults and flags apply.
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.configFileUsed = configFileUsed

	return cfg, nil
}

// Validate rejects incomplete or inconsistent configuration. Failures here are
// fatal at startup only.
func (c *Config) Validate() error {
	switch c.Store.Type {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported store type %q", c.Store.Type)
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required")
	}
	if c.OutputStore.Type != "" {
		switch c.OutputStore.Type {
		case "sqlite", "postgres", "mysql":
		default:
			return fmt.Errorf("unsupported outputstore type %q", c.OutputStore.Type)
		}
		if c.OutputStore.DSN == "" {
			return fmt.Errorf("outputstore.dsn is required when outputstore.type is set")
		}
	}
	if c.Notify.Interval <= 0 {
		return fmt.Errorf("notify.interval must be positive")
	}
	for name, t := range c.Transports {
		switch t.Type {
		case "email", "command", "webhook", "slack":
		case "":
			return fmt.Errorf("transport %q: type is required", name)
		default:
			return fmt.Errorf("transport %q: unknown type %q", name, t.Type)
		}
	}
	return nil
}

// ConfigFileUsed returns the path to the config file that was loaded (empty if none).
func (c *Config) ConfigFileUsed() string {
	return c.configFileUsed
}
