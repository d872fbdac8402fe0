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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)
	require.NoError(t, flags.Parse(args))
	return flags
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(parseFlags(t))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Store.Type)
	assert.Equal(t, 30*time.Second, cfg.Notify.Interval)
	assert.Equal(t, time.Hour, cfg.Notify.Cooldown)
	assert.Equal(t, 2*time.Minute, cfg.Notify.GracePeriod)
	assert.Equal(t, 3, cfg.Notify.MaxRetries)
	assert.Equal(t, 64, cfg.Notify.DispatchBacklog)
	assert.Zero(t, cfg.Retention.Days)
	assert.True(t, cfg.Crabsh.AllowInhibit)
	assert.Empty(t, cfg.Crab.PIDFile)
}

func TestLoadFlagOverrides(t *testing.T) {
	cfg, err := Load(parseFlags(t,
		"--server.port=9001",
		"--notify.grace-period=5m",
		"--crab.feed-enabled=true",
	))
	require.NoError(t, err)

	assert.Equal(t, 9001, cfg.Server.Port)
	assert.Equal(t, 5*time.Minute, cfg.Notify.GracePeriod)
	assert.True(t, cfg.Crab.FeedEnabled)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CRABD_STORE_DSN", "/tmp/crab-test.db")
	t.Setenv("CRABD_LOG_LEVEL", "debug")

	cfg, err := Load(parseFlags(t))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/crab-test.db", cfg.Store.DSN)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log-level: warn
server:
  port: 9100
notify:
  cooldown: 30m
  timezone: Europe/Berlin
retention:
  days: 90
transport:
  mail:
    type: email
    smtp-host: mail.example.com
    from: crabd@example.com
  hook:
    type: webhook
    headers:
      X-Token: secret
`), 0644))

	cfg, err := Load(parseFlags(t, "--config="+path))
	require.NoError(t, err)

	assert.Equal(t, path, cfg.ConfigFileUsed())
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 30*time.Minute, cfg.Notify.Cooldown)
	assert.Equal(t, "Europe/Berlin", cfg.Notify.Timezone)
	assert.Equal(t, 90, cfg.Retention.Days)

	require.Contains(t, cfg.Transports, "mail")
	assert.Equal(t, "email", cfg.Transports["mail"].Type)
	assert.Equal(t, "mail.example.com", cfg.Transports["mail"].SMTPHost)
	require.Contains(t, cfg.Transports, "hook")
	assert.Equal(t, "secret", cfg.Transports["hook"].Headers["X-Token"])
}

func TestLoadMissingConfigFile(t *testing.T) {
	_, err := Load(parseFlags(t, "--config=/does/not/exist.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"bad store type", func(c *Config) { c.Store.Type = "oracle" }, false},
		{"empty dsn", func(c *Config) { c.Store.DSN = "" }, false},
		{"outputstore without dsn", func(c *Config) { c.OutputStore.Type = "sqlite" }, false},
		{"bad outputstore type", func(c *Config) {
			c.OutputStore.Type = "redis"
			c.OutputStore.DSN = "x"
		}, false},
		{"zero interval", func(c *Config) { c.Notify.Interval = 0 }, false},
		{"transport without type", func(c *Config) {
			c.Transports = map[string]TransportConfig{"x": {}}
		}, false},
		{"unknown transport type", func(c *Config) {
			c.Transports = map[string]TransportConfig{"x": {Type: "pigeon"}}
		}, false},
		{"known transport types", func(c *Config) {
			c.Transports = map[string]TransportConfig{
				"a": {Type: "email"},
				"b": {Type: "command"},
				"c": {Type: "webhook"},
				"d": {Type: "slack"},
			}
		}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
