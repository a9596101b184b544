package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackflow/stackflow/pkg/poll"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stackflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, SinkLog, cfg.Notifications.Sink)
	assert.Equal(t, 3, cfg.Lookup.MaxAttempts)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
store:
  driver: sqlite
  sqlite:
    path: /tmp/flows.db
engine:
  workers: 2
  stall_ceiling: 90m
poll:
  interval:
    kind: fixed
    initial: 2s
  timeout: 10m
notifications:
  sink: nats
  subject_prefix: flows
policies:
  params:
    max_scale_step: 5
    frozen_resources: ["prod-*"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "/tmp/flows.db", cfg.Store.SQLite.Path)
	assert.Equal(t, 2, cfg.Engine.Workers)
	assert.Equal(t, 256, cfg.Engine.QueueSize)
	assert.Equal(t, 90*time.Minute, cfg.Engine.StallCeiling)
	assert.Equal(t, poll.IntervalFixed, cfg.Poll.Interval.Kind)
	assert.Equal(t, 2*time.Second, cfg.Poll.Interval.Initial)
	assert.Equal(t, 10*time.Minute, cfg.Poll.Timeout)
	assert.Equal(t, SinkNATS, cfg.Notifications.Sink)
	assert.Equal(t, "flows", cfg.Notifications.SubjectPrefix)
	assert.Equal(t, 5, cfg.Policies.Params.MaxScaleStep)
	assert.Equal(t, []string{"prod-*"}, cfg.Policies.Params.FrozenResources)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("STACKFLOW_STORE_DRIVER", "redis")
	t.Setenv("STACKFLOW_REDIS_ADDRS", "r1:6379, r2:6379")
	t.Setenv("STACKFLOW_WORKERS", "3")
	t.Setenv("STACKFLOW_STRICT", "true")
	t.Setenv("STACKFLOW_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DriverRedis, cfg.Store.Driver)
	assert.Equal(t, []string{"r1:6379", "r2:6379"}, cfg.Store.Redis.Addrs)
	assert.Equal(t, 3, cfg.Engine.Workers)
	assert.True(t, cfg.Engine.Strict)
	assert.Equal(t, "debug", cfg.Telemetry.Logging.Level)
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv("STACKFLOW_WORKERS", "many")
	t.Setenv("STACKFLOW_STALL_CEILING", "soon")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STACKFLOW_WORKERS")
	assert.Contains(t, err.Error(), "STACKFLOW_STALL_CEILING")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "postgres" }, "Driver"},
		{"no workers", func(c *Config) { c.Engine.Workers = 0 }, "Workers"},
		{"bad sink", func(c *Config) { c.Notifications.Sink = "kafka" }, "Sink"},
		{"sqlite without path", func(c *Config) {
			c.Store.Driver = DriverSQLite
			c.Store.SQLite.Path = ""
		}, "sqlite store requires a path"},
		{"redis without address", func(c *Config) {
			c.Store.Driver = DriverRedis
			c.Store.Redis.Addrs = nil
		}, "redis store requires at least one address"},
		{"nats without url", func(c *Config) {
			c.Notifications.Sink = SinkNATS
			c.Notifications.NATSURL = ""
		}, "nats sink requires nats_url"},
		{"zero poll interval", func(c *Config) { c.Poll.Interval.Initial = 0 }, "poll interval must be positive"},
		{"lookup without attempts", func(c *Config) { c.Lookup.MaxAttempts = 0 }, "MaxAttempts"},
		{"bad log level", func(c *Config) { c.Telemetry.Logging.Level = "loud" }, "Level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
