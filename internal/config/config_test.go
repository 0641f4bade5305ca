package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SteelMorgan/projector/internal/projection"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "projector.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, BackendSQLite, cfg.Storage.Backend)
	assert.Equal(t, 4, cfg.Projection.Shards)
	assert.Equal(t, SchedulerLocal, cfg.Scheduler.Mode)

	d, err := cfg.Projection.DeliveryPolicy()
	require.NoError(t, err)
	assert.False(t, d.AtLeastOnce)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := writeConfig(t, `
storage:
  backend: bolt
  path: /var/lib/projector/offsets.db
projection:
  name: invoices
  shards: 8
  delivery: at_least_once
  save_after_envelopes: 50
  save_after_duration: 2s
  recovery: retry_and_skip
  retries: 3
  retry_delay: 250ms
scheduler:
  mode: lease
  lease_ttl: 20s
  lease_renew: 5s
`)
	t.Setenv("PROJECTOR_PROJECTION_SHARDS", "2")
	t.Setenv("PROJECTOR_LOG_LEVEL", "debug")
	t.Setenv("PROJECTOR_NATS_EMBEDDED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BackendBolt, cfg.Storage.Backend)
	assert.Equal(t, "invoices", cfg.Projection.Name)
	assert.Equal(t, 2, cfg.Projection.Shards, "env wins over the file")
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.NATS.Embedded)
	assert.Equal(t, 20*time.Second, cfg.Scheduler.LeaseTTL)
	assert.Equal(t, "EVENTS", cfg.NATS.Stream, "unset keys keep their defaults")

	d, err := cfg.Projection.DeliveryPolicy()
	require.NoError(t, err)
	assert.Equal(t, projection.AtLeastOnce(50, 2*time.Second), d)

	r, err := cfg.Projection.RecoveryPolicy()
	require.NoError(t, err)
	assert.Equal(t, projection.RetryAndSkip(3, 250*time.Millisecond), r)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Storage.Backend = "cassandra" }},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = BackendPostgres }},
		{"bad offset table", func(c *Config) { c.Storage.OffsetTable = "offsets; drop" }},
		{"zero shards", func(c *Config) { c.Projection.Shards = 0 }},
		{"bad name", func(c *Config) { c.Projection.Name = "a/b" }},
		{"negative retries", func(c *Config) {
			c.Projection.Recovery = "retry_and_fail"
			c.Projection.Retries = -1
		}},
		{"unknown recovery", func(c *Config) { c.Projection.Recovery = "ignore" }},
		{"unknown delivery", func(c *Config) { c.Projection.Delivery = "at_most_once" }},
		{"at least once without threshold", func(c *Config) {
			c.Projection.Delivery = DeliveryAtLeastOnce
			c.Projection.SaveAfterEnvelopes = 0
		}},
		{"restart without backoff", func(c *Config) {
			c.Projection.MaxRestarts = 2
			c.Projection.MinBackoff = 0
		}},
		{"unknown scheduler", func(c *Config) { c.Scheduler.Mode = "zookeeper" }},
		{"renew longer than ttl", func(c *Config) {
			c.Scheduler.Mode = SchedulerLease
			c.Scheduler.LeaseRenew = time.Minute
		}},
		{"mirror without port", func(c *Config) {
			c.Mirror.Enabled = true
			c.Mirror.Port = 0
		}},
		{"tracing without endpoint", func(c *Config) { c.Tracing.Enabled = true }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	require.NoError(t, Default().Validate())
}
