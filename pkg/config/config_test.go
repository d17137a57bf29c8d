package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_Validates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 30*time.Second, cfg.Connection.HeartbeatInterval)
	assert.Equal(t, 90*time.Second, cfg.Connection.IdleTimeout)
	assert.Equal(t, 30*time.Second, cfg.Connection.GracePeriod)
	assert.Equal(t, 5*time.Minute, cfg.Cleanup.GCInterval)
	assert.Equal(t, 30*time.Minute, cfg.Cleanup.StaleThreshold)
	assert.Equal(t, "last_write_wins", cfg.Sync.ConflictStrategy)
	assert.Equal(t, 50, cfg.Sync.MaxHistory)
	assert.Equal(t, 1000, cfg.Events.MaxQueue)
	assert.Equal(t, 50*time.Millisecond, cfg.Events.BatchTimeout)
	assert.Equal(t, 5*time.Second, cfg.Registry.ActionTimeout)
	assert.False(t, cfg.Store.Enabled)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"idle timeout below heartbeat", func(c *Config) { c.Connection.IdleTimeout = time.Second }},
		{"zero send queue", func(c *Config) { c.Connection.SendQueueSize = 0 }},
		{"unknown strategy", func(c *Config) { c.Sync.ConflictStrategy = "coin_flip" }},
		{"custom as default strategy", func(c *Config) { c.Sync.ConflictStrategy = "custom" }},
		{"zero event queue", func(c *Config) { c.Events.MaxQueue = 0 }},
		{"zero cascade depth", func(c *Config) { c.Registry.MaxCascadeDepth = 0 }},
		{"store enabled without dsn", func(c *Config) { c.Store.Enabled = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Connection.HeartbeatInterval, cfg.Connection.HeartbeatInterval)
}

func TestLoad_MergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "livewire.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
connection:
  heartbeat_interval: 10s
  idle_timeout: 45s
events:
  batch_size: 25
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.Connection.HeartbeatInterval)
	assert.Equal(t, 45*time.Second, cfg.Connection.IdleTimeout)
	assert.Equal(t, 25, cfg.Events.BatchSize)
	// Untouched fields keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Connection.GracePeriod)
	assert.Equal(t, 1000, cfg.Events.MaxQueue)
}

func TestLoad_RejectsInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "livewire.yaml")
	require.NoError(t, os.WriteFile(path, []byte("connection: ["), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "livewire.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sync:
  conflict_strategy: coin_flip
`), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
