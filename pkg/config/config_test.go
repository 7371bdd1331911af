package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, time.Second, cfg.Scheduler.TickInterval())
	assert.Equal(t, 100*time.Millisecond, cfg.Scheduler.Debounce())
	assert.Equal(t, 5*time.Second, cfg.Scheduler.LockAcquireTimeout())
	assert.Equal(t, time.Minute, cfg.Health.CheckInterval())
	assert.Equal(t, 15*time.Minute, cfg.Health.PullingThreshold())
	assert.Equal(t, 10*time.Minute, cfg.Health.CreatingThreshold())
	assert.Equal(t, 3, cfg.Health.MaxRetries)
	assert.Equal(t, 10*time.Second, cfg.RPC.CheckTimeout())
	assert.Equal(t, 30*time.Second, cfg.RPC.ControlTimeout())
	assert.NoError(t, cfg.Validate())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "caravel.yaml")
	content := []byte(`
scheduler:
  tick_interval_sec: 5
health:
  pulling_threshold_sec: 300
raft:
  node_id: cp-a
  bind_addr: 10.0.0.1:7946
  data_dir: /tmp/caravel
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Scheduler.TickInterval())
	assert.Equal(t, 5*time.Minute, cfg.Health.PullingThreshold())
	// Untouched keys keep defaults.
	assert.Equal(t, 100*time.Millisecond, cfg.Scheduler.Debounce())
	assert.Equal(t, "cp-a", cfg.Raft.NodeID)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero tick interval", func(c *Config) { c.Scheduler.TickIntervalSec = 0 }},
		{"zero lock lease", func(c *Config) { c.Scheduler.LockLeaseSec = 0 }},
		{"negative max retries", func(c *Config) { c.Health.MaxRetries = -1 }},
		{"zero check timeout", func(c *Config) { c.RPC.CheckTimeoutSec = 0 }},
		{"missing raft node id", func(c *Config) { c.Raft.NodeID = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
