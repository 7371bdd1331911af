package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full control-plane configuration. Zero values are
// filled from DefaultConfig; a YAML file and CLI flags layer on top.
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Health    HealthConfig    `yaml:"health"`
	RPC       RPCConfig       `yaml:"rpc"`
	Agent     AgentConfig     `yaml:"agent"`
	Raft      RaftConfig      `yaml:"raft"`
	Redis     RedisConfig     `yaml:"redis"`
	NATS      NATSConfig      `yaml:"nats"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// SchedulerConfig tunes the coordinator loop
type SchedulerConfig struct {
	TickIntervalSec      int `yaml:"tick_interval_sec"`
	DebounceMS           int `yaml:"debounce_ms"`
	LockAcquireTimeoutMS int `yaml:"lock_acquire_timeout_ms"`
	LockLeaseSec         int `yaml:"lock_lease_sec"`
}

// HealthConfig tunes the health monitor and its keepers
type HealthConfig struct {
	CheckIntervalSec     int `yaml:"check_interval_sec"`
	PullingThresholdSec  int `yaml:"pulling_threshold_sec"`
	CreatingThresholdSec int `yaml:"creating_threshold_sec"`
	MaxRetries           int `yaml:"max_retries"`
	RetryBackoffBaseSec  int `yaml:"retry_backoff_base_sec"`
}

// RPCConfig bounds agent RPC timeouts
type RPCConfig struct {
	CheckTimeoutSec   int `yaml:"check_timeout_sec"`
	ControlTimeoutSec int `yaml:"control_timeout_sec"`
}

// AgentConfig tunes agent liveness tracking
type AgentConfig struct {
	HeartbeatTimeoutSec int `yaml:"heartbeat_timeout_sec"`
}

// RaftConfig locates the replicated control-plane state
type RaftConfig struct {
	NodeID   string `yaml:"node_id"`
	BindAddr string `yaml:"bind_addr"`
	DataDir  string `yaml:"data_dir"`
}

// RedisConfig locates the ephemeral cache
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// NATSConfig locates the event bus and agent RPC transport
type NATSConfig struct {
	URL string `yaml:"url"`
}

// LogConfig tunes logging output
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// MetricsConfig locates the Prometheus endpoint
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultConfig returns the documented defaults
func DefaultConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			TickIntervalSec:      1,
			DebounceMS:           100,
			LockAcquireTimeoutMS: 5000,
			LockLeaseSec:         30,
		},
		Health: HealthConfig{
			CheckIntervalSec:     60,
			PullingThresholdSec:  900,
			CreatingThresholdSec: 600,
			MaxRetries:           3,
			RetryBackoffBaseSec:  60,
		},
		RPC: RPCConfig{
			CheckTimeoutSec:   10,
			ControlTimeoutSec: 30,
		},
		Agent: AgentConfig{
			HeartbeatTimeoutSec: 30,
		},
		Raft: RaftConfig{
			NodeID:   "controlplane-1",
			BindAddr: "127.0.0.1:7946",
			DataDir:  "/var/lib/caravel",
		},
		Redis: RedisConfig{
			Addr: "127.0.0.1:6379",
		},
		NATS: NATSConfig{
			URL: "nats://127.0.0.1:4222",
		},
		Log: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

// Load reads a YAML config file over the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the control plane cannot run with
func (c *Config) Validate() error {
	if c.Scheduler.TickIntervalSec <= 0 {
		return fmt.Errorf("scheduler.tick_interval_sec must be positive")
	}
	if c.Scheduler.LockLeaseSec <= 0 {
		return fmt.Errorf("scheduler.lock_lease_sec must be positive")
	}
	if c.Health.CheckIntervalSec <= 0 {
		return fmt.Errorf("health.check_interval_sec must be positive")
	}
	if c.Health.MaxRetries < 0 {
		return fmt.Errorf("health.max_retries must not be negative")
	}
	if c.RPC.CheckTimeoutSec <= 0 || c.RPC.ControlTimeoutSec <= 0 {
		return fmt.Errorf("rpc timeouts must be positive")
	}
	if c.Raft.NodeID == "" || c.Raft.BindAddr == "" || c.Raft.DataDir == "" {
		return fmt.Errorf("raft.node_id, raft.bind_addr and raft.data_dir are required")
	}
	return nil
}

// Convenience duration accessors

func (c *SchedulerConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSec) * time.Second
}

func (c *SchedulerConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMS) * time.Millisecond
}

func (c *SchedulerConfig) LockAcquireTimeout() time.Duration {
	return time.Duration(c.LockAcquireTimeoutMS) * time.Millisecond
}

func (c *SchedulerConfig) LockLease() time.Duration {
	return time.Duration(c.LockLeaseSec) * time.Second
}

func (c *HealthConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSec) * time.Second
}

func (c *HealthConfig) PullingThreshold() time.Duration {
	return time.Duration(c.PullingThresholdSec) * time.Second
}

func (c *HealthConfig) CreatingThreshold() time.Duration {
	return time.Duration(c.CreatingThresholdSec) * time.Second
}

func (c *HealthConfig) RetryBackoffBase() time.Duration {
	return time.Duration(c.RetryBackoffBaseSec) * time.Second
}

func (c *RPCConfig) CheckTimeout() time.Duration {
	return time.Duration(c.CheckTimeoutSec) * time.Second
}

func (c *RPCConfig) ControlTimeout() time.Duration {
	return time.Duration(c.ControlTimeoutSec) * time.Second
}

func (c *AgentConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSec) * time.Second
}
