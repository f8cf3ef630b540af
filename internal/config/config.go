// Package config loads the daemon's YAML-plus-defaults configuration,
// modeled on Hector's pkg/config loader.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of daemon-level settings.
type Config struct {
	Socket     SocketConfig     `yaml:"socket"`
	Storage    StorageConfig    `yaml:"storage"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Preflight  PreflightConfig  `yaml:"preflight"`
	Halt       HaltConfig       `yaml:"halt"`
	EventBus   EventBusConfig   `yaml:"event_bus"`
	Engagement EngagementConfig `yaml:"engagement"`
	Reasoner   ReasonerConfig   `yaml:"reasoner"`
	C2         C2Config         `yaml:"c2"`
}

// SocketConfig configures the control-plane IPC listener.
type SocketConfig struct {
	Path string `yaml:"path"`
}

// StorageConfig configures checkpoint and scope file locations.
type StorageConfig struct {
	CheckpointDir string `yaml:"checkpoint_dir"`
	ScopePath     string `yaml:"scope_path"`
}

// SandboxConfig configures the tool execution sandbox pool.
type SandboxConfig struct {
	PoolSize int    `yaml:"pool_size"`
	Mode     string `yaml:"mode"` // "mock" or "real"
	Image    string `yaml:"image"`
}

// PreflightConfig configures environment-check thresholds.
type PreflightConfig struct {
	AcceptWarnings bool `yaml:"accept_warnings"`
}

// HaltConfig configures the emergency halt budgets.
type HaltConfig struct {
	BroadcastBudget time.Duration `yaml:"broadcast_budget"`
	TotalBudget     time.Duration `yaml:"total_budget"`
}

// EventBusConfig selects and configures the pub/sub and audit stream
// backends.
type EventBusConfig struct {
	Backend       string   `yaml:"backend"` // "redis"
	RedisURL      string   `yaml:"redis_url"`
	SentinelAddrs []string `yaml:"sentinel_addrs"`
	MasterName    string   `yaml:"master_name"`
}

// EngagementConfig bounds the Session Manager.
type EngagementConfig struct {
	MaxActive        int           `yaml:"max_active"`
	ShutdownDeadline time.Duration `yaml:"shutdown_deadline"`
}

// ReasonerConfig configures the LLM reasoner backend.
type ReasonerConfig struct {
	APIBase string `yaml:"api_base"`
	APIKey  string `yaml:"api_key"`
}

// C2Config configures the optional command-and-control certificate check.
type C2Config struct {
	Enabled  bool   `yaml:"enabled"`
	CertPath string `yaml:"cert_path"`
}

func defaults() Config {
	return Config{
		Socket:  SocketConfig{Path: "/var/run/ghostframed.sock"},
		Storage: StorageConfig{CheckpointDir: "/var/lib/ghostframed"},
		Sandbox: SandboxConfig{PoolSize: 4, Mode: "mock", Image: "ghostframe/sandbox:latest"},
		Halt:    HaltConfig{BroadcastBudget: 500 * time.Millisecond, TotalBudget: time.Second},
		EventBus: EventBusConfig{
			Backend:  "redis",
			RedisURL: "localhost:6379",
		},
		Engagement: EngagementConfig{MaxActive: 10, ShutdownDeadline: 30 * time.Second},
	}
}

// Load reads and parses a YAML config file at path, filling unset fields
// from defaults().
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the invariants main.go needs to hold before wiring the
// Application graph.
func (c *Config) Validate() error {
	if c.Socket.Path == "" {
		return fmt.Errorf("socket.path is required")
	}
	if c.Engagement.MaxActive <= 0 {
		return fmt.Errorf("engagement.max_active must be positive")
	}
	if c.Sandbox.Mode != "mock" && c.Sandbox.Mode != "real" {
		return fmt.Errorf("sandbox.mode must be %q or %q, got %q", "mock", "real", c.Sandbox.Mode)
	}
	if c.Sandbox.Mode == "real" && c.Sandbox.Image == "" {
		return fmt.Errorf("sandbox.image is required when sandbox.mode is %q", "real")
	}
	return nil
}
