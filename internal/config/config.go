// Package config handles schedd configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for schedd.
type Config struct {
	Broker        BrokerConfig        `yaml:"broker"`
	ProjectWorker ProjectWorkerConfig `yaml:"project_worker"`
	ReportWorker  ReportWorkerConfig  `yaml:"report_worker"`
	Capability    CapabilityConfig    `yaml:"capability"`
	Daemon        DaemonConfig        `yaml:"daemon"`
}

// BrokerConfig defines the broker's listener and housekeeping cadence.
type BrokerConfig struct {
	Listen      string        `yaml:"listen"`
	AuthKey     string        `yaml:"auth_key"`
	RuntimeDir  string        `yaml:"runtime_dir"` // lock file and generated auth key
	EventLog    string        `yaml:"event_log"`   // SQLite path; empty keeps history in memory
	Tick        time.Duration `yaml:"tick"`
	PingEvery   int           `yaml:"ping_every"` // ticks between heartbeat sweeps
	FailedGrace time.Duration `yaml:"failed_grace"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	Projects    [][]string    `yaml:"projects"` // [workdir, files...] loaded at startup
}

// ProjectWorkerConfig defines per-state timeouts for project workers.
// A zero timeout means the state may be held forever.
type ProjectWorkerConfig struct {
	NewTimeout       time.Duration `yaml:"new_timeout"`
	LoadingTimeout   time.Duration `yaml:"loading_timeout"`
	FailedTimeout    time.Duration `yaml:"failed_timeout"`
	ReadyTimeout     time.Duration `yaml:"ready_timeout"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	Tick             time.Duration `yaml:"tick"`
}

// ReportWorkerConfig defines report worker liveness settings.
type ReportWorkerConfig struct {
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	Tick             time.Duration `yaml:"tick"`
}

// CapabilityConfig defines the terminate watchdog timing shared by all workers.
type CapabilityConfig struct {
	WatchdogPoll   time.Duration `yaml:"watchdog_poll"`
	TerminateGrace time.Duration `yaml:"terminate_grace"`
	HandoffTimeout time.Duration `yaml:"handoff_timeout"`
}

// DaemonConfig defines process-wide settings.
type DaemonConfig struct {
	LogFile   string `yaml:"log_file"`
	LogLevel  string `yaml:"log_level"`
	SentryDSN string `yaml:"sentry_dsn"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Broker: BrokerConfig{
			Listen:      "127.0.0.1:8474",
			RuntimeDir:  filepath.Join(homeDir, ".local/share/schedd"),
			Tick:        time.Second,
			PingEvery:   60,
			FailedGrace: 60 * time.Second,
			CallTimeout: 10 * time.Second,
		},
		ProjectWorker: ProjectWorkerConfig{
			NewTimeout:       10 * time.Second,
			LoadingTimeout:   15 * time.Minute,
			FailedTimeout:    60 * time.Second,
			ReadyTimeout:     0,
			HeartbeatTimeout: 120 * time.Second,
			Tick:             time.Second,
		},
		ReportWorker: ReportWorkerConfig{
			HeartbeatTimeout: 120 * time.Second,
			Tick:             time.Second,
		},
		Capability: CapabilityConfig{
			WatchdogPoll:   time.Second,
			TerminateGrace: time.Second,
			HandoffTimeout: 30 * time.Second,
		},
		Daemon: DaemonConfig{
			LogFile:  filepath.Join(homeDir, ".local/share/schedd/schedd.log"),
			LogLevel: "info",
		},
	}
}

// Load reads configuration from the default path or creates default config.
func Load() (*Config, error) {
	return LoadFile(DefaultConfigPath())
}

// LoadFile reads configuration from path, falling back to defaults when it does not exist.
func LoadFile(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.expandEnvVars()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", configPath, err)
	}

	cfg.expandEnvVars()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() string {
	if p := os.Getenv("SCHEDD_CONFIG"); p != "" {
		return p
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".config/schedd/config.yaml")
}

// Validate rejects settings the housekeeping loops cannot run with.
func (c *Config) Validate() error {
	if c.Broker.Tick <= 0 {
		return fmt.Errorf("broker.tick must be positive")
	}
	if c.Broker.PingEvery <= 0 {
		return fmt.Errorf("broker.ping_every must be positive")
	}
	if c.ProjectWorker.Tick <= 0 || c.ReportWorker.Tick <= 0 {
		return fmt.Errorf("worker tick must be positive")
	}
	for i, p := range c.Broker.Projects {
		if len(p) < 2 {
			return fmt.Errorf("broker.projects[%d]: need a working directory and at least one file", i)
		}
	}
	return nil
}

// AuthKeyFile is where a generated broker auth key is stored.
func (c *Config) AuthKeyFile() string {
	return filepath.Join(c.Broker.RuntimeDir, "auth_key")
}

// LockFile guards against two brokers sharing a runtime directory.
func (c *Config) LockFile() string {
	return filepath.Join(c.Broker.RuntimeDir, "schedd.lock")
}

func (c *Config) expandEnvVars() {
	c.Broker.AuthKey = os.ExpandEnv(c.Broker.AuthKey)
	c.Daemon.SentryDSN = os.ExpandEnv(c.Daemon.SentryDSN)
}
