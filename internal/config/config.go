// Package config resolves the taskcopilot home directory and loads the
// daemon configuration from <home>/config.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when config.yaml is missing or leaves a field unset.
const (
	DefaultPort          = 9090
	DefaultBind          = "127.0.0.1"
	DefaultMainBranch    = "main"
	DefaultWorktreeRoot  = ".worktrees"
	DefaultSweepSchedule = "@every 5m"
	DefaultStaleSeconds  = 600
)

// Config is the daemon configuration. Everything has a usable default; a
// missing config.yaml means a fully default daemon.
type Config struct {
	// Bind and Port locate the HTTP API (default 127.0.0.1:9090).
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
	// APIKey, when set, is required in the X-API-Key header for /api routes.
	APIKey string `yaml:"api_key"`

	// ProjectRoot is the git repository tasks isolate into. Defaults to the
	// working directory of the daemon.
	ProjectRoot string `yaml:"project_root"`
	// MainBranch is the merge target for task branches.
	MainBranch string `yaml:"main_branch"`
	// WorktreeRoot is the directory (relative to ProjectRoot) holding task
	// worktrees.
	WorktreeRoot string `yaml:"worktree_root"`

	// Store selects the backend: "sqlite" (default) or "postgres".
	Store string `yaml:"store"`
	// PostgresDSN is required when Store is "postgres".
	PostgresDSN string `yaml:"postgres_dsn"`

	// Health staleness thresholds in seconds (default 600 each).
	CheckpointStaleSeconds int `yaml:"checkpoint_stale_seconds"`
	ActivityStaleSeconds   int `yaml:"activity_stale_seconds"`

	// SweepSchedule is the cron spec for the checkpoint expiry sweep.
	SweepSchedule string `yaml:"sweep_schedule"`
}

// Path returns the config file location under home.
func Path(home string) string {
	return filepath.Join(home, "config.yaml")
}

// Load reads <home>/config.yaml. A missing file is not an error; defaults
// apply.
func Load(home string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(Path(home))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Save writes the config to <home>/config.yaml.
func Save(home string, cfg *Config) error {
	if err := os.MkdirAll(home, 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(Path(home), data, 0o644)
}

func (c *Config) applyDefaults() {
	if c.Bind == "" {
		c.Bind = DefaultBind
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.ProjectRoot == "" {
		if wd, err := os.Getwd(); err == nil {
			c.ProjectRoot = wd
		}
	}
	if c.MainBranch == "" {
		c.MainBranch = DefaultMainBranch
	}
	if c.WorktreeRoot == "" {
		c.WorktreeRoot = DefaultWorktreeRoot
	}
	if c.Store == "" {
		c.Store = "sqlite"
	}
	if c.CheckpointStaleSeconds <= 0 {
		c.CheckpointStaleSeconds = DefaultStaleSeconds
	}
	if c.ActivityStaleSeconds <= 0 {
		c.ActivityStaleSeconds = DefaultStaleSeconds
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = DefaultSweepSchedule
	}
}

// Addr returns the bind address for the HTTP listener.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Bind, c.Port)
}

// CheckpointStale returns the checkpoint staleness threshold as a duration.
func (c *Config) CheckpointStale() time.Duration {
	return time.Duration(c.CheckpointStaleSeconds) * time.Second
}

// ActivityStale returns the activity staleness threshold as a duration.
func (c *Config) ActivityStale() time.Duration {
	return time.Duration(c.ActivityStaleSeconds) * time.Second
}
